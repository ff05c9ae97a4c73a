package search

import (
	"context"
	"errors"
	"math/rand"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	merrors "github.com/Aman-CERP/memnon/internal/errors"
	"github.com/Aman-CERP/memnon/internal/store"
)

func vectorHit(pos int64, sim float64) store.VectorHit {
	return store.VectorHit{Position: pos, Vector: vecAt(sim), Score: float32((1 + sim) / 2)}
}

func TestHybrid_LeakyStrategiesAreFiltered(t *testing.T) {
	// Given: strategies that return chunks after the anchor, including a
	// perfect lexical match at 60
	enc := newFakeEncoder(map[string]float64{"a": 1})
	vectors := &fakeVectors{hits: map[string][]store.VectorHit{
		"a": {vectorHit(70, 0.99), vectorHit(20, 0.5)},
	}}
	lexical := &fakeLexical{hits: []store.LexicalHit{
		{Position: 60, Score: 1.0},
		{Position: 10, Score: 0.3},
		{Position: 90, Score: 0.9},
	}}
	h := NewHybrid(enc, vectors, lexical, nil)
	plan := FallbackPlan(CategoryGeneric, []string{"a"})

	// When: searching at anchor 50
	out, err := h.Search(context.Background(), "q", Classification{Category: CategoryGeneric}, plan, 50, DefaultParams())

	// Then: only chunks at or before the anchor survive
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{10, 20}, candidatePositions(out.Candidates))
	assert.Equal(t, []int64{60, 70, 90}, out.Excluded)

	// Then: future chunks did not shape normalization; the lone lexical
	// survivor is the lexical maximum
	for _, c := range out.Candidates {
		if c.Position == 10 {
			assert.InDelta(t, out.Shares.Lexical, c.Fused, 1e-9)
		}
	}
}

func TestHybrid_SingleUnavailableModel(t *testing.T) {
	// Given: one configured model that is not loaded
	enc := newFakeEncoder(map[string]float64{"m1": 1}, "m1")
	lexical := &fakeLexical{hits: lexHits(0.5, 1, 2, 3)}
	h := NewHybrid(enc, &fakeVectors{}, lexical, nil)
	plan := FallbackPlan(CategoryGeneric, []string{"m1"})

	// When: searching
	out, err := h.Search(context.Background(), "q", Classification{Category: CategoryGeneric}, plan, 10, DefaultParams())

	// Then: the query succeeds on lexical signal with a diagnostic
	require.NoError(t, err)
	assert.Contains(t, out.Diagnostics, DiagNoVectorSignal)
	assert.Equal(t, []string{"m1"}, out.SkippedModels)
	assert.Len(t, out.Candidates, 3)
	assert.InDelta(t, 0.0, out.Shares.Vector, 1e-9)
	assert.InDelta(t, 1.0, out.Shares.Lexical, 1e-9)
	assert.Empty(t, out.ModelWeights)
}

func TestHybrid_WeightsRedistributeAndSumToOne(t *testing.T) {
	// Given: three models, one unavailable
	enc := newFakeEncoder(map[string]float64{"a": 0.5, "b": 0.3, "c": 0.2}, "b")
	vectors := &fakeVectors{hits: map[string][]store.VectorHit{
		"a": {vectorHit(1, 0.9), vectorHit(2, 0.1)},
		"c": {vectorHit(2, 0.8), vectorHit(3, 0.2)},
	}}
	h := NewHybrid(enc, vectors, &fakeLexical{}, nil)
	plan := FallbackPlan(CategoryTheme, []string{"a", "b", "c"})

	// When: searching
	out, err := h.Search(context.Background(), "q", Classification{Category: CategoryTheme}, plan, 10, DefaultParams())

	// Then: the remaining weights are rescaled proportionally
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, out.SkippedModels)
	assert.NotContains(t, out.Diagnostics, DiagNoVectorSignal)
	var total float64
	for _, w := range out.ModelWeights {
		total += w
	}
	assert.InDelta(t, 1.0, total, 1e-9)
	assert.InDelta(t, 0.5/0.7, out.ModelWeights["a"], 1e-9)
	assert.InDelta(t, 0.2/0.7, out.ModelWeights["c"], 1e-9)
	assert.InDelta(t, 1.0, out.Shares.sum(), 1e-9)
}

func TestHybrid_PlanHintsShapeFusion(t *testing.T) {
	// Given: the vector signal prefers chunk 1 and the lexical signal chunk 2
	enc := newFakeEncoder(map[string]float64{"a": 1})
	vectors := &fakeVectors{hits: map[string][]store.VectorHit{
		"a": {vectorHit(1, 0.9), vectorHit(2, 0.5)},
	}}
	lexical := &fakeLexical{hits: []store.LexicalHit{
		{Position: 2, Score: 1.0},
		{Position: 1, Score: 0.2},
	}}
	h := NewHybrid(enc, vectors, lexical, nil)
	c := Classification{Category: CategoryGeneric}

	tests := []struct {
		name    string
		lexHint float64
		want    []int64
	}{
		{"even hints follow configured shares", 1, []int64{1, 2}},
		{"heavy lexical hint favours lexical match", 4, []int64{2, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, dropped, err := DecodePlan(PlanResponse{Strategies: []PlannedStrategy{
				{Type: "vector", ModelID: "a", Weight: 1},
				{Type: "lexical", Weight: tt.lexHint},
			}}, []string{"a"})
			require.NoError(t, err)
			require.Empty(t, dropped)

			// When: searching with the decoded plan
			out, err := h.Search(context.Background(), "q", c, plan, 5, DefaultParams())

			// Then: the hint decides the order
			require.NoError(t, err)
			assert.Equal(t, tt.want, candidatePositions(out.Candidates))
			assert.InDelta(t, 1.0, out.Shares.sum(), 1e-9)
		})
	}
}

func TestHybrid_StructuredScoresFractionOfMentions(t *testing.T) {
	links := fakeLinks{"e1": {1, 2}, "e2": {2}}
	h := NewHybrid(newFakeEncoder(nil), nil, nil, links)
	plan := Plan{Strategies: []Strategy{StructuredLookup{WeightHint: 1}}}
	c := Classification{Category: CategoryCharacter, EntityMentions: []string{"e1", "e2"}}

	out, err := h.Search(context.Background(), "q", c, plan, 5, DefaultParams())

	require.NoError(t, err)
	require.Len(t, out.Candidates, 2)
	assert.Equal(t, int64(2), out.Candidates[0].Position)
	assert.InDelta(t, 1.0, out.Candidates[0].Structured, 1e-9)
	assert.InDelta(t, 0.5, out.Candidates[1].Structured, 1e-9)
	assert.InDelta(t, 1.0, out.Shares.Structured, 1e-9)
}

func TestHybrid_StoreUnavailableIsFatal(t *testing.T) {
	lexical := &fakeLexical{err: merrors.StoreUnavailable("database closed", errors.New("sql: database is closed"))}
	h := NewHybrid(newFakeEncoder(nil), nil, lexical, nil)
	plan := Plan{Strategies: []Strategy{LexicalSearch{WeightHint: 1}}}

	_, err := h.Search(context.Background(), "q", Classification{Category: CategoryGeneric}, plan, 5, DefaultParams())

	require.Error(t, err)
	assert.ErrorIs(t, err, merrors.ErrStoreUnavailable)
}

func TestHybrid_ClosedLexicalIndexIsStoreUnavailable(t *testing.T) {
	lexical := &fakeLexical{err: store.ErrIndexClosed}
	h := NewHybrid(newFakeEncoder(nil), nil, lexical, nil)
	plan := Plan{Strategies: []Strategy{LexicalSearch{WeightHint: 1}}}

	_, err := h.Search(context.Background(), "q", Classification{}, plan, 5, DefaultParams())

	assert.Equal(t, merrors.ErrCodeStoreUnavailable, merrors.GetCode(err))
}

func TestHybrid_OtherStrategyFailureIsSkipped(t *testing.T) {
	// Given: a vector index that errors and a healthy lexical index
	enc := newFakeEncoder(map[string]float64{"a": 1})
	h := NewHybrid(enc, &fakeVectors{err: errors.New("graph corrupted")}, &fakeLexical{hits: lexHits(0.7, 4)}, nil)
	plan := FallbackPlan(CategoryEvent, []string{"a"})

	// When: searching
	out, err := h.Search(context.Background(), "q", Classification{Category: CategoryEvent}, plan, 10, DefaultParams())

	// Then: the failure is recorded and lexical results remain
	require.NoError(t, err)
	assert.Equal(t, []int64{4}, candidatePositions(out.Candidates))
	require.NotEmpty(t, out.Diagnostics)
	assert.Contains(t, out.Diagnostics[0], "vector:a")
	assert.NotEmpty(t, out.Runs[0].Error)
}

// blockingLexical ignores its context until released.
type blockingLexical struct {
	fakeLexical
	release chan struct{}
}

func (b *blockingLexical) Search(context.Context, string, int, int64) ([]store.LexicalHit, error) {
	<-b.release
	return nil, nil
}

func TestHybrid_HungStrategyTimesOut(t *testing.T) {
	// Given: a lexical index that never answers
	lex := &blockingLexical{release: make(chan struct{})}
	defer close(lex.release)
	links := fakeLinks{"e1": {3}}
	h := NewHybrid(newFakeEncoder(nil), nil, lex, links)
	plan := Plan{Strategies: []Strategy{LexicalSearch{WeightHint: 1}, StructuredLookup{WeightHint: 1}}}
	params := DefaultParams()
	params.StrategyTimeout = 50 * time.Millisecond

	// When: searching
	start := time.Now()
	out, err := h.Search(context.Background(), "q", Classification{EntityMentions: []string{"e1"}}, plan, 5, params)

	// Then: the query completes with the other strategy's results
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, []int64{3}, candidatePositions(out.Candidates))
	assert.NotEmpty(t, out.Runs[0].Error)
}

// jitterLexical answers after a random delay.
type jitterLexical struct {
	fakeLexical
	mu  sync.Mutex
	rng *rand.Rand
}

func (j *jitterLexical) Search(ctx context.Context, q string, limit int, maxPosition int64) ([]store.LexicalHit, error) {
	j.mu.Lock()
	d := time.Duration(j.rng.Intn(3)) * time.Millisecond
	j.mu.Unlock()
	time.Sleep(d)
	return j.fakeLexical.Search(ctx, q, limit, maxPosition)
}

func TestHybrid_DeterministicAcrossRuns(t *testing.T) {
	// Given: several models and a lexical index with jittered latency
	enc := newFakeEncoder(map[string]float64{"a": 0.4, "b": 0.3, "c": 0.3})
	vectors := &fakeVectors{hits: map[string][]store.VectorHit{
		"a": {vectorHit(1, 0.9), vectorHit(2, 0.6), vectorHit(3, 0.3)},
		"b": {vectorHit(2, 0.7), vectorHit(4, 0.7)},
		"c": {vectorHit(3, 0.5), vectorHit(5, 0.5)},
	}}
	lex := &jitterLexical{
		fakeLexical: fakeLexical{hits: []store.LexicalHit{{Position: 5, Score: 0.9}, {Position: 1, Score: 0.4}}},
		rng:         rand.New(rand.NewSource(1)),
	}
	h := NewHybrid(enc, vectors, lex, nil)
	plan := FallbackPlan(CategoryGeneric, []string{"a", "b", "c"})

	first, err := h.Search(context.Background(), "q", Classification{Category: CategoryGeneric}, plan, 10, DefaultParams())
	require.NoError(t, err)

	// When: repeating the search concurrently
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := h.Search(context.Background(), "q", Classification{Category: CategoryGeneric}, plan, 10, DefaultParams())
			assert.NoError(t, err)
			if err != nil {
				return
			}
			// Then: the ranking and scores are identical
			assert.Equal(t, candidatePositions(first.Candidates), candidatePositions(out.Candidates))
			for i := range out.Candidates {
				assert.Equal(t, first.Candidates[i].Fused, out.Candidates[i].Fused)
			}
		}()
	}
	wg.Wait()
}

func TestHybrid_LongTailAfterAnchor(t *testing.T) {
	// Given: an early stretch mentioning a dragon and a far longer tail
	// after it where every chunk is a better match
	lex := store.NewIDFIndex(store.DefaultLexicalConfig())
	docs := make([]store.LexicalDocument, 0, 1000)
	for pos := int64(0); pos < 1000; pos++ {
		text := "a dragon sleeps under the hill"
		if pos > 5 {
			text = "the red dragon burns the red hill"
		}
		docs = append(docs, store.LexicalDocument{Position: pos, Content: text})
	}
	require.NoError(t, lex.Index(context.Background(), docs))
	h := NewHybrid(newFakeEncoder(nil), nil, lex, nil)
	plan := Plan{Strategies: []Strategy{LexicalSearch{WeightHint: 1}}}

	// When: searching with the anchor inside the early stretch
	out, err := h.Search(context.Background(), "red dragon", Classification{}, plan, 5, DefaultParams())

	// Then: the early chunks are found and nothing after the anchor was fetched
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 1, 2, 3, 4, 5}, sortedPositions(out.Candidates))
	assert.Empty(t, out.Excluded)
}

func sortedPositions(cands []Candidate) []int64 {
	out := candidatePositions(cands)
	slices.Sort(out)
	return out
}
