package search

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoOpReranker_PreservesOrder(t *testing.T) {
	// Given: NoOpReranker and documents
	reranker := &NoOpReranker{}

	// When: reranking with topK 2
	results, err := reranker.Rerank(context.Background(), "q", []string{"a", "b", "c"}, 2)

	// Then: order is preserved with decreasing scores
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, 0, results[0].Index)
	assert.InDelta(t, 1.0, results[0].Score, 0.001)
	assert.InDelta(t, 0.99, results[1].Score, 0.001)
	assert.True(t, reranker.Available(context.Background()))
	assert.NoError(t, reranker.Close())
}

// scriptedReranker scores documents by a lookup table and records batches.
type scriptedReranker struct {
	mu      sync.Mutex
	scores  map[string]float64
	batches [][]string
	err     error
	delay   time.Duration
	drop    bool
}

func (s *scriptedReranker) Rerank(ctx context.Context, _ string, docs []string, _ int) ([]RerankResult, error) {
	s.mu.Lock()
	s.batches = append(s.batches, docs)
	s.mu.Unlock()
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	out := make([]RerankResult, 0, len(docs))
	for i, d := range docs {
		if s.drop && i == len(docs)-1 {
			continue
		}
		out = append(out, RerankResult{Index: i, Score: s.scores[d], Document: d})
	}
	return out, nil
}

func (s *scriptedReranker) Available(context.Context) bool { return true }
func (s *scriptedReranker) Close() error                   { return nil }

func rerankFixture() ([]Candidate, map[int64]string) {
	cands := []Candidate{
		{Position: 1, Boosted: 0.9},
		{Position: 2, Boosted: 0.8},
		{Position: 3, Boosted: 0.7},
		{Position: 4, Boosted: 0.6},
		{Position: 5, Boosted: 0.5},
	}
	texts := map[int64]string{1: "one", 2: "two", 3: "three", 4: "four", 5: "five"}
	return cands, texts
}

func TestWindowReranker_RescoresWindowOnly(t *testing.T) {
	// Given: a scorer preferring "three" and a window of 3
	cands, texts := rerankFixture()
	scorer := &scriptedReranker{scores: map[string]float64{"one": 0.1, "two": 0.2, "three": 0.95}}
	w := NewWindowReranker(scorer, 2, time.Second)

	// When: reranking
	out, outcome := w.Rerank(context.Background(), "q", cands, texts, 3, 10)

	// Then: the window is reordered and the tail keeps its order
	assert.True(t, outcome.Applied)
	assert.False(t, outcome.Fallback)
	assert.Equal(t, 3, outcome.Window)
	assert.Equal(t, []int64{3, 2, 1, 4, 5}, candidatePositions(out))
	require.NotNil(t, out[0].Reranked)
	assert.InDelta(t, 0.95, *out[0].Reranked, 1e-9)
	assert.Nil(t, out[3].Reranked)

	// Then: documents were sent in batches of 2
	assert.Equal(t, [][]string{{"one", "two"}, {"three"}}, scorer.batches)

	// Then: the input slice is untouched
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, candidatePositions(cands))
	assert.Nil(t, cands[0].Reranked)
}

func TestWindowReranker_FallbackOnError(t *testing.T) {
	cands, texts := rerankFixture()
	w := NewWindowReranker(&scriptedReranker{err: errors.New("model crashed")}, 10, time.Second)

	out, outcome := w.Rerank(context.Background(), "q", cands, texts, 3, 10)

	assert.False(t, outcome.Applied)
	assert.True(t, outcome.Fallback)
	assert.Contains(t, outcome.Reason, "model crashed")
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, candidatePositions(out))
	for _, c := range out {
		assert.Nil(t, c.Reranked)
	}
}

func TestWindowReranker_FallbackOnTimeout(t *testing.T) {
	cands, texts := rerankFixture()
	w := NewWindowReranker(&scriptedReranker{delay: time.Second}, 10, 20*time.Millisecond)

	out, outcome := w.Rerank(context.Background(), "q", cands, texts, 5, 10)

	assert.True(t, outcome.Fallback)
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, candidatePositions(out))
}

// stuckReranker never answers and ignores its context.
type stuckReranker struct {
	NoOpReranker
	release chan struct{}
}

func (s *stuckReranker) Rerank(context.Context, string, []string, int) ([]RerankResult, error) {
	<-s.release
	return nil, nil
}

func TestWindowReranker_FallbackWhenScorerIgnoresContext(t *testing.T) {
	// Given: a scorer that blocks regardless of its context
	cands, texts := rerankFixture()
	scorer := &stuckReranker{release: make(chan struct{})}
	defer close(scorer.release)
	w := NewWindowReranker(scorer, 10, 20*time.Millisecond)

	// When: reranking
	start := time.Now()
	out, outcome := w.Rerank(context.Background(), "q", cands, texts, 5, 10)

	// Then: the timeout still applies and the boosted order is kept
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, outcome.Fallback)
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, candidatePositions(out))
}

func TestWindowReranker_FallbackOnMissingScore(t *testing.T) {
	cands, texts := rerankFixture()
	w := NewWindowReranker(&scriptedReranker{drop: true, scores: map[string]float64{}}, 10, time.Second)

	_, outcome := w.Rerank(context.Background(), "q", cands, texts, 3, 10)

	assert.True(t, outcome.Fallback)
	assert.Contains(t, outcome.Reason, "no score")
}

func TestWindowReranker_NoWindow(t *testing.T) {
	cands, texts := rerankFixture()
	scorer := &scriptedReranker{}
	w := NewWindowReranker(scorer, 10, time.Second)

	out, outcome := w.Rerank(context.Background(), "q", cands, texts, 0, 10)

	assert.False(t, outcome.Applied)
	assert.False(t, outcome.Fallback)
	assert.Equal(t, cands, out)
	assert.Empty(t, scorer.batches)
}

func TestWindowReranker_WindowLargerThanList(t *testing.T) {
	cands, texts := rerankFixture()
	scorer := &scriptedReranker{scores: map[string]float64{"five": 1}}
	w := NewWindowReranker(scorer, 10, time.Second, WithRateLimit(100, 1))

	out, outcome := w.Rerank(context.Background(), "q", cands, texts, 50, 10)

	assert.True(t, outcome.Applied)
	assert.Equal(t, 5, outcome.Window)
	assert.Equal(t, int64(5), out[0].Position)
}

func TestWindowReranker_NilIsNoOp(t *testing.T) {
	var w *WindowReranker
	cands, texts := rerankFixture()

	out, outcome := w.Rerank(context.Background(), "q", cands, texts, 3, 10)

	assert.Equal(t, cands, out)
	assert.False(t, outcome.Applied)
}
