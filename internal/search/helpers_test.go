package search

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	merrors "github.com/Aman-CERP/memnon/internal/errors"
	"github.com/Aman-CERP/memnon/internal/store"
)

// fakeEncoder embeds every query to the same unit vector and reports the
// configured models as available unless marked otherwise.
type fakeEncoder struct {
	order       []string
	weights     map[string]float64
	unavailable map[string]bool
	query       []float32
}

func newFakeEncoder(weights map[string]float64, unavailable ...string) *fakeEncoder {
	order := make([]string, 0, len(weights))
	for id := range weights {
		order = append(order, id)
	}
	sort.Strings(order)
	un := make(map[string]bool)
	for _, id := range unavailable {
		un[id] = true
	}
	return &fakeEncoder{order: order, weights: weights, unavailable: un, query: []float32{1, 0}}
}

func (f *fakeEncoder) Encode(_ context.Context, _ string, modelID string) ([]float32, error) {
	if _, ok := f.weights[modelID]; !ok {
		return nil, merrors.New(merrors.ErrCodeUnknownModel, "unknown model "+modelID, nil)
	}
	if f.unavailable[modelID] {
		return nil, merrors.ModelUnavailable(modelID, fmt.Errorf("not loaded"))
	}
	return f.query, nil
}

func (f *fakeEncoder) Similarity(query []float32, candidates [][]float32, _ string) ([]float64, error) {
	out := make([]float64, len(candidates))
	for i, c := range candidates {
		out[i] = cosine(query, c)
	}
	return out, nil
}

func (f *fakeEncoder) ActiveWeights(available []string) (map[string]float64, []string) {
	in := make(map[string]bool)
	for _, id := range available {
		in[id] = true
	}
	var total float64
	var skipped []string
	for _, id := range f.order {
		if in[id] {
			total += f.weights[id]
		} else {
			skipped = append(skipped, id)
		}
	}
	out := make(map[string]float64)
	for _, id := range f.order {
		if in[id] && total > 0 {
			out[id] = f.weights[id] / total
		}
	}
	return out, skipped
}

func (f *fakeEncoder) Partition(string) (string, error) { return "d2", nil }

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// vecAt returns a 2-d unit vector with cosine sim to (1, 0).
func vecAt(sim float64) []float32 {
	return []float32{float32(sim), float32(math.Sqrt(1 - sim*sim))}
}

// fakeVectors returns canned hits per model, ignoring the query.
type fakeVectors struct {
	hits map[string][]store.VectorHit
	err  error
}

func (f *fakeVectors) Search(_ context.Context, _ string, modelID string, _ []float32, k int, _ int64) ([]store.VectorHit, error) {
	if f.err != nil {
		return nil, f.err
	}
	hits := f.hits[modelID]
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// fakeLexical returns canned hits regardless of the query or the position
// ceiling, like a backend that over-fetches.
type fakeLexical struct {
	hits []store.LexicalHit
	err  error
}

func (f *fakeLexical) Index(context.Context, []store.LexicalDocument) error { return nil }
func (f *fakeLexical) Count() int                                           { return len(f.hits) }
func (f *fakeLexical) Close() error                                         { return nil }

func (f *fakeLexical) Search(_ context.Context, _ string, limit int, _ int64) ([]store.LexicalHit, error) {
	if f.err != nil {
		return nil, f.err
	}
	hits := f.hits
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

type fakeLinks map[string][]int64

func (f fakeLinks) LinksFor(id string) []int64 { return f[id] }

// memChunks is an in-memory ChunkReader.
type memChunks struct {
	mu     sync.RWMutex
	chunks map[int64]store.Chunk
	meta   map[int64]store.ChunkMetadata
	err    error
}

func newMemChunks(n int) *memChunks {
	m := &memChunks{chunks: make(map[int64]store.Chunk), meta: make(map[int64]store.ChunkMetadata)}
	for i := range n {
		m.chunks[int64(i)] = store.Chunk{Position: int64(i), Text: fmt.Sprintf("chunk %d", i)}
	}
	return m
}

func (m *memChunks) GetChunks(_ context.Context, positions []int64) (map[int64]store.Chunk, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[int64]store.Chunk)
	for _, p := range positions {
		if c, ok := m.chunks[p]; ok {
			out[p] = c
		}
	}
	return out, nil
}

func (m *memChunks) GetMetadata(_ context.Context, positions []int64) (map[int64]store.ChunkMetadata, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[int64]store.ChunkMetadata)
	for _, p := range positions {
		if md, ok := m.meta[p]; ok {
			out[p] = md
		}
	}
	return out, nil
}

func (m *memChunks) Range(context.Context) (store.PositionRange, error) {
	if m.err != nil {
		return store.PositionRange{}, m.err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	r := store.PositionRange{Min: math.MaxInt64, Max: -1}
	for p := range m.chunks {
		r.Min = min(r.Min, p)
		r.Max = max(r.Max, p)
		r.Count++
	}
	if r.Count == 0 {
		return store.PositionRange{}, nil
	}
	return r, nil
}

func (m *memChunks) ListChunks(context.Context, func(store.Chunk) error) error { return nil }
func (m *memChunks) ListEntities(context.Context) ([]store.Entity, error)      { return nil, nil }

func (m *memChunks) ListCrossReferences(context.Context) ([]store.CrossReference, error) {
	return nil, nil
}

func (m *memChunks) ListEmbeddings(context.Context, string, string, func(store.ChunkEmbedding) error) error {
	return nil
}

func (m *memChunks) Ping(context.Context) error { return m.err }

// staticRegistry is a fixed EntityRegistry.
type staticRegistry struct {
	entities []store.Entity
	version  uint64
}

func (r *staticRegistry) Entities() []store.Entity { return r.entities }
func (r *staticRegistry) Version() uint64          { return r.version }

// lexHits builds lexical hits with the same score at each position.
func lexHits(score float64, positions ...int64) []store.LexicalHit {
	out := make([]store.LexicalHit, len(positions))
	for i, p := range positions {
		out[i] = store.LexicalHit{Position: p, Score: score, MatchedTerms: []string{"term"}}
	}
	return out
}

func positionsOf(results []Result) []int64 {
	out := make([]int64, len(results))
	for i, r := range results {
		out[i] = r.Position
	}
	return out
}

func candidatePositions(cands []Candidate) []int64 {
	out := make([]int64, len(cands))
	for i, c := range cands {
		out[i] = c.Position
	}
	return out
}
