package store

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/coder/hnsw"

	merrors "github.com/Aman-CERP/memnon/internal/errors"
)

// HNSWConfig configures one vector partition.
type HNSWConfig struct {
	// Partition names the dimension partition (e.g. "d384").
	Partition string

	// Dimensions is fixed for every vector in the partition.
	Dimensions int

	// M is the max neighbours per node (default 16).
	M int

	// EfSearch is the search beam width (default 64).
	EfSearch int

	// ExactScanLimit: models with at most this many vectors are scanned
	// exhaustively instead of through the graph (default 1024).
	ExactScanLimit int

	// Seed fixes level generation so identical inserts build identical graphs.
	Seed int64
}

// HNSWStore is one dimension partition: an HNSW graph per model, all of the
// same dimensionality, keyed by chunk position. Vectors of different models
// share the partition but never the graph.
type HNSWStore struct {
	mu     sync.RWMutex
	cfg    HNSWConfig
	models map[string]*modelGraph
	closed bool
}

type modelGraph struct {
	graph   *hnsw.Graph[uint64]
	vectors map[uint64][]float32 // normalized copies for exact scan
}

// NewHNSWStore creates an empty partition.
func NewHNSWStore(cfg HNSWConfig) (*HNSWStore, error) {
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("partition %q: dimensions must be positive", cfg.Partition)
	}
	if cfg.M == 0 {
		cfg.M = 16
	}
	if cfg.EfSearch == 0 {
		cfg.EfSearch = 64
	}
	if cfg.ExactScanLimit == 0 {
		cfg.ExactScanLimit = 1024
	}
	return &HNSWStore{cfg: cfg, models: make(map[string]*modelGraph)}, nil
}

func (s *HNSWStore) newModelGraph() *modelGraph {
	g := hnsw.NewGraph[uint64]()
	g.Distance = hnsw.CosineDistance
	g.M = s.cfg.M
	g.EfSearch = s.cfg.EfSearch
	g.Ml = 0.25
	g.Rng = rand.New(rand.NewSource(s.cfg.Seed))
	return &modelGraph{graph: g, vectors: make(map[uint64][]float32)}
}

// Partition returns the partition name.
func (s *HNSWStore) Partition() string { return s.cfg.Partition }

// Dimensions returns the partition dimensionality.
func (s *HNSWStore) Dimensions() int { return s.cfg.Dimensions }

// Add inserts one model's vector for a chunk. Chunks are immutable, so a
// position already present for the model is left unchanged.
// A vector of the wrong length is a data-integrity error.
func (s *HNSWStore) Add(ctx context.Context, modelID string, position int64, vector []float32) error {
	if position < 0 {
		return merrors.IntegrityError(merrors.ErrCodeMalformedPosition,
			fmt.Sprintf("negative chunk position %d", position))
	}
	if len(vector) != s.cfg.Dimensions {
		return merrors.IntegrityError(merrors.ErrCodeDimensionMismatch,
			fmt.Sprintf("partition %s expects %d dimensions, got %d", s.cfg.Partition, s.cfg.Dimensions, len(vector))).
			WithDetail("model_id", modelID).
			WithDetail("position", fmt.Sprint(position))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrIndexClosed
	}

	mg, ok := s.models[modelID]
	if !ok {
		mg = s.newModelGraph()
		s.models[modelID] = mg
	}

	key := uint64(position)
	if _, exists := mg.vectors[key]; exists {
		return nil
	}

	vec := make([]float32, len(vector))
	copy(vec, vector)
	normalizeVectorInPlace(vec)

	mg.graph.Add(hnsw.MakeNode(key, vec))
	mg.vectors[key] = vec
	return nil
}

// Search returns up to k nearest chunks for one model at or before
// maxPosition. Scores are cosine similarity mapped to [0, 1]. Small
// partitions, and partitions where few vectors are eligible, are scanned
// exactly; otherwise the graph is queried with a widening k until enough
// eligible neighbours are found.
func (s *HNSWStore) Search(ctx context.Context, modelID string, query []float32, k int, maxPosition int64) ([]VectorHit, error) {
	if len(query) != s.cfg.Dimensions {
		return nil, merrors.IntegrityError(merrors.ErrCodeDimensionMismatch,
			fmt.Sprintf("query for partition %s has %d dimensions, want %d", s.cfg.Partition, len(query), s.cfg.Dimensions)).
			WithDetail("model_id", modelID)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrIndexClosed
	}
	mg, ok := s.models[modelID]
	if !ok || k <= 0 || len(mg.vectors) == 0 || maxPosition < 0 {
		return []VectorHit{}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	q := make([]float32, len(query))
	copy(q, query)
	normalizeVectorInPlace(q)

	var hits []VectorHit
	if eligible := mg.countAtOrBefore(maxPosition); eligible <= k || len(mg.vectors) <= s.cfg.ExactScanLimit {
		hits = mg.scan(q, maxPosition)
	} else {
		hits = mg.graphSearch(q, k, maxPosition)
		if len(hits) < k {
			hits = mg.scan(q, maxPosition)
		}
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Position < hits[j].Position
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (mg *modelGraph) countAtOrBefore(maxPosition int64) int {
	n := 0
	for key := range mg.vectors {
		if int64(key) <= maxPosition {
			n++
		}
	}
	return n
}

// scan scores every vector at or before maxPosition.
func (mg *modelGraph) scan(q []float32, maxPosition int64) []VectorHit {
	hits := make([]VectorHit, 0, len(mg.vectors))
	for key, v := range mg.vectors {
		if int64(key) > maxPosition {
			continue
		}
		hits = append(hits, VectorHit{
			Position: int64(key),
			Vector:   v,
			Score:    distanceToScore(hnsw.CosineDistance(q, v)),
		})
	}
	return hits
}

// graphSearch over-fetches from the graph, quadrupling the fetch size until
// k eligible neighbours are found or the fetch covers the whole graph.
func (mg *modelGraph) graphSearch(q []float32, k int, maxPosition int64) []VectorHit {
	total := len(mg.vectors)
	var hits []VectorHit
	for fetch := k; ; fetch *= 4 {
		fetch = min(fetch, total)
		nodes := mg.graph.Search(q, fetch)
		hits = hits[:0]
		for _, n := range nodes {
			if int64(n.Key) > maxPosition {
				continue
			}
			hits = append(hits, VectorHit{
				Position: int64(n.Key),
				Vector:   n.Value,
				Score:    distanceToScore(hnsw.CosineDistance(q, n.Value)),
			})
		}
		if len(hits) >= k || fetch == total {
			return hits
		}
	}
}

// Count returns the number of vectors stored for a model.
func (s *HNSWStore) Count(modelID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0
	}
	if mg, ok := s.models[modelID]; ok {
		return len(mg.vectors)
	}
	return 0
}

// Models returns the model ids that have vectors in the partition.
func (s *HNSWStore) Models() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.models))
	for id := range s.models {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close releases the graphs.
func (s *HNSWStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.models = nil
	return nil
}

// normalizeVectorInPlace scales v to unit length. Zero vectors are left as is.
func normalizeVectorInPlace(v []float32) {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	if sumSquares == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= inv
	}
}

// distanceToScore maps cosine distance (0 identical, 2 opposite) to [0, 1].
func distanceToScore(distance float32) float32 {
	return 1.0 - distance/2.0
}
