package store

import (
	"context"
	"math"
	"sort"
	"sync"
)

// IDFIndex is an in-memory token-overlap index weighted by inverse document
// frequency. A document's score is the IDF mass of the query terms it
// contains divided by the IDF mass of all query terms, so it lies in [0, 1]
// and rare terms count for more than common ones.
type IDFIndex struct {
	mu        sync.RWMutex
	cfg       LexicalConfig
	stopWords map[string]struct{}

	docs     map[int64]map[string]struct{} // position -> unique terms
	postings map[string]map[int64]struct{} // term -> positions
	closed   bool
}

// NewIDFIndex creates an empty IDF index.
func NewIDFIndex(cfg LexicalConfig) *IDFIndex {
	if cfg.MinTokenLength == 0 {
		cfg.MinTokenLength = DefaultLexicalConfig().MinTokenLength
	}
	return &IDFIndex{
		cfg:       cfg,
		stopWords: BuildStopWordMap(cfg.StopWords),
		docs:      make(map[int64]map[string]struct{}),
		postings:  make(map[string]map[int64]struct{}),
	}
}

// Index adds or replaces documents.
func (x *IDFIndex) Index(ctx context.Context, docs []LexicalDocument) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.closed {
		return ErrIndexClosed
	}

	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return err
		}
		x.removeLocked(doc.Position)

		terms := make(map[string]struct{})
		for _, t := range TokenizeFiltered(doc.Content, x.cfg, x.stopWords) {
			terms[t] = struct{}{}
		}
		x.docs[doc.Position] = terms
		for t := range terms {
			p, ok := x.postings[t]
			if !ok {
				p = make(map[int64]struct{})
				x.postings[t] = p
			}
			p[doc.Position] = struct{}{}
		}
	}
	return nil
}

func (x *IDFIndex) removeLocked(pos int64) {
	old, ok := x.docs[pos]
	if !ok {
		return
	}
	for t := range old {
		if p := x.postings[t]; p != nil {
			delete(p, pos)
			if len(p) == 0 {
				delete(x.postings, t)
			}
		}
	}
	delete(x.docs, pos)
}

// idf must be called with mu held. Smoothed so every term weighs > 0,
// including terms absent from the corpus.
func (x *IDFIndex) idf(term string) float64 {
	n := float64(len(x.docs))
	df := float64(len(x.postings[term]))
	return math.Log(1 + n/(df+1))
}

// Search scores documents at or before maxPosition sharing at least one
// query term. IDF weights are computed over the whole corpus.
func (x *IDFIndex) Search(ctx context.Context, query string, limit int, maxPosition int64) ([]LexicalHit, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	if x.closed {
		return nil, ErrIndexClosed
	}
	if limit <= 0 {
		return []LexicalHit{}, nil
	}

	terms := UniqueTerms(TokenizeFiltered(query, x.cfg, x.stopWords))
	if len(terms) == 0 || len(x.docs) == 0 {
		return []LexicalHit{}, nil
	}

	var total float64
	weights := make(map[string]float64, len(terms))
	for _, t := range terms {
		w := x.idf(t)
		weights[t] = w
		total += w
	}
	if total == 0 {
		return []LexicalHit{}, nil
	}

	mass := make(map[int64]float64)
	matched := make(map[int64][]string)
	for _, t := range terms {
		for pos := range x.postings[t] {
			if pos > maxPosition {
				continue
			}
			mass[pos] += weights[t]
			matched[pos] = append(matched[pos], t)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	hits := make([]LexicalHit, 0, len(mass))
	for pos, m := range mass {
		hits = append(hits, LexicalHit{
			Position:     pos,
			Score:        m / total,
			MatchedTerms: matched[pos],
		})
	}
	sortHits(hits)
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// Count returns the number of indexed documents.
func (x *IDFIndex) Count() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.docs)
}

// Close releases the index. Further calls return ErrIndexClosed.
func (x *IDFIndex) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.closed = true
	x.docs = nil
	x.postings = nil
	return nil
}

// sortHits orders by score descending, then position ascending.
func sortHits(hits []LexicalHit) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Position < hits[j].Position
	})
}

// scaleHits divides every score by the top score so the best hit is 1.0.
// BM25 scores are unbounded; this keeps every backend in [0, 1].
func scaleHits(hits []LexicalHit) {
	if len(hits) == 0 {
		return
	}
	top := hits[0].Score
	for _, h := range hits {
		if h.Score > top {
			top = h.Score
		}
	}
	if top <= 0 {
		for i := range hits {
			hits[i].Score = 0
		}
		return
	}
	for i := range hits {
		hits[i].Score /= top
	}
}

var _ LexicalIndex = (*IDFIndex)(nil)
