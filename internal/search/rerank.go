package search

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	merrors "github.com/Aman-CERP/memnon/internal/errors"
)

// RerankResult is one scored document.
type RerankResult struct {
	// Index is the position in the input documents slice.
	Index int
	// Score is the pairwise relevance score.
	Score float64
	// Document is the original document text.
	Document string
}

// Reranker scores (query, document) pairs jointly, as a cross-encoder does.
type Reranker interface {
	// Rerank returns results sorted by score descending. topK of 0
	// returns all documents.
	Rerank(ctx context.Context, query string, documents []string, topK int) ([]RerankResult, error)

	// Available checks the scorer can be reached.
	Available(ctx context.Context) bool

	// Close releases resources.
	Close() error
}

// NoOpReranker returns documents in input order with decreasing scores.
type NoOpReranker struct{}

var _ Reranker = (*NoOpReranker)(nil)

// Rerank returns documents in original order.
func (n *NoOpReranker) Rerank(_ context.Context, _ string, documents []string, topK int) ([]RerankResult, error) {
	results := make([]RerankResult, len(documents))
	for i, doc := range documents {
		results[i] = RerankResult{Index: i, Score: 1.0 - float64(i)*0.01, Document: doc}
	}
	if topK > 0 && topK < len(results) {
		results = results[:topK]
	}
	return results, nil
}

// Available always returns true.
func (n *NoOpReranker) Available(_ context.Context) bool { return true }

// Close is a no-op.
func (n *NoOpReranker) Close() error { return nil }

// RerankOutcome reports what the reranking stage did.
type RerankOutcome struct {
	Applied  bool   `json:"applied"`
	Window   int    `json:"window"`
	Fallback bool   `json:"fallback"`
	Reason   string `json:"reason,omitempty"`
}

// WindowReranker rescores the head of a ranked list with a Reranker.
// Batches are paced by a rate limiter and guarded by a circuit breaker.
type WindowReranker struct {
	scorer  Reranker
	batch   int
	timeout time.Duration
	limiter *rate.Limiter
	breaker *merrors.Breaker
}

// WindowOption configures a WindowReranker.
type WindowOption func(*WindowReranker)

// WithRateLimit paces batch requests to r per second with burst.
func WithRateLimit(r float64, burst int) WindowOption {
	return func(w *WindowReranker) {
		if r > 0 {
			w.limiter = rate.NewLimiter(rate.Limit(r), max(burst, 1))
		}
	}
}

// WithBreaker replaces the default circuit breaker.
func WithBreaker(b *merrors.Breaker) WindowOption {
	return func(w *WindowReranker) { w.breaker = b }
}

// NewWindowReranker wraps scorer. batch and timeout fall back to the
// defaults when not positive.
func NewWindowReranker(scorer Reranker, batch int, timeout time.Duration, opts ...WindowOption) *WindowReranker {
	def := DefaultParams()
	if batch <= 0 {
		batch = def.RerankBatch
	}
	if timeout <= 0 {
		timeout = def.RerankTimeout
	}
	w := &WindowReranker{
		scorer:  scorer,
		batch:   batch,
		timeout: timeout,
		limiter: rate.NewLimiter(rate.Inf, 1),
		breaker: merrors.NewBreaker(merrors.DefaultBreakerConfig("reranker")),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Rerank rescores the first window candidates. texts supplies chunk text
// by position. Candidates outside the window keep their prior order after
// the window. On any failure the input order is returned unchanged and the
// outcome records the fallback.
func (w *WindowReranker) Rerank(ctx context.Context, query string, cands []Candidate, texts map[int64]string, window int, anchor int64) ([]Candidate, RerankOutcome) {
	window = min(window, len(cands))
	if w == nil || w.scorer == nil || window <= 0 {
		return cands, RerankOutcome{}
	}

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	scores, err := w.score(ctx, query, cands[:window], texts)
	if err != nil {
		slog.Warn("rerank_failed",
			slog.Int("window", window),
			slog.String("error", err.Error()))
		return cands, RerankOutcome{Window: window, Fallback: true, Reason: err.Error()}
	}

	out := make([]Candidate, len(cands))
	copy(out, cands)
	head := out[:window]
	for i := range head {
		s := scores[i]
		head[i].Reranked = &s
	}
	sortCandidates(head, anchor, func(c *Candidate) float64 { return *c.Reranked })
	return out, RerankOutcome{Applied: true, Window: window}
}

func (w *WindowReranker) score(ctx context.Context, query string, head []Candidate, texts map[int64]string) ([]float64, error) {
	scores := make([]float64, len(head))
	for start := 0; start < len(head); start += w.batch {
		end := min(start+w.batch, len(head))
		docs := make([]string, 0, end-start)
		for _, c := range head[start:end] {
			docs = append(docs, texts[c.Position])
		}

		if err := w.limiter.Wait(ctx); err != nil {
			return nil, merrors.New(merrors.ErrCodeRerankFailed, "rate limiter wait", err)
		}
		results, err := w.scoreBatch(ctx, query, docs)
		if err != nil {
			if merrors.IsCircuitOpen(err) {
				return nil, err
			}
			return nil, merrors.New(merrors.ErrCodeRerankFailed, "cross-encoder batch failed", err)
		}

		seen := make([]bool, len(docs))
		for _, r := range results {
			if r.Index < 0 || r.Index >= len(docs) {
				return nil, merrors.New(merrors.ErrCodeRerankFailed,
					fmt.Sprintf("cross-encoder returned index %d for a batch of %d", r.Index, len(docs)), nil)
			}
			seen[r.Index] = true
			scores[start+r.Index] = r.Score
		}
		for i, ok := range seen {
			if !ok {
				return nil, merrors.New(merrors.ErrCodeRerankFailed,
					fmt.Sprintf("cross-encoder returned no score for document %d", start+i), nil)
			}
		}
	}
	return scores, nil
}

type batchResult struct {
	results []RerankResult
	err     error
}

// scoreBatch runs one breaker-guarded scorer call in its own goroutine so a
// scorer that ignores its context cannot hold the query past the timeout.
func (w *WindowReranker) scoreBatch(ctx context.Context, query string, docs []string) ([]RerankResult, error) {
	done := make(chan batchResult, 1)
	go func() {
		results, err := merrors.BreakerExecute(w.breaker, func() ([]RerankResult, error) {
			return w.scorer.Rerank(ctx, query, docs, 0)
		})
		done <- batchResult{results: results, err: err}
	}()

	select {
	case res := <-done:
		return res.results, res.err
	case <-ctx.Done():
		return nil, merrors.New(merrors.ErrCodeNetworkTimeout, "cross-encoder batch did not finish in time", ctx.Err())
	}
}
