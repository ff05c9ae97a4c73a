package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	merrors "github.com/Aman-CERP/memnon/internal/errors"
	"github.com/Aman-CERP/memnon/internal/store"
	"github.com/Aman-CERP/memnon/internal/telemetry"
)

// DiagNoVectorSignal is reported when no planned vector model produced a
// signal because every one was unavailable.
const DiagNoVectorSignal = "model unavailable, no vector signal"

// Encoder is the embedding router as seen by retrieval.
type Encoder interface {
	Encode(ctx context.Context, text string, modelID string) ([]float32, error)
	Similarity(query []float32, candidates [][]float32, modelID string) ([]float64, error)
	ActiveWeights(available []string) (map[string]float64, []string)
	Partition(modelID string) (string, error)
}

// VectorIndex searches one model inside a dimension partition, returning
// only chunks at or before maxPosition.
type VectorIndex interface {
	Search(ctx context.Context, partition, modelID string, query []float32, k int, maxPosition int64) ([]store.VectorHit, error)
}

// LinkIndex resolves entities to the chunks that reference them.
type LinkIndex interface {
	LinksFor(entityID string) []int64
}

var _ VectorIndex = (*store.VectorPartitions)(nil)

// StrategyRun describes one executed strategy.
type StrategyRun struct {
	Name     string        `json:"name"`
	Duration time.Duration `json:"duration"`
	Hits     int           `json:"hits"`
	Error    string        `json:"error,omitempty"`
}

// HybridOutput is the fused, causality-filtered candidate set.
type HybridOutput struct {
	// Candidates are ordered by fused score.
	Candidates []Candidate

	Runs          []StrategyRun
	SkippedModels []string
	Diagnostics   []string

	// Excluded lists positions removed by the causality filter.
	Excluded []int64

	Shares       Shares
	ModelWeights map[string]float64
}

// Hybrid runs a plan's strategies concurrently and fuses their signals.
type Hybrid struct {
	encoder Encoder
	vectors VectorIndex
	lexical store.LexicalIndex
	links   LinkIndex
}

// NewHybrid creates the hybrid engine. Any index may be nil; strategies
// needing it then produce no hits.
func NewHybrid(encoder Encoder, vectors VectorIndex, lexical store.LexicalIndex, links LinkIndex) *Hybrid {
	return &Hybrid{encoder: encoder, vectors: vectors, lexical: lexical, links: links}
}

// strategyResult is one strategy's partial candidates, keyed by position.
type strategyResult struct {
	cands []Candidate
	err   error
}

// Search executes plan and returns fused candidates at or before anchor.
// params.CandidatePool is the per-strategy fetch depth. Indexes are asked
// for chunks at or before anchor only, so a long tail after the anchor does
// not crowd out earlier matches; the causality filter still runs on the
// merged set.
func (h *Hybrid) Search(ctx context.Context, query string, c Classification, plan Plan, anchor int64, params Params) (*HybridOutput, error) {
	results := make([]strategyResult, len(plan.Strategies))
	runs := make([]StrategyRun, len(plan.Strategies))

	g, gctx := errgroup.WithContext(ctx)
	for i, s := range plan.Strategies {
		g.Go(func() error {
			start := time.Now()
			res := h.runStrategy(gctx, s, query, c, anchor, params)
			results[i] = res
			runs[i] = StrategyRun{Name: s.Name(), Duration: time.Since(start), Hits: len(res.cands)}
			if res.err != nil {
				runs[i].Error = res.err.Error()
				if merrors.GetCode(res.err) == merrors.ErrCodeStoreUnavailable {
					return res.err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := &HybridOutput{Runs: runs}

	// Merge in plan order so the outcome does not depend on completion order.
	merged := make(map[int64]*Candidate)
	var succeeded, unavailable []string
	vectorPlanned := false
	for i, s := range plan.Strategies {
		res := results[i]
		if v, ok := s.(VectorSearch); ok {
			vectorPlanned = true
			if res.err != nil {
				if merrors.GetCode(res.err) == merrors.ErrCodeModelUnavailable {
					unavailable = append(unavailable, v.ModelID)
					slog.Warn("model_skipped",
						slog.String("model_id", v.ModelID),
						slog.String("error", res.err.Error()))
					continue
				}
			} else {
				succeeded = append(succeeded, v.ModelID)
			}
		}
		if res.err != nil {
			out.Diagnostics = append(out.Diagnostics, fmt.Sprintf("strategy %s failed: %v", s.Name(), res.err))
			slog.Warn("strategy_failed",
				slog.String("strategy", s.Name()),
				slog.String("error", res.err.Error()))
			continue
		}
		mergeInto(merged, res.cands)
	}

	out.SkippedModels = unavailable
	for _, id := range unavailable {
		out.Diagnostics = append(out.Diagnostics, fmt.Sprintf("model %s unavailable, weight redistributed", id))
	}
	if vectorPlanned && len(succeeded) == 0 && len(unavailable) > 0 {
		out.Diagnostics = append(out.Diagnostics, DiagNoVectorSignal)
	}

	cands := make([]Candidate, 0, len(merged))
	for _, cand := range merged {
		cands = append(cands, *cand)
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].Position < cands[j].Position })

	// Causality runs before normalization so future chunks never shape
	// the score scale.
	cands, out.Excluded = FilterCausal(cands, anchor)
	if n := countMalformed(out.Excluded); n > 0 {
		out.Diagnostics = append(out.Diagnostics, fmt.Sprintf("%d chunk(s) with malformed position excluded", n))
	}

	act := activeFamilies{}
	var signalModels []string
	for _, id := range succeeded {
		for i := range cands {
			if _, ok := cands[i].VectorScores[id]; ok {
				signalModels = append(signalModels, id)
				break
			}
		}
	}
	act.vector = len(signalModels) > 0
	for i := range cands {
		act.lexical = act.lexical || cands[i].HasLexical
		act.structured = act.structured || cands[i].Structured > 0
	}

	weights := map[string]float64{}
	if act.vector {
		weights, _ = h.encoder.ActiveWeights(signalModels)
	}
	out.Shares, out.ModelWeights = hintsOf(plan).apply(effectiveShares(params.SharesFor(c.Category), act), weights)

	fuse(cands, out.Shares, out.ModelWeights, params.Normalization)
	sortCandidates(cands, anchor, fusedScore)
	out.Candidates = cands
	return out, nil
}

func mergeInto(merged map[int64]*Candidate, partial []Candidate) {
	for _, p := range partial {
		c, ok := merged[p.Position]
		if !ok {
			c = &Candidate{Position: p.Position, VectorScores: map[string]float64{}}
			merged[p.Position] = c
		}
		for id, s := range p.VectorScores {
			c.VectorScores[id] = s
		}
		if p.HasLexical {
			c.Lexical = p.Lexical
			c.HasLexical = true
			c.MatchedTerms = p.MatchedTerms
		}
		if p.Structured > c.Structured {
			c.Structured = p.Structured
		}
	}
}

// runStrategy bounds one strategy by its own timeout. The strategy runs in
// its own goroutine so a call that ignores its context cannot hold up the
// query.
func (h *Hybrid) runStrategy(ctx context.Context, s Strategy, query string, c Classification, anchor int64, params Params) strategyResult {
	ctx, span := telemetry.StartSpan(ctx, "memnon.strategy", attribute.String("strategy", s.Name()))
	ctx, cancel := context.WithTimeout(ctx, params.StrategyTimeout)
	defer cancel()

	done := make(chan strategyResult, 1)
	go func() {
		cands, err := h.execute(ctx, s, query, c, anchor, params.CandidatePool)
		done <- strategyResult{cands: cands, err: err}
	}()

	var res strategyResult
	select {
	case res = <-done:
	case <-ctx.Done():
		res.err = merrors.New(merrors.ErrCodeNetworkTimeout,
			fmt.Sprintf("strategy %s did not finish in %s", s.Name(), params.StrategyTimeout), ctx.Err())
		if v, ok := s.(VectorSearch); ok {
			res.err = merrors.ModelUnavailable(v.ModelID, res.err)
		}
	}
	telemetry.EndSpan(span, res.err)
	return res
}

func (h *Hybrid) execute(ctx context.Context, s Strategy, query string, c Classification, anchor int64, depth int) ([]Candidate, error) {
	switch st := s.(type) {
	case VectorSearch:
		return h.vectorSearch(ctx, st.ModelID, query, anchor, depth)
	case LexicalSearch:
		return h.lexicalSearch(ctx, query, anchor, depth)
	case StructuredLookup:
		return h.structuredLookup(c.EntityMentions), nil
	default:
		return nil, merrors.InternalError(fmt.Sprintf("unknown strategy %T", s), nil)
	}
}

func (h *Hybrid) vectorSearch(ctx context.Context, modelID, query string, anchor int64, depth int) ([]Candidate, error) {
	if h.encoder == nil || h.vectors == nil {
		return nil, merrors.ModelUnavailable(modelID, fmt.Errorf("no vector index configured"))
	}
	qvec, err := h.encoder.Encode(ctx, query, modelID)
	if err != nil {
		return nil, err
	}
	partition, err := h.encoder.Partition(modelID)
	if err != nil {
		return nil, err
	}
	hits, err := h.vectors.Search(ctx, partition, modelID, qvec, depth, anchor)
	if err != nil {
		return nil, err
	}

	vecs := make([][]float32, len(hits))
	for i, hit := range hits {
		vecs[i] = hit.Vector
	}
	sims, err := h.encoder.Similarity(qvec, vecs, modelID)
	if err != nil {
		return nil, err
	}

	out := make([]Candidate, len(hits))
	for i, hit := range hits {
		out[i] = Candidate{Position: hit.Position, VectorScores: map[string]float64{modelID: sims[i]}}
	}
	return out, nil
}

func (h *Hybrid) lexicalSearch(ctx context.Context, query string, anchor int64, depth int) ([]Candidate, error) {
	if h.lexical == nil {
		return []Candidate{}, nil
	}
	hits, err := h.lexical.Search(ctx, query, depth, anchor)
	if errors.Is(err, store.ErrIndexClosed) {
		return nil, merrors.StoreUnavailable("lexical index closed", err)
	}
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, len(hits))
	for i, hit := range hits {
		out[i] = Candidate{
			Position:     hit.Position,
			Lexical:      hit.Score,
			HasLexical:   true,
			MatchedTerms: hit.MatchedTerms,
		}
	}
	return out, nil
}

// structuredLookup scores each linked chunk by the fraction of mentioned
// entities it references.
func (h *Hybrid) structuredLookup(mentions []string) []Candidate {
	if h.links == nil || len(mentions) == 0 {
		return []Candidate{}
	}
	counts := make(map[int64]int)
	for _, id := range mentions {
		for _, pos := range h.links.LinksFor(id) {
			counts[pos]++
		}
	}
	out := make([]Candidate, 0, len(counts))
	for pos, n := range counts {
		out = append(out, Candidate{Position: pos, Structured: float64(n) / float64(len(mentions))})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}
