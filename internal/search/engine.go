package search

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/Aman-CERP/memnon/internal/crossref"
	merrors "github.com/Aman-CERP/memnon/internal/errors"
	"github.com/Aman-CERP/memnon/internal/store"
	"github.com/Aman-CERP/memnon/internal/telemetry"
)

// MaxResults bounds Request.K.
const MaxResults = 1000

// Filters narrow the result set.
type Filters struct {
	// Entity requires the chunk to reference this entity id.
	Entity string `json:"entity,omitempty"`

	// MinPosition drops chunks before this position.
	MinPosition *int64 `json:"min_position,omitempty"`

	// Themes requires at least one matching metadata theme.
	Themes []string `json:"themes,omitempty"`
}

func (f Filters) needsMetadata() bool {
	return f.Entity != "" || len(f.Themes) > 0
}

// Request is one retrieval call.
type Request struct {
	Query string `json:"query"`

	// Anchor is the narrative "now". No result lies after it.
	Anchor int64 `json:"anchor"`

	// QueryType overrides the classifier's category when set.
	QueryType string `json:"query_type,omitempty"`

	Filters Filters `json:"filters"`

	// K is the number of results; 0 uses the configured default.
	K int `json:"k,omitempty"`
}

// Result is one ranked chunk.
type Result struct {
	Position      int64               `json:"position"`
	Score         float64             `json:"score"`
	FusedScore    float64             `json:"fused_score"`
	BoostedScore  float64             `json:"boosted_score"`
	RerankedScore *float64            `json:"reranked_score,omitempty"`
	Text          string              `json:"text"`
	Entities      []string            `json:"entities"`
	Relations     []crossref.Relation `json:"relations,omitempty"`
	MatchedTerms  []string            `json:"matched_terms,omitempty"`
}

// Metadata explains how a response was produced.
type Metadata struct {
	Classification      Classification     `json:"classification"`
	Plan                []string           `json:"plan"`
	PlanSource          PlanSource         `json:"plan_source"`
	StrategiesRun       []string           `json:"strategies_run"`
	PerStrategyTimingMs map[string]float64 `json:"per_strategy_timing_ms"`
	FallbacksTriggered  []string           `json:"fallbacks_triggered"`
	SkippedModels       []string           `json:"skipped_models"`
	ExcludedPositions   []int64            `json:"excluded_positions"`
	Diagnostics         []string           `json:"diagnostics"`
	Shares              Shares             `json:"shares"`
	ModelWeights        map[string]float64 `json:"model_weights"`
	Rerank              RerankOutcome      `json:"rerank"`
	Anchor              int64              `json:"anchor"`
	Candidates          int                `json:"candidates"`
	LatencyMs           float64            `json:"latency_ms"`
}

// Response is the result of Engine.Search.
type Response struct {
	Results  []Result `json:"results"`
	Metadata Metadata `json:"metadata"`
}

// CrossRefs is the enrichment view of the cross-reference index.
type CrossRefs interface {
	EntitiesIn(position int64) []string
	RelatedEntities(entityID string, anchor int64) []crossref.Relation
}

var _ CrossRefs = (*crossref.Index)(nil)

// Engine is the retrieval entry point.
type Engine struct {
	classifier *Classifier
	planner    Planner
	hybrid     *Hybrid
	reranker   *WindowReranker
	chunks     store.ChunkReader
	xrefs      CrossRefs
	metrics    *telemetry.Metrics

	mu     sync.RWMutex
	params Params
}

// EngineOption configures the engine.
type EngineOption func(*Engine)

// WithPlanner replaces the local fallback planner.
func WithPlanner(p Planner) EngineOption {
	return func(e *Engine) {
		if p != nil {
			e.planner = p
		}
	}
}

// WithReranker enables cross-encoder reranking of the result head.
func WithReranker(r *WindowReranker) EngineOption {
	return func(e *Engine) {
		e.reranker = r
	}
}

// WithCrossRefs enables entity and relation enrichment of results.
func WithCrossRefs(x CrossRefs) EngineOption {
	return func(e *Engine) {
		e.xrefs = x
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *telemetry.Metrics) EngineOption {
	return func(e *Engine) {
		e.metrics = m
	}
}

// NewEngine creates an engine. models lists the configured model ids for
// the default local planner.
func NewEngine(classifier *Classifier, hybrid *Hybrid, chunks store.ChunkReader, params Params, models func() []string, opts ...EngineOption) (*Engine, error) {
	if classifier == nil || hybrid == nil || chunks == nil {
		return nil, merrors.InternalError("engine requires a classifier, a hybrid searcher and a chunk store", nil)
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		classifier: classifier,
		planner:    NewLocalPlanner(models),
		hybrid:     hybrid,
		chunks:     chunks,
		params:     params,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Params returns the current configuration.
func (e *Engine) Params() Params {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.params
}

// SetParams swaps the configuration used by subsequent queries. Invalid
// params are rejected and the old ones kept.
func (e *Engine) SetParams(p Params) error {
	if err := p.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	e.params = p
	e.mu.Unlock()
	return nil
}

func (e *Engine) validate(req *Request, params Params) error {
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		return merrors.New(merrors.ErrCodeQueryEmpty, "query is empty", nil).
			WithSuggestion("Provide a non-empty query")
	}
	if req.Anchor < 0 {
		return merrors.New(merrors.ErrCodeInvalidAnchor, fmt.Sprintf("anchor %d is negative", req.Anchor), nil)
	}
	if req.K < 0 || req.K > MaxResults {
		return merrors.New(merrors.ErrCodeInvalidLimit,
			fmt.Sprintf("k must be between 1 and %d, got %d", MaxResults, req.K), nil)
	}
	if req.K == 0 {
		req.K = params.K
	}
	if req.Filters.MinPosition != nil && *req.Filters.MinPosition > req.Anchor {
		return merrors.New(merrors.ErrCodePositionOrder,
			fmt.Sprintf("min_position %d is after anchor %d", *req.Filters.MinPosition, req.Anchor), nil)
	}
	return nil
}

// Search runs the full pipeline: classify, plan, hybrid search with the
// causality filter, temporal boost, filters, reranking and enrichment.
// Every result lies at or before req.Anchor.
func (e *Engine) Search(ctx context.Context, req Request) (resp *Response, err error) {
	start := time.Now()
	params := e.Params()

	ctx, span := telemetry.StartSpan(ctx, "memnon.search", attribute.Int64("anchor", req.Anchor))
	category := "unknown"
	defer func() {
		telemetry.EndSpan(span, err)
		count := 0
		if resp != nil {
			count = len(resp.Results)
		}
		e.metrics.RecordQuery(telemetry.QueryEvent{
			Query:       req.Query,
			Category:    category,
			ResultCount: count,
			Latency:     time.Since(start),
			Failed:      err != nil,
		})
	}()

	if err := e.validate(&req, params); err != nil {
		return nil, err
	}

	c := e.classifier.Classify(ctx, req.Query)
	if req.QueryType != "" {
		cat, err := ParseCategory(req.QueryType)
		if err != nil {
			return nil, err
		}
		c.Category = cat
	}
	category = string(c.Category)

	meta := Metadata{
		Classification:      c,
		Anchor:              req.Anchor,
		StrategiesRun:       []string{},
		PerStrategyTimingMs: map[string]float64{},
		FallbacksTriggered:  []string{},
		SkippedModels:       []string{},
		ExcludedPositions:   []int64{},
		Diagnostics:         []string{},
	}

	plan, src := e.planner.Plan(ctx, req.Query, c)
	meta.Plan = plan.Names()
	meta.PlanSource = src
	if src.Fallback {
		meta.FallbacksTriggered = append(meta.FallbacksTriggered, "planner")
		meta.Diagnostics = append(meta.Diagnostics, "planner fallback: "+src.Reason)
		e.metrics.RecordFallback("planner")
	}

	rng, err := e.chunks.Range(ctx)
	if err != nil {
		return nil, err
	}
	if rng.Count == 0 {
		meta.LatencyMs = msSince(start)
		return &Response{Results: []Result{}, Metadata: meta}, nil
	}

	out, err := e.hybrid.Search(ctx, req.Query, c, plan, req.Anchor, params)
	if err != nil {
		return nil, err
	}
	for _, run := range out.Runs {
		meta.StrategiesRun = append(meta.StrategiesRun, run.Name)
		meta.PerStrategyTimingMs[run.Name] = float64(run.Duration.Microseconds()) / 1000
		e.metrics.ObserveStrategy(run.Name, run.Duration, run.Error != "")
	}
	for _, id := range out.SkippedModels {
		e.metrics.RecordSkippedModel(id)
	}
	e.metrics.RecordExcluded(len(out.Excluded))
	meta.SkippedModels = append(meta.SkippedModels, out.SkippedModels...)
	meta.ExcludedPositions = append(meta.ExcludedPositions, out.Excluded...)
	meta.Diagnostics = append(meta.Diagnostics, out.Diagnostics...)
	meta.Shares = out.Shares
	meta.ModelWeights = out.ModelWeights

	cands := out.Candidates
	Boost(cands, c.TemporalIntent, params.BoostFactor, PositionSpan{Earliest: rng.Min, Anchor: req.Anchor})

	cands, err = e.applyFilters(ctx, cands, req.Filters)
	if err != nil {
		return nil, err
	}
	meta.Candidates = len(cands)

	window := 0
	if e.reranker != nil {
		window = min(params.RerankWindow, len(cands))
	}
	head := min(max(window, req.K), len(cands))

	positions := make([]int64, head)
	for i := range positions {
		positions[i] = cands[i].Position
	}
	chunks, err := e.chunks.GetChunks(ctx, positions)
	if err != nil {
		return nil, err
	}
	texts := make(map[int64]string, len(chunks))
	for pos, ch := range chunks {
		texts[pos] = ch.Text
	}

	// Reranking and enrichment touch disjoint state and run side by side.
	var (
		ranked  = cands
		outcome RerankOutcome
		enrich  map[int64]enrichment
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if window == 0 {
			return nil
		}
		rctx, rspan := telemetry.StartSpan(gctx, "memnon.rerank", attribute.Int("window", window))
		ranked, outcome = e.reranker.Rerank(rctx, req.Query, cands, texts, window, req.Anchor)
		telemetry.EndSpan(rspan, nil)
		return nil
	})
	g.Go(func() error {
		enrich = e.enrich(positions, req.Anchor)
		return nil
	})
	_ = g.Wait()

	meta.Rerank = outcome
	if outcome.Fallback {
		meta.FallbacksTriggered = append(meta.FallbacksTriggered, "rerank")
		meta.Diagnostics = append(meta.Diagnostics, "rerank fallback: "+outcome.Reason)
		e.metrics.RecordFallback("rerank")
	}

	n := min(req.K, len(ranked))
	results := make([]Result, 0, n)
	finalPositions := make([]int64, 0, n)
	for _, cand := range ranked[:n] {
		en := enrich[cand.Position]
		results = append(results, Result{
			Position:      cand.Position,
			Score:         cand.FinalScore(),
			FusedScore:    cand.Fused,
			BoostedScore:  cand.Boosted,
			RerankedScore: cand.Reranked,
			Text:          texts[cand.Position],
			Entities:      en.entities,
			Relations:     en.relations,
			MatchedTerms:  cand.MatchedTerms,
		})
		finalPositions = append(finalPositions, cand.Position)
	}

	if err := AssertCausal(finalPositions, req.Anchor); err != nil {
		slog.Error("causality_violated",
			slog.Int64("anchor", req.Anchor),
			slog.String("error", err.Error()))
		return nil, err
	}

	meta.LatencyMs = msSince(start)
	slog.Debug("search_completed",
		slog.String("category", category),
		slog.Int("results", len(results)),
		slog.Int("excluded", len(out.Excluded)),
		slog.Float64("latency_ms", meta.LatencyMs))
	return &Response{Results: results, Metadata: meta}, nil
}

func (e *Engine) applyFilters(ctx context.Context, cands []Candidate, f Filters) ([]Candidate, error) {
	if f.MinPosition == nil && !f.needsMetadata() {
		return cands, nil
	}

	var meta map[int64]store.ChunkMetadata
	if f.needsMetadata() {
		positions := make([]int64, len(cands))
		for i, c := range cands {
			positions[i] = c.Position
		}
		var err error
		meta, err = e.chunks.GetMetadata(ctx, positions)
		if err != nil {
			return nil, err
		}
	}

	out := cands[:0:0]
	for _, c := range cands {
		if f.MinPosition != nil && c.Position < *f.MinPosition {
			continue
		}
		if f.Entity != "" && !e.references(c.Position, meta[c.Position], f.Entity) {
			continue
		}
		if len(f.Themes) > 0 && !hasTheme(meta[c.Position].Themes, f.Themes) {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (e *Engine) references(pos int64, meta store.ChunkMetadata, entityID string) bool {
	if slices.Contains(meta.Entities, entityID) {
		return true
	}
	return e.xrefs != nil && slices.Contains(e.xrefs.EntitiesIn(pos), entityID)
}

func hasTheme(have, want []string) bool {
	for _, w := range want {
		for _, h := range have {
			if strings.EqualFold(h, w) {
				return true
			}
		}
	}
	return false
}

type enrichment struct {
	entities  []string
	relations []crossref.Relation
}

// enrich attaches linked entities and the relations among them recorded at
// or before anchor.
func (e *Engine) enrich(positions []int64, anchor int64) map[int64]enrichment {
	out := make(map[int64]enrichment, len(positions))
	for _, pos := range positions {
		en := enrichment{entities: []string{}}
		if e.xrefs == nil {
			out[pos] = en
			continue
		}
		en.entities = e.xrefs.EntitiesIn(pos)
		seen := make(map[crossref.Relation]struct{})
		for _, id := range en.entities {
			for _, r := range e.xrefs.RelatedEntities(id, anchor) {
				if _, dup := seen[r]; dup {
					continue
				}
				seen[r] = struct{}{}
				en.relations = append(en.relations, r)
			}
		}
		out[pos] = en
	}
	return out
}

func msSince(t time.Time) float64 {
	return float64(time.Since(t).Microseconds()) / 1000
}
