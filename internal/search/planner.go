package search

import (
	"context"
	"fmt"
	"math"
	"strings"
)

// Strategy is one retrieval strategy in a plan. The set of strategies is
// closed: StructuredLookup, VectorSearch and LexicalSearch.
type Strategy interface {
	// Name identifies the strategy in diagnostics, e.g. "vector:minilm".
	Name() string

	// Weight is the planner's hint. It scales the strategy's share of the
	// fused score relative to the other strategies; 1 leaves it unchanged.
	Weight() float64

	isStrategy()
}

// StructuredLookup resolves entity mentions through the cross-reference index.
type StructuredLookup struct {
	WeightHint float64
}

// VectorSearch searches one embedding model's partition.
type VectorSearch struct {
	ModelID    string
	WeightHint float64
}

// LexicalSearch runs the lexical index.
type LexicalSearch struct {
	WeightHint float64
}

func (StructuredLookup) Name() string      { return "structured" }
func (s StructuredLookup) Weight() float64 { return s.WeightHint }
func (StructuredLookup) isStrategy()       {}

func (v VectorSearch) Name() string    { return "vector:" + v.ModelID }
func (v VectorSearch) Weight() float64 { return v.WeightHint }
func (VectorSearch) isStrategy()       {}

func (LexicalSearch) Name() string      { return "lexical" }
func (l LexicalSearch) Weight() float64 { return l.WeightHint }
func (LexicalSearch) isStrategy()       {}

// Plan is an ordered strategy list.
type Plan struct {
	Strategies []Strategy
}

// Names returns the strategy names in order.
func (p Plan) Names() []string {
	out := make([]string, len(p.Strategies))
	for i, s := range p.Strategies {
		out[i] = s.Name()
	}
	return out
}

// PlanSource records which planner produced a plan.
type PlanSource struct {
	Planner  string `json:"planner"`
	Fallback bool   `json:"fallback"`
	Reason   string `json:"reason,omitempty"`
}

// Planner decides which strategies run for a query. Plan never fails: a
// planner that cannot produce a plan returns the fallback plan.
type Planner interface {
	Plan(ctx context.Context, query string, c Classification) (Plan, PlanSource)
}

// FallbackPlan is the deterministic local plan keyed on category. Vector
// strategies are listed for every model in configuration order.
func FallbackPlan(category Category, models []string) Plan {
	vectors := make([]Strategy, 0, len(models))
	for _, m := range models {
		vectors = append(vectors, VectorSearch{ModelID: m, WeightHint: 1})
	}
	structured := StructuredLookup{WeightHint: 1}
	lexical := LexicalSearch{WeightHint: 1}

	var out []Strategy
	switch category {
	case CategoryCharacter, CategoryLocation, CategoryRelationship:
		out = append(out, structured)
		out = append(out, vectors...)
		out = append(out, lexical)
	case CategoryEvent:
		out = append(out, vectors...)
		out = append(out, lexical, structured)
	case CategoryTheme:
		out = append(out, vectors...)
		out = append(out, lexical)
	default:
		out = append(out, vectors...)
		out = append(out, lexical, structured)
	}
	return Plan{Strategies: out}
}

// LocalPlanner always returns the fallback plan.
type LocalPlanner struct {
	models func() []string
}

// NewLocalPlanner creates a local planner; models lists the configured
// model ids in order.
func NewLocalPlanner(models func() []string) *LocalPlanner {
	return &LocalPlanner{models: models}
}

// Plan returns FallbackPlan for the classification's category.
func (p *LocalPlanner) Plan(_ context.Context, _ string, c Classification) (Plan, PlanSource) {
	return FallbackPlan(c.Category, p.models()), PlanSource{Planner: "local"}
}

var _ Planner = (*LocalPlanner)(nil)

// PlannedStrategy is the wire form of a strategy.
type PlannedStrategy struct {
	Type    string  `json:"type"`
	ModelID string  `json:"model_id,omitempty"`
	Weight  float64 `json:"weight,omitempty"`
}

// PlanRequest is sent to a remote planner.
type PlanRequest struct {
	Query          string         `json:"query"`
	Classification Classification `json:"classification"`
	Models         []string       `json:"models"`
}

// PlanResponse is a remote planner's answer.
type PlanResponse struct {
	Strategies []PlannedStrategy `json:"strategies"`
}

// DecodePlan converts a remote answer into a Plan. Unknown strategy types,
// unknown model ids and duplicates are dropped. A plan with nothing left is
// an error.
func DecodePlan(resp PlanResponse, models []string) (Plan, []string, error) {
	known := make(map[string]struct{}, len(models))
	for _, m := range models {
		known[m] = struct{}{}
	}

	var (
		out     []Strategy
		dropped []string
		seen    = make(map[string]struct{})
	)
	for _, ps := range resp.Strategies {
		w := ps.Weight
		if w <= 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			w = 1
		}
		var s Strategy
		switch strings.ToLower(ps.Type) {
		case "structured", "structured_lookup":
			s = StructuredLookup{WeightHint: w}
		case "lexical", "lexical_search":
			s = LexicalSearch{WeightHint: w}
		case "vector", "vector_search":
			if _, ok := known[ps.ModelID]; !ok {
				dropped = append(dropped, fmt.Sprintf("vector:%s (unknown model)", ps.ModelID))
				continue
			}
			s = VectorSearch{ModelID: ps.ModelID, WeightHint: w}
		default:
			dropped = append(dropped, fmt.Sprintf("%s (unknown type)", ps.Type))
			continue
		}
		if _, dup := seen[s.Name()]; dup {
			continue
		}
		seen[s.Name()] = struct{}{}
		out = append(out, s)
	}
	if len(out) == 0 {
		return Plan{}, dropped, fmt.Errorf("plan has no usable strategies")
	}
	return Plan{Strategies: out}, dropped, nil
}
