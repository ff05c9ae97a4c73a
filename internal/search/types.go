// Package search is the retrieval pipeline: classification, planning,
// hybrid candidate generation, causality filtering, temporal boosting and
// reranking.
package search

import (
	"fmt"
	"math"
	"time"

	merrors "github.com/Aman-CERP/memnon/internal/errors"
)

// Category is the query category produced by the classifier.
type Category string

const (
	CategoryCharacter    Category = "character"
	CategoryLocation     Category = "location"
	CategoryEvent        Category = "event"
	CategoryTheme        Category = "theme"
	CategoryRelationship Category = "relationship"
	CategoryGeneric      Category = "generic"
)

// Categories lists every category.
var Categories = []Category{
	CategoryCharacter, CategoryLocation, CategoryEvent,
	CategoryTheme, CategoryRelationship, CategoryGeneric,
}

// ParseCategory validates a category name. Empty is generic.
func ParseCategory(s string) (Category, error) {
	if s == "" {
		return CategoryGeneric, nil
	}
	for _, c := range Categories {
		if string(c) == s {
			return c, nil
		}
	}
	return "", merrors.ValidationError(fmt.Sprintf("unknown query type %q", s), nil)
}

// TemporalIntent says which end of the timeline a query favours.
type TemporalIntent string

const (
	IntentEarly       TemporalIntent = "early"
	IntentRecent      TemporalIntent = "recent"
	IntentNonTemporal TemporalIntent = "non_temporal"
)

// Classification is the classifier's view of a query.
type Classification struct {
	Category       Category       `json:"category"`
	TemporalIntent TemporalIntent `json:"temporal_intent"`
	EntityMentions []string       `json:"entity_mentions"`
}

// Normalization selects how per-source scores are scaled before fusion.
type Normalization string

const (
	// NormalizeMinMax rescales each source's scores over the candidate
	// set to [0, 1].
	NormalizeMinMax Normalization = "minmax"

	// NormalizeNone uses scores as produced; cosine is mapped to [0, 1].
	NormalizeNone Normalization = "none"
)

// Shares splits the fused score between signal families. They sum to 1.
type Shares struct {
	Vector     float64 `json:"vector" yaml:"vector"`
	Lexical    float64 `json:"lexical" yaml:"lexical"`
	Structured float64 `json:"structured" yaml:"structured"`
}

func (s Shares) sum() float64 { return s.Vector + s.Lexical + s.Structured }

// Params is the immutable per-query configuration threaded through every
// stage.
type Params struct {
	// Shares holds fusion shares per category. Missing categories use
	// the generic entry.
	Shares map[Category]Shares

	// BoostFactor weights temporal alignment against the fused score.
	BoostFactor float64

	Normalization Normalization

	// CandidatePool is the per-strategy recall depth.
	CandidatePool int

	// K is the default number of results.
	K int

	RerankWindow  int
	RerankBatch   int
	RerankTimeout time.Duration

	PlannerTimeout  time.Duration
	StrategyTimeout time.Duration
}

// DefaultParams returns the built-in configuration.
func DefaultParams() Params {
	return Params{
		Shares: map[Category]Shares{
			CategoryCharacter:    {Vector: 0.5, Lexical: 0.2, Structured: 0.3},
			CategoryLocation:     {Vector: 0.5, Lexical: 0.2, Structured: 0.3},
			CategoryRelationship: {Vector: 0.45, Lexical: 0.2, Structured: 0.35},
			CategoryEvent:        {Vector: 0.6, Lexical: 0.3, Structured: 0.1},
			CategoryTheme:        {Vector: 0.7, Lexical: 0.3, Structured: 0},
			CategoryGeneric:      {Vector: 0.6, Lexical: 0.3, Structured: 0.1},
		},
		BoostFactor:     0.3,
		Normalization:   NormalizeMinMax,
		CandidatePool:   100,
		K:               10,
		RerankWindow:    30,
		RerankBatch:     10,
		RerankTimeout:   3 * time.Second,
		PlannerTimeout:  2 * time.Second,
		StrategyTimeout: 5 * time.Second,
	}
}

// SharesFor returns the shares for a category.
func (p Params) SharesFor(c Category) Shares {
	if s, ok := p.Shares[c]; ok {
		return s
	}
	return p.Shares[CategoryGeneric]
}

// Validate checks the invariants every stage relies on.
func (p Params) Validate() error {
	if math.IsNaN(p.BoostFactor) || p.BoostFactor < 0 || p.BoostFactor > 1 {
		return merrors.ConfigError(fmt.Sprintf("boost factor %v outside [0, 1]", p.BoostFactor), nil)
	}
	if p.Normalization != NormalizeMinMax && p.Normalization != NormalizeNone {
		return merrors.ConfigError(fmt.Sprintf("unknown normalization %q (valid: minmax, none)", p.Normalization), nil)
	}
	if _, ok := p.Shares[CategoryGeneric]; !ok {
		return merrors.ConfigError("fusion shares for the generic category are required", nil)
	}
	for c, s := range p.Shares {
		if s.Vector < 0 || s.Lexical < 0 || s.Structured < 0 {
			return merrors.New(merrors.ErrCodeMalformedWeights, fmt.Sprintf("negative fusion share for %s", c), nil)
		}
		if math.Abs(s.sum()-1) > 1e-6 {
			return merrors.New(merrors.ErrCodeMalformedWeights,
				fmt.Sprintf("fusion shares for %s sum to %.4f, want 1.0", c, s.sum()), nil)
		}
	}
	if p.CandidatePool <= 0 || p.K <= 0 {
		return merrors.ConfigError("candidate pool and k must be positive", nil)
	}
	if p.RerankWindow < 0 || p.RerankBatch < 0 {
		return merrors.ConfigError("rerank window and batch cannot be negative", nil)
	}
	if p.StrategyTimeout <= 0 || p.PlannerTimeout <= 0 || p.RerankTimeout <= 0 {
		return merrors.ConfigError("stage timeouts must be positive", nil)
	}
	return nil
}

// Candidate is one chunk moving through the pipeline.
type Candidate struct {
	Position int64

	// VectorScores holds cosine similarity in [-1, 1] per model id.
	VectorScores map[string]float64

	Lexical      float64
	HasLexical   bool
	MatchedTerms []string

	// Structured is the fraction of mentioned entities linked to the chunk.
	Structured float64

	Fused    float64
	Boosted  float64
	Reranked *float64
}

// FinalScore is the score the candidate is currently ranked by.
func (c *Candidate) FinalScore() float64 {
	if c.Reranked != nil {
		return *c.Reranked
	}
	return c.Boosted
}

// PositionSpan is the corpus range used to normalize positions.
type PositionSpan struct {
	Earliest int64
	Anchor   int64
}
