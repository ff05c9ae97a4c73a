// Package store holds the narrative corpus: chunks, per-model embeddings,
// chunk metadata, entities, cross-references and evaluation records, plus
// the lexical and vector indexes built over them.
package store

import (
	"context"
	"encoding/json"
	"math"
	"time"
)

// Chunk is an immutable unit of story text.
// Position is both identity and narrative order; positions are non-negative
// and strictly increasing in commit order.
type Chunk struct {
	Position  int64     `json:"position"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// ChunkEmbedding is one model's vector for one chunk.
// len(Vector) must equal Dimensions, which must equal the model's declared
// dimensionality.
type ChunkEmbedding struct {
	Position   int64     `json:"position"`
	ModelID    string    `json:"model_id"`
	Dimensions int       `json:"dimensions"`
	Vector     []float32 `json:"vector"`
	CreatedAt  time.Time `json:"created_at"`
}

// ChunkMetadata holds upstream annotations for a chunk. Read-only for retrieval.
type ChunkMetadata struct {
	Position    int64         `json:"position"`
	ArcPosition string        `json:"arc_position,omitempty"`
	TimeDelta   time.Duration `json:"time_delta,omitempty"`
	Entities    []string      `json:"entities,omitempty"`
	Themes      []string      `json:"themes,omitempty"`
}

// EntityKind classifies named story objects.
type EntityKind string

const (
	EntityCharacter EntityKind = "character"
	EntityPlace     EntityKind = "place"
	EntityFaction   EntityKind = "faction"
)

// Entity is a named story object. Aliases (nicknames, former names) resolve
// to the same ID.
type Entity struct {
	ID         string         `json:"id"`
	Kind       EntityKind     `json:"kind"`
	Name       string         `json:"name"`
	Aliases    []string       `json:"aliases,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// CrossReference links an entity to a chunk, or to another entity.
// For entity-to-entity links TargetEntityID is set and ChunkPosition is the
// chunk where the relationship was recorded.
type CrossReference struct {
	EntityID       string    `json:"entity_id"`
	ChunkPosition  int64     `json:"chunk_position"`
	TargetEntityID string    `json:"target_entity_id,omitempty"`
	Role           string    `json:"role,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// IsRelation reports whether the reference links two entities.
func (c CrossReference) IsRelation() bool {
	return c.TargetEntityID != ""
}

// EvalQuery is a query in the offline evaluation set.
type EvalQuery struct {
	ID       int64  `json:"id"`
	Text     string `json:"text"`
	Category string `json:"category,omitempty"`
	Anchor   int64  `json:"anchor"`
}

// Judgment is a graded relevance label for (query, chunk). Relevance is 0-3.
type Judgment struct {
	QueryID   int64 `json:"query_id"`
	Position  int64 `json:"chunk_position"`
	Relevance int   `json:"relevance"`
}

// Run is one evaluation run with the configuration it used.
type Run struct {
	ID        string          `json:"id"`
	Config    json.RawMessage `json:"config"`
	CreatedAt time.Time       `json:"created_at"`
}

// RunResult is one ranked result produced during a run.
type RunResult struct {
	RunID    string  `json:"run_id"`
	QueryID  int64   `json:"query_id"`
	Position int64   `json:"chunk_position"`
	Rank     int     `json:"rank"`
	Score    float64 `json:"score"`
}

// QueryMetrics holds IR metrics for one (run, query).
type QueryMetrics struct {
	RunID   string  `json:"run_id"`
	QueryID int64   `json:"query_id"`
	PAt5    float64 `json:"p_at_5"`
	PAt10   float64 `json:"p_at_10"`
	MRR     float64 `json:"mrr"`
	BPref   float64 `json:"bpref"`
}

// PositionRange is the span of committed chunk positions.
type PositionRange struct {
	Min   int64
	Max   int64
	Count int64
}

// ChunkReader is the read side of the backing store used by retrieval.
// Every method returns an ERR_201_STORE_UNAVAILABLE error when the store
// cannot be reached.
type ChunkReader interface {
	// GetChunks returns chunks by position. Missing positions are absent
	// from the map.
	GetChunks(ctx context.Context, positions []int64) (map[int64]Chunk, error)

	// GetMetadata returns metadata by position. Missing rows are absent.
	GetMetadata(ctx context.Context, positions []int64) (map[int64]ChunkMetadata, error)

	// Range returns the committed position span. Count is 0 for an empty corpus.
	Range(ctx context.Context) (PositionRange, error)

	// ListChunks streams all chunks in position order.
	ListChunks(ctx context.Context, fn func(Chunk) error) error

	// ListEntities returns the entity registry.
	ListEntities(ctx context.Context) ([]Entity, error)

	// ListCrossReferences returns all recorded cross-references in insertion order.
	ListCrossReferences(ctx context.Context) ([]CrossReference, error)

	// ListEmbeddings streams one model's vectors from a partition.
	ListEmbeddings(ctx context.Context, partition, modelID string, fn func(ChunkEmbedding) error) error

	// Ping checks the store is reachable.
	Ping(ctx context.Context) error
}

// ChunkWriter is the append path used by ingestion.
type ChunkWriter interface {
	PutChunk(ctx context.Context, chunk Chunk, meta *ChunkMetadata) error
	PutEmbedding(ctx context.Context, partition string, emb ChunkEmbedding) error
	PutEntity(ctx context.Context, entity Entity) error
	PutCrossReference(ctx context.Context, ref CrossReference) error
}

// EvalStore persists the offline evaluation tables.
type EvalStore interface {
	PutEvalQuery(ctx context.Context, q EvalQuery) (int64, error)
	PutJudgment(ctx context.Context, j Judgment) error
	ListEvalQueries(ctx context.Context) ([]EvalQuery, error)
	ListJudgments(ctx context.Context, queryID int64) ([]Judgment, error)
	PutRun(ctx context.Context, run Run) error
	PutRunResults(ctx context.Context, results []RunResult) error
	PutQueryMetrics(ctx context.Context, m QueryMetrics) error
	ListQueryMetrics(ctx context.Context, runID string) ([]QueryMetrics, error)
}

// NoPositionLimit is the maxPosition that admits every chunk.
const NoPositionLimit int64 = math.MaxInt64

// LexicalDocument is the lexical view of a chunk.
type LexicalDocument struct {
	Position int64
	Content  string
}

// LexicalHit is a lexical match. Score is in [0, 1], 1 being the best
// match the backend can express for the query.
type LexicalHit struct {
	Position     int64
	Score        float64
	MatchedTerms []string
}

// LexicalIndex is a term-weighted text index keyed by chunk position.
type LexicalIndex interface {
	// Index adds documents. Re-indexing a position replaces its content.
	Index(ctx context.Context, docs []LexicalDocument) error

	// Search returns up to limit hits at or before maxPosition, best
	// first, ties by lower position.
	Search(ctx context.Context, query string, limit int, maxPosition int64) ([]LexicalHit, error)

	// Count returns the number of indexed documents.
	Count() int

	// Close releases resources.
	Close() error
}

// LexicalConfig configures lexical tokenization.
type LexicalConfig struct {
	// StopWords are removed from documents and queries.
	StopWords []string

	// MinTokenLength drops shorter tokens.
	MinTokenLength int
}

// DefaultLexicalConfig returns English prose defaults.
func DefaultLexicalConfig() LexicalConfig {
	return LexicalConfig{
		StopWords:      DefaultProseStopWords,
		MinTokenLength: 2,
	}
}

// VectorHit is a nearest-neighbour result from a vector partition.
type VectorHit struct {
	Position int64
	Vector   []float32
	Score    float32
}

// DefaultProseStopWords are common English function words that carry no
// retrieval signal in narrative text.
var DefaultProseStopWords = []string{
	"a", "an", "and", "are", "as", "at", "be", "been", "but", "by", "did",
	"do", "does", "for", "from", "had", "has", "have", "he", "her", "hers",
	"him", "his", "i", "if", "in", "into", "is", "it", "its", "me", "my",
	"of", "on", "or", "our", "she", "so", "than", "that", "the", "their",
	"them", "then", "there", "they", "this", "to", "us", "was", "we", "were",
	"what", "when", "where", "which", "who", "whom", "why", "with", "you",
	"your", "how", "about", "tell", "does", "any",
}
