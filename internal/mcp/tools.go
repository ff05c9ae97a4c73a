package mcp

import (
	"github.com/Aman-CERP/memnon/internal/crossref"
	"github.com/Aman-CERP/memnon/internal/router"
	"github.com/Aman-CERP/memnon/internal/search"
)

// SearchInput is the input schema of the search_memory tool.
type SearchInput struct {
	Query       string   `json:"query" jsonschema:"what to recall, in natural language"`
	Anchor      int64    `json:"anchor" jsonschema:"current story position; nothing after it is returned"`
	QueryType   string   `json:"query_type,omitempty" jsonschema:"force a category: character, event, location, relationship, theme or generic"`
	K           int      `json:"k,omitempty" jsonschema:"number of results, default from configuration"`
	Entity      string   `json:"entity,omitempty" jsonschema:"only chunks that reference this entity id"`
	MinPosition *int64   `json:"min_position,omitempty" jsonschema:"only chunks at or after this position"`
	Themes      []string `json:"themes,omitempty" jsonschema:"only chunks tagged with at least one of these themes"`
}

// SearchOutput is the output schema of the search_memory tool.
type SearchOutput struct {
	Results  []ResultOutput  `json:"results" jsonschema:"ranked chunks, best first"`
	Metadata search.Metadata `json:"metadata" jsonschema:"how the ranking was produced"`
}

// ResultOutput is one recalled chunk.
type ResultOutput struct {
	Position     int64               `json:"position" jsonschema:"story position of the chunk"`
	Score        float64             `json:"score" jsonschema:"final score"`
	Text         string              `json:"text" jsonschema:"chunk text"`
	Entities     []string            `json:"entities,omitempty" jsonschema:"entities the chunk references"`
	Relations    []crossref.Relation `json:"relations,omitempty" jsonschema:"entity relations known at the anchor"`
	MatchedTerms []string            `json:"matched_terms,omitempty" jsonschema:"query terms found in the text"`
	MatchReason  string              `json:"match_reason" jsonschema:"why this chunk matched"`
}

// StatusInput is the input schema of the memory_status tool (no parameters).
type StatusInput struct{}

// StatusOutput is the output schema of the memory_status tool.
type StatusOutput struct {
	Version    string               `json:"version"`
	Corpus     CorpusInfo           `json:"corpus"`
	Models     []router.ModelStatus `json:"models"`
	Partitions []string             `json:"partitions"`
	Lexical    LexicalInfo          `json:"lexical"`
	CrossRefs  crossref.Stats       `json:"cross_references"`
	Entities   int                  `json:"entities"`
	Queries    QueryInfo            `json:"queries"`
}

// CorpusInfo describes the committed position span.
type CorpusInfo struct {
	Chunks        int64 `json:"chunks"`
	FirstPosition int64 `json:"first_position"`
	LastPosition  int64 `json:"last_position"`
}

// LexicalInfo describes the lexical index.
type LexicalInfo struct {
	Backend string `json:"backend"`
	Count   int    `json:"count"`
}

// QueryInfo summarizes queries served since startup.
type QueryInfo struct {
	Total       int64            `json:"total"`
	Failed      int64            `json:"failed"`
	ZeroResults int64            `json:"zero_results"`
	Categories  map[string]int64 `json:"categories"`
	Fallbacks   map[string]int64 `json:"fallbacks"`
}
