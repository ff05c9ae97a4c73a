package mcp

import (
	"fmt"
	"strings"

	"github.com/Aman-CERP/memnon/internal/search"
)

// FormatSearchResults renders a response as markdown for agents that read
// text content rather than structured output.
func FormatSearchResults(query string, resp *search.Response) string {
	if resp == nil || len(resp.Results) == 0 {
		return fmt.Sprintf("No memories found for \"%s\"", query)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "## Memories for \"%s\" (anchor %d)\n\n", query, resp.Metadata.Anchor)
	fmt.Fprintf(&sb, "Found %d result", len(resp.Results))
	if len(resp.Results) != 1 {
		sb.WriteString("s")
	}
	fmt.Fprintf(&sb, " · category: %s\n\n", resp.Metadata.Classification.Category)

	for i, r := range resp.Results {
		formatResult(&sb, i+1, r)
	}

	if len(resp.Metadata.FallbacksTriggered) > 0 {
		fmt.Fprintf(&sb, "_Fallbacks: %s_\n", strings.Join(resp.Metadata.FallbacksTriggered, ", "))
	}
	return sb.String()
}

func formatResult(sb *strings.Builder, num int, r search.Result) {
	fmt.Fprintf(sb, "### %d. Position %d (score: %.2f)\n", num, r.Position, r.Score)
	if len(r.Entities) > 0 {
		fmt.Fprintf(sb, "**Entities:** %s\n", strings.Join(r.Entities, ", "))
	}
	sb.WriteString("\n")
	sb.WriteString(r.Text)
	sb.WriteString("\n\n---\n\n")
}

// clampLimit ensures limit is within bounds.
func clampLimit(limit, defaultVal, min, max int) int {
	if limit <= 0 {
		return defaultVal
	}
	if limit < min {
		return min
	}
	if limit > max {
		return max
	}
	return limit
}

// ToResultOutput converts a search result to the tool output format.
func ToResultOutput(r search.Result) ResultOutput {
	return ResultOutput{
		Position:     r.Position,
		Score:        r.Score,
		Text:         r.Text,
		Entities:     r.Entities,
		Relations:    r.Relations,
		MatchedTerms: r.MatchedTerms,
		MatchReason:  generateMatchReason(r),
	}
}

// generateMatchReason explains in a few words why a result ranked.
func generateMatchReason(r search.Result) string {
	var parts []string

	if len(r.MatchedTerms) > 0 {
		terms := r.MatchedTerms
		if len(terms) > 5 {
			terms = terms[:5]
		}
		parts = append(parts, fmt.Sprintf("matched: %s", strings.Join(terms, ", ")))
	}
	if r.RerankedScore != nil {
		parts = append(parts, fmt.Sprintf("reranked to %.2f", *r.RerankedScore))
	} else if r.BoostedScore > r.FusedScore {
		parts = append(parts, "temporally boosted")
	}
	if len(r.Relations) > 0 {
		parts = append(parts, fmt.Sprintf("%d related entit%s", len(r.Relations), plural(len(r.Relations), "y", "ies")))
	}

	if len(parts) == 0 {
		return "similar meaning"
	}
	return strings.Join(parts, "; ")
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
