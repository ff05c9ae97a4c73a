package output

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Aman-CERP/memnon/internal/app"
	"github.com/Aman-CERP/memnon/internal/search"
)

// snippetLen bounds the text shown per result.
const snippetLen = 240

// SearchResults renders a retrieval response for the terminal. verbose adds
// the per-stage scores and the plan.
func (w *Writer) SearchResults(query string, resp *search.Response, verbose bool) {
	s := w.styles
	if len(resp.Results) == 0 {
		_, _ = fmt.Fprintf(w.out, "No memories found for %q at position %d\n", query, resp.Metadata.Anchor)
		return
	}

	_, _ = fmt.Fprintln(w.out, s.Header.Render(fmt.Sprintf("%d memories for %q", len(resp.Results), query)))
	_, _ = fmt.Fprintln(w.out, s.Label.Render(fmt.Sprintf("anchor %d · category %s · %.0fms",
		resp.Metadata.Anchor, resp.Metadata.Classification.Category, resp.Metadata.LatencyMs)))
	_, _ = fmt.Fprintln(w.out)

	for i, r := range resp.Results {
		_, _ = fmt.Fprintf(w.out, "%2d. %s %s\n", i+1,
			s.Header.Render(fmt.Sprintf("position %d", r.Position)),
			s.Score.Render(fmt.Sprintf("%.3f", r.Score)))
		if len(r.Entities) > 0 {
			_, _ = fmt.Fprintf(w.out, "    %s %s\n", s.Label.Render("entities:"), strings.Join(r.Entities, ", "))
		}
		if verbose {
			_, _ = fmt.Fprintf(w.out, "    %s\n", s.Dim.Render(scoreLine(r)))
		}
		_, _ = fmt.Fprintf(w.out, "    %s\n", snippet(r.Text, snippetLen))
	}

	if len(resp.Metadata.FallbacksTriggered) > 0 {
		_, _ = fmt.Fprintln(w.out)
		_, _ = fmt.Fprintln(w.out, s.Warning.Render("fallbacks: "+strings.Join(resp.Metadata.FallbacksTriggered, ", ")))
	}
	if verbose {
		_, _ = fmt.Fprintln(w.out)
		_, _ = fmt.Fprintln(w.out, s.Dim.Render(fmt.Sprintf("strategies: %s", strings.Join(resp.Metadata.StrategiesRun, ", "))))
		if len(resp.Metadata.SkippedModels) > 0 {
			_, _ = fmt.Fprintln(w.out, s.Dim.Render(fmt.Sprintf("skipped models: %s", strings.Join(resp.Metadata.SkippedModels, ", "))))
		}
	}
}

func scoreLine(r search.Result) string {
	parts := []string{
		fmt.Sprintf("fused %.3f", r.FusedScore),
		fmt.Sprintf("boosted %.3f", r.BoostedScore),
	}
	if r.RerankedScore != nil {
		parts = append(parts, fmt.Sprintf("reranked %.3f", *r.RerankedScore))
	}
	return strings.Join(parts, " → ")
}

// snippet collapses whitespace and truncates to n runes.
func snippet(text string, n int) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= n {
		return text
	}
	return string(runes[:n]) + "…"
}

// CoreStatus renders a status report in a bordered panel.
func (w *Writer) CoreStatus(st *app.Status) {
	s := w.styles
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", s.Header.Render("MEMNON "+st.Version))
	if st.Corpus.Count == 0 {
		fmt.Fprintf(&b, "%s empty\n", s.Label.Render("corpus:"))
	} else {
		fmt.Fprintf(&b, "%s %d chunks, positions %d to %d\n",
			s.Label.Render("corpus:"), st.Corpus.Count, st.Corpus.Min, st.Corpus.Max)
	}
	fmt.Fprintf(&b, "%s %s (%d documents)\n", s.Label.Render("lexical:"), st.Lexical.Backend, st.Lexical.Count)
	fmt.Fprintf(&b, "%s %d entities, %d links\n", s.Label.Render("cross-refs:"), st.CrossRefs.Entities, st.CrossRefs.Links)
	fmt.Fprintf(&b, "%s\n", s.Label.Render("models:"))
	for _, m := range st.Models {
		line := fmt.Sprintf("  %-16s %-10s w=%.2f dims=%d %s", m.ID, m.State, m.Weight, m.Dimensions, m.Partition)
		if m.Error != "" {
			line += " " + s.Error.Render(m.Error)
		}
		fmt.Fprintln(&b, line)
	}
	fmt.Fprintf(&b, "%s %d total, %d failed, %d empty",
		s.Label.Render("queries:"), st.Queries.TotalQueries, st.Queries.FailedQueries, st.Queries.ZeroResultCount)
	if len(st.Queries.CategoryCounts) > 0 {
		cats := make([]string, 0, len(st.Queries.CategoryCounts))
		for c, n := range st.Queries.CategoryCounts {
			cats = append(cats, fmt.Sprintf("%s=%d", c, n))
		}
		sort.Strings(cats)
		fmt.Fprintf(&b, " (%s)", strings.Join(cats, " "))
	}
	_, _ = fmt.Fprintln(w.out, s.Panel.Render(b.String()))
}
