package search

import (
	"fmt"
	"log/slog"

	merrors "github.com/Aman-CERP/memnon/internal/errors"
)

// FilterCausal drops every candidate positioned after anchor. Negative
// positions are malformed data: they are logged and excluded as well.
// Excluded positions are returned in input order. Order of kept
// candidates is preserved.
func FilterCausal(cands []Candidate, anchor int64) ([]Candidate, []int64) {
	kept := make([]Candidate, 0, len(cands))
	var excluded []int64
	for _, c := range cands {
		switch {
		case c.Position < 0:
			slog.Error("malformed_chunk_position",
				slog.Int64("position", c.Position),
				slog.String("code", merrors.ErrCodeMalformedPosition))
			excluded = append(excluded, c.Position)
		case c.Position > anchor:
			excluded = append(excluded, c.Position)
		default:
			kept = append(kept, c)
		}
	}
	return kept, excluded
}

// AssertCausal re-checks a final result list. A violation means a stage
// reintroduced a filtered chunk.
func AssertCausal(positions []int64, anchor int64) error {
	for _, p := range positions {
		if p < 0 || p > anchor {
			return merrors.New(merrors.ErrCodeCausalityViolated,
				fmt.Sprintf("result position %d outside [0, %d]", p, anchor), nil).
				WithDetail("anchor", fmt.Sprint(anchor))
		}
	}
	return nil
}

func countMalformed(excluded []int64) int {
	n := 0
	for _, p := range excluded {
		if p < 0 {
			n++
		}
	}
	return n
}
