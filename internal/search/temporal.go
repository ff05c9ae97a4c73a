package search

// Boost blends each candidate's fused score with its temporal alignment
// and reorders the candidates by the boosted score.
//
//	boosted = (1 - bf) * fused + bf * alignment
//
// alignment is 1 - norm for early intent and norm for recent intent, where
// norm places the position between span.Earliest and span.Anchor. A
// non-temporal query keeps its fused score.
func Boost(cands []Candidate, intent TemporalIntent, boostFactor float64, span PositionSpan) {
	for i := range cands {
		c := &cands[i]
		c.Boosted = c.Fused
		if intent == IntentNonTemporal || intent == "" || boostFactor == 0 {
			continue
		}
		norm := normalizePosition(c.Position, span)
		alignment := norm
		if intent == IntentEarly {
			alignment = 1 - norm
		}
		c.Boosted = (1-boostFactor)*c.Fused + boostFactor*alignment
	}
	sortCandidates(cands, span.Anchor, boostedScore)
}

// normalizePosition maps pos into [0, 1] over the span; 0 for a
// single-point span.
func normalizePosition(pos int64, span PositionSpan) float64 {
	width := span.Anchor - span.Earliest
	if width <= 0 {
		return 0
	}
	return clamp01(float64(pos-span.Earliest) / float64(width))
}
