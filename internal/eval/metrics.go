// Package eval scores retrieval runs against graded relevance judgments
// and records every run so configurations can be compared.
package eval

// RelevantThreshold is the lowest grade counted as relevant. Grades run
// from 0 (not relevant) to 3.
const RelevantThreshold = 1

// Judgments maps chunk positions to relevance grades. Positions absent
// from the map are unjudged.
type Judgments map[int64]int

func (j Judgments) relevant(pos int64) bool {
	g, ok := j[pos]
	return ok && g >= RelevantThreshold
}

func (j Judgments) counts() (rel, nonrel int) {
	for _, g := range j {
		if g >= RelevantThreshold {
			rel++
		} else {
			nonrel++
		}
	}
	return rel, nonrel
}

// PrecisionAt is the fraction of the top k ranked positions judged
// relevant. Missing ranks count as non-relevant, so a short list cannot
// score higher than its hits allow.
func PrecisionAt(ranked []int64, j Judgments, k int) float64 {
	if k <= 0 {
		return 0
	}
	hits := 0
	for i := 0; i < k && i < len(ranked); i++ {
		if j.relevant(ranked[i]) {
			hits++
		}
	}
	return float64(hits) / float64(k)
}

// ReciprocalRank is 1/rank of the first relevant position, or 0.
func ReciprocalRank(ranked []int64, j Judgments) float64 {
	for i, pos := range ranked {
		if j.relevant(pos) {
			return 1 / float64(i+1)
		}
	}
	return 0
}

// BPref measures how often judged relevant positions are ranked above
// judged non-relevant ones; unjudged positions are ignored. With R
// relevant and N non-relevant judgments:
//
//	bpref = 1/R * sum over retrieved relevant r of
//	        (1 - min(nonrelevant ranked above r, R) / min(R, N))
//
// It is 0 when nothing is judged relevant.
func BPref(ranked []int64, j Judgments) float64 {
	r, n := j.counts()
	if r == 0 {
		return 0
	}
	denom := min(r, n)

	var sum float64
	above := 0
	for _, pos := range ranked {
		g, judged := j[pos]
		if !judged {
			continue
		}
		if g < RelevantThreshold {
			above++
			continue
		}
		if denom == 0 {
			sum++
			continue
		}
		sum += 1 - float64(min(above, r))/float64(denom)
	}
	return sum / float64(r)
}
