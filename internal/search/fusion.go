package search

import (
	"math"
	"sort"
)

// activeFamilies records which signal families carry signal for a query.
type activeFamilies struct {
	vector     bool
	lexical    bool
	structured bool
}

// effectiveShares adjusts the configured shares to the families that are
// active. With no vector signal the vector share is folded into lexical.
// Any other inactive share is redistributed proportionally over the active
// families. The result sums to 1 unless nothing is active.
func effectiveShares(s Shares, act activeFamilies) Shares {
	if !act.vector && act.lexical {
		s.Lexical += s.Vector
		s.Vector = 0
	}

	var freed float64
	if !act.vector {
		freed += s.Vector
		s.Vector = 0
	}
	if !act.lexical {
		freed += s.Lexical
		s.Lexical = 0
	}
	if !act.structured {
		freed += s.Structured
		s.Structured = 0
	}
	if freed == 0 {
		return s
	}

	active := 0
	for _, on := range []bool{act.vector, act.lexical, act.structured} {
		if on {
			active++
		}
	}
	if active == 0 {
		return Shares{}
	}

	total := s.sum()
	if total == 0 {
		even := freed / float64(active)
		if act.vector {
			s.Vector = even
		}
		if act.lexical {
			s.Lexical = even
		}
		if act.structured {
			s.Structured = even
		}
		return s
	}
	scale := (total + freed) / total
	s.Vector *= scale
	s.Lexical *= scale
	s.Structured *= scale
	return s
}

// planHints are the per-strategy weight hints of a plan. Strategies absent
// from the plan count as 1.
type planHints struct {
	models     map[string]float64
	lexical    float64
	structured float64
}

func hintsOf(plan Plan) planHints {
	h := planHints{models: map[string]float64{}, lexical: 1, structured: 1}
	for _, s := range plan.Strategies {
		w := s.Weight()
		if w <= 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			w = 1
		}
		switch st := s.(type) {
		case VectorSearch:
			h.models[st.ModelID] = w
		case LexicalSearch:
			h.lexical = w
		case StructuredLookup:
			h.structured = w
		}
	}
	return h
}

func (h planHints) model(id string) float64 {
	if w, ok := h.models[id]; ok {
		return w
	}
	return 1
}

// apply scales model weights and family shares by the hints and
// renormalizes each to sum to 1. The vector family's hint is the mean of
// its models' hints weighted by their model weights. Uniform hints change
// nothing.
func (h planHints) apply(shares Shares, weights map[string]float64) (Shares, map[string]float64) {
	if h.uniform(weights) {
		return shares, weights
	}

	scaled := make(map[string]float64, len(weights))
	var vectorHint, total float64
	for id, w := range weights {
		scaled[id] = w * h.model(id)
		total += scaled[id]
		vectorHint += scaled[id]
	}
	if total > 0 {
		for id := range scaled {
			scaled[id] /= total
		}
	}
	if len(weights) == 0 {
		vectorHint = 1
	}

	out := Shares{
		Vector:     shares.Vector * vectorHint,
		Lexical:    shares.Lexical * h.lexical,
		Structured: shares.Structured * h.structured,
	}
	if sum := out.sum(); sum > 0 {
		out.Vector /= sum
		out.Lexical /= sum
		out.Structured /= sum
	}
	return out, scaled
}

func (h planHints) uniform(weights map[string]float64) bool {
	ref := h.lexical
	if h.structured != ref {
		return false
	}
	for id := range weights {
		if h.model(id) != ref {
			return false
		}
	}
	return true
}

// scaler maps a raw source score into [0, 1].
type scaler func(float64) float64

// newScaler builds the normalization for one source over the values present
// in the candidate set. cosine says the raw values are in [-1, 1].
func newScaler(mode Normalization, values []float64, cosine bool) scaler {
	if mode == NormalizeNone {
		if cosine {
			return func(v float64) float64 { return clamp01((v + 1) / 2) }
		}
		return clamp01
	}
	if len(values) == 0 {
		return func(float64) float64 { return 0 }
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range values {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	if hi == lo {
		return func(float64) float64 { return 1 }
	}
	span := hi - lo
	return func(v float64) float64 { return clamp01((v - lo) / span) }
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// fuse computes Candidate.Fused for every candidate. modelWeights are the
// redistributed router weights of the models that produced signal.
func fuse(cands []Candidate, shares Shares, modelWeights map[string]float64, mode Normalization) {
	ids := make([]string, 0, len(modelWeights))
	for id := range modelWeights {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	vectorScalers := make(map[string]scaler, len(ids))
	for _, id := range ids {
		var vals []float64
		for i := range cands {
			if v, ok := cands[i].VectorScores[id]; ok {
				vals = append(vals, v)
			}
		}
		vectorScalers[id] = newScaler(mode, vals, true)
	}

	var lexVals []float64
	for i := range cands {
		if cands[i].HasLexical {
			lexVals = append(lexVals, cands[i].Lexical)
		}
	}
	lexScale := newScaler(mode, lexVals, false)

	for i := range cands {
		c := &cands[i]
		var vec float64
		for _, id := range ids {
			if v, ok := c.VectorScores[id]; ok {
				vec += modelWeights[id] * vectorScalers[id](v)
			}
		}
		var lex float64
		if c.HasLexical {
			lex = lexScale(c.Lexical)
		}
		c.Fused = shares.Vector*vec + shares.Lexical*lex + shares.Structured*clamp01(c.Structured)
		c.Boosted = c.Fused
	}
}

// sortCandidates orders by score descending, then by distance to anchor,
// then by lower position.
func sortCandidates(cands []Candidate, anchor int64, score func(*Candidate) float64) {
	sort.SliceStable(cands, func(i, j int) bool {
		si, sj := score(&cands[i]), score(&cands[j])
		if si != sj {
			return si > sj
		}
		di, dj := distance(cands[i].Position, anchor), distance(cands[j].Position, anchor)
		if di != dj {
			return di < dj
		}
		return cands[i].Position < cands[j].Position
	})
}

func distance(pos, anchor int64) int64 {
	if pos > anchor {
		return pos - anchor
	}
	return anchor - pos
}

func fusedScore(c *Candidate) float64   { return c.Fused }
func boostedScore(c *Candidate) float64 { return c.Boosted }
