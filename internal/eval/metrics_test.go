package eval

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPrecisionAt(t *testing.T) {
	j := Judgments{1: 1, 3: 2, 8: 0}

	tests := []struct {
		name   string
		ranked []int64
		k      int
		want   float64
	}{
		{"two of five", []int64{1, 2, 3}, 5, 0.4},
		{"two of ten", []int64{1, 2, 3}, 10, 0.2},
		{"first only", []int64{1, 2, 3}, 1, 1},
		{"graded zero is not relevant", []int64{8}, 1, 0},
		{"empty ranking", nil, 5, 0},
		{"non-positive k", []int64{1}, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, PrecisionAt(tt.ranked, j, tt.k), 1e-9)
		})
	}
}

func TestReciprocalRank(t *testing.T) {
	j := Judgments{1: 1, 6: 0}

	assert.InDelta(t, 1.0/3, ReciprocalRank([]int64{4, 6, 1}, j), 1e-9)
	assert.InDelta(t, 1.0, ReciprocalRank([]int64{1, 4}, j), 1e-9)
	assert.Zero(t, ReciprocalRank([]int64{4, 6}, j))
}

func TestBPref(t *testing.T) {
	tests := []struct {
		name   string
		ranked []int64
		j      Judgments
		want   float64
	}{
		{
			// R=2, N=2: rank 1 relevant with nothing above, rank 3 relevant
			// with one non-relevant above: (1 + 0.5) / 2.
			name:   "mixed",
			ranked: []int64{1, 2, 3},
			j:      Judgments{1: 2, 2: 0, 3: 1, 9: 0},
			want:   0.75,
		},
		{
			name:   "unjudged positions are ignored",
			ranked: []int64{7, 1, 11, 2, 3},
			j:      Judgments{1: 2, 2: 0, 3: 1, 9: 0},
			want:   0.75,
		},
		{
			name:   "no non-relevant judgments",
			ranked: []int64{5, 1},
			j:      Judgments{1: 1, 2: 1},
			want:   0.5,
		},
		{
			name:   "all non-relevant above",
			ranked: []int64{2, 1},
			j:      Judgments{1: 3, 2: 0},
			want:   0,
		},
		{
			name:   "nothing relevant",
			ranked: []int64{1},
			j:      Judgments{1: 0},
			want:   0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, BPref(tt.ranked, tt.j), 1e-9)
		})
	}
}
