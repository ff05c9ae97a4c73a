package store

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	merrors "github.com/Aman-CERP/memnon/internal/errors"
)

func TestHNSWStore_ExactScanRanksByCosine(t *testing.T) {
	// Given: three 3-d vectors for one model
	s, err := NewHNSWStore(HNSWConfig{Partition: "d3", Dimensions: 3})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, s.Add(ctx, "m1", 0, []float32{1, 0, 0}))
	require.NoError(t, s.Add(ctx, "m1", 1, []float32{0, 1, 0}))
	require.NoError(t, s.Add(ctx, "m1", 2, []float32{0.9, 0.1, 0}))

	// When: searching near the x axis
	hits, err := s.Search(ctx, "m1", []float32{1, 0, 0}, 2, NoPositionLimit)
	require.NoError(t, err)

	// Then: nearest two, identical vector scores 1.0
	require.Len(t, hits, 2)
	assert.Equal(t, int64(0), hits[0].Position)
	assert.Equal(t, int64(2), hits[1].Position)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-5)
}

func TestHNSWStore_ModelsAreIsolated(t *testing.T) {
	s, err := NewHNSWStore(HNSWConfig{Partition: "d2", Dimensions: 2})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, s.Add(ctx, "a", 0, []float32{1, 0}))
	require.NoError(t, s.Add(ctx, "b", 1, []float32{1, 0}))

	hits, err := s.Search(ctx, "a", []float32{1, 0}, 10, NoPositionLimit)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, int64(0), hits[0].Position)

	hits, err = s.Search(ctx, "unknown", []float32{1, 0}, 10, NoPositionLimit)
	require.NoError(t, err)
	assert.Empty(t, hits)
	assert.Equal(t, []string{"a", "b"}, s.Models())
}

func TestHNSWStore_DimensionMismatchIsIntegrityError(t *testing.T) {
	s, err := NewHNSWStore(HNSWConfig{Partition: "d3", Dimensions: 3})
	require.NoError(t, err)

	err = s.Add(context.Background(), "m1", 0, []float32{1, 0})
	require.Error(t, err)
	assert.ErrorIs(t, err, merrors.ErrDimensionMismatch)

	_, err = s.Search(context.Background(), "m1", []float32{1}, 1, NoPositionLimit)
	assert.ErrorIs(t, err, merrors.ErrDimensionMismatch)

	err = s.Add(context.Background(), "m1", -1, []float32{1, 0, 0})
	assert.ErrorIs(t, err, merrors.ErrMalformedPosition)
}

func TestHNSWStore_ReAddIsIgnored(t *testing.T) {
	s, err := NewHNSWStore(HNSWConfig{Partition: "d2", Dimensions: 2})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, s.Add(ctx, "m", 4, []float32{1, 0}))
	require.NoError(t, s.Add(ctx, "m", 4, []float32{0, 1}))

	assert.Equal(t, 1, s.Count("m"))
	hits, err := s.Search(ctx, "m", []float32{1, 0}, 1, NoPositionLimit)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-5)
}

func TestHNSWStore_GraphSearchFindsNeighbours(t *testing.T) {
	// Given: more vectors than the exact-scan limit
	s, err := NewHNSWStore(HNSWConfig{Partition: "d8", Dimensions: 8, ExactScanLimit: 10, Seed: 7})
	require.NoError(t, err)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(1))
	var target []float32
	for i := 0; i < 200; i++ {
		v := make([]float32, 8)
		for j := range v {
			v[j] = rng.Float32()*2 - 1
		}
		if i == 123 {
			target = v
		}
		require.NoError(t, s.Add(ctx, "m", int64(i), v))
	}

	// When: searching for a stored vector through the graph
	hits, err := s.Search(ctx, "m", target, 5, NoPositionLimit)
	require.NoError(t, err)

	// Then: it comes back first
	require.NotEmpty(t, hits)
	assert.Equal(t, int64(123), hits[0].Position)
	assert.LessOrEqual(t, len(hits), 5)
}

func TestHNSWStore_PositionCeiling(t *testing.T) {
	tests := []struct {
		name      string
		scanLimit int
	}{
		{"exact scan", 1024},
		{"graph", 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Given: early vectors far from the query and a long tail of
			// vectors close to it
			s, err := NewHNSWStore(HNSWConfig{Partition: "d2", Dimensions: 2, ExactScanLimit: tt.scanLimit, Seed: 3})
			require.NoError(t, err)
			ctx := context.Background()
			for i := 0; i < 400; i++ {
				v := []float32{1, float32(i%7) * 0.01}
				if i < 8 {
					v = []float32{float32(i) * 0.1, 1}
				}
				require.NoError(t, s.Add(ctx, "m", int64(i), v))
			}

			// When: searching with a ceiling before the tail
			hits, err := s.Search(ctx, "m", []float32{1, 0}, 5, 7)

			// Then: the best early vectors come back and nothing after 7
			require.NoError(t, err)
			require.Len(t, hits, 5)
			for _, h := range hits {
				assert.LessOrEqual(t, h.Position, int64(7))
			}
			assert.Equal(t, int64(7), hits[0].Position)
		})
	}
}

func TestHNSWStore_Closed(t *testing.T) {
	s, err := NewHNSWStore(HNSWConfig{Partition: "d2", Dimensions: 2})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.Add(context.Background(), "m", 0, []float32{1, 0}), ErrIndexClosed)
	_, err = NewHNSWStore(HNSWConfig{Partition: "bad"})
	assert.Error(t, err)
}
