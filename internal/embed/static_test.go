package embed

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cosine(a, b []float32) float64 {
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}

func TestStaticEmbedder_DeterministicUnitVectors(t *testing.T) {
	e := NewStaticEmbedder("minilm", 64)
	ctx := context.Background()

	a, err := e.Embed(ctx, "The lighthouse keeper lit the lamp.")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "The lighthouse keeper lit the lamp.")
	require.NoError(t, err)

	assert.Len(t, a, 64)
	assert.Equal(t, a, b)
	assert.InDelta(t, 1.0, cosine(a, a), 1e-5)
}

func TestStaticEmbedder_SimilarTextIsCloser(t *testing.T) {
	e := NewStaticEmbedder("", 0)
	ctx := context.Background()

	q, _ := e.Embed(ctx, "lighthouse keeper")
	near, _ := e.Embed(ctx, "the old lighthouse keeper climbed")
	far, _ := e.Embed(ctx, "merchants argued over grain prices")

	assert.Equal(t, DefaultStaticDimensions, e.Dimensions())
	assert.Equal(t, "static", e.ModelName())
	assert.Greater(t, cosine(q, near), cosine(q, far))
}

func TestStaticEmbedder_NamesGiveDistinctSpaces(t *testing.T) {
	ctx := context.Background()
	a, _ := NewStaticEmbedder("a", 32).Embed(ctx, "storm at sea")
	b, _ := NewStaticEmbedder("b", 32).Embed(ctx, "storm at sea")
	assert.NotEqual(t, a, b)
}

func TestStaticEmbedder_BlankAndClosed(t *testing.T) {
	e := NewStaticEmbedder("m", 8)
	v, err := e.Embed(context.Background(), "   ")
	require.NoError(t, err)
	assert.Equal(t, make([]float32, 8), v)

	batch, err := e.EmbedBatch(context.Background(), []string{"one", "two"})
	require.NoError(t, err)
	assert.Len(t, batch, 2)

	require.NoError(t, e.Close())
	assert.False(t, e.Available(context.Background()))
	_, err = e.Embed(context.Background(), "x")
	assert.ErrorIs(t, err, ErrEmbedderClosed)
}
