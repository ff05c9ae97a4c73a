package embed

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingEmbedder struct {
	*StaticEmbedder
	calls atomic.Int32
	texts atomic.Int32
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	c.calls.Add(1)
	c.texts.Add(1)
	return c.StaticEmbedder.Embed(ctx, text)
}

func (c *countingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	c.calls.Add(1)
	c.texts.Add(int32(len(texts)))
	return c.StaticEmbedder.EmbedBatch(ctx, texts)
}

func TestCachedEmbedder_HitsSkipBackend(t *testing.T) {
	// Given: a cached embedder over a counting backend
	inner := &countingEmbedder{StaticEmbedder: NewStaticEmbedder("m", 16)}
	c := NewCachedEmbedder(inner, 10)
	ctx := context.Background()

	// When: embedding the same text twice
	a, err := c.Embed(ctx, "who is Alex")
	require.NoError(t, err)
	b, err := c.Embed(ctx, "who is Alex")
	require.NoError(t, err)

	// Then: one backend call, same vector
	assert.Equal(t, a, b)
	assert.Equal(t, int32(1), inner.calls.Load())
}

func TestCachedEmbedder_BatchOnlySendsMisses(t *testing.T) {
	inner := &countingEmbedder{StaticEmbedder: NewStaticEmbedder("m", 16)}
	c := NewCachedEmbedder(inner, 10)
	ctx := context.Background()

	_, err := c.Embed(ctx, "one")
	require.NoError(t, err)
	out, err := c.EmbedBatch(ctx, []string{"one", "two", "three"})
	require.NoError(t, err)

	assert.Len(t, out, 3)
	assert.Equal(t, int32(3), inner.texts.Load())

	_, err = c.EmbedBatch(ctx, []string{"two", "three"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), inner.calls.Load())
}

func TestCachedEmbedder_PassThrough(t *testing.T) {
	inner := NewStaticEmbedder("m", 16)
	c := NewCachedEmbedder(inner, 0)

	assert.Equal(t, 16, c.Dimensions())
	assert.Equal(t, "m", c.ModelName())
	assert.Same(t, inner, c.Inner())
	require.NoError(t, c.Close())
	assert.False(t, c.Available(context.Background()))
}
