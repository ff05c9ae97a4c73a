// Package embed provides the embedding backends used by the router.
// Every backend implements Embedder; which one serves a model id is a
// configuration choice.
package embed

import (
	"context"
	"math"
	"time"
)

const (
	// MaxBatchSize caps a single backend request.
	MaxBatchSize = 256

	// DefaultBatchSize is the default batch size for backend requests.
	DefaultBatchSize = 32

	// DefaultTimeout bounds one backend request.
	DefaultTimeout = 30 * time.Second

	// DefaultStaticDimensions is the static embedder's default width.
	DefaultStaticDimensions = 256
)

// Embedder generates vector embeddings for text.
type Embedder interface {
	// Embed generates the embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for several texts, in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the fixed output width.
	Dimensions() int

	// ModelName returns the backend model identifier.
	ModelName() string

	// Available reports whether the backend can serve requests.
	Available(ctx context.Context) bool

	// Close releases resources.
	Close() error
}

// normalizeVector returns a unit-length copy of v. Zero vectors are
// returned unchanged.
func normalizeVector(v []float32) []float32 {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	magnitude := math.Sqrt(sumSquares)
	if magnitude == 0 {
		return v
	}
	out := make([]float32, len(v))
	for i, val := range v {
		out[i] = float32(float64(val) / magnitude)
	}
	return out
}
