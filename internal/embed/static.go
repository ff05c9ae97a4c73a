package embed

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"unicode"

	"github.com/Aman-CERP/memnon/internal/store"
)

// ErrEmbedderClosed is returned after Close.
var ErrEmbedderClosed = errors.New("embedder is closed")

const (
	tokenWeight = 0.7
	ngramWeight = 0.3
	ngramSize   = 3
)

// StaticEmbedder hashes words and character trigrams into a fixed-width
// vector. It needs no network or model files and is deterministic, which
// makes it the default for tests and offline use. Different seeds give
// different (incomparable) embedding spaces of the same width.
type StaticEmbedder struct {
	name      string
	dims      int
	seed      string
	stopWords map[string]struct{}

	mu     sync.RWMutex
	closed bool
}

var _ Embedder = (*StaticEmbedder)(nil)

// NewStaticEmbedder creates a static embedder. dims <= 0 uses
// DefaultStaticDimensions.
func NewStaticEmbedder(name string, dims int) *StaticEmbedder {
	if dims <= 0 {
		dims = DefaultStaticDimensions
	}
	if name == "" {
		name = "static"
	}
	return &StaticEmbedder{
		name:      name,
		dims:      dims,
		seed:      name,
		stopWords: store.BuildStopWordMap(store.DefaultProseStopWords),
	}
}

// Embed generates the embedding for one text. Blank text embeds to the
// zero vector.
func (e *StaticEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return nil, ErrEmbedderClosed
	}

	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return make([]float32, e.dims), nil
	}
	return normalizeVector(e.generate(trimmed)), nil
}

func (e *StaticEmbedder) generate(text string) []float32 {
	v := make([]float32, e.dims)

	tokens := store.FilterStopWords(store.Tokenize(text, 2), e.stopWords)
	for _, t := range tokens {
		v[e.hashToIndex(t)] += tokenWeight
	}
	for _, g := range extractNgrams(lettersOnly(text), ngramSize) {
		v[e.hashToIndex(g)] += ngramWeight
	}
	return v
}

func (e *StaticEmbedder) hashToIndex(s string) int {
	h := fnv.New64a()
	_, _ = h.Write([]byte(e.seed))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(s))
	return int(h.Sum64() % uint64(e.dims))
}

func lettersOnly(text string) []rune {
	var out []rune
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			out = append(out, r)
		}
	}
	return out
}

func extractNgrams(runes []rune, n int) []string {
	if len(runes) < n {
		return []string{}
	}
	grams := make([]string, 0, len(runes)-n+1)
	for i := 0; i <= len(runes)-n; i++ {
		grams = append(grams, string(runes[i:i+n]))
	}
	return grams
}

// EmbedBatch embeds each text in order.
func (e *StaticEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := e.Embed(ctx, t)
		if err != nil {
			return nil, fmt.Errorf("failed to embed text %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

// Dimensions returns the vector width.
func (e *StaticEmbedder) Dimensions() int { return e.dims }

// ModelName returns the configured name.
func (e *StaticEmbedder) ModelName() string { return e.name }

// Available is true until Close.
func (e *StaticEmbedder) Available(_ context.Context) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return !e.closed
}

// Close marks the embedder closed.
func (e *StaticEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}
