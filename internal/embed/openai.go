package embed

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	merrors "github.com/Aman-CERP/memnon/internal/errors"
)

// OpenAIConfig configures an OpenAI-compatible embedding model.
type OpenAIConfig struct {
	Model      string
	Dimensions int
	APIKey     string // falls back to OPENAI_API_KEY
	BaseURL    string // optional, for compatible servers
	BatchSize  int
	Timeout    time.Duration
}

// OpenAIEmbedder calls the embeddings endpoint through openai-go.
type OpenAIEmbedder struct {
	client openai.Client
	cfg    OpenAIConfig

	mu     sync.RWMutex
	closed bool
}

var _ Embedder = (*OpenAIEmbedder)(nil)

// NewOpenAIEmbedder creates an OpenAI embedder.
func NewOpenAIEmbedder(cfg OpenAIConfig) (*OpenAIEmbedder, error) {
	if cfg.Model == "" {
		return nil, merrors.ConfigError("openai model name is required", nil)
	}
	if cfg.Dimensions <= 0 {
		return nil, merrors.ConfigError(fmt.Sprintf("openai model %s: dimensions must be positive", cfg.Model), nil)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, merrors.ConfigError("OPENAI_API_KEY is not set", nil).
			WithSuggestion("export OPENAI_API_KEY or set api_key for the model")
	}
	if cfg.BatchSize <= 0 || cfg.BatchSize > MaxBatchSize {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(1)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAIEmbedder{client: openai.NewClient(opts...), cfg: cfg}, nil
}

// Embed generates the embedding for one text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// EmbedBatch embeds texts in BatchSize requests, preserving input order.
func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return nil, ErrEmbedderClosed
	}

	results := make([][]float32, len(texts))
	var idx []int
	var pending []string
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			results[i] = make([]float32, e.cfg.Dimensions)
			continue
		}
		idx = append(idx, i)
		pending = append(pending, t)
	}

	for start := 0; start < len(pending); start += e.cfg.BatchSize {
		end := min(start+e.cfg.BatchSize, len(pending))
		vecs, err := e.embedOnce(ctx, pending[start:end])
		if err != nil {
			return nil, err
		}
		for j, v := range vecs {
			results[idx[start+j]] = v
		}
	}
	return results, nil
}

func (e *OpenAIEmbedder) embedOnce(ctx context.Context, texts []string) ([][]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	resp, err := e.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input:          openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model:          e.cfg.Model,
		Dimensions:     openai.Int(int64(e.cfg.Dimensions)),
		EncodingFormat: openai.EmbeddingNewParamsEncodingFormatFloat,
	})
	if err != nil {
		return nil, merrors.ModelUnavailable(e.cfg.Model, err)
	}
	if len(resp.Data) != len(texts) {
		return nil, merrors.New(merrors.ErrCodeEmbeddingFailed,
			fmt.Sprintf("openai returned %d embeddings for %d texts", len(resp.Data), len(texts)), nil)
	}

	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		i := int(d.Index)
		if i < 0 || i >= len(texts) {
			return nil, merrors.New(merrors.ErrCodeEmbeddingFailed, fmt.Sprintf("openai returned index %d out of range", i), nil)
		}
		if len(d.Embedding) != e.cfg.Dimensions {
			return nil, merrors.IntegrityError(merrors.ErrCodeDimensionMismatch,
				fmt.Sprintf("openai model %s returned %d dimensions, configured %d", e.cfg.Model, len(d.Embedding), e.cfg.Dimensions))
		}
		v := make([]float32, len(d.Embedding))
		for j, f := range d.Embedding {
			v[j] = float32(f)
		}
		out[i] = normalizeVector(v)
	}
	return out, nil
}

// Dimensions returns the configured width.
func (e *OpenAIEmbedder) Dimensions() int { return e.cfg.Dimensions }

// ModelName returns the OpenAI model name.
func (e *OpenAIEmbedder) ModelName() string { return e.cfg.Model }

// Available is true until Close; the API is checked lazily on first use.
func (e *OpenAIEmbedder) Available(_ context.Context) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return !e.closed
}

// Close marks the embedder closed.
func (e *OpenAIEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}
