package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	merrors "github.com/Aman-CERP/memnon/internal/errors"
)

// DefaultOllamaHost is the default Ollama API endpoint.
const DefaultOllamaHost = "http://localhost:11434"

// OllamaConfig configures an Ollama-served model.
type OllamaConfig struct {
	Host       string
	Model      string
	Dimensions int
	BatchSize  int
	Timeout    time.Duration
	Retry      merrors.RetryConfig
}

type ollamaEmbedRequest struct {
	Model string `json:"model"`
	Input any    `json:"input"`
}

type ollamaEmbedResponse struct {
	Model      string      `json:"model"`
	Embeddings [][]float32 `json:"embeddings"`
}

type ollamaTagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// OllamaEmbedder calls Ollama's /api/embed endpoint.
type OllamaEmbedder struct {
	client *http.Client
	cfg    OllamaConfig

	mu     sync.RWMutex
	closed bool
}

var _ Embedder = (*OllamaEmbedder)(nil)

// NewOllamaEmbedder creates an Ollama embedder. Dimensions must be known up
// front; every returned vector is checked against it.
func NewOllamaEmbedder(cfg OllamaConfig) (*OllamaEmbedder, error) {
	if cfg.Model == "" {
		return nil, merrors.ConfigError("ollama model name is required", nil)
	}
	if cfg.Dimensions <= 0 {
		return nil, merrors.ConfigError(fmt.Sprintf("ollama model %s: dimensions must be positive", cfg.Model), nil)
	}
	if cfg.Host == "" {
		cfg.Host = DefaultOllamaHost
	}
	if cfg.BatchSize <= 0 || cfg.BatchSize > MaxBatchSize {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retry.InitialDelay == 0 {
		cfg.Retry = merrors.DefaultRetryConfig()
	}
	cfg.Host = strings.TrimRight(cfg.Host, "/")

	// No client-level timeout: per-request contexts carry the deadline.
	return &OllamaEmbedder{client: &http.Client{}, cfg: cfg}, nil
}

// Embed generates the embedding for one text.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// EmbedBatch embeds texts in BatchSize requests. Blank texts embed to the
// zero vector without a request.
func (e *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
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
		vecs, err := merrors.RetryWithResult(ctx, e.cfg.Retry, func() ([][]float32, error) {
			return e.embedOnce(ctx, pending[start:end])
		})
		if err != nil {
			return nil, err
		}
		for j, v := range vecs {
			results[idx[start+j]] = v
		}
	}
	return results, nil
}

func (e *OllamaEmbedder) embedOnce(ctx context.Context, texts []string) ([][]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	body, err := json.Marshal(ollamaEmbedRequest{Model: e.cfg.Model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.Host+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, merrors.New(merrors.ErrCodeNetworkTimeout, "ollama request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		code := merrors.ErrCodeEmbeddingFailed
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			code = merrors.ErrCodeModelUnavailable
		}
		return nil, merrors.New(code, fmt.Sprintf("ollama returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))), nil)
	}

	var out ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, merrors.New(merrors.ErrCodeEmbeddingFailed, "failed to decode ollama response", err)
	}
	if len(out.Embeddings) != len(texts) {
		return nil, merrors.New(merrors.ErrCodeEmbeddingFailed,
			fmt.Sprintf("ollama returned %d embeddings for %d texts", len(out.Embeddings), len(texts)), nil)
	}
	for i, v := range out.Embeddings {
		if len(v) != e.cfg.Dimensions {
			return nil, merrors.IntegrityError(merrors.ErrCodeDimensionMismatch,
				fmt.Sprintf("ollama model %s returned %d dimensions, configured %d", e.cfg.Model, len(v), e.cfg.Dimensions))
		}
		out.Embeddings[i] = normalizeVector(v)
	}
	return out.Embeddings, nil
}

// Dimensions returns the configured width.
func (e *OllamaEmbedder) Dimensions() int { return e.cfg.Dimensions }

// ModelName returns the Ollama model name.
func (e *OllamaEmbedder) ModelName() string { return e.cfg.Model }

// Available checks that the server lists the model.
func (e *OllamaEmbedder) Available(ctx context.Context) bool {
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.cfg.Host+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return false
	}

	var tags ollamaTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return false
	}
	want := strings.ToLower(e.cfg.Model)
	wantBase := strings.Split(want, ":")[0]
	for _, m := range tags.Models {
		name := strings.ToLower(m.Name)
		if name == want || strings.Split(name, ":")[0] == wantBase {
			return true
		}
	}
	return false
}

// Close releases idle connections.
func (e *OllamaEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.client.CloseIdleConnections()
	return nil
}
