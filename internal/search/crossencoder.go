package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Cross-encoder client defaults.
const (
	DefaultCrossEncoderEndpoint = "http://localhost:9659"
	DefaultCrossEncoderModel    = "reranker-small"
	DefaultCrossEncoderTimeout  = 30 * time.Second
)

// CrossEncoderConfig configures HTTPReranker.
type CrossEncoderConfig struct {
	Endpoint string
	Model    string
	Timeout  time.Duration

	// Instruction is an optional task prompt forwarded to the server.
	Instruction string

	// SkipHealthCheck skips the health check during creation.
	SkipHealthCheck bool
}

// HTTPReranker is a cross-encoder served over HTTP (POST /rerank).
type HTTPReranker struct {
	client   *http.Client
	config   CrossEncoderConfig
	endpoint string

	mu     sync.RWMutex
	closed bool
}

var _ Reranker = (*HTTPReranker)(nil)

// NewHTTPReranker creates a client and checks /health unless skipped.
func NewHTTPReranker(ctx context.Context, cfg CrossEncoderConfig) (*HTTPReranker, error) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultCrossEncoderEndpoint
	}
	if cfg.Model == "" {
		cfg.Model = DefaultCrossEncoderModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultCrossEncoderTimeout
	}

	r := &HTTPReranker{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     30 * time.Second,
			},
		},
		config:   cfg,
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
	}

	if !cfg.SkipHealthCheck {
		checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := r.healthCheck(checkCtx); err != nil {
			return nil, fmt.Errorf("cross-encoder health check failed: %w", err)
		}
	}

	slog.Debug("cross_encoder_created",
		slog.String("endpoint", r.endpoint),
		slog.String("model", cfg.Model),
		slog.Duration("timeout", cfg.Timeout))
	return r, nil
}

func (r *HTTPReranker) healthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.endpoint+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to cross-encoder: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("cross-encoder unhealthy (status %d): %s", resp.StatusCode, string(body))
	}
	return nil
}

type rerankRequest struct {
	Query       string   `json:"query"`
	Documents   []string `json:"documents"`
	Model       string   `json:"model,omitempty"`
	Instruction string   `json:"instruction,omitempty"`
	TopK        int      `json:"top_k,omitempty"`
}

type rerankResponse struct {
	Results []struct {
		Index    int     `json:"index"`
		Score    float64 `json:"score"`
		Document string  `json:"document"`
	} `json:"results"`
	Model            string  `json:"model"`
	ProcessingTimeMs float64 `json:"processing_time_ms"`
}

// Rerank implements Reranker.
func (r *HTTPReranker) Rerank(ctx context.Context, query string, documents []string, topK int) ([]RerankResult, error) {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, fmt.Errorf("reranker is closed")
	}
	if len(documents) == 0 {
		return []RerankResult{}, nil
	}

	start := time.Now()
	body, err := json.Marshal(rerankRequest{
		Query:       query,
		Documents:   documents,
		Model:       r.config.Model,
		Instruction: r.config.Instruction,
		TopK:        max(topK, 0),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rerank request: %w", err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(timeoutCtx, http.MethodPost, r.endpoint+"/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create rerank request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rerank request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("rerank failed (status %d): %s", resp.StatusCode, string(msg))
	}

	var decoded rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("failed to decode rerank response: %w", err)
	}

	results := make([]RerankResult, len(decoded.Results))
	for i, res := range decoded.Results {
		results[i] = RerankResult{Index: res.Index, Score: res.Score, Document: res.Document}
	}

	slog.Debug("rerank_http_timing",
		slog.Int("doc_count", len(documents)),
		slog.Int("payload_bytes", len(body)),
		slog.Duration("total", time.Since(start)),
		slog.Float64("server_time_ms", decoded.ProcessingTimeMs))
	return results, nil
}

// Available checks /health.
func (r *HTTPReranker) Available(ctx context.Context) bool {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return false
	}
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return r.healthCheck(checkCtx) == nil
}

// Close releases idle connections.
func (r *HTTPReranker) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if transport, ok := r.client.Transport.(*http.Transport); ok {
		transport.CloseIdleConnections()
	}
	return nil
}
