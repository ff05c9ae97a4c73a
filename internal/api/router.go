// Package api serves the MEMNON core over HTTP with a chi router.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// RouterConfig selects what the router mounts besides the API routes.
type RouterConfig struct {
	Backend Backend

	// Metrics serves /metrics when set.
	Metrics http.Handler

	// MCP serves the streamable MCP endpoint at /mcp when set.
	MCP http.Handler
}

// NewRouter builds the HTTP handler tree.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestID)
	r.Use(chimw.RealIP)
	r.Use(Logger)
	r.Use(Recovery)

	r.Get("/healthz", Health)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}
	if cfg.MCP != nil {
		r.Handle("/mcp", cfg.MCP)
	}

	h := &Handlers{backend: cfg.Backend}
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/search", h.Search)
		r.Get("/status", h.Status)
		r.Post("/chunks", h.CommitChunk)
		r.Get("/chunks/{position}", h.GetChunk)
	})
	return r
}
