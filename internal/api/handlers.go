package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/Aman-CERP/memnon/internal/app"
	"github.com/Aman-CERP/memnon/internal/ingest"
	"github.com/Aman-CERP/memnon/internal/search"
	"github.com/Aman-CERP/memnon/internal/store"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 4 << 20

// Backend is the part of the core the HTTP API serves.
type Backend interface {
	Search(ctx context.Context, req search.Request) (*search.Response, error)
	Status(ctx context.Context) (*app.Status, error)
	Chunk(ctx context.Context, position int64) (store.Chunk, error)
	Commit(ctx context.Context, chunk store.Chunk, meta *store.ChunkMetadata, relations ...ingest.Relation) (ingest.CommitResult, error)
}

var _ Backend = (*app.App)(nil)

// Handlers serves the /api/v1 routes.
type Handlers struct {
	backend Backend
}

// CommitResponse reports one commit.
type CommitResponse struct {
	Position int64             `json:"position"`
	Embedded []string          `json:"embedded"`
	Failed   map[string]string `json:"failed,omitempty"`
}

// Search handles POST /api/v1/search.
func (h *Handlers) Search(w http.ResponseWriter, r *http.Request) {
	var req search.Request
	if !decode(w, r, &req) {
		return
	}
	resp, err := h.backend.Search(r.Context(), req)
	if err != nil {
		slog.Warn("search_failed",
			slog.String("request_id", GetRequestID(r.Context())),
			slog.String("error", err.Error()))
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Status handles GET /api/v1/status.
func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	st, err := h.backend.Status(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// GetChunk handles GET /api/v1/chunks/{position}.
func (h *Handlers) GetChunk(w http.ResponseWriter, r *http.Request) {
	pos, err := strconv.ParseInt(chi.URLParam(r, "position"), 10, 64)
	if err != nil || pos < 0 {
		badRequest(w, r, "position must be a non-negative integer")
		return
	}
	c, err := h.backend.Chunk(r.Context(), pos)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// CommitChunk handles POST /api/v1/chunks. The body is one ingest record.
func (h *Handlers) CommitChunk(w http.ResponseWriter, r *http.Request) {
	var rec ingest.Record
	if !decode(w, r, &rec) {
		return
	}
	if rec.Type != "" && rec.Type != "chunk" {
		badRequest(w, r, "only chunk records can be committed here")
		return
	}
	if strings.TrimSpace(rec.Text) == "" {
		badRequest(w, r, "text is required")
		return
	}
	res, err := h.backend.Commit(r.Context(), store.Chunk{Position: rec.Position, Text: rec.Text}, rec.Metadata, rec.Relations...)
	if err != nil {
		writeError(w, r, err)
		return
	}
	embedded := res.Embedded
	if embedded == nil {
		embedded = []string{}
	}
	writeJSON(w, http.StatusCreated, CommitResponse{Position: res.Position, Embedded: embedded, Failed: res.Failed})
}

// Health handles GET /healthz.
func Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		badRequest(w, r, "invalid request body: "+err.Error())
		return false
	}
	return true
}
