package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/memnon/internal/app"
	merrors "github.com/Aman-CERP/memnon/internal/errors"
	"github.com/Aman-CERP/memnon/internal/ingest"
	"github.com/Aman-CERP/memnon/internal/search"
	"github.com/Aman-CERP/memnon/internal/store"
)

type fakeBackend struct {
	searchErr error
	commitErr error
	reqs      []search.Request
	commits   []store.Chunk
	panicOn   string
}

func (f *fakeBackend) Search(_ context.Context, req search.Request) (*search.Response, error) {
	if req.Query == f.panicOn {
		panic("boom")
	}
	f.reqs = append(f.reqs, req)
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return &search.Response{
		Results:  []search.Result{{Position: 1, Score: 0.9, Text: "Alice rows out"}},
		Metadata: search.Metadata{Anchor: req.Anchor},
	}, nil
}

func (f *fakeBackend) Status(context.Context) (*app.Status, error) {
	return &app.Status{Version: "test", Corpus: store.PositionRange{Min: 0, Max: 1, Count: 2}}, nil
}

func (f *fakeBackend) Chunk(_ context.Context, pos int64) (store.Chunk, error) {
	if pos != 1 {
		return store.Chunk{}, merrors.New(merrors.ErrCodeNotFound, "no chunk", nil)
	}
	return store.Chunk{Position: 1, Text: "Alice rows out"}, nil
}

func (f *fakeBackend) Commit(_ context.Context, c store.Chunk, _ *store.ChunkMetadata, _ ...ingest.Relation) (ingest.CommitResult, error) {
	if f.commitErr != nil {
		return ingest.CommitResult{}, f.commitErr
	}
	f.commits = append(f.commits, c)
	return ingest.CommitResult{Position: c.Position, Embedded: []string{"small"}}, nil
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorDetail {
	t.Helper()
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error
}

func TestSearch(t *testing.T) {
	// Given: a router over a fake backend
	b := &fakeBackend{}
	h := NewRouter(RouterConfig{Backend: b})

	// When: posting a search
	rec := do(t, h, http.MethodPost, "/api/v1/search",
		`{"query":"lighthouse","anchor":7,"k":3,"filters":{"entity":"alice"}}`)

	// Then: the request reaches the backend and the response is JSON
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))
	require.Len(t, b.reqs, 1)
	assert.Equal(t, search.Request{Query: "lighthouse", Anchor: 7, K: 3, Filters: search.Filters{Entity: "alice"}}, b.reqs[0])

	var resp search.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 1)
	assert.Equal(t, int64(7), resp.Metadata.Anchor)
}

func TestSearch_ErrorStatus(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"empty query", merrors.New(merrors.ErrCodeQueryEmpty, "query is empty", nil), http.StatusBadRequest, merrors.ErrCodeQueryEmpty},
		{"store down", merrors.StoreUnavailable("read", errors.New("closed")), http.StatusServiceUnavailable, merrors.ErrCodeStoreUnavailable},
		{"timeout", merrors.New(merrors.ErrCodeNetworkTimeout, "slow", nil), http.StatusGatewayTimeout, merrors.ErrCodeNetworkTimeout},
		{"model down", merrors.ModelUnavailable("small", nil), http.StatusBadGateway, merrors.ErrCodeModelUnavailable},
		{"dimension mismatch", merrors.New(merrors.ErrCodeDimensionMismatch, "bad dims", nil), http.StatusUnprocessableEntity, merrors.ErrCodeDimensionMismatch},
		{"plain error", errors.New("oops"), http.StatusInternalServerError, ErrCodeInternalServer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewRouter(RouterConfig{Backend: &fakeBackend{searchErr: tt.err}})

			rec := do(t, h, http.MethodPost, "/api/v1/search", `{"query":"q","anchor":1}`)

			assert.Equal(t, tt.wantStatus, rec.Code)
			detail := decodeError(t, rec)
			assert.Equal(t, tt.wantCode, detail.Code)
			assert.Equal(t, rec.Header().Get(RequestIDHeader), detail.RequestID)
		})
	}
}

func TestSearch_RejectsMalformedBody(t *testing.T) {
	h := NewRouter(RouterConfig{Backend: &fakeBackend{}})

	for _, body := range []string{`{"query":`, `{"query":"q","anchr":3}`} {
		rec := do(t, h, http.MethodPost, "/api/v1/search", body)

		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
		assert.Equal(t, ErrCodeBadRequest, decodeError(t, rec).Code)
	}
}

func TestChunks(t *testing.T) {
	h := NewRouter(RouterConfig{Backend: &fakeBackend{}})

	tests := []struct {
		path       string
		wantStatus int
	}{
		{"/api/v1/chunks/1", http.StatusOK},
		{"/api/v1/chunks/9", http.StatusNotFound},
		{"/api/v1/chunks/-1", http.StatusBadRequest},
		{"/api/v1/chunks/abc", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := do(t, h, http.MethodGet, tt.path, "")
			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestCommitChunk(t *testing.T) {
	// Given: a backend accepting commits
	b := &fakeBackend{}
	h := NewRouter(RouterConfig{Backend: b})

	// When: posting a chunk record
	rec := do(t, h, http.MethodPost, "/api/v1/chunks",
		`{"position":4,"text":"The storm breaks","metadata":{"entities":["alice"]}}`)

	// Then: it is committed and reported
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, b.commits, 1)
	assert.Equal(t, int64(4), b.commits[0].Position)
	var got CommitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, CommitResponse{Position: 4, Embedded: []string{"small"}}, got)
}

func TestCommitChunk_Rejects(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		commitErr  error
		wantStatus int
	}{
		{"missing text", `{"position":4}`, nil, http.StatusBadRequest},
		{"entity record", `{"type":"entity","position":4,"text":"x"}`, nil, http.StatusBadRequest},
		{"out of order", `{"position":1,"text":"x"}`, merrors.New(merrors.ErrCodePositionOrder, "position 1 is not after 3", nil), http.StatusConflict},
		{"writer locked", `{"position":5,"text":"x"}`, merrors.New(merrors.ErrCodeLockHeld, "locked", nil), http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewRouter(RouterConfig{Backend: &fakeBackend{commitErr: tt.commitErr}})

			rec := do(t, h, http.MethodPost, "/api/v1/chunks", tt.body)

			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestStatusAndHealth(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("memnon_queries_total 0\n"))
	})
	h := NewRouter(RouterConfig{Backend: &fakeBackend{}, Metrics: metrics})

	rec := do(t, h, http.MethodGet, "/api/v1/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var st app.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, int64(2), st.Corpus.Count)

	rec = do(t, h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/metrics", "")
	assert.Contains(t, rec.Body.String(), "memnon_queries_total")

	rec = do(t, h, http.MethodGet, "/mcp", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRequestID_ReusesCallerHeader(t *testing.T) {
	h := NewRouter(RouterConfig{Backend: &fakeBackend{}})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	assert.Equal(t, "abc-123", rec.Header().Get(RequestIDHeader))
}

func TestRecovery_ReturnsInternalError(t *testing.T) {
	// Given: a backend that panics on one query
	h := NewRouter(RouterConfig{Backend: &fakeBackend{panicOn: "explode"}})

	// When: that query is searched
	rec := do(t, h, http.MethodPost, "/api/v1/search", `{"query":"explode","anchor":1}`)

	// Then: the panic becomes a 500 with a request id
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	detail := decodeError(t, rec)
	assert.Equal(t, ErrCodeInternalServer, detail.Code)
	assert.NotEmpty(t, detail.RequestID)
}

func TestServer_ShutsDownOnCancel(t *testing.T) {
	// Given: a server on a loopback listener
	srv := NewServer("127.0.0.1:0", NewRouter(RouterConfig{Backend: &fakeBackend{}}))
	ln, err := newLoopbackListener()
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	// When: the server answers and the context is cancelled
	resp, err := http.Post("http://"+ln.Addr().String()+"/api/v1/search", "application/json",
		bytes.NewBufferString(`{"query":"q","anchor":0}`))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	cancel()

	// Then: Serve returns cleanly
	assert.NoError(t, <-done)
}

func newLoopbackListener() (net.Listener, error) {
	return net.Listen("tcp", "127.0.0.1:0")
}
