package search

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func plannerModels() []string { return []string{"minilm", "bge"} }

func TestRemotePlanner_HTTP(t *testing.T) {
	// Given: a planner service answering with a valid plan
	var got PlanRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/plan", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(PlanResponse{Strategies: []PlannedStrategy{
			{Type: "vector", ModelID: "bge", Weight: 0.9},
			{Type: "lexical", Weight: 0.1},
		}})
	}))
	defer srv.Close()

	p := NewRemotePlanner(NewHTTPPlanTransport(srv.URL), time.Second, plannerModels)

	// When: planning a query
	plan, src := p.Plan(context.Background(), "who is Mara", Classification{Category: CategoryCharacter})

	// Then: the remote plan is used and the request carried the models
	assert.Equal(t, []string{"vector:bge", "lexical"}, plan.Names())
	assert.False(t, src.Fallback)
	assert.Equal(t, "http", src.Planner)
	assert.Equal(t, "who is Mara", got.Query)
	assert.Equal(t, plannerModels(), got.Models)
}

func TestRemotePlanner_FallbackCases(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"server error", func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		}},
		{"malformed json", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("{not json"))
		}},
		{"empty plan", func(w http.ResponseWriter, _ *http.Request) {
			_ = json.NewEncoder(w).Encode(PlanResponse{})
		}},
		{"only unknown models", func(w http.ResponseWriter, _ *http.Request) {
			_ = json.NewEncoder(w).Encode(PlanResponse{Strategies: []PlannedStrategy{{Type: "vector", ModelID: "ghost"}}})
		}},
		{"timeout", func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()
			p := NewRemotePlanner(NewHTTPPlanTransport(srv.URL), 100*time.Millisecond, plannerModels)

			plan, src := p.Plan(context.Background(), "q", Classification{Category: CategoryTheme})

			assert.True(t, src.Fallback)
			assert.NotEmpty(t, src.Reason)
			assert.Equal(t, FallbackPlan(CategoryTheme, plannerModels()).Names(), plan.Names())
		})
	}
}

type fakeRequester struct {
	calls   atomic.Int32
	subject string
	reply   []byte
	err     error
}

func (f *fakeRequester) RequestWithContext(_ context.Context, subj string, _ []byte) (*nats.Msg, error) {
	f.calls.Add(1)
	f.subject = subj
	if f.err != nil {
		return nil, f.err
	}
	return &nats.Msg{Subject: subj, Data: f.reply}, nil
}

func TestRemotePlanner_NATS(t *testing.T) {
	// Given: a NATS responder returning a structured-first plan
	reply, err := json.Marshal(PlanResponse{Strategies: []PlannedStrategy{{Type: "structured"}, {Type: "vector", ModelID: "minilm"}}})
	require.NoError(t, err)
	req := &fakeRequester{reply: reply}
	p := NewRemotePlanner(NewNATSPlanTransport(req, "memnon.plan"), time.Second, plannerModels)

	// When: planning
	plan, src := p.Plan(context.Background(), "q", Classification{Category: CategoryCharacter})

	// Then: the reply is decoded and the subject used
	assert.Equal(t, []string{"structured", "vector:minilm"}, plan.Names())
	assert.Equal(t, "nats", src.Planner)
	assert.Equal(t, "memnon.plan", req.subject)
}

func TestRemotePlanner_CircuitOpensAfterFailures(t *testing.T) {
	// Given: a transport that always fails
	req := &fakeRequester{err: errors.New("no responders")}
	p := NewRemotePlanner(NewNATSPlanTransport(req, "memnon.plan"), time.Second, plannerModels)

	// When: planning many times
	for range 20 {
		_, src := p.Plan(context.Background(), "q", Classification{Category: CategoryGeneric})
		require.True(t, src.Fallback)
	}

	// Then: the breaker stops calling the transport
	assert.Less(t, int(req.calls.Load()), 20)
}
