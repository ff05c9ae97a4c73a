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
	"time"

	"github.com/nats-io/nats.go"

	merrors "github.com/Aman-CERP/memnon/internal/errors"
)

// PlanTransport carries one plan request to an external reasoning service.
type PlanTransport interface {
	Name() string
	RequestPlan(ctx context.Context, req PlanRequest) (PlanResponse, error)
}

// RemotePlanner asks an external service for a plan. Any error, timeout,
// open circuit or unusable answer yields the fallback plan.
type RemotePlanner struct {
	transport PlanTransport
	breaker   *merrors.Breaker
	timeout   time.Duration
	models    func() []string
}

var _ Planner = (*RemotePlanner)(nil)

// NewRemotePlanner wraps transport with a timeout and a circuit breaker.
func NewRemotePlanner(transport PlanTransport, timeout time.Duration, models func() []string) *RemotePlanner {
	if timeout <= 0 {
		timeout = DefaultParams().PlannerTimeout
	}
	return &RemotePlanner{
		transport: transport,
		breaker:   merrors.NewBreaker(merrors.DefaultBreakerConfig("planner-" + transport.Name())),
		timeout:   timeout,
		models:    models,
	}
}

// Plan requests a plan and validates it against the configured models.
func (p *RemotePlanner) Plan(ctx context.Context, query string, c Classification) (Plan, PlanSource) {
	models := p.models()
	src := PlanSource{Planner: p.transport.Name()}

	plan, dropped, err := p.request(ctx, query, c, models)
	if err != nil {
		reason := err.Error()
		slog.Warn("planner_fallback",
			slog.String("planner", p.transport.Name()),
			slog.String("category", string(c.Category)),
			slog.String("error", reason))
		src.Fallback = true
		src.Reason = reason
		return FallbackPlan(c.Category, models), src
	}
	if len(dropped) > 0 {
		slog.Debug("planner_strategies_dropped",
			slog.String("planner", p.transport.Name()),
			slog.String("dropped", strings.Join(dropped, ", ")))
		src.Reason = "dropped " + strings.Join(dropped, ", ")
	}
	return plan, src
}

func (p *RemotePlanner) request(ctx context.Context, query string, c Classification, models []string) (Plan, []string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	resp, err := merrors.BreakerExecute(p.breaker, func() (PlanResponse, error) {
		return p.transport.RequestPlan(ctx, PlanRequest{Query: query, Classification: c, Models: models})
	})
	if err != nil {
		if merrors.IsCircuitOpen(err) {
			return Plan{}, nil, err
		}
		return Plan{}, nil, merrors.New(merrors.ErrCodePlannerFailed, "remote planner failed", err)
	}
	plan, dropped, err := DecodePlan(resp, models)
	if err != nil {
		return Plan{}, dropped, merrors.New(merrors.ErrCodePlannerFailed, "remote plan rejected", err)
	}
	return plan, dropped, nil
}

// HTTPPlanTransport posts plan requests as JSON.
type HTTPPlanTransport struct {
	client   *http.Client
	endpoint string
}

// NewHTTPPlanTransport creates a transport posting to endpoint + "/plan".
func NewHTTPPlanTransport(endpoint string) *HTTPPlanTransport {
	return &HTTPPlanTransport{
		client:   &http.Client{},
		endpoint: strings.TrimRight(endpoint, "/"),
	}
}

// Name implements PlanTransport.
func (t *HTTPPlanTransport) Name() string { return "http" }

// RequestPlan implements PlanTransport.
func (t *HTTPPlanTransport) RequestPlan(ctx context.Context, req PlanRequest) (PlanResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return PlanResponse{}, fmt.Errorf("failed to marshal plan request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint+"/plan", bytes.NewReader(body))
	if err != nil {
		return PlanResponse{}, fmt.Errorf("failed to create plan request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return PlanResponse{}, fmt.Errorf("plan request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return PlanResponse{}, fmt.Errorf("planner returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	var out PlanResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return PlanResponse{}, fmt.Errorf("failed to decode plan response: %w", err)
	}
	return out, nil
}

// Requester is the request/reply part of a NATS connection.
type Requester interface {
	RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error)
}

var _ Requester = (*nats.Conn)(nil)

// NATSPlanTransport sends plan requests over NATS request/reply.
type NATSPlanTransport struct {
	conn    Requester
	subject string
}

// NewNATSPlanTransport creates a transport publishing on subject.
func NewNATSPlanTransport(conn Requester, subject string) *NATSPlanTransport {
	return &NATSPlanTransport{conn: conn, subject: subject}
}

// DialNATS connects to a NATS server for planner traffic.
func DialNATS(url string, timeout time.Duration) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name("memnon-planner"),
		nats.Timeout(timeout),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("nats_disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats_reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return conn, nil
}

// Name implements PlanTransport.
func (t *NATSPlanTransport) Name() string { return "nats" }

// RequestPlan implements PlanTransport.
func (t *NATSPlanTransport) RequestPlan(ctx context.Context, req PlanRequest) (PlanResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return PlanResponse{}, fmt.Errorf("failed to marshal plan request: %w", err)
	}
	msg, err := t.conn.RequestWithContext(ctx, t.subject, body)
	if err != nil {
		return PlanResponse{}, fmt.Errorf("nats request on %s: %w", t.subject, err)
	}
	var out PlanResponse
	if err := json.Unmarshal(msg.Data, &out); err != nil {
		return PlanResponse{}, fmt.Errorf("failed to decode plan reply: %w", err)
	}
	return out, nil
}
