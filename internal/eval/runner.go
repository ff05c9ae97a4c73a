package eval

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	merrors "github.com/Aman-CERP/memnon/internal/errors"
	"github.com/Aman-CERP/memnon/internal/search"
	"github.com/Aman-CERP/memnon/internal/store"
)

// DefaultDepth is the number of results requested per query; P@10 needs
// at least ten.
const DefaultDepth = 10

// Searcher runs one retrieval request.
type Searcher interface {
	Search(ctx context.Context, req search.Request) (*search.Response, error)
}

// QueryOutcome is the scored result of one query.
type QueryOutcome struct {
	Query   store.EvalQuery    `json:"query"`
	Metrics store.QueryMetrics `json:"metrics"`
	Ranked  []int64            `json:"ranked"`
	Error   string             `json:"error,omitempty"`
}

// Summary aggregates a run. Means are over queries that ran; failed
// queries are listed in Outcomes with their error.
type Summary struct {
	RunID     string         `json:"run_id"`
	Queries   int            `json:"queries"`
	Failed    int            `json:"failed"`
	MeanPAt5  float64        `json:"mean_p_at_5"`
	MeanPAt10 float64        `json:"mean_p_at_10"`
	MRR       float64        `json:"mrr"`
	MeanBPref float64        `json:"mean_bpref"`
	Duration  time.Duration  `json:"duration_ns"`
	Outcomes  []QueryOutcome `json:"outcomes"`
}

// Runner executes evaluation queries through a Searcher and records the
// run, its ranked results and per-query metrics.
type Runner struct {
	searcher Searcher
	store    store.EvalStore
	depth    int
	newID    func() string
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithDepth sets the number of results requested per query.
func WithDepth(k int) RunnerOption {
	return func(r *Runner) {
		if k > 0 {
			r.depth = k
		}
	}
}

// NewRunner creates a Runner.
func NewRunner(s Searcher, es store.EvalStore, opts ...RunnerOption) *Runner {
	r := &Runner{searcher: s, store: es, depth: DefaultDepth, newID: uuid.NewString}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run evaluates queries. snapshot is the configuration in effect; it is
// stored with the run as JSON. A query whose search fails is recorded as
// failed and excluded from the means; a store failure aborts the run.
func (r *Runner) Run(ctx context.Context, snapshot any, queries []store.EvalQuery) (*Summary, error) {
	start := time.Now()
	cfg, err := json.Marshal(snapshot)
	if err != nil {
		return nil, merrors.InternalError("failed to encode run configuration", err)
	}

	run := store.Run{ID: r.newID(), Config: cfg, CreatedAt: start}
	if err := r.store.PutRun(ctx, run); err != nil {
		return nil, err
	}
	slog.Info("eval_run_started", slog.String("run_id", run.ID), slog.Int("queries", len(queries)))

	sum := &Summary{RunID: run.ID, Queries: len(queries), Outcomes: make([]QueryOutcome, 0, len(queries))}
	for _, q := range queries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out, err := r.runQuery(ctx, run.ID, q)
		if err != nil {
			return nil, err
		}
		sum.Outcomes = append(sum.Outcomes, out)
		if out.Error != "" {
			sum.Failed++
			continue
		}
		sum.MeanPAt5 += out.Metrics.PAt5
		sum.MeanPAt10 += out.Metrics.PAt10
		sum.MRR += out.Metrics.MRR
		sum.MeanBPref += out.Metrics.BPref
	}

	if ran := sum.Queries - sum.Failed; ran > 0 {
		n := float64(ran)
		sum.MeanPAt5 /= n
		sum.MeanPAt10 /= n
		sum.MRR /= n
		sum.MeanBPref /= n
	}
	sum.Duration = time.Since(start)

	slog.Info("eval_run_completed",
		slog.String("run_id", run.ID),
		slog.Int("failed", sum.Failed),
		slog.Float64("mrr", sum.MRR),
		slog.Float64("mean_bpref", sum.MeanBPref),
		slog.Duration("duration", sum.Duration))
	return sum, nil
}

func (r *Runner) runQuery(ctx context.Context, runID string, q store.EvalQuery) (QueryOutcome, error) {
	out := QueryOutcome{Query: q, Ranked: []int64{}}

	judged, err := r.store.ListJudgments(ctx, q.ID)
	if err != nil {
		return out, err
	}
	j := make(Judgments, len(judged))
	for _, jd := range judged {
		j[jd.Position] = jd.Relevance
	}

	resp, err := r.searcher.Search(ctx, search.Request{
		Query:     q.Text,
		Anchor:    q.Anchor,
		QueryType: q.Category,
		K:         r.depth,
	})
	if err != nil {
		// The store being down fails every later query too.
		if merrors.GetCode(err) == merrors.ErrCodeStoreUnavailable {
			return out, err
		}
		slog.Warn("eval_query_failed",
			slog.Int64("query_id", q.ID),
			slog.String("error", err.Error()))
		out.Error = err.Error()
		return out, nil
	}

	results := make([]store.RunResult, 0, len(resp.Results))
	for i, res := range resp.Results {
		out.Ranked = append(out.Ranked, res.Position)
		results = append(results, store.RunResult{
			RunID: runID, QueryID: q.ID, Position: res.Position, Rank: i + 1, Score: res.Score,
		})
	}
	if err := r.store.PutRunResults(ctx, results); err != nil {
		return out, err
	}

	out.Metrics = store.QueryMetrics{
		RunID:   runID,
		QueryID: q.ID,
		PAt5:    PrecisionAt(out.Ranked, j, 5),
		PAt10:   PrecisionAt(out.Ranked, j, 10),
		MRR:     ReciprocalRank(out.Ranked, j),
		BPref:   BPref(out.Ranked, j),
	}
	if err := r.store.PutQueryMetrics(ctx, out.Metrics); err != nil {
		return out, err
	}
	return out, nil
}
