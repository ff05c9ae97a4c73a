package app

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"

	"github.com/Aman-CERP/memnon/internal/config"
	"github.com/Aman-CERP/memnon/internal/crossref"
	merrors "github.com/Aman-CERP/memnon/internal/errors"
	"github.com/Aman-CERP/memnon/internal/router"
	"github.com/Aman-CERP/memnon/internal/store"
	"github.com/Aman-CERP/memnon/internal/telemetry"
	"github.com/Aman-CERP/memnon/pkg/version"
)

// Apply installs a reloaded configuration. Search parameters and model
// settings change in place; adding or removing models, or changing the
// store, lexical backend, planner or reranker, needs a restart and is
// logged. A rejected config leaves the running one untouched: every change
// is checked before any is made, and models already swapped are restored
// if a later one fails to load.
func (a *App) Apply(ctx context.Context, next *config.Config) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	cur := a.cfg

	oldIDs := modelIDs(cur.Models)
	newIDs := modelIDs(next.Models)
	if !slices.Equal(oldIDs, newIDs) {
		return merrors.ConfigError(
			fmt.Sprintf("model set changed from %v to %v", oldIDs, newIDs), nil).
			WithSuggestion("Restart memnon to add or remove models")
	}

	params := next.Params()
	if err := params.Validate(); err != nil {
		return err
	}

	var (
		changed []int
		total   float64
	)
	for i, m := range next.Models {
		total += m.Weight
		if m == cur.Models[i] {
			continue
		}
		if err := a.Router.CheckReplace(m.Spec()); err != nil {
			return err
		}
		changed = append(changed, i)
	}
	if math.Abs(total-1) > weightTolerance {
		return merrors.New(merrors.ErrCodeMalformedWeights,
			fmt.Sprintf("model weights sum to %.6f, want 1.0", total), nil)
	}

	loaded := a.Router.Available()
	for n, i := range changed {
		m := next.Models[i]
		if err := a.Router.Replace(ctx, m.Spec()); err != nil {
			a.restoreModels(ctx, cur, changed[:n+1], loaded)
			return err
		}
		slog.Info("model_replaced", slog.String("model_id", m.ID))
	}

	if err := a.Engine.SetParams(params); err != nil {
		a.restoreModels(ctx, cur, changed, loaded)
		return err
	}

	for _, section := range restartSections(cur, next) {
		slog.Warn("config_change_requires_restart", slog.String("section", section))
	}
	a.cfg = next
	return nil
}

// weightTolerance is the allowed drift of the model weights from 1.0.
const weightTolerance = 1e-6

// restoreModels puts back the specs of cur for the given model indexes and
// reloads those that were loaded before.
func (a *App) restoreModels(ctx context.Context, cur *config.Config, indexes []int, loaded []string) {
	for _, i := range indexes {
		m := cur.Models[i]
		err := a.Router.Replace(ctx, m.Spec())
		if err == nil && slices.Contains(loaded, m.ID) {
			err = a.Router.Load(ctx, m.ID)
		}
		if err != nil {
			slog.Error("model_restore_failed",
				slog.String("model_id", m.ID),
				slog.String("error", err.Error()))
			continue
		}
		slog.Info("model_restored", slog.String("model_id", m.ID))
	}
}

func modelIDs(models []config.ModelConfig) []string {
	ids := make([]string, len(models))
	for i, m := range models {
		ids[i] = m.ID
	}
	return ids
}

func restartSections(cur, next *config.Config) []string {
	var out []string
	if cur.Store != next.Store {
		out = append(out, "store")
	}
	if cur.Search.LexicalBackend != next.Search.LexicalBackend {
		out = append(out, "search.lexical_backend")
	}
	if cur.Planner != next.Planner {
		out = append(out, "planner")
	}
	if cur.Rerank != next.Rerank {
		out = append(out, "rerank")
	}
	if cur.Server != next.Server {
		out = append(out, "server")
	}
	return out
}

// Status is a point-in-time report of the core.
type Status struct {
	Version    string               `json:"version"`
	Corpus     store.PositionRange  `json:"corpus"`
	Models     []router.ModelStatus `json:"models"`
	Partitions []string             `json:"partitions"`
	Lexical    LexicalStatus        `json:"lexical"`
	CrossRefs  crossref.Stats       `json:"cross_references"`
	Entities   int                  `json:"entities"`
	Queries    telemetry.Snapshot   `json:"queries"`
}

// LexicalStatus describes the lexical index.
type LexicalStatus struct {
	Backend string `json:"backend"`
	Count   int    `json:"count"`
}

// Status reports the corpus span, model states and index sizes.
func (a *App) Status(ctx context.Context) (*Status, error) {
	rng, err := a.Store.Range(ctx)
	if err != nil {
		return nil, err
	}
	return &Status{
		Version:    version.Version,
		Corpus:     rng,
		Models:     a.Router.Status(),
		Partitions: a.Vectors.Names(),
		Lexical:    LexicalStatus{Backend: a.Config().Search.LexicalBackend, Count: a.Lexical.Count()},
		CrossRefs:  a.Links.Stats(),
		Entities:   len(a.Registry.Entities()),
		Queries:    a.Metrics.Snapshot(),
	}, nil
}
