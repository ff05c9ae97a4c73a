// Package router owns the configured embedding models: their lifecycle,
// fusion weights and vector partitions.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Aman-CERP/memnon/internal/embed"
	merrors "github.com/Aman-CERP/memnon/internal/errors"
)

// DefaultLoadTimeout bounds one model load.
const DefaultLoadTimeout = 60 * time.Second

// weightTolerance is the allowed drift of a weight set from 1.0.
const weightTolerance = 1e-6

var partitionPattern = regexp.MustCompile(`^[a-z0-9_]{1,48}$`)

// ModelSpec configures one embedding model.
type ModelSpec struct {
	// ID is the model id used in plans, storage and diagnostics.
	ID string

	// Weight is the model's share of the vector signal, in (0, 1].
	Weight float64

	// Dimensions is the fixed output width.
	Dimensions int

	// Partition names the vector partition; defaults to "d<Dimensions>".
	Partition string

	// Embed selects and configures the backend.
	Embed embed.Spec
}

// State is a model's lifecycle state.
type State string

const (
	StateRegistered State = "registered"
	StateLoaded     State = "loaded"
	StateFailed     State = "failed"
	StateUnloaded   State = "unloaded"
)

// ModelStatus is a point-in-time view of one model.
type ModelStatus struct {
	ID         string  `json:"id"`
	Weight     float64 `json:"weight"`
	Dimensions int     `json:"dimensions"`
	Partition  string  `json:"partition"`
	Provider   string  `json:"provider"`
	State      State   `json:"state"`
	Error      string  `json:"error,omitempty"`
}

// Factory builds the embedder for a model.
type Factory func(spec embed.Spec) (embed.Embedder, error)

type model struct {
	// mu is write-locked while the embedder is swapped, which blocks
	// Encode for this model only.
	mu       sync.RWMutex
	embedder embed.Embedder
	loaded   atomic.Bool

	// reloading is set while mu is write-held for a reload, so Encode
	// waits for the new embedder instead of failing fast.
	reloading atomic.Bool

	// info guards the fields below; it is never held across backend calls.
	info    sync.Mutex
	spec    ModelSpec
	state   State
	lastErr error
}

func (m *model) snapshot() (ModelSpec, State, error) {
	m.info.Lock()
	defer m.info.Unlock()
	return m.spec, m.state, m.lastErr
}

func (m *model) setState(state State, err error) {
	m.info.Lock()
	m.state, m.lastErr = state, err
	m.info.Unlock()
}

// Router is the registry of embedding models. It is safe for concurrent use.
type Router struct {
	mu     sync.RWMutex
	order  []string
	models map[string]*model

	loads       singleflight.Group
	factory     Factory
	loadTimeout time.Duration
}

// Option configures a Router.
type Option func(*Router)

// WithFactory replaces the embedder factory (default embed.New).
func WithFactory(f Factory) Option {
	return func(r *Router) { r.factory = f }
}

// WithLoadTimeout sets the bound on one model load.
func WithLoadTimeout(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.loadTimeout = d
		}
	}
}

// New creates a router and registers specs in order. The weights of a
// non-empty spec set must sum to 1.
func New(specs []ModelSpec, opts ...Option) (*Router, error) {
	r := &Router{
		models:      make(map[string]*model),
		factory:     embed.New,
		loadTimeout: DefaultLoadTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}

	var total float64
	for _, s := range specs {
		if err := r.Register(s); err != nil {
			return nil, err
		}
		total += s.Weight
	}
	if len(specs) > 0 && math.Abs(total-1) > weightTolerance {
		return nil, merrors.New(merrors.ErrCodeMalformedWeights,
			fmt.Sprintf("model weights sum to %.6f, want 1.0", total), nil)
	}
	return r, nil
}

// Register adds a model. Nothing is loaded.
func (r *Router) Register(spec ModelSpec) error {
	if spec.ID == "" {
		return merrors.ConfigError("model id is required", nil)
	}
	if math.IsNaN(spec.Weight) || spec.Weight <= 0 || spec.Weight > 1 {
		return merrors.New(merrors.ErrCodeMalformedWeights,
			fmt.Sprintf("model %s: weight %v outside (0, 1]", spec.ID, spec.Weight), nil)
	}
	if spec.Dimensions <= 0 {
		return merrors.ConfigError(fmt.Sprintf("model %s: dimensions must be positive", spec.ID), nil)
	}
	if spec.Partition == "" {
		spec.Partition = fmt.Sprintf("d%d", spec.Dimensions)
	}
	if !partitionPattern.MatchString(spec.Partition) {
		return merrors.ConfigError(fmt.Sprintf("model %s: invalid partition name %q", spec.ID, spec.Partition), nil)
	}
	if spec.Embed.Model == "" {
		spec.Embed.Model = spec.ID
	}
	spec.Embed.Dimensions = spec.Dimensions

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.models[spec.ID]; exists {
		return merrors.ConfigError(fmt.Sprintf("duplicate model id %q", spec.ID), nil)
	}
	for _, other := range r.models {
		existing, _, _ := other.snapshot()
		if existing.Partition == spec.Partition && existing.Dimensions != spec.Dimensions {
			return merrors.ConfigError(fmt.Sprintf("partition %s holds %d-dimensional vectors; model %s has %d",
				spec.Partition, existing.Dimensions, spec.ID, spec.Dimensions), nil)
		}
	}

	r.models[spec.ID] = &model{spec: spec, state: StateRegistered}
	r.order = append(r.order, spec.ID)
	return nil
}

func (r *Router) lookup(modelID string) (*model, error) {
	r.mu.RLock()
	m, ok := r.models[modelID]
	r.mu.RUnlock()
	if !ok {
		return nil, merrors.New(merrors.ErrCodeUnknownModel, fmt.Sprintf("unknown model id %q", modelID), nil)
	}
	return m, nil
}

// Load initializes a model's embedder. It is idempotent: a loaded model
// returns immediately and concurrent callers share one load.
func (r *Router) Load(ctx context.Context, modelID string) error {
	m, err := r.lookup(modelID)
	if err != nil {
		return err
	}
	if m.loaded.Load() {
		return nil
	}

	_, err, shared := r.loads.Do(modelID, func() (any, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.embedder != nil {
			return nil, nil
		}
		return nil, r.loadLocked(ctx, m)
	})
	if shared {
		slog.Debug("model_load_shared", slog.String("model_id", modelID))
	}
	return err
}

// LoadAll loads every registered model concurrently. Failures leave the
// model unavailable and are returned keyed by model id.
func (r *Router) LoadAll(ctx context.Context) map[string]error {
	ids := r.IDs()
	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		failed = make(map[string]error)
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := r.Load(ctx, id); err != nil {
				mu.Lock()
				failed[id] = err
				mu.Unlock()
			}
		}(id)
	}
	wg.Wait()
	return failed
}

// loadLocked builds, checks and installs the embedder. m.mu must be held.
func (r *Router) loadLocked(ctx context.Context, m *model) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, r.loadTimeout)
	defer cancel()

	spec, _, _ := m.snapshot()
	e, err := r.factory(spec.Embed)
	if err != nil {
		m.setState(StateFailed, err)
		return err
	}
	if e.Dimensions() != spec.Dimensions {
		_ = e.Close()
		err := merrors.ConfigError(fmt.Sprintf("model %s: backend reports %d dimensions, configured %d",
			spec.ID, e.Dimensions(), spec.Dimensions), nil)
		m.setState(StateFailed, err)
		return err
	}
	if !e.Available(ctx) {
		_ = e.Close()
		cause := ctx.Err()
		if cause == nil {
			cause = fmt.Errorf("%s backend not available", spec.Embed.Provider)
		}
		err := merrors.ModelUnavailable(spec.ID, cause)
		m.setState(StateFailed, err)
		slog.Warn("model_load_failed",
			slog.String("model_id", spec.ID),
			slog.String("error", err.Error()))
		return err
	}

	m.embedder = e
	m.loaded.Store(true)
	m.setState(StateLoaded, nil)
	slog.Info("model_loaded",
		slog.String("model_id", spec.ID),
		slog.String("partition", spec.Partition),
		slog.Int("dimensions", spec.Dimensions),
		slog.Duration("duration", time.Since(start)))
	return nil
}

// Unload closes a model's embedder. Unloading an unloaded model is a no-op.
func (r *Router) Unload(modelID string) error {
	m, err := r.lookup(modelID)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return r.unloadLocked(m)
}

func (r *Router) unloadLocked(m *model) error {
	if m.embedder == nil {
		return nil
	}
	m.loaded.Store(false)
	err := m.embedder.Close()
	m.embedder = nil
	spec, _, _ := m.snapshot()
	m.setState(StateUnloaded, nil)
	slog.Info("model_unloaded", slog.String("model_id", spec.ID))
	return err
}

// Reload replaces a model's embedder. Encode calls for that model block
// until the reload completes; other models are unaffected.
func (r *Router) Reload(ctx context.Context, modelID string) error {
	m, err := r.lookup(modelID)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reloading.Store(true)
	defer m.reloading.Store(false)
	if err := r.unloadLocked(m); err != nil {
		slog.Warn("model_close_failed", slog.String("model_id", modelID), slog.String("error", err.Error()))
	}
	return r.loadLocked(ctx, m)
}

func normalizeSpec(spec ModelSpec) ModelSpec {
	if spec.Partition == "" {
		spec.Partition = fmt.Sprintf("d%d", spec.Dimensions)
	}
	if spec.Embed.Model == "" {
		spec.Embed.Model = spec.ID
	}
	spec.Embed.Dimensions = spec.Dimensions
	return spec
}

func checkReplace(cur, spec ModelSpec) error {
	if spec.Dimensions != cur.Dimensions || spec.Partition != cur.Partition {
		return merrors.ConfigError(fmt.Sprintf("model %s: dimensions and partition are fixed", spec.ID), nil)
	}
	if math.IsNaN(spec.Weight) || spec.Weight <= 0 || spec.Weight > 1 {
		return merrors.New(merrors.ErrCodeMalformedWeights,
			fmt.Sprintf("model %s: weight %v outside (0, 1]", spec.ID, spec.Weight), nil)
	}
	return nil
}

// CheckReplace reports whether Replace would accept spec, without changing
// anything.
func (r *Router) CheckReplace(spec ModelSpec) error {
	m, err := r.lookup(spec.ID)
	if err != nil {
		return err
	}
	cur, _, _ := m.snapshot()
	return checkReplace(cur, normalizeSpec(spec))
}

// Replace swaps a registered model's spec and reloads it. The partition
// and dimensionality of a model cannot change.
func (r *Router) Replace(ctx context.Context, spec ModelSpec) error {
	m, err := r.lookup(spec.ID)
	if err != nil {
		return err
	}
	spec = normalizeSpec(spec)

	m.mu.Lock()
	defer m.mu.Unlock()
	cur, _, _ := m.snapshot()
	if err := checkReplace(cur, spec); err != nil {
		return err
	}
	wasLoaded := m.embedder != nil
	m.info.Lock()
	m.spec = spec
	m.info.Unlock()
	if !wasLoaded {
		return nil
	}
	m.reloading.Store(true)
	defer m.reloading.Store(false)
	_ = r.unloadLocked(m)
	return r.loadLocked(ctx, m)
}

// Encode embeds text with one model. A model that is not loaded, has
// failed, or does not answer in time yields ERR_302_MODEL_UNAVAILABLE.
func (r *Router) Encode(ctx context.Context, text string, modelID string) ([]float32, error) {
	out, err := r.EncodeBatch(ctx, []string{text}, modelID)
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// EncodeBatch embeds texts with one model, in input order.
func (r *Router) EncodeBatch(ctx context.Context, texts []string, modelID string) ([][]float32, error) {
	m, err := r.lookup(modelID)
	if err != nil {
		return nil, err
	}

	unavailable := func() error {
		spec, state, cause := m.snapshot()
		if cause == nil {
			cause = fmt.Errorf("model %s is %s", spec.ID, state)
		}
		return merrors.ModelUnavailable(modelID, cause)
	}
	// A model that is not loaded fails fast without waiting on an
	// in-flight load. A reload in progress is waited for.
	if !m.loaded.Load() && !m.reloading.Load() {
		return nil, unavailable()
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.embedder == nil {
		return nil, unavailable()
	}
	spec, _, _ := m.snapshot()

	vecs, err := m.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		if merrors.GetCategory(err) == merrors.CategoryIntegrity {
			return nil, err
		}
		return nil, merrors.ModelUnavailable(modelID, err)
	}
	for _, v := range vecs {
		if len(v) != spec.Dimensions {
			return nil, merrors.IntegrityError(merrors.ErrCodeDimensionMismatch,
				fmt.Sprintf("model %s produced %d dimensions, configured %d", modelID, len(v), spec.Dimensions))
		}
	}
	return vecs, nil
}

// Similarity scores candidates against query by cosine similarity in
// [-1, 1]. Every vector must have the model's dimensionality.
func (r *Router) Similarity(query []float32, candidates [][]float32, modelID string) ([]float64, error) {
	m, err := r.lookup(modelID)
	if err != nil {
		return nil, err
	}
	spec, _, _ := m.snapshot()
	dims := spec.Dimensions

	if len(query) != dims {
		return nil, merrors.IntegrityError(merrors.ErrCodeDimensionMismatch,
			fmt.Sprintf("query vector has %d dimensions, model %s expects %d", len(query), modelID, dims))
	}
	scores := make([]float64, len(candidates))
	for i, c := range candidates {
		if len(c) != dims {
			return nil, merrors.IntegrityError(merrors.ErrCodeDimensionMismatch,
				fmt.Sprintf("candidate %d has %d dimensions, model %s expects %d", i, len(c), modelID, dims))
		}
		scores[i] = Cosine(query, c)
	}
	return scores, nil
}

// Cosine returns the cosine similarity of equal-length vectors, 0 when
// either is zero.
func Cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// ActiveWeights keeps the registered models listed in available and
// rescales their weights proportionally to sum to 1. Registered models not
// in available are returned as skipped, in registration order.
func (r *Router) ActiveWeights(available []string) (map[string]float64, []string) {
	avail := make(map[string]struct{}, len(available))
	for _, id := range available {
		avail[id] = struct{}{}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	active := make(map[string]float64)
	var skipped []string
	var total float64
	for _, id := range r.order {
		if _, ok := avail[id]; !ok {
			skipped = append(skipped, id)
			continue
		}
		spec, _, _ := r.models[id].snapshot()
		w := spec.Weight
		active[id] = w
		total += w
	}
	for id, w := range active {
		active[id] = w / total
	}
	return active, skipped
}

// Available returns the ids of loaded models in registration order.
func (r *Router) Available() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for _, id := range r.order {
		if r.models[id].loaded.Load() {
			ids = append(ids, id)
		}
	}
	return ids
}

// IDs returns every registered model id in registration order.
func (r *Router) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Partition returns the vector partition of a model.
func (r *Router) Partition(modelID string) (string, error) {
	m, err := r.lookup(modelID)
	if err != nil {
		return "", err
	}
	spec, _, _ := m.snapshot()
	return spec.Partition, nil
}

// Spec returns a model's current spec.
func (r *Router) Spec(modelID string) (ModelSpec, error) {
	m, err := r.lookup(modelID)
	if err != nil {
		return ModelSpec{}, err
	}
	spec, _, _ := m.snapshot()
	return spec, nil
}

// Status reports every model in registration order.
func (r *Router) Status() []ModelStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ModelStatus, 0, len(r.order))
	for _, id := range r.order {
		spec, state, lastErr := r.models[id].snapshot()
		st := ModelStatus{
			ID:         id,
			Weight:     spec.Weight,
			Dimensions: spec.Dimensions,
			Partition:  spec.Partition,
			Provider:   string(spec.Embed.Provider),
			State:      state,
		}
		if lastErr != nil {
			st.Error = lastErr.Error()
		}
		out = append(out, st)
	}
	return out
}

// Close unloads every model.
func (r *Router) Close() error {
	var firstErr error
	for _, id := range r.IDs() {
		if err := r.Unload(id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
