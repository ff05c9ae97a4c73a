// Package app assembles a running MEMNON core from configuration: the store,
// the model router and every index, the retrieval engine and the ingest
// committer.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/Aman-CERP/memnon/internal/config"
	"github.com/Aman-CERP/memnon/internal/crossref"
	merrors "github.com/Aman-CERP/memnon/internal/errors"
	"github.com/Aman-CERP/memnon/internal/ingest"
	"github.com/Aman-CERP/memnon/internal/router"
	"github.com/Aman-CERP/memnon/internal/search"
	"github.com/Aman-CERP/memnon/internal/store"
	"github.com/Aman-CERP/memnon/internal/telemetry"
)

// StoreFileName is the SQLite database inside the data directory.
const StoreFileName = "memnon.db"

// lexicalBatch is the number of chunks indexed per call when rebuilding
// the lexical index from the store.
const lexicalBatch = 512

// App is an assembled core. Fields are set by Open and never replaced;
// Apply changes their configuration in place.
type App struct {
	Store     *store.SQLStore
	Router    *router.Router
	Vectors   *store.VectorPartitions
	Lexical   store.LexicalIndex
	Links     *crossref.Index
	Registry  *crossref.Registry
	Engine    *search.Engine
	Committer *ingest.Committer
	Metrics   *telemetry.Metrics

	mu  sync.RWMutex
	cfg *config.Config

	reranker search.Reranker
	nats     *nats.Conn
}

// Option configures Open.
type Option func(*options)

type options struct {
	router []router.Option
}

// WithRouterOptions passes options to the model router, e.g. a custom
// embedder factory.
func WithRouterOptions(opts ...router.Option) Option {
	return func(o *options) { o.router = append(o.router, opts...) }
}

// Open builds a core from cfg. Models that fail to load are logged and
// left out of the available set; everything else failing is fatal.
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{cfg: cfg, Metrics: telemetry.NewMetrics()}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close()
		}
	}()

	if err := a.openStore(ctx, cfg.Store); err != nil {
		return nil, err
	}

	r, err := router.New(cfg.ModelSpecs(), o.router...)
	if err != nil {
		return nil, err
	}
	a.Router = r
	for id, err := range r.LoadAll(ctx) {
		slog.Warn("model_load_failed", append([]any{slog.String("model_id", id)}, merrors.LogAttrs(err)...)...)
	}

	if err := a.openVectors(ctx); err != nil {
		return nil, err
	}
	if err := a.openLexical(ctx, cfg); err != nil {
		return nil, err
	}

	a.Registry = crossref.NewRegistry()
	if err := a.Registry.Load(ctx, a.Store); err != nil {
		return nil, err
	}
	a.Links = crossref.New(crossref.WithSink(a.Store))
	skipped, err := a.Links.Load(ctx, a.Store)
	if err != nil {
		return nil, err
	}
	if skipped > 0 {
		slog.Warn("crossrefs_skipped", slog.Int("count", skipped))
	}

	engineOpts := []search.EngineOption{
		search.WithCrossRefs(a.Links),
		search.WithMetrics(a.Metrics),
	}
	planner, err := a.newPlanner(cfg.Planner)
	if err != nil {
		return nil, err
	}
	engineOpts = append(engineOpts, search.WithPlanner(planner))
	if wr := a.newReranker(ctx, cfg.Rerank); wr != nil {
		engineOpts = append(engineOpts, search.WithReranker(wr))
	}

	classifier := search.NewClassifier(a.Registry, cfg.Search.ClassifierCache)
	hybrid := search.NewHybrid(a.Router, a.Vectors, a.Lexical, a.Links)
	engine, err := search.NewEngine(classifier, hybrid, a.Store, cfg.Params(), a.Router.IDs, engineOpts...)
	if err != nil {
		return nil, err
	}
	a.Engine = engine

	committer, err := ingest.NewCommitter(ingest.Dependencies{
		Store:    a.Store,
		Models:   a.Router,
		Vectors:  a.Vectors,
		Lexical:  a.Lexical,
		Links:    a.Links,
		Entities: a.Registry,
	})
	if err != nil {
		return nil, err
	}
	a.Committer = committer

	ok = true
	slog.Info("core_opened",
		slog.String("store", cfg.Store.Driver),
		slog.Any("models", a.Router.Available()),
		slog.String("lexical", cfg.Search.LexicalBackend),
		slog.String("planner", cfg.Planner.Kind))
	return a, nil
}

func (a *App) openStore(ctx context.Context, sc config.StoreConfig) error {
	dsn := sc.DSN
	if sc.Driver == string(store.DialectSQLite) && dsn == "" {
		if err := os.MkdirAll(sc.DataDir, 0o755); err != nil {
			return merrors.StoreUnavailable(fmt.Sprintf("create data directory %s", sc.DataDir), err)
		}
		dsn = filepath.Join(sc.DataDir, StoreFileName)
	}
	st, err := store.Open(ctx, sc.Driver, dsn)
	if err != nil {
		return err
	}
	a.Store = st
	return nil
}

// openVectors creates a partition per model and loads its stored vectors.
func (a *App) openVectors(ctx context.Context) error {
	a.Vectors = store.NewVectorPartitions(store.HNSWConfig{})
	for _, id := range a.Router.IDs() {
		spec, err := a.Router.Spec(id)
		if err != nil {
			return err
		}
		if err := a.Store.EnsurePartition(ctx, spec.Partition, spec.Dimensions); err != nil {
			return err
		}
		if _, err := a.Vectors.Ensure(spec.Partition, spec.Dimensions); err != nil {
			return merrors.New(merrors.ErrCodeDimensionMismatch, err.Error(), err)
		}
		n, err := a.Vectors.Load(ctx, a.Store, spec.Partition, id, spec.Dimensions)
		if err != nil {
			return err
		}
		slog.Debug("vectors_loaded", slog.String("model_id", id), slog.String("partition", spec.Partition), slog.Int("count", n))
	}
	return nil
}

// openLexical opens the configured backend and re-indexes the corpus when
// the index is behind the store.
func (a *App) openLexical(ctx context.Context, cfg *config.Config) error {
	var dir string
	if cfg.Search.LexicalBackend != string(store.LexicalBackendIDF) {
		dir = cfg.Store.DataDir
	}
	lex, err := store.NewLexicalIndex(cfg.Search.LexicalBackend, dir, store.DefaultLexicalConfig())
	if err != nil {
		return merrors.ConfigError("open lexical index", err)
	}
	a.Lexical = lex

	rng, err := a.Store.Range(ctx)
	if err != nil {
		return err
	}
	if int64(lex.Count()) >= rng.Count {
		return nil
	}

	batch := make([]store.LexicalDocument, 0, lexicalBatch)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := lex.Index(ctx, batch)
		batch = batch[:0]
		return err
	}
	err = a.Store.ListChunks(ctx, func(c store.Chunk) error {
		batch = append(batch, store.LexicalDocument{Position: c.Position, Content: c.Text})
		if len(batch) == lexicalBatch {
			return flush()
		}
		return nil
	})
	if err == nil {
		err = flush()
	}
	if err != nil {
		return merrors.Wrap(merrors.ErrCodeStoreWrite, err)
	}
	slog.Info("lexical_rebuilt", slog.String("backend", cfg.Search.LexicalBackend), slog.Int("count", lex.Count()))
	return nil
}

// newPlanner returns nil for the local planner, which the engine installs
// by default.
func (a *App) newPlanner(pc config.PlannerConfig) (search.Planner, error) {
	switch pc.Kind {
	case "http":
		return search.NewRemotePlanner(search.NewHTTPPlanTransport(pc.Endpoint), pc.Timeout, a.Router.IDs), nil
	case "nats":
		conn, err := search.DialNATS(pc.NATSURL, pc.Timeout)
		if err != nil {
			return nil, merrors.New(merrors.ErrCodeConfigInvalid, "connect planner bus", err).
				WithSuggestion("Check planner.nats_url or switch planner.kind to local")
		}
		a.nats = conn
		return search.NewRemotePlanner(search.NewNATSPlanTransport(conn, pc.Subject), pc.Timeout, a.Router.IDs), nil
	default:
		return nil, nil
	}
}

// newReranker returns nil when reranking is off or the cross-encoder is
// unreachable at startup.
func (a *App) newReranker(ctx context.Context, rc config.RerankConfig) *search.WindowReranker {
	if rc.Endpoint == "" {
		return nil
	}
	scorer, err := search.NewHTTPReranker(ctx, search.CrossEncoderConfig{
		Endpoint: rc.Endpoint,
		Model:    rc.Model,
		Timeout:  rc.Timeout,
	})
	if err != nil {
		slog.Warn("reranker_unavailable", slog.String("endpoint", rc.Endpoint), slog.String("error", err.Error()))
		return nil
	}
	a.reranker = scorer
	return search.NewWindowReranker(scorer, rc.Batch, rc.Timeout, search.WithRateLimit(rc.RateLimit, rc.Burst))
}

// Config returns the configuration currently applied.
func (a *App) Config() *config.Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg
}

// Search runs one retrieval request.
func (a *App) Search(ctx context.Context, req search.Request) (*search.Response, error) {
	return a.Engine.Search(ctx, req)
}

// Close releases every component. It is safe on a partially opened App.
func (a *App) Close() error {
	var errs []error
	if a.reranker != nil {
		errs = append(errs, a.reranker.Close())
	}
	if a.nats != nil {
		a.nats.Close()
	}
	if a.Lexical != nil {
		errs = append(errs, a.Lexical.Close())
	}
	if a.Vectors != nil {
		errs = append(errs, a.Vectors.Close())
	}
	if a.Router != nil {
		errs = append(errs, a.Router.Close())
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// Chunk returns the committed chunk at position.
func (a *App) Chunk(ctx context.Context, position int64) (store.Chunk, error) {
	got, err := a.Store.GetChunks(ctx, []int64{position})
	if err != nil {
		return store.Chunk{}, err
	}
	c, ok := got[position]
	if !ok {
		return store.Chunk{}, merrors.New(merrors.ErrCodeNotFound, fmt.Sprintf("no chunk at position %d", position), nil)
	}
	return c, nil
}

// Commit appends one chunk through the committer.
func (a *App) Commit(ctx context.Context, chunk store.Chunk, meta *store.ChunkMetadata, relations ...ingest.Relation) (ingest.CommitResult, error) {
	return a.Committer.Commit(ctx, chunk, meta, relations...)
}
