package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	merrors "github.com/Aman-CERP/memnon/internal/errors"
)

// Dialect selects SQL syntax differences between backends.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

var partitionName = regexp.MustCompile(`^[a-z0-9_]{1,48}$`)

// SQLStore is the relational backing store. It implements ChunkReader,
// ChunkWriter and EvalStore over database/sql for SQLite and PostgreSQL.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect

	mu         sync.RWMutex
	partitions map[string]int // partition -> dimensionality
}

var (
	_ ChunkReader = (*SQLStore)(nil)
	_ ChunkWriter = (*SQLStore)(nil)
	_ EvalStore   = (*SQLStore)(nil)
)

// NewSQLStore wraps an open database. It does not create tables; call
// Migrate for that.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect, partitions: make(map[string]int)}
}

// OpenSQLite opens (or creates) a SQLite store and its base tables.
// Use ":memory:" for a private in-memory database.
func OpenSQLite(ctx context.Context, path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, merrors.StoreUnavailable("open sqlite store", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := applyPragmas(db, path != ":memory:" && path != ""); err != nil {
		_ = db.Close()
		return nil, merrors.StoreUnavailable("configure sqlite store", err)
	}

	s := NewSQLStore(db, DialectSQLite)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying handle.
func (s *SQLStore) DB() *sql.DB { return s.db }

// Dialect returns the SQL dialect in use.
func (s *SQLStore) Dialect() Dialect { return s.dialect }

// Close closes the database.
func (s *SQLStore) Close() error { return s.db.Close() }

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) blobType() string {
	if s.dialect == DialectPostgres {
		return "BYTEA"
	}
	return "BLOB"
}

func (s *SQLStore) serialPK() string {
	if s.dialect == DialectPostgres {
		return "BIGSERIAL PRIMARY KEY"
	}
	return "INTEGER PRIMARY KEY AUTOINCREMENT"
}

// Migrate creates the base tables if they do not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chunks (
			position BIGINT PRIMARY KEY CHECK (position >= 0),
			text TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS chunk_metadata (
			position BIGINT PRIMARY KEY REFERENCES chunks(position),
			arc_position TEXT NOT NULL DEFAULT '',
			time_delta_ms BIGINT NOT NULL DEFAULT 0,
			entities TEXT NOT NULL DEFAULT '[]',
			themes TEXT NOT NULL DEFAULT '[]'
		)`,
		`CREATE TABLE IF NOT EXISTS entities (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			name TEXT NOT NULL,
			aliases TEXT NOT NULL DEFAULT '[]',
			attributes TEXT NOT NULL DEFAULT '{}'
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS cross_references (
			id %s,
			entity_id TEXT NOT NULL,
			chunk_position BIGINT NOT NULL,
			target_entity_id TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL
		)`, s.serialPK()),
		`CREATE INDEX IF NOT EXISTS idx_xref_entity ON cross_references(entity_id)`,
		`CREATE INDEX IF NOT EXISTS idx_xref_chunk ON cross_references(chunk_position)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS queries (
			id %s,
			text TEXT NOT NULL,
			category TEXT NOT NULL DEFAULT '',
			anchor BIGINT NOT NULL
		)`, s.serialPK()),
		`CREATE TABLE IF NOT EXISTS judgments (
			query_id BIGINT NOT NULL,
			chunk_position BIGINT NOT NULL,
			relevance INTEGER NOT NULL CHECK (relevance BETWEEN 0 AND 3),
			PRIMARY KEY (query_id, chunk_position)
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			config TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS results (
			run_id TEXT NOT NULL,
			query_id BIGINT NOT NULL,
			chunk_position BIGINT NOT NULL,
			rank INTEGER NOT NULL,
			score DOUBLE PRECISION NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS metrics (
			run_id TEXT NOT NULL,
			query_id BIGINT NOT NULL,
			p_at_5 DOUBLE PRECISION NOT NULL,
			p_at_10 DOUBLE PRECISION NOT NULL,
			mrr DOUBLE PRECISION NOT NULL,
			bpref DOUBLE PRECISION NOT NULL,
			PRIMARY KEY (run_id, query_id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return merrors.StoreUnavailable("create schema", err)
		}
	}
	return nil
}

// EnsurePartition creates the embedding table for a dimension partition.
// Every vector in it must have exactly dims components.
func (s *SQLStore) EnsurePartition(ctx context.Context, partition string, dims int) error {
	if !partitionName.MatchString(partition) {
		return merrors.ConfigError(fmt.Sprintf("invalid partition name %q", partition), nil)
	}
	if dims <= 0 {
		return merrors.ConfigError(fmt.Sprintf("partition %s: dimensions must be positive", partition), nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.partitions[partition]; ok {
		if existing != dims {
			return merrors.ConfigError(fmt.Sprintf("partition %s already holds %d-dimensional vectors, not %d", partition, existing, dims), nil)
		}
		return nil
	}

	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS chunk_embeddings_%s (
		position BIGINT NOT NULL REFERENCES chunks(position),
		model_id TEXT NOT NULL,
		dimensionality INTEGER NOT NULL CHECK (dimensionality = %d),
		vector %s NOT NULL,
		created_at BIGINT NOT NULL,
		PRIMARY KEY (position, model_id)
	)`, partition, dims, s.blobType())
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return merrors.StoreUnavailable("create partition "+partition, err)
	}
	s.partitions[partition] = dims
	return nil
}

// storeErr maps a driver error to the typed store error. Caller
// cancellation passes through unchanged.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return merrors.StoreUnavailable(op, err)
}

func writeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if stderrors.Is(err, sql.ErrConnDone) || strings.Contains(err.Error(), "database is closed") {
		return merrors.StoreUnavailable(op, err)
	}
	return merrors.New(merrors.ErrCodeStoreWrite, op, err)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func int64Args(vals []int64) []any {
	args := make([]any, len(vals))
	for i, v := range vals {
		args[i] = v
	}
	return args
}

// GetChunks returns chunks by position.
func (s *SQLStore) GetChunks(ctx context.Context, positions []int64) (map[int64]Chunk, error) {
	out := make(map[int64]Chunk, len(positions))
	if len(positions) == 0 {
		return out, nil
	}

	q := s.rebind(`SELECT position, text, created_at FROM chunks WHERE position IN (` + placeholders(len(positions)) + `)`)
	rows, err := s.db.QueryContext(ctx, q, int64Args(positions)...)
	if err != nil {
		return nil, storeErr("get chunks", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			c  Chunk
			ts int64
		)
		if err := rows.Scan(&c.Position, &c.Text, &ts); err != nil {
			return nil, storeErr("scan chunk", err)
		}
		c.CreatedAt = time.UnixMilli(ts).UTC()
		out[c.Position] = c
	}
	return out, storeErr("iterate chunks", rows.Err())
}

// GetMetadata returns chunk metadata by position.
func (s *SQLStore) GetMetadata(ctx context.Context, positions []int64) (map[int64]ChunkMetadata, error) {
	out := make(map[int64]ChunkMetadata, len(positions))
	if len(positions) == 0 {
		return out, nil
	}

	q := s.rebind(`SELECT position, arc_position, time_delta_ms, entities, themes FROM chunk_metadata WHERE position IN (` + placeholders(len(positions)) + `)`)
	rows, err := s.db.QueryContext(ctx, q, int64Args(positions)...)
	if err != nil {
		return nil, storeErr("get metadata", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			m                ChunkMetadata
			deltaMs          int64
			entities, themes string
		)
		if err := rows.Scan(&m.Position, &m.ArcPosition, &deltaMs, &entities, &themes); err != nil {
			return nil, storeErr("scan metadata", err)
		}
		m.TimeDelta = time.Duration(deltaMs) * time.Millisecond
		if err := json.Unmarshal([]byte(entities), &m.Entities); err != nil {
			slog.Warn("metadata_bad_entities", slog.Int64("position", m.Position), slog.String("error", err.Error()))
		}
		if err := json.Unmarshal([]byte(themes), &m.Themes); err != nil {
			slog.Warn("metadata_bad_themes", slog.Int64("position", m.Position), slog.String("error", err.Error()))
		}
		out[m.Position] = m
	}
	return out, storeErr("iterate metadata", rows.Err())
}

// Range returns the committed position span.
func (s *SQLStore) Range(ctx context.Context) (PositionRange, error) {
	var r PositionRange
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MIN(position), 0), COALESCE(MAX(position), 0), COUNT(*) FROM chunks`).
		Scan(&r.Min, &r.Max, &r.Count)
	if err != nil {
		return PositionRange{}, storeErr("read position range", err)
	}
	return r, nil
}

// ListChunks streams every chunk in position order.
func (s *SQLStore) ListChunks(ctx context.Context, fn func(Chunk) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT position, text, created_at FROM chunks ORDER BY position`)
	if err != nil {
		return storeErr("list chunks", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			c  Chunk
			ts int64
		)
		if err := rows.Scan(&c.Position, &c.Text, &ts); err != nil {
			return storeErr("scan chunk", err)
		}
		c.CreatedAt = time.UnixMilli(ts).UTC()
		if err := fn(c); err != nil {
			return err
		}
	}
	return storeErr("iterate chunks", rows.Err())
}

// ListEntities returns all entities ordered by id.
func (s *SQLStore) ListEntities(ctx context.Context) ([]Entity, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, kind, name, aliases, attributes FROM entities ORDER BY id`)
	if err != nil {
		return nil, storeErr("list entities", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Entity
	for rows.Next() {
		var (
			e                 Entity
			kind, aliases, at string
		)
		if err := rows.Scan(&e.ID, &kind, &e.Name, &aliases, &at); err != nil {
			return nil, storeErr("scan entity", err)
		}
		e.Kind = EntityKind(kind)
		_ = json.Unmarshal([]byte(aliases), &e.Aliases)
		_ = json.Unmarshal([]byte(at), &e.Attributes)
		out = append(out, e)
	}
	return out, storeErr("iterate entities", rows.Err())
}

// ListCrossReferences returns every recorded link in insertion order.
func (s *SQLStore) ListCrossReferences(ctx context.Context) ([]CrossReference, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entity_id, chunk_position, target_entity_id, role, created_at FROM cross_references ORDER BY id`)
	if err != nil {
		return nil, storeErr("list cross references", err)
	}
	defer func() { _ = rows.Close() }()

	var out []CrossReference
	for rows.Next() {
		var (
			r  CrossReference
			ts int64
		)
		if err := rows.Scan(&r.EntityID, &r.ChunkPosition, &r.TargetEntityID, &r.Role, &ts); err != nil {
			return nil, storeErr("scan cross reference", err)
		}
		r.CreatedAt = time.UnixMilli(ts).UTC()
		out = append(out, r)
	}
	return out, storeErr("iterate cross references", rows.Err())
}

// ListEmbeddings streams one model's vectors from a partition in position
// order. Rows whose stored vector does not match the declared
// dimensionality are logged and skipped.
func (s *SQLStore) ListEmbeddings(ctx context.Context, partition, modelID string, fn func(ChunkEmbedding) error) error {
	s.mu.RLock()
	_, ok := s.partitions[partition]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	q := s.rebind(fmt.Sprintf(
		`SELECT position, dimensionality, vector, created_at FROM chunk_embeddings_%s WHERE model_id = ? ORDER BY position`,
		partition))
	rows, err := s.db.QueryContext(ctx, q, modelID)
	if err != nil {
		return storeErr("list embeddings", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			e    ChunkEmbedding
			blob []byte
			ts   int64
		)
		if err := rows.Scan(&e.Position, &e.Dimensions, &blob, &ts); err != nil {
			return storeErr("scan embedding", err)
		}
		e.ModelID = modelID
		e.CreatedAt = time.UnixMilli(ts).UTC()
		e.Vector = DecodeVector(blob)
		if len(e.Vector) != e.Dimensions {
			slog.Warn("embedding_dimension_mismatch",
				slog.String("partition", partition),
				slog.String("model_id", modelID),
				slog.Int64("position", e.Position),
				slog.Int("declared", e.Dimensions),
				slog.Int("actual", len(e.Vector)))
			continue
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return storeErr("iterate embeddings", rows.Err())
}

// Ping checks the database is reachable.
func (s *SQLStore) Ping(ctx context.Context) error {
	return storeErr("ping store", s.db.PingContext(ctx))
}

// PutChunk inserts a chunk and, when given, its metadata in one transaction.
func (s *SQLStore) PutChunk(ctx context.Context, chunk Chunk, meta *ChunkMetadata) error {
	if chunk.Position < 0 {
		return merrors.IntegrityError(merrors.ErrCodeMalformedPosition,
			fmt.Sprintf("negative chunk position %d", chunk.Position))
	}
	if chunk.CreatedAt.IsZero() {
		chunk.CreatedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin chunk insert", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		s.rebind(`INSERT INTO chunks (position, text, created_at) VALUES (?, ?, ?)`),
		chunk.Position, chunk.Text, chunk.CreatedAt.UnixMilli()); err != nil {
		return writeErr(fmt.Sprintf("insert chunk %d", chunk.Position), err)
	}

	if meta != nil {
		entities, _ := json.Marshal(nonNil(meta.Entities))
		themes, _ := json.Marshal(nonNil(meta.Themes))
		if _, err := tx.ExecContext(ctx,
			s.rebind(`INSERT INTO chunk_metadata (position, arc_position, time_delta_ms, entities, themes) VALUES (?, ?, ?, ?, ?)`),
			chunk.Position, meta.ArcPosition, meta.TimeDelta.Milliseconds(), string(entities), string(themes)); err != nil {
			return writeErr(fmt.Sprintf("insert metadata %d", chunk.Position), err)
		}
	}

	return writeErr("commit chunk", tx.Commit())
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

// PutEmbedding stores a vector in its partition. The partition must have
// been created with EnsurePartition.
func (s *SQLStore) PutEmbedding(ctx context.Context, partition string, emb ChunkEmbedding) error {
	s.mu.RLock()
	dims, ok := s.partitions[partition]
	s.mu.RUnlock()
	if !ok {
		return merrors.ConfigError(fmt.Sprintf("unknown partition %q", partition), nil)
	}
	if len(emb.Vector) != dims || emb.Dimensions != dims {
		return merrors.IntegrityError(merrors.ErrCodeDimensionMismatch,
			fmt.Sprintf("partition %s expects %d dimensions, got %d", partition, dims, len(emb.Vector))).
			WithDetail("model_id", emb.ModelID)
	}
	if emb.CreatedAt.IsZero() {
		emb.CreatedAt = time.Now()
	}

	q := s.rebind(fmt.Sprintf(
		`INSERT INTO chunk_embeddings_%s (position, model_id, dimensionality, vector, created_at) VALUES (?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
		partition))
	_, err := s.db.ExecContext(ctx, q, emb.Position, emb.ModelID, dims, EncodeVector(emb.Vector), emb.CreatedAt.UnixMilli())
	return writeErr(fmt.Sprintf("insert embedding %d/%s", emb.Position, emb.ModelID), err)
}

// PutEntity inserts or replaces an entity.
func (s *SQLStore) PutEntity(ctx context.Context, e Entity) error {
	aliases, _ := json.Marshal(nonNil(e.Aliases))
	attrs := []byte("{}")
	if len(e.Attributes) > 0 {
		var err error
		if attrs, err = json.Marshal(e.Attributes); err != nil {
			return merrors.ValidationError("entity attributes are not JSON-encodable", err)
		}
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO entities (id, kind, name, aliases, attributes) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET kind = excluded.kind, name = excluded.name,
			aliases = excluded.aliases, attributes = excluded.attributes`),
		e.ID, string(e.Kind), e.Name, string(aliases), string(attrs))
	return writeErr("upsert entity "+e.ID, err)
}

// PutCrossReference appends a link.
func (s *SQLStore) PutCrossReference(ctx context.Context, r CrossReference) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO cross_references (entity_id, chunk_position, target_entity_id, role, created_at)
		VALUES (?, ?, ?, ?, ?)`),
		r.EntityID, r.ChunkPosition, r.TargetEntityID, r.Role, r.CreatedAt.UnixMilli())
	return writeErr("insert cross reference", err)
}

// PutEvalQuery inserts an evaluation query and returns its id.
func (s *SQLStore) PutEvalQuery(ctx context.Context, q EvalQuery) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		s.rebind(`INSERT INTO queries (text, category, anchor) VALUES (?, ?, ?) RETURNING id`),
		q.Text, q.Category, q.Anchor).Scan(&id)
	if err != nil {
		return 0, writeErr("insert eval query", err)
	}
	return id, nil
}

// PutJudgment inserts or updates a relevance label.
func (s *SQLStore) PutJudgment(ctx context.Context, j Judgment) error {
	if j.Relevance < 0 || j.Relevance > 3 {
		return merrors.ValidationError(fmt.Sprintf("relevance %d outside 0-3", j.Relevance), nil)
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO judgments (query_id, chunk_position, relevance) VALUES (?, ?, ?)
		ON CONFLICT (query_id, chunk_position) DO UPDATE SET relevance = excluded.relevance`),
		j.QueryID, j.Position, j.Relevance)
	return writeErr("upsert judgment", err)
}

// ListEvalQueries returns all evaluation queries ordered by id.
func (s *SQLStore) ListEvalQueries(ctx context.Context) ([]EvalQuery, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, text, category, anchor FROM queries ORDER BY id`)
	if err != nil {
		return nil, storeErr("list eval queries", err)
	}
	defer func() { _ = rows.Close() }()

	var out []EvalQuery
	for rows.Next() {
		var q EvalQuery
		if err := rows.Scan(&q.ID, &q.Text, &q.Category, &q.Anchor); err != nil {
			return nil, storeErr("scan eval query", err)
		}
		out = append(out, q)
	}
	return out, storeErr("iterate eval queries", rows.Err())
}

// ListJudgments returns the labels for one query.
func (s *SQLStore) ListJudgments(ctx context.Context, queryID int64) ([]Judgment, error) {
	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT query_id, chunk_position, relevance FROM judgments WHERE query_id = ? ORDER BY chunk_position`),
		queryID)
	if err != nil {
		return nil, storeErr("list judgments", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Judgment
	for rows.Next() {
		var j Judgment
		if err := rows.Scan(&j.QueryID, &j.Position, &j.Relevance); err != nil {
			return nil, storeErr("scan judgment", err)
		}
		out = append(out, j)
	}
	return out, storeErr("iterate judgments", rows.Err())
}

// PutRun records an evaluation run.
func (s *SQLStore) PutRun(ctx context.Context, run Run) error {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}
	cfg := string(run.Config)
	if cfg == "" {
		cfg = "{}"
	}
	_, err := s.db.ExecContext(ctx,
		s.rebind(`INSERT INTO runs (id, config, created_at) VALUES (?, ?, ?)`),
		run.ID, cfg, run.CreatedAt.UnixMilli())
	return writeErr("insert run", err)
}

// PutRunResults records the ranked results of a run in one transaction.
func (s *SQLStore) PutRunResults(ctx context.Context, results []RunResult) error {
	if len(results) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin results insert", err)
	}
	defer func() { _ = tx.Rollback() }()

	q := s.rebind(`INSERT INTO results (run_id, query_id, chunk_position, rank, score) VALUES (?, ?, ?, ?, ?)`)
	for _, r := range results {
		if _, err := tx.ExecContext(ctx, q, r.RunID, r.QueryID, r.Position, r.Rank, r.Score); err != nil {
			return writeErr("insert result", err)
		}
	}
	return writeErr("commit results", tx.Commit())
}

// PutQueryMetrics records the metrics for one (run, query).
func (s *SQLStore) PutQueryMetrics(ctx context.Context, m QueryMetrics) error {
	_, err := s.db.ExecContext(ctx,
		s.rebind(`INSERT INTO metrics (run_id, query_id, p_at_5, p_at_10, mrr, bpref) VALUES (?, ?, ?, ?, ?, ?)`),
		m.RunID, m.QueryID, m.PAt5, m.PAt10, m.MRR, m.BPref)
	return writeErr("insert metrics", err)
}

// ListQueryMetrics returns the metrics of a run ordered by query id.
func (s *SQLStore) ListQueryMetrics(ctx context.Context, runID string) ([]QueryMetrics, error) {
	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT run_id, query_id, p_at_5, p_at_10, mrr, bpref FROM metrics WHERE run_id = ? ORDER BY query_id`),
		runID)
	if err != nil {
		return nil, storeErr("list metrics", err)
	}
	defer func() { _ = rows.Close() }()

	var out []QueryMetrics
	for rows.Next() {
		var m QueryMetrics
		if err := rows.Scan(&m.RunID, &m.QueryID, &m.PAt5, &m.PAt10, &m.MRR, &m.BPref); err != nil {
			return nil, storeErr("scan metrics", err)
		}
		out = append(out, m)
	}
	return out, storeErr("iterate metrics", rows.Err())
}

// EncodeVector packs a vector as little-endian float32.
func EncodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

// DecodeVector unpacks EncodeVector output. Trailing bytes that do not form
// a full float32 are ignored.
func DecodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v
}
