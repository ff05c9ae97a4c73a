package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite" // pure Go SQLite driver

	merrors "github.com/Aman-CERP/memnon/internal/errors"
)

// FTSIndex is a BM25 lexical backend on SQLite FTS5.
// Content is pre-tokenized with Tokenize so FTS5 sees the same terms as the
// other backends.
type FTSIndex struct {
	mu        sync.RWMutex
	db        *sql.DB
	path      string
	cfg       LexicalConfig
	stopWords map[string]struct{}
	closed    bool
}

var _ LexicalIndex = (*FTSIndex)(nil)

// NewFTSIndex opens or creates an FTS5 index at path. An empty path creates
// an in-memory index.
func NewFTSIndex(path string, cfg LexicalConfig) (*FTSIndex, error) {
	if cfg.MinTokenLength == 0 {
		cfg.MinTokenLength = DefaultLexicalConfig().MinTokenLength
	}

	dsn := ":memory:"
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
		if verr := checkFTSIntegrity(path); verr != nil {
			slog.Warn("lexical_index_corrupted",
				slog.String("path", path),
				slog.String("error", verr.Error()))
			if rerr := os.Remove(path); rerr != nil && !os.IsNotExist(rerr) {
				return nil, fmt.Errorf("lexical index corrupted at %s and cannot be removed: %w", path, rerr)
			}
			_ = os.Remove(path + "-wal")
			_ = os.Remove(path + "-shm")
		}
		dsn = path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := applyPragmas(db, path != ""); err != nil {
		_ = db.Close()
		return nil, err
	}

	const schema = `
	CREATE VIRTUAL TABLE IF NOT EXISTS fts_chunks USING fts5(
		position UNINDEXED,
		content,
		tokenize='unicode61'
	);`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &FTSIndex{
		db:        db,
		path:      path,
		cfg:       cfg,
		stopWords: BuildStopWordMap(cfg.StopWords),
	}, nil
}

func checkFTSIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	db, err := sql.Open("sqlite", path+"?mode=ro")
	if err != nil {
		return fmt.Errorf("cannot open for validation: %w", err)
	}
	defer func() { _ = db.Close() }()

	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("database corrupted: %s", result)
	}
	return nil
}

// applyPragmas sets connection pragmas. modernc.org/sqlite ignores most DSN
// parameters, so they are issued as statements.
func applyPragmas(db *sql.DB, onDisk bool) error {
	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA foreign_keys = ON",
	}
	if onDisk {
		pragmas = append(pragmas,
			"PRAGMA journal_mode = WAL",
			"PRAGMA synchronous = NORMAL",
		)
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("failed to set pragma %q: %w", p, err)
		}
	}
	return nil
}

// Index adds or replaces documents in one transaction.
func (s *FTSIndex) Index(ctx context.Context, docs []LexicalDocument) error {
	if len(docs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrIndexClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// FTS5 has no REPLACE; delete then insert.
	del, err := tx.PrepareContext(ctx, `DELETE FROM fts_chunks WHERE position = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare delete: %w", err)
	}
	defer func() { _ = del.Close() }()

	ins, err := tx.PrepareContext(ctx, `INSERT INTO fts_chunks(position, content) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer func() { _ = ins.Close() }()

	for _, doc := range docs {
		content := strings.Join(TokenizeFiltered(doc.Content, s.cfg, s.stopWords), " ")
		if _, err := del.ExecContext(ctx, doc.Position); err != nil {
			return fmt.Errorf("failed to replace chunk %d: %w", doc.Position, err)
		}
		if _, err := ins.ExecContext(ctx, doc.Position, content); err != nil {
			return fmt.Errorf("failed to index chunk %d: %w", doc.Position, err)
		}
	}
	return tx.Commit()
}

// Search runs an OR query over the query terms ranked by bm25(), limited to
// positions at or before maxPosition; scores are scaled so the top hit is 1.0.
func (s *FTSIndex) Search(ctx context.Context, query string, limit int, maxPosition int64) ([]LexicalHit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrIndexClosed
	}
	if limit <= 0 {
		return []LexicalHit{}, nil
	}

	terms := UniqueTerms(TokenizeFiltered(query, s.cfg, s.stopWords))
	if len(terms) == 0 {
		return []LexicalHit{}, nil
	}
	quoted := make([]string, len(terms))
	for i, t := range terms {
		quoted[i] = `"` + strings.ReplaceAll(t, `"`, `""`) + `"`
	}

	// bm25() is negative, lower is better.
	rows, err := s.db.QueryContext(ctx, `
		SELECT position, bm25(fts_chunks) AS score
		FROM fts_chunks
		WHERE fts_chunks MATCH ? AND CAST(position AS INTEGER) <= ?
		ORDER BY score, position
		LIMIT ?`, strings.Join(quoted, " OR "), maxPosition, limit)
	if err != nil {
		if strings.Contains(err.Error(), "fts5:") {
			return []LexicalHit{}, nil
		}
		return nil, merrors.StoreUnavailable("lexical search failed", err)
	}
	defer func() { _ = rows.Close() }()

	var hits []LexicalHit
	for rows.Next() {
		var (
			pos   int64
			score float64
		)
		if err := rows.Scan(&pos, &score); err != nil {
			return nil, fmt.Errorf("failed to scan hit: %w", err)
		}
		hits = append(hits, LexicalHit{Position: pos, Score: -score, MatchedTerms: terms})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	scaleHits(hits)
	sortHits(hits)
	return hits, nil
}

// Count returns the number of indexed documents.
func (s *FTSIndex) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0
	}
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM fts_chunks`).Scan(&n); err != nil {
		return 0
	}
	return n
}

// Close checkpoints and closes the database. Safe to call twice.
func (s *FTSIndex) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.path != "" {
		_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	}
	return s.db.Close()
}
