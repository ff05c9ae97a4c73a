package store

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver

	merrors "github.com/Aman-CERP/memnon/internal/errors"
)

// OpenPostgres connects to PostgreSQL through the pgx stdlib driver and
// creates the base tables.
func OpenPostgres(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, merrors.StoreUnavailable("open postgres store", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, merrors.StoreUnavailable("ping postgres store", err)
	}

	s := NewSQLStore(db, DialectPostgres)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Open opens the store named by driver: "sqlite" (dsn is a file path or
// ":memory:") or "postgres".
func Open(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	switch Dialect(driver) {
	case DialectSQLite, "":
		return OpenSQLite(ctx, dsn)
	case DialectPostgres:
		return OpenPostgres(ctx, dsn)
	default:
		return nil, merrors.ConfigError("unknown store driver "+driver, nil)
	}
}
