package store

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	merrors "github.com/Aman-CERP/memnon/internal/errors"
)

// WriterLock serializes ingestion across processes. Positions must be
// committed in increasing order, so only one writer may append at a time.
type WriterLock struct {
	path   string
	flock  *flock.Flock
	locked bool
}

// NewWriterLock creates a lock file at <dir>/.ingest.lock.
func NewWriterLock(dir string) *WriterLock {
	p := filepath.Join(dir, ".ingest.lock")
	return &WriterLock{path: p, flock: flock.New(p)}
}

// TryLock acquires the lock without blocking. It returns an
// ERR_204_LOCK_HELD error when another writer holds it.
func (l *WriterLock) TryLock() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}
	ok, err := l.flock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !ok {
		return merrors.New(merrors.ErrCodeLockHeld, "another ingest is running", nil).
			WithDetail("lock", l.path)
	}
	l.locked = true
	return nil
}

// Unlock releases the lock. Safe to call when not held.
func (l *WriterLock) Unlock() error {
	if !l.locked {
		return nil
	}
	l.locked = false
	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// Path returns the lock file path.
func (l *WriterLock) Path() string { return l.path }
