package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	merrors "github.com/Aman-CERP/memnon/internal/errors"
	"github.com/Aman-CERP/memnon/internal/store"
)

// maxLineBytes bounds one JSONL record.
const maxLineBytes = 4 << 20

// Record is one JSONL line. Type is "chunk" (the default) or "entity".
type Record struct {
	Type      string               `json:"type,omitempty"`
	Position  int64                `json:"position"`
	Text      string               `json:"text,omitempty"`
	Metadata  *store.ChunkMetadata `json:"metadata,omitempty"`
	Relations []Relation           `json:"relations,omitempty"`
	Entity    *store.Entity        `json:"entity,omitempty"`
}

// ImportStats summarizes an import.
type ImportStats struct {
	Chunks   int `json:"chunks"`
	Entities int `json:"entities"`

	// Partial counts chunks committed without a vector for some model.
	Partial int `json:"partial"`
}

// ImportOption configures Import.
type ImportOption func(*importOptions)

type importOptions struct {
	lock *store.WriterLock
}

// WithLock holds l for the duration of the import.
func WithLock(l *store.WriterLock) ImportOption {
	return func(o *importOptions) { o.lock = l }
}

// Import reads JSONL records from r and commits them in order. It stops at
// the first malformed line or failed commit; everything before it stays
// committed.
func (c *Committer) Import(ctx context.Context, r io.Reader, opts ...ImportOption) (ImportStats, error) {
	var o importOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.lock != nil {
		if err := o.lock.TryLock(); err != nil {
			return ImportStats{}, err
		}
		defer func() { _ = o.lock.Unlock() }()
	}

	var stats ImportStats
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	line := 0
	for sc.Scan() {
		line++
		raw := strings.TrimSpace(sc.Text())
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return stats, merrors.ValidationError(fmt.Sprintf("line %d: malformed record", line), err)
		}

		switch rec.Type {
		case "entity":
			if rec.Entity == nil {
				return stats, merrors.ValidationError(fmt.Sprintf("line %d: entity record without entity", line), nil)
			}
			if err := c.PutEntity(ctx, *rec.Entity); err != nil {
				return stats, err
			}
			stats.Entities++
		case "chunk", "":
			res, err := c.Commit(ctx, store.Chunk{Position: rec.Position, Text: rec.Text}, rec.Metadata, rec.Relations...)
			if err != nil {
				return stats, atLine(err, line)
			}
			stats.Chunks++
			if len(res.Failed) > 0 {
				stats.Partial++
			}
		default:
			return stats, merrors.ValidationError(fmt.Sprintf("line %d: unknown record type %q", line, rec.Type), nil)
		}
	}
	if err := sc.Err(); err != nil {
		return stats, merrors.ValidationError("failed to read import", err)
	}

	slog.Info("import_completed",
		slog.Int("chunks", stats.Chunks),
		slog.Int("entities", stats.Entities),
		slog.Int("partial", stats.Partial))
	return stats, nil
}

// atLine tags err with the JSONL line it came from, keeping its code.
func atLine(err error, line int) error {
	code := merrors.GetCode(err)
	if code == "" {
		code = merrors.ErrCodeStoreWrite
	}
	return merrors.New(code, fmt.Sprintf("line %d", line), err).WithDetail("line", fmt.Sprint(line))
}
