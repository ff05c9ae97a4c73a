package store

import (
	"errors"
	"fmt"
	"path/filepath"
)

// LexicalBackend names a LexicalIndex implementation.
type LexicalBackend string

const (
	// LexicalBackendIDF is the in-memory IDF token-overlap index (default).
	LexicalBackendIDF LexicalBackend = "idf"

	// LexicalBackendBleve is BM25 on bleve v2.
	LexicalBackendBleve LexicalBackend = "bleve"

	// LexicalBackendSQLite is BM25 on SQLite FTS5.
	LexicalBackendSQLite LexicalBackend = "sqlite"
)

// ErrIndexClosed is returned by index operations after Close.
var ErrIndexClosed = errors.New("index is closed")

// NewLexicalIndex creates the configured backend. dataDir holds on-disk
// indexes; empty means in-memory.
func NewLexicalIndex(backend string, dataDir string, cfg LexicalConfig) (LexicalIndex, error) {
	switch LexicalBackend(backend) {
	case LexicalBackendIDF, "":
		return NewIDFIndex(cfg), nil

	case LexicalBackendBleve:
		var path string
		if dataDir != "" {
			path = filepath.Join(dataDir, "lexical.bleve")
		}
		return NewBleveIndex(path)

	case LexicalBackendSQLite:
		var path string
		if dataDir != "" {
			path = filepath.Join(dataDir, "lexical.db")
		}
		return NewFTSIndex(path, cfg)

	default:
		return nil, fmt.Errorf("unknown lexical backend: %s (valid options: idf, bleve, sqlite)", backend)
	}
}
