// Package logging configures structured JSON logging for Memnon.
//
// Logs go to a size-rotated file under ~/.memnon/logs/ and, unless the
// process serves MCP over stdio, to stderr as well.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Config contains logging configuration.
type Config struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string `yaml:"level" json:"level"`
	// FilePath is the path to the log file. Empty means stderr only.
	FilePath string `yaml:"file_path" json:"file_path"`
	// MaxSizeMB is the size in MB that triggers rotation (default: 10).
	MaxSizeMB int `yaml:"max_size_mb" json:"max_size_mb"`
	// MaxFiles is the number of rotated files to keep (default: 5).
	MaxFiles int `yaml:"max_files" json:"max_files"`
	// WriteToStderr also writes to stderr.
	WriteToStderr bool `yaml:"write_to_stderr" json:"write_to_stderr"`
}

// DefaultLogDir returns ~/.memnon/logs, or a temp dir when home is unknown.
func DefaultLogDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".memnon", "logs")
	}
	return filepath.Join(home, ".memnon", "logs")
}

// DefaultLogPath returns the default log file path.
func DefaultLogPath() string {
	return filepath.Join(DefaultLogDir(), "memnon.log")
}

// DefaultConfig returns info-level logging to file and stderr.
func DefaultConfig() Config {
	return Config{
		Level:         "info",
		FilePath:      DefaultLogPath(),
		MaxSizeMB:     10,
		MaxFiles:      5,
		WriteToStderr: true,
	}
}

// Setup builds a JSON logger and returns it with a cleanup function that
// flushes and closes the log file.
func Setup(cfg Config) (*slog.Logger, func(), error) {
	var (
		outputs []io.Writer
		writer  *RotatingWriter
	)

	if cfg.FilePath != "" {
		w, err := NewRotatingWriter(cfg.FilePath, cfg.MaxSizeMB, cfg.MaxFiles)
		if err != nil {
			return nil, nil, err
		}
		writer = w
		outputs = append(outputs, w)
	}
	if cfg.WriteToStderr || len(outputs) == 0 {
		outputs = append(outputs, os.Stderr)
	}

	handler := slog.NewJSONHandler(io.MultiWriter(outputs...), &slog.HandlerOptions{
		Level: ParseLevel(cfg.Level),
	})
	logger := slog.New(handler).With(slog.String("service", "memnon"))

	cleanup := func() {
		if writer != nil {
			_ = writer.Sync()
			_ = writer.Close()
		}
	}
	return logger, cleanup, nil
}

// SetupStdioSafe configures file-only logging and installs it as the
// default logger. Used when stdout and stderr carry the MCP stdio stream.
func SetupStdioSafe(cfg Config) (func(), error) {
	cfg.WriteToStderr = false
	if cfg.FilePath == "" {
		cfg.FilePath = DefaultLogPath()
	}

	logger, cleanup, err := Setup(cfg)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	slog.Info("stdio_safe_logging_initialized",
		slog.String("log_file", cfg.FilePath),
		slog.String("level", cfg.Level))
	return cleanup, nil
}

// ParseLevel converts a level name to slog.Level. Unknown names map to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
