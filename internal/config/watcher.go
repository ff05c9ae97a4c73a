package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	merrors "github.com/Aman-CERP/memnon/internal/errors"
)

// DefaultDebounce coalesces the burst of events editors emit on save.
const DefaultDebounce = 200 * time.Millisecond

// ReloadFunc receives each newly validated configuration. A returned error
// is logged; the watcher keeps running.
type ReloadFunc func(ctx context.Context, cfg *Config) error

// Watcher reloads configuration when the project config file or its .env
// changes. Invalid configurations are logged and ignored, so the last good
// configuration stays in effect.
type Watcher struct {
	dir      string
	onReload ReloadFunc
	debounce time.Duration
	load     func(dir string) (*Config, error)

	mu      sync.Mutex
	current *Config
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets the debounce window.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

// NewWatcher watches dir's config files. current is the configuration in
// effect at start.
func NewWatcher(dir string, current *Config, onReload ReloadFunc, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		dir:      dir,
		onReload: onReload,
		debounce: DefaultDebounce,
		load:     Load,
		current:  current,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Current returns the configuration in effect.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run watches until ctx is cancelled. The directory is watched rather than
// the file so that atomic-rename saves are seen.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return merrors.InternalError("failed to create config watcher", err)
	}
	defer func() { _ = fsw.Close() }()

	if err := fsw.Add(w.dir); err != nil {
		return merrors.ConfigError("failed to watch config directory "+w.dir, err)
	}
	slog.Info("config_watch_started", slog.String("dir", w.dir))

	var (
		timer  *time.Timer
		timerC <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !w.relevant(event) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			timerC = timer.C
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config_watch_error", slog.String("error", err.Error()))
		case <-timerC:
			timerC = nil
			w.reload(ctx)
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
		!event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
		return false
	}
	switch filepath.Base(event.Name) {
	case ProjectConfigName, projectConfigAlt, DotEnvName:
		return true
	}
	return false
}

// reload loads and validates the configuration and hands it to the
// callback. Failures leave the current configuration in place.
func (w *Watcher) reload(ctx context.Context) {
	cfg, err := w.load(w.dir)
	if err != nil {
		slog.Warn("config_reload_rejected", merrors.LogAttrs(err)...)
		return
	}
	if w.onReload != nil {
		if err := w.onReload(ctx, cfg); err != nil {
			slog.Warn("config_reload_failed", merrors.LogAttrs(err)...)
			return
		}
	}

	w.mu.Lock()
	w.current = cfg
	w.mu.Unlock()
	slog.Info("config_reloaded", slog.String("dir", w.dir), slog.Int("models", len(cfg.Models)))
}
