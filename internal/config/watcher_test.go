package config

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type reloadRecorder struct {
	mu      sync.Mutex
	configs []*Config
	fail    error
}

func (r *reloadRecorder) reload(_ context.Context, cfg *Config) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.configs = append(r.configs, cfg)
	return nil
}

func (r *reloadRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.configs)
}

func (r *reloadRecorder) last() *Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.configs[len(r.configs)-1]
}

func startWatcher(t *testing.T, w *Watcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("watcher did not stop")
		}
	})
	// Let the watch register before the test writes.
	time.Sleep(50 * time.Millisecond)
}

func TestWatcher_ReloadsValidConfig(t *testing.T) {
	// Given: a watcher on a project dir
	dir := isolate(t)
	initial := NewConfig()
	rec := &reloadRecorder{}
	w := NewWatcher(dir, initial, rec.reload, WithDebounce(20*time.Millisecond))
	startWatcher(t, w)

	// When: the project config is written
	writeFile(t, filepath.Join(dir, ProjectConfigName), "search:\n  boost_factor: 0.8\n")

	// Then: the callback receives the new config
	require.Eventually(t, func() bool { return rec.count() > 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0.8, rec.last().Search.BoostFactor)
	assert.Equal(t, 0.8, w.Current().Search.BoostFactor)
}

func TestWatcher_InvalidConfigKeepsCurrent(t *testing.T) {
	// Given: a watcher with a valid current config
	dir := isolate(t)
	initial := NewConfig()
	rec := &reloadRecorder{}
	w := NewWatcher(dir, initial, rec.reload, WithDebounce(20*time.Millisecond))
	startWatcher(t, w)

	// When: an invalid config is written
	writeFile(t, filepath.Join(dir, ProjectConfigName), "search:\n  boost_factor: 2\n")
	time.Sleep(200 * time.Millisecond)

	// Then: nothing is applied
	assert.Equal(t, 0, rec.count())
	assert.Same(t, initial, w.Current())

	// When: it is fixed
	writeFile(t, filepath.Join(dir, ProjectConfigName), "search:\n  boost_factor: 0.2\n")

	// Then: the fix is applied
	require.Eventually(t, func() bool { return rec.count() > 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0.2, w.Current().Search.BoostFactor)
}

func TestWatcher_CallbackFailureKeepsCurrent(t *testing.T) {
	// Given: a callback that rejects every config
	dir := isolate(t)
	initial := NewConfig()
	rec := &reloadRecorder{fail: errors.New("router refused")}
	w := NewWatcher(dir, initial, rec.reload, WithDebounce(20*time.Millisecond))
	startWatcher(t, w)

	// When: a valid config is written
	writeFile(t, filepath.Join(dir, ProjectConfigName), "search:\n  k: 5\n")
	time.Sleep(200 * time.Millisecond)

	// Then: the current config is unchanged
	assert.Same(t, initial, w.Current())
}

func TestWatcher_IgnoresUnrelatedFiles(t *testing.T) {
	// Given: a watcher
	dir := isolate(t)
	rec := &reloadRecorder{}
	w := NewWatcher(dir, NewConfig(), rec.reload, WithDebounce(20*time.Millisecond))
	startWatcher(t, w)

	// When: some other file changes
	writeFile(t, filepath.Join(dir, "notes.txt"), "hello")
	time.Sleep(150 * time.Millisecond)

	// Then: no reload happens
	assert.Equal(t, 0, rec.count())
}
