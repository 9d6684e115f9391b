package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is how often a [Watcher] re-reads the file.
const DefaultWatchInterval = 5 * time.Second

// Reload is one accepted change of the config file.
type Reload struct {
	Old, New *Config
	Diff     ConfigDiff
}

// Watcher re-reads a config file on an interval while a session runs. A
// reload is reported only when the decoded config differs from the current
// one; comment or whitespace edits are absorbed silently. A file that fails
// to load is reported once and the last good config stays current.
type Watcher struct {
	path     string
	interval time.Duration
	loadOpts []LoadOption
	onReload func(Reload)

	mu      sync.Mutex
	current *Config
	sum     [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Defaults to [DefaultWatchInterval].
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithLoadOptions passes opts to every load, e.g. to pin the environment.
func WithLoadOptions(opts ...LoadOption) WatcherOption {
	return func(w *Watcher) { w.loadOpts = opts }
}

// NewWatcher loads path once and returns a watcher whose baseline is that
// config. onReload may be nil. Polling starts with [Watcher.Run].
func NewWatcher(path string, onReload func(Reload), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onReload: onReload,
	}
	for _, opt := range opts {
		opt(w)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: watch: %w", err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data), w.loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current = cfg
	w.sum = sha256.Sum256(data)
	return w, nil
}

// Current returns the most recently accepted config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run polls until ctx is done and always returns nil. Load failures are
// logged; the session keeps its last good config.
func (w *Watcher) Run(ctx context.Context) error {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, _, err := w.Check(); err != nil {
				slog.Warn("config reload rejected", "path", w.path, "err", err)
			}
		}
	}
}

// Check re-reads the file once. It reports the reload and true when the
// config changed, in which case the callback has already run. An error
// means the file could not be read or is invalid; the same bad content is
// not reported twice.
func (w *Watcher) Check() (Reload, bool, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return Reload{}, false, err
	}
	sum := sha256.Sum256(data)

	w.mu.Lock()
	if sum == w.sum {
		w.mu.Unlock()
		return Reload{}, false, nil
	}
	w.sum = sum
	old := w.current
	w.mu.Unlock()

	cfg, err := LoadFromReader(bytes.NewReader(data), w.loadOpts...)
	if err != nil {
		return Reload{}, false, err
	}

	r := Reload{Old: old, New: cfg, Diff: Diff(old, cfg)}
	w.mu.Lock()
	w.current = cfg
	w.mu.Unlock()
	if !r.Diff.Changed() {
		return Reload{}, false, nil
	}

	slog.Info("config reloaded", "path", w.path, "log_level_changed", r.Diff.LogLevelChanged, "restart_required", r.Diff.RestartRequired)
	if w.onReload != nil {
		w.onReload(r)
	}
	return r, true, nil
}
