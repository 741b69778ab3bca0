package rules

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long the watcher waits after the last file event
// before reloading.
const DefaultDebounce = 200 * time.Millisecond

// Watcher holds the registry loaded from a rules directory and replaces it
// when the directory changes. A reload that fails keeps the previous
// registry.
type Watcher struct {
	dir      string
	debounce time.Duration
	logger   *slog.Logger
	onReload func(*Registry)

	current atomic.Pointer[Registry]
	mu      sync.Mutex // serializes reloads
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce overrides DefaultDebounce.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

// WithWatcherLogger sets the logger.
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = l }
}

// OnReload registers fn to be called with every successfully loaded
// registry.
func OnReload(fn func(*Registry)) WatcherOption {
	return func(w *Watcher) { w.onReload = fn }
}

// NewWatcher loads dir once and returns a watcher serving the result.
func NewWatcher(dir string, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{dir: dir, debounce: DefaultDebounce, logger: slog.Default()}
	for _, opt := range opts {
		opt(w)
	}
	if err := w.Reload(); err != nil {
		return nil, err
	}
	return w, nil
}

// Registry returns the current registry.
func (w *Watcher) Registry() *Registry {
	return w.current.Load()
}

// Reload loads the directory and swaps the registry in on success.
func (w *Watcher) Reload() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	reg, err := LoadDir(w.dir)
	if err != nil {
		w.logger.Error("rules_reload_failed", "dir", w.dir, "error", err)
		return err
	}
	w.current.Store(reg)
	w.logger.Info("rules_loaded", "dir", w.dir, "rules", reg.Len())
	if w.onReload != nil {
		w.onReload(reg)
	}
	return nil
}

// Run watches the directory until ctx is done. Bursts of events are
// coalesced into one reload.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("rules watcher: %w", err)
	}
	defer fw.Close()
	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("rules watcher: %w", err)
	}

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !isRuleFile(ev.Name) || ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Write) {
				continue
			}
			w.logger.Debug("rules_changed", "file", ev.Name, "op", ev.Op.String())
			timer.Reset(w.debounce)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("rules_watch_error", "error", err)
		case <-timer.C:
			_ = w.Reload()
		}
	}
}

func isRuleFile(name string) bool {
	switch filepath.Ext(name) {
	case ".yaml", ".yml":
		return true
	}
	return false
}
