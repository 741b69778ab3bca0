package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rmax-ai/graphlord/pkg/store"
)

// RetentionConfig controls how long analysis runs are kept in a sink.
type RetentionConfig struct {
	Enabled       bool   `yaml:"enabled" json:"enabled"`
	TTL           string `yaml:"ttl" json:"ttl"`
	CheckInterval string `yaml:"check_interval" json:"check_interval"`
}

const defaultPruneInterval = time.Hour

// PruneWorker periodically deletes runs older than the configured TTL.
type PruneWorker struct {
	store  store.Pruner
	logger *slog.Logger

	mu     sync.RWMutex
	config *RetentionConfig
}

// NewPruneWorker creates a worker pruning st. A nil logger uses
// slog.Default.
func NewPruneWorker(st store.Pruner, cfg *RetentionConfig, logger *slog.Logger) *PruneWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &PruneWorker{
		store:  st,
		config: cfg,
		logger: logger.With("component", "prune"),
	}
}

// UpdateConfig replaces the retention settings used by the next pass.
func (w *PruneWorker) UpdateConfig(cfg *RetentionConfig) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.config = cfg
}

// Run prunes once and then on every check interval until ctx is done.
// It returns immediately when retention is disabled.
func (w *PruneWorker) Run(ctx context.Context) {
	w.mu.RLock()
	disabled := w.config == nil || !w.config.Enabled
	interval := defaultPruneInterval
	if !disabled && w.config.CheckInterval != "" {
		if d, err := time.ParseDuration(w.config.CheckInterval); err == nil && d > 0 {
			interval = d
		}
	}
	w.mu.RUnlock()

	if disabled {
		w.logger.Info("prune_disabled")
		return
	}

	w.logger.Info("prune_worker_started", "interval", interval.String())
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.Prune(ctx)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("prune_worker_stopped")
			return
		case <-ticker.C:
			w.Prune(ctx)
		}
	}
}

// Prune deletes the runs older than the TTL and returns how many were
// removed.
func (w *PruneWorker) Prune(ctx context.Context) int64 {
	w.mu.RLock()
	cfg := w.config
	w.mu.RUnlock()

	if cfg == nil || !cfg.Enabled || cfg.TTL == "" {
		return 0
	}
	ttl, err := time.ParseDuration(cfg.TTL)
	if err != nil || ttl <= 0 {
		w.logger.Warn("prune_invalid_ttl", "ttl", cfg.TTL)
		return 0
	}

	deleted, err := w.store.PruneRuns(ctx, time.Now().Add(-ttl))
	if err != nil {
		w.logger.Error("prune_failed", "error", err)
		return 0
	}
	if deleted > 0 {
		w.logger.Info("runs_pruned", "deleted", deleted, "ttl", ttl.String())
	}
	return deleted
}
