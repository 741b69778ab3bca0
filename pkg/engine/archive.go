package engine

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rmax-ai/graphlord/pkg/blob"
	"github.com/rmax-ai/graphlord/pkg/store"
)

// ArchiveConfig holds configuration for the ArchiveWorker.
type ArchiveConfig struct {
	Enabled       bool          `json:"enabled"`
	Retention     time.Duration `json:"retention"`
	BatchSize     int           `json:"batch_size"`
	CheckInterval time.Duration `json:"check_interval"`
}

const defaultArchiveBatch = 100

// ArchiveWorker moves runs older than the retention from the run history
// to blob storage.
type ArchiveWorker struct {
	store     store.Archiver
	blobStore blob.BlobStore
	config    ArchiveConfig
	logger    *slog.Logger
	now       func() time.Time
}

// NewArchiveWorker creates a new ArchiveWorker. A nil logger uses
// slog.Default.
func NewArchiveWorker(st store.Archiver, blobStore blob.BlobStore, config ArchiveConfig, logger *slog.Logger) *ArchiveWorker {
	if logger == nil {
		logger = slog.Default()
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaultArchiveBatch
	}
	if config.CheckInterval <= 0 {
		config.CheckInterval = defaultPruneInterval
	}
	return &ArchiveWorker{
		store:     st,
		blobStore: blobStore,
		config:    config,
		logger:    logger.With("component", "archive"),
		now:       time.Now,
	}
}

// Run archives once and then on every check interval until ctx is done.
func (w *ArchiveWorker) Run(ctx context.Context) {
	if !w.config.Enabled || w.config.Retention <= 0 {
		w.logger.Info("archive_disabled")
		return
	}
	w.logger.Info("archive_worker_started", "interval", w.config.CheckInterval.String())

	ticker := time.NewTicker(w.config.CheckInterval)
	defer ticker.Stop()

	w.drain(ctx)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("archive_worker_stopped")
			return
		case <-ticker.C:
			w.drain(ctx)
		}
	}
}

// drain archives batches until no expired run is left.
func (w *ArchiveWorker) drain(ctx context.Context) {
	for ctx.Err() == nil {
		n, err := w.processBatch(ctx)
		if err != nil {
			w.logger.Error("archive_failed", "error", err)
			return
		}
		if n < w.config.BatchSize {
			return
		}
	}
}

// processBatch archives one batch of expired runs and returns how many
// runs it moved.
func (w *ArchiveWorker) processBatch(ctx context.Context) (int, error) {
	cutoff := w.now().UTC().Add(-w.config.Retention)

	runs, err := w.store.RunsBefore(ctx, cutoff, w.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to read expired runs: %w", err)
	}
	if len(runs) == 0 {
		return 0, nil
	}

	// Serialize runs to JSON Lines
	var buf bytes.Buffer
	gzWriter := gzip.NewWriter(&buf)
	encoder := json.NewEncoder(gzWriter)
	for i := range runs {
		if err := encoder.Encode(&runs[i]); err != nil {
			gzWriter.Close()
			return 0, fmt.Errorf("failed to encode run %s: %w", runs[i].ID, err)
		}
	}
	if err := gzWriter.Close(); err != nil {
		return 0, fmt.Errorf("failed to close gzip writer: %w", err)
	}

	// Generate key: runs/YYYY/MM/DD/first_started_last_started_uuid.jsonl.gz
	first, last := runs[0].StartedAt.UTC(), runs[len(runs)-1].StartedAt.UTC()
	year, month, day := first.Date()
	key := fmt.Sprintf("runs/%04d/%02d/%02d/%d_%d_%s.jsonl.gz",
		year, month, day, first.Unix(), last.Unix(), uuid.NewString())

	if err := w.blobStore.Put(ctx, key, &buf); err != nil {
		return 0, fmt.Errorf("failed to upload archive to blob store: %w", err)
	}

	ids := make([]string, len(runs))
	for i, r := range runs {
		ids[i] = r.ID
	}
	deleted, err := w.store.DeleteRuns(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("failed to delete archived runs: %w", err)
	}

	w.logger.Info("runs_archived", "key", key, "runs", len(runs), "deleted", deleted)
	return len(runs), nil
}
