package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/rmax-ai/graphlord/pkg/api"
	"github.com/rmax-ai/graphlord/pkg/blob"
	"github.com/rmax-ai/graphlord/pkg/engine"
	"github.com/rmax-ai/graphlord/pkg/rules"
	"github.com/rmax-ai/graphlord/pkg/scan"
	"github.com/rmax-ai/graphlord/pkg/store"
	"github.com/rmax-ai/graphlord/pkg/store/redis"
)

func main() {
	cfg, err := LoadConfig(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "graphlord-d: %v\n", err)
		os.Exit(2)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("system_started", "component", "graphlord-d")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("daemon_failed", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown_complete")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	_ = lvl.UnmarshalText([]byte(level))
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// daemon holds the wired components of graphlord-d.
type daemon struct {
	cfg      Config
	logger   *slog.Logger
	sink     store.Sink
	analyzer *engine.Analyzer
	watcher  *rules.Watcher
	server   *api.Server
	pruner   *engine.PruneWorker
	archiver *engine.ArchiveWorker
}

func newDaemon(ctx context.Context, cfg Config, logger *slog.Logger) (*daemon, error) {
	d := &daemon{cfg: cfg, logger: logger}

	sink, err := openSink(ctx, cfg)
	if err != nil {
		return nil, err
	}
	d.sink = sink
	if sink != nil {
		logger.Info("store_initialized", "sink", cfg.Sink)
	}

	opts := []engine.Option{engine.WithLogger(logger), engine.WithThreshold(cfg.Threshold)}
	if sink != nil {
		opts = append(opts, engine.WithSink(sink))
	}
	d.analyzer, err = engine.New(nil, opts...)
	if err != nil {
		d.close()
		return nil, err
	}

	d.watcher, err = rules.NewWatcher(cfg.RulesDir,
		rules.WithWatcherLogger(logger.With("component", "rules")),
		rules.OnReload(d.analyzer.SetRules))
	if err != nil {
		d.close()
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}

	if cfg.FactsPath != "" {
		if err := d.loadFacts(ctx); err != nil {
			d.close()
			return nil, err
		}
	}

	d.server = api.NewServer(d.analyzer, sink, cfg.Addr)
	d.server.SetLogger(logger)
	d.server.SetAuthToken(cfg.AuthToken)
	d.server.SetQueryTimeout(cfg.QueryTimeout)
	if cfg.TLSCertFile != "" {
		d.server.SetTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
	}

	if a, ok := sink.(store.Archiver); ok && cfg.RetentionTTL > 0 && cfg.ArchiveDir != "" {
		d.archiver = engine.NewArchiveWorker(a, blob.NewLocalBlobStore(cfg.ArchiveDir), engine.ArchiveConfig{
			Enabled:   true,
			Retention: cfg.RetentionTTL,
		}, logger)
	} else if p, ok := sink.(store.Pruner); ok && cfg.RetentionTTL > 0 {
		d.pruner = engine.NewPruneWorker(p, &engine.RetentionConfig{
			Enabled: true,
			TTL:     cfg.RetentionTTL.String(),
		}, logger)
	}
	return d, nil
}

func openSink(ctx context.Context, cfg Config) (store.Sink, error) {
	switch cfg.Sink {
	case "sqlite":
		st, err := store.NewSQLiteStore(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("failed to init store: %w", err)
		}
		return st, nil
	case "redis":
		client := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.RedisAddr, err)
		}
		return redis.NewResultStore(client, cfg.RedisPrefix, redis.DefaultMaxRuns), nil
	}
	return nil, nil
}

func (d *daemon) loadFacts(ctx context.Context) error {
	f, err := os.Open(d.cfg.FactsPath)
	if err != nil {
		return fmt.Errorf("failed to open facts: %w", err)
	}
	defer f.Close()

	facts, err := scan.ReadAll(f)
	if err != nil {
		return fmt.Errorf("failed to read facts: %w", err)
	}
	st, err := d.analyzer.Ingest(ctx, facts)
	if err != nil {
		return fmt.Errorf("failed to ingest facts: %w", err)
	}
	d.logger.Info("facts_loaded", "path", d.cfg.FactsPath,
		"nodes", st.Nodes, "relationships", st.Relationships)
	return nil
}

// serve runs the API server, the rules watcher and the retention worker
// until ctx is done or one of them fails. SIGHUP reloads the rules directory.
func (d *daemon) serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(d.server.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return d.server.Stop(shutdownCtx)
	})
	g.Go(func() error { return d.watcher.Run(ctx) })
	if d.pruner != nil {
		g.Go(func() error {
			d.pruner.Run(ctx)
			return nil
		})
	}
	if d.archiver != nil {
		g.Go(func() error {
			d.archiver.Run(ctx)
			return nil
		})
	}
	g.Go(func() error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-hup:
				d.logger.Info("reload_requested", "signal", "SIGHUP")
				_ = d.watcher.Reload()
			}
		}
	})

	return g.Wait()
}

func (d *daemon) close() {
	if d.sink == nil {
		return
	}
	if err := d.sink.Close(); err != nil {
		d.logger.Error("failed_to_close_store", "error", err)
	} else {
		d.logger.Info("store_closed")
	}
}

func run(ctx context.Context, cfg Config, logger *slog.Logger) error {
	d, err := newDaemon(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer d.close()
	return d.serve(ctx)
}
