package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/and161185/external-metrics/internal/buildinfo"
	"github.com/and161185/external-metrics/internal/client"
	"github.com/and161185/external-metrics/internal/collector"
	"github.com/and161185/external-metrics/internal/config"
	"github.com/and161185/external-metrics/internal/server"
	"github.com/and161185/external-metrics/internal/usage"
	"github.com/and161185/external-metrics/model"
	"github.com/and161185/external-metrics/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.NewAgentConfig()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	defer func() { _ = cfg.Logger.Sync() }()

	buildinfo.LogBuildInfo(cfg.Logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	prom, err := usage.NewPromSink(registry)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	counters := storage.NewMemStorage()

	deliver := newDeliver(ctx, cfg)
	col := newCollector(cfg, usage.MultiSink{counters, prom}, deliver)

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Addr != "" {
		srv := server.NewServer(col, counters, registry, deliver, cfg)
		g.Go(func() error { return srv.Run(gctx) })
	}
	g.Go(func() error {
		col.Run(gctx)
		return nil
	})

	cfg.Logger.Infow("agent started",
		"dir", cfg.CollectDir,
		"interval", cfg.CollectInterval,
		"upload", cfg.UploadAddr,
		"control", cfg.Addr,
	)
	err = g.Wait()
	cfg.Logger.Infow("agent stopped")
	return err
}

func newCollector(cfg *config.AgentConfig, sink usage.CounterSink, deliver func(model.Batch)) *collector.Collector {
	return collector.New(cfg.CollectDir, time.Duration(cfg.CollectInterval)*time.Second, deliver,
		collector.WithLogger(cfg.Logger),
		collector.WithSink(sink),
		collector.WithFileLimit(cfg.FileLimit),
		collector.WithWorkers(cfg.Workers),
		collector.WithRecordingEnabled(cfg.RecordingEnabled),
		collector.WithSensitiveKindEnabled(cfg.SensitiveEventsEnabled),
		collector.WithDisallowedCategories(cfg.DisallowedCategories...),
	)
}

// newDeliver uploads batches when an upload address is configured and only
// logs them otherwise.
func newDeliver(ctx context.Context, cfg *config.AgentConfig) func(model.Batch) {
	if cfg.UploadAddr != "" {
		return client.NewUploader(cfg).Sink(ctx)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return func(b model.Batch) {
		if b.Len() == 0 {
			return
		}
		logger.Infow("batch collected", "events", b.Len(), "sequence_ids", b.SequenceIDs())
	}
}
