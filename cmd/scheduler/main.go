// Package main provides the sweep scheduler entry point: the missed-dose
// detector and the daily rollover job run here, against the same store as
// the API.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/famcare/medengine/internal/config"
	"github.com/famcare/medengine/internal/infrastructure/redpanda"
	"github.com/famcare/medengine/internal/notify"
	"github.com/famcare/medengine/internal/observability/metrics"
	"github.com/famcare/medengine/internal/observability/tracing"
	"github.com/famcare/medengine/internal/orchestrator"
	"github.com/famcare/medengine/internal/store/postgres"
	"github.com/famcare/medengine/pkg/workerpool"
)

func main() {
	var cfg config.Scheduler
	if err := config.Load(&cfg); err != nil {
		panic(err)
	}

	logger := newLogger(cfg.LogLevel)
	defer logger.Sync()

	ctx := context.Background()

	tracingCfg := tracing.DefaultConfig("scheduler")
	tracingCfg.OTLPEndpoint = cfg.OTLPEndpoint
	provider, err := tracing.Init(ctx, tracingCfg)
	if err != nil {
		logger.Fatal("failed to init tracing", zap.Error(err))
	}
	defer provider.Shutdown(ctx)

	if cfg.DatabaseURL == "" {
		logger.Fatal("DATABASE_URL is required, the sweeps share the API's store")
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		logger.Fatal("database ping failed", zap.Error(err))
	}
	if err := postgres.Migrate(ctx, pool); err != nil {
		logger.Fatal("schema migration failed", zap.Error(err))
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	notifier, closeNotifier := newNotifier(cfg, pool, m, logger)
	defer closeNotifier()

	orch := orchestrator.New(postgres.New(pool, logger), logger,
		orchestrator.WithNotifier(notifier),
		orchestrator.WithMetrics(m),
		orchestrator.WithConfig(orchestrator.Config{
			InitialWindowDays:  cfg.RolloverWindowDays,
			RolloverWindowDays: cfg.RolloverWindowDays,
			RetentionDays:      cfg.RetentionDays,
			DetectorBatch:      cfg.DetectorBatch,
		}),
	)

	poolCfg := workerpool.DefaultConfig()
	poolCfg.Workers = cfg.PoolWorkers
	workers := workerpool.New(poolCfg, logger)
	workers.Start()

	detector := orchestrator.NewDetector(orch, cfg.DetectorInterval)
	rollover := orchestrator.NewRollover(orch, workers, cfg.RolloverInterval)

	runCtx, cancel := context.WithCancel(ctx)
	detector.Start(runCtx)
	rollover.Start(runCtx)

	// Metrics endpoint for scrape.
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metrics.Handler()}
	go func() {
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	logger.Info("scheduler started",
		zap.Duration("detector_interval", cfg.DetectorInterval),
		zap.Duration("rollover_interval", cfg.RolloverInterval))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down scheduler")
	cancel()
	detector.Stop()
	rollover.Stop()
	workers.Stop()
	metricsServer.Close()
	logger.Info("scheduler stopped")
}

func newLogger(level string) *zap.Logger {
	cfg := zap.NewProductionConfig()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}

func newNotifier(cfg config.Scheduler, pool *pgxpool.Pool, m *metrics.Metrics, logger *zap.Logger) (orchestrator.Notifier, func()) {
	if cfg.OutboxEnabled {
		return notify.NewOutboxNotifier(pool, logger), func() {}
	}
	if len(cfg.Brokers) == 0 {
		logger.Warn("no notification transport configured, notifications disabled")
		return orchestrator.NopNotifier{}, func() {}
	}

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.Brokers
	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("failed to create producer", zap.Error(err))
	}
	notifier := notify.NewKafkaNotifier(producer, m, logger)
	return notifier, func() { notifier.Close() }
}
