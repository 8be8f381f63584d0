// Package main provides the medication API service entry point.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/famcare/medengine/internal/api/handlers"
	"github.com/famcare/medengine/internal/api/middleware"
	"github.com/famcare/medengine/internal/config"
	"github.com/famcare/medengine/internal/infrastructure/redpanda"
	"github.com/famcare/medengine/internal/notify"
	"github.com/famcare/medengine/internal/observability/metrics"
	"github.com/famcare/medengine/internal/observability/tracing"
	"github.com/famcare/medengine/internal/orchestrator"
	"github.com/famcare/medengine/internal/store"
	"github.com/famcare/medengine/internal/store/memory"
	"github.com/famcare/medengine/internal/store/postgres"
)

func main() {
	var cfg config.API
	if err := config.Load(&cfg); err != nil {
		panic(err)
	}

	logger := newLogger(cfg.LogLevel)
	defer logger.Sync()

	ctx := context.Background()

	tracingCfg := tracing.DefaultConfig("medication-api")
	tracingCfg.OTLPEndpoint = cfg.OTLPEndpoint
	provider, err := tracing.Init(ctx, tracingCfg)
	if err != nil {
		logger.Fatal("failed to init tracing", zap.Error(err))
	}
	defer provider.Shutdown(ctx)

	m := metrics.New(prometheus.DefaultRegisterer)

	// Storage: Postgres when a DSN is configured, in-memory otherwise.
	var (
		st   = newStore(ctx, cfg.DatabaseURL, logger)
		pool *pgxpool.Pool
	)
	if p, ok := st.pool(); ok {
		pool = p
		defer pool.Close()
	}

	notifier, closeNotifier := newNotifier(cfg, pool, m, logger)
	defer closeNotifier()

	orch := orchestrator.New(st.store, logger,
		orchestrator.WithNotifier(notifier),
		orchestrator.WithMetrics(m),
		orchestrator.WithConfig(orchestrator.Config{
			InitialWindowDays:  cfg.InitialWindowDays,
			RolloverWindowDays: orchestrator.DefaultConfig().RolloverWindowDays,
			RetentionDays:      orchestrator.DefaultConfig().RetentionDays,
			DetectorBatch:      orchestrator.DefaultConfig().DetectorBatch,
		}),
	)

	detector := orchestrator.NewDetector(orch, 15*time.Minute)
	rollover := orchestrator.NewRollover(orch, nil, 24*time.Hour)

	medicationHandler := handlers.NewMedicationHandler(orch, logger)
	adminHandler := handlers.NewAdminHandler(detector, rollover, logger)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing("medication-api"))
	r.Use(middleware.Identity)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if pool != nil {
			if err := pool.Ping(r.Context()); err != nil {
				http.Error(w, "not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/patients/{patientID}", func(r chi.Router) {
			r.Use(middleware.Permission(orchestrator.AllowAll{}, logger))
			r.Mount("/", medicationHandler.Routes())
		})
		r.Mount("/internal", adminHandler.Routes())
	})

	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	}()

	logger.Info("starting medication API", zap.String("addr", cfg.HTTPAddr))
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		logger.Fatal("server error", zap.Error(err))
	}
	logger.Info("server stopped")
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

// storeHandle carries the chosen backend and, for Postgres, its pool.
type storeHandle struct {
	store  store.Store
	pgPool *pgxpool.Pool
}

func (s storeHandle) pool() (*pgxpool.Pool, bool) {
	return s.pgPool, s.pgPool != nil
}

func newStore(ctx context.Context, dsn string, logger *zap.Logger) storeHandle {
	if dsn == "" {
		logger.Warn("no DATABASE_URL set, using in-memory store")
		return storeHandle{store: memory.New()}
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	if err := pool.Ping(ctx); err != nil {
		logger.Fatal("database ping failed", zap.Error(err))
	}
	if err := postgres.Migrate(ctx, pool); err != nil {
		logger.Fatal("schema migration failed", zap.Error(err))
	}
	logger.Info("connected to database")
	return storeHandle{store: postgres.New(pool, logger), pgPool: pool}
}

func newNotifier(cfg config.API, pool *pgxpool.Pool, m *metrics.Metrics, logger *zap.Logger) (orchestrator.Notifier, func()) {
	if cfg.OutboxEnabled && pool != nil {
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
