// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// API configures cmd/medication-api.
type API struct {
	HTTPAddr        string        `env:"HTTP_ADDR" envDefault:":8080"`
	DatabaseURL     string        `env:"DATABASE_URL"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`

	InitialWindowDays int `env:"INITIAL_WINDOW_DAYS" envDefault:"7"`

	Brokers       []string `env:"KAFKA_BROKERS"`
	OutboxEnabled bool     `env:"OUTBOX_ENABLED" envDefault:"true"`

	OTLPEndpoint string `env:"OTLP_ENDPOINT"`
	LogLevel     string `env:"LOG_LEVEL" envDefault:"info"`
}

// Scheduler configures cmd/scheduler.
type Scheduler struct {
	DatabaseURL string `env:"DATABASE_URL"`

	DetectorInterval time.Duration `env:"DETECTOR_INTERVAL" envDefault:"15m"`
	DetectorBatch    int           `env:"DETECTOR_BATCH" envDefault:"500"`

	RolloverInterval   time.Duration `env:"ROLLOVER_INTERVAL" envDefault:"24h"`
	RolloverWindowDays int           `env:"ROLLOVER_WINDOW_DAYS" envDefault:"7"`
	RetentionDays      int           `env:"RETENTION_DAYS" envDefault:"30"`

	PoolWorkers int `env:"POOL_WORKERS" envDefault:"8"`

	Brokers       []string `env:"KAFKA_BROKERS"`
	OutboxEnabled bool     `env:"OUTBOX_ENABLED" envDefault:"true"`

	MetricsAddr  string `env:"METRICS_ADDR" envDefault:":9091"`
	OTLPEndpoint string `env:"OTLP_ENDPOINT"`
	LogLevel     string `env:"LOG_LEVEL" envDefault:"info"`
}

// Relay configures cmd/notify-relay.
type Relay struct {
	DatabaseURL string `env:"DATABASE_URL"`

	Brokers      []string      `env:"KAFKA_BROKERS" envDefault:"localhost:9092"`
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"5s"`
	BatchSize    int           `env:"BATCH_SIZE" envDefault:"100"`
	MaxAttempts  int           `env:"MAX_ATTEMPTS" envDefault:"5"`

	MetricsAddr  string `env:"METRICS_ADDR" envDefault:":9092"`
	OTLPEndpoint string `env:"OTLP_ENDPOINT"`
	LogLevel     string `env:"LOG_LEVEL" envDefault:"info"`
}

// Load parses env vars into target.
func Load(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}
