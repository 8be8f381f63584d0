package store

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/famcare/medengine/internal/domain/medication"
)

// CoordinatorConfig tunes retry behavior for atomic units.
type CoordinatorConfig struct {
	// MaxRetries is how many times a transient failure is re-run.
	MaxRetries int
	// RetryDelay is the base backoff between retries (linear, delay*attempt).
	RetryDelay time.Duration
	// Timeout bounds one whole RunAtomic call, retries included.
	Timeout time.Duration
}

// DefaultCoordinatorConfig returns the stock retry policy.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		MaxRetries: 3,
		RetryDelay: 100 * time.Millisecond,
		Timeout:    2 * time.Minute,
	}
}

// Coordinator wraps every multi-write operation in an atomic unit. All
// writes inside one RunAtomic call commit together or not at all; transient
// failures are retried on a fresh transaction; validation, not-found, and
// conflict errors surface immediately; anything else is fatal and logged
// with enough context for manual replay.
type Coordinator struct {
	store  Store
	config CoordinatorConfig
	logger *zap.Logger
}

// NewCoordinator builds a coordinator over a backend.
func NewCoordinator(s Store, cfg CoordinatorConfig, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultCoordinatorConfig().MaxRetries
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultCoordinatorConfig().Timeout
	}
	return &Coordinator{store: s, config: cfg, logger: logger}
}

// RunAtomic executes fn inside one transaction. op and correlationID are
// carried into every log line so a fatal failure can be replayed by hand.
func (c *Coordinator) RunAtomic(ctx context.Context, op, correlationID string, fn func(ctx context.Context, tx Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return c.fatal(op, correlationID, ctx.Err())
			case <-time.After(c.config.RetryDelay * time.Duration(attempt)):
			}
			c.logger.Warn("retrying atomic unit",
				zap.String("op", op),
				zap.String("correlation_id", correlationID),
				zap.Int("attempt", attempt),
				zap.Error(lastErr))
		}

		err := c.attempt(ctx, fn)
		if err == nil {
			return nil
		}
		lastErr = err

		switch medication.Classify(err) {
		case medication.ClassValidation, medication.ClassNotFound, medication.ClassConflict:
			// Caller errors: no side effects were committed, never retried.
			return err
		case medication.ClassTransient:
			continue
		default:
			return c.fatal(op, correlationID, err)
		}
	}

	return c.fatal(op, correlationID, lastErr)
}

// attempt runs fn on a fresh transaction. Any error rolls the whole unit
// back, so a partial failure mid-sequence leaves nothing applied.
func (c *Coordinator) attempt(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := c.store.Begin(ctx)
	if err != nil {
		return &medication.TransientError{Err: err}
	}

	if err := fn(ctx, tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			c.logger.Error("rollback failed", zap.Error(rbErr))
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return &medication.TransientError{Err: err}
	}
	return nil
}

func (c *Coordinator) fatal(op, correlationID string, err error) error {
	ferr := &medication.FatalError{Op: op, Err: err}
	c.logger.Error("atomic unit failed permanently",
		zap.String("op", op),
		zap.String("correlation_id", correlationID),
		zap.Int("max_retries", c.config.MaxRetries),
		zap.Error(err))
	return ferr
}
