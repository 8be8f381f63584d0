package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/famcare/medengine/internal/infrastructure/redpanda"
	"github.com/famcare/medengine/internal/observability/metrics"
	"github.com/famcare/medengine/internal/orchestrator"
)

// OutboxEntry is one queued notification awaiting relay to the broker.
type OutboxEntry struct {
	ID           int64
	CommandID    string
	PatientID    string
	EventType    string
	Urgency      string
	Payload      json.RawMessage
	Topic        string
	PartitionKey string
	CreatedAt    time.Time
	ProcessedAt  *time.Time
	RetryCount   int
	LastError    *string
}

// OutboxNotifier queues notifications in Postgres instead of publishing
// directly, so a broker outage never loses a notification once it is
// enqueued: the relay retries until delivery or dead-letter. The enqueue
// itself runs after the dose mutation commits (notifications are
// fire-and-continue), so a crash in that window drops the notification
// rather than the mutation.
type OutboxNotifier struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

var _ orchestrator.Notifier = (*OutboxNotifier)(nil)

// NewOutboxNotifier builds the queue-writing side of the outbox.
func NewOutboxNotifier(pool *pgxpool.Pool, logger *zap.Logger) *OutboxNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OutboxNotifier{pool: pool, logger: logger}
}

// Send durably enqueues one notification.
func (n *OutboxNotifier) Send(ctx context.Context, msg orchestrator.Notification) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	query := `
		INSERT INTO notification_outbox
		(command_id, patient_id, event_type, urgency, payload, topic, partition_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err = n.pool.Exec(ctx, query,
		msg.CommandID, msg.PatientID, msg.EventType, string(msg.Urgency),
		payload, redpanda.TopicForUrgency(string(msg.Urgency)), msg.PatientID,
	)
	if err != nil {
		return fmt.Errorf("enqueue notification: %w", err)
	}
	return nil
}

// RelayConfig tunes the outbox relay.
type RelayConfig struct {
	// BatchSize is the number of entries to relay per poll.
	BatchSize int
	// PollInterval is how often to poll for new entries.
	PollInterval time.Duration
	// MaxAttempts is the retry ceiling before an entry is dead-lettered.
	MaxAttempts int
}

// DefaultRelayConfig returns sensible defaults.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		BatchSize:    100,
		PollInterval: 5 * time.Second,
		MaxAttempts:  5,
	}
}

// relayLockID is the advisory lock keeping the relay a single runner across
// replicas.
const relayLockID = int64(771203)

// Relay drains the notification outbox into the broker. Safe to run on
// multiple replicas: only the advisory-lock holder processes a batch.
type Relay struct {
	pool      *pgxpool.Pool
	publisher *redpanda.Producer
	config    RelayConfig
	metrics   *metrics.Metrics
	logger    *zap.Logger
	tracer    trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRelay builds the relay. m may be nil.
func NewRelay(pool *pgxpool.Pool, publisher *redpanda.Producer, cfg RelayConfig, m *metrics.Metrics, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		pool:      pool,
		publisher: publisher,
		config:    cfg,
		metrics:   m,
		logger:    logger,
		tracer:    otel.Tracer("notify-relay"),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Start begins polling.
func (r *Relay) Start() {
	go r.processLoop()
	r.logger.Info("notification relay started",
		zap.Int("batch_size", r.config.BatchSize),
		zap.Duration("poll_interval", r.config.PollInterval))
}

// Stop gracefully stops the relay.
func (r *Relay) Stop() {
	r.cancel()
	<-r.done
	r.logger.Info("notification relay stopped")
}

func (r *Relay) processLoop() {
	defer close(r.done)

	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.ProcessBatch(r.ctx)
		}
	}
}

// ProcessBatch relays one batch. Exported so a test or an admin trigger can
// drive the relay without the loop.
func (r *Relay) ProcessBatch(ctx context.Context) {
	ctx, span := r.tracer.Start(ctx, "relay_process_batch")
	defer span.End()

	var acquired bool
	err := r.pool.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", relayLockID).Scan(&acquired)
	if err != nil || !acquired {
		return
	}
	defer r.pool.Exec(ctx, "SELECT pg_advisory_unlock($1)", relayLockID)

	entries, err := r.fetchPending(ctx)
	if err != nil {
		r.logger.Error("failed to fetch outbox entries", zap.Error(err))
		span.RecordError(err)
		return
	}
	if len(entries) == 0 {
		r.observePending(ctx)
		return
	}
	span.SetAttributes(attribute.Int("batch_size", len(entries)))

	for _, entry := range entries {
		if err := r.relayEntry(ctx, entry); err != nil {
			r.logger.Error("failed to relay notification",
				zap.Int64("id", entry.ID),
				zap.String("event_type", entry.EventType),
				zap.Error(err))
		}
	}

	if moved, err := r.moveToDeadLetter(ctx); err != nil {
		r.logger.Error("dead-letter pass failed", zap.Error(err))
	} else if moved > 0 {
		r.logger.Warn("notifications dead-lettered", zap.Int64("count", moved))
	}
	r.observePending(ctx)
}

// fetchPending reads the next batch. No row locking: the advisory lock in
// ProcessBatch is the single-runner guarantee, and publishes happen outside
// any transaction so a row lock could not be held across them anyway.
func (r *Relay) fetchPending(ctx context.Context) ([]*OutboxEntry, error) {
	query := `
		SELECT id, command_id, patient_id, event_type, urgency, payload,
		       topic, partition_key, created_at, retry_count, last_error
		FROM notification_outbox
		WHERE processed_at IS NULL
		  AND retry_count < $1
		ORDER BY created_at ASC
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, r.config.MaxAttempts, r.config.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var entries []*OutboxEntry
	for rows.Next() {
		entry := &OutboxEntry{}
		err := rows.Scan(
			&entry.ID, &entry.CommandID, &entry.PatientID, &entry.EventType,
			&entry.Urgency, &entry.Payload, &entry.Topic, &entry.PartitionKey,
			&entry.CreatedAt, &entry.RetryCount, &entry.LastError,
		)
		if err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (r *Relay) relayEntry(ctx context.Context, entry *OutboxEntry) error {
	ctx, span := r.tracer.Start(ctx, "relay_entry",
		trace.WithAttributes(
			attribute.Int64("entry_id", entry.ID),
			attribute.String("event_type", entry.EventType),
			attribute.String("urgency", entry.Urgency),
		))
	defer span.End()

	if err := r.publisher.ProduceMessage(ctx, entry.Topic, entry.PartitionKey, entry.Payload); err != nil {
		errStr := err.Error()
		if _, updateErr := r.pool.Exec(ctx, `
			UPDATE notification_outbox
			SET retry_count = retry_count + 1, last_error = $1, updated_at = NOW()
			WHERE id = $2
		`, errStr, entry.ID); updateErr != nil {
			r.logger.Error("failed to update retry count", zap.Error(updateErr))
		}
		if r.metrics != nil {
			r.metrics.NotificationsFailed.Inc()
		}
		span.RecordError(err)
		return fmt.Errorf("publish failed: %w", err)
	}

	if _, err := r.pool.Exec(ctx, `
		UPDATE notification_outbox
		SET processed_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`, entry.ID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to mark processed: %w", err)
	}

	if r.metrics != nil {
		r.metrics.NotificationsSent.Inc()
	}
	r.logger.Debug("notification relayed",
		zap.Int64("id", entry.ID),
		zap.String("topic", entry.Topic))
	return nil
}

// moveToDeadLetter publishes entries past the retry ceiling to the
// dead-letter topic and marks them processed.
func (r *Relay) moveToDeadLetter(ctx context.Context) (int64, error) {
	query := `
		SELECT id, command_id, patient_id, event_type, urgency, payload,
		       topic, partition_key, created_at, retry_count, last_error
		FROM notification_outbox
		WHERE processed_at IS NULL
		  AND retry_count >= $1
	`
	rows, err := r.pool.Query(ctx, query, r.config.MaxAttempts)
	if err != nil {
		return 0, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var poisoned []*OutboxEntry
	for rows.Next() {
		entry := &OutboxEntry{}
		err := rows.Scan(
			&entry.ID, &entry.CommandID, &entry.PatientID, &entry.EventType,
			&entry.Urgency, &entry.Payload, &entry.Topic, &entry.PartitionKey,
			&entry.CreatedAt, &entry.RetryCount, &entry.LastError,
		)
		if err != nil {
			continue
		}
		poisoned = append(poisoned, entry)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	var count int64
	for _, entry := range poisoned {
		dlPayload, _ := json.Marshal(map[string]any{
			"original_topic": entry.Topic,
			"event_type":     entry.EventType,
			"command_id":     entry.CommandID,
			"patient_id":     entry.PatientID,
			"payload":        entry.Payload,
			"retry_count":    entry.RetryCount,
			"last_error":     entry.LastError,
			"created_at":     entry.CreatedAt,
		})

		if err := r.publisher.ProduceMessage(ctx, redpanda.TopicDeadLetter, entry.PartitionKey, dlPayload); err != nil {
			r.logger.Error("failed to publish to dead letter", zap.Error(err))
			continue
		}
		if _, err := r.pool.Exec(ctx,
			"UPDATE notification_outbox SET processed_at = NOW(), updated_at = NOW() WHERE id = $1", entry.ID); err != nil {
			r.logger.Error("failed to mark dead-lettered entry", zap.Error(err))
			continue
		}
		count++
	}
	return count, nil
}

// CleanupProcessed removes relayed entries older than the given age.
func (r *Relay) CleanupProcessed(ctx context.Context, olderThan time.Duration) (int64, error) {
	result, err := r.pool.Exec(ctx, `
		DELETE FROM notification_outbox
		WHERE processed_at IS NOT NULL
		  AND processed_at < NOW() - $1::interval
	`, olderThan.String())
	if err != nil {
		return 0, fmt.Errorf("cleanup failed: %w", err)
	}
	return result.RowsAffected(), nil
}

// Stats summarizes queue health.
type Stats struct {
	Pending       int64
	Processed     int64
	DeadLettered  int64
	OldestPending *time.Time
}

// GetStats returns current queue statistics.
func (r *Relay) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	err := r.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM notification_outbox WHERE processed_at IS NULL AND retry_count < $1",
		r.config.MaxAttempts).Scan(&stats.Pending)
	if err != nil {
		return nil, err
	}

	err = r.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM notification_outbox WHERE processed_at IS NOT NULL AND processed_at > NOW() - INTERVAL '24 hours'").
		Scan(&stats.Processed)
	if err != nil {
		return nil, err
	}

	err = r.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM notification_outbox WHERE processed_at IS NULL AND retry_count >= $1",
		r.config.MaxAttempts).Scan(&stats.DeadLettered)
	if err != nil {
		return nil, err
	}

	r.pool.QueryRow(ctx, "SELECT MIN(created_at) FROM notification_outbox WHERE processed_at IS NULL").Scan(&stats.OldestPending)
	return stats, nil
}

func (r *Relay) observePending(ctx context.Context) {
	if r.metrics == nil {
		return
	}
	var pending int64
	if err := r.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM notification_outbox WHERE processed_at IS NULL").Scan(&pending); err != nil {
		return
	}
	r.metrics.OutboxPending.Set(float64(pending))
}
