// Package notify provides the concrete notification delivery paths: a
// direct Kafka publisher behind a circuit breaker, and a Postgres-backed
// outbox with a relay for deployments that need delivery to survive broker
// outages.
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/famcare/medengine/internal/infrastructure/redpanda"
	"github.com/famcare/medengine/internal/observability/metrics"
	"github.com/famcare/medengine/internal/orchestrator"
	"github.com/famcare/medengine/pkg/circuitbreaker"
)

// KafkaNotifier publishes notifications straight to the broker. Sends go
// through a circuit breaker so a dead broker costs one fast rejection
// instead of a blocking timeout on every dose action.
type KafkaNotifier struct {
	producer *redpanda.Producer
	breaker  *circuitbreaker.CircuitBreaker
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

var _ orchestrator.Notifier = (*KafkaNotifier)(nil)

// NewKafkaNotifier wires a producer behind a breaker. m may be nil.
func NewKafkaNotifier(producer *redpanda.Producer, m *metrics.Metrics, logger *zap.Logger) *KafkaNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	n := &KafkaNotifier{
		producer: producer,
		metrics:  m,
		logger:   logger,
	}
	n.breaker = circuitbreaker.New(
		circuitbreaker.DefaultConfig("notification-publisher"),
		logger,
		func(name string, state circuitbreaker.State) {
			if m != nil {
				m.CircuitBreakerState.WithLabelValues(name).Set(stateValue(state))
			}
		},
	)
	return n
}

// Send publishes one notification, keyed by patient so a patient's
// notifications stay ordered.
func (n *KafkaNotifier) Send(ctx context.Context, msg orchestrator.Notification) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	topic := redpanda.TopicForUrgency(string(msg.Urgency))
	err = n.breaker.Execute(ctx, func() error {
		return n.producer.ProduceMessage(ctx, topic, msg.PatientID, payload)
	})
	if err != nil {
		if circuitbreaker.Rejected(err) {
			n.logger.Warn("notification rejected, circuit open",
				zap.String("topic", topic),
				zap.String("patient_id", msg.PatientID))
		}
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying producer.
func (n *KafkaNotifier) Close() error {
	return n.producer.Close()
}

func stateValue(s circuitbreaker.State) float64 {
	switch s {
	case circuitbreaker.StateOpen:
		return 1
	case circuitbreaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}
