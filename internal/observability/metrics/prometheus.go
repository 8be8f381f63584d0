// Package metrics provides Prometheus metrics for the medication engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics.
type Metrics struct {
	DosesScheduled      prometheus.Counter
	DosesTaken          prometheus.Counter
	DosesMissed         prometheus.Counter
	DosesSkipped        prometheus.Counter
	DosesSnoozed        prometheus.Counter
	CommandsCreated     prometheus.Counter
	CommandsDeleted     prometheus.Counter
	AtomicUnitFailures  prometheus.Counter
	SweepDuration       *prometheus.HistogramVec
	SweepBatchSize      *prometheus.HistogramVec
	OutboxPending       prometheus.Gauge
	NotificationsSent   prometheus.Counter
	NotificationsFailed prometheus.Counter
	CircuitBreakerState *prometheus.GaugeVec
}

// New creates and registers all metrics on the given registerer. Pass
// prometheus.DefaultRegisterer in mains and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DosesScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "doses_scheduled_total",
			Help: "Total DOSE_SCHEDULED events appended",
		}),
		DosesTaken: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "doses_taken_total",
			Help: "Total doses marked taken",
		}),
		DosesMissed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "doses_missed_total",
			Help: "Total doses marked missed by the detector",
		}),
		DosesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "doses_skipped_total",
			Help: "Total doses skipped",
		}),
		DosesSnoozed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "doses_snoozed_total",
			Help: "Total doses snoozed",
		}),
		CommandsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "medication_commands_created_total",
			Help: "Total medication commands created",
		}),
		CommandsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "medication_commands_deleted_total",
			Help: "Total medication commands hard-deleted",
		}),
		AtomicUnitFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "atomic_unit_failures_total",
			Help: "Atomic units that failed permanently",
		}),
		SweepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sweep_duration_seconds",
			Help:    "Duration of detector/rollover sweep runs",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"sweep"}),
		SweepBatchSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sweep_batch_size",
			Help:    "Items processed per sweep run",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}, []string{"sweep"}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "notification_outbox_pending",
			Help: "Pending notification outbox entries",
		}),
		NotificationsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notifications_sent_total",
			Help: "Total notifications handed to the delivery pipeline",
		}),
		NotificationsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notifications_failed_total",
			Help: "Total notification sends that failed",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	reg.MustRegister(
		m.DosesScheduled,
		m.DosesTaken,
		m.DosesMissed,
		m.DosesSkipped,
		m.DosesSnoozed,
		m.CommandsCreated,
		m.CommandsDeleted,
		m.AtomicUnitFailures,
		m.SweepDuration,
		m.SweepBatchSize,
		m.OutboxPending,
		m.NotificationsSent,
		m.NotificationsFailed,
		m.CircuitBreakerState,
	)

	return m
}

// Handler returns the Prometheus HTTP handler for the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
