package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/famcare/medengine/internal/domain/medication"
	"github.com/famcare/medengine/internal/observability/metrics"
	"github.com/famcare/medengine/internal/store"
)

// Detector is the missed-dose sweep. Each pass examines a bounded batch of
// open doses whose grace window has elapsed and resolves each one in its own
// atomic unit, so a single bad dose cannot poison the batch.
type Detector struct {
	orch     *Orchestrator
	interval time.Duration
	logger   *zap.Logger

	done    chan struct{}
	stopped chan struct{}
}

// NewDetector builds a detector sweeping at the given interval.
func NewDetector(orch *Orchestrator, interval time.Duration) *Detector {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Detector{
		orch:     orch,
		interval: interval,
		logger:   orch.logger.Named("missed_detector"),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Start runs the sweep loop until Stop.
func (d *Detector) Start(ctx context.Context) {
	go d.loop(ctx)
}

// Stop signals the loop and waits for the in-flight pass to finish.
func (d *Detector) Stop() {
	close(d.done)
	<-d.stopped
}

func (d *Detector) loop(ctx context.Context) {
	defer close(d.stopped)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.logger.Info("missed-dose detector started", zap.Duration("interval", d.interval))
	for {
		select {
		case <-d.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			report := d.SweepOnce(ctx)
			if report.Examined > 0 || report.Failures > 0 {
				d.logger.Info("missed-dose sweep finished",
					zap.Int("examined", report.Examined),
					zap.Int("missed", report.Missed),
					zap.Int("failures", report.Failures))
			}
		}
	}
}

// SweepReport summarizes one detector pass.
type SweepReport struct {
	Examined int `json:"examined"`
	Missed   int `json:"missed"`
	Failures int `json:"failures"`
}

// SweepOnce runs a single bounded pass. Oldest doses go first, so the batch
// limit cannot starve the most overdue entries.
func (d *Detector) SweepOnce(ctx context.Context) SweepReport {
	started := time.Now()
	now := d.orch.now()
	report := SweepReport{}

	open, err := d.orch.store.Events().Query(ctx, store.EventFilter{
		OpenOnly: true,
		To:       now,
		Limit:    d.orch.config.DetectorBatch,
	})
	if err != nil {
		d.logger.Error("missed-dose sweep query failed", zap.Error(err))
		report.Failures++
		return report
	}

	sweepID := uuid.New().String()
	for _, ev := range open {
		report.Examined++
		if !graceElapsed(ev, now) {
			continue
		}
		if err := d.markMissed(ctx, ev, now, sweepID); err != nil {
			report.Failures++
			d.logger.Warn("marking dose missed failed",
				zap.String("event_id", ev.ID),
				zap.String("command_id", ev.CommandID),
				zap.Error(err))
			continue
		}
		report.Missed++
	}

	d.observe(started, report)
	return report
}

// graceElapsed reports whether the dose's grace window, pushed forward by
// any snooze, is behind now.
func graceElapsed(ev *medication.Event, now time.Time) bool {
	graceEnd := ev.GraceEndsAt
	if due := ev.EffectiveDue(); due.After(ev.ScheduledAt) {
		graceEnd = graceEnd.Add(due.Sub(ev.ScheduledAt))
	}
	return now.After(graceEnd)
}

// markMissed closes one dose with a DOSE_MISSED event in its own atomic
// unit. A dose a caregiver resolves mid-sweep loses the close race here and
// is left alone.
func (d *Detector) markMissed(ctx context.Context, ev *medication.Event, now time.Time, sweepID string) error {
	o := d.orch
	correlationID := sweepID
	var cmd *medication.Command
	recorded := false

	err := o.coord.RunAtomic(ctx, "mark_missed", correlationID, func(ctx context.Context, tx store.Tx) error {
		recorded = false

		current, err := tx.Events().Get(ctx, ev.ID)
		if err != nil {
			return err
		}
		if !current.Open() {
			return nil
		}

		cmd, err = tx.Commands().Get(ctx, current.CommandID)
		if err != nil {
			return err
		}
		if !cmd.State.IsActive {
			return nil
		}

		won, err := tx.Events().CloseScheduled(ctx, current.ID, medication.EventDoseMissed)
		if err != nil {
			return err
		}
		if !won {
			return nil
		}

		graceMinutes := int(current.GraceEndsAt.Sub(current.ScheduledAt) / time.Minute)
		missed, err := medication.NewEvent(current.CommandID, current.PatientID, medication.EventDoseMissed, correlationID,
			medication.MissedData{DetectedAt: now, GraceMinutes: graceMinutes})
		if err != nil {
			return err
		}
		missed.Closes(current)
		if _, _, err := tx.Events().Append(ctx, missed); err != nil {
			return err
		}
		recorded = true
		return nil
	})
	if err != nil {
		o.countFailure(err)
		return err
	}
	if !recorded {
		return nil
	}

	o.count(func(m *metrics.Metrics) { m.DosesMissed.Inc() })
	urgency := UrgencyMissed
	if cmd.Grace.Type == medication.TypeCritical {
		urgency = UrgencyCritical
	}
	o.notify(ctx, cmd, string(medication.EventDoseMissed), urgency,
		fmt.Sprintf("%s dose scheduled for %s was missed", cmd.Facts.Name, ev.ScheduledAt.Format("15:04")))
	return nil
}

func (d *Detector) observe(started time.Time, report SweepReport) {
	d.orch.count(func(m *metrics.Metrics) {
		m.SweepDuration.WithLabelValues("missed_detector").Observe(time.Since(started).Seconds())
		m.SweepBatchSize.WithLabelValues("missed_detector").Observe(float64(report.Examined))
	})
}
