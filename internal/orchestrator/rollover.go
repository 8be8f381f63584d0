package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/famcare/medengine/internal/observability/metrics"
	"github.com/famcare/medengine/internal/store"
	"github.com/famcare/medengine/pkg/workerpool"
)

// Rollover is the daily maintenance job: it extends each active schedule's
// dose window forward and moves long-resolved events to the archive table.
// Every step is idempotent, so a crashed or doubled run changes nothing.
type Rollover struct {
	orch     *Orchestrator
	pool     *workerpool.Pool
	interval time.Duration
	logger   *zap.Logger

	done    chan struct{}
	stopped chan struct{}
}

// NewRollover builds the rollover job. The pool spreads per-command
// regeneration across workers; pass nil to run sequentially.
func NewRollover(orch *Orchestrator, pool *workerpool.Pool, interval time.Duration) *Rollover {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &Rollover{
		orch:     orch,
		pool:     pool,
		interval: interval,
		logger:   orch.logger.Named("rollover"),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Start runs the rollover loop until Stop.
func (r *Rollover) Start(ctx context.Context) {
	go r.loop(ctx)
}

// Stop signals the loop and waits for the in-flight run to finish.
func (r *Rollover) Stop() {
	close(r.done)
	<-r.stopped
}

func (r *Rollover) loop(ctx context.Context) {
	defer close(r.stopped)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("rollover job started", zap.Duration("interval", r.interval))
	for {
		select {
		case <-r.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			report := r.RunOnce(ctx)
			r.logger.Info("rollover finished",
				zap.Int("commands", report.Commands),
				zap.Int("doses_generated", report.DosesGenerated),
				zap.Int("events_archived", report.EventsArchived),
				zap.Int("failures", report.Failures))
		}
	}
}

// RolloverReport summarizes one rollover run.
type RolloverReport struct {
	Commands       int `json:"commands"`
	DosesGenerated int `json:"doses_generated"`
	EventsArchived int `json:"events_archived"`
	Failures       int `json:"failures"`
}

// RunOnce extends every active non-PRN command's window to now plus the
// rolling horizon, then archives resolved events past retention. Each
// command is its own atomic unit so one bad schedule cannot stall the rest.
func (r *Rollover) RunOnce(ctx context.Context) RolloverReport {
	started := time.Now()
	now := r.orch.now()
	report := RolloverReport{}

	active := true
	prn := false
	cmds, err := r.orch.store.Commands().List(ctx, store.CommandFilter{IsActive: &active, IsPRN: &prn}, store.Sort{})
	if err != nil {
		r.logger.Error("rollover listing failed", zap.Error(err))
		report.Failures++
		return report
	}
	report.Commands = len(cmds)

	windowEnd := now.AddDate(0, 0, r.orch.config.RolloverWindowDays)
	results := make(chan rolloverResult, len(cmds))
	for _, cmd := range cmds {
		id := cmd.ID
		run := func(ctx context.Context) error {
			n, err := r.rollCommand(ctx, id, now, windowEnd)
			results <- rolloverResult{generated: n, err: err}
			return err
		}
		if r.pool == nil {
			_ = run(ctx)
			continue
		}
		if err := r.pool.Submit(&workerpool.Task{ID: "rollover:" + id, Run: run}); err != nil {
			results <- rolloverResult{err: err}
		}
	}
	if r.pool != nil {
		if err := r.pool.Drain(ctx); err != nil {
			r.logger.Warn("rollover drain interrupted", zap.Error(err))
		}
	}
	close(results)
	for res := range results {
		if res.err != nil {
			report.Failures++
			continue
		}
		report.DosesGenerated += res.generated
	}

	archived, err := r.archive(ctx, now)
	if err != nil {
		r.logger.Error("event archiving failed", zap.Error(err))
		report.Failures++
	}
	report.EventsArchived = archived

	r.orch.count(func(m *metrics.Metrics) {
		m.SweepDuration.WithLabelValues("rollover").Observe(time.Since(started).Seconds())
		m.SweepBatchSize.WithLabelValues("rollover").Observe(float64(report.Commands))
	})
	return report
}

type rolloverResult struct {
	generated int
	err       error
}

// rollCommand regenerates one command's window and stamps the computed-
// schedule bookkeeping. Instants already scheduled are never re-emitted.
func (r *Rollover) rollCommand(ctx context.Context, commandID string, now, windowEnd time.Time) (int, error) {
	o := r.orch
	correlationID := uuid.New().String()
	generated := 0

	err := o.coord.RunAtomic(ctx, "rollover_command", correlationID, func(ctx context.Context, tx store.Tx) error {
		cmd, err := tx.Commands().Get(ctx, commandID)
		if err != nil {
			return err
		}
		if !cmd.State.IsActive || cmd.IsPRN() {
			generated = 0
			return nil
		}

		prefs := o.prefsFor(ctx, cmd.PatientID)
		generated, err = o.regenerate(ctx, tx, cmd, now, windowEnd, correlationID, prefs)
		if err != nil {
			return err
		}

		next := now.Add(r.interval)
		cmd.Schedule.LastComputedAt = &now
		cmd.Schedule.NextRecompute = &next
		cmd.Touch()
		return tx.Commands().Update(ctx, cmd)
	})
	if err != nil {
		o.countFailure(err)
		return 0, fmt.Errorf("roll command %s: %w", commandID, err)
	}
	return generated, nil
}

// archive moves resolved events older than the retention horizon out of the
// live table. Open doses never move regardless of age.
func (r *Rollover) archive(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.AddDate(0, 0, -r.orch.config.RetentionDays)
	moved := 0
	err := r.orch.coord.RunAtomic(ctx, "archive_events", uuid.New().String(), func(ctx context.Context, tx store.Tx) error {
		var err error
		moved, err = tx.Events().Archive(ctx, cutoff)
		return err
	})
	if err != nil {
		r.orch.countFailure(err)
		return 0, err
	}
	return moved, nil
}
