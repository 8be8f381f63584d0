package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/famcare/medengine/internal/domain/medication"
	"github.com/famcare/medengine/internal/observability/metrics"
	"github.com/famcare/medengine/internal/schedule"
	"github.com/famcare/medengine/internal/store"
)

// Config tunes orchestrator behavior.
type Config struct {
	// InitialWindowDays is how far ahead doses are generated on create.
	InitialWindowDays int
	// RolloverWindowDays is the rolling window maintained by the daily job.
	RolloverWindowDays int
	// RetentionDays is how long resolved events stay in the live table.
	RetentionDays int
	// DetectorBatch bounds one missed-detection sweep.
	DetectorBatch int
}

// DefaultConfig returns the stock windows.
func DefaultConfig() Config {
	return Config{
		InitialWindowDays:  7,
		RolloverWindowDays: 7,
		RetentionDays:      30,
		DetectorBatch:      500,
	}
}

// Orchestrator implements the medication use cases over the transaction
// coordinator. All mutation goes through RunAtomic; collaborators are
// notified only after the atomic core commits.
type Orchestrator struct {
	store    store.Store
	coord    *store.Coordinator
	expander *schedule.Expander
	grace    *schedule.GraceCalculator
	notifier Notifier
	prefs    TimePreferences
	metrics  *metrics.Metrics
	logger   *zap.Logger
	tracer   trace.Tracer
	config   Config

	// now is the clock; overridden in tests.
	now func() time.Time
}

// Option configures the orchestrator.
type Option func(*Orchestrator)

// WithNotifier wires the notification collaborator.
func WithNotifier(n Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

// WithPreferences wires the patient time-preferences collaborator.
func WithPreferences(p TimePreferences) Option {
	return func(o *Orchestrator) { o.prefs = p }
}

// WithMetrics wires the metrics registry.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithConfig overrides the default windows.
func WithConfig(cfg Config) Option {
	return func(o *Orchestrator) { o.config = cfg }
}

// WithClock overrides the clock. Tests only.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New builds an orchestrator over a storage backend.
func New(s store.Store, logger *zap.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		store:    s,
		expander: schedule.NewExpander(),
		grace:    schedule.NewGraceCalculator(),
		notifier: NopNotifier{},
		prefs:    StaticPreferences{Prefs: schedule.DefaultPreferences()},
		logger:   logger,
		tracer:   otel.Tracer("orchestrator"),
		config:   DefaultConfig(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(o)
	}
	o.coord = store.NewCoordinator(s, store.DefaultCoordinatorConfig(), logger)
	return o
}

// ActionResult reports the outcome of a dose action. AlreadyHandled is the
// benign shape returned to the loser of a concurrent race or a retried call:
// the stored event is the one that won.
type ActionResult struct {
	Event          *medication.Event `json:"event"`
	AlreadyHandled bool              `json:"already_handled,omitempty"`
}

// CreateMedication validates the command, persists it, and generates the
// initial dose window, all in one atomic unit. Exactly one active command
// may exist per (patient, medication name).
func (o *Orchestrator) CreateMedication(ctx context.Context, cmd *medication.Command) (*medication.Command, []*medication.Event, error) {
	ctx, span := o.tracer.Start(ctx, "create_medication",
		trace.WithAttributes(attribute.String("patient_id", cmd.PatientID)))
	defer span.End()

	if err := cmd.Validate(); err != nil {
		return nil, nil, err
	}

	correlationID := correlationFrom(ctx)
	prefs, err := o.prefs.For(ctx, cmd.PatientID)
	if err != nil {
		prefs = schedule.DefaultPreferences()
	}

	var created []*medication.Event
	err = o.coord.RunAtomic(ctx, "create_medication", correlationID, func(ctx context.Context, tx store.Tx) error {
		created = created[:0]

		active := true
		existing, err := tx.Commands().List(ctx, store.CommandFilter{PatientID: cmd.PatientID, IsActive: &active}, store.Sort{})
		if err != nil {
			return err
		}
		for _, other := range existing {
			if other.Facts.Name == cmd.Facts.Name {
				return &medication.ConflictError{Reason: "active command already exists for " + cmd.Facts.Name}
			}
		}

		if err := tx.Commands().Create(ctx, cmd); err != nil {
			return err
		}

		windowStart := o.now()
		windowEnd := windowStart.AddDate(0, 0, o.config.InitialWindowDays)
		doses, err := o.generateDoses(ctx, tx, cmd, windowStart, windowEnd, correlationID, prefs)
		if err != nil {
			return err
		}

		schedEvent, err := medication.NewEvent(cmd.ID, cmd.PatientID, medication.EventScheduleCreated, correlationID,
			medication.ScheduleData{WindowStart: windowStart, WindowEnd: windowEnd, DoseCount: len(doses)})
		if err != nil {
			return err
		}
		if _, _, err := tx.Events().Append(ctx, schedEvent); err != nil {
			return err
		}

		created = append(created, schedEvent)
		created = append(created, doses...)
		return nil
	})
	if err != nil {
		o.countFailure(err)
		return nil, nil, err
	}

	o.count(func(m *metrics.Metrics) { m.CommandsCreated.Inc() })
	o.notify(ctx, cmd, string(medication.EventScheduleCreated), UrgencyRoutine,
		fmt.Sprintf("%s added to the medication schedule", cmd.Facts.Name))
	return cmd, created, nil
}

// GetMedication returns one command.
func (o *Orchestrator) GetMedication(ctx context.Context, id string) (*medication.Command, error) {
	return o.store.Commands().Get(ctx, id)
}

// ListMedications lists a patient's commands.
func (o *Orchestrator) ListMedications(ctx context.Context, f store.CommandFilter, s store.Sort) ([]*medication.Command, error) {
	return o.store.Commands().List(ctx, f, s)
}

// MarkTaken closes the open scheduled dose with a DOSE_TAKEN event.
// Idempotent: re-marking an already-taken dose returns the stored result.
func (o *Orchestrator) MarkTaken(ctx context.Context, commandID, eventID string, takenAt time.Time, notes string) (*ActionResult, error) {
	res, err := o.resolveDose(ctx, "mark_taken", commandID, eventID, medication.EventDoseTaken,
		medication.TakenData{TakenAt: takenAt.UTC(), Notes: notes})
	if err != nil {
		return nil, err
	}
	if !res.AlreadyHandled {
		o.count(func(m *metrics.Metrics) { m.DosesTaken.Inc() })
	}
	return res, nil
}

// SkipDose closes the open scheduled dose with a DOSE_SKIPPED event.
func (o *Orchestrator) SkipDose(ctx context.Context, commandID, eventID, reason string) (*ActionResult, error) {
	res, err := o.resolveDose(ctx, "skip_dose", commandID, eventID, medication.EventDoseSkipped,
		medication.SkippedData{SkippedAt: o.now(), Reason: reason})
	if err != nil {
		return nil, err
	}
	if !res.AlreadyHandled {
		o.count(func(m *metrics.Metrics) { m.DosesSkipped.Inc() })
	}
	return res, nil
}

// resolveDose is the shared take/skip path: find the open DOSE_SCHEDULED,
// win the close, append exactly one terminal event. The loser of a
// concurrent race gets the winner's event back with AlreadyHandled set when
// the winner performed the same action, and a ConflictError otherwise.
func (o *Orchestrator) resolveDose(ctx context.Context, op, commandID, eventID string, terminal medication.EventType, payload any) (*ActionResult, error) {
	ctx, span := o.tracer.Start(ctx, op, trace.WithAttributes(
		attribute.String("command_id", commandID),
		attribute.String("event_id", eventID)))
	defer span.End()

	correlationID := correlationFrom(ctx)
	result := &ActionResult{}

	err := o.coord.RunAtomic(ctx, op, correlationID, func(ctx context.Context, tx store.Tx) error {
		scheduled, err := o.doseEvent(ctx, tx, commandID, eventID)
		if err != nil {
			return err
		}

		won, err := tx.Events().CloseScheduled(ctx, scheduled.ID, terminal)
		if err != nil {
			return err
		}
		if !won {
			return o.lostRace(ctx, tx, scheduled, terminal, result)
		}

		ev, err := medication.NewEvent(commandID, scheduled.PatientID, terminal, correlationID, payload)
		if err != nil {
			return err
		}
		ev.Closes(scheduled)

		stored, inserted, err := tx.Events().Append(ctx, ev)
		if err != nil {
			return err
		}
		result.Event = stored
		result.AlreadyHandled = !inserted
		return nil
	})
	if err != nil {
		o.countFailure(err)
		return nil, err
	}
	return result, nil
}

// lostRace resolves the benign path after losing the close race: when the
// dose was already resolved the same way, return the winner's event.
func (o *Orchestrator) lostRace(ctx context.Context, tx store.Tx, scheduled *medication.Event, wanted medication.EventType, result *ActionResult) error {
	current, err := tx.Events().Get(ctx, scheduled.ID)
	if err != nil {
		return err
	}
	if current.ClosedBy != wanted {
		return &medication.ConflictError{
			Reason: fmt.Sprintf("dose already resolved by %s", current.ClosedBy),
		}
	}
	winner, err := o.terminalEvent(ctx, tx, scheduled)
	if err != nil {
		return err
	}
	result.Event = winner
	result.AlreadyHandled = true
	return nil
}

// Undo re-opens a resolved dose. Legal only while the completion event is
// the most recent event for that dose.
func (o *Orchestrator) Undo(ctx context.Context, commandID, eventID string) (*ActionResult, error) {
	ctx, span := o.tracer.Start(ctx, "undo_dose")
	defer span.End()

	correlationID := correlationFrom(ctx)
	result := &ActionResult{}

	err := o.coord.RunAtomic(ctx, "undo_dose", correlationID, func(ctx context.Context, tx store.Tx) error {
		scheduled, err := o.doseEvent(ctx, tx, commandID, eventID)
		if err != nil {
			return err
		}
		if !scheduled.ClosedBy.Terminal() {
			return &medication.ConflictError{Reason: "dose has no completion to undo"}
		}

		chain, err := tx.Events().Query(ctx, store.EventFilter{
			CommandID: commandID,
			From:      scheduled.ScheduledAt,
			To:        scheduled.ScheduledAt,
		})
		if err != nil {
			return err
		}
		if len(chain) > 0 {
			last := chain[len(chain)-1]
			if !last.Type.Terminal() && last.Type != medication.EventDoseScheduled {
				return &medication.ConflictError{Reason: "completion event is no longer the most recent for this dose"}
			}
		}

		undone := scheduled.ClosedBy
		undo, err := medication.NewEvent(commandID, scheduled.PatientID, medication.EventDoseUndo, correlationID,
			medication.UndoData{UndoneAt: o.now(), UndoneType: undone})
		if err != nil {
			return err
		}
		undo.Closes(scheduled)
		if _, _, err := tx.Events().Append(ctx, undo); err != nil {
			return err
		}
		if err := tx.Events().ReopenScheduled(ctx, scheduled.ID); err != nil {
			return err
		}
		result.Event = undo
		return nil
	})
	if err != nil {
		o.countFailure(err)
		return nil, err
	}
	return result, nil
}

// SnoozeDose pushes the open dose's effective due time forward. The open
// event is mutated in place rather than scheduling a competing dose, so the
// single-terminal-event guarantee stays intact.
func (o *Orchestrator) SnoozeDose(ctx context.Context, commandID, eventID string, minutes int) (*ActionResult, error) {
	if minutes <= 0 {
		return nil, &medication.ValidationError{Field: "snooze_minutes", Reason: "must be positive"}
	}

	ctx, span := o.tracer.Start(ctx, "snooze_dose")
	defer span.End()

	correlationID := correlationFrom(ctx)
	result := &ActionResult{}

	err := o.coord.RunAtomic(ctx, "snooze_dose", correlationID, func(ctx context.Context, tx store.Tx) error {
		scheduled, err := o.doseEvent(ctx, tx, commandID, eventID)
		if err != nil {
			return err
		}

		newDue := scheduled.EffectiveDue().Add(time.Duration(minutes) * time.Minute)
		if err := tx.Events().Snooze(ctx, scheduled.ID, newDue); err != nil {
			return err
		}

		ev, err := medication.NewEvent(commandID, scheduled.PatientID, medication.EventDoseSnoozed, correlationID,
			medication.SnoozedData{SnoozedAt: o.now(), SnoozeMinutes: minutes, NewDueAt: newDue})
		if err != nil {
			return err
		}
		ev.Closes(scheduled)
		if _, _, err := tx.Events().Append(ctx, ev); err != nil {
			return err
		}
		result.Event = ev
		return nil
	})
	if err != nil {
		o.countFailure(err)
		return nil, err
	}
	o.count(func(m *metrics.Metrics) { m.DosesSnoozed.Inc() })
	return result, nil
}

// ChangeStatus drives the lifecycle state machine. Pausing removes future
// open doses; resuming regenerates the rolling window from now, without
// backfilling the paused interval.
func (o *Orchestrator) ChangeStatus(ctx context.Context, commandID string, change medication.StatusChange) (*medication.Command, error) {
	ctx, span := o.tracer.Start(ctx, "change_status", trace.WithAttributes(
		attribute.String("command_id", commandID),
		attribute.String("to", string(change.To))))
	defer span.End()

	correlationID := correlationFrom(ctx)
	var updated *medication.Command

	err := o.coord.RunAtomic(ctx, "change_status", correlationID, func(ctx context.Context, tx store.Tx) error {
		cmd, err := tx.Commands().Get(ctx, commandID)
		if err != nil {
			return err
		}
		from := cmd.State.Current
		if from == change.To {
			updated = cmd
			return nil
		}
		if !from.CanTransition(change.To) {
			return &medication.ConflictError{
				Reason: fmt.Sprintf("illegal transition %s -> %s", from, change.To),
			}
		}

		now := o.now()
		cmd.State.Current = change.To
		cmd.State.IsActive = change.To == medication.StatusActive
		cmd.State.LastStatusChange = now
		cmd.State.PausedUntil = nil
		switch change.To {
		case medication.StatusPaused:
			cmd.State.PausedUntil = change.PausedUntil
		case medication.StatusDiscontinued:
			cmd.State.DiscontinueDate = &now
		}
		cmd.Touch()
		if err := tx.Commands().Update(ctx, cmd); err != nil {
			return err
		}

		ev, err := medication.NewEvent(commandID, cmd.PatientID, medication.EventStatusChanged, correlationID,
			medication.StatusChangedData{From: from, To: change.To, Reason: change.Reason})
		if err != nil {
			return err
		}
		if _, _, err := tx.Events().Append(ctx, ev); err != nil {
			return err
		}

		switch change.To {
		case medication.StatusPaused, medication.StatusDiscontinued:
			if _, err := tx.Events().DeleteOpenAfter(ctx, commandID, now); err != nil {
				return err
			}
		case medication.StatusActive:
			if !cmd.IsPRN() {
				prefs := o.prefsFor(ctx, cmd.PatientID)
				end := now.AddDate(0, 0, o.config.RolloverWindowDays)
				if _, err := o.regenerate(ctx, tx, cmd, now, end, correlationID, prefs); err != nil {
					return err
				}
			}
		}

		updated = cmd
		return nil
	})
	if err != nil {
		o.countFailure(err)
		return nil, err
	}

	o.notify(ctx, updated, string(medication.EventStatusChanged), UrgencyRoutine,
		fmt.Sprintf("%s is now %s", updated.Facts.Name, updated.State.Current))
	return updated, nil
}

// PatchSchedule merges a partial schedule update, re-validates, and
// regenerates upcoming doses against the new schedule.
func (o *Orchestrator) PatchSchedule(ctx context.Context, commandID string, patch medication.SchedulePatch) (*medication.Command, error) {
	correlationID := correlationFrom(ctx)
	var updated *medication.Command

	err := o.coord.RunAtomic(ctx, "patch_schedule", correlationID, func(ctx context.Context, tx store.Tx) error {
		cmd, err := tx.Commands().Get(ctx, commandID)
		if err != nil {
			return err
		}
		patch.Apply(&cmd.Schedule)
		if err := cmd.Validate(); err != nil {
			return err
		}
		cmd.Touch()
		if err := tx.Commands().Update(ctx, cmd); err != nil {
			return err
		}

		now := o.now()
		// The old upcoming doses no longer reflect the schedule.
		if _, err := tx.Events().DeleteOpenAfter(ctx, commandID, now); err != nil {
			return err
		}
		if cmd.State.IsActive && !cmd.IsPRN() {
			prefs := o.prefsFor(ctx, cmd.PatientID)
			end := now.AddDate(0, 0, o.config.RolloverWindowDays)
			if _, err := o.regenerate(ctx, tx, cmd, now, end, correlationID, prefs); err != nil {
				return err
			}
		}
		updated = cmd
		return nil
	})
	if err != nil {
		o.countFailure(err)
		return nil, err
	}
	return updated, nil
}

// PatchReminders merges a partial reminders update.
func (o *Orchestrator) PatchReminders(ctx context.Context, commandID string, patch medication.RemindersPatch) (*medication.Command, error) {
	correlationID := correlationFrom(ctx)
	var updated *medication.Command

	err := o.coord.RunAtomic(ctx, "patch_reminders", correlationID, func(ctx context.Context, tx store.Tx) error {
		cmd, err := tx.Commands().Get(ctx, commandID)
		if err != nil {
			return err
		}
		patch.Apply(&cmd.Reminders)
		cmd.Touch()
		if err := tx.Commands().Update(ctx, cmd); err != nil {
			return err
		}
		updated = cmd
		return nil
	})
	if err != nil {
		o.countFailure(err)
		return nil, err
	}
	return updated, nil
}

// DeleteMedication removes a medication. Soft delete discontinues it; hard
// delete removes the command and cascades to every event referencing it,
// archived included — guaranteed by the store, not by a cleanup job.
func (o *Orchestrator) DeleteMedication(ctx context.Context, commandID string, hard bool) error {
	if !hard {
		_, err := o.ChangeStatus(ctx, commandID, medication.StatusChange{To: medication.StatusDiscontinued, Reason: "deleted"})
		return err
	}

	correlationID := correlationFrom(ctx)
	err := o.coord.RunAtomic(ctx, "delete_medication", correlationID, func(ctx context.Context, tx store.Tx) error {
		return tx.Commands().Delete(ctx, commandID)
	})
	if err != nil {
		o.countFailure(err)
		return err
	}
	o.count(func(m *metrics.Metrics) { m.CommandsDeleted.Inc() })
	return nil
}

// RegenerateScheduledEvents rebuilds the upcoming dose window for one
// command. Idempotent: instants that already carry a scheduled dose, open or
// resolved, are never emitted twice.
func (o *Orchestrator) RegenerateScheduledEvents(ctx context.Context, commandID string, windowStart, windowEnd time.Time) (int, error) {
	correlationID := correlationFrom(ctx)
	count := 0

	err := o.coord.RunAtomic(ctx, "regenerate_scheduled", correlationID, func(ctx context.Context, tx store.Tx) error {
		cmd, err := tx.Commands().Get(ctx, commandID)
		if err != nil {
			return err
		}
		if !cmd.State.IsActive || cmd.IsPRN() {
			count = 0
			return nil
		}
		prefs := o.prefsFor(ctx, cmd.PatientID)
		count, err = o.regenerate(ctx, tx, cmd, windowStart, windowEnd, correlationID, prefs)
		return err
	})
	if err != nil {
		o.countFailure(err)
		return 0, err
	}
	return count, nil
}

// regenerate expands the window and appends doses for instants not already
// scheduled, plus one SCHEDULE_REGENERATED marker when anything was added.
func (o *Orchestrator) regenerate(ctx context.Context, tx store.Tx, cmd *medication.Command, windowStart, windowEnd time.Time, correlationID string, prefs schedule.Preferences) (int, error) {
	doses, err := o.generateDoses(ctx, tx, cmd, windowStart, windowEnd, correlationID, prefs)
	if err != nil {
		return 0, err
	}
	if len(doses) == 0 {
		return 0, nil
	}

	ev, err := medication.NewEvent(cmd.ID, cmd.PatientID, medication.EventScheduleRegenerated, correlationID,
		medication.ScheduleData{WindowStart: windowStart, WindowEnd: windowEnd, DoseCount: len(doses)})
	if err != nil {
		return 0, err
	}
	if _, _, err := tx.Events().Append(ctx, ev); err != nil {
		return 0, err
	}
	return len(doses), nil
}

// generateDoses expands the schedule and appends one DOSE_SCHEDULED per new
// instant, with the grace window stamped at generation time.
func (o *Orchestrator) generateDoses(ctx context.Context, tx store.Tx, cmd *medication.Command, windowStart, windowEnd time.Time, correlationID string, prefs schedule.Preferences) ([]*medication.Event, error) {
	if cmd.IsPRN() {
		return nil, nil
	}

	instants := o.expander.Expand(cmd.Schedule, windowStart, windowEnd, prefs)
	if len(instants) == 0 {
		return nil, nil
	}

	existing, err := tx.Events().Query(ctx, store.EventFilter{
		CommandID: cmd.ID,
		Types:     []medication.EventType{medication.EventDoseScheduled},
		From:      windowStart.AddDate(0, 0, -1),
		To:        windowEnd.AddDate(0, 0, 1),
	})
	if err != nil {
		return nil, err
	}
	taken := make(map[int64]bool, len(existing))
	for _, e := range existing {
		taken[e.ScheduledAt.Unix()] = true
	}

	var out []*medication.Event
	for _, at := range instants {
		if taken[at.Unix()] {
			continue
		}
		ev, err := medication.NewEvent(cmd.ID, cmd.PatientID, medication.EventDoseScheduled, correlationID, nil)
		if err != nil {
			return nil, err
		}
		ev.ForDose(at, o.grace.GraceEnd(cmd.Grace, at, prefs))
		stored, inserted, err := tx.Events().Append(ctx, ev)
		if err != nil {
			return nil, err
		}
		if inserted {
			out = append(out, stored)
			o.count(func(m *metrics.Metrics) { m.DosesScheduled.Inc() })
		}
	}
	return out, nil
}

// QueryEvents exposes the event log.
func (o *Orchestrator) QueryEvents(ctx context.Context, f store.EventFilter) ([]*medication.Event, error) {
	return o.store.Events().Query(ctx, f)
}

// Adherence derives dose outcome metrics for a patient over a range.
func (o *Orchestrator) Adherence(ctx context.Context, patientID string, from, to time.Time) (*medication.Adherence, error) {
	return o.store.Events().Adherence(ctx, patientID, from, to)
}

// TodayView computes the derived buckets view: open doses joined with their
// command's current state, grouped by urgency and slot. Computed fresh on
// every read.
func (o *Orchestrator) TodayView(ctx context.Context, patientID string) (*schedule.DayView, error) {
	now := o.now()
	open, err := o.store.Events().Query(ctx, store.EventFilter{
		PatientID: patientID,
		OpenOnly:  true,
		To:        now.AddDate(0, 0, 1),
	})
	if err != nil {
		return nil, err
	}

	active := true
	cmds, err := o.store.Commands().List(ctx, store.CommandFilter{PatientID: patientID, IsActive: &active}, store.Sort{})
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*medication.Command, len(cmds))
	for _, c := range cmds {
		byID[c.ID] = c
	}

	return schedule.BuildDayView(patientID, now, open, byID, o.prefsFor(ctx, patientID)), nil
}

// doseEvent loads a DOSE_SCHEDULED event and verifies it belongs to the
// command. Open/resolved state is settled by the conditional close, not
// here, so a racing read cannot go stale.
func (o *Orchestrator) doseEvent(ctx context.Context, tx store.Tx, commandID, eventID string) (*medication.Event, error) {
	ev, err := tx.Events().Get(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if ev.CommandID != commandID {
		return nil, &medication.NotFoundError{Kind: "event", ID: eventID}
	}
	if ev.Type != medication.EventDoseScheduled {
		return nil, &medication.ValidationError{Field: "event_id", Reason: "not a scheduled dose"}
	}
	return ev, nil
}

// terminalEvent finds the completion event for a resolved dose.
func (o *Orchestrator) terminalEvent(ctx context.Context, tx store.Tx, scheduled *medication.Event) (*medication.Event, error) {
	events, err := tx.Events().Query(ctx, store.EventFilter{
		CommandID: scheduled.CommandID,
		From:      scheduled.ScheduledAt,
		To:        scheduled.ScheduledAt,
		Types: []medication.EventType{
			medication.EventDoseTaken, medication.EventDoseMissed, medication.EventDoseSkipped,
		},
	})
	if err != nil {
		return nil, err
	}
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].ClosesEventID == scheduled.ID {
			return events[i], nil
		}
	}
	return nil, &medication.NotFoundError{Kind: "event", ID: "completion for " + scheduled.ID}
}

func (o *Orchestrator) prefsFor(ctx context.Context, patientID string) schedule.Preferences {
	prefs, err := o.prefs.For(ctx, patientID)
	if err != nil {
		o.logger.Warn("time preferences unavailable, using defaults",
			zap.String("patient_id", patientID), zap.Error(err))
		return schedule.DefaultPreferences()
	}
	return prefs
}

// notify hands a notification to the collaborator after commit. Failures
// are logged, never propagated.
func (o *Orchestrator) notify(ctx context.Context, cmd *medication.Command, eventType string, urgency Urgency, message string) {
	if cmd == nil {
		return
	}
	n := Notification{
		PatientID:  cmd.PatientID,
		CommandID:  cmd.ID,
		EventType:  eventType,
		Urgency:    urgency,
		Medication: cmd.Facts.Name,
		Message:    message,
		OccurredAt: o.now(),
	}
	if err := o.notifier.Send(context.WithoutCancel(ctx), n); err != nil {
		o.count(func(m *metrics.Metrics) { m.NotificationsFailed.Inc() })
		o.logger.Warn("notification send failed",
			zap.String("command_id", cmd.ID),
			zap.String("event_type", eventType),
			zap.Error(err))
		return
	}
	o.count(func(m *metrics.Metrics) { m.NotificationsSent.Inc() })
}

func (o *Orchestrator) count(fn func(*metrics.Metrics)) {
	if o.metrics != nil {
		fn(o.metrics)
	}
}

func (o *Orchestrator) countFailure(err error) {
	if medication.Classify(err) == medication.ClassFatal {
		o.count(func(m *metrics.Metrics) { m.AtomicUnitFailures.Inc() })
	}
}

type correlationKey struct{}

// WithCorrelation stamps a correlation id on the context. The API middleware
// does this from the request id; sweeps mint their own per pass.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

func correlationFrom(ctx context.Context) string {
	if id, ok := ctx.Value(correlationKey{}).(string); ok && id != "" {
		return id
	}
	return uuid.New().String()
}
