package orchestrator_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/famcare/medengine/internal/domain/medication"
	"github.com/famcare/medengine/internal/orchestrator"
	"github.com/famcare/medengine/internal/schedule"
	"github.com/famcare/medengine/internal/store"
	"github.com/famcare/medengine/internal/store/memory"
)

// monday anchors every scenario: 2026-01-05 is a plain weekday.
var monday = time.Date(2026, time.January, 5, 7, 0, 0, 0, time.UTC)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

type captureNotifier struct {
	mu   sync.Mutex
	sent []orchestrator.Notification
	err  error
}

var _ orchestrator.Notifier = (*captureNotifier)(nil)

func (c *captureNotifier) Send(_ context.Context, n orchestrator.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, n)
	return nil
}

func (c *captureNotifier) byType(eventType string) []orchestrator.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []orchestrator.Notification
	for _, n := range c.sent {
		if n.EventType == eventType {
			out = append(out, n)
		}
	}
	return out
}

type fixture struct {
	orch  *orchestrator.Orchestrator
	store *memory.Store
	notes *captureNotifier
	clock *clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fx := &fixture{
		store: memory.New(),
		notes: &captureNotifier{},
		clock: &clock{t: monday},
	}
	fx.orch = orchestrator.New(fx.store, zap.NewNop(),
		orchestrator.WithClock(fx.clock.now),
		orchestrator.WithNotifier(fx.notes),
		orchestrator.WithConfig(orchestrator.Config{
			InitialWindowDays:  1,
			RolloverWindowDays: 1,
			RetentionDays:      30,
			DetectorBatch:      500,
		}),
	)
	return fx
}

func (fx *fixture) createMed(t *testing.T, name string, typ medication.Type) (*medication.Command, []*medication.Event) {
	t.Helper()
	cmd := medication.NewCommand("pat-1", "caregiver-1")
	cmd.Facts = medication.Facts{Name: name, Dosage: "10mg"}
	cmd.Schedule = medication.Schedule{
		Frequency:    medication.FrequencyTwiceDaily,
		Times:        []string{"08:00", "20:00"},
		StartDate:    monday,
		IsIndefinite: true,
	}
	cmd.Grace = medication.Grace{Type: typ}

	created, events, err := fx.orch.CreateMedication(context.Background(), cmd)
	require.NoError(t, err)
	return created, events
}

// dose finds the DOSE_SCHEDULED event for one instant.
func (fx *fixture) dose(t *testing.T, commandID string, at time.Time) *medication.Event {
	t.Helper()
	evs, err := fx.store.Events().Query(context.Background(), store.EventFilter{
		CommandID: commandID,
		Types:     []medication.EventType{medication.EventDoseScheduled},
	})
	require.NoError(t, err)
	for _, ev := range evs {
		if ev.ScheduledAt.Equal(at) {
			return ev
		}
	}
	t.Fatalf("no scheduled dose at %s", at)
	return nil
}

func at(hour, min int) time.Time {
	return time.Date(2026, time.January, 5, hour, min, 0, 0, time.UTC)
}

func TestCreateMedicationGeneratesInitialWindow(t *testing.T) {
	fx := newFixture(t)
	cmd, events := fx.createMed(t, "Lisinopril", medication.TypeStandard)

	// One SCHEDULE_CREATED marker plus two doses per day over the window.
	var doses, markers int
	for _, ev := range events {
		switch ev.Type {
		case medication.EventDoseScheduled:
			doses++
			assert.Equal(t, cmd.ID, ev.CommandID)
			assert.True(t, ev.Open())
			// Standard morning/evening slots carry a 30-minute window.
			assert.Equal(t, ev.ScheduledAt.Add(30*time.Minute), ev.GraceEndsAt)
		case medication.EventScheduleCreated:
			markers++
		}
	}
	assert.Equal(t, 4, doses)
	assert.Equal(t, 1, markers)

	today := fx.dose(t, cmd.ID, at(8, 0))
	assert.True(t, today.Open())

	require.Len(t, fx.notes.byType(string(medication.EventScheduleCreated)), 1)
}

func TestCreateMedicationRejectsDuplicateActiveName(t *testing.T) {
	fx := newFixture(t)
	fx.createMed(t, "Lisinopril", medication.TypeStandard)

	dup := medication.NewCommand("pat-1", "caregiver-1")
	dup.Facts = medication.Facts{Name: "Lisinopril"}
	dup.Schedule = medication.Schedule{
		Frequency:    medication.FrequencyDaily,
		Times:        []string{"09:00"},
		StartDate:    monday,
		IsIndefinite: true,
	}
	_, _, err := fx.orch.CreateMedication(context.Background(), dup)
	require.Error(t, err)
	assert.Equal(t, medication.ClassConflict, medication.Classify(err))

	// A different patient can carry the same medication name.
	other := medication.NewCommand("pat-2", "caregiver-1")
	other.Facts = medication.Facts{Name: "Lisinopril"}
	other.Schedule = dup.Schedule
	_, _, err = fx.orch.CreateMedication(context.Background(), other)
	assert.NoError(t, err)
}

func TestCreateMedicationValidates(t *testing.T) {
	fx := newFixture(t)
	bad := medication.NewCommand("pat-1", "")
	bad.Facts = medication.Facts{Name: "Aspirin"}
	bad.Schedule = medication.Schedule{
		Frequency: medication.FrequencyTwiceDaily,
		Times:     []string{"08:00"}, // cardinality mismatch
		StartDate: monday,
	}
	_, _, err := fx.orch.CreateMedication(context.Background(), bad)
	require.Error(t, err)
	assert.Equal(t, medication.ClassValidation, medication.Classify(err))

	cmds, err := fx.orch.ListMedications(context.Background(), store.CommandFilter{PatientID: "pat-1"}, store.Sort{})
	require.NoError(t, err)
	assert.Empty(t, cmds, "rejected command must leave nothing behind")
}

func TestCreatePRNGeneratesNoDoses(t *testing.T) {
	fx := newFixture(t)
	cmd := medication.NewCommand("pat-1", "caregiver-1")
	cmd.Facts = medication.Facts{Name: "Ibuprofen"}
	cmd.Schedule = medication.Schedule{
		Frequency: medication.FrequencyAsNeeded,
		StartDate: monday,
	}
	cmd.Grace = medication.Grace{Type: medication.TypePRN}

	_, events, err := fx.orch.CreateMedication(context.Background(), cmd)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, medication.EventScheduleCreated, events[0].Type)
}

func TestMarkTakenClosesDose(t *testing.T) {
	fx := newFixture(t)
	cmd, _ := fx.createMed(t, "Lisinopril", medication.TypeStandard)
	dose := fx.dose(t, cmd.ID, at(8, 0))

	fx.clock.set(at(8, 5))
	res, err := fx.orch.MarkTaken(context.Background(), cmd.ID, dose.ID, at(8, 5), "with breakfast")
	require.NoError(t, err)
	assert.False(t, res.AlreadyHandled)
	assert.Equal(t, medication.EventDoseTaken, res.Event.Type)
	assert.Equal(t, dose.ID, res.Event.ClosesEventID)

	var data medication.TakenData
	require.NoError(t, json.Unmarshal(res.Event.Payload, &data))
	assert.Equal(t, "with breakfast", data.Notes)

	closed, err := fx.store.Events().Get(context.Background(), dose.ID)
	require.NoError(t, err)
	assert.Equal(t, medication.EventDoseTaken, closed.ClosedBy)

	view, err := fx.orch.TodayView(context.Background(), "pat-1")
	require.NoError(t, err)
	for bucket, entries := range view.Buckets {
		for _, e := range entries {
			assert.NotEqual(t, dose.ID, e.EventID, "taken dose leaked into bucket %s", bucket)
		}
	}
}

func TestMarkTakenIdempotent(t *testing.T) {
	fx := newFixture(t)
	cmd, _ := fx.createMed(t, "Lisinopril", medication.TypeStandard)
	dose := fx.dose(t, cmd.ID, at(8, 0))

	fx.clock.set(at(8, 5))
	first, err := fx.orch.MarkTaken(context.Background(), cmd.ID, dose.ID, at(8, 5), "")
	require.NoError(t, err)

	// The retry loses the close race to itself and gets the stored event back.
	second, err := fx.orch.MarkTaken(context.Background(), cmd.ID, dose.ID, at(8, 6), "")
	require.NoError(t, err)
	assert.True(t, second.AlreadyHandled)
	assert.Equal(t, first.Event.ID, second.Event.ID)

	taken, err := fx.orch.QueryEvents(context.Background(), store.EventFilter{
		CommandID: cmd.ID,
		Types:     []medication.EventType{medication.EventDoseTaken},
	})
	require.NoError(t, err)
	assert.Len(t, taken, 1, "exactly one terminal event per dose")
}

func TestConflictingResolutions(t *testing.T) {
	fx := newFixture(t)
	cmd, _ := fx.createMed(t, "Lisinopril", medication.TypeStandard)
	dose := fx.dose(t, cmd.ID, at(8, 0))

	fx.clock.set(at(8, 5))
	_, err := fx.orch.MarkTaken(context.Background(), cmd.ID, dose.ID, at(8, 5), "")
	require.NoError(t, err)

	// A different action on a resolved dose is a real conflict, not idempotence.
	_, err = fx.orch.SkipDose(context.Background(), cmd.ID, dose.ID, "nausea")
	require.Error(t, err)
	assert.Equal(t, medication.ClassConflict, medication.Classify(err))
}

func TestConcurrentTakes(t *testing.T) {
	fx := newFixture(t)
	cmd, _ := fx.createMed(t, "Lisinopril", medication.TypeStandard)
	dose := fx.dose(t, cmd.ID, at(8, 0))
	fx.clock.set(at(8, 5))

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = fx.orch.MarkTaken(context.Background(), cmd.ID, dose.ID, at(8, 5), "")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "caller %d", i)
	}
	taken, err := fx.orch.QueryEvents(context.Background(), store.EventFilter{
		CommandID: cmd.ID,
		Types:     []medication.EventType{medication.EventDoseTaken},
	})
	require.NoError(t, err)
	assert.Len(t, taken, 1, "concurrent callers must produce exactly one terminal event")
}

func TestSkipDose(t *testing.T) {
	fx := newFixture(t)
	cmd, _ := fx.createMed(t, "Lisinopril", medication.TypeStandard)
	dose := fx.dose(t, cmd.ID, at(8, 0))

	fx.clock.set(at(8, 10))
	res, err := fx.orch.SkipDose(context.Background(), cmd.ID, dose.ID, "fasting for labs")
	require.NoError(t, err)
	assert.Equal(t, medication.EventDoseSkipped, res.Event.Type)

	var data medication.SkippedData
	require.NoError(t, json.Unmarshal(res.Event.Payload, &data))
	assert.Equal(t, "fasting for labs", data.Reason)
}

func TestUndoThenRetake(t *testing.T) {
	fx := newFixture(t)
	cmd, _ := fx.createMed(t, "Lisinopril", medication.TypeStandard)
	dose := fx.dose(t, cmd.ID, at(8, 0))

	fx.clock.set(at(8, 5))
	_, err := fx.orch.MarkTaken(context.Background(), cmd.ID, dose.ID, at(8, 5), "")
	require.NoError(t, err)

	undo, err := fx.orch.Undo(context.Background(), cmd.ID, dose.ID)
	require.NoError(t, err)
	assert.Equal(t, medication.EventDoseUndo, undo.Event.Type)

	var data medication.UndoData
	require.NoError(t, json.Unmarshal(undo.Event.Payload, &data))
	assert.Equal(t, medication.EventDoseTaken, data.UndoneType)

	reopened, err := fx.store.Events().Get(context.Background(), dose.ID)
	require.NoError(t, err)
	assert.True(t, reopened.Open(), "undo must re-open the scheduled dose")

	// The undone dose can be resolved again, yielding a second terminal
	// event for the same instant. That is the legal shape of undo-then-retake.
	retake, err := fx.orch.MarkTaken(context.Background(), cmd.ID, dose.ID, at(8, 20), "")
	require.NoError(t, err)
	assert.False(t, retake.AlreadyHandled)

	taken, err := fx.orch.QueryEvents(context.Background(), store.EventFilter{
		CommandID: cmd.ID,
		Types:     []medication.EventType{medication.EventDoseTaken},
	})
	require.NoError(t, err)
	assert.Len(t, taken, 2)
}

func TestUndoRequiresCompletion(t *testing.T) {
	fx := newFixture(t)
	cmd, _ := fx.createMed(t, "Lisinopril", medication.TypeStandard)
	dose := fx.dose(t, cmd.ID, at(8, 0))

	_, err := fx.orch.Undo(context.Background(), cmd.ID, dose.ID)
	require.Error(t, err)
	assert.Equal(t, medication.ClassConflict, medication.Classify(err))
}

func TestUndoRejectedWhenCompletionIsStale(t *testing.T) {
	fx := newFixture(t)
	cmd, _ := fx.createMed(t, "Lisinopril", medication.TypeStandard)
	dose := fx.dose(t, cmd.ID, at(8, 0))

	fx.clock.set(at(8, 5))
	_, err := fx.orch.MarkTaken(context.Background(), cmd.ID, dose.ID, at(8, 5), "")
	require.NoError(t, err)

	// A later non-terminal event for the same dose makes the completion stale.
	scheduled, err := fx.store.Events().Get(context.Background(), dose.ID)
	require.NoError(t, err)
	audit, err := medication.NewEvent(cmd.ID, cmd.PatientID, medication.EventDoseSnoozed, "late-audit", nil)
	require.NoError(t, err)
	audit.Closes(scheduled)
	audit.Timestamp = time.Now().UTC().Add(time.Minute)
	_, _, err = fx.store.Events().Append(context.Background(), audit)
	require.NoError(t, err)

	_, err = fx.orch.Undo(context.Background(), cmd.ID, dose.ID)
	require.Error(t, err)
	assert.Equal(t, medication.ClassConflict, medication.Classify(err))
}

func TestSnoozeDose(t *testing.T) {
	fx := newFixture(t)
	cmd, _ := fx.createMed(t, "Warfarin", medication.TypeCritical)
	dose := fx.dose(t, cmd.ID, at(8, 0))

	fx.clock.set(at(8, 10))
	res, err := fx.orch.SnoozeDose(context.Background(), cmd.ID, dose.ID, 30)
	require.NoError(t, err)
	assert.Equal(t, medication.EventDoseSnoozed, res.Event.Type)

	var data medication.SnoozedData
	require.NoError(t, json.Unmarshal(res.Event.Payload, &data))
	assert.Equal(t, 30, data.SnoozeMinutes)
	assert.Equal(t, at(8, 30), data.NewDueAt.UTC())

	snoozed, err := fx.store.Events().Get(context.Background(), dose.ID)
	require.NoError(t, err)
	assert.Equal(t, at(8, 30), snoozed.SnoozedUntil)
	assert.True(t, snoozed.Open(), "snooze must not close the dose")

	// Snoozes stack from the current effective due time.
	_, err = fx.orch.SnoozeDose(context.Background(), cmd.ID, dose.ID, 30)
	require.NoError(t, err)
	snoozed, _ = fx.store.Events().Get(context.Background(), dose.ID)
	assert.Equal(t, at(9, 0), snoozed.SnoozedUntil)

	_, err = fx.orch.SnoozeDose(context.Background(), cmd.ID, dose.ID, 0)
	require.Error(t, err)
	assert.Equal(t, medication.ClassValidation, medication.Classify(err))
}

func TestPauseRemovesUpcomingDoses(t *testing.T) {
	fx := newFixture(t)
	cmd, _ := fx.createMed(t, "Lisinopril", medication.TypeStandard)

	fx.clock.set(at(7, 30))
	updated, err := fx.orch.ChangeStatus(context.Background(), cmd.ID, medication.StatusChange{
		To: medication.StatusPaused, Reason: "hospital stay",
	})
	require.NoError(t, err)
	assert.Equal(t, medication.StatusPaused, updated.State.Current)
	assert.False(t, updated.State.IsActive)

	open, err := fx.orch.QueryEvents(context.Background(), store.EventFilter{CommandID: cmd.ID, OpenOnly: true})
	require.NoError(t, err)
	assert.Empty(t, open, "pause must remove upcoming open doses")

	changes, err := fx.orch.QueryEvents(context.Background(), store.EventFilter{
		CommandID: cmd.ID,
		Types:     []medication.EventType{medication.EventStatusChanged},
	})
	require.NoError(t, err)
	require.Len(t, changes, 1)
}

func TestResumeRegeneratesWithoutBackfill(t *testing.T) {
	fx := newFixture(t)
	cmd, _ := fx.createMed(t, "Lisinopril", medication.TypeStandard)

	fx.clock.set(at(7, 30))
	_, err := fx.orch.ChangeStatus(context.Background(), cmd.ID, medication.StatusChange{To: medication.StatusPaused})
	require.NoError(t, err)

	// Resume the next morning before the first dose time.
	tuesday := time.Date(2026, time.January, 6, 7, 0, 0, 0, time.UTC)
	fx.clock.set(tuesday)
	updated, err := fx.orch.ChangeStatus(context.Background(), cmd.ID, medication.StatusChange{To: medication.StatusActive})
	require.NoError(t, err)
	assert.True(t, updated.State.IsActive)

	open, err := fx.orch.QueryEvents(context.Background(), store.EventFilter{CommandID: cmd.ID, OpenOnly: true})
	require.NoError(t, err)
	require.NotEmpty(t, open)
	for _, ev := range open {
		assert.False(t, ev.ScheduledAt.Before(tuesday.Truncate(24*time.Hour)),
			"paused interval must not be backfilled, got dose at %s", ev.ScheduledAt)
	}
}

func TestResumeMidDayDoesNotResurrectEarlierDoses(t *testing.T) {
	fx := newFixture(t)
	cmd, _ := fx.createMed(t, "Lisinopril", medication.TypeStandard)

	fx.clock.set(at(7, 30))
	_, err := fx.orch.ChangeStatus(context.Background(), cmd.ID, medication.StatusChange{To: medication.StatusPaused})
	require.NoError(t, err)

	// Resume mid-afternoon the next day, after that day's morning dose
	// time has already passed.
	resumedAt := time.Date(2026, time.January, 6, 15, 0, 0, 0, time.UTC)
	fx.clock.set(resumedAt)
	_, err = fx.orch.ChangeStatus(context.Background(), cmd.ID, medication.StatusChange{To: medication.StatusActive})
	require.NoError(t, err)

	open, err := fx.orch.QueryEvents(context.Background(), store.EventFilter{CommandID: cmd.ID, OpenOnly: true})
	require.NoError(t, err)
	require.NotEmpty(t, open)
	for _, ev := range open {
		assert.False(t, ev.ScheduledAt.Before(resumedAt),
			"resume must start at the next upcoming dose, got %s", ev.ScheduledAt)
	}

	// Nothing from the paused interval exists to go stale: a sweep at end
	// of day finds no missed doses.
	fx.clock.set(time.Date(2026, time.January, 6, 19, 0, 0, 0, time.UTC))
	report := orchestrator.NewDetector(fx.orch, time.Minute).SweepOnce(context.Background())
	assert.Zero(t, report.Missed)
}

func TestIllegalTransitions(t *testing.T) {
	fx := newFixture(t)
	cmd, _ := fx.createMed(t, "Lisinopril", medication.TypeStandard)

	_, err := fx.orch.ChangeStatus(context.Background(), cmd.ID, medication.StatusChange{To: medication.StatusDiscontinued})
	require.NoError(t, err)

	// Discontinued is terminal.
	_, err = fx.orch.ChangeStatus(context.Background(), cmd.ID, medication.StatusChange{To: medication.StatusActive})
	require.Error(t, err)
	assert.Equal(t, medication.ClassConflict, medication.Classify(err))

	// Same-state changes are a no-op, not an error.
	updated, err := fx.orch.ChangeStatus(context.Background(), cmd.ID, medication.StatusChange{To: medication.StatusDiscontinued})
	require.NoError(t, err)
	assert.Equal(t, medication.StatusDiscontinued, updated.State.Current)
}

func TestPatchScheduleRegenerates(t *testing.T) {
	fx := newFixture(t)
	cmd, _ := fx.createMed(t, "Lisinopril", medication.TypeStandard)

	daily := medication.FrequencyDaily
	updated, err := fx.orch.PatchSchedule(context.Background(), cmd.ID, medication.SchedulePatch{
		Frequency: &daily,
		Times:     []string{"09:00"},
	})
	require.NoError(t, err)
	assert.Equal(t, medication.FrequencyDaily, updated.Schedule.Frequency)

	open, err := fx.orch.QueryEvents(context.Background(), store.EventFilter{CommandID: cmd.ID, OpenOnly: true})
	require.NoError(t, err)
	require.NotEmpty(t, open)
	for _, ev := range open {
		assert.Equal(t, 9, ev.ScheduledAt.Hour(), "old schedule's doses must be replaced")
	}
}

func TestPatchScheduleRejectsInvalidAtomically(t *testing.T) {
	fx := newFixture(t)
	cmd, _ := fx.createMed(t, "Lisinopril", medication.TypeStandard)

	before, err := fx.orch.QueryEvents(context.Background(), store.EventFilter{CommandID: cmd.ID, OpenOnly: true})
	require.NoError(t, err)

	daily := medication.FrequencyDaily
	_, err = fx.orch.PatchSchedule(context.Background(), cmd.ID, medication.SchedulePatch{
		Frequency: &daily, // daily requires exactly one time; existing two remain
	})
	require.Error(t, err)
	assert.Equal(t, medication.ClassValidation, medication.Classify(err))

	// Nothing changed: same command, same open doses.
	after, err := fx.orch.QueryEvents(context.Background(), store.EventFilter{CommandID: cmd.ID, OpenOnly: true})
	require.NoError(t, err)
	assert.Len(t, after, len(before))
	got, err := fx.orch.GetMedication(context.Background(), cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, medication.FrequencyTwiceDaily, got.Schedule.Frequency)
}

func TestPatchReminders(t *testing.T) {
	fx := newFixture(t)
	cmd, _ := fx.createMed(t, "Lisinopril", medication.TypeStandard)

	on := true
	updated, err := fx.orch.PatchReminders(context.Background(), cmd.ID, medication.RemindersPatch{
		Enabled:       &on,
		MinutesBefore: []int{10, 0},
	})
	require.NoError(t, err)
	assert.True(t, updated.Reminders.Enabled)
	assert.Equal(t, []int{10, 0}, updated.Reminders.MinutesBefore)
}

func TestSoftDeleteDiscontinues(t *testing.T) {
	fx := newFixture(t)
	cmd, _ := fx.createMed(t, "Lisinopril", medication.TypeStandard)

	require.NoError(t, fx.orch.DeleteMedication(context.Background(), cmd.ID, false))

	got, err := fx.orch.GetMedication(context.Background(), cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, medication.StatusDiscontinued, got.State.Current)

	open, err := fx.orch.QueryEvents(context.Background(), store.EventFilter{CommandID: cmd.ID, OpenOnly: true})
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestHardDeleteCascades(t *testing.T) {
	fx := newFixture(t)
	cmd, _ := fx.createMed(t, "Lisinopril", medication.TypeStandard)
	dose := fx.dose(t, cmd.ID, at(8, 0))
	fx.clock.set(at(8, 5))
	_, err := fx.orch.MarkTaken(context.Background(), cmd.ID, dose.ID, at(8, 5), "")
	require.NoError(t, err)

	require.NoError(t, fx.orch.DeleteMedication(context.Background(), cmd.ID, true))

	_, err = fx.orch.GetMedication(context.Background(), cmd.ID)
	require.Error(t, err)
	assert.Equal(t, medication.ClassNotFound, medication.Classify(err))

	evs, err := fx.orch.QueryEvents(context.Background(), store.EventFilter{CommandID: cmd.ID, IncludeArchived: true})
	require.NoError(t, err)
	assert.Empty(t, evs, "hard delete must leave zero events, archived included")
}

func TestRegenerateIdempotent(t *testing.T) {
	fx := newFixture(t)
	cmd, _ := fx.createMed(t, "Lisinopril", medication.TypeStandard)

	end := monday.AddDate(0, 0, 3)
	n, err := fx.orch.RegenerateScheduledEvents(context.Background(), cmd.ID, monday, end)
	require.NoError(t, err)
	assert.Equal(t, 4, n, "two extra days at twice daily")

	// Overlapping regeneration adds nothing.
	n, err = fx.orch.RegenerateScheduledEvents(context.Background(), cmd.ID, monday, end)
	require.NoError(t, err)
	assert.Zero(t, n)

	// Resolved doses are not regenerated either.
	dose := fx.dose(t, cmd.ID, at(8, 0))
	fx.clock.set(at(8, 5))
	_, err = fx.orch.MarkTaken(context.Background(), cmd.ID, dose.ID, at(8, 5), "")
	require.NoError(t, err)
	n, err = fx.orch.RegenerateScheduledEvents(context.Background(), cmd.ID, monday, end)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTodayViewBuckets(t *testing.T) {
	fx := newFixture(t)
	cmd, _ := fx.createMed(t, "Lisinopril", medication.TypeStandard)

	fx.clock.set(at(8, 5))
	view, err := fx.orch.TodayView(context.Background(), "pat-1")
	require.NoError(t, err)
	assert.Equal(t, "pat-1", view.PatientID)

	// 08:00 is inside its grace window; 20:00 lands in its slot bucket.
	require.Len(t, view.Buckets[schedule.BucketDueNow], 1)
	assert.Equal(t, cmd.ID, view.Buckets[schedule.BucketDueNow][0].CommandID)
	require.Len(t, view.Buckets[schedule.BucketEvening], 1)
	assert.Equal(t, at(20, 0), view.Buckets[schedule.BucketEvening][0].ScheduledAt)

	// Past the grace window the morning dose becomes overdue.
	fx.clock.set(at(8, 45))
	view, err = fx.orch.TodayView(context.Background(), "pat-1")
	require.NoError(t, err)
	require.Len(t, view.Buckets[schedule.BucketOverdue], 1)
	assert.Equal(t, at(8, 0), view.Buckets[schedule.BucketOverdue][0].ScheduledAt)
}

func TestNotifierFailureNeverFailsOperation(t *testing.T) {
	fx := newFixture(t)
	fx.notes.err = errors.New("broker down")

	_, _, err := fx.orch.CreateMedication(context.Background(), func() *medication.Command {
		cmd := medication.NewCommand("pat-1", "caregiver-1")
		cmd.Facts = medication.Facts{Name: "Aspirin"}
		cmd.Schedule = medication.Schedule{
			Frequency:    medication.FrequencyDaily,
			Times:        []string{"09:00"},
			StartDate:    monday,
			IsIndefinite: true,
		}
		return cmd
	}())
	assert.NoError(t, err, "notification delivery is never part of the atomic core")
}

func TestCorrelationPropagates(t *testing.T) {
	fx := newFixture(t)
	ctx := orchestrator.WithCorrelation(context.Background(), "req-123")

	cmd := medication.NewCommand("pat-1", "caregiver-1")
	cmd.Facts = medication.Facts{Name: "Aspirin"}
	cmd.Schedule = medication.Schedule{
		Frequency:    medication.FrequencyDaily,
		Times:        []string{"09:00"},
		StartDate:    monday,
		IsIndefinite: true,
	}
	_, events, err := fx.orch.CreateMedication(ctx, cmd)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	for _, ev := range events {
		assert.Equal(t, "req-123", ev.CorrelationID)
	}
}
