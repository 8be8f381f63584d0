package medication

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/famcare/medengine/pkg/idempotency"
)

// EventType identifies what kind of fact an event records.
type EventType string

const (
	EventDoseScheduled       EventType = "DOSE_SCHEDULED"
	EventDoseTaken           EventType = "DOSE_TAKEN"
	EventDoseMissed          EventType = "DOSE_MISSED"
	EventDoseSkipped         EventType = "DOSE_SKIPPED"
	EventDoseSnoozed         EventType = "DOSE_SNOOZED"
	EventDoseUndo            EventType = "DOSE_UNDO"
	EventScheduleCreated     EventType = "SCHEDULE_CREATED"
	EventScheduleRegenerated EventType = "SCHEDULE_REGENERATED"
	EventStatusChanged       EventType = "STATUS_CHANGED"
)

// Terminal reports whether this event type closes an open scheduled dose.
func (t EventType) Terminal() bool {
	return t == EventDoseTaken || t == EventDoseMissed || t == EventDoseSkipped
}

// Event is one immutable fact about a command's lifecycle or a dose
// occurrence. Events are append-only: never updated in place, never deleted
// except by archival or cascade delete of the owning command.
type Event struct {
	ID        string    `json:"id"`
	CommandID string    `json:"command_id"`
	PatientID string    `json:"patient_id"`
	Type      EventType `json:"event_type"`

	// Payload is the type-specific event data (TakenData, SnoozedData, ...).
	Payload json.RawMessage `json:"event_data,omitempty"`

	// CorrelationID links all events produced by one request or sweep pass.
	CorrelationID string `json:"correlation_id"`
	// DedupKey is the natural idempotency key for this append.
	DedupKey string `json:"dedup_key"`
	// ClosesEventID references the DOSE_SCHEDULED event a completion event
	// closes out (or that an UNDO re-opens).
	ClosesEventID string `json:"closes_event_id,omitempty"`

	Timestamp   time.Time `json:"event_timestamp"`
	ScheduledAt time.Time `json:"scheduled_at,omitempty"`
	GraceEndsAt time.Time `json:"grace_ends_at,omitempty"`

	// SnoozedUntil carries the effective due time after a snooze mutated the
	// open scheduled event. Zero when never snoozed.
	SnoozedUntil time.Time `json:"snoozed_until,omitempty"`

	// ClosedBy is set on a DOSE_SCHEDULED event once a terminal event or undo
	// resolved it; it is bookkeeping on the open/closed state, not a payload.
	ClosedBy EventType `json:"closed_by,omitempty"`

	Archived bool `json:"archived,omitempty"`
}

// NewEvent builds an event with identity, timestamps, and dedup key stamped.
func NewEvent(commandID, patientID string, t EventType, correlationID string, payload any) (*Event, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", t, err)
		}
		raw = b
	}
	e := &Event{
		ID:            uuid.New().String(),
		CommandID:     commandID,
		PatientID:     patientID,
		Type:          t,
		Payload:       raw,
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC(),
	}
	e.DedupKey = idempotency.Key(correlationID, string(t), time.Time{})
	return e, nil
}

// ForDose stamps the scheduled instant and grace window and rekeys the event
// on (correlation, type, scheduledAt) so dose events for different instants
// in one request stay distinct.
func (e *Event) ForDose(scheduledAt, graceEndsAt time.Time) *Event {
	e.ScheduledAt = scheduledAt.UTC()
	e.GraceEndsAt = graceEndsAt.UTC()
	e.DedupKey = idempotency.Key(e.CorrelationID, string(e.Type), e.ScheduledAt)
	return e
}

// Closes references the DOSE_SCHEDULED event this event resolves.
func (e *Event) Closes(scheduled *Event) *Event {
	e.ClosesEventID = scheduled.ID
	e.ScheduledAt = scheduled.ScheduledAt
	e.GraceEndsAt = scheduled.GraceEndsAt
	e.DedupKey = idempotency.Key(e.CorrelationID, string(e.Type), e.ScheduledAt)
	return e
}

// Open reports whether a DOSE_SCHEDULED event is still awaiting resolution.
func (e *Event) Open() bool {
	return e.Type == EventDoseScheduled && e.ClosedBy == ""
}

// EffectiveDue is the instant after which the dose counts as actionable:
// the snoozed-until time when snoozed, the scheduled instant otherwise.
func (e *Event) EffectiveDue() time.Time {
	if !e.SnoozedUntil.IsZero() {
		return e.SnoozedUntil
	}
	return e.ScheduledAt
}

// TakenData is the DOSE_TAKEN payload.
type TakenData struct {
	TakenAt time.Time `json:"taken_at"`
	Notes   string    `json:"notes,omitempty"`
	TakenBy string    `json:"taken_by,omitempty"`
}

// SkippedData is the DOSE_SKIPPED payload.
type SkippedData struct {
	SkippedAt time.Time `json:"skipped_at"`
	Reason    string    `json:"skip_reason,omitempty"`
}

// SnoozedData is the DOSE_SNOOZED payload.
type SnoozedData struct {
	SnoozedAt     time.Time `json:"snoozed_at"`
	SnoozeMinutes int       `json:"snooze_minutes"`
	NewDueAt      time.Time `json:"new_due_at"`
}

// MissedData is the DOSE_MISSED payload.
type MissedData struct {
	DetectedAt   time.Time `json:"detected_at"`
	GraceMinutes int       `json:"grace_minutes"`
}

// UndoData is the DOSE_UNDO payload.
type UndoData struct {
	UndoneAt   time.Time `json:"undone_at"`
	UndoneType EventType `json:"undone_type"`
}

// StatusChangedData is the STATUS_CHANGED payload.
type StatusChangedData struct {
	From   Status `json:"from"`
	To     Status `json:"to"`
	Reason string `json:"reason,omitempty"`
}

// ScheduleData is the SCHEDULE_CREATED / SCHEDULE_REGENERATED payload.
type ScheduleData struct {
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	DoseCount   int       `json:"dose_count"`
}

// Adherence summarizes dose outcomes over a range, derived purely from
// event counts.
type Adherence struct {
	Scheduled     int     `json:"scheduled"`
	Taken         int     `json:"taken"`
	Missed        int     `json:"missed"`
	Skipped       int     `json:"skipped"`
	AdherenceRate float64 `json:"adherence_rate"`
}

// Rate computes the adherence rate from the counts. Doses still open do not
// count against the patient.
func (a *Adherence) Rate() float64 {
	resolved := a.Taken + a.Missed + a.Skipped
	if resolved == 0 {
		return 0
	}
	return float64(a.Taken) / float64(resolved)
}
