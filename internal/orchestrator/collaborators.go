// Package orchestrator coordinates the stores, the recurrence expander, and
// the grace calculator to implement each medication use case, and runs the
// two periodic sweeps. External collaborators (notifications, permissions,
// patient time preferences) are consumed through the interfaces below and
// are never part of the atomic core.
package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/famcare/medengine/internal/schedule"
)

// Urgency grades a notification for delivery prioritization.
type Urgency string

const (
	UrgencyRoutine  Urgency = "routine"
	UrgencyDue      Urgency = "due"
	UrgencyMissed   Urgency = "missed"
	UrgencyCritical Urgency = "critical"
)

// Notification is the payload handed to the notification collaborator after
// the atomic core commits.
type Notification struct {
	PatientID  string          `json:"patient_id"`
	CommandID  string          `json:"command_id"`
	EventType  string          `json:"event_type"`
	Urgency    Urgency         `json:"urgency"`
	Medication string          `json:"medication"`
	Message    string          `json:"message"`
	Context    json.RawMessage `json:"context,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// Notifier delivers notifications. Called fire-and-continue after commit; a
// failed send never fails the operation that triggered it.
type Notifier interface {
	Send(ctx context.Context, n Notification) error
}

// PermissionChecker is the family-access store: consulted before any
// mutating operation reaches the orchestrator.
type PermissionChecker interface {
	Check(ctx context.Context, userID, patientID, action string) (bool, error)
}

// TimePreferences supplies each patient's named time-slot mapping and slot
// boundaries.
type TimePreferences interface {
	For(ctx context.Context, patientID string) (schedule.Preferences, error)
}

// NopNotifier drops notifications. Default when no pipeline is wired.
type NopNotifier struct{}

func (NopNotifier) Send(context.Context, Notification) error { return nil }

// AllowAll grants every permission check. Default for single-family
// deployments where access control lives upstream.
type AllowAll struct{}

func (AllowAll) Check(context.Context, string, string, string) (bool, error) { return true, nil }

// StaticPreferences serves the same preferences for every patient.
type StaticPreferences struct {
	Prefs schedule.Preferences
}

func (s StaticPreferences) For(context.Context, string) (schedule.Preferences, error) {
	return s.Prefs, nil
}
