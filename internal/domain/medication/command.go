// Package medication defines the medication command record, the immutable
// event log entries derived from it, and the engine's error taxonomy.
package medication

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Frequency is how often a medication is taken.
type Frequency string

const (
	FrequencyDaily           Frequency = "daily"
	FrequencyTwiceDaily      Frequency = "twice_daily"
	FrequencyThreeTimesDaily Frequency = "three_times_daily"
	FrequencyFourTimesDaily  Frequency = "four_times_daily"
	FrequencyWeekly          Frequency = "weekly"
	FrequencyMonthly         Frequency = "monthly"
	FrequencyAsNeeded        Frequency = "as_needed"
)

// Cardinality returns how many times-of-day a schedule with this frequency
// must carry. Zero means the frequency never carries fixed times.
func (f Frequency) Cardinality() int {
	switch f {
	case FrequencyDaily, FrequencyWeekly, FrequencyMonthly:
		return 1
	case FrequencyTwiceDaily:
		return 2
	case FrequencyThreeTimesDaily:
		return 3
	case FrequencyFourTimesDaily:
		return 4
	default:
		return 0
	}
}

// Valid reports whether f is a known frequency.
func (f Frequency) Valid() bool {
	switch f {
	case FrequencyDaily, FrequencyTwiceDaily, FrequencyThreeTimesDaily,
		FrequencyFourTimesDaily, FrequencyWeekly, FrequencyMonthly, FrequencyAsNeeded:
		return true
	}
	return false
}

// Type classifies a medication for grace-period purposes.
type Type string

const (
	TypeCritical Type = "critical"
	TypeStandard Type = "standard"
	TypeVitamin  Type = "vitamin"
	TypePRN      Type = "prn"
)

// Status is the lifecycle state of a medication command.
type Status string

const (
	StatusActive       Status = "active"
	StatusPaused       Status = "paused"
	StatusDiscontinued Status = "discontinued"
)

// CanTransition reports whether the lifecycle state machine allows moving
// from s to next. Discontinued is terminal.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusActive:
		return next == StatusPaused || next == StatusDiscontinued
	case StatusPaused:
		return next == StatusActive || next == StatusDiscontinued
	default:
		return false
	}
}

// Facts holds the prescription-level facts about the medication.
type Facts struct {
	Name           string     `json:"name"`
	Dosage         string     `json:"dosage"`
	Form           string     `json:"form,omitempty"`
	Route          string     `json:"route,omitempty"`
	PrescribedDate *time.Time `json:"prescribed_date,omitempty"`
}

// Schedule holds recurrence configuration for a medication.
type Schedule struct {
	Frequency    Frequency  `json:"frequency"`
	Times        []string   `json:"times,omitempty"` // "HH:MM", 24h
	StartDate    time.Time  `json:"start_date"`
	EndDate      *time.Time `json:"end_date,omitempty"`
	IsIndefinite bool       `json:"is_indefinite"`
	DosageAmount string     `json:"dosage_amount,omitempty"`

	// UseSlotPreferences substitutes the patient's preferred instant for the
	// named slot each Times entry falls in, instead of the literal HH:MM.
	UseSlotPreferences bool `json:"use_slot_preferences,omitempty"`

	// Computed-schedule cache bookkeeping.
	LastComputedAt *time.Time `json:"last_computed_at,omitempty"`
	NextRecompute  *time.Time `json:"next_recompute_at,omitempty"`
}

// Reminders holds notification preferences for a medication.
type Reminders struct {
	Enabled       bool     `json:"enabled"`
	MinutesBefore []int    `json:"minutes_before,omitempty"`
	Channels      []string `json:"channels,omitempty"`
}

// Grace holds grace-period configuration.
type Grace struct {
	DefaultMinutes int            `json:"default_minutes,omitempty"`
	Type           Type           `json:"medication_type"`
	SlotOverrides  map[string]int `json:"slot_overrides,omitempty"`
}

// State holds the mutable lifecycle status of a command.
type State struct {
	Current          Status     `json:"current"`
	IsActive         bool       `json:"is_active"`
	IsPRN            bool       `json:"is_prn"`
	LastStatusChange time.Time  `json:"last_status_change"`
	PausedUntil      *time.Time `json:"paused_until,omitempty"`
	DiscontinueDate  *time.Time `json:"discontinue_date,omitempty"`
}

// Metadata carries versioning and audit stamps.
type Metadata struct {
	SchemaVersion int       `json:"schema_version"`
	Version       int       `json:"version"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	CreatedBy     string    `json:"created_by,omitempty"`
}

// SchemaVersion is the current command schema version.
const SchemaVersion = 2

// Command is the single authoritative record for one medication: its
// configuration plus derived status. One row per medication; every read path
// consumes this record, every mutation goes through the transaction
// coordinator.
type Command struct {
	ID        string    `json:"id"`
	PatientID string    `json:"patient_id"`
	Facts     Facts     `json:"medication"`
	Schedule  Schedule  `json:"schedule"`
	Reminders Reminders `json:"reminders"`
	Grace     Grace     `json:"grace_period"`
	State     State     `json:"status"`
	Metadata  Metadata  `json:"metadata"`
}

// NewCommand builds a command with identity and metadata stamped. The caller
// still must Validate before persisting.
func NewCommand(patientID, createdBy string) *Command {
	now := time.Now().UTC()
	return &Command{
		ID:        uuid.New().String(),
		PatientID: patientID,
		State: State{
			Current:          StatusActive,
			IsActive:         true,
			LastStatusChange: now,
		},
		Metadata: Metadata{
			SchemaVersion: SchemaVersion,
			Version:       1,
			CreatedAt:     now,
			UpdatedAt:     now,
			CreatedBy:     createdBy,
		},
	}
}

// IsPRN reports whether this command is an as-needed medication. PRN
// medications never carry scheduled times and never produce missed doses.
func (c *Command) IsPRN() bool {
	return c.State.IsPRN || c.Grace.Type == TypePRN || c.Schedule.Frequency == FrequencyAsNeeded
}

// Touch stamps an update and bumps the version. Every mutation path calls
// this before persisting.
func (c *Command) Touch() {
	c.Metadata.UpdatedAt = time.Now().UTC()
	c.Metadata.Version++
}

// Validate enforces the command invariants: known frequency, PRN commands
// carry no times, non-PRN commands carry exactly cardinality(frequency)
// well-formed times, and the date range is ordered.
func (c *Command) Validate() error {
	if c.PatientID == "" {
		return &ValidationError{Field: "patient_id", Reason: "required"}
	}
	if c.Facts.Name == "" {
		return &ValidationError{Field: "medication.name", Reason: "required"}
	}
	if !c.Schedule.Frequency.Valid() {
		return &ValidationError{Field: "schedule.frequency", Reason: fmt.Sprintf("unknown frequency %q", c.Schedule.Frequency)}
	}

	if c.IsPRN() {
		if len(c.Schedule.Times) > 0 {
			return &ValidationError{Field: "schedule.times", Reason: "PRN medications must not carry scheduled times"}
		}
		return nil
	}

	want := c.Schedule.Frequency.Cardinality()
	if len(c.Schedule.Times) != want {
		return &ValidationError{
			Field:  "schedule.times",
			Reason: fmt.Sprintf("frequency %s requires exactly %d times, got %d", c.Schedule.Frequency, want, len(c.Schedule.Times)),
		}
	}
	for _, t := range c.Schedule.Times {
		if _, err := ParseClock(t); err != nil {
			return &ValidationError{Field: "schedule.times", Reason: fmt.Sprintf("invalid time %q", t)}
		}
	}
	if c.Schedule.StartDate.IsZero() {
		return &ValidationError{Field: "schedule.start_date", Reason: "required"}
	}
	if c.Schedule.EndDate != nil && c.Schedule.EndDate.Before(c.Schedule.StartDate) {
		return &ValidationError{Field: "schedule.end_date", Reason: "end date before start date"}
	}
	return nil
}

// ParseClock parses a "HH:MM" 24-hour clock string into hour and minute.
// Both fields must be zero-padded digits; trailing garbage is rejected.
func ParseClock(s string) (Clock, error) {
	if len(s) != 5 {
		return Clock{}, fmt.Errorf("parse clock %q: want HH:MM", s)
	}
	t, err := time.Parse("15:04", s)
	if err != nil {
		return Clock{}, fmt.Errorf("parse clock %q: %w", s, err)
	}
	return Clock{Hour: t.Hour(), Minute: t.Minute()}, nil
}

// Clock is a time-of-day without a date.
type Clock struct {
	Hour   int
	Minute int
}

// String renders the clock back to "HH:MM".
func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

// On anchors the clock to a calendar day in the given location.
func (c Clock) On(day time.Time, loc *time.Location) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), c.Hour, c.Minute, 0, 0, loc)
}

// SchedulePatch is a partial update to the schedule group. Nil fields leave
// the existing values untouched.
type SchedulePatch struct {
	Frequency          *Frequency `json:"frequency,omitempty"`
	Times              []string   `json:"times,omitempty"`
	StartDate          *time.Time `json:"start_date,omitempty"`
	EndDate            *time.Time `json:"end_date,omitempty"`
	IsIndefinite       *bool      `json:"is_indefinite,omitempty"`
	DosageAmount       *string    `json:"dosage_amount,omitempty"`
	UseSlotPreferences *bool      `json:"use_slot_preferences,omitempty"`
}

// Apply merges the patch into the schedule.
func (p SchedulePatch) Apply(s *Schedule) {
	if p.Frequency != nil {
		s.Frequency = *p.Frequency
	}
	if p.Times != nil {
		s.Times = p.Times
	}
	if p.StartDate != nil {
		s.StartDate = *p.StartDate
	}
	if p.EndDate != nil {
		s.EndDate = p.EndDate
	}
	if p.IsIndefinite != nil {
		s.IsIndefinite = *p.IsIndefinite
	}
	if p.DosageAmount != nil {
		s.DosageAmount = *p.DosageAmount
	}
	if p.UseSlotPreferences != nil {
		s.UseSlotPreferences = *p.UseSlotPreferences
	}
}

// RemindersPatch is a partial update to the reminders group.
type RemindersPatch struct {
	Enabled       *bool    `json:"enabled,omitempty"`
	MinutesBefore []int    `json:"minutes_before,omitempty"`
	Channels      []string `json:"channels,omitempty"`
}

// Apply merges the patch into the reminders.
func (p RemindersPatch) Apply(r *Reminders) {
	if p.Enabled != nil {
		r.Enabled = *p.Enabled
	}
	if p.MinutesBefore != nil {
		r.MinutesBefore = p.MinutesBefore
	}
	if p.Channels != nil {
		r.Channels = p.Channels
	}
}

// StatusChange describes a requested lifecycle transition.
type StatusChange struct {
	To          Status     `json:"to"`
	Reason      string     `json:"reason,omitempty"`
	PausedUntil *time.Time `json:"paused_until,omitempty"`
}
