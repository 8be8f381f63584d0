// Package store defines the two storage interfaces of the engine — the
// mutable command store and the append-only event store — plus the
// transaction coordinator that every multi-write operation goes through.
// Backends: internal/store/postgres and internal/store/memory.
package store

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/famcare/medengine/internal/domain/medication"
)

// CommandFilter selects commands. Zero-valued fields do not filter.
type CommandFilter struct {
	PatientID string
	IsActive  *bool
	Status    medication.Status
	Type      medication.Type
	Frequency medication.Frequency
	IsPRN     *bool
}

// Matches reports whether a command passes the filter. Shared by both
// backends so filtering semantics cannot drift.
func (f CommandFilter) Matches(c *medication.Command) bool {
	if f.PatientID != "" && c.PatientID != f.PatientID {
		return false
	}
	if f.IsActive != nil && c.State.IsActive != *f.IsActive {
		return false
	}
	if f.Status != "" && c.State.Current != f.Status {
		return false
	}
	if f.Type != "" && c.Grace.Type != f.Type {
		return false
	}
	if f.Frequency != "" && c.Schedule.Frequency != f.Frequency {
		return false
	}
	if f.IsPRN != nil && c.IsPRN() != *f.IsPRN {
		return false
	}
	return true
}

// Sort orders a command listing.
type Sort struct {
	Field string // "name", "created_at", "updated_at", "start_date"
	Desc  bool
}

// SortCommands sorts in memory. Composite filter+sort queries always come
// through here rather than assuming the persistence layer has an index for
// every filter combination.
func SortCommands(cmds []*medication.Command, s Sort) {
	less := func(a, b *medication.Command) bool {
		switch s.Field {
		case "name":
			return strings.ToLower(a.Facts.Name) < strings.ToLower(b.Facts.Name)
		case "updated_at":
			return a.Metadata.UpdatedAt.Before(b.Metadata.UpdatedAt)
		case "start_date":
			return a.Schedule.StartDate.Before(b.Schedule.StartDate)
		default:
			return a.Metadata.CreatedAt.Before(b.Metadata.CreatedAt)
		}
	}
	sort.SliceStable(cmds, func(i, j int) bool {
		if s.Desc {
			return less(cmds[j], cmds[i])
		}
		return less(cmds[i], cmds[j])
	})
}

// SortEvents applies the event ordering contract: scheduled instant (falling
// back to the append timestamp for lifecycle events), then timestamp, then
// ID. Backends that merge result sets (live + archive) re-sort through here
// so the ordering never depends on which table a row came from.
func SortEvents(events []*medication.Event) {
	at := func(e *medication.Event) time.Time {
		if !e.ScheduledAt.IsZero() {
			return e.ScheduledAt
		}
		return e.Timestamp
	}
	sort.Slice(events, func(i, j int) bool {
		ai, aj := at(events[i]), at(events[j])
		if ai.Equal(aj) {
			if events[i].Timestamp.Equal(events[j].Timestamp) {
				return events[i].ID < events[j].ID
			}
			return events[i].Timestamp.Before(events[j].Timestamp)
		}
		return ai.Before(aj)
	})
}

// Commands is the mutable current-state store: one row per medication.
type Commands interface {
	// Create persists a new command. The caller validates first.
	Create(ctx context.Context, c *medication.Command) error
	// Get returns the command or a *medication.NotFoundError.
	Get(ctx context.Context, id string) (*medication.Command, error)
	// List returns commands matching the filter, sorted per sort.
	List(ctx context.Context, f CommandFilter, s Sort) ([]*medication.Command, error)
	// Update writes the full (already merged) command row and its bumped
	// version. Returns *medication.NotFoundError when the row is gone.
	Update(ctx context.Context, c *medication.Command) error
	// Delete hard-deletes the command and cascades to every event
	// referencing it, archived ones included, as one atomic unit.
	Delete(ctx context.Context, id string) error
}

// EventFilter selects events. Zero-valued fields do not filter.
type EventFilter struct {
	CommandID       string
	PatientID       string
	Types           []medication.EventType
	From, To        time.Time
	OpenOnly        bool
	IncludeArchived bool
	Limit           int
}

// Matches reports whether an event passes the filter.
func (f EventFilter) Matches(e *medication.Event) bool {
	if f.CommandID != "" && e.CommandID != f.CommandID {
		return false
	}
	if f.PatientID != "" && e.PatientID != f.PatientID {
		return false
	}
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if e.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.OpenOnly && !e.Open() {
		return false
	}
	if !f.IncludeArchived && e.Archived {
		return false
	}
	at := e.Timestamp
	if !e.ScheduledAt.IsZero() {
		at = e.ScheduledAt
	}
	if !f.From.IsZero() && at.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && at.After(f.To) {
		return false
	}
	return true
}

// Events is the append-only event log.
type Events interface {
	// Append inserts the event. Idempotent under retry: when an event with
	// the same dedup key already exists, nothing is written and the stored
	// event is returned with inserted=false.
	Append(ctx context.Context, e *medication.Event) (stored *medication.Event, inserted bool, err error)
	// Get returns the event (archived included) or *medication.NotFoundError.
	Get(ctx context.Context, id string) (*medication.Event, error)
	// Query returns events matching the filter, ordered by scheduled/event
	// time ascending.
	Query(ctx context.Context, f EventFilter) ([]*medication.Event, error)
	// CloseScheduled marks an open DOSE_SCHEDULED event closed by the given
	// terminal or undo type. Returns false when the event was already
	// closed — the caller lost the race and must treat the dose as handled.
	CloseScheduled(ctx context.Context, eventID string, by medication.EventType) (bool, error)
	// ReopenScheduled clears the closed marker after an undo.
	ReopenScheduled(ctx context.Context, eventID string) error
	// Snooze sets the effective due time on an open scheduled event.
	Snooze(ctx context.Context, eventID string, until time.Time) error
	// DeleteOpenAfter removes open scheduled events for a command due after
	// the cutoff. Used when pausing or truncating a schedule.
	DeleteOpenAfter(ctx context.Context, commandID string, cutoff time.Time) (int, error)
	// Archive moves events older than the cutoff into the archive
	// partition. Archived events stay queryable by id for audit.
	Archive(ctx context.Context, before time.Time) (int, error)
	// Adherence derives dose outcome counts for a patient over a range,
	// purely from events.
	Adherence(ctx context.Context, patientID string, from, to time.Time) (*medication.Adherence, error)
}

// Tx scopes both stores to one atomic unit. Writes apply in the order given
// and commit or roll back together.
type Tx interface {
	Commands() Commands
	Events() Events
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Store is a storage backend: direct (auto-commit) store access plus the
// ability to open an atomic unit.
type Store interface {
	Commands() Commands
	Events() Events
	Begin(ctx context.Context) (Tx, error)
}
