package schedule

import (
	"time"

	"github.com/famcare/medengine/internal/domain/medication"
)

// Bucket names the display groupings of today's doses.
type Bucket string

const (
	BucketOverdue Bucket = "overdue"
	BucketDueNow  Bucket = "due_now"
	BucketDueSoon Bucket = "due_soon"
	BucketMorning Bucket = Bucket(SlotMorning)
	BucketNoon    Bucket = Bucket(SlotNoon)
	BucketEvening Bucket = Bucket(SlotEvening)
	BucketBedtime Bucket = Bucket(SlotBedtime)
)

// dueSoonWindow is how far ahead a dose counts as due-soon.
const dueSoonWindow = time.Hour

// DoseEntry is one open dose in the buckets view, joined with its command's
// current state.
type DoseEntry struct {
	EventID      string          `json:"event_id"`
	CommandID    string          `json:"command_id"`
	Medication   string          `json:"medication"`
	Dosage       string          `json:"dosage,omitempty"`
	ScheduledAt  time.Time       `json:"scheduled_at"`
	EffectiveDue time.Time       `json:"effective_due"`
	GraceEndsAt  time.Time       `json:"grace_ends_at"`
	Type         medication.Type `json:"medication_type"`
	Snoozed      bool            `json:"snoozed,omitempty"`
	Bucket       Bucket          `json:"bucket"`
}

// DayView is the derived today-buckets view. Never persisted: computed fresh
// on every read from open events, command state, and slot preferences.
type DayView struct {
	PatientID string                 `json:"patient_id"`
	AsOf      time.Time              `json:"as_of"`
	Buckets   map[Bucket][]DoseEntry `json:"buckets"`
}

// BuildDayView groups open near-term scheduled doses into time-of-day
// buckets. Urgency buckets win over slot buckets: a dose past its grace
// window is overdue, a dose inside its grace window is due-now, a dose
// coming up within the hour is due-soon, and everything else lands in the
// slot its effective due time falls in.
func BuildDayView(patientID string, now time.Time, open []*medication.Event, commands map[string]*medication.Command, prefs Preferences) *DayView {
	view := &DayView{
		PatientID: patientID,
		AsOf:      now.UTC(),
		Buckets:   make(map[Bucket][]DoseEntry),
	}

	for _, ev := range open {
		if !ev.Open() {
			continue
		}
		cmd, ok := commands[ev.CommandID]
		if !ok || !cmd.State.IsActive {
			continue
		}

		entry := DoseEntry{
			EventID:      ev.ID,
			CommandID:    cmd.ID,
			Medication:   cmd.Facts.Name,
			Dosage:       cmd.Facts.Dosage,
			ScheduledAt:  ev.ScheduledAt,
			EffectiveDue: ev.EffectiveDue(),
			GraceEndsAt:  ev.GraceEndsAt,
			Type:         cmd.Grace.Type,
			Snoozed:      !ev.SnoozedUntil.IsZero(),
		}
		entry.Bucket = bucketFor(entry, now, prefs)
		view.Buckets[entry.Bucket] = append(view.Buckets[entry.Bucket], entry)
	}

	return view
}

func bucketFor(e DoseEntry, now time.Time, prefs Preferences) Bucket {
	graceEnd := e.GraceEndsAt
	if e.Snoozed && e.EffectiveDue.After(e.ScheduledAt) {
		graceEnd = graceEnd.Add(e.EffectiveDue.Sub(e.ScheduledAt))
	}

	switch {
	case now.After(graceEnd):
		return BucketOverdue
	case !e.EffectiveDue.After(now):
		return BucketDueNow
	case e.EffectiveDue.Sub(now) <= dueSoonWindow:
		return BucketDueSoon
	default:
		return Bucket(prefs.SlotFor(e.EffectiveDue))
	}
}
