package schedule

import (
	"time"

	"github.com/famcare/medengine/internal/domain/medication"
)

// Preferences holds one patient's named time-slot instants and the slot
// boundary clocks used to classify arbitrary times of day. Supplied by the
// patient time-preferences collaborator.
type Preferences struct {
	// SlotTimes maps each named slot to the patient's preferred instant.
	SlotTimes map[Slot]medication.Clock

	// Boundaries: times at or before MorningEnd are morning, before NoonEnd
	// noon, before EveningEnd evening, the rest bedtime.
	MorningEnd medication.Clock
	NoonEnd    medication.Clock
	EveningEnd medication.Clock

	// Location is the patient's timezone. Defaults to UTC.
	Location *time.Location
}

// DefaultPreferences returns the stock slot layout.
func DefaultPreferences() Preferences {
	return Preferences{
		SlotTimes: map[Slot]medication.Clock{
			SlotMorning: {Hour: 8},
			SlotNoon:    {Hour: 12},
			SlotEvening: {Hour: 18},
			SlotBedtime: {Hour: 22},
		},
		MorningEnd: medication.Clock{Hour: 11},
		NoonEnd:    medication.Clock{Hour: 16},
		EveningEnd: medication.Clock{Hour: 21},
	}
}

func (p Preferences) loc() *time.Location {
	if p.Location != nil {
		return p.Location
	}
	return time.UTC
}

// SlotFor classifies an instant into a named slot using the patient's
// boundary preferences.
func (p Preferences) SlotFor(t time.Time) Slot {
	t = t.In(p.loc())
	c := medication.Clock{Hour: t.Hour(), Minute: t.Minute()}
	return p.SlotForClock(c)
}

// SlotForClock classifies a time-of-day into a named slot.
func (p Preferences) SlotForClock(c medication.Clock) Slot {
	min := c.Hour*60 + c.Minute
	switch {
	case min < p.MorningEnd.Hour*60+p.MorningEnd.Minute:
		return SlotMorning
	case min < p.NoonEnd.Hour*60+p.NoonEnd.Minute:
		return SlotNoon
	case min < p.EveningEnd.Hour*60+p.EveningEnd.Minute:
		return SlotEvening
	default:
		return SlotBedtime
	}
}

// PreferredClock returns the patient's preferred instant for a slot, or the
// given fallback when the patient has no preference recorded for it.
func (p Preferences) PreferredClock(slot Slot, fallback medication.Clock) medication.Clock {
	if c, ok := p.SlotTimes[slot]; ok {
		return c
	}
	return fallback
}
