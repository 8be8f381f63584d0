package schedule

import (
	"sort"
	"time"

	"github.com/famcare/medengine/internal/domain/medication"
)

// Expander turns a medication schedule into concrete dose instants over a
// window. Pure: de-duplication against already-persisted events is the
// caller's job (the event store's natural dedup key).
type Expander struct{}

// NewExpander returns a recurrence expander.
func NewExpander() *Expander {
	return &Expander{}
}

// Expand emits one instant per schedule time for each calendar day in
// [windowStart, windowEnd] that the schedule covers. Days before the
// schedule's start date never emit; days after its end date emit only when
// the schedule is indefinite. Instants earlier than windowStart are dropped,
// so a mid-day window starts at the next upcoming time rather than
// backfilling the day's earlier doses; windowEnd's day emits in full. PRN
// schedules never expand. Output is sorted and de-duplicated by exact
// instant.
func (x *Expander) Expand(s medication.Schedule, windowStart, windowEnd time.Time, prefs Preferences) []time.Time {
	if s.Frequency == medication.FrequencyAsNeeded || len(s.Times) == 0 {
		return nil
	}

	loc := prefs.loc()
	start := dateOnly(windowStart.In(loc))
	end := dateOnly(windowEnd.In(loc))
	schedStart := dateOnly(s.StartDate.In(loc))
	if schedStart.After(start) {
		start = schedStart
	}
	if s.EndDate != nil && !s.IsIndefinite {
		schedEnd := dateOnly(s.EndDate.In(loc))
		if schedEnd.Before(end) {
			end = schedEnd
		}
	}
	if end.Before(start) {
		return nil
	}

	clocks := x.clocks(s, prefs)

	seen := make(map[int64]bool)
	var out []time.Time
	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		if !x.dayMatches(s, schedStart, day) {
			continue
		}
		for _, c := range clocks {
			at := c.On(day, loc).UTC()
			if at.Before(windowStart) {
				continue
			}
			if seen[at.Unix()] {
				continue
			}
			seen[at.Unix()] = true
			out = append(out, at)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// clocks resolves the schedule's times, substituting the patient's preferred
// instant per named slot when the schedule opts in.
func (x *Expander) clocks(s medication.Schedule, prefs Preferences) []medication.Clock {
	clocks := make([]medication.Clock, 0, len(s.Times))
	for _, t := range s.Times {
		c, err := medication.ParseClock(t)
		if err != nil {
			continue
		}
		if s.UseSlotPreferences {
			c = prefs.PreferredClock(prefs.SlotForClock(c), c)
		}
		clocks = append(clocks, c)
	}
	return clocks
}

// dayMatches applies the frequency's day filter. Weekly doses fall on the
// start date's weekday; monthly doses on its day-of-month (months too short
// for that day are skipped).
func (x *Expander) dayMatches(s medication.Schedule, schedStart, day time.Time) bool {
	switch s.Frequency {
	case medication.FrequencyWeekly:
		return day.Weekday() == schedStart.Weekday()
	case medication.FrequencyMonthly:
		return day.Day() == schedStart.Day()
	default:
		return true
	}
}

func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
