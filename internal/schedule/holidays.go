package schedule

import "time"

// Holidays is the set of designated holidays. Fixed-date entries are keyed
// "MM-DD" and recur every year; floating holidays are added as full
// "YYYY-MM-DD" dates.
type Holidays map[string]bool

// DefaultHolidays returns the fixed-date US federal holidays. Floating
// holidays (Thanksgiving, Labor Day, ...) must be added per year with Add.
func DefaultHolidays() Holidays {
	return Holidays{
		"01-01": true, // New Year's Day
		"06-19": true, // Juneteenth
		"07-04": true, // Independence Day
		"11-11": true, // Veterans Day
		"12-25": true, // Christmas Day
	}
}

// Add marks a specific date as a holiday.
func (h Holidays) Add(day time.Time) {
	h[day.Format("2006-01-02")] = true
}

// Contains reports whether the given day is a designated holiday.
func (h Holidays) Contains(day time.Time) bool {
	return h[day.Format("01-02")] || h[day.Format("2006-01-02")]
}
