// Package schedule holds the pure scheduling math: grace-period windows,
// recurrence expansion, and the derived today-buckets view. Nothing in this
// package touches storage.
package schedule

import (
	"math"
	"time"

	"github.com/famcare/medengine/internal/domain/medication"
)

// Slot names a time-of-day bucket.
type Slot string

const (
	SlotMorning Slot = "morning"
	SlotNoon    Slot = "noon"
	SlotEvening Slot = "evening"
	SlotBedtime Slot = "bedtime"
)

// defaultGraceMinutes is the fallback when slot and type are both unknown.
const defaultGraceMinutes = 30

// slotBaseMinutes is the base grace window per slot.
var slotBaseMinutes = map[Slot]int{
	SlotMorning: 30,
	SlotNoon:    45,
	SlotEvening: 30,
	SlotBedtime: 60,
}

// GraceCalculator computes missed-dose grace windows. The zero value uses
// the default holiday calendar.
type GraceCalculator struct {
	Holidays Holidays
}

// NewGraceCalculator returns a calculator with the default holiday set.
func NewGraceCalculator() *GraceCalculator {
	return &GraceCalculator{Holidays: DefaultHolidays()}
}

// Compute returns the grace window in minutes for a dose of the given
// medication type in the given slot on the given calendar day. Never fails:
// unknown slot/type combinations fall back to the 30-minute default. The
// medication-type override takes precedence over the slot base; the
// weekend/holiday multipliers apply last and compose.
func (g *GraceCalculator) Compute(typ medication.Type, slot Slot, day time.Time) int {
	return g.ComputeFor(medication.Grace{Type: typ}, slot, day)
}

// ComputeFor is Compute with the command's full grace configuration applied:
// per-slot overrides and the configured default replace the built-in slot
// base before the type override and multipliers run.
func (g *GraceCalculator) ComputeFor(cfg medication.Grace, slot Slot, day time.Time) int {
	if cfg.Type == medication.TypePRN {
		// PRN doses are never missed.
		return 0
	}

	base, ok := slotBaseMinutes[slot]
	if !ok {
		base = defaultGraceMinutes
	}
	if cfg.DefaultMinutes > 0 {
		base = cfg.DefaultMinutes
	}
	if m, ok := cfg.SlotOverrides[string(slot)]; ok && m >= 0 {
		base = m
	}

	minutes := float64(base)
	switch cfg.Type {
	case medication.TypeCritical:
		minutes = 15
	case medication.TypeVitamin:
		minutes = 120
	}

	wd := day.Weekday()
	if wd == time.Saturday || wd == time.Sunday {
		minutes *= 1.5
	}
	if g.Holidays.Contains(day) {
		minutes *= 2.0
	}

	out := int(math.Round(minutes))
	if out < 0 {
		out = 0
	}
	return out
}

// GraceEnd returns the instant the grace window closes for a dose scheduled
// at the given instant.
func (g *GraceCalculator) GraceEnd(cfg medication.Grace, scheduledAt time.Time, prefs Preferences) time.Time {
	slot := prefs.SlotFor(scheduledAt)
	minutes := g.ComputeFor(cfg, slot, scheduledAt)
	return scheduledAt.Add(time.Duration(minutes) * time.Minute)
}
