// Package schedule projects a medication's timing sequence onto calendar dates.
//
// Projection is pure: the result depends only on the medication, the target date,
// the regimen start date and the Conventions in use. Nothing here reads the wall
// clock, so callers pass the regimen start explicitly.
package schedule

import (
	"math"
	"strings"
	"time"

	"github.com/drfirst/go-medsched/internal/timing"
)

// Source tells how the clock times of an occurrence were obtained.
type Source string

const (
	SourceExplicit   Source = "explicit"
	SourceCalculated Source = "calculated"
)

// DoseOccurrence is the resolved dosing for one medication on one date.
type DoseOccurrence struct {
	AsNeeded       bool     `json:"asNeeded"`
	Max            int      `json:"max,omitempty"`
	Times          []string `json:"times,omitempty"`
	DoseAmount     float64  `json:"doseAmount"`
	DoseUnit       string   `json:"doseUnit,omitempty"`
	Source         Source   `json:"source,omitempty"`
	Weekdays       []string `json:"weekdays,omitempty"`
	TimeCategories []string `json:"timeCategories,omitempty"`
	// Phase is the index of the matched phase in the timing sequence
	Phase int `json:"phase"`
	// Degraded marks a best-effort default used because timing data was missing
	Degraded bool `json:"degraded,omitempty"`
}

// Projector resolves dose occurrences using a fixed set of Conventions.
// It holds no mutable state and is safe for concurrent use.
type Projector struct {
	conv *Conventions
}

// NewProjector creates a projector. A nil conv selects DefaultConventions.
func NewProjector(conv *Conventions) *Projector {
	if conv == nil {
		conv = DefaultConventions()
	}
	return &Projector{conv: conv}
}

// Conventions returns the tables used by the projector.
func (p *Projector) Conventions() *Conventions {
	return p.conv
}

var defaultProjector = NewProjector(nil)

// Project resolves med on targetDate using the default conventions.
func Project(med *timing.MedicationStatement, targetDate, regimenStart time.Time) *DoseOccurrence {
	return defaultProjector.Project(med, targetDate, regimenStart)
}

// Project returns the dose occurrence of med on targetDate, or nil when no dose is
// due that day. Phases are laid out from regimenStart in sequence order and the
// first phase whose window contains the date decides the result.
func (p *Projector) Project(med *timing.MedicationStatement, targetDate, regimenStart time.Time) *DoseOccurrence {
	if med == nil || len(med.TimingSequence) == 0 {
		return nil
	}

	offset := DayOffset(targetDate, regimenStart)
	if offset < 0 {
		return nil
	}

	w, ok := timing.FindWindow(timing.Windows(med.TimingSequence), offset)
	if !ok {
		return nil
	}
	return p.resolve(w, offset, targetDate, regimenStart)
}

// DayOffset returns the whole calendar days from start to target. Both dates are
// taken at midnight in their own location, so time of day and DST do not matter.
func DayOffset(target, start time.Time) int {
	return int(civilDate(target).Sub(civilDate(start)).Hours() / 24)
}

func civilDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func (p *Projector) resolve(w timing.Window, offset int, target, start time.Time) *DoseOccurrence {
	ph := w.Phase
	rel := offset - w.Start

	if ph.IsAsNeeded {
		return &DoseOccurrence{
			AsNeeded:   true,
			Max:        asNeededMax(ph),
			DoseAmount: ph.DoseAmount,
			DoseUnit:   ph.DoseUnit,
			Phase:      w.Index,
		}
	}

	if len(ph.SpecificTimes) > 0 {
		return p.explicit(w, ph.SpecificTimes, rel, target)
	}

	if len(ph.TimeCategories) > 0 {
		if times := p.conv.CategoryTimes(ph.TimeCategories); len(times) > 0 {
			return p.explicit(w, times, rel, target)
		}
	}

	return p.calculated(w, rel, target, start)
}

func (p *Projector) explicit(w timing.Window, times []string, rel int, target time.Time) *DoseOccurrence {
	ph := w.Phase
	if !gate(ph, rel, target) {
		return nil
	}
	return &DoseOccurrence{
		Times:          append([]string(nil), times...),
		DoseAmount:     ph.DoseAmount,
		DoseUnit:       ph.DoseUnit,
		Source:         SourceExplicit,
		Weekdays:       cloneStrings(ph.Weekdays),
		TimeCategories: cloneStrings(ph.TimeCategories),
		Phase:          w.Index,
	}
}

func (p *Projector) calculated(w timing.Window, rel int, target, start time.Time) *DoseOccurrence {
	ph := w.Phase
	frequency := 0
	if ph.Frequency != nil && *ph.Frequency > 0 {
		frequency = *ph.Frequency
	}

	switch timing.NormalizeUnit(ph.PeriodUnitValue()) {
	case timing.UnitWeek:
		if (rel/7)%periodOf(ph) != 0 {
			return nil
		}
		if !onWeekday(spreadWeekdays(frequency, civilDate(start).Weekday()), target) {
			return nil
		}
	case timing.UnitDay:
		if rel%periodOf(ph) != 0 {
			return nil
		}
	}

	times := p.conv.TimesForFrequency(frequency)
	return &DoseOccurrence{
		Times:      times,
		DoseAmount: ph.DoseAmount,
		DoseUnit:   ph.DoseUnit,
		Source:     SourceCalculated,
		Weekdays:   cloneStrings(ph.Weekdays),
		Phase:      w.Index,
		Degraded:   frequency == 0,
	}
}

// gate applies the weekday restriction, or failing that the day or week period,
// counted from the start of the phase window. Unknown period units always pass.
func gate(ph *timing.TimingPhase, rel int, target time.Time) bool {
	if len(ph.Weekdays) > 0 {
		return onWeekday(ph.Weekdays, target)
	}
	switch timing.NormalizeUnit(ph.PeriodUnitValue()) {
	case timing.UnitDay:
		return rel%periodOf(ph) == 0
	case timing.UnitWeek:
		return (rel/7)%periodOf(ph) == 0
	default:
		return true
	}
}

// spreadWeekdays picks frequency distinct weekdays (clamped to 1-7) spaced across
// the week starting from anchor.
func spreadWeekdays(frequency int, anchor time.Weekday) []string {
	n := min(max(frequency, 1), 7)
	days := make([]string, 0, n)
	for i := 0; i < n; i++ {
		step := int(math.Round(float64(i) * 7 / float64(n)))
		days = append(days, timing.WeekdayName(time.Weekday((int(anchor)+step)%7)))
	}
	return days
}

func onWeekday(days []string, target time.Time) bool {
	name := timing.WeekdayName(target.Weekday())
	for _, d := range days {
		if strings.ToLower(strings.TrimSpace(d)) == name {
			return true
		}
	}
	return false
}

func periodOf(ph *timing.TimingPhase) int {
	return max(1, int(math.Trunc(ph.PeriodValue())))
}

func asNeededMax(ph *timing.TimingPhase) int {
	switch {
	case ph.FrequencyMax != nil:
		return *ph.FrequencyMax
	case ph.Frequency != nil:
		return *ph.Frequency
	default:
		return 1
	}
}

func cloneStrings(s []string) []string {
	if len(s) == 0 {
		return nil
	}
	return append([]string(nil), s...)
}
