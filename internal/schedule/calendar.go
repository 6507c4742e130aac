package schedule

import (
	"time"

	"github.com/drfirst/go-medsched/internal/timing"
)

// DateLayout is the calendar date format used on the wire.
const DateLayout = "2006-01-02"

// Dose pairs a medication with its occurrence on a given day.
type Dose struct {
	Medication string          `json:"medication"`
	Index      int             `json:"index"`
	Occurrence *DoseOccurrence `json:"occurrence"`
}

// Day lists the doses due on one calendar date.
type Day struct {
	Date  string `json:"date"`
	Doses []Dose `json:"doses"`
}

// ProjectRange projects every medication onto each date from from to to inclusive.
// Days without doses are kept so the result lines up with a calendar grid.
func (p *Projector) ProjectRange(meds []timing.MedicationStatement, from, to, regimenStart time.Time) []Day {
	first, last := civilDate(from), civilDate(to)
	if last.Before(first) {
		return nil
	}

	days := make([]Day, 0, DayOffset(last, first)+1)
	for d := first; !d.After(last); d = d.AddDate(0, 0, 1) {
		day := Day{Date: d.Format(DateLayout), Doses: []Dose{}}
		for i := range meds {
			if occ := p.Project(&meds[i], d, regimenStart); occ != nil {
				day.Doses = append(day.Doses, Dose{
					Medication: meds[i].DisplayName(),
					Index:      i,
					Occurrence: occ,
				})
			}
		}
		days = append(days, day)
	}
	return days
}

// MonthGrid projects every medication onto each day of the given month.
func (p *Projector) MonthGrid(meds []timing.MedicationStatement, year int, month time.Month, regimenStart time.Time) []Day {
	first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	last := first.AddDate(0, 1, -1)
	return p.ProjectRange(meds, first, last, regimenStart)
}

// ProjectRange uses the default conventions.
func ProjectRange(meds []timing.MedicationStatement, from, to, regimenStart time.Time) []Day {
	return defaultProjector.ProjectRange(meds, from, to, regimenStart)
}

// MonthGrid uses the default conventions.
func MonthGrid(meds []timing.MedicationStatement, year int, month time.Month, regimenStart time.Time) []Day {
	return defaultProjector.MonthGrid(meds, year, month, regimenStart)
}
