// Package mapper converts parsed medication statements to and from FHIR R5
// MedicationStatement resources.
package mapper

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/drfirst/go-medsched/internal/fhir/r5"
	"github.com/drfirst/go-medsched/internal/timing"
)

// Extension URLs for fields FHIR has no slot for on MedicationStatement.
const (
	extensionBase   = "https://medsched.dev/fhir/StructureDefinition/"
	ExtBrandName    = extensionBase + "brand-name"
	ExtGenericName  = extensionBase + "generic-name"
	ExtForm         = extensionBase + "dose-form"
	ExtStrength     = extensionBase + "strength"
	ExtTimeCategory = extensionBase + "time-category"
)

const fhirDate = "2006-01-02"

// MapError reports a resource that cannot be turned back into a statement.
type MapError struct {
	Field   string
	Message string
}

func (e *MapError) Error() string {
	return fmt.Sprintf("mapping error at %s: %s", e.Field, e.Message)
}

// Options controls resource generation.
type Options struct {
	// ID of the generated resource; empty means a fresh uuid
	ID string
	// Subject is the reference of the patient, typically the session
	Subject r5.Reference
	// RegimenStart anchors effectivePeriod
	RegimenStart time.Time
	// Asserted is written as dateAsserted when non-zero
	Asserted time.Time
}

// ToFHIR maps one statement. Phases become dosages in sequence order.
func ToFHIR(med *timing.MedicationStatement, opts Options) *r5.MedicationStatement {
	ms := r5.NewMedicationStatement()
	ms.ID = opts.ID
	if ms.ID == "" {
		ms.ID = uuid.NewString()
	}
	ms.Subject = opts.Subject
	if !opts.Asserted.IsZero() {
		ms.DateAsserted = opts.Asserted.Format(time.RFC3339)
	}

	concept := &r5.CodeableConcept{Text: med.DisplayName()}
	if med.RxNormCode != "" {
		display := med.GenericName
		if display == "" {
			display = med.Medication
		}
		concept.Coding = []r5.Coding{{System: r5.SystemRxNorm, Code: med.RxNormCode, Display: display}}
	}
	ms.Medication = r5.CodeableReference{Concept: concept}

	if med.BrandName != "" {
		ms.Extension = append(ms.Extension, r5.Extension{URL: ExtBrandName, ValueString: med.BrandName})
	}
	if med.GenericName != "" {
		ms.Extension = append(ms.Extension, r5.Extension{URL: ExtGenericName, ValueString: med.GenericName})
	}
	if med.Form != "" {
		ms.Extension = append(ms.Extension, r5.Extension{URL: ExtForm, ValueString: med.Form})
	}
	if med.Strength.Amount != 0 || med.Strength.Unit != "" {
		ms.Extension = append(ms.Extension, r5.Extension{
			URL:           ExtStrength,
			ValueQuantity: &r5.Quantity{Value: med.Strength.Amount, Unit: med.Strength.Unit},
		})
	}
	if med.SourceText != "" {
		ms.Note = []r5.Annotation{{Text: med.SourceText}}
	}

	if !opts.RegimenStart.IsZero() {
		ms.EffectivePeriod = effectivePeriod(med.TimingSequence, opts.RegimenStart)
	}

	var rendered []string
	for i := range med.TimingSequence {
		d := toDosage(&med.TimingSequence[i], i+1)
		ms.Dosage = append(ms.Dosage, d)
		if d.Text != "" {
			rendered = append(rendered, d.Text)
		}
	}
	ms.RenderedDosageInstruction = strings.Join(rendered, "; then ")

	return ms
}

// effectivePeriod spans the reachable phases. An open-ended regimen has no end.
func effectivePeriod(seq []timing.TimingPhase, start time.Time) *r5.Period {
	p := &r5.Period{Start: start.Format(fhirDate)}
	windows := timing.Windows(seq)
	if len(windows) == 0 {
		return p
	}
	last := windows[len(windows)-1]
	if end, bounded := last.End(); bounded && end > 0 {
		// FHIR period ends are inclusive
		p.End = start.AddDate(0, 0, end-1).Format(fhirDate)
	}
	return p
}

// toDosage numbers dosages by slice position, the order the projector walks them.
func toDosage(ph *timing.TimingPhase, seq int) r5.Dosage {
	d := r5.Dosage{
		Sequence: seq,
		Text:     ph.RawText,
		AsNeeded: ph.IsAsNeeded,
	}
	if ph.DoseAmount != 0 || ph.DoseUnit != "" {
		d.DoseAndRate = []r5.DoseAndRate{{DoseQuantity: &r5.Quantity{Value: ph.DoseAmount, Unit: ph.DoseUnit}}}
	}

	rep := &r5.TimingRepeat{
		Count:        cloneInt(ph.Count),
		Frequency:    cloneInt(ph.Frequency),
		FrequencyMax: cloneInt(ph.FrequencyMax),
		Period:       cloneFloat(ph.Period),
		PeriodMax:    cloneFloat(ph.PeriodMax),
	}
	if ph.PeriodUnit != "" {
		rep.PeriodUnit = ucumCode(ph.PeriodUnit)
	}
	if ph.Duration != nil {
		unit := ph.DurationUnit
		if unit == "" {
			unit = timing.DefaultPeriodUnit
		}
		rep.BoundsDuration = &r5.Duration{
			Value:  *ph.Duration,
			Unit:   unit,
			System: r5.SystemUCUM,
			Code:   ucumCode(unit),
		}
	}
	for _, t := range ph.SpecificTimes {
		rep.TimeOfDay = append(rep.TimeOfDay, t+":00")
	}
	for _, w := range ph.Weekdays {
		if len(w) >= 3 {
			rep.DayOfWeek = append(rep.DayOfWeek, strings.ToLower(w[:3]))
		}
	}
	for _, c := range ph.TimeCategories {
		d.Extension = append(d.Extension, r5.Extension{URL: ExtTimeCategory, ValueString: c})
		if code, ok := whenCode(c); ok && !contains(rep.When, code) {
			rep.When = append(rep.When, code)
		}
	}
	d.Timing = &r5.Timing{Repeat: rep}
	return d
}

// FromFHIR maps a resource back into a statement.
func FromFHIR(ms *r5.MedicationStatement) (timing.MedicationStatement, error) {
	var med timing.MedicationStatement
	if ms.ResourceType != "MedicationStatement" {
		return med, &MapError{Field: "resourceType", Message: fmt.Sprintf("expected MedicationStatement, got %q", ms.ResourceType)}
	}

	med.Medication = ms.GetMedicationDisplay()
	med.RxNormCode = ms.GetRxNorm()
	for _, ext := range ms.Extension {
		switch ext.URL {
		case ExtBrandName:
			med.BrandName = ext.ValueString
		case ExtGenericName:
			med.GenericName = ext.ValueString
		case ExtForm:
			med.Form = ext.ValueString
		case ExtStrength:
			if ext.ValueQuantity != nil {
				med.Strength = timing.Strength{Amount: ext.ValueQuantity.Value, Unit: ext.ValueQuantity.Unit}
			}
		}
	}
	if len(ms.Note) > 0 {
		med.SourceText = ms.Note[0].Text
	}

	dosages := append([]r5.Dosage(nil), ms.Dosage...)
	sort.SliceStable(dosages, func(i, j int) bool { return dosages[i].Sequence < dosages[j].Sequence })

	med.TimingSequence = make([]timing.TimingPhase, 0, len(dosages))
	for i := range dosages {
		ph, err := fromDosage(&dosages[i])
		if err != nil {
			return med, err
		}
		med.TimingSequence = append(med.TimingSequence, ph)
	}
	return med, nil
}

func fromDosage(d *r5.Dosage) (timing.TimingPhase, error) {
	ph := timing.TimingPhase{
		IsAsNeeded: d.AsNeeded,
		RawText:    d.Text,
	}
	if d.Sequence > 0 {
		seq := d.Sequence
		ph.OrderInSequence = &seq
	}
	if len(d.DoseAndRate) > 0 && d.DoseAndRate[0].DoseQuantity != nil {
		ph.DoseAmount = d.DoseAndRate[0].DoseQuantity.Value
		ph.DoseUnit = d.DoseAndRate[0].DoseQuantity.Unit
	}

	for _, ext := range d.Extension {
		if ext.URL == ExtTimeCategory {
			ph.TimeCategories = append(ph.TimeCategories, ext.ValueString)
		}
	}

	if d.Timing == nil || d.Timing.Repeat == nil {
		return ph, nil
	}
	rep := d.Timing.Repeat
	ph.Count = cloneInt(rep.Count)
	ph.Frequency = cloneInt(rep.Frequency)
	ph.FrequencyMax = cloneInt(rep.FrequencyMax)
	ph.Period = cloneFloat(rep.Period)
	ph.PeriodMax = cloneFloat(rep.PeriodMax)
	ph.PeriodUnit = rep.PeriodUnit

	if rep.BoundsDuration != nil {
		v := rep.BoundsDuration.Value
		ph.Duration = &v
		ph.DurationUnit = rep.BoundsDuration.Code
		if ph.DurationUnit == "" {
			ph.DurationUnit = rep.BoundsDuration.Unit
		}
	}

	for _, t := range rep.TimeOfDay {
		if len(t) < 5 || !timing.IsClockTime(t[:5]) {
			return ph, &MapError{Field: "timing.repeat.timeOfDay", Message: fmt.Sprintf("invalid time %q", t)}
		}
		ph.SpecificTimes = append(ph.SpecificTimes, t[:5])
	}
	for _, day := range rep.DayOfWeek {
		name, ok := weekdayFromCode(day)
		if !ok {
			return ph, &MapError{Field: "timing.repeat.dayOfWeek", Message: fmt.Sprintf("invalid day %q", day)}
		}
		ph.Weekdays = append(ph.Weekdays, name)
	}
	if len(ph.TimeCategories) == 0 {
		for _, code := range rep.When {
			if cat, ok := categoryFromWhen(code); ok {
				ph.TimeCategories = append(ph.TimeCategories, cat)
			}
		}
	}
	return ph, nil
}

// BundleOptions describes the bundle envelope.
type BundleOptions struct {
	ID           string
	Subject      r5.Reference
	RegimenStart time.Time
	Timestamp    time.Time
}

// ToBundle wraps every statement in a collection bundle.
func ToBundle(meds []timing.MedicationStatement, opts BundleOptions) (*r5.Bundle, error) {
	b := r5.NewBundle(opts.ID, r5.BundleCollection, opts.Timestamp)
	for i := range meds {
		ms := ToFHIR(&meds[i], Options{
			Subject:      opts.Subject,
			RegimenStart: opts.RegimenStart,
			Asserted:     opts.Timestamp,
		})
		if err := b.Add("urn:uuid:"+ms.ID, ms); err != nil {
			return nil, fmt.Errorf("add %s: %w", meds[i].DisplayName(), err)
		}
	}
	total := len(b.Entry)
	b.Total = &total
	return b, nil
}

// FromBundle extracts every MedicationStatement in the bundle.
func FromBundle(b *r5.Bundle) ([]timing.MedicationStatement, error) {
	resources, err := b.MedicationStatements()
	if err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}
	out := make([]timing.MedicationStatement, 0, len(resources))
	for _, ms := range resources {
		med, err := FromFHIR(ms)
		if err != nil {
			return nil, err
		}
		out = append(out, med)
	}
	return out, nil
}

func ucumCode(unit string) string {
	switch timing.NormalizeUnit(unit) {
	case timing.UnitHour:
		return "h"
	case timing.UnitDay:
		return "d"
	case timing.UnitWeek:
		return "wk"
	case timing.UnitMonth:
		return "mo"
	case timing.UnitYear:
		return "a"
	}
	return unit
}

var whenCodes = []struct {
	match    string
	code     string
	category string
}{
	{"morn", r5.WhenMorning, "morning"},
	{"noon", r5.WhenAfternoon, "afternoon"},
	{"afternoon", r5.WhenAfternoon, "afternoon"},
	{"even", r5.WhenEvening, "evening"},
	{"night", r5.WhenNight, "night"},
	{"bed", r5.WhenBedtime, "bedtime"},
}

func whenCode(category string) (string, bool) {
	c := strings.ToLower(category)
	for _, w := range whenCodes {
		if strings.Contains(c, w.match) {
			return w.code, true
		}
	}
	return "", false
}

func categoryFromWhen(code string) (string, bool) {
	for _, w := range whenCodes {
		if w.code == code {
			return w.category, true
		}
	}
	return "", false
}

func weekdayFromCode(code string) (string, bool) {
	c := strings.ToLower(code)
	for _, name := range timing.Weekdays {
		if len(c) >= 3 && strings.HasPrefix(name, c) {
			return name, true
		}
	}
	return "", false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func cloneInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
