// Package timing defines the medication timing vocabulary produced by the extraction
// service and consumed by the schedule projector.
package timing

import "strings"

// Strength is the displayed dose strength of a medication.
type Strength struct {
	Amount float64 `json:"amount"`
	Unit   string  `json:"unit"`
}

// TimingPhase is one segment of a dosing regimen. Phases are consumed in slice
// order; OrderInSequence is only a hint from the extraction service.
type TimingPhase struct {
	OrderInSequence *int `json:"orderInSequence,omitempty"`

	// Amount taken per administration
	DoseAmount float64 `json:"doseAmount"`
	DoseUnit   string  `json:"doseUnit,omitempty"`

	// Doses per period
	Frequency    *int `json:"frequency,omitempty"`
	FrequencyMax *int `json:"frequencyMax,omitempty"`

	// Repetition interval, e.g. every 2 days or every 4-6 hours
	Period     *float64 `json:"period,omitempty"`
	PeriodMax  *float64 `json:"periodMax,omitempty"`
	PeriodUnit string   `json:"periodUnit,omitempty"`

	// Active window of the phase; nil Duration means open-ended
	Duration     *float64 `json:"duration,omitempty"`
	DurationUnit string   `json:"durationUnit,omitempty"`

	// Total administrations over the phase (advisory)
	Count *int `json:"count,omitempty"`

	IsAsNeeded bool `json:"isAsNeeded"`

	SpecificTimes  []string `json:"specificTimes,omitempty"`
	TimeCategories []string `json:"timeCategories,omitempty"`
	Weekdays       []string `json:"weekdays,omitempty"`

	RawText string `json:"rawText,omitempty"`
}

// MedicationStatement is one medication parsed from a conversational turn.
type MedicationStatement struct {
	Medication     string        `json:"medication"`
	BrandName      string        `json:"brandName,omitempty"`
	GenericName    string        `json:"genericName,omitempty"`
	RxNormCode     string        `json:"rxnormCode"`
	Form           string        `json:"form,omitempty"`
	Strength       Strength      `json:"strength"`
	SourceText     string        `json:"sourceText"`
	TimingSequence []TimingPhase `json:"timingSequence"`
}

// MedicationData is the full structured reply of the extraction service.
type MedicationData struct {
	MedicationStatements []MedicationStatement `json:"medicationStatements"`
	FreeTextResponse     string                `json:"freeTextResponse,omitempty"`
}

// DefaultPeriodUnit applies when a phase carries no period unit.
const DefaultPeriodUnit = "day"

// PeriodValue returns the period, defaulting to 1.
func (p *TimingPhase) PeriodValue() float64 {
	if p.Period == nil {
		return 1
	}
	return *p.Period
}

// PeriodUnitValue returns the period unit, defaulting to "day".
func (p *TimingPhase) PeriodUnitValue() string {
	if strings.TrimSpace(p.PeriodUnit) == "" {
		return DefaultPeriodUnit
	}
	return p.PeriodUnit
}

// IsOpenEnded reports whether the phase has no duration.
func (p *TimingPhase) IsOpenEnded() bool {
	return p.Duration == nil
}

// HasTimingInfo reports whether the phase says anything about when to take a dose.
func (p *TimingPhase) HasTimingInfo() bool {
	if p.IsAsNeeded || len(p.SpecificTimes) > 0 || len(p.TimeCategories) > 0 {
		return true
	}
	return p.Frequency != nil && *p.Frequency > 0
}

// HasMissingTiming reports whether the statement needs the "some timing information
// is missing" indicator.
func (m *MedicationStatement) HasMissingTiming() bool {
	if len(m.TimingSequence) == 0 {
		return true
	}
	for i := range m.TimingSequence {
		if !m.TimingSequence[i].HasTimingInfo() {
			return true
		}
	}
	return false
}

// DisplayName returns the best available name for the medication.
func (m *MedicationStatement) DisplayName() string {
	switch {
	case m.Medication != "":
		return m.Medication
	case m.BrandName != "":
		return m.BrandName
	default:
		return m.GenericName
	}
}

// HasMissingTiming reports whether any statement lacks timing information.
func (d *MedicationData) HasMissingTiming() bool {
	for i := range d.MedicationStatements {
		if d.MedicationStatements[i].HasMissingTiming() {
			return true
		}
	}
	return false
}
