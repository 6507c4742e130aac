package r5

import (
	"encoding/json"
	"time"
)

// MedicationStatement represents a FHIR R5 MedicationStatement resource: a record
// of a medication the patient reports taking.
type MedicationStatement struct {
	ResourceType string       `json:"resourceType"`
	ID           string       `json:"id,omitempty"`
	Meta         *Meta        `json:"meta,omitempty"`
	Extension    []Extension  `json:"extension,omitempty"`
	Identifier   []Identifier `json:"identifier,omitempty"`

	// recorded | entered-in-error | draft
	Status string `json:"status"`

	Medication CodeableReference `json:"medication"`
	Subject    Reference         `json:"subject"`

	EffectivePeriod   *Period     `json:"effectivePeriod,omitempty"`
	DateAsserted      string      `json:"dateAsserted,omitempty"`
	InformationSource []Reference `json:"informationSource,omitempty"`

	Note                      []Annotation `json:"note,omitempty"`
	RenderedDosageInstruction string       `json:"renderedDosageInstruction,omitempty"`
	Dosage                    []Dosage     `json:"dosage,omitempty"`
}

// Dosage contains dosage instructions for the medication.
type Dosage struct {
	Extension        []Extension       `json:"extension,omitempty"`
	Sequence         int               `json:"sequence,omitempty"`
	Text             string            `json:"text,omitempty"`
	Timing           *Timing           `json:"timing,omitempty"`
	AsNeeded         bool              `json:"asNeeded,omitempty"`
	DoseAndRate      []DoseAndRate     `json:"doseAndRate,omitempty"`
	MaxDosePerPeriod []Ratio           `json:"maxDosePerPeriod,omitempty"`
	AsNeededFor      []CodeableConcept `json:"asNeededFor,omitempty"`
}

// DoseAndRate contains dose/rate information.
type DoseAndRate struct {
	Type         *CodeableConcept `json:"type,omitempty"`
	DoseQuantity *Quantity        `json:"doseQuantity,omitempty"`
}

// Timing contains timing information for dosage.
type Timing struct {
	Repeat *TimingRepeat    `json:"repeat,omitempty"`
	Code   *CodeableConcept `json:"code,omitempty"`
}

// TimingRepeat contains repeat details for timing. Optional numbers are pointers
// so an absent value survives a round trip.
type TimingRepeat struct {
	BoundsDuration *Duration `json:"boundsDuration,omitempty"`
	Count          *int      `json:"count,omitempty"`
	Frequency      *int      `json:"frequency,omitempty"`
	FrequencyMax   *int      `json:"frequencyMax,omitempty"`
	Period         *float64  `json:"period,omitempty"`
	PeriodMax      *float64  `json:"periodMax,omitempty"`
	PeriodUnit     string    `json:"periodUnit,omitempty"` // s | min | h | d | wk | mo | a
	DayOfWeek      []string  `json:"dayOfWeek,omitempty"`  // mon | tue | wed | thu | fri | sat | sun
	TimeOfDay      []string  `json:"timeOfDay,omitempty"`  // HH:MM:SS
	When           []string  `json:"when,omitempty"`
}

// NewMedicationStatement returns a resource with its type set.
func NewMedicationStatement() *MedicationStatement {
	return &MedicationStatement{ResourceType: "MedicationStatement", Status: StatusRecorded}
}

// GetRxNorm returns the RxNorm code, if any.
func (m *MedicationStatement) GetRxNorm() string {
	if m.Medication.Concept == nil {
		return ""
	}
	for _, c := range m.Medication.Concept.Coding {
		if c.System == SystemRxNorm {
			return c.Code
		}
	}
	return ""
}

// GetMedicationDisplay returns the best human-readable medication name.
func (m *MedicationStatement) GetMedicationDisplay() string {
	if m.Medication.Concept != nil {
		if m.Medication.Concept.Text != "" {
			return m.Medication.Concept.Text
		}
		for _, c := range m.Medication.Concept.Coding {
			if c.Display != "" {
				return c.Display
			}
		}
	}
	if m.Medication.Reference != nil {
		return m.Medication.Reference.Display
	}
	return ""
}

// ToJSON serializes the MedicationStatement to JSON.
func (m *MedicationStatement) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// FromJSON deserializes a MedicationStatement from JSON.
func (m *MedicationStatement) FromJSON(data []byte) error {
	return json.Unmarshal(data, m)
}

// Bundle is a FHIR R5 Bundle of resources.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Meta         *Meta         `json:"meta,omitempty"`
	Type         string        `json:"type"`
	Timestamp    *time.Time    `json:"timestamp,omitempty"`
	Total        *int          `json:"total,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

// BundleEntry is one resource in a Bundle.
type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource"`
}

// NewBundle creates an empty bundle of the given type.
func NewBundle(id, bundleType string, ts time.Time) *Bundle {
	return &Bundle{
		ResourceType: "Bundle",
		ID:           id,
		Type:         bundleType,
		Timestamp:    &ts,
	}
}

// Add appends a resource under fullURL.
func (b *Bundle) Add(fullURL string, resource any) error {
	raw, err := json.Marshal(resource)
	if err != nil {
		return err
	}
	b.Entry = append(b.Entry, BundleEntry{FullURL: fullURL, Resource: raw})
	return nil
}

// MedicationStatements decodes every MedicationStatement entry.
func (b *Bundle) MedicationStatements() ([]*MedicationStatement, error) {
	var out []*MedicationStatement
	for _, e := range b.Entry {
		var head struct {
			ResourceType string `json:"resourceType"`
		}
		if err := json.Unmarshal(e.Resource, &head); err != nil {
			return nil, err
		}
		if head.ResourceType != "MedicationStatement" {
			continue
		}
		ms := &MedicationStatement{}
		if err := ms.FromJSON(e.Resource); err != nil {
			return nil, err
		}
		out = append(out, ms)
	}
	return out, nil
}
