package timing

import (
	"errors"
	"fmt"
	"regexp"
)

// ErrOpenEndedNotLast is returned when an open-ended phase is followed by another phase.
var ErrOpenEndedNotLast = errors.New("open-ended phase must be the last in the sequence")

var clockPattern = regexp.MustCompile(`^([01][0-9]|2[0-3]):[0-5][0-9]$`)

// ValidationError describes one invalid field of a timing phase.
type ValidationError struct {
	Phase   int
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("phase %d: %s: %s", e.Phase, e.Field, e.Message)
}

// IsClockTime reports whether s is a 24-hour HH:MM time.
func IsClockTime(s string) bool {
	return clockPattern.MatchString(s)
}

// IsWellFormed reports whether the phase passes Validate.
func IsWellFormed(phase *TimingPhase) bool {
	return Validate(phase) == nil
}

// Validate checks the field-level rules of a single phase.
func Validate(phase *TimingPhase) error {
	return validateAt(0, phase)
}

func validateAt(idx int, p *TimingPhase) error {
	var errs []error
	fail := func(field, msg string) {
		errs = append(errs, &ValidationError{Phase: idx, Field: field, Message: msg})
	}

	for _, t := range p.SpecificTimes {
		if !IsClockTime(t) {
			fail("specificTimes", fmt.Sprintf("%q is not HH:MM", t))
		}
	}
	for _, w := range p.Weekdays {
		if _, ok := ParseWeekday(w); !ok {
			fail("weekdays", fmt.Sprintf("%q is not a lowercase weekday name", w))
		}
	}
	if p.Frequency != nil && *p.Frequency < 0 {
		fail("frequency", "must not be negative")
	}
	if p.Period != nil && *p.Period < 0 {
		fail("period", "must not be negative")
	}
	if p.Duration != nil && *p.Duration < 0 {
		fail("duration", "must not be negative")
	}

	return errors.Join(errs...)
}

// ValidateSequence checks every phase and the open-ended-tail invariant.
func ValidateSequence(seq []TimingPhase) error {
	var errs []error
	for i := range seq {
		if err := validateAt(i, &seq[i]); err != nil {
			errs = append(errs, err)
		}
		if seq[i].IsOpenEnded() && i < len(seq)-1 {
			errs = append(errs, fmt.Errorf("phase %d: %w", i, ErrOpenEndedNotLast))
		}
	}
	return errors.Join(errs...)
}
