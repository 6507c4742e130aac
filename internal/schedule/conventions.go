package schedule

import (
	"fmt"
	"math"
	"strings"

	"github.com/drfirst/go-medsched/internal/timing"
)

// CategoryRule maps time categories containing any Match substring to Time.
type CategoryRule struct {
	Match []string `yaml:"match" json:"match"`
	Time  string   `yaml:"time" json:"time"`
}

// Conventions are the clinical lookup tables used to turn frequencies and time
// categories into clock times. A Conventions value must not be modified once it is
// handed to a Projector.
type Conventions struct {
	// FrequencyTimes maps doses-per-day to clock times
	FrequencyTimes map[int][]string `yaml:"frequencyTimes" json:"frequencyTimes"`
	// Categories are checked in order; first match wins
	Categories []CategoryRule `yaml:"categories" json:"categories"`
	// SpreadStartHour and SpreadEndHour bound the even spread used for frequencies
	// missing from FrequencyTimes
	SpreadStartHour int `yaml:"spreadStartHour" json:"spreadStartHour"`
	SpreadEndHour   int `yaml:"spreadEndHour" json:"spreadEndHour"`
}

// DefaultConventions returns the standard table set.
func DefaultConventions() *Conventions {
	return &Conventions{
		FrequencyTimes: map[int][]string{
			1: {"08:00"},
			2: {"08:00", "20:00"},
			3: {"08:00", "14:00", "20:00"},
			4: {"08:00", "12:00", "16:00", "20:00"},
		},
		Categories: []CategoryRule{
			{Match: []string{"morn"}, Time: "08:00"},
			{Match: []string{"noon", "afternoon"}, Time: "14:00"},
			{Match: []string{"even", "night"}, Time: "20:00"},
			{Match: []string{"bed"}, Time: "22:00"},
		},
		SpreadStartHour: 8,
		SpreadEndHour:   20,
	}
}

// Validate checks that every configured time is HH:MM and the spread bounds are sane.
func (c *Conventions) Validate() error {
	if len(c.FrequencyTimes[1]) == 0 {
		return fmt.Errorf("frequencyTimes must define an entry for 1")
	}
	for f, times := range c.FrequencyTimes {
		if f < 1 {
			return fmt.Errorf("frequencyTimes: invalid frequency %d", f)
		}
		for _, t := range times {
			if !timing.IsClockTime(t) {
				return fmt.Errorf("frequencyTimes[%d]: %q is not HH:MM", f, t)
			}
		}
	}
	for i, r := range c.Categories {
		if len(r.Match) == 0 {
			return fmt.Errorf("categories[%d]: match is empty", i)
		}
		if !timing.IsClockTime(r.Time) {
			return fmt.Errorf("categories[%d]: %q is not HH:MM", i, r.Time)
		}
	}
	if c.SpreadStartHour < 0 || c.SpreadEndHour > 23 || c.SpreadStartHour > c.SpreadEndHour {
		return fmt.Errorf("spread hours %d-%d out of range", c.SpreadStartHour, c.SpreadEndHour)
	}
	return nil
}

// TimesForFrequency returns the clock times for frequency doses per day.
// Frequencies below 1 fall back to the single-dose entry.
func (c *Conventions) TimesForFrequency(frequency int) []string {
	if frequency < 1 {
		frequency = 1
	}
	if times, ok := c.FrequencyTimes[frequency]; ok {
		return append([]string(nil), times...)
	}
	return c.spread(frequency)
}

// spread distributes frequency doses evenly between the spread hours, inclusive,
// rounding each to the nearest whole hour. Doses that round to the same hour are
// all kept, so the result always holds frequency entries.
func (c *Conventions) spread(frequency int) []string {
	start, end := c.SpreadStartHour, c.SpreadEndHour
	if frequency == 1 {
		return []string{formatHour(start)}
	}

	step := float64(end-start) / float64(frequency-1)
	times := make([]string, 0, frequency)
	for i := 0; i < frequency; i++ {
		times = append(times, formatHour(start+int(math.Round(float64(i)*step))))
	}
	return times
}

// CategoryTime maps a free-form time category to a clock time.
func (c *Conventions) CategoryTime(category string) (string, bool) {
	cat := strings.ToLower(category)
	for _, r := range c.Categories {
		for _, m := range r.Match {
			if strings.Contains(cat, strings.ToLower(m)) {
				return r.Time, true
			}
		}
	}
	return "", false
}

// CategoryTimes maps categories in order, dropping unrecognized ones.
func (c *Conventions) CategoryTimes(categories []string) []string {
	var times []string
	for _, cat := range categories {
		if t, ok := c.CategoryTime(cat); ok {
			times = append(times, t)
		}
	}
	return times
}

func formatHour(h int) string {
	return fmt.Sprintf("%02d:00", h)
}
