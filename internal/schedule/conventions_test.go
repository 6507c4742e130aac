package schedule

import (
	"reflect"
	"testing"
)

func TestTimesForFrequencySpread(t *testing.T) {
	c := DefaultConventions()

	got := c.TimesForFrequency(13)
	if len(got) != 13 || got[0] != "08:00" || got[12] != "20:00" {
		t.Errorf("frequency 13: %v", got)
	}

	// More doses than whole hours in the spread share hours but are not dropped.
	for _, frequency := range []int{14, 24, 30} {
		got = c.TimesForFrequency(frequency)
		if len(got) != frequency || got[0] != "08:00" || got[frequency-1] != "20:00" {
			t.Errorf("frequency %d: got %d times: %v", frequency, len(got), got)
		}
	}
	got = c.TimesForFrequency(14)
	if got[6] != "14:00" || got[7] != "14:00" {
		t.Errorf("frequency 14: %v", got)
	}
}

func TestTimesForFrequencyReturnsCopy(t *testing.T) {
	c := DefaultConventions()
	got := c.TimesForFrequency(2)
	got[0] = "00:00"
	if c.FrequencyTimes[2][0] != "08:00" {
		t.Error("TimesForFrequency leaked the table's backing slice")
	}
}

func TestCategoryTime(t *testing.T) {
	c := DefaultConventions()
	tests := map[string]string{
		"morning":       "08:00",
		"Early MORNING": "08:00",
		"noon":          "14:00",
		"afternoon":     "14:00",
		"evening":       "20:00",
		"night":         "20:00",
		"bedtime":       "22:00",
		"before bed":    "22:00",
	}
	for in, want := range tests {
		got, ok := c.CategoryTime(in)
		if !ok || got != want {
			t.Errorf("CategoryTime(%q) = %q, %v; want %q", in, got, ok, want)
		}
	}
	if _, ok := c.CategoryTime("with food"); ok {
		t.Error("expected unrecognized category to be dropped")
	}

	if got := c.CategoryTimes([]string{"with food", "evening", "morning"}); !reflect.DeepEqual(got, []string{"20:00", "08:00"}) {
		t.Errorf("CategoryTimes = %v", got)
	}
}

func TestConventionsValidate(t *testing.T) {
	if err := DefaultConventions().Validate(); err != nil {
		t.Fatalf("default conventions invalid: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Conventions)
	}{
		{"missing single dose", func(c *Conventions) { delete(c.FrequencyTimes, 1) }},
		{"bad time", func(c *Conventions) { c.FrequencyTimes[2] = []string{"8am"} }},
		{"zero frequency key", func(c *Conventions) { c.FrequencyTimes[0] = []string{"08:00"} }},
		{"empty match", func(c *Conventions) { c.Categories[0].Match = nil }},
		{"bad category time", func(c *Conventions) { c.Categories[1].Time = "25:00" }},
		{"inverted spread", func(c *Conventions) { c.SpreadStartHour, c.SpreadEndHour = 20, 8 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultConventions()
			tt.mutate(c)
			if err := c.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
