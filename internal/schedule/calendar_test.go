package schedule

import (
	"sync"
	"testing"
	"time"

	"github.com/drfirst/go-medsched/internal/timing"
)

func TestMonthGrid(t *testing.T) {
	meds := []timing.MedicationStatement{
		*med(daily(1)),
		{
			Medication: "Albuterol",
			TimingSequence: []timing.TimingPhase{
				{IsAsNeeded: true, FrequencyMax: intPtr(4), DoseAmount: 2, DoseUnit: "puffs"},
			},
		},
		{Medication: "Unknown timing"},
	}

	grid := MonthGrid(meds, 2026, time.October, regimenStart)
	if len(grid) != 31 {
		t.Fatalf("expected 31 days, got %d", len(grid))
	}
	if grid[0].Date != "2026-10-01" || grid[30].Date != "2026-10-31" {
		t.Errorf("unexpected bounds %s..%s", grid[0].Date, grid[30].Date)
	}

	for i, d := range grid {
		dayOfMonth := i + 1
		if dayOfMonth < 18 {
			if len(d.Doses) != 0 {
				t.Errorf("%s: expected no doses before regimen start, got %d", d.Date, len(d.Doses))
			}
			continue
		}
		if len(d.Doses) != 2 {
			t.Fatalf("%s: expected 2 doses, got %d", d.Date, len(d.Doses))
		}
		if d.Doses[0].Medication != "Testamine" || d.Doses[0].Index != 0 {
			t.Errorf("%s: unexpected first dose %+v", d.Date, d.Doses[0])
		}
		if !d.Doses[1].Occurrence.AsNeeded || d.Doses[1].Index != 1 {
			t.Errorf("%s: expected as-needed second dose, got %+v", d.Date, d.Doses[1])
		}
	}
}

func TestMonthGridFebruary(t *testing.T) {
	grid := MonthGrid(nil, 2028, time.February, regimenStart)
	if len(grid) != 29 {
		t.Errorf("expected 29 days in leap February, got %d", len(grid))
	}
	for _, d := range grid {
		if d.Doses == nil {
			t.Fatalf("%s: doses should be an empty slice, not nil", d.Date)
		}
	}
}

func TestProjectRangeReversed(t *testing.T) {
	if days := ProjectRange([]timing.MedicationStatement{*med(daily(1))}, day(5), day(1), regimenStart); days != nil {
		t.Errorf("expected nil for reversed range, got %d days", len(days))
	}
}

func TestProjectConcurrent(t *testing.T) {
	meds := []timing.MedicationStatement{*med(daily(2)), *med(daily(3))}
	want := ProjectRange(meds, day(0), day(30), regimenStart)

	var wg sync.WaitGroup
	errs := make(chan string, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got := ProjectRange(meds, day(0), day(30), regimenStart)
			if len(got) != len(want) {
				errs <- "length mismatch"
				return
			}
			for j := range got {
				if len(got[j].Doses) != len(want[j].Doses) {
					errs <- got[j].Date
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for e := range errs {
		t.Errorf("concurrent projection mismatch: %s", e)
	}
}
