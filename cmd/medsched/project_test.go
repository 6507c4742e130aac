package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/drfirst/go-medsched/internal/events"
	"github.com/drfirst/go-medsched/internal/fhir/mapper"
	fhir "github.com/drfirst/go-medsched/internal/fhir/r5"
	"github.com/drfirst/go-medsched/internal/timing"
)

const sampleData = `{
  "medicationStatements": [
    {
      "medication": "Metformin",
      "rxnormCode": "860975",
      "strength": {"amount": 500, "unit": "mg"},
      "sourceText": "metformin 500 twice a day",
      "timingSequence": [{"doseAmount": 1, "doseUnit": "tablet", "frequency": 2, "isAsNeeded": false}]
    },
    {
      "medication": "Vitamin D",
      "rxnormCode": "",
      "strength": {"amount": 50000, "unit": "IU"},
      "sourceText": "vitamin d weekly on mondays",
      "timingSequence": [{"doseAmount": 1, "frequency": 1, "periodUnit": "week", "weekdays": ["monday"], "isAsNeeded": false}]
    }
  ]
}`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunProject(t *testing.T) {
	path := writeFile(t, "meds.json", sampleData)

	var out bytes.Buffer
	if err := runProject(&out, path, "2026-10", "2026-10-19", ""); err != nil {
		t.Fatalf("runProject: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if !strings.HasPrefix(lines[0], "DATE") {
		t.Fatalf("missing header: %q", lines[0])
	}

	metformin, vitaminD := 0, 0
	for _, l := range lines[1:] {
		switch {
		case strings.Contains(l, "Metformin"):
			metformin++
			if !strings.Contains(l, "08:00 20:00") || !strings.Contains(l, "1 tablet") {
				t.Errorf("metformin line = %q", l)
			}
		case strings.Contains(l, "Vitamin D"):
			vitaminD++
		}
	}
	// Oct 19 through Oct 31.
	if metformin != 13 {
		t.Errorf("metformin rows = %d, want 13", metformin)
	}
	// Mondays on or after the 19th: 19 and 26.
	if vitaminD != 2 {
		t.Errorf("vitamin D rows = %d, want 2", vitaminD)
	}
}

func TestRunProjectFromBundle(t *testing.T) {
	var md timing.MedicationData
	if err := json.Unmarshal([]byte(sampleData), &md); err != nil {
		t.Fatal(err)
	}
	bundle, err := mapper.ToBundle(md.MedicationStatements, mapper.BundleOptions{
		ID:           "b1",
		Subject:      fhir.Reference{Reference: "Patient/p1"},
		RegimenStart: time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC),
		Timestamp:    time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatal(err)
	}
	raw, err := json.Marshal(bundle)
	if err != nil {
		t.Fatal(err)
	}
	path := writeFile(t, "bundle.json", string(raw))

	var out bytes.Buffer
	if err := runProject(&out, path, "2026-10", "2026-10-19", ""); err != nil {
		t.Fatalf("runProject: %v", err)
	}
	if got := strings.Count(out.String(), "Metformin"); got != 13 {
		t.Errorf("metformin rows from bundle = %d, want 13", got)
	}
}

func TestRunProjectErrors(t *testing.T) {
	path := writeFile(t, "meds.json", sampleData)
	var out bytes.Buffer

	if err := runProject(&out, path, "Oct", "2026-10-19", ""); err == nil {
		t.Error("expected error for bad month")
	}
	if err := runProject(&out, path, "2026-10", "19/10/2026", ""); err == nil {
		t.Error("expected error for bad start")
	}
	if err := runProject(&out, filepath.Join(t.TempDir(), "missing.json"), "2026-10", "2026-10-19", ""); err == nil {
		t.Error("expected error for missing file")
	}
	bad := writeFile(t, "bad.json", "{")
	if err := runProject(&out, bad, "2026-10", "2026-10-19", ""); err == nil {
		t.Error("expected error for malformed JSON")
	}
}

func TestProjectCommand(t *testing.T) {
	path := writeFile(t, "meds.json", sampleData)

	cmd := projectCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{path, "--month", "2026-11", "--start", "2026-10-19"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := strings.Count(out.String(), "Metformin"); got != 30 {
		t.Errorf("metformin rows = %d, want 30", got)
	}
}

func TestPrintEventsFiltersSession(t *testing.T) {
	var out bytes.Buffer
	handle := printEvents(&out, "keep")

	for _, id := range []string{"keep", "drop", "keep"} {
		ev, err := events.New(events.TypeSessionCreated, id, nil, time.Now())
		if err != nil {
			t.Fatal(err)
		}
		if err := handle(context.Background(), ev); err != nil {
			t.Fatal(err)
		}
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want 2", len(lines))
	}
	var ev events.Event
	if err := json.Unmarshal([]byte(lines[0]), &ev); err != nil || ev.SessionID != "keep" {
		t.Errorf("line = %s (%v)", lines[0], err)
	}
}
