package session

import (
	"errors"
	"testing"
	"time"

	"github.com/drfirst/go-medsched/internal/timing"
)

func freq(n int) *int { return &n }

func statement(name string, f int) timing.MedicationStatement {
	return timing.MedicationStatement{
		Medication:     name,
		TimingSequence: []timing.TimingPhase{{Frequency: freq(f), DoseAmount: 1}},
	}
}

func TestMerge(t *testing.T) {
	existing := []timing.MedicationStatement{statement("Metformin", 2), statement("Aspirin", 1)}
	incoming := []timing.MedicationStatement{statement("metformin ", 3), statement("Lisinopril", 1)}

	got := Merge(existing, incoming)
	if len(got) != 3 {
		t.Fatalf("expected 3 medications, got %d", len(got))
	}
	if got[0].Medication != "metformin " || *got[0].TimingSequence[0].Frequency != 3 {
		t.Errorf("Metformin not replaced in place: %+v", got[0])
	}
	if got[1].Medication != "Aspirin" || got[2].Medication != "Lisinopril" {
		t.Errorf("unexpected order %s, %s", got[1].Medication, got[2].Medication)
	}
	if existing[0].Medication != "Metformin" || *existing[0].TimingSequence[0].Frequency != 2 {
		t.Error("Merge modified its input")
	}
}

func TestMergeUnnamed(t *testing.T) {
	got := Merge([]timing.MedicationStatement{{}}, []timing.MedicationStatement{{}})
	if len(got) != 2 {
		t.Errorf("unnamed statements should not merge, got %d", len(got))
	}
}

func TestStoreLifecycle(t *testing.T) {
	s := NewStore(DefaultConfig(), nil)
	now := time.Date(2026, 10, 19, 15, 30, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	sess := s.Create(nil)
	if !sess.RegimenStart.Equal(time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("regimen start = %v, want today at midnight", sess.RegimenStart)
	}
	if sess.Medications == nil || sess.Turns == nil {
		t.Error("snapshot slices should be empty, not nil")
	}

	data := &timing.MedicationData{
		MedicationStatements: []timing.MedicationStatement{statement("Aspirin", 1), {Medication: "Vitamin D"}},
		FreeTextResponse:     "Noted.",
	}
	updated, turn, err := s.ApplyTurn(sess.ID, "aspirin daily and vitamin d", data, false)
	if err != nil {
		t.Fatalf("ApplyTurn: %v", err)
	}
	if len(updated.Medications) != 2 || len(updated.Turns) != 1 {
		t.Errorf("unexpected session %+v", updated)
	}
	if turn.Response != "Noted." || len(turn.Medications) != 2 {
		t.Errorf("unexpected turn %+v", turn)
	}
	if !updated.MissingTiming() {
		t.Error("expected missing timing for Vitamin D")
	}

	// snapshots are detached
	updated.Medications[0].Medication = "changed"
	again, _ := s.Get(sess.ID)
	if again.Medications[0].Medication != "Aspirin" {
		t.Error("snapshot aliases stored session")
	}

	moved, err := s.SetRegimenStart(sess.ID, time.Date(2026, 9, 1, 13, 0, 0, 0, time.UTC))
	if err != nil || moved.RegimenStart.Day() != 1 || moved.RegimenStart.Hour() != 0 {
		t.Errorf("SetRegimenStart = %v, %v", moved.RegimenStart, err)
	}

	if err := s.Delete(sess.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(sess.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
	if err := s.Delete(sess.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("second delete: %v", err)
	}
	if _, _, err := s.ApplyTurn("missing", "x", nil, false); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("ApplyTurn on missing session: %v", err)
	}
}

func TestStoreExpiry(t *testing.T) {
	s := NewStore(Config{TTL: time.Hour}, nil)
	now := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	old := s.Create(nil)
	now = now.Add(50 * time.Minute)
	fresh := s.Create(nil)
	now = now.Add(20 * time.Minute)

	if _, err := s.Get(old.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expired session still readable: %v", err)
	}
	if _, err := s.Get(fresh.ID); err != nil {
		t.Errorf("fresh session: %v", err)
	}
	if n := s.Sweep(); n != 1 || s.Len() != 1 {
		t.Errorf("Sweep removed %d, %d left", n, s.Len())
	}
}

func TestSweeperSpec(t *testing.T) {
	s := NewStore(Config{SweepSpec: "not a spec"}, nil)
	if err := s.StartSweeper(); err == nil {
		t.Error("expected error for invalid cron spec")
	}

	s = NewStore(Config{SweepSpec: "@every 1s"}, nil)
	if err := s.StartSweeper(); err != nil {
		t.Fatalf("StartSweeper: %v", err)
	}
	s.Stop()
}
