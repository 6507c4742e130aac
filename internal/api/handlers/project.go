package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-medsched/internal/observability/metrics"
	"github.com/drfirst/go-medsched/internal/schedule"
	"github.com/drfirst/go-medsched/internal/timing"
)

// ProjectHandler serves stateless projections.
type ProjectHandler struct {
	projectors ProjectorSource
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// NewProjectHandler creates a new handler
func NewProjectHandler(projectors ProjectorSource, m *metrics.Metrics, logger *zap.Logger) *ProjectHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &ProjectHandler{projectors: projectors, metrics: m, logger: logger}
}

// ProjectRequest is the body of POST /project
type ProjectRequest struct {
	Medication   *timing.MedicationStatement `json:"medication"`
	Date         string                      `json:"date"`
	RegimenStart string                      `json:"regimenStart"`
}

// ProjectResponse carries the occurrence, null when no dose is due.
type ProjectResponse struct {
	Date       string                   `json:"date"`
	DayOffset  int                      `json:"dayOffset"`
	Occurrence *schedule.DoseOccurrence `json:"occurrence"`
	Warnings   []Warning                `json:"warnings"`
}

// Project handles POST /project
func (h *ProjectHandler) Project(w http.ResponseWriter, r *http.Request) {
	var req ProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Medication == nil {
		jsonError(w, "medication is required", http.StatusBadRequest)
		return
	}
	date, err := parseDate(req.Date)
	if err != nil {
		jsonError(w, "date must be YYYY-MM-DD", http.StatusBadRequest)
		return
	}
	start, err := parseDate(req.RegimenStart)
	if err != nil {
		jsonError(w, "regimenStart must be YYYY-MM-DD", http.StatusBadRequest)
		return
	}

	occ := h.projectors.Projector().Project(req.Medication, date, start)
	h.metrics.Projections.WithLabelValues("single").Inc()

	writeJSON(w, http.StatusOK, ProjectResponse{
		Date:       date.Format(schedule.DateLayout),
		DayOffset:  schedule.DayOffset(date, start),
		Occurrence: occ,
		Warnings:   validationWarnings([]timing.MedicationStatement{*req.Medication}),
	})
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("empty date")
	}
	return time.Parse(schedule.DateLayout, s)
}

// validationWarnings flattens the sequence validation of every medication.
func validationWarnings(meds []timing.MedicationStatement) []Warning {
	out := []Warning{}
	for i := range meds {
		err := timing.ValidateSequence(meds[i].TimingSequence)
		for _, msg := range flatten(err) {
			out = append(out, Warning{Medication: meds[i].DisplayName(), Message: msg})
		}
	}
	return out
}

func flatten(err error) []string {
	if err == nil {
		return nil
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var out []string
		for _, e := range joined.Unwrap() {
			out = append(out, flatten(e)...)
		}
		return out
	}
	return []string{err.Error()}
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

func jsonError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, map[string]string{"error": message})
}
