// Package handlers provides HTTP handlers for the schedule API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-medsched/internal/api/middleware"
	"github.com/drfirst/go-medsched/internal/events"
	"github.com/drfirst/go-medsched/internal/extraction"
	"github.com/drfirst/go-medsched/internal/fhir/mapper"
	fhir "github.com/drfirst/go-medsched/internal/fhir/r5"
	"github.com/drfirst/go-medsched/internal/observability/metrics"
	"github.com/drfirst/go-medsched/internal/schedule"
	"github.com/drfirst/go-medsched/internal/session"
	"github.com/drfirst/go-medsched/internal/timing"
	"github.com/drfirst/go-medsched/pkg/circuitbreaker"
)

// Parser turns a chat message into medication data.
type Parser interface {
	Parse(ctx context.Context, sessionID, text string, current []timing.MedicationStatement) (*timing.MedicationData, bool, error)
	Healthy() bool
}

// ProjectorSource hands out the projector for the active conventions.
type ProjectorSource interface {
	Projector() *schedule.Projector
}

// Deps are the collaborators of the session handler.
type Deps struct {
	Store      *session.Store
	Parser     Parser
	Projectors ProjectorSource
	Publisher  events.Publisher
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
	// MessageLimit, when set, guards message posting
	MessageLimit func(http.Handler) http.Handler
}

// SessionHandler handles session endpoints
type SessionHandler struct {
	store      *session.Store
	parser     Parser
	projectors ProjectorSource
	publisher  events.Publisher
	metrics    *metrics.Metrics
	logger     *zap.Logger
	tracer     trace.Tracer
	limit      func(http.Handler) http.Handler
	now        func() time.Time
}

// NewSessionHandler creates a new handler
func NewSessionHandler(d Deps) *SessionHandler {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Publisher == nil {
		d.Publisher = events.Noop{}
	}
	if d.Metrics == nil {
		d.Metrics = metrics.New(nil)
	}
	return &SessionHandler{
		store:      d.Store,
		parser:     d.Parser,
		projectors: d.Projectors,
		publisher:  d.Publisher,
		metrics:    d.Metrics,
		logger:     d.Logger,
		tracer:     otel.Tracer("session-handler"),
		limit:      d.MessageLimit,
		now:        time.Now,
	}
}

// Routes returns the handler routes
func (h *SessionHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Get("/{id}", h.Get)
	r.Delete("/{id}", h.Delete)
	r.Put("/{id}/regimen-start", h.SetRegimenStart)
	r.Group(func(r chi.Router) {
		if h.limit != nil {
			r.Use(h.limit)
		}
		r.Post("/{id}/messages", h.PostMessage)
	})
	r.Get("/{id}/medications", h.Medications)
	r.Get("/{id}/calendar", h.Calendar)
	r.Get("/{id}/occurrences", h.Occurrences)
	r.Get("/{id}/fhir", h.FHIR)
	return r
}

// SessionResponse is the wire form of a session
type SessionResponse struct {
	ID            string                       `json:"id"`
	RegimenStart  string                       `json:"regimenStart"`
	CreatedAt     time.Time                    `json:"createdAt"`
	UpdatedAt     time.Time                    `json:"updatedAt"`
	Medications   []timing.MedicationStatement `json:"medications"`
	MissingTiming bool                         `json:"missingTiming"`
	Turns         []session.Turn               `json:"turns"`
}

func toSessionResponse(s session.Session) SessionResponse {
	return SessionResponse{
		ID:            s.ID,
		RegimenStart:  s.RegimenStart.Format(schedule.DateLayout),
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     s.UpdatedAt,
		Medications:   s.Medications,
		MissingTiming: s.MissingTiming(),
		Turns:         s.Turns,
	}
}

// CreateRequest is the optional body of POST /sessions
type CreateRequest struct {
	RegimenStart string `json:"regimenStart,omitempty"`
}

// Create handles POST /sessions
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	var start *time.Time
	if req.RegimenStart != "" {
		d, err := parseDate(req.RegimenStart)
		if err != nil {
			h.jsonError(w, "regimenStart must be YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		start = &d
	}

	sess := h.store.Create(start)
	h.metrics.ActiveSessions.Set(float64(h.store.Len()))
	h.publish(r.Context(), events.TypeSessionCreated, sess.ID, nil)

	h.logger.Info("session created",
		zap.String("session_id", sess.ID),
		zap.String("request_id", middleware.GetRequestID(r.Context())))

	h.jsonResponse(w, http.StatusCreated, toSessionResponse(sess))
}

// Get handles GET /sessions/{id}
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.load(w, r)
	if !ok {
		return
	}
	h.jsonResponse(w, http.StatusOK, toSessionResponse(sess))
}

// Delete handles DELETE /sessions/{id}
func (h *SessionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.store.Delete(id); err != nil {
		h.storeError(w, err)
		return
	}
	h.metrics.ActiveSessions.Set(float64(h.store.Len()))
	h.publish(r.Context(), events.TypeSessionEnded, id, nil)
	w.WriteHeader(http.StatusNoContent)
}

// RegimenStartRequest moves the session's regimen start
type RegimenStartRequest struct {
	RegimenStart string `json:"regimenStart"`
}

// SetRegimenStart handles PUT /sessions/{id}/regimen-start
func (h *SessionHandler) SetRegimenStart(w http.ResponseWriter, r *http.Request) {
	var req RegimenStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	start, err := parseDate(req.RegimenStart)
	if err != nil {
		h.jsonError(w, "regimenStart must be YYYY-MM-DD", http.StatusBadRequest)
		return
	}
	sess, err := h.store.SetRegimenStart(chi.URLParam(r, "id"), start)
	if err != nil {
		h.storeError(w, err)
		return
	}
	h.jsonResponse(w, http.StatusOK, toSessionResponse(sess))
}

// MessageRequest is the body of POST /sessions/{id}/messages
type MessageRequest struct {
	Text string `json:"text"`
}

// Warning is a non-fatal validation finding on a parsed medication.
type Warning struct {
	Medication string `json:"medication"`
	Message    string `json:"message"`
}

// MessageResponse is the result of one chat turn
type MessageResponse struct {
	TurnID           string                       `json:"turnId"`
	Parsed           []string                     `json:"parsed"`
	FreeTextResponse string                       `json:"freeTextResponse,omitempty"`
	MissingTiming    bool                         `json:"missingTiming"`
	Replayed         bool                         `json:"replayed"`
	Warnings         []Warning                    `json:"warnings"`
	Medications      []timing.MedicationStatement `json:"medications"`
}

// PostMessage handles POST /sessions/{id}/messages
func (h *SessionHandler) PostMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx, span := h.tracer.Start(r.Context(), "post_message",
		trace.WithAttributes(attribute.String("session_id", id)))
	defer span.End()

	var req MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		h.jsonError(w, "text is required", http.StatusBadRequest)
		return
	}

	sess, err := h.store.Get(id)
	if err != nil {
		h.storeError(w, err)
		return
	}

	start := time.Now()
	data, replayed, err := h.parser.Parse(ctx, id, text, sess.Medications)
	h.metrics.ExtractionDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		h.metrics.MessagesProcessed.WithLabelValues("failed").Inc()
		h.logger.Error("extraction failed",
			zap.String("session_id", id),
			zap.String("request_id", middleware.GetRequestID(ctx)),
			zap.Error(err))
		switch {
		case errors.Is(err, circuitbreaker.ErrUnavailable):
			h.jsonError(w, "extraction service unavailable", http.StatusServiceUnavailable)
		case errors.Is(err, extraction.ErrExtractionFailed):
			h.jsonError(w, "could not parse message", http.StatusBadGateway)
		default:
			h.jsonError(w, "failed to process message", http.StatusInternalServerError)
		}
		return
	}

	sess, turn, err := h.store.ApplyTurn(id, text, data, replayed)
	if err != nil {
		h.storeError(w, err)
		return
	}

	warnings := validationWarnings(data.MedicationStatements)
	outcome := "parsed"
	if replayed {
		outcome = "replayed"
	}
	h.metrics.MessagesProcessed.WithLabelValues(outcome).Inc()
	h.metrics.MedicationsParsed.Add(float64(len(data.MedicationStatements)))

	missing := data.HasMissingTiming()
	h.publish(ctx, events.TypeMedicationsParsed, id, events.MedicationsParsed{
		TurnID:        turn.ID,
		Medications:   turn.Medications,
		MissingTiming: missing,
		Replayed:      replayed,
		Warnings:      len(warnings),
	})

	h.logger.Info("message processed",
		zap.String("session_id", id),
		zap.String("turn_id", turn.ID),
		zap.Int("medications", len(turn.Medications)),
		zap.Bool("missing_timing", missing),
		zap.Bool("replayed", replayed))

	h.jsonResponse(w, http.StatusOK, MessageResponse{
		TurnID:           turn.ID,
		Parsed:           turn.Medications,
		FreeTextResponse: data.FreeTextResponse,
		MissingTiming:    missing,
		Replayed:         replayed,
		Warnings:         warnings,
		Medications:      sess.Medications,
	})
}

// Medications handles GET /sessions/{id}/medications
func (h *SessionHandler) Medications(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.load(w, r)
	if !ok {
		return
	}
	h.jsonResponse(w, http.StatusOK, map[string]any{
		"medications":   sess.Medications,
		"missingTiming": sess.MissingTiming(),
	})
}

// CalendarResponse is a month of projected doses
type CalendarResponse struct {
	Month        string         `json:"month"`
	RegimenStart string         `json:"regimenStart"`
	Days         []schedule.Day `json:"days"`
}

// Calendar handles GET /sessions/{id}/calendar?month=YYYY-MM[&start=YYYY-MM-DD]
func (h *SessionHandler) Calendar(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.load(w, r)
	if !ok {
		return
	}

	month, err := time.Parse("2006-01", r.URL.Query().Get("month"))
	if err != nil {
		h.jsonError(w, "month must be YYYY-MM", http.StatusBadRequest)
		return
	}
	start, ok := h.regimenStart(w, r, sess)
	if !ok {
		return
	}

	days := h.projectors.Projector().MonthGrid(sess.Medications, month.Year(), month.Month(), start)
	h.metrics.Projections.WithLabelValues("calendar").Inc()

	h.jsonResponse(w, http.StatusOK, CalendarResponse{
		Month:        month.Format("2006-01"),
		RegimenStart: start.Format(schedule.DateLayout),
		Days:         days,
	})
}

// OccurrencesResponse lists every medication's dosing on one date
type OccurrencesResponse struct {
	Date         string          `json:"date"`
	RegimenStart string          `json:"regimenStart"`
	Doses        []schedule.Dose `json:"doses"`
}

// Occurrences handles GET /sessions/{id}/occurrences?date=YYYY-MM-DD. Medications
// without a dose that day are listed with a null occurrence.
func (h *SessionHandler) Occurrences(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.load(w, r)
	if !ok {
		return
	}

	date, err := parseDate(r.URL.Query().Get("date"))
	if err != nil {
		h.jsonError(w, "date must be YYYY-MM-DD", http.StatusBadRequest)
		return
	}
	start, ok := h.regimenStart(w, r, sess)
	if !ok {
		return
	}

	proj := h.projectors.Projector()
	doses := make([]schedule.Dose, 0, len(sess.Medications))
	for i := range sess.Medications {
		doses = append(doses, schedule.Dose{
			Medication: sess.Medications[i].DisplayName(),
			Index:      i,
			Occurrence: proj.Project(&sess.Medications[i], date, start),
		})
	}
	h.metrics.Projections.WithLabelValues("occurrences").Inc()

	h.jsonResponse(w, http.StatusOK, OccurrencesResponse{
		Date:         date.Format(schedule.DateLayout),
		RegimenStart: start.Format(schedule.DateLayout),
		Doses:        doses,
	})
}

// FHIR handles GET /sessions/{id}/fhir
func (h *SessionHandler) FHIR(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.load(w, r)
	if !ok {
		return
	}

	bundle, err := mapper.ToBundle(sess.Medications, mapper.BundleOptions{
		ID:           uuid.NewString(),
		Subject:      fhir.Reference{Reference: "Patient/" + sess.ID, Type: "Patient"},
		RegimenStart: sess.RegimenStart,
		Timestamp:    h.now().UTC(),
	})
	if err != nil {
		h.logger.Error("fhir export failed", zap.String("session_id", sess.ID), zap.Error(err))
		h.jsonError(w, "failed to build bundle", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/fhir+json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(bundle)
}

func (h *SessionHandler) load(w http.ResponseWriter, r *http.Request) (session.Session, bool) {
	sess, err := h.store.Get(chi.URLParam(r, "id"))
	if err != nil {
		h.storeError(w, err)
		return session.Session{}, false
	}
	return sess, true
}

// regimenStart returns the start query parameter when present, else the session's.
func (h *SessionHandler) regimenStart(w http.ResponseWriter, r *http.Request, sess session.Session) (time.Time, bool) {
	raw := r.URL.Query().Get("start")
	if raw == "" {
		return sess.RegimenStart, true
	}
	start, err := parseDate(raw)
	if err != nil {
		h.jsonError(w, "start must be YYYY-MM-DD", http.StatusBadRequest)
		return time.Time{}, false
	}
	return start, true
}

func (h *SessionHandler) publish(ctx context.Context, eventType, sessionID string, data any) {
	ev, err := events.New(eventType, sessionID, data, h.now())
	if err != nil {
		h.logger.Error("build event", zap.String("type", eventType), zap.Error(err))
		h.metrics.EventsPublished.WithLabelValues("error").Inc()
		return
	}
	if err := h.publisher.Publish(ctx, ev); err != nil {
		h.logger.Warn("publish event", zap.String("type", eventType), zap.Error(err))
		h.metrics.EventsPublished.WithLabelValues("error").Inc()
		return
	}
	h.metrics.EventsPublished.WithLabelValues("queued").Inc()
}

func (h *SessionHandler) storeError(w http.ResponseWriter, err error) {
	if errors.Is(err, session.ErrSessionNotFound) {
		h.jsonError(w, "session not found", http.StatusNotFound)
		return
	}
	h.logger.Error("session store", zap.Error(err))
	h.jsonError(w, "internal error", http.StatusInternalServerError)
}

func (h *SessionHandler) jsonResponse(w http.ResponseWriter, code int, body any) {
	writeJSON(w, code, body)
}

func (h *SessionHandler) jsonError(w http.ResponseWriter, message string, code int) {
	jsonError(w, message, code)
}
