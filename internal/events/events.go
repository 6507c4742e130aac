// Package events publishes audit events for chat turns and session lifecycle.
// Events describe what happened; nothing reads them back to rebuild state.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types
const (
	TypeMedicationsParsed = "medications.parsed"
	TypeSessionCreated    = "session.created"
	TypeSessionEnded      = "session.ended"
)

// Event is the envelope written to the audit topic.
type Event struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	SessionID  string          `json:"sessionId"`
	OccurredAt time.Time       `json:"occurredAt"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// MedicationsParsed is the payload of a processed chat turn.
type MedicationsParsed struct {
	TurnID        string   `json:"turnId"`
	Medications   []string `json:"medications"`
	MissingTiming bool     `json:"missingTiming"`
	Replayed      bool     `json:"replayed"`
	Warnings      int      `json:"warnings"`
}

// New builds an event with a fresh id. data may be nil.
func New(eventType, sessionID string, data any, at time.Time) (Event, error) {
	ev := Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		SessionID:  sessionID,
		OccurredAt: at.UTC(),
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Event{}, err
		}
		ev.Data = raw
	}
	return ev, nil
}

// Publisher sends events somewhere durable. Publish must not block on the broker.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Noop discards every event. Used when no brokers are configured.
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }
func (Noop) Close() error                         { return nil }
