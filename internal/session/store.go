// Package session keeps chat sessions and their current medication lists in memory.
package session

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/drfirst/go-medsched/internal/timing"
)

// ErrSessionNotFound is returned for unknown or expired session ids.
var ErrSessionNotFound = errors.New("session not found")

// Turn is one processed chat message.
type Turn struct {
	ID          string    `json:"id"`
	Text        string    `json:"text"`
	Response    string    `json:"response,omitempty"`
	Medications []string  `json:"medications"`
	Replayed    bool      `json:"replayed,omitempty"`
	At          time.Time `json:"at"`
}

// Session is a snapshot of one conversation. Values returned by the Store are
// copies; changing them does not affect the stored session.
type Session struct {
	ID           string                       `json:"id"`
	CreatedAt    time.Time                    `json:"createdAt"`
	UpdatedAt    time.Time                    `json:"updatedAt"`
	RegimenStart time.Time                    `json:"regimenStart"`
	Medications  []timing.MedicationStatement `json:"medications"`
	Turns        []Turn                       `json:"turns"`
}

// MissingTiming reports whether any medication lacks usable timing.
func (s *Session) MissingTiming() bool {
	for i := range s.Medications {
		if s.Medications[i].HasMissingTiming() {
			return true
		}
	}
	return false
}

func (s *Session) clone() Session {
	c := *s
	c.Medications = append([]timing.MedicationStatement(nil), s.Medications...)
	c.Turns = append([]Turn(nil), s.Turns...)
	if c.Medications == nil {
		c.Medications = []timing.MedicationStatement{}
	}
	if c.Turns == nil {
		c.Turns = []Turn{}
	}
	return c
}

// Config holds session store configuration
type Config struct {
	// TTL is how long an idle session survives
	TTL time.Duration
	// SweepSpec is the cron spec of the expiry sweep
	SweepSpec string
}

// DefaultConfig returns default store settings.
func DefaultConfig() Config {
	return Config{
		TTL:       2 * time.Hour,
		SweepSpec: "@every 1m",
	}
}

// Store is a concurrency-safe in-memory session table.
type Store struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session

	cron *cron.Cron
}

// NewStore creates an empty store
func NewStore(cfg Config, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.SweepSpec == "" {
		cfg.SweepSpec = def.SweepSpec
	}
	return &Store{
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
}

// Create starts a session. A nil regimenStart uses today's date.
func (s *Store) Create(regimenStart *time.Time) Session {
	now := s.now()
	start := startOfDay(now)
	if regimenStart != nil {
		start = startOfDay(*regimenStart)
	}

	sess := &Session{
		ID:           uuid.NewString(),
		CreatedAt:    now,
		UpdatedAt:    now,
		RegimenStart: start,
	}

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	s.logger.Debug("session created", zap.String("session_id", sess.ID))
	return sess.clone()
}

// Get returns a snapshot of the session.
func (s *Store) Get(id string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok || s.expired(sess) {
		return Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return sess.clone(), nil
}

// Delete ends a session.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	delete(s.sessions, id)
	return nil
}

// SetRegimenStart moves the date day offsets are counted from.
func (s *Store) SetRegimenStart(id string, start time.Time) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok || s.expired(sess) {
		return Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	sess.RegimenStart = startOfDay(start)
	sess.UpdatedAt = s.now()
	return sess.clone(), nil
}

// ApplyTurn merges the medications parsed from text into the session and records
// the turn.
func (s *Store) ApplyTurn(id, text string, data *timing.MedicationData, replayed bool) (Session, Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok || s.expired(sess) {
		return Session{}, Turn{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	now := s.now()
	turn := Turn{
		ID:          uuid.NewString(),
		Text:        text,
		Medications: []string{},
		Replayed:    replayed,
		At:          now,
	}
	if data != nil {
		turn.Response = data.FreeTextResponse
		for i := range data.MedicationStatements {
			turn.Medications = append(turn.Medications, data.MedicationStatements[i].DisplayName())
		}
		sess.Medications = Merge(sess.Medications, data.MedicationStatements)
	}
	sess.Turns = append(sess.Turns, turn)
	sess.UpdatedAt = now

	return sess.clone(), turn, nil
}

// Merge returns a new list where each incoming statement replaces the existing one
// with the same medication name (case-insensitive) and unmatched ones are appended.
// Neither input is modified.
func Merge(existing, incoming []timing.MedicationStatement) []timing.MedicationStatement {
	out := make([]timing.MedicationStatement, len(existing), len(existing)+len(incoming))
	copy(out, existing)

	index := make(map[string]int, len(out))
	for i := range out {
		index[mergeKey(&out[i])] = i
	}
	for i := range incoming {
		k := mergeKey(&incoming[i])
		if j, ok := index[k]; ok && k != "" {
			out[j] = incoming[i]
			continue
		}
		index[k] = len(out)
		out = append(out, incoming[i])
	}
	return out
}

func mergeKey(m *timing.MedicationStatement) string {
	return strings.ToLower(strings.TrimSpace(m.Medication))
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Sweep drops sessions idle for longer than the TTL.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, sess := range s.sessions {
		if s.expired(sess) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

func (s *Store) expired(sess *Session) bool {
	return s.now().Sub(sess.UpdatedAt) > s.cfg.TTL
}

// StartSweeper schedules Sweep on the configured cron spec.
func (s *Store) StartSweeper() error {
	c := cron.New()
	if _, err := c.AddFunc(s.cfg.SweepSpec, func() {
		if n := s.Sweep(); n > 0 {
			s.logger.Info("expired sessions removed", zap.Int("count", n))
		}
	}); err != nil {
		return fmt.Errorf("schedule session sweep %q: %w", s.cfg.SweepSpec, err)
	}
	c.Start()
	s.cron = c
	s.logger.Info("session sweeper started",
		zap.String("spec", s.cfg.SweepSpec),
		zap.Duration("ttl", s.cfg.TTL))
	return nil
}

// Stop halts the sweeper and waits for a running sweep to finish.
func (s *Store) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
