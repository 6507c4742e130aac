package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/drfirst/go-medsched/internal/timing"
	"github.com/drfirst/go-medsched/pkg/circuitbreaker"
	"github.com/drfirst/go-medsched/pkg/idempotency"
	"github.com/drfirst/go-medsched/pkg/workerpool"
)

// Service runs extractions through the worker pool and circuit breaker and replays
// the result of a turn that was already parsed for the same session.
type Service struct {
	extractor Extractor
	breaker   *circuitbreaker.Breaker
	pool      *workerpool.Pool
	inbox     *idempotency.Inbox
	logger    *zap.Logger
}

// NewService wires an extractor to its guards. The pool must already be started.
func NewService(ex Extractor, breaker *circuitbreaker.Breaker, pool *workerpool.Pool, inbox *idempotency.Inbox, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		extractor: ex,
		breaker:   breaker,
		pool:      pool,
		inbox:     inbox,
		logger:    logger,
	}
}

// Parse extracts medications from one turn of sessionID. The returned bool is true
// when the result was replayed from an identical earlier turn.
func (s *Service) Parse(ctx context.Context, sessionID, text string, current []timing.MedicationStatement) (*timing.MedicationData, bool, error) {
	key := idempotency.GenerateKey(sessionID, text)

	res, err := s.inbox.Process(ctx, key, func(ctx context.Context) (json.RawMessage, error) {
		data, err := s.run(ctx, key, text, current)
		if err != nil {
			return nil, err
		}
		return json.Marshal(data)
	})
	if err != nil {
		if errors.Is(err, idempotency.ErrMessageInProgress) {
			return nil, false, fmt.Errorf("%w: identical message is still being processed", ErrExtractionFailed)
		}
		return nil, false, err
	}

	var data timing.MedicationData
	if err := json.Unmarshal(res.Result, &data); err != nil {
		return nil, false, fmt.Errorf("%w: decode stored result: %w", ErrExtractionFailed, err)
	}
	if !res.IsNew {
		s.logger.Info("replaying parsed turn", zap.String("session_id", sessionID))
	}
	return &data, !res.IsNew, nil
}

func (s *Service) run(ctx context.Context, taskID, text string, current []timing.MedicationStatement) (*timing.MedicationData, error) {
	result, err := s.pool.SubmitWait(ctx, taskID, func(ctx context.Context) (any, error) {
		return s.breaker.Execute(ctx, func(ctx context.Context) (any, error) {
			return s.extractor.Extract(ctx, text, current)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExtractionFailed, err)
	}
	if result.Error != nil {
		if errors.Is(result.Error, ErrExtractionFailed) {
			return nil, result.Error
		}
		return nil, fmt.Errorf("%w: %w", ErrExtractionFailed, result.Error)
	}
	return result.Data.(*timing.MedicationData), nil
}

// Healthy reports whether the provider circuit is closed and the queue has room.
func (s *Service) Healthy() bool {
	return s.breaker.Healthy() && s.pool.IsHealthy()
}
