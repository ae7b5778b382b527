package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/rollout-engine/internal/domain"
	"github.com/kursadbilgin/rollout-engine/internal/queue"
	"github.com/kursadbilgin/rollout-engine/internal/repository"
	"go.uber.org/zap"
)

const DefaultBatchSize = 50

type RolloutService struct {
	rollouts        repository.RolloutRepository
	batches         repository.BatchRepository
	publisher       queue.Publisher
	logger          *zap.Logger
	defaultStrategy domain.Strategy
	now             func() time.Time
}

// RolloutSummary is a rollout together with its recorded batches.
type RolloutSummary struct {
	Rollout  domain.Rollout
	Batches  []domain.BatchRecord
	Outcomes []OutcomeCount
}

type OutcomeCount struct {
	Phase   domain.Phase
	Outcome domain.Outcome
	Count   int
}

func NewRolloutService(
	rollouts repository.RolloutRepository,
	batches repository.BatchRepository,
	publisher queue.Publisher,
	defaultStrategy domain.Strategy,
	logger *zap.Logger,
) (*RolloutService, error) {
	if rollouts == nil {
		return nil, fmt.Errorf("rollout repository is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if !defaultStrategy.IsValid() {
		defaultStrategy = domain.StrategySubscription
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RolloutService{
		rollouts:        rollouts,
		batches:         batches,
		publisher:       publisher,
		logger:          logger,
		defaultStrategy: defaultStrategy,
		now:             time.Now,
	}, nil
}

// Create persists a rollout and enqueues it unless it is scheduled for later.
func (s *RolloutService) Create(ctx context.Context, rollout *domain.Rollout) (*domain.Rollout, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := s.prepareForCreate(rollout); err != nil {
		return nil, err
	}

	if err := s.rollouts.Create(ctx, rollout); err != nil {
		return nil, err
	}

	if !shouldEnqueueImmediately(rollout.ScheduledAt, s.now().UTC()) {
		return rollout, nil
	}

	msg := queue.RolloutMessage{
		RolloutID:     rollout.ID,
		CorrelationID: rollout.CorrelationID,
		Protocol:      rollout.Protocol,
	}
	if err := s.publisher.Publish(ctx, queue.RolloutQueue, msg); err != nil {
		s.logger.Error("failed to publish rollout",
			zap.String("rolloutId", rollout.ID),
			zap.String("protocol", rollout.Protocol),
			zap.Error(err),
		)

		reason := fmt.Sprintf("failed to enqueue rollout: %v", err)
		finishErr := s.rollouts.Finish(ctx, rollout.ID, repository.RolloutResult{
			Status:     domain.RolloutStatusFailed,
			Error:      &reason,
			FinishedAt: s.now().UTC(),
		})
		if finishErr != nil {
			s.logger.Error("failed to mark rollout as failed after publish error",
				zap.String("rolloutId", rollout.ID),
				zap.Error(finishErr),
			)
			return nil, fmt.Errorf("failed to publish rollout: %w (failed to mark as failed: %v)", err, finishErr)
		}
		rollout.Status = domain.RolloutStatusFailed
		return nil, fmt.Errorf("failed to publish rollout: %w", err)
	}

	queued, err := s.rollouts.MarkQueuedIfAccepted(ctx, rollout.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to update rollout status to queued: %w", err)
	}
	if queued {
		rollout.Status = domain.RolloutStatusQueued
	}

	return rollout, nil
}

func (s *RolloutService) GetByID(ctx context.Context, id string) (*domain.Rollout, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: rollout id is required", domain.ErrValidation)
	}
	return s.rollouts.GetByID(ctx, strings.TrimSpace(id))
}

// GetSummary returns the rollout with its batches and per-phase outcome counts.
func (s *RolloutService) GetSummary(ctx context.Context, id string) (*RolloutSummary, error) {
	rollout, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	summary := &RolloutSummary{Rollout: *rollout}
	if s.batches == nil {
		return summary, nil
	}

	records, err := s.batches.ListByRollout(ctx, rollout.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rollout batches: %w", err)
	}
	summary.Batches = records
	summary.Outcomes = countOutcomes(records)

	return summary, nil
}

func (s *RolloutService) Cancel(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: rollout id is required", domain.ErrValidation)
	}
	return s.rollouts.Cancel(ctx, strings.TrimSpace(id))
}

func (s *RolloutService) List(ctx context.Context, params repository.ListParams) ([]domain.Rollout, int64, error) {
	return s.rollouts.List(ctx, params)
}

func (s *RolloutService) prepareForCreate(r *domain.Rollout) error {
	if r == nil {
		return fmt.Errorf("%w: rollout is required", domain.ErrValidation)
	}

	r.Protocol = strings.TrimSpace(r.Protocol)
	r.TargetVersion = strings.TrimSpace(r.TargetVersion)
	r.CorrelationID = strings.TrimSpace(r.CorrelationID)
	if r.CorrelationID == "" {
		r.CorrelationID = uuid.NewString()
	}
	r.ID = uuid.NewString()

	if r.BatchSize == 0 {
		r.BatchSize = DefaultBatchSize
	}
	if r.Strategy == "" {
		r.Strategy = s.defaultStrategy
	}

	r.Status = domain.RolloutStatusAccepted
	r.PreviousVersion = nil
	r.StartedAt = nil
	r.FinishedAt = nil
	r.Error = nil

	return r.Validate()
}

func countOutcomes(records []domain.BatchRecord) []OutcomeCount {
	counts := make([]OutcomeCount, 0, 4)
	index := make(map[string]int)
	for _, record := range records {
		key := record.Phase.String() + "/" + record.Outcome.String()
		i, ok := index[key]
		if !ok {
			i = len(counts)
			index[key] = i
			counts = append(counts, OutcomeCount{Phase: record.Phase, Outcome: record.Outcome})
		}
		counts[i].Count++
	}
	return counts
}

func shouldEnqueueImmediately(scheduledAt *time.Time, now time.Time) bool {
	if scheduledAt == nil {
		return true
	}
	return !scheduledAt.After(now)
}
