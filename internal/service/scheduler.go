package service

import (
	"context"
	"fmt"
	"time"

	"github.com/kursadbilgin/rollout-engine/internal/domain"
	"github.com/kursadbilgin/rollout-engine/internal/queue"
	"github.com/kursadbilgin/rollout-engine/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultSchedulerScanInterval = 10 * time.Second
	defaultSchedulerScanLimit    = 20
)

// Scheduler periodically enqueues rollouts whose scheduled time has come.
type Scheduler struct {
	rollouts  repository.RolloutRepository
	publisher queue.Publisher
	logger    *zap.Logger
	interval  time.Duration
	limit     int
	now       func() time.Time
}

func NewScheduler(
	rollouts repository.RolloutRepository,
	publisher queue.Publisher,
	interval time.Duration,
	limit int,
	logger *zap.Logger,
) (*Scheduler, error) {
	if interval <= 0 {
		interval = defaultSchedulerScanInterval
	}
	if limit <= 0 {
		limit = defaultSchedulerScanLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Scheduler{
		rollouts:  rollouts,
		publisher: publisher,
		logger:    logger,
		interval:  interval,
		limit:     limit,
		now:       time.Now,
	}, nil
}

// Start scans once immediately and then every interval until ctx ends.
func (s *Scheduler) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if err := s.scanDue(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("scheduler scan failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// scanDue enqueues due rollouts, oldest first and at most one per protocol.
// A protocol runs one rollout at a time, so its later rollouts wait for a
// following scan.
func (s *Scheduler) scanDue(ctx context.Context) error {
	due, err := s.rollouts.GetDueScheduled(ctx, s.now().UTC(), s.limit)
	if err != nil {
		return fmt.Errorf("failed to fetch due scheduled rollouts: %w", err)
	}

	claimed := make(map[string]struct{}, len(due))
	enqueued := 0
	for i := range due {
		rollout := &due[i]
		if _, busy := claimed[rollout.Protocol]; busy {
			continue
		}
		claimed[rollout.Protocol] = struct{}{}

		if err := s.enqueue(ctx, rollout); err != nil {
			s.logger.Error("failed to enqueue scheduled rollout",
				zap.String("rolloutId", rollout.ID),
				zap.String("protocol", rollout.Protocol),
				zap.Error(err),
			)
			continue
		}
		enqueued++
	}

	if enqueued > 0 {
		s.logger.Info("scheduled rollouts enqueued",
			zap.Int("enqueued", enqueued),
			zap.Int("due", len(due)),
		)
	}
	return nil
}

func (s *Scheduler) enqueue(ctx context.Context, rollout *domain.Rollout) error {
	err := s.publisher.Publish(ctx, queue.RolloutQueue, queue.RolloutMessage{
		RolloutID:     rollout.ID,
		CorrelationID: rollout.CorrelationID,
		Protocol:      rollout.Protocol,
	})
	if err != nil {
		return err
	}

	updated, err := s.rollouts.MarkQueuedIfAccepted(ctx, rollout.ID)
	if err != nil {
		return fmt.Errorf("failed to mark rollout queued: %w", err)
	}
	if !updated {
		s.logger.Info("scheduled rollout changed status before queue mark",
			zap.String("rolloutId", rollout.ID),
		)
	}
	return nil
}
