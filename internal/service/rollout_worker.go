package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/rollout-engine/internal/domain"
	"github.com/kursadbilgin/rollout-engine/internal/lock"
	"github.com/kursadbilgin/rollout-engine/internal/observability"
	"github.com/kursadbilgin/rollout-engine/internal/queue"
	"github.com/kursadbilgin/rollout-engine/internal/repository"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	minWorkerConcurrency = 1
	defaultRequeueDelay  = 10 * time.Second
	defaultLeaseRefresh  = time.Minute
)

// RolloutExecutor runs a single rollout.
type RolloutExecutor interface {
	Execute(ctx context.Context, rollout domain.Rollout) (*RolloutReport, error)
}

var _ RolloutExecutor = (*Executor)(nil)

// RolloutWorker consumes rollout jobs and executes them one protocol at a time.
type RolloutWorker struct {
	rollouts     repository.RolloutRepository
	consumer     queue.Consumer
	executor     RolloutExecutor
	locker       lock.Locker
	logger       *zap.Logger
	metrics      *observability.Metrics
	concurrency  int
	requeueDelay time.Duration
	leaseRefresh time.Duration
	now          func() time.Time
	sleep        func(ctx context.Context, d time.Duration) error
}

func NewRolloutWorker(
	rollouts repository.RolloutRepository,
	consumer queue.Consumer,
	executor RolloutExecutor,
	locker lock.Locker,
	concurrency int,
	logger *zap.Logger,
) (*RolloutWorker, error) {
	if rollouts == nil {
		return nil, fmt.Errorf("rollout repository is required")
	}
	if consumer == nil {
		return nil, fmt.Errorf("consumer is required")
	}
	if executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if locker == nil {
		return nil, fmt.Errorf("locker is required")
	}
	if concurrency < minWorkerConcurrency {
		concurrency = minWorkerConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RolloutWorker{
		rollouts:     rollouts,
		consumer:     consumer,
		executor:     executor,
		locker:       locker,
		logger:       logger,
		concurrency:  concurrency,
		requeueDelay: defaultRequeueDelay,
		leaseRefresh: defaultLeaseRefresh,
		now:          time.Now,
		sleep:        sleepWithContext,
	}, nil
}

func (w *RolloutWorker) SetMetrics(metrics *observability.Metrics) {
	if w == nil {
		return
	}
	w.metrics = metrics
}

// Start consumes the rollout queue with the configured number of workers
// until context cancellation.
func (w *RolloutWorker) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	g, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		workerID := i + 1

		g.Go(func() error {
			w.logger.Info("worker started",
				zap.Int("workerId", workerID),
				zap.String("queue", queue.RolloutQueue),
			)

			err := w.consumer.Consume(groupCtx, queue.RolloutQueue, w.processMessage)
			if err != nil {
				w.logger.Error("worker stopped with error",
					zap.Int("workerId", workerID),
					zap.Error(err),
				)
				return err
			}

			w.logger.Info("worker stopped", zap.Int("workerId", workerID))
			return nil
		})
	}

	return g.Wait()
}

func (w *RolloutWorker) processMessage(ctx context.Context, msg queue.RolloutMessage) error {
	if msg.CorrelationID != "" {
		ctx = observability.WithCorrelationID(ctx, msg.CorrelationID)
	}
	ctx = observability.WithRolloutID(ctx, msg.RolloutID)
	logger := observability.WithContextLogger(w.logger, ctx)

	rollout, err := w.rollouts.LockForRunning(ctx, msg.RolloutID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			logger.Warn("rollout not found during lock, skipping")
			return nil
		}
		return fmt.Errorf("failed to lock rollout for running: %w", err)
	}

	// Nil means terminal/running state; ack and skip.
	if rollout == nil {
		return nil
	}

	lease, err := w.locker.Acquire(ctx, rollout.Protocol)
	if err != nil {
		return w.requeue(ctx, logger, rollout.ID, err)
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("failed to release rollout lock", zap.Error(err))
		}
	}()

	w.metrics.IncWorkerInFlight()
	defer w.metrics.DecWorkerInFlight()

	runCtx, stopRefresh := context.WithCancel(ctx)
	refreshDone := make(chan struct{})
	go func() {
		defer close(refreshDone)
		w.keepLease(runCtx, logger, lease)
	}()

	report, execErr := w.executor.Execute(runCtx, *rollout)
	stopRefresh()
	<-refreshDone

	result := repository.RolloutResult{
		Status:     domain.RolloutStatusFailed,
		FinishedAt: w.now().UTC(),
	}
	if report != nil {
		result.Status = report.Status
		if report.PreviousVersion != "" {
			previous := report.PreviousVersion
			result.PreviousVersion = &previous
		}
	}
	if execErr != nil {
		result.Status = domain.RolloutStatusFailed
		reason := execErr.Error()
		result.Error = &reason
		if isValidationFailure(execErr) {
			logger.Warn("rollout rejected", zap.Error(execErr))
		} else {
			logger.Error("rollout failed", zap.Error(execErr))
		}
	}

	if err := w.rollouts.Finish(context.WithoutCancel(ctx), rollout.ID, result); err != nil {
		return fmt.Errorf("failed to store rollout result: %w", err)
	}
	w.metrics.IncRolloutFinished(result.Status.String())

	logger.Info("rollout stored", zap.String("status", result.Status.String()))
	return nil
}

// requeue hands a rollout that could not take the protocol lock back to the
// queue. The returned error makes the consumer redeliver the message after
// the requeue delay.
func (w *RolloutWorker) requeue(ctx context.Context, logger *zap.Logger, id string, cause error) error {
	if errors.Is(cause, domain.ErrRolloutLocked) {
		logger.Info("protocol busy, requeueing rollout", zap.Duration("delay", w.requeueDelay))
	} else {
		logger.Error("failed to acquire rollout lock, requeueing rollout", zap.Error(cause))
	}

	if err := w.rollouts.Requeue(ctx, id); err != nil && !errors.Is(err, domain.ErrConflict) {
		return fmt.Errorf("failed to requeue rollout: %w (lock: %v)", err, cause)
	}
	if err := w.sleep(ctx, w.requeueDelay); err != nil {
		return fmt.Errorf("requeue interrupted: %w", cause)
	}
	return fmt.Errorf("failed to acquire rollout lock: %w", cause)
}

func (w *RolloutWorker) keepLease(ctx context.Context, logger *zap.Logger, lease lock.Lease) {
	ticker := time.NewTicker(w.leaseRefresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := lease.Extend(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("failed to extend rollout lock", zap.Error(err))
			}
		}
	}
}
