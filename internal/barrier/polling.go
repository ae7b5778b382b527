package barrier

import (
	"context"
	"fmt"
	"time"

	"github.com/kursadbilgin/rollout-engine/internal/channel"
	"github.com/kursadbilgin/rollout-engine/internal/domain"
	"github.com/kursadbilgin/rollout-engine/internal/observability"
	"github.com/kursadbilgin/rollout-engine/internal/ratelimit"
	"go.uber.org/zap"
)

const (
	defaultPollInterval = 5 * time.Second
	// finalQueryTimeout bounds the state read that names the lagging
	// entities once the deadline has passed.
	finalQueryTimeout = 2 * time.Second
)

// Poller waits for a set of entities by querying their state at a fixed
// interval. It needs no notification channel.
type Poller struct {
	states channel.StateReader
	logger *zap.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewPoller(states channel.StateReader, logger *zap.Logger) (*Poller, error) {
	if states == nil {
		return nil, fmt.Errorf("state reader is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Poller{
		states: states,
		logger: logger,
		now:    time.Now,
		sleep:  sleepWithContext,
	}, nil
}

// Run returns true as soon as every entity satisfies condition and false once
// deadline passes first. A failed query counts as not satisfied. Each query
// only gets the time left until the deadline, so a slow reader cannot push
// Run past it.
func (p *Poller) Run(
	ctx context.Context,
	entities []domain.EntityID,
	condition domain.Condition,
	interval time.Duration,
	deadline time.Time,
) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	if interval <= 0 {
		interval = defaultPollInterval
	}
	logger := observability.WithContextLogger(p.logger, ctx)

	for attempt := 1; ; attempt++ {
		remaining := deadline.Sub(p.now())
		if remaining <= 0 {
			return false
		}

		if p.allSatisfied(ctx, logger, entities, condition, remaining) {
			logger.Debug("all entities satisfied condition",
				zap.String("condition", condition.String()),
				zap.Int("polls", attempt),
			)
			return true
		}

		remaining = deadline.Sub(p.now())
		if remaining <= 0 {
			return false
		}
		if err := p.sleep(ctx, min(interval, remaining)); err != nil {
			logger.Warn("polling interrupted", zap.Error(err))
			return false
		}
	}
}

func (p *Poller) allSatisfied(
	ctx context.Context,
	logger *zap.Logger,
	entities []domain.EntityID,
	condition domain.Condition,
	budget time.Duration,
) bool {
	queryCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	snapshots, err := readStates(queryCtx, p.states, entities)
	if err != nil {
		logger.Debug("state query failed during polling", zap.Error(err))
		return false
	}

	for _, id := range entities {
		snapshot, ok := snapshots[id]
		if !ok || !condition.SatisfiedBy(snapshot.State, snapshot.StartupComplete) {
			return false
		}
	}
	return true
}

// PollingBarrier runs batch transitions with a Poller instead of a
// subscription. It reports the same outcomes as Barrier except
// SubscriptionFailure, and only knows which entities lag after the deadline.
type PollingBarrier struct {
	poller       *Poller
	issuer       *actionIssuer
	interval     time.Duration
	finalTimeout time.Duration
	logger       *zap.Logger
	metrics      *observability.Metrics
	now          func() time.Time
}

var _ Transitioner = (*PollingBarrier)(nil)

func NewPollingBarrier(
	states channel.StateReader,
	actor channel.Actor,
	interval time.Duration,
	actionDelay time.Duration,
	logger *zap.Logger,
) (*PollingBarrier, error) {
	if actor == nil {
		return nil, fmt.Errorf("actor is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = defaultPollInterval
	}
	if actionDelay <= 0 {
		actionDelay = defaultActionDelay
	}

	poller, err := NewPoller(states, logger)
	if err != nil {
		return nil, err
	}

	return &PollingBarrier{
		poller: poller,
		issuer: &actionIssuer{
			actor: actor,
			delay: actionDelay,
			sleep: sleepWithContext,
		},
		interval:     interval,
		finalTimeout: finalQueryTimeout,
		logger:       logger,
		now:          time.Now,
	}, nil
}

func (b *PollingBarrier) SetRateLimiter(limiter ratelimit.RateLimiter) {
	if b == nil {
		return
	}
	b.issuer.limiter = limiter
}

func (b *PollingBarrier) SetMetrics(metrics *observability.Metrics) {
	if b == nil {
		return
	}
	b.metrics = metrics
	b.issuer.metrics = metrics
}

func (b *PollingBarrier) Transition(ctx context.Context, req Request) (result Result, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := req.Validate(); err != nil {
		return Result{}, err
	}

	start := b.now()
	if req.CorrelationID == "" {
		req.CorrelationID = NewCorrelationID(start)
	}
	ctx = observability.WithCorrelationID(ctx, req.CorrelationID)
	logger := observability.WithContextLogger(b.logger, ctx).With(
		zap.String("condition", req.Condition.String()),
		zap.String("strategy", domain.StrategyPolling.String()),
	)

	result.CorrelationID = req.CorrelationID
	b.metrics.IncBarrierInFlight(domain.StrategyPolling.String())
	defer func() {
		b.metrics.DecBarrierInFlight(domain.StrategyPolling.String())
		result.Duration = b.now().Sub(start)
		b.metrics.ObserveBatch(req.Condition.String(), result.Outcome.String(), result.Duration, len(result.Pending))
	}()

	pending, expired := pendingBeforeDeadline(ctx, b.poller.states, logger, uniqueEntities(req.Entities), req.Condition, b.now, req.Deadline)
	if len(pending) == 0 {
		logger.Info("all entities already in desired condition", zap.Int("entities", len(req.Entities)))
		result.Outcome = domain.OutcomeNothingToDo
		return result, nil
	}
	if expired {
		logger.Warn("deadline passed while reading entity states, no actions issued", zap.Int("pending", len(pending)))
		result.Outcome = domain.OutcomeTimeout
		result.Pending = pending
		sortEntityIDs(result.Pending)
		return result, nil
	}

	result.ActionsIssued, result.FailedActions = b.issuer.issueAll(ctx, logger, pending, req.Condition)

	if b.poller.Run(ctx, pending, req.Condition, b.interval, req.Deadline) {
		logger.Info("all entities reached desired condition", zap.Int("entities", len(pending)))
		result.Outcome = domain.OutcomeSuccess
		return result, nil
	}

	finalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.finalTimeout)
	defer cancel()

	result.Outcome = domain.OutcomeTimeout
	result.Pending = pendingEntities(finalCtx, b.poller.states, logger, pending, req.Condition)
	sortEntityIDs(result.Pending)
	logger.Warn("batch did not complete before deadline",
		zap.Int("pending", len(result.Pending)),
		zap.Stringers("pendingEntities", result.Pending),
	)
	return result, nil
}
