package barrier

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/rollout-engine/internal/channel"
	"github.com/kursadbilgin/rollout-engine/internal/domain"
	"github.com/kursadbilgin/rollout-engine/internal/observability"
	"github.com/kursadbilgin/rollout-engine/internal/ratelimit"
	"go.uber.org/zap"
)

const (
	defaultRegistrationTimeout = 30 * time.Second
	defaultTeardownTimeout     = 30 * time.Second
	defaultActionDelay         = 100 * time.Millisecond

	correlationTimeLayout = "2006_01_02_15_04_05"
)

// Request describes one batch transition.
type Request struct {
	Entities      []domain.EntityID
	Condition     domain.Condition
	CorrelationID string
	Deadline      time.Time
}

func (r Request) Validate() error {
	if len(r.Entities) == 0 {
		return fmt.Errorf("%w: batch must include at least one entity", domain.ErrValidation)
	}
	if !r.Condition.IsValid() {
		return fmt.Errorf("%w: invalid condition %q", domain.ErrValidation, r.Condition)
	}
	if r.Deadline.IsZero() {
		return fmt.Errorf("%w: deadline is required", domain.ErrValidation)
	}
	return nil
}

// Result is the structured outcome of a batch transition.
type Result struct {
	CorrelationID string
	Outcome       domain.Outcome
	// Pending holds the entities that never confirmed. For a subscription
	// failure it is the whole pending set, none of which was acted on.
	Pending       []domain.EntityID
	FailedActions []domain.EntityID
	ActionsIssued int
	// Err is the cause of a subscription failure.
	Err error
	// TeardownErr is reported next to the outcome and never replaces it.
	TeardownErr error
	Duration    time.Duration
}

// Succeeded reports whether every entity is in the desired condition.
func (r Result) Succeeded() bool {
	return r.Outcome == domain.OutcomeSuccess || r.Outcome == domain.OutcomeNothingToDo
}

// Transitioner drives a batch of entities to a condition.
type Transitioner interface {
	Transition(ctx context.Context, req Request) (Result, error)
}

// Config holds the budgets of a Barrier. Zero values take the defaults.
type Config struct {
	RegistrationTimeout time.Duration
	TeardownTimeout     time.Duration
	ActionDelay         time.Duration
}

// Barrier runs subscription-based batch transitions on a shared channel.
// Each Run owns its correlation id, scope and tracker, so concurrent runs
// on the same channel do not observe each other.
type Barrier struct {
	ch      channel.Channel
	states  channel.StateReader
	issuer  *actionIssuer
	logger  *zap.Logger
	metrics *observability.Metrics

	registrationTimeout time.Duration
	teardownTimeout     time.Duration
	now                 func() time.Time
}

var _ Transitioner = (*Barrier)(nil)

func NewBarrier(
	ch channel.Channel,
	states channel.StateReader,
	actor channel.Actor,
	cfg Config,
	logger *zap.Logger,
) (*Barrier, error) {
	if ch == nil {
		return nil, fmt.Errorf("notification channel is required")
	}
	if states == nil {
		return nil, fmt.Errorf("state reader is required")
	}
	if actor == nil {
		return nil, fmt.Errorf("actor is required")
	}
	if cfg.RegistrationTimeout <= 0 {
		cfg.RegistrationTimeout = defaultRegistrationTimeout
	}
	if cfg.TeardownTimeout <= 0 {
		cfg.TeardownTimeout = defaultTeardownTimeout
	}
	if cfg.ActionDelay <= 0 {
		cfg.ActionDelay = defaultActionDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Barrier{
		ch:     ch,
		states: states,
		issuer: &actionIssuer{
			actor: actor,
			delay: cfg.ActionDelay,
			sleep: sleepWithContext,
		},
		logger:              logger,
		registrationTimeout: cfg.RegistrationTimeout,
		teardownTimeout:     cfg.TeardownTimeout,
		now:                 time.Now,
	}, nil
}

// SetRateLimiter throttles action issuance per host on top of the fixed delay.
func (b *Barrier) SetRateLimiter(limiter ratelimit.RateLimiter) {
	if b == nil {
		return
	}
	b.issuer.limiter = limiter
}

func (b *Barrier) SetMetrics(metrics *observability.Metrics) {
	if b == nil {
		return
	}
	b.metrics = metrics
	b.issuer.metrics = metrics
}

// NewCorrelationID returns a per-invocation id made of a random uuid and a
// UTC timestamp.
func NewCorrelationID(now time.Time) string {
	return fmt.Sprintf("%s_%s", uuid.NewString(), now.UTC().Format(correlationTimeLayout))
}

// Transition implements Transitioner.
func (b *Barrier) Transition(ctx context.Context, req Request) (Result, error) {
	return b.Run(ctx, req)
}

// Run issues the state change for every entity of the batch that is not
// already in the requested condition and blocks until all of them confirm
// through channel events or the deadline passes. The subscription is torn
// down on every path once it has been opened.
//
// Cancelling ctx stops further actions and ends the wait early with a
// Timeout outcome; the deadline is the regular way a batch ends.
func (b *Barrier) Run(ctx context.Context, req Request) (result Result, err error) {
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
		zap.String("strategy", domain.StrategySubscription.String()),
	)

	result.CorrelationID = req.CorrelationID
	b.metrics.IncBarrierInFlight(domain.StrategySubscription.String())
	defer func() {
		b.metrics.DecBarrierInFlight(domain.StrategySubscription.String())
		result.Duration = b.now().Sub(start)
		b.metrics.ObserveBatch(req.Condition.String(), result.Outcome.String(), result.Duration, len(result.Pending))
	}()

	pending, expired := pendingBeforeDeadline(ctx, b.states, logger, uniqueEntities(req.Entities), req.Condition, b.now, req.Deadline)
	if len(pending) == 0 {
		logger.Info("all entities already in desired condition", zap.Int("entities", len(req.Entities)))
		result.Outcome = domain.OutcomeNothingToDo
		return result, nil
	}
	if expired {
		logger.Warn("deadline passed while reading entity states, no subscription opened", zap.Int("pending", len(pending)))
		result.Outcome = domain.OutcomeTimeout
		result.Pending = pending
		sortEntityIDs(result.Pending)
		return result, nil
	}

	filters := make([]channel.Filter, 0, len(pending))
	for _, id := range pending {
		filters = append(filters, channel.Filter{Entity: id, SkipInitialEvents: true})
	}

	tracker := NewTracker(pending, req.Condition)

	scope, openErr := OpenScope(ctx, b.ch, req.CorrelationID, filters, tracker.HandleEvent, b.registrationTimeout)
	if scope != nil {
		defer func() {
			if closeErr := scope.Close(ctx, b.teardownTimeout); closeErr != nil {
				logger.Warn("subscription teardown failed", zap.Error(closeErr))
				b.metrics.IncTeardownFailed()
				result.TeardownErr = closeErr
			}
		}()
	}
	if openErr != nil {
		logger.Error("subscription registration failed, no actions issued",
			zap.Int("pending", len(pending)),
			zap.Error(openErr),
		)
		result.Outcome = domain.OutcomeSubscriptionFailure
		result.Pending = pending
		result.Err = openErr
		return result, nil
	}

	logger.Info("subscription registered", zap.Int("pending", len(pending)))

	result.ActionsIssued, result.FailedActions = b.issuer.issueAll(ctx, logger, pending, req.Condition)

	if b.wait(ctx, tracker, req.Deadline) {
		logger.Info("all entities reached desired condition", zap.Int("entities", len(pending)))
		result.Outcome = domain.OutcomeSuccess
		return result, nil
	}

	result.Outcome = domain.OutcomeTimeout
	result.Pending = tracker.Pending()
	logger.Warn("batch did not complete before deadline",
		zap.Int("pending", len(result.Pending)),
		zap.Stringers("pendingEntities", result.Pending),
	)
	return result, nil
}

func (b *Barrier) wait(ctx context.Context, tracker *Tracker, deadline time.Time) bool {
	if ctx.Done() == nil {
		return tracker.Wait(deadline)
	}

	waitCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	select {
	case <-tracker.Done():
		return true
	case <-waitCtx.Done():
		select {
		case <-tracker.Done():
			return true
		default:
			return false
		}
	}
}
