package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/rollout-engine/internal/barrier"
	"github.com/kursadbilgin/rollout-engine/internal/domain"
	"github.com/kursadbilgin/rollout-engine/internal/entityapi"
	"github.com/kursadbilgin/rollout-engine/internal/observability"
	"github.com/kursadbilgin/rollout-engine/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultBatchDelay         = 5 * time.Second
	defaultBatchTimeout       = 60 * time.Second
	defaultVersionSwitchDelay = time.Second
)

// FleetManager lists a protocol's entities and manages its production version.
type FleetManager interface {
	ListFleet(ctx context.Context, query entityapi.FleetQuery) ([]domain.EntitySnapshot, error)
	ProductionVersion(ctx context.Context, protocol string) (string, error)
	VersionExists(ctx context.Context, protocol string, version string) (bool, error)
	SetProductionVersion(ctx context.Context, protocol string, version string) error
}

// ExecutorConfig holds the pacing of a rollout. Zero values take the defaults.
type ExecutorConfig struct {
	BatchDelay         time.Duration
	BatchTimeout       time.Duration
	VersionSwitchDelay time.Duration
}

// RolloutReport is the outcome of one executed rollout.
type RolloutReport struct {
	Status          domain.RolloutStatus
	PreviousVersion string
	Entities        int
	Batches         []domain.BatchRecord
}

// FailedBatches counts batches that did not reach their condition.
func (r *RolloutReport) FailedBatches() int {
	if r == nil {
		return 0
	}
	failed := 0
	for _, b := range r.Batches {
		if b.Outcome.IsFailure() {
			failed++
		}
	}
	return failed
}

// Executor switches a protocol to a new production version. Active entities
// on the production version are stopped batch by batch, the version is
// switched, and the same batches are started again.
type Executor struct {
	fleet         FleetManager
	transitioners map[domain.Strategy]barrier.Transitioner
	batches       repository.BatchRepository
	logger        *zap.Logger
	cfg           ExecutorConfig
	now           func() time.Time
	sleep         func(ctx context.Context, d time.Duration) error
	newID         func() string
}

// NewExecutor builds an Executor. batches may be nil, in which case batch
// records are only returned in the report.
func NewExecutor(
	fleet FleetManager,
	transitioners map[domain.Strategy]barrier.Transitioner,
	batches repository.BatchRepository,
	cfg ExecutorConfig,
	logger *zap.Logger,
) (*Executor, error) {
	if fleet == nil {
		return nil, fmt.Errorf("fleet manager is required")
	}
	if len(transitioners) == 0 {
		return nil, fmt.Errorf("at least one transitioner is required")
	}
	if cfg.BatchDelay <= 0 {
		cfg.BatchDelay = defaultBatchDelay
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = defaultBatchTimeout
	}
	if cfg.VersionSwitchDelay <= 0 {
		cfg.VersionSwitchDelay = defaultVersionSwitchDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Executor{
		fleet:         fleet,
		transitioners: transitioners,
		batches:       batches,
		logger:        logger,
		cfg:           cfg,
		now:           time.Now,
		sleep:         sleepWithContext,
		newID:         uuid.NewString,
	}, nil
}

// Execute runs the rollout to completion. The returned report is never nil.
// A non-nil error means the rollout FAILED; batch timeouts are not errors and
// surface as PARTIAL_FAILURE.
func (e *Executor) Execute(ctx context.Context, rollout domain.Rollout) (*RolloutReport, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	report := &RolloutReport{Status: domain.RolloutStatusFailed}

	if rollout.CorrelationID != "" {
		ctx = observability.WithCorrelationID(ctx, rollout.CorrelationID)
	}
	if rollout.ID != "" {
		ctx = observability.WithRolloutID(ctx, rollout.ID)
	}
	logger := observability.WithContextLogger(e.logger, ctx).With(
		zap.String("protocol", rollout.Protocol),
		zap.String("targetVersion", rollout.TargetVersion),
	)

	transitioner, ok := e.transitioners[rollout.Strategy]
	if !ok {
		return report, fmt.Errorf("%w: strategy %q is not available", domain.ErrValidation, rollout.Strategy)
	}
	if rollout.BatchSize < 1 || rollout.BatchSize > domain.MaxBatchSize {
		return report, fmt.Errorf("%w: batch size must be between 1 and %d", domain.ErrValidation, domain.MaxBatchSize)
	}

	previous, err := e.checkVersions(ctx, rollout)
	if err != nil {
		logger.Error("rollout aborted before touching entities", zap.Error(err))
		return report, err
	}
	report.PreviousVersion = previous
	logger.Info("current production version", zap.String("productionVersion", previous))

	fleet, err := e.fleet.ListFleet(ctx, entityapi.FleetQuery{
		Protocol: rollout.Protocol,
		Version:  domain.ProductionVersionAlias,
		State:    domain.EntityStateActive,
	})
	if err != nil {
		logger.Error("failed to list fleet", zap.Error(err))
		return report, fmt.Errorf("failed to list fleet: %w", err)
	}
	report.Entities = len(fleet)
	logger.Info("active entities running production version", zap.Int("entities", len(fleet)))

	batches := partition(fleet, rollout.BatchSize)

	if err := e.runPhase(ctx, logger, rollout, transitioner, domain.PhaseStop, batches, report); err != nil {
		return report, err
	}

	if err := e.sleep(ctx, e.cfg.VersionSwitchDelay); err != nil {
		return report, fmt.Errorf("rollout interrupted before version switch: %w", err)
	}

	switchErr := e.fleet.SetProductionVersion(ctx, rollout.Protocol, rollout.TargetVersion)
	if switchErr != nil {
		logger.Error("failed to switch production version, restarting entities on previous version", zap.Error(switchErr))
	} else {
		logger.Info("production version switched")
	}

	if err := e.sleep(ctx, e.cfg.VersionSwitchDelay); err != nil {
		return report, fmt.Errorf("rollout interrupted after version switch: %w", err)
	}

	if err := e.runPhase(ctx, logger, rollout, transitioner, domain.PhaseStart, batches, report); err != nil {
		return report, err
	}

	if switchErr != nil {
		return report, fmt.Errorf("failed to switch production version: %w", switchErr)
	}

	report.Status = domain.RolloutStatusCompleted
	if failed := report.FailedBatches(); failed > 0 {
		report.Status = domain.RolloutStatusPartialFailure
		logger.Warn("rollout finished with unconfirmed batches",
			zap.Int("failedBatches", failed),
			zap.Int("batches", len(report.Batches)),
		)
	} else {
		logger.Info("rollout finished", zap.Int("batches", len(report.Batches)))
	}

	return report, nil
}

func (e *Executor) checkVersions(ctx context.Context, rollout domain.Rollout) (string, error) {
	exists, err := e.fleet.VersionExists(ctx, rollout.Protocol, rollout.TargetVersion)
	if err != nil {
		return "", fmt.Errorf("failed to look up target version: %w", err)
	}
	if !exists {
		return "", fmt.Errorf("%w: version %s of %s does not exist", domain.ErrValidation, rollout.TargetVersion, rollout.Protocol)
	}

	current, err := e.fleet.ProductionVersion(ctx, rollout.Protocol)
	if err != nil {
		return "", fmt.Errorf("failed to look up production version: %w", err)
	}
	if strings.EqualFold(current, rollout.TargetVersion) {
		return current, fmt.Errorf("%w: version %s is already in production", domain.ErrValidation, rollout.TargetVersion)
	}

	return current, nil
}

// runPhase drives every batch to the phase's condition in order. A batch
// that times out does not stop the phase.
func (e *Executor) runPhase(
	ctx context.Context,
	logger *zap.Logger,
	rollout domain.Rollout,
	transitioner barrier.Transitioner,
	phase domain.Phase,
	batches [][]domain.EntityID,
	report *RolloutReport,
) error {
	for i, batch := range batches {
		logger.Info("processing batch",
			zap.String("phase", phase.String()),
			zap.Int("batch", i+1),
			zap.Int("batches", len(batches)),
			zap.Int("entities", len(batch)),
		)

		startedAt := e.now().UTC()
		result, err := transitioner.Transition(ctx, barrier.Request{
			Entities:  batch,
			Condition: phase.Condition(),
			Deadline:  startedAt.Add(e.cfg.BatchTimeout),
		})
		if err != nil {
			return fmt.Errorf("failed to run %s batch %d: %w", strings.ToLower(phase.String()), i+1, err)
		}

		record := domain.BatchRecord{
			ID:            e.newID(),
			RolloutID:     rollout.ID,
			Phase:         phase,
			Sequence:      i + 1,
			CorrelationID: result.CorrelationID,
			EntityCount:   len(batch),
			Outcome:       result.Outcome,
			Pending:       result.Pending,
			StartedAt:     startedAt,
			FinishedAt:    e.now().UTC(),
		}
		if result.TeardownErr != nil {
			msg := result.TeardownErr.Error()
			record.TeardownError = &msg
		}
		report.Batches = append(report.Batches, record)
		e.record(ctx, logger, &record)

		if result.Outcome.IsFailure() {
			fields := []zap.Field{
				zap.String("phase", phase.String()),
				zap.Int("batch", i+1),
				zap.String("outcome", result.Outcome.String()),
				zap.Int("pending", len(result.Pending)),
			}
			if result.Err != nil {
				fields = append(fields, zap.Error(result.Err))
			}
			logger.Error("batch did not reach desired condition", fields...)
		}

		if i < len(batches)-1 {
			if err := e.sleep(ctx, e.cfg.BatchDelay); err != nil {
				return fmt.Errorf("rollout interrupted during %s phase: %w", strings.ToLower(phase.String()), err)
			}
		}
	}
	return nil
}

func (e *Executor) record(ctx context.Context, logger *zap.Logger, record *domain.BatchRecord) {
	if e.batches == nil {
		return
	}
	if err := e.batches.Create(context.WithoutCancel(ctx), record); err != nil {
		logger.Error("failed to record batch",
			zap.String("batchId", record.ID),
			zap.Error(err),
		)
	}
}

// partition splits the fleet into ordered batches of at most size entities.
func partition(fleet []domain.EntitySnapshot, size int) [][]domain.EntityID {
	if size < 1 || len(fleet) == 0 {
		return nil
	}

	batches := make([][]domain.EntityID, 0, (len(fleet)+size-1)/size)
	for start := 0; start < len(fleet); start += size {
		end := min(start+size, len(fleet))
		batch := make([]domain.EntityID, 0, end-start)
		for _, snapshot := range fleet[start:end] {
			batch = append(batch, snapshot.ID)
		}
		batches = append(batches, batch)
	}
	return batches
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// isValidationFailure reports whether err rejects the rollout itself rather
// than a transient dependency failure.
func isValidationFailure(err error) bool {
	return errors.Is(err, domain.ErrValidation)
}
