package barrier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/rollout-engine/internal/channel"
	"github.com/kursadbilgin/rollout-engine/internal/domain"
	"github.com/kursadbilgin/rollout-engine/internal/observability"
	"github.com/kursadbilgin/rollout-engine/internal/ratelimit"
	"go.uber.org/zap"
)

// actionIssuer sends state-change requests one entity at a time with a
// fixed pause in between so the remote system is not hit in bursts.
type actionIssuer struct {
	actor   channel.Actor
	limiter ratelimit.RateLimiter
	delay   time.Duration
	sleep   func(ctx context.Context, d time.Duration) error
	metrics *observability.Metrics
}

// issueAll requests the target state of condition from every entity. A
// failure for one entity is logged and the loop moves on; the entity then
// surfaces as pending when the wait ends.
func (a *actionIssuer) issueAll(
	ctx context.Context,
	logger *zap.Logger,
	ids []domain.EntityID,
	condition domain.Condition,
) (int, []domain.EntityID) {
	desired := condition.TargetState()
	issued := 0
	var failed []domain.EntityID

	for i, id := range ids {
		if i > 0 && a.delay > 0 {
			if err := a.sleep(ctx, a.delay); err != nil {
				logger.Warn("action issuance interrupted",
					zap.Int("remaining", len(ids)-i),
					zap.Error(err),
				)
				failed = append(failed, ids[i:]...)
				return issued, failed
			}
		}

		if err := a.issue(ctx, id, desired); err != nil {
			logger.Warn("failed to issue action",
				zap.Stringer("entity", id),
				zap.String("desiredState", desired.String()),
				zap.Error(err),
			)
			a.metrics.IncActionFailed(desired.String())
			failed = append(failed, id)
			continue
		}

		issued++
		logger.Info("action issued",
			zap.Stringer("entity", id),
			zap.String("desiredState", desired.String()),
		)
	}

	return issued, failed
}

func (a *actionIssuer) issue(ctx context.Context, id domain.EntityID, desired domain.EntityState) error {
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx, hostKey(id)); err != nil {
			return fmt.Errorf("rate limiter wait failed: %w", err)
		}
	}
	return a.actor.IssueAction(ctx, id, desired)
}

func hostKey(id domain.EntityID) string {
	return fmt.Sprintf("host-%d", id.HostID)
}

// pendingEntities returns the subset of ids that does not already satisfy
// condition, in request order. Entities whose state cannot be read are kept:
// they are waited on and surface as pending if they never confirm.
func pendingEntities(
	ctx context.Context,
	states channel.StateReader,
	logger *zap.Logger,
	ids []domain.EntityID,
	condition domain.Condition,
) []domain.EntityID {
	snapshots, err := readStates(ctx, states, ids)
	if err != nil {
		logger.Warn("bulk state query failed, treating all entities as pending", zap.Error(err))
		return append([]domain.EntityID(nil), ids...)
	}

	pending := make([]domain.EntityID, 0, len(ids))
	for _, id := range ids {
		snapshot, ok := snapshots[id]
		if !ok {
			logger.Warn("entity state unavailable, treating as pending", zap.Stringer("entity", id))
			pending = append(pending, id)
			continue
		}
		if condition.SatisfiedBy(snapshot.State, snapshot.StartupComplete) {
			logger.Debug("entity already in desired condition",
				zap.Stringer("entity", id),
				zap.String("condition", condition.String()),
			)
			continue
		}
		pending = append(pending, id)
	}
	return pending
}

// pendingBeforeDeadline is pendingEntities with the read bounded by deadline.
// expired reports that the deadline passed before the read finished.
func pendingBeforeDeadline(
	ctx context.Context,
	states channel.StateReader,
	logger *zap.Logger,
	ids []domain.EntityID,
	condition domain.Condition,
	now func() time.Time,
	deadline time.Time,
) (pending []domain.EntityID, expired bool) {
	readCtx, cancel := context.WithTimeout(ctx, deadline.Sub(now()))
	defer cancel()

	pending = pendingEntities(readCtx, states, logger, ids, condition)
	expired = errors.Is(readCtx.Err(), context.DeadlineExceeded) || !now().Before(deadline)
	return pending, expired
}

// readStates uses a single bulk round-trip when the reader supports it and
// falls back to one query per entity. Per-entity failures leave the entity
// out of the map.
func readStates(
	ctx context.Context,
	states channel.StateReader,
	ids []domain.EntityID,
) (map[domain.EntityID]domain.EntitySnapshot, error) {
	if bulk, ok := states.(channel.BulkStateReader); ok {
		return bulk.QueryStates(ctx, ids)
	}

	snapshots := make(map[domain.EntityID]domain.EntitySnapshot, len(ids))
	for _, id := range ids {
		snapshot, err := states.QueryState(ctx, id)
		if err != nil {
			continue
		}
		snapshots[id] = snapshot
	}
	return snapshots, nil
}

// uniqueEntities drops repeated ids while keeping the first occurrence.
func uniqueEntities(ids []domain.EntityID) []domain.EntityID {
	seen := make(map[domain.EntityID]struct{}, len(ids))
	out := make([]domain.EntityID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
