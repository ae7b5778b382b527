package service

import (
	"context"
	"sync"
	"time"

	"github.com/kursadbilgin/rollout-engine/internal/barrier"
	"github.com/kursadbilgin/rollout-engine/internal/domain"
	"github.com/kursadbilgin/rollout-engine/internal/entityapi"
	"github.com/kursadbilgin/rollout-engine/internal/lock"
	"github.com/kursadbilgin/rollout-engine/internal/queue"
	"github.com/kursadbilgin/rollout-engine/internal/repository"
)

type fakeRolloutRepo struct {
	createFn               func(ctx context.Context, r *domain.Rollout) error
	getByIDFn              func(ctx context.Context, id string) (*domain.Rollout, error)
	listFn                 func(ctx context.Context, params repository.ListParams) ([]domain.Rollout, int64, error)
	updateStatusFn         func(ctx context.Context, id string, status domain.RolloutStatus) error
	markQueuedIfAcceptedFn func(ctx context.Context, id string) (bool, error)
	cancelFn               func(ctx context.Context, id string) error
	lockForRunningFn       func(ctx context.Context, id string) (*domain.Rollout, error)
	requeueFn              func(ctx context.Context, id string) error
	finishFn               func(ctx context.Context, id string, result repository.RolloutResult) error
	getDueScheduledFn      func(ctx context.Context, now time.Time, limit int) ([]domain.Rollout, error)
}

var _ repository.RolloutRepository = (*fakeRolloutRepo)(nil)

func (f *fakeRolloutRepo) Create(ctx context.Context, r *domain.Rollout) error {
	if f.createFn != nil {
		return f.createFn(ctx, r)
	}
	return nil
}

func (f *fakeRolloutRepo) GetByID(ctx context.Context, id string) (*domain.Rollout, error) {
	if f.getByIDFn != nil {
		return f.getByIDFn(ctx, id)
	}
	return nil, domain.ErrNotFound
}

func (f *fakeRolloutRepo) List(ctx context.Context, params repository.ListParams) ([]domain.Rollout, int64, error) {
	if f.listFn != nil {
		return f.listFn(ctx, params)
	}
	return nil, 0, nil
}

func (f *fakeRolloutRepo) UpdateStatus(ctx context.Context, id string, status domain.RolloutStatus) error {
	if f.updateStatusFn != nil {
		return f.updateStatusFn(ctx, id, status)
	}
	return nil
}

func (f *fakeRolloutRepo) MarkQueuedIfAccepted(ctx context.Context, id string) (bool, error) {
	if f.markQueuedIfAcceptedFn != nil {
		return f.markQueuedIfAcceptedFn(ctx, id)
	}
	return true, nil
}

func (f *fakeRolloutRepo) Cancel(ctx context.Context, id string) error {
	if f.cancelFn != nil {
		return f.cancelFn(ctx, id)
	}
	return nil
}

func (f *fakeRolloutRepo) LockForRunning(ctx context.Context, id string) (*domain.Rollout, error) {
	if f.lockForRunningFn != nil {
		return f.lockForRunningFn(ctx, id)
	}
	return nil, nil
}

func (f *fakeRolloutRepo) Requeue(ctx context.Context, id string) error {
	if f.requeueFn != nil {
		return f.requeueFn(ctx, id)
	}
	return nil
}

func (f *fakeRolloutRepo) Finish(ctx context.Context, id string, result repository.RolloutResult) error {
	if f.finishFn != nil {
		return f.finishFn(ctx, id, result)
	}
	return nil
}

func (f *fakeRolloutRepo) GetDueScheduled(ctx context.Context, now time.Time, limit int) ([]domain.Rollout, error) {
	if f.getDueScheduledFn != nil {
		return f.getDueScheduledFn(ctx, now, limit)
	}
	return nil, nil
}

type fakeBatchRepo struct {
	mu      sync.Mutex
	created []domain.BatchRecord

	createFn        func(ctx context.Context, b *domain.BatchRecord) error
	listByRolloutFn func(ctx context.Context, rolloutID string) ([]domain.BatchRecord, error)
}

var _ repository.BatchRepository = (*fakeBatchRepo)(nil)

func (f *fakeBatchRepo) Create(ctx context.Context, b *domain.BatchRecord) error {
	f.mu.Lock()
	f.created = append(f.created, *b)
	f.mu.Unlock()
	if f.createFn != nil {
		return f.createFn(ctx, b)
	}
	return nil
}

func (f *fakeBatchRepo) ListByRollout(ctx context.Context, rolloutID string) ([]domain.BatchRecord, error) {
	if f.listByRolloutFn != nil {
		return f.listByRolloutFn(ctx, rolloutID)
	}
	return nil, nil
}

func (f *fakeBatchRepo) records() []domain.BatchRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.BatchRecord(nil), f.created...)
}

type fakePublisher struct {
	publishFn func(ctx context.Context, queueName string, msg queue.RolloutMessage) error
}

var _ queue.Publisher = (*fakePublisher)(nil)

func (f *fakePublisher) Publish(ctx context.Context, queueName string, msg queue.RolloutMessage) error {
	if f.publishFn != nil {
		return f.publishFn(ctx, queueName, msg)
	}
	return nil
}

func (f *fakePublisher) Close() error {
	return nil
}

type fakeConsumer struct {
	consumeFn func(ctx context.Context, queue string, handler queue.MessageHandler) error
}

var _ queue.Consumer = (*fakeConsumer)(nil)

func (f *fakeConsumer) Consume(ctx context.Context, queueName string, handler queue.MessageHandler) error {
	if f.consumeFn != nil {
		return f.consumeFn(ctx, queueName, handler)
	}
	return nil
}

func (f *fakeConsumer) Close() error {
	return nil
}

type fakeFleet struct {
	listFleetFn            func(ctx context.Context, query entityapi.FleetQuery) ([]domain.EntitySnapshot, error)
	productionVersionFn    func(ctx context.Context, protocol string) (string, error)
	versionExistsFn        func(ctx context.Context, protocol string, version string) (bool, error)
	setProductionVersionFn func(ctx context.Context, protocol string, version string) error

	mu       sync.Mutex
	switched []string
}

var _ FleetManager = (*fakeFleet)(nil)

func (f *fakeFleet) ListFleet(ctx context.Context, query entityapi.FleetQuery) ([]domain.EntitySnapshot, error) {
	if f.listFleetFn != nil {
		return f.listFleetFn(ctx, query)
	}
	return nil, nil
}

func (f *fakeFleet) ProductionVersion(ctx context.Context, protocol string) (string, error) {
	if f.productionVersionFn != nil {
		return f.productionVersionFn(ctx, protocol)
	}
	return "1.0.0.1", nil
}

func (f *fakeFleet) VersionExists(ctx context.Context, protocol string, version string) (bool, error) {
	if f.versionExistsFn != nil {
		return f.versionExistsFn(ctx, protocol, version)
	}
	return true, nil
}

func (f *fakeFleet) SetProductionVersion(ctx context.Context, protocol string, version string) error {
	f.mu.Lock()
	f.switched = append(f.switched, version)
	f.mu.Unlock()
	if f.setProductionVersionFn != nil {
		return f.setProductionVersionFn(ctx, protocol, version)
	}
	return nil
}

func (f *fakeFleet) switches() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.switched...)
}

// fakeTransitioner records every request and answers with transitionFn or
// a successful result.
type fakeTransitioner struct {
	mu           sync.Mutex
	requests     []barrier.Request
	transitionFn func(ctx context.Context, req barrier.Request) (barrier.Result, error)
}

var _ barrier.Transitioner = (*fakeTransitioner)(nil)

func (f *fakeTransitioner) Transition(ctx context.Context, req barrier.Request) (barrier.Result, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.transitionFn != nil {
		return f.transitionFn(ctx, req)
	}
	return barrier.Result{CorrelationID: "corr", Outcome: domain.OutcomeSuccess}, nil
}

func (f *fakeTransitioner) calls() []barrier.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]barrier.Request(nil), f.requests...)
}

type fakeExecutor struct {
	executeFn func(ctx context.Context, rollout domain.Rollout) (*RolloutReport, error)
}

func (f *fakeExecutor) Execute(ctx context.Context, rollout domain.Rollout) (*RolloutReport, error) {
	if f.executeFn != nil {
		return f.executeFn(ctx, rollout)
	}
	return &RolloutReport{Status: domain.RolloutStatusCompleted}, nil
}

type fakeLease struct {
	mu       sync.Mutex
	released int
	extended int
}

func (l *fakeLease) Extend(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.extended++
	return nil
}

func (l *fakeLease) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released++
	return nil
}

func (l *fakeLease) releases() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.released
}

type fakeLocker struct {
	acquireFn func(ctx context.Context, key string) (lock.Lease, error)
}

var _ lock.Locker = (*fakeLocker)(nil)

func (f *fakeLocker) Acquire(ctx context.Context, key string) (lock.Lease, error) {
	if f.acquireFn != nil {
		return f.acquireFn(ctx, key)
	}
	return &fakeLease{}, nil
}

func noSleep(ctx context.Context, d time.Duration) error {
	return ctx.Err()
}

func fleetOf(n int) []domain.EntitySnapshot {
	fleet := make([]domain.EntitySnapshot, 0, n)
	for i := 1; i <= n; i++ {
		fleet = append(fleet, domain.EntitySnapshot{
			ID:              domain.EntityID{HostID: 100 + i%2, EntityID: i},
			State:           domain.EntityStateActive,
			StartupComplete: true,
		})
	}
	return fleet
}
