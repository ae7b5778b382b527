package barrier

import (
	"context"
	"sync"
	"time"

	"github.com/kursadbilgin/rollout-engine/internal/channel"
	"github.com/kursadbilgin/rollout-engine/internal/domain"
)

type fakeChannel struct {
	*channel.Dispatcher

	registerFn func(ctx context.Context, setID string, filters []channel.Filter) error
	clearFn    func(ctx context.Context, setID string) error

	mu            sync.Mutex
	registerCalls int
	clearCalls    int
	setID         string
	filters       []channel.Filter
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{Dispatcher: channel.NewDispatcher()}
}

func (f *fakeChannel) RegisterFilters(ctx context.Context, setID string, filters []channel.Filter) error {
	f.mu.Lock()
	f.registerCalls++
	f.setID = setID
	f.filters = append([]channel.Filter(nil), filters...)
	fn := f.registerFn
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx, setID, filters)
	}
	return nil
}

func (f *fakeChannel) ClearFilters(ctx context.Context, setID string) error {
	f.mu.Lock()
	f.clearCalls++
	fn := f.clearFn
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx, setID)
	}
	return nil
}

func (f *fakeChannel) calls() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.registerCalls, f.clearCalls
}

func (f *fakeChannel) registeredSetID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.setID
}

func (f *fakeChannel) registeredFilters() []channel.Filter {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]channel.Filter(nil), f.filters...)
}

// emit delivers a state event for the currently registered set.
func (f *fakeChannel) emit(id domain.EntityID, state domain.EntityState, startupComplete bool) {
	f.Dispatch(channel.Message{
		SetID: f.registeredSetID(),
		Event: channel.StateEvent{Entity: id, State: state, StartupComplete: startupComplete},
	})
}

// fakeStates implements both StateReader and BulkStateReader.
type fakeStates struct {
	mu           sync.Mutex
	snapshots    map[domain.EntityID]domain.EntitySnapshot
	queryStateFn func(ctx context.Context, ids []domain.EntityID) (map[domain.EntityID]domain.EntitySnapshot, error)
	queries      int
}

func newFakeStates(snapshots ...domain.EntitySnapshot) *fakeStates {
	f := &fakeStates{snapshots: make(map[domain.EntityID]domain.EntitySnapshot, len(snapshots))}
	for _, s := range snapshots {
		f.snapshots[s.ID] = s
	}
	return f
}

func (f *fakeStates) set(id domain.EntityID, state domain.EntityState, startupComplete bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots[id] = domain.EntitySnapshot{ID: id, State: state, StartupComplete: startupComplete}
}

func (f *fakeStates) QueryState(ctx context.Context, id domain.EntityID) (domain.EntitySnapshot, error) {
	snapshots, err := f.QueryStates(ctx, []domain.EntityID{id})
	if err != nil {
		return domain.EntitySnapshot{}, err
	}
	snapshot, ok := snapshots[id]
	if !ok {
		return domain.EntitySnapshot{}, domain.ErrNotFound
	}
	return snapshot, nil
}

func (f *fakeStates) QueryStates(ctx context.Context, ids []domain.EntityID) (map[domain.EntityID]domain.EntitySnapshot, error) {
	f.mu.Lock()
	f.queries++
	fn := f.queryStateFn
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx, ids)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[domain.EntityID]domain.EntitySnapshot, len(ids))
	for _, id := range ids {
		if s, ok := f.snapshots[id]; ok {
			out[id] = s
		}
	}
	return out, nil
}

func (f *fakeStates) queryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries
}

// singleStates only supports per-entity queries.
type singleStates struct {
	queryStateFn func(ctx context.Context, id domain.EntityID) (domain.EntitySnapshot, error)
}

func (s *singleStates) QueryState(ctx context.Context, id domain.EntityID) (domain.EntitySnapshot, error) {
	return s.queryStateFn(ctx, id)
}

type fakeActor struct {
	issueActionFn func(ctx context.Context, id domain.EntityID, desired domain.EntityState) error

	mu     sync.Mutex
	issued []domain.EntityID
}

func (f *fakeActor) IssueAction(ctx context.Context, id domain.EntityID, desired domain.EntityState) error {
	f.mu.Lock()
	f.issued = append(f.issued, id)
	fn := f.issueActionFn
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx, id, desired)
	}
	return nil
}

func (f *fakeActor) issuedIDs() []domain.EntityID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.EntityID(nil), f.issued...)
}

type fakeRateLimiter struct {
	waitFn func(ctx context.Context, key string) error
}

func (f *fakeRateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	return true, nil
}

func (f *fakeRateLimiter) Wait(ctx context.Context, key string) error {
	if f.waitFn != nil {
		return f.waitFn(ctx, key)
	}
	return nil
}

// fakeClock advances only when sleep is called.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return nil
}

// slowQuery answers after d unless ctx ends first.
func slowQuery(d time.Duration) func(ctx context.Context, ids []domain.EntityID) (map[domain.EntityID]domain.EntitySnapshot, error) {
	return func(ctx context.Context, ids []domain.EntityID) (map[domain.EntityID]domain.EntitySnapshot, error) {
		timer := time.NewTimer(d)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return map[domain.EntityID]domain.EntitySnapshot{}, nil
		}
	}
}

func noSleep(ctx context.Context, d time.Duration) error {
	return ctx.Err()
}

func snapshot(host, entity int, state domain.EntityState, startupComplete bool) domain.EntitySnapshot {
	return domain.EntitySnapshot{
		ID:              domain.EntityID{HostID: host, EntityID: entity},
		State:           state,
		StartupComplete: startupComplete,
	}
}

func eid(host, entity int) domain.EntityID {
	return domain.EntityID{HostID: host, EntityID: entity}
}
