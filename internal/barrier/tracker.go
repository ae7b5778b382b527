package barrier

import (
	"slices"
	"sync"
	"time"

	"github.com/kursadbilgin/rollout-engine/internal/channel"
	"github.com/kursadbilgin/rollout-engine/internal/domain"
)

// Tracker holds the entities a batch is still waiting for and signals once
// when the last of them reaches the target condition.
type Tracker struct {
	condition domain.Condition

	mu      sync.Mutex
	pending map[domain.EntityID]struct{}
	fired   bool
	done    chan struct{}
}

// NewTracker seeds a tracker with the entities to await. An empty seed is
// complete immediately.
func NewTracker(ids []domain.EntityID, condition domain.Condition) *Tracker {
	t := &Tracker{
		condition: condition,
		pending:   make(map[domain.EntityID]struct{}, len(ids)),
		done:      make(chan struct{}),
	}
	for _, id := range ids {
		t.pending[id] = struct{}{}
	}
	if len(t.pending) == 0 {
		t.fired = true
		close(t.done)
	}
	return t
}

// Observe records a reported state. It returns true if the report removed
// id from the pending set. Unknown ids, already confirmed ids and reports
// that do not match the condition are ignored.
func (t *Tracker) Observe(id domain.EntityID, state domain.EntityState, startupComplete bool) bool {
	if !t.condition.SatisfiedBy(state, startupComplete) {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.pending[id]; !ok {
		return false
	}
	delete(t.pending, id)

	if len(t.pending) == 0 && !t.fired {
		t.fired = true
		close(t.done)
	}
	return true
}

// HandleEvent is the subscription callback. Only state events carry
// lifecycle information; every other kind is ignored.
func (t *Tracker) HandleEvent(ev channel.Event) {
	switch e := ev.(type) {
	case channel.StateEvent:
		t.Observe(e.Entity, e.State, e.StartupComplete)
	case channel.InfoEvent, channel.HeartbeatEvent:
	}
}

// Wait blocks until every entity has confirmed or the deadline passes.
// It reports whether completion happened.
func (t *Tracker) Wait(deadline time.Time) bool {
	select {
	case <-t.done:
		return true
	default:
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case <-t.done:
		return true
	case <-timer.C:
		// Completion and deadline may race; completion wins.
		select {
		case <-t.done:
			return true
		default:
			return false
		}
	}
}

// Done is closed once every entity has confirmed.
func (t *Tracker) Done() <-chan struct{} {
	return t.done
}

// Pending returns the unconfirmed entities in host/entity order.
func (t *Tracker) Pending() []domain.EntityID {
	t.mu.Lock()
	ids := make([]domain.EntityID, 0, len(t.pending))
	for id := range t.pending {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	sortEntityIDs(ids)
	return ids
}

func sortEntityIDs(ids []domain.EntityID) {
	slices.SortFunc(ids, func(a, b domain.EntityID) int {
		switch {
		case a.Less(b):
			return -1
		case b.Less(a):
			return 1
		default:
			return 0
		}
	})
}
