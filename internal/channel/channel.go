package channel

import (
	"context"

	"github.com/kursadbilgin/rollout-engine/internal/domain"
)

// Filter selects the state events of one entity for a subscription set.
type Filter struct {
	Entity domain.EntityID `cbor:"1,keyasint"`
	// SkipInitialEvents suppresses the snapshot event the server would
	// otherwise emit right after registration.
	SkipInitialEvents bool `cbor:"2,keyasint"`
}

// Handler receives every message delivered on a channel.
type Handler func(msg Message)

// Channel is a long-lived notification connection with server-side filters.
// Handlers are invoked on the channel's delivery goroutine, concurrently
// with callers of RegisterFilters and ClearFilters.
type Channel interface {
	// RegisterFilters installs filters under setID and blocks until the
	// server confirms or ctx is done.
	RegisterFilters(ctx context.Context, setID string, filters []Filter) error
	// ClearFilters removes every filter under setID and blocks until the
	// server confirms or ctx is done.
	ClearFilters(ctx context.Context, setID string) error
	// AddHandler installs h for all future deliveries. The returned func
	// removes it and is safe to call more than once.
	AddHandler(h Handler) (remove func())
}

// StateReader queries the current state of a single entity.
type StateReader interface {
	QueryState(ctx context.Context, id domain.EntityID) (domain.EntitySnapshot, error)
}

// BulkStateReader queries many entities in one round-trip. Entities the
// server does not know are absent from the result.
type BulkStateReader interface {
	QueryStates(ctx context.Context, ids []domain.EntityID) (map[domain.EntityID]domain.EntitySnapshot, error)
}

// Actor requests a state change. Completion is only observable through
// later events or state queries.
type Actor interface {
	IssueAction(ctx context.Context, id domain.EntityID, desired domain.EntityState) error
}
