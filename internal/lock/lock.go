package lock

import "context"

// Lease is a held exclusive lock.
type Lease interface {
	Extend(ctx context.Context) error
	Release(ctx context.Context) error
}

// Locker hands out one lease per key at a time, such as one running
// rollout per protocol.
type Locker interface {
	Acquire(ctx context.Context, key string) (Lease, error)
}
