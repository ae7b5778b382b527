package ratelimit

import "context"

// RateLimiter throttles operations sharing a key, such as the state-change
// requests sent to one host.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Wait(ctx context.Context, key string) error
}
