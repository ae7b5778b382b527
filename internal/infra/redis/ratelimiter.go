package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/rollout-engine/internal/ratelimit"
	goredis "github.com/redis/go-redis/v9"
)

const (
	defaultActionsPerWindow int64 = 10
	defaultWindow                 = time.Second
	actionKeyPrefix               = "ratelimit:actions:"
)

// reserveScript counts one action against KEYS[1]. It returns 0 when the
// action fits in the window and otherwise the milliseconds left until the
// window resets.
var reserveScript = goredis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
if count <= tonumber(ARGV[1]) then
  return 0
end
local left = redis.call("PTTL", KEYS[1])
if left < 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
  left = tonumber(ARGV[2])
end
return left
`)

var _ ratelimit.RateLimiter = (*RedisRateLimiter)(nil)

// RedisRateLimiter caps the state-change requests sent to one host across
// every worker sharing the Redis instance. Each host gets its own window.
type RedisRateLimiter struct {
	client *goredis.Client
	limit  int64
	window time.Duration
	sleep  func(ctx context.Context, d time.Duration) error
}

func NewRedisRateLimiter(client *goredis.Client, actionsPerSec int) (*RedisRateLimiter, error) {
	return newRedisRateLimiter(client, int64(actionsPerSec), defaultWindow, sleepWithContext)
}

func newRedisRateLimiter(
	client *goredis.Client,
	limit int64,
	window time.Duration,
	sleepFn func(ctx context.Context, d time.Duration) error,
) (*RedisRateLimiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if limit <= 0 {
		limit = defaultActionsPerWindow
	}
	if window < time.Millisecond {
		window = defaultWindow
	}
	if sleepFn == nil {
		sleepFn = sleepWithContext
	}

	return &RedisRateLimiter{
		client: client,
		limit:  limit,
		window: window,
		sleep:  sleepFn,
	}, nil
}

func (r *RedisRateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	resetIn, err := r.reserve(ctx, key)
	if err != nil {
		return false, err
	}
	return resetIn == 0, nil
}

// Wait blocks until an action for key fits in a window. Rejected attempts
// sleep until the current window resets.
func (r *RedisRateLimiter) Wait(ctx context.Context, key string) error {
	for {
		resetIn, err := r.reserve(ctx, key)
		if err != nil {
			return err
		}
		if resetIn == 0 {
			return nil
		}
		if err := r.sleep(ctx, resetIn); err != nil {
			return err
		}
	}
}

func (r *RedisRateLimiter) reserve(ctx context.Context, key string) (time.Duration, error) {
	if r == nil || r.client == nil {
		return 0, fmt.Errorf("rate limiter is not initialized")
	}

	host := strings.ToLower(strings.TrimSpace(key))
	if host == "" {
		return 0, fmt.Errorf("rate limit key is required")
	}

	leftMs, err := reserveScript.Run(ctx, r.client, []string{actionKeyPrefix + host}, r.limit, r.window.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to reserve action slot: %w", err)
	}
	return time.Duration(leftMs) * time.Millisecond, nil
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
