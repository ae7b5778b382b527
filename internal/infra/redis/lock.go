package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/rollout-engine/internal/domain"
	"github.com/kursadbilgin/rollout-engine/internal/lock"
	goredis "github.com/redis/go-redis/v9"
)

const defaultLockTTL = 2 * time.Hour

// releaseScript deletes the lock only if it still holds our token.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript refreshes the TTL only if the lock still holds our token.
var extendScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RolloutLock serializes rollouts of the same protocol across workers. Two
// rollouts switching the production version of one protocol at the same
// time would stop and start the same entities.
type RolloutLock struct {
	client   *goredis.Client
	ttl      time.Duration
	newToken func() string
}

var (
	_ lock.Locker = (*RolloutLock)(nil)
	_ lock.Lease  = (*Lease)(nil)
)

// Lease is a held lock. Release it when the rollout ends.
type Lease struct {
	lock  *RolloutLock
	key   string
	token string
}

func NewRolloutLock(client *goredis.Client, ttl time.Duration) (*RolloutLock, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if ttl <= 0 {
		ttl = defaultLockTTL
	}

	return &RolloutLock{
		client:   client,
		ttl:      ttl,
		newToken: uuid.NewString,
	}, nil
}

// Acquire takes the lock for protocol. It returns domain.ErrRolloutLocked
// when another holder has it.
func (l *RolloutLock) Acquire(ctx context.Context, protocol string) (lock.Lease, error) {
	key, err := lockKey(protocol)
	if err != nil {
		return nil, err
	}

	token := l.newToken()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire rollout lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrRolloutLocked, protocol)
	}

	return &Lease{lock: l, key: key, token: token}, nil
}

// Extend pushes the expiry of a held lease back to the full TTL.
func (s *Lease) Extend(ctx context.Context) error {
	if s == nil {
		return nil
	}

	n, err := extendScript.Run(ctx, s.lock.client, []string{s.key}, s.token, s.lock.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("failed to extend rollout lock: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("rollout lock %s is no longer held", s.key)
	}
	return nil
}

// Release frees the lease if it is still ours. Releasing an expired or
// already released lease is not an error.
func (s *Lease) Release(ctx context.Context) error {
	if s == nil {
		return nil
	}

	_, err := releaseScript.Run(ctx, s.lock.client, []string{s.key}, s.token).Int()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return fmt.Errorf("failed to release rollout lock: %w", err)
	}
	return nil
}

func lockKey(protocol string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(protocol))
	if normalized == "" {
		return "", fmt.Errorf("%w: protocol is required", domain.ErrValidation)
	}
	return fmt.Sprintf("lock:rollout:%s", normalized), nil
}
