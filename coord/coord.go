// Package coord provides the shared coordination primitives replicas agree through:
// a TTL-bounded distributed lock, a TTL cache and TTL counters, all backed by Redis.
package coord

import (
	"context"
	"errors"
	"time"
)

var ErrLockNotAcquired = errors.New("lock not acquired")

// Locker runs fn while holding key. The lock expires after ttl even if the holder dies.
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error
}

type Cache interface {
	// Get reports a miss as (nil, false, nil).
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

type Counter interface {
	// Incr increments key and refreshes its expiry, returning the new value.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Reset(ctx context.Context, key string) error
}
