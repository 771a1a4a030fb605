package cache

import (
	"context"
	"time"
)

// Cache defines the cache operations the judge relies on.
// Status reads go through it cache-aside and per-submission execution
// locks are taken through LockOps.
type Cache interface {
	BasicOps
	LockOps

	// Ping verifies the cache connection is alive
	Ping(ctx context.Context) error

	// Close closes the cache connection
	Close() error
}

// BasicOps defines basic key-value operations
type BasicOps interface {
	// Get retrieves the value for the given key, "" when absent
	Get(ctx context.Context, key string) (string, error)

	// Set stores a key-value pair with optional TTL (0 means no expiry)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	// SetNX sets the value only if the key does not exist
	SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error)

	// Del deletes one or more keys
	Del(ctx context.Context, keys ...string) error
}

// LockOps defines token-owned distributed locks.
// Only the holder of token may release or extend a lock.
type LockOps interface {
	TryLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key, token string) (bool, error)
	ExtendLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
}

// CounterOps counts events in fixed windows.
type CounterOps interface {
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error)
}
