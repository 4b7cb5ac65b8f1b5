// Package hotstore holds the low-latency, day-scoped visit counters that
// live traffic writes to. Values live in a key-value backend (an in-process
// map or Redis) and expire on their own if reconciliation stops running.
package hotstore

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrKeyNotFound is returned by Client.Get for a missing or expired key.
	ErrKeyNotFound = errors.New("hotstore: key not found")

	// ErrNotInteger is returned by Client.Incr when the stored value is not a number.
	ErrNotInteger = errors.New("hotstore: value is not an integer")

	// ErrContention is returned when a compare-and-swap loop runs out of attempts.
	ErrContention = errors.New("hotstore: too much write contention")
)

// Client is the subset of key-value operations the counter store needs.
type Client interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) (int64, error)
	// Keys lists keys matching a Redis-style glob pattern.
	Keys(ctx context.Context, pattern string) ([]string, error)
	// CompareAndSwap stores value only if the key currently holds old.
	// A nil old means the key must not exist.
	CompareAndSwap(ctx context.Context, key string, old, value []byte, ttl time.Duration) (bool, error)
	Ping(ctx context.Context) error
	Close() error
}
