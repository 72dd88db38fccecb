// Package store is the client for the shared key-value store that holds rate
// limit counters and login locks.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrStoreUnavailable is matched by every error a Store returns.
var ErrStoreUnavailable = errors.New("store unavailable")

// ErrNotConfigured is the cause reported by the no-op store.
var ErrNotConfigured = errors.New("store credentials not configured")

// OpError describes a failed store operation.
type OpError struct {
	Op  string
	Key string
	Err error
}

func (e *OpError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("store %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("store %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// Is makes every OpError match ErrStoreUnavailable.
func (e *OpError) Is(target error) bool { return target == ErrStoreUnavailable }

// SlidingWindowArgs parameterizes one sliding-window step.
type SlidingWindowArgs struct {
	Key    string
	Now    time.Time
	Window time.Duration
	Limit  int64
	// Member is the unique sorted-set member recorded for this action.
	Member string
	// CountDenied records the member even when the window is already full.
	CountDenied bool
}

// Store exposes the primitives used by the limiter and the login guard.
//
// SlidingWindow and IncrWithTTL must execute as one atomic unit per key:
// concurrent callers on the same key must never observe each other's
// intermediate state. Implementations achieve this with a server-side script
// (Redis) or a per-key lock (MemoryStore).
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) (int64, error)

	ZAdd(ctx context.Context, key string, score float64, member string) error
	// ZRemRangeByScore removes members with min <= score <= max.
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error)
	ZCard(ctx context.Context, key string) (int64, error)
	// ZCount counts members with min <= score <= max without modifying key.
	ZCount(ctx context.Context, key string, min, max float64) (int64, error)

	// SlidingWindow prunes members scored before Now-Window, counts the rest,
	// records Member at Now when count < Limit (or CountDenied is set) and
	// refreshes the key TTL to Window. It returns the count taken before the
	// insert.
	SlidingWindow(ctx context.Context, args SlidingWindowArgs) (int64, error)
	// IncrWithTTL increments key and sets its TTL when the key has none, which
	// is the case on the first increment of a window.
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// UnixMillis is the score unit used for sliding-window members.
func UnixMillis(t time.Time) float64 {
	return float64(t.UnixMilli())
}

// FailurePolicy tells a caller what to do when the store cannot answer.
type FailurePolicy string

const (
	// FailOpen permits the action and flags the result as degraded.
	FailOpen FailurePolicy = "open"
	// FailClosed denies the action.
	FailClosed FailurePolicy = "closed"
)

// ParseFailurePolicy maps "open"/"closed"; anything else is FailClosed.
func ParseFailurePolicy(s string) FailurePolicy {
	if FailurePolicy(s) == FailOpen {
		return FailOpen
	}
	return FailClosed
}
