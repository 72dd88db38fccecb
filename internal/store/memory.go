package store

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

var errUnhealthy = errors.New("memory store marked unhealthy")

// MemoryStore is an in-process Store. Each key carries its own mutex, so the
// compound operations are atomic per key exactly like the Lua scripts.
type MemoryStore struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]*memEntry
	healthy atomic.Bool
}

type memEntry struct {
	mu sync.Mutex
	// refs counts callers holding or waiting on mu. Guarded by MemoryStore.mu.
	refs     int
	value    string
	hasValue bool
	zset     map[string]float64
	expireAt time.Time
}

// NewMemoryStore builds a MemoryStore. now defaults to time.Now.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	s := &MemoryStore{
		now:     now,
		entries: make(map[string]*memEntry),
	}
	s.healthy.Store(true)
	return s
}

// SetHealthy toggles failure injection: an unhealthy store fails every call.
func (s *MemoryStore) SetHealthy(v bool) {
	s.healthy.Store(v)
}

// entry returns the locked entry for key with expired state already cleared.
// The caller must hand it back with release.
func (s *MemoryStore) entry(op, key string) (*memEntry, error) {
	if !s.healthy.Load() {
		return nil, &OpError{Op: op, Key: key, Err: errUnhealthy}
	}
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		e = &memEntry{}
		s.entries[key] = e
	}
	e.refs++
	s.mu.Unlock()

	e.mu.Lock()
	e.expireIfDue(s.now())
	return e, nil
}

// release unlocks e and drops it from the map once nobody else holds or
// waits on it and it carries no live state.
func (s *MemoryStore) release(key string, e *memEntry) {
	e.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	e.refs--
	if e.refs > 0 || s.entries[key] != e {
		return
	}
	e.expireIfDue(s.now())
	if !e.exists() {
		delete(s.entries, key)
	}
}

// size is the number of keys currently tracked.
func (s *MemoryStore) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (e *memEntry) expireIfDue(now time.Time) {
	if !e.expireAt.IsZero() && !now.Before(e.expireAt) {
		e.clear()
	}
}

func (e *memEntry) clear() {
	e.value = ""
	e.hasValue = false
	e.zset = nil
	e.expireAt = time.Time{}
}

func (e *memEntry) exists() bool {
	return e.hasValue || len(e.zset) > 0
}

// dropIfEmpty mirrors Redis deleting a sorted set once its last member goes.
func (e *memEntry) dropIfEmpty() {
	if !e.exists() {
		e.clear()
	}
}

func (s *MemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	e, err := s.entry("get", key)
	if err != nil {
		return "", false, err
	}
	defer s.release(key, e)
	return e.value, e.hasValue, nil
}

func (s *MemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	e, err := s.entry("set", key)
	if err != nil {
		return err
	}
	defer s.release(key, e)

	e.clear()
	e.value = value
	e.hasValue = true
	if ttl > 0 {
		e.expireAt = s.now().Add(ttl)
	}
	return nil
}

func (s *MemoryStore) Incr(ctx context.Context, key string) (int64, error) {
	e, err := s.entry("incr", key)
	if err != nil {
		return 0, err
	}
	defer s.release(key, e)
	return e.incr(key)
}

func (e *memEntry) incr(key string) (int64, error) {
	var n int64
	if e.hasValue {
		v, err := strconv.ParseInt(e.value, 10, 64)
		if err != nil {
			return 0, &OpError{Op: "incr", Key: key, Err: err}
		}
		n = v
	}
	n++
	e.value = strconv.FormatInt(n, 10)
	e.hasValue = true
	return n, nil
}

func (s *MemoryStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	e, err := s.entry("expire", key)
	if err != nil {
		return false, err
	}
	defer s.release(key, e)

	if !e.exists() {
		return false, nil
	}
	e.expireAt = s.now().Add(ttl)
	return true, nil
}

func (s *MemoryStore) Del(ctx context.Context, keys ...string) (int64, error) {
	var removed int64
	for _, key := range keys {
		e, err := s.entry("del", key)
		if err != nil {
			return removed, err
		}
		if e.exists() {
			removed++
		}
		e.clear()
		s.release(key, e)
	}
	return removed, nil
}

func (s *MemoryStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	e, err := s.entry("zadd", key)
	if err != nil {
		return err
	}
	defer s.release(key, e)

	if e.zset == nil {
		e.zset = make(map[string]float64)
	}
	e.zset[member] = score
	return nil
}

func (s *MemoryStore) ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error) {
	e, err := s.entry("zremrangebyscore", key)
	if err != nil {
		return 0, err
	}
	defer s.release(key, e)

	n := e.zremRange(func(score float64) bool { return score >= min && score <= max })
	e.dropIfEmpty()
	return n, nil
}

func (e *memEntry) zremRange(match func(float64) bool) int64 {
	var n int64
	for member, score := range e.zset {
		if match(score) {
			delete(e.zset, member)
			n++
		}
	}
	return n
}

func (s *MemoryStore) ZCard(ctx context.Context, key string) (int64, error) {
	e, err := s.entry("zcard", key)
	if err != nil {
		return 0, err
	}
	defer s.release(key, e)
	return int64(len(e.zset)), nil
}

func (s *MemoryStore) ZCount(ctx context.Context, key string, min, max float64) (int64, error) {
	e, err := s.entry("zcount", key)
	if err != nil {
		return 0, err
	}
	defer s.release(key, e)

	var n int64
	for _, score := range e.zset {
		if score >= min && score <= max {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) SlidingWindow(ctx context.Context, args SlidingWindowArgs) (int64, error) {
	e, err := s.entry("sliding_window", args.Key)
	if err != nil {
		return 0, err
	}
	defer s.release(args.Key, e)

	now := UnixMillis(args.Now)
	start := float64(args.Now.UnixMilli() - args.Window.Milliseconds())
	e.zremRange(func(score float64) bool { return score < start })

	count := int64(len(e.zset))
	if count < args.Limit || args.CountDenied {
		if e.zset == nil {
			e.zset = make(map[string]float64)
		}
		e.zset[args.Member] = now
	}
	if e.exists() {
		e.expireAt = s.now().Add(args.Window)
	} else {
		e.clear()
	}
	return count, nil
}

func (s *MemoryStore) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	e, err := s.entry("incr_with_ttl", key)
	if err != nil {
		return 0, err
	}
	defer s.release(key, e)

	n, err := e.incr(key)
	if err != nil {
		return 0, err
	}
	if n == 1 || e.expireAt.IsZero() {
		e.expireAt = s.now().Add(ttl)
	}
	return n, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	if !s.healthy.Load() {
		return &OpError{Op: "ping", Err: errUnhealthy}
	}
	return nil
}

func (s *MemoryStore) Close() error { return nil }
