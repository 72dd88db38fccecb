package store

import (
	"context"
	"time"
)

// NopStore stands in when no store credentials are configured. Every call
// reports ErrStoreUnavailable so callers apply their failure policy instead
// of crashing at startup.
type NopStore struct{}

func (NopStore) Get(ctx context.Context, key string) (string, bool, error) {
	return "", false, nopErr("get", key)
}

func (NopStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return nopErr("set", key)
}

func (NopStore) Incr(ctx context.Context, key string) (int64, error) {
	return 0, nopErr("incr", key)
}

func (NopStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return false, nopErr("expire", key)
}

func (NopStore) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	return 0, nopErr("del", keys[0])
}

func (NopStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return nopErr("zadd", key)
}

func (NopStore) ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error) {
	return 0, nopErr("zremrangebyscore", key)
}

func (NopStore) ZCard(ctx context.Context, key string) (int64, error) {
	return 0, nopErr("zcard", key)
}

func (NopStore) ZCount(ctx context.Context, key string, min, max float64) (int64, error) {
	return 0, nopErr("zcount", key)
}

func (NopStore) SlidingWindow(ctx context.Context, args SlidingWindowArgs) (int64, error) {
	return 0, nopErr("sliding_window", args.Key)
}

func (NopStore) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return 0, nopErr("incr_with_ttl", key)
}

func (NopStore) Ping(ctx context.Context) error { return nopErr("ping", "") }
func (NopStore) Close() error                   { return nil }

func nopErr(op, key string) error {
	return &OpError{Op: op, Key: key, Err: ErrNotConfigured}
}
