package store

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Teachlyze/TamanduAI-new-sub010/internal/config"
)

// slidingWindowScript runs prune, count, insert and expire in one step.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window_start = ARGV[2]
local window_ms = tonumber(ARGV[3])
local limit = tonumber(ARGV[4])
local member = ARGV[5]
local count_denied = ARGV[6] == '1'

redis.call('ZREMRANGEBYSCORE', key, '-inf', window_start)
local count = redis.call('ZCARD', key)
if count < limit or count_denied then
	redis.call('ZADD', key, now, member)
end
redis.call('PEXPIRE', key, window_ms)
return count
`)

var incrWithTTLScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 or redis.call('PTTL', KEYS[1]) == -1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// RedisStore implements Store on top of go-redis.
type RedisStore struct {
	client    redis.UniversalClient
	opTimeout time.Duration
}

// New returns a RedisStore when a URL is configured, and a NopStore otherwise.
func New(cfg config.StoreConfig, logger *slog.Logger) (Store, error) {
	if cfg.URL == "" {
		logger.Warn("KV store not configured, counters are disabled")
		return NopStore{}, nil
	}
	opts, err := redisOptions(cfg)
	if err != nil {
		return nil, err
	}
	logger.Info("Using Redis KV store", "address", opts.Addr, "tls", opts.TLSConfig != nil)
	return NewRedisStore(redis.NewClient(opts), cfg.OpTimeout), nil
}

// NewRedisStore wraps an existing client. opTimeout bounds every call.
func NewRedisStore(client redis.UniversalClient, opTimeout time.Duration) *RedisStore {
	if opTimeout <= 0 {
		opTimeout = 2 * time.Second
	}
	return &RedisStore{client: client, opTimeout: opTimeout}
}

// redisOptions accepts redis://, rediss:// and the https:// endpoint form
// handed out by managed providers, which is served as TLS RESP on 6379.
func redisOptions(cfg config.StoreConfig) (*redis.Options, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse store url: %w", err)
	}

	var opts *redis.Options
	switch u.Scheme {
	case "redis", "rediss":
		opts, err = redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse store url: %w", err)
		}
	case "https":
		port := u.Port()
		if port == "" {
			port = "6379"
		}
		opts = &redis.Options{
			Addr:     net.JoinHostPort(u.Hostname(), port),
			Username: "default",
			TLSConfig: &tls.Config{
				ServerName: u.Hostname(),
				MinVersion: tls.VersionTLS12,
			},
		}
	default:
		return nil, fmt.Errorf("unsupported store url scheme %q", u.Scheme)
	}

	if cfg.Token != "" {
		opts.Password = cfg.Token
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.MinIdleConns > 0 {
		opts.MinIdleConns = cfg.MinIdleConns
	}
	opts.MaxRetries = cfg.MaxRetries
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if cfg.OpTimeout > 0 {
		opts.ReadTimeout = cfg.OpTimeout
		opts.WriteTimeout = cfg.OpTimeout
	}
	return opts, nil
}

func (s *RedisStore) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, &OpError{Op: "get", Key: key, Err: err}
	}
	return val, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return &OpError{Op: "set", Key: key, Err: err}
	}
	return nil
}

func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	n, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, &OpError{Op: "incr", Key: key, Err: err}
	}
	return n, nil
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	ok, err := s.client.PExpire(ctx, key, ttl).Result()
	if err != nil {
		return false, &OpError{Op: "expire", Key: key, Err: err}
	}
	return ok, nil
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	n, err := s.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, &OpError{Op: "del", Key: keys[0], Err: err}
	}
	return n, nil
}

func (s *RedisStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	if err := s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return &OpError{Op: "zadd", Key: key, Err: err}
	}
	return nil
}

func (s *RedisStore) ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	n, err := s.client.ZRemRangeByScore(ctx, key, formatScore(min), formatScore(max)).Result()
	if err != nil {
		return 0, &OpError{Op: "zremrangebyscore", Key: key, Err: err}
	}
	return n, nil
}

func (s *RedisStore) ZCard(ctx context.Context, key string) (int64, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	n, err := s.client.ZCard(ctx, key).Result()
	if err != nil {
		return 0, &OpError{Op: "zcard", Key: key, Err: err}
	}
	return n, nil
}

func (s *RedisStore) ZCount(ctx context.Context, key string, min, max float64) (int64, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	n, err := s.client.ZCount(ctx, key, formatScore(min), formatScore(max)).Result()
	if err != nil {
		return 0, &OpError{Op: "zcount", Key: key, Err: err}
	}
	return n, nil
}

func (s *RedisStore) SlidingWindow(ctx context.Context, args SlidingWindowArgs) (int64, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	nowMs := args.Now.UnixMilli()
	startMs := nowMs - args.Window.Milliseconds()
	countDenied := "0"
	if args.CountDenied {
		countDenied = "1"
	}

	count, err := slidingWindowScript.Run(ctx, s.client, []string{args.Key},
		nowMs,
		"("+strconv.FormatInt(startMs, 10),
		args.Window.Milliseconds(),
		args.Limit,
		args.Member,
		countDenied,
	).Int64()
	if err != nil {
		return 0, &OpError{Op: "sliding_window", Key: args.Key, Err: err}
	}
	return count, nil
}

func (s *RedisStore) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	n, err := incrWithTTLScript.Run(ctx, s.client, []string{key}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, &OpError{Op: "incr_with_ttl", Key: key, Err: err}
	}
	return n, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	if err := s.client.Ping(ctx).Err(); err != nil {
		return &OpError{Op: "ping", Err: err}
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func formatScore(v float64) string {
	switch {
	case math.IsInf(v, 1):
		return "+inf"
	case math.IsInf(v, -1):
		return "-inf"
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}
