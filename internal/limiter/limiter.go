// Package limiter implements the sliding-window rate limiter over the shared
// KV store.
package limiter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Teachlyze/TamanduAI-new-sub010/internal/observability"
	"github.com/Teachlyze/TamanduAI-new-sub010/internal/policy"
	"github.com/Teachlyze/TamanduAI-new-sub010/internal/store"
)

// ErrInvalidKey is returned for an empty key or identifier.
var ErrInvalidKey = errors.New("rate limit key is empty")

// degradedClosedMessage is shown when the store is down and the limiter is
// configured to fail closed.
const degradedClosedMessage = "Rate limiting is temporarily unavailable. Try again shortly."

// Result represents the outcome of a rate limit check
type Result struct {
	Allowed           bool      `json:"allowed"`
	Remaining         int64     `json:"remaining"`
	Limit             int64     `json:"limit"`
	ResetAt           time.Time `json:"reset_at"`
	Message           string    `json:"message,omitempty"`
	RetryAfterSeconds int64     `json:"retry_after_seconds,omitempty"`
	// Degraded is set when the store could not be consulted and the result
	// comes from the failure policy instead of real counters.
	Degraded bool   `json:"degraded,omitempty"`
	Policy   string `json:"policy"`
}

type Options struct {
	// OnStoreError picks fail-open or fail-closed. Defaults to FailOpen.
	OnStoreError store.FailurePolicy
	// CountDenied makes denied checks take a slot in the window too.
	CountDenied bool
	Now         func() time.Time
	Logger      *slog.Logger
	Metrics     *observability.Metrics
}

// Limiter is stateless: every counter lives in the store.
type Limiter struct {
	store    store.Store
	policies *policy.Table
	opts     Options
}

func New(s store.Store, policies *policy.Table, opts Options) *Limiter {
	if opts.OnStoreError == "" {
		opts.OnStoreError = store.FailOpen
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if policies == nil {
		policies = policy.DefaultTable()
	}
	return &Limiter{store: s, policies: policies, opts: opts}
}

// Policies returns the table the limiter resolves names against.
func (l *Limiter) Policies() *policy.Table {
	return l.policies
}

// Check records one action for key and reports whether it fits in p.
// Store failures never surface as errors: they resolve through the
// configured failure policy and set Degraded.
func (l *Limiter) Check(ctx context.Context, key string, p policy.Policy) (*Result, error) {
	if key == "" {
		return nil, ErrInvalidKey
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	ctx, span := observability.Tracer().Start(ctx, "limiter.Check")
	defer span.End()
	span.SetAttributes(attribute.String("ratelimit.key", key), attribute.String("ratelimit.policy", p.Name))

	now := l.opts.Now()
	resetAt := now.Add(p.Window)

	count, err := l.store.SlidingWindow(ctx, store.SlidingWindowArgs{
		Key:         key,
		Now:         now,
		Window:      p.Window,
		Limit:       p.Max,
		Member:      member(now),
		CountDenied: l.opts.CountDenied,
	})
	if err != nil {
		span.RecordError(err)
		return l.degraded(key, p, resetAt, err), nil
	}

	res := &Result{
		Allowed:   count < p.Max,
		Remaining: max(0, p.Max-count-1),
		Limit:     p.Max,
		ResetAt:   resetAt,
		Policy:    p.Name,
	}
	if !res.Allowed {
		res.Message = p.Message
		res.RetryAfterSeconds = p.WindowSeconds()
	}

	span.SetAttributes(attribute.Bool("ratelimit.allowed", res.Allowed), attribute.Int64("ratelimit.remaining", res.Remaining))
	l.opts.Metrics.ObserveRateLimit(p.Name, res.Allowed, false)
	return res, nil
}

func (l *Limiter) degraded(key string, p policy.Policy, resetAt time.Time, cause error) *Result {
	res := &Result{
		Limit:    p.Max,
		ResetAt:  resetAt,
		Degraded: true,
		Policy:   p.Name,
	}
	if l.opts.OnStoreError == store.FailOpen {
		res.Allowed = true
		res.Remaining = p.Max
		l.opts.Logger.Warn("Rate limit store unavailable, failing open",
			"key", key, "policy", p.Name, "error", cause)
	} else {
		res.Message = degradedClosedMessage
		res.RetryAfterSeconds = 1
		l.opts.Logger.Warn("Rate limit store unavailable, failing closed",
			"key", key, "policy", p.Name, "error", cause)
	}
	l.opts.Metrics.ObserveRateLimit(p.Name, res.Allowed, true)
	return res
}

// Peek reports usage for key without recording an action.
func (l *Limiter) Peek(ctx context.Context, key string, p policy.Policy) (*Result, error) {
	if key == "" {
		return nil, ErrInvalidKey
	}
	now := l.opts.Now()
	start := now.Add(-p.Window).UnixMilli()

	count, err := l.store.ZCount(ctx, key, float64(start), math.Inf(1))
	if err != nil {
		return nil, fmt.Errorf("count %s: %w", key, err)
	}
	return &Result{
		Allowed:   count < p.Max,
		Remaining: max(0, p.Max-count),
		Limit:     p.Max,
		ResetAt:   now.Add(p.Window),
		Policy:    p.Name,
	}, nil
}

// member is unique even for actions landing in the same millisecond.
func member(now time.Time) string {
	return strconv.FormatInt(now.UnixMilli(), 10) + "-" + uuid.NewString()
}
