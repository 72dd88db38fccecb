// Package loginguard protects the login form against brute force: a CAPTCHA
// pre-check plus a per-email attempt counter that locks the identity once it
// goes over the limit.
package loginguard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Teachlyze/TamanduAI-new-sub010/internal/observability"
	"github.com/Teachlyze/TamanduAI-new-sub010/internal/store"
)

var (
	ErrInvalidAttempt      = errors.New("invalid login attempt")
	ErrVerificationFailed  = errors.New("captcha verification failed")
	ErrVerifierUnavailable = errors.New("captcha verifier unavailable")
	ErrLockedOut           = errors.New("too many login attempts, account temporarily locked")
	ErrThresholdExceeded   = errors.New("login attempt limit exceeded")
)

// State is where an identity sits in the clear, counting, locked cycle.
type State string

const (
	StateClear    State = "clear"
	StateCounting State = "counting"
	StateLocked   State = "locked"
)

const (
	attemptsPrefix = "login:attempts:"
	lockPrefix     = "login:lock:"
)

// Attempt is one pre-login check.
type Attempt struct {
	Email        string
	CaptchaToken string
	RemoteIP     string
}

// Decision is returned alongside every outcome, errors included, so callers
// can render attempts and a countdown.
type Decision struct {
	State       State         `json:"state"`
	Attempts    int64         `json:"attempts"`
	MaxAttempts int64         `json:"max_attempts"`
	RetryAfter  time.Duration `json:"-"`
	// Degraded means the store could not be read and the decision was taken
	// under the fail-open policy.
	Degraded bool `json:"degraded,omitempty"`
}

type Options struct {
	MaxAttempts   int64
	LockoutWindow time.Duration
	// CountCaptchaFailures makes a rejected CAPTCHA consume an attempt.
	CountCaptchaFailures bool
	// OnStoreError defaults to FailClosed.
	OnStoreError store.FailurePolicy
	Now          func() time.Time
	Logger       *slog.Logger
	Metrics      *observability.Metrics
}

type Guard struct {
	store    store.Store
	verifier Verifier
	opts     Options
}

func New(s store.Store, v Verifier, opts Options) *Guard {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.LockoutWindow <= 0 {
		opts.LockoutWindow = 15 * time.Minute
	}
	if opts.OnStoreError == "" {
		opts.OnStoreError = store.FailClosed
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Guard{store: s, verifier: v, opts: opts}
}

// NormalizeEmail is the identity the guard keys on.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func attemptsKey(email string) string { return attemptsPrefix + email }
func lockKey(email string) string     { return lockPrefix + email }

// Check runs the pre-login gate for a. The lock is checked first and
// short-circuits everything else; the CAPTCHA is verified before the attempt
// counter moves.
func (g *Guard) Check(ctx context.Context, a Attempt) (*Decision, error) {
	email := NormalizeEmail(a.Email)
	if email == "" || strings.TrimSpace(a.CaptchaToken) == "" {
		return nil, fmt.Errorf("%w: email and captcha token are required", ErrInvalidAttempt)
	}

	ctx, span := observability.Tracer().Start(ctx, "loginguard.Check")
	defer span.End()

	dec := &Decision{State: StateClear, MaxAttempts: g.opts.MaxAttempts}

	locked, retryAfter, err := g.lockState(ctx, email)
	if err != nil {
		if ferr := g.storeFailure(dec, email, "lock lookup", err); ferr != nil {
			span.RecordError(ferr)
			return dec, ferr
		}
	}
	if locked {
		dec.State = StateLocked
		dec.RetryAfter = retryAfter
		g.opts.Metrics.ObserveLoginGuard("locked")
		return dec, ErrLockedOut
	}

	if err := g.verifier.Verify(ctx, a.CaptchaToken, a.RemoteIP); err != nil {
		span.RecordError(err)
		if errors.Is(err, ErrVerifierUnavailable) {
			g.opts.Logger.Error("CAPTCHA verifier unavailable, denying login attempt",
				"email", email, "error", err)
			g.opts.Metrics.ObserveLoginGuard("captcha_unavailable")
			return dec, err
		}
		g.opts.Metrics.ObserveLoginGuard("captcha_failed")
		if !g.opts.CountCaptchaFailures {
			return dec, err
		}
		if _, cerr := g.recordAttempt(ctx, dec, email); cerr != nil && !errors.Is(cerr, ErrThresholdExceeded) {
			return dec, cerr
		}
		return dec, err
	}

	if _, err := g.recordAttempt(ctx, dec, email); err != nil {
		span.RecordError(err)
		return dec, err
	}
	span.SetAttributes(attribute.Int64("loginguard.attempts", dec.Attempts), attribute.String("loginguard.state", string(dec.State)))
	g.opts.Metrics.ObserveLoginGuard("allowed")
	return dec, nil
}

// recordAttempt bumps the counter and locks the identity once it passes the
// maximum. dec is updated in place.
func (g *Guard) recordAttempt(ctx context.Context, dec *Decision, email string) (int64, error) {
	n, err := g.store.IncrWithTTL(ctx, attemptsKey(email), g.opts.LockoutWindow)
	if err != nil {
		return 0, g.storeFailure(dec, email, "increment attempts", err)
	}
	dec.Attempts = n
	dec.State = StateCounting
	if n <= g.opts.MaxAttempts {
		return n, nil
	}

	unlockAt := g.opts.Now().Add(g.opts.LockoutWindow)
	if err := g.store.Set(ctx, lockKey(email), strconv.FormatInt(unlockAt.UnixMilli(), 10), g.opts.LockoutWindow); err != nil {
		// The counter is already over the limit; the next attempt retries the lock.
		g.opts.Logger.Error("Failed to set login lock", "email", email, "error", err)
	}
	dec.State = StateLocked
	dec.RetryAfter = g.opts.LockoutWindow
	g.opts.Logger.Warn("Login locked after too many attempts",
		"email", email, "attempts", n, "lockout", g.opts.LockoutWindow)
	g.opts.Metrics.ObserveLoginGuard("threshold_exceeded")
	return n, ErrThresholdExceeded
}

// lockState reports whether email is locked and for how long. The lock value
// is the unlock time in unix milliseconds.
func (g *Guard) lockState(ctx context.Context, email string) (bool, time.Duration, error) {
	val, ok, err := g.store.Get(ctx, lockKey(email))
	if err != nil || !ok {
		return false, 0, err
	}
	retryAfter := g.opts.LockoutWindow
	if ms, perr := strconv.ParseInt(val, 10, 64); perr == nil {
		retryAfter = time.UnixMilli(ms).Sub(g.opts.Now())
	}
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	return true, retryAfter, nil
}

// storeFailure applies the failure policy. It returns nil when the check may
// continue in degraded mode.
func (g *Guard) storeFailure(dec *Decision, email, op string, err error) error {
	dec.Degraded = true
	if g.opts.OnStoreError == store.FailOpen {
		g.opts.Logger.Warn("Login guard store unavailable, failing open",
			"email", email, "op", op, "error", err)
		g.opts.Metrics.ObserveLoginGuard("store_degraded")
		return nil
	}
	g.opts.Logger.Error("Login guard store unavailable, failing closed",
		"email", email, "op", op, "error", err)
	g.opts.Metrics.ObserveLoginGuard("store_error")
	return fmt.Errorf("login guard %s: %w", op, err)
}

// Reset clears the attempts counter and the lock after a successful login or
// registration. Both deletes are always attempted.
func (g *Guard) Reset(ctx context.Context, email string) error {
	email = NormalizeEmail(email)
	if email == "" {
		return fmt.Errorf("%w: email is required", ErrInvalidAttempt)
	}

	_, errAttempts := g.store.Del(ctx, attemptsKey(email))
	_, errLock := g.store.Del(ctx, lockKey(email))
	if err := errors.Join(errAttempts, errLock); err != nil {
		g.opts.Logger.Error("Failed to reset login guard", "email", email, "error", err)
		return err
	}
	g.opts.Metrics.ObserveLoginGuard("reset")
	return nil
}

// Status reads the current state for email without recording anything.
func (g *Guard) Status(ctx context.Context, email string) (*Decision, error) {
	email = NormalizeEmail(email)
	if email == "" {
		return nil, fmt.Errorf("%w: email is required", ErrInvalidAttempt)
	}
	dec := &Decision{State: StateClear, MaxAttempts: g.opts.MaxAttempts}

	locked, retryAfter, err := g.lockState(ctx, email)
	if err != nil {
		return nil, err
	}
	val, ok, err := g.store.Get(ctx, attemptsKey(email))
	if err != nil {
		return nil, err
	}
	if ok {
		dec.Attempts, _ = strconv.ParseInt(val, 10, 64)
		dec.State = StateCounting
	}
	if locked {
		dec.State = StateLocked
		dec.RetryAfter = retryAfter
	}
	return dec, nil
}
