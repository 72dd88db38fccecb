package gateway

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Teachlyze/TamanduAI-new-sub010/internal/limiter"
	"github.com/Teachlyze/TamanduAI-new-sub010/internal/loginguard"
	"github.com/Teachlyze/TamanduAI-new-sub010/internal/warmup"
)

// Error codes carried in the "error" field of every failure body.
const (
	codeValidation         = "validation_error"
	codeRateLimited        = "rate_limit_exceeded"
	codeCaptchaFailed      = "captcha_failed"
	codeCaptchaUnavailable = "captcha_unavailable"
	codeLocked             = "account_locked"
	codeTooManyAttempts    = "too_many_attempts"
	codeNotFound           = "not_found"
	codeUnauthorized       = "unauthorized"
	codeUnavailable        = "service_unavailable"
	codeInternal           = "internal_error"
)

// abortWithError writes the JSON error body shared by every route.
func abortWithError(c *gin.Context, status int, code, message string, extra gin.H) {
	body := gin.H{"error": code, "message": message}
	for k, v := range extra {
		body[k] = v
	}
	c.AbortWithStatusJSON(status, body)
}

func setRateLimitHeaders(c *gin.Context, res *limiter.Result) {
	c.Header("X-RateLimit-Limit", strconv.FormatInt(res.Limit, 10))
	c.Header("X-RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
	if res.Degraded {
		c.Header("X-RateLimit-Degraded", "true")
	}
}

// abortRateLimited answers 429 with enough fields for a countdown.
func abortRateLimited(c *gin.Context, res *limiter.Result) {
	setRateLimitHeaders(c, res)
	c.Header("Retry-After", strconv.FormatInt(res.RetryAfterSeconds, 10))
	abortWithError(c, http.StatusTooManyRequests, codeRateLimited, res.Message, gin.H{
		"allowed":             false,
		"remaining":           res.Remaining,
		"limit":               res.Limit,
		"reset_at":            res.ResetAt,
		"retry_after_seconds": res.RetryAfterSeconds,
		"degraded":            res.Degraded,
	})
}

func retryAfterSeconds(d time.Duration) int64 {
	secs := int64((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// writeGuardError maps a login guard failure to its status code.
func (s *Server) writeGuardError(c *gin.Context, dec *loginguard.Decision, err error) {
	extra := gin.H{}
	if dec != nil {
		extra["attempts"] = dec.Attempts
		extra["max_attempts"] = dec.MaxAttempts
		if dec.RetryAfter > 0 {
			secs := retryAfterSeconds(dec.RetryAfter)
			extra["retry_after_seconds"] = secs
			c.Header("Retry-After", strconv.FormatInt(secs, 10))
		}
	}

	switch {
	case errors.Is(err, loginguard.ErrInvalidAttempt):
		abortWithError(c, http.StatusBadRequest, codeValidation, "Email and CAPTCHA token are required.", nil)
	case errors.Is(err, loginguard.ErrVerificationFailed):
		abortWithError(c, http.StatusBadRequest, codeCaptchaFailed, "CAPTCHA verification failed. Please try again.", extra)
	case errors.Is(err, loginguard.ErrVerifierUnavailable):
		abortWithError(c, http.StatusServiceUnavailable, codeCaptchaUnavailable, "CAPTCHA verification is unavailable. Please try again shortly.", nil)
	case errors.Is(err, loginguard.ErrLockedOut):
		abortWithError(c, http.StatusLocked, codeLocked, "Too many login attempts. Your account is temporarily locked.", extra)
	case errors.Is(err, loginguard.ErrThresholdExceeded):
		abortWithError(c, http.StatusTooManyRequests, codeTooManyAttempts, "Too many login attempts. Try again later.", extra)
	default:
		s.logger.Error("Login guard failed", "error", err)
		abortWithError(c, http.StatusInternalServerError, codeInternal, "Internal server error.", nil)
	}
}

// writeCacheError maps a read-through failure to its status code.
func (s *Server) writeCacheError(c *gin.Context, key string, err error) {
	switch {
	case errors.Is(err, warmup.ErrUnknownKey):
		abortWithError(c, http.StatusBadRequest, codeValidation, err.Error(), nil)
	case errors.Is(err, warmup.ErrNotFound):
		abortWithError(c, http.StatusNotFound, codeNotFound, "No record for "+key+".", nil)
	default:
		s.logger.Error("Cache read-through failed", "cache_key", key, "error", err)
		abortWithError(c, http.StatusBadGateway, codeUnavailable, "Backing store unavailable.", nil)
	}
}
