package loginguard

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Teachlyze/TamanduAI-new-sub010/internal/config"
)

// Verifier checks a human-verification token.
//
// A rejected token yields ErrVerificationFailed. Anything that prevents an
// answer (network, bad status, garbled body) yields ErrVerifierUnavailable.
type Verifier interface {
	Verify(ctx context.Context, token, remoteIP string) error
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(ctx context.Context, token, remoteIP string) error

func (f VerifierFunc) Verify(ctx context.Context, token, remoteIP string) error {
	return f(ctx, token, remoteIP)
}

// AllowAll accepts every token. Used when verification is disabled.
var AllowAll Verifier = VerifierFunc(func(context.Context, string, string) error { return nil })

type unconfiguredVerifier struct{}

func (unconfiguredVerifier) Verify(context.Context, string, string) error {
	return fmt.Errorf("%w: verification secret not configured", ErrVerifierUnavailable)
}

// NewVerifier picks a verifier from cfg. A missing secret denies every
// attempt unless verification is explicitly disabled.
func NewVerifier(cfg config.CaptchaConfig, logger *slog.Logger) Verifier {
	switch {
	case cfg.Disabled:
		logger.Warn("CAPTCHA verification disabled")
		return AllowAll
	case cfg.Secret == "":
		logger.Warn("HCAPTCHA_SECRET not set, login attempts will be denied")
		return unconfiguredVerifier{}
	}
	return NewHCaptchaVerifier(cfg.Secret, cfg.VerifyURL, WithTimeout(cfg.Timeout))
}

// HCaptchaVerifier calls the hCaptcha siteverify endpoint.
type HCaptchaVerifier struct {
	secret    string
	verifyURL string
	client    *http.Client
	timeout   time.Duration
}

type HCaptchaOption func(*HCaptchaVerifier)

func WithHTTPClient(c *http.Client) HCaptchaOption {
	return func(v *HCaptchaVerifier) {
		v.client = c
	}
}

func WithTimeout(d time.Duration) HCaptchaOption {
	return func(v *HCaptchaVerifier) {
		if d > 0 {
			v.timeout = d
		}
	}
}

func NewHCaptchaVerifier(secret, verifyURL string, opts ...HCaptchaOption) *HCaptchaVerifier {
	v := &HCaptchaVerifier{
		secret:    secret,
		verifyURL: verifyURL,
		client:    http.DefaultClient,
		timeout:   5 * time.Second,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

type siteVerifyResponse struct {
	Success    bool     `json:"success"`
	ErrorCodes []string `json:"error-codes"`
	Hostname   string   `json:"hostname"`
}

// Verify bounds each call by the verifier timeout through ctx, leaving the
// HTTP client untouched.
func (v *HCaptchaVerifier) Verify(ctx context.Context, token, remoteIP string) error {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	form := url.Values{}
	form.Set("secret", v.secret)
	form.Set("response", token)
	if remoteIP != "" {
		form.Set("remoteip", remoteIP)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.verifyURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("%w: build request: %v", ErrVerifierUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVerifierUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("%w: siteverify returned %d", ErrVerifierUnavailable, resp.StatusCode)
	}

	var out siteVerifyResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&out); err != nil {
		return fmt.Errorf("%w: decode siteverify response: %v", ErrVerifierUnavailable, err)
	}
	if !out.Success {
		if len(out.ErrorCodes) > 0 {
			return fmt.Errorf("%w: %s", ErrVerificationFailed, strings.Join(out.ErrorCodes, ", "))
		}
		return ErrVerificationFailed
	}
	return nil
}

