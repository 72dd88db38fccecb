package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Teachlyze/TamanduAI-new-sub010/internal/config"
	"github.com/Teachlyze/TamanduAI-new-sub010/internal/limiter"
	"github.com/Teachlyze/TamanduAI-new-sub010/internal/loginguard"
	"github.com/Teachlyze/TamanduAI-new-sub010/internal/observability"
	"github.com/Teachlyze/TamanduAI-new-sub010/internal/policy"
	"github.com/Teachlyze/TamanduAI-new-sub010/internal/store"
	"github.com/Teachlyze/TamanduAI-new-sub010/internal/warmup"
)

type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// classSource knows classes c1..c3 and nothing else.
type classSource struct{}

func (classSource) Profile(_ context.Context, id string) (*warmup.ProfileRecord, error) {
	return &warmup.ProfileRecord{ID: id, Email: id + "@escola.br"}, nil
}

func (classSource) Class(_ context.Context, id string) (*warmup.ClassRecord, error) {
	switch id {
	case "c1", "c2", "c3":
		return &warmup.ClassRecord{ID: id, Name: "Turma " + id}, nil
	}
	return nil, fmt.Errorf("class %s: %w", id, warmup.ErrNotFound)
}

func (classSource) Activity(_ context.Context, id string) (*warmup.ActivityRecord, error) {
	return &warmup.ActivityRecord{ID: id}, nil
}

func (classSource) Notifications(context.Context, string, int) ([]warmup.NotificationRecord, error) {
	return []warmup.NotificationRecord{}, nil
}

func (classSource) ClassActivities(context.Context, string) ([]warmup.ActivityRecord, error) {
	return []warmup.ActivityRecord{}, nil
}

func (classSource) ClassMembers(context.Context, string) ([]warmup.MemberRecord, error) {
	return []warmup.MemberRecord{}, nil
}

func (classSource) UserClassIDs(context.Context, string) ([]string, error) {
	return []string{"c1"}, nil
}

type testEnv struct {
	server  *Server
	store   *store.MemoryStore
	clock   *manualClock
	metrics *observability.Metrics
}

func testConfig() *config.Config {
	return &config.Config{
		Gateway: config.GatewayConfig{
			Address:           ":0",
			MaxRequestSize:    1 << 16,
			APILimitByIP:      false,
			AllowedCORSOrigin: "*",
		},
		Warmup:        config.WarmupConfig{Token: "secret"},
		Observability: config.ObservabilityConfig{ServiceVersion: "test"},
	}
}

func newTestEnv(t *testing.T, cfg *config.Config, verifier loginguard.Verifier, withWarmup bool) testEnv {
	t.Helper()
	logger := observability.DiscardLogger()
	clk := &manualClock{t: time.Unix(1_700_000_000, 0)}
	s := store.NewMemoryStore(clk.Now)
	m := observability.NewMetrics("test")

	if verifier == nil {
		verifier = loginguard.AllowAll
	}
	deps := Deps{
		Store:   s,
		Limiter: limiter.New(s, policy.DefaultTable(), limiter.Options{Now: clk.Now, Logger: logger, Metrics: m}),
		Guard:   loginguard.New(s, verifier, loginguard.Options{Now: clk.Now, Logger: logger, Metrics: m}),
		Metrics: m,
	}
	if withWarmup {
		deps.Warmup = warmup.New(classSource{}, warmup.NewMemoryCache(clk.Now), warmup.Options{Logger: logger, Metrics: m})
	}
	return testEnv{server: NewServer(cfg, deps, logger), store: s, clock: clk, metrics: m}
}

func (e testEnv) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil, false)

	rec := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "healthy", body["status"])

	env.store.SetHealthy(false)
	rec = env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "degraded", decode(t, rec)["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil, false)
	env.do(t, http.MethodGet, "/health", nil)

	rec := env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `test_http_request_duration_seconds_count{method="GET",route="/health",status="200"} 1`)
}

func TestRateLimitCheck(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil, false)
	req := gin.H{"resource": "plagiarism", "identifier": "u1"}

	for i := 0; i < 10; i++ {
		rec := env.do(t, http.MethodPost, "/api/v1/ratelimit/check", req)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, fmt.Sprint(9-i), rec.Header().Get("X-RateLimit-Remaining"))
	}

	rec := env.do(t, http.MethodPost, "/api/v1/ratelimit/check", req)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "3600", rec.Header().Get("Retry-After"))
	body := decode(t, rec)
	assert.Equal(t, codeRateLimited, body["error"])
	assert.Contains(t, body["message"], "Plagiarism")
	assert.EqualValues(t, 0, body["remaining"])
	assert.EqualValues(t, 10, body["limit"])
	assert.NotEmpty(t, body["reset_at"])
}

func TestRateLimitCheck_ExplicitKeyAndUnknownPolicy(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil, false)

	rec := env.do(t, http.MethodPost, "/api/v1/ratelimit/check", gin.H{"key": "custom:1", "policy": "NOPE"})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, policy.ChatbotFree, body["policy"])
	assert.EqualValues(t, 20, body["limit"])
}

func TestRateLimitCheck_Validation(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil, false)

	for _, body := range []any{gin.H{}, gin.H{"resource": "chatbot"}, gin.H{"resource": "x", "identifier": "1"}, gin.H{"key": "k"}} {
		rec := env.do(t, http.MethodPost, "/api/v1/ratelimit/check", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
}

func TestRateLimitCheck_DegradedStore(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil, false)
	env.store.SetHealthy(false)

	rec := env.do(t, http.MethodPost, "/api/v1/ratelimit/check", gin.H{"resource": "chatbot", "identifier": "u1", "plan": "pro"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "true", rec.Header().Get("X-RateLimit-Degraded"))
	assert.Equal(t, true, decode(t, rec)["degraded"])
}

func TestQuota(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil, false)
	env.do(t, http.MethodPost, "/api/v1/ratelimit/check", gin.H{"resource": "upload", "identifier": "u1"})

	rec := env.do(t, http.MethodGet, "/api/v1/ratelimit/quota?resource=upload&identifier=u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 19, decode(t, rec)["remaining"])

	rec = env.do(t, http.MethodGet, "/api/v1/ratelimit/quota?resource=upload&identifier=u1", nil)
	assert.EqualValues(t, 19, decode(t, rec)["remaining"])
}

func TestAPIRateLimitMiddleware(t *testing.T) {
	cfg := testConfig()
	cfg.Gateway.APILimitByIP = true
	env := newTestEnv(t, cfg, nil, false)

	for i := 0; i < 100; i++ {
		rec := env.do(t, http.MethodGet, "/api/v1/ratelimit/quota?resource=api&identifier=x", nil)
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i+1)
	}
	rec := env.do(t, http.MethodGet, "/api/v1/ratelimit/quota?resource=api&identifier=x", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	env.clock.Advance(time.Minute + time.Second)
	rec = env.do(t, http.MethodGet, "/api/v1/ratelimit/quota?resource=api&identifier=x", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLoginGuardFlow(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil, false)
	attempt := gin.H{"email": "Ana@Escola.br", "hcaptchaToken": "tok"}

	for i := 1; i <= 5; i++ {
		rec := env.do(t, http.MethodPost, "/api/v1/auth/login-guard", attempt)
		require.Equal(t, http.StatusOK, rec.Code)
		body := decode(t, rec)
		assert.Equal(t, true, body["ok"])
		assert.EqualValues(t, i, body["attempts"])
	}

	rec := env.do(t, http.MethodPost, "/api/v1/auth/login-guard", attempt)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, codeTooManyAttempts, decode(t, rec)["error"])
	assert.Equal(t, "900", rec.Header().Get("Retry-After"))

	rec = env.do(t, http.MethodPost, "/api/v1/auth/login-guard", attempt)
	require.Equal(t, http.StatusLocked, rec.Code)
	assert.Equal(t, codeLocked, decode(t, rec)["error"])

	rec = env.do(t, http.MethodPost, "/api/v1/auth/login-success", gin.H{"email": "ana@escola.br"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["ok"])

	rec = env.do(t, http.MethodPost, "/api/v1/auth/login-guard", attempt)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode(t, rec)["attempts"])
}

func TestLoginGuard_Errors(t *testing.T) {
	rejecting := loginguard.VerifierFunc(func(_ context.Context, token, _ string) error {
		switch token {
		case "bad":
			return loginguard.ErrVerificationFailed
		case "down":
			return fmt.Errorf("%w: dial tcp", loginguard.ErrVerifierUnavailable)
		}
		return nil
	})
	env := newTestEnv(t, testConfig(), rejecting, false)

	tests := []struct {
		name   string
		body   any
		status int
		code   string
	}{
		{"missing token", gin.H{"email": "a@x.com"}, http.StatusBadRequest, codeValidation},
		{"missing email", gin.H{"hcaptchaToken": "ok"}, http.StatusBadRequest, codeValidation},
		{"captcha rejected", gin.H{"email": "a@x.com", "hcaptchaToken": "bad"}, http.StatusBadRequest, codeCaptchaFailed},
		{"captcha down", gin.H{"email": "a@x.com", "hcaptchaToken": "down"}, http.StatusServiceUnavailable, codeCaptchaUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/v1/auth/login-guard", tt.body)
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code, decode(t, rec)["error"])
		})
	}

	rec := env.do(t, http.MethodPost, "/api/v1/auth/register-success", gin.H{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	env.store.SetHealthy(false)
	rec = env.do(t, http.MethodPost, "/api/v1/auth/login-guard", gin.H{"email": "a@x.com", "hcaptchaToken": "ok"})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	rec = env.do(t, http.MethodPost, "/api/v1/auth/login-success", gin.H{"email": "a@x.com"})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestWarmup(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil, true)

	rec := env.do(t, http.MethodPost, "/api/v1/cache/warmup",
		gin.H{"cache_keys": []string{"class:c1", "class:c2", "class:c3"}}, "X-Warmup-Token", "secret")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, decode(t, rec)["success"])

	rec = env.do(t, http.MethodPost, "/api/v1/cache/warmup",
		gin.H{"cache_keys": []string{"class:c1", "class:c2", "class:c3", "mystery:1"}}, "X-Warmup-Token", "secret")
	require.Equal(t, http.StatusMultiStatus, rec.Code)
	body := decode(t, rec)
	assert.EqualValues(t, 3, body["succeeded"])
	assert.EqualValues(t, 1, body["failed"])
	results := body["results"].([]any)
	require.Len(t, results, 4)
	last := results[3].(map[string]any)
	assert.Equal(t, "mystery:1", last["cache_key"])
	assert.Equal(t, false, last["success"])

	rec = env.do(t, http.MethodPost, "/api/v1/cache/warmup", gin.H{}, "X-Warmup-Token", "secret")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/cache/warmup", gin.H{"user_id": "u1"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/cache/warmup", gin.H{"user_id": "u1"}, "X-Warmup-Token", "secret")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 4, decode(t, rec)["attempted"])
}

func TestWarmup_NotConfigured(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil, false)

	rec := env.do(t, http.MethodPost, "/api/v1/cache/warmup", gin.H{"user_id": "u1"}, "X-Warmup-Token", "secret")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	rec = env.do(t, http.MethodGet, "/api/v1/cache/class:c1", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCacheReadThrough(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil, true)

	rec := env.do(t, http.MethodGet, "/api/v1/cache/class:c1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "MISS", rec.Header().Get("X-Cache"))
	assert.Equal(t, "Turma c1", decode(t, rec)["name"])

	rec = env.do(t, http.MethodGet, "/api/v1/cache/class:c1", nil)
	assert.Equal(t, "HIT", rec.Header().Get("X-Cache"))

	rec = env.do(t, http.MethodGet, "/api/v1/cache/class:c9", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/cache/weird:1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil, false)

	rec := env.do(t, http.MethodOptions, "/api/v1/auth/login-guard", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Credentials"))
}

func TestCORS_ExplicitOriginAllowsCredentials(t *testing.T) {
	cfg := testConfig()
	cfg.Gateway.AllowedCORSOrigin = "https://app.tamandu.ai"
	env := newTestEnv(t, cfg, nil, false)

	rec := env.do(t, http.MethodOptions, "/api/v1/auth/login-guard", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.tamandu.ai", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
}

func TestBodyLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Gateway.MaxRequestSize = 64
	env := newTestEnv(t, cfg, nil, false)

	big := gin.H{"email": string(bytes.Repeat([]byte("a"), 200)) + "@x.com", "hcaptchaToken": "t"}
	rec := env.do(t, http.MethodPost, "/api/v1/auth/login-guard", big)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
