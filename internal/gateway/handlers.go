package gateway

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/Teachlyze/TamanduAI-new-sub010/internal/limiter"
	"github.com/Teachlyze/TamanduAI-new-sub010/internal/loginguard"
	"github.com/Teachlyze/TamanduAI-new-sub010/internal/policy"
	"github.com/Teachlyze/TamanduAI-new-sub010/internal/warmup"
)

// checkRequest names either a resource and identifier, or an explicit key
// and policy name.
type checkRequest struct {
	Resource   string `json:"resource" form:"resource"`
	Identifier string `json:"identifier" form:"identifier"`
	Plan       string `json:"plan" form:"plan"`
	Key        string `json:"key" form:"key"`
	Policy     string `json:"policy" form:"policy"`
}

// resolve returns the counter key and policy for req.
func (s *Server) resolve(req checkRequest) (string, policy.Policy, error) {
	if req.Key != "" {
		if req.Policy == "" {
			return "", policy.Policy{}, errors.New("policy is required with key")
		}
		p, err := s.deps.Limiter.Policies().Lookup(req.Policy)
		if errors.Is(err, policy.ErrPolicyNotFound) {
			s.logger.Warn("Unknown rate limit policy, using most restrictive",
				"policy", req.Policy, "fallback", p.Name)
		}
		return req.Key, p, nil
	}

	if req.Resource == "" || req.Identifier == "" {
		return "", policy.Policy{}, errors.New("resource and identifier are required")
	}
	r, err := limiter.ParseResource(req.Resource)
	if err != nil {
		return "", policy.Policy{}, err
	}
	return r.Key(req.Identifier), s.deps.Limiter.PolicyFor(r, policy.Plan(req.Plan)), nil
}

func (s *Server) handleRateLimitCheck(c *gin.Context) {
	var req checkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, codeValidation, "Invalid JSON body.", nil)
		return
	}
	key, p, err := s.resolve(req)
	if err != nil {
		abortWithError(c, http.StatusBadRequest, codeValidation, err.Error(), nil)
		return
	}

	res, err := s.deps.Limiter.Check(c.Request.Context(), key, p)
	if err != nil {
		abortWithError(c, http.StatusBadRequest, codeValidation, err.Error(), nil)
		return
	}
	if !res.Allowed {
		abortRateLimited(c, res)
		return
	}
	setRateLimitHeaders(c, res)
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleQuota(c *gin.Context) {
	var req checkRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, codeValidation, "Invalid query.", nil)
		return
	}
	key, p, err := s.resolve(req)
	if err != nil {
		abortWithError(c, http.StatusBadRequest, codeValidation, err.Error(), nil)
		return
	}

	res, err := s.deps.Limiter.Peek(c.Request.Context(), key, p)
	if err != nil {
		s.logger.Error("Get quota failed", "key", key, "error", err)
		abortWithError(c, http.StatusServiceUnavailable, codeUnavailable, "Quota unavailable.", nil)
		return
	}
	setRateLimitHeaders(c, res)
	c.JSON(http.StatusOK, res)
}

type loginGuardRequest struct {
	Email         string `json:"email"`
	HCaptchaToken string `json:"hcaptchaToken"`
}

func (s *Server) handleLoginGuard(c *gin.Context) {
	var req loginGuardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, codeValidation, "Invalid JSON body.", nil)
		return
	}

	dec, err := s.deps.Guard.Check(c.Request.Context(), loginguard.Attempt{
		Email:        req.Email,
		CaptchaToken: req.HCaptchaToken,
		RemoteIP:     c.ClientIP(),
	})
	if err != nil {
		s.writeGuardError(c, dec, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"ok":                 true,
		"attempts":           dec.Attempts,
		"remaining_attempts": max(0, dec.MaxAttempts-dec.Attempts),
		"degraded":           dec.Degraded,
	})
}

type resetRequest struct {
	Email string `json:"email"`
}

// handleLoginSuccess serves both login-success and register-success.
func (s *Server) handleLoginSuccess(c *gin.Context) {
	var req resetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, codeValidation, "Invalid JSON body.", nil)
		return
	}
	if err := s.deps.Guard.Reset(c.Request.Context(), req.Email); err != nil {
		s.writeGuardError(c, nil, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) requireWarmup(c *gin.Context) {
	if s.deps.Warmup == nil {
		abortWithError(c, http.StatusServiceUnavailable, codeUnavailable, "Cache warmup is not configured.", nil)
		return
	}
	c.Next()
}

func (s *Server) handleWarmup(c *gin.Context) {
	var req warmup.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, codeValidation, "Invalid JSON body.", nil)
		return
	}

	report, err := s.deps.Warmup.Run(c.Request.Context(), req)
	if err != nil {
		abortWithError(c, http.StatusBadRequest, codeValidation, err.Error(), nil)
		return
	}

	status := http.StatusOK
	if !report.AllSucceeded() {
		status = http.StatusMultiStatus
	}
	c.JSON(status, gin.H{
		"success":     report.AllSucceeded(),
		"results":     report.Results,
		"attempted":   report.Attempted,
		"succeeded":   report.Succeeded,
		"failed":      report.Failed,
		"duration_ms": report.DurationMs,
	})
}

func (s *Server) handleCacheGet(c *gin.Context) {
	key := strings.TrimPrefix(c.Param("key"), "/")
	data, hit, err := s.deps.Warmup.ReadThrough(c.Request.Context(), key)
	if err != nil {
		s.writeCacheError(c, key, err)
		return
	}
	if hit {
		c.Header("X-Cache", "HIT")
	} else {
		c.Header("X-Cache", "MISS")
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", data)
}
