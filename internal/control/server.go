// Package control serves the admin API for rate limit policy overrides kept
// in etcd. Gateways read the overrides at startup.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/Teachlyze/TamanduAI-new-sub010/internal/config"
	"github.com/Teachlyze/TamanduAI-new-sub010/internal/policy"
)

const etcdTimeout = 5 * time.Second

type Server struct {
	config     *config.Config
	logger     *slog.Logger
	etcd       *clientv3.Client
	policies   *policy.EtcdSource
	router     *gin.Engine
	httpServer *http.Server
	now        func() time.Time
}

// policyView is the JSON shape of a policy on this API.
type policyView struct {
	Name          string     `json:"name"`
	Max           int64      `json:"max"`
	WindowSeconds int64      `json:"window_seconds"`
	Message       string     `json:"message"`
	Source        string     `json:"source"` // "default" or "override"
	Updated       *time.Time `json:"updated,omitempty"`
}

func view(p policy.Policy, source string) policyView {
	return policyView{
		Name:          p.Name,
		Max:           p.Max,
		WindowSeconds: p.WindowSeconds(),
		Message:       p.Message,
		Source:        source,
	}
}

// NewServer dials etcd and builds the control plane.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	etcdClient, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Etcd.Endpoints,
		DialTimeout: cfg.Etcd.DialTimeout,
		Username:    cfg.Etcd.Username,
		Password:    cfg.Etcd.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	s := newServer(cfg, policy.NewEtcdSource(etcdClient, cfg.Etcd.Prefix), logger)
	s.etcd = etcdClient
	return s, nil
}

func newServer(cfg *config.Config, src *policy.EtcdSource, logger *slog.Logger) *Server {
	s := &Server{
		config:   cfg,
		logger:   logger,
		policies: src,
		now:      time.Now,
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()

		s.logger.Info("HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"remote_addr", c.ClientIP(),
		)
	})

	router.GET("/health", s.healthHandler)

	api := router.Group("/api/v1")
	{
		api.GET("/policies", s.listPolicies)
		api.GET("/policies/:name", s.getPolicy)
		api.PUT("/policies/:name", s.putPolicy)
		api.DELETE("/policies/:name", s.deletePolicy)
	}
	s.router = router
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.config.Control.Address,
		Handler:      s.router,
		ReadTimeout:  s.config.Control.ReadTimeout,
		WriteTimeout: s.config.Control.WriteTimeout,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", "error", err)
		}
	}()

	s.logger.Info("Control plane server started", "address", s.config.Control.Address)
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Shutting down control plane server")

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	}

	if s.etcd != nil {
		return s.etcd.Close()
	}

	return nil
}

func (s *Server) healthHandler(c *gin.Context) {
	if s.etcd != nil && len(s.config.Etcd.Endpoints) > 0 {
		ctx, cancel := context.WithTimeout(c.Request.Context(), etcdTimeout)
		defer cancel()

		if _, err := s.etcd.Status(ctx, s.config.Etcd.Endpoints[0]); err != nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"status":  "unhealthy",
				"error":   codeUnavailable,
				"message": "etcd connectivity issue",
			})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"service":   "tamandu-control",
		"version":   s.config.Observability.ServiceVersion,
		"timestamp": s.now().UTC(),
	})
}

// listPolicies returns the effective table: defaults with overrides applied.
func (s *Server) listPolicies(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), etcdTimeout)
	defer cancel()

	overrides, skipped, err := s.policies.Load(ctx)
	if err != nil {
		s.logger.Error("Failed to list policy overrides", "error", err)
		abortWithError(c, http.StatusInternalServerError, codeInternal, "failed to list policies")
		return
	}
	overridden := make(map[string]policy.Policy, len(overrides))
	for _, p := range overrides {
		overridden[p.Name] = p
	}

	views := make([]policyView, 0, len(policy.Defaults()))
	for _, p := range policy.Defaults() {
		if o, ok := overridden[p.Name]; ok {
			views = append(views, view(o, "override"))
			continue
		}
		views = append(views, view(p, "default"))
	}
	if len(skipped) > 0 {
		s.logger.Warn("Ignoring invalid policy overrides", "names", skipped)
	}

	c.JSON(http.StatusOK, gin.H{
		"policies": views,
		"count":    len(views),
		"skipped":  skipped,
	})
}

func (s *Server) getPolicy(c *gin.Context) {
	name := strings.ToUpper(c.Param("name"))
	if !policy.IsKnown(name) {
		abortWithError(c, http.StatusNotFound, codeNotFound, "policy not found")
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), etcdTimeout)
	defer cancel()

	p, ok, err := s.policies.Get(ctx, name)
	if err != nil {
		s.logger.Error("Failed to get policy override", "policy", name, "error", err)
		abortWithError(c, http.StatusInternalServerError, codeInternal, "failed to retrieve policy")
		return
	}
	if ok {
		c.JSON(http.StatusOK, view(p, "override"))
		return
	}

	def, _ := policy.DefaultTable().Lookup(name)
	c.JSON(http.StatusOK, view(def, "default"))
}

type putPolicyRequest struct {
	Max           int64  `json:"max"`
	WindowSeconds int64  `json:"window_seconds"`
	Message       string `json:"message"`
}

func (s *Server) putPolicy(c *gin.Context) {
	name := strings.ToUpper(c.Param("name"))

	var req putPolicyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, codeValidation, err.Error())
		return
	}
	if req.WindowSeconds > int64(policy.MaxWindow/time.Second) {
		abortWithError(c, http.StatusBadRequest, codeValidation,
			fmt.Sprintf("window_seconds must be at most %d", int64(policy.MaxWindow/time.Second)))
		return
	}

	p := policy.Policy{
		Name:    name,
		Max:     req.Max,
		Window:  time.Duration(req.WindowSeconds) * time.Second,
		Message: req.Message,
	}
	if p.Message == "" {
		if def, err := policy.DefaultTable().Lookup(name); err == nil {
			p.Message = def.Message
		}
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), etcdTimeout)
	defer cancel()

	now := s.now().UTC()
	if err := s.policies.Put(ctx, p, now); err != nil {
		switch {
		case errors.Is(err, policy.ErrPolicyNotFound):
			abortWithError(c, http.StatusNotFound, codeNotFound, "policy not found")
		case p.Validate() != nil:
			abortWithError(c, http.StatusBadRequest, codeValidation, err.Error())
		default:
			s.logger.Error("Failed to store policy override", "policy", name, "error", err)
			abortWithError(c, http.StatusInternalServerError, codeInternal, "failed to store policy")
		}
		return
	}

	s.logger.Info("Policy override stored", "policy", name, "max", p.Max, "window", p.Window)
	v := view(p, "override")
	v.Updated = &now
	c.JSON(http.StatusOK, v)
}

func (s *Server) deletePolicy(c *gin.Context) {
	name := strings.ToUpper(c.Param("name"))

	ctx, cancel := context.WithTimeout(c.Request.Context(), etcdTimeout)
	defer cancel()

	deleted, err := s.policies.Delete(ctx, name)
	if err != nil {
		s.logger.Error("Failed to delete policy override", "policy", name, "error", err)
		abortWithError(c, http.StatusInternalServerError, codeInternal, "failed to delete policy")
		return
	}
	if !deleted {
		abortWithError(c, http.StatusNotFound, codeNotFound, "no override for policy")
		return
	}

	c.Status(http.StatusNoContent)
}
