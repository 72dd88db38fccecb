package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/net/netutil"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/Teachlyze/TamanduAI-new-sub010/internal/config"
	"github.com/Teachlyze/TamanduAI-new-sub010/internal/limiter"
	"github.com/Teachlyze/TamanduAI-new-sub010/internal/loginguard"
	"github.com/Teachlyze/TamanduAI-new-sub010/internal/observability"
	"github.com/Teachlyze/TamanduAI-new-sub010/internal/store"
	"github.com/Teachlyze/TamanduAI-new-sub010/internal/warmup"
)

// Deps are the components the gateway serves. Warmup may be nil when no
// database is configured; its routes then answer 503.
type Deps struct {
	Store   store.Store
	Limiter *limiter.Limiter
	Guard   *loginguard.Guard
	Warmup  *warmup.Orchestrator
	Metrics *observability.Metrics
}

type Server struct {
	config     *config.Config
	deps       Deps
	router     *gin.Engine
	httpServer *http.Server
	grpcServer *grpc.Server
	health     *health.Server
	logger     *slog.Logger
}

func NewServer(cfg *config.Config, deps Deps, logger *slog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(LoggerMiddleware(logger))
	router.Use(MetricsMiddleware(deps.Metrics))
	router.Use(CORSMiddleware(cfg.Gateway.AllowedCORSOrigin))
	router.Use(BodyLimitMiddleware(cfg.Gateway.MaxRequestSize))

	s := &Server{
		config: cfg,
		deps:   deps,
		router: router,
		logger: logger,
	}
	s.setupRoutes(router)

	s.httpServer = &http.Server{
		Handler:      router,
		ReadTimeout:  cfg.Gateway.ReadTimeout,
		WriteTimeout: cfg.Gateway.WriteTimeout,
	}

	// gRPC carries the standard health service so orchestrators can probe
	// the gateway and see store outages.
	s.grpcServer = grpc.NewServer(
		grpc.UnaryInterceptor(s.unaryInterceptor),
	)
	s.health = health.NewServer()
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	reflection.Register(s.grpcServer)

	return s
}

// Handler exposes the HTTP router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.config.Gateway.Address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.config.Gateway.Address, err)
	}
	if s.config.Gateway.MaxConnections > 0 {
		lis = netutil.LimitListener(lis, s.config.Gateway.MaxConnections)
	}

	go func() {
		s.logger.Info("Starting HTTP server", "address", s.config.Gateway.Address,
			"max_connections", s.config.Gateway.MaxConnections)
		if err := s.httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", "error", err)
		}
	}()

	if s.config.Gateway.GRPCAddress != "" {
		go func() {
			glis, err := net.Listen("tcp", s.config.Gateway.GRPCAddress)
			if err != nil {
				s.logger.Error("Failed to listen for gRPC", "error", err)
				return
			}
			s.logger.Info("Starting gRPC server", "address", s.config.Gateway.GRPCAddress)
			if err := s.grpcServer.Serve(glis); err != nil {
				s.logger.Error("gRPC server error", "error", err)
			}
		}()
	}

	go s.healthLoop(ctx)
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Shutting down gateway server")

	s.health.Shutdown()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}
	s.grpcServer.GracefulStop()

	if err := s.deps.Store.Close(); err != nil {
		s.logger.Error("Failed to close store", "error", err)
	}
	return nil
}

// healthLoop probes the store until ctx is done and mirrors the result into
// the gRPC health status and the store_healthy gauge.
func (s *Server) healthLoop(ctx context.Context) {
	interval := s.config.Gateway.HealthInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	healthy := true
	for {
		ok := s.probeStore(ctx) == nil
		if ok != healthy {
			if ok {
				s.logger.Info("Store reachable again")
			} else {
				s.logger.Warn("Store unreachable, rate limits degrade to fail-open")
			}
			healthy = ok
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) probeStore(ctx context.Context) error {
	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	err := s.deps.Store.Ping(pctx)

	status := healthpb.HealthCheckResponse_SERVING
	if err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus("store", status)
	s.deps.Metrics.SetStoreHealthy(err == nil)
	return err
}

func (s *Server) setupRoutes(router *gin.Engine) {
	router.GET("/health", s.handleHealth)
	router.GET("/metrics", gin.WrapH(s.deps.Metrics.Handler()))

	api := router.Group("/api/v1")
	if s.config.Gateway.APILimitByIP {
		api.Use(APIRateLimitMiddleware(s.deps.Limiter, s.logger))
	}
	{
		api.POST("/ratelimit/check", s.handleRateLimitCheck)
		api.GET("/ratelimit/quota", s.handleQuota)

		api.POST("/auth/login-guard", s.handleLoginGuard)
		api.POST("/auth/login-success", s.handleLoginSuccess)
		api.POST("/auth/register-success", s.handleLoginSuccess)

		cache := api.Group("/cache")
		cache.Use(s.requireWarmup)
		cache.POST("/warmup", WarmupAuthMiddleware(s.config.Warmup.Token), s.handleWarmup)
		cache.GET("/*key", s.handleCacheGet)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	status := "healthy"
	checks := make(map[string]string)

	if err := s.probeStore(c.Request.Context()); err != nil {
		status = "degraded"
		checks["store"] = fmt.Sprintf("error: %v", err)
	} else {
		checks["store"] = "healthy"
	}
	if s.deps.Warmup == nil {
		checks["warmup"] = "disabled"
	} else {
		checks["warmup"] = "healthy"
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  status,
		"version": s.config.Observability.ServiceVersion,
		"checks":  checks,
	})
}

func (s *Server) unaryInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	duration := time.Since(start)

	s.logger.Debug("gRPC request completed",
		"method", info.FullMethod,
		"duration", duration,
		"error", err,
	)
	return resp, err
}
