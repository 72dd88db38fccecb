package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/Teachlyze/TamanduAI-new-sub010/internal/config"
	"github.com/Teachlyze/TamanduAI-new-sub010/internal/gateway"
	"github.com/Teachlyze/TamanduAI-new-sub010/internal/limiter"
	"github.com/Teachlyze/TamanduAI-new-sub010/internal/loginguard"
	"github.com/Teachlyze/TamanduAI-new-sub010/internal/observability"
	"github.com/Teachlyze/TamanduAI-new-sub010/internal/policy"
	"github.com/Teachlyze/TamanduAI-new-sub010/internal/store"
	"github.com/Teachlyze/TamanduAI-new-sub010/internal/warmup"
)

func main() {
	// Load configuration
	cfg, err := config.Load(".env")
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	// Setup logger
	logger := observability.NewLogger(os.Stdout, cfg.Observability.LogLevel)
	logger.Info("Starting TamanduAI Gateway",
		"version", cfg.Observability.ServiceVersion,
		"address", cfg.Gateway.Address,
		"grpc_address", cfg.Gateway.GRPCAddress,
	)

	shutdownTracing, err := observability.InitTracing(cfg.Observability)
	if err != nil {
		logger.Error("Failed to initialize tracing", "error", err)
		os.Exit(1)
	}

	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics("tamandu")
	}

	kv, err := store.New(cfg.Store, logger)
	if err != nil {
		logger.Error("Failed to create store client", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	table := loadPolicies(ctx, cfg, logger)

	lim := limiter.New(kv, table, limiter.Options{
		OnStoreError: store.ParseFailurePolicy(cfg.Limiter.OnStoreError),
		CountDenied:  cfg.Limiter.CountDenied,
		Logger:       logger,
		Metrics:      metrics,
	})
	guard := loginguard.New(kv, loginguard.NewVerifier(cfg.Captcha, logger), loginguard.Options{
		MaxAttempts:          cfg.LoginGuard.MaxAttempts,
		LockoutWindow:        cfg.LoginGuard.LockoutWindow,
		CountCaptchaFailures: cfg.LoginGuard.CountCaptchaFailures,
		OnStoreError:         store.ParseFailurePolicy(cfg.LoginGuard.OnStoreError),
		Logger:               logger,
		Metrics:              metrics,
	})

	orchestrator, closeWarmup := setupWarmup(ctx, cfg, logger, metrics)
	defer closeWarmup()

	server := gateway.NewServer(cfg, gateway.Deps{
		Store:   kv,
		Limiter: lim,
		Guard:   guard,
		Warmup:  orchestrator,
		Metrics: metrics,
	}, logger)

	if err := server.Start(ctx); err != nil {
		logger.Error("Failed to start server", "error", err)
		os.Exit(1)
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("Received shutdown signal")
	cancel()

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Gateway.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", "error", err)
		os.Exit(1)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("Tracing shutdown error", "error", err)
	}

	logger.Info("Gateway shutdown complete")
}

// loadPolicies applies etcd overrides on top of the defaults. Any failure
// leaves the defaults in place.
func loadPolicies(ctx context.Context, cfg *config.Config, logger *slog.Logger) *policy.Table {
	if len(cfg.Etcd.Endpoints) == 0 {
		return policy.DefaultTable()
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Etcd.Endpoints,
		DialTimeout: cfg.Etcd.DialTimeout,
		Username:    cfg.Etcd.Username,
		Password:    cfg.Etcd.Password,
	})
	if err != nil {
		logger.Warn("Failed to connect to etcd, using default policies", "error", err)
		return policy.DefaultTable()
	}
	defer client.Close()

	lctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	table, skipped, err := policy.LoadTable(lctx, policy.NewEtcdSource(client, cfg.Etcd.Prefix))
	if err != nil {
		logger.Warn("Failed to load policy overrides, using defaults", "error", err)
		return policy.DefaultTable()
	}
	if len(skipped) > 0 {
		logger.Warn("Ignoring invalid policy overrides", "names", skipped)
	}
	logger.Info("Policy table loaded", "most_restrictive", table.MostRestrictive().Name)
	return table
}

// setupWarmup returns a nil orchestrator when no database is configured.
func setupWarmup(ctx context.Context, cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics) (*warmup.Orchestrator, func()) {
	if cfg.Warmup.DatabaseURL == "" {
		logger.Info("DATABASE_URL not set, cache warmup disabled")
		return nil, func() {}
	}

	dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	source, err := warmup.OpenPostgres(dctx, cfg.Warmup.DatabaseURL)
	if err != nil {
		logger.Error("Failed to open database, cache warmup disabled", "error", err)
		return nil, func() {}
	}

	var cache warmup.Cache = warmup.NewMemoryCache(nil)
	closers := []func() error{source.Close}
	if cfg.Warmup.CacheURL != "" {
		rc, err := warmup.OpenRedisCache(cfg.Warmup.CacheURL)
		if err != nil {
			logger.Error("Invalid cache URL, using in-process cache", "error", err)
		} else {
			cache = rc
			closers = append(closers, rc.Close)
		}
	}

	o := warmup.New(source, cache, warmup.Options{
		Concurrency:        cfg.Warmup.Concurrency,
		TaskTimeout:        cfg.Warmup.TaskTimeout,
		MaxKeys:            cfg.Warmup.MaxKeys,
		NotificationsLimit: cfg.Warmup.NotificationsN,
		Logger:             logger,
		Metrics:            metrics,
	})
	return o, func() {
		for _, c := range closers {
			if err := c(); err != nil {
				logger.Error("Failed to close warmup resource", "error", err)
			}
		}
	}
}
