package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Teachlyze/TamanduAI-new-sub010/internal/config"
	"github.com/Teachlyze/TamanduAI-new-sub010/internal/control"
	"github.com/Teachlyze/TamanduAI-new-sub010/internal/observability"
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
	logger.Info("Starting TamanduAI Control Plane",
		"version", cfg.Observability.ServiceVersion,
		"address", cfg.Control.Address,
		"etcd_endpoints", cfg.Etcd.Endpoints,
	)

	if len(cfg.Etcd.Endpoints) == 0 {
		logger.Error("TAMANDU_ETCD_ENDPOINTS is required for the control plane")
		os.Exit(1)
	}

	// Create control plane server
	server, err := control.NewServer(cfg, logger)
	if err != nil {
		logger.Error("Failed to create control server", "error", err)
		os.Exit(1)
	}

	// Start server
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := server.Start(ctx); err != nil {
		logger.Error("Failed to start control server", "error", err)
		os.Exit(1)
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("Received shutdown signal")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Control.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("Control server shutdown error", "error", err)
		os.Exit(1)
	}

	logger.Info("Control plane shutdown complete")
}
