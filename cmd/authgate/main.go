// Package main is the entry point for Authgate, a standalone request
// authorization filter for API gateways.
//
// Authgate sits in front of the origin API and, for every request:
//   - resolves the managed service from the request authority (Host)
//   - extracts application credentials from headers or the query string
//   - matches the request against the service's mapping rules to build usage
//   - authorizes the request against the policy backend (with decision caching)
//   - forwards authorized traffic to the origin (HTTP, gRPC, SSE, WebSocket)
//   - exposes Prometheus metrics, health checks, structured logging, and
//     OpenTelemetry tracing
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/authgate/authgate/internal/config"
	"github.com/authgate/authgate/internal/observability"
	"github.com/authgate/authgate/internal/server"
)

// version is set at build time via ldflags: -ldflags "-X main.version=v1.0.0".
var version = "dev"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Printf("authgate %s\n", version)
		return
	}

	// Load configuration from YAML file + environment variable overrides.
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: configuration error: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger.
	logger := observability.NewLogger(cfg.Logging)
	logger.Info("starting authgate", "version", version)

	// Create root context with signal handling for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Create and start the server.
	srv, err := server.New(cfg, logger, version)
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	// Start the config file watcher for hot-reload.
	watcher := config.NewWatcher(config.ConfigFilePath(), func(newCfg *config.Config) {
		if reloadErr := srv.Reload(newCfg); reloadErr != nil {
			logger.Error("config reload failed", "error", reloadErr)
		}
	}, logger)
	go func() {
		if watchErr := watcher.Start(ctx); watchErr != nil {
			logger.Error("config watcher error", "error", watchErr)
		}
	}()
	defer watcher.Stop()

	if err := srv.Run(ctx); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("authgate shut down gracefully")
}
