// Collector is the span ingestion server: it authenticates incoming
// trace submissions, validates and canonicalizes the spans, and appends
// them to the span stream for the worker roles to consume.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/agentstack/pipeline/pkg/bus"
	"github.com/agentstack/pipeline/pkg/config"
	"github.com/agentstack/pipeline/pkg/ingress"
	"github.com/agentstack/pipeline/pkg/keydir"
	"github.com/agentstack/pipeline/pkg/version"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file loaded", "error", err)
	}

	podID := config.ResolvePodID()
	slog.Info("Starting collector", "version", version.Full(), "pod_id", podID)

	ctx := context.Background()

	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// 2. Open the event bus. Connectivity problems surface per-request
	// as 503s, so a bus outage does not hold the collector down.
	eventBus, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("Failed to configure event bus", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := eventBus.Close(); err != nil {
			slog.Error("Error closing event bus", "error", err)
		}
	}()

	// 3. Open the key directory against the metadata store
	source, err := keydir.NewPGSource(ctx, cfg.Metadata.URL)
	if err != nil {
		slog.Error("Failed to configure metadata store", "error", err)
		os.Exit(1)
	}
	defer source.Close()
	keys := keydir.New(source)

	// 4. Start the HTTP server (non-blocking)
	srv := ingress.NewServer(cfg.Ingress, keys, eventBus)
	errCh := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.Ingress.Port)
		slog.Info("Collector listening", "addr", addr)
		if err := srv.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// 5. Wait for a shutdown signal or a server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 6. Graceful shutdown — stop accepting, drain in-flight requests
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
