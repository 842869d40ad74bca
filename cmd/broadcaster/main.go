// Broadcaster is the live alert WebSocket service: it drains the alert
// stream through a per-process consumer group and fans alerts out to
// connected dashboard subscribers.
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

	"github.com/agentstack/pipeline/pkg/broadcast"
	"github.com/agentstack/pipeline/pkg/bus"
	"github.com/agentstack/pipeline/pkg/config"
	"github.com/agentstack/pipeline/pkg/version"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file loaded", "error", err)
	}

	podID := config.ResolvePodID()
	slog.Info("Starting broadcaster", "version", version.Full(), "pod_id", podID)

	ctx := context.Background()

	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// 2. Open the event bus
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

	// 3. Start the alert pump feeding the hub
	hub := broadcast.NewHub(cfg.Broadcast)
	pump := broadcast.NewPump(eventBus, hub, podID)
	if err := pump.Start(ctx); err != nil {
		slog.Error("Failed to start alert pump", "error", err)
		os.Exit(1)
	}

	// 4. Start the HTTP server (non-blocking)
	srv := broadcast.NewServer(cfg.Broadcast, hub, pump, eventBus)
	errCh := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.Broadcast.Port)
		slog.Info("Broadcaster listening", "addr", addr)
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

	// 6. Graceful shutdown: stop pulling alerts, then close subscribers
	// with 1001 and stop the HTTP server.
	pump.Stop()

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
