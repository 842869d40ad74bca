// Worker hosts the stream consumer roles: the persistence writer, the
// security analyzer, and the cost aggregator. WORKER_ROLES selects which
// of them this process runs; the default is all three.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/agentstack/pipeline/pkg/bus"
	"github.com/agentstack/pipeline/pkg/columnar"
	"github.com/agentstack/pipeline/pkg/config"
	"github.com/agentstack/pipeline/pkg/version"
	"github.com/agentstack/pipeline/pkg/worker"
)

// consumerShutdownTimeout bounds the graceful stop of all consumers,
// including their final flush retries.
const consumerShutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		slog.Error("Worker exiting after fatal error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file loaded", "error", err)
	}

	podID := config.ResolvePodID()
	slog.Info("Starting worker", "version", version.Full(), "pod_id", podID)

	ctx := context.Background()

	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// 2. Open the event bus
	eventBus, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("failed to configure event bus: %w", err)
	}
	defer func() {
		if err := eventBus.Close(); err != nil {
			slog.Error("Error closing event bus", "error", err)
		}
	}()

	// 3. Connect the columnar store; embedded migrations run here
	store, err := columnar.NewClient(ctx, cfg.Columnar)
	if err != nil {
		return fmt.Errorf("failed to connect to columnar store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Error("Error closing columnar store", "error", err)
		}
	}()
	slog.Info("Columnar store ready")

	// 4. Build one consumer per configured role
	consumers := make([]*worker.Consumer, 0, len(cfg.Worker.Roles))
	for _, role := range cfg.Worker.Roles {
		var engine worker.Engine
		switch role {
		case worker.RoleWriter:
			w, err := worker.NewWriter(store, cfg.Worker, cfg.Columnar)
			if err != nil {
				return fmt.Errorf("failed to build writer engine: %w", err)
			}
			replayed, err := w.DrainSpill(ctx)
			if err != nil {
				return fmt.Errorf("failed to drain spill file: %w", err)
			}
			if replayed > 0 {
				slog.Info("Replayed spilled rows from previous run", "rows", replayed)
			}
			engine = w
		case worker.RoleSecurity:
			engine = worker.NewAnalyzer(eventBus, store, cfg.Worker)
		case worker.RoleCost:
			engine = worker.NewAggregator(store, cfg.Worker)
		default:
			return fmt.Errorf("unknown worker role %q", role)
		}
		consumers = append(consumers, worker.NewConsumer(engine, eventBus, cfg.Worker, podID))
	}

	// 5. Start all consumers
	started := make([]*worker.Consumer, 0, len(consumers))
	for _, c := range consumers {
		if err := c.Start(ctx); err != nil {
			stopConsumers(started)
			return fmt.Errorf("failed to start consumer: %w", err)
		}
		started = append(started, c)
	}
	slog.Info("Worker started successfully", "pod_id", podID, "roles", cfg.Worker.Roles)

	// 6. Wait for a shutdown signal or a fatal consumer error
	fatalCh := make(chan error, len(consumers))
	for _, c := range consumers {
		go func(c *worker.Consumer) { fatalCh <- <-c.Fatal() }(c)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	var fatalErr error
	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case fatalErr = <-fatalCh:
		slog.Error("Consumer reported a fatal error", "error", fatalErr)
	}

	// 7. Stop consumers — each flushes its in-flight batch within budget
	done := make(chan struct{})
	go func() {
		stopConsumers(consumers)
		close(done)
	}()
	select {
	case <-done:
		slog.Info("Consumers stopped gracefully")
	case <-time.After(consumerShutdownTimeout):
		slog.Warn("Consumer shutdown timeout exceeded")
	}

	if fatalErr != nil {
		return fatalErr
	}
	slog.Info("Shutdown complete")
	return nil
}

func stopConsumers(consumers []*worker.Consumer) {
	for _, c := range consumers {
		c.Stop()
	}
}
