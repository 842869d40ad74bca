// Package worker hosts the stream consumer roles of the pipeline: the
// persistence writer, security analyzer, and cost aggregator. A Consumer is
// the shared runtime (read, buffer, flush, acknowledge, reclaim); an Engine
// supplies the role-specific decode and sink semantics.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/agentstack/pipeline/pkg/bus"
	"github.com/agentstack/pipeline/pkg/config"
	"github.com/agentstack/pipeline/pkg/metrics"
)

// Consumer role names used in logs and metrics labels.
const (
	RoleWriter   = "writer"
	RoleSecurity = "security"
	RoleCost     = "cost"
)

// Consumer group names. Each role forms one group per stream, so every
// group sees every message and replicas of a role share its cursor.
const (
	GroupPersistence = "persistence"
	GroupSecurity    = "security"
	GroupCost        = "cost"
)

const (
	// poisonAttempts is how many times a message is handed to the engine
	// before it is dead-lettered.
	poisonAttempts = 3

	// maxFlushBackoff caps the exponential backoff between failed flushes.
	maxFlushBackoff = 30 * time.Second

	// shutdownFlushWindow bounds the final flush attempts on Stop.
	shutdownFlushWindow = 10 * time.Second
)

// ErrPoison marks a message the engine can never process; the runtime
// dead-letters it after poisonAttempts.
var ErrPoison = errors.New("poison message")

// ErrFatal marks a failure the process cannot continue from, such as spill
// I/O errors. The consumer stops and surfaces it on Fatal().
var ErrFatal = errors.New("fatal consumer failure")

// Engine is one consumer role. Implementations are driven by a single
// Consumer goroutine and need no internal locking.
type Engine interface {
	// Role names the engine in logs and metrics labels.
	Role() string

	// Stream, Group, and Start name the subscription and its starting
	// position for group creation.
	Stream() string
	Group() string
	Start() string

	// Process decodes one message into the buffer. Errors are treated as
	// permanent: the runtime retries briefly, then dead-letters the message.
	Process(ctx context.Context, msg bus.Message) error

	// Buffered is the number of source messages held and not yet released
	// for acknowledgment.
	Buffered() int

	// ShouldFlush reports whether the buffer reached its size threshold.
	ShouldFlush() bool

	// Flush writes the buffer to its sinks. On success it returns the
	// source message ids now safe to acknowledge and resets the buffer.
	// On failure the buffer is retained for a later retry.
	Flush(ctx context.Context) ([]string, error)
}

// Health is a point-in-time snapshot of one consumer.
type Health struct {
	Role         string    `json:"role"`
	Consumer     string    `json:"consumer"`
	Buffered     int       `json:"buffered"`
	Processed    int       `json:"processed"`
	DeadLettered int       `json:"dead_lettered"`
	LastFlush    time.Time `json:"last_flush"`
	LastActivity time.Time `json:"last_activity"`
}

// Consumer runs one engine against the event bus.
type Consumer struct {
	engine  Engine
	bus     *bus.EventBus
	cfg     *config.WorkerConfig
	name    string
	log     *slog.Logger
	fatalCh chan error

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	lastMaintain time.Time

	mu           sync.RWMutex
	processed    int
	deadLettered int
	lastFlush    time.Time
	lastActivity time.Time
}

// NewConsumer builds a consumer. The consumer name must be unique within
// the engine's group across replicas; the pod id serves.
func NewConsumer(engine Engine, b *bus.EventBus, cfg *config.WorkerConfig, consumerName string) *Consumer {
	return &Consumer{
		engine:       engine,
		bus:          b,
		cfg:          cfg,
		name:         consumerName,
		log:          slog.With("component", "worker", "role", engine.Role(), "consumer", consumerName),
		fatalCh:      make(chan error, 1),
		stopCh:       make(chan struct{}),
		lastFlush:    time.Now(),
		lastActivity: time.Now(),
	}
}

// Start creates the consumer group and begins the read loop. A group-create
// failure is returned; without a group reads cannot proceed.
func (c *Consumer) Start(ctx context.Context) error {
	if err := c.bus.CreateGroup(ctx, c.engine.Stream(), c.engine.Group(), c.engine.Start()); err != nil {
		return fmt.Errorf("failed to create group %s on %s: %w", c.engine.Group(), c.engine.Stream(), err)
	}
	c.wg.Add(1)
	go c.run(ctx)
	return nil
}

// Stop signals the consumer to stop and waits for the final flush attempt.
// Safe to call more than once.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// Fatal delivers a fatal consumer error. The process should log it and
// exit nonzero; the consumer has already stopped reading.
func (c *Consumer) Fatal() <-chan error {
	return c.fatalCh
}

// Health returns the current consumer health snapshot.
func (c *Consumer) Health() Health {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Health{
		Role:         c.engine.Role(),
		Consumer:     c.name,
		Buffered:     c.engine.Buffered(),
		Processed:    c.processed,
		DeadLettered: c.deadLettered,
		LastFlush:    c.lastFlush,
		LastActivity: c.lastActivity,
	}
}

func (c *Consumer) run(ctx context.Context) {
	defer c.wg.Done()

	c.log.Info("Consumer started",
		"stream", c.engine.Stream(),
		"group", c.engine.Group(),
		"batch_size", c.cfg.BatchSize,
		"flush_interval", c.cfg.FlushInterval)

	// Messages delivered before a previous shutdown are still pending for
	// this consumer name; they are reprocessed ahead of any new reads.
	if err := c.drainBacklog(ctx); err != nil {
		c.fail(err)
		return
	}

	readBackoff := time.Second
	for {
		select {
		case <-c.stopCh:
			c.finalFlush()
			c.log.Info("Consumer shutting down", "processed", c.Health().Processed)
			return
		case <-ctx.Done():
			c.finalFlush()
			c.log.Info("Context cancelled, consumer shutting down")
			return
		default:
		}

		capacity := c.cfg.MemoryCap - c.engine.Buffered()
		if capacity <= 0 {
			// At the memory cap: stop reading until the buffer drains.
			if err := c.flushWithRetry(ctx); err != nil {
				c.fail(err)
				return
			}
			continue
		}

		msgs, err := c.bus.Read(ctx, c.engine.Stream(), c.engine.Group(), c.name,
			int64(min(c.cfg.BatchSize, capacity)), c.cfg.PollInterval)
		if err != nil {
			c.log.Warn("Stream read failed", "error", err, "backoff", readBackoff)
			c.sleep(readBackoff)
			readBackoff = min(readBackoff*2, maxFlushBackoff)
			continue
		}
		readBackoff = time.Second

		for _, msg := range msgs {
			c.handle(ctx, msg)
		}
		if len(msgs) == 0 && c.engine.Buffered() == 0 {
			// Idle; the jitter keeps replicas from polling in lockstep.
			c.sleep(c.jitter())
		}

		c.maintain(ctx)

		if c.engine.ShouldFlush() || (c.engine.Buffered() > 0 && c.sinceLastFlush() >= c.cfg.FlushInterval) {
			if err := c.flushWithRetry(ctx); err != nil {
				c.fail(err)
				return
			}
		}
	}
}

// drainBacklog re-reads this consumer's own pending entries until the
// backlog is empty, flushing along the way so a large backlog cannot blow
// past the memory cap.
func (c *Consumer) drainBacklog(ctx context.Context) error {
	total := 0
	for {
		select {
		case <-c.stopCh:
			return nil
		case <-ctx.Done():
			return nil
		default:
		}

		msgs, err := c.bus.ReadPending(ctx, c.engine.Stream(), c.engine.Group(), c.name, int64(c.cfg.BatchSize))
		if err != nil {
			c.log.Warn("Pending-backlog read failed", "error", err)
			c.sleep(time.Second)
			continue
		}
		if len(msgs) == 0 {
			break
		}
		total += len(msgs)
		for _, msg := range msgs {
			c.handle(ctx, msg)
		}
		if c.engine.ShouldFlush() || c.engine.Buffered() >= c.cfg.MemoryCap {
			if err := c.flushWithRetry(ctx); err != nil {
				return err
			}
		}
	}
	if total > 0 {
		c.log.Info("Drained pending backlog", "count", total)
		return c.flushWithRetry(ctx)
	}
	return nil
}

// handle runs one message through the engine, dead-lettering it after
// poisonAttempts failures.
func (c *Consumer) handle(ctx context.Context, msg bus.Message) {
	if len(msg.Payload) == 0 {
		// Either a producer bug or an entry trimmed to a tombstone while
		// pending. Nothing to process, nothing worth dead-lettering.
		c.log.Warn("Acknowledging message without payload", "stream", msg.Stream, "message_id", msg.ID)
		if err := c.bus.Acknowledge(ctx, msg.Stream, c.engine.Group(), msg.ID); err != nil {
			c.log.Warn("Failed to acknowledge empty message", "message_id", msg.ID, "error", err)
		}
		return
	}

	var err error
	for attempt := 1; attempt <= poisonAttempts; attempt++ {
		if err = c.engine.Process(ctx, msg); err == nil {
			c.noteProcessed()
			return
		}
	}

	metrics.DLQMessages.WithLabelValues(msg.Stream).Inc()
	if dlqErr := c.bus.MoveToDLQ(ctx, c.engine.Group(), msg, err.Error(), poisonAttempts); dlqErr != nil {
		// Still pending; the claim cycle retries the move later.
		c.log.Error("Failed to dead-letter poison message", "message_id", msg.ID, "error", dlqErr)
		return
	}
	c.noteDeadLettered()
}

// flushWithRetry flushes the engine buffer, retrying with exponential
// backoff until it succeeds or the consumer stops. Source messages are
// acknowledged only after the flush reports durability. A non-nil return
// is always a fatal error.
func (c *Consumer) flushWithRetry(ctx context.Context) error {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return nil
		}
		ids, err := c.engine.Flush(ctx)
		if err == nil {
			metrics.WorkerFlushes.WithLabelValues(c.engine.Role()).Inc()
			c.ack(ctx, ids)
			c.noteFlush()
			return nil
		}
		if errors.Is(err, ErrFatal) {
			return err
		}
		metrics.WorkerFlushFailures.WithLabelValues(c.engine.Role()).Inc()
		c.log.Warn("Flush failed, backing off",
			"error", err, "buffered", c.engine.Buffered(), "backoff", backoff)
		if !c.sleep(backoff + c.jitter()) {
			return nil
		}
		backoff = min(backoff*2, maxFlushBackoff)
	}
}

// finalFlush makes bounded flush attempts on shutdown. Whatever cannot be
// flushed in the window stays pending on the stream and is redelivered to
// the next run.
func (c *Consumer) finalFlush() {
	if c.engine.Buffered() == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownFlushWindow)
	defer cancel()
	for {
		ids, err := c.engine.Flush(ctx)
		if err == nil {
			metrics.WorkerFlushes.WithLabelValues(c.engine.Role()).Inc()
			c.ack(ctx, ids)
			c.noteFlush()
			return
		}
		if errors.Is(err, ErrFatal) || ctx.Err() != nil {
			c.log.Warn("Final flush incomplete; messages stay pending for redelivery",
				"buffered", c.engine.Buffered(), "error", err)
			return
		}
		metrics.WorkerFlushFailures.WithLabelValues(c.engine.Role()).Inc()
		select {
		case <-ctx.Done():
		case <-time.After(time.Second):
		}
	}
}

// maintain runs the periodic upkeep: claiming messages stranded in dead
// consumers' pending lists and checking for trimmed-while-pending loss.
func (c *Consumer) maintain(ctx context.Context) {
	if time.Since(c.lastMaintain) < c.cfg.ClaimInterval {
		return
	}
	c.lastMaintain = time.Now()

	msgs, err := c.bus.ClaimStale(ctx, c.engine.Stream(), c.engine.Group(), c.name,
		c.cfg.ClaimMinIdle, int64(c.cfg.BatchSize))
	if err != nil {
		c.log.Warn("Stale-claim scan failed", "error", err)
	} else if len(msgs) > 0 {
		c.log.Info("Claimed stale pending messages", "count", len(msgs))
		for _, msg := range msgs {
			c.handle(ctx, msg)
		}
	}

	report, err := c.bus.CheckEviction(ctx, c.engine.Stream(), c.engine.Group())
	if err != nil {
		c.log.Warn("Eviction check failed", "error", err)
		return
	}
	if report.Lost {
		metrics.EvictedPending.WithLabelValues(c.engine.Stream()).Inc()
		c.log.Error("Pending messages trimmed from stream before acknowledgment",
			"stream", c.engine.Stream(),
			"group", c.engine.Group(),
			"lowest_pending", report.LowestPending,
			"oldest_entry", report.OldestEntry)
	}
}

func (c *Consumer) ack(ctx context.Context, ids []string) {
	if len(ids) == 0 {
		return
	}
	if err := c.bus.Acknowledge(ctx, c.engine.Stream(), c.engine.Group(), ids...); err != nil {
		// The flush was durable; unacked ids are redelivered and absorbed
		// by downstream deduplication.
		c.log.Warn("Bulk acknowledge failed", "count", len(ids), "error", err)
	}
}

// sleep waits for d or until stop is signalled; it reports false once
// stopping.
func (c *Consumer) sleep(d time.Duration) bool {
	if d <= 0 {
		select {
		case <-c.stopCh:
			return false
		default:
			return true
		}
	}
	select {
	case <-c.stopCh:
		return false
	case <-time.After(d):
		return true
	}
}

func (c *Consumer) jitter() time.Duration {
	if c.cfg.PollJitter <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(c.cfg.PollJitter)))
}

func (c *Consumer) fail(err error) {
	c.log.Error("Consumer stopped on fatal error", "error", err)
	select {
	case c.fatalCh <- err:
	default:
	}
}

func (c *Consumer) sinceLastFlush() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Since(c.lastFlush)
}

func (c *Consumer) noteProcessed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.processed++
	c.lastActivity = time.Now()
}

func (c *Consumer) noteDeadLettered() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deadLettered++
	c.lastActivity = time.Now()
}

func (c *Consumer) noteFlush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastFlush = time.Now()
	c.lastActivity = time.Now()
}
