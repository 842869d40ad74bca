// Package bus provides the durable event stream used to move spans and
// alerts between pipeline processes. It wraps Redis Streams with consumer
// groups: at-least-once delivery, per-group cursors, per-consumer pending
// lists, and explicit acknowledgment.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agentstack/pipeline/pkg/config"
)

// Stream names used by the pipeline.
const (
	StreamSpans  = "spans.ingest"
	StreamAlerts = "alerts.live"
)

// Starting positions for CreateGroup.
const (
	StartFromOldest = "0"
	StartNewOnly    = "$"
)

const (
	// payloadField is the single entry field carrying the encoded message.
	payloadField = "data"

	// dlqSuffix names the dead-letter stream of a source stream.
	dlqSuffix = ".dlq"

	// dlqMaxLen bounds dead-letter streams so a poison flood cannot grow
	// them without limit.
	dlqMaxLen = 100_000
)

// ErrUnavailable marks failures where the backing store cannot be reached
// or is failing; callers keep their buffers and retry.
var ErrUnavailable = errors.New("event bus unavailable")

// Message is one delivered stream entry.
type Message struct {
	Stream  string
	ID      string
	Payload []byte
}

// EvictionReport describes the outcome of an eviction check.
type EvictionReport struct {
	// Lost is true when the group's oldest pending entry no longer exists
	// in the stream, meaning it was trimmed before being acknowledged.
	Lost bool

	// LowestPending is the oldest pending message id for the group.
	LowestPending string

	// OldestEntry is the id of the oldest entry still in the stream.
	OldestEntry string
}

// EventBus is the stream client shared by producers and consumers.
type EventBus struct {
	client    *redis.Client
	maxLen    int64
	log       *slog.Logger
	dlqMaxLen int64
}

// New builds an EventBus from configuration. The backing store is not
// contacted here; the first operation or an explicit Ping surfaces
// connectivity problems.
func New(cfg *config.EventBusConfig) (*EventBus, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid event bus URL: %w", err)
	}
	return &EventBus{
		client:    redis.NewClient(opts),
		maxLen:    cfg.StreamMaxLen,
		log:       slog.With("component", "bus"),
		dlqMaxLen: dlqMaxLen,
	}, nil
}

// NewWithClient wraps an existing Redis client. Used by tests.
func NewWithClient(client *redis.Client, maxLen int64) *EventBus {
	return &EventBus{
		client:    client,
		maxLen:    maxLen,
		log:       slog.With("component", "bus"),
		dlqMaxLen: dlqMaxLen,
	}
}

// Append appends one encoded payload to the stream and returns its id.
// Streams are trimmed approximately to the configured maximum length; the
// store may evict the oldest entries beyond it regardless of pending state.
func (b *EventBus) Append(ctx context.Context, stream string, payload []byte) (string, error) {
	id, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]interface{}{payloadField: payload},
	}).Result()
	if err != nil {
		return "", unavailable("append to "+stream, err)
	}
	return id, nil
}

// Read delivers up to maxCount new messages for (group, consumer), blocking
// up to blockFor. It returns an empty slice when the wait expires. Delivered
// messages sit in the group's pending list until acknowledged.
func (b *EventBus) Read(ctx context.Context, stream, group, consumer string, maxCount int64, blockFor time.Duration) ([]Message, error) {
	block := blockFor
	if block <= 0 {
		block = -1
	}
	res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    maxCount,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, unavailable("read "+stream, err)
	}
	return flatten(res), nil
}

// ReadPending drains this consumer's own pending backlog: messages that were
// delivered before a crash or restart and never acknowledged. Returns an
// empty slice once the backlog is exhausted.
func (b *EventBus) ReadPending(ctx context.Context, stream, group, consumer string, maxCount int64) ([]Message, error) {
	res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, "0"},
		Count:    maxCount,
		Block:    -1,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, unavailable("read pending "+stream, err)
	}
	return flatten(res), nil
}

// Acknowledge removes the ids from the group's pending list in bulk.
func (b *EventBus) Acknowledge(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := b.client.XAck(ctx, stream, group, ids...).Err(); err != nil {
		return unavailable("acknowledge on "+stream, err)
	}
	return nil
}

// CreateGroup creates a consumer group at the given starting position,
// creating the stream if needed. Creating a group that already exists is
// not an error.
func (b *EventBus) CreateGroup(ctx context.Context, stream, group, start string) error {
	err := b.client.XGroupCreateMkStream(ctx, stream, group, start).Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return unavailable("create group "+group+" on "+stream, err)
	}
	return nil
}

// ClaimStale transfers messages that have sat unacknowledged in another
// consumer's pending list for at least minIdle over to this consumer, so
// work owned by dead consumers is not stranded.
func (b *EventBus) ClaimStale(ctx context.Context, stream, group, consumer string, minIdle time.Duration, maxCount int64) ([]Message, error) {
	msgs, _, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    maxCount,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, unavailable("claim stale on "+stream, err)
	}
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toMessage(stream, m))
	}
	return out, nil
}

// MoveToDLQ forwards a poison message to the stream's dead-letter stream
// with its failure reason, then acknowledges the original so it stops being
// redelivered. The original payload is preserved in the dead-letter entry.
func (b *EventBus) MoveToDLQ(ctx context.Context, group string, msg Message, reason string, attempts int) error {
	dlq := msg.Stream + dlqSuffix
	id, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: dlq,
		MaxLen: b.dlqMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"original_stream": msg.Stream,
			"original_id":     msg.ID,
			"group":           group,
			"reason":          reason,
			"attempts":        attempts,
			"failed_at":       time.Now().Unix(),
			payloadField:      msg.Payload,
		},
	}).Result()
	if err != nil {
		return unavailable("append to "+dlq, err)
	}
	if err := b.Acknowledge(ctx, msg.Stream, group, msg.ID); err != nil {
		return err
	}
	b.log.Warn("moved poison message to dead-letter stream",
		"stream", msg.Stream,
		"message_id", msg.ID,
		"dlq_id", id,
		"group", group,
		"attempts", attempts,
		"reason", reason)
	return nil
}

// CheckEviction reports whether the group's oldest pending message has been
// trimmed out of the stream. A positive report means unprocessed data was
// destroyed by the stream length bound.
func (b *EventBus) CheckEviction(ctx context.Context, stream, group string) (EvictionReport, error) {
	pending, err := b.client.XPending(ctx, stream, group).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return EvictionReport{}, nil
		}
		return EvictionReport{}, unavailable("pending summary on "+stream, err)
	}
	if pending.Count == 0 || pending.Lower == "" {
		return EvictionReport{}, nil
	}
	first, err := b.client.XRangeN(ctx, stream, "-", "+", 1).Result()
	if err != nil {
		return EvictionReport{}, unavailable("range on "+stream, err)
	}
	report := EvictionReport{LowestPending: pending.Lower}
	if len(first) == 0 {
		// Pending entries exist but the stream is empty: everything the
		// group still owed was trimmed.
		report.Lost = true
		return report, nil
	}
	report.OldestEntry = first[0].ID
	report.Lost = idLess(pending.Lower, first[0].ID)
	return report, nil
}

// Ping verifies connectivity to the backing store.
func (b *EventBus) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Close releases the underlying client.
func (b *EventBus) Close() error {
	return b.client.Close()
}

func flatten(streams []redis.XStream) []Message {
	var out []Message
	for _, s := range streams {
		for _, m := range s.Messages {
			out = append(out, toMessage(s.Stream, m))
		}
	}
	return out
}

func toMessage(stream string, m redis.XMessage) Message {
	msg := Message{Stream: stream, ID: m.ID}
	if raw, ok := m.Values[payloadField]; ok {
		if s, ok := raw.(string); ok {
			msg.Payload = []byte(s)
		}
	}
	return msg
}

func unavailable(op string, err error) error {
	return fmt.Errorf("failed to %s: %v: %w", op, err, ErrUnavailable)
}

// idLess compares two stream ids of the form "<ms>-<seq>".
func idLess(a, bID string) bool {
	ams, aseq := splitID(a)
	bms, bseq := splitID(bID)
	if ams != bms {
		return ams < bms
	}
	return aseq < bseq
}

func splitID(id string) (int64, int64) {
	ms, seq, ok := strings.Cut(id, "-")
	if !ok {
		n, _ := strconv.ParseInt(id, 10, 64)
		return n, 0
	}
	msN, _ := strconv.ParseInt(ms, 10, 64)
	seqN, _ := strconv.ParseInt(seq, 10, 64)
	return msN, seqN
}
