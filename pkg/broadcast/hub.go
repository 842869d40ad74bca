// Package broadcast fans live security alerts out to WebSocket
// subscribers. A Pump drains the alert stream into the Hub, which
// delivers to each connected dashboard through a bounded per-subscriber
// queue so one slow client never stalls the rest.
package broadcast

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/agentstack/pipeline/pkg/config"
	"github.com/agentstack/pipeline/pkg/metrics"
)

// Conn is the WebSocket surface the hub needs. Implemented by
// *websocket.Conn; tests substitute a scripted fake.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Hub tracks live WebSocket subscribers and fans alert payloads out to
// them. Each Go process (pod) has one Hub instance.
type Hub struct {
	cfg *config.BroadcastConfig
	log *slog.Logger

	// Active subscribers: subscriber_id → *subscriber
	mu   sync.RWMutex
	subs map[string]*subscriber
}

// NewHub creates a Hub with no subscribers.
func NewHub(cfg *config.BroadcastConfig) *Hub {
	return &Hub{
		cfg:  cfg,
		log:  slog.With("component", "broadcast"),
		subs: make(map[string]*subscriber),
	}
}

// HandleConnection manages the lifecycle of a single WebSocket
// subscriber. Called by the WebSocket HTTP handler after upgrade; blocks
// until the connection closes. project narrows delivery to a single
// project, "" receives alerts for every project.
func (h *Hub) HandleConnection(parentCtx context.Context, conn Conn, project string) {
	ctx, cancel := context.WithCancel(parentCtx)

	queueSize := h.cfg.SubscriberQueueSize
	if queueSize < 1 {
		queueSize = 1
	}

	sub := &subscriber{
		id:      uuid.New().String(),
		project: project,
		conn:    conn,
		queue:   make(chan []byte, queueSize),
		ctx:     ctx,
		cancel:  cancel,
		log:     h.log,
	}

	h.register(sub)
	defer h.unregister(sub)

	go sub.writeLoop(h.cfg.WriteTimeout)

	h.log.Info("WebSocket subscriber connected",
		"subscriber_id", sub.id, "project", project)

	// Read loop. Clients only ever send "ping"; anything else is
	// ignored. Each read is bounded by the idle timeout, and the pong
	// reply goes through the outbound queue so the writer goroutine
	// stays the sole writer on the connection.
	for {
		readCtx, readCancel := context.WithTimeout(ctx, h.cfg.IdleTimeout)
		typ, data, err := conn.Read(readCtx)
		readCancel()
		if err != nil {
			if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
				h.log.Info("Closing idle WebSocket subscriber", "subscriber_id", sub.id)
				_ = conn.Close(websocket.StatusNormalClosure, "idle timeout")
			}
			return
		}
		if typ == websocket.MessageText && string(data) == "ping" {
			sub.enqueue([]byte("pong"))
		}
	}
}

// Publish fans payload out to every subscriber whose project filter
// matches. Never blocks: a subscriber with a full queue loses its oldest
// queued payload instead.
func (h *Hub) Publish(projectID string, payload []byte) {
	// Snapshot matching subscribers under the lock, then release before
	// enqueueing so Publish never holds mu while touching queues.
	h.mu.RLock()
	subs := make([]*subscriber, 0, len(h.subs))
	for _, sub := range h.subs {
		if sub.matches(projectID) {
			subs = append(subs, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range subs {
		sub.enqueue(payload)
	}
}

// CloseAll disconnects every subscriber with the given status. Called at
// shutdown, after which the hub is empty but still usable.
func (h *Hub) CloseAll(code websocket.StatusCode, reason string) {
	h.mu.Lock()
	subs := make([]*subscriber, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.subs = make(map[string]*subscriber)
	h.mu.Unlock()

	for _, sub := range subs {
		metrics.BroadcastSubscribers.Dec()
		_ = sub.conn.Close(code, reason)
		sub.cancel()
	}
}

// SubscriberCount returns the number of connected subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) register(sub *subscriber) {
	h.mu.Lock()
	h.subs[sub.id] = sub
	h.mu.Unlock()
	metrics.BroadcastSubscribers.Inc()
}

// unregister removes a subscriber and closes its connection. A subscriber
// already removed by CloseAll is left alone.
func (h *Hub) unregister(sub *subscriber) {
	h.mu.Lock()
	_, ok := h.subs[sub.id]
	delete(h.subs, sub.id)
	h.mu.Unlock()
	if !ok {
		return
	}

	metrics.BroadcastSubscribers.Dec()
	sub.cancel()
	_ = sub.conn.Close(websocket.StatusNormalClosure, "")

	h.log.Info("WebSocket subscriber disconnected",
		"subscriber_id", sub.id, "dropped", sub.dropped.Load())
}
