package broadcast

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/agentstack/pipeline/pkg/metrics"
)

// maxWriteTimeouts is how many consecutive write timeouts a subscriber
// survives before being disconnected. A single timeout can be a transient
// network stall; three in a row is a client that stopped reading.
const maxWriteTimeouts = 3

// subscriber is one WebSocket client. Outbound payloads flow through a
// bounded queue drained by a dedicated writer goroutine; when the queue
// is full the oldest queued payload is dropped and counted.
type subscriber struct {
	id      string
	project string
	conn    Conn
	queue   chan []byte
	ctx     context.Context
	cancel  context.CancelFunc
	dropped atomic.Int64
	log     *slog.Logger
}

// matches reports whether an alert for projectID should be delivered.
func (s *subscriber) matches(projectID string) bool {
	return s.project == "" || s.project == projectID
}

// enqueue adds msg to the outbound queue. On overflow the oldest queued
// message is discarded to make room, so the newest alerts survive.
func (s *subscriber) enqueue(msg []byte) {
	for {
		select {
		case s.queue <- msg:
			return
		default:
		}
		select {
		case <-s.queue:
			s.dropped.Add(1)
			metrics.BroadcastDropped.Inc()
		default:
		}
	}
}

// writeLoop drains the queue onto the connection. Each write gets its own
// deadline; maxWriteTimeouts consecutive deadline misses disconnect the
// subscriber. Exits when the subscriber context is cancelled or the
// connection dies.
func (s *subscriber) writeLoop(timeout time.Duration) {
	timeouts := 0
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.queue:
			writeCtx, cancel := context.WithTimeout(s.ctx, timeout)
			err := s.conn.Write(writeCtx, websocket.MessageText, msg)
			cancel()
			if err == nil {
				timeouts = 0
				continue
			}
			if s.ctx.Err() != nil {
				return
			}
			if errors.Is(err, context.DeadlineExceeded) {
				timeouts++
				if timeouts < maxWriteTimeouts {
					s.log.Warn("WebSocket write timed out",
						"subscriber_id", s.id, "consecutive", timeouts)
					continue
				}
				s.log.Warn("Disconnecting slow WebSocket subscriber",
					"subscriber_id", s.id, "timeouts", timeouts)
				_ = s.conn.Close(websocket.StatusPolicyViolation, "write timeout")
			} else {
				s.log.Warn("Failed to send to WebSocket subscriber",
					"subscriber_id", s.id, "error", err)
			}
			// Cancelling unblocks the read loop so HandleConnection
			// returns and unregisters the subscriber.
			s.cancel()
			return
		}
	}
}
