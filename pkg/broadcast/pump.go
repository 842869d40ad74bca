package broadcast

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentstack/pipeline/pkg/bus"
	"github.com/agentstack/pipeline/pkg/models"
)

const (
	// pumpBatchSize caps how many alerts one read returns.
	pumpBatchSize = 64

	// pumpBlock is how long a read blocks waiting for new alerts.
	pumpBlock = 2 * time.Second

	// pumpMaxBackoff caps the retry delay after read failures.
	pumpMaxBackoff = 30 * time.Second
)

// Pump moves alerts from the live stream into the Hub. Every process
// owns a dedicated consumer group (broadcast.<pod_id>) starting at the
// stream tail, so each replica sees every alert but none of the history.
type Pump struct {
	bus   *bus.EventBus
	hub   *Hub
	group string
	name  string
	log   *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu     sync.Mutex
	lastOK time.Time
}

// NewPump creates a pump feeding hub from the alert stream.
func NewPump(b *bus.EventBus, hub *Hub, podID string) *Pump {
	return &Pump{
		bus:    b,
		hub:    hub,
		group:  "broadcast." + podID,
		name:   podID,
		log:    slog.With("component", "broadcast_pump"),
		stopCh: make(chan struct{}),
	}
}

// Start creates the per-process group and launches the pump loop.
func (p *Pump) Start(ctx context.Context) error {
	if err := p.bus.CreateGroup(ctx, bus.StreamAlerts, p.group, bus.StartNewOnly); err != nil {
		return fmt.Errorf("failed to create broadcast group: %w", err)
	}

	p.log.Info("Broadcast pump starting", "group", p.group)
	p.wg.Add(1)
	go p.run(ctx)
	return nil
}

// Stop halts the pump loop and waits for it to exit. Queued alerts
// already handed to the hub keep draining through subscriber queues.
func (p *Pump) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
	p.log.Info("Broadcast pump stopped", "group", p.group)
}

// LastOK returns the time of the most recent successful stream read.
// Zero until the first read completes.
func (p *Pump) LastOK() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastOK
}

func (p *Pump) run(ctx context.Context) {
	defer p.wg.Done()

	backoff := time.Second
	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := p.bus.Read(ctx, bus.StreamAlerts, p.group, p.name, pumpBatchSize, pumpBlock)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Warn("Alert stream read failed, backing off",
				"group", p.group, "backoff", backoff, "error", err)
			select {
			case <-p.stopCh:
				return
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, pumpMaxBackoff)
			continue
		}
		backoff = time.Second
		p.noteOK()

		if len(msgs) == 0 {
			continue
		}

		ids := make([]string, 0, len(msgs))
		for _, msg := range msgs {
			ids = append(ids, msg.ID)
			alert, err := models.DecodeAlert(msg.Payload)
			if err != nil {
				p.log.Warn("Dropping undecodable alert",
					"stream_id", msg.ID, "error", err)
				continue
			}
			p.hub.Publish(alert.ProjectID, msg.Payload)
		}

		// The feed is live-only: acks happen right after publish, and a
		// failed ack merely risks a duplicate delivery on restart.
		if err := p.bus.Acknowledge(ctx, bus.StreamAlerts, p.group, ids...); err != nil {
			p.log.Warn("Failed to ack broadcast batch",
				"group", p.group, "count", len(ids), "error", err)
		}
	}
}

func (p *Pump) noteOK() {
	p.mu.Lock()
	p.lastOK = time.Now()
	p.mu.Unlock()
}
