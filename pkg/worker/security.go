package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/agentstack/pipeline/pkg/bus"
	"github.com/agentstack/pipeline/pkg/columnar"
	"github.com/agentstack/pipeline/pkg/config"
	"github.com/agentstack/pipeline/pkg/metrics"
	"github.com/agentstack/pipeline/pkg/models"
	"github.com/agentstack/pipeline/pkg/rules"
)

// maxAlertPublishAttempts is how many flushes an alert survives failing to
// reach the live stream. Past it the alert is persisted but never
// broadcast, so one bad stream cannot block span acknowledgment forever.
const maxAlertPublishAttempts = 5

// AlertSink is the part of the event bus the analyzer publishes live
// alerts to.
type AlertSink interface {
	Append(ctx context.Context, stream string, payload []byte) (string, error)
}

// AlertInserter is the columnar surface the analyzer persists alerts to.
type AlertInserter interface {
	InsertAlerts(ctx context.Context, rows []columnar.AlertRow) error
}

type pendingAlert struct {
	alert    *models.Alert
	attempts int
}

// Analyzer is the security role: every span runs through the rule pipeline;
// resulting alerts go to the live stream and the columnar alerts table. A
// span's source message is released for acknowledgment only once its alerts
// have reached both sinks or been dropped deliberately.
type Analyzer struct {
	rules *rules.Pipeline
	sink  AlertSink
	store AlertInserter
	batch int
	log   *slog.Logger

	ids    []string
	outbox []pendingAlert
	rows   []columnar.AlertRow
}

// NewAnalyzer builds the security engine.
func NewAnalyzer(sink AlertSink, store AlertInserter, cfg *config.WorkerConfig) *Analyzer {
	return &Analyzer{
		rules: rules.NewPipeline(),
		sink:  sink,
		store: store,
		batch: cfg.BatchSize,
		log:   slog.With("component", "worker", "role", RoleSecurity),
	}
}

func (a *Analyzer) Role() string   { return RoleSecurity }
func (a *Analyzer) Stream() string { return bus.StreamSpans }
func (a *Analyzer) Group() string  { return GroupSecurity }
func (a *Analyzer) Start() string  { return bus.StartFromOldest }

func (a *Analyzer) Process(_ context.Context, msg bus.Message) error {
	span, err := models.DecodeSpan(msg.Payload)
	if err != nil {
		return fmt.Errorf("failed to decode span %s: %v: %w", msg.ID, err, ErrPoison)
	}
	a.ids = append(a.ids, msg.ID)
	for _, alert := range a.rules.Analyze(span) {
		metrics.AlertsEmitted.WithLabelValues(alert.RuleName).Inc()
		a.outbox = append(a.outbox, pendingAlert{alert: alert})
	}
	return nil
}

func (a *Analyzer) Buffered() int     { return len(a.ids) }
func (a *Analyzer) ShouldFlush() bool { return len(a.ids) >= a.batch }

func (a *Analyzer) Flush(ctx context.Context) ([]string, error) {
	if err := a.publishOutbox(ctx); err != nil {
		return nil, err
	}
	if len(a.rows) > 0 {
		if err := a.store.InsertAlerts(ctx, a.rows); err != nil {
			return nil, fmt.Errorf("failed to insert %d alerts: %w", len(a.rows), err)
		}
		a.rows = nil
	}
	ids := a.ids
	a.ids = nil
	return ids, nil
}

// publishOutbox appends buffered alerts to the live stream. Published
// alerts move to the persistence buffer; alerts failing the append
// maxAlertPublishAttempts times are dropped from broadcast with a WARN but
// still persisted.
func (a *Analyzer) publishOutbox(ctx context.Context) error {
	var remaining []pendingAlert
	var firstErr error
	for _, pa := range a.outbox {
		payload, err := models.EncodeAlert(pa.alert)
		if err != nil {
			// Alerts are produced locally; an unencodable one is a bug.
			// Keep the durable record, skip the broadcast.
			a.log.Error("Failed to encode alert for live stream", "alert_id", pa.alert.ID, "error", err)
			metrics.AlertsDropped.Inc()
			a.rows = append(a.rows, columnar.NewAlertRow(pa.alert))
			continue
		}
		if _, err := a.sink.Append(ctx, bus.StreamAlerts, payload); err != nil {
			pa.attempts++
			if pa.attempts >= maxAlertPublishAttempts {
				a.log.Warn("Dropping alert from live stream after repeated append failures",
					"alert_id", pa.alert.ID,
					"rule", pa.alert.RuleName,
					"attempts", pa.attempts,
					"error", err)
				metrics.AlertsDropped.Inc()
				a.rows = append(a.rows, columnar.NewAlertRow(pa.alert))
				continue
			}
			if firstErr == nil {
				firstErr = err
			}
			remaining = append(remaining, pa)
			continue
		}
		a.rows = append(a.rows, columnar.NewAlertRow(pa.alert))
	}
	a.outbox = remaining
	if firstErr != nil {
		return fmt.Errorf("failed to publish %d alerts to %s: %w", len(remaining), bus.StreamAlerts, firstErr)
	}
	return nil
}
