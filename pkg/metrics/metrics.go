// Package metrics defines the Prometheus instruments shared by the pipeline
// processes. Collectors register on the default registry; each HTTP-facing
// process mounts Handler() at /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SpansAccepted counts spans appended to the span stream by the collector.
	SpansAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentstack_spans_accepted_total",
		Help: "Spans accepted at ingress and appended to the span stream.",
	})

	// SpansRejected counts spans discarded at ingress, by reason.
	SpansRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentstack_spans_rejected_total",
		Help: "Spans rejected at ingress.",
	}, []string{"reason"})

	// WorkerFlushes counts successful bulk flushes per consumer role.
	WorkerFlushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentstack_worker_flushes_total",
		Help: "Successful bulk inserts by consumer role.",
	}, []string{"role"})

	// WorkerFlushFailures counts failed bulk flushes per consumer role.
	WorkerFlushFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentstack_worker_flush_failures_total",
		Help: "Failed bulk inserts by consumer role.",
	}, []string{"role"})

	// SpilledSpans counts spans written to the local spill file.
	SpilledSpans = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentstack_spilled_spans_total",
		Help: "Spans moved from the in-memory buffer to the spill file.",
	})

	// DLQMessages counts messages moved to a dead-letter stream.
	DLQMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentstack_dlq_messages_total",
		Help: "Messages forwarded to a dead-letter stream.",
	}, []string{"stream"})

	// EvictedPending counts messages trimmed from a stream while still
	// pending for some consumer group. Each increment is data loss.
	EvictedPending = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentstack_evicted_pending_total",
		Help: "Pending messages lost to stream trimming.",
	}, []string{"stream"})

	// AlertsEmitted counts alerts produced by the security analyzer, by rule.
	AlertsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentstack_alerts_emitted_total",
		Help: "Security alerts emitted, by rule family.",
	}, []string{"rule"})

	// AlertsDropped counts alerts abandoned after exhausting live-stream
	// append attempts.
	AlertsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentstack_alerts_dropped_total",
		Help: "Alerts dropped after exhausting append attempts.",
	})

	// BroadcastDropped counts alerts dropped from subscriber queues.
	BroadcastDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentstack_broadcast_dropped_total",
		Help: "Alerts dropped from full subscriber queues.",
	})

	// BroadcastSubscribers tracks currently connected subscribers.
	BroadcastSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentstack_broadcast_subscribers",
		Help: "Currently connected broadcast subscribers.",
	})
)

// Handler returns the /metrics endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
