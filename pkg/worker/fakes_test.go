package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/agentstack/pipeline/pkg/bus"
	"github.com/agentstack/pipeline/pkg/columnar"
	"github.com/agentstack/pipeline/pkg/config"
	"github.com/agentstack/pipeline/pkg/models"
)

var errStoreDown = errors.New("store down")

// fakeStore implements the three columnar inserters with switchable
// failures. Safe for concurrent use: consumer goroutines insert while the
// test inspects.
type fakeStore struct {
	mu         sync.Mutex
	spans      []columnar.SpanRow
	alerts     []columnar.AlertRow
	costs      []columnar.CostRow
	failSpans  bool
	failAlerts bool
	failCosts  bool
	spanCalls  int
}

func (f *fakeStore) InsertSpans(_ context.Context, rows []columnar.SpanRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spanCalls++
	if f.failSpans {
		return errStoreDown
	}
	f.spans = append(f.spans, rows...)
	return nil
}

func (f *fakeStore) InsertAlerts(_ context.Context, rows []columnar.AlertRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAlerts {
		return errStoreDown
	}
	f.alerts = append(f.alerts, rows...)
	return nil
}

func (f *fakeStore) InsertCostMetrics(_ context.Context, rows []columnar.CostRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCosts {
		return errStoreDown
	}
	f.costs = append(f.costs, rows...)
	return nil
}

func (f *fakeStore) setFailSpans(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failSpans = v
}

func (f *fakeStore) setFailAlerts(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failAlerts = v
}

func (f *fakeStore) spanCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.spans)
}

func (f *fakeStore) alertCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.alerts)
}

func (f *fakeStore) costCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.costs)
}

// failingSink always fails the live-stream append.
type failingSink struct{}

func (failingSink) Append(context.Context, string, []byte) (string, error) {
	return "", bus.ErrUnavailable
}

func testWorkerConfig() *config.WorkerConfig {
	cfg := config.DefaultWorkerConfig()
	cfg.BatchSize = 3
	cfg.FlushInterval = 20 * time.Millisecond
	cfg.PollInterval = 10 * time.Millisecond
	cfg.PollJitter = 2 * time.Millisecond
	// Keep the maintenance cycle out of tests unless they opt in.
	cfg.ClaimMinIdle = time.Hour
	cfg.ClaimInterval = time.Hour
	return cfg
}

func newWorkerTestBus(t *testing.T) (*bus.EventBus, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return bus.NewWithClient(client, 1000), client
}

func sampleSpan(t *testing.T, spanID string, attrs map[string]string) *models.Span {
	t.Helper()
	return &models.Span{
		SpanID:      spanID,
		TraceID:     "trace-1",
		ProjectID:   "proj_a",
		Name:        "llm.chat",
		ServiceName: "agent",
		Status:      models.StatusOK,
		StartTime:   1_700_000_000_123_456_789,
		EndTime:     1_700_000_000_373_456_789,
		DurationMS:  250,
		Attributes:  attrs,
	}
}

func encodedSpan(t *testing.T, span *models.Span) []byte {
	t.Helper()
	payload, err := models.EncodeSpan(span)
	if err != nil {
		t.Fatalf("encode span: %v", err)
	}
	return payload
}

func spanMessage(t *testing.T, id string, span *models.Span) bus.Message {
	t.Helper()
	return bus.Message{Stream: bus.StreamSpans, ID: id, Payload: encodedSpan(t, span)}
}

func spanMessageRaw(id string, payload []byte) bus.Message {
	return bus.Message{Stream: bus.StreamSpans, ID: id, Payload: payload}
}
