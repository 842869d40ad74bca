package broadcast

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentstack/pipeline/pkg/bus"
	"github.com/agentstack/pipeline/pkg/models"
)

func newBroadcastTestBus(t *testing.T) (*bus.EventBus, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return bus.NewWithClient(client, 1000), client
}

func sampleAlert(project string) *models.Alert {
	return &models.Alert{
		ID:          "alert-1",
		ProjectID:   project,
		TraceID:     "trace-1",
		SpanID:      "span-1",
		RuleName:    "prompt_injection",
		Severity:    models.SeverityHigh,
		Score:       80,
		Description: "Injection pattern in prompt",
		Evidence:    "ignore previous instructions",
		CreatedAt:   time.Unix(1_700_000_000, 0).UTC(),
	}
}

func appendAlert(t *testing.T, b *bus.EventBus, alert *models.Alert) {
	t.Helper()
	payload, err := models.EncodeAlert(alert)
	require.NoError(t, err)
	_, err = b.Append(context.Background(), bus.StreamAlerts, payload)
	require.NoError(t, err)
}

func startedPump(t *testing.T, b *bus.EventBus, h *Hub, podID string) *Pump {
	t.Helper()
	p := NewPump(b, h, podID)
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(p.Stop)
	return p
}

func TestPump_ForwardsAlertsToHub(t *testing.T) {
	ctx := context.Background()
	b, client := newBroadcastTestBus(t)
	h := NewHub(testBroadcastConfig())

	conn := newMockConn()
	startSubscriber(t, h, conn, "")
	startedPump(t, b, h, "pod-test")

	appendAlert(t, b, sampleAlert("proj_a"))

	require.Eventually(t, func() bool {
		return conn.writeCount() == 1
	}, 3*time.Second, 10*time.Millisecond)

	alert, err := models.DecodeAlert([]byte(conn.written()[0]))
	require.NoError(t, err)
	assert.Equal(t, "proj_a", alert.ProjectID)
	assert.Equal(t, "prompt_injection", alert.RuleName)
	assert.Equal(t, models.SeverityHigh, alert.Severity)

	// Delivered alerts get acked.
	require.Eventually(t, func() bool {
		pending, err := client.XPending(ctx, bus.StreamAlerts, "broadcast.pod-test").Result()
		return err == nil && pending.Count == 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestPump_StartNewOnlySkipsHistory(t *testing.T) {
	b, _ := newBroadcastTestBus(t)
	h := NewHub(testBroadcastConfig())

	conn := newMockConn()
	startSubscriber(t, h, conn, "")

	old := sampleAlert("proj_old")
	appendAlert(t, b, old)

	startedPump(t, b, h, "pod-test")

	fresh := sampleAlert("proj_new")
	appendAlert(t, b, fresh)

	require.Eventually(t, func() bool {
		return conn.writeCount() == 1
	}, 3*time.Second, 10*time.Millisecond)

	alert, err := models.DecodeAlert([]byte(conn.written()[0]))
	require.NoError(t, err)
	assert.Equal(t, "proj_new", alert.ProjectID)
}

func TestPump_SkipsUndecodableAlert(t *testing.T) {
	ctx := context.Background()
	b, client := newBroadcastTestBus(t)
	h := NewHub(testBroadcastConfig())

	conn := newMockConn()
	startSubscriber(t, h, conn, "")
	startedPump(t, b, h, "pod-test")

	_, err := b.Append(ctx, bus.StreamAlerts, []byte("not an alert"))
	require.NoError(t, err)
	appendAlert(t, b, sampleAlert("proj_a"))

	require.Eventually(t, func() bool {
		return conn.writeCount() == 1
	}, 3*time.Second, 10*time.Millisecond)

	alert, err := models.DecodeAlert([]byte(conn.written()[0]))
	require.NoError(t, err)
	assert.Equal(t, "proj_a", alert.ProjectID)

	// The junk entry is acked, not redelivered forever.
	require.Eventually(t, func() bool {
		pending, err := client.XPending(ctx, bus.StreamAlerts, "broadcast.pod-test").Result()
		return err == nil && pending.Count == 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestPump_EachPodSeesEveryAlert(t *testing.T) {
	b, _ := newBroadcastTestBus(t)

	hubA := NewHub(testBroadcastConfig())
	hubB := NewHub(testBroadcastConfig())
	connA := newMockConn()
	connB := newMockConn()
	startSubscriber(t, hubA, connA, "")
	startSubscriber(t, hubB, connB, "")
	startedPump(t, b, hubA, "pod-a")
	startedPump(t, b, hubB, "pod-b")

	appendAlert(t, b, sampleAlert("proj_a"))

	require.Eventually(t, func() bool {
		return connA.writeCount() == 1 && connB.writeCount() == 1
	}, 3*time.Second, 10*time.Millisecond)
}

func TestPump_StartFailsWhenBusDown(t *testing.T) {
	b, client := newBroadcastTestBus(t)
	require.NoError(t, client.Close())

	p := NewPump(b, NewHub(testBroadcastConfig()), "pod-test")
	err := p.Start(context.Background())
	assert.ErrorIs(t, err, bus.ErrUnavailable)
}
