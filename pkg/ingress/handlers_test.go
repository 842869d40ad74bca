package ingress

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentstack/pipeline/pkg/bus"
	"github.com/agentstack/pipeline/pkg/config"
	"github.com/agentstack/pipeline/pkg/keydir"
	"github.com/agentstack/pipeline/pkg/models"
)

const (
	testKey = "ak_live_0123456789abcdefghij"

	// Low iteration count keeps the pbkdf2 slow path fast in tests.
	testKeyIterations = 1000
)

type stubKeySource struct {
	keys    []keydir.ProjectKey
	err     error
	pingErr error
}

func (s *stubKeySource) LookupAllProjectKeys(ctx context.Context) ([]keydir.ProjectKey, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.keys, nil
}

func (s *stubKeySource) Ping(ctx context.Context) error { return s.pingErr }

func testKeySource(t *testing.T) *stubKeySource {
	t.Helper()
	verifier, err := keydir.HashKey(testKey, testKeyIterations)
	require.NoError(t, err)
	return &stubKeySource{keys: []keydir.ProjectKey{{ProjectID: "proj_a", VerifierHash: verifier}}}
}

func newTestServer(t *testing.T) (*Server, *redis.Client) {
	t.Helper()
	return newServerWith(t, config.DefaultIngressConfig(), testKeySource(t))
}

func newServerWith(t *testing.T, cfg *config.IngressConfig, source *stubKeySource) (*Server, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewServer(cfg, keydir.New(source), bus.NewWithClient(client, 1000)), client
}

func postTraces(t *testing.T, s *Server, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/traces", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func authHeader() map[string]string {
	return map[string]string{headerAPIKey: testKey}
}

func ingestSpan(spanID string) map[string]any {
	return map[string]any{
		"span_id":      spanID,
		"trace_id":     "trace-1",
		"name":         "llm.chat",
		"service_name": "agent",
		"status":       "OK",
		"start_time":   1_700_000_000_000_000_000,
		"end_time":     1_700_000_000_250_000_000,
	}
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func decodeIngest(t *testing.T, rec *httptest.ResponseRecorder) IngestResponse {
	t.Helper()
	var resp IngestResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

// streamSpans decodes every span currently on the span stream.
func streamSpans(t *testing.T, client *redis.Client) []*models.Span {
	t.Helper()
	entries, err := client.XRange(context.Background(), bus.StreamSpans, "-", "+").Result()
	require.NoError(t, err)
	spans := make([]*models.Span, 0, len(entries))
	for _, entry := range entries {
		payload, ok := entry.Values["data"].(string)
		require.True(t, ok, "stream entry missing data field")
		span, err := models.DecodeSpan([]byte(payload))
		require.NoError(t, err)
		spans = append(spans, span)
	}
	return spans
}

func TestIngest_BodyShapes(t *testing.T) {
	t.Run("envelope object", func(t *testing.T) {
		s, client := newTestServer(t)
		body := mustJSON(t, map[string]any{"spans": []any{ingestSpan("span-1"), ingestSpan("span-2")}})

		rec := postTraces(t, s, body, authHeader())

		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
		resp := decodeIngest(t, rec)
		assert.Equal(t, "accepted", resp.Status)
		assert.Equal(t, 2, resp.SpansQueued)
		assert.Len(t, streamSpans(t, client), 2)
	})

	t.Run("bare array", func(t *testing.T) {
		s, client := newTestServer(t)
		body := mustJSON(t, []any{ingestSpan("span-1")})

		rec := postTraces(t, s, body, authHeader())

		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
		assert.Equal(t, 1, decodeIngest(t, rec).SpansQueued)
		assert.Len(t, streamSpans(t, client), 1)
	})

	t.Run("single object", func(t *testing.T) {
		s, client := newTestServer(t)
		body := mustJSON(t, ingestSpan("span-1"))

		rec := postTraces(t, s, body, authHeader())

		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
		assert.Equal(t, 1, decodeIngest(t, rec).SpansQueued)
		assert.Len(t, streamSpans(t, client), 1)
	})
}

func TestIngest_ProjectIDAlwaysFromKey(t *testing.T) {
	s, client := newTestServer(t)
	span := ingestSpan("span-1")
	span["project_id"] = "proj_spoofed"

	rec := postTraces(t, s, mustJSON(t, span), authHeader())

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	spans := streamSpans(t, client)
	require.Len(t, spans, 1)
	assert.Equal(t, "proj_a", spans[0].ProjectID)
}

func TestIngest_AttributeCoercion(t *testing.T) {
	s, client := newTestServer(t)
	span := ingestSpan("span-1")
	span["attributes"] = map[string]any{
		"str":    "plain",
		"int":    7,
		"float":  2.5,
		"bool":   true,
		"object": map[string]any{"a": 1},
		"array":  []any{1, 2},
	}

	rec := postTraces(t, s, mustJSON(t, span), authHeader())

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	spans := streamSpans(t, client)
	require.Len(t, spans, 1)
	attrs := spans[0].Attributes
	assert.Equal(t, "plain", attrs["str"])
	assert.Equal(t, "7", attrs["int"])
	assert.Equal(t, "2.5", attrs["float"])
	assert.Equal(t, "true", attrs["bool"])
	assert.JSONEq(t, `{"a":1}`, attrs["object"])
	assert.JSONEq(t, `[1,2]`, attrs["array"])
}

func TestIngest_NormalizesDuration(t *testing.T) {
	s, client := newTestServer(t)

	rec := postTraces(t, s, mustJSON(t, ingestSpan("span-1")), authHeader())

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	spans := streamSpans(t, client)
	require.Len(t, spans, 1)
	assert.InDelta(t, 250.0, spans[0].DurationMS, 1e-9)
}

func TestIngest_InvalidSpansSkipped(t *testing.T) {
	s, client := newTestServer(t)
	invalid := ingestSpan("span-2")
	invalid["span_id"] = ""
	body := mustJSON(t, []any{ingestSpan("span-1"), invalid})

	rec := postTraces(t, s, body, authHeader())

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, 1, decodeIngest(t, rec).SpansQueued)
	assert.Len(t, streamSpans(t, client), 1)
}

func TestIngest_AuthFailures(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
	}{
		{name: "missing key", headers: nil},
		{name: "malformed key", headers: map[string]string{headerAPIKey: "ak_x"}},
		{name: "unknown key", headers: map[string]string{headerAPIKey: "ak_live_zzzzzzzzzzzzzzzzzzzz"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, client := newTestServer(t)

			rec := postTraces(t, s, mustJSON(t, ingestSpan("span-1")), tt.headers)

			require.Equal(t, http.StatusUnauthorized, rec.Code, rec.Body.String())
			assert.Equal(t, codeUnauthorized, decodeError(t, rec).Error)
			assert.Empty(t, streamSpans(t, client), "no span may reach the stream unauthenticated")
		})
	}
}

func TestIngest_KeyStoreOutage(t *testing.T) {
	cfg := config.DefaultIngressConfig()
	s, _ := newServerWith(t, cfg, &stubKeySource{err: errors.New("connection refused")})

	rec := postTraces(t, s, mustJSON(t, ingestSpan("span-1")), authHeader())

	require.Equal(t, http.StatusServiceUnavailable, rec.Code, rec.Body.String())
	assert.Equal(t, codeUnavailable, decodeError(t, rec).Error)
	assert.Equal(t, "5", rec.Header().Get("Retry-After"))
}

func TestIngest_BusOutage(t *testing.T) {
	s, client := newTestServer(t)
	require.NoError(t, client.Close())

	rec := postTraces(t, s, mustJSON(t, ingestSpan("span-1")), authHeader())

	require.Equal(t, http.StatusServiceUnavailable, rec.Code, rec.Body.String())
	assert.Equal(t, codeUnavailable, decodeError(t, rec).Error)
	assert.Equal(t, "5", rec.Header().Get("Retry-After"))
}

func TestIngest_BadRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "undecodable json", body: "{not json"},
		{name: "empty body", body: ""},
		{name: "wrong top-level type", body: `42`},
		{name: "empty array", body: `[]`},
		{name: "empty envelope", body: `{"spans":[]}`},
		{name: "all spans invalid", body: `[{"trace_id":"trace-1"}]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, client := newTestServer(t)

			rec := postTraces(t, s, []byte(tt.body), authHeader())

			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			assert.Equal(t, codeBadRequest, decodeError(t, rec).Error)
			assert.Empty(t, streamSpans(t, client))
		})
	}
}

func TestIngest_BodyLimit(t *testing.T) {
	t.Run("exactly at the limit is accepted", func(t *testing.T) {
		body := mustJSON(t, ingestSpan("span-1"))
		cfg := config.DefaultIngressConfig()
		cfg.MaxBodyBytes = int64(len(body))
		s, _ := newServerWith(t, cfg, testKeySource(t))

		rec := postTraces(t, s, body, authHeader())

		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	})

	t.Run("one byte over is rejected", func(t *testing.T) {
		body := mustJSON(t, ingestSpan("span-1"))
		cfg := config.DefaultIngressConfig()
		cfg.MaxBodyBytes = int64(len(body)) - 1
		s, _ := newServerWith(t, cfg, testKeySource(t))

		rec := postTraces(t, s, body, authHeader())

		require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code, rec.Body.String())
		assert.Equal(t, codeTooLarge, decodeError(t, rec).Error)
	})

	t.Run("oversize wins over missing key", func(t *testing.T) {
		cfg := config.DefaultIngressConfig()
		cfg.MaxBodyBytes = 16
		s, _ := newServerWith(t, cfg, testKeySource(t))

		rec := postTraces(t, s, mustJSON(t, ingestSpan("span-1")), nil)

		require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code, rec.Body.String())
	})
}

func gzipBytes(t *testing.T, b []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write(b)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestIngest_GzipBody(t *testing.T) {
	// Padded so the compressed form stays far below the inflated size.
	paddedSpan := func() map[string]any {
		span := ingestSpan("span-1")
		span["attributes"] = map[string]any{"payload": strings.Repeat("x", 8192)}
		return span
	}
	gzipHeaders := func() map[string]string {
		h := authHeader()
		h["Content-Encoding"] = "gzip"
		return h
	}

	t.Run("inflated exactly at the limit is accepted", func(t *testing.T) {
		body := mustJSON(t, paddedSpan())
		cfg := config.DefaultIngressConfig()
		cfg.MaxBodyBytes = int64(len(body))
		s, client := newServerWith(t, cfg, testKeySource(t))

		rec := postTraces(t, s, gzipBytes(t, body), gzipHeaders())

		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
		assert.Len(t, streamSpans(t, client), 1)
	})

	t.Run("inflated one byte over is rejected", func(t *testing.T) {
		body := mustJSON(t, paddedSpan())
		cfg := config.DefaultIngressConfig()
		cfg.MaxBodyBytes = int64(len(body)) - 1
		s, _ := newServerWith(t, cfg, testKeySource(t))

		rec := postTraces(t, s, gzipBytes(t, body), gzipHeaders())

		require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code, rec.Body.String())
	})

	t.Run("corrupt gzip is rejected", func(t *testing.T) {
		s, _ := newTestServer(t)

		rec := postTraces(t, s, []byte("definitely not gzip"), gzipHeaders())

		require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	})
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestReady(t *testing.T) {
	getReady := func(s *Server) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/ready", nil)
		rec := httptest.NewRecorder()
		s.echo.ServeHTTP(rec, req)
		return rec
	}

	t.Run("cold start probes both dependencies", func(t *testing.T) {
		s, _ := newTestServer(t)

		rec := getReady(s)

		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var resp ReadyResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.True(t, resp.Ready)
	})

	t.Run("recent ingest success skips the probe", func(t *testing.T) {
		s, client := newTestServer(t)
		rec := postTraces(t, s, mustJSON(t, ingestSpan("span-1")), authHeader())
		require.Equal(t, http.StatusAccepted, rec.Code)

		// Both probes would fail now; freshness must carry the answer.
		require.NoError(t, client.Close())

		rec = getReady(s)
		assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	})

	t.Run("unreachable key store reports unready", func(t *testing.T) {
		source := testKeySource(t)
		source.pingErr = errors.New("connection refused")
		s, _ := newServerWith(t, config.DefaultIngressConfig(), source)

		rec := getReady(s)

		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
		var resp ReadyResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.False(t, resp.Ready)
	})

	t.Run("unreachable bus reports unready", func(t *testing.T) {
		s, client := newTestServer(t)
		require.NoError(t, client.Close())

		rec := getReady(s)

		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "agentstack_")
}
