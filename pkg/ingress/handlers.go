package ingress

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/agentstack/pipeline/pkg/bus"
	"github.com/agentstack/pipeline/pkg/metrics"
	"github.com/agentstack/pipeline/pkg/models"
)

// ingestHandler handles POST /v1/traces.
// The step order is deliberate: the body is bounded and decoded before the
// key is resolved, and the key is resolved exactly once per request before
// any span touches the stream.
func (s *Server) ingestHandler(c *echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), s.cfg.RequestTimeout)
	defer cancel()

	// 1. Bounded body read; the ceiling applies to the decompressed size.
	body, err := s.readBody(c)
	if err != nil {
		return s.respondError(c, err)
	}

	// 2. Decode whichever of the three accepted shapes the client sent.
	incoming, err := decodeSpans(body)
	if err != nil {
		return s.respondError(c, err)
	}

	// 3. Resolve the key once for the whole batch.
	projectID, err := s.resolveKey(ctx, c.Request().Header.Get(headerAPIKey))
	if err != nil {
		return s.respondError(c, err)
	}

	// 4. Validate, stamp, encode, and append each span on its own; one bad
	// span never rejects its batch.
	accepted := 0
	var busErr error
	for i := range incoming {
		span := incoming[i].ToSpan()
		span.ProjectID = projectID // client-supplied project ids are never trusted
		span.Normalize()
		if err := span.Validate(); err != nil {
			metrics.SpansRejected.WithLabelValues("validation").Inc()
			s.log.Debug("Rejected span", "span_id", span.SpanID, "error", err)
			continue
		}

		payload, err := models.EncodeSpan(span)
		if err != nil {
			metrics.SpansRejected.WithLabelValues("encoding").Inc()
			s.log.Warn("Failed to encode span", "span_id", span.SpanID, "error", err)
			continue
		}

		if _, err := s.bus.Append(ctx, bus.StreamSpans, payload); err != nil {
			busErr = err
			metrics.SpansRejected.WithLabelValues("bus").Inc()
			s.log.Warn("Failed to append span to stream",
				"span_id", span.SpanID, "project_id", projectID, "error", err)
			if ctx.Err() != nil {
				// Deadline expired mid-batch; answer with the partial count.
				break
			}
			continue
		}
		metrics.SpansAccepted.Inc()
		accepted++
	}

	if accepted == 0 {
		if busErr != nil {
			return s.respondError(c, busErr)
		}
		return s.respondError(c, errNoValidSpans)
	}

	s.markBusOK()
	return c.JSON(http.StatusAccepted, IngestResponse{Status: "accepted", SpansQueued: accepted})
}

// healthHandler handles GET /health. Liveness only: the process is up.
func (s *Server) healthHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// readyHandler handles GET /ready. The process is ready when both the key
// directory and the event bus have served a successful operation within the
// readiness window; stale dependencies are probed once before answering.
func (s *Server) readyHandler(c *echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	busOK, keysOK := s.recentSuccess()
	if !busOK {
		if err := s.bus.Ping(ctx); err != nil {
			s.log.Warn("Readiness probe failed", "dependency", "bus", "error", err)
			return c.JSON(http.StatusServiceUnavailable, ReadyResponse{Ready: false})
		}
		s.markBusOK()
	}
	if !keysOK {
		if err := s.keys.Ping(ctx); err != nil {
			s.log.Warn("Readiness probe failed", "dependency", "keydir", "error", err)
			return c.JSON(http.StatusServiceUnavailable, ReadyResponse{Ready: false})
		}
		s.markKeysOK()
	}
	return c.JSON(http.StatusOK, ReadyResponse{Ready: true})
}

// readBody reads the request body under the configured ceiling, inflating
// gzip under the same ceiling. A body exactly at the limit is accepted.
func (s *Server) readBody(c *echo.Context) ([]byte, error) {
	limit := s.cfg.MaxBodyBytes
	raw, err := io.ReadAll(io.LimitReader(c.Request().Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %v: %w", err, errBadPayload)
	}
	if int64(len(raw)) > limit {
		return nil, errBodyTooLarge
	}

	if !strings.EqualFold(c.Request().Header.Get("Content-Encoding"), "gzip") {
		return raw, nil
	}

	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to open gzip body: %v: %w", err, errBadPayload)
	}
	defer zr.Close()

	inflated, err := io.ReadAll(io.LimitReader(zr, limit+1))
	if err != nil {
		return nil, fmt.Errorf("failed to inflate gzip body: %v: %w", err, errBadPayload)
	}
	if int64(len(inflated)) > limit {
		return nil, errBodyTooLarge
	}
	return inflated, nil
}

// spanEnvelope is the {"spans": [...]} request shape.
type spanEnvelope struct {
	Spans []models.IncomingSpan `json:"spans"`
}

// decodeSpans accepts the three supported body shapes: an envelope object,
// a bare array, or a single span object.
func decodeSpans(body []byte) ([]models.IncomingSpan, error) {
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty request body: %w", errBadPayload)
	}

	if trimmed[0] == '[' {
		var spans []models.IncomingSpan
		if err := unmarshalSpans(trimmed, &spans); err != nil {
			return nil, err
		}
		return spans, nil
	}

	var env spanEnvelope
	if err := unmarshalSpans(trimmed, &env); err != nil {
		return nil, err
	}
	if env.Spans != nil {
		return env.Spans, nil
	}

	var one models.IncomingSpan
	if err := unmarshalSpans(trimmed, &one); err != nil {
		return nil, err
	}
	return []models.IncomingSpan{one}, nil
}

// unmarshalSpans decodes with UseNumber so numeric attribute values keep
// their canonical text form through coercion.
func unmarshalSpans(b []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("failed to decode request: %v: %w", err, errBadPayload)
	}
	return nil
}

// resolveKey authenticates the presented key and returns its project id.
func (s *Server) resolveKey(ctx context.Context, presented string) (string, error) {
	if presented == "" {
		return "", errMissingKey
	}
	projectID, err := s.keys.Resolve(ctx, presented)
	if err != nil {
		return "", err
	}
	s.markKeysOK()
	return projectID, nil
}
