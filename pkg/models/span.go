// Package models defines the span, alert, and cost records that flow through
// the pipeline, together with their validation rules and wire codecs.
package models

import "unicode"

// Span status values.
const (
	StatusOK    = "OK"
	StatusError = "ERROR"
	StatusUnset = "UNSET"
)

// Validation bounds for incoming spans.
const (
	MaxIDLength            = 128
	MaxAttributeCount      = 256
	MaxAttributeValueBytes = 8 * 1024
	MaxEventCount          = 128
)

// Span is one unit of agent work: an LLM call, a tool invocation, a memory
// read. Spans are immutable once accepted at ingress; project_id is assigned
// from the authenticated API key and client-supplied values are discarded.
type Span struct {
	SpanID       string            `json:"span_id" msgpack:"span_id"`
	TraceID      string            `json:"trace_id" msgpack:"trace_id"`
	ParentSpanID string            `json:"parent_span_id,omitempty" msgpack:"parent_span_id,omitempty"`
	ProjectID    string            `json:"project_id" msgpack:"project_id"`
	Name         string            `json:"name" msgpack:"name"`
	ServiceName  string            `json:"service_name" msgpack:"service_name"`
	Status       string            `json:"status" msgpack:"status"`
	StartTime    int64             `json:"start_time" msgpack:"start_time"`
	EndTime      int64             `json:"end_time" msgpack:"end_time"`
	DurationMS   float64           `json:"duration_ms" msgpack:"duration_ms"`
	Attributes   map[string]string `json:"attributes,omitempty" msgpack:"attributes,omitempty"`
	Events       []SpanEvent       `json:"events,omitempty" msgpack:"events,omitempty"`
}

// SpanEvent is a discrete occurrence recorded during a span's lifetime,
// such as a log line, a streaming chunk, or an exception.
type SpanEvent struct {
	Name        string            `json:"name" msgpack:"name"`
	TimestampNS int64             `json:"timestamp_ns" msgpack:"timestamp_ns"`
	Attributes  map[string]string `json:"attributes,omitempty" msgpack:"attributes,omitempty"`
}

// Normalize fills derived and defaulted fields: a zero duration is recomputed
// from the start/end timestamps and a missing status becomes UNSET.
func (s *Span) Normalize() {
	if s.DurationMS == 0 && s.EndTime > s.StartTime {
		s.DurationMS = float64(s.EndTime-s.StartTime) / 1e6
	}
	if s.Status == "" {
		s.Status = StatusUnset
	}
}

// Validate checks the span invariants. A violation rejects this span only,
// never the batch it arrived in.
func (s *Span) Validate() error {
	if err := validateID("span_id", s.SpanID); err != nil {
		return err
	}
	if err := validateID("trace_id", s.TraceID); err != nil {
		return err
	}
	if s.ParentSpanID != "" {
		if err := validateID("parent_span_id", s.ParentSpanID); err != nil {
			return err
		}
	}
	if s.Status != StatusOK && s.Status != StatusError && s.Status != StatusUnset {
		return NewValidationError("status", "must be one of OK, ERROR, UNSET")
	}
	if s.StartTime > s.EndTime {
		return NewValidationError("start_time", "start_time is after end_time")
	}
	if s.DurationMS != 0 {
		computed := float64(s.EndTime-s.StartTime) / 1e6
		if diff := s.DurationMS - computed; diff > 0.01 || diff < -0.01 {
			return NewValidationError("duration_ms", "does not match end_time - start_time")
		}
	}
	if len(s.Attributes) > MaxAttributeCount {
		return NewValidationError("attributes", "more than 256 entries")
	}
	for key, val := range s.Attributes {
		if len(val) > MaxAttributeValueBytes {
			return NewValidationError("attributes."+key, "value exceeds 8 KiB")
		}
	}
	if len(s.Events) > MaxEventCount {
		return NewValidationError("events", "more than 128 entries")
	}
	return nil
}

func validateID(field, val string) error {
	if val == "" {
		return NewValidationError(field, "must not be empty")
	}
	if len(val) > MaxIDLength {
		return NewValidationError(field, "longer than 128 characters")
	}
	for _, r := range val {
		if !unicode.IsPrint(r) {
			return NewValidationError(field, "contains non-printable characters")
		}
	}
	return nil
}
