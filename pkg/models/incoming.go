package models

import (
	"encoding/json"
	"strconv"
)

// IncomingSpan is the client-submitted span shape before attribute coercion.
// Attribute values may arrive as any JSON type; the wire contract downstream
// is string→string, so ToSpan coerces scalars to their canonical string form
// and JSON-encodes everything else.
type IncomingSpan struct {
	SpanID       string          `json:"span_id"`
	TraceID      string          `json:"trace_id"`
	ParentSpanID string          `json:"parent_span_id"`
	ProjectID    string          `json:"project_id"`
	Name         string          `json:"name"`
	ServiceName  string          `json:"service_name"`
	Status       string          `json:"status"`
	StartTime    int64           `json:"start_time"`
	EndTime      int64           `json:"end_time"`
	DurationMS   float64         `json:"duration_ms"`
	Attributes   map[string]any  `json:"attributes"`
	Events       []IncomingEvent `json:"events"`
}

// IncomingEvent is the client-submitted event shape before coercion.
type IncomingEvent struct {
	Name        string         `json:"name"`
	TimestampNS int64          `json:"timestamp_ns"`
	Attributes  map[string]any `json:"attributes"`
}

// ToSpan converts the incoming shape into the canonical Span. The result is
// not yet normalized or validated.
func (in *IncomingSpan) ToSpan() *Span {
	s := &Span{
		SpanID:       in.SpanID,
		TraceID:      in.TraceID,
		ParentSpanID: in.ParentSpanID,
		ProjectID:    in.ProjectID,
		Name:         in.Name,
		ServiceName:  in.ServiceName,
		Status:       in.Status,
		StartTime:    in.StartTime,
		EndTime:      in.EndTime,
		DurationMS:   in.DurationMS,
		Attributes:   CoerceAttributes(in.Attributes),
	}
	if len(in.Events) > 0 {
		s.Events = make([]SpanEvent, len(in.Events))
		for i, ev := range in.Events {
			s.Events[i] = SpanEvent{
				Name:        ev.Name,
				TimestampNS: ev.TimestampNS,
				Attributes:  CoerceAttributes(ev.Attributes),
			}
		}
	}
	return s
}

// CoerceAttributes converts arbitrarily typed attribute values to strings:
// scalars take their canonical text form, everything else is JSON-encoded.
func CoerceAttributes(raw map[string]any) map[string]string {
	if len(raw) == 0 {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		out[k] = coerceValue(v)
	}
	return out
}

func coerceValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case json.Number:
		return val.String()
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		// nil, objects, arrays
		b, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
