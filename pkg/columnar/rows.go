package columnar

import (
	"encoding/json"
	"time"

	"github.com/agentstack/pipeline/pkg/models"
)

// SpanRow is one row of the spans table.
type SpanRow struct {
	SpanID       string
	TraceID      string
	ParentSpanID string
	ProjectID    string
	Name         string
	ServiceName  string
	Status       string
	StartTime    time.Time
	EndTime      time.Time
	DurationMS   float64
	Attributes   map[string]string
	Events       string
}

// AlertRow is one row of the security_alerts table.
type AlertRow struct {
	ID          string
	ProjectID   string
	TraceID     string
	SpanID      string
	RuleName    string
	Severity    string
	Score       float64
	Description string
	Evidence    string
	CreatedAt   time.Time
}

// CostRow is one row of the cost_metrics table.
type CostRow struct {
	ProjectID        string
	Model            string
	SpanKind         string
	Timestamp        time.Time
	PromptTokens     uint64
	CompletionTokens uint64
	TotalTokens      uint64
	CostUSD          float64
}

// NewSpanRow converts a validated span into its storage row. Events are
// stored as a JSON string; the attribute map passes through unchanged.
func NewSpanRow(s *models.Span) SpanRow {
	attrs := s.Attributes
	if attrs == nil {
		attrs = map[string]string{}
	}
	events := "[]"
	if len(s.Events) > 0 {
		if b, err := json.Marshal(s.Events); err == nil {
			events = string(b)
		}
	}
	return SpanRow{
		SpanID:       s.SpanID,
		TraceID:      s.TraceID,
		ParentSpanID: s.ParentSpanID,
		ProjectID:    s.ProjectID,
		Name:         s.Name,
		ServiceName:  s.ServiceName,
		Status:       s.Status,
		StartTime:    time.Unix(0, s.StartTime).UTC(),
		EndTime:      time.Unix(0, s.EndTime).UTC(),
		DurationMS:   s.DurationMS,
		Attributes:   attrs,
		Events:       events,
	}
}

// NewAlertRow converts an alert into its storage row.
func NewAlertRow(a *models.Alert) AlertRow {
	return AlertRow{
		ID:          a.ID,
		ProjectID:   a.ProjectID,
		TraceID:     a.TraceID,
		SpanID:      a.SpanID,
		RuleName:    a.RuleName,
		Severity:    string(a.Severity),
		Score:       a.Score,
		Description: a.Description,
		Evidence:    a.Evidence,
		CreatedAt:   a.CreatedAt.UTC(),
	}
}

// NewCostRow converts a cost metric into its storage row.
func NewCostRow(m *models.CostMetric) CostRow {
	return CostRow{
		ProjectID:        m.ProjectID,
		Model:            m.Model,
		SpanKind:         m.SpanKind,
		Timestamp:        m.Timestamp.UTC(),
		PromptTokens:     uint64(m.PromptTokens),
		CompletionTokens: uint64(m.CompletionTokens),
		TotalTokens:      uint64(m.TotalTokens),
		CostUSD:          m.CostUSD,
	}
}
