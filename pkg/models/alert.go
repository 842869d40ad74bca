package models

import "time"

// Severity classifies an alert, ordered LOW < MEDIUM < HIGH < CRITICAL.
type Severity string

// Alert severities.
const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Rank returns the ordering position of the severity; unknown values rank 0.
func (s Severity) Rank() int {
	return severityRank[s]
}

// SeverityForScore maps a rule score to a severity. Scores below the
// suppression threshold return ok=false and produce no alert.
func SeverityForScore(score float64) (Severity, bool) {
	switch {
	case score < 30:
		return "", false
	case score < 50:
		return SeverityLow, true
	case score < 75:
		return SeverityMedium, true
	case score < 90:
		return SeverityHigh, true
	default:
		return SeverityCritical, true
	}
}

// Alert is a rule-derived assessment that a span exhibits a threat
// condition. Alerts are produced by the security analyzer, never mutated,
// and travel the live stream as JSON for human inspectability.
type Alert struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"project_id"`
	TraceID     string    `json:"trace_id"`
	SpanID      string    `json:"span_id"`
	RuleName    string    `json:"rule_name"`
	Severity    Severity  `json:"severity"`
	Score       float64   `json:"score"`
	Description string    `json:"description"`
	Evidence    string    `json:"evidence"`
	CreatedAt   time.Time `json:"created_at"`
}
