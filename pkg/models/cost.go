package models

import "time"

// CostMetric is a usage/price record derived from one LLM span. Rows with an
// identical (project_id, model, timestamp) key are summed by the analytics
// store, so the timestamp carries second precision only.
type CostMetric struct {
	ProjectID        string    `json:"project_id"`
	Model            string    `json:"model"`
	SpanKind         string    `json:"span_kind"`
	Timestamp        time.Time `json:"timestamp"`
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	TotalTokens      int64     `json:"total_tokens"`
	CostUSD          float64   `json:"cost_usd"`
}
