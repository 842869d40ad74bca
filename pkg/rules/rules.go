// Package rules implements the security rule pipeline applied to every span
// by the security analyzer: prompt-injection phrase matching, PII detection,
// duration outlier tracking, and token explosion checks.
//
// A Pipeline instance is owned by a single analyzer goroutine. The duration
// tracker inside it is stateful and not safe for concurrent use.
package rules

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentstack/pipeline/pkg/models"
)

// Rule family names as they appear in alert rows.
const (
	RuleInjection       = "prompt_injection"
	RulePII             = "pii"
	RuleDurationOutlier = "duration_outlier"
	RuleTokenExplosion  = "token_explosion"
)

// maxEvidenceLen bounds the evidence excerpt carried on an alert.
const maxEvidenceLen = 512

// Hit is one finding from a rule applied to a span.
type Hit struct {
	// Name is the specific rule name, e.g. "pii_ssn". Hits of one family
	// may carry different names; the family alert uses the common name
	// when only one distinct kind hit.
	Name string

	// Score is this hit's contribution to the family score.
	Score float64

	// Description is a short human explanation of the finding.
	Description string

	// Evidence is an excerpt of the offending value. PII inside it must
	// already be masked by the producing rule.
	Evidence string
}

// Rule is one detection family applied to spans.
type Rule interface {
	Family() string
	Apply(span *models.Span) []Hit
}

// Pipeline applies the rule families in a fixed order and merges their hits
// into at most one alert per family per span.
type Pipeline struct {
	rules []Rule
}

// NewPipeline builds the default pipeline: injection, PII, duration outlier,
// token explosion, in that order.
func NewPipeline() *Pipeline {
	return &Pipeline{
		rules: []Rule{
			newInjectionRule(),
			newPIIRule(),
			newDurationRule(),
			newTokenRule(),
		},
	}
}

// Analyze runs every rule family over the span and returns the resulting
// alerts. Families whose aggregate score stays below the suppression
// threshold produce no alert.
func (p *Pipeline) Analyze(span *models.Span) []*models.Alert {
	var alerts []*models.Alert
	for _, rule := range p.rules {
		hits := rule.Apply(span)
		if len(hits) == 0 {
			continue
		}
		if alert := buildAlert(span, rule.Family(), hits); alert != nil {
			alerts = append(alerts, alert)
		}
	}
	return alerts
}

// buildAlert merges one family's hits into a single alert: scores are summed
// and capped at 100, then mapped to a severity. Returns nil when the score
// is suppressed.
func buildAlert(span *models.Span, family string, hits []Hit) *models.Alert {
	var score float64
	names := make(map[string]bool, len(hits))
	var descriptions []string
	evidence := ""
	for _, h := range hits {
		score += h.Score
		names[h.Name] = true
		descriptions = append(descriptions, h.Description)
		if evidence == "" {
			evidence = h.Evidence
		}
	}
	if score > 100 {
		score = 100
	}

	severity, ok := models.SeverityForScore(score)
	if !ok {
		return nil
	}

	// A single distinct kind keeps its specific name (pii_ssn); mixed kinds
	// fall back to the family name.
	ruleName := family
	if len(names) == 1 {
		for n := range names {
			ruleName = n
		}
	}

	return &models.Alert{
		ID:          uuid.New().String(),
		ProjectID:   span.ProjectID,
		TraceID:     span.TraceID,
		SpanID:      span.SpanID,
		RuleName:    ruleName,
		Severity:    severity,
		Score:       score,
		Description: strings.Join(descriptions, "; "),
		Evidence:    truncateEvidence(MaskPII(evidence)),
		CreatedAt:   time.Now().UTC(),
	}
}

// scanValues returns every scannable text value of a span: the operation
// name, all attribute values, and all event attribute values.
func scanValues(span *models.Span) []string {
	values := make([]string, 0, 1+len(span.Attributes))
	if span.Name != "" {
		values = append(values, span.Name)
	}
	for _, v := range span.Attributes {
		values = append(values, v)
	}
	for _, ev := range span.Events {
		for _, v := range ev.Attributes {
			values = append(values, v)
		}
	}
	return values
}

func truncateEvidence(s string) string {
	if len(s) <= maxEvidenceLen {
		return s
	}
	// Back off to a rune boundary so the cut never splits a character.
	cut := maxEvidenceLen
	for cut > 0 && s[cut]&0xC0 == 0x80 {
		cut--
	}
	return s[:cut]
}
