package rules

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/agentstack/pipeline/pkg/models"
)

// injectionPhrases are the prompt-injection markers matched case-insensitively
// across a span's text values. Each distinct phrase found contributes
// injectionPhraseScore points to the family score.
var injectionPhrases = []string{
	"ignore previous instructions",
	"disregard the above",
	"DAN mode",
	"developer mode",
	"you are now",
	"system prompt",
	"roleplay as",
}

const injectionPhraseScore = 40

type injectionRule struct {
	pattern *regexp.Regexp
}

func newInjectionRule() *injectionRule {
	quoted := make([]string, len(injectionPhrases))
	for i, p := range injectionPhrases {
		quoted[i] = regexp.QuoteMeta(p)
	}
	return &injectionRule{
		pattern: regexp.MustCompile(`(?i)(?:` + strings.Join(quoted, "|") + `)`),
	}
}

func (r *injectionRule) Family() string { return RuleInjection }

func (r *injectionRule) Apply(span *models.Span) []Hit {
	seen := make(map[string]bool)
	var phrases []string
	evidence := ""
	for _, value := range scanValues(span) {
		matches := r.pattern.FindAllString(value, -1)
		if len(matches) == 0 {
			continue
		}
		if evidence == "" {
			evidence = value
		}
		for _, m := range matches {
			key := strings.ToLower(m)
			if !seen[key] {
				seen[key] = true
				phrases = append(phrases, key)
			}
		}
	}
	if len(phrases) == 0 {
		return nil
	}

	hits := make([]Hit, 0, len(phrases))
	for _, p := range phrases {
		hits = append(hits, Hit{
			Name:        RuleInjection,
			Score:       injectionPhraseScore,
			Description: fmt.Sprintf("injection phrase %q", p),
			Evidence:    evidence,
		})
	}
	return hits
}
