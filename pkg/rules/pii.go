package rules

import (
	"fmt"
	"regexp"

	"github.com/agentstack/pipeline/pkg/models"
)

// piiKindScore is the contribution of each distinct PII kind to the family
// score.
const piiKindScore = 60

// piiPattern is one pre-compiled PII detector. Verify, when set, is a
// second-stage check applied to every regex match; matches that fail it are
// not PII.
type piiPattern struct {
	Kind   string
	Regex  *regexp.Regexp
	Verify func(match string) bool
}

// piiPatterns are applied in order. ssn runs before credit_card so that a
// masked SSN can never be re-matched as a card number fragment.
var piiPatterns = []piiPattern{
	{Kind: "ssn", Regex: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{Kind: "credit_card", Regex: regexp.MustCompile(`\b(?:\d[ -]?){12,18}\d\b`), Verify: luhnValid},
	{Kind: "email", Regex: regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)},
	{Kind: "phone", Regex: regexp.MustCompile(`\+[1-9]\d{7,14}\b`)},
	{Kind: "aws_access_key", Regex: regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`)},
	{Kind: "api_key", Regex: regexp.MustCompile(`\bsk-[A-Za-z0-9]{20,}\b`)},
}

type piiRule struct{}

func newPIIRule() *piiRule { return &piiRule{} }

func (r *piiRule) Family() string { return RulePII }

func (r *piiRule) Apply(span *models.Span) []Hit {
	seen := make(map[string]bool)
	var hits []Hit
	for _, value := range scanValues(span) {
		for _, p := range piiPatterns {
			if seen[p.Kind] {
				continue
			}
			if !matchesPII(p, value) {
				continue
			}
			seen[p.Kind] = true
			hits = append(hits, Hit{
				Name:        "pii_" + p.Kind,
				Score:       piiKindScore,
				Description: fmt.Sprintf("%s detected", p.Kind),
				Evidence:    MaskPII(value),
			})
		}
	}
	return hits
}

func matchesPII(p piiPattern, value string) bool {
	if p.Verify == nil {
		return p.Regex.MatchString(value)
	}
	for _, m := range p.Regex.FindAllString(value, -1) {
		if p.Verify(m) {
			return true
		}
	}
	return false
}

// MaskPII replaces every detected PII occurrence in s with a masked form
// that keeps separators and the last four letters or digits visible, e.g.
// 123-45-6789 becomes ***-**-6789.
func MaskPII(s string) string {
	for _, p := range piiPatterns {
		verify := p.Verify
		s = p.Regex.ReplaceAllStringFunc(s, func(m string) string {
			if verify != nil && !verify(m) {
				return m
			}
			return maskMatch(m)
		})
	}
	return s
}

func maskMatch(s string) string {
	runes := []rune(s)
	keep := 4
	visible := make([]bool, len(runes))
	for i := len(runes) - 1; i >= 0 && keep > 0; i-- {
		if isAlnum(runes[i]) {
			visible[i] = true
			keep--
		}
	}
	for i, r := range runes {
		if isAlnum(r) && !visible[i] {
			runes[i] = '*'
		}
	}
	return string(runes)
}

func isAlnum(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

// luhnValid reports whether the digit sequence in s (separators allowed)
// is a plausible payment card number: 13 to 19 digits passing the Luhn
// checksum.
func luhnValid(s string) bool {
	var digits []int
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits = append(digits, int(r-'0'))
		case r == ' ' || r == '-':
		default:
			return false
		}
	}
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}
