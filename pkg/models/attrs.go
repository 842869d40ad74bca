package models

import (
	"strconv"
	"strings"
)

// Attribute keys with pipeline semantics. Spans carrying them are eligible
// for cost aggregation and token-based rules.
const (
	AttrModel     = "llm.model"
	AttrTokensIn  = "llm.tokens.in"
	AttrTokensOut = "llm.tokens.out"
)

// ParseTokenCount parses a token-count attribute value. Clients send counts
// as decimal strings, but integers arriving as floats ("1500.0") are
// tolerated. Negative, fractional, and non-numeric values report ok=false.
func ParseTokenCount(val string) (int64, bool) {
	val = strings.TrimSpace(val)
	if val == "" {
		return 0, false
	}
	if n, err := strconv.ParseInt(val, 10, 64); err == nil {
		if n < 0 {
			return 0, false
		}
		return n, true
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil || f < 0 || f != float64(int64(f)) {
		return 0, false
	}
	return int64(f), true
}
