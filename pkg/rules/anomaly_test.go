package rules

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentstack/pipeline/pkg/models"
)

func TestWelford_MatchesDirectComputation(t *testing.T) {
	w := newWelford(durationWindow)
	var all []float64
	for i := 0; i < 600; i++ {
		x := float64((i*37)%101) + 0.5
		w.add(x)
		all = append(all, x)
	}

	// The window holds the last 512 samples.
	window := all[len(all)-durationWindow:]
	var sum float64
	for _, x := range window {
		sum += x
	}
	mean := sum / float64(len(window))
	var m2 float64
	for _, x := range window {
		m2 += (x - mean) * (x - mean)
	}
	stddev := math.Sqrt(m2 / float64(len(window)))

	assert.Equal(t, durationWindow, w.n)
	assert.InDelta(t, mean, w.mean, 1e-6)
	assert.InDelta(t, stddev, w.stddev(), 1e-6)
}

func durationSpan(t *testing.T, name string, ms float64) *models.Span {
	t.Helper()
	span := testSpan(t, nil)
	span.Name = name
	span.DurationMS = ms
	return span
}

func TestDurationRule_NoFlagBeforeMinSamples(t *testing.T) {
	rule := newDurationRule()
	for i := 0; i < durationMinSamples-1; i++ {
		require.Empty(t, rule.Apply(durationSpan(t, "llm.chat", 100)))
	}

	// 31 samples recorded: even an extreme spike is not judged yet.
	assert.Empty(t, rule.Apply(durationSpan(t, "llm.chat", 100_000)))
}

func TestDurationRule_FlagsOutlier(t *testing.T) {
	rule := newDurationRule()
	for i := 0; i < durationMinSamples; i++ {
		rule.Apply(durationSpan(t, "llm.chat", 100))
	}

	hits := rule.Apply(durationSpan(t, "llm.chat", 1000))
	require.Len(t, hits, 1)
	assert.Equal(t, RuleDurationOutlier, hits[0].Name)
	assert.Equal(t, float64(durationScore), hits[0].Score)
	assert.Contains(t, hits[0].Evidence, "llm.chat")
}

func TestDurationRule_SpikeJudgedBeforeRecorded(t *testing.T) {
	rule := newDurationRule()
	for i := 0; i < durationMinSamples; i++ {
		rule.Apply(durationSpan(t, "llm.chat", 100))
	}

	require.Len(t, rule.Apply(durationSpan(t, "llm.chat", 1000)), 1)

	// The spike is now part of the window; a normal span stays quiet.
	assert.Empty(t, rule.Apply(durationSpan(t, "llm.chat", 100)))
}

func TestDurationRule_PerNameIsolation(t *testing.T) {
	rule := newDurationRule()
	for i := 0; i < durationMinSamples; i++ {
		rule.Apply(durationSpan(t, "llm.chat", 100))
	}

	// A different operation name starts its own window.
	assert.Empty(t, rule.Apply(durationSpan(t, "tool.search", 100_000)))
}

func TestDurationRule_IgnoresZeroDuration(t *testing.T) {
	rule := newDurationRule()
	span := durationSpan(t, "llm.chat", 0)
	assert.Empty(t, rule.Apply(span))
	assert.Empty(t, rule.byName)
}

func TestDurationRule_TrackedNameCap(t *testing.T) {
	rule := newDurationRule()
	for i := 0; i < maxTrackedNames; i++ {
		rule.Apply(durationSpan(t, fmt.Sprintf("op-%d", i), 100))
	}
	before := len(rule.byName)
	rule.Apply(durationSpan(t, "one-name-too-many", 100))
	assert.Equal(t, before, len(rule.byName))
	assert.LessOrEqual(t, len(rule.byName), maxTrackedNames)
}

func TestTokenRule(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		out     string
		wantHit bool
	}{
		{"exactly at threshold", "25000", "25000", false},
		{"over threshold", "25000", "25001", true},
		{"only output counted", "", "50001", true},
		{"missing attributes", "", "", false},
		{"non numeric", "lots", "many", false},
		{"float tolerated", "50001.0", "1", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := newTokenRule()
			attrs := map[string]string{}
			if tt.in != "" {
				attrs[models.AttrTokensIn] = tt.in
			}
			if tt.out != "" {
				attrs[models.AttrTokensOut] = tt.out
			}
			hits := rule.Apply(testSpan(t, attrs))
			if tt.wantHit {
				require.Len(t, hits, 1)
				assert.Equal(t, float64(tokenExplosionScore), hits[0].Score)
			} else {
				assert.Empty(t, hits)
			}
		})
	}
}
