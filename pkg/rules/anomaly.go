package rules

import (
	"fmt"
	"math"

	"github.com/agentstack/pipeline/pkg/models"
)

const (
	// durationWindow is the per-name sample window for rolling statistics.
	durationWindow     = 512
	durationMinSamples = 32
	durationSigma      = 3.0
	durationScore      = 50

	// maxTrackedNames bounds the tracker map; operation names are
	// client-supplied and must not grow memory without bound.
	maxTrackedNames = 4096

	tokenExplosionThreshold = 50_000
	tokenExplosionScore     = 70
)

// welford keeps rolling mean and variance over a fixed sample window using
// Welford-style incremental updates, so neither statistic is ever recomputed
// from scratch.
type welford struct {
	ring []float64
	next int
	n    int
	mean float64
	m2   float64
}

func newWelford(size int) *welford {
	return &welford{ring: make([]float64, size)}
}

// add records a sample, evicting the oldest once the window is full.
func (w *welford) add(x float64) {
	if w.n < len(w.ring) {
		w.ring[w.next] = x
		w.next = (w.next + 1) % len(w.ring)
		w.n++
		delta := x - w.mean
		w.mean += delta / float64(w.n)
		w.m2 += delta * (x - w.mean)
		return
	}
	old := w.ring[w.next]
	w.ring[w.next] = x
	w.next = (w.next + 1) % len(w.ring)
	oldMean := w.mean
	w.mean += (x - old) / float64(w.n)
	w.m2 += (x - old) * (x - w.mean + old - oldMean)
}

func (w *welford) stddev() float64 {
	if w.n < 2 {
		return 0
	}
	v := w.m2 / float64(w.n)
	if v < 0 {
		// Guard against float drift in the incremental updates.
		v = 0
	}
	return math.Sqrt(v)
}

// durationRule flags spans whose duration exceeds the rolling mean plus
// three standard deviations for their operation name.
type durationRule struct {
	byName map[string]*welford
}

func newDurationRule() *durationRule {
	return &durationRule{byName: make(map[string]*welford)}
}

func (r *durationRule) Family() string { return RuleDurationOutlier }

// Apply compares the span's duration against the statistics accumulated
// before it, then records the new sample. Judging first means a spike can
// never raise the threshold it is measured against.
func (r *durationRule) Apply(span *models.Span) []Hit {
	if span.Name == "" || span.DurationMS <= 0 {
		return nil
	}
	w := r.byName[span.Name]
	if w == nil {
		if len(r.byName) >= maxTrackedNames {
			return nil
		}
		w = newWelford(durationWindow)
		r.byName[span.Name] = w
	}

	var hits []Hit
	if w.n >= durationMinSamples {
		threshold := w.mean + durationSigma*w.stddev()
		if span.DurationMS > threshold {
			hits = append(hits, Hit{
				Name:  RuleDurationOutlier,
				Score: durationScore,
				Description: fmt.Sprintf("duration %.1fms exceeds %.1fms (mean %.1fms + 3 sigma over %d samples)",
					span.DurationMS, threshold, w.mean, w.n),
				Evidence: fmt.Sprintf("%s took %.1fms", span.Name, span.DurationMS),
			})
		}
	}
	w.add(span.DurationMS)
	return hits
}

// tokenRule flags spans whose combined token usage exceeds the explosion
// threshold, a marker for runaway generation loops.
type tokenRule struct{}

func newTokenRule() *tokenRule { return &tokenRule{} }

func (r *tokenRule) Family() string { return RuleTokenExplosion }

func (r *tokenRule) Apply(span *models.Span) []Hit {
	in, okIn := models.ParseTokenCount(span.Attributes[models.AttrTokensIn])
	out, okOut := models.ParseTokenCount(span.Attributes[models.AttrTokensOut])
	if !okIn && !okOut {
		return nil
	}
	total := in + out
	if total <= tokenExplosionThreshold {
		return nil
	}
	return []Hit{{
		Name:        RuleTokenExplosion,
		Score:       tokenExplosionScore,
		Description: fmt.Sprintf("token usage %d exceeds threshold %d", total, tokenExplosionThreshold),
		Evidence:    fmt.Sprintf("%s=%d %s=%d", models.AttrTokensIn, in, models.AttrTokensOut, out),
	}}
}
