package audit

import (
	"math"
	"strings"
)

// MetricFamilies is the fixed top-level grouping for scoring. Every run
// produces exactly one MetricScore per family.
var MetricFamilies = []string{"bias", "pii", "hallucination", "compliance", "drift", "phi"}

// FamilySignal is the per-family likelihood payload consumed by the severity
// engine. All six families are always present in the accumulator output.
type FamilySignal struct {
	L       float64
	Signals map[string]any
}

// MetricFamily resolves a finding to its metric family: exact sub-metric
// match first, then a known "<family>_" prefix, then the declared category,
// and finally "compliance" as the safe bucket.
func MetricFamily(category, metricName string) string {
	c := strings.ToLower(strings.TrimSpace(category))
	m := strings.ToLower(strings.TrimSpace(metricName))

	for _, fam := range MetricFamilies {
		if m == fam {
			return fam
		}
	}
	for _, fam := range MetricFamilies {
		if strings.HasPrefix(m, fam+"_") {
			return fam
		}
	}
	for _, fam := range MetricFamilies {
		if c == fam {
			return fam
		}
	}
	return "compliance"
}

// ComputeLikelihood buckets a run's findings by metric family and converts
// finding frequency against the executed interaction count into a likelihood
// score. The frequency ratio is capped at 1.0 even when one interaction
// produced several findings.
func ComputeLikelihood(findings []Finding, interactionCount int) map[string]FamilySignal {
	perFamily := map[string]int{}
	subMetricCounts := map[string]map[string]int{}

	for _, f := range findings {
		fam := MetricFamily(f.Category, f.MetricName)
		perFamily[fam]++
		if subMetricCounts[fam] == nil {
			subMetricCounts[fam] = map[string]int{}
		}
		name := f.MetricName
		if strings.TrimSpace(name) == "" {
			name = "unknown"
		}
		subMetricCounts[fam][name]++
	}

	denom := interactionCount
	if denom < 1 {
		denom = 1
	}

	out := make(map[string]FamilySignal, len(MetricFamilies))
	for fam, count := range perFamily {
		ratio := float64(count) / float64(denom)
		if ratio > 1.0 {
			ratio = 1.0
		}
		signals := map[string]any{
			"finding_count":   count,
			"interactions":    interactionCount,
			"frequency_ratio": round4(ratio),
		}
		for name, n := range subMetricCounts[fam] {
			signals[name] = n
		}
		out[fam] = FamilySignal{L: NormalizeLikelihood(ratio), Signals: signals}
	}

	// Families with zero findings still emit a zeroed signal row so
	// downstream scoring never handles a missing key.
	for _, fam := range MetricFamilies {
		if _, ok := out[fam]; !ok {
			out[fam] = FamilySignal{
				L: 0.0,
				Signals: map[string]any{
					"finding_count":   0,
					"interactions":    interactionCount,
					"frequency_ratio": 0.0,
				},
			}
		}
	}
	return out
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
