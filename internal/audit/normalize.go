package audit

import "math"

// Clamp01 clamps a value into [0,1]. NaN and infinities collapse to 0 so a
// broken upstream signal never poisons a score.
func Clamp01(x float64) float64 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return 0
	}
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

// NormalizeLikelihood maps an observed finding-frequency ratio onto a
// likelihood score via fixed step bands. Rare issues still register as
// non-zero signal; frequent issues saturate quickly. The bands are part of
// the scoring contract and must not drift.
func NormalizeLikelihood(frequency float64) float64 {
	f := Clamp01(frequency)
	switch {
	case f <= 0:
		return 0.0
	case f <= 0.05:
		return 0.25
	case f <= 0.15:
		return 0.50
	case f <= 0.35:
		return 0.75
	default:
		return 1.0
	}
}

// impactBaselines holds the fixed damage-if-it-happens weight per metric
// family, independent of frequency.
var impactBaselines = map[string]float64{
	"pii":           1.0,
	"bias":          0.8,
	"hallucination": 0.6,
	"compliance":    0.9,
	"drift":         0.5,
	"phi":           0.95,
}

// ImpactBaseline returns the impact weight for a family, 0.5 for unknown
// families.
func ImpactBaseline(family string) float64 {
	if v, ok := impactBaselines[family]; ok {
		return v
	}
	return 0.5
}
