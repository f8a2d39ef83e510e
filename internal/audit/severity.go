package audit

import "math"

const (
	DefaultAlpha = 1.0
	DefaultBeta  = 1.5
)

// ScoreMetricSeverity combines likelihood, impact and regulatory weight into
// a per-family severity:
//
//	S = clamp01(L^alpha * I^beta * R)
//
// Zero observed likelihood always yields zero severity regardless of impact
// or regulatory exposure. Beta > alpha weights potential harm magnitude more
// than observation frequency.
func ScoreMetricSeverity(l, i, r, alpha, beta float64) (float64, float64) {
	l = Clamp01(l)
	i = Clamp01(i)
	r = Clamp01(r)

	s := Clamp01(math.Pow(l, alpha) * math.Pow(i, beta) * r)
	return s, round2(s * 100.0)
}

// SeverityBandFromScore100 maps a 0-100 severity score onto its reporting
// band. Lower bounds are inclusive.
func SeverityBandFromScore100(score100 float64) string {
	switch {
	case score100 >= 81:
		return "CRITICAL"
	case score100 >= 61:
		return "SEVERE"
	case score100 >= 41:
		return "HIGH"
	case score100 >= 21:
		return "MODERATE"
	default:
		return "LOW"
	}
}

// ScoreGlobalSeverity aggregates per-family scores into one global risk
// figure via a mean weighted by each score's strategic weight. Empty input
// or zero total weight yields (0, 0, LOW).
func ScoreGlobalSeverity(scores []MetricScore) GlobalRisk {
	if len(scores) == 0 {
		return GlobalRisk{Band: "LOW"}
	}
	num := 0.0
	den := 0.0
	for _, ms := range scores {
		w := ms.W
		if w <= 0 {
			w = 1.0
		}
		num += w * ms.S
		den += w
	}
	if den <= 0 {
		return GlobalRisk{Band: "LOW"}
	}
	total := Clamp01(num / den)
	score100 := round2(total * 100.0)
	return GlobalRisk{
		S:        total,
		Score100: score100,
		Band:     SeverityBandFromScore100(score100),
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
