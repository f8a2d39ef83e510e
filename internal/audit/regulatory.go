package audit

import (
	"strings"
	"sync"
)

// staticRegWeights are the fallback per-family regulation baselines used when
// a run produced no live coverage signal for the family.
var staticRegWeights = map[string]map[string]float64{
	"pii":        {"GDPR": 0.8, "DPDP": 0.9, "HIPAA": 0.7},
	"phi":        {"HIPAA": 1.0, "EUAI": 0.6},
	"bias":       {"EUAI": 0.9, "GDPR": 0.5},
	"compliance": {"GDPR": 0.5, "EUAI": 0.5, "DPDP": 0.5, "ISO42001": 0.5, "SOC2": 0.5},
}

// ComputeRegulatoryWeight returns the regulatory risk weight R in [0,1] and a
// per-framework breakdown for a metric family.
//
// When regScores carries live coverage signal accumulated during the run it
// is treated as ground truth: the breakdown mirrors it (clamped) and R is the
// inverse of mean coverage, so full coverage means zero regulatory risk.
// Without live signal the static per-family defaults apply; an unknown family
// yields a neutral R=0.5 with a two-framework placeholder breakdown. The
// function never errors and never returns an empty breakdown.
func ComputeRegulatoryWeight(family string, regScores map[string]float64) (float64, map[string]float64) {
	if len(regScores) > 0 {
		breakdown := make(map[string]float64, len(regScores))
		sum := 0.0
		for reg, v := range regScores {
			score := Clamp01(v)
			breakdown[strings.ToUpper(strings.TrimSpace(reg))] = score
			sum += score
		}
		r := Clamp01(1.0 - sum/float64(len(breakdown)))
		return r, breakdown
	}

	defaults, ok := staticRegWeights[strings.ToLower(strings.TrimSpace(family))]
	if !ok || len(defaults) == 0 {
		return 0.5, map[string]float64{"GDPR": 0.0, "EUAI": 0.0}
	}
	breakdown := make(map[string]float64, len(defaults))
	for reg, v := range defaults {
		breakdown[reg] = v
	}
	return 0.5, breakdown
}

// RegScoreAccumulator tracks per-family regulation coverage across a run.
// The first observation for a regulation starts from 1.0 (assume compliant);
// every later observation ratchets the value down via min, never up. One bad
// response therefore lowers a regulation's coverage for the whole run no
// matter how many clean responses surround it.
type RegScoreAccumulator struct {
	mu     sync.Mutex
	scores map[string]map[string]float64
}

func NewRegScoreAccumulator() *RegScoreAccumulator {
	scores := make(map[string]map[string]float64, len(MetricFamilies))
	for _, fam := range MetricFamilies {
		scores[fam] = map[string]float64{}
	}
	return &RegScoreAccumulator{scores: scores}
}

// Observe folds one finding's coverage score for a regulation into the
// family's running minimum.
func (a *RegScoreAccumulator) Observe(family, regulation string, score float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	perFamily, ok := a.scores[family]
	if !ok {
		perFamily = map[string]float64{}
		a.scores[family] = perFamily
	}
	current, seen := perFamily[regulation]
	if !seen {
		current = 1.0
	}
	if score < current {
		current = score
	}
	perFamily[regulation] = current
}

// Family returns a copy of the accumulated scores for one family; nil when
// nothing was observed.
func (a *RegScoreAccumulator) Family(family string) map[string]float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	perFamily := a.scores[family]
	if len(perFamily) == 0 {
		return nil
	}
	out := make(map[string]float64, len(perFamily))
	for reg, v := range perFamily {
		out[reg] = v
	}
	return out
}
