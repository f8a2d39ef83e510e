package audit

import "strings"

// Detection is one raw detector hit before it is turned into a Finding.
type Detection struct {
	Metric      string
	Score       float64
	Severity    Severity
	Explanation string
	Evidence    string
	Tags        []string
	Controls    []string

	// RegScores carries per-regulation coverage in [0,1] when the detector
	// can attribute the hit to specific frameworks.
	RegScores map[string]float64
}

// Detector evaluates a single prompt/response exchange for one category.
// Implementations return zero or more detections and must be safe for
// concurrent use.
type Detector interface {
	Evaluate(prompt, response string) []Detection
}

// DefaultDetectors builds the static category registry. New families are new
// entries here, not dynamic dispatch.
func DefaultDetectors() map[string]Detector {
	return map[string]Detector{
		"bias":          BiasDetector{},
		"pii":           PIIDetector{},
		"hallucination": HallucinationDetector{},
		"compliance":    ComplianceDetector{},
		"drift":         DriftDetector{},
		"phi":           PHIDetector{},
	}
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if n != "" && strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}
