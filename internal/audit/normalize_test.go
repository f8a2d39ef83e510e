package audit

import (
	"math"
	"testing"
)

func TestNormalizeLikelihoodBands(t *testing.T) {
	cases := []struct {
		frequency float64
		want      float64
	}{
		{0.0, 0.0},
		{-0.5, 0.0},
		{0.01, 0.25},
		{0.05, 0.25},
		{0.051, 0.5},
		{0.15, 0.5},
		{0.2, 0.75},
		{0.35, 0.75},
		{0.36, 1.0},
		{1.0, 1.0},
		{3.0, 1.0},
	}
	for _, tc := range cases {
		if got := NormalizeLikelihood(tc.frequency); got != tc.want {
			t.Fatalf("NormalizeLikelihood(%v) = %v, want %v", tc.frequency, got, tc.want)
		}
	}
}

func TestClamp01RejectsNonFinite(t *testing.T) {
	if got := Clamp01(math.NaN()); got != 0 {
		t.Fatalf("Clamp01(NaN) = %v, want 0", got)
	}
	if got := Clamp01(math.Inf(1)); got != 0 {
		t.Fatalf("Clamp01(+Inf) = %v, want 0", got)
	}
	if got := Clamp01(math.Inf(-1)); got != 0 {
		t.Fatalf("Clamp01(-Inf) = %v, want 0", got)
	}
	if got := Clamp01(1.5); got != 1 {
		t.Fatalf("Clamp01(1.5) = %v, want 1", got)
	}
	if got := Clamp01(-0.2); got != 0 {
		t.Fatalf("Clamp01(-0.2) = %v, want 0", got)
	}
}

func TestImpactBaselines(t *testing.T) {
	cases := map[string]float64{
		"pii":           1.0,
		"compliance":    0.9,
		"phi":           0.95,
		"bias":          0.8,
		"hallucination": 0.6,
		"drift":         0.5,
		"unknown":       0.5,
	}
	for family, want := range cases {
		if got := ImpactBaseline(family); got != want {
			t.Fatalf("ImpactBaseline(%q) = %v, want %v", family, got, want)
		}
	}
}
