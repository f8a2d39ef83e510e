package audit

import (
	"strings"
	"testing"
)

func TestBuildReportDeduplicatesFindings(t *testing.T) {
	findings := []Finding{
		{FindingID: "f1", Category: "pii", Severity: SeverityHigh, MetricName: "pii_email_detected", Description: "Email address detected."},
		{FindingID: "f2", Category: "PII", Severity: SeverityHigh, MetricName: "pii_email_detected", Description: "  email   address detected. "},
		{FindingID: "f3", Category: "pii", Severity: SeverityHigh, MetricName: "pii_email_detected", Description: "EMAIL ADDRESS DETECTED."},
	}
	report := BuildReport(nil, findings, nil, nil, nil)

	if report.UniqueIssueCount != 1 {
		t.Fatalf("expected 1 unique issue, got %d", report.UniqueIssueCount)
	}
	if report.GroupedFindings[0].Occurrences != 3 {
		t.Fatalf("occurrences = %d, want 3", report.GroupedFindings[0].Occurrences)
	}
	if report.Summary.TotalFindingsRaw != 3 {
		t.Fatalf("total raw findings = %d, want 3", report.Summary.TotalFindingsRaw)
	}
}

func TestBuildReportSeverityEscalation(t *testing.T) {
	findings := []Finding{
		{FindingID: "f1", Category: "bias", Severity: SeverityMedium, MetricName: "bias_exclusion_detected", Description: "Exclusionary language."},
		{FindingID: "f2", Category: "bias", Severity: SeverityCritical, MetricName: "bias_exclusion_detected", Description: "Exclusionary language."},
	}
	report := BuildReport(nil, findings, nil, nil, nil)
	if report.GroupedFindings[0].Severity != SeverityCritical {
		t.Fatalf("duplicate with higher severity must escalate the group, got %s", report.GroupedFindings[0].Severity)
	}
}

func TestBuildReportEvidenceCap(t *testing.T) {
	interactions := []Interaction{
		{ID: 1, PromptID: "pii_1", Prompt: "p", Response: "r", LatencyMS: 12},
	}
	var findings []Finding
	for i := 0; i < 5; i++ {
		findings = append(findings, Finding{
			FindingID: "f", Category: "pii", Severity: SeverityHigh,
			MetricName: "pii_email_detected", Description: "Email address detected.",
			InteractionID: 1,
		})
	}
	report := BuildReport(nil, findings, interactions, nil, nil)
	if len(report.GroupedFindings[0].EvidenceSamples) != 3 {
		t.Fatalf("evidence samples = %d, want capped at 3", len(report.GroupedFindings[0].EvidenceSamples))
	}
	sample := report.GroupedFindings[0].EvidenceSamples[0]
	if sample.Prompt != "p" || sample.Response != "r" || sample.LatencyMS != 12 {
		t.Fatalf("evidence must be hydrated from the interaction, got %+v", sample)
	}
}

func TestBuildReportSortsBySeverity(t *testing.T) {
	findings := []Finding{
		{FindingID: "a", Category: "drift", Severity: SeverityLow, MetricName: "drift_length_long", Description: "long"},
		{FindingID: "b", Category: "pii", Severity: SeverityCritical, MetricName: "pii_aadhaar_detected", Description: "aadhaar"},
		{FindingID: "c", Category: "bias", Severity: SeverityMedium, MetricName: "bias_group", Description: "group"},
	}
	report := BuildReport(nil, findings, nil, nil, nil)
	ranks := make([]int, len(report.GroupedFindings))
	for i, issue := range report.GroupedFindings {
		ranks[i] = severityRank(issue.Severity)
	}
	for i := 1; i < len(ranks); i++ {
		if ranks[i] > ranks[i-1] {
			t.Fatalf("issues not sorted by severity rank: %v", ranks)
		}
	}
}

func TestBuildReportExecutiveSummaryFromGlobal(t *testing.T) {
	global := &GlobalRisk{S: 0.85, Score100: 85, Band: "CRITICAL"}
	report := BuildReport(nil, nil, nil, nil, global)
	if !strings.Contains(report.ExecutiveSummary[0], "CRITICAL") {
		t.Fatalf("risk level should be CRITICAL at score 85, got %q", report.ExecutiveSummary[0])
	}
}

func TestBuildReportExecutiveSummaryFallback(t *testing.T) {
	findings := []Finding{
		{FindingID: "f1", Category: "pii", Severity: SeverityCritical, MetricName: "m", Description: "d"},
	}
	report := BuildReport(nil, findings, nil, nil, nil)
	if !strings.Contains(report.ExecutiveSummary[0], "HIGH") {
		t.Fatalf("critical findings without a global score should report HIGH, got %q", report.ExecutiveSummary[0])
	}

	empty := BuildReport(nil, nil, nil, nil, nil)
	if !strings.Contains(empty.ExecutiveSummary[0], "LOW") {
		t.Fatalf("no findings should report LOW, got %q", empty.ExecutiveSummary[0])
	}
	if !strings.Contains(empty.ExecutiveSummary[1], "None") {
		t.Fatalf("no categories should report None, got %q", empty.ExecutiveSummary[1])
	}
}

func TestFindingFingerprintTruncation(t *testing.T) {
	long := strings.Repeat("x", 400)
	a := findingFingerprint(Finding{Category: "pii", MetricName: "m", Description: long + " tail one"})
	b := findingFingerprint(Finding{Category: "pii", MetricName: "m", Description: long + " tail two"})
	if a != b {
		t.Fatalf("long descriptions differing only past the truncation point must collide")
	}
}
