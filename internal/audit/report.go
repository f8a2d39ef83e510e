package audit

import (
	"fmt"
	"sort"
	"strings"
)

var severityOrder = []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow}

// Report is the structured audit report served to clients and rendered by the
// dashboard. Findings are deduplicated into issues; raw findings stay in the
// store.
type Report struct {
	Audit            map[string]any `json:"audit"`
	Summary          ReportSummary  `json:"summary"`
	ExecutiveSummary []string       `json:"executive_summary"`
	GlobalRisk       *GlobalRisk    `json:"global_risk,omitempty"`
	MetricScores     []MetricScore  `json:"metric_scores"`
	GroupedFindings  []GroupedIssue `json:"grouped_findings"`
	UniqueIssueCount int            `json:"unique_issue_count"`
}

type ReportSummary struct {
	TotalFindingsRaw  int            `json:"total_findings_raw"`
	TotalInteractions int            `json:"total_interactions"`
	BySeverity        map[string]int `json:"by_severity"`
	ByCategory        map[string]int `json:"by_category"`
}

// GroupedIssue is one deduplicated issue. Duplicate findings bump the
// occurrence count; a duplicate carrying a higher severity escalates the
// whole group.
type GroupedIssue struct {
	IssueID         string           `json:"issue_id"`
	Category        string           `json:"category"`
	Severity        Severity         `json:"severity"`
	MetricName      string           `json:"metric_name"`
	Description     string           `json:"description"`
	Occurrences     int              `json:"occurrences"`
	EvidenceSamples []EvidenceSample `json:"evidence_samples"`
}

// EvidenceSample is one hydrated example exchange backing a grouped issue.
// At most three are kept per issue.
type EvidenceSample struct {
	FindingID     string  `json:"finding_id"`
	PromptID      string  `json:"prompt_id"`
	InteractionID int64   `json:"interaction_id,omitempty"`
	Description   string  `json:"description"`
	Prompt        string  `json:"prompt,omitempty"`
	Response      string  `json:"response,omitempty"`
	LatencyMS     float64 `json:"latency_ms,omitempty"`
}

// findingFingerprint groups findings that describe the same underlying issue.
// Case and whitespace differences in descriptions must not split a group, and
// long descriptions are truncated so trailing detail does not either.
func findingFingerprint(f Finding) string {
	desc := strings.ToLower(strings.Join(strings.Fields(f.Description), " "))
	if len(desc) > 160 {
		desc = desc[:160]
	}
	return strings.ToLower(strings.TrimSpace(f.Category)) + "::" +
		strings.ToLower(strings.TrimSpace(f.MetricName)) + "::" + desc
}

// BuildReport assembles the structured report from a run's persisted rows.
// global may be nil when the run never reached scoring.
func BuildReport(audit map[string]any, findings []Finding, interactions []Interaction, scores []MetricScore, global *GlobalRisk) Report {
	byInteractionID := make(map[int64]Interaction, len(interactions))
	for _, it := range interactions {
		if it.ID != 0 {
			byInteractionID[it.ID] = it
		}
	}

	bySeverity := map[string]int{}
	for _, sev := range severityOrder {
		bySeverity[string(sev)] = 0
	}
	byCategory := map[string]int{}
	for _, f := range findings {
		bySeverity[strings.ToUpper(string(f.Severity))]++
		byCategory[strings.ToUpper(strings.TrimSpace(f.Category))]++
	}

	grouped := map[string]*GroupedIssue{}
	var order []string
	for _, f := range findings {
		fp := findingFingerprint(f)
		issue, ok := grouped[fp]
		if !ok {
			issue = &GroupedIssue{
				IssueID:     fp,
				Category:    strings.ToUpper(strings.TrimSpace(f.Category)),
				Severity:    Severity(strings.ToUpper(string(f.Severity))),
				MetricName:  f.MetricName,
				Description: strings.TrimSpace(f.Description),
			}
			if issue.Category == "" {
				issue.Category = "UNKNOWN"
			}
			if issue.Severity == "" {
				issue.Severity = SeverityLow
			}
			grouped[fp] = issue
			order = append(order, fp)
		}

		issue.Occurrences++
		if severityRank(f.Severity) > severityRank(issue.Severity) {
			issue.Severity = Severity(strings.ToUpper(string(f.Severity)))
		}

		if len(issue.EvidenceSamples) < 3 {
			sample := EvidenceSample{
				FindingID:     f.FindingID,
				PromptID:      f.PromptID,
				InteractionID: f.InteractionID,
				Description:   strings.TrimSpace(f.Description),
			}
			if src, ok := byInteractionID[f.InteractionID]; ok {
				sample.Prompt = src.Prompt
				sample.Response = src.Response
				sample.LatencyMS = src.LatencyMS
			}
			issue.EvidenceSamples = append(issue.EvidenceSamples, sample)
		}
	}

	issues := make([]GroupedIssue, 0, len(order))
	for _, fp := range order {
		issues = append(issues, *grouped[fp])
	}
	sort.SliceStable(issues, func(i, j int) bool {
		return severityRank(issues[i].Severity) > severityRank(issues[j].Severity)
	})

	critical := bySeverity[string(SeverityCritical)]
	high := bySeverity[string(SeverityHigh)]

	riskLevel := "LOW"
	if global != nil {
		switch {
		case global.Score100 >= 80:
			riskLevel = "CRITICAL"
		case global.Score100 >= 60:
			riskLevel = "HIGH"
		case global.Score100 >= 40:
			riskLevel = "MEDIUM"
		}
	} else {
		if critical > 0 {
			riskLevel = "HIGH"
		} else if high >= 3 {
			riskLevel = "MEDIUM"
		}
	}

	executive := []string{
		fmt.Sprintf("Overall Audit Risk Level: %s.", riskLevel),
		fmt.Sprintf("Primary risk vectors detected: %s.", topCategories(byCategory, 3)),
		fmt.Sprintf("Total unique architectural vulnerabilities identified: %d (from %d raw signals).", len(issues), len(findings)),
		fmt.Sprintf("Severity Breakdown: %d CRITICAL, %d HIGH, %d MEDIUM.", critical, high, bySeverity[string(SeverityMedium)]),
	}

	return Report{
		Audit: audit,
		Summary: ReportSummary{
			TotalFindingsRaw:  len(findings),
			TotalInteractions: len(interactions),
			BySeverity:        bySeverity,
			ByCategory:        byCategory,
		},
		ExecutiveSummary: executive,
		GlobalRisk:       global,
		MetricScores:     scores,
		GroupedFindings:  issues,
		UniqueIssueCount: len(issues),
	}
}

func topCategories(counts map[string]int, n int) string {
	type kv struct {
		k string
		v int
	}
	pairs := make([]kv, 0, len(counts))
	for k, v := range counts {
		pairs = append(pairs, kv{k, v})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].v != pairs[j].v {
			return pairs[i].v > pairs[j].v
		}
		return pairs[i].k < pairs[j].k
	})
	if len(pairs) == 0 {
		return "None"
	}
	if len(pairs) > n {
		pairs = pairs[:n]
	}
	names := make([]string, len(pairs))
	for i, p := range pairs {
		names[i] = p.k
	}
	return strings.Join(names, ", ")
}
