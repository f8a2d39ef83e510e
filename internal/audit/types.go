package audit

import "time"

type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Execution status lifecycle: PENDING -> RUNNING -> {SUCCESS, CANCELLED, FAILED}.
const (
	StatusPending   = "PENDING"
	StatusRunning   = "RUNNING"
	StatusSuccess   = "SUCCESS"
	StatusFailed    = "FAILED"
	StatusCancelled = "CANCELLED"
)

const (
	ResultPending   = "PENDING"
	ResultRunning   = "RUNNING"
	ResultPass      = "AUDIT_PASS"
	ResultFail      = "AUDIT_FAIL"
	ResultCancelled = "CANCELLED"
	ResultError     = "SYSTEM_ERROR"
)

// Finding is one detected issue instance tied to a single prompt/response
// pair. Findings are created by detectors (or synthesized for execution
// failures) and never mutated afterwards.
type Finding struct {
	FindingID     string   `json:"finding_id"`
	Category      string   `json:"category"`
	Severity      Severity `json:"severity"`
	MetricName    string   `json:"metric_name"`
	Description   string   `json:"description"`
	PromptID      string   `json:"prompt_id,omitempty"`
	InteractionID int64    `json:"interaction_id,omitempty"`
	Evidence      string   `json:"evidence,omitempty"`
	Tags          []string `json:"tags,omitempty"`
	Controls      []string `json:"controls,omitempty"`

	// RegScores maps a regulation name to a coverage score in [0,1]
	// (1.0 fully compliant, 0.0 fully non-compliant). Optional.
	RegScores map[string]float64 `json:"reg_scores,omitempty"`
}

// Interaction is one executed, non-empty prompt/response exchange. It exists
// independently of whether it produced findings.
type Interaction struct {
	ID        int64   `json:"id,omitempty"`
	PromptID  string  `json:"prompt_id"`
	Prompt    string  `json:"prompt"`
	Response  string  `json:"response"`
	LatencyMS float64 `json:"latency_ms"`
}

// MetricScore is the per-run, per-family severity record. Invariant:
// L, I, R, S are all in [0,1] and Score100 = round(S*100, 2).
type MetricScore struct {
	Metric     string             `json:"metric"`
	L          float64            `json:"likelihood"`
	I          float64            `json:"impact"`
	R          float64            `json:"regulatory_weight"`
	Alpha      float64            `json:"alpha"`
	Beta       float64            `json:"beta"`
	W          float64            `json:"strategic_weight"`
	S          float64            `json:"severity_score"`
	Score100   float64            `json:"severity_score_100"`
	Band       string             `json:"severity_band"`
	Frameworks map[string]float64 `json:"framework_breakdown,omitempty"`
	Signals    map[string]any     `json:"signals,omitempty"`
}

// Summary is computed once at run completion from the full metric score set.
type Summary struct {
	RiskScore        float64        `json:"risk_score"`
	TotalFindings    int            `json:"total_findings"`
	CriticalFindings int            `json:"critical_findings"`
	HighFindings     int            `json:"high_findings"`
	MetricsSnapshot  map[string]any `json:"metrics_snapshot,omitempty"`
}

// GlobalRisk is the aggregated result of ScoreGlobalSeverity.
type GlobalRisk struct {
	S        float64 `json:"severity_score"`
	Score100 float64 `json:"score_100"`
	Band     string  `json:"band"`
}

// ExecutionResult is the ephemeral per-prompt output of the model executor.
type ExecutionResult struct {
	Content string
	Latency time.Duration
}

func severityRank(s Severity) int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}
