package server

import (
	"time"

	"ai-auditor/internal/executor"
)

// Principal is the authenticated caller. Method records how the caller
// authenticated so the audit trail can tell session users from the shared
// operator token.
type Principal struct {
	Subject  string `json:"subject"`
	Username string `json:"username"`
	Role     string `json:"role"`
	Method   string `json:"method,omitempty"`
}

// Actor returns the attribution pair written to the audit trail.
func (p Principal) Actor() (actorType, actorSub string) {
	actorType = p.Method
	if actorType == "" {
		actorType = p.Role
	}
	if actorType == "" {
		actorType = "anonymous"
	}
	return actorType, p.Subject
}

// TargetMeta is one registered AI model under audit, together with its
// connector contract. The connector is the only thing the executor knows
// about a target.
type TargetMeta struct {
	TargetID  string           `json:"target_id"`
	Name      string           `json:"name"`
	Provider  string           `json:"provider,omitempty"`
	ModelID   string           `json:"model_id,omitempty"`
	Connector *executor.Config `json:"connector,omitempty"`
	CreatedAt string           `json:"created_at"`
	UpdatedAt string           `json:"updated_at,omitempty"`
}

// AuditRunRequest is the client payload that starts a run.
type AuditRunRequest struct {
	TargetID   string   `json:"target_id"`
	Categories []string `json:"categories,omitempty"`
}

// RunMeta is the audit run lifecycle record. Status follows
// PENDING -> RUNNING -> {SUCCESS, CANCELLED, FAILED}; Result stays PENDING or
// RUNNING until the run reaches a terminal status.
type RunMeta struct {
	RunID        string   `json:"audit_id"`
	TargetID     string   `json:"target_id"`
	Status       string   `json:"execution_status"`
	Result       string   `json:"audit_result"`
	Categories   []string `json:"categories,omitempty"`
	TotalPrompts int      `json:"total_prompts"`
	Progress     int      `json:"current_progress"`
	CreatorType  string   `json:"creator_type,omitempty"`
	CreatorSub   string   `json:"creator_sub,omitempty"`
	Source       string   `json:"source,omitempty"`
	CreatedAt    string   `json:"created_at"`
	StartedAt    string   `json:"started_at,omitempty"`
	FinishedAt   string   `json:"finished_at,omitempty"`
	Error        string   `json:"error,omitempty"`
}

type AuditEvent struct {
	Timestamp string `json:"timestamp"`
	RunID     string `json:"run_id,omitempty"`
	ActorType string `json:"actor_type"`
	ActorSub  string `json:"actor_sub,omitempty"`
	Action    string `json:"action"`
	Result    string `json:"result"`
	IPHash    string `json:"ip_hash,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

type RunEvent struct {
	Seq       int64          `json:"seq"`
	Timestamp string         `json:"timestamp"`
	Stage     string         `json:"stage"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
}

type MetricsOverview struct {
	GeneratedAt      string  `json:"generated_at"`
	TotalRuns        int     `json:"total_runs"`
	RunningRuns      int     `json:"running_runs"`
	PassRuns         int     `json:"pass_runs"`
	FailRuns         int     `json:"fail_runs"`
	CancelledRuns    int     `json:"cancelled_runs"`
	ErroredRuns      int     `json:"errored_runs"`
	TotalFindings    int     `json:"total_findings"`
	CriticalFindings int     `json:"critical_findings"`
	AverageRiskScore float64 `json:"average_risk_score"`
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}
