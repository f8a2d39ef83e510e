package server

import (
	"context"
	"testing"
	"time"

	"ai-auditor/internal/audit"
	"ai-auditor/internal/executor"
)

type stubExecutor struct {
	content string
}

func (e stubExecutor) Execute(_ context.Context, _ string) (audit.ExecutionResult, error) {
	return audit.ExecutionResult{Content: e.content, Latency: time.Millisecond}, nil
}

func newTestManager(t *testing.T, store Store) *RunManager {
	t.Helper()
	cfg := DefaultServerConfig()
	cfg.Audits.MaxParallelRuns = 1
	manager := NewRunManager(cfg, store, NewRunRegistry(), nil, nil)
	manager.newExecutor = func(executor.Config) (audit.Executor, error) {
		return stubExecutor{content: "I cannot help with that request."}, nil
	}
	return manager
}

func testTarget() TargetMeta {
	return TargetMeta{
		TargetID: "tgt_1",
		Name:     "staging model",
		Connector: &executor.Config{
			Endpoint:        "http://localhost:9999/v1/chat",
			RequestTemplate: map[string]any{"prompt": "{{PROMPT}}"},
			ResponsePath:    "text",
		},
		CreatedAt: nowRFC3339(),
	}
}

func TestCreateAuditRunRejectsMissingTarget(t *testing.T) {
	store, _ := NewMemoryFileStore("")
	manager := newTestManager(t, store)
	defer manager.Shutdown()

	_, err := manager.CreateAuditRun(AuditRunRequest{TargetID: "missing"}, Principal{Subject: "u"}, "api", "")
	if err == nil {
		t.Fatalf("expected error for unknown target")
	}
}

func TestCreateAuditRunRejectsBrokenConnector(t *testing.T) {
	store, _ := NewMemoryFileStore("")
	manager := newTestManager(t, store)
	defer manager.Shutdown()

	_ = store.CreateTarget(TargetMeta{TargetID: "t_noconn", Name: "x", CreatedAt: nowRFC3339()})
	if _, err := manager.CreateAuditRun(AuditRunRequest{TargetID: "t_noconn"}, Principal{Subject: "u"}, "api", ""); err == nil {
		t.Fatalf("expected error for target without connector")
	}

	bad := testTarget()
	bad.TargetID = "t_badconn"
	bad.Connector.ResponsePath = ""
	_ = store.CreateTarget(bad)
	if _, err := manager.CreateAuditRun(AuditRunRequest{TargetID: "t_badconn"}, Principal{Subject: "u"}, "api", ""); err == nil {
		t.Fatalf("expected error for invalid connector")
	}
}

func TestCreateAuditRunRejectsUnknownCategory(t *testing.T) {
	store, _ := NewMemoryFileStore("")
	manager := newTestManager(t, store)
	defer manager.Shutdown()

	_ = store.CreateTarget(testTarget())
	_, err := manager.CreateAuditRun(AuditRunRequest{
		TargetID:   "tgt_1",
		Categories: []string{"pii", "nonsense"},
	}, Principal{Subject: "u"}, "api", "")
	if err == nil {
		t.Fatalf("expected error for unknown category")
	}
}

func TestCreateAuditRunRejectsConcurrentRunPerTarget(t *testing.T) {
	store, _ := NewMemoryFileStore("")
	manager := newTestManager(t, store)
	defer manager.Shutdown()

	_ = store.CreateTarget(testTarget())
	_ = store.CreateRun(RunMeta{RunID: "busy", TargetID: "tgt_1", Status: audit.StatusRunning, CreatedAt: nowRFC3339()})

	_, err := manager.CreateAuditRun(AuditRunRequest{TargetID: "tgt_1"}, Principal{Subject: "u"}, "api", "")
	if err == nil {
		t.Fatalf("expected error while another run is active on the target")
	}
}

func TestCreateAuditRunExecutesToCompletion(t *testing.T) {
	store, _ := NewMemoryFileStore("")
	manager := newTestManager(t, store)

	_ = store.CreateTarget(testTarget())
	meta, err := manager.CreateAuditRun(AuditRunRequest{
		TargetID:   "tgt_1",
		Categories: []string{"drift"},
	}, Principal{Subject: "auditor", Role: "user"}, "api", "abcd1234")
	if err != nil {
		t.Fatalf("CreateAuditRun error: %v", err)
	}
	if meta.Status != audit.StatusPending {
		t.Fatalf("new run status = %s, want PENDING", meta.Status)
	}

	// Shutdown drains the queue, so the run is terminal afterwards.
	manager.Shutdown()

	finished, _ := store.GetRun(meta.RunID)
	if finished.Status != audit.StatusSuccess {
		t.Fatalf("run status = %s (%s), want SUCCESS", finished.Status, finished.Error)
	}
	if finished.Result != audit.ResultPass && finished.Result != audit.ResultFail {
		t.Fatalf("run result = %s, want a terminal audit result", finished.Result)
	}
	if len(store.GetInteractions(meta.RunID)) == 0 {
		t.Fatalf("no interactions recorded")
	}
	if len(store.GetMetricScores(meta.RunID)) != len(audit.MetricFamilies) {
		t.Fatalf("expected one metric score per family")
	}
	if _, ok := store.GetSummary(meta.RunID); !ok {
		t.Fatalf("summary not saved")
	}
}

func TestCancelRunLifecycle(t *testing.T) {
	store, _ := NewMemoryFileStore("")
	manager := newTestManager(t, store)
	defer manager.Shutdown()

	_ = store.CreateRun(RunMeta{RunID: "r1", TargetID: "t", Status: audit.StatusPending, Result: audit.ResultPending, CreatedAt: nowRFC3339()})

	meta, err := manager.CancelRun("r1", Principal{Subject: "u", Role: "admin"})
	if err != nil {
		t.Fatalf("CancelRun error: %v", err)
	}
	if meta.Status != audit.StatusCancelled {
		t.Fatalf("status = %s, want CANCELLED", meta.Status)
	}

	// Cancelling again is a no-op, not an error.
	if _, err := manager.CancelRun("r1", Principal{Subject: "u"}); err != nil {
		t.Fatalf("second cancel should be idempotent: %v", err)
	}

	_ = store.CreateRun(RunMeta{RunID: "r2", TargetID: "t", Status: audit.StatusSuccess, Result: audit.ResultPass, CreatedAt: nowRFC3339()})
	if _, err := manager.CancelRun("r2", Principal{Subject: "u"}); err == nil {
		t.Fatalf("cancelling a finished run must fail")
	}

	if _, err := manager.CancelRun("nope", Principal{Subject: "u"}); err == nil {
		t.Fatalf("cancelling an unknown run must fail")
	}
}

func TestCreateAuditRunRateLimited(t *testing.T) {
	store, _ := NewMemoryFileStore("")
	cfg := DefaultServerConfig()
	cfg.Audits.MaxParallelRuns = 1
	cfg.Audits.CreateRPM = 1
	manager := NewRunManager(cfg, store, NewRunRegistry(), nil, nil)
	manager.newExecutor = func(executor.Config) (audit.Executor, error) {
		return stubExecutor{content: "ok"}, nil
	}
	defer manager.Shutdown()

	target := testTarget()
	_ = store.CreateTarget(target)
	second := testTarget()
	second.TargetID = "tgt_2"
	_ = store.CreateTarget(second)

	if _, err := manager.CreateAuditRun(AuditRunRequest{TargetID: "tgt_1", Categories: []string{"drift"}}, Principal{Subject: "u"}, "api", "iphash"); err != nil {
		t.Fatalf("first create failed: %v", err)
	}
	_, err := manager.CreateAuditRun(AuditRunRequest{TargetID: "tgt_2", Categories: []string{"drift"}}, Principal{Subject: "u"}, "api", "iphash")
	if err == nil {
		t.Fatalf("expected rate limit error on second create")
	}

	events := store.ListAudit(10)
	found := false
	for _, e := range events {
		if e.Result == "rate_limited" && e.IPHash == "iphash" {
			found = true
		}
	}
	if !found {
		t.Fatalf("rate_limited audit event with ip hash not recorded")
	}
}

func TestPromptCategoryResolution(t *testing.T) {
	cases := map[string]string{
		"comp_3":  "compliance",
		"pii_10":  "pii",
		"hall_2":  "hallucination",
		"drift_1": "drift",
		"phi_4":   "phi",
		"bias_7":  "bias",
		"weird":   "unknown",
		"zzz_1":   "unknown",
	}
	for promptID, want := range cases {
		if got := promptCategory(promptID); got != want {
			t.Fatalf("promptCategory(%q) = %s, want %s", promptID, got, want)
		}
	}
}
