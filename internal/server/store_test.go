package server

import (
	"context"
	"testing"

	"ai-auditor/internal/audit"
)

func TestMemoryStoreRunLifecycle(t *testing.T) {
	store, err := NewMemoryFileStore("")
	if err != nil {
		t.Fatalf("NewMemoryFileStore error: %v", err)
	}
	meta := RunMeta{
		RunID:       "audit_test_1",
		TargetID:    "tgt_1",
		Status:      audit.StatusPending,
		Result:      audit.ResultPending,
		Source:      "test",
		CreatorType: "admin",
		CreatedAt:   nowRFC3339(),
	}
	if err := store.CreateRun(meta); err != nil {
		t.Fatalf("CreateRun error: %v", err)
	}
	event, err := store.AppendRunEvent(meta.RunID, "queue", "queued", nil)
	if err != nil {
		t.Fatalf("AppendRunEvent error: %v", err)
	}
	if event.Seq != 1 {
		t.Fatalf("expected first seq=1, got %d", event.Seq)
	}
	updated, err := store.UpdateRun(meta.RunID, func(item *RunMeta) {
		item.Status = audit.StatusRunning
	})
	if err != nil {
		t.Fatalf("UpdateRun error: %v", err)
	}
	if updated.Status != audit.StatusRunning {
		t.Fatalf("expected status RUNNING, got %s", updated.Status)
	}
}

func TestMemoryStoreFinishRunCancelledSticky(t *testing.T) {
	store, _ := NewMemoryFileStore("")
	ctx := context.Background()
	_ = store.CreateRun(RunMeta{RunID: "audit_1", TargetID: "t", Status: audit.StatusRunning, CreatedAt: nowRFC3339()})

	_, _ = store.UpdateRun("audit_1", func(m *RunMeta) {
		m.Status = audit.StatusCancelled
		m.Result = audit.ResultCancelled
	})
	if err := store.FinishRun(ctx, "audit_1", audit.StatusSuccess, audit.ResultPass); err != nil {
		t.Fatalf("FinishRun error: %v", err)
	}
	meta, _ := store.GetRun("audit_1")
	if meta.Status != audit.StatusCancelled || meta.Result != audit.ResultCancelled {
		t.Fatalf("CANCELLED must not flip to SUCCESS, got %s/%s", meta.Status, meta.Result)
	}

	// A FAILED terminal state can still land on a cancelled run record.
	if err := store.FinishRun(ctx, "audit_1", audit.StatusFailed, audit.ResultError); err != nil {
		t.Fatalf("FinishRun error: %v", err)
	}
	meta, _ = store.GetRun("audit_1")
	if meta.Status != audit.StatusFailed {
		t.Fatalf("expected FAILED, got %s", meta.Status)
	}
}

func TestMemoryStoreCountActiveRuns(t *testing.T) {
	store, _ := NewMemoryFileStore("")
	_ = store.CreateRun(RunMeta{RunID: "a1", TargetID: "t1", Status: audit.StatusPending, CreatedAt: nowRFC3339()})
	_ = store.CreateRun(RunMeta{RunID: "a2", TargetID: "t1", Status: audit.StatusRunning, CreatedAt: nowRFC3339()})
	_ = store.CreateRun(RunMeta{RunID: "a3", TargetID: "t1", Status: audit.StatusSuccess, CreatedAt: nowRFC3339()})
	_ = store.CreateRun(RunMeta{RunID: "a4", TargetID: "t2", Status: audit.StatusRunning, CreatedAt: nowRFC3339()})

	if got := store.CountActiveRuns("t1"); got != 2 {
		t.Fatalf("CountActiveRuns(t1) = %d, want 2", got)
	}
	if got := store.CountActiveRuns("t2"); got != 1 {
		t.Fatalf("CountActiveRuns(t2) = %d, want 1", got)
	}
}

func TestMemoryStoreInteractionsAssignIDs(t *testing.T) {
	store, _ := NewMemoryFileStore("")
	ctx := context.Background()
	_ = store.CreateRun(RunMeta{RunID: "a1", TargetID: "t1", Status: audit.StatusRunning, CreatedAt: nowRFC3339()})

	ids, err := store.SaveInteractions(ctx, "a1", []audit.Interaction{
		{PromptID: "pii_1", Prompt: "p1", Response: "r1"},
		{PromptID: "pii_2", Prompt: "p2", Response: "r2"},
	})
	if err != nil {
		t.Fatalf("SaveInteractions error: %v", err)
	}
	if ids["pii_1"] == 0 || ids["pii_2"] == 0 || ids["pii_1"] == ids["pii_2"] {
		t.Fatalf("interaction ids not assigned uniquely: %v", ids)
	}
	stored := store.GetInteractions("a1")
	if len(stored) != 2 {
		t.Fatalf("interactions = %d, want 2", len(stored))
	}
}

func TestMemoryStoreRunEventsCursor(t *testing.T) {
	store, _ := NewMemoryFileStore("")
	_ = store.CreateRun(RunMeta{RunID: "a1", TargetID: "t1", Status: audit.StatusRunning, CreatedAt: nowRFC3339()})
	for i := 0; i < 3; i++ {
		if _, err := store.AppendRunEvent("a1", "stage", "msg", nil); err != nil {
			t.Fatalf("AppendRunEvent error: %v", err)
		}
	}
	events := store.ListRunEvents("a1", 1)
	if len(events) != 2 {
		t.Fatalf("expected 2 events after seq 1, got %d", len(events))
	}
	if events[0].Seq != 2 {
		t.Fatalf("first returned seq = %d, want 2", events[0].Seq)
	}
}

func TestMemoryStoreTargetCRUD(t *testing.T) {
	store, _ := NewMemoryFileStore("")
	meta := TargetMeta{TargetID: "t1", Name: "staging model", CreatedAt: nowRFC3339()}
	if err := store.CreateTarget(meta); err != nil {
		t.Fatalf("CreateTarget error: %v", err)
	}
	if err := store.CreateTarget(meta); err == nil {
		t.Fatalf("duplicate target must be rejected")
	}
	updated, err := store.UpdateTarget("t1", func(m *TargetMeta) {
		m.Name = "prod model"
	})
	if err != nil {
		t.Fatalf("UpdateTarget error: %v", err)
	}
	if updated.Name != "prod model" || updated.UpdatedAt == "" {
		t.Fatalf("update not applied: %+v", updated)
	}
	if err := store.DeleteTarget("t1"); err != nil {
		t.Fatalf("DeleteTarget error: %v", err)
	}
	if _, ok := store.GetTarget("t1"); ok {
		t.Fatalf("target still present after delete")
	}
}

func TestMemoryStoreMetricsOverview(t *testing.T) {
	store, _ := NewMemoryFileStore("")
	ctx := context.Background()
	_ = store.CreateRun(RunMeta{RunID: "a1", TargetID: "t", Status: audit.StatusSuccess, Result: audit.ResultFail, CreatedAt: nowRFC3339()})
	_ = store.CreateRun(RunMeta{RunID: "a2", TargetID: "t", Status: audit.StatusRunning, Result: audit.ResultRunning, CreatedAt: nowRFC3339()})
	_ = store.SaveSummary(ctx, "a1", audit.Summary{RiskScore: 40, TotalFindings: 6, CriticalFindings: 2})

	overview := store.GetMetricsOverview()
	if overview.TotalRuns != 2 || overview.RunningRuns != 1 || overview.FailRuns != 1 {
		t.Fatalf("unexpected overview counts: %+v", overview)
	}
	if overview.AverageRiskScore != 40 || overview.CriticalFindings != 2 {
		t.Fatalf("unexpected overview aggregates: %+v", overview)
	}
}
