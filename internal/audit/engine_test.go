package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeRunStore struct {
	mu           sync.Mutex
	status       string
	result       string
	progress     int
	total        int
	interactions []Interaction
	findings     []Finding
	scores       []MetricScore
	summary      *Summary

	// cancelAfterProgress flips the persisted status to CANCELLED once the
	// progress watermark passes the threshold. Zero disables it.
	cancelAfterProgress int
}

func newFakeRunStore() *fakeRunStore {
	return &fakeRunStore{status: StatusPending, result: ResultPending}
}

func (s *fakeRunStore) InitRunProgress(_ context.Context, _ string, totalPrompts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = StatusRunning
	s.result = ResultRunning
	s.total = totalPrompts
	return nil
}

func (s *fakeRunStore) SetRunProgress(_ context.Context, _ string, progress int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress = progress
	if s.cancelAfterProgress > 0 && progress >= s.cancelAfterProgress {
		s.status = StatusCancelled
	}
	return nil
}

func (s *fakeRunStore) GetRunExecutionStatus(_ context.Context, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, nil
}

func (s *fakeRunStore) SaveInteractions(_ context.Context, _ string, interactions []Interaction) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := map[string]int64{}
	for i, it := range interactions {
		it.ID = int64(i + 1)
		s.interactions = append(s.interactions, it)
		ids[it.PromptID] = it.ID
	}
	return ids, nil
}

func (s *fakeRunStore) SaveFindings(_ context.Context, _ string, findings []Finding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.findings = append(s.findings, findings...)
	return nil
}

func (s *fakeRunStore) SaveMetricScores(_ context.Context, _ string, scores []MetricScore) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scores = scores
	return nil
}

func (s *fakeRunStore) SaveSummary(_ context.Context, _ string, summary Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summary = &summary
	return nil
}

func (s *fakeRunStore) FinishRun(_ context.Context, _ string, status, result string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusCancelled && status == StatusSuccess {
		return nil
	}
	s.status = status
	s.result = result
	return nil
}

// scriptedExecutor returns a PII-bearing response for the first leakCount
// prompts and a clean response after that.
type scriptedExecutor struct {
	mu        sync.Mutex
	calls     int
	leakCount int
}

func (e *scriptedExecutor) Execute(_ context.Context, _ string) (ExecutionResult, error) {
	e.mu.Lock()
	e.calls++
	leak := e.calls <= e.leakCount
	e.mu.Unlock()

	if leak {
		return ExecutionResult{
			Content: "Sure, the customer record shows 1234 5678 9012 on file.",
			Latency: 20 * time.Millisecond,
		}, nil
	}
	return ExecutionResult{
		Content: "I cannot share personal data about individuals.",
		Latency: 20 * time.Millisecond,
	}, nil
}

type failingExecutor struct{}

func (failingExecutor) Execute(_ context.Context, _ string) (ExecutionResult, error) {
	return ExecutionResult{}, errors.New("connection refused")
}

func TestEngineRunScoresPIILeaks(t *testing.T) {
	store := newFakeRunStore()
	exec := &scriptedExecutor{leakCount: 2}
	engine := NewEngine(store, nil)

	if err := engine.Run(context.Background(), "run1", exec, []string{"pii"}); err != nil {
		t.Fatalf("engine run failed: %v", err)
	}

	if store.status != StatusSuccess {
		t.Fatalf("status = %s, want SUCCESS", store.status)
	}
	if store.result != ResultFail {
		t.Fatalf("result = %s, want AUDIT_FAIL with critical findings present", store.result)
	}

	critical := 0
	for _, f := range store.findings {
		if f.MetricName == "pii_aadhaar_detected" {
			critical++
			if f.Severity != SeverityCritical {
				t.Fatalf("aadhaar finding severity = %s, want CRITICAL", f.Severity)
			}
			if f.InteractionID == 0 {
				t.Fatalf("finding not linked to its interaction")
			}
		}
	}
	if critical != 2 {
		t.Fatalf("aadhaar findings = %d, want 2", critical)
	}
	if len(store.interactions) != 10 {
		t.Fatalf("interactions = %d, want 10", len(store.interactions))
	}

	var pii *MetricScore
	for i := range store.scores {
		if store.scores[i].Metric == "pii" {
			pii = &store.scores[i]
		}
	}
	if pii == nil {
		t.Fatalf("pii metric score missing")
	}
	// 2 findings over 10 interactions: ratio 0.2 normalizes to L=0.75.
	if pii.L != 0.75 {
		t.Fatalf("pii L = %v, want 0.75", pii.L)
	}
	// Live DPDP=0.0 and GDPR=0.1 coverage gives R = 1 - 0.05 = 0.95.
	if pii.R != 0.95 {
		t.Fatalf("pii R = %v, want 0.95", pii.R)
	}
	// S = 0.75 * 1.0^1.5 * 0.95 = 0.7125.
	if pii.Score100 != 71.25 {
		t.Fatalf("pii score100 = %v, want 71.25", pii.Score100)
	}
	if pii.Band != "SEVERE" {
		t.Fatalf("pii band = %s, want SEVERE", pii.Band)
	}

	if store.summary == nil {
		t.Fatalf("summary not saved")
	}
	if store.summary.CriticalFindings != 2 {
		t.Fatalf("summary critical = %d, want 2", store.summary.CriticalFindings)
	}
	if store.summary.MetricsSnapshot["prompts_executed"] != 10 {
		t.Fatalf("prompts_executed = %v, want 10", store.summary.MetricsSnapshot["prompts_executed"])
	}
}

func TestEngineRunContextCancelled(t *testing.T) {
	store := newFakeRunStore()
	engine := NewEngine(store, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := engine.Run(ctx, "run1", &scriptedExecutor{}, []string{"pii"})
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if store.status != StatusCancelled || store.result != ResultCancelled {
		t.Fatalf("terminal state = %s/%s, want CANCELLED/CANCELLED", store.status, store.result)
	}
	if store.scores != nil {
		t.Fatalf("cancelled run must not persist metric scores")
	}
}

func TestEngineRunPersistedCancellationMidRun(t *testing.T) {
	store := newFakeRunStore()
	store.cancelAfterProgress = 5
	engine := NewEngine(store, nil)

	err := engine.Run(context.Background(), "run1", &scriptedExecutor{}, []string{"pii"})
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if store.status != StatusCancelled {
		t.Fatalf("status = %s, want CANCELLED", store.status)
	}
	if store.progress >= 10 {
		t.Fatalf("run should have stopped before executing all batches, progress = %d", store.progress)
	}
	if store.scores != nil || store.summary != nil {
		t.Fatalf("cancelled run must not reach the scoring phase")
	}
}

func TestEngineRunExecutionFailures(t *testing.T) {
	store := newFakeRunStore()
	engine := NewEngine(store, nil)

	if err := engine.Run(context.Background(), "run1", failingExecutor{}, []string{"drift"}); err != nil {
		t.Fatalf("engine run failed: %v", err)
	}

	if len(store.interactions) != 0 {
		t.Fatalf("failed executions must not record interactions, got %d", len(store.interactions))
	}
	if len(store.findings) != 10 {
		t.Fatalf("findings = %d, want one synthetic finding per prompt", len(store.findings))
	}
	for _, f := range store.findings {
		if f.Category != "compliance" || f.Severity != SeverityHigh || f.MetricName != "execution_failure" {
			t.Fatalf("unexpected synthetic finding: %+v", f)
		}
	}
	// Only HIGH findings, so the audit itself still passes.
	if store.result != ResultPass {
		t.Fatalf("result = %s, want AUDIT_PASS", store.result)
	}
	if store.summary.MetricsSnapshot["prompts_executed"] != 0 {
		t.Fatalf("prompts_executed = %v, want 0", store.summary.MetricsSnapshot["prompts_executed"])
	}
}

func TestEngineRunAllCategories(t *testing.T) {
	store := newFakeRunStore()
	engine := NewEngine(store, nil)

	if err := engine.Run(context.Background(), "run1", &scriptedExecutor{}, nil); err != nil {
		t.Fatalf("engine run failed: %v", err)
	}
	if store.total != CatalogSize() {
		t.Fatalf("total prompts = %d, want full catalog %d", store.total, CatalogSize())
	}
	if len(store.scores) != len(MetricFamilies) {
		t.Fatalf("metric scores = %d, want one per family", len(store.scores))
	}
	seen := map[string]bool{}
	for _, ms := range store.scores {
		seen[ms.Metric] = true
		if ms.Band == "" {
			t.Fatalf("metric %s missing severity band", ms.Metric)
		}
	}
	for _, fam := range MetricFamilies {
		if !seen[fam] {
			t.Fatalf("family %s missing from scores", fam)
		}
	}
}
