package server

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"ai-auditor/internal/audit"
)

// Store is the full persistence surface: target registry, run lifecycle,
// run artifacts (interactions, findings, scores, summary), the per-run event
// stream and the append-only audit trail. It embeds the engine's RunStore so
// both backends can be handed straight to the audit engine.
type Store interface {
	audit.RunStore

	CreateTarget(meta TargetMeta) error
	UpdateTarget(targetID string, mutate func(*TargetMeta)) (TargetMeta, error)
	GetTarget(targetID string) (TargetMeta, bool)
	ListTargets(limit int) []TargetMeta
	DeleteTarget(targetID string) error

	CreateRun(meta RunMeta) error
	UpdateRun(runID string, mutate func(*RunMeta)) (RunMeta, error)
	GetRun(runID string) (RunMeta, bool)
	ListRuns(limit int) []RunMeta
	ListRunsByTarget(targetID string, limit int) []RunMeta
	DeleteRun(runID string) error
	CountActiveRuns(targetID string) int

	GetInteractions(runID string) []audit.Interaction
	GetFindings(runID string) []audit.Finding
	GetMetricScores(runID string) []audit.MetricScore
	GetSummary(runID string) (audit.Summary, bool)

	AppendRunEvent(runID string, stage, message string, data map[string]any) (RunEvent, error)
	ListRunEvents(runID string, sinceSeq int64) []RunEvent
	AppendAudit(event AuditEvent) error
	ListAudit(limit int) []AuditEvent
	GetMetricsOverview() MetricsOverview
}

// MemoryFileStore keeps everything in memory with an optional JSON snapshot
// on disk. It is the dev/test backend; production uses PgStore.
type MemoryFileStore struct {
	mu           sync.RWMutex
	path         string
	targets      map[string]TargetMeta
	runs         map[string]RunMeta
	interactions map[string][]audit.Interaction
	findings     map[string][]audit.Finding
	scores       map[string][]audit.MetricScore
	summaries    map[string]audit.Summary
	events       map[string][]RunEvent
	audit        []AuditEvent
	nextSeq      map[string]int64
	nextInterID  int64
}

func NewMemoryFileStore(path string) (*MemoryFileStore, error) {
	store := &MemoryFileStore{
		path:         path,
		targets:      map[string]TargetMeta{},
		runs:         map[string]RunMeta{},
		interactions: map[string][]audit.Interaction{},
		findings:     map[string][]audit.Finding{},
		scores:       map[string][]audit.MetricScore{},
		summaries:    map[string]audit.Summary{},
		events:       map[string][]RunEvent{},
		audit:        []AuditEvent{},
		nextSeq:      map[string]int64{},
	}
	if strings.TrimSpace(path) == "" {
		return store, nil
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

// --- targets ---

func (s *MemoryFileStore) CreateTarget(meta TargetMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.targets[meta.TargetID]; exists {
		return fmt.Errorf("target %s already exists", meta.TargetID)
	}
	s.targets[meta.TargetID] = meta
	return s.persistLocked()
}

func (s *MemoryFileStore) UpdateTarget(targetID string, mutate func(*TargetMeta)) (TargetMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, ok := s.targets[targetID]
	if !ok {
		return TargetMeta{}, fmt.Errorf("target not found: %s", targetID)
	}
	if mutate != nil {
		mutate(&meta)
	}
	meta.UpdatedAt = nowRFC3339()
	s.targets[targetID] = meta
	if err := s.persistLocked(); err != nil {
		return TargetMeta{}, err
	}
	return meta, nil
}

func (s *MemoryFileStore) GetTarget(targetID string) (TargetMeta, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	meta, ok := s.targets[targetID]
	return meta, ok
}

func (s *MemoryFileStore) ListTargets(limit int) []TargetMeta {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]TargetMeta, 0, len(s.targets))
	for _, meta := range s.targets {
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt > out[j].CreatedAt
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *MemoryFileStore) DeleteTarget(targetID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.targets[targetID]; !ok {
		return fmt.Errorf("target not found: %s", targetID)
	}
	delete(s.targets, targetID)
	return s.persistLocked()
}

// --- runs ---

func (s *MemoryFileStore) CreateRun(meta RunMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[meta.RunID]; exists {
		return fmt.Errorf("run %s already exists", meta.RunID)
	}
	s.runs[meta.RunID] = meta
	if _, ok := s.events[meta.RunID]; !ok {
		s.events[meta.RunID] = []RunEvent{}
	}
	if _, ok := s.nextSeq[meta.RunID]; !ok {
		s.nextSeq[meta.RunID] = 1
	}
	return s.persistLocked()
}

func (s *MemoryFileStore) UpdateRun(runID string, mutate func(*RunMeta)) (RunMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateRunLocked(runID, mutate)
}

func (s *MemoryFileStore) updateRunLocked(runID string, mutate func(*RunMeta)) (RunMeta, error) {
	meta, ok := s.runs[runID]
	if !ok {
		return RunMeta{}, fmt.Errorf("run not found: %s", runID)
	}
	if mutate != nil {
		mutate(&meta)
	}
	s.runs[runID] = meta
	if err := s.persistLocked(); err != nil {
		return RunMeta{}, err
	}
	return meta, nil
}

func (s *MemoryFileStore) GetRun(runID string) (RunMeta, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	meta, ok := s.runs[runID]
	return meta, ok
}

func (s *MemoryFileStore) ListRuns(limit int) []RunMeta {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]RunMeta, 0, len(s.runs))
	for _, meta := range s.runs {
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt > out[j].CreatedAt
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *MemoryFileStore) ListRunsByTarget(targetID string, limit int) []RunMeta {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]RunMeta, 0)
	for _, meta := range s.runs {
		if meta.TargetID == targetID {
			out = append(out, meta)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt > out[j].CreatedAt
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *MemoryFileStore) DeleteRun(runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[runID]; !ok {
		return fmt.Errorf("run not found: %s", runID)
	}
	delete(s.runs, runID)
	delete(s.interactions, runID)
	delete(s.findings, runID)
	delete(s.scores, runID)
	delete(s.summaries, runID)
	delete(s.events, runID)
	delete(s.nextSeq, runID)
	return s.persistLocked()
}

func (s *MemoryFileStore) CountActiveRuns(targetID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, meta := range s.runs {
		if meta.TargetID != targetID {
			continue
		}
		switch meta.Status {
		case audit.StatusPending, audit.StatusRunning:
			count++
		}
	}
	return count
}

// --- engine persistence (audit.RunStore) ---

func (s *MemoryFileStore) InitRunProgress(_ context.Context, runID string, totalPrompts int) error {
	_, err := s.UpdateRun(runID, func(m *RunMeta) {
		m.TotalPrompts = totalPrompts
		m.Progress = 0
		m.Status = audit.StatusRunning
		m.Result = audit.ResultRunning
		if m.StartedAt == "" {
			m.StartedAt = nowRFC3339()
		}
	})
	return err
}

func (s *MemoryFileStore) SetRunProgress(_ context.Context, runID string, progress int) error {
	_, err := s.UpdateRun(runID, func(m *RunMeta) {
		m.Progress = progress
	})
	return err
}

func (s *MemoryFileStore) GetRunExecutionStatus(_ context.Context, runID string) (string, error) {
	meta, ok := s.GetRun(runID)
	if !ok {
		return "", fmt.Errorf("run not found: %s", runID)
	}
	return meta.Status, nil
}

func (s *MemoryFileStore) SaveInteractions(_ context.Context, runID string, interactions []audit.Interaction) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[runID]; !ok {
		return nil, fmt.Errorf("run not found: %s", runID)
	}
	ids := make(map[string]int64, len(interactions))
	stored := make([]audit.Interaction, 0, len(interactions))
	for _, it := range interactions {
		s.nextInterID++
		it.ID = s.nextInterID
		stored = append(stored, it)
		ids[it.PromptID] = it.ID
	}
	s.interactions[runID] = append(s.interactions[runID], stored...)
	if err := s.persistLocked(); err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *MemoryFileStore) SaveFindings(_ context.Context, runID string, findings []audit.Finding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[runID]; !ok {
		return fmt.Errorf("run not found: %s", runID)
	}
	s.findings[runID] = append(s.findings[runID], findings...)
	return s.persistLocked()
}

func (s *MemoryFileStore) SaveMetricScores(_ context.Context, runID string, scores []audit.MetricScore) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[runID]; !ok {
		return fmt.Errorf("run not found: %s", runID)
	}
	s.scores[runID] = scores
	return s.persistLocked()
}

func (s *MemoryFileStore) SaveSummary(_ context.Context, runID string, summary audit.Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[runID]; !ok {
		return fmt.Errorf("run not found: %s", runID)
	}
	s.summaries[runID] = summary
	return s.persistLocked()
}

func (s *MemoryFileStore) FinishRun(_ context.Context, runID, status, result string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.updateRunLocked(runID, func(m *RunMeta) {
		// CANCELLED is sticky: a completion racing with a cancel loses.
		if m.Status == audit.StatusCancelled && status == audit.StatusSuccess {
			return
		}
		m.Status = status
		m.Result = result
		m.FinishedAt = nowRFC3339()
	})
	return err
}

// --- run artifacts ---

func (s *MemoryFileStore) GetInteractions(runID string) []audit.Interaction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]audit.Interaction, len(s.interactions[runID]))
	copy(out, s.interactions[runID])
	return out
}

func (s *MemoryFileStore) GetFindings(runID string) []audit.Finding {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]audit.Finding, len(s.findings[runID]))
	copy(out, s.findings[runID])
	return out
}

func (s *MemoryFileStore) GetMetricScores(runID string) []audit.MetricScore {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]audit.MetricScore, len(s.scores[runID]))
	copy(out, s.scores[runID])
	return out
}

func (s *MemoryFileStore) GetSummary(runID string) (audit.Summary, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	summary, ok := s.summaries[runID]
	return summary, ok
}

// --- events and audit trail ---

func (s *MemoryFileStore) AppendRunEvent(runID string, stage, message string, data map[string]any) (RunEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[runID]; !ok {
		return RunEvent{}, fmt.Errorf("run not found: %s", runID)
	}
	seq := s.nextSeq[runID]
	if seq < 1 {
		seq = 1
	}
	event := RunEvent{
		Seq:       seq,
		Timestamp: nowRFC3339(),
		Stage:     stage,
		Message:   message,
		Data:      cloneMap(data),
	}
	s.nextSeq[runID] = seq + 1
	s.events[runID] = append(s.events[runID], event)
	if err := s.persistLocked(); err != nil {
		return RunEvent{}, err
	}
	return event, nil
}

func (s *MemoryFileStore) ListRunEvents(runID string, sinceSeq int64) []RunEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := s.events[runID]
	if len(events) == 0 {
		return []RunEvent{}
	}
	out := make([]RunEvent, 0, len(events))
	for _, event := range events {
		if event.Seq > sinceSeq {
			out = append(out, event)
		}
	}
	return out
}

func (s *MemoryFileStore) AppendAudit(event AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.TrimSpace(event.Timestamp) == "" {
		event.Timestamp = nowRFC3339()
	}
	s.audit = append(s.audit, event)
	if len(s.audit) > 5000 {
		s.audit = s.audit[len(s.audit)-5000:]
	}
	return s.persistLocked()
}

func (s *MemoryFileStore) ListAudit(limit int) []AuditEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.audit) == 0 {
		return []AuditEvent{}
	}
	out := make([]AuditEvent, len(s.audit))
	copy(out, s.audit)
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp > out[j].Timestamp
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *MemoryFileStore) GetMetricsOverview() MetricsOverview {
	s.mu.RLock()
	defer s.mu.RUnlock()
	overview := MetricsOverview{
		GeneratedAt: nowRFC3339(),
	}
	var riskTotal float64
	riskCount := 0
	for _, run := range s.runs {
		overview.TotalRuns++
		switch run.Status {
		case audit.StatusPending, audit.StatusRunning:
			overview.RunningRuns++
		case audit.StatusCancelled:
			overview.CancelledRuns++
		case audit.StatusFailed:
			overview.ErroredRuns++
		}
		switch run.Result {
		case audit.ResultPass:
			overview.PassRuns++
		case audit.ResultFail:
			overview.FailRuns++
		}
		if summary, ok := s.summaries[run.RunID]; ok {
			riskTotal += summary.RiskScore
			riskCount++
			overview.TotalFindings += summary.TotalFindings
			overview.CriticalFindings += summary.CriticalFindings
		}
	}
	if riskCount > 0 {
		overview.AverageRiskScore = riskTotal / float64(riskCount)
	}
	return overview
}

// --- snapshot persistence ---

type storeSnapshot struct {
	Targets      []TargetMeta                   `json:"targets"`
	Runs         []RunMeta                      `json:"runs"`
	Interactions map[string][]audit.Interaction `json:"interactions"`
	Findings     map[string][]audit.Finding     `json:"findings"`
	Scores       map[string][]audit.MetricScore `json:"scores"`
	Summaries    map[string]audit.Summary       `json:"summaries"`
	Events       map[string][]RunEvent          `json:"events"`
	Audit        []AuditEvent                   `json:"audit"`
}

func (s *MemoryFileStore) load() error {
	data, err := os.ReadFile(filepath.Clean(s.path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read store snapshot: %w", err)
	}
	var snapshot storeSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return fmt.Errorf("decode store snapshot: %w", err)
	}
	for _, target := range snapshot.Targets {
		s.targets[target.TargetID] = target
	}
	for _, run := range snapshot.Runs {
		s.runs[run.RunID] = run
	}
	if snapshot.Interactions != nil {
		s.interactions = snapshot.Interactions
	}
	if snapshot.Findings != nil {
		s.findings = snapshot.Findings
	}
	if snapshot.Scores != nil {
		s.scores = snapshot.Scores
	}
	if snapshot.Summaries != nil {
		s.summaries = snapshot.Summaries
	}
	for runID, events := range snapshot.Events {
		s.events[runID] = events
		maxSeq := int64(0)
		for _, event := range events {
			if event.Seq > maxSeq {
				maxSeq = event.Seq
			}
		}
		s.nextSeq[runID] = maxSeq + 1
	}
	for _, batch := range s.interactions {
		for _, it := range batch {
			if it.ID > s.nextInterID {
				s.nextInterID = it.ID
			}
		}
	}
	s.audit = snapshot.Audit
	return nil
}

func (s *MemoryFileStore) persistLocked() error {
	if strings.TrimSpace(s.path) == "" {
		return nil
	}
	targets := make([]TargetMeta, 0, len(s.targets))
	for _, target := range s.targets {
		targets = append(targets, target)
	}
	sort.Slice(targets, func(i, j int) bool {
		return targets[i].CreatedAt < targets[j].CreatedAt
	})
	runs := make([]RunMeta, 0, len(s.runs))
	for _, run := range s.runs {
		runs = append(runs, run)
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt < runs[j].CreatedAt
	})
	snapshot := storeSnapshot{
		Targets:      targets,
		Runs:         runs,
		Interactions: s.interactions,
		Findings:     s.findings,
		Scores:       s.scores,
		Summaries:    s.summaries,
		Events:       s.events,
		Audit:        s.audit,
	}
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("encode store snapshot: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}
	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write store temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("replace store snapshot: %w", err)
	}
	return nil
}

func cloneMap(input map[string]any) map[string]any {
	if input == nil {
		return nil
	}
	out := make(map[string]any, len(input))
	for key, value := range input {
		out[key] = value
	}
	return out
}
