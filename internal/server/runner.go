package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"ai-auditor/internal/audit"
	"ai-auditor/internal/executor"
)

// RunManager owns the run queue and the fixed worker pool that drives audit
// runs to completion.
type RunManager struct {
	cfg         ServerConfig
	store       Store
	obs         *Observability
	registry    *RunRegistry
	logger      *slog.Logger
	queue       chan queuedRun
	wg          sync.WaitGroup
	createLimit *actorRateLimiter

	// newExecutor is swapped out in tests.
	newExecutor func(executor.Config) (audit.Executor, error)
}

type RunnerService interface {
	CreateAuditRun(request AuditRunRequest, principal Principal, source, ipHash string) (RunMeta, error)
	CancelRun(runID string, principal Principal) (RunMeta, error)
}

type queuedRun struct {
	RunID      string
	TargetID   string
	Categories []string
}

func NewRunManager(cfg ServerConfig, store Store, registry *RunRegistry, obs *Observability, logger *slog.Logger) *RunManager {
	if logger == nil {
		logger = slog.Default()
	}
	maxParallel := cfg.Audits.MaxParallelRuns
	if maxParallel <= 0 {
		maxParallel = 2
	}
	manager := &RunManager{
		cfg:         cfg,
		store:       store,
		obs:         obs,
		registry:    registry,
		logger:      logger,
		queue:       make(chan queuedRun, maxParallel*8),
		createLimit: newActorRateLimiter(cfg.Audits.CreateRPM),
		newExecutor: func(connector executor.Config) (audit.Executor, error) {
			return executor.New(connector)
		},
	}
	for i := 0; i < maxParallel; i++ {
		manager.wg.Add(1)
		go func() {
			defer manager.wg.Done()
			manager.worker()
		}()
	}
	return manager
}

func (m *RunManager) Shutdown() {
	close(m.queue)
	m.wg.Wait()
}

func (m *RunManager) CreateAuditRun(request AuditRunRequest, principal Principal, source, ipHash string) (RunMeta, error) {
	targetID := strings.TrimSpace(request.TargetID)
	if targetID == "" {
		return RunMeta{}, errors.New("target_id is required")
	}
	target, ok := m.store.GetTarget(targetID)
	if !ok {
		return RunMeta{}, fmt.Errorf("target not found: %s", targetID)
	}
	// Fail fast on a broken connector instead of queueing a doomed run.
	if target.Connector == nil {
		return RunMeta{}, errors.New("target has no connector configured")
	}
	if err := target.Connector.Validate(); err != nil {
		return RunMeta{}, err
	}
	for _, category := range request.Categories {
		if !knownCategory(category) {
			return RunMeta{}, fmt.Errorf("unknown category: %s", category)
		}
	}
	if m.store.CountActiveRuns(targetID) > 0 {
		return RunMeta{}, errors.New("an audit is already active for this target")
	}
	actorType, actorSub := principal.Actor()
	limitKey := actorSub
	if limitKey == "" {
		limitKey = actorType
	}
	if !m.createLimit.Allow(limitKey) {
		_ = m.store.AppendAudit(AuditEvent{
			Timestamp: nowRFC3339(),
			ActorType: actorType,
			ActorSub:  actorSub,
			Action:    "run.create",
			Result:    "rate_limited",
			IPHash:    ipHash,
		})
		return RunMeta{}, errors.New("run creation rate limit reached")
	}

	runID := randomID("audit")
	meta := RunMeta{
		RunID:       runID,
		TargetID:    targetID,
		Status:      audit.StatusPending,
		Result:      audit.ResultPending,
		Categories:  request.Categories,
		CreatorType: principal.Role,
		CreatorSub:  principal.Subject,
		Source:      source,
		CreatedAt:   nowRFC3339(),
	}
	if err := m.store.CreateRun(meta); err != nil {
		return RunMeta{}, err
	}
	_, _ = m.store.AppendRunEvent(runID, "queue", "audit run queued", map[string]any{
		"target_id": targetID,
		"source":    source,
	})
	_ = m.store.AppendAudit(AuditEvent{
		Timestamp: nowRFC3339(),
		RunID:     runID,
		ActorType: actorType,
		ActorSub:  actorSub,
		Action:    "run.create",
		Result:    "queued",
		IPHash:    ipHash,
	})
	m.queue <- queuedRun{
		RunID:      runID,
		TargetID:   targetID,
		Categories: request.Categories,
	}
	return meta, nil
}

// CancelRun marks a run CANCELLED and interrupts its worker if it is already
// executing. Cancelling a run that is already cancelled is a no-op; a run in
// any other terminal state cannot be cancelled.
func (m *RunManager) CancelRun(runID string, principal Principal) (RunMeta, error) {
	meta, ok := m.store.GetRun(runID)
	if !ok {
		return RunMeta{}, fmt.Errorf("run not found: %s", runID)
	}
	switch meta.Status {
	case audit.StatusCancelled:
		return meta, nil
	case audit.StatusSuccess, audit.StatusFailed:
		return RunMeta{}, fmt.Errorf("run already finished with status %s", meta.Status)
	}

	meta, err := m.store.UpdateRun(runID, func(r *RunMeta) {
		r.Status = audit.StatusCancelled
		r.Result = audit.ResultCancelled
		if r.FinishedAt == "" {
			r.FinishedAt = nowRFC3339()
		}
	})
	if err != nil {
		return RunMeta{}, err
	}
	interrupted := m.registry.Cancel(runID)
	m.obs.MarkCancellation(context.Background(), stageForCancel(interrupted))
	_, _ = m.store.AppendRunEvent(runID, "cancel", "cancellation requested", map[string]any{
		"interrupted": interrupted,
	})
	actorType, actorSub := principal.Actor()
	_ = m.store.AppendAudit(AuditEvent{
		Timestamp: nowRFC3339(),
		RunID:     runID,
		ActorType: actorType,
		ActorSub:  actorSub,
		Action:    "run.cancel",
		Result:    "cancelled",
	})
	return meta, nil
}

func stageForCancel(interrupted bool) string {
	if interrupted {
		return "running"
	}
	return "queued"
}

func (m *RunManager) worker() {
	for item := range m.queue {
		m.executeRun(item)
	}
}

func (m *RunManager) executeRun(item queuedRun) {
	meta, ok := m.store.GetRun(item.RunID)
	if !ok || meta.Status == audit.StatusCancelled {
		return
	}

	target, ok := m.store.GetTarget(item.TargetID)
	if !ok || target.Connector == nil {
		m.failRun(item.RunID, "target or connector missing at execution time")
		return
	}
	connector := *target.Connector
	if connector.TimeoutSec <= 0 {
		connector.TimeoutSec = m.cfg.Audits.DefaultTimeoutSec
	}
	exec, err := m.newExecutor(connector)
	if err != nil {
		m.failRun(item.RunID, err.Error())
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.registry.Register(item.RunID, cancel)
	defer func() {
		m.registry.Unregister(item.RunID)
		cancel()
	}()

	_, _ = m.store.AppendRunEvent(item.RunID, "start", "audit run started", map[string]any{
		"target_id": item.TargetID,
	})

	started := time.Now()
	engine := audit.NewEngine(m.store, m.logger)
	err = engine.Run(ctx, item.RunID, exec, item.Categories)

	switch {
	case errors.Is(err, audit.ErrCancelled):
		m.obs.MarkRun(context.Background(), audit.StatusCancelled)
		_, _ = m.store.AppendRunEvent(item.RunID, "finish", "audit run cancelled", nil)
		m.logger.Info("audit run cancelled", "run_id", item.RunID)
	case err != nil:
		m.obs.MarkRun(context.Background(), audit.StatusFailed)
		m.failRun(item.RunID, err.Error())
		m.logger.Error("audit run failed", "run_id", item.RunID, "error", err)
	default:
		m.obs.MarkRun(context.Background(), audit.StatusSuccess)
		m.recordRunMetrics(item.RunID)
		_, _ = m.store.AppendRunEvent(item.RunID, "finish", "audit run completed", map[string]any{
			"duration_ms": time.Since(started).Milliseconds(),
		})
	}
}

func (m *RunManager) failRun(runID, detail string) {
	_, _ = m.store.UpdateRun(runID, func(r *RunMeta) {
		if r.Status == audit.StatusCancelled {
			return
		}
		r.Status = audit.StatusFailed
		r.Result = audit.ResultError
		r.Error = detail
		r.FinishedAt = nowRFC3339()
	})
	_, _ = m.store.AppendRunEvent(runID, "finish", "audit run failed", map[string]any{
		"error": detail,
	})
}

func (m *RunManager) recordRunMetrics(runID string) {
	ctx := context.Background()
	for _, finding := range m.store.GetFindings(runID) {
		m.obs.MarkFinding(ctx, string(finding.Severity))
	}
	for _, it := range m.store.GetInteractions(runID) {
		m.obs.MarkPromptLatency(ctx, promptCategory(it.PromptID), int64(it.LatencyMS))
	}
}

// Catalog prompt IDs are prefixed with their family shorthand.
var promptPrefixFamilies = map[string]string{
	"comp":  "compliance",
	"pii":   "pii",
	"bias":  "bias",
	"hall":  "hallucination",
	"drift": "drift",
	"phi":   "phi",
}

func promptCategory(promptID string) string {
	prefix, _, ok := strings.Cut(promptID, "_")
	if !ok {
		return "unknown"
	}
	if fam, ok := promptPrefixFamilies[prefix]; ok {
		return fam
	}
	return "unknown"
}

func knownCategory(category string) bool {
	for _, fam := range audit.MetricFamilies {
		if category == fam {
			return true
		}
	}
	return false
}

func randomID(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
