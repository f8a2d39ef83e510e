package audit

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"

	"github.com/google/uuid"
)

const defaultBatchSize = 5

// ErrCancelled is returned by Run when cancellation was requested, either via
// the context or via a persisted CANCELLED status.
var ErrCancelled = fmt.Errorf("audit run cancelled")

// Executor sends one prompt to the model under audit and returns its response.
// Transport failures, timeouts and non-2xx statuses surface as errors.
type Executor interface {
	Execute(ctx context.Context, prompt string) (ExecutionResult, error)
}

// RunStore is the persistence surface the engine needs. The server's Store
// implements it for both the in-memory and Postgres backends.
type RunStore interface {
	// InitRunProgress marks the run RUNNING with the given prompt total.
	InitRunProgress(ctx context.Context, runID string, totalPrompts int) error
	// SetRunProgress persists the executed-prompt watermark.
	SetRunProgress(ctx context.Context, runID string, progress int) error
	// GetRunExecutionStatus reads the current persisted status so an
	// externally requested cancellation is honored mid-run.
	GetRunExecutionStatus(ctx context.Context, runID string) (string, error)
	// SaveInteractions persists the exchanges and returns prompt_id -> row id.
	SaveInteractions(ctx context.Context, runID string, interactions []Interaction) (map[string]int64, error)
	SaveFindings(ctx context.Context, runID string, findings []Finding) error
	SaveMetricScores(ctx context.Context, runID string, scores []MetricScore) error
	SaveSummary(ctx context.Context, runID string, summary Summary) error
	// FinishRun sets the terminal status and audit result. Implementations
	// must not overwrite a run already marked CANCELLED.
	FinishRun(ctx context.Context, runID, status, result string) error
}

// Engine executes the full audit pipeline for one run: prompt execution in
// concurrent batches, detector evaluation, regulatory accumulation, scoring
// and summary persistence.
type Engine struct {
	store     RunStore
	detectors map[string]Detector
	logger    *slog.Logger
	batchSize int
}

func NewEngine(store RunStore, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:     store,
		detectors: DefaultDetectors(),
		logger:    logger,
		batchSize: defaultBatchSize,
	}
}

type batchResult struct {
	entry PromptEntry
	res   ExecutionResult
	err   error
}

// Run drives a queued run to a terminal state. Categories selects which
// catalog families to execute; empty means all. Run returns ErrCancelled when
// the run was cancelled, nil on SUCCESS, and the underlying error when a
// persistence step failed (the caller marks the run FAILED).
func (e *Engine) Run(ctx context.Context, runID string, executor Executor, categories []string) error {
	prompts := PromptsForCategories(categories)
	total := len(prompts)

	if err := e.store.InitRunProgress(ctx, runID, total); err != nil {
		return fmt.Errorf("init run progress: %w", err)
	}

	e.logger.Info("audit run started", "run_id", runID, "prompts", total)

	var (
		interactions []Interaction
		findings     []Finding
		accumulator  = NewRegScoreAccumulator()

		promptsExecuted int
		totalLatencySec float64
	)

	for offset := 0; offset < total; offset += e.batchSize {
		cancelled, err := e.cancelRequested(ctx, runID)
		if err != nil {
			return err
		}
		if cancelled {
			return e.markCancelled(ctx, runID)
		}

		end := offset + e.batchSize
		if end > total {
			end = total
		}
		batch := prompts[offset:end]

		results := make([]batchResult, len(batch))
		var wg sync.WaitGroup
		for i, entry := range batch {
			if strings.TrimSpace(entry.Text) == "" {
				continue
			}
			wg.Add(1)
			go func(i int, entry PromptEntry) {
				defer wg.Done()
				res, err := executor.Execute(ctx, entry.Text)
				results[i] = batchResult{entry: entry, res: res, err: err}
			}(i, entry)
		}
		wg.Wait()

		for _, r := range results {
			if strings.TrimSpace(r.entry.Text) == "" {
				continue
			}
			if r.err != nil {
				findings = append(findings, Finding{
					FindingID:   newFindingID(),
					Category:    "compliance",
					Severity:    SeverityHigh,
					MetricName:  "execution_failure",
					Description: r.err.Error(),
					PromptID:    r.entry.ID,
				})
				continue
			}

			latencySec := r.res.Latency.Seconds()
			promptsExecuted++
			totalLatencySec += latencySec

			interactions = append(interactions, Interaction{
				PromptID:  r.entry.ID,
				Prompt:    r.entry.Text,
				Response:  r.res.Content,
				LatencyMS: math.Round(latencySec*1000*100) / 100,
			})

			detector, ok := e.detectors[r.entry.Category]
			if !ok {
				continue
			}
			for _, det := range detector.Evaluate(r.entry.Text, r.res.Content) {
				fam := MetricFamily(r.entry.Category, det.Metric)
				for reg, score := range det.RegScores {
					accumulator.Observe(fam, reg, score)
				}
				findings = append(findings, Finding{
					FindingID:   newFindingID(),
					Category:    fam,
					Severity:    det.Severity,
					MetricName:  det.Metric,
					Description: det.Explanation,
					PromptID:    r.entry.ID,
					Evidence:    det.Evidence,
					Tags:        det.Tags,
					Controls:    det.Controls,
					RegScores:   det.RegScores,
				})
			}
		}

		if err := e.store.SetRunProgress(ctx, runID, end); err != nil {
			return fmt.Errorf("set run progress: %w", err)
		}
	}

	interactionIDs, err := e.store.SaveInteractions(ctx, runID, interactions)
	if err != nil {
		return fmt.Errorf("save interactions: %w", err)
	}
	for i := range findings {
		findings[i].InteractionID = interactionIDs[findings[i].PromptID]
	}
	if err := e.store.SaveFindings(ctx, runID, findings); err != nil {
		return fmt.Errorf("save findings: %w", err)
	}

	likelihood := ComputeLikelihood(findings, len(interactions))
	scores := make([]MetricScore, 0, len(MetricFamilies))
	for _, fam := range MetricFamilies {
		signal := likelihood[fam]
		r, breakdown := ComputeRegulatoryWeight(fam, accumulator.Family(fam))
		impact := ImpactBaseline(fam)
		s, score100 := ScoreMetricSeverity(signal.L, impact, r, DefaultAlpha, DefaultBeta)

		scores = append(scores, MetricScore{
			Metric:     fam,
			L:          Clamp01(signal.L),
			I:          Clamp01(impact),
			R:          Clamp01(r),
			Alpha:      DefaultAlpha,
			Beta:       DefaultBeta,
			W:          1.0,
			S:          s,
			Score100:   score100,
			Band:       SeverityBandFromScore100(score100),
			Frameworks: breakdown,
			Signals:    signal.Signals,
		})
	}
	if err := e.store.SaveMetricScores(ctx, runID, scores); err != nil {
		return fmt.Errorf("save metric scores: %w", err)
	}

	global := ScoreGlobalSeverity(scores)
	critical, high := 0, 0
	for _, f := range findings {
		switch f.Severity {
		case SeverityCritical:
			critical++
		case SeverityHigh:
			high++
		}
	}

	avgLatency := 0.0
	if promptsExecuted > 0 {
		avgLatency = math.Round(totalLatencySec/float64(promptsExecuted)*1000) / 1000
	}
	summary := Summary{
		RiskScore:        global.Score100,
		TotalFindings:    len(findings),
		CriticalFindings: critical,
		HighFindings:     high,
		MetricsSnapshot: map[string]any{
			"avg_latency_seconds": avgLatency,
			"prompts_executed":    promptsExecuted,
		},
	}
	if err := e.store.SaveSummary(ctx, runID, summary); err != nil {
		return fmt.Errorf("save summary: %w", err)
	}

	// A cancellation that raced with the scoring phase still wins: the run
	// must never flip from CANCELLED to SUCCESS.
	cancelled, err := e.cancelRequested(ctx, runID)
	if err != nil {
		return err
	}
	if cancelled {
		e.logger.Warn("audit run cancelled during finalization", "run_id", runID)
		return e.markCancelled(ctx, runID)
	}

	result := ResultPass
	if critical > 0 {
		result = ResultFail
	}
	if err := e.store.FinishRun(ctx, runID, StatusSuccess, result); err != nil {
		return fmt.Errorf("finish run: %w", err)
	}

	e.logger.Info("audit run finished",
		"run_id", runID,
		"result", result,
		"risk_score", global.Score100,
		"findings", len(findings),
	)
	return nil
}

func (e *Engine) cancelRequested(ctx context.Context, runID string) (bool, error) {
	if ctx.Err() != nil {
		return true, nil
	}
	status, err := e.store.GetRunExecutionStatus(ctx, runID)
	if err != nil {
		return false, fmt.Errorf("read run status: %w", err)
	}
	return status == StatusCancelled, nil
}

func (e *Engine) markCancelled(ctx context.Context, runID string) error {
	// Use a fresh context: the run context may already be cancelled and the
	// terminal state still has to be persisted.
	if err := e.store.FinishRun(context.WithoutCancel(ctx), runID, StatusCancelled, ResultCancelled); err != nil {
		return fmt.Errorf("mark cancelled: %w", err)
	}
	return ErrCancelled
}

func newFindingID() string {
	return "finding_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
