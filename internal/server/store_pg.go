package server

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"ai-auditor/internal/audit"
	"ai-auditor/internal/executor"
)

type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// --- targets ---

func (s *PgStore) CreateTarget(meta TargetMeta) error {
	var connector []byte
	if meta.Connector != nil {
		connector, _ = json.Marshal(meta.Connector)
	}
	_, err := s.pool.Exec(context.Background(),
		`INSERT INTO targets (target_id, name, provider, model_id, connector, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6)`,
		meta.TargetID, meta.Name, nullStr(meta.Provider), nullStr(meta.ModelID), connector, meta.CreatedAt)
	return err
}

func (s *PgStore) UpdateTarget(targetID string, mutate func(*TargetMeta)) (TargetMeta, error) {
	ctx := context.Background()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return TargetMeta{}, err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx,
		`SELECT target_id, name, provider, model_id, connector, created_at, updated_at
		 FROM targets WHERE target_id=$1 FOR UPDATE`, targetID)
	meta, err := scanTarget(row)
	if err != nil {
		return TargetMeta{}, fmt.Errorf("target not found: %s", targetID)
	}
	if mutate != nil {
		mutate(&meta)
	}
	meta.UpdatedAt = nowRFC3339()
	var connector []byte
	if meta.Connector != nil {
		connector, _ = json.Marshal(meta.Connector)
	}
	_, err = tx.Exec(ctx,
		`UPDATE targets SET name=$1, provider=$2, model_id=$3, connector=$4, updated_at=$5
		 WHERE target_id=$6`,
		meta.Name, nullStr(meta.Provider), nullStr(meta.ModelID), connector, meta.UpdatedAt, targetID)
	if err != nil {
		return TargetMeta{}, err
	}
	return meta, tx.Commit(ctx)
}

func (s *PgStore) GetTarget(targetID string) (TargetMeta, bool) {
	row := s.pool.QueryRow(context.Background(),
		`SELECT target_id, name, provider, model_id, connector, created_at, updated_at
		 FROM targets WHERE target_id=$1`, targetID)
	meta, err := scanTarget(row)
	if err != nil {
		return TargetMeta{}, false
	}
	return meta, true
}

func (s *PgStore) ListTargets(limit int) []TargetMeta {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(context.Background(),
		`SELECT target_id, name, provider, model_id, connector, created_at, updated_at
		 FROM targets ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return []TargetMeta{}
	}
	defer rows.Close()
	out := []TargetMeta{}
	for rows.Next() {
		meta, err := scanTarget(rows)
		if err != nil {
			continue
		}
		out = append(out, meta)
	}
	return out
}

func (s *PgStore) DeleteTarget(targetID string) error {
	tag, err := s.pool.Exec(context.Background(),
		`DELETE FROM targets WHERE target_id=$1`, targetID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("target not found: %s", targetID)
	}
	return nil
}

// --- runs ---

func (s *PgStore) CreateRun(meta RunMeta) error {
	categories, _ := json.Marshal(meta.Categories)
	_, err := s.pool.Exec(context.Background(),
		`INSERT INTO audit_runs
		 (audit_id, target_id, execution_status, audit_result, categories, total_prompts,
		  current_progress, creator_type, creator_sub, source, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		meta.RunID, meta.TargetID, meta.Status, meta.Result, categories, meta.TotalPrompts,
		meta.Progress, nullStr(meta.CreatorType), nullStr(meta.CreatorSub), nullStr(meta.Source), meta.CreatedAt)
	return err
}

func (s *PgStore) UpdateRun(runID string, mutate func(*RunMeta)) (RunMeta, error) {
	ctx := context.Background()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return RunMeta{}, err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, selectRunSQL+` WHERE audit_id=$1 FOR UPDATE`, runID)
	meta, err := scanRunMeta(row)
	if err != nil {
		return RunMeta{}, fmt.Errorf("run not found: %s", runID)
	}
	if mutate != nil {
		mutate(&meta)
	}
	categories, _ := json.Marshal(meta.Categories)
	_, err = tx.Exec(ctx,
		`UPDATE audit_runs SET execution_status=$1, audit_result=$2, categories=$3,
		 total_prompts=$4, current_progress=$5, started_at=$6, finished_at=$7, error=$8
		 WHERE audit_id=$9`,
		meta.Status, meta.Result, categories, meta.TotalPrompts, meta.Progress,
		nullStr(meta.StartedAt), nullStr(meta.FinishedAt), nullStr(meta.Error), runID)
	if err != nil {
		return RunMeta{}, err
	}
	return meta, tx.Commit(ctx)
}

func (s *PgStore) GetRun(runID string) (RunMeta, bool) {
	row := s.pool.QueryRow(context.Background(), selectRunSQL+` WHERE audit_id=$1`, runID)
	meta, err := scanRunMeta(row)
	if err != nil {
		return RunMeta{}, false
	}
	return meta, true
}

func (s *PgStore) ListRuns(limit int) []RunMeta {
	if limit <= 0 {
		limit = 100
	}
	return s.queryRuns(selectRunSQL+` ORDER BY created_at DESC LIMIT $1`, limit)
}

func (s *PgStore) ListRunsByTarget(targetID string, limit int) []RunMeta {
	if limit <= 0 {
		limit = 50
	}
	return s.queryRuns(selectRunSQL+` WHERE target_id=$1 ORDER BY created_at DESC LIMIT $2`, targetID, limit)
}

func (s *PgStore) queryRuns(sql string, args ...any) []RunMeta {
	rows, err := s.pool.Query(context.Background(), sql, args...)
	if err != nil {
		return []RunMeta{}
	}
	defer rows.Close()
	out := []RunMeta{}
	for rows.Next() {
		meta, err := scanRunMeta(rows)
		if err != nil {
			continue
		}
		out = append(out, meta)
	}
	return out
}

func (s *PgStore) DeleteRun(runID string) error {
	tag, err := s.pool.Exec(context.Background(),
		`DELETE FROM audit_runs WHERE audit_id=$1`, runID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run not found: %s", runID)
	}
	return nil
}

func (s *PgStore) CountActiveRuns(targetID string) int {
	var count int
	_ = s.pool.QueryRow(context.Background(),
		`SELECT COUNT(*) FROM audit_runs
		 WHERE target_id=$1 AND execution_status IN ('PENDING','RUNNING')`, targetID).Scan(&count)
	return count
}

// --- engine persistence (audit.RunStore) ---

func (s *PgStore) InitRunProgress(ctx context.Context, runID string, totalPrompts int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE audit_runs SET total_prompts=$2, current_progress=0,
		 execution_status=$3, audit_result=$4, started_at=COALESCE(started_at, $5)
		 WHERE audit_id=$1`,
		runID, totalPrompts, audit.StatusRunning, audit.ResultRunning, nowRFC3339())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run not found: %s", runID)
	}
	return nil
}

func (s *PgStore) SetRunProgress(ctx context.Context, runID string, progress int) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE audit_runs SET current_progress=$2 WHERE audit_id=$1`, runID, progress)
	return err
}

func (s *PgStore) GetRunExecutionStatus(ctx context.Context, runID string) (string, error) {
	var status string
	err := s.pool.QueryRow(ctx,
		`SELECT execution_status FROM audit_runs WHERE audit_id=$1`, runID).Scan(&status)
	if err != nil {
		return "", fmt.Errorf("run not found: %s", runID)
	}
	return status, nil
}

func (s *PgStore) SaveInteractions(ctx context.Context, runID string, interactions []audit.Interaction) (map[string]int64, error) {
	ids := make(map[string]int64, len(interactions))
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)
	for _, it := range interactions {
		var id int64
		err := tx.QueryRow(ctx,
			`INSERT INTO audit_interactions (audit_id, prompt_id, prompt, response, latency_ms)
			 VALUES ($1,$2,$3,$4,$5) RETURNING id`,
			runID, it.PromptID, it.Prompt, it.Response, it.LatencyMS).Scan(&id)
		if err != nil {
			return nil, err
		}
		ids[it.PromptID] = id
	}
	return ids, tx.Commit(ctx)
}

func (s *PgStore) SaveFindings(ctx context.Context, runID string, findings []audit.Finding) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	for _, f := range findings {
		var interactionID *int64
		if f.InteractionID != 0 {
			interactionID = &f.InteractionID
		}
		tags, _ := json.Marshal(f.Tags)
		controls, _ := json.Marshal(f.Controls)
		var regScores []byte
		if len(f.RegScores) > 0 {
			regScores, _ = json.Marshal(f.RegScores)
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO audit_findings
			 (finding_id, audit_id, prompt_id, interaction_id, category, severity,
			  metric_name, description, evidence, tags, controls, reg_scores)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
			f.FindingID, runID, nullStr(f.PromptID), interactionID, f.Category,
			string(f.Severity), f.MetricName, f.Description, nullStr(f.Evidence),
			tags, controls, regScores)
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *PgStore) SaveMetricScores(ctx context.Context, runID string, scores []audit.MetricScore) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	for _, ms := range scores {
		frameworks, _ := json.Marshal(ms.Frameworks)
		signals, _ := json.Marshal(ms.Signals)
		_, err := tx.Exec(ctx,
			`INSERT INTO audit_metric_scores
			 (audit_id, metric_name, likelihood, impact, regulatory_weight, alpha, beta,
			  strategic_weight, severity_score, severity_score_100, severity_band,
			  framework_breakdown, signals)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
			runID, ms.Metric, ms.L, ms.I, ms.R, ms.Alpha, ms.Beta,
			ms.W, ms.S, ms.Score100, ms.Band, frameworks, signals)
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *PgStore) SaveSummary(ctx context.Context, runID string, summary audit.Summary) error {
	snapshot, _ := json.Marshal(summary.MetricsSnapshot)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_summaries
		 (audit_id, risk_score, total_findings, critical_findings, high_findings, metrics_snapshot)
		 VALUES ($1,$2,$3,$4,$5,$6)
		 ON CONFLICT (audit_id) DO UPDATE SET
		   risk_score=$2, total_findings=$3, critical_findings=$4, high_findings=$5, metrics_snapshot=$6`,
		runID, summary.RiskScore, summary.TotalFindings, summary.CriticalFindings,
		summary.HighFindings, snapshot)
	return err
}

func (s *PgStore) FinishRun(ctx context.Context, runID, status, result string) error {
	// The WHERE clause keeps CANCELLED sticky against a racing completion.
	_, err := s.pool.Exec(ctx,
		`UPDATE audit_runs SET execution_status=$2, audit_result=$3, finished_at=$4
		 WHERE audit_id=$1 AND NOT (execution_status=$5 AND $2=$6)`,
		runID, status, result, nowRFC3339(), audit.StatusCancelled, audit.StatusSuccess)
	return err
}

// --- run artifacts ---

func (s *PgStore) GetInteractions(runID string) []audit.Interaction {
	rows, err := s.pool.Query(context.Background(),
		`SELECT id, prompt_id, prompt, response, latency_ms
		 FROM audit_interactions WHERE audit_id=$1 ORDER BY id`, runID)
	if err != nil {
		return []audit.Interaction{}
	}
	defer rows.Close()
	out := []audit.Interaction{}
	for rows.Next() {
		var it audit.Interaction
		if err := rows.Scan(&it.ID, &it.PromptID, &it.Prompt, &it.Response, &it.LatencyMS); err != nil {
			continue
		}
		out = append(out, it)
	}
	return out
}

func (s *PgStore) GetFindings(runID string) []audit.Finding {
	rows, err := s.pool.Query(context.Background(),
		`SELECT finding_id, prompt_id, interaction_id, category, severity,
		        metric_name, description, evidence, tags, controls, reg_scores
		 FROM audit_findings WHERE audit_id=$1 ORDER BY id`, runID)
	if err != nil {
		return []audit.Finding{}
	}
	defer rows.Close()
	out := []audit.Finding{}
	for rows.Next() {
		var f audit.Finding
		var promptID, evidence *string
		var interactionID *int64
		var severity string
		var tags, controls, regScores []byte
		if err := rows.Scan(&f.FindingID, &promptID, &interactionID, &f.Category, &severity,
			&f.MetricName, &f.Description, &evidence, &tags, &controls, &regScores); err != nil {
			continue
		}
		f.PromptID = deref(promptID)
		f.Evidence = deref(evidence)
		f.Severity = audit.Severity(severity)
		if interactionID != nil {
			f.InteractionID = *interactionID
		}
		_ = json.Unmarshal(tags, &f.Tags)
		_ = json.Unmarshal(controls, &f.Controls)
		if len(regScores) > 0 {
			_ = json.Unmarshal(regScores, &f.RegScores)
		}
		out = append(out, f)
	}
	return out
}

func (s *PgStore) GetMetricScores(runID string) []audit.MetricScore {
	rows, err := s.pool.Query(context.Background(),
		`SELECT metric_name, likelihood, impact, regulatory_weight, alpha, beta,
		        strategic_weight, severity_score, severity_score_100, severity_band,
		        framework_breakdown, signals
		 FROM audit_metric_scores WHERE audit_id=$1 ORDER BY id`, runID)
	if err != nil {
		return []audit.MetricScore{}
	}
	defer rows.Close()
	out := []audit.MetricScore{}
	for rows.Next() {
		var ms audit.MetricScore
		var frameworks, signals []byte
		if err := rows.Scan(&ms.Metric, &ms.L, &ms.I, &ms.R, &ms.Alpha, &ms.Beta,
			&ms.W, &ms.S, &ms.Score100, &ms.Band, &frameworks, &signals); err != nil {
			continue
		}
		_ = json.Unmarshal(frameworks, &ms.Frameworks)
		_ = json.Unmarshal(signals, &ms.Signals)
		out = append(out, ms)
	}
	return out
}

func (s *PgStore) GetSummary(runID string) (audit.Summary, bool) {
	var summary audit.Summary
	var snapshot []byte
	err := s.pool.QueryRow(context.Background(),
		`SELECT risk_score, total_findings, critical_findings, high_findings, metrics_snapshot
		 FROM audit_summaries WHERE audit_id=$1`, runID).Scan(
		&summary.RiskScore, &summary.TotalFindings, &summary.CriticalFindings,
		&summary.HighFindings, &snapshot)
	if err != nil {
		return audit.Summary{}, false
	}
	if len(snapshot) > 0 {
		_ = json.Unmarshal(snapshot, &summary.MetricsSnapshot)
	}
	return summary, true
}

// --- events and audit trail ---

func (s *PgStore) AppendRunEvent(runID string, stage, message string, data map[string]any) (RunEvent, error) {
	var dataJSON []byte
	if data != nil {
		dataJSON, _ = json.Marshal(data)
	}
	var seq int64
	var ts time.Time
	err := s.pool.QueryRow(context.Background(),
		`INSERT INTO run_events (run_id, seq, stage, message, data)
		 VALUES ($1, COALESCE((SELECT MAX(seq) FROM run_events WHERE run_id=$1),0)+1, $2, $3, $4)
		 RETURNING seq, timestamp`, runID, stage, message, dataJSON).Scan(&seq, &ts)
	if err != nil {
		return RunEvent{}, err
	}
	return RunEvent{
		Seq:       seq,
		Timestamp: ts.UTC().Format(time.RFC3339),
		Stage:     stage,
		Message:   message,
		Data:      data,
	}, nil
}

func (s *PgStore) ListRunEvents(runID string, sinceSeq int64) []RunEvent {
	rows, err := s.pool.Query(context.Background(),
		`SELECT seq, timestamp, stage, message, data
		 FROM run_events WHERE run_id=$1 AND seq>$2 ORDER BY seq`, runID, sinceSeq)
	if err != nil {
		return []RunEvent{}
	}
	defer rows.Close()
	out := []RunEvent{}
	for rows.Next() {
		var e RunEvent
		var ts time.Time
		var dataJSON []byte
		if err := rows.Scan(&e.Seq, &ts, &e.Stage, &e.Message, &dataJSON); err != nil {
			continue
		}
		e.Timestamp = ts.UTC().Format(time.RFC3339)
		if len(dataJSON) > 0 {
			_ = json.Unmarshal(dataJSON, &e.Data)
		}
		out = append(out, e)
	}
	return out
}

func (s *PgStore) AppendAudit(event AuditEvent) error {
	if strings.TrimSpace(event.Timestamp) == "" {
		event.Timestamp = nowRFC3339()
	}
	_, err := s.pool.Exec(context.Background(),
		`INSERT INTO audit_events (timestamp, run_id, actor_type, actor_sub, action, result, ip_hash, detail)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		event.Timestamp, nullStr(event.RunID), event.ActorType, nullStr(event.ActorSub),
		event.Action, event.Result, nullStr(event.IPHash), nullStr(event.Detail))
	return err
}

func (s *PgStore) ListAudit(limit int) []AuditEvent {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.pool.Query(context.Background(),
		`SELECT timestamp, run_id, actor_type, actor_sub, action, result, ip_hash, detail
		 FROM audit_events ORDER BY timestamp DESC LIMIT $1`, limit)
	if err != nil {
		return []AuditEvent{}
	}
	defer rows.Close()
	out := []AuditEvent{}
	for rows.Next() {
		var a AuditEvent
		var ts time.Time
		var runID, actorSub, ipHash, detail *string
		if err := rows.Scan(&ts, &runID, &a.ActorType, &actorSub, &a.Action, &a.Result, &ipHash, &detail); err != nil {
			continue
		}
		a.Timestamp = ts.UTC().Format(time.RFC3339)
		a.RunID = deref(runID)
		a.ActorSub = deref(actorSub)
		a.IPHash = deref(ipHash)
		a.Detail = deref(detail)
		out = append(out, a)
	}
	return out
}

func (s *PgStore) GetMetricsOverview() MetricsOverview {
	overview := MetricsOverview{GeneratedAt: nowRFC3339()}
	_ = s.pool.QueryRow(context.Background(),
		`SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE execution_status IN ('PENDING','RUNNING')),
			COUNT(*) FILTER (WHERE audit_result='AUDIT_PASS'),
			COUNT(*) FILTER (WHERE audit_result='AUDIT_FAIL'),
			COUNT(*) FILTER (WHERE execution_status='CANCELLED'),
			COUNT(*) FILTER (WHERE execution_status='FAILED')
		 FROM audit_runs`).Scan(
		&overview.TotalRuns, &overview.RunningRuns, &overview.PassRuns,
		&overview.FailRuns, &overview.CancelledRuns, &overview.ErroredRuns)
	_ = s.pool.QueryRow(context.Background(),
		`SELECT COALESCE(AVG(risk_score),0), COALESCE(SUM(total_findings),0), COALESCE(SUM(critical_findings),0)
		 FROM audit_summaries`).Scan(
		&overview.AverageRiskScore, &overview.TotalFindings, &overview.CriticalFindings)
	return overview
}

// --- helpers ---

const selectRunSQL = `SELECT audit_id, target_id, execution_status, audit_result, categories,
	total_prompts, current_progress, creator_type, creator_sub, source,
	created_at, started_at, finished_at, error
	FROM audit_runs`

type scannable interface {
	Scan(dest ...any) error
}

func scanRunMeta(row scannable) (RunMeta, error) {
	var m RunMeta
	var categories []byte
	var creatorType, creatorSub, source, startedAt, finishedAt, errStr *string
	err := row.Scan(&m.RunID, &m.TargetID, &m.Status, &m.Result, &categories,
		&m.TotalPrompts, &m.Progress, &creatorType, &creatorSub, &source,
		&m.CreatedAt, &startedAt, &finishedAt, &errStr)
	if err != nil {
		return RunMeta{}, err
	}
	m.CreatorType = deref(creatorType)
	m.CreatorSub = deref(creatorSub)
	m.Source = deref(source)
	m.StartedAt = deref(startedAt)
	m.FinishedAt = deref(finishedAt)
	m.Error = deref(errStr)
	if len(categories) > 0 {
		_ = json.Unmarshal(categories, &m.Categories)
	}
	return m, nil
}

func scanTarget(row scannable) (TargetMeta, error) {
	var m TargetMeta
	var provider, modelID, updatedAt *string
	var connector []byte
	err := row.Scan(&m.TargetID, &m.Name, &provider, &modelID, &connector, &m.CreatedAt, &updatedAt)
	if err != nil {
		return TargetMeta{}, err
	}
	m.Provider = deref(provider)
	m.ModelID = deref(modelID)
	m.UpdatedAt = deref(updatedAt)
	if len(connector) > 0 {
		var cfg executor.Config
		if json.Unmarshal(connector, &cfg) == nil {
			m.Connector = &cfg
		}
	}
	return m, nil
}

func nullStr(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// Ensure PgStore implements Store at compile time.
var _ Store = (*PgStore)(nil)
