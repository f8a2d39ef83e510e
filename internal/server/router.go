package server

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"

	"ai-auditor/internal/audit"
	"ai-auditor/internal/executor"
)

type API struct {
	auth   *Auth
	store  Store
	runner RunnerService
	obs    *Observability
}

func NewAPI(auth *Auth, store Store, runner RunnerService, obs *Observability) *API {
	return &API{
		auth:   auth,
		store:  store,
		runner: runner,
		obs:    obs,
	}
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", a.handleHealthz)

	mux.HandleFunc("POST /api/v1/auth/login", a.auth.HandleLogin)
	mux.HandleFunc("POST /api/v1/auth/logout", a.auth.HandleLogout)
	mux.HandleFunc("GET /api/v1/auth/me", a.auth.HandleMe)

	mux.Handle("POST /api/v1/targets", a.auth.RequireAdmin(http.HandlerFunc(a.handleCreateTarget)))
	mux.Handle("GET /api/v1/targets", a.auth.Require(http.HandlerFunc(a.handleListTargets)))
	mux.Handle("GET /api/v1/targets/{id}", a.auth.Require(http.HandlerFunc(a.handleGetTarget)))
	mux.Handle("PUT /api/v1/targets/{id}", a.auth.RequireAdmin(http.HandlerFunc(a.handleUpdateTarget)))
	mux.Handle("DELETE /api/v1/targets/{id}", a.auth.RequireAdmin(http.HandlerFunc(a.handleDeleteTarget)))

	mux.Handle("POST /api/v1/audits", a.auth.Require(http.HandlerFunc(a.handleCreateAudit)))
	mux.Handle("GET /api/v1/audits", a.auth.Require(http.HandlerFunc(a.handleListAudits)))
	mux.Handle("GET /api/v1/audits/{id}", a.auth.Require(http.HandlerFunc(a.handleGetAudit)))
	mux.Handle("POST /api/v1/audits/{id}/cancel", a.auth.Require(http.HandlerFunc(a.handleCancelAudit)))
	mux.Handle("GET /api/v1/audits/{id}/events", a.auth.Require(http.HandlerFunc(a.handleAuditEventsSSE)))
	mux.Handle("GET /api/v1/audits/{id}/report", a.auth.Require(http.HandlerFunc(a.handleAuditReport)))
	mux.Handle("DELETE /api/v1/audits/{id}", a.auth.RequireAdmin(http.HandlerFunc(a.handleDeleteAudit)))

	mux.Handle("GET /api/v1/metrics/overview", a.auth.RequireAdmin(http.HandlerFunc(a.handleOverview)))
	mux.Handle("GET /api/v1/audit-trail", a.auth.RequireAdmin(http.HandlerFunc(a.handleAuditTrail)))

	wrapped := otelhttp.NewHandler(mux, "auditor-api-http")
	return withCORS(wrapped)
}

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":   true,
		"time": nowRFC3339(),
	})
}

// --- targets ---

func (a *API) handleCreateTarget(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name      string           `json:"name"`
		Provider  string           `json:"provider"`
		ModelID   string           `json:"model_id"`
		Connector *executor.Config `json:"connector"`
	}
	if err := decodeJSONBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(body.Name) == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if body.Connector != nil {
		if err := body.Connector.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	meta := TargetMeta{
		TargetID:  randomID("target"),
		Name:      strings.TrimSpace(body.Name),
		Provider:  strings.TrimSpace(body.Provider),
		ModelID:   strings.TrimSpace(body.ModelID),
		Connector: body.Connector,
		CreatedAt: nowRFC3339(),
	}
	if err := a.store.CreateTarget(meta); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	principal, _ := PrincipalFromContext(r.Context())
	actorType, actorSub := principal.Actor()
	_ = a.store.AppendAudit(AuditEvent{
		Timestamp: nowRFC3339(),
		ActorType: actorType,
		ActorSub:  actorSub,
		Action:    "target.create",
		Result:    "created",
		Detail:    meta.TargetID,
	})
	writeJSON(w, http.StatusCreated, meta)
}

func (a *API) handleListTargets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"targets": a.store.ListTargets(100),
	})
}

func (a *API) handleGetTarget(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	meta, ok := a.store.GetTarget(id)
	if !ok {
		writeError(w, http.StatusNotFound, "target not found")
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (a *API) handleUpdateTarget(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	var body struct {
		Name      string           `json:"name"`
		Provider  string           `json:"provider"`
		ModelID   string           `json:"model_id"`
		Connector *executor.Config `json:"connector"`
	}
	if err := decodeJSONBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.Connector != nil {
		if err := body.Connector.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	meta, err := a.store.UpdateTarget(id, func(t *TargetMeta) {
		if strings.TrimSpace(body.Name) != "" {
			t.Name = strings.TrimSpace(body.Name)
		}
		if strings.TrimSpace(body.Provider) != "" {
			t.Provider = strings.TrimSpace(body.Provider)
		}
		if strings.TrimSpace(body.ModelID) != "" {
			t.ModelID = strings.TrimSpace(body.ModelID)
		}
		if body.Connector != nil {
			t.Connector = body.Connector
		}
	})
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (a *API) handleDeleteTarget(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if err := a.store.DeleteTarget(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// --- audits ---

func (a *API) handleCreateAudit(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("auditor-api").Start(r.Context(), "audits.create")
	defer span.End()
	principal, _ := PrincipalFromContext(ctx)
	var req AuditRunRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	meta, err := a.runner.CreateAuditRun(req, principal, "api", actorHash(r))
	if err != nil {
		span.RecordError(err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"audit_id":         meta.RunID,
		"execution_status": meta.Status,
	})
}

func (a *API) handleListAudits(w http.ResponseWriter, r *http.Request) {
	targetID := strings.TrimSpace(r.URL.Query().Get("target_id"))
	var runs []RunMeta
	if targetID != "" {
		runs = a.store.ListRunsByTarget(targetID, 100)
	} else {
		runs = a.store.ListRuns(100)
	}
	writeJSON(w, http.StatusOK, map[string]any{"audits": runs})
}

func (a *API) handleGetAudit(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	meta, ok := a.store.GetRun(id)
	if !ok {
		writeError(w, http.StatusNotFound, "audit not found")
		return
	}
	view := map[string]any{"audit": meta}
	if summary, ok := a.store.GetSummary(id); ok {
		view["summary"] = summary
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) handleCancelAudit(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	principal, _ := PrincipalFromContext(r.Context())
	meta, err := a.runner.CancelRun(id, principal)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"audit_id":         meta.RunID,
		"execution_status": meta.Status,
		"audit_result":     meta.Result,
	})
}

func (a *API) handleDeleteAudit(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	meta, ok := a.store.GetRun(id)
	if !ok {
		writeError(w, http.StatusNotFound, "audit not found")
		return
	}
	if meta.Status == audit.StatusRunning || meta.Status == audit.StatusPending {
		writeError(w, http.StatusConflict, "cannot delete an active audit")
		return
	}
	if err := a.store.DeleteRun(id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	principal, _ := PrincipalFromContext(r.Context())
	actorType, actorSub := principal.Actor()
	_ = a.store.AppendAudit(AuditEvent{
		Timestamp: nowRFC3339(),
		RunID:     id,
		ActorType: actorType,
		ActorSub:  actorSub,
		Action:    "run.delete",
		Result:    "deleted",
	})
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (a *API) handleAuditEventsSSE(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if _, ok := a.store.GetRun(id); !ok {
		writeError(w, http.StatusNotFound, "audit not found")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	cursor := sinceSeq(r)
	send := func(events []RunEvent) {
		for _, event := range events {
			payload, marshalErr := json.Marshal(event)
			if marshalErr != nil {
				continue
			}
			fmt.Fprintf(w, "id: %d\n", event.Seq)
			fmt.Fprintf(w, "event: run_event\n")
			fmt.Fprintf(w, "data: %s\n\n", payload)
			cursor = event.Seq
		}
		flusher.Flush()
	}
	send(a.store.ListRunEvents(id, cursor))

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			events := a.store.ListRunEvents(id, cursor)
			if len(events) > 0 {
				send(events)
			} else {
				_, _ = fmt.Fprint(w, ": ping\n\n")
				flusher.Flush()
			}
		}
	}
}

func (a *API) handleAuditReport(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	meta, ok := a.store.GetRun(id)
	if !ok {
		writeError(w, http.StatusNotFound, "audit not found")
		return
	}

	var global *audit.GlobalRisk
	if summary, ok := a.store.GetSummary(id); ok {
		global = &audit.GlobalRisk{
			S:        summary.RiskScore / 100.0,
			Score100: summary.RiskScore,
			Band:     audit.SeverityBandFromScore100(summary.RiskScore),
		}
	}
	report := audit.BuildReport(
		map[string]any{
			"audit_id":         meta.RunID,
			"target_id":        meta.TargetID,
			"execution_status": meta.Status,
			"audit_result":     meta.Result,
			"created_at":       meta.CreatedAt,
			"finished_at":      meta.FinishedAt,
		},
		a.store.GetFindings(id),
		a.store.GetInteractions(id),
		a.store.GetMetricScores(id),
		global,
	)
	writeJSON(w, http.StatusOK, report)
}

// --- ops ---

func (a *API) handleOverview(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.store.GetMetricsOverview())
}

func (a *API) handleAuditTrail(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"audit": a.store.ListAudit(200),
	})
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Admin-Token")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func actorHash(r *http.Request) string {
	ip, _, _ := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if ip == "" {
		ip = strings.TrimSpace(r.RemoteAddr)
	}
	return hashString(ip)
}
