package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"ai-auditor/internal/audit"
)

func newTestAPI(t *testing.T) (*API, *MemoryFileStore, *RunManager) {
	t.Helper()
	store, err := NewMemoryFileStore("")
	if err != nil {
		t.Fatalf("NewMemoryFileStore error: %v", err)
	}
	cfg := DefaultServerConfig()
	cfg.Security.AdminToken = "test-admin-token"
	cfg.Audits.MaxParallelRuns = 1
	auth := NewAuth(nil, cfg)
	manager := NewRunManager(cfg, store, NewRunRegistry(), nil, nil)
	return NewAPI(auth, store, manager, nil), store, manager
}

func TestHealthzOpen(t *testing.T) {
	api, _, manager := newTestAPI(t)
	defer manager.Shutdown()
	handler := api.Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d, want 200", rec.Code)
	}
}

func TestProtectedRoutesRequireAuth(t *testing.T) {
	api, _, manager := newTestAPI(t)
	defer manager.Shutdown()
	handler := api.Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/audits", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated list = %d, want 401", rec.Code)
	}

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/audits", nil)
	req.Header.Set("X-Admin-Token", "test-admin-token")
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("admin-token list = %d, want 200", rec.Code)
	}
}

func TestAdminRoutesRejectBadToken(t *testing.T) {
	api, _, manager := newTestAPI(t)
	defer manager.Shutdown()
	handler := api.Handler()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/targets", strings.NewReader(`{"name":"x"}`))
	req.Header.Set("X-Admin-Token", "wrong")
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token = %d, want 401", rec.Code)
	}
}

func TestCreateTargetAndGet(t *testing.T) {
	api, _, manager := newTestAPI(t)
	defer manager.Shutdown()
	handler := api.Handler()

	body := `{"name":"staging model","provider":"openai","connector":{"endpoint":"http://localhost/v1","request_template":{"prompt":"{{PROMPT}}"},"response_path":"text"}}`
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/targets", strings.NewReader(body))
	req.Header.Set("X-Admin-Token", "test-admin-token")
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create target = %d: %s", rec.Code, rec.Body.String())
	}

	var created TargetMeta
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode created target: %v", err)
	}
	if created.TargetID == "" {
		t.Fatalf("target id not assigned")
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/v1/targets/"+created.TargetID, nil)
	req.Header.Set("X-Admin-Token", "test-admin-token")
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("get target = %d", rec.Code)
	}
}

func TestCreateTargetRejectsInvalidConnector(t *testing.T) {
	api, _, manager := newTestAPI(t)
	defer manager.Shutdown()
	handler := api.Handler()

	body := `{"name":"x","connector":{"endpoint":""}}`
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/targets", strings.NewReader(body))
	req.Header.Set("X-Admin-Token", "test-admin-token")
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid connector = %d, want 400", rec.Code)
	}
}

func TestDeleteActiveAuditConflicts(t *testing.T) {
	api, store, manager := newTestAPI(t)
	defer manager.Shutdown()
	handler := api.Handler()

	_ = store.CreateRun(RunMeta{RunID: "busy", TargetID: "t", Status: audit.StatusRunning, CreatedAt: nowRFC3339()})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodDelete, "/api/v1/audits/busy", nil)
	req.Header.Set("X-Admin-Token", "test-admin-token")
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("delete active audit = %d, want 409", rec.Code)
	}
}

func TestAuditReportEndpoint(t *testing.T) {
	api, store, manager := newTestAPI(t)
	defer manager.Shutdown()
	handler := api.Handler()

	_ = store.CreateRun(RunMeta{RunID: "done", TargetID: "t", Status: audit.StatusSuccess, Result: audit.ResultFail, CreatedAt: nowRFC3339()})
	_ = store.SaveFindings(nil, "done", []audit.Finding{
		{FindingID: "f1", Category: "pii", Severity: audit.SeverityCritical, MetricName: "pii_aadhaar_detected", Description: "leak"},
	})
	_ = store.SaveSummary(nil, "done", audit.Summary{RiskScore: 71.25, TotalFindings: 1, CriticalFindings: 1})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/audits/done/report", nil)
	req.Header.Set("X-Admin-Token", "test-admin-token")
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("report = %d", rec.Code)
	}

	var report audit.Report
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.GlobalRisk == nil || report.GlobalRisk.Score100 != 71.25 {
		t.Fatalf("global risk not reconstructed from summary: %+v", report.GlobalRisk)
	}
	if report.GlobalRisk.Band != "SEVERE" {
		t.Fatalf("band = %s, want SEVERE", report.GlobalRisk.Band)
	}
	if report.UniqueIssueCount != 1 {
		t.Fatalf("unique issues = %d, want 1", report.UniqueIssueCount)
	}
}

func TestCORSPreflight(t *testing.T) {
	api, _, manager := newTestAPI(t)
	defer manager.Shutdown()
	handler := api.Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/v1/audits", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight = %d, want 204", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("CORS header missing")
	}
}
