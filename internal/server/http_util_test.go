package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestDecodeJSONBodyRejectsUnknownFields(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"target_id":"t","bogus":1}`))
	var body AuditRunRequest
	if err := decodeJSONBody(req, &body); err == nil {
		t.Fatalf("unknown field must be rejected")
	}
}

func TestDecodeJSONBodyRejectsTrailingData(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"target_id":"t"} {"target_id":"u"}`))
	var body AuditRunRequest
	if err := decodeJSONBody(req, &body); err == nil {
		t.Fatalf("trailing document must be rejected")
	}
}

func TestDecodeJSONBodyValid(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"target_id":"t","categories":["pii"]}`))
	var body AuditRunRequest
	if err := decodeJSONBody(req, &body); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if body.TargetID != "t" || len(body.Categories) != 1 {
		t.Fatalf("body not decoded: %+v", body)
	}
}

func TestSinceSeqSources(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/events?cursor=7", nil)
	if got := sinceSeq(req); got != 7 {
		t.Fatalf("cursor query = %d, want 7", got)
	}

	// Last-Event-ID wins over the query parameter on SSE reconnects.
	req = httptest.NewRequest(http.MethodGet, "/events?cursor=7", nil)
	req.Header.Set("Last-Event-ID", "12")
	if got := sinceSeq(req); got != 12 {
		t.Fatalf("Last-Event-ID = %d, want 12", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/events?cursor=-3", nil)
	if got := sinceSeq(req); got != 0 {
		t.Fatalf("negative cursor = %d, want 0", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/events?cursor=abc", nil)
	if got := sinceSeq(req); got != 0 {
		t.Fatalf("garbage cursor = %d, want 0", got)
	}
}
