package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTokenAuth(token string) *Auth {
	cfg := DefaultServerConfig()
	cfg.Security.AdminToken = token
	return NewAuth(nil, cfg)
}

func TestAuthenticateRequestAdminToken(t *testing.T) {
	auth := newTokenAuth("secret-token")

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Admin-Token", "secret-token")
	principal, err := auth.AuthenticateRequest(req)
	if err != nil {
		t.Fatalf("header token rejected: %v", err)
	}
	if principal.Role != RoleAdmin || principal.Method != authMethodAdminToken {
		t.Fatalf("unexpected principal: %+v", principal)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	if _, err := auth.AuthenticateRequest(req); err != nil {
		t.Fatalf("bearer token rejected: %v", err)
	}
}

func TestAuthenticateRequestRejectsBadToken(t *testing.T) {
	auth := newTokenAuth("secret-token")

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Admin-Token", "wrong")
	if _, err := auth.AuthenticateRequest(req); err == nil {
		t.Fatalf("wrong token must be rejected")
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	if _, err := auth.AuthenticateRequest(req); err == nil {
		t.Fatalf("request without credentials must be rejected")
	}
}

func TestAuthenticateRequestNoTokenConfigured(t *testing.T) {
	auth := newTokenAuth("")
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Admin-Token", "anything")
	if _, err := auth.AuthenticateRequest(req); err == nil {
		t.Fatalf("token auth must be disabled when no token is configured")
	}
}

func TestPrincipalActorAttribution(t *testing.T) {
	actorType, actorSub := Principal{Subject: "u1", Role: RoleUser, Method: authMethodSession}.Actor()
	if actorType != authMethodSession || actorSub != "u1" {
		t.Fatalf("session actor = %s/%s", actorType, actorSub)
	}

	actorType, actorSub = Principal{Subject: "operator", Role: RoleAdmin, Method: authMethodAdminToken}.Actor()
	if actorType != authMethodAdminToken || actorSub != "operator" {
		t.Fatalf("token actor = %s/%s", actorType, actorSub)
	}

	// A bare principal still yields a usable attribution pair.
	actorType, _ = Principal{}.Actor()
	if actorType != "anonymous" {
		t.Fatalf("empty principal actor type = %s", actorType)
	}
}

func TestHashString(t *testing.T) {
	if hashString("  ") != "" {
		t.Fatalf("blank input must hash to empty")
	}
	h := hashString("203.0.113.9")
	if len(h) != 16 {
		t.Fatalf("hash length = %d, want 16", len(h))
	}
	if h == "203.0.113.9" {
		t.Fatalf("hash must not echo the input")
	}
}
