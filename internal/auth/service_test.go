package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/awebai/aweb/internal/clock"
	"github.com/awebai/aweb/internal/errs"
	"github.com/awebai/aweb/internal/logging"
	"github.com/awebai/aweb/internal/store"
)

func testLogger() *logging.Logger {
	return logging.New(false, "error")
}

func seedAgentKey(m *mockKeyStore) (plaintext string) {
	plaintext, hash, err := GenerateAPIKey()
	if err != nil {
		panic(err)
	}
	m.keysByHash[hash] = &store.APIKey{ID: "key-1", ProjectID: "proj-1", AgentID: "agent-1", IsActive: true}
	m.agents["agent-1"] = &store.Agent{
		ID: "agent-1", ProjectID: "proj-1", Alias: "alice",
		HumanName: "Alice", AgentType: "worker", Status: store.AgentActive,
	}
	return plaintext
}

func bearerRequest(token string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/v1/agents", nil)
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	return r
}

func TestAuthenticateBearer(t *testing.T) {
	m := newMockKeyStore()
	token := seedAgentKey(m)
	svc := NewService(m, clock.Real{}, testLogger(), false, "")

	p, err := svc.Authenticate(context.Background(), bearerRequest(token))
	if err != nil {
		t.Fatalf("Authenticate() error: %v", err)
	}
	if p.ProjectID != "proj-1" || p.AgentID != "agent-1" || p.Alias != "alice" {
		t.Errorf("principal = %+v", p)
	}
	if len(m.touched) != 1 || m.touched[0] != "key-1" {
		t.Errorf("key usage not recorded: %v", m.touched)
	}
}

func TestAuthenticateBearerProjectKey(t *testing.T) {
	m := newMockKeyStore()
	plaintext, hash, err := GenerateAPIKey()
	if err != nil {
		t.Fatal(err)
	}
	m.keysByHash[hash] = &store.APIKey{ID: "key-2", ProjectID: "proj-1", IsActive: true}
	svc := NewService(m, clock.Real{}, testLogger(), false, "")

	p, err := svc.Authenticate(context.Background(), bearerRequest(plaintext))
	if err != nil {
		t.Fatalf("Authenticate() error: %v", err)
	}
	if p.AgentID != "" || p.ProjectID != "proj-1" {
		t.Errorf("project-scoped principal = %+v", p)
	}
}

func TestAuthenticateBearerFailures(t *testing.T) {
	m := newMockKeyStore()
	seedAgentKey(m)
	svc := NewService(m, clock.Real{}, testLogger(), false, "")

	tests := []struct {
		name  string
		token string
	}{
		{"missing header", ""},
		{"unknown key", "aw_sk_0000000000000000000000000000000000000000000000000000000000000000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Authenticate(context.Background(), bearerRequest(tt.token))
			if !errs.Is(err, errs.Unauthenticated) {
				t.Errorf("Authenticate() = %v, want UNAUTHENTICATED", err)
			}
		})
	}
}

func TestAuthenticateBearerTouchFailureIsNonFatal(t *testing.T) {
	m := newMockKeyStore()
	token := seedAgentKey(m)
	m.touchErr = errors.New("disk full")
	svc := NewService(m, clock.Real{}, testLogger(), false, "")

	if _, err := svc.Authenticate(context.Background(), bearerRequest(token)); err != nil {
		t.Errorf("touch failure must not fail authentication: %v", err)
	}
}

func TestAuthenticateProxy(t *testing.T) {
	m := newMockKeyStore()
	seedAgentKey(m)
	m.agents["agent-2"] = &store.Agent{ID: "agent-2", ProjectID: "proj-1", Alias: "bob", Status: store.AgentActive}
	svc := NewService(m, clock.Real{}, testLogger(), true, "secret")

	r := httptest.NewRequest(http.MethodGet, "/v1/agents", nil)
	r.Header.Set(HeaderInternalAuth, SignProxyContext(ProxyContext{
		ProjectID: "proj-1", PrincipalType: "agent", PrincipalID: "agent-1",
	}, "secret"))

	p, err := svc.Authenticate(context.Background(), r)
	if err != nil {
		t.Fatalf("Authenticate() error: %v", err)
	}
	if p.AgentID != "agent-1" || p.Alias != "alice" {
		t.Errorf("principal = %+v", p)
	}

	// The actor header overrides the context's principal.
	r.Header.Set(HeaderActorID, "agent-2")
	p, err = svc.Authenticate(context.Background(), r)
	if err != nil {
		t.Fatalf("Authenticate() with actor override error: %v", err)
	}
	if p.AgentID != "agent-2" || p.Alias != "bob" {
		t.Errorf("override principal = %+v", p)
	}
}

func TestProxyModeDisablesBearer(t *testing.T) {
	m := newMockKeyStore()
	token := seedAgentKey(m)
	svc := NewService(m, clock.Real{}, testLogger(), true, "secret")

	// A valid bearer token must not rescue a request lacking proxy auth.
	_, err := svc.Authenticate(context.Background(), bearerRequest(token))
	if !errs.Is(err, errs.Unauthenticated) {
		t.Errorf("Authenticate() = %v, want UNAUTHENTICATED", err)
	}
}

func TestAuthenticateProxyUnknownActor(t *testing.T) {
	m := newMockKeyStore()
	svc := NewService(m, clock.Real{}, testLogger(), true, "secret")

	r := httptest.NewRequest(http.MethodGet, "/v1/agents", nil)
	r.Header.Set(HeaderInternalAuth, SignProxyContext(ProxyContext{
		ProjectID: "proj-1", PrincipalType: "agent", PrincipalID: "ghost",
	}, "secret"))

	if _, err := svc.Authenticate(context.Background(), r); !errs.Is(err, errs.Unauthenticated) {
		t.Errorf("Authenticate() = %v, want UNAUTHENTICATED", err)
	}
}

func TestMiddleware(t *testing.T) {
	m := newMockKeyStore()
	token := seedAgentKey(m)
	svc := NewService(m, clock.Real{}, testLogger(), false, "")

	var got *Principal
	handler := Middleware(svc)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = GetPrincipal(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, bearerRequest(token))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got == nil || got.Alias != "alice" {
		t.Errorf("principal in context = %+v", got)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, bearerRequest(""))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d, want 401", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("401 body is not JSON: %v: %s", err, rec.Body.String())
	}
	if body["error"] == "" {
		t.Errorf("401 body = %v, want an error field", body)
	}
}
