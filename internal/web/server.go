// Package web exposes the HTTP/JSON and SSE surface under /v1.
package web

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/awebai/aweb/internal/auth"
	"github.com/awebai/aweb/internal/bootstrap"
	"github.com/awebai/aweb/internal/chat"
	"github.com/awebai/aweb/internal/clock"
	"github.com/awebai/aweb/internal/events"
	"github.com/awebai/aweb/internal/logging"
	"github.com/awebai/aweb/internal/mail"
	"github.com/awebai/aweb/internal/presence"
	"github.com/awebai/aweb/internal/reservations"
)

// HealthPinger checks durable-store reachability for /healthz.
type HealthPinger interface {
	Ping(ctx context.Context) error
}

// Dependencies defines what the HTTP server needs from the rest of the
// application.
type Dependencies struct {
	Auth         *auth.Service
	Identity     *bootstrap.Service
	Mail         *mail.Service
	Chat         *chat.Service
	Reservations *reservations.Service
	Bus          *events.Bus
	Store        HealthPinger
	KV           presence.KV
	Clock        clock.Clock
	Log          *logging.Logger

	// Default blocking deadlines when wait_seconds is omitted.
	WaitStart time.Duration // opening a conversation
	WaitSend  time.Duration // quick send into an existing session
}

// Server is the aweb HTTP server.
type Server struct {
	deps   Dependencies
	mux    *http.ServeMux
	server *http.Server
}

// NewServer creates a Server with all routes registered.
func NewServer(deps Dependencies) *Server {
	s := &Server{
		deps: deps,
		mux:  http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// ListenAndServe starts the HTTP server on the given address.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE and send-and-wait are long-lived; deadlines are per-handler.
		IdleTimeout:  120 * time.Second,
	}
	s.deps.Log.Info("aweb listening", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	authMw := auth.Middleware(s.deps.Auth)
	authed := func(h http.HandlerFunc) http.Handler {
		return authMw(h)
	}

	// Public routes.
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", promhttp.Handler())
	s.mux.HandleFunc("POST /v1/init", s.apiInit)
	s.mux.HandleFunc("POST /v1/agents/suggest-alias-prefix", s.apiSuggestAliasPrefix)

	// Identity.
	s.mux.Handle("GET /v1/auth/introspect", authed(s.apiIntrospect))
	s.mux.Handle("GET /v1/agents", authed(s.apiListAgents))
	s.mux.Handle("POST /v1/agents/heartbeat", authed(s.apiHeartbeat))
	s.mux.Handle("POST /v1/agents/{alias}/retire", authed(s.apiRetireAgent))
	s.mux.Handle("POST /v1/agents/{alias}/deregister", authed(s.apiDeregisterAgent))
	s.mux.Handle("POST /v1/contacts", authed(s.apiAddContact))
	s.mux.Handle("GET /v1/contacts", authed(s.apiListContacts))
	s.mux.Handle("DELETE /v1/contacts/{id}", authed(s.apiRemoveContact))

	// Mail.
	s.mux.Handle("POST /v1/messages", authed(s.apiSendMail))
	s.mux.Handle("GET /v1/messages/inbox", authed(s.apiInbox))
	s.mux.Handle("POST /v1/messages/{id}/ack", authed(s.apiAckMail))

	// Chat.
	s.mux.Handle("POST /v1/chat/sessions", authed(s.apiCreateSession))
	s.mux.Handle("GET /v1/chat/sessions", authed(s.apiListSessions))
	s.mux.Handle("GET /v1/chat/pending", authed(s.apiPending))
	s.mux.Handle("GET /v1/chat/sessions/{id}/messages", authed(s.apiHistory))
	s.mux.Handle("POST /v1/chat/sessions/{id}/messages", authed(s.apiSendMessage))
	s.mux.Handle("POST /v1/chat/sessions/{id}/read", authed(s.apiMarkRead))
	s.mux.Handle("GET /v1/chat/sessions/{id}/stream", authed(s.apiStream))

	// Reservations.
	s.mux.Handle("POST /v1/reservations", authed(s.apiAcquire))
	s.mux.Handle("GET /v1/reservations", authed(s.apiListReservations))
	s.mux.Handle("POST /v1/reservations/renew", authed(s.apiRenew))
	s.mux.Handle("POST /v1/reservations/release", authed(s.apiRelease))
	s.mux.Handle("POST /v1/reservations/revoke", authed(s.apiRevoke))
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "store": err.Error()})
		return
	}
	kvStatus := "ok"
	if err := s.deps.KV.Ping(r.Context()); err != nil {
		// Presence is best effort; mail and reservations still work.
		kvStatus = "unreachable"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "kv": kvStatus})
}

// decodeJSON decodes the request body into v.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	return dec.Decode(v)
}

// writeJSON encodes v as JSON and writes it to the response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
