package web

import (
	"net/http"
	"strconv"
	"time"

	"github.com/awebai/aweb/internal/auth"
	"github.com/awebai/aweb/internal/mail"
	"github.com/awebai/aweb/internal/store"
)

type sendMailRequest struct {
	ToAgentID    string `json:"to_agent_id,omitempty"`
	ToAlias      string `json:"to_alias,omitempty"`
	Subject      string `json:"subject,omitempty"`
	Body         string `json:"body"`
	Priority     string `json:"priority,omitempty"`
	ThreadID     string `json:"thread_id,omitempty"`
	FromDID      string `json:"from_did,omitempty"`
	ToDID        string `json:"to_did,omitempty"`
	Signature    string `json:"signature,omitempty"`
	SigningKeyID string `json:"signing_key_id,omitempty"`
}

type mailResponse struct {
	MessageID    string     `json:"message_id"`
	FromAgentID  string     `json:"from_agent_id"`
	FromAlias    string     `json:"from_alias"`
	ToAgentID    string     `json:"to_agent_id"`
	Subject      string     `json:"subject,omitempty"`
	Body         string     `json:"body"`
	Priority     string     `json:"priority"`
	ThreadID     string     `json:"thread_id,omitempty"`
	FromDID      string     `json:"from_did,omitempty"`
	ToDID        string     `json:"to_did,omitempty"`
	Signature    string     `json:"signature,omitempty"`
	SigningKeyID string     `json:"signing_key_id,omitempty"`
	ReadAt       *time.Time `json:"read_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

func toMailResponse(m *store.MailMessage) mailResponse {
	return mailResponse{
		MessageID:    m.ID,
		FromAgentID:  m.FromAgentID,
		FromAlias:    m.FromAlias,
		ToAgentID:    m.ToAgentID,
		Subject:      m.Subject,
		Body:         m.Body,
		Priority:     m.Priority,
		ThreadID:     m.ThreadID,
		FromDID:      m.FromDID,
		ToDID:        m.ToDID,
		Signature:    m.Signature,
		SigningKeyID: m.SigningKeyID,
		ReadAt:       m.ReadAt,
		CreatedAt:    m.CreatedAt,
	}
}

func (s *Server) apiSendMail(w http.ResponseWriter, r *http.Request) {
	p := auth.GetPrincipal(r.Context())
	var req sendMailRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	m, err := s.deps.Mail.Send(r.Context(), p, mail.SendInput{
		ToAgentID:    req.ToAgentID,
		ToAlias:      req.ToAlias,
		Subject:      req.Subject,
		Body:         req.Body,
		Priority:     req.Priority,
		ThreadID:     req.ThreadID,
		FromDID:      req.FromDID,
		ToDID:        req.ToDID,
		Signature:    req.Signature,
		SigningKeyID: req.SigningKeyID,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"message_id": m.ID,
		"delivered":  true,
		"created_at": m.CreatedAt,
	})
}

func (s *Server) apiInbox(w http.ResponseWriter, r *http.Request) {
	p := auth.GetPrincipal(r.Context())
	q := r.URL.Query()
	unreadOnly := q.Get("unread_only") == "true"
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		limit = n
	}
	msgs, err := s.deps.Mail.Inbox(r.Context(), p, unreadOnly, limit)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	out := make([]mailResponse, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toMailResponse(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": out, "count": len(out)})
}

func (s *Server) apiAckMail(w http.ResponseWriter, r *http.Request) {
	p := auth.GetPrincipal(r.Context())
	readAt, err := s.deps.Mail.Ack(r.Context(), p, r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"acknowledged_at": readAt,
	})
}
