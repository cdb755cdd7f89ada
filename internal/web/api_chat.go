package web

import (
	"net/http"
	"strconv"
	"time"

	"github.com/awebai/aweb/internal/auth"
	"github.com/awebai/aweb/internal/chat"
)

type signatureFields struct {
	FromDID      string `json:"from_did,omitempty"`
	ToDID        string `json:"to_did,omitempty"`
	Signature    string `json:"signature,omitempty"`
	SigningKeyID string `json:"signing_key_id,omitempty"`
}

func (f signatureFields) toSig() chat.Signature {
	return chat.Signature{
		FromDID:      f.FromDID,
		ToDID:        f.ToDID,
		Signature:    f.Signature,
		SigningKeyID: f.SigningKeyID,
	}
}

type createSessionRequest struct {
	ToAliases   []string `json:"to_aliases"`
	Body        string   `json:"body"`
	Leaving     bool     `json:"leaving,omitempty"`
	WaitSeconds *int     `json:"wait_seconds,omitempty"`
	signatureFields
}

// waitFor resolves the effective blocking duration: nil means the default,
// zero or negative means fire-and-forget.
func waitFor(waitSeconds *int, def time.Duration) time.Duration {
	if waitSeconds == nil {
		return def
	}
	if *waitSeconds <= 0 {
		return 0
	}
	return time.Duration(*waitSeconds) * time.Second
}

// apiCreateSession opens (or reuses) a conversation, posts the first
// message, and optionally blocks for a reply.
func (s *Server) apiCreateSession(w http.ResponseWriter, r *http.Request) {
	p := auth.GetPrincipal(r.Context())
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	res, err := s.deps.Chat.CreateSession(r.Context(), p, chat.CreateSessionInput{
		ToAliases: req.ToAliases,
		Body:      req.Body,
		Leaving:   req.Leaving,
		Sig:       req.signatureFields.toSig(),
		Wait:      waitFor(req.WaitSeconds, s.deps.WaitStart),
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	resp := map[string]any{
		"session_id":        res.Session.ID,
		"message_id":        res.Message.ID,
		"created":           res.Created,
		"targets_connected": res.TargetsConnected,
		"targets_left":      res.TargetsLeft,
		"sse_url":           "/v1/chat/sessions/" + res.Session.ID + "/stream",
		"status":            "sent",
	}
	aliases := make([]string, 0, len(res.Participants))
	for _, pt := range res.Participants {
		aliases = append(aliases, pt.Alias)
	}
	resp["participants"] = aliases

	if res.Waiter != nil {
		s.awaitReply(r, resp, res.Waiter)
	}
	writeJSON(w, http.StatusCreated, resp)
}

type sendMessageRequest struct {
	Body        string `json:"body"`
	HangOn      bool   `json:"hang_on,omitempty"`
	WaitSeconds *int   `json:"wait_seconds,omitempty"`
	signatureFields
}

// apiSendMessage appends to an existing session, optionally blocking for a
// reply the way session creation does.
func (s *Server) apiSendMessage(w http.ResponseWriter, r *http.Request) {
	p := auth.GetPrincipal(r.Context())
	var req sendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	msg, extends, waiter, err := s.deps.Chat.SendMessage(r.Context(), p, r.PathValue("id"), req.Body, req.HangOn,
		req.signatureFields.toSig(), waitFor(req.WaitSeconds, s.deps.WaitSend))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	resp := map[string]any{
		"message_id": msg.ID,
		"delivered":  true,
		"status":     "sent",
		"created_at": msg.CreatedAt,
	}
	if extends > 0 {
		resp["extends_wait_seconds"] = extends
	}
	if waiter != nil {
		s.awaitReply(r, resp, waiter)
	}
	writeJSON(w, http.StatusOK, resp)
}

// awaitReply blocks on a waiter the service registered before publishing
// the sender's message, folding the outcome into resp.
func (s *Server) awaitReply(r *http.Request, resp map[string]any, waiter *chat.Waiter) {
	reg := s.deps.Chat.Waiters()
	start := s.deps.Clock.Now()
	res := reg.Await(r.Context(), waiter)

	resp["status"] = res.Status
	resp["waited_seconds"] = int(s.deps.Clock.Since(start).Seconds())
	if res.Status == chat.WaitReplied || res.Status == chat.WaitSenderLeft {
		resp["reply"] = res.Reply
		resp["reply_from"] = res.ReplyFrom
		resp["reply_message_id"] = res.ReplyMessageID
	}
}

type chatMessageResponse struct {
	MessageID     string    `json:"message_id"`
	SessionID     string    `json:"session_id"`
	FromAgent     string    `json:"from_agent"`
	Body          string    `json:"body"`
	SenderLeaving bool      `json:"sender_leaving"`
	HangOn        bool      `json:"hang_on"`
	FromDID       string    `json:"from_did,omitempty"`
	ToDID         string    `json:"to_did,omitempty"`
	Signature     string    `json:"signature,omitempty"`
	SigningKeyID  string    `json:"signing_key_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

func (s *Server) apiHistory(w http.ResponseWriter, r *http.Request) {
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
	msgs, err := s.deps.Chat.History(r.Context(), p, r.PathValue("id"), unreadOnly, limit)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	out := make([]chatMessageResponse, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, chatMessageResponse{
			MessageID:     m.ID,
			SessionID:     m.SessionID,
			FromAgent:     m.FromAlias,
			Body:          m.Body,
			SenderLeaving: m.SenderLeaving,
			HangOn:        m.HangOn,
			FromDID:       m.FromDID,
			ToDID:         m.ToDID,
			Signature:     m.Signature,
			SigningKeyID:  m.SigningKeyID,
			CreatedAt:     m.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": out, "count": len(out)})
}

func (s *Server) apiMarkRead(w http.ResponseWriter, r *http.Request) {
	p := auth.GetPrincipal(r.Context())
	var req struct {
		UpToMessageID string `json:"up_to_message_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	res, err := s.deps.Chat.MarkRead(r.Context(), p, r.PathValue("id"), req.UpToMessageID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":               true,
		"messages_marked":       res.MessagesMarked,
		"wait_extended_seconds": res.WaitExtendedSeconds,
	})
}

func (s *Server) apiPending(w http.ResponseWriter, r *http.Request) {
	p := auth.GetPrincipal(r.Context())
	items, mailWaiting, err := s.deps.Chat.Pending(r.Context(), p)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	sessions := make([]map[string]any, 0, len(items))
	for _, item := range items {
		entry := map[string]any{
			"session_id":     item.SessionID,
			"participants":   item.Participants,
			"last_message":   item.LastMessage,
			"last_from":      item.LastFrom,
			"last_activity":  item.LastActivity,
			"unread_count":   item.UnreadCount,
			"sender_waiting": item.SenderWaiting,
		}
		if item.TimeRemainingSeconds != nil {
			entry["time_remaining_seconds"] = *item.TimeRemainingSeconds
		}
		sessions = append(sessions, entry)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions":         sessions,
		"messages_waiting": mailWaiting,
	})
}

func (s *Server) apiListSessions(w http.ResponseWriter, r *http.Request) {
	p := auth.GetPrincipal(r.Context())
	infos, err := s.deps.Chat.ListSessions(r.Context(), p)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	sessions := make([]map[string]any, 0, len(infos))
	for _, info := range infos {
		sessions = append(sessions, map[string]any{
			"session_id":   info.SessionID,
			"participants": info.Participants,
			"created_at":   info.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}
