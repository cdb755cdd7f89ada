package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/awebai/aweb/internal/auth"
	"github.com/awebai/aweb/internal/chat"
	"github.com/awebai/aweb/internal/events"
	"github.com/awebai/aweb/internal/metrics"
)

// messageFrame is one chat message on the wire.
type messageFrame struct {
	Type               string    `json:"type"`
	SessionID          string    `json:"session_id"`
	MessageID          string    `json:"message_id"`
	FromAgent          string    `json:"from_agent"`
	Body               string    `json:"body"`
	SenderLeaving      bool      `json:"sender_leaving"`
	HangOn             bool      `json:"hang_on"`
	ExtendsWaitSeconds int       `json:"extends_wait_seconds"`
	FromDID            string    `json:"from_did,omitempty"`
	ToDID              string    `json:"to_did,omitempty"`
	Signature          string    `json:"signature,omitempty"`
	SigningKeyID       string    `json:"signing_key_id,omitempty"`
	Timestamp          time.Time `json:"timestamp"`
}

// receiptFrame is one read receipt on the wire.
type receiptFrame struct {
	Type               string    `json:"type"`
	SessionID          string    `json:"session_id"`
	ReaderAlias        string    `json:"reader_alias"`
	UpToMessageID      string    `json:"up_to_message_id"`
	ExtendsWaitSeconds int       `json:"extends_wait_seconds"`
	Timestamp          time.Time `json:"timestamp"`
}

// apiStream serves the session's event stream over SSE until the client
// disconnects or the required deadline lapses. An `after` timestamp replays
// messages committed since then before live events, covering the gap a
// reconnecting client missed.
func (s *Server) apiStream(w http.ResponseWriter, r *http.Request) {
	p := auth.GetPrincipal(r.Context())
	sessionID := r.PathValue("id")
	if err := s.deps.Chat.Authorize(r.Context(), p, sessionID); err != nil {
		s.writeServiceError(w, err)
		return
	}

	q := r.URL.Query()
	deadlineRaw := q.Get("deadline")
	if deadlineRaw == "" {
		writeError(w, http.StatusBadRequest, "deadline query parameter is required (RFC 3339)")
		return
	}
	deadline, err := time.Parse(time.RFC3339, deadlineRaw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "deadline must be an RFC 3339 timestamp")
		return
	}
	if !deadline.After(s.deps.Clock.Now()) {
		writeError(w, http.StatusBadRequest, "deadline must be in the future")
		return
	}

	var replay []events.Event
	if afterRaw := q.Get("after"); afterRaw != "" {
		after, err := time.Parse(time.RFC3339, afterRaw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "after must be an RFC 3339 timestamp")
			return
		}
		msgs, err := s.deps.Chat.Replay(r.Context(), p, sessionID, after)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		for _, m := range msgs {
			replay = append(replay, chat.MessageEvent(m, 0))
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Subscribe before replaying so no event falls between the two.
	ch, cancel := s.deps.Bus.Subscribe(events.ChatTopic(sessionID))
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	fmt.Fprint(w, ": keepalive\n\n")
	flusher.Flush()

	metrics.ActiveStreams.Inc()
	defer metrics.ActiveStreams.Dec()

	for _, evt := range replay {
		writeSSE(w, evt)
	}
	if len(replay) > 0 {
		flusher.Flush()
	}

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()
	timeout := s.deps.Clock.After(s.deps.Clock.Until(deadline))

	for {
		select {
		case evt, open := <-ch:
			if !open {
				return
			}
			writeSSE(w, evt)
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case <-timeout:
			return
		case <-r.Context().Done():
			return
		}
	}
}

// writeSSE encodes one event as an SSE frame.
func writeSSE(w http.ResponseWriter, evt events.Event) {
	var frame any
	switch evt.Type {
	case events.EventMessage:
		frame = messageFrame{
			Type:               string(evt.Type),
			SessionID:          evt.SessionID,
			MessageID:          evt.MessageID,
			FromAgent:          evt.FromAgent,
			Body:               evt.Body,
			SenderLeaving:      evt.SenderLeaving,
			HangOn:             evt.HangOn,
			ExtendsWaitSeconds: evt.ExtendsWaitSeconds,
			FromDID:            evt.FromDID,
			ToDID:              evt.ToDID,
			Signature:          evt.Signature,
			SigningKeyID:       evt.SigningKeyID,
			Timestamp:          evt.Timestamp,
		}
	case events.EventReadReceipt:
		frame = receiptFrame{
			Type:               string(evt.Type),
			SessionID:          evt.SessionID,
			ReaderAlias:        evt.ReaderAlias,
			UpToMessageID:      evt.UpToMessageID,
			ExtendsWaitSeconds: evt.ExtendsWaitSeconds,
			Timestamp:          evt.Timestamp,
		}
	default:
		return
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, data)
}
