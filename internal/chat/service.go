// Package chat implements the session engine: multi-party persistent
// conversations with idempotent creation, read receipts, event fan-out, and
// the send-and-wait state machine with hang-on extensions.
package chat

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/awebai/aweb/internal/auth"
	"github.com/awebai/aweb/internal/clock"
	"github.com/awebai/aweb/internal/errs"
	"github.com/awebai/aweb/internal/events"
	"github.com/awebai/aweb/internal/logging"
	"github.com/awebai/aweb/internal/metrics"
	"github.com/awebai/aweb/internal/presence"
	"github.com/awebai/aweb/internal/store"
)

const (
	defaultHistoryLimit = 200
	maxHistoryLimit     = 2000
	replayLimit         = 50
)

// Store is the subset of the durable store the chat engine needs.
type Store interface {
	GetProject(ctx context.Context, id string) (*store.Project, error)
	GetAgent(ctx context.Context, id string) (*store.Agent, error)
	GetAgentByAlias(ctx context.Context, projectID, alias string) (*store.Agent, error)
	ContactExists(ctx context.Context, projectID string, addresses ...string) (bool, error)
	EnsureSession(ctx context.Context, projectID, hash, newSessionID string, participants []store.ChatParticipant, at time.Time) (*store.ChatSession, bool, error)
	GetSession(ctx context.Context, projectID, sessionID string) (*store.ChatSession, error)
	SessionParticipants(ctx context.Context, sessionID string) ([]*store.ChatParticipant, error)
	GetParticipant(ctx context.Context, sessionID, agentID string) (*store.ChatParticipant, error)
	InsertChatMessage(ctx context.Context, m *store.ChatMessage) error
	GetChatMessage(ctx context.Context, sessionID, messageID string) (*store.ChatMessage, error)
	SessionMessages(ctx context.Context, sessionID string, after *time.Time, excludeFrom string, limit int) ([]*store.ChatMessage, error)
	MessagesAfter(ctx context.Context, sessionID string, after time.Time, limit int) ([]*store.ChatMessage, error)
	LastMessage(ctx context.Context, sessionID string) (*store.ChatMessage, error)
	DepartedSenders(ctx context.Context, sessionID string) ([]string, error)
	GetReceipt(ctx context.Context, sessionID, agentID string) (*store.ReadReceipt, error)
	UpsertReceipt(ctx context.Context, sessionID, agentID, messageID string, at time.Time) error
	CountOthersBetween(ctx context.Context, sessionID, selfAgentID string, after *time.Time, upTo time.Time) (int, error)
	UnreadCount(ctx context.Context, sessionID, selfAgentID string, after *time.Time) (int, error)
	SessionsForAgent(ctx context.Context, projectID, agentID string) ([]*store.ChatSession, error)
	UnreadMailCount(ctx context.Context, projectID, agentID string) (int, error)
}

// Service handles chat operations. Writes publish exactly one bus event
// after commit, serialized per session so subscribers observe commit order.
type Service struct {
	store    Store
	bus      *events.Bus
	waiters  *Registry
	presence presence.KV
	clk      clock.Clock
	log      *logging.Logger

	hangOnExtension time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex // session_id -> write/publish ordering lock
}

// NewService creates a chat service.
func NewService(st Store, bus *events.Bus, waiters *Registry, kv presence.KV, clk clock.Clock, log *logging.Logger, hangOnExtension time.Duration) *Service {
	return &Service{
		store:           st,
		bus:             bus,
		waiters:         waiters,
		presence:        kv,
		clk:             clk,
		log:             log,
		hangOnExtension: hangOnExtension,
		locks:           make(map[string]*sync.Mutex),
	}
}

// Waiters exposes the registry for the transport's send-and-wait blocking.
func (s *Service) Waiters() *Registry { return s.waiters }

// HangOnExtensionSeconds is the configured deadline bump for hang-on
// messages and covering read receipts.
func (s *Service) HangOnExtensionSeconds() int { return int(s.hangOnExtension.Seconds()) }

// sessionLock serializes insert+publish per session. Entries are never
// evicted; the map is bounded by the number of live sessions this process
// has written to.
func (s *Service) sessionLock(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[sessionID] = l
	}
	return l
}

// Signature carries verbatim-relayed signing fields.
type Signature struct {
	FromDID      string
	ToDID        string
	Signature    string
	SigningKeyID string
}

// CreateSessionInput opens (or reuses) a conversation with the given
// aliases and posts the first message. A positive Wait registers a reply
// waiter for the message before its event is published, so no reply can
// slip past it; the caller must follow up with Await or Cancel.
type CreateSessionInput struct {
	ToAliases []string
	Body      string
	Leaving   bool
	Sig       Signature
	Wait      time.Duration
}

// CreateSessionResult reports the session, the posted message, and target
// liveness hints. Waiter is non-nil iff the input requested a wait.
type CreateSessionResult struct {
	Session          *store.ChatSession
	Message          *store.ChatMessage
	Participants     []*store.ChatParticipant
	TargetsConnected []string
	TargetsLeft      []string
	Created          bool
	Waiter           *Waiter
}

// CreateSession canonicalizes the participant set, finds or creates the
// session for it, and appends the first message. Repeated calls with the
// same participants reuse the session and add no participant rows.
func (s *Service) CreateSession(ctx context.Context, p *auth.Principal, in CreateSessionInput) (*CreateSessionResult, error) {
	if p.AgentID == "" {
		return nil, errs.New(errs.Forbidden, "chat requires an agent-scoped key")
	}
	if in.Body == "" {
		return nil, errs.New(errs.InvalidArgument, "message body must not be empty")
	}

	targets, err := s.resolveTargets(ctx, p, in.ToAliases)
	if err != nil {
		return nil, err
	}

	now := s.clk.Now()
	participants := make([]store.ChatParticipant, 0, len(targets)+1)
	aliases := make([]string, 0, len(targets)+1)
	participants = append(participants, store.ChatParticipant{AgentID: p.AgentID, Alias: p.Alias})
	aliases = append(aliases, p.Alias)
	for _, t := range targets {
		participants = append(participants, store.ChatParticipant{AgentID: t.ID, Alias: t.Alias})
		aliases = append(aliases, t.Alias)
	}

	hash := ParticipantHash(aliases)
	sess, created, err := s.store.EnsureSession(ctx, p.ProjectID, hash, uuid.NewString(), participants, now)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "ensure session", err)
	}
	if created {
		metrics.ChatSessionsCreated.Inc()
	}

	msg := &store.ChatMessage{
		ID:            uuid.NewString(),
		SessionID:     sess.ID,
		FromAgentID:   p.AgentID,
		FromAlias:     p.Alias,
		Body:          in.Body,
		SenderLeaving: in.Leaving,
		FromDID:       in.Sig.FromDID,
		ToDID:         in.Sig.ToDID,
		Signature:     in.Sig.Signature,
		SigningKeyID:  in.Sig.SigningKeyID,
		CreatedAt:     s.clk.Now(),
	}
	wait := in.Wait
	if in.Leaving {
		// A departing sender never blocks for a reply.
		wait = 0
	}
	waiter, err := s.appendAndPublish(ctx, msg, 0, wait)
	if err != nil {
		return nil, err
	}

	out := &CreateSessionResult{Session: sess, Message: msg, Created: created, Waiter: waiter}
	out.Participants, err = s.store.SessionParticipants(ctx, sess.ID)
	if err != nil {
		if waiter != nil {
			s.waiters.Cancel(waiter)
		}
		return nil, errs.Wrap(errs.Internal, "list participants", err)
	}
	out.TargetsConnected, out.TargetsLeft, err = s.targetLiveness(ctx, p.ProjectID, sess.ID, targets)
	if err != nil {
		if waiter != nil {
			s.waiters.Cancel(waiter)
		}
		return nil, err
	}
	return out, nil
}

// SendMessage appends a message to a session the caller participates in.
// The stored alias comes from the participant row, not the request, so a
// caller cannot spoof another sender. extendsSeconds is positive iff the
// message is a hang-on. A positive wait registers a reply waiter before the
// message event is published; hang-on messages never wait.
func (s *Service) SendMessage(ctx context.Context, p *auth.Principal, sessionID, body string, hangOn bool, sig Signature, wait time.Duration) (msg *store.ChatMessage, extendsSeconds int, w *Waiter, err error) {
	if p.AgentID == "" {
		return nil, 0, nil, errs.New(errs.Forbidden, "chat requires an agent-scoped key")
	}
	if body == "" {
		return nil, 0, nil, errs.New(errs.InvalidArgument, "message body must not be empty")
	}
	part, err := s.requireParticipant(ctx, p, sessionID)
	if err != nil {
		return nil, 0, nil, err
	}

	extends := 0
	if hangOn {
		extends = s.HangOnExtensionSeconds()
		// A hang-on extends the other side's wait; it never starts one.
		wait = 0
	}
	msg = &store.ChatMessage{
		ID:           uuid.NewString(),
		SessionID:    sessionID,
		FromAgentID:  p.AgentID,
		FromAlias:    part.Alias,
		Body:         body,
		HangOn:       hangOn,
		FromDID:      sig.FromDID,
		ToDID:        sig.ToDID,
		Signature:    sig.Signature,
		SigningKeyID: sig.SigningKeyID,
		CreatedAt:    s.clk.Now(),
	}
	w, err = s.appendAndPublish(ctx, msg, extends, wait)
	if err != nil {
		return nil, 0, nil, err
	}
	return msg, extends, w, nil
}

// History returns session messages in commit order. unreadOnly restricts to
// other senders' messages after the caller's last read. limit is clamped to
// [1, 2000]; 0 means the default.
func (s *Service) History(ctx context.Context, p *auth.Principal, sessionID string, unreadOnly bool, limit int) ([]*store.ChatMessage, error) {
	if _, err := s.requireParticipant(ctx, p, sessionID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	var after *time.Time
	excludeFrom := ""
	if unreadOnly {
		receipt, err := s.store.GetReceipt(ctx, sessionID, p.AgentID)
		if err != nil {
			return nil, errs.Wrap(errs.Internal, "load receipt", err)
		}
		if receipt != nil {
			after = receipt.LastReadAt
		}
		excludeFrom = p.AgentID
	}
	msgs, err := s.store.SessionMessages(ctx, sessionID, after, excludeFrom, limit)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "load history", err)
	}
	return msgs, nil
}

// MarkReadResult reports how many of the other participants' messages the
// receipt newly covered and whether a blocked sender's deadline was
// extended by it.
type MarkReadResult struct {
	MessagesMarked      int
	WaitExtendedSeconds int
}

// MarkRead advances the caller's receipt to the given message. Receipts are
// monotone: a receipt older than the current one is a counted no-op.
func (s *Service) MarkRead(ctx context.Context, p *auth.Principal, sessionID, upToMessageID string) (*MarkReadResult, error) {
	part, err := s.requireParticipant(ctx, p, sessionID)
	if err != nil {
		return nil, err
	}
	msg, err := s.store.GetChatMessage(ctx, sessionID, upToMessageID)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "load message", err)
	}
	if msg == nil {
		return nil, errs.New(errs.NotFound, "message not found")
	}

	receipt, err := s.store.GetReceipt(ctx, sessionID, p.AgentID)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "load receipt", err)
	}
	var lastRead *time.Time
	if receipt != nil {
		lastRead = receipt.LastReadAt
	}
	if lastRead != nil && !msg.CreatedAt.After(*lastRead) {
		return &MarkReadResult{}, nil
	}

	marked, err := s.store.CountOthersBetween(ctx, sessionID, p.AgentID, lastRead, msg.CreatedAt)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "count marked", err)
	}
	if err := s.store.UpsertReceipt(ctx, sessionID, p.AgentID, msg.ID, msg.CreatedAt); err != nil {
		return nil, errs.Wrap(errs.Internal, "advance receipt", err)
	}

	extends := s.HangOnExtensionSeconds()
	res := &MarkReadResult{MessagesMarked: marked}
	if s.waiters.WouldExtend(sessionID, p.AgentID, msg.CreatedAt) {
		res.WaitExtendedSeconds = extends
	}

	lock := s.sessionLock(sessionID)
	lock.Lock()
	metrics.EventsPublished.WithLabelValues(string(events.EventReadReceipt)).Inc()
	s.bus.Publish(events.Event{
		Type:               events.EventReadReceipt,
		Topic:              events.ChatTopic(sessionID),
		SessionID:          sessionID,
		ReaderAlias:        part.Alias,
		ReaderAgentID:      p.AgentID,
		UpToMessageID:      msg.ID,
		UpToCreatedAt:      msg.CreatedAt,
		ExtendsWaitSeconds: extends,
		Timestamp:          s.clk.Now(),
	})
	lock.Unlock()

	return res, nil
}

// PendingItem summarizes one session with unread activity for the caller.
type PendingItem struct {
	SessionID            string
	Participants         []string
	LastMessage          string
	LastFrom             string
	LastActivity         time.Time
	UnreadCount          int
	SenderWaiting        bool
	TimeRemainingSeconds *int
}

// Pending lists the caller's sessions with unread messages, plus the unread
// mail count. SenderWaiting reports a live blocked sender whose latest
// message awaits the caller's reply.
func (s *Service) Pending(ctx context.Context, p *auth.Principal) (items []PendingItem, mailWaiting int, err error) {
	if p.AgentID == "" {
		return nil, 0, errs.New(errs.Forbidden, "chat requires an agent-scoped key")
	}
	sessions, err := s.store.SessionsForAgent(ctx, p.ProjectID, p.AgentID)
	if err != nil {
		return nil, 0, errs.Wrap(errs.Internal, "list sessions", err)
	}

	for _, sess := range sessions {
		receipt, err := s.store.GetReceipt(ctx, sess.ID, p.AgentID)
		if err != nil {
			return nil, 0, errs.Wrap(errs.Internal, "load receipt", err)
		}
		var after *time.Time
		if receipt != nil {
			after = receipt.LastReadAt
		}
		unread, err := s.store.UnreadCount(ctx, sess.ID, p.AgentID, after)
		if err != nil {
			return nil, 0, errs.Wrap(errs.Internal, "count unread", err)
		}
		if unread == 0 {
			continue
		}

		last, err := s.store.LastMessage(ctx, sess.ID)
		if err != nil {
			return nil, 0, errs.Wrap(errs.Internal, "load last message", err)
		}
		parts, err := s.store.SessionParticipants(ctx, sess.ID)
		if err != nil {
			return nil, 0, errs.Wrap(errs.Internal, "list participants", err)
		}

		item := PendingItem{SessionID: sess.ID, UnreadCount: unread}
		for _, pt := range parts {
			item.Participants = append(item.Participants, pt.Alias)
		}
		if last != nil {
			item.LastMessage = last.Body
			item.LastFrom = last.FromAlias
			item.LastActivity = last.CreatedAt
		}
		if waiterID, deadline, ok := s.waiters.ActiveWaiter(sess.ID); ok &&
			waiterID != p.AgentID && last != nil && last.FromAgentID == waiterID {
			item.SenderWaiting = true
			remaining := int(s.clk.Until(deadline).Seconds())
			if remaining < 0 {
				remaining = 0
			}
			item.TimeRemainingSeconds = &remaining
		}
		items = append(items, item)
	}

	mailWaiting, err = s.store.UnreadMailCount(ctx, p.ProjectID, p.AgentID)
	if err != nil {
		return nil, 0, errs.Wrap(errs.Internal, "count unread mail", err)
	}
	return items, mailWaiting, nil
}

// SessionInfo describes one session for listing.
type SessionInfo struct {
	SessionID    string
	Participants []string
	CreatedAt    time.Time
}

// ListSessions returns the caller's sessions, newest first.
func (s *Service) ListSessions(ctx context.Context, p *auth.Principal) ([]SessionInfo, error) {
	if p.AgentID == "" {
		return nil, errs.New(errs.Forbidden, "chat requires an agent-scoped key")
	}
	sessions, err := s.store.SessionsForAgent(ctx, p.ProjectID, p.AgentID)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "list sessions", err)
	}
	out := make([]SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		parts, err := s.store.SessionParticipants(ctx, sess.ID)
		if err != nil {
			return nil, errs.Wrap(errs.Internal, "list participants", err)
		}
		info := SessionInfo{SessionID: sess.ID, CreatedAt: sess.CreatedAt}
		for _, pt := range parts {
			info.Participants = append(info.Participants, pt.Alias)
		}
		out = append(out, info)
	}
	return out, nil
}

// Authorize verifies the caller may stream the session.
func (s *Service) Authorize(ctx context.Context, p *auth.Principal, sessionID string) error {
	_, err := s.requireParticipant(ctx, p, sessionID)
	return err
}

// Replay returns messages committed strictly after the given time, oldest
// first, for stream reconnect recovery. The limit truncates from the new end,
// never the old one, so a reconnecting client resumes without a gap.
func (s *Service) Replay(ctx context.Context, p *auth.Principal, sessionID string, after time.Time) ([]*store.ChatMessage, error) {
	if _, err := s.requireParticipant(ctx, p, sessionID); err != nil {
		return nil, err
	}
	msgs, err := s.store.MessagesAfter(ctx, sessionID, after, replayLimit)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "load replay", err)
	}
	return msgs, nil
}

// MessageEvent builds the bus event for a committed message.
func MessageEvent(m *store.ChatMessage, extendsSeconds int) events.Event {
	return events.Event{
		Type:               events.EventMessage,
		Topic:              events.ChatTopic(m.SessionID),
		SessionID:          m.SessionID,
		MessageID:          m.ID,
		FromAgent:          m.FromAlias,
		FromAgentID:        m.FromAgentID,
		Body:               m.Body,
		SenderLeaving:      m.SenderLeaving,
		HangOn:             m.HangOn,
		ExtendsWaitSeconds: extendsSeconds,
		FromDID:            m.FromDID,
		ToDID:              m.ToDID,
		Signature:          m.Signature,
		SigningKeyID:       m.SigningKeyID,
		Timestamp:          m.CreatedAt,
	}
}

// appendAndPublish commits the message, advances the sender's own receipt,
// and publishes exactly one event, all under the session's ordering lock so
// subscribers observe commit order. When wait is positive the sender's
// reply waiter is registered before the publish: a reply event can then
// never land in a window with no waiter, and the waiter's own-message and
// own-agent skip rules make it immune to the event published here.
func (s *Service) appendAndPublish(ctx context.Context, m *store.ChatMessage, extendsSeconds int, wait time.Duration) (*Waiter, error) {
	lock := s.sessionLock(m.SessionID)
	lock.Lock()
	defer lock.Unlock()

	if err := s.store.InsertChatMessage(ctx, m); err != nil {
		return nil, errs.Wrap(errs.Internal, "store message", err)
	}
	// The sender has trivially read everything up to its own message.
	if err := s.store.UpsertReceipt(ctx, m.SessionID, m.FromAgentID, m.ID, m.CreatedAt); err != nil {
		return nil, errs.Wrap(errs.Internal, "advance sender receipt", err)
	}

	var w *Waiter
	if wait > 0 {
		w = s.waiters.Register(m.SessionID, m.FromAgentID, m.ID, m.CreatedAt, m.CreatedAt.Add(wait))
	}

	kind := "message"
	switch {
	case m.HangOn:
		kind = "hang_on"
	case m.SenderLeaving:
		kind = "leaving"
	}
	metrics.ChatMessagesTotal.WithLabelValues(kind).Inc()
	metrics.EventsPublished.WithLabelValues(string(events.EventMessage)).Inc()
	s.bus.Publish(MessageEvent(m, extendsSeconds))
	return w, nil
}

// resolveTargets dedupes and resolves the destination aliases, dropping the
// sender's own alias. Each target must exist and pass its contact gate.
func (s *Service) resolveTargets(ctx context.Context, p *auth.Principal, toAliases []string) ([]*store.Agent, error) {
	seen := map[string]bool{p.Alias: true}
	var targets []*store.Agent
	for _, alias := range toAliases {
		if seen[alias] {
			continue
		}
		seen[alias] = true
		agent, err := s.store.GetAgentByAlias(ctx, p.ProjectID, alias)
		if err != nil {
			return nil, errs.Wrap(errs.Internal, "resolve target", err)
		}
		if agent == nil {
			return nil, errs.Newf(errs.NotFound, "agent %q not found", alias)
		}
		if err := s.checkAccess(ctx, p, agent); err != nil {
			return nil, err
		}
		targets = append(targets, agent)
	}
	if len(targets) == 0 {
		return nil, errs.New(errs.InvalidArgument, "a conversation needs at least one other participant")
	}
	return targets, nil
}

func (s *Service) checkAccess(ctx context.Context, p *auth.Principal, target *store.Agent) error {
	if target.AccessMode != store.AccessContactsOnly {
		return nil
	}
	project, err := s.store.GetProject(ctx, p.ProjectID)
	if err != nil {
		return errs.Wrap(errs.Internal, "load project", err)
	}
	if project == nil {
		return errs.New(errs.NotFound, "project not found")
	}
	ok, err := s.store.ContactExists(ctx, p.ProjectID, project.Slug+"/"+p.Alias, project.Slug)
	if err != nil {
		return errs.Wrap(errs.Internal, "check contacts", err)
	}
	if !ok {
		return errs.Newf(errs.Forbidden, "agent %q only accepts messages from contacts", target.Alias)
	}
	return nil
}

// targetLiveness classifies targets into connected (live heartbeat) and
// left (not active, or last message in this session was a departure).
func (s *Service) targetLiveness(ctx context.Context, projectID, sessionID string, targets []*store.Agent) (connected, left []string, err error) {
	departed, err := s.store.DepartedSenders(ctx, sessionID)
	if err != nil {
		return nil, nil, errs.Wrap(errs.Internal, "load departed senders", err)
	}
	departedSet := make(map[string]bool, len(departed))
	for _, id := range departed {
		departedSet[id] = true
	}

	for _, t := range targets {
		if t.Status != store.AgentActive || departedSet[t.ID] {
			left = append(left, t.Alias)
			continue
		}
		online, err := s.presence.Online(ctx, projectID, t.ID)
		if err != nil {
			// Presence is best effort; an unreachable KV means unknown.
			s.log.Debug("presence lookup failed", "agent_id", t.ID, "error", err)
			continue
		}
		if online {
			connected = append(connected, t.Alias)
		}
	}
	return connected, left, nil
}

func (s *Service) requireParticipant(ctx context.Context, p *auth.Principal, sessionID string) (*store.ChatParticipant, error) {
	if p.AgentID == "" {
		return nil, errs.New(errs.Forbidden, "chat requires an agent-scoped key")
	}
	sess, err := s.store.GetSession(ctx, p.ProjectID, sessionID)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "load session", err)
	}
	if sess == nil {
		return nil, errs.New(errs.NotFound, "session not found")
	}
	part, err := s.store.GetParticipant(ctx, sessionID, p.AgentID)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "load participant", err)
	}
	if part == nil {
		return nil, errs.New(errs.Forbidden, "not a participant in this session")
	}
	return part, nil
}
