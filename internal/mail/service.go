// Package mail implements asynchronous agent-to-agent messages: durable
// send, per-recipient inbox, and at-most-once acknowledgment.
package mail

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/awebai/aweb/internal/auth"
	"github.com/awebai/aweb/internal/clock"
	"github.com/awebai/aweb/internal/errs"
	"github.com/awebai/aweb/internal/events"
	"github.com/awebai/aweb/internal/logging"
	"github.com/awebai/aweb/internal/metrics"
	"github.com/awebai/aweb/internal/store"
)

const (
	defaultInboxLimit = 100
	maxInboxLimit     = 500
)

var validPriorities = map[string]bool{
	"low": true, "normal": true, "high": true, "urgent": true,
}

// Store is the subset of the durable store the mail service needs.
type Store interface {
	GetProject(ctx context.Context, id string) (*store.Project, error)
	GetAgent(ctx context.Context, id string) (*store.Agent, error)
	GetAgentByAlias(ctx context.Context, projectID, alias string) (*store.Agent, error)
	ContactExists(ctx context.Context, projectID string, addresses ...string) (bool, error)
	InsertMail(ctx context.Context, m *store.MailMessage) error
	GetMail(ctx context.Context, projectID, messageID string) (*store.MailMessage, error)
	Inbox(ctx context.Context, projectID, agentID string, unreadOnly bool, limit int) ([]*store.MailMessage, error)
	AckMail(ctx context.Context, messageID string, at time.Time) (time.Time, error)
}

// Service handles mail operations.
type Service struct {
	store Store
	bus   *events.Bus
	clk   clock.Clock
	log   *logging.Logger
}

// NewService creates a mail service.
func NewService(st Store, bus *events.Bus, clk clock.Clock, log *logging.Logger) *Service {
	return &Service{store: st, bus: bus, clk: clk, log: log}
}

// SendInput names a recipient by id or alias and carries the message.
// Signature fields are relayed verbatim.
type SendInput struct {
	ToAgentID    string
	ToAlias      string
	Subject      string
	Body         string
	Priority     string
	ThreadID     string
	FromDID      string
	ToDID        string
	Signature    string
	SigningKeyID string
}

// Send stores a message for the recipient and publishes a mail-arrived
// event. Returns NOT_FOUND for unknown recipients, GONE for deregistered
// ones, and FORBIDDEN when the recipient's contact gate blocks the sender.
func (s *Service) Send(ctx context.Context, p *auth.Principal, in SendInput) (*store.MailMessage, error) {
	if p.AgentID == "" {
		return nil, errs.New(errs.Forbidden, "sending mail requires an agent-scoped key")
	}
	if in.Body == "" {
		return nil, errs.New(errs.InvalidArgument, "body must not be empty")
	}
	priority := in.Priority
	if priority == "" {
		priority = "normal"
	}
	if !validPriorities[priority] {
		return nil, errs.Newf(errs.InvalidArgument, "invalid priority %q", priority)
	}

	recipient, err := s.resolveRecipient(ctx, p.ProjectID, in.ToAgentID, in.ToAlias)
	if err != nil {
		return nil, err
	}
	if recipient.Status == store.AgentDeregistered {
		return nil, errs.New(errs.Gone, "recipient has been deregistered")
	}
	if err := s.checkAccess(ctx, p, recipient); err != nil {
		return nil, err
	}

	m := &store.MailMessage{
		ID:           uuid.NewString(),
		ProjectID:    p.ProjectID,
		FromAgentID:  p.AgentID,
		ToAgentID:    recipient.ID,
		FromAlias:    p.Alias,
		Subject:      in.Subject,
		Body:         in.Body,
		Priority:     priority,
		ThreadID:     in.ThreadID,
		FromDID:      in.FromDID,
		ToDID:        in.ToDID,
		Signature:    in.Signature,
		SigningKeyID: in.SigningKeyID,
		CreatedAt:    s.clk.Now(),
	}
	if err := s.store.InsertMail(ctx, m); err != nil {
		return nil, errs.Wrap(errs.Internal, "store mail", err)
	}

	metrics.MailSentTotal.WithLabelValues(priority).Inc()
	metrics.EventsPublished.WithLabelValues(string(events.EventMailArrived)).Inc()
	s.bus.Publish(events.Event{
		Type:      events.EventMailArrived,
		Topic:     events.MailTopic(p.ProjectID, recipient.ID),
		MessageID: m.ID,
		FromAgent: p.Alias,
		Timestamp: m.CreatedAt,
	})
	s.log.Debug("mail sent", "message_id", m.ID, "from", p.Alias, "to", recipient.Alias)
	return m, nil
}

// Inbox returns the caller's mail, newest first. limit is clamped to
// [1, 500]; 0 means the default.
func (s *Service) Inbox(ctx context.Context, p *auth.Principal, unreadOnly bool, limit int) ([]*store.MailMessage, error) {
	if p.AgentID == "" {
		return nil, errs.New(errs.Forbidden, "inbox requires an agent-scoped key")
	}
	if limit <= 0 {
		limit = defaultInboxLimit
	}
	if limit > maxInboxLimit {
		limit = maxInboxLimit
	}
	msgs, err := s.store.Inbox(ctx, p.ProjectID, p.AgentID, unreadOnly, limit)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "query inbox", err)
	}
	return msgs, nil
}

// Ack marks a message read. The first ack sets read_at; later acks are
// no-ops that return the original timestamp.
func (s *Service) Ack(ctx context.Context, p *auth.Principal, messageID string) (time.Time, error) {
	if p.AgentID == "" {
		return time.Time{}, errs.New(errs.Forbidden, "ack requires an agent-scoped key")
	}
	m, err := s.store.GetMail(ctx, p.ProjectID, messageID)
	if err != nil {
		return time.Time{}, errs.Wrap(errs.Internal, "load mail", err)
	}
	if m == nil {
		return time.Time{}, errs.New(errs.NotFound, "message not found")
	}
	if m.ToAgentID != p.AgentID {
		return time.Time{}, errs.New(errs.Forbidden, "only the recipient may acknowledge a message")
	}
	readAt, err := s.store.AckMail(ctx, messageID, s.clk.Now())
	if err != nil {
		return time.Time{}, errs.Wrap(errs.Internal, "ack mail", err)
	}
	metrics.MailAckedTotal.Inc()
	return readAt, nil
}

func (s *Service) resolveRecipient(ctx context.Context, projectID, agentID, alias string) (*store.Agent, error) {
	var a *store.Agent
	var err error
	switch {
	case agentID != "":
		a, err = s.store.GetAgent(ctx, agentID)
		if err == nil && a != nil && a.ProjectID != projectID {
			a = nil
		}
	case alias != "":
		a, err = s.store.GetAgentByAlias(ctx, projectID, alias)
	default:
		return nil, errs.New(errs.InvalidArgument, "to_agent_id or to_alias is required")
	}
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "resolve recipient", err)
	}
	if a == nil {
		return nil, errs.New(errs.NotFound, "recipient not found")
	}
	return a, nil
}

// checkAccess enforces the recipient's contact gate. Open agents accept any
// sender in the project; contacts_only agents require the sender's exact
// address (slug/alias) or its project (slug) in their contact set.
func (s *Service) checkAccess(ctx context.Context, p *auth.Principal, recipient *store.Agent) error {
	if recipient.AccessMode != store.AccessContactsOnly || recipient.ID == p.AgentID {
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
		return errs.New(errs.Forbidden, "recipient only accepts messages from contacts")
	}
	return nil
}
