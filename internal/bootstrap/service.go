// Package bootstrap implements identity management: project/agent/key
// provisioning with automatic alias allocation, agent lifecycle, presence
// heartbeats, and the contact list.
package bootstrap

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/awebai/aweb/internal/auth"
	"github.com/awebai/aweb/internal/clock"
	"github.com/awebai/aweb/internal/errs"
	"github.com/awebai/aweb/internal/logging"
	"github.com/awebai/aweb/internal/presence"
	"github.com/awebai/aweb/internal/store"
)

// Store is the subset of the durable store the identity service needs.
type Store interface {
	GetProjectBySlug(ctx context.Context, slug string) (*store.Project, error)
	CreateProject(ctx context.Context, p *store.Project) error
	GetAgent(ctx context.Context, id string) (*store.Agent, error)
	GetAgentByAlias(ctx context.Context, projectID, alias string) (*store.Agent, error)
	ListAgents(ctx context.Context, projectID string) ([]*store.Agent, error)
	CreateAgent(ctx context.Context, a *store.Agent) error
	UpdateAgentStatus(ctx context.Context, id, status string) error
	CreateAPIKey(ctx context.Context, k *store.APIKey, keyHash string) error
	DeactivateAgentKeys(ctx context.Context, agentID string) (int64, error)
	AppendAgentLog(ctx context.Context, projectID, agentID, operation, detail string, at time.Time) error
	CreateContact(ctx context.Context, c *store.Contact) error
	ListContacts(ctx context.Context, projectID string) ([]*store.Contact, error)
	DeleteContact(ctx context.Context, projectID, id string) (bool, error)
	ContactExists(ctx context.Context, projectID string, addresses ...string) (bool, error)
}

// Service handles identity operations.
type Service struct {
	store    Store
	presence presence.KV
	clk      clock.Clock
	log      *logging.Logger
}

// NewService creates an identity service.
func NewService(st Store, kv presence.KV, clk clock.Clock, log *logging.Logger) *Service {
	return &Service{store: st, presence: kv, clk: clk, log: log}
}

// InitInput bootstraps an agent identity. Alias is optional; when empty one
// is allocated from the classic pool.
type InitInput struct {
	ProjectSlug string
	Alias       string
	HumanName   string
	AgentType   string
	AccessMode  string
}

// InitResult carries the provisioned identity. Key is the plaintext API
// key, shown exactly once.
type InitResult struct {
	Project        *store.Project
	Agent          *store.Agent
	Key            string
	KeyPrefix      string
	ProjectCreated bool
}

// Init finds or creates the project, registers the agent, and issues its
// API key.
func (s *Service) Init(ctx context.Context, in InitInput) (*InitResult, error) {
	if in.ProjectSlug == "" {
		return nil, errs.New(errs.InvalidArgument, "project_slug is required")
	}
	accessMode := in.AccessMode
	if accessMode == "" {
		accessMode = store.AccessOpen
	}
	if accessMode != store.AccessOpen && accessMode != store.AccessContactsOnly {
		return nil, errs.Newf(errs.InvalidArgument, "invalid access_mode %q", accessMode)
	}

	now := s.clk.Now()
	project, err := s.store.GetProjectBySlug(ctx, in.ProjectSlug)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "load project", err)
	}
	created := false
	if project == nil {
		project = &store.Project{ID: uuid.NewString(), Slug: in.ProjectSlug, CreatedAt: now}
		if err := s.store.CreateProject(ctx, project); err != nil {
			return nil, errs.Wrap(errs.Internal, "create project", err)
		}
		created = true
	}

	alias := in.Alias
	if alias != "" {
		if err := auth.ValidateAlias(alias); err != nil {
			return nil, err
		}
		existing, err := s.store.GetAgentByAlias(ctx, project.ID, alias)
		if err != nil {
			return nil, errs.Wrap(errs.Internal, "check alias", err)
		}
		if existing != nil {
			return nil, errs.Newf(errs.Conflict, "alias %q is already in use", alias)
		}
	} else {
		alias, err = s.allocate(ctx, project.ID)
		if err != nil {
			return nil, err
		}
	}

	agent := &store.Agent{
		ID:         uuid.NewString(),
		ProjectID:  project.ID,
		Alias:      alias,
		HumanName:  in.HumanName,
		AgentType:  in.AgentType,
		AccessMode: accessMode,
		Status:     store.AgentActive,
		CreatedAt:  now,
	}
	if err := s.store.CreateAgent(ctx, agent); err != nil {
		return nil, errs.Wrap(errs.Internal, "create agent", err)
	}

	plaintext, hash, err := auth.GenerateAPIKey()
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "generate key", err)
	}
	key := &store.APIKey{
		ID:        uuid.NewString(),
		ProjectID: project.ID,
		AgentID:   agent.ID,
		KeyPrefix: auth.KeyDisplayPrefix(plaintext),
		IsActive:  true,
		CreatedAt: now,
	}
	if err := s.store.CreateAPIKey(ctx, key, hash); err != nil {
		return nil, errs.Wrap(errs.Internal, "store key", err)
	}
	if err := s.store.AppendAgentLog(ctx, project.ID, agent.ID, "create", "alias="+alias, now); err != nil {
		s.log.Warn("agent log append failed", "agent_id", agent.ID, "error", err)
	}

	s.log.Info("agent provisioned", "project", project.Slug, "alias", alias, "project_created", created)
	return &InitResult{
		Project:        project,
		Agent:          agent,
		Key:            plaintext,
		KeyPrefix:      key.KeyPrefix,
		ProjectCreated: created,
	}, nil
}

// SuggestAliasPrefix reports the alias the project would allocate next,
// without allocating it. Unknown projects get the start of the pool.
func (s *Service) SuggestAliasPrefix(ctx context.Context, projectSlug string) (string, error) {
	project, err := s.store.GetProjectBySlug(ctx, projectSlug)
	if err != nil {
		return "", errs.Wrap(errs.Internal, "load project", err)
	}
	if project == nil {
		return classicNames[0], nil
	}
	return s.allocate(ctx, project.ID)
}

func (s *Service) allocate(ctx context.Context, projectID string) (string, error) {
	agents, err := s.store.ListAgents(ctx, projectID)
	if err != nil {
		return "", errs.Wrap(errs.Internal, "list agents", err)
	}
	taken := make(map[string]bool, len(agents))
	for _, a := range agents {
		taken[a.Alias] = true
	}
	alias, ok := allocateAlias(taken)
	if !ok {
		return "", errs.New(errs.Conflict, "alias_exhausted")
	}
	return alias, nil
}

// AgentInfo is an agent row enriched with presence.
type AgentInfo struct {
	Agent  *store.Agent
	Online bool
}

// ListAgents returns the project's agents with best-effort presence.
func (s *Service) ListAgents(ctx context.Context, p *auth.Principal) ([]AgentInfo, error) {
	agents, err := s.store.ListAgents(ctx, p.ProjectID)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "list agents", err)
	}
	out := make([]AgentInfo, 0, len(agents))
	for _, a := range agents {
		online, err := s.presence.Online(ctx, p.ProjectID, a.ID)
		if err != nil {
			s.log.Debug("presence lookup failed", "agent_id", a.ID, "error", err)
		}
		out = append(out, AgentInfo{Agent: a, Online: online})
	}
	return out, nil
}

// Heartbeat records the caller as online. An unreachable KV is UNAVAILABLE;
// nothing durable depends on it.
func (s *Service) Heartbeat(ctx context.Context, p *auth.Principal) error {
	if p.AgentID == "" {
		return errs.New(errs.Forbidden, "heartbeat requires an agent-scoped key")
	}
	if err := s.presence.Heartbeat(ctx, p.ProjectID, p.AgentID); err != nil {
		return errs.Wrap(errs.Unavailable, "presence store unreachable", err)
	}
	return nil
}

// Retire marks an agent retired. Its keys stay active so it can resume.
func (s *Service) Retire(ctx context.Context, p *auth.Principal, alias string) (*store.Agent, error) {
	return s.transition(ctx, p, alias, store.AgentRetired, false)
}

// Deregister permanently retires an agent and deactivates its keys.
func (s *Service) Deregister(ctx context.Context, p *auth.Principal, alias string) (*store.Agent, error) {
	return s.transition(ctx, p, alias, store.AgentDeregistered, true)
}

func (s *Service) transition(ctx context.Context, p *auth.Principal, alias, status string, dropKeys bool) (*store.Agent, error) {
	agent, err := s.store.GetAgentByAlias(ctx, p.ProjectID, alias)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "load agent", err)
	}
	if agent == nil {
		return nil, errs.Newf(errs.NotFound, "agent %q not found", alias)
	}
	if agent.Status == store.AgentDeregistered {
		return nil, errs.Newf(errs.Gone, "agent %q has been deregistered", alias)
	}
	if err := s.store.UpdateAgentStatus(ctx, agent.ID, status); err != nil {
		return nil, errs.Wrap(errs.Internal, "update agent status", err)
	}
	agent.Status = status
	if dropKeys {
		if _, err := s.store.DeactivateAgentKeys(ctx, agent.ID); err != nil {
			return nil, errs.Wrap(errs.Internal, "deactivate keys", err)
		}
		if err := s.presence.Clear(ctx, p.ProjectID, agent.ID); err != nil {
			s.log.Debug("presence clear failed", "agent_id", agent.ID, "error", err)
		}
	}
	now := s.clk.Now()
	if err := s.store.AppendAgentLog(ctx, p.ProjectID, agent.ID, status, "actor="+p.Alias, now); err != nil {
		s.log.Warn("agent log append failed", "agent_id", agent.ID, "error", err)
	}
	s.log.Info("agent status changed", "alias", alias, "status", status, "actor", p.Alias)
	return agent, nil
}

// AddContact grants an address access to the project's contacts_only
// agents.
func (s *Service) AddContact(ctx context.Context, p *auth.Principal, address string) (*store.Contact, error) {
	if address == "" {
		return nil, errs.New(errs.InvalidArgument, "contact_address is required")
	}
	exists, err := s.store.ContactExists(ctx, p.ProjectID, address)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "check contact", err)
	}
	if exists {
		return nil, errs.Newf(errs.Conflict, "contact %q already exists", address)
	}
	c := &store.Contact{
		ID:             uuid.NewString(),
		ProjectID:      p.ProjectID,
		ContactAddress: address,
		CreatedAt:      s.clk.Now(),
	}
	if err := s.store.CreateContact(ctx, c); err != nil {
		return nil, errs.Wrap(errs.Internal, "create contact", err)
	}
	return c, nil
}

// ListContacts returns the project's contact set.
func (s *Service) ListContacts(ctx context.Context, p *auth.Principal) ([]*store.Contact, error) {
	contacts, err := s.store.ListContacts(ctx, p.ProjectID)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "list contacts", err)
	}
	return contacts, nil
}

// RemoveContact deletes a contact by id.
func (s *Service) RemoveContact(ctx context.Context, p *auth.Principal, id string) error {
	ok, err := s.store.DeleteContact(ctx, p.ProjectID, id)
	if err != nil {
		return errs.Wrap(errs.Internal, "delete contact", err)
	}
	if !ok {
		return errs.New(errs.NotFound, "contact not found")
	}
	return nil
}
