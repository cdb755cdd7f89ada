package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Agent statuses.
const (
	AgentActive       = "active"
	AgentRetired      = "retired"
	AgentDeregistered = "deregistered"
)

// Agent access modes.
const (
	AccessOpen         = "open"
	AccessContactsOnly = "contacts_only"
)

// Project is a tenant namespace owning agents, keys, and all coordination
// state.
type Project struct {
	ID        string
	Slug      string
	CreatedAt time.Time
	DeletedAt *time.Time
}

// Agent is a named actor within a project.
type Agent struct {
	ID         string
	ProjectID  string
	Alias      string
	HumanName  string
	AgentType  string
	AccessMode string
	Status     string
	CreatedAt  time.Time
	DeletedAt  *time.Time
}

// APIKey authenticates a project, optionally bound to one agent. Only the
// SHA-256 digest of the full key is stored; KeyPrefix is display-only and
// never consulted during authentication.
type APIKey struct {
	ID         string
	ProjectID  string
	AgentID    string // empty for project-scoped keys
	KeyPrefix  string
	IsActive   bool
	CreatedAt  time.Time
	LastUsedAt *time.Time
}

// Contact grants a sender address access to the project's contacts_only
// agents.
type Contact struct {
	ID             string
	ProjectID      string
	ContactAddress string
	CreatedAt      time.Time
}

// CreateProject inserts a new project.
func (s *Store) CreateProject(ctx context.Context, p *Project) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, slug, created_at) VALUES (?, ?, ?)
	`, p.ID, p.Slug, tsOf(p.CreatedAt))
	if err != nil {
		return fmt.Errorf("create project: %w", err)
	}
	return nil
}

// GetProject returns the project with the given id, or nil if absent.
func (s *Store) GetProject(ctx context.Context, id string) (*Project, error) {
	return s.scanProject(s.db.QueryRowContext(ctx, `
		SELECT id, slug, created_at, deleted_at FROM projects
		WHERE id = ? AND deleted_at IS NULL
	`, id))
}

// GetProjectBySlug returns the non-deleted project with the given slug, or
// nil if absent.
func (s *Store) GetProjectBySlug(ctx context.Context, slug string) (*Project, error) {
	return s.scanProject(s.db.QueryRowContext(ctx, `
		SELECT id, slug, created_at, deleted_at FROM projects
		WHERE slug = ? AND deleted_at IS NULL
	`, slug))
}

func (s *Store) scanProject(row *sql.Row) (*Project, error) {
	var p Project
	var created int64
	var deleted sql.NullInt64
	err := row.Scan(&p.ID, &p.Slug, &created, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	p.CreatedAt = timeAt(created)
	p.DeletedAt = timePtr(deleted)
	return &p, nil
}

const agentCols = "id, project_id, alias, human_name, agent_type, access_mode, status, created_at, deleted_at"

// CreateAgent inserts a new agent.
func (s *Store) CreateAgent(ctx context.Context, a *Agent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, project_id, alias, human_name, agent_type, access_mode, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.ProjectID, a.Alias, a.HumanName, a.AgentType, a.AccessMode, a.Status, tsOf(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}
	return nil
}

// GetAgent returns the agent with the given id, or nil if absent.
func (s *Store) GetAgent(ctx context.Context, id string) (*Agent, error) {
	return scanAgent(s.db.QueryRowContext(ctx,
		"SELECT "+agentCols+" FROM agents WHERE id = ? AND deleted_at IS NULL", id))
}

// GetAgentByAlias returns the project's non-deleted agent with the given
// alias, or nil if absent.
func (s *Store) GetAgentByAlias(ctx context.Context, projectID, alias string) (*Agent, error) {
	return scanAgent(s.db.QueryRowContext(ctx,
		"SELECT "+agentCols+" FROM agents WHERE project_id = ? AND alias = ? AND deleted_at IS NULL",
		projectID, alias))
}

// ListAgents returns the project's non-deleted agents ordered by alias.
func (s *Store) ListAgents(ctx context.Context, projectID string) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+agentCols+" FROM agents WHERE project_id = ? AND deleted_at IS NULL ORDER BY alias",
		projectID)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agents: %w", err)
	}
	return agents, nil
}

// UpdateAgentStatus sets an agent's lifecycle status.
func (s *Store) UpdateAgentStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE agents SET status = ? WHERE id = ? AND deleted_at IS NULL", status, id)
	if err != nil {
		return fmt.Errorf("update agent status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update agent status: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("agent not found: %s", id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*Agent, error) {
	var a Agent
	var created int64
	var deleted sql.NullInt64
	err := row.Scan(&a.ID, &a.ProjectID, &a.Alias, &a.HumanName, &a.AgentType,
		&a.AccessMode, &a.Status, &created, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan agent: %w", err)
	}
	a.CreatedAt = timeAt(created)
	a.DeletedAt = timePtr(deleted)
	return &a, nil
}

// CreateAPIKey inserts a key record. keyHash is the SHA-256 hex digest of
// the full key string.
func (s *Store) CreateAPIKey(ctx context.Context, k *APIKey, keyHash string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, project_id, agent_id, key_hash, key_prefix, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, k.ID, k.ProjectID, nullStr(k.AgentID), keyHash, k.KeyPrefix, k.IsActive, tsOf(k.CreatedAt))
	if err != nil {
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

// GetAPIKeyByHash returns the active key whose stored digest matches, or nil
// if absent.
func (s *Store) GetAPIKeyByHash(ctx context.Context, keyHash string) (*APIKey, error) {
	var k APIKey
	var agentID sql.NullString
	var created int64
	var lastUsed sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, agent_id, key_prefix, is_active, created_at, last_used_at
		FROM api_keys WHERE key_hash = ? AND is_active = 1
	`, keyHash).Scan(&k.ID, &k.ProjectID, &agentID, &k.KeyPrefix, &k.IsActive, &created, &lastUsed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get api key: %w", err)
	}
	k.AgentID = strOf(agentID)
	k.CreatedAt = timeAt(created)
	k.LastUsedAt = timePtr(lastUsed)
	return &k, nil
}

// TouchAPIKey records key usage. Best effort; callers may ignore errors.
func (s *Store) TouchAPIKey(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE api_keys SET last_used_at = ? WHERE id = ?", tsOf(at), id)
	if err != nil {
		return fmt.Errorf("touch api key: %w", err)
	}
	return nil
}

// DeactivateAgentKeys disables every active key bound to the agent. Returns
// the number of keys deactivated.
func (s *Store) DeactivateAgentKeys(ctx context.Context, agentID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE api_keys SET is_active = 0 WHERE agent_id = ? AND is_active = 1", agentID)
	if err != nil {
		return 0, fmt.Errorf("deactivate agent keys: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("deactivate agent keys: %w", err)
	}
	return n, nil
}

// CreateContact inserts a contact address for the project.
func (s *Store) CreateContact(ctx context.Context, c *Contact) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contacts (id, project_id, contact_address, created_at) VALUES (?, ?, ?, ?)
	`, c.ID, c.ProjectID, c.ContactAddress, tsOf(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("create contact: %w", err)
	}
	return nil
}

// ListContacts returns the project's contacts ordered by address.
func (s *Store) ListContacts(ctx context.Context, projectID string) ([]*Contact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, contact_address, created_at FROM contacts
		WHERE project_id = ? ORDER BY contact_address
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	defer rows.Close()

	var contacts []*Contact
	for rows.Next() {
		var c Contact
		var created int64
		if err := rows.Scan(&c.ID, &c.ProjectID, &c.ContactAddress, &created); err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		c.CreatedAt = timeAt(created)
		contacts = append(contacts, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate contacts: %w", err)
	}
	return contacts, nil
}

// DeleteContact removes a contact. Returns false when no row matched.
func (s *Store) DeleteContact(ctx context.Context, projectID, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM contacts WHERE project_id = ? AND id = ?", projectID, id)
	if err != nil {
		return false, fmt.Errorf("delete contact: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete contact: %w", err)
	}
	return n > 0, nil
}

// ContactExists reports whether any of the given addresses is in the
// project's contact set.
func (s *Store) ContactExists(ctx context.Context, projectID string, addresses ...string) (bool, error) {
	for _, addr := range addresses {
		var one int
		err := s.db.QueryRowContext(ctx,
			"SELECT 1 FROM contacts WHERE project_id = ? AND contact_address = ?",
			projectID, addr).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("check contact: %w", err)
		}
		return true, nil
	}
	return false, nil
}

// AppendAgentLog records an agent lifecycle operation for auditing.
func (s *Store) AppendAgentLog(ctx context.Context, projectID, agentID, operation, detail string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_log (project_id, agent_id, operation, detail, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, projectID, agentID, operation, detail, tsOf(at))
	if err != nil {
		return fmt.Errorf("append agent log: %w", err)
	}
	return nil
}
