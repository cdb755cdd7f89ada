package web

import (
	"context"
	"net/http"
	"time"

	"github.com/awebai/aweb/internal/auth"
	"github.com/awebai/aweb/internal/bootstrap"
	"github.com/awebai/aweb/internal/store"
)

type initRequest struct {
	ProjectSlug string `json:"project_slug"`
	Alias       string `json:"alias,omitempty"`
	HumanName   string `json:"human_name,omitempty"`
	AgentType   string `json:"agent_type,omitempty"`
	AccessMode  string `json:"access_mode,omitempty"`
}

type initResponse struct {
	ProjectID      string `json:"project_id"`
	ProjectSlug    string `json:"project_slug"`
	ProjectCreated bool   `json:"project_created"`
	AgentID        string `json:"agent_id"`
	Alias          string `json:"alias"`
	APIKey         string `json:"api_key"`
	KeyPrefix      string `json:"key_prefix"`
}

// apiInit bootstraps a project, agent, and API key. The plaintext key is
// returned exactly once.
func (s *Server) apiInit(w http.ResponseWriter, r *http.Request) {
	var req initRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	res, err := s.deps.Identity.Init(r.Context(), bootstrap.InitInput{
		ProjectSlug: req.ProjectSlug,
		Alias:       req.Alias,
		HumanName:   req.HumanName,
		AgentType:   req.AgentType,
		AccessMode:  req.AccessMode,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, initResponse{
		ProjectID:      res.Project.ID,
		ProjectSlug:    res.Project.Slug,
		ProjectCreated: res.ProjectCreated,
		AgentID:        res.Agent.ID,
		Alias:          res.Agent.Alias,
		APIKey:         res.Key,
		KeyPrefix:      res.KeyPrefix,
	})
}

// apiSuggestAliasPrefix reports the next alias a project would allocate.
// Unauthenticated and non-allocating, so clients can pick display names
// before bootstrapping.
func (s *Server) apiSuggestAliasPrefix(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProjectSlug string `json:"project_slug"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	alias, err := s.deps.Identity.SuggestAliasPrefix(r.Context(), req.ProjectSlug)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"alias": alias})
}

func (s *Server) apiIntrospect(w http.ResponseWriter, r *http.Request) {
	p := auth.GetPrincipal(r.Context())
	resp := map[string]any{
		"project_id": p.ProjectID,
	}
	if p.AgentID != "" {
		resp["agent_id"] = p.AgentID
		resp["alias"] = p.Alias
		resp["human_name"] = p.HumanName
		resp["agent_type"] = p.AgentType
	}
	if p.APIKeyID != "" {
		resp["api_key_id"] = p.APIKeyID
	}
	writeJSON(w, http.StatusOK, resp)
}

type agentResponse struct {
	AgentID    string    `json:"agent_id"`
	Alias      string    `json:"alias"`
	HumanName  string    `json:"human_name,omitempty"`
	AgentType  string    `json:"agent_type,omitempty"`
	AccessMode string    `json:"access_mode"`
	Status     string    `json:"status"`
	Online     bool      `json:"online"`
	CreatedAt  time.Time `json:"created_at"`
}

func (s *Server) apiListAgents(w http.ResponseWriter, r *http.Request) {
	p := auth.GetPrincipal(r.Context())
	infos, err := s.deps.Identity.ListAgents(r.Context(), p)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	agents := make([]agentResponse, 0, len(infos))
	for _, info := range infos {
		agents = append(agents, agentResponse{
			AgentID:    info.Agent.ID,
			Alias:      info.Agent.Alias,
			HumanName:  info.Agent.HumanName,
			AgentType:  info.Agent.AgentType,
			AccessMode: info.Agent.AccessMode,
			Status:     info.Agent.Status,
			Online:     info.Online,
			CreatedAt:  info.Agent.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

func (s *Server) apiHeartbeat(w http.ResponseWriter, r *http.Request) {
	p := auth.GetPrincipal(r.Context())
	if err := s.deps.Identity.Heartbeat(r.Context(), p); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) apiRetireAgent(w http.ResponseWriter, r *http.Request) {
	s.transitionAgent(w, r, s.deps.Identity.Retire)
}

func (s *Server) apiDeregisterAgent(w http.ResponseWriter, r *http.Request) {
	s.transitionAgent(w, r, s.deps.Identity.Deregister)
}

func (s *Server) transitionAgent(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, p *auth.Principal, alias string) (*store.Agent, error)) {
	p := auth.GetPrincipal(r.Context())
	agent, err := op(r.Context(), p, r.PathValue("alias"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"agent_id": agent.ID,
		"alias":    agent.Alias,
		"status":   agent.Status,
	})
}

func (s *Server) apiAddContact(w http.ResponseWriter, r *http.Request) {
	p := auth.GetPrincipal(r.Context())
	var req struct {
		ContactAddress string `json:"contact_address"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	c, err := s.deps.Identity.AddContact(r.Context(), p, req.ContactAddress)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"contact_id":      c.ID,
		"contact_address": c.ContactAddress,
		"created_at":      c.CreatedAt,
	})
}

func (s *Server) apiListContacts(w http.ResponseWriter, r *http.Request) {
	p := auth.GetPrincipal(r.Context())
	contacts, err := s.deps.Identity.ListContacts(r.Context(), p)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(contacts))
	for _, c := range contacts {
		out = append(out, map[string]any{
			"contact_id":      c.ID,
			"contact_address": c.ContactAddress,
			"created_at":      c.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"contacts": out})
}

func (s *Server) apiRemoveContact(w http.ResponseWriter, r *http.Request) {
	p := auth.GetPrincipal(r.Context())
	if err := s.deps.Identity.RemoveContact(r.Context(), p, r.PathValue("id")); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}
