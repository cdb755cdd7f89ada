// Package auth authenticates callers to a project-scoped principal, either
// from an aweb API key or from a trusted-proxy context.
package auth

import (
	"context"
	"net/http"
	"time"

	"github.com/awebai/aweb/internal/clock"
	"github.com/awebai/aweb/internal/errs"
	"github.com/awebai/aweb/internal/logging"
	"github.com/awebai/aweb/internal/metrics"
	"github.com/awebai/aweb/internal/store"
)

// Principal is the authenticated scope of a request. AgentID is empty for
// project-only keys.
type Principal struct {
	ProjectID string
	AgentID   string
	APIKeyID  string
	Alias     string
	HumanName string
	AgentType string
}

// KeyStore is the subset of the store the auth service needs.
type KeyStore interface {
	GetAPIKeyByHash(ctx context.Context, keyHash string) (*store.APIKey, error)
	TouchAPIKey(ctx context.Context, id string, at time.Time) error
	GetAgent(ctx context.Context, id string) (*store.Agent, error)
}

// Service resolves request credentials to a Principal.
type Service struct {
	store       KeyStore
	clk         clock.Clock
	log         *logging.Logger
	trustProxy  bool
	proxySecret string
}

// NewService creates an auth service. When trustProxy is true, every
// request must carry a valid signed proxy context and bearer auth is
// disabled entirely.
func NewService(st KeyStore, clk clock.Clock, log *logging.Logger, trustProxy bool, proxySecret string) *Service {
	return &Service{store: st, clk: clk, log: log, trustProxy: trustProxy, proxySecret: proxySecret}
}

// Authenticate resolves the request to a Principal or fails with an
// UNAUTHENTICATED error.
func (s *Service) Authenticate(ctx context.Context, r *http.Request) (*Principal, error) {
	if s.trustProxy {
		p, err := s.authenticateProxy(ctx, r)
		if errs.Is(err, errs.Unauthenticated) {
			metrics.AuthFailures.WithLabelValues("proxy").Inc()
		}
		return p, err
	}
	p, err := s.authenticateBearer(ctx, r)
	if errs.Is(err, errs.Unauthenticated) {
		metrics.AuthFailures.WithLabelValues("bearer").Inc()
	}
	return p, err
}

func (s *Service) authenticateBearer(ctx context.Context, r *http.Request) (*Principal, error) {
	token := ExtractBearerToken(r.Header.Get("Authorization"))
	if token == "" {
		return nil, errs.New(errs.Unauthenticated, "missing API key")
	}
	key, err := s.store.GetAPIKeyByHash(ctx, HashKey(token))
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "key lookup failed", err)
	}
	if key == nil {
		// Same response for unknown and inactive keys.
		return nil, errs.New(errs.Unauthenticated, "invalid API key")
	}
	if err := s.store.TouchAPIKey(ctx, key.ID, s.clk.Now()); err != nil {
		s.log.Warn("failed to record key usage", "api_key_id", key.ID, "error", err)
	}

	p := &Principal{ProjectID: key.ProjectID, APIKeyID: key.ID}
	if key.AgentID != "" {
		agent, err := s.store.GetAgent(ctx, key.AgentID)
		if err != nil {
			return nil, errs.Wrap(errs.Internal, "agent lookup failed", err)
		}
		if agent == nil {
			return nil, errs.New(errs.Unauthenticated, "invalid API key")
		}
		p.AgentID = agent.ID
		p.Alias = agent.Alias
		p.HumanName = agent.HumanName
		p.AgentType = agent.AgentType
	}
	return p, nil
}

// authenticateProxy validates the signed proxy context. Failures here are
// terminal: a valid bearer token on the same request must not rescue it.
func (s *Service) authenticateProxy(ctx context.Context, r *http.Request) (*Principal, error) {
	header := r.Header.Get(HeaderInternalAuth)
	if header == "" {
		return nil, errs.New(errs.Unauthenticated, "missing proxy auth context")
	}
	pc, err := ParseProxyContext(header, s.proxySecret)
	if err != nil {
		return nil, errs.Wrap(errs.Unauthenticated, "invalid proxy auth context", err)
	}

	agentID := pc.ActorID
	if agentID == "" && pc.PrincipalType == "agent" {
		agentID = pc.PrincipalID
	}
	if override := r.Header.Get(HeaderActorID); override != "" {
		agentID = override
	}

	p := &Principal{ProjectID: pc.ProjectID}
	if agentID != "" {
		agent, err := s.store.GetAgent(ctx, agentID)
		if err != nil {
			return nil, errs.Wrap(errs.Internal, "agent lookup failed", err)
		}
		if agent == nil || agent.ProjectID != pc.ProjectID {
			return nil, errs.New(errs.Unauthenticated, "proxy auth actor unknown")
		}
		p.AgentID = agent.ID
		p.Alias = agent.Alias
		p.HumanName = agent.HumanName
		p.AgentType = agent.AgentType
	}
	return p, nil
}
