// Package reservations implements opaque named leases: per-project locks on
// string keys with TTL expiry and holder-only mutation. Expiry is enforced
// lazily at read time; a cron janitor prunes lapsed rows.
package reservations

import (
	"context"
	"time"

	"github.com/awebai/aweb/internal/auth"
	"github.com/awebai/aweb/internal/clock"
	"github.com/awebai/aweb/internal/errs"
	"github.com/awebai/aweb/internal/logging"
	"github.com/awebai/aweb/internal/metrics"
	"github.com/awebai/aweb/internal/store"
)

// minTTL is the clamp floor for lease lifetimes.
const minTTL = time.Minute

// Store is the subset of the durable store the lease manager needs.
type Store interface {
	AcquireReservation(ctx context.Context, r *store.Reservation, now time.Time) (*store.Reservation, error)
	GetReservation(ctx context.Context, projectID, resourceKey string) (*store.Reservation, error)
	UpdateReservationExpiry(ctx context.Context, projectID, resourceKey string, expiresAt time.Time) error
	DeleteReservation(ctx context.Context, projectID, resourceKey, holderAgentID string, now time.Time) (bool, error)
	ListReservations(ctx context.Context, projectID, prefix string, now time.Time) ([]*store.Reservation, error)
	DeleteReservationsHeldBy(ctx context.Context, projectID, agentID, prefix string, now time.Time) ([]string, error)
	DeleteExpiredReservations(ctx context.Context, now time.Time) (int64, error)
	CountHeldReservations(ctx context.Context, now time.Time) (int, error)
}

// Service handles lease operations.
type Service struct {
	store      Store
	clk        clock.Clock
	log        *logging.Logger
	defaultTTL time.Duration
	maxTTL     time.Duration
}

// NewService creates a lease manager. ttlSeconds arguments of 0 fall back
// to defaultTTL; all TTLs are clamped to [1m, maxTTL].
func NewService(st Store, clk clock.Clock, log *logging.Logger, defaultTTL, maxTTL time.Duration) *Service {
	return &Service{store: st, clk: clk, log: log, defaultTTL: defaultTTL, maxTTL: maxTTL}
}

// AcquireResult reports either a successful claim or the current holder.
type AcquireResult struct {
	Acquired    bool
	Reservation *store.Reservation // set when acquired
	Conflict    *store.Reservation // set when the key is held by someone else
}

// Acquire atomically claims the key. An unexpired row held by anyone,
// including the caller, is a conflict; holders extend with Renew.
func (s *Service) Acquire(ctx context.Context, p *auth.Principal, resourceKey string, ttlSeconds int, metadataJSON string) (*AcquireResult, error) {
	if p.AgentID == "" {
		return nil, errs.New(errs.Forbidden, "reservations require an agent-scoped key")
	}
	if resourceKey == "" {
		return nil, errs.New(errs.InvalidArgument, "resource_key must not be empty")
	}

	now := s.clk.Now()
	ttl := s.clampTTL(ttlSeconds)
	r := &store.Reservation{
		ProjectID:     p.ProjectID,
		ResourceKey:   resourceKey,
		HolderAgentID: p.AgentID,
		HolderAlias:   p.Alias,
		AcquiredAt:    now,
		ExpiresAt:     now.Add(ttl),
		MetadataJSON:  metadataJSON,
	}
	conflict, err := s.store.AcquireReservation(ctx, r, now)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "acquire reservation", err)
	}
	if conflict != nil {
		metrics.ReservationConflicts.Inc()
		return &AcquireResult{Conflict: conflict}, nil
	}
	s.log.Debug("reservation acquired", "resource_key", resourceKey, "holder", p.Alias, "expires_at", r.ExpiresAt)
	return &AcquireResult{Acquired: true, Reservation: r}, nil
}

// Renew extends the caller's unexpired lease. A missing or lapsed row is
// NOT_FOUND; someone else's unexpired row is FORBIDDEN.
func (s *Service) Renew(ctx context.Context, p *auth.Principal, resourceKey string, ttlSeconds int) (time.Time, error) {
	if p.AgentID == "" {
		return time.Time{}, errs.New(errs.Forbidden, "reservations require an agent-scoped key")
	}
	now := s.clk.Now()
	r, err := s.store.GetReservation(ctx, p.ProjectID, resourceKey)
	if err != nil {
		return time.Time{}, errs.Wrap(errs.Internal, "load reservation", err)
	}
	if r == nil || !r.ExpiresAt.After(now) {
		return time.Time{}, errs.New(errs.NotFound, "reservation not found or expired")
	}
	if r.HolderAgentID != p.AgentID {
		return time.Time{}, errs.Newf(errs.Forbidden, "reservation is held by %s", r.HolderAlias)
	}
	expires := now.Add(s.clampTTL(ttlSeconds))
	if err := s.store.UpdateReservationExpiry(ctx, p.ProjectID, resourceKey, expires); err != nil {
		return time.Time{}, errs.Wrap(errs.Internal, "renew reservation", err)
	}
	return expires, nil
}

// Release frees the caller's lease. Missing and lapsed rows release
// idempotently (lapsed rows by anyone, as cleanup); another agent's
// unexpired row is FORBIDDEN.
func (s *Service) Release(ctx context.Context, p *auth.Principal, resourceKey string) (bool, error) {
	if p.AgentID == "" {
		return false, errs.New(errs.Forbidden, "reservations require an agent-scoped key")
	}
	now := s.clk.Now()
	r, err := s.store.GetReservation(ctx, p.ProjectID, resourceKey)
	if err != nil {
		return false, errs.Wrap(errs.Internal, "load reservation", err)
	}
	if r == nil {
		return false, nil
	}
	if r.ExpiresAt.After(now) && r.HolderAgentID != p.AgentID {
		return false, errs.Newf(errs.Forbidden, "reservation is held by %s", r.HolderAlias)
	}
	// The delete is conditional on holder-or-lapsed so it cannot take out a
	// lease re-acquired between the read above and this statement.
	released, err := s.store.DeleteReservation(ctx, p.ProjectID, resourceKey, p.AgentID, now)
	if err != nil {
		return false, errs.Wrap(errs.Internal, "release reservation", err)
	}
	return released, nil
}

// List returns the project's unexpired leases, optionally filtered to keys
// starting with prefix.
func (s *Service) List(ctx context.Context, p *auth.Principal, prefix string) ([]*store.Reservation, error) {
	rs, err := s.store.ListReservations(ctx, p.ProjectID, prefix, s.clk.Now())
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "list reservations", err)
	}
	return rs, nil
}

// Revoke bulk-releases the caller's own leases, optionally restricted by
// prefix. A prefix that matches only other agents' leases is FORBIDDEN so
// callers notice they targeted the wrong keys.
func (s *Service) Revoke(ctx context.Context, p *auth.Principal, prefix string) ([]string, error) {
	if p.AgentID == "" {
		return nil, errs.New(errs.Forbidden, "reservations require an agent-scoped key")
	}
	now := s.clk.Now()
	all, err := s.store.ListReservations(ctx, p.ProjectID, prefix, now)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "list reservations", err)
	}
	own := 0
	for _, r := range all {
		if r.HolderAgentID == p.AgentID {
			own++
		}
	}
	if own == 0 && len(all) > 0 {
		return nil, errs.New(errs.Forbidden, "prefix matches only other agents' reservations")
	}
	released, err := s.store.DeleteReservationsHeldBy(ctx, p.ProjectID, p.AgentID, prefix, now)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "revoke reservations", err)
	}
	if len(released) > 0 {
		s.log.Info("reservations revoked", "holder", p.Alias, "count", len(released))
	}
	return released, nil
}

func (s *Service) clampTTL(ttlSeconds int) time.Duration {
	ttl := time.Duration(ttlSeconds) * time.Second
	if ttlSeconds <= 0 {
		ttl = s.defaultTTL
	}
	if ttl < minTTL {
		ttl = minTTL
	}
	if ttl > s.maxTTL {
		ttl = s.maxTTL
	}
	return ttl
}
