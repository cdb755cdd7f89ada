package web

import (
	"net/http"
	"time"

	"github.com/awebai/aweb/internal/auth"
	"github.com/awebai/aweb/internal/store"
)

type reservationResponse struct {
	ResourceKey   string    `json:"resource_key"`
	HolderAgentID string    `json:"holder_agent_id"`
	HolderAlias   string    `json:"holder_alias"`
	AcquiredAt    time.Time `json:"acquired_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	Metadata      string    `json:"metadata,omitempty"`
}

func toReservationResponse(r *store.Reservation) reservationResponse {
	return reservationResponse{
		ResourceKey:   r.ResourceKey,
		HolderAgentID: r.HolderAgentID,
		HolderAlias:   r.HolderAlias,
		AcquiredAt:    r.AcquiredAt,
		ExpiresAt:     r.ExpiresAt,
		Metadata:      r.MetadataJSON,
	}
}

type acquireRequest struct {
	ResourceKey string `json:"resource_key"`
	TTLSeconds  int    `json:"ttl_seconds,omitempty"`
	Metadata    string `json:"metadata,omitempty"`
}

// apiAcquire claims a lease. A held key answers 409 with the current holder
// so callers can decide whether to wait or back off.
func (s *Server) apiAcquire(w http.ResponseWriter, r *http.Request) {
	p := auth.GetPrincipal(r.Context())
	var req acquireRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	res, err := s.deps.Reservations.Acquire(r.Context(), p, req.ResourceKey, req.TTLSeconds, req.Metadata)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if !res.Acquired {
		writeJSON(w, http.StatusConflict, map[string]any{
			"acquired": false,
			"error":    "resource is already reserved",
			"holder":   toReservationResponse(res.Conflict),
		})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"acquired":    true,
		"reservation": toReservationResponse(res.Reservation),
	})
}

func (s *Server) apiRenew(w http.ResponseWriter, r *http.Request) {
	p := auth.GetPrincipal(r.Context())
	var req acquireRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	expires, err := s.deps.Reservations.Renew(r.Context(), p, req.ResourceKey, req.TTLSeconds)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"renewed":    true,
		"expires_at": expires,
	})
}

func (s *Server) apiRelease(w http.ResponseWriter, r *http.Request) {
	p := auth.GetPrincipal(r.Context())
	var req struct {
		ResourceKey string `json:"resource_key"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	released, err := s.deps.Reservations.Release(r.Context(), p, req.ResourceKey)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"released": released})
}

func (s *Server) apiListReservations(w http.ResponseWriter, r *http.Request) {
	p := auth.GetPrincipal(r.Context())
	rs, err := s.deps.Reservations.List(r.Context(), p, r.URL.Query().Get("prefix"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	out := make([]reservationResponse, 0, len(rs))
	for _, res := range rs {
		out = append(out, toReservationResponse(res))
	}
	writeJSON(w, http.StatusOK, map[string]any{"reservations": out, "count": len(out)})
}

func (s *Server) apiRevoke(w http.ResponseWriter, r *http.Request) {
	p := auth.GetPrincipal(r.Context())
	var req struct {
		Prefix string `json:"prefix,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	released, err := s.deps.Reservations.Revoke(r.Context(), p, req.Prefix)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if released == nil {
		released = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"released": released,
		"count":    len(released),
	})
}
