// Package presence tracks best-effort agent liveness via TTL-keyed
// heartbeats in an ephemeral KV. Absence of a key means offline. Presence
// never gates delivery; mail and reservations keep working when the KV is
// down.
package presence

import "context"

// KV is the ephemeral heartbeat store.
type KV interface {
	// Heartbeat records that the agent is online, refreshing the TTL.
	Heartbeat(ctx context.Context, projectID, agentID string) error
	// Online reports whether an unexpired heartbeat exists.
	Online(ctx context.Context, projectID, agentID string) (bool, error)
	// Clear removes the agent's heartbeat.
	Clear(ctx context.Context, projectID, agentID string) error
	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error
	Close() error
}
