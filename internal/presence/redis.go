package presence

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "aweb:presence:"

// Redis is the production presence backend: one TTL key per agent.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis creates a Redis-backed presence KV.
func NewRedis(addr, password string, db int, ttl time.Duration) *Redis {
	return &Redis{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		ttl:    ttl,
	}
}

func presenceKey(projectID, agentID string) string {
	return keyPrefix + projectID + ":" + agentID
}

func (r *Redis) Heartbeat(ctx context.Context, projectID, agentID string) error {
	return r.client.Set(ctx, presenceKey(projectID, agentID),
		time.Now().UTC().Format(time.RFC3339), r.ttl).Err()
}

func (r *Redis) Online(ctx context.Context, projectID, agentID string) (bool, error) {
	n, err := r.client.Exists(ctx, presenceKey(projectID, agentID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *Redis) Clear(ctx context.Context, projectID, agentID string) error {
	return r.client.Del(ctx, presenceKey(projectID, agentID)).Err()
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}
