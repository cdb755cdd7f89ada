package presence

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/awebai/aweb/internal/clock"
)

var heartbeatBucket = []byte("heartbeats")

// Bolt is the single-node fallback presence backend. bbolt has no native
// TTLs, so each key stores its expiry and liveness is evaluated lazily at
// read time; Heartbeat prunes lapsed keys opportunistically.
type Bolt struct {
	db  *bolt.DB
	ttl time.Duration
	clk clock.Clock
}

// NewBolt opens (or creates) the KV file at path.
func NewBolt(path string, ttl time.Duration, clk clock.Clock) (*Bolt, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open presence kv: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(heartbeatBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create presence bucket: %w", err)
	}
	return &Bolt{db: db, ttl: ttl, clk: clk}, nil
}

func boltKey(projectID, agentID string) []byte {
	return []byte(projectID + ":" + agentID)
}

func (b *Bolt) Heartbeat(ctx context.Context, projectID, agentID string) error {
	expiry := b.clk.Now().Add(b.ttl).UnixNano()
	now := b.clk.Now().UnixNano()
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(heartbeatBucket)
		// Prune lapsed entries while we hold the write lock.
		c := bkt.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if len(v) == 8 && int64(binary.BigEndian.Uint64(v)) <= now {
				if err := c.Delete(); err != nil {
					return err
				}
			}
		}
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(expiry))
		return bkt.Put(boltKey(projectID, agentID), buf[:])
	})
}

func (b *Bolt) Online(ctx context.Context, projectID, agentID string) (bool, error) {
	var online bool
	now := b.clk.Now().UnixNano()
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(heartbeatBucket).Get(boltKey(projectID, agentID))
		if len(v) == 8 {
			online = int64(binary.BigEndian.Uint64(v)) > now
		}
		return nil
	})
	return online, err
}

func (b *Bolt) Clear(ctx context.Context, projectID, agentID string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(heartbeatBucket).Delete(boltKey(projectID, agentID))
	})
}

func (b *Bolt) Ping(ctx context.Context) error {
	return b.db.View(func(tx *bolt.Tx) error { return nil })
}

func (b *Bolt) Close() error {
	return b.db.Close()
}
