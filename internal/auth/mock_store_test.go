package auth

import (
	"context"
	"time"

	"github.com/awebai/aweb/internal/store"
)

// mockKeyStore is an in-memory KeyStore for auth tests.
type mockKeyStore struct {
	keysByHash map[string]*store.APIKey
	agents     map[string]*store.Agent
	touched    []string
	touchErr   error
}

func newMockKeyStore() *mockKeyStore {
	return &mockKeyStore{
		keysByHash: make(map[string]*store.APIKey),
		agents:     make(map[string]*store.Agent),
	}
}

func (m *mockKeyStore) GetAPIKeyByHash(_ context.Context, keyHash string) (*store.APIKey, error) {
	return m.keysByHash[keyHash], nil
}

func (m *mockKeyStore) TouchAPIKey(_ context.Context, id string, _ time.Time) error {
	m.touched = append(m.touched, id)
	return m.touchErr
}

func (m *mockKeyStore) GetAgent(_ context.Context, id string) (*store.Agent, error) {
	return m.agents[id], nil
}
