package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedProject(t *testing.T, s *Store, slug string) *Project {
	t.Helper()
	p := &Project{ID: uuid.NewString(), Slug: slug, CreatedAt: time.Now()}
	if err := s.CreateProject(context.Background(), p); err != nil {
		t.Fatalf("CreateProject() error: %v", err)
	}
	return p
}

func seedAgent(t *testing.T, s *Store, projectID, alias string) *Agent {
	t.Helper()
	a := &Agent{
		ID:         uuid.NewString(),
		ProjectID:  projectID,
		Alias:      alias,
		AccessMode: AccessOpen,
		Status:     AgentActive,
		CreatedAt:  time.Now(),
	}
	if err := s.CreateAgent(context.Background(), a); err != nil {
		t.Fatalf("CreateAgent() error: %v", err)
	}
	return a
}

func TestMigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("first Open() error: %v", err)
	}
	s.Close()

	// Reopening must not reapply migrations.
	s, err = Open(path)
	if err != nil {
		t.Fatalf("second Open() error: %v", err)
	}
	defer s.Close()
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping() error: %v", err)
	}
}

func TestProjectLookup(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	p := seedProject(t, s, "demo")

	got, err := s.GetProjectBySlug(ctx, "demo")
	if err != nil {
		t.Fatalf("GetProjectBySlug() error: %v", err)
	}
	if got == nil || got.ID != p.ID {
		t.Errorf("GetProjectBySlug() = %+v", got)
	}

	got, err = s.GetProjectBySlug(ctx, "missing")
	if err != nil {
		t.Fatalf("GetProjectBySlug(missing) error: %v", err)
	}
	if got != nil {
		t.Errorf("missing project should be nil, got %+v", got)
	}
}

func TestAgentAliasUniquePerProject(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	p1 := seedProject(t, s, "one")
	p2 := seedProject(t, s, "two")
	seedAgent(t, s, p1.ID, "alice")

	dup := &Agent{ID: uuid.NewString(), ProjectID: p1.ID, Alias: "alice",
		AccessMode: AccessOpen, Status: AgentActive, CreatedAt: time.Now()}
	if err := s.CreateAgent(ctx, dup); err == nil {
		t.Error("duplicate alias in the same project should fail")
	}

	// The same alias in another project is fine.
	seedAgent(t, s, p2.ID, "alice")
}

func TestAPIKeyLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	p := seedProject(t, s, "demo")
	a := seedAgent(t, s, p.ID, "alice")

	k := &APIKey{ID: uuid.NewString(), ProjectID: p.ID, AgentID: a.ID,
		KeyPrefix: "aw_sk_abc123", IsActive: true, CreatedAt: time.Now()}
	if err := s.CreateAPIKey(ctx, k, "hash-1"); err != nil {
		t.Fatalf("CreateAPIKey() error: %v", err)
	}

	got, err := s.GetAPIKeyByHash(ctx, "hash-1")
	if err != nil {
		t.Fatalf("GetAPIKeyByHash() error: %v", err)
	}
	if got == nil || got.AgentID != a.ID {
		t.Fatalf("GetAPIKeyByHash() = %+v", got)
	}
	if got.LastUsedAt != nil {
		t.Error("fresh key should have nil LastUsedAt")
	}

	if err := s.TouchAPIKey(ctx, k.ID, time.Now()); err != nil {
		t.Fatalf("TouchAPIKey() error: %v", err)
	}
	got, _ = s.GetAPIKeyByHash(ctx, "hash-1")
	if got.LastUsedAt == nil {
		t.Error("LastUsedAt should be set after touch")
	}

	n, err := s.DeactivateAgentKeys(ctx, a.ID)
	if err != nil {
		t.Fatalf("DeactivateAgentKeys() error: %v", err)
	}
	if n != 1 {
		t.Errorf("deactivated %d keys, want 1", n)
	}
	got, err = s.GetAPIKeyByHash(ctx, "hash-1")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Error("deactivated key should not resolve by hash")
	}
}

func TestContacts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	p := seedProject(t, s, "demo")

	c := &Contact{ID: uuid.NewString(), ProjectID: p.ID, ContactAddress: "other/bob", CreatedAt: time.Now()}
	if err := s.CreateContact(ctx, c); err != nil {
		t.Fatalf("CreateContact() error: %v", err)
	}

	ok, err := s.ContactExists(ctx, p.ID, "other/bob")
	if err != nil || !ok {
		t.Errorf("ContactExists(exact) = %v, %v", ok, err)
	}
	ok, err = s.ContactExists(ctx, p.ID, "other/carol", "other/bob")
	if err != nil || !ok {
		t.Errorf("ContactExists(any-of) = %v, %v", ok, err)
	}
	ok, err = s.ContactExists(ctx, p.ID, "nobody")
	if err != nil || ok {
		t.Errorf("ContactExists(absent) = %v, %v", ok, err)
	}

	deleted, err := s.DeleteContact(ctx, p.ID, c.ID)
	if err != nil || !deleted {
		t.Errorf("DeleteContact() = %v, %v", deleted, err)
	}
	deleted, err = s.DeleteContact(ctx, p.ID, c.ID)
	if err != nil || deleted {
		t.Errorf("second DeleteContact() = %v, %v, want false", deleted, err)
	}
}

func TestEscapeLike(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain", "plain"},
		{"50%", `50\%`},
		{"a_b", `a\_b`},
		{`back\slash`, `back\\slash`},
		{`%_\`, `\%\_\\`},
	}
	for _, tt := range tests {
		if got := EscapeLike(tt.in); got != tt.want {
			t.Errorf("EscapeLike(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
