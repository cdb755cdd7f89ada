package mail

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/awebai/aweb/internal/auth"
	"github.com/awebai/aweb/internal/clock"
	"github.com/awebai/aweb/internal/errs"
	"github.com/awebai/aweb/internal/events"
	"github.com/awebai/aweb/internal/logging"
	"github.com/awebai/aweb/internal/store"
)

type mailFixture struct {
	store   *store.Store
	svc     *Service
	bus     *events.Bus
	project *store.Project
	alice   *store.Agent
	bob     *store.Agent
}

func (f *mailFixture) principal(a *store.Agent) *auth.Principal {
	return &auth.Principal{ProjectID: a.ProjectID, AgentID: a.ID, Alias: a.Alias}
}

func newMailFixture(t *testing.T) *mailFixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "mail.db"))
	if err != nil {
		t.Fatalf("store.Open() error: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	project := &store.Project{ID: uuid.NewString(), Slug: "demo", CreatedAt: time.Now()}
	if err := st.CreateProject(ctx, project); err != nil {
		t.Fatal(err)
	}
	mkAgent := func(alias, mode string) *store.Agent {
		a := &store.Agent{ID: uuid.NewString(), ProjectID: project.ID, Alias: alias,
			AccessMode: mode, Status: store.AgentActive, CreatedAt: time.Now()}
		if err := st.CreateAgent(ctx, a); err != nil {
			t.Fatal(err)
		}
		return a
	}

	bus := events.New()
	svc := NewService(st, bus, clock.Real{}, logging.New(false, "error"))
	return &mailFixture{
		store: st, svc: svc, bus: bus, project: project,
		alice: mkAgent("alice", store.AccessOpen),
		bob:   mkAgent("bob", store.AccessOpen),
	}
}

func TestSendByAliasAndByID(t *testing.T) {
	f := newMailFixture(t)
	ctx := context.Background()

	m, err := f.svc.Send(ctx, f.principal(f.alice), SendInput{ToAlias: "bob", Subject: "hi", Body: "first"})
	if err != nil {
		t.Fatalf("Send(alias) error: %v", err)
	}
	if m.ToAgentID != f.bob.ID || m.FromAlias != "alice" || m.Priority != "normal" {
		t.Errorf("message = %+v", m)
	}

	m, err = f.svc.Send(ctx, f.principal(f.alice), SendInput{ToAgentID: f.bob.ID, Body: "second", Priority: "urgent"})
	if err != nil {
		t.Fatalf("Send(id) error: %v", err)
	}
	if m.Priority != "urgent" {
		t.Errorf("priority = %q", m.Priority)
	}
}

func TestSendValidation(t *testing.T) {
	f := newMailFixture(t)
	ctx := context.Background()

	deregistered := &store.Agent{ID: uuid.NewString(), ProjectID: f.project.ID, Alias: "gone",
		AccessMode: store.AccessOpen, Status: store.AgentDeregistered, CreatedAt: time.Now()}
	if err := f.store.CreateAgent(ctx, deregistered); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		p    *auth.Principal
		in   SendInput
		kind errs.Kind
	}{
		{"project key", &auth.Principal{ProjectID: f.project.ID}, SendInput{ToAlias: "bob", Body: "x"}, errs.Forbidden},
		{"empty body", f.principal(f.alice), SendInput{ToAlias: "bob"}, errs.InvalidArgument},
		{"bad priority", f.principal(f.alice), SendInput{ToAlias: "bob", Body: "x", Priority: "asap"}, errs.InvalidArgument},
		{"no recipient", f.principal(f.alice), SendInput{Body: "x"}, errs.InvalidArgument},
		{"unknown alias", f.principal(f.alice), SendInput{ToAlias: "ghost", Body: "x"}, errs.NotFound},
		{"unknown id", f.principal(f.alice), SendInput{ToAgentID: uuid.NewString(), Body: "x"}, errs.NotFound},
		{"deregistered recipient", f.principal(f.alice), SendInput{ToAlias: "gone", Body: "x"}, errs.Gone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Send(ctx, tt.p, tt.in)
			if !errs.Is(err, tt.kind) {
				t.Errorf("Send() = %v, want kind %v", err, tt.kind)
			}
		})
	}
}

func TestSendCrossProjectIDRejected(t *testing.T) {
	f := newMailFixture(t)
	ctx := context.Background()

	other := &store.Project{ID: uuid.NewString(), Slug: "other", CreatedAt: time.Now()}
	if err := f.store.CreateProject(ctx, other); err != nil {
		t.Fatal(err)
	}
	stranger := &store.Agent{ID: uuid.NewString(), ProjectID: other.ID, Alias: "zoe",
		AccessMode: store.AccessOpen, Status: store.AgentActive, CreatedAt: time.Now()}
	if err := f.store.CreateAgent(ctx, stranger); err != nil {
		t.Fatal(err)
	}

	_, err := f.svc.Send(ctx, f.principal(f.alice), SendInput{ToAgentID: stranger.ID, Body: "hi"})
	if !errs.Is(err, errs.NotFound) {
		t.Errorf("cross-project recipient = %v, want NOT_FOUND", err)
	}
}

func TestSendContactGate(t *testing.T) {
	f := newMailFixture(t)
	ctx := context.Background()

	guarded := &store.Agent{ID: uuid.NewString(), ProjectID: f.project.ID, Alias: "carol",
		AccessMode: store.AccessContactsOnly, Status: store.AgentActive, CreatedAt: time.Now()}
	if err := f.store.CreateAgent(ctx, guarded); err != nil {
		t.Fatal(err)
	}

	_, err := f.svc.Send(ctx, f.principal(f.alice), SendInput{ToAlias: "carol", Body: "hi"})
	if !errs.Is(err, errs.Forbidden) {
		t.Fatalf("gated send = %v, want FORBIDDEN", err)
	}

	// A project-wide contact entry (bare slug) admits every sender in it.
	if err := f.store.CreateContact(ctx, &store.Contact{
		ID: uuid.NewString(), ProjectID: f.project.ID,
		ContactAddress: "demo", CreatedAt: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Send(ctx, f.principal(f.alice), SendInput{ToAlias: "carol", Body: "hi"}); err != nil {
		t.Errorf("whitelisted send error: %v", err)
	}
}

func TestSendPublishesMailArrived(t *testing.T) {
	f := newMailFixture(t)
	ctx := context.Background()

	ch, cancel := f.bus.Subscribe(events.MailTopic(f.project.ID, f.bob.ID))
	defer cancel()

	m, err := f.svc.Send(ctx, f.principal(f.alice), SendInput{ToAlias: "bob", Body: "ping"})
	if err != nil {
		t.Fatal(err)
	}
	select {
	case evt := <-ch:
		if evt.Type != events.EventMailArrived || evt.MessageID != m.ID || evt.FromAgent != "alice" {
			t.Errorf("event = %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("no mail-arrived event")
	}
}

func TestInbox(t *testing.T) {
	f := newMailFixture(t)
	ctx := context.Background()

	for _, body := range []string{"one", "two", "three"} {
		if _, err := f.svc.Send(ctx, f.principal(f.alice), SendInput{ToAlias: "bob", Body: body}); err != nil {
			t.Fatal(err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	msgs, err := f.svc.Inbox(ctx, f.principal(f.bob), false, 0)
	if err != nil {
		t.Fatalf("Inbox() error: %v", err)
	}
	if len(msgs) != 3 || msgs[0].Body != "three" {
		t.Errorf("inbox = %d messages, newest %q", len(msgs), msgs[0].Body)
	}

	if _, err := f.svc.Ack(ctx, f.principal(f.bob), msgs[0].ID); err != nil {
		t.Fatal(err)
	}
	msgs, err = f.svc.Inbox(ctx, f.principal(f.bob), true, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Errorf("unread inbox = %d, want 2", len(msgs))
	}

	if _, err := f.svc.Inbox(ctx, &auth.Principal{ProjectID: f.project.ID}, false, 0); !errs.Is(err, errs.Forbidden) {
		t.Errorf("project-key inbox = %v, want FORBIDDEN", err)
	}
}

func TestAck(t *testing.T) {
	f := newMailFixture(t)
	ctx := context.Background()

	m, err := f.svc.Send(ctx, f.principal(f.alice), SendInput{ToAlias: "bob", Body: "read me"})
	if err != nil {
		t.Fatal(err)
	}

	// Only the recipient may ack.
	if _, err := f.svc.Ack(ctx, f.principal(f.alice), m.ID); !errs.Is(err, errs.Forbidden) {
		t.Errorf("sender ack = %v, want FORBIDDEN", err)
	}

	first, err := f.svc.Ack(ctx, f.principal(f.bob), m.ID)
	if err != nil {
		t.Fatalf("Ack() error: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	second, err := f.svc.Ack(ctx, f.principal(f.bob), m.ID)
	if err != nil {
		t.Fatalf("second Ack() error: %v", err)
	}
	if !second.Equal(first) {
		t.Errorf("second ack returned %s, want original %s", second, first)
	}

	if _, err := f.svc.Ack(ctx, f.principal(f.bob), uuid.NewString()); !errs.Is(err, errs.NotFound) {
		t.Errorf("ack unknown = %v, want NOT_FOUND", err)
	}
}
