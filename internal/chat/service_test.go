package chat

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

// fakeKV is an in-memory presence backend.
type fakeKV struct {
	online map[string]bool
}

func (f *fakeKV) Heartbeat(_ context.Context, projectID, agentID string) error {
	if f.online == nil {
		f.online = make(map[string]bool)
	}
	f.online[projectID+":"+agentID] = true
	return nil
}

func (f *fakeKV) Online(_ context.Context, projectID, agentID string) (bool, error) {
	return f.online[projectID+":"+agentID], nil
}

func (f *fakeKV) Clear(_ context.Context, projectID, agentID string) error {
	delete(f.online, projectID+":"+agentID)
	return nil
}

func (f *fakeKV) Ping(context.Context) error { return nil }
func (f *fakeKV) Close() error               { return nil }

type chatFixture struct {
	store   *store.Store
	svc     *Service
	bus     *events.Bus
	kv      *fakeKV
	project *store.Project
	alice   *store.Agent
	bob     *store.Agent
}

func (f *chatFixture) principal(a *store.Agent) *auth.Principal {
	return &auth.Principal{ProjectID: a.ProjectID, AgentID: a.ID, Alias: a.Alias}
}

func newChatFixture(t *testing.T) *chatFixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("store.Open() error: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	project := &store.Project{ID: uuid.NewString(), Slug: "demo", CreatedAt: time.Now()}
	if err := st.CreateProject(ctx, project); err != nil {
		t.Fatal(err)
	}
	mkAgent := func(alias string) *store.Agent {
		a := &store.Agent{ID: uuid.NewString(), ProjectID: project.ID, Alias: alias,
			AccessMode: store.AccessOpen, Status: store.AgentActive, CreatedAt: time.Now()}
		if err := st.CreateAgent(ctx, a); err != nil {
			t.Fatal(err)
		}
		return a
	}

	log := logging.New(false, "error")
	bus := events.New()
	kv := &fakeKV{}
	waiters := NewRegistry(clock.Real{}, log, 5*time.Minute)
	svc := NewService(st, bus, waiters, kv, clock.Real{}, log, 5*time.Minute)

	return &chatFixture{
		store: st, svc: svc, bus: bus, kv: kv,
		project: project, alice: mkAgent("alice"), bob: mkAgent("bob"),
	}
}

func TestCreateSessionAndReuse(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()

	first, err := f.svc.CreateSession(ctx, f.principal(f.alice), CreateSessionInput{
		ToAliases: []string{"bob"}, Body: "hello",
	})
	if err != nil {
		t.Fatalf("CreateSession() error: %v", err)
	}
	if !first.Created {
		t.Error("first call should create the session")
	}
	if len(first.Participants) != 2 {
		t.Errorf("participants = %d, want 2", len(first.Participants))
	}
	if first.Message.FromAlias != "alice" || first.Message.Body != "hello" {
		t.Errorf("message = %+v", first.Message)
	}

	// Same pair from the other side reuses the session.
	second, err := f.svc.CreateSession(ctx, f.principal(f.bob), CreateSessionInput{
		ToAliases: []string{"alice"}, Body: "hi back",
	})
	if err != nil {
		t.Fatalf("second CreateSession() error: %v", err)
	}
	if second.Created || second.Session.ID != first.Session.ID {
		t.Errorf("expected reuse, created=%v ids %s vs %s", second.Created, second.Session.ID, first.Session.ID)
	}
}

func TestCreateSessionValidation(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		p    *auth.Principal
		in   CreateSessionInput
		kind errs.Kind
	}{
		{"project key", &auth.Principal{ProjectID: f.project.ID}, CreateSessionInput{ToAliases: []string{"bob"}, Body: "x"}, errs.Forbidden},
		{"empty body", f.principal(f.alice), CreateSessionInput{ToAliases: []string{"bob"}}, errs.InvalidArgument},
		{"unknown target", f.principal(f.alice), CreateSessionInput{ToAliases: []string{"ghost"}, Body: "x"}, errs.NotFound},
		{"self only", f.principal(f.alice), CreateSessionInput{ToAliases: []string{"alice"}, Body: "x"}, errs.InvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.CreateSession(ctx, tt.p, tt.in)
			if !errs.Is(err, tt.kind) {
				t.Errorf("CreateSession() = %v, want kind %v", err, tt.kind)
			}
		})
	}
}

func TestCreateSessionContactGate(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()

	guarded := &store.Agent{ID: uuid.NewString(), ProjectID: f.project.ID, Alias: "carol",
		AccessMode: store.AccessContactsOnly, Status: store.AgentActive, CreatedAt: time.Now()}
	if err := f.store.CreateAgent(ctx, guarded); err != nil {
		t.Fatal(err)
	}

	_, err := f.svc.CreateSession(ctx, f.principal(f.alice), CreateSessionInput{
		ToAliases: []string{"carol"}, Body: "hi",
	})
	if !errs.Is(err, errs.Forbidden) {
		t.Fatalf("ungated sender should be forbidden, got %v", err)
	}

	// Whitelisting the sender's address opens the gate.
	if err := f.store.CreateContact(ctx, &store.Contact{
		ID: uuid.NewString(), ProjectID: f.project.ID,
		ContactAddress: "demo/alice", CreatedAt: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.CreateSession(ctx, f.principal(f.alice), CreateSessionInput{
		ToAliases: []string{"carol"}, Body: "hi",
	}); err != nil {
		t.Errorf("contact sender should pass, got %v", err)
	}
}

func TestCreateSessionTargetLiveness(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()

	if err := f.kv.Heartbeat(ctx, f.project.ID, f.bob.ID); err != nil {
		t.Fatal(err)
	}
	retired := &store.Agent{ID: uuid.NewString(), ProjectID: f.project.ID, Alias: "rita",
		AccessMode: store.AccessOpen, Status: store.AgentRetired, CreatedAt: time.Now()}
	if err := f.store.CreateAgent(ctx, retired); err != nil {
		t.Fatal(err)
	}

	res, err := f.svc.CreateSession(ctx, f.principal(f.alice), CreateSessionInput{
		ToAliases: []string{"bob", "rita"}, Body: "standup",
	})
	if err != nil {
		t.Fatalf("CreateSession() error: %v", err)
	}
	if len(res.TargetsConnected) != 1 || res.TargetsConnected[0] != "bob" {
		t.Errorf("connected = %v", res.TargetsConnected)
	}
	if len(res.TargetsLeft) != 1 || res.TargetsLeft[0] != "rita" {
		t.Errorf("left = %v", res.TargetsLeft)
	}
}

func TestSendMessageUsesParticipantAlias(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()

	res, err := f.svc.CreateSession(ctx, f.principal(f.alice), CreateSessionInput{
		ToAliases: []string{"bob"}, Body: "hello",
	})
	if err != nil {
		t.Fatal(err)
	}

	// A spoofed alias in the principal does not survive; the stored row wins.
	spoofed := &auth.Principal{ProjectID: f.project.ID, AgentID: f.bob.ID, Alias: "impostor"}
	msg, extends, _, err := f.svc.SendMessage(ctx, spoofed, res.Session.ID, "reply", false, Signature{}, 0)
	if err != nil {
		t.Fatalf("SendMessage() error: %v", err)
	}
	if msg.FromAlias != "bob" {
		t.Errorf("FromAlias = %q, want participant row alias", msg.FromAlias)
	}
	if extends != 0 {
		t.Errorf("extends = %d, want 0 for a plain message", extends)
	}

	_, extends, _, err = f.svc.SendMessage(ctx, f.principal(f.bob), res.Session.ID, "still working", true, Signature{}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if extends != 300 {
		t.Errorf("hang-on extends = %d, want 300", extends)
	}
}

func TestSendMessageRequiresParticipant(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()

	res, err := f.svc.CreateSession(ctx, f.principal(f.alice), CreateSessionInput{
		ToAliases: []string{"bob"}, Body: "hello",
	})
	if err != nil {
		t.Fatal(err)
	}
	outsider := &store.Agent{ID: uuid.NewString(), ProjectID: f.project.ID, Alias: "eve",
		AccessMode: store.AccessOpen, Status: store.AgentActive, CreatedAt: time.Now()}
	if err := f.store.CreateAgent(ctx, outsider); err != nil {
		t.Fatal(err)
	}

	_, _, _, err = f.svc.SendMessage(ctx, f.principal(outsider), res.Session.ID, "let me in", false, Signature{}, 0)
	if !errs.Is(err, errs.Forbidden) {
		t.Errorf("outsider send = %v, want FORBIDDEN", err)
	}
	_, _, _, err = f.svc.SendMessage(ctx, f.principal(f.alice), "no-such-session", "x", false, Signature{}, 0)
	if !errs.Is(err, errs.NotFound) {
		t.Errorf("unknown session = %v, want NOT_FOUND", err)
	}
}

func TestHistoryUnreadOnly(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()

	res, err := f.svc.CreateSession(ctx, f.principal(f.alice), CreateSessionInput{
		ToAliases: []string{"bob"}, Body: "one",
	})
	if err != nil {
		t.Fatal(err)
	}
	sessID := res.Session.ID
	if _, _, _, err := f.svc.SendMessage(ctx, f.principal(f.alice), sessID, "two", false, Signature{}, 0); err != nil {
		t.Fatal(err)
	}

	// Bob has not read or sent anything; both of alice's messages are unread.
	msgs, err := f.svc.History(ctx, f.principal(f.bob), sessID, true, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("unread = %d messages, want 2", len(msgs))
	}

	// Mark through the first; one unread remains.
	if _, err := f.svc.MarkRead(ctx, f.principal(f.bob), sessID, msgs[0].ID); err != nil {
		t.Fatal(err)
	}
	msgs, err = f.svc.History(ctx, f.principal(f.bob), sessID, true, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Body != "two" {
		t.Errorf("after mark = %v", len(msgs))
	}
}

func TestMarkReadMonotone(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()

	res, err := f.svc.CreateSession(ctx, f.principal(f.alice), CreateSessionInput{
		ToAliases: []string{"bob"}, Body: "one",
	})
	if err != nil {
		t.Fatal(err)
	}
	first := res.Message
	second, _, _, err := f.svc.SendMessage(ctx, f.principal(f.alice), res.Session.ID, "two", false, Signature{}, 0)
	if err != nil {
		t.Fatal(err)
	}

	got, err := f.svc.MarkRead(ctx, f.principal(f.bob), res.Session.ID, second.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.MessagesMarked != 2 {
		t.Errorf("MessagesMarked = %d, want 2", got.MessagesMarked)
	}

	// Re-reading an older message is a counted no-op.
	got, err = f.svc.MarkRead(ctx, f.principal(f.bob), res.Session.ID, first.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.MessagesMarked != 0 {
		t.Errorf("regressing receipt marked %d, want 0", got.MessagesMarked)
	}

	_, err = f.svc.MarkRead(ctx, f.principal(f.bob), res.Session.ID, "no-such-message")
	if !errs.Is(err, errs.NotFound) {
		t.Errorf("unknown message = %v, want NOT_FOUND", err)
	}
}

func TestPending(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()

	res, err := f.svc.CreateSession(ctx, f.principal(f.alice), CreateSessionInput{
		ToAliases: []string{"bob"}, Body: "anyone there?",
	})
	if err != nil {
		t.Fatal(err)
	}

	items, mailWaiting, err := f.svc.Pending(ctx, f.principal(f.bob))
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].UnreadCount != 1 || items[0].LastFrom != "alice" {
		t.Errorf("pending = %+v", items)
	}
	if mailWaiting != 0 {
		t.Errorf("mailWaiting = %d", mailWaiting)
	}

	// Alice has nothing pending: her own message does not count.
	items, _, err = f.svc.Pending(ctx, f.principal(f.alice))
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 0 {
		t.Errorf("alice pending = %+v, want empty", items)
	}

	// A live waiter on alice's last message surfaces as sender_waiting.
	now := time.Now()
	w := f.svc.Waiters().Register(res.Session.ID, f.alice.ID, res.Message.ID, now, now.Add(time.Minute))
	defer f.svc.Waiters().Cancel(w)

	items, _, err = f.svc.Pending(ctx, f.principal(f.bob))
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || !items[0].SenderWaiting {
		t.Fatalf("pending with waiter = %+v", items)
	}
	if items[0].TimeRemainingSeconds == nil || *items[0].TimeRemainingSeconds > 60 {
		t.Errorf("TimeRemainingSeconds = %v", items[0].TimeRemainingSeconds)
	}
}

func TestReplayAndAuthorize(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()

	res, err := f.svc.CreateSession(ctx, f.principal(f.alice), CreateSessionInput{
		ToAliases: []string{"bob"}, Body: "first",
	})
	if err != nil {
		t.Fatal(err)
	}
	cutoff := res.Message.CreatedAt
	if _, _, _, err := f.svc.SendMessage(ctx, f.principal(f.bob), res.Session.ID, "second", false, Signature{}, 0); err != nil {
		t.Fatal(err)
	}

	msgs, err := f.svc.Replay(ctx, f.principal(f.alice), res.Session.ID, cutoff)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Body != "second" {
		t.Errorf("replay = %d messages", len(msgs))
	}

	if err := f.svc.Authorize(ctx, f.principal(f.alice), res.Session.ID); err != nil {
		t.Errorf("Authorize(participant) = %v", err)
	}
	if err := f.svc.Authorize(ctx, f.principal(f.alice), "missing"); !errs.Is(err, errs.NotFound) {
		t.Errorf("Authorize(missing) = %v", err)
	}
}

func TestWaiterRegisteredBeforePublish(t *testing.T) {
	f := newChatFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.svc.Waiters().Run(ctx, f.bus)
	time.Sleep(20 * time.Millisecond)

	res, err := f.svc.CreateSession(ctx, f.principal(f.alice), CreateSessionInput{
		ToAliases: []string{"bob"}, Body: "ping", Wait: time.Minute,
	})
	if err != nil {
		t.Fatalf("CreateSession() error: %v", err)
	}
	if res.Waiter == nil {
		t.Fatal("CreateSession with Wait returned no waiter")
	}
	if agentID, _, ok := f.svc.Waiters().ActiveWaiter(res.Session.ID); !ok || agentID != f.alice.ID {
		t.Fatalf("ActiveWaiter = (%q, %v), want alice", agentID, ok)
	}

	// The reply lands before anyone blocks on the waiter. Because the
	// waiter exists from the moment the first message was committed, the
	// reply still resolves it instead of timing out.
	reply, _, _, err := f.svc.SendMessage(ctx, f.principal(f.bob), res.Session.ID, "pong", false, Signature{}, 0)
	if err != nil {
		t.Fatal(err)
	}

	got := f.svc.Waiters().Await(ctx, res.Waiter)
	if got.Status != WaitReplied {
		t.Fatalf("Await status = %q, want %q", got.Status, WaitReplied)
	}
	if got.Reply != "pong" || got.ReplyMessageID != reply.ID || got.ReplyFrom != "bob" {
		t.Errorf("Await result = %+v", got)
	}
}

func TestSendWithWaitReturnsWaiter(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()

	res, err := f.svc.CreateSession(ctx, f.principal(f.alice), CreateSessionInput{
		ToAliases: []string{"bob"}, Body: "hello",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Waiter != nil {
		t.Error("no-wait CreateSession should not register a waiter")
	}

	_, _, w, err := f.svc.SendMessage(ctx, f.principal(f.alice), res.Session.ID, "still there?", false, Signature{}, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if w == nil {
		t.Fatal("SendMessage with wait returned no waiter")
	}
	f.svc.Waiters().Cancel(w)

	// Hang-on extends the other side's wait; it never registers its own.
	_, _, w, err = f.svc.SendMessage(ctx, f.principal(f.bob), res.Session.ID, "working on it", true, Signature{}, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if w != nil {
		t.Error("hang-on send should not register a waiter")
	}
}

func TestSendPublishesExactlyOneEvent(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()

	res, err := f.svc.CreateSession(ctx, f.principal(f.alice), CreateSessionInput{
		ToAliases: []string{"bob"}, Body: "hello",
	})
	if err != nil {
		t.Fatal(err)
	}

	ch, cancel := f.bus.Subscribe(events.ChatTopic(res.Session.ID))
	defer cancel()

	msg, _, _, err := f.svc.SendMessage(ctx, f.principal(f.bob), res.Session.ID, "reply", false, Signature{}, 0)
	if err != nil {
		t.Fatal(err)
	}

	select {
	case evt := <-ch:
		if evt.Type != events.EventMessage || evt.MessageID != msg.ID || evt.Body != "reply" {
			t.Errorf("event = %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("no event published")
	}
	select {
	case evt := <-ch:
		t.Errorf("unexpected second event: %+v", evt)
	default:
	}
}
