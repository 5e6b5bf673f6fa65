package pipeline

import (
	"context"
	"testing"

	"github.com/haasonsaas/kapy/internal/agent"
	"github.com/haasonsaas/kapy/internal/sessions"
	"github.com/haasonsaas/kapy/pkg/models"
)

type fakeAdapter struct {
	name     string
	sessions map[string]bool
	created  []string
}

func newFakeAdapter(name string) *fakeAdapter {
	return &fakeAdapter{name: name, sessions: make(map[string]bool)}
}

func (a *fakeAdapter) Name() string { return a.name }

func (a *fakeAdapter) CreateSession(ctx context.Context, userID, chatID string, opts agent.CreateOptions) (*models.SessionInfo, error) {
	a.sessions[opts.SessionID] = true
	a.created = append(a.created, opts.SessionID)
	return &models.SessionInfo{SessionID: opts.SessionID, UserID: userID, ChatID: chatID}, nil
}

func (a *fakeAdapter) SendMessage(ctx context.Context, sessionID, message string, opts agent.SendOptions) (*agent.Stream, error) {
	return nil, agent.ErrSessionNotFound
}
func (a *fakeAdapter) Cancel(sessionID string) error         { return nil }
func (a *fakeAdapter) DestroySession(sessionID string) error { delete(a.sessions, sessionID); return nil }
func (a *fakeAdapter) HealthCheck(sessionID string) (*models.HealthInfo, error) {
	return &models.HealthInfo{Alive: a.sessions[sessionID]}, nil
}
func (a *fakeAdapter) LastUsage(sessionID string) *models.UsageInfo { return nil }
func (a *fakeAdapter) HasSession(sessionID string) bool             { return a.sessions[sessionID] }

func newResolverFixture(t *testing.T) (*sessions.Store, *fakeAdapter, Middleware) {
	t.Helper()
	store, err := sessions.NewStore(sessions.Config{StatePath: statePath(t, "sessions.json")})
	if err != nil {
		t.Fatal(err)
	}
	adapter := newFakeAdapter("claude")
	mw := SessionResolver(ResolverConfig{
		Store:        store,
		Agents:       map[string]agent.Adapter{"claude": adapter},
		DefaultAgent: "claude",
		ModelQueue:   NewModelQueue(),
	})
	return store, adapter, mw
}

func TestResolverCreatesSessionLazily(t *testing.T) {
	store, adapter, mw := newResolverFixture(t)

	c, _ := runChain(t, "hello", mw)
	if c.Session == nil {
		t.Fatal("no session resolved")
	}
	if c.Agent == nil || c.Agent.Name() != "claude" {
		t.Fatal("no agent resolved")
	}
	if !adapter.HasSession(c.Session.SessionID) {
		t.Error("adapter session not created")
	}
	if _, ok := store.ActiveSessionForScope(c.Message.ScopeID()); !ok {
		t.Error("store has no active session for scope")
	}
}

func TestResolverReusesActiveSession(t *testing.T) {
	_, adapter, mw := newResolverFixture(t)

	first, _ := runChain(t, "one", mw)
	second, _ := runChain(t, "two", mw)
	if first.Session.SessionID != second.Session.SessionID {
		t.Errorf("sessions differ: %s vs %s", first.Session.SessionID, second.Session.SessionID)
	}
	if len(adapter.created) != 1 {
		t.Errorf("adapter sessions created = %d", len(adapter.created))
	}
}

func TestResolverAppliesQueuedModelPreference(t *testing.T) {
	store, err := sessions.NewStore(sessions.Config{StatePath: statePath(t, "sessions.json")})
	if err != nil {
		t.Fatal(err)
	}
	queue := NewModelQueue()
	queue.Set("user1", "opus")
	mw := SessionResolver(ResolverConfig{
		Store:        store,
		Agents:       map[string]agent.Adapter{"claude": newFakeAdapter("claude")},
		DefaultAgent: "claude",
		ModelQueue:   queue,
	})

	c, _ := runChain(t, "hello", mw)
	if c.Session.Model != "opus" {
		t.Errorf("model = %q, want queued preference", c.Session.Model)
	}
	if _, ok := queue.Pop("user1"); ok {
		t.Error("preference not consumed")
	}
}

func TestResolverRecreatesLostAdapterSession(t *testing.T) {
	store, adapter, mw := newResolverFixture(t)

	first, _ := runChain(t, "one", mw)
	sess, err := store.Get(first.Session.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.UpdateModel(sess.SessionID, "opus"); err != nil {
		t.Fatal(err)
	}

	// Simulate an adapter restart losing runtime state.
	if err := adapter.DestroySession(sess.SessionID); err != nil {
		t.Fatal(err)
	}

	second, _ := runChain(t, "two", mw)
	if second.Session.SessionID != sess.SessionID {
		t.Errorf("managed id changed across recovery: %s", second.Session.SessionID)
	}
	if second.Session.Model != "opus" {
		t.Errorf("model lost across recovery: %q", second.Session.Model)
	}
	if !adapter.HasSession(sess.SessionID) {
		t.Error("adapter session not recreated")
	}
	if len(adapter.created) != 2 || adapter.created[1] != sess.SessionID {
		t.Errorf("created = %v", adapter.created)
	}
}

func emailMessage(text, messageID, hint string) *models.IncomingMessage {
	return &models.IncomingMessage{
		Channel:     models.ChannelEmail,
		ChatID:      "alice@example.com",
		UserID:      "alice@example.com",
		Text:        text,
		IsPrivate:   true,
		IsReply:     hint != "",
		MessageID:   messageID,
		SessionHint: hint,
	}
}

func runMessage(t *testing.T, msg *models.IncomingMessage, stages ...Middleware) (*Context, *fakeChannel) {
	t.Helper()
	p := New(nil)
	p.Use(stages...)
	ch := &fakeChannel{}
	c := p.NewContext(context.Background(), msg, ch, models.ModeUser)
	p.Run(c)
	return c, ch
}

func TestResolverPinsEmailReplyToThreadSession(t *testing.T) {
	store, _, mw := newResolverFixture(t)

	first, _ := runMessage(t, emailMessage("deploy please", "<m1@example.com>", ""), mw)
	threadSession := first.Session.SessionID

	// A newer session takes over the scope's active pointer.
	newer, err := store.Create("alice@example.com", "alice@example.com",
		first.Message.ScopeID(), "claude")
	if err != nil {
		t.Fatal(err)
	}

	reply, _ := runMessage(t, emailMessage("any update?", "<m2@example.com>", "<m1@example.com>"), mw)
	if reply.Session.SessionID != threadSession {
		t.Errorf("reply resolved to %s, want thread session %s",
			reply.Session.SessionID, threadSession)
	}

	// A mail without a hint still follows the active pointer.
	fresh, _ := runMessage(t, emailMessage("new topic", "<m3@example.com>", ""), mw)
	if fresh.Session.SessionID != newer.SessionID {
		t.Errorf("hintless mail resolved to %s, want active %s",
			fresh.Session.SessionID, newer.SessionID)
	}
}

func TestResolverEmailHintFallsBackWhenSessionGone(t *testing.T) {
	store, _, mw := newResolverFixture(t)

	first, _ := runMessage(t, emailMessage("hello", "<m1@example.com>", ""), mw)
	if err := store.Destroy(first.Session.SessionID); err != nil {
		t.Fatal(err)
	}

	reply, _ := runMessage(t, emailMessage("still there?", "<m2@example.com>", "<m1@example.com>"), mw)
	if reply.Session == nil {
		t.Fatal("no session resolved")
	}
	if reply.Session.SessionID == first.Session.SessionID {
		t.Error("reply pinned to a destroyed session")
	}
}

func TestResolverHintIgnoredOffEmail(t *testing.T) {
	store, _, mw := newResolverFixture(t)

	first, _ := runChain(t, "hello", mw)
	msg := testMessage("again")
	msg.SessionHint = "<m1@example.com>"
	second, _ := runMessage(t, msg, mw)
	if second.Session.SessionID != first.Session.SessionID {
		t.Errorf("telegram message with stray hint changed sessions: %s vs %s",
			first.Session.SessionID, second.Session.SessionID)
	}
	if _, ok := store.ActiveSessionForScope(msg.ScopeID()); !ok {
		t.Error("scope lost its active session")
	}
}

func TestResolverFailsWithoutAdapter(t *testing.T) {
	store, err := sessions.NewStore(sessions.Config{StatePath: statePath(t, "sessions.json")})
	if err != nil {
		t.Fatal(err)
	}
	mw := SessionResolver(ResolverConfig{
		Store:        store,
		Agents:       map[string]agent.Adapter{},
		DefaultAgent: "claude",
		ModelQueue:   NewModelQueue(),
	})
	_, ch := runChain(t, "hello", mw)
	if len(ch.sent) != 1 || ch.sent[0] != internalErrorReply {
		t.Errorf("sent = %v", ch.sent)
	}
}
