package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/haasonsaas/kapy/internal/channels"
	"github.com/haasonsaas/kapy/pkg/models"
)

type fakeChannel struct {
	sent []string
}

func (c *fakeChannel) Start(ctx context.Context) error { return nil }
func (c *fakeChannel) Stop(ctx context.Context) error  { return nil }
func (c *fakeChannel) SendText(ctx context.Context, chatID, text string) (string, error) {
	c.sent = append(c.sent, text)
	return "m1", nil
}
func (c *fakeChannel) SendFile(ctx context.Context, chatID, path, caption string) error { return nil }
func (c *fakeChannel) SendTyping(ctx context.Context, chatID string) error              { return nil }
func (c *fakeChannel) EditMessage(ctx context.Context, chatID, messageID, text string) error {
	return nil
}
func (c *fakeChannel) SupportsStreaming() bool      { return true }
func (c *fakeChannel) MaxMessageLength() int        { return 4000 }
func (c *fakeChannel) SetHandler(h channels.Handler) {}
func (c *fakeChannel) Type() models.ChannelType     { return models.ChannelTelegram }

func testMessage(text string) *models.IncomingMessage {
	return &models.IncomingMessage{
		Channel:   models.ChannelTelegram,
		ChatID:    "chat1",
		UserID:    "user1",
		Text:      text,
		IsPrivate: true,
	}
}

func runChain(t *testing.T, text string, stages ...Middleware) (*Context, *fakeChannel) {
	t.Helper()
	p := New(nil)
	p.Use(stages...)
	ch := &fakeChannel{}
	c := p.NewContext(context.Background(), testMessage(text), ch, models.ModeUser)
	p.Run(c)
	return c, ch
}

func TestChainRunsInOrder(t *testing.T) {
	var order []string
	stage := func(name string) Middleware {
		return func(c *Context, next Next) error {
			order = append(order, name)
			return next()
		}
	}
	runChain(t, "hi", stage("a"), stage("b"), stage("c"))
	if len(order) != 3 || order[0] != "a" || order[2] != "c" {
		t.Fatalf("order = %v", order)
	}
}

func TestShortCircuitSkipsLaterStages(t *testing.T) {
	reached := false
	runChain(t, "hi",
		func(c *Context, next Next) error { return c.Reply("stop") },
		func(c *Context, next Next) error { reached = true; return next() },
	)
	if reached {
		t.Error("later stage ran after short-circuit")
	}
}

func TestPanicBecomesGenericReply(t *testing.T) {
	_, ch := runChain(t, "hi", func(c *Context, next Next) error {
		panic("boom")
	})
	if len(ch.sent) != 1 || ch.sent[0] != internalErrorReply {
		t.Fatalf("sent = %v", ch.sent)
	}
}

func TestErrorBecomesGenericReply(t *testing.T) {
	_, ch := runChain(t, "hi", func(c *Context, next Next) error {
		return errors.New("adapter exploded")
	})
	if len(ch.sent) != 1 || ch.sent[0] != internalErrorReply {
		t.Fatalf("sent = %v", ch.sent)
	}
}

func TestResponseFieldFlushedAfterChain(t *testing.T) {
	_, ch := runChain(t, "hi", func(c *Context, next Next) error {
		c.Response = "pong"
		return nil
	})
	if len(ch.sent) != 1 || ch.sent[0] != "pong" {
		t.Fatalf("sent = %v", ch.sent)
	}
}

func TestCommandParserDispatch(t *testing.T) {
	registry := NewRegistry()
	var gotArgs []string
	registry.Register("switch", func(c *Context, args []string) error {
		gotArgs = args
		return nil
	})

	c, _ := runChain(t, "/switch abcd1234", CommandParser(registry))
	if c.Command != "switch" {
		t.Errorf("command = %q", c.Command)
	}
	if len(gotArgs) != 1 || gotArgs[0] != "abcd1234" {
		t.Errorf("args = %v", gotArgs)
	}
}

func TestCommandParserShorthand(t *testing.T) {
	registry := NewRegistry()
	called := false
	registry.Register("help", func(c *Context, args []string) error {
		called = true
		return nil
	})
	c, _ := runChain(t, "kapy help", CommandParser(registry))
	if !called {
		t.Error("shorthand did not dispatch")
	}
	if c.Text != "/help" {
		t.Errorf("text = %q", c.Text)
	}
}

func TestCommandParserStripsBotHandle(t *testing.T) {
	registry := NewRegistry()
	called := false
	registry.Register("sessions", func(c *Context, args []string) error {
		called = true
		return nil
	})
	runChain(t, "/sessions@kapy_bot", CommandParser(registry))
	if !called {
		t.Error("bot handle suffix not stripped")
	}
}

func TestUnknownCommandFallsThrough(t *testing.T) {
	registry := NewRegistry()
	reached := false
	runChain(t, "/definitely-not-a-command",
		CommandParser(registry),
		func(c *Context, next Next) error { reached = true; return nil },
	)
	if !reached {
		t.Error("unknown command did not fall through to dispatcher")
	}
}

func TestPlainTextFallsThrough(t *testing.T) {
	registry := NewRegistry()
	registry.Register("help", func(c *Context, args []string) error { return nil })
	reached := false
	runChain(t, "deploy the service please",
		CommandParser(registry),
		func(c *Context, next Next) error { reached = true; return nil },
	)
	if !reached {
		t.Error("plain text did not reach dispatcher")
	}
}

func TestModelQueuePopOnce(t *testing.T) {
	q := NewModelQueue()
	q.Set("u1", "opus")
	if model, ok := q.Pop("u1"); !ok || model != "opus" {
		t.Fatalf("Pop = %q %v", model, ok)
	}
	if _, ok := q.Pop("u1"); ok {
		t.Error("preference survived pop")
	}
}

func statePath(t *testing.T, name string) string {
	t.Helper()
	return filepath.Join(t.TempDir(), name)
}
