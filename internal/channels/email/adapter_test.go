package email

import (
	"context"
	"testing"
	"time"

	"github.com/haasonsaas/kapy/pkg/models"
)

type stubPoller struct {
	batches [][]InboundEmail
	i       int
}

func (p *stubPoller) Poll(ctx context.Context) ([]InboundEmail, error) {
	if p.i >= len(p.batches) {
		return nil, nil
	}
	batch := p.batches[p.i]
	p.i++
	return batch, nil
}

type sentMail struct {
	to, subject, body, inReplyTo string
}

type stubMailer struct {
	sent   []sentMail
	nextID int
}

func (m *stubMailer) Send(ctx context.Context, to, subject, body, inReplyTo string) (string, error) {
	m.nextID++
	m.sent = append(m.sent, sentMail{to: to, subject: subject, body: body, inReplyTo: inReplyTo})
	return "out-" + string(rune('0'+m.nextID)), nil
}

func (m *stubMailer) SendAttachment(ctx context.Context, to, subject, path string) (string, error) {
	return "att-1", nil
}

func newTestAdapter(t *testing.T, poller Poller) (*Adapter, *stubMailer) {
	t.Helper()
	mailer := &stubMailer{}
	a, err := NewAdapter(Config{Poller: poller, Mailer: mailer, PollInterval: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	return a, mailer
}

func TestDeliverNewThread(t *testing.T) {
	a, _ := newTestAdapter(t, &stubPoller{})
	var got *models.IncomingMessage
	a.SetHandler(func(_ context.Context, msg *models.IncomingMessage) { got = msg })

	a.deliver(context.Background(), &InboundEmail{
		MessageID: "<m1@example.com>",
		From:      "Alice@Example.com",
		FromName:  "Alice",
		Subject:   "deploy question",
		Body:      "how do I deploy?",
	})

	if got == nil {
		t.Fatal("handler not invoked")
	}
	if got.ChatID != "alice@example.com" || got.UserID != "alice@example.com" {
		t.Errorf("addresses = %s / %s", got.ChatID, got.UserID)
	}
	if got.SessionHint != "" {
		t.Errorf("fresh thread should carry no hint, got %q", got.SessionHint)
	}
	if !got.IsPrivate || got.IsReply {
		t.Errorf("flags = private=%v reply=%v", got.IsPrivate, got.IsReply)
	}
}

func TestDeliverReplyCarriesThreadRoot(t *testing.T) {
	a, _ := newTestAdapter(t, &stubPoller{})
	var hints []string
	a.SetHandler(func(_ context.Context, msg *models.IncomingMessage) {
		hints = append(hints, msg.SessionHint)
	})

	ctx := context.Background()
	a.deliver(ctx, &InboundEmail{MessageID: "<m1>", From: "a@x.com", Subject: "s"})
	a.deliver(ctx, &InboundEmail{MessageID: "<m2>", InReplyTo: "<m1>", From: "a@x.com", Subject: "Re: s"})
	a.deliver(ctx, &InboundEmail{MessageID: "<m3>", InReplyTo: "<m2>", From: "a@x.com", Subject: "Re: s"})

	if hints[0] != "" {
		t.Errorf("first hint = %q", hints[0])
	}
	// Both replies resolve to the thread root, not their parent.
	if hints[1] != "<m1>" || hints[2] != "<m1>" {
		t.Errorf("hints = %v", hints)
	}
}

func TestReplyToUnknownThreadStartsFresh(t *testing.T) {
	a, _ := newTestAdapter(t, &stubPoller{})
	var got *models.IncomingMessage
	a.SetHandler(func(_ context.Context, msg *models.IncomingMessage) { got = msg })

	a.deliver(context.Background(), &InboundEmail{
		MessageID: "<m9>", InReplyTo: "<evicted>", From: "a@x.com",
	})
	if got.SessionHint != "" {
		t.Errorf("hint = %q, want fresh thread", got.SessionHint)
	}
}

func TestSendTextThreadsReply(t *testing.T) {
	a, mailer := newTestAdapter(t, &stubPoller{})
	a.SetHandler(func(_ context.Context, _ *models.IncomingMessage) {})
	a.deliver(context.Background(), &InboundEmail{
		MessageID: "<m1>", From: "a@x.com", Subject: "help me",
	})

	if _, err := a.SendText(context.Background(), "a@x.com", "answer"); err != nil {
		t.Fatal(err)
	}
	sent := mailer.sent[0]
	if sent.subject != "Re: help me" {
		t.Errorf("subject = %q", sent.subject)
	}
	if sent.inReplyTo != "<m1>" {
		t.Errorf("in-reply-to = %q", sent.inReplyTo)
	}
}

func TestSendTextWithoutPriorThread(t *testing.T) {
	a, mailer := newTestAdapter(t, &stubPoller{})
	if _, err := a.SendText(context.Background(), "b@x.com", "hello"); err != nil {
		t.Fatal(err)
	}
	if mailer.sent[0].subject != "kapy" || mailer.sent[0].inReplyTo != "" {
		t.Errorf("sent = %+v", mailer.sent[0])
	}
}

func TestPollLoopDeliversBatches(t *testing.T) {
	poller := &stubPoller{batches: [][]InboundEmail{{
		{MessageID: "<m1>", From: "a@x.com", Body: "one"},
		{MessageID: "<m2>", From: "b@x.com", Body: "two"},
	}}}
	a, _ := newTestAdapter(t, poller)

	var bodies []string
	done := make(chan struct{})
	a.SetHandler(func(_ context.Context, msg *models.IncomingMessage) {
		bodies = append(bodies, msg.Text)
		if len(bodies) == 2 {
			close(done)
		}
	})
	if err := a.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer a.Stop(context.Background())

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("bodies = %v", bodies)
	}
}

func TestEditUnsupported(t *testing.T) {
	a, _ := newTestAdapter(t, &stubPoller{})
	if a.SupportsStreaming() {
		t.Error("email should not stream")
	}
	if err := a.EditMessage(context.Background(), "a@x.com", "m1", "x"); err == nil {
		t.Error("edit should fail")
	}
}
