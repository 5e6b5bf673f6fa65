// Package email adapts a mailbox to the channel interface. The actual
// IMAP/SMTP plumbing stays behind the Poller and Mailer contracts;
// this package owns polling cadence, reply threading, and message
// normalization.
package email

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/kapy/internal/channels"
	"github.com/haasonsaas/kapy/pkg/models"
)

// Email bodies carry full agent output in one message.
const maxMessageLength = 100000

// InboundEmail is one fetched message.
type InboundEmail struct {
	MessageID   string
	InReplyTo   string
	From        string
	FromName    string
	Subject     string
	Body        string
	Attachments []models.Attachment
}

// Poller fetches unseen messages. Implementations own the IMAP
// connection and marking-as-read semantics.
type Poller interface {
	Poll(ctx context.Context) ([]InboundEmail, error)
}

// Mailer sends outbound mail and returns the generated message id.
type Mailer interface {
	Send(ctx context.Context, to, subject, body, inReplyTo string) (string, error)
	SendAttachment(ctx context.Context, to, subject, path string) (string, error)
}

// Config holds configuration for the email adapter.
type Config struct {
	Poller       Poller
	Mailer       Mailer
	PollInterval time.Duration
	// ThreadCache bounds the reply-threading cache; 0 uses the default.
	ThreadCache int
	Logger      *slog.Logger
}

// Adapter implements channels.Channel over a polled mailbox.
type Adapter struct {
	poller   Poller
	mailer   Mailer
	interval time.Duration
	logger   *slog.Logger

	threads *threadCache
	handler channels.Handler

	mu       sync.Mutex
	subjects map[string]string // peer address -> current thread subject
	roots    map[string]string // peer address -> current thread root id

	cancel context.CancelFunc
	done   chan struct{}
}

func NewAdapter(config Config) (*Adapter, error) {
	if config.Poller == nil || config.Mailer == nil {
		return nil, fmt.Errorf("email: poller and mailer are required")
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 30 * time.Second
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		poller:   config.Poller,
		mailer:   config.Mailer,
		interval: config.PollInterval,
		logger:   logger.With("adapter", "email"),
		threads:  newThreadCache(config.ThreadCache),
		subjects: make(map[string]string),
		roots:    make(map[string]string),
	}, nil
}

func (a *Adapter) Type() models.ChannelType { return models.ChannelEmail }
func (a *Adapter) SupportsStreaming() bool  { return false }
func (a *Adapter) MaxMessageLength() int    { return maxMessageLength }

func (a *Adapter) SetHandler(h channels.Handler) { a.handler = h }

func (a *Adapter) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})
	go a.pollLoop(ctx)
	a.logger.Info("email adapter started", "interval", a.interval)
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Adapter) pollLoop(ctx context.Context) {
	defer close(a.done)
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		a.pollOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (a *Adapter) pollOnce(ctx context.Context) {
	mails, err := a.poller.Poll(ctx)
	if err != nil {
		a.logger.Warn("poll failed", "error", err)
		return
	}
	for i := range mails {
		a.deliver(ctx, &mails[i])
	}
}

// deliver normalizes one mail. A reply to a cached thread carries the
// thread root as its session hint; anything else starts a new thread
// rooted at its own message id.
func (a *Adapter) deliver(ctx context.Context, mail *InboundEmail) {
	if a.handler == nil {
		return
	}
	root := mail.MessageID
	if mail.InReplyTo != "" {
		if cached, ok := a.threads.Get(mail.InReplyTo); ok {
			root = cached
		}
	}
	a.threads.Put(mail.MessageID, root)

	addr := strings.ToLower(mail.From)
	a.mu.Lock()
	a.subjects[addr] = mail.Subject
	a.roots[addr] = root
	a.mu.Unlock()

	hint := ""
	if root != mail.MessageID {
		hint = root
	}
	a.handler(ctx, &models.IncomingMessage{
		Channel:   models.ChannelEmail,
		ChatID:    addr,
		UserID:    addr,
		Text:      mail.Body,
		IsPrivate: true,
		IsReply:   mail.InReplyTo != "",
		MessageID: mail.MessageID,
		Sender: models.SenderIdentity{
			Username:    addr,
			DisplayName: mail.FromName,
			Mention:     mail.FromName,
		},
		SessionHint: hint,
		Attachments: mail.Attachments,
	})
}

// SendText replies on the peer's current thread so the user's mail
// client keeps the conversation together.
func (a *Adapter) SendText(ctx context.Context, chatID, text string) (string, error) {
	a.mu.Lock()
	subject := a.subjects[chatID]
	root := a.roots[chatID]
	a.mu.Unlock()

	if subject == "" {
		subject = "kapy"
	} else if !strings.HasPrefix(strings.ToLower(subject), "re:") {
		subject = "Re: " + subject
	}
	id, err := a.mailer.Send(ctx, chatID, subject, text, root)
	if err != nil {
		return "", fmt.Errorf("email: send: %w", err)
	}
	if root != "" {
		a.threads.Put(id, root)
	}
	return id, nil
}

func (a *Adapter) SendFile(ctx context.Context, chatID, path, caption string) error {
	subject := caption
	if subject == "" {
		subject = "kapy attachment"
	}
	if _, err := a.mailer.SendAttachment(ctx, chatID, subject, path); err != nil {
		return fmt.Errorf("email: send attachment: %w", err)
	}
	return nil
}

// SendTyping is a no-op; mail has no presence signal.
func (a *Adapter) SendTyping(ctx context.Context, chatID string) error { return nil }

// EditMessage is unsupported; email delivery runs in batch mode.
func (a *Adapter) EditMessage(ctx context.Context, chatID, messageID, text string) error {
	return fmt.Errorf("email: message editing not supported")
}
