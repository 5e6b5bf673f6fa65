// Package discord adapts the Discord gateway to the channel interface.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/haasonsaas/kapy/internal/channels"
	"github.com/haasonsaas/kapy/pkg/models"
)

const maxMessageLength = 2000

// session is the slice of discordgo.Session the adapter uses, kept as
// an interface so tests can stub it.
type session interface {
	Open() error
	Close() error
	AddHandler(handler any) func()
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEdit(channelID, messageID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelFileSendWithMessage(channelID, content, name string, r *os.File, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error
}

// realSession wraps *discordgo.Session to satisfy the session
// interface (ChannelFileSendWithMessage takes io.Reader upstream).
type realSession struct{ *discordgo.Session }

func (s realSession) ChannelFileSendWithMessage(channelID, content, name string, r *os.File, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return s.Session.ChannelFileSendWithMessage(channelID, content, name, r, options...)
}

// Config holds configuration for the Discord adapter.
type Config struct {
	// Token is the bot token (required).
	Token string

	Logger *slog.Logger
}

// Adapter implements channels.Channel for Discord.
type Adapter struct {
	session session
	handler channels.Handler
	logger  *slog.Logger

	mu     sync.Mutex
	selfID string
	remove func()
}

func NewAdapter(config Config) (*Adapter, error) {
	if config.Token == "" {
		return nil, fmt.Errorf("discord: token is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dg, err := discordgo.New("Bot " + config.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	dg.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent
	return &Adapter{
		session: realSession{dg},
		logger:  logger.With("adapter", "discord"),
	}, nil
}

func (a *Adapter) Type() models.ChannelType { return models.ChannelDiscord }
func (a *Adapter) SupportsStreaming() bool  { return true }
func (a *Adapter) MaxMessageLength() int    { return maxMessageLength }

func (a *Adapter) SetHandler(h channels.Handler) { a.handler = h }

func (a *Adapter) Start(ctx context.Context) error {
	a.remove = a.session.AddHandler(a.handleMessageCreate)
	a.session.AddHandler(func(s *discordgo.Session, r *discordgo.Ready) {
		a.mu.Lock()
		a.selfID = r.User.ID
		a.mu.Unlock()
		a.logger.Info("discord ready", "user", r.User.Username)
	})
	if err := a.session.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}
	a.logger.Info("discord adapter started")
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	if a.remove != nil {
		a.remove()
	}
	return a.session.Close()
}

func (a *Adapter) handleMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if a.handler == nil || m.Author == nil || m.Author.Bot {
		return
	}
	a.mu.Lock()
	selfID := a.selfID
	a.mu.Unlock()

	mentioned := false
	for _, user := range m.Mentions {
		if user.ID == selfID {
			mentioned = true
			break
		}
	}

	incoming := &models.IncomingMessage{
		Channel:   models.ChannelDiscord,
		ChatID:    m.ChannelID,
		UserID:    m.Author.ID,
		Text:      m.Content,
		IsPrivate: m.GuildID == "",
		IsReply:   m.MessageReference != nil,
		IsMention: mentioned,
		Sender: models.SenderIdentity{
			Username:    m.Author.Username,
			DisplayName: displayName(m.Author),
			Mention:     "<@" + m.Author.ID + ">",
		},
	}
	a.handler(context.Background(), incoming)
}

func displayName(user *discordgo.User) string {
	if user.GlobalName != "" {
		return user.GlobalName
	}
	return user.Username
}

func (a *Adapter) SendText(ctx context.Context, chatID, text string) (string, error) {
	msg, err := a.session.ChannelMessageSend(chatID, text, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("discord: send message: %w", err)
	}
	return msg.ID, nil
}

func (a *Adapter) EditMessage(ctx context.Context, chatID, messageID, text string) error {
	_, err := a.session.ChannelMessageEdit(chatID, messageID, text, discordgo.WithContext(ctx))
	if err != nil {
		a.logger.Debug("edit failed", "message_id", messageID, "error", err)
	}
	return nil
}

func (a *Adapter) SendFile(ctx context.Context, chatID, path, caption string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("discord: open %s: %w", path, err)
	}
	defer f.Close()
	_, err = a.session.ChannelFileSendWithMessage(chatID, caption, filepath.Base(path), f, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("discord: send file: %w", err)
	}
	return nil
}

func (a *Adapter) SendTyping(ctx context.Context, chatID string) error {
	return a.session.ChannelTyping(chatID, discordgo.WithContext(ctx))
}
