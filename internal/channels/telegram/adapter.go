// Package telegram adapts the Telegram Bot API to the gateway's
// channel interface via long polling.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"
	"golang.org/x/time/rate"

	"github.com/haasonsaas/kapy/internal/channels"
	"github.com/haasonsaas/kapy/pkg/models"
)

// maxMessageLength is Telegram's hard limit minus headroom for page
// markers.
const maxMessageLength = 4000

// Config holds configuration for the Telegram adapter.
type Config struct {
	// Token is the bot token from @BotFather (required).
	Token string

	// RateLimit is the API call budget in operations per second.
	RateLimit float64

	// RateBurst is the burst capacity for the limiter.
	RateBurst int

	// AttachmentDir receives downloaded incoming files.
	AttachmentDir string

	Logger *slog.Logger
}

func (c *Config) validate() error {
	if c.Token == "" {
		return fmt.Errorf("telegram: token is required")
	}
	if c.RateLimit == 0 {
		c.RateLimit = 25
	}
	if c.RateBurst == 0 {
		c.RateBurst = 10
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Adapter implements channels.Channel for Telegram.
type Adapter struct {
	config  Config
	bot     *bot.Bot
	handler channels.Handler
	limiter *rate.Limiter
	logger  *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewAdapter(config Config) (*Adapter, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	return &Adapter{
		config:  config,
		limiter: rate.NewLimiter(rate.Limit(config.RateLimit), config.RateBurst),
		logger:  config.Logger.With("adapter", "telegram"),
	}, nil
}

func (a *Adapter) Type() models.ChannelType { return models.ChannelTelegram }
func (a *Adapter) SupportsStreaming() bool  { return true }
func (a *Adapter) MaxMessageLength() int    { return maxMessageLength }

func (a *Adapter) SetHandler(h channels.Handler) { a.handler = h }

// Start connects the bot and begins long polling.
func (a *Adapter) Start(ctx context.Context) error {
	b, err := bot.New(a.config.Token, bot.WithDefaultHandler(a.handleUpdate))
	if err != nil {
		return fmt.Errorf("telegram: create bot: %w", err)
	}
	a.bot = b

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.bot.Start(ctx)
	}()
	a.logger.Info("telegram adapter started")
	return nil
}

// Stop ends long polling and waits for handlers.
func (a *Adapter) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Adapter) handleUpdate(ctx context.Context, b *bot.Bot, update *tgmodels.Update) {
	if update.Message == nil || a.handler == nil {
		return
	}
	msg := update.Message
	if msg.From == nil {
		return
	}

	incoming := &models.IncomingMessage{
		Channel:   models.ChannelTelegram,
		ChatID:    strconv.FormatInt(msg.Chat.ID, 10),
		UserID:    strconv.FormatInt(msg.From.ID, 10),
		Text:      messageText(msg),
		IsPrivate: msg.Chat.Type == "private",
		IsReply:   msg.ReplyToMessage != nil,
		Sender: models.SenderIdentity{
			Username:    msg.From.Username,
			DisplayName: displayName(msg.From),
			Mention:     "@" + msg.From.Username,
		},
	}
	if att := a.stageAttachment(ctx, msg); att != nil {
		incoming.Attachments = append(incoming.Attachments, *att)
	}
	a.handler(ctx, incoming)
}

func messageText(msg *tgmodels.Message) string {
	if msg.Text != "" {
		return msg.Text
	}
	return msg.Caption
}

func displayName(user *tgmodels.User) string {
	name := user.FirstName
	if user.LastName != "" {
		name += " " + user.LastName
	}
	return name
}

// stageAttachment downloads an incoming document to the attachment
// dir. Photos and other media are skipped.
func (a *Adapter) stageAttachment(ctx context.Context, msg *tgmodels.Message) *models.Attachment {
	if msg.Document == nil || a.config.AttachmentDir == "" {
		return nil
	}
	doc := msg.Document
	file, err := a.bot.GetFile(ctx, &bot.GetFileParams{FileID: doc.FileID})
	if err != nil {
		a.logger.Warn("get file failed", "file_id", doc.FileID, "error", err)
		return nil
	}
	localPath := filepath.Join(a.config.AttachmentDir, fmt.Sprintf("%d_%s", time.Now().UnixNano(), doc.FileName))
	if err := downloadFile(ctx, a.bot.FileDownloadLink(file), localPath); err != nil {
		a.logger.Warn("attachment download failed", "file", doc.FileName, "error", err)
		return nil
	}
	return &models.Attachment{
		Filename: doc.FileName,
		Path:     localPath,
		MimeType: doc.MimeType,
		Size:     doc.FileSize,
	}
}

// SendText posts a message and returns its id for later edits.
func (a *Adapter) SendText(ctx context.Context, chatID, text string) (string, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return "", err
	}
	sent, err := a.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: chatID,
		Text:   text,
	})
	if err != nil {
		return "", fmt.Errorf("telegram: send message: %w", err)
	}
	return strconv.Itoa(sent.ID), nil
}

// EditMessage replaces a sent message's text. Telegram rejects edits
// with unchanged content; those errors are swallowed.
func (a *Adapter) EditMessage(ctx context.Context, chatID, messageID, text string) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	id, err := strconv.Atoi(messageID)
	if err != nil {
		return fmt.Errorf("telegram: bad message id %q", messageID)
	}
	_, err = a.bot.EditMessageText(ctx, &bot.EditMessageTextParams{
		ChatID:    chatID,
		MessageID: id,
		Text:      text,
	})
	if err != nil {
		a.logger.Debug("edit failed", "message_id", messageID, "error", err)
	}
	return nil
}

// SendFile uploads a local file as a document.
func (a *Adapter) SendFile(ctx context.Context, chatID, path, caption string) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("telegram: open %s: %w", path, err)
	}
	defer f.Close()
	_, err = a.bot.SendDocument(ctx, &bot.SendDocumentParams{
		ChatID:   chatID,
		Document: &tgmodels.InputFileUpload{Filename: filepath.Base(path), Data: f},
		Caption:  caption,
	})
	if err != nil {
		return fmt.Errorf("telegram: send document: %w", err)
	}
	return nil
}

func (a *Adapter) SendTyping(ctx context.Context, chatID string) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := a.bot.SendChatAction(ctx, &bot.SendChatActionParams{
		ChatID: chatID,
		Action: tgmodels.ChatActionTyping,
	})
	return err
}
