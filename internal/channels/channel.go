// Package channels defines the unified surface the gateway uses to
// talk to chat platforms, and a registry of the configured adapters.
package channels

import (
	"context"

	"github.com/haasonsaas/kapy/pkg/models"
)

// Handler receives every inbound message from a channel adapter.
type Handler func(ctx context.Context, msg *models.IncomingMessage)

// Channel is implemented by each platform adapter. SetHandler must be
// called before Start; adapters invoke the handler from their own
// receive goroutines.
type Channel interface {
	// Start connects and begins receiving messages.
	Start(ctx context.Context) error

	// Stop disconnects and waits for in-flight handlers.
	Stop(ctx context.Context) error

	// SendText posts a message and returns the platform message id,
	// used later for EditMessage.
	SendText(ctx context.Context, chatID, text string) (string, error)

	// SendFile delivers a local file to the chat.
	SendFile(ctx context.Context, chatID, path, caption string) error

	// SendTyping signals a typing indicator where the platform has one.
	SendTyping(ctx context.Context, chatID string) error

	// EditMessage replaces a previously sent message's text.
	EditMessage(ctx context.Context, chatID, messageID, text string) error

	// SupportsStreaming reports whether progressive edits are usable.
	SupportsStreaming() bool

	// MaxMessageLength is the platform's per-message text budget.
	MaxMessageLength() int

	// SetHandler installs the inbound message callback.
	SetHandler(h Handler)

	// Type identifies the platform.
	Type() models.ChannelType
}
