// Package delivery pushes agent output streams back through chat
// channels, in either streaming (edit-in-place) or batch mode.
package delivery

import (
	"context"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"
)

const (
	placeholderText = "⏳ 处理中..."
	truncatedNote   = "\n\n⚠️ 输出空闲超时，结果已截断"
)

// Sink is the channel surface delivery needs. Channel implementations
// satisfy it.
type Sink interface {
	SendText(ctx context.Context, chatID, text string) (messageID string, err error)
	EditMessage(ctx context.Context, chatID, messageID, text string) error
	SupportsStreaming() bool
	MaxMessageLength() int
}

// Source is a pull iterator of output chunks. The agent adapters'
// streams satisfy it.
type Source interface {
	Next() (string, bool)
}

// Config tunes delivery pacing.
type Config struct {
	UpdateInterval time.Duration
	IdleTimeout    time.Duration
	Logger         *slog.Logger
}

// Deliverer relays one stream per call. Safe for concurrent use.
type Deliverer struct {
	updateInterval time.Duration
	idleTimeout    time.Duration
	logger         *slog.Logger
}

func New(cfg Config) *Deliverer {
	if cfg.UpdateInterval <= 0 {
		cfg.UpdateInterval = 2 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 300 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Deliverer{
		updateInterval: cfg.UpdateInterval,
		idleTimeout:    cfg.IdleTimeout,
		logger:         logger.With("component", "delivery"),
	}
}

// Deliver drains the stream into the chat. cancelled is polled between
// chunks; once it reports true no further chunks are requested.
func (d *Deliverer) Deliver(ctx context.Context, sink Sink, chatID string, stream Source, cancelled func() bool) error {
	if cancelled == nil {
		cancelled = func() bool { return false }
	}
	if sink.SupportsStreaming() {
		return d.deliverStreaming(ctx, sink, chatID, stream, cancelled)
	}
	return d.deliverBatch(ctx, sink, chatID, stream, cancelled)
}

// collect pumps the stream through a channel so idle timeouts can be
// enforced around the blocking Next. The stop func releases the pump
// without requesting further chunks.
func (d *Deliverer) collect(stream Source) (<-chan string, func()) {
	out := make(chan string)
	quit := make(chan struct{})
	var once sync.Once
	stop := func() { once.Do(func() { close(quit) }) }
	go func() {
		defer close(out)
		for {
			chunk, ok := stream.Next()
			if !ok {
				return
			}
			select {
			case out <- chunk:
			case <-quit:
				return
			}
		}
	}()
	return out, stop
}

func (d *Deliverer) deliverStreaming(ctx context.Context, sink Sink, chatID string, stream Source, cancelled func() bool) error {
	chunks, stop := d.collect(stream)
	defer stop()
	idle := time.NewTimer(d.idleTimeout)
	defer idle.Stop()
	ticker := time.NewTicker(d.updateInterval)
	defer ticker.Stop()

	var buffer string
	var messageID string
	var lastEdited string
	truncated := false

loop:
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				break loop
			}
			buffer += chunk
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(d.idleTimeout)
			if cancelled() {
				break loop
			}
			if messageID == "" && Clean(buffer) != "" {
				id, err := sink.SendText(ctx, chatID, placeholderText)
				if err != nil {
					d.logger.Warn("placeholder send failed", "error", err)
					continue
				}
				messageID = id
			}
		case <-ticker.C:
			if messageID == "" {
				continue
			}
			preview := clip(Clean(buffer), sink.MaxMessageLength())
			if preview == "" || preview == lastEdited {
				continue
			}
			if err := sink.EditMessage(ctx, chatID, messageID, preview); err != nil {
				d.logger.Debug("progress edit failed", "error", err)
				continue
			}
			lastEdited = preview
		case <-idle.C:
			truncated = true
			break loop
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	final := Clean(buffer)
	if truncated {
		final += truncatedNote
	}
	return d.flush(ctx, sink, chatID, messageID, final)
}

func (d *Deliverer) deliverBatch(ctx context.Context, sink Sink, chatID string, stream Source, cancelled func() bool) error {
	chunks, stop := d.collect(stream)
	defer stop()
	idle := time.NewTimer(d.idleTimeout)
	defer idle.Stop()

	var buffer string
	truncated := false

loop:
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				break loop
			}
			buffer += chunk
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(d.idleTimeout)
			if cancelled() {
				break loop
			}
		case <-idle.C:
			truncated = true
			break loop
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	final := Clean(buffer)
	if truncated {
		final += truncatedNote
	}
	return d.flush(ctx, sink, chatID, "", final)
}

// flush splits the final text and posts it, reusing the progress
// message for the first chunk when one exists.
func (d *Deliverer) flush(ctx context.Context, sink Sink, chatID, messageID, final string) error {
	if final == "" {
		if messageID != "" {
			return sink.EditMessage(ctx, chatID, messageID, "（无输出）")
		}
		return nil
	}
	parts := Split(final, sink.MaxMessageLength())
	for i, part := range parts {
		if i == 0 && messageID != "" {
			if err := sink.EditMessage(ctx, chatID, messageID, part); err != nil {
				return err
			}
			continue
		}
		if _, err := sink.SendText(ctx, chatID, part); err != nil {
			return err
		}
	}
	return nil
}

func clip(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
