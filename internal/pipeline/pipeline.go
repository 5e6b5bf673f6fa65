// Package pipeline composes the per-message middleware chain. Each
// stage receives the shared request context and a continuation; a
// stage that does not call the continuation short-circuits the chain.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/haasonsaas/kapy/internal/agent"
	"github.com/haasonsaas/kapy/internal/channels"
	"github.com/haasonsaas/kapy/pkg/models"
)

// internalErrorReply is the only error surface exposed to end users.
const internalErrorReply = "❌ 内部错误，请稍后重试"

// Context is the mutable per-request state threaded through the
// chain. Message is treated as read-only; stages that rewrite the
// effective input mutate Text instead.
type Context struct {
	Ctx     context.Context
	Message *models.IncomingMessage
	Channel channels.Channel
	Mode    models.Mode

	// Text starts as Message.Text and may be rewritten by stages
	// (shorthand expansion, two-factor retry substitution).
	Text string

	// Command and Args are populated by the command parser when the
	// input is a registered gateway command.
	Command string
	Args    []string

	// Session and Agent are populated by the session resolver.
	Session *models.ManagedSession
	Agent   agent.Adapter

	// Response, when set by a handler, is sent after the chain
	// completes. Handlers that stream reply through Channel directly.
	Response string

	reply func(ctx context.Context, text string) error
}

// Reply sends text back to the originating chat.
func (c *Context) Reply(text string) error {
	if c.reply == nil {
		return fmt.Errorf("pipeline: context has no reply function")
	}
	return c.reply(c.Ctx, text)
}

// Next continues the chain.
type Next func() error

// Middleware is one stage of the chain.
type Middleware func(*Context, Next) error

// Pipeline is an ordered middleware chain.
type Pipeline struct {
	stages []Middleware
	logger *slog.Logger
}

// New returns an empty pipeline.
func New(logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{logger: logger.With("component", "pipeline")}
}

// Use appends stages in execution order.
func (p *Pipeline) Use(stages ...Middleware) {
	p.stages = append(p.stages, stages...)
}

// NewContext builds a request context bound to the given channel.
func (p *Pipeline) NewContext(ctx context.Context, msg *models.IncomingMessage, ch channels.Channel, mode models.Mode) *Context {
	return &Context{
		Ctx:     ctx,
		Message: msg,
		Channel: ch,
		Mode:    mode,
		Text:    msg.Text,
		reply: func(ctx context.Context, text string) error {
			_, err := ch.SendText(ctx, msg.ChatID, text)
			return err
		},
	}
}

// Run executes the chain. Errors and panics never escape; both are
// logged and converted into a generic reply.
func (p *Pipeline) Run(c *Context) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("pipeline panic",
				"user", c.Message.UserID,
				"channel", c.Message.Channel,
				"panic", r)
			_ = c.Reply(internalErrorReply)
		}
	}()

	if err := p.call(0, c); err != nil {
		p.logger.Error("pipeline failed",
			"user", c.Message.UserID,
			"channel", c.Message.Channel,
			"error", err)
		_ = c.Reply(internalErrorReply)
		return
	}
	if c.Response != "" {
		if err := c.Reply(c.Response); err != nil {
			p.logger.Warn("response delivery failed", "error", err)
		}
	}
}

func (p *Pipeline) call(i int, c *Context) error {
	if i >= len(p.stages) {
		return nil
	}
	return p.stages[i](c, func() error { return p.call(i+1, c) })
}
