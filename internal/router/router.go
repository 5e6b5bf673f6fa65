// Package router wires channels, pipeline, sessions, agents and
// delivery together. It owns the command surface and the terminal
// agent dispatcher.
package router

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/kapy/internal/agent"
	"github.com/haasonsaas/kapy/internal/auth"
	"github.com/haasonsaas/kapy/internal/billing"
	"github.com/haasonsaas/kapy/internal/channels"
	"github.com/haasonsaas/kapy/internal/config"
	"github.com/haasonsaas/kapy/internal/delivery"
	"github.com/haasonsaas/kapy/internal/memory"
	"github.com/haasonsaas/kapy/internal/observability"
	"github.com/haasonsaas/kapy/internal/pipeline"
	"github.com/haasonsaas/kapy/internal/privileged"
	"github.com/haasonsaas/kapy/internal/rules"
	"github.com/haasonsaas/kapy/internal/sessions"
	"github.com/haasonsaas/kapy/internal/workspace"
	"github.com/haasonsaas/kapy/pkg/models"
)

const (
	busyReply     = "⏳ 上一个请求还在处理中，请稍后再试"
	dispatchError = "❌ 处理请求时出错"

	defaultMaxAttachmentBytes = 10 * 1024 * 1024
)

// MemoryStore is the optional memory collaborator. A nil store
// disables memory commands and context injection.
type MemoryStore interface {
	BuildMemoryContext(ctx context.Context, userID, query string) (string, error)
	CaptureTurn(ctx context.Context, userID, scope, sessionID, channel, userText, assistantText string) (string, error)
	SearchMemories(ctx context.Context, userID, query string, limit int) ([]memory.Record, error)
	ListMemories(ctx context.Context, userID string, limit int) ([]memory.Record, error)
	GetMemory(ctx context.Context, userID, id string) (*memory.Record, error)
	AddNote(ctx context.Context, userID, text string) (string, error)
	ForgetMemory(ctx context.Context, userID, id string) error
	SetPinned(ctx context.Context, userID, id string, pinned bool) error
	RecordRetrievalFeedback(ctx context.Context, retrievalID, verdict, note string) error
	Stats(ctx context.Context, days int) (*memory.RetrievalStats, error)
	StatsForUser(ctx context.Context, userID string) (*memory.UserStats, error)
}

// Config wires the router.
type Config struct {
	Mode         models.Mode
	Auth         *auth.Service
	Sessions     *sessions.Store
	Agents       map[string]agent.Adapter
	AgentConfigs map[string]config.AgentConfig
	DefaultAgent string
	Workspace    *workspace.Manager
	Billing      *billing.Log
	Memory       MemoryStore
	Rules        *rules.Engine
	Deliverer    *delivery.Deliverer
	TwoFactor    *privileged.TwoFactor
	Sudo         *privileged.SudoWindow
	Metrics      *observability.Metrics
	Version      string

	MaxAttachmentBytes int64

	Logger *slog.Logger
}

// Router routes normalized messages through the middleware chain.
type Router struct {
	mode         models.Mode
	auth         *auth.Service
	store        *sessions.Store
	locker       *sessions.Locker
	agents       map[string]agent.Adapter
	agentConfigs map[string]config.AgentConfig
	defaultAgent string
	workspace    *workspace.Manager
	billing      *billing.Log
	memory       MemoryStore
	rules        *rules.Engine
	deliverer    *delivery.Deliverer
	twoFactor    *privileged.TwoFactor
	sudo         *privileged.SudoWindow
	metrics      *observability.Metrics
	version      string

	maxAttachmentBytes int64

	pipeline   *pipeline.Pipeline
	commands   *pipeline.Registry
	modelQueue *pipeline.ModelQueue

	mu        sync.Mutex
	cancelled map[string]bool // sessionID -> cancel requested

	logger *slog.Logger
}

func New(cfg Config) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAttachmentBytes <= 0 {
		cfg.MaxAttachmentBytes = defaultMaxAttachmentBytes
	}
	r := &Router{
		mode:               cfg.Mode,
		auth:               cfg.Auth,
		store:              cfg.Sessions,
		locker:             sessions.NewLocker(),
		agents:             cfg.Agents,
		agentConfigs:       cfg.AgentConfigs,
		defaultAgent:       cfg.DefaultAgent,
		workspace:          cfg.Workspace,
		billing:            cfg.Billing,
		memory:             cfg.Memory,
		rules:              cfg.Rules,
		deliverer:          cfg.Deliverer,
		twoFactor:          cfg.TwoFactor,
		sudo:               cfg.Sudo,
		metrics:            cfg.Metrics,
		version:            cfg.Version,
		maxAttachmentBytes: cfg.MaxAttachmentBytes,
		commands:           pipeline.NewRegistry(),
		modelQueue:         pipeline.NewModelQueue(),
		cancelled:          make(map[string]bool),
		logger:             logger.With("component", "router"),
	}
	r.registerCommands()

	p := pipeline.New(logger)
	p.Use(
		pipeline.Logging(logger),
		pipeline.Auth(cfg.Auth),
		pipeline.ModeGuard(cfg.Auth),
		pipeline.TwoFactorReply(cfg.TwoFactor),
		pipeline.CommandParser(r.commands),
		pipeline.SessionResolver(pipeline.ResolverConfig{
			Store:        cfg.Sessions,
			Agents:       cfg.Agents,
			DefaultAgent: cfg.DefaultAgent,
			ModelQueue:   r.modelQueue,
			Logger:       logger,
		}),
		r.dispatch,
	)
	r.pipeline = p
	return r
}

// Attach installs the router as the message handler on every
// registered channel.
func (r *Router) Attach(registry *channels.Registry) {
	for _, ch := range registry.All() {
		ch := ch
		ch.SetHandler(func(ctx context.Context, msg *models.IncomingMessage) {
			r.Handle(ctx, msg, ch)
		})
	}
}

// Handle runs one message through the chain.
func (r *Router) Handle(ctx context.Context, msg *models.IncomingMessage, ch channels.Channel) {
	if r.metrics != nil {
		r.metrics.MessageReceived(string(msg.Channel))
	}
	c := r.pipeline.NewContext(ctx, msg, ch, r.mode)
	r.pipeline.Run(c)
}

// dispatch is the terminal stage: lock, assemble, invoke, deliver.
// Adapter and delivery failures become a generic reply and never
// propagate up the chain.
func (r *Router) dispatch(c *pipeline.Context, _ pipeline.Next) error {
	sess, adapter := c.Session, c.Agent
	if !r.locker.TryLock(sess.SessionID) {
		return c.Reply(busyReply)
	}
	defer r.locker.Unlock(sess.SessionID)

	r.reapOrphanBusy(sess.SessionID, adapter)
	r.clearCancel(sess.SessionID)

	prompt, warnings := r.buildPrompt(c)
	for _, w := range warnings {
		if err := c.Reply(w); err != nil {
			r.logger.Warn("warning delivery failed", "error", err)
		}
	}

	runAsRoot := r.sudo != nil &&
		r.sudo.IsEnabled(c.Message.UserID, c.Message.Channel, c.Message.ChatID)

	start := time.Now()
	stream, err := adapter.SendMessage(c.Ctx, sess.SessionID, prompt, agent.SendOptions{
		Model:     sess.Model,
		Params:    sess.Params,
		RunAsRoot: runAsRoot,
	})
	if err != nil {
		r.logger.Error("agent invocation failed", "session", sess.SessionID, "error", err)
		if r.metrics != nil {
			r.metrics.RecordAgentError(sess.AgentName, "invoke")
		}
		return c.Reply(dispatchError)
	}

	rec := &recordingSource{inner: stream}
	err = r.deliverer.Deliver(c.Ctx, c.Channel, c.Message.ChatID, rec, func() bool {
		return r.isCancelled(sess.SessionID)
	})
	if err != nil {
		r.logger.Error("delivery failed", "session", sess.SessionID, "error", err)
		if r.metrics != nil {
			r.metrics.RecordAgentError(sess.AgentName, "delivery")
		}
		return c.Reply(dispatchError)
	}

	if err := r.store.AddHistory(sess.SessionID, "user", c.Text); err == nil {
		_ = r.store.AddHistory(sess.SessionID, "assistant", rec.Text())
	}
	r.store.Touch(sess.SessionID)
	if r.metrics != nil {
		r.metrics.RecordTurn(sess.AgentName, time.Since(start))
		r.metrics.MessageSent(string(c.Message.Channel))
	}

	if r.memory != nil {
		if _, err := r.memory.CaptureTurn(c.Ctx, c.Message.UserID, sess.ScopeID,
			sess.SessionID, string(c.Message.Channel), c.Text, rec.Text()); err != nil {
			r.logger.Warn("turn capture failed", "error", err)
		}
	}
	if r.billing != nil {
		if u := adapter.LastUsage(sess.SessionID); u != nil {
			if _, err := r.billing.Record(sess.SessionID, sess.UserID,
				string(c.Message.Channel), sess.AgentName, u.Model,
				u.InputTokens, u.OutputTokens, u.CacheReadTokens,
				u.CacheCreationTokens, u.CostUSD, u.DurationMs); err != nil {
				r.logger.Error("billing record failed", "error", err)
			}
		}
	}
	return nil
}

// reapOrphanBusy clears a busy flag left behind by a dead child.
func (r *Router) reapOrphanBusy(sessionID string, adapter agent.Adapter) {
	health, err := adapter.HealthCheck(sessionID)
	if err != nil || health == nil {
		return
	}
	if health.Busy && !health.Alive {
		r.logger.Warn("reaping orphaned busy session", "session", sessionID)
		if err := adapter.Cancel(sessionID); err != nil {
			r.logger.Warn("orphan cancel failed", "session", sessionID, "error", err)
		}
	}
}

func (r *Router) requestCancel(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled[sessionID] = true
}

func (r *Router) clearCancel(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cancelled, sessionID)
}

func (r *Router) isCancelled(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled[sessionID]
}

// recordingSource tees the stream so history capture sees the full
// assistant response after delivery.
type recordingSource struct {
	inner delivery.Source
	mu    sync.Mutex
	buf   []byte
}

func (s *recordingSource) Next() (string, bool) {
	chunk, ok := s.inner.Next()
	if ok {
		s.mu.Lock()
		s.buf = append(s.buf, chunk...)
		s.mu.Unlock()
	}
	return chunk, ok
}

func (s *recordingSource) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.buf)
}
