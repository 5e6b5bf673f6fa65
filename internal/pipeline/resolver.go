package pipeline

import (
	"container/list"
	"fmt"
	"log/slog"
	"sync"

	"github.com/haasonsaas/kapy/internal/agent"
	"github.com/haasonsaas/kapy/internal/sessions"
	"github.com/haasonsaas/kapy/pkg/models"
)

// ModelQueue holds per-user model preferences expressed before any
// session exists. The preference applies once, to the next session
// created for that user.
type ModelQueue struct {
	mu    sync.Mutex
	queue map[string]string
}

func NewModelQueue() *ModelQueue {
	return &ModelQueue{queue: make(map[string]string)}
}

func (q *ModelQueue) Set(userID, model string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queue[userID] = model
}

// Pop removes and returns the queued preference, if any.
func (q *ModelQueue) Pop(userID string) (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	model, ok := q.queue[userID]
	if ok {
		delete(q.queue, userID)
	}
	return model, ok
}

// threadIndexCap bounds the email thread pinning index. A reply whose
// thread root fell out simply resolves by scope again.
const threadIndexCap = 256

// threadIndex maps email thread root message ids to the session the
// thread started in, least-recently-used eviction.
type threadIndex struct {
	mu    sync.Mutex
	cap   int
	order *list.List
	items map[string]*list.Element
}

type threadBinding struct {
	root      string
	sessionID string
}

func newThreadIndex(capacity int) *threadIndex {
	if capacity <= 0 {
		capacity = threadIndexCap
	}
	return &threadIndex{
		cap:   capacity,
		order: list.New(),
		items: make(map[string]*list.Element),
	}
}

func (x *threadIndex) put(root, sessionID string) {
	if root == "" || sessionID == "" {
		return
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if elem, ok := x.items[root]; ok {
		elem.Value.(*threadBinding).sessionID = sessionID
		x.order.MoveToFront(elem)
		return
	}
	elem := x.order.PushFront(&threadBinding{root: root, sessionID: sessionID})
	x.items[root] = elem
	for x.order.Len() > x.cap {
		oldest := x.order.Back()
		x.order.Remove(oldest)
		delete(x.items, oldest.Value.(*threadBinding).root)
	}
}

func (x *threadIndex) get(root string) (string, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	elem, ok := x.items[root]
	if !ok {
		return "", false
	}
	x.order.MoveToFront(elem)
	return elem.Value.(*threadBinding).sessionID, true
}

func (x *threadIndex) drop(root string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if elem, ok := x.items[root]; ok {
		x.order.Remove(elem)
		delete(x.items, root)
	}
}

// ResolverConfig wires the session resolver stage.
type ResolverConfig struct {
	Store        *sessions.Store
	Agents       map[string]agent.Adapter
	DefaultAgent string
	ModelQueue   *ModelQueue
	Logger       *slog.Logger
}

// SessionResolver materializes the active managed session for the
// message scope, creating one lazily, and reconciles it with the
// agent adapter. A session the adapter lost across a restart is
// recreated under its original id so model and params carry over.
// Email replies carrying a thread-root hint pin to the session that
// thread started in, regardless of the scope's current active pointer.
func SessionResolver(cfg ResolverConfig) Middleware {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "resolver")
	threads := newThreadIndex(threadIndexCap)
	return func(c *Context, next Next) error {
		var sess *models.ManagedSession
		ok := false

		if hint := c.Message.SessionHint; hint != "" && c.Message.Channel == models.ChannelEmail {
			if sessionID, bound := threads.get(hint); bound {
				pinned, err := cfg.Store.Get(sessionID)
				if err != nil {
					threads.drop(hint)
				} else {
					sess, ok = pinned, true
					logger.Debug("session pinned by thread hint",
						"session", sessionID, "thread", hint)
				}
			}
		}

		if !ok {
			sess, ok = cfg.Store.ActiveSessionForScope(c.Message.ScopeID())
		}
		if !ok {
			created, err := cfg.Store.Create(c.Message.UserID, c.Message.ChatID, c.Message.ScopeID(), cfg.DefaultAgent)
			if err != nil {
				return fmt.Errorf("create session: %w", err)
			}
			if model, queued := cfg.ModelQueue.Pop(c.Message.UserID); queued {
				if err := cfg.Store.UpdateModel(created.SessionID, model); err == nil {
					created.Model = model
				}
			}
			logger.Info("session created",
				"session", created.SessionID,
				"user", c.Message.UserID,
				"agent", created.AgentName)
			sess = created
		}

		adapter, ok := cfg.Agents[sess.AgentName]
		if !ok {
			adapter, ok = cfg.Agents[cfg.DefaultAgent]
			if !ok {
				return fmt.Errorf("no adapter for agent %q", sess.AgentName)
			}
		}
		if !adapter.HasSession(sess.SessionID) {
			if _, err := adapter.CreateSession(c.Ctx, sess.UserID, sess.ChatID, agent.CreateOptions{SessionID: sess.SessionID}); err != nil {
				return fmt.Errorf("recreate adapter session %s: %w", sess.SessionID, err)
			}
			logger.Info("adapter session recreated", "session", sess.SessionID, "agent", sess.AgentName)
		}

		if c.Message.Channel == models.ChannelEmail {
			// A fresh mail roots a new thread at its own id; a reply
			// refreshes the root binding it was pinned by.
			threads.put(c.Message.MessageID, sess.SessionID)
			threads.put(c.Message.SessionHint, sess.SessionID)
		}

		c.Session = sess
		c.Agent = adapter
		return next()
	}
}
