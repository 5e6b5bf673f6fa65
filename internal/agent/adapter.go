// Package agent adapts external LLM command-line binaries to a common
// session-based interface. Two concrete shapes exist: a one-shot
// adapter that reads a single JSON document from stdout (Claude
// family) and a streaming adapter that relays stdout line by line
// (Codex and Gemini families).
package agent

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/haasonsaas/kapy/internal/config"
	"github.com/haasonsaas/kapy/internal/workspace"
	"github.com/haasonsaas/kapy/pkg/models"
)

var ErrSessionNotFound = errors.New("agent session not found")

// CreateOptions customizes session creation.
type CreateOptions struct {
	// SessionID pins the id instead of deriving one. Required by the
	// stale-session recovery path so the managed id survives adapter
	// restarts.
	SessionID string

	// WorkDir overrides the derived workspace directory.
	WorkDir string
}

// SendOptions customizes one send.
type SendOptions struct {
	Model     string
	Params    map[string]string
	RunAsRoot bool
}

// Adapter is the abstract contract every agent binary adapter
// implements.
type Adapter interface {
	// Name returns the configured agent name.
	Name() string

	// CreateSession registers a session and initializes its workspace.
	// It is idempotent: creating an existing id returns it and bumps
	// last_active.
	CreateSession(ctx context.Context, userID, chatID string, opts CreateOptions) (*models.SessionInfo, error)

	// SendMessage invokes the binary and returns the chunk stream.
	// The adapter marks the session busy for the duration of the
	// stream and delivers each chunk in order exactly once.
	SendMessage(ctx context.Context, sessionID, message string, opts SendOptions) (*Stream, error)

	// Cancel terminates the in-flight child process, if any.
	Cancel(sessionID string) error

	// DestroySession cancels and removes in-memory session state.
	DestroySession(sessionID string) error

	// HealthCheck reports liveness of the session's child process.
	HealthCheck(sessionID string) (*models.HealthInfo, error)

	// LastUsage pops the most recent usage record, if any.
	LastUsage(sessionID string) *models.UsageInfo

	// HasSession reports whether the adapter still tracks the id.
	HasSession(sessionID string) bool
}

// Stream is a pull-style chunk iterator over agent output.
type Stream struct {
	ch chan string
}

func newStream(buffer int) *Stream {
	return &Stream{ch: make(chan string, buffer)}
}

// Next returns the next chunk. ok is false once the stream is done.
func (s *Stream) Next() (string, bool) {
	chunk, ok := <-s.ch
	return chunk, ok
}

// Drain consumes and concatenates the remaining chunks. Test helper
// and batch-mode convenience.
func (s *Stream) Drain() []string {
	var out []string
	for chunk, ok := s.Next(); ok; chunk, ok = s.Next() {
		out = append(out, chunk)
	}
	return out
}

func (s *Stream) emit(chunk string) {
	if chunk != "" {
		s.ch <- chunk
	}
}

func (s *Stream) close() { close(s.ch) }

// StreamOf returns an already-closed stream yielding the given chunks
// in order. Fakes standing in for an Adapter use it to script output.
func StreamOf(chunks ...string) *Stream {
	s := newStream(len(chunks))
	for _, chunk := range chunks {
		s.emit(chunk)
	}
	s.close()
	return s
}

// sessionState is the adapter-side runtime record for one session.
type sessionState struct {
	info      *models.SessionInfo
	started   bool // first successful turn completed (oneshot resume flag)
	usage     *models.UsageInfo
	cancel    context.CancelFunc
	busySince time.Time
}

// sessionTable is the shared session bookkeeping embedded by both
// adapter shapes.
type sessionTable struct {
	mu         sync.Mutex
	sessions   map[string]*sessionState
	workspaces *workspace.Manager
}

func newSessionTable(ws *workspace.Manager) *sessionTable {
	return &sessionTable{
		sessions:   make(map[string]*sessionState),
		workspaces: ws,
	}
}

func (t *sessionTable) create(userID, chatID string, opts CreateOptions) (*models.SessionInfo, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := opts.SessionID
	if id == "" {
		generated, err := generateID()
		if err != nil {
			return nil, err
		}
		id = generated
	}
	if existing, ok := t.sessions[id]; ok {
		existing.info.LastActive = time.Now()
		return cloneInfo(existing.info), nil
	}

	workDir := opts.WorkDir
	if workDir == "" {
		dir, err := t.workspaces.Ensure(id)
		if err != nil {
			return nil, err
		}
		workDir = dir
	} else if _, err := t.workspaces.Ensure(id); err != nil {
		return nil, err
	}

	info := &models.SessionInfo{
		SessionID:  id,
		UserID:     userID,
		ChatID:     chatID,
		WorkDir:    workDir,
		LastActive: time.Now(),
	}
	t.sessions[id] = &sessionState{info: info}
	return cloneInfo(info), nil
}

func (t *sessionTable) get(sessionID string) (*sessionState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.sessions[sessionID]
	return st, ok
}

func (t *sessionTable) remove(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, sessionID)
}

func (t *sessionTable) has(sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.sessions[sessionID]
	return ok
}

// markBusy flags the session while a child is in flight. Returns the
// state or ErrSessionNotFound.
func (t *sessionTable) markBusy(sessionID string, cancel context.CancelFunc) (*sessionState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	st.info.IsBusy = true
	st.busySince = time.Now()
	st.cancel = cancel
	return st, nil
}

func (t *sessionTable) markIdle(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.sessions[sessionID]; ok {
		st.info.IsBusy = false
		st.info.PID = 0
		st.info.LastActive = time.Now()
		st.cancel = nil
	}
}

func (t *sessionTable) setPID(sessionID, _ string, pid int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.sessions[sessionID]; ok {
		st.info.PID = pid
	}
}

func (t *sessionTable) setUsage(sessionID string, usage *models.UsageInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.sessions[sessionID]; ok {
		st.usage = usage
	}
}

// popUsage consumes the last usage record.
func (t *sessionTable) popUsage(sessionID string) *models.UsageInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.sessions[sessionID]
	if !ok || st.usage == nil {
		return nil
	}
	usage := st.usage
	st.usage = nil
	return usage
}

func (t *sessionTable) cancelSession(sessionID string) error {
	t.mu.Lock()
	st, ok := t.sessions[sessionID]
	if !ok {
		t.mu.Unlock()
		return ErrSessionNotFound
	}
	cancel := st.cancel
	st.info.IsBusy = false
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

func (t *sessionTable) health(sessionID string) (*models.HealthInfo, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	h := &models.HealthInfo{
		Alive: st.info.PID > 0 && processAlive(st.info.PID),
		PID:   st.info.PID,
		Busy:  st.info.IsBusy,
	}
	if st.info.IsBusy {
		h.PendingSeconds = time.Since(st.busySince).Seconds()
	}
	if h.Alive {
		h.MemoryMB = processMemoryMB(st.info.PID)
	}
	return h, nil
}

func cloneInfo(info *models.SessionInfo) *models.SessionInfo {
	out := *info
	return &out
}

// buildEnv merges the process environment with the agent's configured
// overrides.
func buildEnv(base []string, cfg config.AgentConfig) []string {
	env := append([]string(nil), base...)
	for k, v := range cfg.Env {
		env = append(env, k+"="+v)
	}
	return env
}
