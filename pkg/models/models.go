// Package models defines the shared data types exchanged between the
// channel adapters, the routing pipeline, and the agent adapters.
package models

import (
	"fmt"
	"time"
)

// ChannelType represents a messaging platform.
type ChannelType string

const (
	ChannelTelegram ChannelType = "telegram"
	ChannelDiscord  ChannelType = "discord"
	ChannelEmail    ChannelType = "email"
)

// Mode is the deployment mode of the gateway process.
type Mode string

const (
	// ModeUser runs agents as the gateway user with no privileged bridge.
	ModeUser Mode = "user"

	// ModeSystem routes privileged actions through the system daemon.
	ModeSystem Mode = "system"
)

// SenderIdentity describes the resolved identity of a message sender.
type SenderIdentity struct {
	Username    string `json:"username,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Mention     string `json:"mention,omitempty"`
}

// Attachment represents a file delivered alongside an incoming message.
// Path points at a local copy staged by the channel adapter.
type Attachment struct {
	Filename string `json:"filename"`
	Path     string `json:"path"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size"`
}

// IncomingMessage is the normalized per-request record produced by a
// channel adapter. It is immutable once handed to the pipeline.
type IncomingMessage struct {
	Channel   ChannelType `json:"channel"`
	ChatID    string      `json:"chat_id"`
	UserID    string      `json:"user_id"`
	Text      string      `json:"text"`
	IsPrivate bool        `json:"is_private"`
	IsReply   bool        `json:"is_reply"`
	IsMention bool        `json:"is_mention"`

	// MessageID is the platform message identifier, when the platform
	// has one. Email sets it to the RFC 5322 Message-ID.
	MessageID string `json:"message_id,omitempty"`

	Sender SenderIdentity `json:"sender"`

	// SessionHint carries the email thread root for replies so the
	// resolver can pin the turn to the session that thread started in.
	SessionHint string       `json:"session_hint,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// ScopeID derives the active-session scope for the message: DMs are
// scoped per user, group chats per chat.
func (m *IncomingMessage) ScopeID() string {
	if m.IsPrivate {
		return fmt.Sprintf("%s:dm:%s", m.Channel, m.UserID)
	}
	return fmt.Sprintf("%s:chat:%s", m.Channel, m.ChatID)
}

// HistoryEntry is one role/content pair in a session's recent history.
type HistoryEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// MaxHistoryEntries bounds the per-session history list.
const MaxHistoryEntries = 20

// ManagedSession is the persisted session metadata owned by the
// session store. The adapter keeps its own runtime SessionInfo.
type ManagedSession struct {
	SessionID  string            `json:"session_id"`
	UserID     string            `json:"user_id"`
	ChatID     string            `json:"chat_id"`
	ScopeID    string            `json:"scope_id"`
	AgentName  string            `json:"agent_name"`
	Model      string            `json:"model,omitempty"`
	Params     map[string]string `json:"params"`
	Name       string            `json:"name,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	LastActive time.Time         `json:"last_active"`
	History    []HistoryEntry    `json:"history,omitempty"`
}

// Clone returns a deep copy safe to hand outside the store lock.
func (s *ManagedSession) Clone() *ManagedSession {
	if s == nil {
		return nil
	}
	out := *s
	out.Params = make(map[string]string, len(s.Params))
	for k, v := range s.Params {
		out.Params[k] = v
	}
	out.History = append([]HistoryEntry(nil), s.History...)
	return &out
}

// SessionInfo is the adapter-owned runtime state for one session.
type SessionInfo struct {
	SessionID  string    `json:"session_id"`
	UserID     string    `json:"user_id"`
	ChatID     string    `json:"chat_id"`
	WorkDir    string    `json:"work_dir"`
	PID        int       `json:"pid,omitempty"`
	IsBusy     bool      `json:"is_busy"`
	LastActive time.Time `json:"last_active"`
}

// UsageInfo is the per-turn cost record reported by an agent adapter.
// It is consumed once (popped) per turn by the dispatcher.
type UsageInfo struct {
	InputTokens         int     `json:"input_tokens"`
	OutputTokens        int     `json:"output_tokens"`
	CacheReadTokens     int     `json:"cache_read_tokens"`
	CacheCreationTokens int     `json:"cache_creation_tokens"`
	CostUSD             float64 `json:"cost_usd"`
	DurationMs          int64   `json:"duration_ms"`
	Model               string  `json:"model,omitempty"`
}

// HealthInfo is the adapter health report for one session.
type HealthInfo struct {
	Alive          bool    `json:"alive"`
	PID            int     `json:"pid,omitempty"`
	MemoryMB       float64 `json:"memory_mb,omitempty"`
	Busy           bool    `json:"busy"`
	PendingSeconds float64 `json:"pending_seconds,omitempty"`
}
