package privileged

import (
	"sync"
	"time"

	"github.com/haasonsaas/kapy/pkg/models"
)

// SudoStatus reports the state of one chat's sudo window.
type SudoStatus struct {
	Enabled          bool
	RemainingSeconds int
}

// SudoWindow tracks time-boxed root-mode grants per
// (user, channel, chat). Expired entries are reaped lazily on every
// call.
type SudoWindow struct {
	mu         sync.Mutex
	windows    map[string]time.Time // key -> expiry
	defaultTTL time.Duration
	now        func() time.Time
}

// NewSudoWindow builds the tracker. TTL defaults to 600s.
func NewSudoWindow(defaultTTL time.Duration) *SudoWindow {
	if defaultTTL <= 0 {
		defaultTTL = 600 * time.Second
	}
	return &SudoWindow{
		windows:    make(map[string]time.Time),
		defaultTTL: defaultTTL,
		now:        time.Now,
	}
}

// Enable opens (or extends) the chat's window. TTL is clamped to at
// least one second; 0 uses the default.
func (s *SudoWindow) Enable(userID string, channel models.ChannelType, chatID string, ttl time.Duration) time.Duration {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	if ttl < time.Second {
		ttl = time.Second
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reapLocked()
	s.windows[windowKey(userID, channel, chatID)] = s.now().Add(ttl)
	return ttl
}

// Disable closes the chat's window.
func (s *SudoWindow) Disable(userID string, channel models.ChannelType, chatID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reapLocked()
	delete(s.windows, windowKey(userID, channel, chatID))
}

// Status reports whether the window is open and its remaining life.
func (s *SudoWindow) Status(userID string, channel models.ChannelType, chatID string) SudoStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reapLocked()
	exp, ok := s.windows[windowKey(userID, channel, chatID)]
	if !ok {
		return SudoStatus{}
	}
	return SudoStatus{
		Enabled:          true,
		RemainingSeconds: int(exp.Sub(s.now()).Seconds()),
	}
}

// IsEnabled reports whether the chat currently has an open window.
func (s *SudoWindow) IsEnabled(userID string, channel models.ChannelType, chatID string) bool {
	return s.Status(userID, channel, chatID).Enabled
}

func (s *SudoWindow) reapLocked() {
	now := s.now()
	for key, exp := range s.windows {
		if now.After(exp) {
			delete(s.windows, key)
		}
	}
}
