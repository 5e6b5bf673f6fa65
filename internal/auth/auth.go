// Package auth implements the channel-scoped whitelist, role lookups
// and the per-user rate limiter backing the gateway's auth middleware.
package auth

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/haasonsaas/kapy/pkg/models"
)

// Reason classifies the outcome of a Check call.
type Reason string

const (
	ReasonOK          Reason = "ok"
	ReasonUnknownUser Reason = "unknown_user"
	ReasonWrongChan   Reason = "wrong_channel"
	ReasonRateLimited Reason = "rate_limited"
)

// Decision is the result of an authorization check.
type Decision struct {
	Allowed bool
	Reason  Reason
}

// Service maintains the per-channel allowlists and role sets.
// All state mutations persist synchronously to the state file.
type Service struct {
	mu sync.Mutex

	channelAllowed map[models.ChannelType]map[string]bool
	adminUsers     map[string]bool
	systemAdmins   map[string]bool

	limiter   *rateLimiter
	statePath string
	logger    *slog.Logger
}

// Config configures the auth service.
type Config struct {
	StatePath string

	// RateLimitPerMinute caps requests per user in a sliding 60s
	// window. 0 disables rate limiting.
	RateLimitPerMinute int

	Logger *slog.Logger
}

// NewService loads persisted state (if any) and returns the service.
func NewService(cfg Config) (*Service, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		channelAllowed: make(map[models.ChannelType]map[string]bool),
		adminUsers:     make(map[string]bool),
		systemAdmins:   make(map[string]bool),
		limiter:        newRateLimiter(cfg.RateLimitPerMinute),
		statePath:      cfg.StatePath,
		logger:         logger.With("component", "auth"),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Check reports whether the user may talk to the gateway on the given
// channel.
func (s *Service) Check(userID string, channel models.ChannelType) Decision {
	s.mu.Lock()
	defer s.mu.Unlock()

	allowedHere := s.channelAllowed[channel][userID]
	if !allowedHere {
		for ch, users := range s.channelAllowed {
			if ch != channel && users[userID] {
				return Decision{Allowed: false, Reason: ReasonWrongChan}
			}
		}
		return Decision{Allowed: false, Reason: ReasonUnknownUser}
	}
	if !s.limiter.allow(userID) {
		return Decision{Allowed: false, Reason: ReasonRateLimited}
	}
	return Decision{Allowed: true, Reason: ReasonOK}
}

// AddUser grants a user access on a channel.
func (s *Service) AddUser(userID string, channel models.ChannelType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channelAllowed[channel] == nil {
		s.channelAllowed[channel] = make(map[string]bool)
	}
	s.channelAllowed[channel][userID] = true
	return s.persistLocked()
}

// RemoveUser revokes a user's access on a channel. Removing a user
// also revokes system admin.
func (s *Service) RemoveUser(userID string, channel models.ChannelType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.channelAllowed[channel], userID)
	delete(s.systemAdmins, userID)
	return s.persistLocked()
}

// AddAdmin marks a user as admin.
func (s *Service) AddAdmin(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.adminUsers[userID] = true
	return s.persistLocked()
}

// RemoveAdmin clears the admin role.
func (s *Service) RemoveAdmin(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.adminUsers, userID)
	return s.persistLocked()
}

// AddSystemAdmin marks a user as system admin.
func (s *Service) AddSystemAdmin(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.systemAdmins[userID] = true
	return s.persistLocked()
}

// RemoveSystemAdmin clears the system admin role.
func (s *Service) RemoveSystemAdmin(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.systemAdmins, userID)
	return s.persistLocked()
}

// IsAdmin reports whether the user holds the admin role.
func (s *Service) IsAdmin(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.adminUsers[userID]
}

// IsSystemAdmin reports whether the user holds the system admin role.
func (s *Service) IsSystemAdmin(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.systemAdmins[userID]
}

// AllowedUsers returns the sorted union of users across all channels.
func (s *Service) AllowedUsers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]bool)
	for _, users := range s.channelAllowed {
		for uid := range users {
			seen[uid] = true
		}
	}
	out := make([]string, 0, len(seen))
	for uid := range seen {
		out = append(out, uid)
	}
	sort.Strings(out)
	return out
}
