// Package sessions implements the persisted session store and the
// per-session mutual exclusion used by the dispatcher.
package sessions

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/kapy/pkg/models"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrWrongOwner      = errors.New("session belongs to another user")
)

// Store maintains the persisted map of session_id to ManagedSession
// together with the per-user and per-scope active pointers.
type Store struct {
	mu sync.Mutex

	sessions      map[string]*models.ManagedSession
	activeByUser  map[string]string
	activeByScope map[string]string

	maxPerUser        int
	cleanupAfterHours int
	statePath         string
	logger            *slog.Logger
	now               func() time.Time
}

// Config configures the session store.
type Config struct {
	StatePath string

	// MaxSessionsPerUser evicts the oldest session once exceeded.
	MaxSessionsPerUser int

	// CleanupInactiveAfterHours removes stale sessions on demand.
	// 0 disables cleanup.
	CleanupInactiveAfterHours int

	Logger *slog.Logger
}

// NewStore loads persisted state and returns the store.
func NewStore(cfg Config) (*Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxPerUser := cfg.MaxSessionsPerUser
	if maxPerUser <= 0 {
		maxPerUser = 5
	}
	s := &Store{
		sessions:          make(map[string]*models.ManagedSession),
		activeByUser:      make(map[string]string),
		activeByScope:     make(map[string]string),
		maxPerUser:        maxPerUser,
		cleanupAfterHours: cfg.CleanupInactiveAfterHours,
		statePath:         cfg.StatePath,
		logger:            logger.With("component", "sessions"),
		now:               time.Now,
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Create registers a new session and makes it active for both the
// user and the scope. When the user exceeds the per-user cap, the
// oldest session by last_active is evicted first.
func (s *Store) Create(userID, chatID, scopeID, agentName string) (*models.ManagedSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.evictOldestLocked(userID)

	id, err := s.uniqueIDLocked()
	if err != nil {
		return nil, err
	}
	now := s.now()
	sess := &models.ManagedSession{
		SessionID:  id,
		UserID:     userID,
		ChatID:     chatID,
		ScopeID:    scopeID,
		AgentName:  agentName,
		Params:     make(map[string]string),
		CreatedAt:  now,
		LastActive: now,
	}
	s.sessions[id] = sess
	s.activeByUser[userID] = id
	s.activeByScope[scopeID] = id
	s.persistLocked()
	return sess.Clone(), nil
}

// Get returns the session by id.
func (s *Store) Get(sessionID string) (*models.ManagedSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess.Clone(), nil
}

// ListUserSessions returns the user's sessions sorted by last_active,
// newest first.
func (s *Store) ListUserSessions(userID string) []*models.ManagedSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.ManagedSession
	for _, sess := range s.sessions {
		if sess.UserID == userID {
			out = append(out, sess.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActive.After(out[j].LastActive)
	})
	return out
}

// ActiveSession returns the user's active session, if any.
func (s *Store) ActiveSession(userID string) (*models.ManagedSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[s.activeByUser[userID]]
	if !ok {
		return nil, false
	}
	return sess.Clone(), true
}

// ActiveSessionForScope returns the scope's active session, if any.
func (s *Store) ActiveSessionForScope(scopeID string) (*models.ManagedSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[s.activeByScope[scopeID]]
	if !ok {
		return nil, false
	}
	return sess.Clone(), true
}

// Switch makes the given session active for the user and its scope.
func (s *Store) Switch(userID, sessionID string) (*models.ManagedSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if sess.UserID != userID {
		return nil, ErrWrongOwner
	}
	s.activeByUser[userID] = sessionID
	s.activeByScope[sess.ScopeID] = sessionID
	s.persistLocked()
	return sess.Clone(), nil
}

// SwitchForScope makes the session active for its scope only.
func (s *Store) SwitchForScope(scopeID, sessionID string) (*models.ManagedSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	s.activeByScope[scopeID] = sessionID
	s.persistLocked()
	return sess.Clone(), nil
}

// Touch bumps last_active.
func (s *Store) Touch(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[sessionID]; ok {
		sess.LastActive = s.now()
		s.persistLocked()
	}
}

// UpdateModel sets the session's model alias.
func (s *Store) UpdateModel(sessionID, model string) error {
	return s.mutate(sessionID, func(sess *models.ManagedSession) {
		sess.Model = model
	})
}

// UpdateParam sets one free-form parameter.
func (s *Store) UpdateParam(sessionID, key, value string) error {
	return s.mutate(sessionID, func(sess *models.ManagedSession) {
		if sess.Params == nil {
			sess.Params = make(map[string]string)
		}
		sess.Params[key] = value
	})
}

// ResetParams clears all parameters.
func (s *Store) ResetParams(sessionID string) error {
	return s.mutate(sessionID, func(sess *models.ManagedSession) {
		sess.Params = make(map[string]string)
	})
}

// UpdateName sets the human label.
func (s *Store) UpdateName(sessionID, name string) error {
	return s.mutate(sessionID, func(sess *models.ManagedSession) {
		sess.Name = name
	})
}

// AddHistory appends one role/content pair, capped at
// models.MaxHistoryEntries.
func (s *Store) AddHistory(sessionID, role, content string) error {
	return s.mutate(sessionID, func(sess *models.ManagedSession) {
		sess.History = append(sess.History, models.HistoryEntry{Role: role, Content: content})
		if n := len(sess.History); n > models.MaxHistoryEntries {
			sess.History = sess.History[n-models.MaxHistoryEntries:]
		}
	})
}

// History returns the session's recent turns.
func (s *Store) History(sessionID string) ([]models.HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return append([]models.HistoryEntry(nil), sess.History...), nil
}

// Destroy removes the session and clears any active pointers to it.
func (s *Store) Destroy(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	delete(s.sessions, sessionID)
	s.dropPointersLocked(sess)
	s.persistLocked()
	return nil
}

// CleanupInactive removes sessions idle longer than the configured
// threshold. Returns the removed session ids.
func (s *Store) CleanupInactive() []string {
	if s.cleanupAfterHours <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-time.Duration(s.cleanupAfterHours) * time.Hour)
	var removed []string
	for id, sess := range s.sessions {
		if sess.LastActive.Before(cutoff) {
			delete(s.sessions, id)
			s.dropPointersLocked(sess)
			removed = append(removed, id)
		}
	}
	if len(removed) > 0 {
		s.persistLocked()
	}
	return removed
}

func (s *Store) mutate(sessionID string, fn func(*models.ManagedSession)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	fn(sess)
	s.persistLocked()
	return nil
}

func (s *Store) dropPointersLocked(sess *models.ManagedSession) {
	if s.activeByUser[sess.UserID] == sess.SessionID {
		delete(s.activeByUser, sess.UserID)
	}
	if s.activeByScope[sess.ScopeID] == sess.SessionID {
		delete(s.activeByScope, sess.ScopeID)
	}
}

// evictOldestLocked keeps the user at or below the per-user cap,
// assuming one new session is about to be created.
func (s *Store) evictOldestLocked(userID string) {
	var owned []*models.ManagedSession
	for _, sess := range s.sessions {
		if sess.UserID == userID {
			owned = append(owned, sess)
		}
	}
	if len(owned) < s.maxPerUser {
		return
	}
	sort.Slice(owned, func(i, j int) bool {
		return owned[i].LastActive.Before(owned[j].LastActive)
	})
	for len(owned) >= s.maxPerUser {
		victim := owned[0]
		owned = owned[1:]
		delete(s.sessions, victim.SessionID)
		s.dropPointersLocked(victim)
		s.logger.Info("evicted session", "session_id", victim.SessionID, "user_id", userID)
	}
}

func (s *Store) uniqueIDLocked() (string, error) {
	for i := 0; i < 16; i++ {
		id, err := GenerateSessionID()
		if err != nil {
			return "", err
		}
		if _, exists := s.sessions[id]; !exists {
			return id, nil
		}
	}
	return "", fmt.Errorf("could not allocate unique session id")
}
