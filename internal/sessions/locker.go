package sessions

import "sync"

// Locker provides per-session mutual exclusion with try-lock
// semantics. The dispatcher holds the lock for the whole turn; a
// second request for a busy session fails fast instead of queueing.
type Locker struct {
	mu   sync.Mutex
	held map[string]bool
}

// NewLocker creates an empty locker.
func NewLocker() *Locker {
	return &Locker{held: make(map[string]bool)}
}

// TryLock acquires the session lock if free. Returns false when the
// session already has an in-flight turn.
func (l *Locker) TryLock(sessionID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[sessionID] {
		return false
	}
	l.held[sessionID] = true
	return true
}

// Unlock releases the session lock. Unlocking a free session is a
// no-op.
func (l *Locker) Unlock(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, sessionID)
}

// Locked reports whether the session currently has an in-flight turn.
func (l *Locker) Locked(sessionID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held[sessionID]
}
