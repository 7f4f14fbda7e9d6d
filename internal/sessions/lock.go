package sessions

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrLockTimeout is returned when acquiring a lock times out.
	ErrLockTimeout = errors.New("sessions: lock acquisition timeout")

	// ErrLockHeld is returned when a lock is already held by another writer.
	ErrLockHeld = errors.New("sessions: lock held by another writer")
)

// sessionLock is a channel-based mutex. The single token in ch is the
// lock; mu only guards the holder metadata.
type sessionLock struct {
	ch       chan struct{}
	mu       sync.Mutex
	holder   string
	acquired time.Time
}

// LockManager hands out per-session write locks. Only one writer may
// hold a session's lock at a time; readers never block.
//
// Thread Safety:
// LockManager is safe for concurrent use.
type LockManager struct {
	locks      map[string]*sessionLock
	mu         sync.RWMutex
	defaultTTL time.Duration
}

// NewLockManager creates a lock manager with the given default wait timeout.
func NewLockManager(defaultTTL time.Duration) *LockManager {
	if defaultTTL <= 0 {
		defaultTTL = 30 * time.Second
	}

	mgr := &LockManager{
		locks:      make(map[string]*sessionLock),
		defaultTTL: defaultTTL,
	}

	go mgr.cleanupLoop()

	return mgr
}

// Acquire attempts to acquire the write lock for a session.
// If the lock is held, it waits up to timeout (or the manager default
// when timeout <= 0). Returns a release function that must be called
// when done writing.
func (m *LockManager) Acquire(ctx context.Context, sessionID, holder string, timeout time.Duration) (func(), error) {
	if timeout <= 0 {
		timeout = m.defaultTTL
	}

	lock := m.lockFor(sessionID)

	select {
	case lock.ch <- struct{}{}:
	default:
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case lock.ch <- struct{}{}:
		case <-timer.C:
			return nil, ErrLockTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	lock.setHolder(holder)
	return func() { lock.release() }, nil
}

// TryAcquire attempts to acquire the write lock without waiting.
// Returns false if the lock is already held.
func (m *LockManager) TryAcquire(sessionID, holder string) (func(), bool) {
	lock := m.lockFor(sessionID)

	select {
	case lock.ch <- struct{}{}:
	default:
		return nil, false
	}

	lock.setHolder(holder)
	return func() { lock.release() }, true
}

// IsLocked reports whether the session's write lock is currently held.
func (m *LockManager) IsLocked(sessionID string) bool {
	m.mu.RLock()
	lock, ok := m.locks[sessionID]
	m.mu.RUnlock()

	if !ok {
		return false
	}
	return len(lock.ch) > 0
}

// Holder returns the identity of the current lock holder, if any.
func (m *LockManager) Holder(sessionID string) (holder string, since time.Time, locked bool) {
	m.mu.RLock()
	lock, ok := m.locks[sessionID]
	m.mu.RUnlock()

	if !ok {
		return "", time.Time{}, false
	}

	lock.mu.Lock()
	defer lock.mu.Unlock()
	return lock.holder, lock.acquired, len(lock.ch) > 0
}

func (m *LockManager) lockFor(sessionID string) *sessionLock {
	m.mu.Lock()
	defer m.mu.Unlock()

	lock, ok := m.locks[sessionID]
	if !ok {
		lock = &sessionLock{ch: make(chan struct{}, 1)}
		m.locks[sessionID] = lock
	}
	return lock
}

func (l *sessionLock) setHolder(holder string) {
	l.mu.Lock()
	l.holder = holder
	l.acquired = time.Now()
	l.mu.Unlock()
}

// release is idempotent so a doubled call cannot strand a later writer.
func (l *sessionLock) release() {
	l.mu.Lock()
	l.holder = ""
	l.mu.Unlock()

	select {
	case <-l.ch:
	default:
	}
}

// cleanupLoop periodically drops idle lock entries so the map does not
// grow without bound across many short-lived sessions.
func (m *LockManager) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		m.cleanup()
	}
}

func (m *LockManager) cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-10 * time.Minute)

	for id, lock := range m.locks {
		lock.mu.Lock()
		idle := len(lock.ch) == 0 && lock.acquired.Before(cutoff)
		lock.mu.Unlock()
		if idle {
			delete(m.locks, id)
		}
	}
}
