// Package sessions manages conversation lifecycles. Every write to a
// session (metadata or transcript) goes through a per-session advisory
// lock so concurrent runs cannot interleave partial updates.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hoonlabs/agentd/internal/store"
	"github.com/hoonlabs/agentd/pkg/models"
)

// Service is the session facade used by the agent loop and the gateway.
// Reads hit the store directly; writes acquire the session's lock first.
type Service struct {
	store  store.SessionStore
	locks  *LockManager
	holder string
}

// NewService creates a session service. The holder string identifies
// this writer in lock diagnostics (e.g. "agentd-1").
func NewService(st store.SessionStore, locks *LockManager, holder string) *Service {
	if locks == nil {
		locks = NewLockManager(0)
	}
	if holder == "" {
		holder = "agentd"
	}
	return &Service{store: st, locks: locks, holder: holder}
}

// Locks exposes the underlying lock manager so the agent loop can hold
// a session's lock across a whole run rather than per write.
func (s *Service) Locks() *LockManager {
	return s.locks
}

// Create creates a new session for the user. A zero ID gets a generated
// UUID; timestamps are filled if unset.
func (s *Service) Create(ctx context.Context, user, title string) (*models.Session, error) {
	now := time.Now().UTC()
	session := &models.Session{
		ID:        uuid.NewString(),
		User:      user,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}

	release, err := s.locks.Acquire(ctx, session.ID, s.holder, 0)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := s.store.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return session, nil
}

// Ensure returns the session, creating it with the given title when it
// does not exist yet. Used by the loop so a first message on a fresh id
// auto-creates its session.
func (s *Service) Ensure(ctx context.Context, id, user, title string) (*models.Session, error) {
	session, err := s.store.GetSession(ctx, id)
	if err == nil {
		return session, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	release, lockErr := s.locks.Acquire(ctx, id, s.holder, 0)
	if lockErr != nil {
		return nil, lockErr
	}
	defer release()

	// Re-check under the lock; another writer may have won the race.
	if session, err = s.store.GetSession(ctx, id); err == nil {
		return session, nil
	}

	now := time.Now().UTC()
	session = &models.Session{
		ID:        id,
		User:      user,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return session, nil
}

// Get returns a session by id.
func (s *Service) Get(ctx context.Context, id string) (*models.Session, error) {
	return s.store.GetSession(ctx, id)
}

// List returns the user's sessions.
func (s *Service) List(ctx context.Context, user string) ([]*models.Session, error) {
	return s.store.ListSessions(ctx, user)
}

// Delete removes a session and its transcript.
func (s *Service) Delete(ctx context.Context, id string) error {
	release, err := s.locks.Acquire(ctx, id, s.holder, 0)
	if err != nil {
		return err
	}
	defer release()

	return s.store.DeleteSession(ctx, id)
}

// Append adds messages to the end of the transcript under the session lock.
func (s *Service) Append(ctx context.Context, sessionID string, msgs []models.Message) error {
	release, err := s.locks.Acquire(ctx, sessionID, s.holder, 0)
	if err != nil {
		return err
	}
	defer release()

	return s.store.AppendMessages(ctx, sessionID, msgs)
}

// Messages returns the transcript in append order.
func (s *Service) Messages(ctx context.Context, sessionID string) ([]models.Message, error) {
	return s.store.GetMessages(ctx, sessionID)
}

// Replace swaps the whole transcript under the session lock.
func (s *Service) Replace(ctx context.Context, sessionID string, msgs []models.Message) error {
	release, err := s.locks.Acquire(ctx, sessionID, s.holder, 0)
	if err != nil {
		return err
	}
	defer release()

	return s.store.ReplaceMessages(ctx, sessionID, msgs)
}

// WithLock runs fn while holding the session's write lock. The agent
// loop uses this for the read-mutate-persist sequence at the end of a
// run so no other writer can slip between the read and the write.
func (s *Service) WithLock(ctx context.Context, sessionID string, fn func(store.SessionStore) error) error {
	release, err := s.locks.Acquire(ctx, sessionID, s.holder, 0)
	if err != nil {
		return err
	}
	defer release()

	return fn(s.store)
}
