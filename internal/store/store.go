// Package store provides the durable persistence layer: sessions, message
// transcripts, overflow records, caller notes, and job records. Two
// implementations share the same method set, an in-memory store for tests
// and ephemeral deployments and a SQLite store for everything else.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/hoonlabs/agentd/pkg/models"
)

// ErrNotFound is returned when a keyed record does not exist.
var ErrNotFound = errors.New("store: not found")

// SessionStore persists conversation metadata and transcripts.
type SessionStore interface {
	CreateSession(ctx context.Context, session *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	ListSessions(ctx context.Context, user string) ([]*models.Session, error)
	DeleteSession(ctx context.Context, id string) error

	// AppendMessages adds messages to the end of a session's transcript.
	AppendMessages(ctx context.Context, sessionID string, msgs []models.Message) error

	// GetMessages returns the transcript in append order.
	GetMessages(ctx context.Context, sessionID string) ([]models.Message, error)

	// ReplaceMessages swaps the whole transcript, used after compaction
	// rewrites history.
	ReplaceMessages(ctx context.Context, sessionID string, msgs []models.Message) error
}

// OverflowStore persists full tool results truncated out of a conversation,
// keyed by (session id, call id). Content round-trips byte-exact.
type OverflowStore interface {
	SaveOverflow(ctx context.Context, rec *models.OverflowRecord) error
	GetOverflow(ctx context.Context, sessionID, callID string) (*models.OverflowRecord, error)
}

// NoteStore persists caller-scoped key/value notes, reloaded fresh on every
// loop run so edits land in the next turn's context.
type NoteStore interface {
	LoadNotes(ctx context.Context, user string) (map[string]string, error)
	SaveNote(ctx context.Context, user, key, value string) error
	DeleteNote(ctx context.Context, user, key string) error
}

// JobStore persists background job records.
type JobStore interface {
	CreateJob(ctx context.Context, job *models.Job) error
	UpdateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	ListJobs(ctx context.Context, limit, offset int) ([]*models.Job, error)

	// PruneJobs removes terminal jobs whose completion is older than the
	// retention window. Returns the number removed.
	PruneJobs(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Store is the full persistence surface.
type Store interface {
	SessionStore
	OverflowStore
	NoteStore
	JobStore

	Close() error
}
