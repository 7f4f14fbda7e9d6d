package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hoonlabs/agentd/pkg/models"
)

// SQLite is a Store backed by a single SQLite database file.
// The modernc driver is pure Go; no cgo toolchain needed.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and runs migrations.
// Use ":memory:" for an ephemeral database in tests.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", path, err)
	}

	// A single writer keeps advisory locking meaningful; SQLite serializes
	// writes anyway and the busy timeout absorbs contention.
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	_, err := s.db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;

		CREATE TABLE IF NOT EXISTS sessions (
			id         TEXT PRIMARY KEY,
			user       TEXT NOT NULL DEFAULT '',
			title      TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);

		CREATE TABLE IF NOT EXISTS messages (
			seq          INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id   TEXT NOT NULL,
			role         TEXT NOT NULL,
			content      TEXT NOT NULL DEFAULT '',
			name         TEXT NOT NULL DEFAULT '',
			tool_call_id TEXT NOT NULL DEFAULT '',
			tool_calls   TEXT NOT NULL DEFAULT '',
			metadata     TEXT NOT NULL DEFAULT '',
			created_at   TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, seq);

		CREATE TABLE IF NOT EXISTS overflow (
			session_id TEXT NOT NULL,
			call_id    TEXT NOT NULL,
			tool_name  TEXT NOT NULL DEFAULT '',
			content    TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			PRIMARY KEY (session_id, call_id)
		);

		CREATE TABLE IF NOT EXISTS notes (
			user       TEXT NOT NULL,
			key        TEXT NOT NULL,
			value      TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			PRIMARY KEY (user, key)
		);

		CREATE TABLE IF NOT EXISTS jobs (
			id            TEXT PRIMARY KEY,
			session_id    TEXT NOT NULL DEFAULT '',
			user          TEXT NOT NULL DEFAULT '',
			state         TEXT NOT NULL,
			outcome       TEXT NOT NULL DEFAULT '',
			error         TEXT NOT NULL DEFAULT '',
			created_at    TIMESTAMP NOT NULL,
			started_at    TIMESTAMP,
			completed_at  TIMESTAMP,
			output_chunks TEXT NOT NULL DEFAULT '',
			tool_events   TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_created ON jobs(created_at);
	`)
	return err
}

func (s *SQLite) Close() error { return s.db.Close() }

// --- sessions ---

func (s *SQLite) CreateSession(ctx context.Context, session *models.Session) error {
	now := time.Now().UTC()
	createdAt := session.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	updatedAt := session.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO sessions (id, user, title, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		session.ID, session.User, session.Title, createdAt, updatedAt,
	)
	return err
}

func (s *SQLite) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT s.id, s.user, s.title, s.created_at, s.updated_at,
		       (SELECT COUNT(*) FROM messages m WHERE m.session_id = s.id)
		FROM sessions s WHERE s.id = ?`, id)

	var session models.Session
	err := row.Scan(&session.ID, &session.User, &session.Title,
		&session.CreatedAt, &session.UpdatedAt, &session.MessageCount)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *SQLite) ListSessions(ctx context.Context, user string) ([]*models.Session, error) {
	query := `
		SELECT s.id, s.user, s.title, s.created_at, s.updated_at,
		       (SELECT COUNT(*) FROM messages m WHERE m.session_id = s.id)
		FROM sessions s`
	args := []any{}
	if user != "" {
		query += ` WHERE s.user = ?`
		args = append(args, user)
	}
	query += ` ORDER BY s.updated_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*models.Session
	for rows.Next() {
		var session models.Session
		if err := rows.Scan(&session.ID, &session.User, &session.Title,
			&session.CreatedAt, &session.UpdatedAt, &session.MessageCount); err != nil {
			return nil, err
		}
		result = append(result, &session)
	}
	return result, rows.Err()
}

func (s *SQLite) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, id)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM overflow WHERE session_id = ?`, id)
	return err
}

// --- messages ---

func (s *SQLite) AppendMessages(ctx context.Context, sessionID string, msgs []models.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := insertMessages(ctx, tx, sessionID, msgs); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ? WHERE id = ?`, time.Now().UTC(), sessionID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLite) ReplaceMessages(ctx context.Context, sessionID string, msgs []models.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return err
	}
	if err := insertMessages(ctx, tx, sessionID, msgs); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ? WHERE id = ?`, time.Now().UTC(), sessionID); err != nil {
		return err
	}
	return tx.Commit()
}

func insertMessages(ctx context.Context, tx *sql.Tx, sessionID string, msgs []models.Message) error {
	for _, msg := range msgs {
		toolCalls := ""
		if len(msg.ToolCalls) > 0 {
			b, err := json.Marshal(msg.ToolCalls)
			if err != nil {
				return fmt.Errorf("encoding tool calls: %w", err)
			}
			toolCalls = string(b)
		}
		metadata := ""
		if len(msg.Metadata) > 0 {
			b, err := json.Marshal(msg.Metadata)
			if err != nil {
				return fmt.Errorf("encoding metadata: %w", err)
			}
			metadata = string(b)
		}
		createdAt := msg.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (session_id, role, content, name, tool_call_id, tool_calls, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			sessionID, string(msg.Role), msg.Content, msg.Name, msg.ToolCallID,
			toolCalls, metadata, createdAt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLite) GetMessages(ctx context.Context, sessionID string) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content, name, tool_call_id, tool_calls, metadata, created_at
		FROM messages WHERE session_id = ? ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []models.Message
	for rows.Next() {
		var msg models.Message
		var role, toolCalls, metadata string
		if err := rows.Scan(&role, &msg.Content, &msg.Name, &msg.ToolCallID,
			&toolCalls, &metadata, &msg.CreatedAt); err != nil {
			return nil, err
		}
		msg.Role = models.Role(role)
		msg.SessionID = sessionID
		if toolCalls != "" {
			if err := json.Unmarshal([]byte(toolCalls), &msg.ToolCalls); err != nil {
				return nil, fmt.Errorf("decoding tool calls: %w", err)
			}
		}
		if metadata != "" {
			if err := json.Unmarshal([]byte(metadata), &msg.Metadata); err != nil {
				return nil, fmt.Errorf("decoding metadata: %w", err)
			}
		}
		result = append(result, msg)
	}
	return result, rows.Err()
}

// --- overflow ---

func (s *SQLite) SaveOverflow(ctx context.Context, rec *models.OverflowRecord) error {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO overflow (session_id, call_id, tool_name, content, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		rec.SessionID, rec.CallID, rec.ToolName, rec.Content, createdAt)
	return err
}

func (s *SQLite) GetOverflow(ctx context.Context, sessionID, callID string) (*models.OverflowRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, call_id, tool_name, content, created_at
		FROM overflow WHERE session_id = ? AND call_id = ?`, sessionID, callID)

	var rec models.OverflowRecord
	err := row.Scan(&rec.SessionID, &rec.CallID, &rec.ToolName, &rec.Content, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// --- notes ---

func (s *SQLite) LoadNotes(ctx context.Context, user string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM notes WHERE user = ?`, user)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	notes := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		notes[k] = v
	}
	return notes, rows.Err()
}

func (s *SQLite) SaveNote(ctx context.Context, user, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO notes (user, key, value, updated_at)
		VALUES (?, ?, ?, ?)`, user, key, value, time.Now().UTC())
	return err
}

func (s *SQLite) DeleteNote(ctx context.Context, user, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM notes WHERE user = ? AND key = ?`, user, key)
	return err
}

// --- jobs ---

func (s *SQLite) CreateJob(ctx context.Context, job *models.Job) error {
	chunks, events, err := encodeJobBlobs(job)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO jobs
		  (id, session_id, user, state, outcome, error, created_at, started_at, completed_at, output_chunks, tool_events)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.SessionID, job.User, string(job.State), string(job.Outcome), job.Error,
		job.CreatedAt, job.StartedAt, job.CompletedAt, chunks, events)
	return err
}

func (s *SQLite) UpdateJob(ctx context.Context, job *models.Job) error {
	chunks, events, err := encodeJobBlobs(job)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET state = ?, outcome = ?, error = ?, started_at = ?, completed_at = ?,
		  output_chunks = ?, tool_events = ?
		WHERE id = ?`,
		string(job.State), string(job.Outcome), job.Error, job.StartedAt, job.CompletedAt,
		chunks, events, job.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) GetJob(ctx context.Context, id string) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, user, state, outcome, error, created_at, started_at, completed_at, output_chunks, tool_events
		FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return job, err
}

func (s *SQLite) ListJobs(ctx context.Context, limit, offset int) ([]*models.Job, error) {
	if limit <= 0 {
		limit = -1
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, user, state, outcome, error, created_at, started_at, completed_at, output_chunks, tool_events
		FROM jobs ORDER BY created_at ASC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, job)
	}
	return result, rows.Err()
}

func (s *SQLite) PruneJobs(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE state IN ('completed', 'failed', 'cancelled')
		  AND completed_at IS NOT NULL AND completed_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var job models.Job
	var state, outcome, chunks, events string
	var startedAt, completedAt sql.NullTime

	err := row.Scan(&job.ID, &job.SessionID, &job.User, &state, &outcome, &job.Error,
		&job.CreatedAt, &startedAt, &completedAt, &chunks, &events)
	if err != nil {
		return nil, err
	}

	job.State = models.JobState(state)
	job.Outcome = models.Outcome(outcome)
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	if chunks != "" {
		if err := json.Unmarshal([]byte(chunks), &job.OutputChunks); err != nil {
			return nil, fmt.Errorf("decoding output chunks: %w", err)
		}
	}
	if events != "" {
		if err := json.Unmarshal([]byte(events), &job.ToolEvents); err != nil {
			return nil, fmt.Errorf("decoding tool events: %w", err)
		}
	}
	return &job, nil
}

func encodeJobBlobs(job *models.Job) (string, string, error) {
	chunks := ""
	if len(job.OutputChunks) > 0 {
		b, err := json.Marshal(job.OutputChunks)
		if err != nil {
			return "", "", fmt.Errorf("encoding output chunks: %w", err)
		}
		chunks = string(b)
	}
	events := ""
	if len(job.ToolEvents) > 0 {
		b, err := json.Marshal(job.ToolEvents)
		if err != nil {
			return "", "", fmt.Errorf("encoding tool events: %w", err)
		}
		events = string(b)
	}
	return chunks, events, nil
}
