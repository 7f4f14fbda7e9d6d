package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hoonlabs/agentd/pkg/models"
)

// Memory is an in-memory Store. Safe for concurrent use.
type Memory struct {
	mu sync.RWMutex

	sessions map[string]*models.Session
	messages map[string][]models.Message
	overflow map[overflowKey]*models.OverflowRecord
	notes    map[string]map[string]string

	jobs    map[string]*models.Job
	jobKeys []string
}

type overflowKey struct {
	sessionID string
	callID    string
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[string]*models.Session),
		messages: make(map[string][]models.Message),
		overflow: make(map[overflowKey]*models.OverflowRecord),
		notes:    make(map[string]map[string]string),
		jobs:     make(map[string]*models.Job),
	}
}

func (m *Memory) Close() error { return nil }

// --- sessions ---

func (m *Memory) CreateSession(_ context.Context, session *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := *session
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = s.CreatedAt
	}
	m.sessions[s.ID] = &s
	return nil
}

func (m *Memory) GetSession(_ context.Context, id string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *s
	out.MessageCount = len(m.messages[id])
	return &out, nil
}

func (m *Memory) ListSessions(_ context.Context, user string) ([]*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*models.Session
	for _, s := range m.sessions {
		if user != "" && s.User != user {
			continue
		}
		out := *s
		out.MessageCount = len(m.messages[s.ID])
		result = append(result, &out)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})
	return result, nil
}

func (m *Memory) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(m.sessions, id)
	delete(m.messages, id)
	for key := range m.overflow {
		if key.sessionID == id {
			delete(m.overflow, key)
		}
	}
	return nil
}

// --- messages ---

func (m *Memory) AppendMessages(_ context.Context, sessionID string, msgs []models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[sessionID] = append(m.messages[sessionID], cloneMessages(msgs)...)
	if s, ok := m.sessions[sessionID]; ok {
		s.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (m *Memory) GetMessages(_ context.Context, sessionID string) ([]models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneMessages(m.messages[sessionID]), nil
}

func (m *Memory) ReplaceMessages(_ context.Context, sessionID string, msgs []models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[sessionID] = cloneMessages(msgs)
	if s, ok := m.sessions[sessionID]; ok {
		s.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func cloneMessages(msgs []models.Message) []models.Message {
	if msgs == nil {
		return nil
	}
	out := make([]models.Message, len(msgs))
	copy(out, msgs)
	for i := range out {
		if len(msgs[i].ToolCalls) > 0 {
			out[i].ToolCalls = append([]models.ToolCall(nil), msgs[i].ToolCalls...)
		}
	}
	return out
}

// --- overflow ---

func (m *Memory) SaveOverflow(_ context.Context, rec *models.OverflowRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := *rec
	m.overflow[overflowKey{rec.SessionID, rec.CallID}] = &r
	return nil
}

func (m *Memory) GetOverflow(_ context.Context, sessionID, callID string) (*models.OverflowRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.overflow[overflowKey{sessionID, callID}]
	if !ok {
		return nil, ErrNotFound
	}
	out := *rec
	return &out, nil
}

// --- notes ---

func (m *Memory) LoadNotes(_ context.Context, user string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.notes[user]))
	for k, v := range m.notes[user] {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) SaveNote(_ context.Context, user, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.notes[user] == nil {
		m.notes[user] = make(map[string]string)
	}
	m.notes[user][key] = value
	return nil
}

func (m *Memory) DeleteNote(_ context.Context, user, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.notes[user], key)
	return nil
}

// --- jobs ---

func (m *Memory) CreateJob(_ context.Context, job *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.jobs[job.ID]; !exists {
		m.jobKeys = append(m.jobKeys, job.ID)
	}
	m.jobs[job.ID] = job.Clone()
	return nil
}

func (m *Memory) UpdateJob(_ context.Context, job *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; !ok {
		return ErrNotFound
	}
	m.jobs[job.ID] = job.Clone()
	return nil
}

func (m *Memory) GetJob(_ context.Context, id string) (*models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return job.Clone(), nil
}

func (m *Memory) ListJobs(_ context.Context, limit, offset int) ([]*models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if offset < 0 {
		offset = 0
	}
	if offset >= len(m.jobKeys) {
		return nil, nil
	}
	end := len(m.jobKeys)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	result := make([]*models.Job, 0, end-offset)
	for _, id := range m.jobKeys[offset:end] {
		if job, ok := m.jobs[id]; ok {
			result = append(result, job.Clone())
		}
	}
	return result, nil
}

func (m *Memory) PruneJobs(_ context.Context, olderThan time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	var pruned int64
	var kept []string

	for _, id := range m.jobKeys {
		job, ok := m.jobs[id]
		if !ok {
			continue
		}
		if job.State.Terminal() && job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
			delete(m.jobs, id)
			pruned++
		} else {
			kept = append(kept, id)
		}
	}
	m.jobKeys = kept
	return pruned, nil
}
