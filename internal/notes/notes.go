// Package notes manages caller-scoped key/value memory. Entries are
// injected into the dynamic system context on every run, giving the
// model continuity across conversations.
package notes

import (
	"context"
	"fmt"
	"strings"

	"github.com/hoonlabs/agentd/internal/store"
)

const (
	// MaxEntries caps how many notes one caller can hold.
	MaxEntries = 100

	// MaxValueLength caps a single note value; longer values are clipped.
	MaxValueLength = 1000
)

// Service enforces note limits over the backing store.
type Service struct {
	store store.NoteStore
}

// NewService creates a notes service.
func NewService(st store.NoteStore) *Service {
	return &Service{store: st}
}

// Get returns one note value.
func (s *Service) Get(ctx context.Context, user, key string) (string, bool, error) {
	notes, err := s.store.LoadNotes(ctx, user)
	if err != nil {
		return "", false, err
	}
	v, ok := notes[strings.TrimSpace(key)]
	return v, ok, nil
}

// Set writes a note. The key must be non-empty after trimming; values
// over MaxValueLength are clipped rather than rejected so the model's
// write still lands.
func (s *Service) Set(ctx context.Context, user, key, value string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("notes: key cannot be empty")
	}
	if len(value) > MaxValueLength {
		value = value[:MaxValueLength]
	}

	existing, err := s.store.LoadNotes(ctx, user)
	if err != nil {
		return err
	}
	if _, present := existing[key]; !present && len(existing) >= MaxEntries {
		return fmt.Errorf("notes: memory is full (%d entries); delete one first", MaxEntries)
	}

	return s.store.SaveNote(ctx, user, key, value)
}

// List returns all of the caller's notes.
func (s *Service) List(ctx context.Context, user string) (map[string]string, error) {
	return s.store.LoadNotes(ctx, user)
}

// Delete removes a note. Deleting a missing key is reported so the
// model gets feedback instead of silent success.
func (s *Service) Delete(ctx context.Context, user, key string) error {
	key = strings.TrimSpace(key)
	existing, err := s.store.LoadNotes(ctx, user)
	if err != nil {
		return err
	}
	if _, present := existing[key]; !present {
		return fmt.Errorf("notes: no entry for key %q", key)
	}
	return s.store.DeleteNote(ctx, user, key)
}
