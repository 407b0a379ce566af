package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/kalambet/anamnesis/internal/storage"
)

const (
	// IndexKey holds the JSON array of Metadata.
	IndexKey = "anamnesis_index"
	// RecordPrefix prefixes the per-session record keys.
	RecordPrefix = "anamnesis_session_"
)

var (
	// ErrNotFound is returned by Load when no record exists for the id.
	ErrNotFound = errors.New("session not found")
	// ErrCorrupt is returned by Load when the record cannot be decoded.
	ErrCorrupt = errors.New("session record corrupt")
)

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Store keeps the session index and the per-session records consistent.
// Save and Delete are the only mutating operations.
type Store struct {
	backend storage.Backend
	clock   Clock
	logger  *slog.Logger

	// mu serializes read-modify-write of the index.
	mu sync.Mutex
}

// NewStore creates a Store over backend.
func NewStore(backend storage.Backend, logger *slog.Logger) *Store {
	return NewStoreWithClock(backend, realClock{}, logger)
}

// NewStoreWithClock creates a Store with a custom clock (for testing).
func NewStoreWithClock(backend storage.Backend, clock Clock, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{backend: backend, clock: clock, logger: logger}
}

func recordKey(id string) string {
	return RecordPrefix + id
}

// List returns the index, most recently updated first. A missing or
// unreadable index yields an empty list.
func (s *Store) List(ctx context.Context) []Metadata {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.readIndex(ctx)
	if err != nil {
		s.logger.Warn("session index unreadable, treating as empty", "error", err)
		return []Metadata{}
	}
	return index
}

// Load returns the full record for id.
func (s *Store) Load(ctx context.Context, id string) (SavedState, error) {
	raw, err := s.backend.Get(ctx, recordKey(id))
	if errors.Is(err, storage.ErrNotFound) {
		return SavedState{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return SavedState{}, fmt.Errorf("loading session %s: %w", id, err)
	}

	var state SavedState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return SavedState{}, fmt.Errorf("%w: %s: %v", ErrCorrupt, id, err)
	}
	if state.ID == "" {
		state.ID = id
	}
	if !state.Step.Valid() {
		return SavedState{}, fmt.Errorf("%w: %s: unknown step %q", ErrCorrupt, id, state.Step)
	}
	if state.Messages == nil {
		state.Messages = []Message{}
	}
	return state, nil
}

// Save stamps state.UpdatedAt, writes the record and upserts its projection
// into the index. It returns the state as written.
func (s *Store) Save(ctx context.Context, state SavedState) (SavedState, error) {
	if state.ID == "" {
		return SavedState{}, errors.New("saving session: empty id")
	}
	if state.Name == "" {
		state.Name = DefaultName
	}
	if state.Messages == nil {
		state.Messages = []Message{}
	}
	state.UpdatedAt = s.clock.Now().UnixMilli()

	data, err := json.Marshal(state)
	if err != nil {
		return SavedState{}, fmt.Errorf("encoding session %s: %w", state.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.backend.Set(ctx, recordKey(state.ID), string(data)); err != nil {
		return SavedState{}, fmt.Errorf("saving session %s: %w", state.ID, err)
	}

	index, err := s.readIndex(ctx)
	if err != nil {
		s.logger.Warn("session index unreadable, rebuilding", "error", err)
		index = []Metadata{}
	}

	entry := state.Projection()
	replaced := false
	for i := range index {
		if index[i].ID == entry.ID {
			index[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		index = append(index, entry)
	}
	sort.SliceStable(index, func(i, j int) bool {
		return index[i].UpdatedAt > index[j].UpdatedAt
	})

	if err := s.writeIndex(ctx, index); err != nil {
		return SavedState{}, err
	}
	return state, nil
}

// Delete removes the index entry and the record for id. Deleting an unknown
// id is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.readIndex(ctx)
	if err != nil {
		s.logger.Warn("session index unreadable during delete", "id", id, "error", err)
		index = []Metadata{}
	}

	kept := index[:0]
	for _, m := range index {
		if m.ID != id {
			kept = append(kept, m)
		}
	}
	if err := s.writeIndex(ctx, kept); err != nil {
		return err
	}
	if err := s.backend.Delete(ctx, recordKey(id)); err != nil {
		return fmt.Errorf("deleting session %s: %w", id, err)
	}
	return nil
}

// readIndex must be called with mu held. A missing index is empty.
func (s *Store) readIndex(ctx context.Context) ([]Metadata, error) {
	raw, err := s.backend.Get(ctx, IndexKey)
	if errors.Is(err, storage.ErrNotFound) {
		return []Metadata{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading session index: %w", err)
	}

	var index []Metadata
	if err := json.Unmarshal([]byte(raw), &index); err != nil {
		return nil, fmt.Errorf("decoding session index: %w", err)
	}
	if index == nil {
		index = []Metadata{}
	}
	return index, nil
}

func (s *Store) writeIndex(ctx context.Context, index []Metadata) error {
	data, err := json.Marshal(index)
	if err != nil {
		return fmt.Errorf("encoding session index: %w", err)
	}
	if err := s.backend.Set(ctx, IndexKey, string(data)); err != nil {
		return fmt.Errorf("writing session index: %w", err)
	}
	return nil
}
