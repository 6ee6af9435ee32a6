package persona

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

// ServiceName is the service registry key for the process *Store.
const ServiceName = "persona.store"

// Backend persists whole snapshots.
type Backend interface {
	// Load returns the stored snapshot, or an empty one for a fresh backend.
	Load(ctx context.Context) (Snapshot, error)
	// Save replaces the stored snapshot.
	Save(ctx context.Context, snapshot Snapshot) error
	// Close releases backend resources.
	Close() error
}

// Option configures a Store.
type Option func(*Store)

// WithLogger configures store logging.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Store owns personas and user assignments. Every mutation is persisted
// before it returns; a failed save leaves memory unchanged.
type Store struct {
	backend Backend
	logger  *slog.Logger

	mu     sync.RWMutex
	state  Snapshot
	closed bool
}

// Open loads the backend once and returns a ready store.
func Open(ctx context.Context, backend Backend, options ...Option) (*Store, error) {
	if backend == nil {
		return nil, fmt.Errorf("open persona store: nil backend")
	}

	store := &Store{
		backend: backend,
		logger:  slog.Default(),
	}
	for _, option := range options {
		option(store)
	}

	loaded, err := backend.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("open persona store: %w", err)
	}
	state := loaded.Clone()
	if dropped := state.normalize(); dropped > 0 {
		store.logger.WarnContext(ctx, "dropped assignments to missing personas", "count", dropped)
	}
	store.state = state
	store.logger.InfoContext(ctx, "persona store loaded",
		"personas", len(state.Personas),
		"assignments", len(state.Assignments),
		"next_id", state.NextID,
	)

	return store, nil
}

// Create stores a new persona under the next id.
func (s *Store) Create(ctx context.Context, draft Draft) (Persona, error) {
	draft = draft.Normalize()
	if err := draft.Validate(); err != nil {
		return Persona{}, fmt.Errorf("create persona: %w", err)
	}

	var created Persona
	err := s.mutate(ctx, func(next *Snapshot) error {
		created = Persona{ID: next.NextID, Name: draft.Name, AvatarURL: draft.AvatarURL}
		next.Personas[created.ID] = created
		next.NextID++

		return nil
	})
	if err != nil {
		return Persona{}, fmt.Errorf("create persona: %w", err)
	}

	return created, nil
}

// Edit overwrites name and avatar of an existing persona.
func (s *Store) Edit(ctx context.Context, id int64, draft Draft) (Persona, error) {
	draft = draft.Normalize()
	if err := draft.Validate(); err != nil {
		return Persona{}, fmt.Errorf("edit persona %d: %w", id, err)
	}

	var edited Persona
	err := s.mutate(ctx, func(next *Snapshot) error {
		if _, exists := next.Personas[id]; !exists {
			return fmt.Errorf("%w: id %d", ErrPersonaNotFound, id)
		}
		edited = Persona{ID: id, Name: draft.Name, AvatarURL: draft.AvatarURL}
		next.Personas[id] = edited

		return nil
	})
	if err != nil {
		return Persona{}, fmt.Errorf("edit persona %d: %w", id, err)
	}

	return edited, nil
}

// Delete removes a persona and clears it from every user that had it applied.
func (s *Store) Delete(ctx context.Context, id int64) (Persona, error) {
	var deleted Persona
	err := s.mutate(ctx, func(next *Snapshot) error {
		existing, exists := next.Personas[id]
		if !exists {
			return fmt.Errorf("%w: id %d", ErrPersonaNotFound, id)
		}
		deleted = existing
		delete(next.Personas, id)
		for userID, personaID := range next.Assignments {
			if personaID == id {
				delete(next.Assignments, userID)
			}
		}

		return nil
	})
	if err != nil {
		return Persona{}, fmt.Errorf("delete persona %d: %w", id, err)
	}

	return deleted, nil
}

// Assign applies personaID to userID, replacing any previous assignment.
func (s *Store) Assign(ctx context.Context, userID int64, personaID int64) error {
	err := s.mutate(ctx, func(next *Snapshot) error {
		if _, exists := next.Personas[personaID]; !exists {
			return fmt.Errorf("%w: id %d", ErrPersonaNotFound, personaID)
		}
		next.Assignments[userID] = personaID

		return nil
	})
	if err != nil {
		return fmt.Errorf("assign persona %d to user %d: %w", personaID, userID, err)
	}

	return nil
}

// Unassign removes the assignment of userID and reports whether one existed.
// Nothing is persisted when there was no assignment.
func (s *Store) Unassign(ctx context.Context, userID int64) (bool, error) {
	s.mu.RLock()
	_, assigned := s.state.Assignments[userID]
	s.mu.RUnlock()
	if !assigned {
		return false, nil
	}

	removed := false
	err := s.mutate(ctx, func(next *Snapshot) error {
		if _, exists := next.Assignments[userID]; exists {
			delete(next.Assignments, userID)
			removed = true
		}

		return nil
	})
	if err != nil {
		return false, fmt.Errorf("unassign user %d: %w", userID, err)
	}

	return removed, nil
}

// Resolve returns the persona applied to userID.
func (s *Store) Resolve(userID int64) (Persona, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	personaID, assigned := s.state.Assignments[userID]
	if !assigned {
		return Persona{}, false
	}
	found, exists := s.state.Personas[personaID]

	return found, exists
}

// Get returns the persona with id.
func (s *Store) Get(id int64) (Persona, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	found, exists := s.state.Personas[id]

	return found, exists
}

// List returns every persona ordered by id.
func (s *Store) List() []Persona {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return sortedPersonas(s.state.Personas)
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.state.Clone()
}

// Close closes the backend. Further mutations fail with ErrStoreClosed.
func (s *Store) Close(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	if err := s.backend.Close(); err != nil {
		return fmt.Errorf("close persona store: %w", err)
	}

	return nil
}

// mutate applies change to a copy of the state, persists it, and swaps it in.
func (s *Store) mutate(ctx context.Context, change func(next *Snapshot) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	next := s.state.Clone()
	if err := change(&next); err != nil {
		return err
	}
	if err := s.backend.Save(ctx, next); err != nil {
		return fmt.Errorf("persist: %w", err)
	}
	s.state = next

	return nil
}

func sortedPersonas(personas map[int64]Persona) []Persona {
	list := make([]Persona, 0, len(personas))
	for _, stored := range personas {
		list = append(list, stored)
	}
	slices.SortFunc(list, func(a, b Persona) int {
		return cmp.Compare(a.ID, b.ID)
	})

	return list
}
