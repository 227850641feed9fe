package entrystore

import (
	"fmt"
	"regexp"
	"sync"
)

// ErrNotFound is returned when a path or id has no live entry.
var ErrNotFound = fmt.Errorf("entry not found")

// ErrAlreadyExists is returned by Create when a path is already
// registered with metadata that differs from what was requested.
var ErrAlreadyExists = fmt.Errorf("entry exists with different metadata")

// Store is the concurrent, path-indexed signal registry (spec §4.4):
// two indices (id→Entry, path→id) guarded by one RWMutex, so readers
// never observe a half-applied batch (spec §3 Lifecycle invariant).
type Store struct {
	mu     sync.RWMutex
	byID   map[int64]*Entry
	byPath map[string]int64
	nextID int64
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		byID:   make(map[int64]*Entry),
		byPath: make(map[string]int64),
	}
}

// GetByID returns a consistent snapshot of the entry with the given id.
func (s *Store) GetByID(id int64) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e.clone(), nil
}

// GetByPath returns a consistent snapshot of the entry at path.
func (s *Store) GetByPath(path string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byPath[path]
	if !ok {
		return nil, ErrNotFound
	}
	return s.byID[id].clone(), nil
}

// ResolveID resolves a path to its id without copying the entry.
func (s *Store) ResolveID(path string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byPath[path]
	if !ok {
		return 0, ErrNotFound
	}
	return id, nil
}

// List returns snapshots of every live entry whose path matches filter
// (nil filter means "all entries").
func (s *Store) List(filter *regexp.Regexp) []*Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Entry, 0, len(s.byID))
	for _, e := range s.byID {
		if filter == nil || filter.MatchString(e.Meta.Path) {
			out = append(out, e.clone())
		}
	}
	return out
}

// Txn exposes mutable access to the store's internal (uncopied)
// entries for the duration of a single Mutate call; the caller
// (principally the Update Pipeline) must not retain pointers obtained
// from a Txn after Mutate returns.
type Txn struct {
	store *Store
}

// Get returns the live entry for id, or nil if absent. The returned
// pointer is the store's own record — callers may mutate its
// CurrentValue/ActuatorTarget/Metadata fields directly, matching the
// teacher's pattern of a mutex-guarded struct retrieved then mutated
// under the same lock (backend/manager.go's sourceState).
func (tx *Txn) Get(id int64) *Entry {
	return tx.store.byID[id]
}

// GetByPath resolves path under the held lock.
func (tx *Txn) GetByPath(path string) *Entry {
	id, ok := tx.store.byPath[path]
	if !ok {
		return nil
	}
	return tx.store.byID[id]
}

// Create registers path with the given metadata, returning the
// existing entry's id if path is already registered with identical
// metadata (idempotent re-add, spec §4.4), or ErrAlreadyExists if the
// metadata conflicts.
func (tx *Txn) Create(meta Metadata) (*Entry, error) {
	s := tx.store
	if id, ok := s.byPath[meta.Path]; ok {
		existing := s.byID[id]
		if sameMetadata(existing.Meta, meta) {
			return existing, nil
		}
		return nil, ErrAlreadyExists
	}
	s.nextID++
	id := s.nextID
	e := &Entry{ID: id, Meta: meta}
	s.byID[id] = e
	s.byPath[meta.Path] = id
	return e, nil
}

// Mutate runs fn holding the store's write lock for its entire
// duration: the single atomic section spec.md §4.5 and §5 require for
// batched commits. No reader can observe a partially-applied batch.
func (s *Store) Mutate(fn func(tx *Txn)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&Txn{store: s})
}

// UpdateDescription updates an entry's free-text description.
func (s *Store) UpdateDescription(id int64, description string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	e.Meta.Description = description
	return nil
}

// UpdateUnit updates an entry's unit string.
func (s *Store) UpdateUnit(id int64, unit string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	e.Meta.Unit = unit
	return nil
}

// UpdateAllowed replaces an entry's admissible-value constraint.
func (s *Store) UpdateAllowed(id int64, allowed *Allowed) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	e.Meta.Allowed = allowed
	return nil
}

// Len returns the number of live entries (used by metrics and tests).
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}
