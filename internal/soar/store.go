package soar

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Observer is notified with a snapshot after every execution change.
// Observers run while the execution's lock is held, so snapshots of one
// execution arrive in order; they must not call back into the Store.
type Observer interface {
	ExecutionChanged(exec *Execution)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(exec *Execution)

// ExecutionChanged calls f.
func (f ObserverFunc) ExecutionChanged(exec *Execution) {
	f(exec)
}

type entry struct {
	mu   sync.Mutex
	exec *Execution
}

// Store holds executions. The map lock only guards membership; each
// execution has its own lock so unrelated executions never contend.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry

	obsMu     sync.RWMutex
	observers []Observer
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{entries: make(map[string]*entry)}
}

// AddObserver registers an observer. Call before executions are created.
func (s *Store) AddObserver(o Observer) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	s.observers = append(s.observers, o)
}

func (s *Store) notify(exec *Execution) {
	s.obsMu.RLock()
	observers := s.observers
	s.obsMu.RUnlock()
	for _, o := range observers {
		o.ExecutionChanged(exec.Clone())
	}
}

// Create adds a new execution.
func (s *Store) Create(exec *Execution) error {
	e := &entry{exec: exec.Clone()}
	e.mu.Lock()
	defer e.mu.Unlock()

	s.mu.Lock()
	if _, exists := s.entries[exec.ID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrExecutionExists, exec.ID)
	}
	s.entries[exec.ID] = e
	s.mu.Unlock()

	s.notify(e.exec)
	return nil
}

func (s *Store) lookup(id string) (*entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
	}
	return e, nil
}

// Get returns a snapshot of an execution.
func (s *Store) Get(id string) (*Execution, error) {
	e, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exec.Clone(), nil
}

// Update applies fn to an execution atomically with respect to readers of
// the same id and returns the resulting snapshot. If fn fails, nothing is
// notified; fn must not keep references to the execution.
func (s *Store) Update(id string, fn func(exec *Execution) error) (*Execution, error) {
	e, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := fn(e.exec); err != nil {
		return e.exec.Clone(), err
	}
	s.notify(e.exec)
	return e.exec.Clone(), nil
}

// ListFilter narrows List results.
type ListFilter struct {
	Status     Status
	PlaybookID string
	Limit      int
}

// List returns snapshots newest first.
func (s *Store) List(filter ListFilter) []*Execution {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	var out []*Execution
	for _, e := range entries {
		e.mu.Lock()
		match := (filter.Status == "" || e.exec.Status == filter.Status) &&
			(filter.PlaybookID == "" || e.exec.PlaybookID == filter.PlaybookID)
		if match {
			out = append(out, e.exec.Clone())
		}
		e.mu.Unlock()
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

// Counts returns the number of executions per status.
func (s *Store) Counts() map[Status]int {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	counts := make(map[Status]int)
	for _, e := range entries {
		e.mu.Lock()
		counts[e.exec.Status]++
		e.mu.Unlock()
	}
	return counts
}

// Len returns the number of stored executions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Purge removes terminal executions completed before cutoff and returns
// their ids.
func (s *Store) Purge(cutoff time.Time) []string {
	s.mu.RLock()
	candidates := make(map[string]*entry, len(s.entries))
	for id, e := range s.entries {
		candidates[id] = e
	}
	s.mu.RUnlock()

	var purged []string
	for id, e := range candidates {
		e.mu.Lock()
		old := e.exec.Status.Terminal() && e.exec.CompletedAt.Before(cutoff)
		e.mu.Unlock()
		if old {
			purged = append(purged, id)
		}
	}

	s.mu.Lock()
	for _, id := range purged {
		delete(s.entries, id)
	}
	s.mu.Unlock()

	sort.Strings(purged)
	return purged
}
