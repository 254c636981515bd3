// Package memstore provides an in-memory implementation of
// investigate.Store. Suitable for dev/testing; sessions do not survive a
// restart.
package memstore

import (
	"context"
	"sync"

	"github.com/linnemanlabs/remedy/internal/incident"
	"github.com/linnemanlabs/remedy/internal/investigate"
)

// Store holds incidents in memory.
type Store struct {
	mu        sync.RWMutex
	incidents map[string]*incident.Incident
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{incidents: make(map[string]*incident.Incident)}
}

func clone(inc *incident.Incident) *incident.Incident {
	cp := *inc
	cp.History = append([]incident.HistoryEntry(nil), inc.History...)
	cp.ActionsTaken = append([]string(nil), inc.ActionsTaken...)
	return &cp
}

// Get retrieves an incident by ID. Returns a copy.
func (s *Store) Get(_ context.Context, id string) (*incident.Incident, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inc, ok := s.incidents[id]
	if !ok {
		return nil, false, nil
	}
	return clone(inc), true, nil
}

// GetActiveByFingerprint finds a non-terminal incident for the fingerprint.
func (s *Store) GetActiveByFingerprint(_ context.Context, fp string) (*incident.Incident, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, inc := range s.incidents {
		if inc.Fingerprint == fp && !inc.State.Terminal() {
			return clone(inc), true, nil
		}
	}
	return nil, false, nil
}

// Put upserts the incident snapshot, preserving stored history.
func (s *Store) Put(_ context.Context, inc *incident.Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.incidents[inc.ID]; ok {
		if existing.Disposition != "" {
			return investigate.ErrFinalized
		}
		cp := clone(inc)
		cp.History = existing.History
		s.incidents[inc.ID] = cp
		return nil
	}
	s.incidents[inc.ID] = clone(inc)
	return nil
}

// Append adds one history entry.
func (s *Store) Append(_ context.Context, id string, entry incident.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inc, ok := s.incidents[id]
	if !ok {
		return investigate.ErrFinalized
	}
	if inc.Disposition != "" {
		return investigate.ErrFinalized
	}
	inc.History = append(inc.History, entry)
	return nil
}

// Finalize writes the terminal disposition exactly once.
func (s *Store) Finalize(_ context.Context, inc *incident.Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.incidents[inc.ID]
	if !ok || existing.Disposition != "" {
		return investigate.ErrFinalized
	}
	cp := clone(inc)
	cp.History = existing.History
	s.incidents[inc.ID] = cp
	return nil
}

// ListActive returns all non-terminal incidents.
func (s *Store) ListActive(_ context.Context) ([]*incident.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*incident.Incident
	for _, inc := range s.incidents {
		if !inc.State.Terminal() {
			out = append(out, clone(inc))
		}
	}
	return out, nil
}
