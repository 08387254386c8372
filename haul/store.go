package haul

import (
	"context"
	"sync"
)

// -----------------------------------------------------------------------------
// Memory Session Store
// -----------------------------------------------------------------------------

// memorySessionStore implements SessionStore using an in-memory map.
type memorySessionStore struct {
	mu       sync.RWMutex
	sessions map[SessionID]*Session
}

// NewMemorySessionStore creates an in-memory SessionStore.
//
// Suitable for tests and single-process deployments where sessions need not
// survive the process. Update is version-checked like the persistent
// backends so callers exercise the same concurrency contract.
func NewMemorySessionStore() SessionStore {
	return &memorySessionStore{
		sessions: make(map[SessionID]*Session),
	}
}

func (m *memorySessionStore) Put(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[s.ID]; exists {
		return ErrSessionExists
	}
	s.Version = 1
	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *memorySessionStore) Get(_ context.Context, id SessionID) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, exists := m.sessions[id]
	if !exists {
		return nil, ErrSessionNotFound
	}
	return s.Clone(), nil
}

func (m *memorySessionStore) Update(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, exists := m.sessions[s.ID]
	if !exists {
		return ErrSessionNotFound
	}
	if cur.Version != s.Version {
		return ErrVersionConflict
	}
	s.Version++
	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *memorySessionStore) List(_ context.Context) ([]SessionID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]SessionID, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *memorySessionStore) Delete(_ context.Context, id SessionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sessions, id)
	return nil
}
