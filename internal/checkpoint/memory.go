package checkpoint

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/sreenathmmenon/EngineIQ/internal/session"
)

// MemoryStore is a process-local Store for tests and single-node development.
// Snapshots round-trip through JSON so tests exercise the same serialization
// path as the redis store.
type MemoryStore struct {
	mu        sync.RWMutex
	sessions  map[string][]byte
	deadlines map[string]time.Time
}

// NewMemoryStore builds an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:  make(map[string][]byte),
		deadlines: make(map[string]time.Time),
	}
}

func (m *MemoryStore) Save(_ context.Context, s *session.Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = data
	return nil
}

func (m *MemoryStore) Load(_ context.Context, id string) (*session.Session, error) {
	m.mu.RLock()
	data, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, session.ErrNotFound
	}
	var s session.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

func (m *MemoryStore) SetDeadline(_ context.Context, id string, deadline time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deadlines[id] = deadline
	return nil
}

func (m *MemoryStore) ClearDeadline(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.deadlines, id)
	return nil
}

func (m *MemoryStore) Due(_ context.Context, now time.Time, limit int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var due []string
	for id, deadline := range m.deadlines {
		if !deadline.After(now) {
			due = append(due, id)
		}
	}
	sort.Strings(due)
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}
