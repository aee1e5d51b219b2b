package registry

import (
	"context"
	"strings"
	"sync"
)

// Store persists tag -> Session entries. PutIfAbsent must be atomic across
// every process sharing the store.
type Store interface {
	Get(ctx context.Context, tag string) (Session, bool, error)
	// PutIfAbsent stores s under s.Tag unless an entry exists, and returns
	// the entry now stored plus whether s was inserted.
	PutIfAbsent(ctx context.Context, s Session) (Session, bool, error)
	// Update replaces the entry for s.Tag. The stored id must equal s.ID.
	Update(ctx context.Context, s Session) error
	List(ctx context.Context) ([]Session, error)
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Session
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Session)}
}

func (m *MemoryStore) Get(_ context.Context, tag string) (Session, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.entries[strings.TrimSpace(tag)]
	if !ok {
		return Session{}, false, nil
	}
	s.Material = s.Material.Clone()
	return s, true, nil
}

func (m *MemoryStore) PutIfAbsent(_ context.Context, s Session) (Session, bool, error) {
	if err := s.Validate(); err != nil {
		return Session{}, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.entries[s.Tag]; ok {
		existing.Material = existing.Material.Clone()
		return existing, false, nil
	}
	s.Material = s.Material.Clone()
	m.entries[s.Tag] = s
	return s, true, nil
}

func (m *MemoryStore) Update(_ context.Context, s Session) error {
	if err := s.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.entries[s.Tag]
	if !ok {
		return ErrNotFound
	}
	if existing.ID != s.ID {
		return ErrIDMismatch
	}
	s.Material = s.Material.Clone()
	m.entries[s.Tag] = s
	return nil
}

func (m *MemoryStore) List(_ context.Context) ([]Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Session, 0, len(m.entries))
	for _, s := range m.entries {
		out = append(out, s)
	}
	sortSessions(out)
	return out, nil
}
