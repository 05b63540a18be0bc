package journal

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory journal used when no database is configured.
type MemoryStore struct {
	entries map[string]*Entry
	mu      sync.RWMutex
}

// NewMemoryStore creates an empty in-memory journal.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*Entry)}
}

func (m *MemoryStore) Create(_ context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[e.ID]; ok {
		return ErrDuplicateEntry
	}
	for _, existing := range m.entries {
		if existing.FederationID == e.FederationID && existing.OperationID == e.OperationID {
			return ErrDuplicateEntry
		}
	}
	cp := *e
	m.entries[e.ID] = &cp
	return nil
}

func (m *MemoryStore) Update(_ context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[e.ID]; !ok {
		return ErrEntryNotFound
	}
	cp := *e
	m.entries[e.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[id]
	if !ok {
		return nil, ErrEntryNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) GetByOperation(_ context.Context, federationID, operationID string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, e := range m.entries {
		if e.FederationID == federationID && e.OperationID == operationID {
			cp := *e
			return &cp, nil
		}
	}
	return nil, ErrEntryNotFound
}

// List returns a federation's entries, newest first.
func (m *MemoryStore) List(_ context.Context, federationID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for _, e := range m.entries {
		if e.FederationID == federationID {
			cp := *e
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}
