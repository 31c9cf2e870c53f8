package subscription

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory subscription store for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (m *MemoryStore) Latest(_ context.Context, userID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var best *Record
	for _, r := range m.records {
		if r.UserID != userID || !isLive(r.Status) {
			continue
		}
		if best == nil || r.CreatedAt.After(best.CreatedAt) {
			best = r
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	cp := *best
	return &cp, nil
}

func (m *MemoryStore) Upsert(_ context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.records[r.ID] = &cp
	return nil
}
