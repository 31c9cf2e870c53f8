package history

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/mbd888/clicense/internal/pagination"
)

// MemoryStore keeps history in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string][]*Entry // identity -> entries, oldest first
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string][]*Entry)}
}

func (m *MemoryStore) Append(_ context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.entries[e.IdentityID] = append(m.entries[e.IdentityID], &cp)
	return nil
}

func (m *MemoryStore) List(_ context.Context, identityID, cursor string, limit int) (*Page, error) {
	c, err := pagination.Decode(cursor)
	if err != nil {
		return nil, err
	}
	limit = pagination.ClampLimit(limit)

	m.mu.RLock()
	all := slices.Clone(m.entries[identityID])
	m.mu.RUnlock()

	slices.SortFunc(all, func(a, b *Entry) int {
		if cmp := b.CreatedAt.Compare(a.CreatedAt); cmp != 0 {
			return cmp
		}
		switch {
		case a.ID > b.ID:
			return -1
		case a.ID < b.ID:
			return 1
		}
		return 0
	})

	var out []*Entry
	for _, e := range all {
		if !c.Admits(e.CreatedAt, e.ID) {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if len(out) > limit {
			break
		}
	}

	items, next, more := pagination.ComputePage(out, limit, func(e *Entry) (time.Time, string) {
		return e.CreatedAt, e.ID
	})
	if items == nil {
		items = []*Entry{}
	}
	return &Page{Entries: items, NextCursor: next, HasMore: more}, nil
}

func (m *MemoryStore) Remove(_ context.Context, identityID, entryID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.entries[identityID]
	for i, e := range list {
		if e.ID == entryID {
			m.entries[identityID] = slices.Delete(list, i, i+1)
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemoryStore) Clear(_ context.Context, identityID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.entries[identityID])
	delete(m.entries, identityID)
	return n, nil
}
