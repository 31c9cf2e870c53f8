package quota

import (
	"context"
	"sync"

	"github.com/mbd888/clicense/internal/syncutil"
)

// MemoryStore keeps quota states in process memory.
type MemoryStore struct {
	locks *syncutil.KeyedMutex

	mu     sync.RWMutex
	states map[string]*State
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		locks:  syncutil.NewKeyedMutex(),
		states: make(map[string]*State),
	}
}

func (m *MemoryStore) Mutate(ctx context.Context, id string, fn MutateFunc) (*State, error) {
	unlock, err := m.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	m.mu.RLock()
	existing, ok := m.states[id]
	m.mu.RUnlock()

	var working *State
	if ok {
		working = existing.clone()
	} else {
		working = &State{IdentityID: id}
	}
	if err := fn(working, !ok); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.states[id] = working.clone()
	m.mu.Unlock()
	return working, nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.states[id]
	if !ok {
		return nil, ErrStateNotFound
	}
	return s.clone(), nil
}
