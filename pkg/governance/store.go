package governance

import (
	"context"
	"sync"
)

// Store persists the single PolicyState record. Load returns (nil, nil)
// when no state has been written yet.
type Store interface {
	Load(ctx context.Context) (*PolicyState, error)
	Save(ctx context.Context, s *PolicyState) error
}

// MemoryStore keeps the state in process. Useful for tests and dry runs.
type MemoryStore struct {
	mu    sync.RWMutex
	state *PolicyState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Load(_ context.Context) (*PolicyState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state == nil {
		return nil, nil
	}
	cp := *m.state
	return &cp, nil
}

func (m *MemoryStore) Save(_ context.Context, s *PolicyState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.state = &cp
	return nil
}
