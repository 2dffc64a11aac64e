package lock

import (
	"context"
	"sync"
)

// MemoryStore keeps lock state in process. Useful for tests and for running
// without a durable store.
type MemoryStore struct {
	mu    sync.Mutex
	state *State
	saves int
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (m *MemoryStore) LoadLockState(context.Context) (State, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return State{}, false, nil
	}
	return m.state.Clone(), true, nil
}

func (m *MemoryStore) SaveLockState(_ context.Context, s State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := s.Clone()
	m.state = &c
	m.saves++
	return nil
}

// Saves reports how many times state was written.
func (m *MemoryStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}
