package alert

import (
	"context"
	"sort"
	"sync"

	"github.com/couchcryptid/nowcast-service/internal/domain"
)

// StateStore persists AlertStates across restarts. The evaluator loads once
// on start and saves on every status transition.
type StateStore interface {
	LoadStates(ctx context.Context) ([]domain.AlertState, error)
	SaveState(ctx context.Context, state domain.AlertState) error
}

// MemoryStore is the StateStore used when no durable store is configured.
type MemoryStore struct {
	mu     sync.Mutex
	states map[domain.AlertKey]domain.AlertState
	saves  int
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[domain.AlertKey]domain.AlertState)}
}

func (m *MemoryStore) LoadStates(_ context.Context) ([]domain.AlertState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.AlertState, 0, len(m.states))
	for _, s := range m.states {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key().String() < out[j].Key().String() })
	return out, nil
}

func (m *MemoryStore) SaveState(_ context.Context, state domain.AlertState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[state.Key()] = state
	m.saves++
	return nil
}

// Saves returns how many times SaveState was called.
func (m *MemoryStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}
