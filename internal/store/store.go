// Package store persists performance indices across rounds and restarts.
package store

import (
	"context"
	"sync"
)

// PerformanceStore keeps the last known performance index per system name.
type PerformanceStore interface {
	// Load returns the stored index and whether one exists.
	Load(ctx context.Context, name string) (float64, bool, error)
	// Save stores the index for name.
	Save(ctx context.Context, name string, index float64) error
	// All returns every stored index.
	All(ctx context.Context) (map[string]float64, error)
	Close() error
}

// MemoryStore is a PerformanceStore held in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	indices map[string]float64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{indices: make(map[string]float64)}
}

// Load implements PerformanceStore.
func (m *MemoryStore) Load(_ context.Context, name string) (float64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.indices[name]
	return v, ok, nil
}

// Save implements PerformanceStore.
func (m *MemoryStore) Save(_ context.Context, name string, index float64) error {
	m.mu.Lock()
	m.indices[name] = index
	m.mu.Unlock()
	return nil
}

// All implements PerformanceStore.
func (m *MemoryStore) All(_ context.Context) (map[string]float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]float64, len(m.indices))
	for k, v := range m.indices {
		out[k] = v
	}
	return out, nil
}

// Close implements PerformanceStore.
func (m *MemoryStore) Close() error { return nil }
