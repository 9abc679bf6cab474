package archive

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

var _ Store = (*MemStore)(nil)

// MemStore is an in-memory Store.
type MemStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{records: make(map[string]Record)}
}

// Save implements [Store].
func (m *MemStore) Save(_ context.Context, r Record) error {
	if r.SessionID == "" {
		return fmt.Errorf("archive: save: empty session id")
	}
	r.Lines = slices.Clone(r.Lines)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[r.SessionID] = r
	return nil
}

// Get implements [Store].
func (m *MemStore) Get(_ context.Context, id string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[id]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	r.Lines = slices.Clone(r.Lines)
	return r, nil
}

// List implements [Store].
func (m *MemStore) List(_ context.Context, limit int) ([]Record, error) {
	m.mu.RLock()
	out := make([]Record, 0, len(m.records))
	for _, r := range m.records {
		r.Lines = nil
		out = append(out, r)
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b Record) int {
		return b.StartedAt.Compare(a.StartedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
