// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sort"
	"sync"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu      sync.RWMutex
	batches map[string]*BatchRecord // keyed by batch ID
	err     error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		batches: make(map[string]*BatchRecord),
	}
}

// SetError makes every subsequent call fail with err.
func (m *MockStore) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// RecordBatch stores a copy of b.
func (m *MockStore) RecordBatch(ctx context.Context, b *BatchRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return m.err
	}
	if _, exists := m.batches[b.ID]; exists {
		return ErrDuplicateBatch
	}

	m.batches[b.ID] = copyBatch(b)
	return nil
}

// GetBatch retrieves a batch by ID.
func (m *MockStore) GetBatch(ctx context.Context, id string) (*BatchRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.err != nil {
		return nil, m.err
	}
	b, ok := m.batches[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyBatch(b), nil
}

// ListBatches returns up to limit batches, newest first.
func (m *MockStore) ListBatches(ctx context.Context, limit int) ([]*BatchRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.err != nil {
		return nil, m.err
	}
	if limit <= 0 {
		limit = 50
	}

	out := make([]*BatchRecord, 0, len(m.batches))
	for _, b := range m.batches {
		out = append(out, copyBatch(b))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CountOutcomes tallies deliveries by outcome.
func (m *MockStore) CountOutcomes(ctx context.Context) (map[string]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.err != nil {
		return nil, m.err
	}
	counts := make(map[string]int)
	for _, b := range m.batches {
		for _, d := range b.Deliveries {
			counts[d.Outcome]++
		}
	}
	return counts, nil
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}

func copyBatch(b *BatchRecord) *BatchRecord {
	c := *b
	c.Deliveries = make([]Delivery, len(b.Deliveries))
	for i, d := range b.Deliveries {
		d.Position = i
		c.Deliveries[i] = d
	}
	return &c
}

// Ensure MockStore implements Store
var _ Store = (*MockStore)(nil)
