package storage

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory CommittedMarginReader for tests and offline runs.
type MemoryStore struct {
	err     error
	entries []Entry
	scope   string
	calls   int
	mu      sync.Mutex
}

// NewMemoryStore creates an empty store for scope. An empty scope matches all entries.
func NewMemoryStore(scope string, entries ...Entry) *MemoryStore {
	return &MemoryStore{scope: scope, entries: append([]Entry{}, entries...)}
}

// Add appends entries.
func (m *MemoryStore) Add(entries ...Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entries...)
}

// SetError makes CommittedMargin fail with err (nil clears it).
func (m *MemoryStore) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Calls returns how many times CommittedMargin was called.
func (m *MemoryStore) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// CommittedMargin sums committed entries in scope.
func (m *MemoryStore) CommittedMargin(_ context.Context) (float64, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return 0, 0, m.err
	}
	total, count := summarize(m.entries, m.scope)
	return total, count, nil
}
