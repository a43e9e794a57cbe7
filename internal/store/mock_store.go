// ABOUTME: Mock Store implementation for testing
// ABOUTME: Records every applied batch and can be told to fail, so tests run without SQLite

package store

import (
	"context"
	"encoding/json"
	"sync"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu      sync.Mutex
	agents  []*Agent
	meta    map[string]json.RawMessage
	batches []Batch

	// ApplyErr, when set, makes Apply fail without changing anything.
	ApplyErr error
	// LoadErr, when set, makes LoadAgents and GetMeta fail.
	LoadErr error

	closed bool
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{meta: make(map[string]json.RawMessage)}
}

// LoadAgents returns copies of the stored agents in first-write order.
func (m *MockStore) LoadAgents(ctx context.Context) ([]*Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.LoadErr != nil {
		return nil, m.LoadErr
	}
	out := make([]*Agent, 0, len(m.agents))
	for _, a := range m.agents {
		out = append(out, a.Clone())
	}
	return out, nil
}

// GetMeta returns a meta value, or ErrNotFound.
func (m *MockStore) GetMeta(ctx context.Context, key string) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.LoadErr != nil {
		return nil, m.LoadErr
	}
	v, ok := m.meta[key]
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

// Apply records and applies a batch.
func (m *MockStore) Apply(ctx context.Context, b Batch) error {
	if err := b.validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ApplyErr != nil {
		return m.ApplyErr
	}

	// Make copies to avoid external modification
	recorded := Batch{Delete: append([]string(nil), b.Delete...), Meta: make(map[string]json.RawMessage, len(b.Meta))}
	for _, a := range b.Save {
		c := a.Clone()
		recorded.Save = append(recorded.Save, c)
		m.upsert(c.Clone())
	}
	for _, id := range b.Delete {
		m.remove(id)
	}
	for k, v := range b.Meta {
		recorded.Meta[k] = v
		m.meta[k] = v
	}
	m.batches = append(m.batches, recorded)
	return nil
}

// Clear removes everything.
func (m *MockStore) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.agents = nil
	m.meta = make(map[string]json.RawMessage)
	return nil
}

// Close marks the store closed.
func (m *MockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Batches returns every batch applied so far.
func (m *MockStore) Batches() []Batch {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Batch(nil), m.batches...)
}

// AgentWrites returns the saved snapshots of one agent, oldest first.
func (m *MockStore) AgentWrites(id string) []*Agent {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Agent
	for _, b := range m.batches {
		for _, a := range b.Save {
			if a.ID == id {
				out = append(out, a.Clone())
			}
		}
	}
	return out
}

// Closed reports whether Close was called.
func (m *MockStore) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *MockStore) upsert(a *Agent) {
	for i, existing := range m.agents {
		if existing.ID == a.ID {
			m.agents[i] = a
			return
		}
	}
	m.agents = append(m.agents, a)
}

func (m *MockStore) remove(id string) {
	for i, existing := range m.agents {
		if existing.ID == id {
			m.agents = append(m.agents[:i], m.agents[i+1:]...)
			return
		}
	}
}
