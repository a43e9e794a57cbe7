// ABOUTME: Synchronous fallback Store keeping both collections in one JSON blob
// ABOUTME: Used when SQLite is unavailable; every Apply rewrites the blob in a single atomic write

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/2389/convo-studio/internal/kv"
)

// FallbackKey is the kv key holding the fallback blob.
const FallbackKey = "fallback-state"

type blobState struct {
	Agents []*Agent                    `json:"agents"`
	Meta   map[string]json.RawMessage `json:"meta"`
}

// BlobStore implements Store over a single serialized blob. With a nil kv
// store it keeps the blob in memory only.
type BlobStore struct {
	mu    sync.Mutex
	kv    *kv.Store
	key   string
	state blobState
}

// NewBlobStore loads the blob from kv (if any) and returns a store over it.
// A corrupt blob is discarded and the store starts empty.
func NewBlobStore(blobs *kv.Store) (*BlobStore, error) {
	s := &BlobStore{
		kv:    blobs,
		key:   FallbackKey,
		state: blobState{Meta: map[string]json.RawMessage{}},
	}
	if blobs == nil {
		return s, nil
	}

	data, err := blobs.Get(s.key)
	if errors.Is(err, kv.ErrNotFound) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading fallback blob: %w", err)
	}

	var st blobState
	if err := json.Unmarshal(data, &st); err != nil {
		// Corrupt blob: start over rather than fail the session.
		return s, nil
	}
	if st.Meta == nil {
		st.Meta = map[string]json.RawMessage{}
	}
	s.state = st
	return s, nil
}

// LoadAgents returns copies of the stored agents in first-write order.
func (s *BlobStore) LoadAgents(ctx context.Context) ([]*Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Agent, 0, len(s.state.Agents))
	for _, a := range s.state.Agents {
		out = append(out, a.Clone())
	}
	return out, nil
}

// GetMeta returns a meta value, or ErrNotFound.
func (s *BlobStore) GetMeta(ctx context.Context, key string) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.state.Meta[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append(json.RawMessage(nil), v...), nil
}

// Apply mutates a copy of the state and persists it; the in-memory state only
// changes when the write succeeds.
func (s *BlobStore) Apply(ctx context.Context, b Batch) error {
	if err := b.validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.state.clone()
	for _, a := range b.Save {
		next.upsert(a.Clone())
	}
	for _, id := range b.Delete {
		next.remove(id)
	}
	for k, v := range b.Meta {
		next.Meta[k] = append(json.RawMessage(nil), v...)
	}

	if err := s.persist(next); err != nil {
		return err
	}
	s.state = next
	return nil
}

// Clear empties both collections.
func (s *BlobStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	empty := blobState{Meta: map[string]json.RawMessage{}}
	if err := s.persist(empty); err != nil {
		return err
	}
	s.state = empty
	return nil
}

// Close is a no-op; every Apply is already durable.
func (s *BlobStore) Close() error {
	return nil
}

func (s *BlobStore) persist(st blobState) error {
	if s.kv == nil {
		return nil
	}
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encoding fallback blob: %w", err)
	}
	if err := s.kv.Set(s.key, data); err != nil {
		return fmt.Errorf("writing fallback blob: %w", err)
	}
	return nil
}

func (st blobState) clone() blobState {
	out := blobState{
		Agents: make([]*Agent, len(st.Agents)),
		Meta:   make(map[string]json.RawMessage, len(st.Meta)),
	}
	copy(out.Agents, st.Agents)
	for k, v := range st.Meta {
		out.Meta[k] = v
	}
	return out
}

func (st *blobState) upsert(a *Agent) {
	for i, existing := range st.Agents {
		if existing.ID == a.ID {
			st.Agents[i] = a
			return
		}
	}
	st.Agents = append(st.Agents, a)
}

func (st *blobState) remove(id string) {
	for i, existing := range st.Agents {
		if existing.ID == id {
			st.Agents = append(st.Agents[:i], st.Agents[i+1:]...)
			return
		}
	}
}
