// ABOUTME: Tests for the agent manager's invariants, CRUD operations and debounced writes.
// ABOUTME: Uses a fake timer source and the mock store to observe every durable write.

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/convo-studio/internal/kv"
	"github.com/2389/convo-studio/internal/store"
)

type fakeTimer struct {
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{f: f}
	c.timers = append(c.timers, t)
	return t
}

// Fire runs every timer that is still armed, as if the window elapsed.
func (c *fakeClock) Fire() {
	c.mu.Lock()
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	for _, t := range due {
		t.f()
	}
}

func (c *fakeClock) Armed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

func (c *fakeClock) Last() *fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timers[len(c.timers)-1]
}

type harness struct {
	mgr   *Manager
	mock  *store.MockStore
	clock *fakeClock
}

func newHarness(t *testing.T, seed func(m *store.MockStore)) *harness {
	t.Helper()

	mock := store.NewMockStore()
	if seed != nil {
		seed(mock)
	}

	clock := &fakeClock{}
	next := 0
	mgr := NewManager(store.NewPersistence(mock, nil, nil), Options{
		Debounce:  time.Second,
		AfterFunc: clock.AfterFunc,
		NewID: func() string {
			next++
			return fmt.Sprintf("id-%d", next)
		},
	})
	mgr.Load(context.Background())

	return &harness{mgr: mgr, mock: mock, clock: clock}
}

func seedAgents(ids ...string) func(*store.MockStore) {
	return func(m *store.MockStore) {
		var agents []*store.Agent
		for _, id := range ids {
			agents = append(agents, &store.Agent{ID: id, Name: "name-" + id, Messages: []store.Message{}})
		}
		meta, _ := store.EncodeMeta(map[string]any{store.MetaCurrentID: ids[0], store.MetaAgentOrder: ids})
		_ = m.Apply(context.Background(), store.Batch{Save: agents, Meta: meta})
	}
}

func metaValue(t *testing.T, b store.Batch, key string, dst any) {
	t.Helper()
	raw, ok := b.Meta[key]
	require.True(t, ok, "batch has no %s", key)
	require.NoError(t, json.Unmarshal(raw, dst))
}

func agentIDs(agents []*store.Agent) []string {
	out := make([]string, len(agents))
	for i, a := range agents {
		out[i] = a.ID
	}
	return out
}

func TestLoad_EmptyStoreCreatesFirstAgent(t *testing.T) {
	h := newHarness(t, nil)

	agents := h.mgr.Agents()
	require.Len(t, agents, 1)
	assert.Equal(t, "Agent 1", agents[0].Name)
	assert.Equal(t, "id-1", h.mgr.CurrentID())

	batches := h.mock.Batches()
	require.Len(t, batches, 1, "the repair is persisted immediately")
	require.Len(t, batches[0].Save, 1)

	var current string
	metaValue(t, batches[0], store.MetaCurrentID, &current)
	assert.Equal(t, "id-1", current)
	var order []string
	metaValue(t, batches[0], store.MetaAgentOrder, &order)
	assert.Equal(t, []string{"id-1"}, order)
}

func TestLoad_RepairsUnknownCurrentID(t *testing.T) {
	h := newHarness(t, func(m *store.MockStore) {
		seedAgents("a", "b")(m)
		meta, _ := store.EncodeMeta(map[string]any{store.MetaCurrentID: "gone"})
		_ = m.Apply(context.Background(), store.Batch{Meta: meta})
	})

	assert.Equal(t, "a", h.mgr.CurrentID())

	batches := h.mock.Batches()
	last := batches[len(batches)-1]
	var current string
	metaValue(t, last, store.MetaCurrentID, &current)
	assert.Equal(t, "a", current)
}

func TestLoad_ValidStateWritesNothing(t *testing.T) {
	h := newHarness(t, seedAgents("a", "b"))

	assert.Equal(t, []string{"a", "b"}, agentIDs(h.mgr.Agents()))
	assert.Equal(t, "a", h.mgr.CurrentID())
	assert.Len(t, h.mock.Batches(), 1, "only the seed batch")
}

func TestLoad_UnreadableStoreLeavesStoredStateAlone(t *testing.T) {
	h := newHarness(t, func(m *store.MockStore) {
		seedAgents("a", "b")(m)
		meta, _ := store.EncodeMeta(map[string]any{store.MetaCurrentID: "b", store.MetaAgentOrder: []string{"b", "a"}})
		_ = m.Apply(context.Background(), store.Batch{Meta: meta})
		m.LoadErr = errors.New("database is locked")
	})

	agents := h.mgr.Agents()
	require.Len(t, agents, 1)
	assert.Equal(t, "Agent 1", agents[0].Name)
	assert.Equal(t, agents[0].ID, h.mgr.CurrentID())
	assert.Len(t, h.mock.Batches(), 2, "load must not write when the store is unreadable")

	// Once the store is readable again the original state is intact
	h.mock.LoadErr = nil
	again := NewManager(store.NewPersistence(h.mock, nil, nil), Options{AfterFunc: h.clock.AfterFunc})
	again.Load(context.Background())

	assert.Equal(t, []string{"b", "a"}, agentIDs(again.Agents()))
	assert.Equal(t, "b", again.CurrentID())
}

func TestUpdateCurrentAgent_DebounceCoalesces(t *testing.T) {
	h := newHarness(t, seedAgents("a"))
	before := len(h.mock.Batches())

	for i := 1; i <= 5; i++ {
		require.NoError(t, h.mgr.UpdateCurrentAgent(Patch{SystemPrompt: Ptr(fmt.Sprintf("prompt %d", i))}))
		// Reads are fresh before any write happens
		assert.Equal(t, fmt.Sprintf("prompt %d", i), h.mgr.Current().SystemPrompt)
	}

	assert.Len(t, h.mock.Batches(), before, "nothing written inside the window")
	assert.Equal(t, 1, h.clock.Armed(), "each patch re-arms a single timer")

	h.clock.Fire()

	writes := h.mock.AgentWrites("a")
	require.Len(t, writes, 2, "seed write plus exactly one debounced write")
	assert.Equal(t, "prompt 5", writes[1].SystemPrompt)
	assert.Len(t, h.mock.Batches(), before+1)
}

func TestUpdateAgent_OtherAgentFlushesPendingFirst(t *testing.T) {
	h := newHarness(t, seedAgents("a", "b"))

	require.NoError(t, h.mgr.UpdateAgent("a", Patch{Model: Ptr("model-a")}))
	require.NoError(t, h.mgr.UpdateAgent("b", Patch{Model: Ptr("model-b")}))

	writesA := h.mock.AgentWrites("a")
	require.Len(t, writesA, 2)
	assert.Equal(t, "model-a", writesA[1].Model)
	assert.Len(t, h.mock.AgentWrites("b"), 1, "b is still pending")

	h.clock.Fire()
	writesB := h.mock.AgentWrites("b")
	require.Len(t, writesB, 2)
	assert.Equal(t, "model-b", writesB[1].Model)
}

func TestUpdateAgent_UnknownID(t *testing.T) {
	h := newHarness(t, nil)
	err := h.mgr.UpdateAgent("missing", Patch{Name: Ptr("x")})
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestFlush_WritesPendingAndSilencesStaleTimer(t *testing.T) {
	h := newHarness(t, seedAgents("a"))

	require.NoError(t, h.mgr.UpdateCurrentAgent(Patch{Name: Ptr("edited")}))
	timer := h.clock.Last()

	h.mgr.Flush(context.Background())
	writes := h.mock.AgentWrites("a")
	require.Len(t, writes, 2)
	assert.Equal(t, "edited", writes[1].Name)

	// A timer callback that raced the flush finds nothing to do
	timer.f()
	assert.Len(t, h.mock.AgentWrites("a"), 2)

	h.mgr.Flush(context.Background())
	assert.Len(t, h.mock.AgentWrites("a"), 2, "flush with nothing pending is a no-op")
}

func TestEditMessages(t *testing.T) {
	h := newHarness(t, seedAgents("a"))

	require.NoError(t, h.mgr.EditMessages("a", func(msgs []store.Message) ([]store.Message, error) {
		return AppendMessage(msgs, store.Message{Role: store.RoleUser, Content: "hello"}), nil
	}))
	assert.Len(t, h.mgr.Current().Messages, 1)

	err := h.mgr.EditMessages("a", func(msgs []store.Message) ([]store.Message, error) {
		return DeleteMessage(msgs, 7)
	})
	assert.ErrorIs(t, err, ErrIndexOutOfRange)
	assert.Len(t, h.mgr.Current().Messages, 1, "failed edit leaves messages unchanged")
}

func TestCreateAgent(t *testing.T) {
	h := newHarness(t, nil)

	a := h.mgr.CreateAgent(context.Background(), "")
	assert.Equal(t, "Agent 2", a.Name)
	assert.Equal(t, a.ID, h.mgr.CurrentID())

	named := h.mgr.CreateAgent(context.Background(), "Support bot")
	assert.Equal(t, "Support bot", named.Name)
	assert.Equal(t, []string{"id-1", a.ID, named.ID}, agentIDs(h.mgr.Agents()))

	batches := h.mock.Batches()
	last := batches[len(batches)-1]
	require.Len(t, last.Save, 1)
	var order []string
	metaValue(t, last, store.MetaAgentOrder, &order)
	assert.Equal(t, []string{"id-1", a.ID, named.ID}, order)
}

func TestDeleteAgent_LastAgentRecreatesDefault(t *testing.T) {
	h := newHarness(t, seedAgents("only"))

	require.NoError(t, h.mgr.DeleteAgent(context.Background(), "only"))

	agents := h.mgr.Agents()
	require.Len(t, agents, 1)
	assert.Equal(t, "Agent 1", agents[0].Name)
	assert.NotEqual(t, "only", agents[0].ID)
	assert.Equal(t, agents[0].ID, h.mgr.CurrentID())

	batches := h.mock.Batches()
	last := batches[len(batches)-1]
	assert.Equal(t, []string{"only"}, last.Delete)
	require.Len(t, last.Save, 1, "deletion and replacement land in one batch")
}

func TestDeleteAgent_CurrentMovesToFirst(t *testing.T) {
	h := newHarness(t, seedAgents("a", "b", "c"))
	require.True(t, h.mgr.SetCurrentAgent(context.Background(), "b"))

	require.NoError(t, h.mgr.DeleteAgent(context.Background(), "b"))
	assert.Equal(t, "a", h.mgr.CurrentID())
	assert.Equal(t, []string{"a", "c"}, agentIDs(h.mgr.Agents()))

	require.NoError(t, h.mgr.DeleteAgent(context.Background(), "c"))
	assert.Equal(t, "a", h.mgr.CurrentID(), "deleting another agent keeps current")

	assert.ErrorIs(t, h.mgr.DeleteAgent(context.Background(), "zzz"), ErrAgentNotFound)
}

func TestDeleteAgent_CancelsPendingWrite(t *testing.T) {
	h := newHarness(t, seedAgents("a", "b"))

	require.NoError(t, h.mgr.UpdateAgent("b", Patch{Name: Ptr("doomed")}))
	require.NoError(t, h.mgr.DeleteAgent(context.Background(), "b"))

	h.clock.Fire()
	writes := h.mock.AgentWrites("b")
	assert.Len(t, writes, 1, "only the seed write; the deleted agent is never re-saved")
}

func TestDuplicateAgent(t *testing.T) {
	h := newHarness(t, seedAgents("a", "b"))
	require.NoError(t, h.mgr.UpdateAgent("a", Patch{
		Model:        Ptr("gpt"),
		SystemPrompt: Ptr("sys"),
		Messages:     &[]store.Message{{Role: store.RoleUser, Content: "hi", Images: []string{"data:image/png;base64,AA=="}}},
	}))

	dup, err := h.mgr.DuplicateAgent(context.Background(), "a")
	require.NoError(t, err)

	assert.Equal(t, "name-a (copy)", dup.Name)
	assert.Equal(t, "gpt", dup.Model)
	assert.Equal(t, "sys", dup.SystemPrompt)
	assert.NotEqual(t, "a", dup.ID)
	assert.Equal(t, dup.ID, h.mgr.CurrentID())
	assert.Equal(t, []string{"a", "b", dup.ID}, agentIDs(h.mgr.Agents()))

	// Deep copy: editing the duplicate leaves the original alone
	require.NoError(t, h.mgr.EditMessages(dup.ID, func(msgs []store.Message) ([]store.Message, error) {
		msgs, err := SetContent(msgs, 0, "changed")
		if err != nil {
			return nil, err
		}
		return RemoveImage(msgs, 0, 0)
	}))
	orig, err := h.mgr.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "hi", orig.Messages[0].Content)
	assert.Len(t, orig.Messages[0].Images, 1)

	_, err = h.mgr.DuplicateAgent(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestRenameAgent_PersistsImmediately(t *testing.T) {
	h := newHarness(t, seedAgents("a"))

	require.NoError(t, h.mgr.UpdateCurrentAgent(Patch{SystemPrompt: Ptr("pending prompt")}))
	require.NoError(t, h.mgr.RenameAgent(context.Background(), "a", "Renamed"))

	writes := h.mock.AgentWrites("a")
	require.Len(t, writes, 2)
	assert.Equal(t, "Renamed", writes[1].Name)
	assert.Equal(t, "pending prompt", writes[1].SystemPrompt, "pending edit folded into the rename")
	assert.Zero(t, h.clock.Armed())

	assert.ErrorIs(t, h.mgr.RenameAgent(context.Background(), "missing", "x"), ErrAgentNotFound)
}

func TestSetCurrentAgent(t *testing.T) {
	h := newHarness(t, seedAgents("a", "b"))
	before := len(h.mock.Batches())

	assert.False(t, h.mgr.SetCurrentAgent(context.Background(), "unknown"))
	assert.Equal(t, "a", h.mgr.CurrentID())
	assert.Len(t, h.mock.Batches(), before, "unknown id is a no-op")

	assert.True(t, h.mgr.SetCurrentAgent(context.Background(), "b"))
	assert.Equal(t, "b", h.mgr.CurrentID())

	batches := h.mock.Batches()
	require.Len(t, batches, before+1)
	last := batches[len(batches)-1]
	assert.Empty(t, last.Save, "only metadata is written")
	assert.Len(t, last.Meta, 1)
}

func TestClose_FlushesAndClosesStore(t *testing.T) {
	h := newHarness(t, seedAgents("a"))

	require.NoError(t, h.mgr.UpdateCurrentAgent(Patch{Name: Ptr("last edit")}))
	h.mgr.Close(context.Background())

	writes := h.mock.AgentWrites("a")
	require.Len(t, writes, 2)
	assert.Equal(t, "last edit", writes[1].Name)
	assert.True(t, h.mock.Closed())
}

func TestManager_SQLiteRoundTripWithLegacyMigration(t *testing.T) {
	dir := t.TempDir()
	blobs, err := kv.Open(filepath.Join(dir, "blobs"))
	require.NoError(t, err)
	require.NoError(t, blobs.Set(store.LegacyKey, []byte(`{
		"agents": [
			{"id": "x", "name": "Legacy X", "model": "", "messages": []},
			{"id": "y", "name": "Legacy Y", "model": "m", "messages": [{"role": "user", "content": "old"}]}
		],
		"currentId": "y"
	}`)))

	dbPath := filepath.Join(dir, "studio.db")
	ctx := context.Background()

	mgr := NewManager(store.Open(store.Options{Path: dbPath, Blobs: blobs}), Options{})
	mgr.Load(ctx)
	assert.Equal(t, []string{"x", "y"}, agentIDs(mgr.Agents()))
	assert.Equal(t, "y", mgr.CurrentID())

	require.NoError(t, mgr.UpdateCurrentAgent(Patch{SystemPrompt: Ptr("new prompt")}))
	mgr.Close(ctx)

	reopened := NewManager(store.Open(store.Options{Path: dbPath, Blobs: blobs}), Options{})
	reopened.Load(ctx)
	defer reopened.Close(ctx)

	assert.Equal(t, []string{"x", "y"}, agentIDs(reopened.Agents()))
	assert.Equal(t, "new prompt", reopened.Current().SystemPrompt)
	assert.False(t, blobs.Has(store.LegacyKey))
}
