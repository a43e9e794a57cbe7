// ABOUTME: Tests for SQLite store implementation
// ABOUTME: Covers schema creation, agent upserts and ordering, meta values, batch atomicity and clear

package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSQLiteStore(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	// Verify the database file was created
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "subdir", "nested", "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created in nested directory")
	}
}

func TestNewSQLiteStore_ReopenIsIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	first, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, first.Apply(ctx, Batch{Save: []*Agent{{ID: "a", Name: "Alpha", Messages: []Message{}}}}))
	require.NoError(t, first.Close())

	second, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer second.Close()

	agents, err := second.LoadAgents(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, "Alpha", agents[0].Name)
}

func TestNewSQLiteStore_MigratesOldSchema(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "old.db")

	// Build a database with the original column set
	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	_, err = store.db.Exec(`DROP TABLE agents; CREATE TABLE agents (id TEXT PRIMARY KEY, data TEXT NOT NULL, updated_at TEXT NOT NULL)`)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer store.Close()

	var exists int
	require.NoError(t, store.db.QueryRow(`SELECT 1 FROM pragma_table_info('agents') WHERE name = 'created_at'`).Scan(&exists))
	assert.Equal(t, 1, exists)
}

func TestSQLiteStore_UpsertKeepsInsertionOrder(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.Apply(ctx, Batch{Save: []*Agent{{ID: id, Name: id}}}))
	}

	// Updating "a" must not move it to the end
	require.NoError(t, store.Apply(ctx, Batch{Save: []*Agent{{
		ID:       "a",
		Name:     "renamed",
		Model:    "m",
		Messages: []Message{{Role: RoleUser, Content: "hi", Images: []string{"data:image/png;base64,AA=="}}},
	}}}))

	agents, err := store.LoadAgents(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 3)
	assert.Equal(t, []string{"a", "b", "c"}, ids(agents))
	assert.Equal(t, "renamed", agents[0].Name)
	require.Len(t, agents[0].Messages, 1)
	assert.Equal(t, []string{"data:image/png;base64,AA=="}, agents[0].Messages[0].Images)
	assert.NotNil(t, agents[1].Messages, "missing messages load as an empty slice")
}

func TestSQLiteStore_Meta(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()
	ctx := context.Background()

	_, err := store.GetMeta(ctx, MetaCurrentID)
	assert.ErrorIs(t, err, ErrNotFound)

	meta, err := EncodeMeta(map[string]any{
		MetaCurrentID:  "b",
		MetaAgentOrder: []string{"b", "a"},
	})
	require.NoError(t, err)
	require.NoError(t, store.Apply(ctx, Batch{Meta: meta}))

	raw, err := store.GetMeta(ctx, MetaAgentOrder)
	require.NoError(t, err)
	var order []string
	require.NoError(t, json.Unmarshal(raw, &order))
	assert.Equal(t, []string{"b", "a"}, order)

	meta, err = EncodeMeta(map[string]any{MetaCurrentID: nil})
	require.NoError(t, err)
	require.NoError(t, store.Apply(ctx, Batch{Meta: meta}))

	raw, err = store.GetMeta(ctx, MetaCurrentID)
	require.NoError(t, err)
	assert.JSONEq(t, "null", string(raw))
}

func TestSQLiteStore_InvalidBatchAppliesNothing(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()
	ctx := context.Background()

	err := store.Apply(ctx, Batch{Save: []*Agent{{ID: "ok", Name: "fine"}, {ID: "", Name: "broken"}}})
	assert.ErrorIs(t, err, ErrInvalidRecord)

	agents, err := store.LoadAgents(ctx)
	require.NoError(t, err)
	assert.Empty(t, agents)
}

func TestSQLiteStore_CancelledBatchAppliesNothing(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := store.Apply(ctx, Batch{Save: []*Agent{{ID: "a"}, {ID: "b"}}})
	assert.Error(t, err)

	agents, err := store.LoadAgents(context.Background())
	require.NoError(t, err)
	assert.Empty(t, agents)
}

func TestSQLiteStore_DeleteAndClear(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()
	ctx := context.Background()

	meta, err := EncodeMeta(map[string]any{MetaAgentOrder: []string{"a", "b"}})
	require.NoError(t, err)
	require.NoError(t, store.Apply(ctx, Batch{Save: []*Agent{{ID: "a"}, {ID: "b"}}, Meta: meta}))

	require.NoError(t, store.Apply(ctx, Batch{Delete: []string{"a", "missing"}}))
	agents, err := store.LoadAgents(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids(agents))

	require.NoError(t, store.Clear(ctx))
	agents, err = store.LoadAgents(ctx)
	require.NoError(t, err)
	assert.Empty(t, agents)
	_, err = store.GetMeta(ctx, MetaAgentOrder)
	assert.ErrorIs(t, err, ErrNotFound)
}

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}

	return store
}

func ids(agents []*Agent) []string {
	out := make([]string, len(agents))
	for i, a := range agents {
		out[i] = a.ID
	}
	return out
}
