// Package store provides local persistence for agents using SQLite.
//
// # Architecture
//
// Store is the backend contract. It holds two collections:
//
//   - agents: Agent records keyed by id
//   - meta: small JSON values keyed by name (currentId, agentOrder)
//
// Every write goes through Apply with a Batch, which lands atomically.
//
// Implementations:
//
//   - SQLiteStore: the rich store (tables agents and meta)
//   - BlobStore: synchronous fallback keeping both collections in one JSON blob
//   - MockStore: in-memory store for tests that records every batch
//
// # Persistence
//
// Persistence is the facade used by the agent manager. Open tries SQLite and
// falls back to BlobStore for the rest of the session when it cannot. Backend
// errors are logged and reported as a false return, never propagated.
// LoadAgents orders records by the agentOrder meta value and appends agents
// missing from it in stored order.
//
// # Legacy Migration
//
// Older installs kept everything in a single kv blob:
//
//	{"agents": [...], "currentId": "..."}
//
// MigrateLegacy writes those agents plus currentId and agentOrder in one
// batch and removes the blob only after the write succeeds. A corrupt blob is
// discarded. Migration is skipped while running on the fallback.
//
// # SQLite Configuration
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA busy_timeout=5000;
//
// Database file locations:
//
//   - Default: ~/.local/share/convo-studio/studio.db
//   - Testing: t.TempDir() files or :memory:
//
// # Error Handling
//
// Common errors:
//
//   - ErrNotFound: Requested meta key does not exist
//   - ErrInvalidRecord: Batch contains an agent without id or a non-JSON meta value
package store
