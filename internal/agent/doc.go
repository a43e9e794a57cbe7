// Package agent owns the in-memory collection of agent conversation documents.
//
// # Overview
//
// An agent is a named conversation: model, optional system prompt and an
// ordered list of messages. The Manager is the single owner of the agent list
// and the current-agent pointer; callers read copies and mutate only through
// its methods.
//
// # Manager
//
//	mgr := agent.NewManager(store.Open(opts), agent.Options{Debounce: 300 * time.Millisecond})
//	mgr.Load(ctx)
//	defer mgr.Close(ctx)
//
// Key operations:
//
//   - CreateAgent, DeleteAgent, DuplicateAgent, RenameAgent, SetCurrentAgent:
//     applied in memory and persisted immediately
//   - UpdateCurrentAgent, UpdateAgent, EditMessages: applied in memory at once,
//     written after the debounce window
//   - Flush, Close: write any pending edit now
//
// Load guarantees there is always at least one agent and that the current id
// names an existing agent, persisting any repair. When the store cannot be
// read at all, the default agent stays in memory and nothing is written.
//
// # Debounced Writes
//
// The manager keeps one pending-write slot and one timer. Each edit re-arms
// the timer, so a burst of edits (keystrokes, streamed tokens) produces a
// single write of the latest state. Editing a different agent writes the
// pending one first. Writes are serialized, so an older snapshot never lands
// after a newer one.
//
// # Message Helpers
//
// AppendMessage, InsertMessage, SetContent, DeleteMessage, MoveMessage,
// ToggleRole, AddImage and RemoveImage return edited copies of a message
// list and report ErrIndexOutOfRange for bad positions.
package agent
