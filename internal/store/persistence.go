// ABOUTME: Best-effort persistence facade used by the agent manager
// ABOUTME: Falls back to the blob store when SQLite is unavailable and logs instead of returning errors

package store

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/2389/convo-studio/internal/kv"
)

// Options configures Open.
type Options struct {
	// Path is the SQLite database path. Empty means go straight to the fallback.
	Path string

	// Blobs holds the fallback blob and the legacy blob. May be nil, in which
	// case the fallback keeps its state in memory.
	Blobs *kv.Store

	Logger *slog.Logger

	// OpenPrimary opens the rich backend; defaults to NewSQLiteStore.
	OpenPrimary func(path string) (Store, error)
}

// Persistence wraps a Store and never surfaces backend errors to its caller:
// failures are logged and the in-memory state stays authoritative.
type Persistence struct {
	backend  Store
	blobs    *kv.Store
	fallback bool
	logger   *slog.Logger
}

// Open initializes persistence. It never fails: if the primary backend
// cannot be opened, the session uses the blob fallback until it ends.
func Open(opts Options) *Persistence {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "persistence")

	openPrimary := opts.OpenPrimary
	if openPrimary == nil {
		openPrimary = func(path string) (Store, error) {
			return NewSQLiteStore(path)
		}
	}

	p := &Persistence{blobs: opts.Blobs, logger: logger}

	if opts.Path != "" {
		primary, err := openPrimary(opts.Path)
		if err == nil {
			p.backend = primary
			return p
		}
		logger.Warn("primary store unavailable, using fallback", "path", opts.Path, "error", err)
	}

	blob, err := NewBlobStore(opts.Blobs)
	if err != nil {
		logger.Warn("fallback blob unreadable, keeping state in memory", "error", err)
		blob, _ = NewBlobStore(nil)
	}
	p.backend = blob
	p.fallback = true
	return p
}

// NewPersistence wraps an already opened backend.
func NewPersistence(backend Store, blobs *kv.Store, logger *slog.Logger) *Persistence {
	if logger == nil {
		logger = slog.Default()
	}
	return &Persistence{
		backend: backend,
		blobs:   blobs,
		logger:  logger.With("component", "persistence"),
	}
}

// Fallback reports whether the session runs on the blob fallback.
func (p *Persistence) Fallback() bool {
	return p.fallback
}

// LoadAgents returns every agent ordered by the agentOrder meta value, with
// agents missing from it appended in stored order. It reports false when the
// backend could not be read, which is distinct from an empty store.
func (p *Persistence) LoadAgents(ctx context.Context) ([]*Agent, bool) {
	agents, err := p.backend.LoadAgents(ctx)
	if err != nil {
		p.logger.Warn("loading agents failed", "error", err)
		return nil, false
	}

	var order []string
	p.GetMeta(ctx, MetaAgentOrder, &order)
	return OrderAgents(agents, order), true
}

// GetMeta decodes a meta value into dst and reports whether it was present and readable.
func (p *Persistence) GetMeta(ctx context.Context, key string, dst any) bool {
	raw, err := p.backend.GetMeta(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false
	}
	if err != nil {
		p.logger.Warn("loading meta failed", "key", key, "error", err)
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		p.logger.Warn("ignoring unreadable meta value", "key", key, "error", err)
		return false
	}
	return true
}

// CurrentID returns the remembered current agent id, or "" when unset.
func (p *Persistence) CurrentID(ctx context.Context) string {
	var id *string
	if !p.GetMeta(ctx, MetaCurrentID, &id) || id == nil {
		return ""
	}
	return *id
}

// Commit applies a batch. It returns false when the write failed; the failure is logged.
func (p *Persistence) Commit(ctx context.Context, b Batch) bool {
	if b.Empty() {
		return true
	}
	if err := p.backend.Apply(ctx, b); err != nil {
		p.logger.Warn("persisting batch failed",
			"saved", len(b.Save),
			"deleted", len(b.Delete),
			"meta", len(b.Meta),
			"error", err,
		)
		return false
	}
	return true
}

// SaveAgent upserts one agent.
func (p *Persistence) SaveAgent(ctx context.Context, a *Agent) bool {
	return p.Commit(ctx, Batch{Save: []*Agent{a}})
}

// SaveAgents upserts several agents atomically.
func (p *Persistence) SaveAgents(ctx context.Context, agents []*Agent) bool {
	return p.Commit(ctx, Batch{Save: agents})
}

// DeleteAgent removes one agent.
func (p *Persistence) DeleteAgent(ctx context.Context, id string) bool {
	return p.Commit(ctx, Batch{Delete: []string{id}})
}

// SetMeta stores one meta value.
func (p *Persistence) SetMeta(ctx context.Context, key string, value any) bool {
	return p.SetMetaBatch(ctx, map[string]any{key: value})
}

// SetMetaBatch stores several meta values atomically.
func (p *Persistence) SetMetaBatch(ctx context.Context, values map[string]any) bool {
	meta, err := EncodeMeta(values)
	if err != nil {
		p.logger.Warn("encoding meta failed", "error", err)
		return false
	}
	return p.Commit(ctx, Batch{Meta: meta})
}

// Clear removes every agent and meta entry.
func (p *Persistence) Clear(ctx context.Context) bool {
	if err := p.backend.Clear(ctx); err != nil {
		p.logger.Warn("clearing store failed", "error", err)
		return false
	}
	return true
}

// Close releases the backend.
func (p *Persistence) Close() {
	if err := p.backend.Close(); err != nil {
		p.logger.Warn("closing store failed", "error", err)
	}
}

// OrderAgents arranges agents by order. Ids in order that match no agent are
// ignored; agents absent from order keep their relative order at the end.
func OrderAgents(agents []*Agent, order []string) []*Agent {
	byID := make(map[string]*Agent, len(agents))
	for _, a := range agents {
		byID[a.ID] = a
	}

	out := make([]*Agent, 0, len(agents))
	placed := make(map[string]bool, len(agents))
	for _, id := range order {
		if a, ok := byID[id]; ok && !placed[id] {
			out = append(out, a)
			placed[id] = true
		}
	}
	for _, a := range agents {
		if !placed[a.ID] {
			out = append(out, a)
			placed[a.ID] = true
		}
	}
	return out
}
