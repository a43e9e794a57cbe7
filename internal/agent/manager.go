// ABOUTME: In-memory registry of agent conversation documents with debounced persistence
// ABOUTME: Owns the agent list and current pointer; all mutation goes through Manager methods

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/convo-studio/internal/store"
)

// ErrAgentNotFound indicates the specified agent was not found.
var ErrAgentNotFound = errors.New("agent not found")

// DefaultDebounce is the write coalescing window used when none is configured.
const DefaultDebounce = 300 * time.Millisecond

// copySuffix is appended to the name of a duplicated agent.
const copySuffix = " (copy)"

// Persister is the persistence surface the manager writes through.
// *store.Persistence implements it.
type Persister interface {
	MigrateLegacy(ctx context.Context) store.MigrationResult
	LoadAgents(ctx context.Context) ([]*store.Agent, bool)
	CurrentID(ctx context.Context) string
	Commit(ctx context.Context, b store.Batch) bool
	Close()
}

// Timer is a stoppable scheduled call.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d, like time.AfterFunc.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Options configures a Manager.
type Options struct {
	Debounce  time.Duration
	Logger    *slog.Logger
	AfterFunc AfterFunc
	NewID     func() string
}

// Patch lists the fields to change; nil fields are left alone.
type Patch struct {
	Name         *string
	Model        *string
	SystemPrompt *string
	Messages     *[]store.Message
}

// pendingWrite is the single debounced write slot.
type pendingWrite struct {
	id    string
	gen   uint64
	timer Timer
}

// Manager is the in-memory source of truth for agents.
//
// mu guards the in-memory state and is never held across I/O. writeMu
// serializes persistence: every operation that writes takes writeMu before
// snapshotting under mu, so snapshots reach the store in the order they were taken.
type Manager struct {
	store     Persister
	logger    *slog.Logger
	debounce  time.Duration
	afterFunc AfterFunc
	newID     func() string

	writeMu sync.Mutex

	mu        sync.Mutex
	agents    []*store.Agent
	currentID string
	pending   *pendingWrite
	gen       uint64
}

// NewManager creates a Manager over p. Call Load before use.
func NewManager(p Persister, opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	afterFunc := opts.AfterFunc
	if afterFunc == nil {
		afterFunc = realAfterFunc
	}
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}

	return &Manager{
		store:     p,
		logger:    logger.With("component", "agents"),
		debounce:  debounce,
		afterFunc: afterFunc,
		newID:     newID,
	}
}

// Load runs the legacy migration, reads every agent and repairs the
// invariants: there is at least one agent and the current id names one of
// them. Repairs are persisted immediately.
func (m *Manager) Load(ctx context.Context) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	if res := m.store.MigrateLegacy(ctx); res.Migrated {
		m.logger.Info("migrated legacy agents", "count", res.Agents)
	}

	agents, ok := m.store.LoadAgents(ctx)
	if !ok {
		// Stored state is unreadable, not empty. Work in memory and leave
		// the stored order and current id alone.
		m.mu.Lock()
		a := m.newAgentLocked("")
		m.agents = []*store.Agent{a}
		m.currentID = a.ID
		m.mu.Unlock()
		m.logger.Warn("agents unavailable, using an unsaved default agent")
		return
	}
	currentID := m.store.CurrentID(ctx)

	m.mu.Lock()
	var batch store.Batch
	m.agents = agents
	if len(m.agents) == 0 {
		a := m.newAgentLocked("")
		m.agents = append(m.agents, a)
		batch.Save = append(batch.Save, a.Clone())
	}
	m.currentID = currentID
	if m.indexLocked(currentID) < 0 {
		m.currentID = m.agents[0].ID
		m.logger.Debug("repaired current agent", "previous", currentID, "current", m.currentID)
	}
	if len(batch.Save) > 0 || m.currentID != currentID {
		batch.Meta = m.metaLocked()
	}
	count := len(m.agents)
	m.mu.Unlock()

	m.commit(ctx, batch)
	m.logger.Debug("agents loaded", "count", count)
}

// Agents returns copies of every agent in order.
func (m *Manager) Agents() []*store.Agent {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*store.Agent, len(m.agents))
	for i, a := range m.agents {
		out[i] = a.Clone()
	}
	return out
}

// CurrentID returns the id of the current agent.
func (m *Manager) CurrentID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentID
}

// Current returns a copy of the current agent, or nil before Load.
func (m *Manager) Current() *store.Agent {
	m.mu.Lock()
	defer m.mu.Unlock()

	if i := m.indexLocked(m.currentID); i >= 0 {
		return m.agents[i].Clone()
	}
	return nil
}

// Get returns a copy of one agent.
func (m *Manager) Get(id string) (*store.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	i := m.indexLocked(id)
	if i < 0 {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	return m.agents[i].Clone(), nil
}

// CreateAgent appends a new empty agent, makes it current and persists it
// immediately. An empty name becomes "Agent N".
func (m *Manager) CreateAgent(ctx context.Context, name string) *store.Agent {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.Lock()
	a := m.newAgentLocked(name)
	m.agents = append(m.agents, a)
	m.currentID = a.ID
	batch := store.Batch{Save: []*store.Agent{a.Clone()}, Meta: m.metaLocked()}
	out := a.Clone()
	m.mu.Unlock()

	m.commit(ctx, batch)
	m.logger.Info("created agent", "agent_id", out.ID, "name", out.Name)
	return out
}

// UpdateCurrentAgent patches the current agent. See UpdateAgent.
func (m *Manager) UpdateCurrentAgent(patch Patch) error {
	return m.UpdateAgent(m.CurrentID(), patch)
}

// UpdateAgent merges patch into an agent in memory and schedules a debounced
// write. Successive patches re-arm the window and coalesce into one write of
// the latest state. A pending write for another agent is written first.
func (m *Manager) UpdateAgent(id string, patch Patch) error {
	return m.edit(id, func(a *store.Agent) error {
		applyPatch(a, patch)
		return nil
	})
}

// EditMessages replaces an agent's messages with fn's result, debounced like
// UpdateAgent. fn receives a copy; returning an error leaves the agent unchanged.
func (m *Manager) EditMessages(id string, fn func([]store.Message) ([]store.Message, error)) error {
	return m.edit(id, func(a *store.Agent) error {
		msgs, err := fn(store.CloneMessages(a.Messages))
		if err != nil {
			return err
		}
		a.Messages = msgs
		return nil
	})
}

func (m *Manager) edit(id string, fn func(*store.Agent) error) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.Lock()
	i := m.indexLocked(id)
	if i < 0 {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}

	updated := m.agents[i].Clone()
	if err := fn(updated); err != nil {
		m.mu.Unlock()
		return err
	}
	m.agents[i] = updated

	var flushed store.Batch
	if m.pending != nil && m.pending.id != id {
		flushed = m.takePendingLocked()
	}
	m.scheduleLocked(id)
	m.mu.Unlock()

	m.commit(context.Background(), flushed)
	return nil
}

// DeleteAgent removes an agent and persists the change immediately. When the
// current agent is deleted the first remaining one becomes current; deleting
// the last agent creates a fresh "Agent 1".
func (m *Manager) DeleteAgent(ctx context.Context, id string) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.Lock()
	i := m.indexLocked(id)
	if i < 0 {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}

	if m.pending != nil && m.pending.id == id {
		m.dropPendingLocked()
	}

	m.agents = slices.Delete(m.agents, i, i+1)
	batch := store.Batch{Delete: []string{id}}

	if len(m.agents) == 0 {
		a := m.newAgentLocked("")
		m.agents = append(m.agents, a)
		batch.Save = []*store.Agent{a.Clone()}
	}
	if m.currentID == id {
		m.currentID = m.agents[0].ID
	}
	batch.Meta = m.metaLocked()
	m.mu.Unlock()

	m.commit(ctx, batch)
	m.logger.Info("deleted agent", "agent_id", id)
	return nil
}

// DuplicateAgent deep-copies an agent's model, system prompt and messages
// into a new agent appended at the end, makes it current and persists it.
func (m *Manager) DuplicateAgent(ctx context.Context, id string) (*store.Agent, error) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.Lock()
	i := m.indexLocked(id)
	if i < 0 {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}

	src := m.agents[i]
	dup := &store.Agent{
		ID:           m.newID(),
		Name:         src.Name + copySuffix,
		Model:        src.Model,
		SystemPrompt: src.SystemPrompt,
		Messages:     store.CloneMessages(src.Messages),
	}
	m.agents = append(m.agents, dup)
	m.currentID = dup.ID
	batch := store.Batch{Save: []*store.Agent{dup.Clone()}, Meta: m.metaLocked()}
	out := dup.Clone()
	m.mu.Unlock()

	m.commit(ctx, batch)
	m.logger.Info("duplicated agent", "source_id", id, "agent_id", out.ID)
	return out, nil
}

// RenameAgent changes an agent's name and persists it immediately. The write
// carries the agent's full current state, so a pending debounced write for
// the same agent is folded into it.
func (m *Manager) RenameAgent(ctx context.Context, id, name string) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.Lock()
	i := m.indexLocked(id)
	if i < 0 {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}

	updated := m.agents[i].Clone()
	updated.Name = name
	m.agents[i] = updated
	if m.pending != nil && m.pending.id == id {
		m.dropPendingLocked()
	}
	batch := store.Batch{Save: []*store.Agent{updated.Clone()}}
	m.mu.Unlock()

	m.commit(ctx, batch)
	return nil
}

// SetCurrentAgent moves the current pointer and persists only the meta
// value. Unknown ids are ignored and reported as false.
func (m *Manager) SetCurrentAgent(ctx context.Context, id string) bool {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.Lock()
	if m.indexLocked(id) < 0 {
		m.mu.Unlock()
		return false
	}
	m.currentID = id
	meta, err := store.EncodeMeta(map[string]any{store.MetaCurrentID: id})
	m.mu.Unlock()

	if err != nil {
		m.logger.Warn("encoding current id failed", "error", err)
		return true
	}
	m.commit(ctx, store.Batch{Meta: meta})
	return true
}

// Flush writes any pending debounced edit now.
func (m *Manager) Flush(ctx context.Context) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.Lock()
	batch := m.takePendingLocked()
	m.mu.Unlock()

	m.commit(ctx, batch)
}

// Close flushes pending edits and closes the persistence backend.
func (m *Manager) Close(ctx context.Context) {
	m.Flush(ctx)
	m.store.Close()
}

// flushTimer is the debounce timer callback. A timer that lost a race with a
// re-arm or an explicit flush finds a different generation and does nothing.
func (m *Manager) flushTimer(gen uint64) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.Lock()
	if m.pending == nil || m.pending.gen != gen {
		m.mu.Unlock()
		return
	}
	batch := m.takePendingLocked()
	m.mu.Unlock()

	m.commit(context.Background(), batch)
}

func (m *Manager) scheduleLocked(id string) {
	if m.pending != nil {
		m.pending.timer.Stop()
	}
	m.gen++
	gen := m.gen
	m.pending = &pendingWrite{
		id:    id,
		gen:   gen,
		timer: m.afterFunc(m.debounce, func() { m.flushTimer(gen) }),
	}
}

// takePendingLocked clears the pending slot and returns a batch with the
// agent's current state.
func (m *Manager) takePendingLocked() store.Batch {
	if m.pending == nil {
		return store.Batch{}
	}
	id := m.pending.id
	m.dropPendingLocked()

	i := m.indexLocked(id)
	if i < 0 {
		return store.Batch{}
	}
	return store.Batch{Save: []*store.Agent{m.agents[i].Clone()}}
}

func (m *Manager) dropPendingLocked() {
	m.pending.timer.Stop()
	m.pending = nil
}

func (m *Manager) commit(ctx context.Context, b store.Batch) {
	if b.Empty() {
		return
	}
	m.store.Commit(ctx, b)
}

func (m *Manager) newAgentLocked(name string) *store.Agent {
	if name == "" {
		name = fmt.Sprintf("Agent %d", len(m.agents)+1)
	}
	return &store.Agent{
		ID:       m.newID(),
		Name:     name,
		Messages: []store.Message{},
	}
}

func (m *Manager) metaLocked() map[string]json.RawMessage {
	order := make([]string, len(m.agents))
	for i, a := range m.agents {
		order[i] = a.ID
	}
	meta, err := store.EncodeMeta(map[string]any{
		store.MetaCurrentID:  m.currentID,
		store.MetaAgentOrder: order,
	})
	if err != nil {
		m.logger.Warn("encoding agent meta failed", "error", err)
		return nil
	}
	return meta
}

func (m *Manager) indexLocked(id string) int {
	if id == "" {
		return -1
	}
	return slices.IndexFunc(m.agents, func(a *store.Agent) bool { return a.ID == id })
}

func applyPatch(a *store.Agent, p Patch) {
	if p.Name != nil {
		a.Name = *p.Name
	}
	if p.Model != nil {
		a.Model = *p.Model
	}
	if p.SystemPrompt != nil {
		a.SystemPrompt = *p.SystemPrompt
	}
	if p.Messages != nil {
		a.Messages = store.CloneMessages(*p.Messages)
	}
}
