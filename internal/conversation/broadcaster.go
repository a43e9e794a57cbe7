// ABOUTME: In-memory fan-out of generation progress to watchers of an agent
// ABOUTME: Each Progress carries the full text so far, so a dropped event loses nothing

package conversation

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/convo-studio/internal/sse"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64
)

// ProgressKind identifies a step of a generation.
type ProgressKind string

const (
	ProgressDelta     ProgressKind = "delta"
	ProgressContent   ProgressKind = "content"
	ProgressUsage     ProgressKind = "usage"
	ProgressDone      ProgressKind = "done"
	ProgressError     ProgressKind = "error"
	ProgressCancelled ProgressKind = "cancelled"
)

// Progress is one observation of a running generation.
type Progress struct {
	AgentID string
	Kind    ProgressKind

	// Text is the assistant text accumulated so far.
	Text  string
	Usage *sse.Usage
	Error string
}

// EventBroadcaster provides in-memory pub/sub for generation progress.
// Subscribers register for an agent id and receive every Progress published
// for it. Publishing never blocks: slow subscribers miss intermediate events,
// which is harmless because each event carries the cumulative text.
type EventBroadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan Progress // agentID -> subID -> ch
	logger      *slog.Logger
}

// NewEventBroadcaster creates a broadcaster. Pass nil logger for default.
func NewEventBroadcaster(logger *slog.Logger) *EventBroadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBroadcaster{
		subscribers: make(map[string]map[string]chan Progress),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber for progress on the given agent.
// Returns the event channel and a subscription ID for Unsubscribe. The
// subscription is removed automatically when ctx is cancelled.
func (b *EventBroadcaster) Subscribe(ctx context.Context, agentID string) (<-chan Progress, string) {
	subID := uuid.New().String()
	ch := make(chan Progress, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[agentID]; !ok {
		b.subscribers[agentID] = make(map[string]chan Progress)
	}
	b.subscribers[agentID][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "agent_id", agentID, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(agentID, subID)
	}()

	return ch, subID
}

// Publish sends p to all subscribers of p.AgentID.
func (b *EventBroadcaster) Publish(p Progress) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subscribers[p.AgentID] {
		select {
		case ch <- p:
		default:
			b.logger.Debug("dropped progress for slow subscriber",
				"agent_id", p.AgentID,
				"sub_id", id,
				"kind", p.Kind)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *EventBroadcaster) Unsubscribe(agentID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[agentID]
	if !ok {
		return
	}

	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)

	if len(subs) == 0 {
		delete(b.subscribers, agentID)
	}

	b.logger.Debug("subscriber removed", "agent_id", agentID, "sub_id", subID)
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *EventBroadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for agentID, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, agentID)
	}

	b.logger.Debug("broadcaster closed")
}
