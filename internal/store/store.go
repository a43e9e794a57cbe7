// ABOUTME: Store interface and record types for convo-studio persistence
// ABOUTME: Defines Agent and Message records, the Batch unit of work and the backend contract

package store

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrInvalidRecord is returned when a batch contains a record that cannot be stored
var ErrInvalidRecord = errors.New("invalid record")

// Meta keys
const (
	MetaCurrentID  = "currentId"
	MetaAgentOrder = "agentOrder"
)

// Message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Agent is a named conversation document
type Agent struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Model        string    `json:"model"`
	SystemPrompt string    `json:"systemPrompt,omitempty"`
	Messages     []Message `json:"messages"`
}

// Message is one turn of a conversation. Images hold data URLs, or remote
// URLs until they are inlined.
type Message struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

// Clone returns a deep copy of the agent.
func (a *Agent) Clone() *Agent {
	if a == nil {
		return nil
	}
	c := *a
	c.Messages = CloneMessages(a.Messages)
	return &c
}

// CloneMessages deep-copies a message slice. The result is never nil.
func CloneMessages(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m
		if m.Images != nil {
			out[i].Images = append([]string(nil), m.Images...)
		}
	}
	return out
}

// Batch is a unit of work applied atomically: either every change lands or none does.
type Batch struct {
	Save   []*Agent
	Delete []string
	Meta   map[string]json.RawMessage
}

// Empty reports whether the batch has nothing to apply.
func (b Batch) Empty() bool {
	return len(b.Save) == 0 && len(b.Delete) == 0 && len(b.Meta) == 0
}

func (b Batch) validate() error {
	for _, a := range b.Save {
		if a == nil || a.ID == "" {
			return errors.Join(ErrInvalidRecord, errors.New("agent id is required"))
		}
	}
	for _, id := range b.Delete {
		if id == "" {
			return errors.Join(ErrInvalidRecord, errors.New("delete id is required"))
		}
	}
	for k, v := range b.Meta {
		if k == "" {
			return errors.Join(ErrInvalidRecord, errors.New("meta key is required"))
		}
		if !json.Valid(v) {
			return errors.Join(ErrInvalidRecord, errors.New("meta "+k+" is not valid JSON"))
		}
	}
	return nil
}

// Store is a persistence backend holding the agents and meta collections.
type Store interface {
	// LoadAgents returns every stored agent in the order records were first written.
	LoadAgents(ctx context.Context) ([]*Agent, error)

	// GetMeta returns the raw JSON value of a meta key, or ErrNotFound.
	GetMeta(ctx context.Context, key string) (json.RawMessage, error)

	// Apply writes a batch atomically.
	Apply(ctx context.Context, b Batch) error

	// Clear removes every agent and meta entry.
	Clear(ctx context.Context) error

	Close() error
}

// EncodeMeta marshals meta values for a Batch.
func EncodeMeta(values map[string]any) (map[string]json.RawMessage, error) {
	meta := make(map[string]json.RawMessage, len(values))
	for k, v := range values {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, errors.Join(ErrInvalidRecord, err)
		}
		meta[k] = raw
	}
	return meta, nil
}
