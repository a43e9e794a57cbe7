// ABOUTME: Service runs one generation for the current agent and streams it into the transcript
// ABOUTME: The assistant message is patched on every token so history is always the source of truth

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/2389/convo-studio/internal/agent"
	"github.com/2389/convo-studio/internal/images"
	"github.com/2389/convo-studio/internal/relay"
	"github.com/2389/convo-studio/internal/sse"
	"github.com/2389/convo-studio/internal/store"
)

var (
	// ErrNoAgent is returned when there is no current agent to generate for.
	ErrNoAgent = errors.New("no current agent")

	// ErrNoMessages is returned when the current agent has an empty transcript.
	ErrNoMessages = errors.New("agent has no messages")
)

// AgentEditor defines what the service needs from the agent layer
type AgentEditor interface {
	Current() *store.Agent
	EditMessages(id string, fn func([]store.Message) ([]store.Message, error)) error
}

// Generator defines what the service needs from the completion relay
type Generator interface {
	Generate(ctx context.Context, req relay.Request, cb relay.Callbacks) string
}

// Result describes a finished generation.
type Result struct {
	AgentID   string
	Text      string
	Usage     *sse.Usage
	Error     string
	Cancelled bool
}

// Service is the generation layer between the CLI and the relay. It owns the
// assistant placeholder message for the duration of one generation.
type Service struct {
	agents     AgentEditor
	generator  Generator
	httpClient *http.Client
	events     *EventBroadcaster
	logger     *slog.Logger
}

// New creates a new Service. A nil httpClient uses http.DefaultClient for
// image downloads; a nil broadcaster disables progress events.
func New(agents AgentEditor, generator Generator, httpClient *http.Client, events *EventBroadcaster, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Service{
		agents:     agents,
		generator:  generator,
		httpClient: httpClient,
		events:     events,
		logger:     logger.With("component", "conversation"),
	}
}

// Events returns the broadcaster progress is published to, or nil.
func (s *Service) Events() *EventBroadcaster {
	return s.events
}

// Generate sends the current agent's transcript to the model and streams the
// reply into a new assistant message. Transcript writes go through the agent
// layer's debounced path; callers flush when they need the result durable.
//
// The returned error covers failures before the request is sent. Failures
// reported by the model or transport land in Result.Error.
func (s *Service) Generate(ctx context.Context) (*Result, error) {
	current := s.agents.Current()
	if current == nil {
		return nil, ErrNoAgent
	}
	if len(current.Messages) == 0 {
		return nil, ErrNoMessages
	}
	agentID := current.ID

	// 1. Inline remote images so the request is self-contained
	msgs, err := s.inlineImages(ctx, agentID, current.Messages)
	if err != nil {
		return nil, err
	}

	// 2. Append the placeholder the reply streams into
	slot := len(msgs)
	if err := s.agents.EditMessages(agentID, func(m []store.Message) ([]store.Message, error) {
		return agent.AppendMessage(m, store.Message{Role: store.RoleAssistant}), nil
	}); err != nil {
		return nil, fmt.Errorf("adding assistant message: %w", err)
	}

	req := relay.Request{
		Model:        current.Model,
		SystemPrompt: current.SystemPrompt,
		Messages:     toRelayMessages(msgs),
	}

	res := &Result{AgentID: agentID}
	var text string
	sawText := false
	terminal := false

	setText := func(t string) {
		text = t
		sawText = sawText || t != ""
		s.setSlot(agentID, slot, t)
	}

	s.logger.Debug("generation started", "agent_id", agentID, "model", req.Model, "messages", len(msgs))

	final := s.generator.Generate(ctx, req, relay.Callbacks{
		OnDelta: func(delta string) {
			setText(text + delta)
			s.publish(Progress{AgentID: agentID, Kind: ProgressDelta, Text: text})
		},
		OnContent: func(full string) {
			setText(full)
			s.publish(Progress{AgentID: agentID, Kind: ProgressContent, Text: text})
		},
		OnUsage: func(u sse.Usage) {
			res.Usage = &u
			s.publish(Progress{AgentID: agentID, Kind: ProgressUsage, Text: text, Usage: &u})
		},
		OnDone: func() {
			terminal = true
			s.publish(Progress{AgentID: agentID, Kind: ProgressDone, Text: text, Usage: res.Usage})
		},
		OnError: func(message string) {
			terminal = true
			res.Error = message
			s.publish(Progress{AgentID: agentID, Kind: ProgressError, Text: text, Error: message})
		},
	})
	if final != "" {
		text = final
	}
	res.Text = text

	switch {
	case !terminal && ctx.Err() != nil:
		res.Cancelled = true
		if !sawText {
			s.removeSlot(agentID, slot)
		}
		s.publish(Progress{AgentID: agentID, Kind: ProgressCancelled, Text: text})
		s.logger.Info("generation cancelled", "agent_id", agentID, "chars", len(text))
	case res.Error != "":
		if !sawText {
			s.removeSlot(agentID, slot)
		}
		s.logger.Warn("generation failed", "agent_id", agentID, "error", res.Error)
	default:
		s.logger.Info("generation finished", "agent_id", agentID, "chars", len(text))
	}

	return res, nil
}

// inlineImages replaces remote image references with data URLs, patching the
// agent so the download happens once.
func (s *Service) inlineImages(ctx context.Context, agentID string, msgs []store.Message) ([]store.Message, error) {
	out := store.CloneMessages(msgs)
	changed := false

	for i := range out {
		for j, ref := range out[i].Images {
			if !images.IsRemote(ref) {
				continue
			}
			dataURL, err := images.ToDataURL(ctx, s.httpClient, ref)
			if err != nil {
				return nil, fmt.Errorf("message %d image %d: %w", i, j, err)
			}
			out[i].Images[j] = dataURL
			changed = true
		}
	}

	if changed {
		err := s.agents.EditMessages(agentID, func(cur []store.Message) ([]store.Message, error) {
			if len(cur) != len(out) {
				return nil, errors.New("transcript changed while fetching images")
			}
			return store.CloneMessages(out), nil
		})
		if err != nil {
			return nil, fmt.Errorf("saving inlined images: %w", err)
		}
		s.logger.Debug("inlined remote images", "agent_id", agentID)
	}
	return out, nil
}

func (s *Service) setSlot(agentID string, slot int, text string) {
	err := s.agents.EditMessages(agentID, func(m []store.Message) ([]store.Message, error) {
		return agent.SetContent(m, slot, text)
	})
	if err != nil {
		s.logger.Debug("assistant message no longer editable", "agent_id", agentID, "error", err)
	}
}

func (s *Service) removeSlot(agentID string, slot int) {
	err := s.agents.EditMessages(agentID, func(m []store.Message) ([]store.Message, error) {
		return agent.DeleteMessage(m, slot)
	})
	if err != nil {
		s.logger.Debug("assistant message already gone", "agent_id", agentID, "error", err)
	}
}

func (s *Service) publish(p Progress) {
	if s.events != nil {
		s.events.Publish(p)
	}
}

func toRelayMessages(msgs []store.Message) []relay.Message {
	out := make([]relay.Message, len(msgs))
	for i, m := range msgs {
		out[i] = relay.Message{Role: m.Role, Content: m.Content}
		if len(m.Images) > 0 {
			out[i].Images = append([]string(nil), m.Images...)
		}
	}
	return out
}
