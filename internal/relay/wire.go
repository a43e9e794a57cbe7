// ABOUTME: Chat-completions wire types and conversion between messages and content parts
// ABOUTME: Messages with images are sent as text + image_url parts, plain ones as strings

package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Roles accepted on the wire.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one conversation turn handed to the relay.
type Message struct {
	Role    string
	Content string
	Images  []string
}

// WireMessage is a message as it appears in a chat-completions body. Content
// is either a JSON string or an array of ContentPart.
type WireMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// ContentPart is one element of a multi-part message.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL references an image by URL or data URL.
type ImageURL struct {
	URL string `json:"url"`
}

// ErrInvalidContent is returned when a wire message's content is neither a
// string nor an array of parts.
var ErrInvalidContent = errors.New("message content must be a string or an array of parts")

// ToWire converts a message into its wire form.
func ToWire(m Message) (WireMessage, error) {
	var content any = m.Content
	if len(m.Images) > 0 {
		parts := make([]ContentPart, 0, len(m.Images)+1)
		if m.Content != "" {
			parts = append(parts, ContentPart{Type: "text", Text: m.Content})
		}
		for _, img := range m.Images {
			parts = append(parts, ContentPart{Type: "image_url", ImageURL: &ImageURL{URL: img}})
		}
		content = parts
	}

	raw, err := json.Marshal(content)
	if err != nil {
		return WireMessage{}, fmt.Errorf("encoding content: %w", err)
	}
	return WireMessage{Role: m.Role, Content: raw}, nil
}

// ParseWireMessage converts a wire message back into a Message. Text parts
// are joined with newlines.
func ParseWireMessage(w WireMessage) (Message, error) {
	msg := Message{Role: w.Role}
	if len(w.Content) == 0 || string(w.Content) == "null" {
		return msg, nil
	}

	var s string
	if err := json.Unmarshal(w.Content, &s); err == nil {
		msg.Content = s
		return msg, nil
	}

	var parts []ContentPart
	if err := json.Unmarshal(w.Content, &parts); err != nil {
		return Message{}, ErrInvalidContent
	}

	var texts []string
	for _, p := range parts {
		switch p.Type {
		case "text":
			texts = append(texts, p.Text)
		case "image_url":
			if p.ImageURL != nil && p.ImageURL.URL != "" {
				msg.Images = append(msg.Images, p.ImageURL.URL)
			}
		}
	}
	msg.Content = strings.Join(texts, "\n")
	return msg, nil
}

// buildWireMessages prepends the system prompt, when present, to the converted history.
func buildWireMessages(systemPrompt string, messages []Message) ([]WireMessage, error) {
	out := make([]WireMessage, 0, len(messages)+1)
	if strings.TrimSpace(systemPrompt) != "" {
		sys, err := ToWire(Message{Role: RoleSystem, Content: systemPrompt})
		if err != nil {
			return nil, err
		}
		out = append(out, sys)
	}
	for i, m := range messages {
		w, err := ToWire(m)
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		out = append(out, w)
	}
	return out, nil
}

// completionRequest is the body sent straight to the provider.
type completionRequest struct {
	Model         string         `json:"model"`
	Messages      []WireMessage  `json:"messages"`
	Stream        bool           `json:"stream"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// GenerateRequest is the body accepted by the proxy's /api/generate.
type GenerateRequest struct {
	Model        string          `json:"model"`
	SystemPrompt string          `json:"systemPrompt,omitempty"`
	Messages     json.RawMessage `json:"messages"`
}

// errorMessageFromBody extracts a readable message from a non-2xx response.
// Order: nested error.message, string error, raw body, then the status.
func errorMessageFromBody(status int, body []byte) string {
	trimmed := strings.TrimSpace(string(body))

	var envelope struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal([]byte(trimmed), &envelope); err == nil && len(envelope.Error) > 0 {
		var nested struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(envelope.Error, &nested); err == nil && nested.Message != "" {
			return nested.Message
		}
		var s string
		if err := json.Unmarshal(envelope.Error, &s); err == nil && s != "" {
			return s
		}
	}

	if trimmed != "" {
		return trimmed
	}
	return fmt.Sprintf("HTTP %d", status)
}
