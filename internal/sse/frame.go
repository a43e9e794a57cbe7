// ABOUTME: Writer side of the normalized vocabulary
// ABOUTME: Encodes events as data: <json> frames for the local proxy's SSE responses

package sse

import (
	"encoding/json"
	"fmt"
	"io"
)

// NormalizedFrame is the wire shape of one normalized event.
type NormalizedFrame struct {
	Type    string `json:"type"`
	Delta   string `json:"delta,omitempty"`
	Content string `json:"content,omitempty"`
	Usage   *Usage `json:"usage,omitempty"`
	Error   string `json:"error,omitempty"`
}

// FrameFor converts an event into its normalized wire frame.
func FrameFor(ev Event) NormalizedFrame {
	switch e := ev.(type) {
	case TextDelta:
		return NormalizedFrame{Type: TypeTextDelta, Delta: e.Text}
	case Content:
		return NormalizedFrame{Type: TypeContent, Content: e.Text}
	case UsageReport:
		u := e.Usage
		return NormalizedFrame{Type: TypeUsage, Usage: &u}
	case Error:
		return NormalizedFrame{Type: TypeError, Error: e.Message}
	case Done:
		return NormalizedFrame{Type: TypeDone}
	default:
		return NormalizedFrame{Type: TypeError, Error: fmt.Sprintf("unsupported event %T", ev)}
	}
}

// WriteFrame marshals payload and writes it as a single data frame.
func WriteFrame(w io.Writer, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling frame: %w", err)
	}
	if _, err := fmt.Fprintf(w, "%s%s\n\n", dataPrefix, data); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// WriteEvent writes ev as a normalized frame.
func WriteEvent(w io.Writer, ev Event) error {
	return WriteFrame(w, FrameFor(ev))
}
