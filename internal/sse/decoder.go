// ABOUTME: Incremental decoder that reassembles data: lines across arbitrary chunk boundaries
// ABOUTME: Parses each payload into typed events for either the normalized or provider vocabulary

package sse

import (
	"bytes"
	"encoding/json"
	"strings"
)

const (
	dataPrefix   = "data: "
	doneSentinel = "[DONE]"
)

// Decoder turns a sequence of byte chunks into events. It holds back the
// trailing partial line between calls to Feed. A Decoder is not safe for
// concurrent use and is not restartable: a new stream needs a new Decoder.
type Decoder struct {
	vocab   Vocabulary
	buf     []byte
	skipped int
}

// NewDecoder creates a decoder for the given vocabulary.
func NewDecoder(vocab Vocabulary) *Decoder {
	return &Decoder{vocab: vocab}
}

// Feed appends chunk to the internal buffer and returns the events decoded
// from every complete line it now holds.
func (d *Decoder) Feed(chunk []byte) []Event {
	d.buf = append(d.buf, chunk...)

	var events []Event
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			break
		}
		line := string(d.buf[:i])
		d.buf = d.buf[i+1:]
		events = append(events, d.decodeLine(line)...)
	}

	// Release the backing array once everything has been consumed.
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return events
}

// Flush decodes any unterminated final line. Call it once the source has closed.
func (d *Decoder) Flush() []Event {
	if len(d.buf) == 0 {
		return nil
	}
	line := string(d.buf)
	d.buf = nil
	return d.decodeLine(line)
}

// Skipped reports how many data frames were dropped as malformed or unrecognized.
func (d *Decoder) Skipped() int {
	return d.skipped
}

func (d *Decoder) decodeLine(line string) []Event {
	line = strings.TrimSuffix(line, "\r")
	if !strings.HasPrefix(line, dataPrefix) {
		return nil
	}
	payload := strings.TrimPrefix(line, dataPrefix)

	if d.vocab == Provider && strings.TrimSpace(payload) == doneSentinel {
		return nil
	}

	var events []Event
	var err error
	switch d.vocab {
	case Provider:
		events, err = parseProvider([]byte(payload))
	default:
		var ev Event
		ev, err = parseNormalized([]byte(payload))
		if ev != nil {
			events = []Event{ev}
		}
	}
	if err != nil {
		// Skip malformed frame; partial frames are expected at stream boundaries.
		d.skipped++
		return nil
	}
	return events
}

type normalizedFrame struct {
	Type    string          `json:"type"`
	Delta   string          `json:"delta"`
	Content string          `json:"content"`
	Usage   *Usage          `json:"usage"`
	Error   json.RawMessage `json:"error"`
}

type unknownTypeError string

func (e unknownTypeError) Error() string {
	return "unknown event type " + string(e)
}

func parseNormalized(payload []byte) (Event, error) {
	var f normalizedFrame
	if err := json.Unmarshal(payload, &f); err != nil {
		return nil, err
	}

	switch f.Type {
	case TypeTextDelta:
		return TextDelta{Text: f.Delta}, nil
	case TypeContent:
		return Content{Text: f.Content}, nil
	case TypeUsage:
		var u Usage
		if f.Usage != nil {
			u = *f.Usage
		}
		return UsageReport{Usage: u}, nil
	case TypeError:
		return Error{Message: errorMessage(f.Error)}, nil
	case TypeDone:
		return Done{}, nil
	default:
		return nil, unknownTypeError(f.Type)
	}
}

type providerChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *Usage          `json:"usage"`
	Error json.RawMessage `json:"error"`
}

// parseProvider interprets one chat-completions chunk. An embedded error
// replaces everything else in the chunk. Chunks with neither text nor usage
// (role preambles, finish_reason chunks) yield no events.
func parseProvider(payload []byte) ([]Event, error) {
	var c providerChunk
	if err := json.Unmarshal(payload, &c); err != nil {
		return nil, err
	}

	if len(c.Error) > 0 && string(c.Error) != "null" {
		return []Event{Error{Message: errorMessage(c.Error)}}, nil
	}

	var events []Event
	if len(c.Choices) > 0 && c.Choices[0].Delta.Content != "" {
		events = append(events, TextDelta{Text: c.Choices[0].Delta.Content})
	}
	if c.Usage != nil {
		events = append(events, UsageReport{Usage: *c.Usage})
	}
	return events, nil
}

// errorMessage extracts a readable message from an error field that is
// either a string or an object carrying a message.
func errorMessage(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "unknown error"
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return "unknown error"
		}
		return s
	}

	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	return string(raw)
}
