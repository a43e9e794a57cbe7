// ABOUTME: Typed stream events decoded from server-sent event frames
// ABOUTME: A sealed sum type over text deltas, final content, usage, errors and completion

package sse

// Event is one decoded stream event. The concrete type is one of
// TextDelta, Content, UsageReport, Error or Done.
type Event interface {
	isEvent()
}

// TextDelta is an incremental fragment of generated text.
type TextDelta struct {
	Text string
}

// Content carries the final accumulated text of a generation.
type Content struct {
	Text string
}

// UsageReport carries token accounting for a finished generation.
type UsageReport struct {
	Usage Usage
}

// Error is a terminal error reported inside an otherwise successful stream.
type Error struct {
	Message string
}

// Done marks the end of a generation.
type Done struct{}

func (TextDelta) isEvent()   {}
func (Content) isEvent()     {}
func (UsageReport) isEvent() {}
func (Error) isEvent()       {}
func (Done) isEvent()        {}

// Usage is the token accounting reported by the provider.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Vocabulary selects how frame payloads are interpreted.
type Vocabulary int

const (
	// Normalized is the proxy's own shape: {"type": "...", ...}.
	Normalized Vocabulary = iota
	// Provider is the OpenAI-compatible chat-completions chunk shape,
	// terminated by a literal [DONE] line.
	Provider
)

func (v Vocabulary) String() string {
	switch v {
	case Normalized:
		return "normalized"
	case Provider:
		return "provider"
	default:
		return "unknown"
	}
}

// Normalized event type tags.
const (
	TypeTextDelta = "text_delta"
	TypeContent   = "content"
	TypeUsage     = "usage"
	TypeError     = "error"
	TypeDone      = "done"
)
