// ABOUTME: Completion relay executing one streaming chat-completion request
// ABOUTME: Talks to the local proxy or the provider directly and surfaces results through callbacks

package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/2389/convo-studio/internal/sse"
)

// maxErrorBody bounds how much of a failed response is read for its message.
const maxErrorBody = 64 * 1024

// Config configures a Relay.
type Config struct {
	Mode Mode

	// ProxyURL is the local proxy base URL, used in Proxied mode.
	ProxyURL string

	// UpstreamURL is the provider base URL (for example https://openrouter.ai/api/v1),
	// used in Direct mode.
	UpstreamURL string

	// APIKey is the credential used in Direct mode when the request carries none.
	APIKey string

	// DefaultModel substitutes for an empty Request.Model.
	DefaultModel string

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Request is one generation.
type Request struct {
	Model        string
	SystemPrompt string
	Messages     []Message

	// APIKey overrides Config.APIKey. In Proxied mode it is forwarded as x-api-key.
	APIKey string
}

// Relay executes chat-completion requests.
type Relay struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

// New creates a Relay.
func New(cfg Config) *Relay {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg.ProxyURL = strings.TrimRight(cfg.ProxyURL, "/")
	cfg.UpstreamURL = strings.TrimRight(cfg.UpstreamURL, "/")

	return &Relay{
		cfg:    cfg,
		client: client,
		logger: logger.With("component", "relay"),
	}
}

// Mode reports the relay's operating mode.
func (r *Relay) Mode() Mode {
	return r.cfg.Mode
}

// Generate runs one generation and returns the accumulated text. Failures are
// reported through cb.OnError, never returned. Cancelling ctx aborts the
// request and silences every further callback.
func (r *Relay) Generate(ctx context.Context, req Request, cb Callbacks) string {
	em := newEmitter(ctx, cb)

	model := req.Model
	if model == "" {
		model = r.cfg.DefaultModel
	}

	var (
		httpReq *http.Request
		vocab   sse.Vocabulary
		err     error
	)
	switch r.cfg.Mode {
	case Proxied:
		httpReq, err = r.proxiedRequest(ctx, model, req)
		vocab = sse.Normalized
	default:
		key := req.APIKey
		if key == "" {
			key = r.cfg.APIKey
		}
		if key == "" {
			em.fail("no API key configured: set one or start the local proxy with a server-side key")
			return ""
		}
		httpReq, err = r.directRequest(ctx, model, key, req)
		vocab = sse.Provider
	}
	if err != nil {
		em.fail(err.Error())
		return ""
	}

	r.logger.Debug("starting generation",
		"mode", r.cfg.Mode.String(),
		"model", model,
		"messages", len(req.Messages),
	)

	resp, err := r.client.Do(httpReq)
	if err != nil {
		em.fail(fmt.Sprintf("request failed: %v", err))
		return ""
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		msg := errorMessageFromBody(resp.StatusCode, body)
		r.logger.Warn("generation rejected", "status", resp.StatusCode, "error", msg)
		em.fail(msg)
		return ""
	}

	stream := sse.NewStream(resp.Body, vocab)
	for stream.Next() {
		switch ev := stream.Event().(type) {
		case sse.TextDelta:
			em.delta(ev.Text)
		case sse.Content:
			em.content(ev.Text)
		case sse.UsageReport:
			em.recordUsage(ev.Usage)
		case sse.Error:
			em.fail(ev.Message)
			return em.text()
		case sse.Done:
			em.done()
			return em.text()
		}
		if ctx.Err() != nil {
			return em.text()
		}
	}

	if err := stream.Err(); err != nil {
		if ctx.Err() == nil {
			r.logger.Warn("stream interrupted", "error", err)
		}
		em.fail(fmt.Sprintf("stream interrupted: %v", err))
		return em.text()
	}

	if skipped := stream.Skipped(); skipped > 0 {
		r.logger.Debug("skipped malformed frames", "count", skipped)
	}

	// End of stream without an explicit done.
	em.done()
	return em.text()
}

func (r *Relay) directRequest(ctx context.Context, model, key string, req Request) (*http.Request, error) {
	messages, err := buildWireMessages(req.SystemPrompt, req.Messages)
	if err != nil {
		return nil, fmt.Errorf("building messages: %w", err)
	}

	body, err := json.Marshal(completionRequest{
		Model:         model,
		Messages:      messages,
		Stream:        true,
		StreamOptions: &streamOptions{IncludeUsage: true},
	})
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.UpstreamURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+key)
	return httpReq, nil
}

func (r *Relay) proxiedRequest(ctx context.Context, model string, req Request) (*http.Request, error) {
	messages, err := buildWireMessages("", req.Messages)
	if err != nil {
		return nil, fmt.Errorf("building messages: %w", err)
	}
	rawMessages, err := json.Marshal(messages)
	if err != nil {
		return nil, fmt.Errorf("encoding messages: %w", err)
	}

	body, err := json.Marshal(GenerateRequest{
		Model:        model,
		SystemPrompt: req.SystemPrompt,
		Messages:     rawMessages,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.ProxyURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if req.APIKey != "" {
		httpReq.Header.Set("x-api-key", req.APIKey)
	}
	return httpReq, nil
}
