// ABOUTME: HTTP API handlers for the local proxy
// ABOUTME: GET /api/config describes the catalogue; POST /api/generate streams normalized SSE frames

package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/2389/convo-studio/internal/relay"
	"github.com/2389/convo-studio/internal/sse"
)

// maxGenerateBody caps the /api/generate body; inline images make it large.
const maxGenerateBody = 64 << 20

// handleConfig handles GET /api/config.
func (g *Gateway) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	up := g.config.Upstream
	models := up.Models
	if len(models) == 0 {
		models = []string{up.DefaultModel}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(relay.ServerInfo{
		DefaultModel: up.DefaultModel,
		Models:       models,
		HasAPIKey:    up.APIKey != "",
	})
}

// handleGenerate handles POST /api/generate.
//
// Processing flow:
//  1. Require a credential - the server key or the caller's x-api-key
//  2. Parse and validate the body
//  3. Admit the request through the rate limiter
//  4. Stream the upstream reply as normalized SSE frames
func (g *Gateway) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	clientKey := strings.TrimSpace(r.Header.Get("x-api-key"))
	if g.config.Upstream.APIKey == "" && clientKey == "" {
		g.sendJSONError(w, http.StatusUnauthorized, "no API key configured on the server and none provided")
		return
	}

	req, err := parseGenerateRequest(http.MaxBytesReader(w, r.Body, maxGenerateBody))
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	if g.limiter != nil && !g.limiter.Allow() {
		g.sendJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// The server credential wins; the caller's key fills in when there is none
	if g.config.Upstream.APIKey == "" {
		req.APIKey = clientKey
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	write := func(ev sse.Event) {
		if err := sse.WriteEvent(w, ev); err != nil {
			g.logger.Debug("client write failed", "error", err)
			return
		}
		flusher.Flush()
	}

	// r.Context() ends when the client disconnects, which aborts the upstream call
	g.relay.Generate(r.Context(), *req, relay.Callbacks{
		OnDelta:   func(text string) { write(sse.TextDelta{Text: text}) },
		OnContent: func(text string) { write(sse.Content{Text: text}) },
		OnUsage:   func(u sse.Usage) { write(sse.UsageReport{Usage: u}) },
		OnDone:    func() { write(sse.Done{}) },
		OnError: func(message string) {
			g.logger.Warn("generation failed", "error", message)
			write(sse.Error{Message: message})
		},
	})

	if err := r.Context().Err(); err != nil {
		g.logger.Debug("client disconnected", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// parseGenerateRequest parses and validates a generate body.
// messages must be a non-empty array of well-formed chat messages.
func parseGenerateRequest(r io.Reader) (*relay.Request, error) {
	var body relay.GenerateRequest
	if err := json.NewDecoder(r).Decode(&body); err != nil {
		return nil, errors.New("invalid JSON body")
	}

	raw := bytes.TrimSpace(body.Messages)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, errors.New("messages is required")
	}
	if raw[0] != '[' {
		return nil, errors.New("messages must be an array")
	}

	var wire []relay.WireMessage
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, errors.New("messages must be an array of {role, content} objects")
	}
	if len(wire) == 0 {
		return nil, errors.New("messages must not be empty")
	}

	msgs := make([]relay.Message, len(wire))
	for i, wm := range wire {
		m, err := relay.ParseWireMessage(wm)
		if err != nil {
			return nil, fmt.Errorf("messages[%d]: %v", i, err)
		}
		msgs[i] = m
	}

	return &relay.Request{
		Model:        body.Model,
		SystemPrompt: body.SystemPrompt,
		Messages:     msgs,
	}, nil
}
