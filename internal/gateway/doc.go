// Package gateway is the local proxy that holds the provider credential.
//
// # Overview
//
// Browsers and CLI clients should not carry the provider key. The proxy keeps
// it server-side, relays generations to the OpenAI-compatible upstream and
// re-encodes the provider's stream into the normalized frame vocabulary.
//
// # HTTP API
//
//   - GET /health: liveness, always "OK"
//   - GET /api/config: {defaultModel, models, hasApiKey}
//   - POST /api/generate: {model, systemPrompt, messages} in, text/event-stream out
//
// /api/generate answers 401 when neither the server nor the caller
// (x-api-key header) has a credential, 400 for malformed bodies and 429 when
// the token-bucket limiter rejects the request. Once streaming starts the
// status is 200 and failures arrive as an error frame.
//
// Frames are "data: <json>" lines with type text_delta, content, usage, done
// or error. A client disconnect cancels the upstream request.
//
// # Listeners
//
// By default the proxy listens on server.http_addr. With tailscale.enabled it
// joins the tailnet through tsnet instead, optionally serving HTTPS with
// tailnet certificates or public Funnel.
package gateway
