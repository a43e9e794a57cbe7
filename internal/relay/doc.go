// Package relay executes streaming chat-completion requests.
//
// A Relay runs in one of two modes. In Proxied mode requests go to the local
// proxy's /api/generate endpoint, which holds the shared credential and
// answers with the normalized event vocabulary. In Direct mode requests go
// straight to the provider's /chat/completions endpoint with a bearer key and
// the relay normalizes the provider's chunks itself. ResolveMode chooses
// between them from the proxy's /api/config answer.
//
// Results are delivered through Callbacks in a fixed order:
//
//	OnDelta* -> OnContent? -> OnUsage? -> OnDone
//
// or a single terminal OnError. A stream that ends without an explicit done
// event completes normally. Cancelling the request context aborts the HTTP
// call and suppresses every later callback, OnError included, leaving the
// deltas already delivered as the final state.
package relay
