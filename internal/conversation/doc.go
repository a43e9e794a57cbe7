// Package conversation runs generations against an agent's transcript.
//
// # Service
//
//	svc := conversation.New(agentManager, completionRelay, httpClient, broadcaster, logger)
//	res, err := svc.Generate(ctx)
//
// Generate works on the current agent:
//
//  1. Remote image references are downloaded and replaced by data URLs
//  2. An empty assistant message is appended as the reply slot
//  3. The relay streams the reply; every delta and the final content patch
//     the slot through the agent manager's debounced writes
//  4. An error before any text removes the slot; partial text survives
//     both errors and cancellation
//
// Errors returned by Generate are precondition failures (no agent, empty
// transcript, image download). Model and transport failures are reported in
// Result.Error.
//
// # Progress Broadcasting
//
// When a broadcaster is configured, each step is published as a Progress
// keyed by agent id. Progress carries the full text so far, so subscribers
// can render from any event they happen to receive.
package conversation
