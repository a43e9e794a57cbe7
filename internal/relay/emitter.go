// ABOUTME: Callback guard enforcing delivery order and terminal semantics for one generation
// ABOUTME: Suppresses every callback after cancellation and after the first done or error

package relay

import (
	"context"
	"strings"

	"github.com/2389/convo-studio/internal/sse"
)

// Callbacks receive the normalized results of one generation. Any field may be nil.
//
// Delivery order is OnDelta* then OnContent? then OnUsage? then OnDone, or
// OnError at most once in place of the rest. Nothing is delivered after the
// request context is cancelled.
type Callbacks struct {
	OnDelta   func(text string)
	OnContent func(fullText string)
	OnUsage   func(usage sse.Usage)
	OnDone    func()
	OnError   func(message string)
}

type emitter struct {
	ctx context.Context
	cb  Callbacks

	acc         strings.Builder
	final       string
	contentSent bool
	usage       *sse.Usage
	finished    bool
}

func newEmitter(ctx context.Context, cb Callbacks) *emitter {
	return &emitter{ctx: ctx, cb: cb}
}

func (e *emitter) active() bool {
	return !e.finished && e.ctx.Err() == nil
}

func (e *emitter) delta(text string) {
	if !e.active() || e.contentSent {
		return
	}
	e.acc.WriteString(text)
	if e.cb.OnDelta != nil {
		e.cb.OnDelta(text)
	}
}

func (e *emitter) content(text string) {
	if !e.active() || e.contentSent {
		return
	}
	e.contentSent = true
	e.final = text
	if e.cb.OnContent != nil {
		e.cb.OnContent(text)
	}
}

// recordUsage buffers usage so it is delivered after content.
func (e *emitter) recordUsage(u sse.Usage) {
	if !e.active() {
		return
	}
	e.usage = &u
}

// done completes the generation. Accumulated text stands in for a content
// event that never arrived. Repeated calls are no-ops.
func (e *emitter) done() {
	if !e.active() {
		return
	}
	if !e.contentSent && e.acc.Len() > 0 {
		e.content(e.acc.String())
	}
	if e.usage != nil && e.cb.OnUsage != nil {
		e.cb.OnUsage(*e.usage)
	}
	e.finished = true
	if e.cb.OnDone != nil {
		e.cb.OnDone()
	}
}

func (e *emitter) fail(message string) {
	if !e.active() {
		return
	}
	e.finished = true
	if e.cb.OnError != nil {
		e.cb.OnError(message)
	}
}

// text returns the final content if one was delivered, otherwise the running concatenation.
func (e *emitter) text() string {
	if e.contentSent {
		return e.final
	}
	return e.acc.String()
}
