// Package middleware implements the onion-style interceptor chain that sits
// between the Consume Processor and the user's typed handler.
package middleware

import (
	"context"

	"github.com/resilientmq/resilientmq/event"
)

// HandlerFunc is the terminal action or any point along the chain: process
// msg and return an error, or nil on success.
type HandlerFunc func(ctx context.Context, msg *event.Message) error

// Middleware wraps a HandlerFunc, producing a new one. A middleware must
// call next exactly once to continue the chain; skipping the call
// terminates the chain without an error (the "conditional skip" case in the
// spec). Errors from next propagate to the caller unless this middleware
// catches them.
type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes mws onion-style around terminal: mws[0] is outermost.
// An empty chain returns terminal directly.
func Chain(mws []Middleware, terminal HandlerFunc) HandlerFunc {
	h := terminal
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
