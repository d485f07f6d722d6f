// Package middleware wraps the admin listener's command dispatch with
// cross-cutting concerns (logging, timeout, retry, rate limiting) using an
// onion-model chain around the business handler.
package middleware

import (
	"context"

	"providerlb/message"
	"providerlb/protocol"
)

// HandlerFunc dispatches one admin command and returns the response
// envelope. cmd is the fixed operation the frame header named; req carries
// whatever command-specific arguments the body held (today, none — stats
// and get both take none).
type HandlerFunc func(ctx context.Context, cmd protocol.Command, req *message.Envelope) *message.Envelope

// Middleware wraps a HandlerFunc with additional behavior.
type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares into the onion model:
//
//	Chain(A, B, C)(handler) → A(B(C(handler)))
//	execution order: A.before → B.before → C.before → handler → C.after → B.after → A.after
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
