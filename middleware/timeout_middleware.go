package middleware

import (
	"context"
	"time"

	"providerlb/message"
	"providerlb/protocol"
)

// TimeOutMiddleware bounds how long a single command dispatch may run.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, cmd protocol.Command, req *message.Envelope) *message.Envelope {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.Envelope, 1)
			go func() {
				done <- next(ctx, cmd, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return &message.Envelope{Error: "request timed out"}
			}
		}
	}
}
