package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"providerlb/message"
	"providerlb/protocol"
)

// RateLimitMiddleware caps the rate of admin commands accepted by the
// wrapped handler using one token bucket, shared by every connection that
// goes through that handler.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, cmd protocol.Command, req *message.Envelope) *message.Envelope {
			if !limiter.Allow() {
				return &message.Envelope{Error: "rate limit exceeded"}
			}
			return next(ctx, cmd, req)
		}
	}
}
