package middleware

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"providerlb/message"
	"providerlb/protocol"
)

// RetryMiddleware retries a command a bounded number of times with
// exponential backoff when the handler reports a transient error, e.g. a
// dispatch hitting a provider mid-eviction.
func RetryMiddleware(logger *zap.Logger, maxRetries int, baseDelay time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, cmd protocol.Command, req *message.Envelope) *message.Envelope {
			resp := next(ctx, cmd, req)
			for i := 0; i < maxRetries; i++ {
				if resp.Error == "" {
					return resp
				}
				if !strings.Contains(resp.Error, "unavailable") && !strings.Contains(resp.Error, "timeout") {
					return resp // non-retryable, return immediately
				}
				logger.Info("retrying admin command",
					zap.Stringer("command", cmd),
					zap.Int("attempt", i+1),
					zap.String("error", resp.Error))
				time.Sleep(baseDelay * time.Duration(1<<i))
				resp = next(ctx, cmd, req)
			}
			return resp
		}
	}
}
