package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"providerlb/message"
	"providerlb/protocol"
)

// LoggingMiddleware logs each admin command with its duration and, if the
// handler returned an error envelope, the error text.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, cmd protocol.Command, req *message.Envelope) *message.Envelope {
			start := time.Now()
			resp := next(ctx, cmd, req)
			duration := time.Since(start)
			if resp.Error != "" {
				logger.Warn("admin command failed",
					zap.Stringer("command", cmd),
					zap.Duration("duration", duration),
					zap.String("error", resp.Error))
			} else {
				logger.Debug("admin command handled",
					zap.Stringer("command", cmd),
					zap.Duration("duration", duration))
			}
			return resp
		}
	}
}
