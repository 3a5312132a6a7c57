package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"mesh-rpc/message"
)

// LoggingMiddleware logs every request once its response is ready, with the
// time spent between arrival and reply.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request, reply ReplyFunc) {
			start := time.Now()
			next(ctx, req, func(resp *message.Response) {
				fields := []zap.Field{
					zap.String("service", req.Service),
					zap.String("operation", req.Operation),
					zap.Duration("duration", time.Since(start)),
				}
				if resp.Failed() {
					logger.Warn("request failed", append(fields,
						zap.Stringer("kind", resp.Kind),
						zap.String("error", resp.Error))...)
				} else {
					logger.Debug("request completed", fields...)
				}
				reply(resp)
			})
		}
	}
}
