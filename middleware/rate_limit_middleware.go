package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"mesh-rpc/message"
	"mesh-rpc/rpcerr"
)

// RateLimitMiddleware admits requests through a token bucket of r tokens per
// second and the given burst. Rejected requests fail with RemoteFailure and
// never reach the Dispatch Core.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request, reply ReplyFunc) {
			if !limiter.Allow() {
				reply(message.Failure(rpcerr.New(rpcerr.KindRemoteFailure, req.Service, req.Operation, "rate limit exceeded")))
				return
			}
			next(ctx, req, reply)
		}
	}
}
