// Package middleware wraps the entry point of a Dispatch Core.
//
// A handler does not return its response: a delegating operation may answer
// long after the handler was entered, so the response is handed to a
// ReplyFunc whenever it is ready. Middlewares compose as an onion:
//
//	Chain(A, B, C)(h) → A(B(C(h)))
//	A.before → B.before → C.before → h ... reply → C.after → B.after → A.after
package middleware

import (
	"context"

	"mesh-rpc/message"
)

// ReplyFunc delivers the response to a request. It must be called exactly once.
type ReplyFunc func(resp *message.Response)

type HandlerFunc func(ctx context.Context, req *message.Request, reply ReplyFunc)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so the first one given is the outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
