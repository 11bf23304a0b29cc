// Package middleware wraps request handlers. Provider chains run around the invoked
// method; the consumer chain runs around the send-and-wait of one call.
package middleware

import (
	"context"

	"chanrpc/message"
)

type HandlerFunc func(ctx context.Context, req *message.Request) *message.Response

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares; the first one is the outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

func fail(req *message.Request, kind message.ErrorKind, msg string) *message.Response {
	return message.NewResponse(req, message.ErrorResult(kind, msg))
}
