package middleware

import (
	"context"
	"time"

	"chanrpc/message"
)

// TimeOutMiddleware answers with a TIMEOUT response when next takes longer than
// timeout. next keeps running with a cancelled ctx; its late result is discarded.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.Response, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return fail(req, message.KindTimeout, "request timed out")
			}
		}
	}
}
