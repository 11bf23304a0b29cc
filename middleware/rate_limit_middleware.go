package middleware

import (
	"context"

	"chanrpc/message"

	"golang.org/x/time/rate"
)

// RateLimitMiddleware rejects calls beyond r per second with bursts of up to burst,
// using a token bucket shared by every call through the returned middleware.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			if !limiter.Allow() {
				return fail(req, message.KindRejected, "rate limit exceeded")
			}
			return next(ctx, req)
		}
	}
}
