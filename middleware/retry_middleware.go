package middleware

import (
	"context"
	"time"

	"chanrpc/message"

	"go.uber.org/zap"
)

// Retryable reports whether a failure kind is worth another attempt. Business errors
// and rejections are final.
func Retryable(kind message.ErrorKind) bool {
	switch kind {
	case message.KindTimeout, message.KindTransport, message.KindNoRoute, message.KindNotWritable:
		return true
	}
	return false
}

// RetryMiddleware retries retryable failures up to maxRetries times with exponential
// backoff from baseDelay. Every attempt goes out under a fresh request id so a late
// answer to an earlier attempt cannot complete a later one.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, log *zap.Logger) Middleware {
	if log == nil {
		log = zap.L()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			resp := next(ctx, req)
			for i := 0; i < maxRetries; i++ {
				if resp == nil || !resp.Result.HasError() || !Retryable(resp.Result.ErrKind) {
					return resp
				}
				log.Info("retrying call",
					zap.String("api", req.API),
					zap.String("method", req.Invocation.Method),
					zap.Int("attempt", i+1),
					zap.String("error", resp.Result.ErrMsg))
				select {
				case <-time.After(baseDelay * time.Duration(1<<i)):
				case <-ctx.Done():
					return resp
				}
				req = req.Renew()
				resp = next(ctx, req)
			}
			return resp
		}
	}
}
