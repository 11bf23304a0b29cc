package middleware

import (
	"context"
	"time"

	"chanrpc/message"

	"go.uber.org/zap"
)

func LoggingMiddleware(log *zap.Logger) Middleware {
	if log == nil {
		log = zap.L()
	}
	log = log.Named("rpc")
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			start := time.Now()
			resp := next(ctx, req)
			fields := []zap.Field{
				zap.String("api", req.API),
				zap.String("method", req.Invocation.Method),
				zap.Uint64("req", req.ID),
				zap.Duration("duration", time.Since(start)),
			}
			if resp != nil && resp.Result.HasError() {
				fields = append(fields, zap.Stringer("kind", resp.Result.ErrKind), zap.String("error", resp.Result.ErrMsg))
				log.Warn("call failed", fields...)
				return resp
			}
			log.Debug("call", fields...)
			return resp
		}
	}
}
