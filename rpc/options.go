package rpc

import (
	"time"

	"chanrpc/executor"
	"chanrpc/loadbalance"
	"chanrpc/middleware"
	"chanrpc/registry"
	"chanrpc/server"

	"go.uber.org/zap"
)

// Option configures a Provider or a Consumer. Options that only make sense on one
// side are ignored by the other.
type Option func(*options)

type options struct {
	log         *zap.Logger
	registry    registry.Registry
	middlewares []middleware.Middleware
	exec        *executor.Pool
	balancer    loadbalance.Balancer
	binders     []server.HandshakeBinder
	quiet       time.Duration
	poolSize    int
}

func WithLogger(log *zap.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithRegistry publishes the provider's endpoint on Serve, or lets the consumer
// Subscribe to groups.
func WithRegistry(r registry.Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithMiddleware appends to the provider's invocation chain or to the consumer's
// sync call chain.
func WithMiddleware(m ...middleware.Middleware) Option {
	return func(o *options) { o.middlewares = append(o.middlewares, m...) }
}

// WithExecutor sets the pool that runs provider invocations and consumer callbacks.
func WithExecutor(p *executor.Pool) Option {
	return func(o *options) { o.exec = p }
}

// WithBalancer sets the consumer's router. The default is round robin.
func WithBalancer(b loadbalance.Balancer) Option {
	return func(o *options) { o.balancer = b }
}

// WithBinder adds custom handshake parameters on the provider.
func WithBinder(b server.HandshakeBinder) Option {
	return func(o *options) { o.binders = append(o.binders, b) }
}

// WithQuietPeriod sets the provider's shutdown grace window.
func WithQuietPeriod(d time.Duration) Option {
	return func(o *options) { o.quiet = d }
}

// WithPoolSize overrides consumers.channel.size for the consumer's pools.
func WithPoolSize(n int) Option {
	return func(o *options) { o.poolSize = n }
}

func buildOptions(opts []Option) options {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = zap.L()
	}
	if o.balancer == nil {
		o.balancer = &loadbalance.RoundRobinBalancer{}
	}
	return o
}
