// Package pool fans one logical remote endpoint out over several client channels and
// keeps a set of such pools in step with service discovery.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"chanrpc/channel"
	"chanrpc/client"
	"chanrpc/config"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var ErrNoConnection = errors.New("pool: no member connected")

type Option func(*options)

type options struct {
	log      *zap.Logger
	registry *channel.Registry
	size     int
}

func WithLogger(log *zap.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithRegistry makes every member register its channel in r while active.
func WithRegistry(r *channel.Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithSize overrides consumers.channel.size. It is still capped at config.RunThreads.
func WithSize(n int) Option {
	return func(o *options) { o.size = n }
}

func buildOptions(opts []Option) options {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = zap.L()
	}
	return o
}

// Pool is a fixed set of clients to one endpoint. It is active while at least one
// member channel is active. A pool is never repaired in place; the Manager replaces it.
type Pool struct {
	ep      *config.Endpoint
	clients []*client.Client
	log     *zap.Logger

	closeOnce sync.Once
	closeErr  error
}

// Size returns how many channels a pool opens to ep.
func Size(ep *config.Endpoint, override int) int {
	n := override
	if n <= 0 {
		n = ep.Int(config.KeyChannelSize, 1)
	}
	return max(1, min(n, config.RunThreads))
}

// New dials all members concurrently. Members that fail are logged and left dead;
// New fails only when none of them connects.
func New(ctx context.Context, ep *config.Endpoint, events channel.Events, opts ...Option) (*Pool, error) {
	o := buildOptions(opts)
	p := &Pool{
		ep:  ep,
		log: o.log.Named("pool").With(zap.String("endpoint", ep.GroupAndID())),
	}

	n := Size(ep, o.size)
	copts := []client.Option{client.WithLogger(o.log)}
	if o.registry != nil {
		copts = append(copts, client.WithRegistry(o.registry))
	}
	for i := 0; i < n; i++ {
		c, err := client.New(ep, events, copts...)
		if err != nil {
			return nil, err
		}
		p.clients = append(p.clients, c)
	}

	errs := make([]error, n)
	var g errgroup.Group
	for i, c := range p.clients {
		g.Go(func() error {
			errs[i] = c.Connect(ctx)
			return errs[i]
		})
	}
	if err := g.Wait(); err != nil {
		p.log.Warn("member connect failed", zap.Error(err))
	}
	if !p.IsActive() {
		_ = p.Close()
		if err := multierr.Combine(errs...); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrNoConnection, ep.Address(), err)
		}
		return nil, fmt.Errorf("%w: %s: every member closed after connecting", ErrNoConnection, ep.Address())
	}
	p.log.Info("pool ready", zap.Int("members", n), zap.Int("active", len(p.Channels())))
	return p, nil
}

func (p *Pool) Endpoint() *config.Endpoint { return p.ep }
func (p *Pool) Len() int                   { return len(p.clients) }

func (p *Pool) IsActive() bool {
	for _, c := range p.clients {
		if c.IsActive() {
			return true
		}
	}
	return false
}

// Channels returns the active member channels.
func (p *Pool) Channels() []*channel.Channel {
	out := make([]*channel.Channel, 0, len(p.clients))
	for _, c := range p.clients {
		if c.IsActive() {
			out = append(out, c.Channel())
		}
	}
	return out
}

// Close closes every member gracefully. Only the first call does anything.
func (p *Pool) Close() error {
	p.closeOnce.Do(func() {
		for _, c := range p.clients {
			p.closeErr = multierr.Append(p.closeErr, c.Close())
		}
	})
	return p.closeErr
}
