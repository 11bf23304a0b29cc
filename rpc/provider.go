package rpc

import (
	"context"
	"errors"
	"strings"

	"chanrpc/channel"
	"chanrpc/codec"
	"chanrpc/config"
	"chanrpc/executor"
	"chanrpc/message"
	"chanrpc/middleware"
	"chanrpc/registry"
	"chanrpc/server"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Provider serves a ServiceRegistry on an endpoint.
type Provider struct {
	ep       *config.Endpoint
	services *ServiceRegistry
	server   *server.Server
	codec    codec.Codec
	handler  middleware.HandlerFunc
	exec     *executor.Pool
	ownExec  bool
	registry registry.Registry
	log      *zap.Logger

	published *config.Endpoint
}

func NewProvider(ep *config.Endpoint, services *ServiceRegistry, opts ...Option) (*Provider, error) {
	o := buildOptions(opts)
	ct, err := codec.ParseType(ep.String(config.KeyCodec, ""))
	if err != nil {
		return nil, err
	}
	p := &Provider{
		ep:       ep,
		services: services,
		codec:    codec.GetCodec(ct),
		exec:     o.exec,
		registry: o.registry,
		log:      o.log.Named("rpc.provider").With(zap.String("endpoint", ep.GroupAndID())),
	}
	if p.exec == nil {
		p.exec = executor.NewPool("invoke-"+ep.GroupAndID(), ep.Int(config.KeyIOThreads, config.DefaultIOThreads), 0, o.log)
		p.ownExec = true
	}
	p.handler = middleware.Chain(o.middlewares...)(p.invoke)

	sopts := []server.Option{server.WithLogger(o.log)}
	for _, b := range o.binders {
		sopts = append(sopts, server.WithBinder(b))
	}
	if o.quiet > 0 {
		sopts = append(sopts, server.WithQuietPeriod(o.quiet))
	}
	if p.server, err = server.New(ep, p, sopts...); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Provider) Server() *server.Server     { return p.server }
func (p *Provider) Services() *ServiceRegistry { return p.services }
func (p *Provider) Endpoint() *config.Endpoint { return p.ep }

// Serve starts accepting and, with a registry, publishes the endpoint at the address
// actually bound, listing the hosted APIs.
func (p *Provider) Serve(ctx context.Context) error {
	if err := p.server.Start(); err != nil {
		return err
	}
	if p.registry == nil {
		return nil
	}
	ep, err := p.ep.WithAddress(p.server.Addr().String())
	if err != nil {
		return err
	}
	ep = ep.With(config.KeyInterface, strings.Join(p.services.APIs(), ","))
	if err := p.registry.Register(ctx, ep); err != nil {
		return err
	}
	p.published = ep
	return nil
}

// Shutdown deregisters, then shuts the server down and waits for running invocations.
func (p *Provider) Shutdown(ctx context.Context) error {
	var err error
	if p.registry != nil && p.published != nil {
		err = multierr.Append(err, p.registry.Deregister(ctx, p.published))
		p.published = nil
	}
	err = multierr.Append(err, p.server.Shutdown(ctx))
	if p.ownExec {
		err = multierr.Append(err, p.exec.Shutdown(ctx))
	}
	return err
}

func (p *Provider) OnActive(ch *channel.Channel) {
	ch.SetAttr(channel.AttrCodec, p.codec)
}

func (p *Provider) OnData(ch *channel.Channel, msg message.Message) {
	kind, body, err := message.SplitData(msg.Payload)
	if err != nil {
		p.log.Debug("empty data", zap.String("channel", ch.ID()))
		return
	}
	if kind != message.DataRequest {
		p.log.Debug("ignoring data", zap.String("channel", ch.ID()), zap.Uint8("kind", uint8(kind)))
		return
	}
	req := &message.Request{}
	if err := p.codec.Decode(body, req); err != nil {
		p.log.Warn("undecodable request", zap.String("channel", ch.ID()), zap.Error(err))
		return
	}
	// the server already runs us on the channel's ordered queue when it has one
	if _, ordered := ch.Attr(channel.AttrOrdered); ordered {
		p.serve(ch, req)
		return
	}
	if err := p.exec.Submit(func() { p.serve(ch, req) }); err != nil {
		if !p.services.Mode(req.API, req.Invocation.Method).Replies() {
			p.log.Debug("call dropped, provider stopping", zap.String("channel", ch.ID()), zap.Stringer("req", req))
			return
		}
		p.reply(ch, message.NewResponse(req, message.ErrorResult(message.KindShutdown, "provider stopping")))
	}
}

func (p *Provider) OnDestroy(ch *channel.Channel) {
	p.log.Debug("consumer gone", zap.String("channel", ch.ID()))
}

func (p *Provider) serve(ch *channel.Channel, req *message.Request) {
	ctx := context.WithValue(context.Background(), channelKey{}, ch)
	resp := p.handler(ctx, req)
	if !p.services.Mode(req.API, req.Invocation.Method).Replies() || resp == nil {
		return
	}
	p.reply(ch, resp)
}

func (p *Provider) invoke(ctx context.Context, req *message.Request) *message.Response {
	return message.NewResponse(req, p.services.Invoke(ctx, req))
}

// reply writes resp. A response that cannot be encoded or framed is replaced by an
// error response of the same kind, so the caller does not wait for its timeout.
func (p *Provider) reply(ch *channel.Channel, resp *message.Response) {
	err := writeData(ch, message.DataResponse, resp)
	var re *Error
	if errors.As(err, &re) && (re.Kind == message.KindSerialization || re.Kind == message.KindProtocol) {
		p.log.Warn("response replaced by error", zap.String("channel", ch.ID()), zap.Uint64("req", resp.ID()), zap.Error(err))
		err = writeData(ch, message.DataResponse, message.NewResponse(resp.Request, message.ErrorResult(re.Kind, err.Error())))
	}
	if err != nil {
		p.log.Warn("response not sent", zap.String("channel", ch.ID()), zap.Uint64("req", resp.ID()), zap.Error(err))
	}
}
