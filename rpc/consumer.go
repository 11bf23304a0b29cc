package rpc

import (
	"context"
	"fmt"
	"time"

	"chanrpc/channel"
	"chanrpc/codec"
	"chanrpc/config"
	"chanrpc/executor"
	"chanrpc/loadbalance"
	"chanrpc/message"
	"chanrpc/middleware"
	"chanrpc/pool"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// MethodDesc describes one remote method as the caller's stub sees it.
type MethodDesc struct {
	API        string
	Method     string
	ParamTypes []string
	Mode       Mode
	Timeout    time.Duration // 0 uses the channel's timeout
}

// AsyncCallback receives the serialized return value of an async call, or its error.
type AsyncCallback func(value []byte, err error)

// Consumer calls the providers of one group.
type Consumer struct {
	group    string
	services *ServiceRegistry
	manager  *pool.Manager
	sender   *Sender
	balancer loadbalance.Balancer
	exec     *executor.Pool
	ownExec  bool
	opts     options
	syncCall middleware.HandlerFunc
	log      *zap.Logger
}

// NewConsumer creates a consumer for group. services are the ones hosted by this
// process; pass nil when it hosts none.
func NewConsumer(group string, services *ServiceRegistry, opts ...Option) *Consumer {
	o := buildOptions(opts)
	if services == nil {
		services = NewServiceRegistry(nil)
	}
	c := &Consumer{
		group:    group,
		services: services,
		balancer: o.balancer,
		exec:     o.exec,
		opts:     o,
		log:      o.log.Named("rpc.consumer").With(zap.String("group", group)),
	}
	if c.exec == nil {
		c.exec = executor.NewPool("callback-"+group, config.DefaultIOThreads, 0, o.log)
		c.ownExec = true
	}
	c.sender = NewSender(c.exec, o.log)
	c.manager = pool.NewManager(c, pool.WithLogger(o.log), pool.WithSize(o.poolSize))
	c.syncCall = middleware.Chain(o.middlewares...)(c.roundTrip)
	return c
}

func (c *Consumer) Group() string          { return c.group }
func (c *Consumer) Manager() *pool.Manager { return c.manager }
func (c *Consumer) Sender() *Sender        { return c.sender }

// AddEndpoint connects to a provider unless it is this very process. It reports
// whether a new pool was installed.
func (c *Consumer) AddEndpoint(ctx context.Context, ep *config.Endpoint) (bool, error) {
	if c.services.IsLocalInstance(ep.GroupAndID()) {
		return false, nil
	}
	if ep.Group != c.group {
		return false, fmt.Errorf("rpc: endpoint %s is not in group %s", ep.GroupAndID(), c.group)
	}
	return c.manager.Update(ctx, ep)
}

// Subscribe follows the consumer's group in the configured registry.
func (c *Consumer) Subscribe(ctx context.Context) error {
	if c.opts.registry == nil {
		return fmt.Errorf("rpc: consumer %s has no registry", c.group)
	}
	return c.opts.registry.Subscribe(ctx, c.group, c)
}

// Notify implements registry.Listener.
func (c *Consumer) Notify(group string, eps []*config.Endpoint) {
	remote := make([]*config.Endpoint, 0, len(eps))
	for _, ep := range eps {
		if !c.services.IsLocalInstance(ep.GroupAndID()) {
			remote = append(remote, ep)
		}
	}
	c.manager.Notify(group, remote)
}

// Invoke calls md with args. For ModeSync the reply is decoded into reply (a pointer,
// or nil to discard it); the other modes return as soon as the request is out.
func (c *Consumer) Invoke(ctx context.Context, md MethodDesc, args, reply any) error {
	return c.invoke(ctx, "", md, args, reply)
}

// InvokeOn calls the instance groupAndID only. Broadcast methods reach just that
// instance.
func (c *Consumer) InvokeOn(ctx context.Context, groupAndID string, md MethodDesc, args, reply any) error {
	if md.Mode == ModeBroadcast {
		md.Mode = ModeNoWait
	}
	return c.invoke(ctx, groupAndID, md, args, reply)
}

func (c *Consumer) invoke(ctx context.Context, target string, md MethodDesc, args, reply any) error {
	switch md.Mode {
	case ModeBroadcast:
		return c.Broadcast(ctx, md, args)
	case ModeAsync:
		_, err := c.invokeAsync(ctx, target, md, args, nil)
		return err
	}
	req, err := c.newRequest(md, args)
	if err != nil {
		return err
	}
	if c.isLocal(target, md.API) {
		if md.Mode == ModeNoWait {
			return c.exec.Submit(func() { c.services.Invoke(ctx, req) })
		}
		return decodeReply(c.services.Invoke(ctx, req), reply)
	}
	if md.Mode == ModeNoWait {
		ch, err := c.route(target, req)
		if err != nil {
			return err
		}
		return c.sender.Send(ch, req)
	}

	ctx = context.WithValue(ctx, callKey{}, call{target: target, timeout: md.Timeout})
	resp := c.syncCall(ctx, req)
	if resp == nil {
		return &Error{Kind: message.KindProtocol, Msg: "no response"}
	}
	return decodeReply(resp.Result, reply)
}

// InvokeAsync sends the call and returns at once. cb runs on the callback pool with
// the serialized value or the error; it may be nil.
func (c *Consumer) InvokeAsync(ctx context.Context, md MethodDesc, args any, cb AsyncCallback) (*Future, error) {
	return c.invokeAsync(ctx, "", md, args, cb)
}

func (c *Consumer) invokeAsync(ctx context.Context, target string, md MethodDesc, args any, cb AsyncCallback) (*Future, error) {
	req, err := c.newRequest(md, args)
	if err != nil {
		return nil, err
	}
	req.Invocation.Async = true
	if c.isLocal(target, md.API) {
		return nil, c.exec.Submit(func() {
			res := c.services.Invoke(ctx, req)
			if cb != nil {
				cb(res.Value, errorOf(res))
			}
		})
	}
	ch, err := c.route(target, req)
	if err != nil {
		return nil, err
	}
	var scb Callback
	if cb != nil {
		scb = func(resp *message.Response, err error) {
			if err != nil {
				cb(nil, err)
				return
			}
			cb(resp.Result.Value, errorOf(resp.Result))
		}
	}
	return c.sender.Async(ch, req, md.Timeout, scb)
}

// Broadcast sends md to one channel of every active instance of the group and, when
// this process hosts the API in the same group, runs it locally exactly once. Nothing
// is awaited. With no instance and no local service the call is dropped with a
// warning.
func (c *Consumer) Broadcast(ctx context.Context, md MethodDesc, args any) error {
	req, err := c.newRequest(md, args)
	if err != nil {
		return err
	}
	var errs error
	sent := 0
	for _, p := range c.manager.Group(c.group) {
		ch, err := c.balancer.Pick(p.Channels(), req)
		if err != nil {
			continue
		}
		if err := c.sender.Send(ch, req); err != nil {
			c.log.Warn("broadcast send failed", zap.String("endpoint", p.Endpoint().GroupAndID()), zap.Error(err))
			errs = multierr.Append(errs, err)
			continue
		}
		sent++
	}
	local := c.services.HasLocal(c.group, md.API)
	if local {
		errs = multierr.Append(errs, c.exec.Submit(func() { c.services.Invoke(ctx, req) }))
	}
	if sent == 0 && !local {
		c.log.Warn("broadcast reached nobody", zap.String("api", md.API), zap.String("method", md.Method))
	}
	return errs
}

// Close fails pending calls, closes every pool and stops the callback pool.
func (c *Consumer) Close() error {
	c.sender.Shutdown()
	err := c.manager.Close()
	if c.ownExec {
		err = multierr.Append(err, c.exec.Shutdown(context.Background()))
	}
	return err
}

func (c *Consumer) newRequest(md MethodDesc, args any) (*message.Request, error) {
	inv := message.Invocation{Method: md.Method, ParamTypes: md.ParamTypes}
	if args != nil {
		raw, err := encodeValue(args)
		if err != nil {
			return nil, err
		}
		inv.Args = raw
	}
	return message.NewRequest(md.API, c.group, inv), nil
}

func (c *Consumer) isLocal(target, api string) bool {
	if target != "" {
		return c.services.IsLocalInstance(target)
	}
	return c.services.HasLocal(c.group, api)
}

func (c *Consumer) route(target string, req *message.Request) (*channel.Channel, error) {
	var candidates []*channel.Channel
	if target != "" {
		p, ok := c.manager.Get(target)
		if !ok {
			return nil, &Error{Kind: message.KindNoRoute, Msg: "unknown instance " + target}
		}
		candidates = p.Channels()
	} else {
		for _, p := range c.manager.Group(c.group) {
			candidates = append(candidates, p.Channels()...)
		}
	}
	ch, err := c.balancer.Pick(candidates, req)
	if err != nil {
		return nil, &Error{Kind: message.KindNoRoute, Msg: req.String(), Err: err}
	}
	return ch, nil
}

type callKey struct{}

type call struct {
	target  string
	timeout time.Duration
}

// roundTrip is the innermost sync handler: route, send, wait.
func (c *Consumer) roundTrip(ctx context.Context, req *message.Request) *message.Response {
	cl, _ := ctx.Value(callKey{}).(call)
	ch, err := c.route(cl.target, req)
	if err != nil {
		return message.NewResponse(req, resultOf(err))
	}
	resp, err := c.sender.Sync(ctx, ch, req, cl.timeout)
	if err != nil {
		return message.NewResponse(req, resultOf(err))
	}
	return resp
}

func decodeReply(res message.Result, reply any) error {
	if err := errorOf(res); err != nil {
		return err
	}
	if reply == nil || len(res.Value) == 0 {
		return nil
	}
	if err := codec.Values.Decode(res.Value, reply); err != nil {
		return &Error{Kind: message.KindSerialization, Msg: "decode reply", Err: err}
	}
	return nil
}

// OnActive adopts the envelope codec the provider announced in its handshake.
func (c *Consumer) OnActive(ch *channel.Channel) {
	ct := codec.CodecTypeJSON
	if v, ok := ch.Attr(channel.AttrHandshake); ok {
		if hd, ok := v.(*message.HandshakeData); ok {
			parsed, err := codec.ParseType(hd.System[message.SysCodec])
			if err != nil {
				c.log.Warn("unknown codec in handshake, using json", zap.String("channel", ch.ID()), zap.Error(err))
			} else {
				ct = parsed
			}
		}
	}
	ch.SetAttr(channel.AttrCodec, codec.GetCodec(ct))
}

func (c *Consumer) OnData(ch *channel.Channel, msg message.Message) {
	kind, body, err := message.SplitData(msg.Payload)
	if err != nil || kind != message.DataResponse {
		c.log.Debug("ignoring data", zap.String("channel", ch.ID()))
		return
	}
	resp := &message.Response{}
	if err := CodecOf(ch).Decode(body, resp); err != nil {
		c.log.Warn("undecodable response", zap.String("channel", ch.ID()), zap.Error(err))
		return
	}
	c.sender.Received(ch, resp)
}

// OnDestroy leaves calls in flight on ch to their timeouts.
func (c *Consumer) OnDestroy(ch *channel.Channel) {
	c.log.Debug("provider channel gone", zap.String("channel", ch.ID()))
}

// Call is Invoke with a typed reply.
func Call[R any](ctx context.Context, c *Consumer, md MethodDesc, args any) (R, error) {
	var reply R
	err := c.Invoke(ctx, md, args, &reply)
	return reply, err
}

// CallAsync is InvokeAsync with a typed callback.
func CallAsync[R any](ctx context.Context, c *Consumer, md MethodDesc, args any, cb func(R, error)) (*Future, error) {
	return c.InvokeAsync(ctx, md, args, func(value []byte, err error) {
		var reply R
		if err == nil && len(value) > 0 {
			if derr := codec.Values.Decode(value, &reply); derr != nil {
				err = &Error{Kind: message.KindSerialization, Msg: "decode reply", Err: derr}
			}
		}
		cb(reply, err)
	})
}
