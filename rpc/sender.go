package rpc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"chanrpc/channel"
	"chanrpc/codec"
	"chanrpc/config"
	"chanrpc/executor"
	"chanrpc/message"

	"go.uber.org/zap"
)

// Callback receives the outcome of an async call.
type Callback func(resp *message.Response, err error)

// Future is an outstanding call. It completes exactly once: with the response, a
// timeout, cancellation or shutdown.
type Future struct {
	req    *message.Request
	sender *Sender
	cb     Callback
	done   chan struct{}
	resp   *message.Response
	err    error
}

func (f *Future) Request() *message.Request { return f.req }
func (f *Future) Done() <-chan struct{}     { return f.done }

// Result returns the outcome; it blocks until Done.
func (f *Future) Result() (*message.Response, error) {
	<-f.done
	return f.resp, f.err
}

// Cancel fails the call with a timeout error wrapping context.Canceled unless it
// already completed. A response arriving afterwards is treated as late.
func (f *Future) Cancel() bool {
	return f.cancel(context.Canceled)
}

// cancel fails the call as a timeout caused by cause.
func (f *Future) cancel(cause error) bool {
	return f.sender.complete(f.req.ID, nil, &Error{Kind: message.KindTimeout, Msg: f.req.String(), Err: cause})
}

type pendingCall struct {
	f     *Future
	timer *time.Timer
}

// Sender owns the pending-future table. Entries are added before the request is
// written and removed exactly once, by the response, the timeout timer, Cancel or
// Shutdown, whichever comes first.
type Sender struct {
	exec executor.Executor
	log  *zap.Logger

	mu      sync.Mutex
	pending map[uint64]*pendingCall
	closed  bool
}

// NewSender runs async callbacks on exec.
func NewSender(exec executor.Executor, log *zap.Logger) *Sender {
	if log == nil {
		log = zap.L()
	}
	return &Sender{
		exec:    exec,
		log:     log.Named("rpc.sender"),
		pending: map[uint64]*pendingCall{},
	}
}

// Pending returns the number of outstanding calls.
func (s *Sender) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Send writes req without expecting an answer.
func (s *Sender) Send(ch *channel.Channel, req *message.Request) error {
	return writeData(ch, message.DataRequest, req)
}

// Async registers req, arms its timeout and writes it. On a write failure nothing is
// left pending and cb is not called.
func (s *Sender) Async(ch *channel.Channel, req *message.Request, timeout time.Duration, cb Callback) (*Future, error) {
	if timeout <= 0 {
		timeout = TimeoutOf(ch)
	}
	f := &Future{req: req, sender: s, cb: cb, done: make(chan struct{})}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrShutdown
	}
	if _, dup := s.pending[req.ID]; dup {
		s.mu.Unlock()
		return nil, fmt.Errorf("rpc: request id %d already pending", req.ID)
	}
	call := &pendingCall{f: f}
	s.pending[req.ID] = call
	call.timer = time.AfterFunc(timeout, func() {
		s.complete(req.ID, nil, &Error{Kind: message.KindTimeout, Msg: fmt.Sprintf("%s after %s", req, timeout)})
	})
	s.mu.Unlock()

	if err := writeData(ch, message.DataRequest, req); err != nil {
		s.remove(req.ID)
		return nil, err
	}
	return f, nil
}

// Sync sends req and waits for the response, the timeout or ctx.
func (s *Sender) Sync(ctx context.Context, ch *channel.Channel, req *message.Request, timeout time.Duration) (*message.Response, error) {
	f, err := s.Async(ch, req, timeout, nil)
	if err != nil {
		return nil, err
	}
	select {
	case <-f.done:
	case <-ctx.Done():
		f.cancel(ctx.Err())
	}
	return f.Result()
}

// Received completes the call resp answers. Responses without a pending call were
// reaped already and are dropped.
func (s *Sender) Received(ch *channel.Channel, resp *message.Response) bool {
	if s.complete(resp.ID(), resp, nil) {
		return true
	}
	fields := []zap.Field{zap.Uint64("req", resp.ID()), zap.Stringer("status", resp.Status)}
	if resp.Request != nil {
		fields = append(fields, zap.String("api", resp.Request.API))
	}
	if ch != nil {
		fields = append(fields, zap.String("channel", ch.ID()), zap.Stringer("remote", ch.RemoteAddr()))
	}
	s.log.Warn("late response dropped", fields...)
	return false
}

func (s *Sender) remove(id uint64) *pendingCall {
	s.mu.Lock()
	call, ok := s.pending[id]
	delete(s.pending, id)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	call.timer.Stop()
	return call
}

func (s *Sender) complete(id uint64, resp *message.Response, err error) bool {
	call := s.remove(id)
	if call == nil {
		return false
	}
	s.resolve(call.f, resp, err)
	return true
}

func (s *Sender) resolve(f *Future, resp *message.Response, err error) {
	f.resp, f.err = resp, err
	close(f.done)
	if f.cb == nil {
		return
	}
	cb := f.cb
	if s.exec == nil || s.exec.Submit(func() { cb(resp, err) }) != nil {
		go cb(resp, err)
	}
}

// Shutdown fails every pending call with a shutdown error and refuses new ones.
func (s *Sender) Shutdown() {
	s.mu.Lock()
	s.closed = true
	calls := s.pending
	s.pending = map[uint64]*pendingCall{}
	s.mu.Unlock()
	for _, call := range calls {
		call.timer.Stop()
		s.resolve(call.f, nil, &Error{Kind: message.KindShutdown, Msg: call.f.req.String()})
	}
}

// TimeoutOf returns the channel's default request timeout.
func TimeoutOf(ch *channel.Channel) time.Duration {
	if ch != nil {
		if v, ok := ch.Attr(channel.AttrTimeout); ok {
			if d, ok := v.(time.Duration); ok && d > 0 {
				return d
			}
		}
	}
	return config.DefaultTimeout
}

// CodecOf returns the envelope codec agreed on a channel, JSON if none was set.
func CodecOf(ch *channel.Channel) codec.Codec {
	if v, ok := ch.Attr(channel.AttrCodec); ok {
		if c, ok := v.(codec.Codec); ok {
			return c
		}
	}
	return codec.GetCodec(codec.CodecTypeJSON)
}

func writeData(ch *channel.Channel, kind message.DataKind, v any) error {
	body, err := CodecOf(ch).Encode(v)
	if err != nil {
		return &Error{Kind: message.KindSerialization, Err: err}
	}
	if err := ch.Send(message.Data(message.DataPayload(kind, body))); err != nil {
		return sendError(err)
	}
	return nil
}
