// Package server implements the accepting side of the channel lifecycle.
//
// Lifecycle of an accepted connection:
//
//	Accept → limits (ip.limit.num, accepts) → Unconfirmed (ack timestamp)
//	  ← ACK      → Active: Registry, HANDSHAKE sent, Events.OnActive
//	  ← HEARTBEAT → echoed back
//	  ← DATA     → Events.OnData (inline, or on the channel's ordered queue)
//	  ← CLOSE    → transport closed
//	destroyed    → Events.OnDestroy (active channels only)
//
// Two tickers police the peers: the ack sweep closes channels that never sent ACK
// within ack.timeout, and the heartbeat check closes active channels that have been
// silent for heartbeat.timeout.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"chanrpc/channel"
	"chanrpc/codec"
	"chanrpc/config"
	"chanrpc/executor"
	"chanrpc/message"
	"chanrpc/protocol"
	"chanrpc/transport"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// HandshakeBinder adds custom parameters to the handshake sent to every client.
type HandshakeBinder func(hd *message.HandshakeData, ep *config.Endpoint)

type Option func(*Server)

func WithLogger(log *zap.Logger) Option {
	return func(s *Server) { s.log = log }
}

func WithBinder(b HandshakeBinder) Option {
	return func(s *Server) { s.binders = append(s.binders, b) }
}

// WithExecutor supplies the pool behind ordered receive queues. Without it the server
// creates one sized by io.threads when msg.receive.ordered.queue.open is set.
func WithExecutor(p *executor.Pool) Option {
	return func(s *Server) { s.exec = p }
}

// WithQuietPeriod sets how long Shutdown waits for peers to finish closing before it
// forces the remaining transports shut.
func WithQuietPeriod(d time.Duration) Option {
	return func(s *Server) { s.quiet = d }
}

// Server accepts connections for one endpoint.
type Server struct {
	ep        *config.Endpoint
	codec     *protocol.Codec
	events    channel.Events
	log       *zap.Logger
	binders   []HandshakeBinder
	handshake []byte

	ln       transport.Listener
	channels *channel.Registry

	mu          sync.Mutex
	unconfirmed map[string]*channel.Channel
	perIP       map[string]int

	exec    *executor.Pool
	ownExec bool
	quiet   time.Duration

	ackTimeout time.Duration
	ackPeriod  time.Duration
	hbOpen     bool
	hbTimeout  time.Duration
	ipLimit    int
	accepts    int

	started  atomic.Bool
	shutdown atomic.Bool
	cancel   context.CancelFunc
	quit     chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup
}

// New validates ep and prepares a server. Nothing listens until Start.
func New(ep *config.Endpoint, events channel.Events, opts ...Option) (*Server, error) {
	pc, err := protocol.FromEndpoint(ep)
	if err != nil {
		return nil, err
	}
	if _, err := codec.ParseType(ep.String(config.KeyCodec, "json")); err != nil {
		return nil, err
	}
	s := &Server{
		ep:          ep,
		codec:       pc,
		events:      events,
		channels:    channel.NewRegistry(),
		unconfirmed: map[string]*channel.Channel{},
		perIP:       map[string]int{},
		quiet:       2 * time.Second,
		ackTimeout:  ep.Duration(config.KeyAckTimeout, config.DefaultAckTimeout),
		ackPeriod:   ep.Duration(config.KeyAckPeriod, config.DefaultAckPeriod),
		hbOpen:      ep.Bool(config.KeyHeartbeatOpen, config.DefaultHeartbeatOpen),
		hbTimeout:   ep.Duration(config.KeyHeartbeatTimeout, config.DefaultHeartbeatTimeout),
		ipLimit:     ep.Int(config.KeyIPLimit, 0),
		accepts:     ep.Int(config.KeyAccepts, 0),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = zap.L()
	}
	s.log = s.log.Named("server").With(zap.String("endpoint", ep.GroupAndID()))
	if s.ackPeriod <= 0 {
		s.ackPeriod = config.DefaultAckPeriod
	}
	if s.handshake, err = s.buildHandshake(); err != nil {
		return nil, err
	}
	if ep.Bool(config.KeyOrderedReceive, false) {
		if s.exec == nil {
			s.exec = executor.NewPool("recv-"+ep.GroupAndID(), ep.Int(config.KeyIOThreads, config.DefaultIOThreads), 0, s.log)
			s.ownExec = true
		}
		s.channels.OnActivity(func(ch *channel.Channel) {
			ch.SetAttr(channel.AttrOrdered, executor.NewOrdered(s.exec, s.log))
		})
	}
	return s, nil
}

func (s *Server) buildHandshake() ([]byte, error) {
	hd := message.NewHandshakeData()
	hd.SetSystem(message.SysVersion, s.ep.String(config.KeyVersion, config.ProtocolVersion))
	hd.SetSystem(message.SysHeartbeatOpen, fmt.Sprint(s.hbOpen))
	hd.SetSystemDuration(message.SysHeartbeatPeriod, s.ep.Duration(config.KeyHeartbeatPeriod, config.DefaultHeartbeatPeriod))
	hd.SetSystemDuration(message.SysHeartbeatTimeout, s.hbTimeout)
	hd.SetSystem(message.SysCodec, s.ep.String(config.KeyCodec, "json"))
	hd.SetSystem(message.SysGroupAndID, s.ep.GroupAndID())
	for _, b := range s.binders {
		b(hd, s.ep)
	}
	return hd.Marshal()
}

// Start listens and starts the accept loop and the two policing tickers.
func (s *Server) Start() error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("server: already started")
	}
	ln, err := transport.Listen(s.ep)
	if err != nil {
		return err
	}
	s.ln = ln
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(2)
	go s.acceptLoop(ctx)
	go s.ackLoop()
	if s.hbOpen && s.hbTimeout > 0 {
		s.wg.Add(1)
		go s.heartbeatLoop()
	}
	s.log.Info("server started", zap.Stringer("addr", ln.Addr()), zap.String("protocol", s.ep.NetProtocol()))
	return nil
}

// Addr is the bound listen address, nil before Start.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) Endpoint() *config.Endpoint  { return s.ep }
func (s *Server) Channels() *channel.Registry { return s.channels }
func (s *Server) Done() <-chan struct{}       { return s.done }
func (s *Server) HandshakeData() []byte       { return s.handshake }

// UnconfirmedLen returns how many accepted channels still wait for ACK.
func (s *Server) UnconfirmedLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.unconfirmed)
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept(ctx)
		if err != nil {
			if s.shutdown.Load() || errors.Is(err, transport.ErrListenerClosed) || ctx.Err() != nil {
				return
			}
			s.log.Warn("accept failed", zap.Error(err))
			select {
			case <-time.After(10 * time.Millisecond):
			case <-s.quit:
				return
			}
			continue
		}
		s.register(conn)
	}
}

// register applies the connection limits and parks the channel until its ACK.
func (s *Server) register(conn transport.Conn) {
	ip := hostOf(conn.RemoteAddr())
	s.mu.Lock()
	if s.shutdown.Load() {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	if s.ipLimit > 0 && s.perIP[ip] >= s.ipLimit {
		s.mu.Unlock()
		s.log.Info("ip limit reached, rejecting", zap.String("ip", ip), zap.Int("limit", s.ipLimit))
		_ = conn.Close()
		return
	}
	if s.accepts > 0 && s.channels.Len()+len(s.unconfirmed) >= s.accepts {
		s.mu.Unlock()
		s.log.Info("accept limit reached, rejecting", zap.Stringer("remote", conn.RemoteAddr()), zap.Int("limit", s.accepts))
		_ = conn.Close()
		return
	}
	s.perIP[ip]++
	ch := channel.New(conn, s.codec, channel.WithLogger(s.log))
	ch.SetAttr(channel.AttrAckTime, time.Now())
	s.unconfirmed[ch.ID()] = ch
	s.mu.Unlock()

	s.log.Debug("channel accepted", zap.String("channel", ch.ID()), zap.Stringer("remote", conn.RemoteAddr()))
	ch.Start(handler{s})
}

// handler adapts the server to channel.Handler.
type handler struct{ s *Server }

func (h handler) OnMessage(ch *channel.Channel, msg message.Message) {
	s := h.s
	switch msg.Type {
	case message.TypeAck:
		s.onAck(ch)
	case message.TypeHeartbeat:
		ch.SetAttr(channel.AttrHeartbeatTime, time.Now())
		if err := ch.Send(msg); err != nil {
			s.log.Debug("heartbeat echo failed", zap.String("channel", ch.ID()), zap.Error(err))
		}
	case message.TypeClose:
		_ = ch.JustClose()
	case message.TypeData:
		if !ch.IsActive() {
			s.log.Debug("data before ack dropped", zap.String("channel", ch.ID()))
			return
		}
		s.dispatch(ch, msg)
	default:
		s.log.Debug("ignoring message", zap.String("channel", ch.ID()), zap.Stringer("type", msg.Type))
	}
}

func (h handler) OnClose(ch *channel.Channel) {
	s := h.s
	ip := hostOf(ch.RemoteAddr())
	s.mu.Lock()
	_, parked := s.unconfirmed[ch.ID()]
	delete(s.unconfirmed, ch.ID())
	if s.perIP[ip]--; s.perIP[ip] <= 0 {
		delete(s.perIP, ip)
	}
	s.mu.Unlock()
	if parked {
		s.log.Debug("unconfirmed channel closed", zap.String("channel", ch.ID()))
		return
	}
	if s.channels.Unregister(ch.ID()) != nil {
		s.log.Info("channel destroyed", zap.String("channel", ch.ID()), zap.Stringer("remote", ch.RemoteAddr()))
		s.events.OnDestroy(ch)
	}
}

func (s *Server) onAck(ch *channel.Channel) {
	s.mu.Lock()
	_, ok := s.unconfirmed[ch.ID()]
	delete(s.unconfirmed, ch.ID())
	s.mu.Unlock()
	if !ok {
		s.log.Debug("duplicate or late ack", zap.String("channel", ch.ID()))
		return
	}
	if !ch.Activate() {
		return
	}
	ch.DeleteAttr(channel.AttrAckTime)
	if err := s.channels.Register(ch); err != nil {
		s.log.Error("register channel", zap.String("channel", ch.ID()), zap.Error(err))
		_ = ch.JustClose()
		return
	}
	if err := ch.Send(message.Handshake(s.handshake)); err != nil {
		s.log.Warn("handshake send failed", zap.String("channel", ch.ID()), zap.Error(err))
		_ = ch.JustClose()
		return
	}
	s.channels.Activate(ch)
	s.log.Info("channel active", zap.String("channel", ch.ID()), zap.Stringer("remote", ch.RemoteAddr()))
	s.events.OnActive(ch)
}

func (s *Server) dispatch(ch *channel.Channel, msg message.Message) {
	if v, ok := ch.Attr(channel.AttrOrdered); ok {
		if err := v.(*executor.Ordered).Submit(func() { s.events.OnData(ch, msg) }); err != nil {
			s.log.Warn("ordered queue rejected message", zap.String("channel", ch.ID()), zap.Error(err))
		}
		return
	}
	s.events.OnData(ch, msg)
}

func (s *Server) ackLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.ackPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweepUnconfirmed(time.Now())
		case <-s.quit:
			return
		}
	}
}

func (s *Server) sweepUnconfirmed(now time.Time) {
	var expired []*channel.Channel
	s.mu.Lock()
	for id, ch := range s.unconfirmed {
		if now.Sub(ch.AttrTime(channel.AttrAckTime)) > s.ackTimeout {
			expired = append(expired, ch)
			delete(s.unconfirmed, id)
		}
	}
	s.mu.Unlock()
	for _, ch := range expired {
		s.log.Info("ack timeout, closing", zap.String("channel", ch.ID()), zap.Stringer("remote", ch.RemoteAddr()))
		_ = ch.Close()
	}
}

// checkPeriod is how often idle channels are looked for.
func checkPeriod(timeout time.Duration) time.Duration {
	return min(max(timeout/4, 10*time.Millisecond), time.Second)
}

func (s *Server) heartbeatLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(checkPeriod(s.hbTimeout))
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			for _, ch := range s.channels.List() {
				if now.Sub(ch.LastRead()) > s.hbTimeout {
					s.log.Info("heartbeat timeout, closing", zap.String("channel", ch.ID()), zap.Stringer("remote", ch.RemoteAddr()))
					_ = ch.Close()
				}
			}
		case <-s.quit:
			return
		}
	}
}

// Shutdown stops accepting, asks every peer to close, waits out the quiet period (or
// ctx), then forces what is left. Done is closed when it returns.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.shutdown.CompareAndSwap(false, true) {
		select {
		case <-s.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	defer close(s.done)
	close(s.quit)

	var err error
	if s.ln != nil {
		err = multierr.Append(err, s.ln.Close())
		s.cancel()
	}

	s.mu.Lock()
	parked := make([]*channel.Channel, 0, len(s.unconfirmed))
	for _, ch := range s.unconfirmed {
		parked = append(parked, ch)
	}
	s.mu.Unlock()
	for _, ch := range parked {
		_ = ch.JustClose()
	}
	for _, ch := range s.channels.List() {
		_ = ch.Close()
	}

	quiet := time.NewTimer(s.quiet)
	defer quiet.Stop()
	poll := time.NewTicker(10 * time.Millisecond)
	defer poll.Stop()
wait:
	for s.channels.Len() > 0 || s.UnconfirmedLen() > 0 {
		select {
		case <-poll.C:
		case <-quiet.C:
			break wait
		case <-ctx.Done():
			break wait
		}
	}
	for _, ch := range s.channels.List() {
		err = multierr.Append(err, ignoreClosed(ch.JustClose()))
	}

	s.wg.Wait()
	if s.ownExec {
		err = multierr.Append(err, s.exec.Shutdown(ctx))
	}
	s.log.Info("server stopped")
	return err
}

func ignoreClosed(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func hostOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
