// Package client implements the dialing side of the channel lifecycle.
//
//	Connect: dial → send ACK → wait for HANDSHAKE (bounded by timeout)
//	  ← HANDSHAKE → version check, Active, write-idle heartbeats, Events.OnActive
//	  ← HEARTBEAT → echo from the server, round trip logged when logger.delay=true
//	  ← DATA      → Events.OnData
//	  ← CLOSE     → transport closed
//	destroyed     → Events.OnDestroy (if it ever became active)
//
// A Client owns exactly one channel. Reconnection is the pool's business: a dead
// client is replaced, never revived.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"chanrpc/channel"
	"chanrpc/config"
	"chanrpc/message"
	"chanrpc/protocol"
	"chanrpc/transport"

	"github.com/Masterminds/semver/v3"
	"go.uber.org/zap"
)

var (
	ErrVersionMismatch       = errors.New("client: server version not accepted")
	ErrClosedBeforeHandshake = errors.New("client: closed before handshake")
	ErrAlreadyConnected      = errors.New("client: already connected")
)

type Option func(*Client)

func WithLogger(log *zap.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithRegistry registers the channel in r once active and removes it on destroy.
func WithRegistry(r *channel.Registry) Option {
	return func(c *Client) { c.registry = r }
}

// Client is one outbound channel to an endpoint.
type Client struct {
	ep         *config.Endpoint
	codec      *protocol.Codec
	events     channel.Events
	registry   *channel.Registry
	constraint *semver.Constraints
	delayLog   bool
	log        *zap.Logger

	dialed    atomic.Bool
	mu        sync.Mutex
	ch        *channel.Channel
	hs        *message.HandshakeData
	activated chan struct{}
	failed    chan error
}

// New validates ep and prepares a client. An invalid version.constraint is an error.
func New(ep *config.Endpoint, events channel.Events, opts ...Option) (*Client, error) {
	pc, err := protocol.FromEndpoint(ep)
	if err != nil {
		return nil, err
	}
	c := &Client{
		ep:        ep,
		codec:     pc,
		events:    events,
		delayLog:  ep.Bool(config.KeyLoggerDelay, false),
		activated: make(chan struct{}),
		failed:    make(chan error, 1),
	}
	if raw := ep.String(config.KeyConstraint, ""); raw != "" {
		if c.constraint, err = semver.NewConstraint(raw); err != nil {
			return nil, fmt.Errorf("client: version constraint %q: %w", raw, err)
		}
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = zap.L()
	}
	c.log = c.log.Named("client").With(zap.String("endpoint", ep.GroupAndID()))
	return c, nil
}

// Connect dials the endpoint and completes the handshake. It fails if no HANDSHAKE
// arrives within the endpoint timeout or before ctx ends.
func (c *Client) Connect(ctx context.Context) error {
	if !c.dialed.CompareAndSwap(false, true) {
		return ErrAlreadyConnected
	}
	timeout := c.ep.Duration(config.KeyTimeout, config.DefaultTimeout)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := transport.Dial(ctx, c.ep)
	if err != nil {
		return fmt.Errorf("client: dial %s: %w", c.ep.Address(), err)
	}
	ch := channel.New(conn, c.codec, channel.WithLogger(c.log))
	ch.SetAttr(channel.AttrTimeout, timeout)
	ch.SetAttr(channel.AttrEndpoint, c.ep)
	ch.SetAttr(channel.AttrWeight, c.ep.Int(config.KeyWeight, 1))
	c.mu.Lock()
	c.ch = ch
	c.mu.Unlock()

	ch.Start(handler{c})
	if err := ch.Send(message.Ack()); err != nil {
		_ = ch.JustClose()
		return fmt.Errorf("client: send ack: %w", err)
	}

	select {
	case <-c.activated:
		return nil
	case err := <-c.failed:
		return err
	case <-ctx.Done():
		_ = ch.JustClose()
		return fmt.Errorf("client: handshake with %s: %w", c.ep.Address(), ctx.Err())
	}
}

func (c *Client) Endpoint() *config.Endpoint { return c.ep }

// Channel returns the client's channel, nil before Connect.
func (c *Client) Channel() *channel.Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ch
}

// Handshake returns what the server sent, nil until active.
func (c *Client) Handshake() *message.HandshakeData {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hs
}

func (c *Client) IsActive() bool {
	ch := c.Channel()
	return ch != nil && ch.IsActive()
}

// Close asks the server to close and shuts the channel once CLOSE is written.
func (c *Client) Close() error {
	ch := c.Channel()
	if ch == nil {
		return nil
	}
	return ch.Close()
}

func (c *Client) fail(err error) {
	select {
	case c.failed <- err:
	default:
	}
}

func (c *Client) isActivated() bool {
	select {
	case <-c.activated:
		return true
	default:
		return false
	}
}

type handler struct{ c *Client }

func (h handler) OnMessage(ch *channel.Channel, msg message.Message) {
	c := h.c
	switch msg.Type {
	case message.TypeHandshake:
		c.onHandshake(ch, msg)
	case message.TypeHeartbeat:
		if c.delayLog {
			if sent, err := msg.HeartbeatTime(c.codec.ByteOrder()); err == nil {
				c.log.Info("heartbeat delay", zap.String("channel", ch.ID()), zap.Duration("delay", time.Since(sent)))
			}
		}
	case message.TypeClose:
		_ = ch.JustClose()
	case message.TypeData:
		if ch.IsActive() {
			c.events.OnData(ch, msg)
		}
	default:
		c.log.Debug("ignoring message", zap.String("channel", ch.ID()), zap.Stringer("type", msg.Type))
	}
}

func (h handler) OnClose(ch *channel.Channel) {
	c := h.c
	if !c.isActivated() {
		c.fail(ErrClosedBeforeHandshake)
		return
	}
	if c.registry != nil {
		c.registry.Unregister(ch.ID())
	}
	c.log.Info("channel destroyed", zap.String("channel", ch.ID()))
	c.events.OnDestroy(ch)
}

func (c *Client) onHandshake(ch *channel.Channel, msg message.Message) {
	if ch.State() != channel.StateUnconfirmed {
		c.log.Debug("duplicate handshake", zap.String("channel", ch.ID()))
		return
	}
	hd, err := message.ParseHandshake(msg.Payload)
	if err != nil {
		c.fail(fmt.Errorf("client: bad handshake: %w", err))
		_ = ch.JustClose()
		return
	}
	if err := c.checkVersion(hd.System[message.SysVersion]); err != nil {
		c.fail(err)
		_ = ch.Close()
		return
	}
	if !ch.Activate() {
		return
	}
	ch.SetAttr(channel.AttrHandshake, hd)
	c.mu.Lock()
	c.hs = hd
	c.mu.Unlock()
	if c.registry != nil {
		if err := c.registry.Register(ch); err != nil {
			c.log.Error("register channel", zap.Error(err))
		}
		c.registry.Activate(ch)
	}
	if hd.SystemBool(message.SysHeartbeatOpen, false) {
		go c.heartbeatLoop(ch, hd.SystemDuration(message.SysHeartbeatPeriod, config.DefaultHeartbeatPeriod))
	}
	c.log.Info("channel active", zap.String("channel", ch.ID()), zap.Stringer("remote", ch.RemoteAddr()))
	c.events.OnActive(ch)
	close(c.activated)
}

func (c *Client) checkVersion(raw string) error {
	if c.constraint == nil {
		return nil
	}
	v, err := semver.NewVersion(raw)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrVersionMismatch, raw, err)
	}
	if !c.constraint.Check(v) {
		return fmt.Errorf("%w: %s does not satisfy %s", ErrVersionMismatch, v, c.constraint)
	}
	return nil
}

// heartbeatLoop sends a HEARTBEAT whenever nothing was written for period.
func (c *Client) heartbeatLoop(ch *channel.Channel, period time.Duration) {
	if period <= 0 {
		return
	}
	timer := time.NewTimer(period)
	defer timer.Stop()
	for {
		select {
		case <-ch.Done():
			return
		case now := <-timer.C:
			idle := now.Sub(ch.LastWrite())
			if idle < period {
				timer.Reset(period - idle)
				continue
			}
			err := ch.Send(message.Heartbeat(now, c.codec.ByteOrder()))
			if errors.Is(err, channel.ErrClosed) {
				return
			}
			if err != nil {
				c.log.Debug("heartbeat not sent", zap.String("channel", ch.ID()), zap.Error(err))
			}
			timer.Reset(period)
		}
	}
}
