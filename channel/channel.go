// Package channel wraps one transport connection with framing, a lifecycle state and
// an attribute store.
//
// Each Channel owns two goroutines:
//
//	readLoop   conn.Read → protocol.Decoder → Handler.OnMessage (in order)
//	writeLoop  send queue → conn.Write
//
// Send never blocks: frames go through a bounded queue and a full queue is reported as
// ErrNotWritable. When the read loop ends, for any reason, the channel is destroyed
// and Handler.OnClose runs exactly once.
package channel

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"chanrpc/message"
	"chanrpc/protocol"
	"chanrpc/transport"

	"go.uber.org/zap"
)

var (
	ErrNotWritable = errors.New("channel: not writable")
	ErrClosed      = errors.New("channel: closed")
)

// State is the lifecycle position of a channel. It only moves forward.
type State int32

const (
	StateConnecting State = iota
	StateUnconfirmed
	StateActive
	StateClosing
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateUnconfirmed:
		return "unconfirmed"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateDestroyed:
		return "destroyed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Handler receives a channel's inbound traffic. OnMessage runs on the read goroutine,
// so it must hand long work off.
type Handler interface {
	OnMessage(ch *Channel, msg message.Message)
	OnClose(ch *Channel)
}

// Well-known attribute keys.
const (
	AttrAckTime       = "ack.time"
	AttrHeartbeatTime = "heartbeat.time"
	AttrOrdered       = "ordered"
	AttrTimeout       = "timeout"
	AttrWeight        = "weight"
	AttrEndpoint      = "endpoint"
	AttrHandshake     = "handshake"
	AttrCodec         = "codec"
)

const (
	defaultQueueSize = 1024
	readBufferSize   = 4096
)

type outbound struct {
	data       []byte
	closeAfter bool
}

// Channel is one framed connection.
type Channel struct {
	id     string
	conn   transport.Conn
	codec  *protocol.Codec
	state  atomic.Int32
	sendq  chan outbound
	done   chan struct{}
	log    *zap.Logger
	hdl    Handler

	closeOnce   sync.Once
	destroyOnce sync.Once

	lastRead  atomic.Int64
	lastWrite atomic.Int64

	mu    sync.RWMutex
	attrs map[string]any
}

type Option func(*Channel)

func WithLogger(log *zap.Logger) Option {
	return func(c *Channel) { c.log = log }
}

// WithQueueSize bounds the outbound frame queue.
func WithQueueSize(n int) Option {
	return func(c *Channel) {
		if n > 0 {
			c.sendq = make(chan outbound, n)
		}
	}
}

// New wraps conn. The channel stays in StateConnecting and does no I/O until Start.
func New(conn transport.Conn, codec *protocol.Codec, opts ...Option) *Channel {
	c := &Channel{
		id:    NewID(),
		conn:  conn,
		codec: codec,
		sendq: make(chan outbound, defaultQueueSize),
		done:  make(chan struct{}),
		attrs: map[string]any{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = zap.L()
	}
	c.log = c.log.Named("channel").With(zap.String("channel", c.id))
	now := time.Now().UnixNano()
	c.lastRead.Store(now)
	c.lastWrite.Store(now)
	return c
}

// Start moves the channel to StateUnconfirmed and launches its I/O goroutines.
func (c *Channel) Start(h Handler) {
	c.hdl = h
	c.advance(StateUnconfirmed)
	go c.writeLoop()
	go c.readLoop()
}

// ID is unique within the process.
func (c *Channel) ID() string { return c.id }

// Codec returns the frame codec the channel was built with.
func (c *Channel) Codec() *protocol.Codec { return c.codec }

func (c *Channel) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }
func (c *Channel) LocalAddr() net.Addr  { return c.conn.LocalAddr() }

// State returns the current lifecycle state.
func (c *Channel) State() State { return State(c.state.Load()) }

// IsActive reports whether the handshake completed and the channel is not closing.
func (c *Channel) IsActive() bool { return c.State() == StateActive }

// Done is closed once the channel is destroyed.
func (c *Channel) Done() <-chan struct{} { return c.done }

// LastRead is when bytes last arrived.
func (c *Channel) LastRead() time.Time { return time.Unix(0, c.lastRead.Load()) }

// LastWrite is when a frame was last written out.
func (c *Channel) LastWrite() time.Time { return time.Unix(0, c.lastWrite.Load()) }

func (c *Channel) String() string { return c.id + "@" + c.conn.RemoteAddr().String() }

// Activate moves an unconfirmed channel to StateActive.
func (c *Channel) Activate() bool {
	return c.state.CompareAndSwap(int32(StateUnconfirmed), int32(StateActive))
}

// advance moves the state forward to s; it never moves backwards.
func (c *Channel) advance(s State) bool {
	for {
		cur := c.state.Load()
		if cur >= int32(s) {
			return false
		}
		if c.state.CompareAndSwap(cur, int32(s)) {
			return true
		}
	}
}

// Send frames msg and queues it. It fails with ErrClosed once the channel is closing,
// with ErrNotWritable when the queue is full and with protocol.ErrFrameTooLarge when
// msg exceeds the frame limit.
func (c *Channel) Send(msg message.Message) error {
	if c.State() >= StateClosing {
		return ErrClosed
	}
	data, err := c.codec.Encode(byte(msg.Type), msg.Payload)
	if err != nil {
		return err
	}
	select {
	case c.sendq <- outbound{data: data}:
		return nil
	default:
		return ErrNotWritable
	}
}

// Close sends CLOSE after everything already queued and then closes the transport.
// If the queue is full the transport is closed right away.
func (c *Channel) Close() error {
	if !c.advance(StateClosing) {
		return nil
	}
	if c.hdl == nil {
		return c.closeTransport()
	}
	data, err := c.codec.Encode(byte(message.TypeClose), nil)
	if err != nil {
		return c.closeTransport()
	}
	select {
	case c.sendq <- outbound{data: data, closeAfter: true}:
		return nil
	default:
		return c.closeTransport()
	}
}

// JustClose closes the transport without a CLOSE message.
func (c *Channel) JustClose() error {
	c.advance(StateClosing)
	return c.closeTransport()
}

func (c *Channel) closeTransport() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}

func (c *Channel) writeLoop() {
	for {
		select {
		case out := <-c.sendq:
			if _, err := c.conn.Write(out.data); err != nil {
				c.log.Debug("write failed", zap.Error(err))
				_ = c.JustClose()
				return
			}
			c.lastWrite.Store(time.Now().UnixNano())
			if out.closeAfter {
				_ = c.closeTransport()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Channel) readLoop() {
	defer c.destroyed()
	dec := c.codec.NewDecoder()
	buf := make([]byte, readBufferSize)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			c.lastRead.Store(time.Now().UnixNano())
			dec.Feed(buf[:n])
			for {
				f, ferr := dec.Next()
				if errors.Is(ferr, protocol.ErrNeedMore) {
					break
				}
				if ferr != nil {
					c.log.Warn("bad frame, closing", zap.Stringer("remote", c.RemoteAddr()), zap.Error(ferr))
					return
				}
				c.hdl.OnMessage(c, message.New(message.Type(f.Type), f.Payload))
			}
		}
		if err != nil {
			if c.State() < StateClosing {
				c.log.Debug("read ended", zap.Error(err))
			}
			return
		}
	}
}

func (c *Channel) destroyed() {
	c.destroyOnce.Do(func() {
		_ = c.closeTransport()
		c.state.Store(int32(StateDestroyed))
		close(c.done)
		c.hdl.OnClose(c)
	})
}

// Attr returns an attribute.
func (c *Channel) Attr(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.attrs[key]
	return v, ok
}

// SetAttr stores an attribute, replacing any previous value.
func (c *Channel) SetAttr(key string, v any) {
	c.mu.Lock()
	c.attrs[key] = v
	c.mu.Unlock()
}

// DeleteAttr removes an attribute.
func (c *Channel) DeleteAttr(key string) {
	c.mu.Lock()
	delete(c.attrs, key)
	c.mu.Unlock()
}

// AttrTime reads a time attribute, zero if missing.
func (c *Channel) AttrTime(key string) time.Time {
	v, _ := c.Attr(key)
	t, _ := v.(time.Time)
	return t
}

var (
	idPrefix  = newPrefix()
	idCounter atomic.Uint64
)

func newPrefix() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// NewID returns a process-unique channel id.
func NewID() string {
	return fmt.Sprintf("%s-%06x", idPrefix, idCounter.Add(1))
}
