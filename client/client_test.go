package client

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"chanrpc/channel"
	"chanrpc/config"
	"chanrpc/message"
	"chanrpc/server"
	"chanrpc/transport"
)

type events struct {
	mu        sync.Mutex
	active    int
	destroyed int
	data      chan message.Message
}

func newEvents() *events { return &events{data: make(chan message.Message, 16)} }

func (e *events) OnActive(ch *channel.Channel) {
	e.mu.Lock()
	e.active++
	e.mu.Unlock()
}

func (e *events) OnData(ch *channel.Channel, msg message.Message) { e.data <- msg }

func (e *events) OnDestroy(ch *channel.Channel) {
	e.mu.Lock()
	e.destroyed++
	e.mu.Unlock()
}

func (e *events) counts() (int, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active, e.destroyed
}

func startServer(t *testing.T, raw string) (*server.Server, *events) {
	t.Helper()
	ev := newEvents()
	s, err := server.New(config.MustParse(raw), ev, server.WithQuietPeriod(200*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	return s, ev
}

func clientFor(t *testing.T, s *server.Server, raw string, opts ...Option) (*Client, *events) {
	t.Helper()
	ep, err := config.MustParse(raw).WithAddress(s.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	ev := newEvents()
	c, err := New(ep, ev, opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, ev
}

func eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestConnect(t *testing.T) {
	for _, proto := range []string{"tcp", "kcp", "ws"} {
		t.Run(proto, func(t *testing.T) {
			raw := "tcp://127.0.0.1:0/game?app.id=1&net.protocol=" + proto
			s, sev := startServer(t, raw)
			reg := channel.NewRegistry()
			c, cev := clientFor(t, s, raw, WithRegistry(reg))

			if err := c.Connect(context.Background()); err != nil {
				t.Fatal(err)
			}
			if !c.IsActive() {
				t.Fatal("client not active after Connect")
			}
			if a, _ := cev.counts(); a != 1 {
				t.Fatalf("expect one client activation, got %d", a)
			}
			eventually(t, time.Second, func() bool { return s.Channels().Len() == 1 }, "server side never active")
			eventually(t, time.Second, func() bool { a, _ := sev.counts(); return a == 1 }, "server OnActive not called")
			if reg.Len() != 1 {
				t.Fatal("client channel not registered")
			}
			if c.Handshake().System[message.SysGroupAndID] != "game-1" {
				t.Fatalf("unexpected handshake %+v", c.Handshake())
			}
			if err := c.Connect(context.Background()); !errors.Is(err, ErrAlreadyConnected) {
				t.Fatalf("expect ErrAlreadyConnected, got %v", err)
			}
		})
	}
}

func TestDataBothWays(t *testing.T) {
	raw := "tcp://127.0.0.1:0/game"
	s, sev := startServer(t, raw)
	c, cev := clientFor(t, s, raw)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := c.Channel().Send(message.Data([]byte("ping"))); err != nil {
		t.Fatal(err)
	}
	select {
	case m := <-sev.data:
		if string(m.Payload) != "ping" {
			t.Fatalf("server got %q", m.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("server got nothing")
	}
	_ = s.Channels().List()[0].Send(message.Data([]byte("pong")))
	select {
	case m := <-cev.data:
		if string(m.Payload) != "pong" {
			t.Fatalf("client got %q", m.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("client got nothing")
	}
}

func TestHandshakeTimeout(t *testing.T) {
	// accepts but never answers the ACK
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()

	ep, _ := config.MustParse("tcp://127.0.0.1:0/game?timeout=100").WithAddress(ln.Addr().String())
	c, err := New(ep, newEvents())
	if err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	err = c.Connect(context.Background())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expect deadline exceeded, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("connect took %s", elapsed)
	}
	if c.IsActive() {
		t.Fatal("client must not be active")
	}
}

func TestConnectRefused(t *testing.T) {
	ln, _ := net.Listen("tcp", "127.0.0.1:0")
	addr := ln.Addr().String()
	ln.Close()
	ep, _ := config.MustParse("tcp://127.0.0.1:0/game?timeout=500").WithAddress(addr)
	c, _ := New(ep, newEvents())
	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("expect dial error")
	}
}

func TestVersionConstraint(t *testing.T) {
	s, _ := startServer(t, "tcp://127.0.0.1:0/game?version=2.1.0")

	ok, _ := clientFor(t, s, "tcp://127.0.0.1:0/game?version.constraint=>=2.0,<3")
	if err := ok.Connect(context.Background()); err != nil {
		t.Fatalf("expect compatible version, got %v", err)
	}

	bad, _ := clientFor(t, s, "tcp://127.0.0.1:0/game?version.constraint=^1.0")
	if err := bad.Connect(context.Background()); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expect ErrVersionMismatch, got %v", err)
	}

	if _, err := New(config.MustParse("tcp://h:1/g?version.constraint=not-a-range"), newEvents()); err == nil {
		t.Fatal("expect error for bad constraint")
	}
}

func TestHeartbeatKeepsChannelAlive(t *testing.T) {
	raw := "tcp://127.0.0.1:0/game?heartbeat.period=30&heartbeat.timeout=150&logger.delay=true"
	s, sev := startServer(t, raw)
	c, _ := clientFor(t, s, raw)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	time.Sleep(500 * time.Millisecond)
	if !c.IsActive() || s.Channels().Len() != 1 {
		t.Fatal("idle channel with heartbeats was closed")
	}
	if _, d := sev.counts(); d != 0 {
		t.Fatalf("unexpected destroy count %d", d)
	}
	ch := s.Channels().List()[0]
	if ch.AttrTime(channel.AttrHeartbeatTime).IsZero() {
		t.Fatal("server never saw a heartbeat")
	}
}

func TestServerShutdownDestroysClient(t *testing.T) {
	raw := "tcp://127.0.0.1:0/game"
	s, _ := startServer(t, raw)
	c, cev := clientFor(t, s, raw)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	eventually(t, time.Second, func() bool { _, d := cev.counts(); return d == 1 }, "client OnDestroy not called")
	if c.IsActive() {
		t.Fatal("client still active")
	}
}

func TestClientCloseDestroysServerSide(t *testing.T) {
	raw := "tcp://127.0.0.1:0/game"
	s, sev := startServer(t, raw)
	c, _ := clientFor(t, s, raw)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	eventually(t, time.Second, func() bool { return s.Channels().Len() == 1 }, "server side never active")
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	eventually(t, time.Second, func() bool { _, d := sev.counts(); return d == 1 }, "server OnDestroy not called")
	if s.Channels().Len() != 0 {
		t.Fatal("server still holds the channel")
	}
}

func TestConnectBesideSilentQUICPeer(t *testing.T) {
	raw := "tcp://127.0.0.1:0/game?net.protocol=kcp&ack.timeout=200&timeout=2000"
	s, _ := startServer(t, raw)
	ep, err := config.MustParse(raw).WithAddress(s.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	silent, err := transport.Dial(context.Background(), ep)
	if err != nil {
		t.Fatal(err)
	}
	defer silent.Close()

	c, _ := clientFor(t, s, raw)
	start := time.Now()
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect blocked by a silent peer: %v after %s", err, time.Since(start))
	}
	if !c.IsActive() {
		t.Fatal("client not active")
	}
}
