package channel

import (
	"encoding/binary"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"chanrpc/message"
	"chanrpc/protocol"
)

type recorder struct {
	msgs   chan message.Message
	closed chan struct{}
	closes atomic.Int32
}

func newRecorder() *recorder {
	return &recorder{msgs: make(chan message.Message, 256), closed: make(chan struct{})}
}

func (r *recorder) OnMessage(ch *Channel, msg message.Message) { r.msgs <- msg }

func (r *recorder) OnClose(ch *Channel) {
	if r.closes.Add(1) == 1 {
		close(r.closed)
	}
}

func testCodec(t *testing.T) *protocol.Codec {
	t.Helper()
	c, err := protocol.NewCodec(2, binary.BigEndian, 1024)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func pipePair(t *testing.T) (*Channel, *recorder, *Channel, *recorder) {
	t.Helper()
	c1, c2 := net.Pipe()
	a, b := New(c1, testCodec(t)), New(c2, testCodec(t))
	ra, rb := newRecorder(), newRecorder()
	a.Start(ra)
	b.Start(rb)
	t.Cleanup(func() {
		_ = a.JustClose()
		_ = b.JustClose()
	})
	return a, ra, b, rb
}

func waitClosed(t *testing.T, r *recorder) {
	t.Helper()
	select {
	case <-r.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("OnClose was not called")
	}
}

func TestSendReceiveInOrder(t *testing.T) {
	a, _, _, rb := pipePair(t)
	for i := 0; i < 100; i++ {
		if err := a.Send(message.Data([]byte{byte(i)})); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	for i := 0; i < 100; i++ {
		select {
		case m := <-rb.msgs:
			if m.Type != message.TypeData || m.Payload[0] != byte(i) {
				t.Fatalf("message %d: got %v", i, m)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("message %d not received", i)
		}
	}
}

func TestUnknownTypeDelivered(t *testing.T) {
	a, _, _, rb := pipePair(t)
	if err := a.Send(message.New(0x7e, []byte("x"))); err != nil {
		t.Fatal(err)
	}
	m := <-rb.msgs
	if m.Type != 0x7e || m.Type.Known() {
		t.Fatalf("expect unknown type 0x7e, got %v", m.Type)
	}
}

func TestGracefulClose(t *testing.T) {
	a, ra, b, rb := pipePair(t)
	if err := a.Send(message.Data([]byte("last"))); err != nil {
		t.Fatal(err)
	}
	if err := a.Close(); err != nil {
		t.Fatal(err)
	}
	if got := <-rb.msgs; string(got.Payload) != "last" {
		t.Fatalf("expect queued data before CLOSE, got %v", got)
	}
	if got := <-rb.msgs; got.Type != message.TypeClose {
		t.Fatalf("expect CLOSE, got %v", got)
	}
	waitClosed(t, ra)
	waitClosed(t, rb)
	if a.State() != StateDestroyed || b.State() != StateDestroyed {
		t.Fatalf("expect both destroyed, got %s %s", a.State(), b.State())
	}
	if err := a.Send(message.Ack()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expect ErrClosed after close, got %v", err)
	}
}

func TestOnCloseOnce(t *testing.T) {
	a, ra, _, rb := pipePair(t)
	_ = a.JustClose()
	_ = a.JustClose()
	_ = a.Close()
	waitClosed(t, ra)
	waitClosed(t, rb)
	time.Sleep(20 * time.Millisecond)
	if ra.closes.Load() != 1 || rb.closes.Load() != 1 {
		t.Fatalf("expect one OnClose per side, got %d %d", ra.closes.Load(), rb.closes.Load())
	}
	select {
	case <-a.Done():
	default:
		t.Fatal("Done not closed")
	}
}

func TestNotWritable(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c2.Close()
	ch := New(c1, testCodec(t), WithQueueSize(1))
	ch.Start(newRecorder())
	defer ch.JustClose()

	// nobody reads c2, so the writer blocks and the queue fills up
	var err error
	for i := 0; i < 10 && err == nil; i++ {
		err = ch.Send(message.Data([]byte("x")))
	}
	if !errors.Is(err, ErrNotWritable) {
		t.Fatalf("expect ErrNotWritable, got %v", err)
	}
}

func TestOversizedFrameCloses(t *testing.T) {
	c1, c2 := net.Pipe()
	ch := New(c1, testCodec(t))
	r := newRecorder()
	ch.Start(r)
	go func() {
		// declares 0xffff bytes, above the 1024 limit
		_, _ = c2.Write([]byte{0xff, 0xff, 0x04, 0x00})
	}()
	waitClosed(t, r)
	if len(r.msgs) != 0 {
		t.Fatal("oversized frame must not be dispatched")
	}
	_ = c2.Close()
}

func TestStateOnlyMovesForward(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c2.Close()
	ch := New(c1, testCodec(t))
	if ch.State() != StateConnecting {
		t.Fatalf("expect connecting, got %s", ch.State())
	}
	if ch.Activate() {
		t.Fatal("activate must require unconfirmed")
	}
	r := newRecorder()
	ch.Start(r)
	if ch.State() != StateUnconfirmed {
		t.Fatalf("expect unconfirmed, got %s", ch.State())
	}
	if !ch.Activate() || !ch.IsActive() {
		t.Fatal("expect active")
	}
	if ch.Activate() {
		t.Fatal("second activate must fail")
	}
	_ = ch.JustClose()
	waitClosed(t, r)
	if ch.advance(StateActive) || ch.State() != StateDestroyed {
		t.Fatalf("state moved backwards: %s", ch.State())
	}
}

func TestAttrs(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()
	ch := New(c1, testCodec(t))
	now := time.Now()
	ch.SetAttr(AttrAckTime, now)
	if !ch.AttrTime(AttrAckTime).Equal(now) {
		t.Fatal("time attr lost")
	}
	ch.DeleteAttr(AttrAckTime)
	if _, ok := ch.Attr(AttrAckTime); ok {
		t.Fatal("attr not deleted")
	}
	if !ch.AttrTime("missing").IsZero() {
		t.Fatal("expect zero time")
	}
}

func TestNewIDUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 1000; i++ {
		id := NewID()
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
}
