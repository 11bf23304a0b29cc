package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

var errNoStream = errors.New("transport: quic stream not open yet")

// streamConn is one QUIC connection carrying a single bidirectional stream. On the
// accepting side the stream arrives later, with the dialer's first write; until then
// Read waits for it and Write fails.
type streamConn struct {
	conn   *quic.Conn
	ready  chan struct{}
	stream *quic.Stream
	err    error
	cancel context.CancelFunc
}

func dialedConn(conn *quic.Conn, stream *quic.Stream) *streamConn {
	c := &streamConn{conn: conn, stream: stream, ready: make(chan struct{}), cancel: func() {}}
	close(c.ready)
	return c
}

func acceptedConn(conn *quic.Conn) *streamConn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &streamConn{conn: conn, ready: make(chan struct{}), cancel: cancel}
	go func() {
		c.stream, c.err = conn.AcceptStream(ctx)
		close(c.ready)
	}()
	return c
}

func (c *streamConn) Read(p []byte) (int, error) {
	<-c.ready
	if c.err != nil {
		return 0, c.err
	}
	return c.stream.Read(p)
}

func (c *streamConn) Write(p []byte) (int, error) {
	select {
	case <-c.ready:
	default:
		return 0, errNoStream
	}
	if c.err != nil {
		return 0, c.err
	}
	return c.stream.Write(p)
}

func (c *streamConn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *streamConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *streamConn) Close() error {
	select {
	case <-c.ready:
		if c.stream != nil {
			_ = c.stream.Close()
		}
	default:
	}
	c.cancel()
	return c.conn.CloseWithError(0, "closed")
}

type quicListener struct {
	ln *quic.Listener
}

func quicConfig(idle time.Duration) *quic.Config {
	if idle <= 0 {
		idle = 30 * time.Second
	}
	return &quic.Config{MaxIdleTimeout: idle, KeepAlivePeriod: idle / 3}
}

// ListenQUIC listens for reliable-UDP connections on addr. idle is the QUIC idle
// timeout; keep-alives are sent at a third of it.
func ListenQUIC(addr string, tlsConf *tls.Config, idle time.Duration) (Listener, error) {
	ln, err := quic.ListenAddr(addr, tlsConf, quicConfig(idle))
	if err != nil {
		return nil, err
	}
	return &quicListener{ln: ln}, nil
}

// Accept returns as soon as the QUIC handshake is done. The stream is picked up in
// the background, so a peer that never opens one holds no more than its own Conn.
func (l *quicListener) Accept(ctx context.Context) (Conn, error) {
	conn, err := l.ln.Accept(ctx)
	if err != nil {
		if errors.Is(err, quic.ErrServerClosed) {
			return nil, ErrListenerClosed
		}
		return nil, err
	}
	return acceptedConn(conn), nil
}

func (l *quicListener) Addr() net.Addr { return l.ln.Addr() }

func (l *quicListener) Close() error { return l.ln.Close() }

// DialQUIC connects to addr and opens the connection's stream.
func DialQUIC(ctx context.Context, addr string, tlsConf *tls.Config, idle time.Duration) (Conn, error) {
	conn, err := quic.DialAddr(ctx, addr, tlsConf, quicConfig(idle))
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(1, "open stream")
		return nil, err
	}
	return dialedConn(conn, stream), nil
}
