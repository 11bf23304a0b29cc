// Package transport opens the byte streams channels run on.
//
// Three engines are supported, chosen by the endpoint's net.protocol:
//
//	TCP        plain sockets (SO_REUSEADDR on unix, optional open-socket cap)
//	KCP / UDP  reliable UDP: one QUIC stream per connection
//	WS         WebSocket, one binary message per write
//
// Every engine yields a Conn, so the channel layer above never knows which one it
// runs on.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"chanrpc/config"
)

var ErrListenerClosed = errors.New("transport: listener closed")

// Conn is a bidirectional byte stream. Reads and writes may run concurrently with
// each other, but there is at most one reader and one writer at a time.
type Conn interface {
	io.ReadWriteCloser
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

// Listener accepts Conns. Accept returns ErrListenerClosed (or a wrapped net.ErrClosed)
// once Close has been called.
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Addr() net.Addr
	Close() error
}

// Listen opens a listener on ep's address with ep's engine.
func Listen(ep *config.Endpoint) (Listener, error) {
	switch ep.NetProtocol() {
	case config.ProtocolTCP:
		return ListenTCP(ep.Address(), ep.Int(config.KeyMaxSockets, 0))
	case config.ProtocolKCP, config.ProtocolUDP:
		tlsConf, err := ServerTLS(ep)
		if err != nil {
			return nil, err
		}
		return ListenQUIC(ep.Address(), tlsConf, ep.Duration(config.KeyHeartbeatTimeout, config.DefaultHeartbeatTimeout))
	case config.ProtocolWS:
		return ListenWS(ep.Address(), ep.String(config.KeyWSPath, config.DefaultWSPath))
	}
	return nil, fmt.Errorf("%w: %s", config.ErrInvalidProtocol, ep.NetProtocol())
}

// Dial connects to ep with ep's engine. ctx bounds connection setup only.
func Dial(ctx context.Context, ep *config.Endpoint) (Conn, error) {
	switch ep.NetProtocol() {
	case config.ProtocolTCP:
		return DialTCP(ctx, ep.Address())
	case config.ProtocolKCP, config.ProtocolUDP:
		return DialQUIC(ctx, ep.Address(), ClientTLS(ep), ep.Duration(config.KeyHeartbeatTimeout, config.DefaultHeartbeatTimeout))
	case config.ProtocolWS:
		return DialWS(ctx, "ws://"+ep.Address()+ep.String(config.KeyWSPath, config.DefaultWSPath))
	}
	return nil, fmt.Errorf("%w: %s", config.ErrInvalidProtocol, ep.NetProtocol())
}
