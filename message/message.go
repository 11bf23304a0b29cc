// Package message defines what travels inside a frame.
//
// Every frame carries one Message: a type byte and a payload. Five types drive the
// connection lifecycle and carry application data:
//
//	HANDSHAKE 0x01  server → client, JSON HandshakeData
//	ACK       0x02  client → server, empty
//	HEARTBEAT 0x03  client → server (echoed back), 8 byte unix-milli timestamp
//	DATA      0x04  either way, RPC payload (see Request / Response)
//	CLOSE     0x10  either way, empty
//
// Any other type byte still decodes into a Message; lifecycle handlers ignore it.
package message

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// Type is the frame type byte.
type Type byte

const (
	TypeHandshake Type = 0x01
	TypeAck       Type = 0x02
	TypeHeartbeat Type = 0x03
	TypeData      Type = 0x04
	TypeClose     Type = 0x10
)

func (t Type) String() string {
	switch t {
	case TypeHandshake:
		return "HANDSHAKE"
	case TypeAck:
		return "ACK"
	case TypeHeartbeat:
		return "HEARTBEAT"
	case TypeData:
		return "DATA"
	case TypeClose:
		return "CLOSE"
	}
	return fmt.Sprintf("UNKNOWN(%#02x)", byte(t))
}

// Known reports whether t is one of the lifecycle or data types.
func (t Type) Known() bool {
	switch t {
	case TypeHandshake, TypeAck, TypeHeartbeat, TypeData, TypeClose:
		return true
	}
	return false
}

// Message is one decoded frame.
type Message struct {
	Type    Type
	Payload []byte
}

var ErrShortHeartbeat = errors.New("message: heartbeat payload shorter than 8 bytes")

func New(t Type, payload []byte) Message { return Message{Type: t, Payload: payload} }

func Handshake(data []byte) Message { return Message{Type: TypeHandshake, Payload: data} }

func Ack() Message { return Message{Type: TypeAck} }

func Close() Message { return Message{Type: TypeClose} }

func Data(payload []byte) Message { return Message{Type: TypeData, Payload: payload} }

// Heartbeat carries the send time as unix milliseconds in the channel's byte order.
func Heartbeat(at time.Time, order binary.ByteOrder) Message {
	buf := make([]byte, 8)
	order.PutUint64(buf, uint64(at.UnixMilli()))
	return Message{Type: TypeHeartbeat, Payload: buf}
}

// HeartbeatTime reads the timestamp written by Heartbeat.
func (m Message) HeartbeatTime(order binary.ByteOrder) (time.Time, error) {
	if len(m.Payload) < 8 {
		return time.Time{}, ErrShortHeartbeat
	}
	return time.UnixMilli(int64(order.Uint64(m.Payload))), nil
}

func (m Message) String() string {
	return fmt.Sprintf("%s[%d]", m.Type, len(m.Payload))
}
