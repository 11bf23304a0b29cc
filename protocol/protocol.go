// Package protocol implements the length-prefixed frame used on every chanrpc channel.
//
// A frame is a length field followed by a one byte message type and the payload.
// The length counts the type byte and the payload, never itself:
//
//	┌──────────────┬──────┬─────────────────────┐
//	│ len (N bytes)│ type │ payload (len-1)      │
//	└──────────────┴──────┴─────────────────────┘
//
// N (the header size) and the byte order are per-endpoint settings. The decoder is
// streaming: bytes are fed as they arrive and complete frames are pulled out, so a
// frame split across reads or several frames in one read are both handled.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"chanrpc/config"
)

var (
	// ErrNeedMore means the buffered bytes do not yet hold a whole frame.
	ErrNeedMore = errors.New("protocol: need more data")
	// ErrFrameTooLarge means a frame declares a length above the configured maximum.
	// The stream cannot be resynchronised afterwards.
	ErrFrameTooLarge = errors.New("protocol: frame too large")
	// ErrMalformedFrame means a frame declares a zero length, so it has no type byte.
	ErrMalformedFrame = errors.New("protocol: malformed frame")
	// ErrHeaderSize means the length width is not one of 1, 2, 4 or 8.
	ErrHeaderSize = errors.New("protocol: header size must be 1, 2, 4 or 8")
)

// Frame is one decoded frame.
type Frame struct {
	Type    byte
	Payload []byte
}

// Codec encodes and decodes frames for one header size and byte order.
// A Codec is immutable and safe for concurrent use; Decoders are not.
type Codec struct {
	headerSize int
	order      binary.ByteOrder
	maxFrame   int
}

// NewCodec creates a codec. maxFrame bounds the declared length (type + payload).
func NewCodec(headerSize int, order binary.ByteOrder, maxFrame int) (*Codec, error) {
	switch headerSize {
	case 1, 2, 4, 8:
	default:
		return nil, fmt.Errorf("%w: got %d", ErrHeaderSize, headerSize)
	}
	if maxFrame <= 0 {
		return nil, fmt.Errorf("protocol: max frame must be positive, got %d", maxFrame)
	}
	if order == nil {
		order = binary.BigEndian
	}
	if limit := maxLen(headerSize); uint64(maxFrame) > limit {
		maxFrame = int(min(limit, math.MaxInt))
	}
	return &Codec{headerSize: headerSize, order: order, maxFrame: maxFrame}, nil
}

// FromEndpoint builds the codec an endpoint asks for. The endpoint is validated
// first, which restricts the header size to 2 or 4.
func FromEndpoint(ep *config.Endpoint) (*Codec, error) {
	if err := ep.Validate(); err != nil {
		return nil, err
	}
	return NewCodec(ep.HeaderSize(), ep.ByteOrder(), ep.Buffer())
}

func (c *Codec) HeaderSize() int             { return c.headerSize }
func (c *Codec) ByteOrder() binary.ByteOrder { return c.order }
func (c *Codec) MaxFrame() int               { return c.maxFrame }

// Encode builds a complete frame.
func (c *Codec) Encode(typ byte, payload []byte) ([]byte, error) {
	n := 1 + len(payload)
	if n > c.maxFrame {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, c.maxFrame)
	}
	buf := make([]byte, c.headerSize+n)
	c.putLen(buf, uint64(n))
	buf[c.headerSize] = typ
	copy(buf[c.headerSize+1:], payload)
	return buf, nil
}

// NewDecoder returns an empty streaming decoder bound to c.
func (c *Codec) NewDecoder() *Decoder {
	return &Decoder{codec: c}
}

func (c *Codec) putLen(buf []byte, n uint64) {
	switch c.headerSize {
	case 1:
		buf[0] = byte(n)
	case 2:
		c.order.PutUint16(buf, uint16(n))
	case 4:
		c.order.PutUint32(buf, uint32(n))
	case 8:
		c.order.PutUint64(buf, n)
	}
}

func (c *Codec) readLen(buf []byte) uint64 {
	switch c.headerSize {
	case 1:
		return uint64(buf[0])
	case 2:
		return uint64(c.order.Uint16(buf))
	case 4:
		return uint64(c.order.Uint32(buf))
	default:
		return c.order.Uint64(buf)
	}
}

func maxLen(headerSize int) uint64 {
	if headerSize == 8 {
		return math.MaxUint64
	}
	return 1<<(8*headerSize) - 1
}

// Decoder accumulates stream bytes and yields frames.
type Decoder struct {
	codec *Codec
	buf   []byte
	off   int
}

// Feed appends bytes read from the stream. p may be reused by the caller afterwards.
func (d *Decoder) Feed(p []byte) {
	if d.off > 0 && d.off == len(d.buf) {
		d.buf, d.off = d.buf[:0], 0
	} else if d.off > len(d.buf)/2 {
		d.buf = append(d.buf[:0], d.buf[d.off:]...)
		d.off = 0
	}
	d.buf = append(d.buf, p...)
}

// Buffered returns the number of bytes not yet consumed.
func (d *Decoder) Buffered() int {
	return len(d.buf) - d.off
}

// Next pulls the next complete frame. It returns ErrNeedMore when the buffered bytes
// hold only part of a frame; nothing is consumed in that case. ErrFrameTooLarge and
// ErrMalformedFrame are terminal for the stream.
func (d *Decoder) Next() (Frame, error) {
	c := d.codec
	rest := d.buf[d.off:]
	if len(rest) < c.headerSize {
		return Frame{}, ErrNeedMore
	}
	n := c.readLen(rest)
	if n == 0 {
		return Frame{}, ErrMalformedFrame
	}
	if n > uint64(c.maxFrame) {
		return Frame{}, fmt.Errorf("%w: declared %d > %d", ErrFrameTooLarge, n, c.maxFrame)
	}
	total := c.headerSize + int(n)
	if len(rest) < total {
		return Frame{}, ErrNeedMore
	}
	f := Frame{
		Type:    rest[c.headerSize],
		Payload: append([]byte(nil), rest[c.headerSize+1:total]...),
	}
	d.off += total
	return f, nil
}
