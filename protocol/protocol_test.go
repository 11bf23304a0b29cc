package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"chanrpc/config"
)

func TestEncodeDecode(t *testing.T) {
	for _, hs := range []int{1, 2, 4, 8} {
		for _, order := range []binary.ByteOrder{binary.BigEndian, binary.LittleEndian} {
			c, err := NewCodec(hs, order, 200)
			if err != nil {
				t.Fatal(err)
			}
			payload := []byte("hello world")
			frame, err := c.Encode(0x04, payload)
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}
			if len(frame) != hs+1+len(payload) {
				t.Fatalf("header %d: frame length %d", hs, len(frame))
			}

			d := c.NewDecoder()
			d.Feed(frame)
			f, err := d.Next()
			if err != nil {
				t.Fatalf("header %d %v: Next failed: %v", hs, order, err)
			}
			if f.Type != 0x04 || !bytes.Equal(f.Payload, payload) {
				t.Errorf("header %d %v: got type %#x payload %q", hs, order, f.Type, f.Payload)
			}
			if _, err := d.Next(); !errors.Is(err, ErrNeedMore) {
				t.Errorf("expect ErrNeedMore on empty decoder, got %v", err)
			}
		}
	}
}

func TestRoundTripBounds(t *testing.T) {
	const limit = 1024
	for _, hs := range []int{2, 4} {
		for _, order := range []binary.ByteOrder{binary.BigEndian, binary.LittleEndian} {
			c, err := NewCodec(hs, order, limit)
			if err != nil {
				t.Fatal(err)
			}
			// the declared length counts the type byte, so limit-1 is the largest payload
			for _, n := range []int{0, 1, limit / 2, limit - 1} {
				payload := bytes.Repeat([]byte{0xab}, n)
				frame, err := c.Encode(0x04, payload)
				if err != nil {
					t.Fatalf("header %d %v size %d: %v", hs, order, n, err)
				}
				d := c.NewDecoder()
				d.Feed(frame)
				f, err := d.Next()
				if err != nil {
					t.Fatalf("header %d %v size %d: %v", hs, order, n, err)
				}
				if f.Type != 0x04 || len(f.Payload) != n || !bytes.Equal(f.Payload, payload) {
					t.Fatalf("header %d %v size %d: got type %#x and %d bytes", hs, order, n, f.Type, len(f.Payload))
				}
			}
			if _, err := c.Encode(0x04, make([]byte, limit)); !errors.Is(err, ErrFrameTooLarge) {
				t.Fatalf("header %d %v: expect ErrFrameTooLarge one past the limit, got %v", hs, order, err)
			}
		}
	}
}

func TestLengthLayout(t *testing.T) {
	c, _ := NewCodec(2, binary.BigEndian, 8192)
	frame, _ := c.Encode(0x03, []byte{1, 2, 3})
	want := []byte{0x00, 0x04, 0x03, 1, 2, 3}
	if !bytes.Equal(frame, want) {
		t.Fatalf("expect %v, got %v", want, frame)
	}

	c, _ = NewCodec(4, binary.LittleEndian, 8192)
	frame, _ = c.Encode(0x02, nil)
	want = []byte{0x01, 0x00, 0x00, 0x00, 0x02}
	if !bytes.Equal(frame, want) {
		t.Fatalf("expect %v, got %v", want, frame)
	}
}

func TestStreamingSplit(t *testing.T) {
	c, _ := NewCodec(2, binary.BigEndian, 8192)
	var stream []byte
	var want [][]byte
	for i := 0; i < 20; i++ {
		p := bytes.Repeat([]byte{byte(i)}, i*7)
		want = append(want, p)
		f, _ := c.Encode(0x04, p)
		stream = append(stream, f...)
	}

	// Feed in awkward chunk sizes; frames must come out intact and in order.
	for _, chunk := range []int{1, 2, 3, 5, 64, len(stream)} {
		d := c.NewDecoder()
		var got [][]byte
		for off := 0; off < len(stream); off += chunk {
			end := min(off+chunk, len(stream))
			d.Feed(stream[off:end])
			for {
				f, err := d.Next()
				if errors.Is(err, ErrNeedMore) {
					break
				}
				if err != nil {
					t.Fatalf("chunk %d: %v", chunk, err)
				}
				got = append(got, f.Payload)
			}
		}
		if len(got) != len(want) {
			t.Fatalf("chunk %d: expect %d frames, got %d", chunk, len(want), len(got))
		}
		for i := range want {
			if !bytes.Equal(got[i], want[i]) {
				t.Fatalf("chunk %d: frame %d mismatch", chunk, i)
			}
		}
		if d.Buffered() != 0 {
			t.Fatalf("chunk %d: %d bytes left over", chunk, d.Buffered())
		}
	}
}

func TestPartialFrameConsumesNothing(t *testing.T) {
	c, _ := NewCodec(4, binary.BigEndian, 8192)
	frame, _ := c.Encode(0x04, []byte("abcdef"))
	d := c.NewDecoder()
	d.Feed(frame[:len(frame)-1])
	if _, err := d.Next(); !errors.Is(err, ErrNeedMore) {
		t.Fatalf("expect ErrNeedMore, got %v", err)
	}
	if d.Buffered() != len(frame)-1 {
		t.Fatalf("partial frame was consumed")
	}
	d.Feed(frame[len(frame)-1:])
	f, err := d.Next()
	if err != nil || string(f.Payload) != "abcdef" {
		t.Fatalf("expect full frame, got %q %v", f.Payload, err)
	}
}

func TestFrameTooLarge(t *testing.T) {
	c, _ := NewCodec(2, binary.BigEndian, 16)
	if _, err := c.Encode(0x04, make([]byte, 16)); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expect ErrFrameTooLarge on encode, got %v", err)
	}

	d := c.NewDecoder()
	d.Feed([]byte{0x00, 0x11, 0x04})
	if _, err := d.Next(); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expect ErrFrameTooLarge on decode, got %v", err)
	}
}

func TestMalformedFrame(t *testing.T) {
	c, _ := NewCodec(2, binary.BigEndian, 16)
	d := c.NewDecoder()
	d.Feed([]byte{0x00, 0x00, 0x04})
	if _, err := d.Next(); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("expect ErrMalformedFrame, got %v", err)
	}
}

func TestNewCodecInvalid(t *testing.T) {
	for _, hs := range []int{0, 3, 5, 16} {
		if _, err := NewCodec(hs, binary.BigEndian, 100); !errors.Is(err, ErrHeaderSize) {
			t.Errorf("header %d: expect ErrHeaderSize, got %v", hs, err)
		}
	}
	if _, err := NewCodec(2, binary.BigEndian, 0); err == nil {
		t.Error("expect error for zero max frame")
	}
	c, _ := NewCodec(1, binary.BigEndian, 8192)
	if c.MaxFrame() != 255 {
		t.Errorf("expect max frame clamped to 255, got %d", c.MaxFrame())
	}
}

func TestFromEndpoint(t *testing.T) {
	if _, err := FromEndpoint(config.MustParse("tcp://h:1/g?msgheader=8")); !errors.Is(err, config.ErrInvalidHeaderSize) {
		t.Fatalf("expect ErrInvalidHeaderSize, got %v", err)
	}
	c, err := FromEndpoint(config.MustParse("tcp://h:1/g?msgheader=4&byte.order=little&buffer=1024"))
	if err != nil {
		t.Fatal(err)
	}
	if c.HeaderSize() != 4 || c.ByteOrder() != binary.LittleEndian || c.MaxFrame() != 1024 {
		t.Fatalf("unexpected codec %+v", c)
	}
}
