package codec

import (
	"encoding/binary"
	"errors"
	"math"

	"chanrpc/message"
)

var (
	errBinaryType  = errors.New("BinaryCodec: v must be *message.Request or *message.Response")
	errBinaryShort = errors.New("BinaryCodec: truncated data")
	errBinaryLong  = errors.New("BinaryCodec: field too long")
)

// BinaryCodec is a compact hand-written layout for the two RPC envelopes. Strings are
// prefixed with a 2 byte length, byte slices with 4, all big-endian.
//
//	Request:  id(8) api group method nParamTypes(2) paramTypes... args nAttach(2) (k v)... async(1)
//	Response: hasRequest(1) [Request] value errKind(1) errMsg status(1) errorMsg
type BinaryCodec struct{}

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	w := &binWriter{}
	switch m := v.(type) {
	case *message.Request:
		w.request(m)
	case *message.Response:
		if m.Request != nil {
			w.u8(1)
			w.request(m.Request)
		} else {
			w.u8(0)
		}
		w.bytes(m.Result.Value)
		w.u8(byte(m.Result.ErrKind))
		w.str(m.Result.ErrMsg)
		w.u8(byte(m.Status))
		w.str(m.ErrorMsg)
	default:
		return nil, errBinaryType
	}
	if w.err != nil {
		return nil, w.err
	}
	return w.buf, nil
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	r := &binReader{data: data}
	switch m := v.(type) {
	case *message.Request:
		r.request(m)
	case *message.Response:
		if r.u8() == 1 {
			m.Request = &message.Request{}
			r.request(m.Request)
		}
		m.Result.Value = r.bytes()
		m.Result.ErrKind = message.ErrorKind(r.u8())
		m.Result.ErrMsg = r.str()
		m.Status = message.Status(r.u8())
		m.ErrorMsg = r.str()
	default:
		return errBinaryType
	}
	return r.err
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

type binWriter struct {
	buf []byte
	err error
}

func (w *binWriter) u8(b byte) { w.buf = append(w.buf, b) }

func (w *binWriter) u16(n int) {
	if n > math.MaxUint16 {
		w.err = errBinaryLong
		return
	}
	w.buf = binary.BigEndian.AppendUint16(w.buf, uint16(n))
}

func (w *binWriter) str(s string) {
	w.u16(len(s))
	w.buf = append(w.buf, s...)
}

func (w *binWriter) bytes(b []byte) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *binWriter) request(r *message.Request) {
	w.buf = binary.BigEndian.AppendUint64(w.buf, r.ID)
	w.str(r.API)
	w.str(r.Group)
	inv := &r.Invocation
	w.str(inv.Method)
	w.u16(len(inv.ParamTypes))
	for _, p := range inv.ParamTypes {
		w.str(p)
	}
	w.bytes(inv.Args)
	w.u16(len(inv.Attachments))
	for k, v := range inv.Attachments {
		w.str(k)
		w.str(v)
	}
	if inv.Async {
		w.u8(1)
	} else {
		w.u8(0)
	}
}

// binReader stops at the first short read; later calls return zero values.
type binReader struct {
	data []byte
	off  int
	err  error
}

func (r *binReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.data) {
		r.err = errBinaryShort
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *binReader) u8() byte {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *binReader) u16() int {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return int(binary.BigEndian.Uint16(b))
}

func (r *binReader) str() string {
	return string(r.take(r.u16()))
}

func (r *binReader) bytes() []byte {
	b := r.take(4)
	if b == nil {
		return nil
	}
	n := binary.BigEndian.Uint32(b)
	if uint64(n) > uint64(len(r.data)-r.off) {
		r.err = errBinaryShort
		return nil
	}
	if n == 0 {
		return nil
	}
	return append([]byte(nil), r.take(int(n))...)
}

func (r *binReader) request(m *message.Request) {
	if b := r.take(8); b != nil {
		m.ID = binary.BigEndian.Uint64(b)
	}
	m.API = r.str()
	m.Group = r.str()
	m.Invocation.Method = r.str()
	if n := r.u16(); n > 0 {
		m.Invocation.ParamTypes = make([]string, 0, n)
		for i := 0; i < n && r.err == nil; i++ {
			m.Invocation.ParamTypes = append(m.Invocation.ParamTypes, r.str())
		}
	}
	m.Invocation.Args = r.bytes()
	if n := r.u16(); n > 0 {
		m.Invocation.Attachments = make(map[string]string, n)
		for i := 0; i < n && r.err == nil; i++ {
			k := r.str()
			m.Invocation.Attachments[k] = r.str()
		}
	}
	m.Invocation.Async = r.u8() == 1
}
