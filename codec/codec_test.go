package codec

import (
	"reflect"
	"testing"

	"chanrpc/message"
)

func sampleRequest() *message.Request {
	return &message.Request{
		ID:    42,
		API:   "Login",
		Group: "game",
		Invocation: message.Invocation{
			Method:      "Auth",
			ParamTypes:  []string{"main.AuthArgs"},
			Args:        []byte(`{"user":"bob"}`),
			Attachments: map[string]string{"trace": "t-1"},
			Async:       true,
		},
	}
}

func TestRequestCodecs(t *testing.T) {
	for _, c := range []Codec{&JSONCodec{}, &BinaryCodec{}} {
		req := sampleRequest()
		data, err := c.Encode(req)
		if err != nil {
			t.Fatalf("%s Encode failed: %v", c.Type(), err)
		}
		var got message.Request
		if err := c.Decode(data, &got); err != nil {
			t.Fatalf("%s Decode failed: %v", c.Type(), err)
		}
		if !reflect.DeepEqual(req, &got) {
			t.Errorf("%s mismatch:\n got %+v\nwant %+v", c.Type(), got, *req)
		}
	}
}

func TestResponseCodecs(t *testing.T) {
	for _, c := range []Codec{&JSONCodec{}, &BinaryCodec{}} {
		resp := message.NewResponse(sampleRequest(), message.ErrorResult(message.KindBusiness, "denied"))
		data, err := c.Encode(resp)
		if err != nil {
			t.Fatalf("%s Encode failed: %v", c.Type(), err)
		}
		var got message.Response
		if err := c.Decode(data, &got); err != nil {
			t.Fatalf("%s Decode failed: %v", c.Type(), err)
		}
		if got.ID() != 42 || got.Status != message.StatusException || got.ErrorMsg != "denied" {
			t.Errorf("%s: unexpected response %+v", c.Type(), got)
		}
		if got.Result.ErrKind != message.KindBusiness {
			t.Errorf("%s: expect business error, got %s", c.Type(), got.Result.ErrKind)
		}
	}
}

func TestBinaryCodecRejectsOtherTypes(t *testing.T) {
	c := &BinaryCodec{}
	if _, err := c.Encode("hello"); err == nil {
		t.Fatal("expect error for unsupported type")
	}
	var s string
	if err := c.Decode([]byte{1}, &s); err == nil {
		t.Fatal("expect error for unsupported type")
	}
}

func TestBinaryCodecTruncated(t *testing.T) {
	c := &BinaryCodec{}
	data, _ := c.Encode(sampleRequest())
	for _, n := range []int{0, 5, 9, len(data) / 2, len(data) - 1} {
		var got message.Request
		if err := c.Decode(data[:n], &got); err == nil {
			t.Errorf("expect error for %d of %d bytes", n, len(data))
		}
	}
}

func TestParseType(t *testing.T) {
	cases := map[string]CodecType{"": CodecTypeJSON, "json": CodecTypeJSON, "Binary": CodecTypeBinary}
	for name, want := range cases {
		got, err := ParseType(name)
		if err != nil || got != want {
			t.Errorf("ParseType(%q) = %v, %v", name, got, err)
		}
		if GetCodec(got).Type() != want {
			t.Errorf("GetCodec(%v) returned wrong codec", want)
		}
	}
	if _, err := ParseType("xml"); err == nil {
		t.Fatal("expect error for unknown codec")
	}
}
