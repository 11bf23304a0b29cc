package codec

import (
	"encoding/json"
)

// JSONCodec is the default envelope codec and the only value codec.
// Readable on the wire and tolerant of added fields, at the cost of size.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
