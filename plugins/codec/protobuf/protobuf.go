package protobuf

import (
	"github.com/cockroachdb/errors"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/jaym/goor/plugins/codec"
)

// protobufCodec encodes proto messages in their binary form and falls
// back to the JSON codec for everything else, so grains can mix plain Go
// values with generated message types.
type protobufCodec struct {
	fallback codec.Codec
}

func NewCodec() codec.Codec {
	return protobufCodec{
		fallback: codec.NewJSONCodec(),
	}
}

func (c protobufCodec) Encode(v interface{}) ([]byte, error) {
	if m, ok := v.(proto.Message); ok {
		return proto.Marshal(m)
	}
	return c.fallback.Encode(v)
}

func (c protobufCodec) Decode(b []byte, v interface{}) error {
	if m, ok := v.(proto.Message); ok {
		return proto.Unmarshal(b, m)
	}
	return c.fallback.Decode(b, v)
}

// JSON renders a proto message for logs.
func JSON(m proto.Message) string {
	b, err := protojson.Marshal(m)
	if err != nil {
		return errors.Wrap(err, "rendering message").Error()
	}
	return string(b)
}
