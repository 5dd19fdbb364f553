package codec

import (
	"encoding/json"

	"github.com/cockroachdb/errors"
)

var ErrUnexpectedType = errors.New("unexpected type")
var ErrValuesConsumed = errors.New("no more values to consume")

// Codec turns method arguments, results and grain state into bytes that
// can cross a process boundary.
type Codec interface {
	Encode(v interface{}) ([]byte, error)
	Decode(b []byte, v interface{}) error
}

type jsonCodec struct{}

func NewJSONCodec() Codec {
	return jsonCodec{}
}

func (jsonCodec) Encode(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Decode(b []byte, v interface{}) error {
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, v)
}

// EncodeArgs encodes each argument on its own so the receiver can decode
// them positionally.
func EncodeArgs(c Codec, args []interface{}) ([][]byte, error) {
	values := make([][]byte, len(args))
	for i, a := range args {
		b, err := c.Encode(a)
		if err != nil {
			return nil, errors.Wrapf(err, "encoding argument %d", i)
		}
		values[i] = b
	}
	return values, nil
}

// Args gives positional access to encoded method arguments.
type Args struct {
	codec  Codec
	values [][]byte
}

func NewArgs(c Codec, values [][]byte) *Args {
	return &Args{
		codec:  c,
		values: values,
	}
}

func (a *Args) Len() int {
	return len(a.values)
}

func (a *Args) Decode(i int, out interface{}) error {
	if i < 0 || i >= len(a.values) {
		return errors.WithDetailf(ErrValuesConsumed, "argument %d requested, %d available", i, len(a.values))
	}
	return a.codec.Decode(a.values[i], out)
}

// Value is an encoded method result.
type Value struct {
	codec Codec
	data  []byte
}

func NewValue(c Codec, data []byte) *Value {
	return &Value{
		codec: c,
		data:  data,
	}
}

func (v *Value) Bytes() []byte {
	return v.data
}

func (v *Value) Get(out interface{}) error {
	return v.codec.Decode(v.data, out)
}
