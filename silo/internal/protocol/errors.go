package protocol

import (
	"context"

	"github.com/cockroachdb/errors"
	gogoproto "github.com/gogo/protobuf/proto"
)

// EncodeError serializes err so that errors.Is keeps working for the
// sentinels in package grain after it crosses a process boundary.
func EncodeError(err error) []byte {
	if err == nil {
		return nil
	}
	encodedErr := errors.EncodeError(context.Background(), err)
	data, merr := gogoproto.Marshal(&encodedErr)
	if merr != nil {
		// Fall back to the message alone.
		encodedErr = errors.EncodeError(context.Background(), errors.Newf("%s", err.Error()))
		data, _ = gogoproto.Marshal(&encodedErr)
	}
	return data
}

func DecodeError(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	var encodedError errors.EncodedError
	if err := gogoproto.Unmarshal(data, &encodedError); err != nil {
		return errors.Wrap(err, "decoding remote error")
	}
	return errors.DecodeError(context.Background(), encodedError)
}
