package protocol

import (
	"github.com/cockroachdb/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

var ErrMalformed = errors.New("malformed message")

const (
	fieldKind          protowire.Number = 1
	fieldCorrelationID protowire.Number = 2
	fieldGrainType     protowire.Number = 3
	fieldGrainID       protowire.Number = 4
	fieldMethod        protowire.Number = 5
	fieldArg           protowire.Number = 6
	fieldResult        protowire.Number = 7
	fieldError         protowire.Number = 8
	fieldOwnerPID      protowire.Number = 9
	fieldFromPID       protowire.Number = 10
)

// Marshal encodes m in protobuf wire format.
func Marshal(m *Message) []byte {
	b := make([]byte, 0, 64)
	b = appendVarint(b, fieldKind, uint64(m.Kind))
	b = appendString(b, fieldCorrelationID, m.CorrelationID)
	b = appendString(b, fieldGrainType, m.Identity.GrainType)
	b = appendString(b, fieldGrainID, m.Identity.ID)
	b = appendString(b, fieldMethod, m.Method)
	for _, a := range m.Args {
		b = protowire.AppendTag(b, fieldArg, protowire.BytesType)
		b = protowire.AppendBytes(b, a)
	}
	if m.Result != nil {
		b = protowire.AppendTag(b, fieldResult, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Result)
	}
	if len(m.Error) > 0 {
		b = protowire.AppendTag(b, fieldError, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Error)
	}
	b = appendVarint(b, fieldOwnerPID, uint64(m.OwnerPID))
	b = appendVarint(b, fieldFromPID, uint64(m.FromPID))
	return b
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// Unmarshal decodes a message produced by Marshal. Unknown fields are
// skipped.
func Unmarshal(b []byte) (*Message, error) {
	m := &Message{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, malformed(n)
		}
		b = b[n:]

		switch {
		case typ == protowire.VarintType && isVarintField(num):
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, malformed(n)
			}
			b = b[n:]
			switch num {
			case fieldKind:
				m.Kind = Kind(v)
			case fieldOwnerPID:
				m.OwnerPID = int(v)
			case fieldFromPID:
				m.FromPID = int(v)
			}
		case typ == protowire.BytesType && isBytesField(num):
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, malformed(n)
			}
			b = b[n:]
			switch num {
			case fieldCorrelationID:
				m.CorrelationID = string(v)
			case fieldGrainType:
				m.Identity.GrainType = string(v)
			case fieldGrainID:
				m.Identity.ID = string(v)
			case fieldMethod:
				m.Method = string(v)
			case fieldArg:
				m.Args = append(m.Args, append([]byte{}, v...))
			case fieldResult:
				m.Result = append([]byte{}, v...)
			case fieldError:
				m.Error = append([]byte{}, v...)
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, malformed(n)
			}
			b = b[n:]
		}
	}
	if m.Kind == KindUnknown {
		return nil, errors.WithDetail(ErrMalformed, "message has no kind")
	}
	return m, nil
}

func isVarintField(num protowire.Number) bool {
	return num == fieldKind || num == fieldOwnerPID || num == fieldFromPID
}

func isBytesField(num protowire.Number) bool {
	switch num {
	case fieldCorrelationID, fieldGrainType, fieldGrainID, fieldMethod, fieldArg, fieldResult, fieldError:
		return true
	}
	return false
}

func malformed(n int) error {
	return errors.Mark(errors.Wrap(protowire.ParseError(n), "malformed message"), ErrMalformed)
}
