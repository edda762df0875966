package market

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrWireType is returned when a field arrives with an unexpected wire type.
var ErrWireType = errors.New("unexpected wire type")

type appender interface {
	appendTo(b []byte) []byte
}

type unmarshaler interface {
	Unmarshal(bz []byte) error
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendInt64(b []byte, num protowire.Number, v int64) []byte {
	return appendVarint(b, num, uint64(v))
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	return appendVarint(b, num, protowire.EncodeBool(v))
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, num protowire.Number, bz []byte) []byte {
	if len(bz) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, bz)
}

// appendMessage always writes the field, so an empty nested message is
// distinguishable from an absent one.
func appendMessage(b []byte, num protowire.Number, m appender) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, m.appendTo(nil))
}

// fieldFunc decodes the value of one field and returns the number of bytes
// consumed.
type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

func decodeFields(b []byte, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return fmt.Errorf("field %d: %w", num, err)
		}
		b = b[m:]
	}
	return nil
}

func skipField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	n := protowire.ConsumeFieldValue(num, typ, b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	return n, nil
}

func consumeUint64(typ protowire.Type, b []byte, v *uint64) (int, error) {
	if typ != protowire.VarintType {
		return 0, ErrWireType
	}
	x, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*v = x
	return n, nil
}

func consumeInt64(typ protowire.Type, b []byte, v *int64) (int, error) {
	var x uint64
	n, err := consumeUint64(typ, b, &x)
	*v = int64(x)
	return n, err
}

func consumeUint32(typ protowire.Type, b []byte, v *uint32) (int, error) {
	var x uint64
	n, err := consumeUint64(typ, b, &x)
	*v = uint32(x)
	return n, err
}

func consumeBool(typ protowire.Type, b []byte, v *bool) (int, error) {
	var x uint64
	n, err := consumeUint64(typ, b, &x)
	*v = protowire.DecodeBool(x)
	return n, err
}

func consumeRaw(typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, ErrWireType
	}
	bz, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	return bz, n, nil
}

func consumeString(typ protowire.Type, b []byte, v *string) (int, error) {
	bz, n, err := consumeRaw(typ, b)
	if err != nil {
		return 0, err
	}
	*v = string(bz)
	return n, nil
}

func consumeBytes(typ protowire.Type, b []byte, v *[]byte) (int, error) {
	bz, n, err := consumeRaw(typ, b)
	if err != nil {
		return 0, err
	}
	*v = append([]byte(nil), bz...)
	return n, nil
}

func consumeMessage(typ protowire.Type, b []byte, m unmarshaler) (int, error) {
	bz, n, err := consumeRaw(typ, b)
	if err != nil {
		return 0, err
	}
	return n, m.Unmarshal(bz)
}
