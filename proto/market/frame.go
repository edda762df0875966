package market

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Frame is the unit written on a websocket peer connection. Payload is an
// encoded Message (or the handshake payload) and Signature is the ed25519
// signature of Payload by PubKey.
type Frame struct {
	PubKey    []byte
	Signature []byte
	Payload   []byte
}

func (m *Frame) Reset() { *m = Frame{} }
func (m *Frame) String() string {
	return fmt.Sprintf("Frame{PubKey: %X, Payload: %d bytes}", m.PubKey, len(m.Payload))
}
func (*Frame) ProtoMessage() {}

func (m *Frame) appendTo(b []byte) []byte {
	b = appendBytes(b, 1, m.PubKey)
	b = appendBytes(b, 2, m.Signature)
	return appendBytes(b, 3, m.Payload)
}

func (m *Frame) Marshal() ([]byte, error) { return m.appendTo(nil), nil }

func (m *Frame) Unmarshal(bz []byte) error {
	m.Reset()
	return decodeFields(bz, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeBytes(typ, b, &m.PubKey)
		case 2:
			return consumeBytes(typ, b, &m.Signature)
		case 3:
			return consumeBytes(typ, b, &m.Payload)
		default:
			return skipField(num, typ, b)
		}
	})
}
