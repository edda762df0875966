package market

import (
	"errors"
	"fmt"

	"github.com/gogo/protobuf/proto"
	"google.golang.org/protobuf/encoding/protowire"
)

// ErrUnknownMessage is returned when wrapping or decoding a message that is
// not part of the market protocol.
var ErrUnknownMessage = errors.New("unknown market message")

// Message is the envelope put on the wire. Exactly one market message is set
// in Sum; its field number identifies the type.
type Message struct {
	Sum proto.Message
}

func (m *Message) Reset()         { *m = Message{} }
func (m *Message) String() string { return fmt.Sprintf("Message{%v}", m.Sum) }
func (*Message) ProtoMessage()    {}

func sumField(msg proto.Message) (protowire.Number, appender, error) {
	switch msg := msg.(type) {
	case *Info:
		return 1, msg, nil
	case *Tick:
		return 2, msg, nil
	case *CancelOrder:
		return 3, msg, nil
	case *Match:
		return 4, msg, nil
	case *AcceptMatch:
		return 5, msg, nil
	case *DeclineMatch:
		return 6, msg, nil
	case *ProposedTrade:
		return 7, msg, nil
	case *CounterTrade:
		return 8, msg, nil
	case *DeclinedTrade:
		return 9, msg, nil
	case *StartTransaction:
		return 10, msg, nil
	case *WalletInfo:
		return 11, msg, nil
	case *Payment:
		return 12, msg, nil
	case *OrderStatusRequest:
		return 13, msg, nil
	case *OrderStatusResponse:
		return 14, msg, nil
	case *OrderbookSync:
		return 15, msg, nil
	default:
		return 0, nil, fmt.Errorf("%w: %T", ErrUnknownMessage, msg)
	}
}

type sumMessage interface {
	proto.Message
	unmarshaler
}

func newSum(num protowire.Number) sumMessage {
	switch num {
	case 1:
		return &Info{}
	case 2:
		return &Tick{}
	case 3:
		return &CancelOrder{}
	case 4:
		return &Match{}
	case 5:
		return &AcceptMatch{}
	case 6:
		return &DeclineMatch{}
	case 7:
		return &ProposedTrade{}
	case 8:
		return &CounterTrade{}
	case 9:
		return &DeclinedTrade{}
	case 10:
		return &StartTransaction{}
	case 11:
		return &WalletInfo{}
	case 12:
		return &Payment{}
	case 13:
		return &OrderStatusRequest{}
	case 14:
		return &OrderStatusResponse{}
	case 15:
		return &OrderbookSync{}
	default:
		return nil
	}
}

func (m *Message) Marshal() ([]byte, error) {
	num, sum, err := sumField(m.Sum)
	if err != nil {
		return nil, err
	}
	return appendMessage(nil, num, sum), nil
}

func (m *Message) Unmarshal(bz []byte) error {
	m.Reset()
	return decodeFields(bz, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		sum := newSum(num)
		if sum == nil {
			return skipField(num, typ, b)
		}
		n, err := consumeMessage(typ, b, sum)
		if err != nil {
			return 0, err
		}
		m.Sum = sum
		return n, nil
	})
}

// Unwrap implements the p2p Unwrapper interface and returns the wrapped
// market message.
func (m *Message) Unwrap() (proto.Message, error) {
	if m.Sum == nil {
		return nil, fmt.Errorf("%w: empty envelope", ErrUnknownMessage)
	}
	if _, _, err := sumField(m.Sum); err != nil {
		return nil, err
	}
	return m.Sum, nil
}

// Wrap wraps any market message into an envelope.
func Wrap(msg proto.Message) (*Message, error) {
	if _, _, err := sumField(msg); err != nil {
		return nil, err
	}
	return &Message{Sum: msg}, nil
}

func (m *Info) Wrap() (proto.Message, error)                { return Wrap(m) }
func (m *Tick) Wrap() (proto.Message, error)                { return Wrap(m) }
func (m *CancelOrder) Wrap() (proto.Message, error)         { return Wrap(m) }
func (m *Match) Wrap() (proto.Message, error)               { return Wrap(m) }
func (m *AcceptMatch) Wrap() (proto.Message, error)         { return Wrap(m) }
func (m *DeclineMatch) Wrap() (proto.Message, error)        { return Wrap(m) }
func (m *ProposedTrade) Wrap() (proto.Message, error)       { return Wrap(m) }
func (m *CounterTrade) Wrap() (proto.Message, error)        { return Wrap(m) }
func (m *DeclinedTrade) Wrap() (proto.Message, error)       { return Wrap(m) }
func (m *StartTransaction) Wrap() (proto.Message, error)    { return Wrap(m) }
func (m *WalletInfo) Wrap() (proto.Message, error)          { return Wrap(m) }
func (m *Payment) Wrap() (proto.Message, error)             { return Wrap(m) }
func (m *OrderStatusRequest) Wrap() (proto.Message, error)  { return Wrap(m) }
func (m *OrderStatusResponse) Wrap() (proto.Message, error) { return Wrap(m) }
func (m *OrderbookSync) Wrap() (proto.Message, error)       { return Wrap(m) }

// HeaderCarrier is implemented by every market message.
type HeaderCarrier interface {
	GetHeader() *Header
}

func (m *Info) GetHeader() *Header                { return &m.Header }
func (m *Tick) GetHeader() *Header                { return &m.Header }
func (m *CancelOrder) GetHeader() *Header         { return &m.Header }
func (m *Match) GetHeader() *Header               { return &m.Header }
func (m *AcceptMatch) GetHeader() *Header         { return &m.Header }
func (m *DeclineMatch) GetHeader() *Header        { return &m.Header }
func (m *ProposedTrade) GetHeader() *Header       { return &m.Header }
func (m *DeclinedTrade) GetHeader() *Header       { return &m.Header }
func (m *StartTransaction) GetHeader() *Header    { return &m.Header }
func (m *WalletInfo) GetHeader() *Header          { return &m.Header }
func (m *Payment) GetHeader() *Header             { return &m.Header }
func (m *OrderStatusRequest) GetHeader() *Header  { return &m.Header }
func (m *OrderStatusResponse) GetHeader() *Header { return &m.Header }
func (m *OrderbookSync) GetHeader() *Header       { return &m.Header }
