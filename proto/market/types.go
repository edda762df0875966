package market

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Header is carried by every market message. (TraderID, MessageNumber)
// identifies a message network wide and is used for duplicate suppression.
// Timestamp is in unix milliseconds.
type Header struct {
	TraderID      string
	MessageNumber uint64
	Timestamp     int64
}

func (m *Header) Reset()         { *m = Header{} }
func (m *Header) String() string { return fmt.Sprintf("%+v", *m) }
func (*Header) ProtoMessage()    {}

func (m *Header) appendTo(b []byte) []byte {
	b = appendString(b, 1, m.TraderID)
	b = appendVarint(b, 2, m.MessageNumber)
	return appendInt64(b, 3, m.Timestamp)
}

func (m *Header) Marshal() ([]byte, error) { return m.appendTo(nil), nil }

func (m *Header) Unmarshal(bz []byte) error {
	m.Reset()
	return decodeFields(bz, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &m.TraderID)
		case 2:
			return consumeUint64(typ, b, &m.MessageNumber)
		case 3:
			return consumeInt64(typ, b, &m.Timestamp)
		default:
			return skipField(num, typ, b)
		}
	})
}

type AssetAmount struct {
	Amount  int64
	AssetID string
}

func (m *AssetAmount) Reset()         { *m = AssetAmount{} }
func (m *AssetAmount) String() string { return fmt.Sprintf("%+v", *m) }
func (*AssetAmount) ProtoMessage()    {}

func (m *AssetAmount) appendTo(b []byte) []byte {
	b = appendInt64(b, 1, m.Amount)
	return appendString(b, 2, m.AssetID)
}

func (m *AssetAmount) Marshal() ([]byte, error) { return m.appendTo(nil), nil }

func (m *AssetAmount) Unmarshal(bz []byte) error {
	m.Reset()
	return decodeFields(bz, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeInt64(typ, b, &m.Amount)
		case 2:
			return consumeString(typ, b, &m.AssetID)
		default:
			return skipField(num, typ, b)
		}
	})
}

type AssetPair struct {
	First  AssetAmount
	Second AssetAmount
}

func (m *AssetPair) Reset()         { *m = AssetPair{} }
func (m *AssetPair) String() string { return fmt.Sprintf("%+v", *m) }
func (*AssetPair) ProtoMessage()    {}

func (m *AssetPair) appendTo(b []byte) []byte {
	b = appendMessage(b, 1, &m.First)
	return appendMessage(b, 2, &m.Second)
}

func (m *AssetPair) Marshal() ([]byte, error) { return m.appendTo(nil), nil }

func (m *AssetPair) Unmarshal(bz []byte) error {
	m.Reset()
	return decodeFields(bz, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeMessage(typ, b, &m.First)
		case 2:
			return consumeMessage(typ, b, &m.Second)
		default:
			return skipField(num, typ, b)
		}
	})
}

// OrderID also encodes transaction ids: (trader, number).
type OrderID struct {
	TraderID string
	Number   uint64
}

func (m *OrderID) Reset()         { *m = OrderID{} }
func (m *OrderID) String() string { return fmt.Sprintf("%s.%d", m.TraderID, m.Number) }
func (*OrderID) ProtoMessage()    {}

func (m *OrderID) appendTo(b []byte) []byte {
	b = appendString(b, 1, m.TraderID)
	return appendVarint(b, 2, m.Number)
}

func (m *OrderID) Marshal() ([]byte, error) { return m.appendTo(nil), nil }

func (m *OrderID) Unmarshal(bz []byte) error {
	m.Reset()
	return decodeFields(bz, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &m.TraderID)
		case 2:
			return consumeUint64(typ, b, &m.Number)
		default:
			return skipField(num, typ, b)
		}
	})
}

// TickData is the network form of a tick. Timestamp is the order creation
// time in unix milliseconds and Timeout is in seconds.
type TickData struct {
	OrderID   OrderID
	Assets    AssetPair
	Traded    int64
	Timeout   int64
	Timestamp int64
	IsAsk     bool
}

func (m *TickData) Reset()         { *m = TickData{} }
func (m *TickData) String() string { return fmt.Sprintf("%+v", *m) }
func (*TickData) ProtoMessage()    {}

func (m *TickData) appendTo(b []byte) []byte {
	b = appendMessage(b, 1, &m.OrderID)
	b = appendMessage(b, 2, &m.Assets)
	b = appendInt64(b, 3, m.Traded)
	b = appendInt64(b, 4, m.Timeout)
	b = appendInt64(b, 5, m.Timestamp)
	return appendBool(b, 6, m.IsAsk)
}

func (m *TickData) Marshal() ([]byte, error) { return m.appendTo(nil), nil }

func (m *TickData) Unmarshal(bz []byte) error {
	m.Reset()
	return decodeFields(bz, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeMessage(typ, b, &m.OrderID)
		case 2:
			return consumeMessage(typ, b, &m.Assets)
		case 3:
			return consumeInt64(typ, b, &m.Traded)
		case 4:
			return consumeInt64(typ, b, &m.Timeout)
		case 5:
			return consumeInt64(typ, b, &m.Timestamp)
		case 6:
			return consumeBool(typ, b, &m.IsAsk)
		default:
			return skipField(num, typ, b)
		}
	})
}

// Info announces a trader to a newly connected peer.
type Info struct {
	Header       Header
	Address      string
	IsMatchmaker bool
}

func (m *Info) Reset()         { *m = Info{} }
func (m *Info) String() string { return fmt.Sprintf("%+v", *m) }
func (*Info) ProtoMessage()    {}

func (m *Info) appendTo(b []byte) []byte {
	b = appendMessage(b, 1, &m.Header)
	b = appendString(b, 2, m.Address)
	return appendBool(b, 3, m.IsMatchmaker)
}

func (m *Info) Marshal() ([]byte, error) { return m.appendTo(nil), nil }

func (m *Info) Unmarshal(bz []byte) error {
	m.Reset()
	return decodeFields(bz, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeMessage(typ, b, &m.Header)
		case 2:
			return consumeString(typ, b, &m.Address)
		case 3:
			return consumeBool(typ, b, &m.IsMatchmaker)
		default:
			return skipField(num, typ, b)
		}
	})
}

// Tick gossips an ask or a bid.
type Tick struct {
	Header Header
	Tick   TickData
}

func (m *Tick) Reset()         { *m = Tick{} }
func (m *Tick) String() string { return fmt.Sprintf("%+v", *m) }
func (*Tick) ProtoMessage()    {}

func (m *Tick) appendTo(b []byte) []byte {
	b = appendMessage(b, 1, &m.Header)
	return appendMessage(b, 2, &m.Tick)
}

func (m *Tick) Marshal() ([]byte, error) { return m.appendTo(nil), nil }

func (m *Tick) Unmarshal(bz []byte) error {
	m.Reset()
	return decodeFields(bz, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeMessage(typ, b, &m.Header)
		case 2:
			return consumeMessage(typ, b, &m.Tick)
		default:
			return skipField(num, typ, b)
		}
	})
}

// CancelOrder withdraws the sender's order from remote books.
type CancelOrder struct {
	Header      Header
	OrderNumber uint64
}

func (m *CancelOrder) Reset()         { *m = CancelOrder{} }
func (m *CancelOrder) String() string { return fmt.Sprintf("%+v", *m) }
func (*CancelOrder) ProtoMessage()    {}

func (m *CancelOrder) appendTo(b []byte) []byte {
	b = appendMessage(b, 1, &m.Header)
	return appendVarint(b, 2, m.OrderNumber)
}

func (m *CancelOrder) Marshal() ([]byte, error) { return m.appendTo(nil), nil }

func (m *CancelOrder) Unmarshal(bz []byte) error {
	m.Reset()
	return decodeFields(bz, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeMessage(typ, b, &m.Header)
		case 2:
			return consumeUint64(typ, b, &m.OrderNumber)
		default:
			return skipField(num, typ, b)
		}
	})
}

// Match is sent by a matchmaker to the owner of RecipientOrderNumber.
type Match struct {
	Header               Header
	MatchID              string
	RecipientOrderNumber uint64
	MatchedTick          TickData
	Quantity             int64
}

func (m *Match) Reset()         { *m = Match{} }
func (m *Match) String() string { return fmt.Sprintf("%+v", *m) }
func (*Match) ProtoMessage()    {}

func (m *Match) appendTo(b []byte) []byte {
	b = appendMessage(b, 1, &m.Header)
	b = appendString(b, 2, m.MatchID)
	b = appendVarint(b, 3, m.RecipientOrderNumber)
	b = appendMessage(b, 4, &m.MatchedTick)
	return appendInt64(b, 5, m.Quantity)
}

func (m *Match) Marshal() ([]byte, error) { return m.appendTo(nil), nil }

func (m *Match) Unmarshal(bz []byte) error {
	m.Reset()
	return decodeFields(bz, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeMessage(typ, b, &m.Header)
		case 2:
			return consumeString(typ, b, &m.MatchID)
		case 3:
			return consumeUint64(typ, b, &m.RecipientOrderNumber)
		case 4:
			return consumeMessage(typ, b, &m.MatchedTick)
		case 5:
			return consumeInt64(typ, b, &m.Quantity)
		default:
			return skipField(num, typ, b)
		}
	})
}

// AcceptMatch tells the matchmaker a proposal for MatchID is under way.
type AcceptMatch struct {
	Header  Header
	MatchID string
}

func (m *AcceptMatch) Reset()         { *m = AcceptMatch{} }
func (m *AcceptMatch) String() string { return fmt.Sprintf("%+v", *m) }
func (*AcceptMatch) ProtoMessage()    {}

func (m *AcceptMatch) appendTo(b []byte) []byte {
	b = appendMessage(b, 1, &m.Header)
	return appendString(b, 2, m.MatchID)
}

func (m *AcceptMatch) Marshal() ([]byte, error) { return m.appendTo(nil), nil }

func (m *AcceptMatch) Unmarshal(bz []byte) error {
	m.Reset()
	return decodeFields(bz, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeMessage(typ, b, &m.Header)
		case 2:
			return consumeString(typ, b, &m.MatchID)
		default:
			return skipField(num, typ, b)
		}
	})
}

// DeclineMatch returns a match to the matchmaker with a reason.
type DeclineMatch struct {
	Header       Header
	MatchID      string
	OtherOrderID OrderID
	Reason       string
}

func (m *DeclineMatch) Reset()         { *m = DeclineMatch{} }
func (m *DeclineMatch) String() string { return fmt.Sprintf("%+v", *m) }
func (*DeclineMatch) ProtoMessage()    {}

func (m *DeclineMatch) appendTo(b []byte) []byte {
	b = appendMessage(b, 1, &m.Header)
	b = appendString(b, 2, m.MatchID)
	b = appendMessage(b, 3, &m.OtherOrderID)
	return appendString(b, 4, m.Reason)
}

func (m *DeclineMatch) Marshal() ([]byte, error) { return m.appendTo(nil), nil }

func (m *DeclineMatch) Unmarshal(bz []byte) error {
	m.Reset()
	return decodeFields(bz, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeMessage(typ, b, &m.Header)
		case 2:
			return consumeString(typ, b, &m.MatchID)
		case 3:
			return consumeMessage(typ, b, &m.OtherOrderID)
		case 4:
			return consumeString(typ, b, &m.Reason)
		default:
			return skipField(num, typ, b)
		}
	})
}

// ProposedTrade offers Assets between the sender's order and the recipient's
// order. CounterTrade has the same layout.
type ProposedTrade struct {
	Header           Header
	ProposalID       uint32
	OrderNumber      uint64
	RecipientOrderID OrderID
	Assets           AssetPair
}

func (m *ProposedTrade) Reset()         { *m = ProposedTrade{} }
func (m *ProposedTrade) String() string { return fmt.Sprintf("%+v", *m) }
func (*ProposedTrade) ProtoMessage()    {}

func (m *ProposedTrade) appendTo(b []byte) []byte {
	b = appendMessage(b, 1, &m.Header)
	b = appendVarint(b, 2, uint64(m.ProposalID))
	b = appendVarint(b, 3, m.OrderNumber)
	b = appendMessage(b, 4, &m.RecipientOrderID)
	return appendMessage(b, 5, &m.Assets)
}

func (m *ProposedTrade) Marshal() ([]byte, error) { return m.appendTo(nil), nil }

func (m *ProposedTrade) Unmarshal(bz []byte) error {
	m.Reset()
	return decodeFields(bz, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeMessage(typ, b, &m.Header)
		case 2:
			return consumeUint32(typ, b, &m.ProposalID)
		case 3:
			return consumeUint64(typ, b, &m.OrderNumber)
		case 4:
			return consumeMessage(typ, b, &m.RecipientOrderID)
		case 5:
			return consumeMessage(typ, b, &m.Assets)
		default:
			return skipField(num, typ, b)
		}
	})
}

// CounterTrade answers a proposal with a reduced quantity.
type CounterTrade struct {
	ProposedTrade
}

func (m *CounterTrade) Reset()         { *m = CounterTrade{} }
func (m *CounterTrade) String() string { return fmt.Sprintf("%+v", *m) }
func (*CounterTrade) ProtoMessage()    {}

func (m *CounterTrade) Unmarshal(bz []byte) error {
	m.Reset()
	return m.ProposedTrade.Unmarshal(bz)
}

// DeclinedTrade rejects a proposal. OrderNumber is the decliner's order and
// RecipientOrderID the proposer's.
type DeclinedTrade struct {
	Header           Header
	ProposalID       uint32
	OrderNumber      uint64
	RecipientOrderID OrderID
	Reason           string
}

func (m *DeclinedTrade) Reset()         { *m = DeclinedTrade{} }
func (m *DeclinedTrade) String() string { return fmt.Sprintf("%+v", *m) }
func (*DeclinedTrade) ProtoMessage()    {}

func (m *DeclinedTrade) appendTo(b []byte) []byte {
	b = appendMessage(b, 1, &m.Header)
	b = appendVarint(b, 2, uint64(m.ProposalID))
	b = appendVarint(b, 3, m.OrderNumber)
	b = appendMessage(b, 4, &m.RecipientOrderID)
	return appendString(b, 5, m.Reason)
}

func (m *DeclinedTrade) Marshal() ([]byte, error) { return m.appendTo(nil), nil }

func (m *DeclinedTrade) Unmarshal(bz []byte) error {
	m.Reset()
	return decodeFields(bz, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeMessage(typ, b, &m.Header)
		case 2:
			return consumeUint32(typ, b, &m.ProposalID)
		case 3:
			return consumeUint64(typ, b, &m.OrderNumber)
		case 4:
			return consumeMessage(typ, b, &m.RecipientOrderID)
		case 5:
			return consumeString(typ, b, &m.Reason)
		default:
			return skipField(num, typ, b)
		}
	})
}

// StartTransaction confirms the final terms of a proposal and opens a
// transaction. The sender pays first.
type StartTransaction struct {
	Header           Header
	ProposalID       uint32
	TransactionID    OrderID
	OrderNumber      uint64
	RecipientOrderID OrderID
	Assets           AssetPair
}

func (m *StartTransaction) Reset()         { *m = StartTransaction{} }
func (m *StartTransaction) String() string { return fmt.Sprintf("%+v", *m) }
func (*StartTransaction) ProtoMessage()    {}

func (m *StartTransaction) appendTo(b []byte) []byte {
	b = appendMessage(b, 1, &m.Header)
	b = appendVarint(b, 2, uint64(m.ProposalID))
	b = appendMessage(b, 3, &m.TransactionID)
	b = appendVarint(b, 4, m.OrderNumber)
	b = appendMessage(b, 5, &m.RecipientOrderID)
	return appendMessage(b, 6, &m.Assets)
}

func (m *StartTransaction) Marshal() ([]byte, error) { return m.appendTo(nil), nil }

func (m *StartTransaction) Unmarshal(bz []byte) error {
	m.Reset()
	return decodeFields(bz, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeMessage(typ, b, &m.Header)
		case 2:
			return consumeUint32(typ, b, &m.ProposalID)
		case 3:
			return consumeMessage(typ, b, &m.TransactionID)
		case 4:
			return consumeUint64(typ, b, &m.OrderNumber)
		case 5:
			return consumeMessage(typ, b, &m.RecipientOrderID)
		case 6:
			return consumeMessage(typ, b, &m.Assets)
		default:
			return skipField(num, typ, b)
		}
	})
}

// WalletInfo exchanges the payment addresses for a transaction.
type WalletInfo struct {
	Header          Header
	TransactionID   OrderID
	IncomingAddress string
	OutgoingAddress string
}

func (m *WalletInfo) Reset()         { *m = WalletInfo{} }
func (m *WalletInfo) String() string { return fmt.Sprintf("%+v", *m) }
func (*WalletInfo) ProtoMessage()    {}

func (m *WalletInfo) appendTo(b []byte) []byte {
	b = appendMessage(b, 1, &m.Header)
	b = appendMessage(b, 2, &m.TransactionID)
	b = appendString(b, 3, m.IncomingAddress)
	return appendString(b, 4, m.OutgoingAddress)
}

func (m *WalletInfo) Marshal() ([]byte, error) { return m.appendTo(nil), nil }

func (m *WalletInfo) Unmarshal(bz []byte) error {
	m.Reset()
	return decodeFields(bz, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeMessage(typ, b, &m.Header)
		case 2:
			return consumeMessage(typ, b, &m.TransactionID)
		case 3:
			return consumeString(typ, b, &m.IncomingAddress)
		case 4:
			return consumeString(typ, b, &m.OutgoingAddress)
		default:
			return skipField(num, typ, b)
		}
	})
}

// Payment notifies the partner of a transfer, successful or not.
type Payment struct {
	Header           Header
	TransactionID    OrderID
	TransferredAsset AssetAmount
	FromAddress      string
	ToAddress        string
	PaymentID        string
	Success          bool
}

func (m *Payment) Reset()         { *m = Payment{} }
func (m *Payment) String() string { return fmt.Sprintf("%+v", *m) }
func (*Payment) ProtoMessage()    {}

func (m *Payment) appendTo(b []byte) []byte {
	b = appendMessage(b, 1, &m.Header)
	b = appendMessage(b, 2, &m.TransactionID)
	b = appendMessage(b, 3, &m.TransferredAsset)
	b = appendString(b, 4, m.FromAddress)
	b = appendString(b, 5, m.ToAddress)
	b = appendString(b, 6, m.PaymentID)
	return appendBool(b, 7, m.Success)
}

func (m *Payment) Marshal() ([]byte, error) { return m.appendTo(nil), nil }

func (m *Payment) Unmarshal(bz []byte) error {
	m.Reset()
	return decodeFields(bz, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeMessage(typ, b, &m.Header)
		case 2:
			return consumeMessage(typ, b, &m.TransactionID)
		case 3:
			return consumeMessage(typ, b, &m.TransferredAsset)
		case 4:
			return consumeString(typ, b, &m.FromAddress)
		case 5:
			return consumeString(typ, b, &m.ToAddress)
		case 6:
			return consumeString(typ, b, &m.PaymentID)
		case 7:
			return consumeBool(typ, b, &m.Success)
		default:
			return skipField(num, typ, b)
		}
	})
}

// OrderStatusRequest asks the owner of OrderID for the current tick.
type OrderStatusRequest struct {
	Header     Header
	OrderID    OrderID
	Identifier uint32
}

func (m *OrderStatusRequest) Reset()         { *m = OrderStatusRequest{} }
func (m *OrderStatusRequest) String() string { return fmt.Sprintf("%+v", *m) }
func (*OrderStatusRequest) ProtoMessage()    {}

func (m *OrderStatusRequest) appendTo(b []byte) []byte {
	b = appendMessage(b, 1, &m.Header)
	b = appendMessage(b, 2, &m.OrderID)
	return appendVarint(b, 3, uint64(m.Identifier))
}

func (m *OrderStatusRequest) Marshal() ([]byte, error) { return m.appendTo(nil), nil }

func (m *OrderStatusRequest) Unmarshal(bz []byte) error {
	m.Reset()
	return decodeFields(bz, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeMessage(typ, b, &m.Header)
		case 2:
			return consumeMessage(typ, b, &m.OrderID)
		case 3:
			return consumeUint32(typ, b, &m.Identifier)
		default:
			return skipField(num, typ, b)
		}
	})
}

// OrderStatusResponse carries the tick of the requested order. Status is
// the owner's view of the order status.
type OrderStatusResponse struct {
	Header     Header
	Identifier uint32
	Tick       TickData
	Status     string
}

func (m *OrderStatusResponse) Reset()         { *m = OrderStatusResponse{} }
func (m *OrderStatusResponse) String() string { return fmt.Sprintf("%+v", *m) }
func (*OrderStatusResponse) ProtoMessage()    {}

func (m *OrderStatusResponse) appendTo(b []byte) []byte {
	b = appendMessage(b, 1, &m.Header)
	b = appendVarint(b, 2, uint64(m.Identifier))
	b = appendMessage(b, 3, &m.Tick)
	return appendString(b, 4, m.Status)
}

func (m *OrderStatusResponse) Marshal() ([]byte, error) { return m.appendTo(nil), nil }

func (m *OrderStatusResponse) Unmarshal(bz []byte) error {
	m.Reset()
	return decodeFields(bz, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeMessage(typ, b, &m.Header)
		case 2:
			return consumeUint32(typ, b, &m.Identifier)
		case 3:
			return consumeMessage(typ, b, &m.Tick)
		case 4:
			return consumeString(typ, b, &m.Status)
		default:
			return skipField(num, typ, b)
		}
	})
}

// OrderbookSync carries a bloom filter over the order ids the sender already
// knows. The recipient answers with the ticks the filter does not contain.
type OrderbookSync struct {
	Header    Header
	Filter    []byte
	NumHashes uint32
}

func (m *OrderbookSync) Reset()         { *m = OrderbookSync{} }
func (m *OrderbookSync) String() string { return fmt.Sprintf("%+v", *m) }
func (*OrderbookSync) ProtoMessage()    {}

func (m *OrderbookSync) appendTo(b []byte) []byte {
	b = appendMessage(b, 1, &m.Header)
	b = appendBytes(b, 2, m.Filter)
	return appendVarint(b, 3, uint64(m.NumHashes))
}

func (m *OrderbookSync) Marshal() ([]byte, error) { return m.appendTo(nil), nil }

func (m *OrderbookSync) Unmarshal(bz []byte) error {
	m.Reset()
	return decodeFields(bz, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeMessage(typ, b, &m.Header)
		case 2:
			return consumeBytes(typ, b, &m.Filter)
		case 3:
			return consumeUint32(typ, b, &m.NumHashes)
		default:
			return skipField(num, typ, b)
		}
	})
}
