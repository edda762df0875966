package market

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// OrderRecord is the persisted form of an order. Reservations are stored
// separately as ReservedTick records.
type OrderRecord struct {
	OrderID     OrderID
	Assets      AssetPair
	Traded      int64
	Timeout     int64
	CreatedAt   int64
	CompletedAt int64
	IsAsk       bool
	Cancelled   bool
}

func (m *OrderRecord) Reset()         { *m = OrderRecord{} }
func (m *OrderRecord) String() string { return fmt.Sprintf("%+v", *m) }
func (*OrderRecord) ProtoMessage()    {}

func (m *OrderRecord) appendTo(b []byte) []byte {
	b = appendMessage(b, 1, &m.OrderID)
	b = appendMessage(b, 2, &m.Assets)
	b = appendInt64(b, 3, m.Traded)
	b = appendInt64(b, 4, m.Timeout)
	b = appendInt64(b, 5, m.CreatedAt)
	b = appendInt64(b, 6, m.CompletedAt)
	b = appendBool(b, 7, m.IsAsk)
	return appendBool(b, 8, m.Cancelled)
}

func (m *OrderRecord) Marshal() ([]byte, error) { return m.appendTo(nil), nil }

func (m *OrderRecord) Unmarshal(bz []byte) error {
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
			return consumeInt64(typ, b, &m.CreatedAt)
		case 6:
			return consumeInt64(typ, b, &m.CompletedAt)
		case 7:
			return consumeBool(typ, b, &m.IsAsk)
		case 8:
			return consumeBool(typ, b, &m.Cancelled)
		default:
			return skipField(num, typ, b)
		}
	})
}

// ReservedTick is the quantity OrderID holds for a counterparty order.
type ReservedTick struct {
	OrderID             OrderID
	CounterpartyOrderID OrderID
	Quantity            int64
}

func (m *ReservedTick) Reset()         { *m = ReservedTick{} }
func (m *ReservedTick) String() string { return fmt.Sprintf("%+v", *m) }
func (*ReservedTick) ProtoMessage()    {}

func (m *ReservedTick) appendTo(b []byte) []byte {
	b = appendMessage(b, 1, &m.OrderID)
	b = appendMessage(b, 2, &m.CounterpartyOrderID)
	return appendInt64(b, 3, m.Quantity)
}

func (m *ReservedTick) Marshal() ([]byte, error) { return m.appendTo(nil), nil }

func (m *ReservedTick) Unmarshal(bz []byte) error {
	m.Reset()
	return decodeFields(bz, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeMessage(typ, b, &m.OrderID)
		case 2:
			return consumeMessage(typ, b, &m.CounterpartyOrderID)
		case 3:
			return consumeInt64(typ, b, &m.Quantity)
		default:
			return skipField(num, typ, b)
		}
	})
}

// TransactionRecord is the persisted form of a transaction. Payments are
// stored separately as PaymentRecord.
type TransactionRecord struct {
	TransactionID          OrderID
	Assets                 AssetPair
	Transferred            AssetPair
	MyOrderID              OrderID
	PartnerOrderID         OrderID
	ProposalID             uint32
	CreatedAt              int64
	IsAsk                  bool
	Initiator              bool
	WalletInfoSent         bool
	WalletInfoReceived     bool
	MyIncomingAddress      string
	MyOutgoingAddress      string
	PartnerIncomingAddress string
	PartnerOutgoingAddress string
	State                  uint32
	Unreceipted            bool
	LastActivity           int64
}

func (m *TransactionRecord) Reset()         { *m = TransactionRecord{} }
func (m *TransactionRecord) String() string { return fmt.Sprintf("%+v", *m) }
func (*TransactionRecord) ProtoMessage()    {}

func (m *TransactionRecord) appendTo(b []byte) []byte {
	b = appendMessage(b, 1, &m.TransactionID)
	b = appendMessage(b, 2, &m.Assets)
	b = appendMessage(b, 3, &m.Transferred)
	b = appendMessage(b, 4, &m.MyOrderID)
	b = appendMessage(b, 5, &m.PartnerOrderID)
	b = appendVarint(b, 6, uint64(m.ProposalID))
	b = appendInt64(b, 7, m.CreatedAt)
	b = appendBool(b, 8, m.IsAsk)
	b = appendBool(b, 9, m.Initiator)
	b = appendBool(b, 10, m.WalletInfoSent)
	b = appendBool(b, 11, m.WalletInfoReceived)
	b = appendString(b, 12, m.MyIncomingAddress)
	b = appendString(b, 13, m.MyOutgoingAddress)
	b = appendString(b, 14, m.PartnerIncomingAddress)
	b = appendString(b, 15, m.PartnerOutgoingAddress)
	b = appendVarint(b, 16, uint64(m.State))
	b = appendBool(b, 17, m.Unreceipted)
	return appendInt64(b, 18, m.LastActivity)
}

func (m *TransactionRecord) Marshal() ([]byte, error) { return m.appendTo(nil), nil }

func (m *TransactionRecord) Unmarshal(bz []byte) error {
	m.Reset()
	return decodeFields(bz, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeMessage(typ, b, &m.TransactionID)
		case 2:
			return consumeMessage(typ, b, &m.Assets)
		case 3:
			return consumeMessage(typ, b, &m.Transferred)
		case 4:
			return consumeMessage(typ, b, &m.MyOrderID)
		case 5:
			return consumeMessage(typ, b, &m.PartnerOrderID)
		case 6:
			return consumeUint32(typ, b, &m.ProposalID)
		case 7:
			return consumeInt64(typ, b, &m.CreatedAt)
		case 8:
			return consumeBool(typ, b, &m.IsAsk)
		case 9:
			return consumeBool(typ, b, &m.Initiator)
		case 10:
			return consumeBool(typ, b, &m.WalletInfoSent)
		case 11:
			return consumeBool(typ, b, &m.WalletInfoReceived)
		case 12:
			return consumeString(typ, b, &m.MyIncomingAddress)
		case 13:
			return consumeString(typ, b, &m.MyOutgoingAddress)
		case 14:
			return consumeString(typ, b, &m.PartnerIncomingAddress)
		case 15:
			return consumeString(typ, b, &m.PartnerOutgoingAddress)
		case 16:
			return consumeUint32(typ, b, &m.State)
		case 17:
			return consumeBool(typ, b, &m.Unreceipted)
		case 18:
			return consumeInt64(typ, b, &m.LastActivity)
		default:
			return skipField(num, typ, b)
		}
	})
}

// PaymentRecord is the persisted form of a payment.
type PaymentRecord struct {
	TransactionID     OrderID
	TransferredAsset  AssetAmount
	FromAddress       string
	ToAddress         string
	ExternalPaymentID string
	Timestamp         int64
	Success           bool
}

func (m *PaymentRecord) Reset()         { *m = PaymentRecord{} }
func (m *PaymentRecord) String() string { return fmt.Sprintf("%+v", *m) }
func (*PaymentRecord) ProtoMessage()    {}

func (m *PaymentRecord) appendTo(b []byte) []byte {
	b = appendMessage(b, 1, &m.TransactionID)
	b = appendMessage(b, 2, &m.TransferredAsset)
	b = appendString(b, 3, m.FromAddress)
	b = appendString(b, 4, m.ToAddress)
	b = appendString(b, 5, m.ExternalPaymentID)
	b = appendInt64(b, 6, m.Timestamp)
	return appendBool(b, 7, m.Success)
}

func (m *PaymentRecord) Marshal() ([]byte, error) { return m.appendTo(nil), nil }

func (m *PaymentRecord) Unmarshal(bz []byte) error {
	m.Reset()
	return decodeFields(bz, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeMessage(typ, b, &m.TransactionID)
		case 2:
			return consumeMessage(typ, b, &m.TransferredAsset)
		case 3:
			return consumeString(typ, b, &m.FromAddress)
		case 4:
			return consumeString(typ, b, &m.ToAddress)
		case 5:
			return consumeString(typ, b, &m.ExternalPaymentID)
		case 6:
			return consumeInt64(typ, b, &m.Timestamp)
		case 7:
			return consumeBool(typ, b, &m.Success)
		default:
			return skipField(num, typ, b)
		}
	})
}

// TraderRecord maps a trader id to its last known network address.
type TraderRecord struct {
	TraderID string
	Address  string
}

func (m *TraderRecord) Reset()         { *m = TraderRecord{} }
func (m *TraderRecord) String() string { return fmt.Sprintf("%+v", *m) }
func (*TraderRecord) ProtoMessage()    {}

func (m *TraderRecord) appendTo(b []byte) []byte {
	b = appendString(b, 1, m.TraderID)
	return appendString(b, 2, m.Address)
}

func (m *TraderRecord) Marshal() ([]byte, error) { return m.appendTo(nil), nil }

func (m *TraderRecord) Unmarshal(bz []byte) error {
	m.Reset()
	return decodeFields(bz, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &m.TraderID)
		case 2:
			return consumeString(typ, b, &m.Address)
		default:
			return skipField(num, typ, b)
		}
	})
}
