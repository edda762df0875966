package types

import (
	"time"

	marketproto "github.com/tendermint/market/proto/market"
)

// CanonicalTime returns t in UTC at millisecond precision, the precision at
// which timestamps travel on the wire and are persisted.
func CanonicalTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

// TimeToMillis converts t to unix milliseconds. The zero time maps to 0.
func TimeToMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// TimeFromMillis is the inverse of TimeToMillis.
func TimeFromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func (a AssetAmount) ToProto() marketproto.AssetAmount {
	return marketproto.AssetAmount{Amount: a.Amount, AssetID: a.AssetID}
}

// AssetAmountFromProto converts and validates a wire amount.
func AssetAmountFromProto(pb marketproto.AssetAmount) (AssetAmount, error) {
	return NewAssetAmount(pb.Amount, pb.AssetID)
}

func (p AssetPair) ToProto() marketproto.AssetPair {
	return marketproto.AssetPair{First: p.First.ToProto(), Second: p.Second.ToProto()}
}

// AssetPairFromProto converts a wire pair. The pair must be canonical.
func AssetPairFromProto(pb marketproto.AssetPair) (AssetPair, error) {
	p := AssetPair{
		First:  AssetAmount{Amount: pb.First.Amount, AssetID: pb.First.AssetID},
		Second: AssetAmount{Amount: pb.Second.Amount, AssetID: pb.Second.AssetID},
	}
	return p, p.ValidateBasic()
}

func (id OrderID) ToProto() marketproto.OrderID {
	return marketproto.OrderID{TraderID: string(id.TraderID), Number: id.OrderNumber}
}

// OrderIDFromProto converts and validates a wire order id.
func OrderIDFromProto(pb marketproto.OrderID) (OrderID, error) {
	id := OrderID{TraderID: TraderID(pb.TraderID), OrderNumber: pb.Number}
	return id, id.ValidateBasic()
}

func (id TransactionID) ToProto() marketproto.OrderID {
	return marketproto.OrderID{TraderID: string(id.TraderID), Number: id.TransactionNumber}
}

// TransactionIDFromProto converts and validates a wire transaction id.
func TransactionIDFromProto(pb marketproto.OrderID) (TransactionID, error) {
	id := TransactionID{TraderID: TraderID(pb.TraderID), TransactionNumber: pb.Number}
	return id, id.ValidateBasic()
}

func (t *Tick) ToProto() marketproto.TickData {
	return marketproto.TickData{
		OrderID:   t.OrderID.ToProto(),
		Assets:    t.Assets.ToProto(),
		Traded:    t.Traded,
		Timeout:   int64(t.Timeout),
		Timestamp: TimeToMillis(t.Timestamp),
		IsAsk:     t.IsAsk,
	}
}

// TickFromProto converts a wire tick and runs ValidateBasic on it.
func TickFromProto(pb marketproto.TickData) (*Tick, error) {
	id, err := OrderIDFromProto(pb.OrderID)
	if err != nil {
		return nil, err
	}
	assets, err := AssetPairFromProto(pb.Assets)
	if err != nil {
		return nil, err
	}
	t := &Tick{
		OrderID:   id,
		Assets:    assets,
		Traded:    pb.Traded,
		Timeout:   Timeout(pb.Timeout),
		Timestamp: TimeFromMillis(pb.Timestamp),
		IsAsk:     pb.IsAsk,
	}
	if err := t.ValidateBasic(); err != nil {
		return nil, err
	}
	return t, nil
}

// ToRecord converts the payment into its persisted form.
func (p *Payment) ToRecord() *marketproto.PaymentRecord {
	return &marketproto.PaymentRecord{
		TransactionID:     p.TransactionID.ToProto(),
		TransferredAsset:  p.TransferredAsset.ToProto(),
		FromAddress:       p.FromAddress,
		ToAddress:         p.ToAddress,
		ExternalPaymentID: p.ExternalPaymentID,
		Timestamp:         TimeToMillis(p.Timestamp),
		Success:           p.Success,
	}
}

// PaymentFromRecord is the inverse of ToRecord.
func PaymentFromRecord(pb *marketproto.PaymentRecord) (*Payment, error) {
	txID, err := TransactionIDFromProto(pb.TransactionID)
	if err != nil {
		return nil, err
	}
	p := &Payment{
		TransactionID:     txID,
		TransferredAsset:  AssetAmount{Amount: pb.TransferredAsset.Amount, AssetID: pb.TransferredAsset.AssetID},
		FromAddress:       pb.FromAddress,
		ToAddress:         pb.ToAddress,
		ExternalPaymentID: pb.ExternalPaymentID,
		Timestamp:         TimeFromMillis(pb.Timestamp),
		Success:           pb.Success,
	}
	return p, p.ValidateBasic()
}

// ToRecord converts the order into its persisted form. Reservations are
// returned separately by ReservedTicks.
func (o *Order) ToRecord() *marketproto.OrderRecord {
	return &marketproto.OrderRecord{
		OrderID:     o.ID.ToProto(),
		Assets:      o.Assets.ToProto(),
		Traded:      o.traded,
		Timeout:     int64(o.Timeout),
		CreatedAt:   TimeToMillis(o.CreatedAt),
		CompletedAt: TimeToMillis(o.CompletedAt),
		IsAsk:       o.IsAsk,
		Cancelled:   o.cancelled,
	}
}

// OrderFromRecord rebuilds an order from its record and reservations.
func OrderFromRecord(pb *marketproto.OrderRecord, reserved map[OrderID]int64) (*Order, error) {
	id, err := OrderIDFromProto(pb.OrderID)
	if err != nil {
		return nil, err
	}
	assets, err := AssetPairFromProto(pb.Assets)
	if err != nil {
		return nil, err
	}
	return RestoreOrder(
		id, assets, pb.IsAsk, Timeout(pb.Timeout),
		TimeFromMillis(pb.CreatedAt), TimeFromMillis(pb.CompletedAt),
		pb.Traded, pb.Cancelled, reserved,
	)
}

// ToRecord converts the transaction into its persisted form. Payments are
// persisted separately.
func (tx *Transaction) ToRecord() *marketproto.TransactionRecord {
	return &marketproto.TransactionRecord{
		TransactionID:          tx.ID.ToProto(),
		Assets:                 tx.Assets.ToProto(),
		Transferred:            tx.Transferred.ToProto(),
		MyOrderID:              tx.MyOrderID.ToProto(),
		PartnerOrderID:         tx.PartnerOrderID.ToProto(),
		ProposalID:             tx.ProposalID,
		CreatedAt:              TimeToMillis(tx.CreatedAt),
		IsAsk:                  tx.IsAsk,
		Initiator:              tx.Initiator,
		WalletInfoSent:         tx.WalletInfoSent,
		WalletInfoReceived:     tx.WalletInfoReceived,
		MyIncomingAddress:      tx.MyIncomingAddress,
		MyOutgoingAddress:      tx.MyOutgoingAddress,
		PartnerIncomingAddress: tx.PartnerIncomingAddress,
		PartnerOutgoingAddress: tx.PartnerOutgoingAddress,
		State:                  uint32(tx.State),
		Unreceipted:            tx.Unreceipted,
		LastActivity:           TimeToMillis(tx.LastActivity),
	}
}

// TransactionFromRecord rebuilds a transaction from its record and payments.
// Transferred amounts are taken from the record.
func TransactionFromRecord(pb *marketproto.TransactionRecord, payments []*Payment) (*Transaction, error) {
	txID, err := TransactionIDFromProto(pb.TransactionID)
	if err != nil {
		return nil, err
	}
	assets, err := AssetPairFromProto(pb.Assets)
	if err != nil {
		return nil, err
	}
	transferred, err := AssetPairFromProto(pb.Transferred)
	if err != nil {
		return nil, err
	}
	myOrder, err := OrderIDFromProto(pb.MyOrderID)
	if err != nil {
		return nil, err
	}
	partnerOrder, err := OrderIDFromProto(pb.PartnerOrderID)
	if err != nil {
		return nil, err
	}
	if _, ok := txStateNames[TransactionState(pb.State)]; !ok {
		return nil, newValidationError("state", "unknown transaction state %d", pb.State)
	}
	if !assets.Covers(transferred) {
		return nil, InvariantViolation{Op: "restore", Detail: "transferred exceeds agreed assets"}
	}
	return &Transaction{
		ID:                     txID,
		Assets:                 assets,
		MyOrderID:              myOrder,
		PartnerOrderID:         partnerOrder,
		ProposalID:             pb.ProposalID,
		CreatedAt:              TimeFromMillis(pb.CreatedAt),
		IsAsk:                  pb.IsAsk,
		Initiator:              pb.Initiator,
		Transferred:            transferred,
		WalletInfoSent:         pb.WalletInfoSent,
		WalletInfoReceived:     pb.WalletInfoReceived,
		MyIncomingAddress:      pb.MyIncomingAddress,
		MyOutgoingAddress:      pb.MyOutgoingAddress,
		PartnerIncomingAddress: pb.PartnerIncomingAddress,
		PartnerOutgoingAddress: pb.PartnerOutgoingAddress,
		Payments:               payments,
		State:                  TransactionState(pb.State),
		Unreceipted:            pb.Unreceipted,
		LastActivity:           TimeFromMillis(pb.LastActivity),
	}, nil
}
