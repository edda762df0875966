// Package ledger defines the records the market anchors in an append-only
// ledger and the ledgers that store them.
package ledger

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tendermint/market/types"
)

// Kind is the type tag of a record.
type Kind string

const (
	KindTick        Kind = "tick"
	KindCancelOrder Kind = "cancel_order"
	KindTxInit      Kind = "tx_init"
	KindTxPayment   Kind = "tx_payment"
)

var (
	ErrInvalidRecord = errors.New("invalid ledger record")
	ErrWrite         = errors.New("ledger write failed")
)

// Record is one ledger entry: a type tag and the JSON payload of the
// message it anchors.
type Record struct {
	Type    Kind            `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type fieldKind uint8

const (
	fieldString fieldKind = iota
	fieldTraderID
	fieldUint
	fieldBool
)

var requiredFields = map[Kind]map[string]fieldKind{
	KindTick: {
		"trader_id": fieldTraderID, "order_number": fieldUint,
		"first_amount": fieldUint, "first_id": fieldString,
		"second_amount": fieldUint, "second_id": fieldString,
		"timeout": fieldUint, "timestamp": fieldUint, "traded": fieldUint, "is_ask": fieldBool,
	},
	KindCancelOrder: {
		"trader_id": fieldTraderID, "order_number": fieldUint,
	},
	KindTxInit: {
		"trader_id": fieldTraderID, "transaction_number": fieldUint,
		"order_trader_id": fieldTraderID, "order_number": fieldUint,
		"partner_trader_id": fieldTraderID, "partner_order_number": fieldUint,
		"first_amount": fieldUint, "first_id": fieldString,
		"second_amount": fieldUint, "second_id": fieldString,
		"timestamp": fieldUint,
	},
	KindTxPayment: {
		"trader_id": fieldTraderID, "transaction_trader_id": fieldTraderID, "transaction_number": fieldUint,
		"transferred_amount": fieldUint, "transferred_id": fieldString,
		"payments": fieldUint, "timestamp": fieldUint,
	},
}

// Verify checks a record structurally: a known type tag and every required
// field present with the right type, trader ids of 40 hex characters and
// amounts that are non-negative integers.
func Verify(r Record) error {
	fields, ok := requiredFields[r.Type]
	if !ok {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidRecord, r.Type)
	}
	dec := json.NewDecoder(bytes.NewReader(r.Payload))
	dec.UseNumber()
	var payload map[string]interface{}
	if err := dec.Decode(&payload); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	for name, kind := range fields {
		v, ok := payload[name]
		if !ok {
			return fmt.Errorf("%w: %s: missing %s", ErrInvalidRecord, r.Type, name)
		}
		if err := checkField(kind, v); err != nil {
			return fmt.Errorf("%w: %s.%s: %v", ErrInvalidRecord, r.Type, name, err)
		}
	}
	return nil
}

func checkField(kind fieldKind, v interface{}) error {
	switch kind {
	case fieldString:
		if s, ok := v.(string); !ok || s == "" {
			return errors.New("expected a non-empty string")
		}
	case fieldTraderID:
		s, ok := v.(string)
		if !ok {
			return errors.New("expected a string")
		}
		return types.TraderID(s).ValidateBasic()
	case fieldUint:
		n, ok := v.(json.Number)
		if !ok {
			return errors.New("expected a number")
		}
		if strings.ContainsAny(n.String(), ".eE") {
			return errors.New("expected an integer")
		}
		i, err := n.Int64()
		if err != nil || i < 0 {
			return errors.New("expected a non-negative integer")
		}
	case fieldBool:
		if _, ok := v.(bool); !ok {
			return errors.New("expected a boolean")
		}
	}
	return nil
}

// Key identifies the record for idempotent appends: appending a record
// with a key already present is a no-op.
func (r Record) Key() (string, error) {
	var p struct {
		TraderID            string `json:"trader_id"`
		OrderNumber         uint64 `json:"order_number"`
		Traded              int64  `json:"traded"`
		TransactionTraderID string `json:"transaction_trader_id"`
		TransactionNumber   uint64 `json:"transaction_number"`
	}
	if err := json.Unmarshal(r.Payload, &p); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	switch r.Type {
	case KindTick:
		return fmt.Sprintf("tick/%s.%d/%d", p.TraderID, p.OrderNumber, p.Traded), nil
	case KindCancelOrder:
		return fmt.Sprintf("cancel_order/%s.%d", p.TraderID, p.OrderNumber), nil
	case KindTxInit:
		return fmt.Sprintf("tx_init/%s.%d", p.TraderID, p.TransactionNumber), nil
	case KindTxPayment:
		return fmt.Sprintf("tx_payment/%s.%d/%s", p.TransactionTraderID, p.TransactionNumber, p.TraderID), nil
	default:
		return "", fmt.Errorf("%w: unknown type %q", ErrInvalidRecord, r.Type)
	}
}

func newRecord(kind Kind, payload interface{}) Record {
	bz, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	return Record{Type: kind, Payload: bz}
}

type assetsPayload struct {
	FirstAmount  int64  `json:"first_amount"`
	FirstID      string `json:"first_id"`
	SecondAmount int64  `json:"second_amount"`
	SecondID     string `json:"second_id"`
}

func assetsOf(p types.AssetPair) assetsPayload {
	return assetsPayload{
		FirstAmount: p.First.Amount, FirstID: p.First.AssetID,
		SecondAmount: p.Second.Amount, SecondID: p.Second.AssetID,
	}
}

// TickRecord anchors a tick created by its owner.
func TickRecord(t *types.Tick) Record {
	return newRecord(KindTick, struct {
		TraderID    types.TraderID `json:"trader_id"`
		OrderNumber uint64         `json:"order_number"`
		assetsPayload
		Timeout   int64 `json:"timeout"`
		Timestamp int64 `json:"timestamp"`
		Traded    int64 `json:"traded"`
		IsAsk     bool  `json:"is_ask"`
	}{
		TraderID:      t.OrderID.TraderID,
		OrderNumber:   t.OrderID.OrderNumber,
		assetsPayload: assetsOf(t.Assets),
		Timeout:       int64(t.Timeout),
		Timestamp:     types.TimeToMillis(t.Timestamp),
		Traded:        t.Traded,
		IsAsk:         t.IsAsk,
	})
}

// CancelOrderRecord anchors the cancellation of an order.
func CancelOrderRecord(id types.OrderID) Record {
	return newRecord(KindCancelOrder, struct {
		TraderID    types.TraderID `json:"trader_id"`
		OrderNumber uint64         `json:"order_number"`
	}{id.TraderID, id.OrderNumber})
}

// TxInitRecord anchors the start of a transaction. It is written by the side
// that started it.
func TxInitRecord(tx *types.Transaction) Record {
	return newRecord(KindTxInit, struct {
		TraderID           types.TraderID `json:"trader_id"`
		TransactionNumber  uint64         `json:"transaction_number"`
		OrderTraderID      types.TraderID `json:"order_trader_id"`
		OrderNumber        uint64         `json:"order_number"`
		PartnerTraderID    types.TraderID `json:"partner_trader_id"`
		PartnerOrderNumber uint64         `json:"partner_order_number"`
		assetsPayload
		Timestamp int64 `json:"timestamp"`
	}{
		TraderID:           tx.ID.TraderID,
		TransactionNumber:  tx.ID.TransactionNumber,
		OrderTraderID:      tx.MyOrderID.TraderID,
		OrderNumber:        tx.MyOrderID.OrderNumber,
		PartnerTraderID:    tx.PartnerOrderID.TraderID,
		PartnerOrderNumber: tx.PartnerOrderID.OrderNumber,
		assetsPayload:      assetsOf(tx.Assets),
		Timestamp:          types.TimeToMillis(tx.CreatedAt),
	})
}

// TxPaymentRecord is the receipt one side writes once a transaction
// completes: the total it paid and the number of payments it made.
func TxPaymentRecord(writer types.TraderID, tx *types.Transaction) Record {
	var payments int
	var last int64
	for _, p := range tx.Payments {
		if p.Success && p.TransferredAsset.AssetID == tx.PayAsset() {
			payments++
			last = types.TimeToMillis(p.Timestamp)
		}
	}
	paid, _ := tx.Transferred.Leg(tx.PayAsset())
	return newRecord(KindTxPayment, struct {
		TraderID            types.TraderID `json:"trader_id"`
		TransactionTraderID types.TraderID `json:"transaction_trader_id"`
		TransactionNumber   uint64         `json:"transaction_number"`
		TransferredAmount   int64          `json:"transferred_amount"`
		TransferredID       string         `json:"transferred_id"`
		Payments            int            `json:"payments"`
		Timestamp           int64          `json:"timestamp"`
	}{
		TraderID:            writer,
		TransactionTraderID: tx.ID.TraderID,
		TransactionNumber:   tx.ID.TransactionNumber,
		TransferredAmount:   paid.Amount,
		TransferredID:       tx.PayAsset(),
		Payments:            payments,
		Timestamp:           last,
	})
}
