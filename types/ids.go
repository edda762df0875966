package types

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// TraderIDByteLength is the length of the public key fingerprint a trader id
// is derived from.
const TraderIDByteLength = 20

// TraderID identifies a trader (and its node) on the network. It is the
// hex-encoded, 20-byte fingerprint of the trader's public key.
type TraderID string

// NewTraderID returns a lower-case, validated TraderID.
func NewTraderID(s string) (TraderID, error) {
	id := TraderID(strings.ToLower(s))
	return id, id.ValidateBasic()
}

// TraderIDFromBytes hex-encodes a raw fingerprint.
func TraderIDFromBytes(bz []byte) (TraderID, error) {
	if len(bz) != TraderIDByteLength {
		return "", newValidationError("trader_id", "expected %d bytes, got %d", TraderIDByteLength, len(bz))
	}
	return TraderID(hex.EncodeToString(bz)), nil
}

// ValidateBasic checks the id is 40 lower-case hex characters.
func (id TraderID) ValidateBasic() error {
	if len(id) != 2*TraderIDByteLength {
		return newValidationError("trader_id", "%q must be %d hex characters", string(id), 2*TraderIDByteLength)
	}
	for _, c := range id {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return newValidationError("trader_id", "%q contains non-hex character %q", string(id), c)
		}
	}
	return nil
}

// Bytes returns the raw fingerprint.
func (id TraderID) Bytes() ([]byte, error) {
	return hex.DecodeString(string(id))
}

func (id TraderID) String() string { return string(id) }

// Short returns the first eight characters of the id, for logs.
func (id TraderID) Short() string {
	if len(id) <= 8 {
		return string(id)
	}
	return string(id[:8])
}

// OrderID is (trader id, per-trader order number).
type OrderID struct {
	TraderID    TraderID
	OrderNumber uint64
}

// ParseOrderID parses the "<trader_id>.<order_number>" representation.
func ParseOrderID(s string) (OrderID, error) {
	trader, num, ok := strings.Cut(s, ".")
	if !ok {
		return OrderID{}, newValidationError("order_id", "%q is not <trader>.<number>", s)
	}
	tid, err := NewTraderID(trader)
	if err != nil {
		return OrderID{}, err
	}
	n, err := strconv.ParseUint(num, 10, 64)
	if err != nil {
		return OrderID{}, newValidationError("order_id", "bad order number %q", num)
	}
	return OrderID{TraderID: tid, OrderNumber: n}, nil
}

// ValidateBasic validates the trader part of the id.
func (id OrderID) ValidateBasic() error {
	return id.TraderID.ValidateBasic()
}

// IsZero reports whether the id is unset.
func (id OrderID) IsZero() bool { return id.TraderID == "" && id.OrderNumber == 0 }

// Less orders ids by trader then number. It breaks timestamp ties in the
// order book.
func (id OrderID) Less(o OrderID) bool {
	if id.TraderID != o.TraderID {
		return id.TraderID < o.TraderID
	}
	return id.OrderNumber < o.OrderNumber
}

func (id OrderID) String() string {
	return fmt.Sprintf("%s.%d", id.TraderID, id.OrderNumber)
}

// TransactionID is (trader id, per-trader transaction number). The trader is
// the party that started the transaction.
type TransactionID struct {
	TraderID          TraderID
	TransactionNumber uint64
}

// ParseTransactionID parses the "<trader_id>.<transaction_number>" representation.
func ParseTransactionID(s string) (TransactionID, error) {
	oid, err := ParseOrderID(s)
	if err != nil {
		return TransactionID{}, newValidationError("transaction_id", "%q is not <trader>.<number>", s)
	}
	return TransactionID{TraderID: oid.TraderID, TransactionNumber: oid.OrderNumber}, nil
}

// ValidateBasic validates the trader part of the id.
func (id TransactionID) ValidateBasic() error {
	return id.TraderID.ValidateBasic()
}

func (id TransactionID) String() string {
	return fmt.Sprintf("%s.%d", id.TraderID, id.TransactionNumber)
}
