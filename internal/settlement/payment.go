package settlement

import "github.com/tendermint/market/types"

// NextPayment returns the amount of the pay asset this side transfers next,
// or 0 when nothing is owed.
//
// The first payment is max(unit, firstSize). Every later payment doubles
// the partner's last payment, rounded up to a multiple of unit. Payments
// never exceed what is owed, and once the partner has paid in full the
// whole remainder is sent.
func NextPayment(tx *types.Transaction, unit, firstSize int64) int64 {
	owed := tx.Owed().Amount
	if owed <= 0 {
		return 0
	}
	if tx.PartnerOwed().Amount <= 0 {
		return owed
	}
	if unit <= 0 {
		unit = 1
	}

	var amount int64
	if last := tx.LastPayment(tx.ReceiveAsset()); last == nil {
		amount = firstSize
		if amount < unit {
			amount = unit
		}
	} else {
		amount = roundUp(2*last.TransferredAsset.Amount, unit)
	}
	if amount > owed {
		amount = owed
	}
	return amount
}

func roundUp(amount, unit int64) int64 {
	if rem := amount % unit; rem != 0 {
		return amount + unit - rem
	}
	return amount
}

// IsMyTurn reports whether this side should make the next payment. The
// initiator pays first and the sides alternate; a side whose partner has
// paid in full pays whatever it still owes.
func IsMyTurn(tx *types.Transaction) bool {
	if tx.Owed().Amount <= 0 {
		return false
	}
	if tx.PartnerOwed().Amount <= 0 {
		return true
	}
	sent, received := tx.PaymentCounts()
	if tx.Initiator {
		return sent <= received
	}
	return sent < received
}
