package types

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// TransactionState is the settlement state of a transaction.
//
//	PROPOSED -> STARTED -> WALLET_EXCHANGE -> PAYING -> COMPLETED
//	                                  \            \-> ERROR
//	                                   \-> ERROR
type TransactionState uint8

const (
	TxStateProposed TransactionState = iota
	TxStateStarted
	TxStateWalletExchange
	TxStatePaying
	TxStateCompleted
	TxStateError
)

var txStateNames = map[TransactionState]string{
	TxStateProposed:       "proposed",
	TxStateStarted:        "started",
	TxStateWalletExchange: "wallet_exchange",
	TxStatePaying:         "paying",
	TxStateCompleted:      "completed",
	TxStateError:          "error",
}

func (s TransactionState) String() string {
	if n, ok := txStateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("unknown(%d)", uint8(s))
}

// IsTerminal reports whether the state can no longer change.
func (s TransactionState) IsTerminal() bool {
	return s == TxStateCompleted || s == TxStateError
}

// TransactionStatus is the coarse status derived from payments.
type TransactionStatus string

const (
	TxStatusPending   TransactionStatus = "pending"
	TxStatusCompleted TransactionStatus = "completed"
	TxStatusError     TransactionStatus = "error"
)

// Payment is one directed transfer within a transaction.
type Payment struct {
	TransactionID     TransactionID
	TransferredAsset  AssetAmount
	FromAddress       string
	ToAddress         string
	ExternalPaymentID string
	Timestamp         time.Time
	Success           bool
}

// ValidateBasic performs stateless checks on a payment.
func (p *Payment) ValidateBasic() error {
	if err := p.TransactionID.ValidateBasic(); err != nil {
		return err
	}
	if err := p.TransferredAsset.ValidateBasic(); err != nil {
		return err
	}
	if p.Success && p.TransferredAsset.Amount == 0 {
		return newValidationError("transferred_asset", "successful payment of zero")
	}
	return nil
}

// Transaction is the per-trade settlement record kept by both counterparties.
type Transaction struct {
	ID             TransactionID
	Assets         AssetPair
	MyOrderID      OrderID
	PartnerOrderID OrderID
	ProposalID     uint32
	CreatedAt      time.Time

	// IsAsk is the side of MyOrderID: an ask pays the first asset and
	// receives the second one.
	IsAsk bool
	// Initiator is set on the side that sent StartTransaction. The initiator
	// makes the first payment.
	Initiator bool

	Transferred AssetPair

	WalletInfoSent     bool
	WalletInfoReceived bool

	MyIncomingAddress      string
	MyOutgoingAddress      string
	PartnerIncomingAddress string
	PartnerOutgoingAddress string

	Payments []*Payment

	State        TransactionState
	Unreceipted  bool
	LastActivity time.Time
}

// NewTransaction returns a transaction in the STARTED state.
func NewTransaction(
	id TransactionID,
	assets AssetPair,
	myOrder, partnerOrder OrderID,
	proposalID uint32,
	isAsk, initiator bool,
	now time.Time,
) (*Transaction, error) {
	if err := id.ValidateBasic(); err != nil {
		return nil, err
	}
	if err := assets.ValidatePositive(); err != nil {
		return nil, err
	}
	return &Transaction{
		ID:             id,
		Assets:         assets,
		MyOrderID:      myOrder,
		PartnerOrderID: partnerOrder,
		ProposalID:     proposalID,
		CreatedAt:      now,
		IsAsk:          isAsk,
		Initiator:      initiator,
		Transferred:    assets.Zero(),
		State:          TxStateStarted,
		LastActivity:   now,
	}, nil
}

// PayAsset is the asset this side transfers to the partner.
func (tx *Transaction) PayAsset() string {
	if tx.IsAsk {
		return tx.Assets.First.AssetID
	}
	return tx.Assets.Second.AssetID
}

// ReceiveAsset is the asset this side receives from the partner.
func (tx *Transaction) ReceiveAsset() string {
	if tx.IsAsk {
		return tx.Assets.Second.AssetID
	}
	return tx.Assets.First.AssetID
}

func (tx *Transaction) legs(assetID string) (agreed, transferred int64) {
	if assetID == tx.Assets.First.AssetID {
		return tx.Assets.First.Amount, tx.Transferred.First.Amount
	}
	return tx.Assets.Second.Amount, tx.Transferred.Second.Amount
}

// Owed is what this side still has to pay.
func (tx *Transaction) Owed() AssetAmount {
	agreed, transferred := tx.legs(tx.PayAsset())
	return AssetAmount{Amount: agreed - transferred, AssetID: tx.PayAsset()}
}

// PartnerOwed is what the partner still has to pay.
func (tx *Transaction) PartnerOwed() AssetAmount {
	agreed, transferred := tx.legs(tx.ReceiveAsset())
	return AssetAmount{Amount: agreed - transferred, AssetID: tx.ReceiveAsset()}
}

// IsComplete reports whether both legs are fully transferred.
func (tx *Transaction) IsComplete() bool {
	return tx.Transferred.Covers(tx.Assets)
}

// HasFailedPayment reports whether any recorded payment failed.
func (tx *Transaction) HasFailedPayment() bool {
	for _, p := range tx.Payments {
		if !p.Success {
			return true
		}
	}
	return false
}

// Status derives pending/completed/error. Error is sticky.
func (tx *Transaction) Status() TransactionStatus {
	switch {
	case tx.State == TxStateError || tx.HasFailedPayment():
		return TxStatusError
	case tx.IsComplete():
		return TxStatusCompleted
	default:
		return TxStatusPending
	}
}

// LastPayment returns the latest successful payment in assetID, if any.
func (tx *Transaction) LastPayment(assetID string) *Payment {
	for i := len(tx.Payments) - 1; i >= 0; i-- {
		p := tx.Payments[i]
		if p.Success && p.TransferredAsset.AssetID == assetID {
			return p
		}
	}
	return nil
}

// AddPayment records a payment. Successful payments increase the
// transferred amount of their leg; a payment beyond the agreed amount is
// rejected and not recorded.
func (tx *Transaction) AddPayment(p *Payment) error {
	if p.TransactionID != tx.ID {
		return newValidationError("transaction_id", "payment for %s recorded on %s", p.TransactionID, tx.ID)
	}
	leg, err := tx.Transferred.Leg(p.TransferredAsset.AssetID)
	if err != nil {
		return err
	}
	if p.Success {
		agreed, transferred := tx.legs(leg.AssetID)
		if transferred+p.TransferredAsset.Amount > agreed {
			return newValidationError("transferred_asset", "%s exceeds outstanding %d", p.TransferredAsset, agreed-transferred)
		}
		if leg.AssetID == tx.Transferred.First.AssetID {
			tx.Transferred.First.Amount += p.TransferredAsset.Amount
		} else {
			tx.Transferred.Second.Amount += p.TransferredAsset.Amount
		}
	}
	tx.Payments = append(tx.Payments, p)
	return nil
}

// Copy returns a deep copy of the transaction.
func (tx *Transaction) Copy() *Transaction {
	cp := *tx
	cp.Payments = nil
	for _, p := range tx.Payments {
		pc := *p
		cp.Payments = append(cp.Payments, &pc)
	}
	return &cp
}

// PaymentCounts returns the number of successful payments sent and received
// by this side.
func (tx *Transaction) PaymentCounts() (sent, received int) {
	for _, p := range tx.Payments {
		if !p.Success {
			continue
		}
		if p.TransferredAsset.AssetID == tx.PayAsset() {
			sent++
		} else {
			received++
		}
	}
	return sent, received
}

// MarshalZerologObject formats this object for logging purposes
func (tx *Transaction) MarshalZerologObject(e *zerolog.Event) {
	if tx == nil {
		return
	}
	e.Str("tx_id", tx.ID.String())
	e.Str("assets", tx.Assets.String())
	e.Str("transferred", tx.Transferred.String())
	e.Str("state", tx.State.String())
	e.Int("payments", len(tx.Payments))
}
