package types

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestTransaction(t *testing.T, isAsk bool) *Transaction {
	t.Helper()
	tx, err := NewTransaction(
		TransactionID{TraderID: MakeTraderID("alice"), TransactionNumber: 1},
		MustAssetPair(10, "A", 20, "B"),
		OrderID{TraderID: MakeTraderID("alice"), OrderNumber: 1},
		OrderID{TraderID: MakeTraderID("bob"), OrderNumber: 1},
		1, isAsk, true, genesis,
	)
	require.NoError(t, err)
	return tx
}

func TestTransactionLegs(t *testing.T) {
	ask := newTestTransaction(t, true)
	require.Equal(t, "A", ask.PayAsset())
	require.Equal(t, "B", ask.ReceiveAsset())
	require.Equal(t, AssetAmount{Amount: 10, AssetID: "A"}, ask.Owed())
	require.Equal(t, AssetAmount{Amount: 20, AssetID: "B"}, ask.PartnerOwed())

	bid := newTestTransaction(t, false)
	require.Equal(t, "B", bid.PayAsset())
	require.Equal(t, TxStateStarted, bid.State)
	require.Equal(t, TxStatusPending, bid.Status())
}

func TestTransactionAddPayment(t *testing.T) {
	tx := newTestTransaction(t, true)
	pay := func(n int64, asset string, ok bool) *Payment {
		return &Payment{
			TransactionID:    tx.ID,
			TransferredAsset: AssetAmount{Amount: n, AssetID: asset},
			Timestamp:        genesis,
			Success:          ok,
		}
	}

	require.NoError(t, tx.AddPayment(pay(4, "A", true)))
	require.NoError(t, tx.AddPayment(pay(20, "B", true)))
	require.Equal(t, AssetAmount{Amount: 6, AssetID: "A"}, tx.Owed())
	require.True(t, tx.PartnerOwed().IsZero())
	require.Equal(t, int64(20), tx.LastPayment("B").TransferredAsset.Amount)
	require.Nil(t, tx.LastPayment("C"))

	err := tx.AddPayment(pay(7, "A", true))
	require.True(t, IsValidationError(err))
	require.Len(t, tx.Payments, 2)

	require.ErrorIs(t, tx.AddPayment(pay(1, "C", true)), ErrAssetMismatch)

	other := pay(1, "A", true)
	other.TransactionID.TransactionNumber = 99
	require.Error(t, tx.AddPayment(other))

	require.NoError(t, tx.AddPayment(pay(6, "A", true)))
	require.True(t, tx.IsComplete())
	require.Equal(t, TxStatusCompleted, tx.Status())
}

func TestTransactionStatusErrorIsSticky(t *testing.T) {
	tx := newTestTransaction(t, false)
	require.NoError(t, tx.AddPayment(&Payment{
		TransactionID:    tx.ID,
		TransferredAsset: AssetAmount{Amount: 3, AssetID: "B"},
		Timestamp:        genesis,
		Success:          false,
	}))
	require.True(t, tx.Transferred.Second.IsZero())
	require.Equal(t, TxStatusError, tx.Status())
	require.True(t, TxStateError.IsTerminal())
	require.False(t, TxStatePaying.IsTerminal())
	require.Equal(t, "wallet_exchange", TxStateWalletExchange.String())
}

func TestPaymentValidateBasic(t *testing.T) {
	p := &Payment{
		TransactionID:    TransactionID{TraderID: MakeTraderID("alice"), TransactionNumber: 1},
		TransferredAsset: AssetAmount{Amount: 0, AssetID: "A"},
		Success:          true,
	}
	require.Error(t, p.ValidateBasic())
	p.Success = false
	require.NoError(t, p.ValidateBasic())
}

func TestTransactionCopyAndCounts(t *testing.T) {
	tx := newTestTransaction(t, true)
	require.NoError(t, tx.AddPayment(&Payment{TransactionID: tx.ID, TransferredAsset: AssetAmount{Amount: 1, AssetID: tx.PayAsset()}, Success: true}))
	require.NoError(t, tx.AddPayment(&Payment{TransactionID: tx.ID, TransferredAsset: AssetAmount{Amount: 2, AssetID: tx.ReceiveAsset()}, Success: true}))
	require.NoError(t, tx.AddPayment(&Payment{TransactionID: tx.ID, TransferredAsset: AssetAmount{Amount: 1, AssetID: tx.PayAsset()}}))

	sent, received := tx.PaymentCounts()
	require.Equal(t, 1, sent)
	require.Equal(t, 1, received)

	cp := tx.Copy()
	cp.Payments[0].Success = false
	cp.State = TxStateError
	require.True(t, tx.Payments[0].Success)
	require.Equal(t, TxStateStarted, tx.State)
}
