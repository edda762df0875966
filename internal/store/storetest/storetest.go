// Package storetest holds the behaviour every store.Store implementation
// must share.
package storetest

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendermint/market/internal/store"
	"github.com/tendermint/market/types"
)

var genesis = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// Run exercises s. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("Orders", func(t *testing.T) { testOrders(t, newStore(t)) })
	t.Run("Ticks", func(t *testing.T) { testTicks(t, newStore(t)) })
	t.Run("Transactions", func(t *testing.T) { testTransactions(t, newStore(t)) })
	t.Run("Traders", func(t *testing.T) { testTraders(t, newStore(t)) })
	t.Run("Counters", func(t *testing.T) { testCounters(t, newStore(t)) })
}

func orderID(name string, n uint64) types.OrderID {
	return types.OrderID{TraderID: types.MakeTraderID(name), OrderNumber: n}
}

func testOrders(t *testing.T, s store.Store) {
	_, err := s.LoadOrder(orderID("alice", 1))
	require.True(t, errors.Is(err, store.ErrNotFound))

	o := types.MustOrder(orderID("alice", 1), types.MustAssetPair(10, "A", 20, "B"), true, 3600, genesis)
	require.NoError(t, o.Reserve(orderID("bob", 1), types.AssetAmount{Amount: 4, AssetID: "A"}))
	require.NoError(t, o.Reserve(orderID("carol", 2), types.AssetAmount{Amount: 3, AssetID: "A"}))
	require.NoError(t, s.SaveOrder(o))

	got, err := s.LoadOrder(o.ID)
	require.NoError(t, err)
	require.Empty(t, cmp.Diff(o, got, cmp.AllowUnexported(types.Order{})))

	// releasing and trading rewrites the reservations
	require.NoError(t, o.Release(orderID("carol", 2), types.AssetAmount{Amount: 3, AssetID: "A"}))
	require.NoError(t, o.AddTrade(orderID("bob", 1), types.AssetAmount{Amount: 4, AssetID: "A"}, genesis.Add(time.Minute)))
	o.Cancel()
	require.NoError(t, s.SaveOrder(o))

	got, err = s.LoadOrder(o.ID)
	require.NoError(t, err)
	require.Empty(t, cmp.Diff(o, got, cmp.AllowUnexported(types.Order{})))
	assert.Empty(t, got.ReservedTicks())
	assert.EqualValues(t, 4, got.Traded())

	other := types.MustOrder(orderID("alice", 2), types.MustAssetPair(5, "A", 5, "C"), false, 60, genesis)
	require.NoError(t, s.SaveOrder(other))

	all, err := s.LoadOrders()
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func testTicks(t *testing.T, s store.Store) {
	ticks := []*types.Tick{
		{OrderID: orderID("alice", 1), Assets: types.MustAssetPair(10, "A", 20, "B"), Timeout: 60, Timestamp: genesis, IsAsk: true},
		{OrderID: orderID("bob", 7), Assets: types.MustAssetPair(10, "A", 30, "B"), Traded: 2, Timeout: 60, Timestamp: genesis},
	}
	for _, tick := range ticks {
		require.NoError(t, s.SaveTick(tick))
	}
	got, err := s.LoadTicks()
	require.NoError(t, err)
	require.Len(t, got, 2)
	byID := make(map[types.OrderID]*types.Tick)
	for _, tick := range got {
		byID[tick.OrderID] = tick
	}
	for _, tick := range ticks {
		require.Empty(t, cmp.Diff(tick, byID[tick.OrderID]))
	}

	require.NoError(t, s.DeleteTick(ticks[0].OrderID))
	// deleting a missing tick is not an error
	require.NoError(t, s.DeleteTick(ticks[0].OrderID))
	got, err = s.LoadTicks()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, ticks[1].OrderID, got[0].OrderID)
}

func testTransactions(t *testing.T, s store.Store) {
	alice, bob := orderID("alice", 1), orderID("bob", 1)
	txID := types.TransactionID{TraderID: alice.TraderID, TransactionNumber: 1}
	_, err := s.LoadTransaction(txID)
	require.True(t, errors.Is(err, store.ErrNotFound))

	tx, err := types.NewTransaction(txID, types.MustAssetPair(10, "A", 20, "B"), alice, bob, 42, true, true, genesis)
	require.NoError(t, err)
	tx.State = types.TxStatePaying
	tx.MyIncomingAddress = "alice-in"
	tx.PartnerIncomingAddress = "bob-in"
	require.NoError(t, s.SaveTransaction(tx))

	got, err := s.LoadTransaction(txID)
	require.NoError(t, err)
	require.Empty(t, cmp.Diff(tx, got))

	for i, p := range []*types.Payment{
		{TransactionID: txID, TransferredAsset: types.AssetAmount{Amount: 1, AssetID: "A"}, FromAddress: "alice-out", ToAddress: "bob-in", ExternalPaymentID: "p1", Timestamp: genesis.Add(time.Second), Success: true},
		{TransactionID: txID, TransferredAsset: types.AssetAmount{Amount: 2, AssetID: "B"}, FromAddress: "bob-out", ToAddress: "alice-in", ExternalPaymentID: "p2", Timestamp: genesis.Add(2 * time.Second), Success: true},
		{TransactionID: txID, TransferredAsset: types.AssetAmount{Amount: 0, AssetID: "A"}, FromAddress: "alice-out", ToAddress: "bob-in", Timestamp: genesis.Add(3 * time.Second)},
	} {
		require.NoError(t, tx.AddPayment(p))
		tx.LastActivity = p.Timestamp
		require.NoError(t, s.SaveTransaction(tx), "payment %d", i)
	}
	tx.State = types.TxStateError

	require.NoError(t, s.SaveTransaction(tx))
	got, err = s.LoadTransaction(txID)
	require.NoError(t, err)
	require.Empty(t, cmp.Diff(tx, got))
	assert.Equal(t, types.TxStatusError, got.Status())

	all, err := s.LoadTransactions()
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func testTraders(t *testing.T, s store.Store) {
	require.NoError(t, s.SaveTrader(types.MakeTraderID("alice"), "ws://alice:26656"))
	require.NoError(t, s.SaveTrader(types.MakeTraderID("bob"), "ws://bob:26656"))
	require.NoError(t, s.SaveTrader(types.MakeTraderID("alice"), "ws://alice:26657"))

	traders, err := s.LoadTraders()
	require.NoError(t, err)
	assert.Equal(t, map[types.TraderID]string{
		types.MakeTraderID("alice"): "ws://alice:26657",
		types.MakeTraderID("bob"):   "ws://bob:26656",
	}, traders)
}

func testCounters(t *testing.T, s store.Store) {
	for want := uint64(1); want <= 3; want++ {
		n, err := s.NextOrderNumber()
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}
	n, err := s.NextTransactionNumber()
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}
