package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var genesis = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestOrder(t *testing.T, total int64) *Order {
	t.Helper()
	o, err := NewOrder(
		OrderID{TraderID: MakeTraderID("alice"), OrderNumber: 1},
		MustAssetPair(total, "A", 2*total, "B"),
		true, 3600, genesis,
	)
	require.NoError(t, err)
	return o
}

func amt(n int64) AssetAmount { return AssetAmount{Amount: n, AssetID: "A"} }

func TestNewOrderValidation(t *testing.T) {
	id := OrderID{TraderID: MakeTraderID("alice"), OrderNumber: 1}

	_, err := NewOrder(id, MustAssetPair(0, "A", 1, "B"), true, 10, genesis)
	require.Error(t, err)

	_, err = NewOrder(id, MustAssetPair(1, "A", 1, "B"), true, 0, genesis)
	require.True(t, IsValidationError(err))

	_, err = NewOrder(OrderID{TraderID: "nope"}, MustAssetPair(1, "A", 1, "B"), true, 10, genesis)
	require.True(t, IsValidationError(err))
}

func TestOrderReserveBoundary(t *testing.T) {
	o := newTestOrder(t, 10)
	cp := OrderID{TraderID: MakeTraderID("bob"), OrderNumber: 1}

	require.ErrorIs(t, o.Reserve(cp, amt(11)), ErrInsufficientAvailable)
	require.NoError(t, o.Reserve(cp, amt(10)))
	require.EqualValues(t, 0, o.Available())
	require.ErrorIs(t, o.Reserve(cp, amt(1)), ErrInsufficientAvailable)

	require.ErrorIs(t, o.Reserve(cp, AssetAmount{Amount: 1, AssetID: "B"}), ErrAssetMismatch)
	require.NoError(t, o.CheckInvariants())
}

func TestOrderRelease(t *testing.T) {
	o := newTestOrder(t, 10)
	bob := OrderID{TraderID: MakeTraderID("bob"), OrderNumber: 1}
	carol := OrderID{TraderID: MakeTraderID("carol"), OrderNumber: 1}

	require.ErrorIs(t, o.Release(bob, amt(1)), ErrNotReserved)

	require.NoError(t, o.Reserve(bob, amt(4)))
	require.NoError(t, o.Reserve(carol, amt(3)))
	require.EqualValues(t, 7, o.Reserved())
	require.Len(t, o.Counterparties(), 2)

	err := o.Release(bob, amt(5))
	require.True(t, IsInvariantViolation(err))
	require.EqualValues(t, 7, o.Reserved(), "failed release must not change state")

	require.NoError(t, o.Release(bob, amt(4)))
	require.EqualValues(t, 0, o.ReservedFor(bob))
	require.Equal(t, []OrderID{carol}, o.Counterparties())

	require.EqualValues(t, 3, o.ReleaseAll(carol))
	require.EqualValues(t, 0, o.ReleaseAll(carol))
	require.EqualValues(t, 10, o.Available())
	require.NoError(t, o.CheckInvariants())
}

func TestOrderAddTrade(t *testing.T) {
	o := newTestOrder(t, 10)
	bob := OrderID{TraderID: MakeTraderID("bob"), OrderNumber: 1}

	require.ErrorIs(t, o.AddTrade(bob, amt(1), genesis), ErrNotReserved)

	require.NoError(t, o.Reserve(bob, amt(10)))
	require.NoError(t, o.AddTrade(bob, amt(6), genesis))
	require.EqualValues(t, 6, o.Traded())
	require.EqualValues(t, 4, o.Reserved())
	require.True(t, o.CompletedAt.IsZero())
	require.Equal(t, OrderStatusOpen, o.Status(genesis))

	done := genesis.Add(time.Minute)
	require.NoError(t, o.AddTrade(bob, amt(4), done))
	require.True(t, o.IsComplete())
	require.Equal(t, done, o.CompletedAt)
	require.Equal(t, OrderStatusCompleted, o.Status(done))

	err := o.AddTrade(bob, amt(1), done)
	require.True(t, IsInvariantViolation(err))
	require.NoError(t, o.CheckInvariants())
}

func TestOrderStatusPrecedence(t *testing.T) {
	o := newTestOrder(t, 10)
	expiry := o.ExpiresAt()

	require.Equal(t, OrderStatusOpen, o.Status(expiry.Add(-time.Second)))
	require.Equal(t, OrderStatusExpired, o.Status(expiry))

	o.Cancel()
	require.Equal(t, OrderStatusCancelled, o.Status(genesis))
	require.Equal(t, OrderStatusExpired, o.Status(expiry))

	bob := OrderID{TraderID: MakeTraderID("bob"), OrderNumber: 1}
	require.NoError(t, o.Reserve(bob, amt(10)))
	require.NoError(t, o.AddTrade(bob, amt(10), genesis))
	require.Equal(t, OrderStatusCompleted, o.Status(expiry.Add(time.Hour)))
}

func TestRestoreOrder(t *testing.T) {
	id := OrderID{TraderID: MakeTraderID("alice"), OrderNumber: 3}
	bob := OrderID{TraderID: MakeTraderID("bob"), OrderNumber: 1}
	assets := MustAssetPair(10, "A", 20, "B")

	o, err := RestoreOrder(id, assets, false, 60, genesis, time.Time{}, 4, true, map[OrderID]int64{bob: 5})
	require.NoError(t, err)
	require.EqualValues(t, 1, o.Available())
	require.True(t, o.IsCancelled())
	require.EqualValues(t, 5, o.ReservedFor(bob))

	_, err = RestoreOrder(id, assets, false, 60, genesis, time.Time{}, 6, false, map[OrderID]int64{bob: 5})
	require.True(t, IsInvariantViolation(err))

	_, err = RestoreOrder(id, assets, false, 60, genesis, genesis, 4, false, nil)
	require.True(t, IsInvariantViolation(err))
}

func TestOrderTick(t *testing.T) {
	o := newTestOrder(t, 10)
	bob := OrderID{TraderID: MakeTraderID("bob"), OrderNumber: 1}
	require.NoError(t, o.Reserve(bob, amt(3)))
	require.NoError(t, o.AddTrade(bob, amt(3), genesis))

	tick := o.Tick()
	require.EqualValues(t, 7, tick.Quantity())
	require.True(t, tick.Price().Equal(o.Price()))
	require.NoError(t, tick.ValidateBasic())
	require.Equal(t, o.Snapshot().Tick(), tick)

	// expiry boundary is inclusive for ticks
	require.False(t, tick.IsExpired(tick.ExpiresAt()))
	require.True(t, tick.IsExpired(tick.ExpiresAt().Add(time.Nanosecond)))

	bad := tick.Copy()
	bad.Timeout = MaxTimeout + 1
	require.Error(t, bad.ValidateBasic())
	require.NoError(t, tick.ValidateBasic())
}

// Random sequences of reserve/release/trade never break the accounting.
func TestOrderAccountingProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		total := rapid.Int64Range(1, 1000).Draw(t, "total").(int64)
		o := MustOrder(
			OrderID{TraderID: MakeTraderID("alice"), OrderNumber: 1},
			MustAssetPair(total, "A", total, "B"),
			true, 60, genesis,
		)
		cps := []OrderID{
			{TraderID: MakeTraderID("bob"), OrderNumber: 1},
			{TraderID: MakeTraderID("bob"), OrderNumber: 2},
			{TraderID: MakeTraderID("carol"), OrderNumber: 1},
		}

		steps := rapid.IntRange(1, 50).Draw(t, "steps").(int)
		for i := 0; i < steps; i++ {
			cp := rapid.SampledFrom(cps).Draw(t, "cp").(OrderID)
			qty := rapid.Int64Range(1, total+1).Draw(t, "qty").(int64)
			before := *o
			var err error
			switch rapid.IntRange(0, 3).Draw(t, "op").(int) {
			case 0:
				err = o.Reserve(cp, amt(qty))
			case 1:
				err = o.Release(cp, amt(qty))
			case 2:
				err = o.AddTrade(cp, amt(qty), genesis)
			case 3:
				o.ReleaseAll(cp)
			}
			if err != nil && (o.reserved != before.reserved || o.traded != before.traded) {
				t.Fatalf("failed op changed state: %v", err)
			}
			if err := o.CheckInvariants(); err != nil {
				t.Fatal(err)
			}
		}
	})
}
