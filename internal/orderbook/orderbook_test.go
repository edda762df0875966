package orderbook

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/tendermint/market/libs/log"
	"github.com/tendermint/market/types"
)

var genesis = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type queue struct {
	mtx sync.Mutex
	fns []func()
}

func (q *queue) dispatch(fn func()) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	q.fns = append(q.fns, fn)
}

func (q *queue) drain() {
	for {
		q.mtx.Lock()
		fns := q.fns
		q.fns = nil
		q.mtx.Unlock()
		if len(fns) == 0 {
			return
		}
		for _, fn := range fns {
			fn()
		}
	}
}

type testBook struct {
	*OrderBook
	clock   *clock.Mock
	queue   *queue
	expired []*types.Tick
}

func newTestBook(t *testing.T) *testBook {
	clk := clock.NewMock()
	clk.Set(genesis)
	tb := &testBook{clock: clk, queue: &queue{}}
	tb.OrderBook = New(log.NewNopLogger(), clk, tb.queue.dispatch,
		WithExpiryCallback(func(tick *types.Tick) { tb.expired = append(tb.expired, tick) }))
	t.Cleanup(tb.Stop)
	return tb
}

func (tb *testBook) advance(d time.Duration) {
	tb.clock.Add(d)
	tb.queue.drain()
}

func makeTick(trader string, n uint64, first, second int64, isAsk bool, ts time.Time, timeout types.Timeout) *types.Tick {
	return &types.Tick{
		OrderID:   types.OrderID{TraderID: types.MakeTraderID(trader), OrderNumber: n},
		Assets:    types.MustAssetPair(first, "A", second, "B"),
		Timeout:   timeout,
		Timestamp: ts,
		IsAsk:     isAsk,
	}
}

func price(num, denom int64) types.Price {
	return types.Price{Num: num, Denom: denom, NumAsset: "B", DenomAsset: "A"}
}

var market = types.Market{First: "A", Second: "B"}

func TestInsertEmptyBook(t *testing.T) {
	ob := newTestBook(t)
	tick := makeTick("T1", 1, 10, 20, true, genesis, 3600)

	_, err := ob.Insert(tick)
	require.NoError(t, err)

	best, ok := ob.BestAskPrice(market)
	require.True(t, ok)
	require.True(t, best.Equal(price(2, 1)))
	_, ok = ob.BestBidPrice(market)
	require.False(t, ok)

	level := ob.Asks().PriceLevel(market, price(2, 1))
	require.NotNil(t, level)
	require.Len(t, level.Entries(), 1)
	require.Equal(t, tick.OrderID, level.Entries()[0].OrderID())
	require.EqualValues(t, 10, ob.DepthAt(true, market, price(4, 2)))
	require.Equal(t, 0, ob.Bids().Len())
	require.NoError(t, ob.Validate())
}

func TestInsertRejections(t *testing.T) {
	ob := newTestBook(t)
	tick := makeTick("T1", 1, 10, 20, true, genesis, 3600)

	_, err := ob.Insert(tick)
	require.NoError(t, err)

	_, err = ob.Insert(tick)
	require.ErrorIs(t, err, ErrTickExists)
	require.ErrorIs(t, err, ErrTickRejected)

	// the same order id on the other side is a duplicate too
	bid := tick.Copy()
	bid.IsAsk = false
	_, err = ob.Insert(bid)
	require.ErrorIs(t, err, ErrTickExists)

	ob.MarkCompleted(tick.OrderID)
	_, err = ob.Insert(tick)
	require.ErrorIs(t, err, ErrTickCompleted)

	stale := makeTick("T2", 1, 1, 1, false, genesis.Add(-time.Hour), 60)
	_, err = ob.Insert(stale)
	require.ErrorIs(t, err, ErrTickExpired)

	invalid := makeTick("T3", 1, 1, 1, false, genesis, 0)
	_, err = ob.Insert(invalid)
	require.ErrorIs(t, err, ErrTickInvalid)
	require.Equal(t, 0, ob.Len())
}

func TestTickExpiry(t *testing.T) {
	ob := newTestBook(t)
	tick := makeTick("T1", 1, 10, 20, true, genesis, 60)
	_, err := ob.Insert(tick)
	require.NoError(t, err)

	ob.advance(59 * time.Second)
	require.NotNil(t, ob.Tick(tick.OrderID))

	// a tick expiring exactly at now is still accepted
	atNow := makeTick("T2", 1, 10, 20, false, genesis.Add(-time.Second), 60)
	_, err = ob.Insert(atNow)
	require.NoError(t, err)

	ob.advance(time.Second)
	require.Nil(t, ob.Tick(tick.OrderID))
	require.Nil(t, ob.Tick(atNow.OrderID))
	require.Len(t, ob.expired, 2)
	require.False(t, ob.IsCompleted(tick.OrderID))
	require.NoError(t, ob.Validate())
}

func TestRemoveCancelsTimer(t *testing.T) {
	ob := newTestBook(t)
	tick := makeTick("T1", 1, 10, 20, true, genesis, 60)
	_, err := ob.Insert(tick)
	require.NoError(t, err)

	removed := ob.Remove(tick.OrderID)
	require.Equal(t, tick, removed)
	require.Nil(t, ob.Remove(tick.OrderID))

	// reinsert: the stale timer must not remove the new entry early
	_, err = ob.Insert(tick)
	require.NoError(t, err)
	ob.advance(30 * time.Second)
	require.NotNil(t, ob.Tick(tick.OrderID))
	require.Empty(t, ob.expired)
}

func TestPriceLevelFIFO(t *testing.T) {
	ob := newTestBook(t)
	late := makeTick("T1", 1, 10, 20, true, genesis.Add(time.Second), 60)
	early := makeTick("T2", 1, 5, 10, true, genesis, 60)
	tieA := makeTick("T3", 1, 5, 10, true, genesis.Add(time.Second), 60)
	tieB := makeTick("T4", 1, 5, 10, true, genesis.Add(time.Second), 60)

	for _, tick := range []*types.Tick{late, early, tieB, tieA} {
		_, err := ob.Insert(tick)
		require.NoError(t, err)
	}

	level := ob.Asks().PriceLevel(market, price(2, 1))
	require.NotNil(t, level)
	var got []types.OrderID
	for _, e := range level.Entries() {
		got = append(got, e.OrderID())
	}

	expected := []types.OrderID{early.OrderID}
	mid := []types.OrderID{late.OrderID, tieA.OrderID, tieB.OrderID}
	// equal timestamps are ordered by order id
	for i := 0; i < len(mid); i++ {
		for j := i + 1; j < len(mid); j++ {
			if mid[j].Less(mid[i]) {
				mid[i], mid[j] = mid[j], mid[i]
			}
		}
	}
	expected = append(expected, mid...)
	require.Equal(t, expected, got)
	require.EqualValues(t, 25, level.Depth())
}

func TestPriceOrdering(t *testing.T) {
	ob := newTestBook(t)
	for i, p := range []int64{30, 10, 20} {
		_, err := ob.Insert(makeTick("T1", uint64(i+1), 10, p, false, genesis, 60))
		require.NoError(t, err)
	}
	best, ok := ob.BestBidPrice(market)
	require.True(t, ok)
	require.True(t, best.Equal(price(3, 1)))

	var prices []string
	ob.Bids().Descend(market, func(l *PriceLevel) bool {
		prices = append(prices, l.Price().Decimal().String())
		return true
	})
	require.Equal(t, []string{"3", "2", "1"}, prices)

	prices = nil
	ob.Bids().DescendFrom(market, price(2, 1), func(l *PriceLevel) bool {
		prices = append(prices, l.Price().Decimal().String())
		return true
	})
	require.Equal(t, []string{"2", "1"}, prices)
}

func TestUpdateFromSettlement(t *testing.T) {
	ob := newTestBook(t)
	ask := makeTick("T1", 1, 10, 20, true, genesis, 60)
	bid := makeTick("T2", 1, 4, 8, false, genesis, 60)
	askEntry, err := ob.Insert(ask)
	require.NoError(t, err)
	bidEntry, err := ob.Insert(bid)
	require.NoError(t, err)
	require.NoError(t, askEntry.ReserveForMatching(4))
	require.NoError(t, bidEntry.ReserveForMatching(4))

	askSnap := types.OrderSnapshot{OrderID: ask.OrderID, Assets: ask.Assets, Traded: 4, Timeout: 60, Timestamp: genesis, IsAsk: true}
	bidSnap := types.OrderSnapshot{OrderID: bid.OrderID, Assets: bid.Assets, Traded: 4, Timeout: 60, Timestamp: genesis}
	ob.UpdateFromSettlement(askSnap, bidSnap, 4)

	e := ob.TickEntry(ask.OrderID)
	require.NotNil(t, e)
	require.EqualValues(t, 6, e.Quantity())
	require.EqualValues(t, 0, e.ReservedForMatching())
	require.Nil(t, ob.TickEntry(bid.OrderID))
	require.True(t, ob.IsCompleted(bid.OrderID))
	require.NoError(t, ob.Validate())

	// a settlement for an order missing from the book reinserts it
	ob.Remove(ask.OrderID)
	askSnap.Traded = 5
	ob.UpdateFromSettlement(askSnap, bidSnap, 1)
	require.EqualValues(t, 5, ob.Tick(ask.OrderID).Quantity())
	require.NoError(t, ob.Validate())
}

func TestRefresh(t *testing.T) {
	ob := newTestBook(t)
	ask := makeTick("T1", 1, 10, 20, true, genesis, 60)
	_, err := ob.Insert(ask)
	require.NoError(t, err)

	stale := ask.Copy()
	require.False(t, ob.Refresh(stale))

	newer := ask.Copy()
	newer.Traded = 3
	require.True(t, ob.Refresh(newer))
	require.EqualValues(t, 7, ob.Tick(ask.OrderID).Quantity())
	require.EqualValues(t, 7, ob.DepthAt(true, market, price(2, 1)))

	done := ask.Copy()
	done.Traded = 10
	require.True(t, ob.Refresh(done))
	require.Nil(t, ob.TickEntry(ask.OrderID))
	require.True(t, ob.IsCompleted(ask.OrderID))

	missing := makeTick("T2", 1, 4, 8, false, genesis, 60)
	missing.Traded = 1
	require.False(t, ob.Refresh(missing), "refresh never inserts")
	require.NoError(t, ob.Validate())
}

func TestBlockForMatching(t *testing.T) {
	ob := newTestBook(t)
	e, err := ob.Insert(makeTick("T1", 1, 10, 20, true, genesis, 600))
	require.NoError(t, err)
	other := types.OrderID{TraderID: types.MakeTraderID("T2"), OrderNumber: 1}

	e.BlockForMatching(other, 10*time.Second)
	require.True(t, e.IsBlocked(other))
	ob.advance(5 * time.Second)
	e.BlockForMatching(other, 10*time.Second)
	ob.advance(6 * time.Second)
	require.True(t, e.IsBlocked(other), "second block extends the window")
	ob.advance(4 * time.Second)
	require.False(t, e.IsBlocked(other))
}

func TestEntryReservation(t *testing.T) {
	ob := newTestBook(t)
	e, err := ob.Insert(makeTick("T1", 1, 10, 20, true, genesis, 600))
	require.NoError(t, err)

	require.ErrorIs(t, e.ReserveForMatching(11), ErrOverReserve)
	require.NoError(t, e.ReserveForMatching(10))
	require.ErrorIs(t, e.ReserveForMatching(1), ErrOverReserve)
	require.EqualValues(t, 10, ob.Asks().PriceLevel(market, price(2, 1)).Reserved())
	require.ErrorIs(t, e.ReleaseForMatching(11), ErrOverRelease)
	require.NoError(t, ob.ReleaseForMatching(e.OrderID(), 20))
	require.EqualValues(t, 0, e.ReservedForMatching())
	require.NoError(t, ob.Validate())
}

// Removing a freshly inserted tick restores the book, and the cached level
// sums always match the entries.
func TestInsertRemoveProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		ob := newTestBook(t)
		n := rapid.IntRange(0, 20).Draw(rt, "n").(int)
		for i := 0; i < n; i++ {
			tick := makeTick(
				fmt.Sprintf("T%d", rapid.IntRange(0, 3).Draw(rt, "trader").(int)),
				uint64(i),
				rapid.Int64Range(1, 50).Draw(rt, "first").(int64),
				rapid.Int64Range(1, 50).Draw(rt, "second").(int64),
				rapid.Bool().Draw(rt, "ask").(bool),
				genesis.Add(time.Duration(rapid.IntRange(0, 5).Draw(rt, "ts").(int))*time.Second),
				600,
			)
			e, err := ob.Insert(tick)
			if err != nil {
				rt.Fatalf("insert: %v", err)
			}
			if r := rapid.Int64Range(0, tick.Quantity()).Draw(rt, "reserve").(int64); r > 0 {
				if err := e.ReserveForMatching(r); err != nil {
					rt.Fatal(err)
				}
			}
		}
		if err := ob.Validate(); err != nil {
			rt.Fatal(err)
		}

		before := ob.OrderIDs()
		askDepth := ob.DepthAt(true, market, price(1, 1))
		extra := makeTick("extra", 1, 7, 7, rapid.Bool().Draw(rt, "extraAsk").(bool), genesis, 600)
		if _, err := ob.Insert(extra); err != nil {
			rt.Fatal(err)
		}
		ob.Remove(extra.OrderID)
		if err := ob.Validate(); err != nil {
			rt.Fatal(err)
		}
		if fmt.Sprint(before) != fmt.Sprint(ob.OrderIDs()) || askDepth != ob.DepthAt(true, market, price(1, 1)) {
			rt.Fatalf("book changed after insert+remove")
		}
	})
}
