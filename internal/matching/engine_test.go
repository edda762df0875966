package matching

import (
	"encoding/hex"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/tendermint/market/internal/orderbook"
	"github.com/tendermint/market/libs/log"
	"github.com/tendermint/market/types"
)

var genesis = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type fixture struct {
	clock  *clock.Mock
	book   *orderbook.OrderBook
	engine *Engine
	queued []func()
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{clock: clock.NewMock()}
	f.clock.Set(genesis)
	f.book = orderbook.New(log.NewNopLogger(), f.clock, func(fn func()) { f.queued = append(f.queued, fn) })
	f.engine = NewEngine(log.NewNopLogger(), f.book, DefaultBlockWindow)
	t.Cleanup(f.book.Stop)
	return f
}

func (f *fixture) advance(d time.Duration) {
	f.clock.Add(d)
	for len(f.queued) > 0 {
		fn := f.queued[0]
		f.queued = f.queued[1:]
		fn()
	}
}

func (f *fixture) insert(t *testing.T, trader string, n uint64, first, second int64, isAsk bool) *types.Tick {
	t.Helper()
	tick := &types.Tick{
		OrderID:   types.OrderID{TraderID: types.MakeTraderID(trader), OrderNumber: n},
		Assets:    types.MustAssetPair(first, "A", second, "B"),
		Timeout:   3600,
		Timestamp: f.clock.Now(),
		IsAsk:     isAsk,
	}
	_, err := f.book.Insert(tick)
	require.NoError(t, err)
	return tick
}

func TestMatchEmptyBook(t *testing.T) {
	f := newFixture(t)
	ask := f.insert(t, "T1", 1, 10, 20, true)

	matches, err := f.engine.Match(ask, 10)
	require.NoError(t, err)
	require.Empty(t, matches)

	_, err = f.engine.Match(&types.Tick{OrderID: types.OrderID{TraderID: types.MakeTraderID("x")}}, 1)
	require.ErrorIs(t, err, orderbook.ErrTickNotFound)
}

func TestExactMatch(t *testing.T) {
	f := newFixture(t)
	ask := f.insert(t, "T1", 1, 10, 20, true)
	bid := f.insert(t, "T2", 1, 10, 20, false)

	matches, err := f.engine.Match(bid, 10)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	m := matches[0]
	require.Equal(t, ask.OrderID, m.OrderID)
	require.Equal(t, bid.OrderID, m.TickOrderID)
	require.EqualValues(t, 10, m.Quantity)
	require.Len(t, m.ID, MatchIDLength)
	_, err = hex.DecodeString(m.ID)
	require.NoError(t, err)

	require.EqualValues(t, 10, f.book.TickEntry(ask.OrderID).ReservedForMatching())
	require.EqualValues(t, 10, f.book.TickEntry(bid.OrderID).ReservedForMatching())
	require.NoError(t, f.book.Validate())
}

func TestPartialMatch(t *testing.T) {
	f := newFixture(t)
	ask := f.insert(t, "T1", 1, 10, 20, true)
	bid := f.insert(t, "T2", 1, 4, 8, false)

	matches, err := f.engine.Match(bid, 4)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.EqualValues(t, 4, matches[0].Quantity)

	askEntry := f.book.TickEntry(ask.OrderID)
	require.EqualValues(t, 4, askEntry.ReservedForMatching())
	require.EqualValues(t, 6, askEntry.Free())
	require.EqualValues(t, 4, f.book.TickEntry(bid.OrderID).ReservedForMatching())

	// nothing left to match for the bid
	matches, err = f.engine.Match(bid, 4)
	require.NoError(t, err)
	require.Empty(t, matches)
}

func TestPriceTimePriority(t *testing.T) {
	f := newFixture(t)
	expensive := f.insert(t, "T1", 1, 10, 30, true)
	first := f.insert(t, "T2", 1, 5, 10, true)
	f.clock.Add(time.Second)
	second := f.insert(t, "T3", 1, 5, 10, true)
	bid := f.insert(t, "T4", 1, 20, 60, false)

	matches, err := f.engine.Match(bid, 20)
	require.NoError(t, err)
	require.Len(t, matches, 3)
	require.Equal(t, first.OrderID, matches[0].OrderID)
	require.Equal(t, second.OrderID, matches[1].OrderID)
	require.Equal(t, expensive.OrderID, matches[2].OrderID)
	require.EqualValues(t, 10, matches[2].Quantity)
	require.True(t, matches[2].Price.Equal(expensive.Price()))
}

func TestInclusivePrice(t *testing.T) {
	f := newFixture(t)
	f.insert(t, "T1", 1, 10, 21, true) // 2.1, too expensive
	atPrice := f.insert(t, "T2", 1, 10, 20, true)
	bid := f.insert(t, "T3", 1, 10, 20, false)

	matches, err := f.engine.Match(bid, 10)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.Equal(t, atPrice.OrderID, matches[0].OrderID)

	// the ask side walks bids from the highest price down
	g := newFixture(t)
	g.insert(t, "T1", 1, 10, 19, false)
	goodBid := g.insert(t, "T2", 1, 10, 20, false)
	ask := g.insert(t, "T3", 1, 10, 20, true)
	matches, err = g.engine.Match(ask, 10)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.Equal(t, goodBid.OrderID, matches[0].OrderID)
}

func TestNoSelfTrade(t *testing.T) {
	f := newFixture(t)
	f.insert(t, "T1", 1, 10, 20, true)
	bid := f.insert(t, "T1", 2, 10, 20, false)

	matches, err := f.engine.Match(bid, 10)
	require.NoError(t, err)
	require.Empty(t, matches)
}

func TestBlockAndRelease(t *testing.T) {
	f := newFixture(t)
	ask := f.insert(t, "T1", 1, 10, 20, true)
	f.clock.Add(time.Second)
	other := f.insert(t, "T2", 1, 10, 20, true)
	bid := f.insert(t, "T3", 1, 10, 20, false)

	matches, err := f.engine.Match(bid, 10)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.Equal(t, ask.OrderID, matches[0].OrderID)

	// declined: the reservation goes back, the counterparty stays blocked
	require.NoError(t, f.engine.Release(matches[0].ID))
	require.ErrorIs(t, f.engine.Release(matches[0].ID), ErrUnknownMatch)
	require.EqualValues(t, 0, f.book.TickEntry(ask.OrderID).ReservedForMatching())

	matches, err = f.engine.Match(bid, 10)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.Equal(t, other.OrderID, matches[0].OrderID)
	require.NoError(t, f.engine.Release(matches[0].ID))

	// after the window both are eligible again, in time priority
	f.advance(DefaultBlockWindow)
	matches, err = f.engine.Match(bid, 10)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.Equal(t, ask.OrderID, matches[0].OrderID)
}

func TestResizeAndReleaseOrder(t *testing.T) {
	f := newFixture(t)
	ask := f.insert(t, "T1", 1, 10, 20, true)
	bid := f.insert(t, "T2", 1, 10, 20, false)

	matches, err := f.engine.Match(bid, 10)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	id := matches[0].ID

	require.NoError(t, f.engine.Resize(id, 6))
	require.EqualValues(t, 6, f.book.TickEntry(ask.OrderID).ReservedForMatching())
	require.Error(t, f.engine.Resize(id, 7))

	m, ok := f.engine.Get(id)
	require.True(t, ok)
	require.EqualValues(t, 6, m.Quantity)

	require.Equal(t, []string{id}, f.engine.ReleaseOrder(bid.OrderID))
	require.Equal(t, 0, f.engine.Pending())
	require.EqualValues(t, 0, f.book.TickEntry(bid.OrderID).ReservedForMatching())
	require.NoError(t, f.book.Validate())
}

func TestPair(t *testing.T) {
	f := newFixture(t)
	ask := f.insert(t, "T1", 1, 10, 20, true)
	cheap := f.insert(t, "T3", 1, 10, 10, true)
	bid := f.insert(t, "T2", 1, 4, 6, false)
	own := f.insert(t, "T2", 2, 10, 10, true)

	_, err := f.engine.Pair(bid, ask.OrderID, 4)
	require.ErrorIs(t, err, ErrPriceUnacceptable)
	_, err = f.engine.Pair(bid, own.OrderID, 4)
	require.ErrorIs(t, err, ErrSelfTrade)

	m, err := f.engine.Pair(bid, cheap.OrderID, 10)
	require.NoError(t, err)
	require.EqualValues(t, 4, m.Quantity, "capped by the free quantity of the tick")
	require.Equal(t, cheap.OrderID, m.OrderID)
	require.EqualValues(t, 4, f.book.TickEntry(cheap.OrderID).ReservedForMatching())

	_, err = f.engine.Pair(bid, cheap.OrderID, 1)
	require.ErrorIs(t, err, ErrBlocked)

	require.NoError(t, f.engine.Release(m.ID))
	f.advance(DefaultBlockWindow)
	_, err = f.engine.Pair(bid, cheap.OrderID, 1)
	require.NoError(t, err)
	require.NoError(t, f.book.Validate())
}
