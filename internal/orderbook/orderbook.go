package orderbook

import (
	"fmt"
	"sort"

	"github.com/benbjohnson/clock"

	"github.com/tendermint/market/libs/log"
	"github.com/tendermint/market/types"
)

// OrderBook is the local view of the open ticks of every market. It is not
// safe for concurrent use: all calls, including the timer callbacks passed
// through the dispatcher, must be serialised by the owner.
type OrderBook struct {
	logger log.Logger
	sched  *scheduler

	asks      *Side
	bids      *Side
	completed map[types.OrderID]struct{}

	onExpire func(*types.Tick)
}

// Option sets an optional parameter on the OrderBook.
type Option func(*OrderBook)

// WithExpiryCallback registers fn to be called, through the dispatcher,
// after an expired tick has been removed.
func WithExpiryCallback(fn func(*types.Tick)) Option {
	return func(ob *OrderBook) { ob.onExpire = fn }
}

// New returns an empty order book. Timer callbacks are handed to dispatch,
// which must run them on the goroutine that owns the book.
func New(logger log.Logger, clk clock.Clock, dispatch func(func()), opts ...Option) *OrderBook {
	ob := &OrderBook{
		logger:    logger,
		sched:     &scheduler{clock: clk, dispatch: dispatch},
		asks:      newSide(),
		bids:      newSide(),
		completed: make(map[types.OrderID]struct{}),
	}
	for _, opt := range opts {
		opt(ob)
	}
	return ob
}

func (ob *OrderBook) side(isAsk bool) *Side {
	if isAsk {
		return ob.asks
	}
	return ob.bids
}

// Asks returns the ask side.
func (ob *OrderBook) Asks() *Side { return ob.asks }

// Bids returns the bid side.
func (ob *OrderBook) Bids() *Side { return ob.bids }

// Insert places the tick at the tail of its price level and schedules its
// removal at expiry. Duplicate, completed and expired ticks are rejected
// with an error wrapping ErrTickRejected.
func (ob *OrderBook) Insert(tick *types.Tick) (*TickEntry, error) {
	if err := tick.ValidateBasic(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTickInvalid, err)
	}
	id := tick.OrderID
	if ob.asks.Get(id) != nil || ob.bids.Get(id) != nil {
		return nil, ErrTickExists
	}
	if _, ok := ob.completed[id]; ok {
		return nil, ErrTickCompleted
	}
	now := ob.sched.clock.Now()
	if tick.IsExpired(now) {
		return nil, ErrTickExpired
	}
	if tick.Quantity() <= 0 {
		ob.completed[id] = struct{}{}
		return nil, ErrTickCompleted
	}

	e := newTickEntry(tick.Copy(), ob.sched)
	ob.side(tick.IsAsk).insert(e)
	e.expiry = ob.sched.afterFunc(tick.ExpiresAt().Sub(now), func() { ob.expire(e) })

	ob.logger.Debug("inserted tick", "order_id", id, "price", tick.Price(), "quantity", tick.Quantity())
	return e, nil
}

func (ob *OrderBook) expire(e *TickEntry) {
	id := e.tick.OrderID
	if ob.side(e.tick.IsAsk).Get(id) != e {
		return
	}
	ob.Remove(id)
	ob.logger.Debug("tick expired", "order_id", id)
	if ob.onExpire != nil {
		ob.onExpire(e.Tick())
	}
}

// Remove removes the order's tick from the book, cancelling its timers. It
// returns the removed tick or nil.
func (ob *OrderBook) Remove(id types.OrderID) *types.Tick {
	e := ob.asks.remove(id)
	if e == nil {
		e = ob.bids.remove(id)
	}
	if e == nil {
		return nil
	}
	e.stopTimers()
	return e.tick.Copy()
}

// UpdateFromSettlement applies the result of a trade step of traded units to
// the ticks of both orders. A tick with nothing left is removed and its order
// id is remembered as completed; a missing tick with a positive remainder is
// inserted fresh.
func (ob *OrderBook) UpdateFromSettlement(mine, partner types.OrderSnapshot, traded int64) {
	for _, snap := range []types.OrderSnapshot{mine, partner} {
		ob.UpdateOrder(snap, traded)
	}
}

// Refresh applies a newer version of a tick already in the book, as
// gossiped by its owner after a trade. Ticks that are not newer are
// ignored. It reports whether the book changed.
func (ob *OrderBook) Refresh(tick *types.Tick) bool {
	e := ob.TickEntry(tick.OrderID)
	if e == nil || tick.Traded <= e.tick.Traded {
		return false
	}
	ob.UpdateOrder(types.OrderSnapshot{
		OrderID:   tick.OrderID,
		Assets:    tick.Assets,
		Traded:    tick.Traded,
		Timeout:   tick.Timeout,
		Timestamp: tick.Timestamp,
		IsAsk:     tick.IsAsk,
	}, 0)
	return true
}

// UpdateOrder applies a trade step to the tick of a single order. It is
// used when only one side of the trade is known to the book.
func (ob *OrderBook) UpdateOrder(snap types.OrderSnapshot, traded int64) {
	id := snap.OrderID
	e := ob.TickEntry(id)
	if snap.Remaining() <= 0 {
		ob.Remove(id)
		ob.completed[id] = struct{}{}
		ob.logger.Debug("order completed", "order_id", id)
		return
	}
	if e == nil {
		if _, err := ob.Insert(snap.Tick()); err != nil {
			ob.logger.Debug("tick not reinserted after settlement", "order_id", id, "err", err)
		}
		return
	}
	// the traded quantity was reserved by the match that led to the trade
	release := traded
	if release > e.reservedForMatching {
		release = e.reservedForMatching
	}
	if release > 0 {
		e.adjustReserved(-release)
	}
	if snap.Traded > e.tick.Traded {
		e.setTraded(snap.Traded)
	}
}

// ReleaseForMatching gives back qty reserved on the order's tick. A missing
// tick is not an error: it may have expired or been filled meanwhile.
func (ob *OrderBook) ReleaseForMatching(id types.OrderID, qty int64) error {
	e := ob.TickEntry(id)
	if e == nil {
		return nil
	}
	if qty > e.reservedForMatching {
		qty = e.reservedForMatching
	}
	return e.ReleaseForMatching(qty)
}

// TickEntry returns the entry of the order on either side, or nil.
func (ob *OrderBook) TickEntry(id types.OrderID) *TickEntry {
	if e := ob.asks.Get(id); e != nil {
		return e
	}
	return ob.bids.Get(id)
}

// Tick returns a copy of the order's tick, or nil.
func (ob *OrderBook) Tick(id types.OrderID) *types.Tick {
	if e := ob.TickEntry(id); e != nil {
		return e.Tick()
	}
	return nil
}

// IsCompleted reports whether the order id was seen fully traded.
func (ob *OrderBook) IsCompleted(id types.OrderID) bool {
	_, ok := ob.completed[id]
	return ok
}

// MarkCompleted remembers id as completed and removes its tick.
func (ob *OrderBook) MarkCompleted(id types.OrderID) {
	ob.Remove(id)
	ob.completed[id] = struct{}{}
}

// BestAskPrice is the lowest ask price of the market.
func (ob *OrderBook) BestAskPrice(m types.Market) (types.Price, bool) {
	return ob.asks.MinPrice(m)
}

// BestBidPrice is the highest bid price of the market.
func (ob *OrderBook) BestBidPrice(m types.Market) (types.Price, bool) {
	return ob.bids.MaxPrice(m)
}

// DepthAt returns the depth of the level at price on the given side.
func (ob *OrderBook) DepthAt(isAsk bool, m types.Market, price types.Price) int64 {
	if l := ob.side(isAsk).PriceLevel(m, price); l != nil {
		return l.Depth()
	}
	return 0
}

// OrderIDs returns the ids of every tick in the book, sorted.
func (ob *OrderBook) OrderIDs() []types.OrderID {
	ids := make([]types.OrderID, 0, ob.asks.Len()+ob.bids.Len())
	for id := range ob.asks.entries {
		ids = append(ids, id)
	}
	for id := range ob.bids.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
	return ids
}

// Ticks returns copies of the ticks of one side sorted by order id.
func (ob *OrderBook) Ticks(isAsk bool) []*types.Tick {
	ticks := ob.side(isAsk).Ticks()
	sort.Slice(ticks, func(i, j int) bool { return ticks[i].OrderID.Less(ticks[j].OrderID) })
	return ticks
}

// Len is the number of ticks in the book.
func (ob *OrderBook) Len() int { return ob.asks.Len() + ob.bids.Len() }

// Validate checks the book's structural invariants: cached level sums match
// the entries, no order id is on both sides and no completed id is present.
func (ob *OrderBook) Validate() error {
	for _, s := range []*Side{ob.asks, ob.bids} {
		for m := range s.markets {
			var err error
			s.Ascend(m, func(l *PriceLevel) bool {
				if depth, reserved, ok := l.validate(); !ok {
					err = fmt.Errorf("level %s of %s: depth %d/%d reserved %d/%d",
						l.price, m, l.depth, depth, l.reserved, reserved)
				}
				return err == nil
			})
			if err != nil {
				return err
			}
		}
	}
	for id := range ob.asks.entries {
		if ob.bids.Get(id) != nil {
			return fmt.Errorf("order %s on both sides", id)
		}
	}
	for id := range ob.completed {
		if ob.TickEntry(id) != nil {
			return fmt.Errorf("completed order %s still in the book", id)
		}
	}
	return nil
}

// Stop cancels every pending timer.
func (ob *OrderBook) Stop() {
	for _, s := range []*Side{ob.asks, ob.bids} {
		for _, e := range s.entries {
			e.stopTimers()
		}
	}
}
