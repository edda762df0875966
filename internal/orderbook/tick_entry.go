package orderbook

import (
	"fmt"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/tendermint/market/types"
)

// TickEntry is a tick placed in the order book together with its matching
// state: the quantity tentatively reserved by matches and the order ids it
// must not be matched against for a while.
type TickEntry struct {
	tick                *types.Tick
	reservedForMatching int64

	level   *PriceLevel
	expiry  *clock.Timer
	blocked map[types.OrderID]*clock.Timer
	sched   *scheduler
}

func newTickEntry(tick *types.Tick, sched *scheduler) *TickEntry {
	return &TickEntry{
		tick:    tick,
		blocked: make(map[types.OrderID]*clock.Timer),
		sched:   sched,
	}
}

// Tick returns a copy of the tick.
func (e *TickEntry) Tick() *types.Tick { return e.tick.Copy() }

func (e *TickEntry) OrderID() types.OrderID { return e.tick.OrderID }

func (e *TickEntry) Price() types.Price { return e.tick.Price() }

// Quantity is the remaining quantity of the tick.
func (e *TickEntry) Quantity() int64 { return e.tick.Quantity() }

// ReservedForMatching is the quantity held by outstanding matches.
func (e *TickEntry) ReservedForMatching() int64 { return e.reservedForMatching }

// Free is the quantity still available for new matches.
func (e *TickEntry) Free() int64 { return e.tick.Quantity() - e.reservedForMatching }

// ReserveForMatching holds qty for a match.
func (e *TickEntry) ReserveForMatching(qty int64) error {
	if qty <= 0 || qty > e.Free() {
		return fmt.Errorf("%w: %d of %d free on %s", ErrOverReserve, qty, e.Free(), e.tick.OrderID)
	}
	e.adjustReserved(qty)
	return nil
}

// ReleaseForMatching gives back qty previously reserved.
func (e *TickEntry) ReleaseForMatching(qty int64) error {
	if qty < 0 || qty > e.reservedForMatching {
		return fmt.Errorf("%w: %d of %d on %s", ErrOverRelease, qty, e.reservedForMatching, e.tick.OrderID)
	}
	e.adjustReserved(-qty)
	return nil
}

func (e *TickEntry) adjustReserved(delta int64) {
	e.reservedForMatching += delta
	if e.level != nil {
		e.level.reserved += delta
	}
}

// setTraded updates the traded quantity of the tick and clamps the matching
// reservation to the new remaining quantity.
func (e *TickEntry) setTraded(traded int64) {
	before := e.tick.Quantity()
	e.tick.Traded = traded
	if e.level != nil {
		e.level.depth += e.tick.Quantity() - before
	}
	if over := e.reservedForMatching - e.tick.Quantity(); over > 0 {
		e.adjustReserved(-over)
	}
}

// BlockForMatching excludes id from matches against this entry for window.
// Blocking an id twice extends the block.
func (e *TickEntry) BlockForMatching(id types.OrderID, window time.Duration) {
	if t, ok := e.blocked[id]; ok {
		t.Stop()
	}
	var timer *clock.Timer
	timer = e.sched.afterFunc(window, func() {
		if e.blocked[id] == timer {
			delete(e.blocked, id)
		}
	})
	e.blocked[id] = timer
}

// IsBlocked reports whether id is currently blocked for this entry.
func (e *TickEntry) IsBlocked(id types.OrderID) bool {
	_, ok := e.blocked[id]
	return ok
}

func (e *TickEntry) stopTimers() {
	if e.expiry != nil {
		e.expiry.Stop()
		e.expiry = nil
	}
	for id, t := range e.blocked {
		t.Stop()
		delete(e.blocked, id)
	}
}

func (e *TickEntry) String() string {
	return fmt.Sprintf("TickEntry{%s qty=%d reserved=%d}", e.tick.OrderID, e.Quantity(), e.reservedForMatching)
}

// scheduler runs timer callbacks through the owner's dispatcher so they are
// serialised with every other book mutation.
type scheduler struct {
	clock    clock.Clock
	dispatch func(func())
}

func (s *scheduler) afterFunc(d time.Duration, fn func()) *clock.Timer {
	return s.clock.AfterFunc(d, func() { s.dispatch(fn) })
}
