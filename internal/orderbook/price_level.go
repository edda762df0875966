package orderbook

import (
	"container/list"

	"github.com/google/btree"

	"github.com/tendermint/market/types"
)

// PriceLevel is the FIFO queue of tick entries offered at one price. Entries
// are ordered by (timestamp, order id). Depth and reserved quantities are
// cached and kept current by the entries.
type PriceLevel struct {
	price    types.Price
	entries  *list.List
	handles  map[types.OrderID]*list.Element
	depth    int64
	reserved int64
}

var _ btree.Item = (*PriceLevel)(nil)

func newPriceLevel(price types.Price) *PriceLevel {
	return &PriceLevel{
		price:   price,
		entries: list.New(),
		handles: make(map[types.OrderID]*list.Element),
	}
}

// Less orders levels by price.
func (l *PriceLevel) Less(than btree.Item) bool {
	return l.price.Cmp(than.(*PriceLevel).price) < 0
}

func (l *PriceLevel) Price() types.Price { return l.price }

// Depth is the sum of the remaining quantities of the level's ticks.
func (l *PriceLevel) Depth() int64 { return l.depth }

// Reserved is the sum of the quantities reserved for matching.
func (l *PriceLevel) Reserved() int64 { return l.reserved }

func (l *PriceLevel) Len() int { return l.entries.Len() }

func entryBefore(a, b *TickEntry) bool {
	ta, tb := a.tick.Timestamp, b.tick.Timestamp
	if !ta.Equal(tb) {
		return ta.Before(tb)
	}
	return a.tick.OrderID.Less(b.tick.OrderID)
}

func (l *PriceLevel) insert(e *TickEntry) {
	// new ticks usually belong at the tail
	mark := l.entries.Back()
	for mark != nil && entryBefore(e, mark.Value.(*TickEntry)) {
		mark = mark.Prev()
	}
	var el *list.Element
	if mark == nil {
		el = l.entries.PushFront(e)
	} else {
		el = l.entries.InsertAfter(e, mark)
	}
	l.handles[e.tick.OrderID] = el
	e.level = l
	l.depth += e.Quantity()
	l.reserved += e.reservedForMatching
}

func (l *PriceLevel) remove(id types.OrderID) *TickEntry {
	el, ok := l.handles[id]
	if !ok {
		return nil
	}
	delete(l.handles, id)
	e := l.entries.Remove(el).(*TickEntry)
	l.depth -= e.Quantity()
	l.reserved -= e.reservedForMatching
	e.level = nil
	return e
}

// Entries returns the level's entries in priority order.
func (l *PriceLevel) Entries() []*TickEntry {
	out := make([]*TickEntry, 0, l.entries.Len())
	for el := l.entries.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*TickEntry))
	}
	return out
}

// Iterate calls fn for each entry in priority order until fn returns false.
func (l *PriceLevel) Iterate(fn func(*TickEntry) bool) {
	for el := l.entries.Front(); el != nil; {
		next := el.Next()
		if !fn(el.Value.(*TickEntry)) {
			return
		}
		el = next
	}
}

// validate recomputes the cached sums.
func (l *PriceLevel) validate() (depth, reserved int64, ok bool) {
	for el := l.entries.Front(); el != nil; el = el.Next() {
		e := el.Value.(*TickEntry)
		depth += e.Quantity()
		reserved += e.reservedForMatching
	}
	return depth, reserved, depth == l.depth && reserved == l.reserved && reserved <= depth
}
