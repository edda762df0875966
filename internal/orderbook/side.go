package orderbook

import (
	"github.com/google/btree"

	"github.com/tendermint/market/types"
)

const btreeDegree = 16

// Side holds the price levels of one side of the book (asks or bids), one
// btree per market.
type Side struct {
	markets map[types.Market]*btree.BTree
	entries map[types.OrderID]*TickEntry
}

func newSide() *Side {
	return &Side{
		markets: make(map[types.Market]*btree.BTree),
		entries: make(map[types.OrderID]*TickEntry),
	}
}

func (s *Side) tree(m types.Market, create bool) *btree.BTree {
	t, ok := s.markets[m]
	if !ok && create {
		t = btree.New(btreeDegree)
		s.markets[m] = t
	}
	return t
}

func (s *Side) insert(e *TickEntry) {
	t := s.tree(e.tick.Assets.Market(), true)
	pivot := newPriceLevel(e.Price())
	level, _ := t.Get(pivot).(*PriceLevel)
	if level == nil {
		level = pivot
		t.ReplaceOrInsert(level)
	}
	level.insert(e)
	s.entries[e.tick.OrderID] = e
}

func (s *Side) remove(id types.OrderID) *TickEntry {
	e, ok := s.entries[id]
	if !ok {
		return nil
	}
	delete(s.entries, id)
	level := e.level
	level.remove(id)
	if level.Len() == 0 {
		m := e.tick.Assets.Market()
		t := s.markets[m]
		t.Delete(level)
		if t.Len() == 0 {
			delete(s.markets, m)
		}
	}
	return e
}

// Get returns the entry of the order, or nil.
func (s *Side) Get(id types.OrderID) *TickEntry { return s.entries[id] }

// Len is the number of ticks on the side.
func (s *Side) Len() int { return len(s.entries) }

// Markets returns the markets that have at least one tick.
func (s *Side) Markets() []types.Market {
	out := make([]types.Market, 0, len(s.markets))
	for m := range s.markets {
		out = append(out, m)
	}
	return out
}

// PriceLevel returns the level at exactly price, or nil.
func (s *Side) PriceLevel(m types.Market, price types.Price) *PriceLevel {
	t := s.tree(m, false)
	if t == nil {
		return nil
	}
	level, _ := t.Get(newPriceLevel(price)).(*PriceLevel)
	return level
}

// MinPrice returns the lowest price of the market.
func (s *Side) MinPrice(m types.Market) (types.Price, bool) {
	t := s.tree(m, false)
	if t == nil || t.Len() == 0 {
		return types.Price{}, false
	}
	return t.Min().(*PriceLevel).price, true
}

// MaxPrice returns the highest price of the market.
func (s *Side) MaxPrice(m types.Market) (types.Price, bool) {
	t := s.tree(m, false)
	if t == nil || t.Len() == 0 {
		return types.Price{}, false
	}
	return t.Max().(*PriceLevel).price, true
}

// Ascend walks the market's levels from the lowest price up.
func (s *Side) Ascend(m types.Market, fn func(*PriceLevel) bool) {
	if t := s.tree(m, false); t != nil {
		t.Ascend(func(i btree.Item) bool { return fn(i.(*PriceLevel)) })
	}
}

// Descend walks the market's levels from the highest price down.
func (s *Side) Descend(m types.Market, fn func(*PriceLevel) bool) {
	if t := s.tree(m, false); t != nil {
		t.Descend(func(i btree.Item) bool { return fn(i.(*PriceLevel)) })
	}
}

// AscendFrom walks levels priced at or above pivot.
func (s *Side) AscendFrom(m types.Market, pivot types.Price, fn func(*PriceLevel) bool) {
	if t := s.tree(m, false); t != nil {
		t.AscendGreaterOrEqual(newPriceLevel(pivot), func(i btree.Item) bool { return fn(i.(*PriceLevel)) })
	}
}

// DescendFrom walks levels priced at or below pivot.
func (s *Side) DescendFrom(m types.Market, pivot types.Price, fn func(*PriceLevel) bool) {
	if t := s.tree(m, false); t != nil {
		t.DescendLessOrEqual(newPriceLevel(pivot), func(i btree.Item) bool { return fn(i.(*PriceLevel)) })
	}
}

// Ticks returns copies of every tick on the side.
func (s *Side) Ticks() []*types.Tick {
	out := make([]*types.Tick, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.Tick())
	}
	return out
}
