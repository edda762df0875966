package matching

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tendermint/market/internal/orderbook"
	"github.com/tendermint/market/libs/log"
	"github.com/tendermint/market/types"
)

// DefaultBlockWindow is how long a matched counterparty stays excluded from
// new matches against the same order.
const DefaultBlockWindow = 10 * time.Second

// MatchIDLength is the length of the hex match identifiers.
const MatchIDLength = 20

var (
	ErrUnknownMatch      = errors.New("unknown match")
	ErrSelfTrade         = errors.New("cannot match an order against its own trader")
	ErrBlocked           = errors.New("counterparty is blocked for matching")
	ErrPriceUnacceptable = errors.New("counterparty price is not acceptable")
	ErrNothingFree       = errors.New("no free quantity to match")
)

// Match is an intent to trade Quantity of the first asset between the tick
// that was matched (TickOrderID) and a counterparty tick. It is not binding.
type Match struct {
	ID           string
	TickOrderID  types.OrderID
	OrderID      types.OrderID
	Price        types.Price
	Quantity     int64
	Counterparty *types.Tick
}

// Engine matches ticks against the opposite side of an order book by
// price-time priority. Matched quantity is reserved on both entries until
// the match is released or settled. Like the book, the engine must be used
// from a single goroutine.
type Engine struct {
	logger      log.Logger
	book        *orderbook.OrderBook
	blockWindow time.Duration

	matches map[string]*Match
	issued  map[string]struct{}
}

// NewEngine returns an engine operating on book.
func NewEngine(logger log.Logger, book *orderbook.OrderBook, blockWindow time.Duration) *Engine {
	if blockWindow <= 0 {
		blockWindow = DefaultBlockWindow
	}
	return &Engine{
		logger:      logger,
		book:        book,
		blockWindow: blockWindow,
		matches:     make(map[string]*Match),
		issued:      make(map[string]struct{}),
	}
}

func (eng *Engine) newMatchID() string {
	for {
		id := strings.ReplaceAll(uuid.NewString(), "-", "")[:MatchIDLength]
		if _, ok := eng.issued[id]; !ok {
			eng.issued[id] = struct{}{}
			return id
		}
	}
}

func acceptable(tick *types.Tick, levelPrice types.Price) bool {
	if tick.IsAsk {
		return levelPrice.Cmp(tick.Price()) >= 0
	}
	return levelPrice.Cmp(tick.Price()) <= 0
}

// Match matches the tick of an order already in the book against the
// opposite side, for at most available units. Matches are returned in
// priority order.
func (eng *Engine) Match(tick *types.Tick, available int64) ([]Match, error) {
	own := eng.book.TickEntry(tick.OrderID)
	if own == nil {
		return nil, fmt.Errorf("%w: %s", orderbook.ErrTickNotFound, tick.OrderID)
	}
	want := available
	if free := own.Free(); free < want {
		want = free
	}
	if want <= 0 {
		return nil, nil
	}

	// best price first: lowest ask, highest bid
	walk := eng.book.Asks().Ascend
	if tick.IsAsk {
		walk = eng.book.Bids().Descend
	}

	var matches []Match
	walk(tick.Assets.Market(), func(level *orderbook.PriceLevel) bool {
		if !acceptable(tick, level.Price()) {
			return false
		}
		level.Iterate(func(e *orderbook.TickEntry) bool {
			other := e.OrderID()
			if other == tick.OrderID || other.TraderID == tick.OrderID.TraderID {
				return true
			}
			if own.IsBlocked(other) {
				return true
			}
			free := e.Free()
			if free <= 0 {
				return true
			}
			take := free
			if want < take {
				take = want
			}
			if err := e.ReserveForMatching(take); err != nil {
				eng.logger.Error("reserve on counterparty tick", "order_id", other, "err", err)
				return true
			}
			if err := own.ReserveForMatching(take); err != nil {
				_ = e.ReleaseForMatching(take)
				eng.logger.Error("reserve on own tick", "order_id", tick.OrderID, "err", err)
				return false
			}
			own.BlockForMatching(other, eng.blockWindow)

			m := &Match{
				ID:           eng.newMatchID(),
				TickOrderID:  tick.OrderID,
				OrderID:      other,
				Price:        level.Price(),
				Quantity:     take,
				Counterparty: e.Tick(),
			}
			eng.matches[m.ID] = m
			matches = append(matches, *m)
			want -= take
			return want > 0
		})
		return want > 0
	})

	if len(matches) > 0 {
		eng.logger.Debug("matched tick", "order_id", tick.OrderID, "matches", len(matches))
	}
	return matches, nil
}

// Pair matches the tick against one given counterparty tick, as suggested
// by a matchmaker, for at most qty units. Both ticks must be in the book.
func (eng *Engine) Pair(tick *types.Tick, counterparty types.OrderID, qty int64) (Match, error) {
	own := eng.book.TickEntry(tick.OrderID)
	if own == nil {
		return Match{}, fmt.Errorf("%w: %s", orderbook.ErrTickNotFound, tick.OrderID)
	}
	other := eng.book.TickEntry(counterparty)
	if other == nil {
		return Match{}, fmt.Errorf("%w: %s", orderbook.ErrTickNotFound, counterparty)
	}
	switch {
	case counterparty.TraderID == tick.OrderID.TraderID:
		return Match{}, ErrSelfTrade
	case other.Tick().IsAsk == tick.IsAsk || other.Tick().Assets.Market() != tick.Assets.Market():
		return Match{}, fmt.Errorf("%w: %s is not on the opposite side", ErrPriceUnacceptable, counterparty)
	case !acceptable(tick, other.Price()):
		return Match{}, ErrPriceUnacceptable
	case own.IsBlocked(counterparty):
		return Match{}, ErrBlocked
	}

	take := qty
	for _, free := range []int64{own.Free(), other.Free()} {
		if free < take {
			take = free
		}
	}
	if take <= 0 {
		return Match{}, ErrNothingFree
	}
	if err := other.ReserveForMatching(take); err != nil {
		return Match{}, err
	}
	if err := own.ReserveForMatching(take); err != nil {
		_ = other.ReleaseForMatching(take)
		return Match{}, err
	}
	own.BlockForMatching(counterparty, eng.blockWindow)

	m := &Match{
		ID:           eng.newMatchID(),
		TickOrderID:  tick.OrderID,
		OrderID:      counterparty,
		Price:        other.Price(),
		Quantity:     take,
		Counterparty: other.Tick(),
	}
	eng.matches[m.ID] = m
	return *m, nil
}

// Get returns an outstanding match.
func (eng *Engine) Get(id string) (Match, bool) {
	m, ok := eng.matches[id]
	if !ok {
		return Match{}, false
	}
	return *m, true
}

// Resize shrinks an outstanding match to qty, for instance after a counter
// offer, and releases the difference on both ticks.
func (eng *Engine) Resize(id string, qty int64) error {
	m, ok := eng.matches[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMatch, id)
	}
	if qty <= 0 || qty > m.Quantity {
		return fmt.Errorf("cannot resize match %s from %d to %d", id, m.Quantity, qty)
	}
	diff := m.Quantity - qty
	m.Quantity = qty
	return eng.release(m, diff)
}

// Release undoes the reservations of a match that did not lead to a
// transaction.
func (eng *Engine) Release(id string) error {
	m, ok := eng.matches[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMatch, id)
	}
	delete(eng.matches, id)
	return eng.release(m, m.Quantity)
}

func (eng *Engine) release(m *Match, qty int64) error {
	if qty == 0 {
		return nil
	}
	if err := eng.book.ReleaseForMatching(m.OrderID, qty); err != nil {
		return err
	}
	return eng.book.ReleaseForMatching(m.TickOrderID, qty)
}

// Forget drops the bookkeeping of a match whose transaction started. The
// reservations stay on the ticks until settlement updates the book.
func (eng *Engine) Forget(id string) {
	delete(eng.matches, id)
}

// ReleaseOrder releases every outstanding match involving the order and
// returns their ids.
func (eng *Engine) ReleaseOrder(id types.OrderID) []string {
	var released []string
	for matchID, m := range eng.matches {
		if m.TickOrderID == id || m.OrderID == id {
			if err := eng.Release(matchID); err != nil {
				eng.logger.Error("release match", "match_id", matchID, "err", err)
			}
			released = append(released, matchID)
		}
	}
	return released
}

// Pending is the number of outstanding matches.
func (eng *Engine) Pending() int { return len(eng.matches) }
