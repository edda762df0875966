package market

import (
	"context"
	"fmt"
	"sort"

	"github.com/tendermint/market/internal/orderbook"
	marketproto "github.com/tendermint/market/proto/market"
	"github.com/tendermint/market/types"
)

// StatusUnknown is reported for orders a trader does not know.
const StatusUnknown types.OrderStatus = "unknown"

// Level is a price level of the order book.
type Level struct {
	Market   types.Market
	Price    types.Price
	Depth    int64
	Reserved int64
	Ticks    []*types.Tick
}

// OrderState is the answer to an order status query.
type OrderState struct {
	Tick   *types.Tick
	Status types.OrderStatus
}

// Peer is a trader this node heard of.
type Peer struct {
	TraderID   types.TraderID
	Address    string
	Matchmaker bool
	Connected  bool
}

// CreateAsk creates an order selling the first asset of the pair.
func (r *Reactor) CreateAsk(ctx context.Context, assets types.AssetPair, timeout types.Timeout) (*types.Order, error) {
	return r.createOrder(ctx, assets, true, timeout)
}

// CreateBid creates an order buying the first asset of the pair.
func (r *Reactor) CreateBid(ctx context.Context, assets types.AssetPair, timeout types.Timeout) (*types.Order, error) {
	return r.createOrder(ctx, assets, false, timeout)
}

func (r *Reactor) createOrder(ctx context.Context, assets types.AssetPair, isAsk bool, timeout types.Timeout) (*types.Order, error) {
	var (
		o   *types.Order
		err error
	)
	if cerr := r.call(ctx, func() { o, err = r.newOrder(assets, isAsk, timeout) }); cerr != nil {
		return nil, cerr
	}
	return o, err
}

// CancelOrder cancels an open own order.
func (r *Reactor) CancelOrder(ctx context.Context, id types.OrderID) (*types.Order, error) {
	var (
		o   *types.Order
		err error
	)
	if cerr := r.call(ctx, func() { o, err = r.cancelOrder(id) }); cerr != nil {
		return nil, cerr
	}
	return o, err
}

// Orders returns copies of the own orders held in memory, oldest first.
func (r *Reactor) Orders(ctx context.Context) ([]*types.Order, error) {
	var orders []*types.Order
	err := r.call(ctx, func() {
		for _, o := range r.ownOrders() {
			orders = append(orders, o.Copy())
		}
	})
	return orders, err
}

// Order returns a copy of an own order.
func (r *Reactor) Order(ctx context.Context, id types.OrderID) (*types.Order, error) {
	var (
		o   *types.Order
		err error
	)
	if cerr := r.call(ctx, func() {
		if o, err = r.order(id); err == nil {
			o = o.Copy()
		}
	}); cerr != nil {
		return nil, cerr
	}
	return o, err
}

// Asks returns the ask side of the book, best price first per market.
func (r *Reactor) Asks(ctx context.Context) ([]Level, error) {
	var levels []Level
	err := r.call(ctx, func() { levels = bookLevels(r.book.Asks(), true) })
	return levels, err
}

// Bids returns the bid side of the book, best price first per market.
func (r *Reactor) Bids(ctx context.Context) ([]Level, error) {
	var levels []Level
	err := r.call(ctx, func() { levels = bookLevels(r.book.Bids(), false) })
	return levels, err
}

func bookLevels(s *orderbook.Side, ascending bool) []Level {
	markets := s.Markets()
	sort.Slice(markets, func(i, j int) bool { return markets[i].String() < markets[j].String() })

	var levels []Level
	for _, m := range markets {
		walk := s.Descend
		if ascending {
			walk = s.Ascend
		}
		walk(m, func(l *orderbook.PriceLevel) bool {
			level := Level{Market: m, Price: l.Price(), Depth: l.Depth(), Reserved: l.Reserved()}
			for _, e := range l.Entries() {
				level.Ticks = append(level.Ticks, e.Tick())
			}
			levels = append(levels, level)
			return true
		})
	}
	return levels
}

// Transactions returns copies of all transactions, oldest first.
func (r *Reactor) Transactions(ctx context.Context) ([]*types.Transaction, error) {
	var txs []*types.Transaction
	err := r.call(ctx, func() { txs = r.settlement.Transactions() })
	return txs, err
}

// Transaction returns a copy of one transaction.
func (r *Reactor) Transaction(ctx context.Context, id types.TransactionID) (*types.Transaction, error) {
	var (
		tx *types.Transaction
		ok bool
	)
	if err := r.call(ctx, func() { tx, ok = r.settlement.Transaction(id) }); err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, id)
	}
	return tx, nil
}

// Payments returns the payments of a transaction in the order they were
// recorded.
func (r *Reactor) Payments(ctx context.Context, id types.TransactionID) ([]*types.Payment, error) {
	tx, err := r.Transaction(ctx, id)
	if err != nil {
		return nil, err
	}
	return tx.Payments, nil
}

// QueryOrderStatus asks the owner of an order for its state. Own orders are
// answered locally.
func (r *Reactor) QueryOrderStatus(ctx context.Context, id types.OrderID) (OrderState, error) {
	if id.TraderID == r.self {
		o, err := r.Order(ctx, id)
		if err != nil {
			return OrderState{}, err
		}
		return OrderState{Tick: o.Tick(), Status: o.Status(r.clock.Now())}, nil
	}

	ch := make(chan OrderState, 1)
	var reqID uint32
	err := r.call(ctx, func() {
		reqID = r.rng.Uint32()
		for reqID == 0 || r.statusRequests[reqID] != nil {
			reqID = r.rng.Uint32()
		}
		r.statusRequests[reqID] = &statusRequest{peer: id.TraderID, ch: ch}
		r.send(id.TraderID, &marketproto.OrderStatusRequest{OrderID: id.ToProto(), Identifier: reqID})
	})
	if err != nil {
		return OrderState{}, err
	}
	select {
	case state := <-ch:
		return state, nil
	case <-ctx.Done():
		r.dispatch(func() { delete(r.statusRequests, reqID) })
		return OrderState{}, ctx.Err()
	case <-r.closer.Done():
		return OrderState{}, ErrStopped
	}
}

// Peers returns the traders this node heard of, sorted by id.
func (r *Reactor) Peers(ctx context.Context) ([]Peer, error) {
	var peers []Peer
	err := r.call(ctx, func() {
		for id, p := range r.peers {
			peers = append(peers, Peer{TraderID: id, Address: p.address, Matchmaker: p.matchmaker, Connected: p.connected})
		}
	})
	sort.Slice(peers, func(i, j int) bool { return peers[i].TraderID < peers[j].TraderID })
	return peers, err
}

// Matchmakers returns the connected peers announcing the matchmaker role.
func (r *Reactor) Matchmakers(ctx context.Context) ([]Peer, error) {
	peers, err := r.Peers(ctx)
	if err != nil {
		return nil, err
	}
	var mms []Peer
	for _, p := range peers {
		if p.Matchmaker && p.Connected {
			mms = append(mms, p)
		}
	}
	return mms, nil
}

// TraderID returns the id of the trader this reactor trades for.
func (r *Reactor) TraderID() types.TraderID { return r.self }
