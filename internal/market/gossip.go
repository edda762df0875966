package market

import (
	"errors"
	"fmt"
	"sort"

	"github.com/tendermint/market/internal/orderbook"
	"github.com/tendermint/market/libs/bloom"
	marketproto "github.com/tendermint/market/proto/market"
	"github.com/tendermint/market/types"
)

// syncFalsePositiveRate is the target error rate of OrderbookSync filters.
const syncFalsePositiveRate = 0.01

func (r *Reactor) handleInfo(from types.TraderID, msg *marketproto.Info) error {
	p := r.peer(from)
	p.address = msg.Address
	p.matchmaker = msg.IsMatchmaker
	if err := r.store.SaveTrader(from, msg.Address); err != nil {
		r.logger.Error("failed to persist trader", "trader", from, "err", err)
	}
	return nil
}

func (r *Reactor) handleTick(from types.TraderID, msg *marketproto.Tick) error {
	t, err := types.TickFromProto(msg.Tick)
	if err != nil {
		return err
	}
	return r.learnTick(t, true)
}

// learnTick adds a remote tick to the book, or refreshes the tick already
// there. With match set, a new tick is matched: by the matchmaker for its
// owner, and against own orders that take it.
func (r *Reactor) learnTick(t *types.Tick, match bool) error {
	id := t.OrderID
	if id.TraderID == r.self {
		return nil
	}
	if r.cancelled.Contains(id) {
		r.metrics.Ticks.With("outcome", "rejected").Add(1)
		return nil
	}
	if r.book.TickEntry(id) != nil {
		if r.book.Refresh(t) {
			r.metrics.Ticks.With("outcome", "refreshed").Add(1)
			r.persistTick(id)
		}
		return nil
	}
	if _, err := r.book.Insert(t); err != nil {
		if errors.Is(err, orderbook.ErrTickRejected) {
			r.metrics.Ticks.With("outcome", "rejected").Add(1)
			r.logger.Debug("rejected tick", "tick", t, "err", err)
			return nil
		}
		return err
	}
	r.metrics.Ticks.With("outcome", "inserted").Add(1)
	r.persistTick(id)
	if match {
		r.matchmake(t)
		r.matchAgainst(t)
	}
	return nil
}

// matchAgainst matches the own orders a new remote tick could trade with.
// The engine picks the best counterparty, which may be another tick.
func (r *Reactor) matchAgainst(t *types.Tick) {
	for _, o := range r.ownOrders() {
		if o.IsAsk == t.IsAsk || o.Assets.Market() != t.Assets.Market() || !isTaker(o, t) {
			continue
		}
		r.matchOrder(o)
	}
}

func (r *Reactor) handleCancelOrder(from types.TraderID, msg *marketproto.CancelOrder) error {
	id := types.OrderID{TraderID: from, OrderNumber: msg.OrderNumber}
	r.cancelled.Add(id, struct{}{})
	r.engine.ReleaseOrder(id)
	if r.book.Remove(id) != nil {
		r.logger.Debug("removed cancelled order", "order_id", id)
		r.persistTick(id)
	}
	return nil
}

// sendSync sends a bloom filter of the order ids in the book. The peer
// answers with the ticks missing from it.
func (r *Reactor) sendSync(to types.TraderID) {
	ids := r.book.OrderIDs()
	f := bloom.New(len(ids), syncFalsePositiveRate)
	for _, id := range ids {
		f.Add([]byte(id.String()))
	}
	r.send(to, &marketproto.OrderbookSync{Filter: f.Bytes(), NumHashes: f.NumHashes()})
}

func (r *Reactor) handleOrderbookSync(from types.TraderID, msg *marketproto.OrderbookSync) error {
	f, err := bloom.FromBytes(msg.Filter, msg.NumHashes)
	if err != nil {
		return types.ValidationError{Field: "filter", Reason: err.Error()}
	}
	var sent int
	for _, isAsk := range []bool{true, false} {
		for _, t := range r.book.Ticks(isAsk) {
			if sent >= r.cfg.MaxSyncTicks {
				return nil
			}
			if t.OrderID.TraderID == from || f.Has([]byte(t.OrderID.String())) {
				continue
			}
			r.send(from, &marketproto.Tick{Tick: t.ToProto()})
			sent++
		}
	}
	if sent > 0 {
		r.logger.Debug("answered order book sync", "peer", from, "ticks", sent)
	}
	return nil
}

// onSyncTick syncs the book with a random peer, rematches own orders and
// purges old terminal orders.
func (r *Reactor) onSyncTick() {
	var connected []types.TraderID
	for id, p := range r.peers {
		if p.connected {
			connected = append(connected, id)
		}
	}
	if len(connected) > 0 {
		sort.Slice(connected, func(i, j int) bool { return connected[i] < connected[j] })
		r.sendSync(connected[int(r.rng.Uint32()%uint32(len(connected)))])
	}
	for _, o := range r.ownOrders() {
		r.matchOrder(o)
	}
	r.purge()
}

func (r *Reactor) onTickExpired(t *types.Tick) {
	r.engine.ReleaseOrder(t.OrderID)
	r.persistTick(t.OrderID)
	if t.OrderID.TraderID == r.self {
		r.logger.Info("order expired", "order_id", t.OrderID)
	}
}

type statusRequest struct {
	peer types.TraderID
	ch   chan OrderState
}

func (r *Reactor) handleOrderStatusRequest(from types.TraderID, msg *marketproto.OrderStatusRequest) error {
	id, err := r.recipientOrder(msg.OrderID)
	if err != nil {
		return err
	}
	resp := &marketproto.OrderStatusResponse{Identifier: msg.Identifier, Status: string(StatusUnknown)}
	o, err := r.order(id)
	switch {
	case err == nil:
		resp.Tick = o.Tick().ToProto()
		resp.Status = string(o.Status(r.clock.Now()))
	case !errors.Is(err, ErrOrderNotFound):
		r.logger.Error("failed to load order", "order_id", id, "err", err)
	}
	r.send(from, resp)
	return nil
}

func (r *Reactor) handleOrderStatusResponse(from types.TraderID, msg *marketproto.OrderStatusResponse) error {
	req, ok := r.statusRequests[msg.Identifier]
	if !ok || req.peer != from {
		return fmt.Errorf("%w: %d from %s", ErrUnknownRequest, msg.Identifier, from)
	}
	delete(r.statusRequests, msg.Identifier)

	state := OrderState{Status: types.OrderStatus(msg.Status)}
	if state.Status != StatusUnknown {
		t, err := types.TickFromProto(msg.Tick)
		if err != nil {
			req.ch <- OrderState{Status: StatusUnknown}
			return err
		}
		state.Tick = t
		if state.Status == types.OrderStatusOpen {
			if err := r.learnTick(t, true); err != nil {
				r.logger.Debug("failed to learn queried tick", "tick", t, "err", err)
			}
		}
	}
	req.ch <- state
	return nil
}
