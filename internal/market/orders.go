package market

import (
	"errors"
	"fmt"
	"time"

	"github.com/tendermint/market/internal/ledger"
	"github.com/tendermint/market/internal/store"
	"github.com/tendermint/market/internal/wallet"
	marketproto "github.com/tendermint/market/proto/market"
	"github.com/tendermint/market/types"
)

// newOrder creates an own order, puts its tick in the book, announces it
// and matches it.
func (r *Reactor) newOrder(assets types.AssetPair, isAsk bool, timeout types.Timeout) (*types.Order, error) {
	for _, asset := range []string{assets.First.AssetID, assets.Second.AssetID} {
		if !r.wallets.Has(asset) {
			return nil, fmt.Errorf("%w: %s", wallet.ErrUnknownAsset, asset)
		}
	}
	if timeout > types.MaxTimeout {
		return nil, types.ValidationError{Field: "timeout", Reason: fmt.Sprintf("%d exceeds %d", timeout, types.MaxTimeout)}
	}
	if err := assets.ValidatePositive(); err != nil {
		return nil, err
	}
	number, err := r.store.NextOrderNumber()
	if err != nil {
		return nil, fmt.Errorf("allocate order number: %w", err)
	}
	id := types.OrderID{TraderID: r.self, OrderNumber: number}
	o, err := types.NewOrder(id, assets, isAsk, timeout, types.CanonicalTime(r.clock.Now()))
	if err != nil {
		return nil, err
	}
	if err := r.store.SaveOrder(o); err != nil {
		return nil, fmt.Errorf("save order: %w", err)
	}
	r.orders[id] = o

	tick := o.Tick()
	if _, err := r.book.Insert(tick); err != nil {
		r.logger.Error("failed to insert own tick", "tick", tick, "err", err)
	}
	r.persistTick(id)
	r.broadcast(&marketproto.Tick{Tick: tick.ToProto()})
	r.appendLedger(ledger.TickRecord(tick))
	r.logger.Info("created order", "order", o)

	r.matchOrder(o)
	return o.Copy(), nil
}

// cancelOrder cancels an open own order. Transactions already started for
// it run to their end.
func (r *Reactor) cancelOrder(id types.OrderID) (*types.Order, error) {
	o, ok := r.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	if s := o.Status(r.clock.Now()); s != types.OrderStatusOpen {
		return nil, fmt.Errorf("%w: %s is %s", ErrOrderNotOpen, id, s)
	}
	o.Cancel()
	r.cancelledAt[id] = r.clock.Now()
	r.saveOrder(o)

	r.engine.ReleaseOrder(id)
	r.book.Remove(id)
	r.persistTick(id)
	r.broadcast(&marketproto.CancelOrder{OrderNumber: id.OrderNumber})
	r.appendLedger(ledger.CancelOrderRecord(id))
	r.logger.Info("cancelled order", "order", o)
	return o.Copy(), nil
}

// order returns an own order from memory or, once purged, from the store.
func (r *Reactor) order(id types.OrderID) (*types.Order, error) {
	if o, ok := r.orders[id]; ok {
		return o, nil
	}
	o, err := r.store.LoadOrder(id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	return o, err
}

func (r *Reactor) terminalSince(o *types.Order, now time.Time) time.Time {
	switch o.Status(now) {
	case types.OrderStatusCompleted:
		return o.CompletedAt
	case types.OrderStatusExpired:
		return o.ExpiresAt()
	case types.OrderStatusCancelled:
		at, ok := r.cancelledAt[o.ID]
		if !ok {
			at = now
			r.cancelledAt[o.ID] = at
		}
		return at
	}
	return time.Time{}
}

// purge drops terminal orders without reservations from memory once they
// have been terminal for the retention period. They stay in the store.
func (r *Reactor) purge() {
	now := r.clock.Now()
	for id, o := range r.orders {
		if !o.Status(now).IsTerminal() || o.Reserved() > 0 {
			continue
		}
		if now.Sub(r.terminalSince(o, now)) < r.cfg.OrderRetention {
			continue
		}
		delete(r.orders, id)
		delete(r.cancelledAt, id)
		r.logger.Debug("purged order", "order_id", id)
	}
}

type orderPair struct {
	mine    types.OrderID
	partner types.OrderID
}

// restore rebuilds the in-memory state from the store. Expired ticks are
// dropped, own open orders missing from the book get their tick back, and
// reservations no unfinished transaction accounts for are released.
func (r *Reactor) restore() error {
	now := r.clock.Now()
	orders, err := r.store.LoadOrders()
	if err != nil {
		return fmt.Errorf("load orders: %w", err)
	}
	for _, o := range orders {
		r.orders[o.ID] = o
		if o.IsCancelled() {
			r.cancelledAt[o.ID] = now
		}
	}

	ticks, err := r.store.LoadTicks()
	if err != nil {
		return fmt.Errorf("load ticks: %w", err)
	}
	for _, t := range ticks {
		if _, err := r.book.Insert(t); err != nil {
			r.logger.Debug("dropped stored tick", "tick", t, "err", err)
			if err := r.store.DeleteTick(t.OrderID); err != nil {
				return fmt.Errorf("delete tick: %w", err)
			}
		}
	}
	for _, o := range r.ownOrders() {
		if o.Status(now) != types.OrderStatusOpen || r.book.TickEntry(o.ID) != nil {
			continue
		}
		if _, err := r.book.Insert(o.Tick()); err == nil {
			r.persistTick(o.ID)
		}
	}

	txs, err := r.store.LoadTransactions()
	if err != nil {
		return fmt.Errorf("load transactions: %w", err)
	}
	active := make(map[orderPair]bool)
	for _, tx := range txs {
		if !tx.State.IsTerminal() {
			active[orderPair{mine: tx.MyOrderID, partner: tx.PartnerOrderID}] = true
		}
	}
	for _, o := range r.orders {
		var released bool
		for _, cp := range o.Counterparties() {
			if !active[orderPair{mine: o.ID, partner: cp}] {
				r.logger.Info("released stale reservation", "order_id", o.ID, "partner", cp, "quantity", o.ReleaseAll(cp))
				released = true
			}
		}
		if released {
			r.saveOrder(o)
		}
	}
	for _, tx := range txs {
		if !tx.State.IsTerminal() {
			r.track(tx, r.hold(tx.MyOrderID, tx.PartnerOrderID, tx.Assets.First.Amount))
			// the persisted tick may already include this transaction
			if base, ok := r.partnerBase[tx.ID]; ok {
				base -= tx.Assets.First.Amount
				if base < 0 {
					base = 0
				}
				r.partnerBase[tx.ID] = base
			}
		}
	}

	traders, err := r.store.LoadTraders()
	if err != nil {
		return fmt.Errorf("load traders: %w", err)
	}
	for id, address := range traders {
		r.peer(id).address = address
	}

	r.settlement.Restore(txs)
	r.logger.Info("restored market state", "orders", len(r.orders), "ticks", r.book.Len(), "transactions", len(txs))
	return nil
}
