package market

import (
	"errors"
	"fmt"

	"github.com/tendermint/market/internal/matching"
	"github.com/tendermint/market/internal/orderbook"
	"github.com/tendermint/market/internal/trade"
	marketproto "github.com/tendermint/market/proto/market"
	"github.com/tendermint/market/types"
)

// matchmake matches a remote tick against the book and tells its owner
// about every counterparty found. Only matchmakers do this.
func (r *Reactor) matchmake(tick *types.Tick) {
	if !r.cfg.Matchmaker || tick.OrderID.TraderID == r.self {
		return
	}
	matches, err := r.engine.Match(tick, tick.Quantity())
	if err != nil {
		r.logger.Error("failed to match remote tick", "tick", tick, "err", err)
		return
	}
	for _, m := range matches {
		if m.OrderID.TraderID == r.self {
			// own orders propose through matchOrder
			r.releaseMatch(m.ID)
			continue
		}
		r.metrics.Matches.Add(1)
		r.sendMatch(m)
	}
}

func (r *Reactor) sendMatch(m matching.Match) {
	r.logger.Debug("sending match", "match_id", m.ID, "order_id", m.TickOrderID, "counterparty", m.OrderID, "quantity", m.Quantity)
	r.send(m.TickOrderID.TraderID, &marketproto.Match{
		MatchID:              m.ID,
		RecipientOrderNumber: m.TickOrderID.OrderNumber,
		MatchedTick:          m.Counterparty.ToProto(),
		Quantity:             m.Quantity,
	})
	// unanswered matches give their reservation back with the block
	r.after(r.cfg.BlockWindow, func() { r.releaseMatch(m.ID) })
}

func (r *Reactor) releaseMatch(id string) {
	if err := r.engine.Release(id); err != nil && !errors.Is(err, matching.ErrUnknownMatch) {
		r.logger.Error("failed to release match", "match_id", id, "err", err)
	}
}

// handleMatch answers a matchmaker's suggestion to trade an own order with
// the matched tick. An accepted match is followed by a proposal.
func (r *Reactor) handleMatch(from types.TraderID, msg *marketproto.Match) error {
	if msg.MatchID == "" {
		return types.ValidationError{Field: "match_id", Reason: "empty"}
	}
	if msg.Quantity <= 0 {
		return types.ValidationError{Field: "quantity", Reason: fmt.Sprintf("%d must be positive", msg.Quantity)}
	}
	cp, err := types.TickFromProto(msg.MatchedTick)
	if err != nil {
		return err
	}
	mine := types.OrderID{TraderID: r.self, OrderNumber: msg.RecipientOrderNumber}
	decline := func(reason trade.DeclineReason) {
		r.logger.Debug("declining match", "match_id", msg.MatchID, "order_id", mine, "counterparty", cp.OrderID, "reason", reason)
		r.send(from, &marketproto.DeclineMatch{
			MatchID:      msg.MatchID,
			OtherOrderID: cp.OrderID.ToProto(),
			Reason:       string(reason),
		})
	}

	o := r.orders[mine]
	if o == nil {
		decline(trade.ReasonOrderUnavailable)
		return nil
	}
	switch o.Status(r.clock.Now()) {
	case types.OrderStatusCompleted:
		decline(trade.ReasonOrderCompleted)
		return nil
	case types.OrderStatusExpired:
		decline(trade.ReasonOrderExpired)
		return nil
	case types.OrderStatusCancelled:
		decline(trade.ReasonOrderCancelled)
		return nil
	}
	if o.ReservedFor(cp.OrderID) > 0 {
		decline(trade.ReasonAlreadyTrading)
		return nil
	}
	switch r.counterpartyStatus(cp.OrderID) {
	case trade.CounterpartyCompleted:
		decline(trade.ReasonOtherOrderCompleted)
		return nil
	case trade.CounterpartyCancelled:
		decline(trade.ReasonOtherOrderCancelled)
		return nil
	}
	if err := r.learnTick(cp, false); err != nil {
		return err
	}

	tick := r.book.Tick(mine)
	if tick == nil || r.book.TickEntry(cp.OrderID) == nil {
		decline(trade.ReasonOrderUnavailable)
		return nil
	}
	qty := msg.Quantity
	if avail := o.Available(); avail < qty {
		qty = avail
	}
	m, err := r.engine.Pair(tick, cp.OrderID, qty)
	switch {
	case err == nil:
	case errors.Is(err, matching.ErrPriceUnacceptable):
		decline(trade.ReasonPriceUnacceptable)
		return nil
	case errors.Is(err, matching.ErrBlocked):
		decline(trade.ReasonAlreadyTrading)
		return nil
	case errors.Is(err, matching.ErrSelfTrade):
		decline(trade.ReasonOrderInvalid)
		return nil
	case errors.Is(err, matching.ErrNothingFree), errors.Is(err, orderbook.ErrTickNotFound):
		decline(trade.ReasonOrderUnavailable)
		return nil
	default:
		decline(trade.ReasonOther)
		return err
	}

	r.metrics.Matches.Add(1)
	r.send(from, &marketproto.AcceptMatch{MatchID: msg.MatchID})
	r.propose(o, m, false)
	return nil
}

func (r *Reactor) matchFrom(from types.TraderID, id string) (matching.Match, error) {
	m, ok := r.engine.Get(id)
	if !ok {
		return matching.Match{}, fmt.Errorf("%w: %s", matching.ErrUnknownMatch, id)
	}
	if m.TickOrderID.TraderID != from {
		return matching.Match{}, types.ValidationError{
			Field:  "match_id",
			Reason: fmt.Sprintf("match %s was not sent to %s", id, from),
		}
	}
	return m, nil
}

func (r *Reactor) handleAcceptMatch(from types.TraderID, msg *marketproto.AcceptMatch) error {
	m, err := r.matchFrom(from, msg.MatchID)
	if err != nil {
		return err
	}
	r.logger.Debug("match accepted", "match_id", m.ID, "order_id", m.TickOrderID)
	r.releaseMatch(m.ID)
	return nil
}

func (r *Reactor) handleDeclineMatch(from types.TraderID, msg *marketproto.DeclineMatch) error {
	m, err := r.matchFrom(from, msg.MatchID)
	if err != nil {
		return err
	}
	reason := trade.ParseDeclineReason(msg.Reason)
	r.logger.Debug("match declined", "match_id", m.ID, "order_id", m.TickOrderID, "reason", reason)
	r.releaseMatch(m.ID)

	switch reason {
	case trade.ReasonOrderCompleted:
		r.engine.ReleaseOrder(m.TickOrderID)
		r.book.MarkCompleted(m.TickOrderID)
		r.persistTick(m.TickOrderID)
	case trade.ReasonOrderCancelled, trade.ReasonOrderExpired:
		r.engine.ReleaseOrder(m.TickOrderID)
		r.book.Remove(m.TickOrderID)
		r.persistTick(m.TickOrderID)
	}
	return nil
}
