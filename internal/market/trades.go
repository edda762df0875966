package market

import (
	"errors"
	"fmt"

	"github.com/benbjohnson/clock"

	"github.com/tendermint/market/internal/matching"
	"github.com/tendermint/market/internal/settlement"
	"github.com/tendermint/market/internal/trade"
	marketproto "github.com/tendermint/market/proto/market"
	"github.com/tendermint/market/types"
)

// proposal is a trade negotiation this node is waiting on: either a
// ProposedTrade it sent or a CounterTrade it answered with. Quantity is
// reserved on the own order for the partner order, and held units are
// reserved on both book entries.
type proposal struct {
	id           uint32
	matchID      string // set when the book reservation is owned by a match
	myOrder      types.OrderID
	partnerOrder types.OrderID
	assets       types.AssetPair
	held         int64
	timer        *clock.Timer
}

func (p *proposal) stop() {
	if p.timer != nil {
		p.timer.Stop()
	}
}

type counterKey struct {
	trader types.TraderID
	id     uint32
}

// isTaker reports whether the order is the newer side of a pair, which is
// the side that proposes. Timestamp ties are broken by order id.
func isTaker(o *types.Order, counterparty *types.Tick) bool {
	if !o.CreatedAt.Equal(counterparty.Timestamp) {
		return o.CreatedAt.After(counterparty.Timestamp)
	}
	return counterparty.OrderID.Less(o.ID)
}

// matchOrder runs the matching engine for an open own order and proposes a
// trade for every match where the order is the taker.
func (r *Reactor) matchOrder(o *types.Order) {
	if o.Status(r.clock.Now()) != types.OrderStatusOpen || o.Available() <= 0 {
		return
	}
	tick := r.book.Tick(o.ID)
	if tick == nil {
		return
	}
	matches, err := r.engine.Match(tick, o.Available())
	if err != nil {
		r.logger.Error("failed to match order", "order", o, "err", err)
		return
	}
	for _, m := range matches {
		r.metrics.Matches.Add(1)
		r.propose(o, m, true)
	}
}

// tradeAssets prices a match at the counterparty's price. When the
// counterparty is an ask, truncation must not drop the price below it.
func tradeAssets(o *types.Order, m matching.Match) (types.AssetPair, error) {
	cp := m.Counterparty
	assets, err := cp.Assets.Proportional(m.Quantity)
	if err != nil {
		return types.AssetPair{}, err
	}
	if cp.IsAsk && assets.Price().Cmp(cp.Price()) < 0 {
		assets.Second.Amount++
	}
	if assets.Second.Amount <= 0 {
		return types.AssetPair{}, fmt.Errorf("match %s of %d units is worth nothing", m.ID, m.Quantity)
	}
	if !trade.IsPriceAcceptable(o, assets) {
		return types.AssetPair{}, fmt.Errorf("rounded price %s crosses the limit of %s", assets.Price(), o.ID)
	}
	return assets, nil
}

// propose sends a ProposedTrade for a match of the order. The match keeps
// its book reservation until the proposal is answered.
func (r *Reactor) propose(o *types.Order, m matching.Match, checkTaker bool) {
	release := func() {
		if err := r.engine.Release(m.ID); err != nil && !errors.Is(err, matching.ErrUnknownMatch) {
			r.logger.Error("failed to release match", "match_id", m.ID, "err", err)
		}
	}
	if checkTaker && !isTaker(o, m.Counterparty) {
		release()
		return
	}
	if o.ReservedFor(m.OrderID) > 0 {
		release()
		return
	}
	assets, err := tradeAssets(o, m)
	if err != nil {
		r.logger.Debug("not proposing match", "order_id", o.ID, "err", err)
		release()
		return
	}
	if err := o.Reserve(m.OrderID, assets.First); err != nil {
		r.logger.Debug("cannot reserve for proposal", "order_id", o.ID, "err", err)
		release()
		return
	}
	r.saveOrder(o)

	id := trade.NewProposalID()
	for r.proposals[id] != nil {
		id = trade.NewProposalID()
	}
	p := &proposal{
		id:           id,
		matchID:      m.ID,
		myOrder:      o.ID,
		partnerOrder: m.OrderID,
		assets:       assets,
		held:         m.Quantity,
	}
	p.timer = r.after(r.cfg.ProposalTimeout, func() {
		if r.proposals[id] == p {
			r.logger.Info("proposal timed out", "proposal_id", id, "partner", p.partnerOrder)
			r.abandon(p, "timeout")
		}
	})
	r.proposals[id] = p
	r.metrics.Proposals.With("outcome", "sent").Add(1)

	r.logger.Info("proposing trade", "proposal_id", id, "order_id", o.ID, "partner", m.OrderID, "assets", assets)
	r.send(m.OrderID.TraderID, &marketproto.ProposedTrade{
		ProposalID:       id,
		OrderNumber:      o.ID.OrderNumber,
		RecipientOrderID: m.OrderID.ToProto(),
		Assets:           assets.ToProto(),
	})
}

// abandon drops a negotiation that will not lead to a transaction and gives
// back its reservations.
func (r *Reactor) abandon(p *proposal, outcome string) {
	p.stop()
	if r.proposals[p.id] == p {
		delete(r.proposals, p.id)
	}
	key := counterKey{trader: p.partnerOrder.TraderID, id: p.id}
	if r.counters[key] == p {
		delete(r.counters, key)
	}
	if p.matchID != "" {
		if err := r.engine.Release(p.matchID); err != nil && !errors.Is(err, matching.ErrUnknownMatch) {
			r.logger.Error("failed to release match", "match_id", p.matchID, "err", err)
		}
	} else {
		r.unhold(p.myOrder, p.partnerOrder, p.held)
	}
	if o := r.orders[p.myOrder]; o != nil {
		r.releaseOrder(o, p.partnerOrder, p.assets.First.Amount)
		r.saveOrder(o)
	}
	r.metrics.Proposals.With("outcome", outcome).Add(1)
}

// hold reserves qty on the book entries of both orders when both can spare
// it, and returns the quantity held.
func (r *Reactor) hold(mine, partner types.OrderID, qty int64) int64 {
	own, other := r.book.TickEntry(mine), r.book.TickEntry(partner)
	if own == nil || other == nil || own.Free() < qty || other.Free() < qty {
		return 0
	}
	if err := own.ReserveForMatching(qty); err != nil {
		return 0
	}
	if err := other.ReserveForMatching(qty); err != nil {
		_ = own.ReleaseForMatching(qty)
		return 0
	}
	return qty
}

func (r *Reactor) unhold(mine, partner types.OrderID, held int64) {
	if held <= 0 {
		return
	}
	for _, id := range []types.OrderID{mine, partner} {
		if err := r.book.ReleaseForMatching(id, held); err != nil {
			r.logger.Error("failed to release book reservation", "order_id", id, "err", err)
		}
	}
}

// releaseOrder gives back qty reserved on the order for the partner. An
// accounting mismatch is an incident and the whole reservation is dropped.
func (r *Reactor) releaseOrder(o *types.Order, partner types.OrderID, qty int64) {
	err := o.Release(partner, types.AssetAmount{Amount: qty, AssetID: o.Assets.First.AssetID})
	switch {
	case err == nil, errors.Is(err, types.ErrNotReserved):
	case types.IsInvariantViolation(err):
		r.incident("release", err)
		o.ReleaseAll(partner)
	default:
		r.logger.Error("failed to release order reservation", "order_id", o.ID, "partner", partner, "err", err)
		o.ReleaseAll(partner)
	}
}

func (r *Reactor) counterpartyStatus(id types.OrderID) trade.CounterpartyStatus {
	switch {
	case r.book.IsCompleted(id):
		return trade.CounterpartyCompleted
	case r.cancelled.Contains(id):
		return trade.CounterpartyCancelled
	case r.book.TickEntry(id) != nil:
		return trade.CounterpartyOpen
	default:
		return trade.CounterpartyUnknown
	}
}

func (r *Reactor) declineTrade(to types.TraderID, proposalID uint32, mine, partner types.OrderID, reason trade.DeclineReason) {
	r.logger.Info("declining trade", "proposal_id", proposalID, "order_id", mine, "partner", partner, "reason", reason)
	r.send(to, &marketproto.DeclinedTrade{
		ProposalID:       proposalID,
		OrderNumber:      mine.OrderNumber,
		RecipientOrderID: partner.ToProto(),
		Reason:           string(reason),
	})
}

// recipientOrder parses the recipient order of a trade message, which must
// belong to this trader.
func (r *Reactor) recipientOrder(pb marketproto.OrderID) (types.OrderID, error) {
	id, err := types.OrderIDFromProto(pb)
	if err != nil {
		return types.OrderID{}, err
	}
	if id.TraderID != r.self {
		return types.OrderID{}, types.ValidationError{
			Field:  "recipient_order_id",
			Reason: fmt.Sprintf("%s is not an order of %s", id, r.self),
		}
	}
	return id, nil
}

func (r *Reactor) handleProposedTrade(from types.TraderID, msg *marketproto.ProposedTrade) error {
	mine, err := r.recipientOrder(msg.RecipientOrderID)
	if err != nil {
		return err
	}
	assets, err := types.AssetPairFromProto(msg.Assets)
	if err != nil {
		return err
	}
	partner := types.OrderID{TraderID: from, OrderNumber: msg.OrderNumber}
	o := r.orders[mine]
	d := trade.Evaluate(o, partner, assets, r.clock.Now(), r.counterpartyStatus(partner))
	r.logger.Debug("received proposal", "proposal_id", msg.ProposalID, "order_id", mine, "partner", partner,
		"assets", assets, "verdict", d.Verdict)

	if d.Verdict == trade.Decline {
		r.metrics.Proposals.With("outcome", "declined").Add(1)
		r.declineTrade(from, msg.ProposalID, mine, partner, d.Reason)
		return nil
	}
	if err := o.Reserve(partner, d.Assets.First); err != nil {
		r.declineTrade(from, msg.ProposalID, mine, partner, trade.ReasonOrderUnavailable)
		return nil
	}
	held := r.hold(mine, partner, d.Assets.First.Amount)
	r.saveOrder(o)

	if d.Verdict == trade.Accept {
		r.startTransaction(o, partner, msg.ProposalID, d.Assets, held)
		return nil
	}

	key := counterKey{trader: from, id: msg.ProposalID}
	p := &proposal{
		id:           msg.ProposalID,
		myOrder:      mine,
		partnerOrder: partner,
		assets:       d.Assets,
		held:         held,
	}
	p.timer = r.after(r.cfg.ProposalTimeout, func() {
		if r.counters[key] == p {
			r.logger.Info("counter offer timed out", "proposal_id", p.id, "partner", partner)
			r.abandon(p, "timeout")
		}
	})
	r.counters[key] = p
	r.metrics.Proposals.With("outcome", "countered").Add(1)

	r.logger.Info("countering trade", "proposal_id", msg.ProposalID, "order_id", mine, "partner", partner, "assets", d.Assets)
	r.send(from, &marketproto.CounterTrade{ProposedTrade: marketproto.ProposedTrade{
		ProposalID:       msg.ProposalID,
		OrderNumber:      mine.OrderNumber,
		RecipientOrderID: partner.ToProto(),
		Assets:           d.Assets.ToProto(),
	}})
	return nil
}

func (r *Reactor) handleCounterTrade(from types.TraderID, msg *marketproto.CounterTrade) error {
	p := r.proposals[msg.ProposalID]
	if p == nil || p.partnerOrder.TraderID != from || p.partnerOrder.OrderNumber != msg.OrderNumber {
		return fmt.Errorf("%w: counter %d from %s", ErrUnknownProposal, msg.ProposalID, from)
	}
	countered, err := types.AssetPairFromProto(msg.Assets)
	if err != nil {
		r.abandon(p, "failed")
		return err
	}
	o := r.orders[p.myOrder]
	d := trade.EvaluateCounter(o, p.partnerOrder, p.assets, countered, r.clock.Now())
	if d.Verdict != trade.Accept {
		r.abandon(p, "declined")
		r.declineTrade(from, p.id, p.myOrder, p.partnerOrder, d.Reason)
		return nil
	}

	p.stop()
	delete(r.proposals, p.id)
	if surplus := p.assets.First.Amount - countered.First.Amount; surplus > 0 {
		r.releaseOrder(o, p.partnerOrder, surplus)
	}
	held := countered.First.Amount
	if err := r.engine.Resize(p.matchID, held); err != nil {
		held = 0
		if errors.Is(err, matching.ErrUnknownMatch) {
			r.logger.Debug("match released before the counter offer", "match_id", p.matchID)
		} else if rerr := r.engine.Release(p.matchID); rerr != nil && !errors.Is(rerr, matching.ErrUnknownMatch) {
			r.logger.Error("failed to release match", "match_id", p.matchID, "err", rerr)
		}
	}
	r.engine.Forget(p.matchID)
	r.saveOrder(o)

	r.logger.Info("accepting counter offer", "proposal_id", p.id, "order_id", p.myOrder, "assets", countered)
	r.startTransaction(o, p.partnerOrder, p.id, countered, held)
	return nil
}

func (r *Reactor) handleDeclinedTrade(from types.TraderID, msg *marketproto.DeclinedTrade) error {
	partner := types.OrderID{TraderID: from, OrderNumber: msg.OrderNumber}
	reason := trade.ParseDeclineReason(msg.Reason)

	p := r.proposals[msg.ProposalID]
	if p == nil || p.partnerOrder != partner {
		p = r.counters[counterKey{trader: from, id: msg.ProposalID}]
	}
	if p == nil || p.partnerOrder != partner {
		return fmt.Errorf("%w: decline %d from %s", ErrUnknownProposal, msg.ProposalID, from)
	}
	r.logger.Info("trade declined", "proposal_id", p.id, "order_id", p.myOrder, "partner", partner, "reason", reason)
	r.abandon(p, "declined")

	switch reason {
	case trade.ReasonOrderCompleted:
		r.engine.ReleaseOrder(partner)
		r.book.MarkCompleted(partner)
		r.persistTick(partner)
	case trade.ReasonOrderCancelled:
		r.cancelled.Add(partner, struct{}{})
		r.engine.ReleaseOrder(partner)
		r.book.Remove(partner)
		r.persistTick(partner)
	case trade.ReasonOrderExpired:
		r.engine.ReleaseOrder(partner)
		r.book.Remove(partner)
		r.persistTick(partner)
	}
	return nil
}

// handleStartTransaction accepts the transaction the partner started for
// a proposal this node sent or countered.
func (r *Reactor) handleStartTransaction(from types.TraderID, msg *marketproto.StartTransaction) error {
	mine, err := r.recipientOrder(msg.RecipientOrderID)
	if err != nil {
		return err
	}
	assets, err := types.AssetPairFromProto(msg.Assets)
	if err != nil {
		return err
	}
	partner := types.OrderID{TraderID: from, OrderNumber: msg.OrderNumber}

	p := r.proposals[msg.ProposalID]
	if p == nil || p.partnerOrder != partner {
		p = r.counters[counterKey{trader: from, id: msg.ProposalID}]
	}
	if p == nil || p.partnerOrder != partner || p.myOrder != mine {
		return fmt.Errorf("%w: transaction for proposal %d from %s", ErrUnknownProposal, msg.ProposalID, from)
	}
	if assets != p.assets {
		r.abandon(p, "failed")
		return types.ValidationError{
			Field:  "assets",
			Reason: fmt.Sprintf("transaction for %s, agreed %s", assets, p.assets),
		}
	}

	p.stop()
	delete(r.proposals, p.id)
	delete(r.counters, counterKey{trader: from, id: p.id})
	held := p.held
	if p.matchID != "" {
		if m, ok := r.engine.Get(p.matchID); ok {
			held = m.Quantity
		} else {
			held = 0
		}
		r.engine.Forget(p.matchID)
	}

	o := r.orders[mine]
	if o == nil {
		r.unhold(mine, partner, held)
		return fmt.Errorf("%w: %s", ErrOrderNotFound, mine)
	}
	tx, err := r.settlement.Accept(from, msg, o.IsAsk)
	if err != nil {
		r.unhold(mine, partner, held)
		r.releaseOrder(o, partner, assets.First.Amount)
		r.saveOrder(o)
		r.metrics.Proposals.With("outcome", "failed").Add(1)
		return fmt.Errorf("accept transaction: %w", err)
	}
	r.track(tx, held)
	r.metrics.Proposals.With("outcome", "accepted").Add(1)
	return nil
}

// startTransaction starts settlement for agreed terms. The reservations
// made during the negotiation carry over to the transaction.
func (r *Reactor) startTransaction(o *types.Order, partner types.OrderID, proposalID uint32, assets types.AssetPair, held int64) {
	tx, err := r.settlement.Initiate(settlement.Proposal{
		ProposalID:     proposalID,
		MyOrderID:      o.ID,
		PartnerOrderID: partner,
		Assets:         assets,
		IsAsk:          o.IsAsk,
	})
	if err != nil {
		r.logger.Error("failed to start transaction", "order_id", o.ID, "partner", partner, "err", err)
		r.unhold(o.ID, partner, held)
		r.releaseOrder(o, partner, assets.First.Amount)
		r.saveOrder(o)
		r.metrics.Proposals.With("outcome", "failed").Add(1)
		r.declineTrade(partner.TraderID, proposalID, o.ID, partner, trade.ReasonAddressLookupFail)
		return
	}
	r.track(tx, held)
	r.metrics.Proposals.With("outcome", "accepted").Add(1)
}

// track records the units held on the book for a transaction and the
// partner tick's traded quantity at its start.
func (r *Reactor) track(tx *types.Transaction, held int64) {
	r.held[tx.ID] = held
	if pt := r.book.Tick(tx.PartnerOrderID); pt != nil {
		r.partnerBase[tx.ID] = pt.Traded
	}
}

// onTransactionCompleted moves the traded quantity from reserved to traded
// on the own order and applies the trade to the book.
func (r *Reactor) onTransactionCompleted(tx *types.Transaction) {
	held := r.held[tx.ID]
	base, tracked := r.partnerBase[tx.ID]
	delete(r.held, tx.ID)
	delete(r.partnerBase, tx.ID)

	o := r.orders[tx.MyOrderID]
	if o == nil {
		r.incident("add_trade", fmt.Errorf("%w: %s of transaction %s", ErrOrderNotFound, tx.MyOrderID, tx.ID))
		return
	}
	if err := o.AddTrade(tx.PartnerOrderID, tx.Assets.First, r.clock.Now()); err != nil {
		r.incident("add_trade", err)
		o.ReleaseAll(tx.PartnerOrderID)
	}
	r.saveOrder(o)

	var partnerSnap *types.OrderSnapshot
	if pt := r.book.Tick(tx.PartnerOrderID); pt != nil {
		if !tracked {
			base = pt.Traded
		}
		// a refresh from the partner may already have counted this trade
		traded := base + tx.Assets.First.Amount
		if traded < pt.Traded {
			traded = pt.Traded
		}
		if traded > pt.Assets.First.Amount {
			traded = pt.Assets.First.Amount
		}
		partnerSnap = &types.OrderSnapshot{
			OrderID:   pt.OrderID,
			Assets:    pt.Assets,
			Traded:    traded,
			Timeout:   pt.Timeout,
			Timestamp: pt.Timestamp,
			IsAsk:     pt.IsAsk,
		}
	}
	switch {
	case o.IsCancelled() && partnerSnap != nil:
		r.book.UpdateOrder(*partnerSnap, held)
	case o.IsCancelled():
	case partnerSnap != nil:
		r.book.UpdateFromSettlement(o.Snapshot(), *partnerSnap, held)
	default:
		r.book.UpdateOrder(o.Snapshot(), held)
	}
	r.persistTick(o.ID)
	r.persistTick(tx.PartnerOrderID)

	r.logger.Info("trade settled", "order", o, "partner", tx.PartnerOrderID, "assets", tx.Assets)
	if !o.IsCancelled() {
		r.broadcast(&marketproto.Tick{Tick: o.Tick().ToProto()})
	}
	r.matchOrder(o)
}

// onTransactionFailed gives back the reservations of a failed transaction.
// Partial transfers are not rolled back.
func (r *Reactor) onTransactionFailed(tx *types.Transaction, err error) {
	held := r.held[tx.ID]
	delete(r.held, tx.ID)
	delete(r.partnerBase, tx.ID)
	r.unhold(tx.MyOrderID, tx.PartnerOrderID, held)

	o := r.orders[tx.MyOrderID]
	if o == nil {
		return
	}
	r.releaseOrder(o, tx.PartnerOrderID, tx.Assets.First.Amount)
	r.saveOrder(o)
	r.logger.Info("trade failed", "order", o, "partner", tx.PartnerOrderID, "err", err)
}
