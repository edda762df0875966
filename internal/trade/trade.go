// Package trade holds the rules by which a trader answers trade proposals
// and counter offers.
package trade

import (
	"time"

	tmrand "github.com/tendermint/market/libs/rand"
	"github.com/tendermint/market/types"
)

// DeclineReason is the code carried by DeclinedTrade and DeclineMatch.
type DeclineReason string

const (
	ReasonOrderUnavailable    DeclineReason = "order_unavailable"
	ReasonPriceUnacceptable   DeclineReason = "price_unacceptable"
	ReasonOtherOrderCancelled DeclineReason = "other_order_cancelled"
	ReasonOtherOrderCompleted DeclineReason = "other_order_completed"
	ReasonAlreadyTrading      DeclineReason = "already_trading"
	ReasonOrderCompleted      DeclineReason = "order_completed"
	ReasonOrderExpired        DeclineReason = "order_expired"
	ReasonOrderCancelled      DeclineReason = "order_cancelled"
	ReasonOrderInvalid        DeclineReason = "order_invalid"
	ReasonAddressLookupFail   DeclineReason = "address_lookup_fail"
	ReasonOther               DeclineReason = "other"
)

var knownReasons = map[DeclineReason]struct{}{
	ReasonOrderUnavailable: {}, ReasonPriceUnacceptable: {}, ReasonOtherOrderCancelled: {},
	ReasonOtherOrderCompleted: {}, ReasonAlreadyTrading: {}, ReasonOrderCompleted: {},
	ReasonOrderExpired: {}, ReasonOrderCancelled: {}, ReasonOrderInvalid: {},
	ReasonAddressLookupFail: {}, ReasonOther: {},
}

// ParseDeclineReason maps unknown codes to ReasonOther.
func ParseDeclineReason(s string) DeclineReason {
	r := DeclineReason(s)
	if _, ok := knownReasons[r]; ok {
		return r
	}
	return ReasonOther
}

// Verdict is the kind of answer to a proposal.
type Verdict uint8

const (
	Accept Verdict = iota
	Counter
	Decline
)

func (v Verdict) String() string {
	switch v {
	case Accept:
		return "accept"
	case Counter:
		return "counter"
	default:
		return "decline"
	}
}

// Decision is the answer to a proposal. Assets holds the accepted or
// countered terms; Reason is set on a decline.
type Decision struct {
	Verdict Verdict
	Assets  types.AssetPair
	Reason  DeclineReason
}

func declined(r DeclineReason) Decision { return Decision{Verdict: Decline, Reason: r} }

// CounterpartyStatus is what the local book knows about the proposer's
// order.
type CounterpartyStatus uint8

const (
	CounterpartyUnknown CounterpartyStatus = iota
	CounterpartyOpen
	CounterpartyCompleted
	CounterpartyCancelled
)

// NewProposalID returns a random, non-zero proposal id.
func NewProposalID() uint32 { return tmrand.Uint32() }

// IsPriceAcceptable reports whether trading assets honours the order's
// limit price. The comparison is inclusive: an ask accepts any price at or
// above its own, a bid any price at or below.
func IsPriceAcceptable(order *types.Order, assets types.AssetPair) bool {
	if assets.Market() != order.Assets.Market() || assets.First.Amount <= 0 {
		return false
	}
	cmp := assets.Price().Cmp(order.Price())
	if order.IsAsk {
		return cmp >= 0
	}
	return cmp <= 0
}

func checkOrder(order *types.Order, now time.Time) (DeclineReason, bool) {
	switch order.Status(now) {
	case types.OrderStatusCompleted:
		return ReasonOrderCompleted, false
	case types.OrderStatusExpired:
		return ReasonOrderExpired, false
	case types.OrderStatusCancelled:
		return ReasonOrderCancelled, false
	}
	return "", true
}

// Evaluate decides how the owner of order answers a proposal to trade
// assets against it, coming from the proposer's order proposerOrder.
//
// A proposal larger than the order's available quantity is countered with
// the available quantity at the proposed price; with nothing available it
// is declined with order_unavailable. A counter whose rounded price breaks
// the order's limit is declined with price_unacceptable.
func Evaluate(
	order *types.Order,
	proposerOrder types.OrderID,
	assets types.AssetPair,
	now time.Time,
	counterparty CounterpartyStatus,
) Decision {
	if order == nil {
		return declined(ReasonOrderUnavailable)
	}
	if err := assets.ValidatePositive(); err != nil || assets.Market() != order.Assets.Market() {
		return declined(ReasonOrderInvalid)
	}
	if proposerOrder.TraderID == order.ID.TraderID {
		return declined(ReasonOrderInvalid)
	}
	if reason, ok := checkOrder(order, now); !ok {
		return declined(reason)
	}
	switch counterparty {
	case CounterpartyCompleted:
		return declined(ReasonOtherOrderCompleted)
	case CounterpartyCancelled:
		return declined(ReasonOtherOrderCancelled)
	}
	if order.ReservedFor(proposerOrder) > 0 {
		return declined(ReasonAlreadyTrading)
	}
	if !IsPriceAcceptable(order, assets) {
		return declined(ReasonPriceUnacceptable)
	}

	available := order.Available()
	if available <= 0 {
		return declined(ReasonOrderUnavailable)
	}
	if assets.First.Amount <= available {
		return Decision{Verdict: Accept, Assets: assets}
	}
	// An ask rounds the counter up and a bid rounds it down, so the
	// truncated price stays on the owner's side of its limit.
	scale := assets.Proportional
	if order.IsAsk {
		scale = assets.ProportionalCeil
	}
	countered, err := scale(available)
	if err != nil || countered.Second.Amount == 0 {
		return declined(ReasonOrderUnavailable)
	}
	if !IsPriceAcceptable(order, countered) {
		return declined(ReasonPriceUnacceptable)
	}
	return Decision{Verdict: Counter, Assets: countered}
}

// EvaluateCounter decides whether the proposer accepts a counter offer. The
// counter must be a strict subset of the original proposal at an
// acceptable price, and the proposer's order must still hold enough
// quantity reserved for the counterparty.
func EvaluateCounter(
	order *types.Order,
	counterparty types.OrderID,
	proposed, countered types.AssetPair,
	now time.Time,
) Decision {
	if order == nil {
		return declined(ReasonOrderUnavailable)
	}
	if err := countered.ValidatePositive(); err != nil || countered.Market() != proposed.Market() {
		return declined(ReasonOrderInvalid)
	}
	if countered.First.Amount >= proposed.First.Amount || countered.Second.Amount > proposed.Second.Amount {
		return declined(ReasonOrderInvalid)
	}
	if reason, ok := checkOrder(order, now); !ok {
		return declined(reason)
	}
	if !IsPriceAcceptable(order, countered) {
		return declined(ReasonPriceUnacceptable)
	}
	if order.ReservedFor(counterparty) < countered.First.Amount {
		return declined(ReasonOrderUnavailable)
	}
	return Decision{Verdict: Accept, Assets: countered}
}
