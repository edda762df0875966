package types

import (
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
)

// Timeout is an order lifetime in seconds.
type Timeout int64

// Duration converts the timeout to a time.Duration.
func (t Timeout) Duration() time.Duration { return time.Duration(t) * time.Second }

// OrderStatus is derived from the order's accounting and flags.
type OrderStatus string

const (
	OrderStatusOpen      OrderStatus = "open"
	OrderStatusCompleted OrderStatus = "completed"
	OrderStatusExpired   OrderStatus = "expired"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// IsTerminal reports whether no further matches are possible.
func (s OrderStatus) IsTerminal() bool { return s != OrderStatusOpen }

// Order is the author-side record of an intent to trade Assets. All amounts
// tracked by the order (reserved, traded) are denominated in the first asset
// of the pair. Orders are mutated only by the owning trader's event loop.
//
// For every order: 0 <= reserved + traded <= total and the sum of the per
// counterparty reservations equals reserved.
type Order struct {
	ID          OrderID
	Assets      AssetPair
	IsAsk       bool
	Timeout     Timeout
	CreatedAt   time.Time
	CompletedAt time.Time // zero until traded == total

	reserved      int64
	reservedTicks map[OrderID]int64
	traded        int64
	cancelled     bool
}

// NewOrder returns an open order.
func NewOrder(id OrderID, assets AssetPair, isAsk bool, timeout Timeout, createdAt time.Time) (*Order, error) {
	if err := id.ValidateBasic(); err != nil {
		return nil, err
	}
	if err := assets.ValidatePositive(); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		return nil, newValidationError("timeout", "%d must be positive", timeout)
	}
	return &Order{
		ID:            id,
		Assets:        assets,
		IsAsk:         isAsk,
		Timeout:       timeout,
		CreatedAt:     createdAt,
		reservedTicks: make(map[OrderID]int64),
	}, nil
}

// RestoreOrder rebuilds an order from persisted accounting state. It fails
// if the state breaks the order invariants.
func RestoreOrder(
	id OrderID,
	assets AssetPair,
	isAsk bool,
	timeout Timeout,
	createdAt, completedAt time.Time,
	traded int64,
	cancelled bool,
	reservedTicks map[OrderID]int64,
) (*Order, error) {
	o, err := NewOrder(id, assets, isAsk, timeout, createdAt)
	if err != nil {
		return nil, err
	}
	o.traded = traded
	o.cancelled = cancelled
	o.CompletedAt = completedAt
	for cp, qty := range reservedTicks {
		if qty <= 0 {
			return nil, newValidationError("reserved_ticks", "non-positive reservation for %s", cp)
		}
		o.reservedTicks[cp] = qty
		o.reserved += qty
	}
	if err := o.CheckInvariants(); err != nil {
		return nil, err
	}
	return o, nil
}

// Total is the quantity of the first asset the order intends to trade.
func (o *Order) Total() int64 { return o.Assets.First.Amount }

// Reserved is the quantity locked by pending matches and transactions.
func (o *Order) Reserved() int64 { return o.reserved }

// Traded is the quantity already settled.
func (o *Order) Traded() int64 { return o.traded }

// Available is total - reserved - traded.
func (o *Order) Available() int64 { return o.Total() - o.reserved - o.traded }

// IsCancelled reports the sticky cancel flag.
func (o *Order) IsCancelled() bool { return o.cancelled }

// IsComplete reports whether the full quantity was traded.
func (o *Order) IsComplete() bool { return o.traded == o.Total() }

// ExpiresAt is CreatedAt + Timeout.
func (o *Order) ExpiresAt() time.Time { return o.CreatedAt.Add(o.Timeout.Duration()) }

// IsExpired reports whether the order's lifetime has passed at now.
func (o *Order) IsExpired(now time.Time) bool { return !now.Before(o.ExpiresAt()) }

// Price is the price implied by the order's assets.
func (o *Order) Price() Price { return o.Assets.Price() }

// Status derives the order status. Completed takes precedence over expired,
// which takes precedence over cancelled.
func (o *Order) Status(now time.Time) OrderStatus {
	switch {
	case o.IsComplete():
		return OrderStatusCompleted
	case o.IsExpired(now):
		return OrderStatusExpired
	case o.cancelled:
		return OrderStatusCancelled
	default:
		return OrderStatusOpen
	}
}

// ReservedFor returns the quantity reserved for a counterparty order.
func (o *Order) ReservedFor(counterparty OrderID) int64 {
	return o.reservedTicks[counterparty]
}

// ReservedTicks returns a copy of the per counterparty reservations.
func (o *Order) ReservedTicks() map[OrderID]int64 {
	cp := make(map[OrderID]int64, len(o.reservedTicks))
	for k, v := range o.reservedTicks {
		cp[k] = v
	}
	return cp
}

// Counterparties returns the ids holding a reservation, sorted.
func (o *Order) Counterparties() []OrderID {
	ids := make([]OrderID, 0, len(o.reservedTicks))
	for id := range o.reservedTicks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
	return ids
}

func (o *Order) checkQuantity(op string, qty AssetAmount) error {
	if qty.AssetID != o.Assets.First.AssetID {
		return fmt.Errorf("%s: %w: expected %s, got %s", op, ErrAssetMismatch, o.Assets.First.AssetID, qty.AssetID)
	}
	if qty.Amount <= 0 {
		return newValidationError("quantity", "%s of %d must be positive", op, qty.Amount)
	}
	return nil
}

// Reserve locks qty for the counterparty. It fails with
// ErrInsufficientAvailable if qty exceeds the available quantity.
func (o *Order) Reserve(counterparty OrderID, qty AssetAmount) error {
	if err := o.checkQuantity("reserve", qty); err != nil {
		return err
	}
	if qty.Amount > o.Available() {
		return fmt.Errorf("%w: want %d, available %d", ErrInsufficientAvailable, qty.Amount, o.Available())
	}
	o.reserved += qty.Amount
	o.reservedTicks[counterparty] += qty.Amount
	return nil
}

// Release unlocks qty previously reserved for the counterparty.
func (o *Order) Release(counterparty OrderID, qty AssetAmount) error {
	if err := o.checkQuantity("release", qty); err != nil {
		return err
	}
	held, ok := o.reservedTicks[counterparty]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotReserved, counterparty)
	}
	if held < qty.Amount {
		return InvariantViolation{
			Op:     "release",
			Detail: fmt.Sprintf("release %d for %s but only %d reserved", qty.Amount, counterparty, held),
		}
	}
	o.release(counterparty, qty.Amount)
	return nil
}

// ReleaseAll drops the whole reservation held for the counterparty and
// returns the released quantity.
func (o *Order) ReleaseAll(counterparty OrderID) int64 {
	held := o.reservedTicks[counterparty]
	if held > 0 {
		o.release(counterparty, held)
	}
	return held
}

func (o *Order) release(counterparty OrderID, qty int64) {
	o.reserved -= qty
	if left := o.reservedTicks[counterparty] - qty; left > 0 {
		o.reservedTicks[counterparty] = left
	} else {
		delete(o.reservedTicks, counterparty)
	}
}

// AddTrade converts qty reserved for the counterparty into traded quantity.
// CompletedAt is set when the order becomes fully traded.
func (o *Order) AddTrade(counterparty OrderID, qty AssetAmount, now time.Time) error {
	if err := o.checkQuantity("add_trade", qty); err != nil {
		return err
	}
	if o.traded+qty.Amount > o.Total() {
		return InvariantViolation{
			Op:     "add_trade",
			Detail: fmt.Sprintf("trade %d on top of %d exceeds total %d", qty.Amount, o.traded, o.Total()),
		}
	}
	if err := o.Release(counterparty, qty); err != nil {
		return err
	}
	o.traded += qty.Amount
	if o.IsComplete() && o.CompletedAt.IsZero() {
		o.CompletedAt = now
	}
	return nil
}

// Cancel sets the sticky cancel flag. Reservations are left to be drained by
// their owners.
func (o *Order) Cancel() { o.cancelled = true }

// Copy returns a deep copy of the order, safe to hand out of the event loop.
func (o *Order) Copy() *Order {
	cp := *o
	cp.reservedTicks = o.ReservedTicks()
	return &cp
}

// CheckInvariants verifies the order accounting.
func (o *Order) CheckInvariants() error {
	if o.traded < 0 || o.traded > o.Total() {
		return InvariantViolation{Op: "check", Detail: fmt.Sprintf("traded %d outside [0, %d]", o.traded, o.Total())}
	}
	if o.reserved < 0 || o.reserved+o.traded > o.Total() {
		return InvariantViolation{Op: "check", Detail: fmt.Sprintf("reserved %d + traded %d exceeds total %d", o.reserved, o.traded, o.Total())}
	}
	var sum int64
	for _, v := range o.reservedTicks {
		sum += v
	}
	if sum != o.reserved {
		return InvariantViolation{Op: "check", Detail: fmt.Sprintf("reserved ticks sum %d != reserved %d", sum, o.reserved)}
	}
	if !o.IsComplete() && !o.CompletedAt.IsZero() {
		return InvariantViolation{Op: "check", Detail: "completed_at set on an incomplete order"}
	}
	return nil
}

// Tick returns the network-visible shadow of the order.
func (o *Order) Tick() *Tick {
	return &Tick{
		OrderID:   o.ID,
		Assets:    o.Assets,
		Traded:    o.traded,
		Timeout:   o.Timeout,
		Timestamp: o.CreatedAt,
		IsAsk:     o.IsAsk,
	}
}

// Snapshot captures the fields the order book needs after a settlement step.
func (o *Order) Snapshot() OrderSnapshot {
	return OrderSnapshot{
		OrderID:   o.ID,
		Assets:    o.Assets,
		Traded:    o.traded,
		Timeout:   o.Timeout,
		Timestamp: o.CreatedAt,
		IsAsk:     o.IsAsk,
	}
}

// MarshalZerologObject formats this object for logging purposes
func (o *Order) MarshalZerologObject(e *zerolog.Event) {
	if o == nil {
		return
	}
	e.Str("order_id", o.ID.String())
	e.Str("assets", o.Assets.String())
	e.Bool("is_ask", o.IsAsk)
	e.Int64("reserved", o.reserved)
	e.Int64("traded", o.traded)
	e.Bool("cancelled", o.cancelled)
}

// OrderSnapshot is an immutable view of an order's totals, used to update
// the order book from settlement results.
type OrderSnapshot struct {
	OrderID   OrderID
	Assets    AssetPair
	Traded    int64
	Timeout   Timeout
	Timestamp time.Time
	IsAsk     bool
}

// Remaining is total - traded.
func (s OrderSnapshot) Remaining() int64 { return s.Assets.First.Amount - s.Traded }

// Tick converts the snapshot into a tick.
func (s OrderSnapshot) Tick() *Tick {
	return &Tick{
		OrderID:   s.OrderID,
		Assets:    s.Assets,
		Traded:    s.Traded,
		Timeout:   s.Timeout,
		Timestamp: s.Timestamp,
		IsAsk:     s.IsAsk,
	}
}
