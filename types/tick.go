package types

import (
	"time"

	"github.com/rs/zerolog"
)

// MaxTimeout bounds the lifetime of ticks accepted from peers (one week).
const MaxTimeout Timeout = 7 * 24 * 60 * 60

// Tick is the network-visible shadow of an order: an ask or a bid in the
// order book. Assets holds the order's total intent; the quantity still
// offered is Assets.First - Traded.
type Tick struct {
	OrderID   OrderID
	Assets    AssetPair
	Traded    int64
	Timeout   Timeout
	Timestamp time.Time
	IsAsk     bool
}

// Quantity is the remaining quantity of the first asset on offer.
func (t *Tick) Quantity() int64 { return t.Assets.First.Amount - t.Traded }

// Price is the price implied by the tick's assets.
func (t *Tick) Price() Price { return t.Assets.Price() }

// ExpiresAt is Timestamp + Timeout.
func (t *Tick) ExpiresAt() time.Time { return t.Timestamp.Add(t.Timeout.Duration()) }

// IsExpired reports whether the tick's lifetime ended strictly before now. A
// tick expiring exactly at now is still valid; its removal fires on the next
// timer tick.
func (t *Tick) IsExpired(now time.Time) bool { return t.ExpiresAt().Before(now) }

// ValidateBasic performs stateless checks on a tick received from a peer.
func (t *Tick) ValidateBasic() error {
	if err := t.OrderID.ValidateBasic(); err != nil {
		return err
	}
	if err := t.Assets.ValidatePositive(); err != nil {
		return err
	}
	if t.Traded < 0 || t.Traded > t.Assets.First.Amount {
		return newValidationError("traded", "%d outside [0, %d]", t.Traded, t.Assets.First.Amount)
	}
	if t.Timeout <= 0 || t.Timeout > MaxTimeout {
		return newValidationError("timeout", "%d outside (0, %d]", t.Timeout, MaxTimeout)
	}
	if t.Timestamp.IsZero() {
		return newValidationError("timestamp", "zero")
	}
	return nil
}

// Copy returns a deep copy of the tick.
func (t *Tick) Copy() *Tick {
	cp := *t
	return &cp
}

// MarshalZerologObject formats this object for logging purposes
func (t *Tick) MarshalZerologObject(e *zerolog.Event) {
	if t == nil {
		return
	}
	e.Str("order_id", t.OrderID.String())
	e.Str("assets", t.Assets.String())
	e.Int64("traded", t.Traded)
	e.Bool("is_ask", t.IsAsk)
	e.Time("expires_at", t.ExpiresAt())
}
