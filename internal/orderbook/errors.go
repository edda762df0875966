package orderbook

import (
	"errors"
	"fmt"
)

// ErrTickRejected is wrapped by every insert rejection. Rejected ticks are
// dropped silently by the caller.
var ErrTickRejected = errors.New("tick rejected")

var (
	ErrTickExists    = fmt.Errorf("%w: order id already in the book", ErrTickRejected)
	ErrTickCompleted = fmt.Errorf("%w: order id already completed", ErrTickRejected)
	ErrTickExpired   = fmt.Errorf("%w: tick expired", ErrTickRejected)
	ErrTickInvalid   = fmt.Errorf("%w: invalid tick", ErrTickRejected)

	ErrTickNotFound = errors.New("tick not found")
	ErrOverRelease  = errors.New("release exceeds reserved for matching")
	ErrOverReserve  = errors.New("reserve exceeds free quantity")
)
