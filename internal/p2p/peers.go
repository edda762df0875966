package p2p

import (
	"context"
	"sync"

	"github.com/tendermint/market/types"
)

// PeerStatus is a peer status.
type PeerStatus string

const (
	PeerStatusUp   PeerStatus = "up"   // connected and ready
	PeerStatusDown PeerStatus = "down" // disconnected
)

// PeerUpdate is a peer update event sent via PeerUpdates.
type PeerUpdate struct {
	NodeID types.TraderID
	Status PeerStatus
}

// PeerUpdates is a peer update subscription with notifications about peer
// events (currently just status changes).
type PeerUpdates struct {
	updatesCh chan PeerUpdate

	closeOnce sync.Once
	doneCh    chan struct{}
}

// NewPeerUpdates creates a new PeerUpdates subscription. The producer must
// call Close when no further updates will be sent.
func NewPeerUpdates(buf int) *PeerUpdates {
	return &PeerUpdates{
		updatesCh: make(chan PeerUpdate, buf),
		doneCh:    make(chan struct{}),
	}
}

// Updates returns a channel for consuming peer updates.
func (pu *PeerUpdates) Updates() <-chan PeerUpdate {
	return pu.updatesCh
}

// SendUpdate pushes a peer update to the subscriber, blocking until it is
// accepted, the subscription is closed or ctx ends.
func (pu *PeerUpdates) SendUpdate(ctx context.Context, update PeerUpdate) {
	select {
	case <-ctx.Done():
	case <-pu.doneCh:
	case pu.updatesCh <- update:
	}
}

// Close closes the subscription. Updates sent afterwards are discarded.
func (pu *PeerUpdates) Close() {
	pu.closeOnce.Do(func() { close(pu.doneCh) })
}

// Done returns a channel that is closed when the subscription is closed.
func (pu *PeerUpdates) Done() <-chan struct{} {
	return pu.doneCh
}
