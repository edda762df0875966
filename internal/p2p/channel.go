package p2p

import (
	"context"
	"fmt"

	"github.com/gogo/protobuf/proto"

	"github.com/tendermint/market/types"
)

// Envelope contains a message with sender/receiver routing info.
type Envelope struct {
	From      types.TraderID // sender (empty if outbound)
	To        types.TraderID // receiver (empty if inbound)
	Broadcast bool           // send to all connected peers (ignores To)
	Message   proto.Message  // message payload
}

func (e Envelope) String() string {
	return fmt.Sprintf("Envelope{From: %s, To: %s, Broadcast: %t, Message: %T}", e.From, e.To, e.Broadcast, e.Message)
}

// PeerError is a peer error reported via Channel.Error.
//
// The transport disconnects the peer. A peer that reconnects is reported as
// up again.
type PeerError struct {
	NodeID types.TraderID
	Err    error
}

func (pe PeerError) Error() string { return fmt.Sprintf("peer=%q: %s", pe.NodeID, pe.Err.Error()) }
func (pe PeerError) Unwrap() error { return pe.Err }

// Channel is a bidirectional channel to exchange market messages with peers.
// Each message is wrapped in an Envelope to specify its sender and receiver.
type Channel struct {
	inCh  <-chan Envelope  // inbound messages (peers to reactors)
	outCh chan<- Envelope  // outbound messages (reactors to peers)
	errCh chan<- PeerError // peer error reporting
}

// NewChannel creates a new channel. It is primarily for internal and test
// use, reactors get channels from a MemoryNetwork or a WSTransport.
func NewChannel(inCh <-chan Envelope, outCh chan<- Envelope, errCh chan<- PeerError) *Channel {
	return &Channel{
		inCh:  inCh,
		outCh: outCh,
		errCh: errCh,
	}
}

// Send blocks until the envelope has been queued for delivery or the
// context is canceled.
func (ch *Channel) Send(ctx context.Context, envelope Envelope) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case ch.outCh <- envelope:
		return nil
	}
}

// SendError blocks until the given error has been sent or the context
// ends. An error only returns if the context is canceled.
func (ch *Channel) SendError(ctx context.Context, pe PeerError) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case ch.errCh <- pe:
		return nil
	}
}

// Receive returns a new unbuffered iterator to receive messages from ch.
// The iterator runs until ctx ends.
func (ch *Channel) Receive(ctx context.Context) *ChannelIterator {
	iter := &ChannelIterator{
		pipe: make(chan Envelope), // unbuffered
	}
	go func() {
		defer close(iter.pipe)
		iteratorWorker(ctx, ch, iter.pipe)
	}()
	return iter
}

// ChannelIterator lets reactors consume inbound envelopes without depending
// on the transport feeding the channel.
type ChannelIterator struct {
	pipe    chan Envelope
	current *Envelope
}

func iteratorWorker(ctx context.Context, ch *Channel, pipe chan Envelope) {
	for {
		select {
		case <-ctx.Done():
			return
		case envelope := <-ch.inCh:
			select {
			case <-ctx.Done():
				return
			case pipe <- envelope:
			}
		}
	}
}

// Next returns true when the Envelope value has advanced, and false
// when the context is canceled or iteration should stop. If an iterator has returned false,
// it will never return true again.
// in general, use Next, as in:
//
//	for iter.Next(ctx) {
//	     envelope := iter.Envelope()
//	     // ... do things ...
//	}
func (iter *ChannelIterator) Next(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		iter.current = nil
		return false
	case envelope, ok := <-iter.pipe:
		if !ok {
			iter.current = nil
			return false
		}

		iter.current = &envelope

		return true
	}
}

// Envelope returns the current Envelope object held by the
// iterator. When the last call to Next returned true, Envelope will
// return a non-nil object. If Next returned false then Envelope is
// always nil.
func (iter *ChannelIterator) Envelope() *Envelope { return iter.current }
