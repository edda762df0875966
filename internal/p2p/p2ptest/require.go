// Package p2ptest holds assertions shared by the tests of packages built on
// internal/p2p.
package p2ptest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tendermint/market/internal/p2p"
)

// RequireReceive requires that the next envelope on the iterator equals
// expect. Iterators must be long lived: an iterator abandoned mid-stream may
// hold on to one envelope.
func RequireReceive(t *testing.T, iter *p2p.ChannelIterator, expect p2p.Envelope) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.True(t, iter.Next(ctx), "timed out waiting for %v", expect)
	require.Equal(t, expect, *iter.Envelope())
}

// RequireReceiveUnordered requires that the given envelopes are all received
// on the iterator, ignoring order.
func RequireReceiveUnordered(t *testing.T, iter *p2p.ChannelIterator, expect []p2p.Envelope) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	actual := []p2p.Envelope{}
	for len(actual) < len(expect) && iter.Next(ctx) {
		actual = append(actual, *iter.Envelope())
	}
	require.ElementsMatch(t, expect, actual)
}

// RequireEmpty requires that nothing arrives on the iterator for a short
// while.
func RequireEmpty(t *testing.T, iter *p2p.ChannelIterator) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if iter.Next(ctx) {
		require.Fail(t, "unexpected message", "got %v", iter.Envelope())
	}
}

// RequireNoUpdates requires that a PeerUpdates subscription is empty.
func RequireNoUpdates(t *testing.T, peerUpdates *p2p.PeerUpdates) {
	t.Helper()
	select {
	case update := <-peerUpdates.Updates():
		require.Fail(t, "unexpected peer updates", "got %v", update)
	case <-time.After(50 * time.Millisecond):
	}
}

// RequireUpdate requires that a PeerUpdates subscription yields the given update.
func RequireUpdate(t *testing.T, peerUpdates *p2p.PeerUpdates, expect p2p.PeerUpdate) {
	t.Helper()
	timer := time.NewTimer(5 * time.Second) // not time.After due to goroutine leaks
	defer timer.Stop()

	select {
	case update := <-peerUpdates.Updates():
		require.Equal(t, expect.NodeID, update.NodeID, "node id did not match")
		require.Equal(t, expect.Status, update.Status, "statuses did not match")
	case <-peerUpdates.Done():
		require.Fail(t, "peer updates subscription is closed")
	case <-timer.C:
		require.Fail(t, "timed out waiting for peer update", "expected %v", expect)
	}
}

// RequireUpdates requires that a PeerUpdates subscription yields the given
// updates, ignoring order.
func RequireUpdates(t *testing.T, peerUpdates *p2p.PeerUpdates, expect []p2p.PeerUpdate) {
	t.Helper()
	timer := time.NewTimer(5 * time.Second) // not time.After due to goroutine leaks
	defer timer.Stop()

	actual := []p2p.PeerUpdate{}
	for len(actual) < len(expect) {
		select {
		case update := <-peerUpdates.Updates():
			actual = append(actual, update)
		case <-peerUpdates.Done():
			require.Fail(t, "peer updates subscription is closed")
			return
		case <-timer.C:
			require.ElementsMatch(t, expect, actual, "did not receive expected peer updates")
			return
		}
	}
	require.ElementsMatch(t, expect, actual)
}
