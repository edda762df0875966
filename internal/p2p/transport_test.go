package p2p_test

import (
	"context"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/gogo/protobuf/proto"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/tendermint/market/internal/p2p"
	"github.com/tendermint/market/internal/p2p/p2ptest"
	"github.com/tendermint/market/libs/log"
	marketproto "github.com/tendermint/market/proto/market"
	"github.com/tendermint/market/types"
)

func startTransport(ctx context.Context, t *testing.T, key types.NodeKey, peers ...p2p.NodeAddress) *p2p.WSTransport {
	t.Helper()
	tr := p2p.NewWSTransport(log.TestingLogger(), key, p2p.WSTransportOptions{
		ListenAddress:   "127.0.0.1:0",
		PersistentPeers: peers,
		RedialInterval:  100 * time.Millisecond,
		PingInterval:    time.Second,
	})
	require.NoError(t, tr.Start(ctx))
	t.Cleanup(func() { _ = tr.Stop() })
	return tr
}

func addressOf(t *testing.T, key types.NodeKey, tr *p2p.WSTransport) p2p.NodeAddress {
	address, err := p2p.ParseNodeAddress(string(key.TraderID) + "@" + tr.Addr())
	require.NoError(t, err)
	return address
}

func TestWSTransport(t *testing.T) {
	t.Cleanup(leaktest.CheckTimeout(t, 10*time.Second))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	aliceKey, bobKey := types.GenNodeKey(), types.GenNodeKey()
	alice := startTransport(ctx, t, aliceKey)
	bob := startTransport(ctx, t, bobKey, addressOf(t, aliceKey, alice))

	p2ptest.RequireUpdate(t, alice.PeerUpdates(), p2p.PeerUpdate{NodeID: bobKey.TraderID, Status: p2p.PeerStatusUp})
	p2ptest.RequireUpdate(t, bob.PeerUpdates(), p2p.PeerUpdate{NodeID: aliceKey.TraderID, Status: p2p.PeerStatusUp})
	require.Equal(t, []types.TraderID{bobKey.TraderID}, alice.Peers())

	aliceIn := alice.Channel().Receive(ctx)
	bobIn := bob.Channel().Receive(ctx)

	require.NoError(t, bob.Channel().Send(ctx, p2p.Envelope{To: aliceKey.TraderID, Message: cancelOrder(bobKey.TraderID, 1)}))
	p2ptest.RequireReceive(t, aliceIn, p2p.Envelope{
		From:    bobKey.TraderID,
		To:      aliceKey.TraderID,
		Message: cancelOrder(bobKey.TraderID, 1),
	})

	require.NoError(t, alice.Channel().Send(ctx, p2p.Envelope{Broadcast: true, Message: cancelOrder(aliceKey.TraderID, 7)}))
	p2ptest.RequireReceive(t, bobIn, p2p.Envelope{
		From:    aliceKey.TraderID,
		To:      bobKey.TraderID,
		Message: cancelOrder(aliceKey.TraderID, 7),
	})

	// a peer error disconnects, and the persistent peer comes back
	require.NoError(t, alice.Channel().SendError(ctx, p2p.PeerError{NodeID: bobKey.TraderID, Err: context.Canceled}))
	p2ptest.RequireUpdate(t, alice.PeerUpdates(), p2p.PeerUpdate{NodeID: bobKey.TraderID, Status: p2p.PeerStatusDown})
	p2ptest.RequireUpdate(t, alice.PeerUpdates(), p2p.PeerUpdate{NodeID: bobKey.TraderID, Status: p2p.PeerStatusUp})

	require.NoError(t, bob.Stop())
	p2ptest.RequireUpdate(t, alice.PeerUpdates(), p2p.PeerUpdate{NodeID: bobKey.TraderID, Status: p2p.PeerStatusDown})
}

func TestWSTransportRejectsWrongPeer(t *testing.T) {
	t.Cleanup(leaktest.CheckTimeout(t, 10*time.Second))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	aliceKey, bobKey := types.GenNodeKey(), types.GenNodeKey()
	alice := startTransport(ctx, t, aliceKey)
	address := addressOf(t, aliceKey, alice)
	address.NodeID = types.MakeTraderID("someone else")
	bob := startTransport(ctx, t, bobKey, address)

	p2ptest.RequireNoUpdates(t, bob.PeerUpdates())
	require.Empty(t, bob.Peers())
}

// rawPeer speaks the frame protocol by hand.
type rawPeer struct {
	t    *testing.T
	key  types.NodeKey
	conn *websocket.Conn
}

func dialRaw(t *testing.T, tr *p2p.WSTransport, key types.NodeKey) *rawPeer {
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+tr.Addr()+"/p2p", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	p := &rawPeer{t: t, key: key, conn: conn}
	_, _, err = conn.ReadMessage() // the transport's hello
	require.NoError(t, err)
	p.write(key, []byte("market/handshake/"+string(key.TraderID)), nil)
	return p
}

func (p *rawPeer) write(signer types.NodeKey, payload, signature []byte) {
	if signature == nil {
		signature = signer.Sign(payload)
	}
	frame := marketproto.Frame{PubKey: signer.PubKey(), Signature: signature, Payload: payload}
	bz, err := frame.Marshal()
	require.NoError(p.t, err)
	require.NoError(p.t, p.conn.WriteMessage(websocket.BinaryMessage, bz))
}

func encode(t *testing.T, msg proto.Message) []byte {
	wrapped, err := marketproto.Wrap(msg)
	require.NoError(t, err)
	bz, err := wrapped.Marshal()
	require.NoError(t, err)
	return bz
}

func TestWSTransportDropsForgedFrames(t *testing.T) {
	t.Cleanup(leaktest.CheckTimeout(t, 10*time.Second))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	aliceKey, malloryKey, carolKey := types.GenNodeKey(), types.GenNodeKey(), types.GenNodeKey()
	alice := startTransport(ctx, t, aliceKey)
	mallory := dialRaw(t, alice, malloryKey)
	p2ptest.RequireUpdate(t, alice.PeerUpdates(), p2p.PeerUpdate{NodeID: malloryKey.TraderID, Status: p2p.PeerStatusUp})
	aliceIn := alice.Channel().Receive(ctx)

	// bad signature
	mallory.write(malloryKey, encode(t, cancelOrder(malloryKey.TraderID, 1)), make([]byte, 64))
	// signed by a key other than the handshake key
	mallory.write(carolKey, encode(t, cancelOrder(carolKey.TraderID, 2)), nil)
	// header claims to come from another trader
	mallory.write(malloryKey, encode(t, cancelOrder(aliceKey.TraderID, 3)), nil)
	// garbage payload
	mallory.write(malloryKey, []byte{0xff, 0xff}, nil)
	// valid
	mallory.write(malloryKey, encode(t, cancelOrder(malloryKey.TraderID, 4)), nil)

	p2ptest.RequireReceive(t, aliceIn, p2p.Envelope{
		From:    malloryKey.TraderID,
		To:      aliceKey.TraderID,
		Message: cancelOrder(malloryKey.TraderID, 4),
	})
	p2ptest.RequireEmpty(t, aliceIn)
}

func TestWSTransportRejectsForgedHandshake(t *testing.T) {
	t.Cleanup(leaktest.CheckTimeout(t, 10*time.Second))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	aliceKey, malloryKey := types.GenNodeKey(), types.GenNodeKey()
	alice := startTransport(ctx, t, aliceKey)

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+alice.Addr()+"/p2p", nil)
	require.NoError(t, err)
	defer conn.Close()
	_, _, err = conn.ReadMessage()
	require.NoError(t, err)

	// a hello claiming alice's identity under mallory's key
	payload := []byte("market/handshake/" + string(aliceKey.TraderID))
	frame := marketproto.Frame{PubKey: malloryKey.PubKey(), Signature: malloryKey.Sign(payload), Payload: payload}
	bz, err := frame.Marshal()
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, bz))

	_, _, err = conn.ReadMessage()
	require.Error(t, err, "connection closed")
	p2ptest.RequireNoUpdates(t, alice.PeerUpdates())
}
