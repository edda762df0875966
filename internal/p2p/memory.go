package p2p

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/gogo/protobuf/proto"

	"github.com/tendermint/market/libs/log"
	tmsync "github.com/tendermint/market/libs/sync"
	marketproto "github.com/tendermint/market/proto/market"
	"github.com/tendermint/market/types"
)

// MemoryNetwork is an in-process network connecting the channels of several
// traders, used in tests and single-process simulations. Messages pass
// through the wire codec, so receivers never share memory with the sender.
// Envelopes for a peer whose inbound buffer is full are dropped.
type MemoryNetwork struct {
	logger     log.Logger
	bufferSize int

	mtx   sync.RWMutex
	nodes map[types.TraderID]*memoryNode
}

type memoryNode struct {
	id      types.TraderID
	inCh    chan Envelope
	outCh   chan Envelope
	errCh   chan PeerError
	updates *PeerUpdates
	closer  *tmsync.Closer
	doneCh  chan struct{}
}

// NewMemoryNetwork creates a new in-memory network.
func NewMemoryNetwork(logger log.Logger, bufferSize int) *MemoryNetwork {
	return &MemoryNetwork{
		logger:     logger.With("module", "p2p"),
		bufferSize: bufferSize,
		nodes:      make(map[types.TraderID]*memoryNode),
	}
}

// Join connects a trader to the network and returns its channel and peer
// updates. Every trader already on the network is reported up, and the new
// trader is reported up to each of them.
func (n *MemoryNetwork) Join(id types.TraderID) (*Channel, *PeerUpdates, error) {
	if err := id.ValidateBasic(); err != nil {
		return nil, nil, err
	}
	node := &memoryNode{
		id:      id,
		inCh:    make(chan Envelope, n.bufferSize),
		outCh:   make(chan Envelope, n.bufferSize),
		errCh:   make(chan PeerError, n.bufferSize),
		updates: NewPeerUpdates(n.bufferSize),
		closer:  tmsync.NewCloser(),
		doneCh:  make(chan struct{}),
	}

	n.mtx.Lock()
	if _, ok := n.nodes[id]; ok {
		n.mtx.Unlock()
		return nil, nil, fmt.Errorf("trader %s already joined", id)
	}
	peers := n.sortedNodes()
	n.nodes[id] = node
	n.mtx.Unlock()

	go n.route(node)

	ctx := context.Background()
	for _, peer := range peers {
		peer.updates.SendUpdate(ctx, PeerUpdate{NodeID: id, Status: PeerStatusUp})
		node.updates.SendUpdate(ctx, PeerUpdate{NodeID: peer.id, Status: PeerStatusUp})
	}
	n.logger.Debug("trader joined memory network", "trader", id, "peers", len(peers))
	return NewChannel(node.inCh, node.outCh, node.errCh), node.updates, nil
}

// Leave disconnects a trader. Remaining traders see it go down.
func (n *MemoryNetwork) Leave(id types.TraderID) {
	n.mtx.Lock()
	node, ok := n.nodes[id]
	if !ok {
		n.mtx.Unlock()
		return
	}
	delete(n.nodes, id)
	peers := n.sortedNodes()
	n.mtx.Unlock()

	node.closer.Close()
	<-node.doneCh
	node.updates.Close()

	ctx := context.Background()
	for _, peer := range peers {
		peer.updates.SendUpdate(ctx, PeerUpdate{NodeID: id, Status: PeerStatusDown})
	}
}

// Close disconnects every trader.
func (n *MemoryNetwork) Close() {
	n.mtx.RLock()
	ids := make([]types.TraderID, 0, len(n.nodes))
	for id := range n.nodes {
		ids = append(ids, id)
	}
	n.mtx.RUnlock()
	for _, id := range ids {
		n.Leave(id)
	}
}

// Size returns the number of connected traders.
func (n *MemoryNetwork) Size() int {
	n.mtx.RLock()
	defer n.mtx.RUnlock()
	return len(n.nodes)
}

// sortedNodes must be called with the lock held.
func (n *MemoryNetwork) sortedNodes() []*memoryNode {
	nodes := make([]*memoryNode, 0, len(n.nodes))
	for _, node := range n.nodes {
		nodes = append(nodes, node)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].id < nodes[j].id })
	return nodes
}

func (n *MemoryNetwork) route(node *memoryNode) {
	defer close(node.doneCh)
	for {
		select {
		case <-node.closer.Done():
			return
		case e := <-node.outCh:
			n.deliver(node, e)
		case pe := <-node.errCh:
			n.logger.Error("peer error", "trader", node.id, "peer", pe.NodeID, "err", pe.Err)
		}
	}
}

func (n *MemoryNetwork) deliver(from *memoryNode, e Envelope) {
	wrapped, err := marketproto.Wrap(e.Message)
	if err != nil {
		n.logger.Error("dropping unroutable message", "from", from.id, "err", err)
		return
	}
	bz, err := wrapped.Marshal()
	if err != nil {
		n.logger.Error("failed to encode message", "from", from.id, "err", err)
		return
	}

	var targets []*memoryNode
	n.mtx.RLock()
	if e.Broadcast {
		for _, node := range n.sortedNodes() {
			if node.id != from.id {
				targets = append(targets, node)
			}
		}
	} else if node, ok := n.nodes[e.To]; ok && e.To != from.id {
		targets = append(targets, node)
	}
	n.mtx.RUnlock()
	if len(targets) == 0 && !e.Broadcast {
		n.logger.Debug("dropping message for unknown peer", "from", from.id, "to", e.To)
		return
	}

	for _, target := range targets {
		msg, err := decodeMessage(bz)
		if err != nil {
			n.logger.Error("failed to decode message", "from", from.id, "err", err)
			return
		}
		select {
		case <-target.closer.Done():
		case target.inCh <- Envelope{From: from.id, To: target.id, Message: msg}:
		default:
			n.logger.Error("dropping message, inbound buffer full", "from", from.id, "to", target.id)
		}
	}
}

func decodeMessage(bz []byte) (proto.Message, error) {
	var wrapped marketproto.Message
	if err := wrapped.Unmarshal(bz); err != nil {
		return nil, err
	}
	return wrapped.Unwrap()
}
