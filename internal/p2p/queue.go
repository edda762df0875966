package p2p

import (
	tmsync "github.com/tendermint/market/libs/sync"
)

// sendQueue is a bounded FIFO of encoded frames waiting to be written to a
// single peer connection. It never blocks the producer: frames that do not
// fit are dropped and the peer is expected to catch up through gossip.
type sendQueue struct {
	queueCh chan []byte
	closer  *tmsync.Closer
}

func newSendQueue(size int) *sendQueue {
	return &sendQueue{
		queueCh: make(chan []byte, size),
		closer:  tmsync.NewCloser(),
	}
}

// enqueue reports whether the frame was accepted.
func (q *sendQueue) enqueue(frame []byte) bool {
	select {
	case <-q.closer.Done():
		return false
	default:
	}
	select {
	case q.queueCh <- frame:
		return true
	default:
		return false
	}
}

func (q *sendQueue) dequeue() <-chan []byte {
	return q.queueCh
}

// close closes the queue. Frames still buffered are discarded by the writer.
func (q *sendQueue) close() {
	q.closer.Close()
}

func (q *sendQueue) closed() <-chan struct{} {
	return q.closer.Done()
}
