package p2p

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSendQueue(t *testing.T) {
	q := newSendQueue(2)
	require.True(t, q.enqueue([]byte("a")))
	require.True(t, q.enqueue([]byte("b")))
	require.False(t, q.enqueue([]byte("c")), "full queue drops")

	require.Equal(t, []byte("a"), <-q.dequeue())
	require.True(t, q.enqueue([]byte("d")))

	q.close()
	q.close()
	<-q.closed()
	require.False(t, q.enqueue([]byte("e")), "closed queue drops")
}
