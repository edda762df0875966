package rand

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStr(t *testing.T) {
	for _, l := range []int{0, 1, 20, 64} {
		s := Str(l)
		require.Len(t, s, l)
		for _, c := range s {
			require.Contains(t, strChars, string(c))
		}
	}
}

func TestUint32NonZero(t *testing.T) {
	seen := make(map[uint32]struct{})
	for i := 0; i < 100; i++ {
		v := Uint32()
		require.NotZero(t, v)
		seen[v] = struct{}{}
	}
	require.Greater(t, len(seen), 90)
}
