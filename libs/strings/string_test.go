package strings

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSplitAndTrimEmpty(t *testing.T) {
	testCases := []struct {
		s        string
		sep      string
		cutset   string
		expected []string
	}{
		{"a,b,c", ",", " ", []string{"a", "b", "c"}},
		{" a , b , c ", ",", " ", []string{"a", "b", "c"}},
		{" a, b, c ", ",", " ", []string{"a", "b", "c"}},
		{" a, ", ",", " ", []string{"a"}},
		{"   ", ",", " ", []string{}},
		{"", ",", " ", []string{}},
	}

	for _, tc := range testCases {
		require.Equal(t, tc.expected, SplitAndTrimEmpty(tc.s, tc.sep, tc.cutset), "%s", tc.s)
	}
}

func TestStringInSlice(t *testing.T) {
	require.True(t, StringInSlice("a", []string{"a", "b", "c"}))
	require.False(t, StringInSlice("d", []string{"a", "b", "c"}))
	require.True(t, StringInSlice("", []string{""}))
	require.False(t, StringInSlice("", []string{}))
}
