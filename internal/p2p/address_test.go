package p2p

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tendermint/market/types"
)

func TestParseNodeAddress(t *testing.T) {
	id := types.MakeTraderID("peer")
	user := string(id)

	testCases := []struct {
		url    string
		expect NodeAddress
		ok     bool
	}{
		{"127.0.0.1:26660", NodeAddress{Protocol: WSProtocol, Hostname: "127.0.0.1", Port: 26660, Path: "/p2p"}, true},
		{user + "@host.domain:80", NodeAddress{NodeID: id, Protocol: WSProtocol, Hostname: "host.domain", Port: 80, Path: "/p2p"}, true},
		{"wss://" + user + "@HOST:443/market", NodeAddress{NodeID: id, Protocol: WSSProtocol, Hostname: "host", Port: 443, Path: "/market"}, true},
		{"ws://" + strings.ToUpper(user) + "@host", NodeAddress{NodeID: id, Protocol: WSProtocol, Hostname: "host", Path: "/p2p"}, true},
		{"ws://[::1]:26660", NodeAddress{Protocol: WSProtocol, Hostname: "::1", Port: 26660, Path: "/p2p"}, true},

		{"", NodeAddress{}, false},
		{"tcp://host:80", NodeAddress{}, false},
		{"ws://host:99999", NodeAddress{}, false},
		{"ws://notanid@host:80", NodeAddress{}, false},
		{"ws://:80", NodeAddress{}, false},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.url, func(t *testing.T) {
			address, err := ParseNodeAddress(tc.url)
			if !tc.ok {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.expect, address)
		})
	}
}

func TestNodeAddressString(t *testing.T) {
	id := types.MakeTraderID("peer")
	address, err := ParseNodeAddress(string(id) + "@127.0.0.1:26660")
	require.NoError(t, err)
	require.Equal(t, "ws://"+string(id)+"@127.0.0.1:26660/p2p", address.String())
	require.Equal(t, "ws://127.0.0.1:26660/p2p", address.DialURL())

	again, err := ParseNodeAddress(address.String())
	require.NoError(t, err)
	require.Equal(t, address, again)
}
