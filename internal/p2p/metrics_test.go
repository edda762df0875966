package p2p

import (
	"testing"

	"github.com/stretchr/testify/assert"

	marketproto "github.com/tendermint/market/proto/market"
)

func TestValueToMetricsLabel(t *testing.T) {
	lc := newMetricsLabelCache()
	r := &marketproto.Payment{}
	str := lc.ValueToMetricLabel(r)
	assert.Equal(t, "market_Payment", str)

	// subsequent calls to the function should produce the same result
	str = lc.ValueToMetricLabel(r)
	assert.Equal(t, "market_Payment", str)

	assert.Equal(t, "market_Tick", lc.ValueToMetricLabel(&marketproto.Tick{}))
}
