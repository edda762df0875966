package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCurrent(t *testing.T) {
	info := Current()
	assert.Equal(t, Version, info.Version)
	assert.Contains(t, info.Version, MarketSemVer)
	assert.Equal(t, P2PProtocol, info.P2PProtocol)
}
