package types

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// MakeTraderID returns a deterministic TraderID derived from name. It is used
// by tests across packages.
func MakeTraderID(name string) TraderID {
	sum := sha256.Sum256([]byte(name))
	return TraderID(hex.EncodeToString(sum[:TraderIDByteLength]))
}

// MustAssetPair builds a canonical pair and panics on error.
func MustAssetPair(firstAmount int64, firstID string, secondAmount int64, secondID string) AssetPair {
	p, err := NewAssetPair(
		AssetAmount{Amount: firstAmount, AssetID: firstID},
		AssetAmount{Amount: secondAmount, AssetID: secondID},
	)
	if err != nil {
		panic(err)
	}
	return p
}

// MustOrder builds an order and panics on error.
func MustOrder(id OrderID, assets AssetPair, isAsk bool, timeout Timeout, createdAt time.Time) *Order {
	o, err := NewOrder(id, assets, isAsk, timeout, createdAt)
	if err != nil {
		panic(err)
	}
	return o
}
