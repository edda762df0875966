package types

import (
	"fmt"
	"math/bits"

	"github.com/shopspring/decimal"
)

// Price is the exact ratio Num/Denom, expressed as units of NumAsset per unit
// of DenomAsset. Prices are compared by cross multiplication, so 2/1 and 4/2
// are the same price.
type Price struct {
	Num        int64
	Denom      int64
	NumAsset   string
	DenomAsset string
}

// Cmp compares p and o and returns -1, 0 or +1. Both prices must belong to
// the same market and have positive denominators.
func (p Price) Cmp(o Price) int {
	pHi, pLo := bits.Mul64(uint64(p.Num), uint64(o.Denom))
	oHi, oLo := bits.Mul64(uint64(o.Num), uint64(p.Denom))
	switch {
	case pHi < oHi, pHi == oHi && pLo < oLo:
		return -1
	case pHi > oHi, pHi == oHi && pLo > oLo:
		return 1
	default:
		return 0
	}
}

// Equal reports whether both prices describe the same ratio.
func (p Price) Equal(o Price) bool { return p.Cmp(o) == 0 }

// IsValid reports whether the price has a positive denominator.
func (p Price) IsValid() bool {
	return p.Denom > 0 && p.Num >= 0 && p.NumAsset != "" && p.DenomAsset != ""
}

// Decimal returns the price as a decimal rounded to 16 places.
func (p Price) Decimal() decimal.Decimal {
	if p.Denom == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(p.Num).DivRound(decimal.NewFromInt(p.Denom), 16)
}

func (p Price) String() string {
	return fmt.Sprintf("%s %s/%s", p.Decimal().String(), p.NumAsset, p.DenomAsset)
}
