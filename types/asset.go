package types

import (
	"fmt"
	"math"
	"math/bits"
	"strings"
)

// MaxAssetIDLength bounds the length of asset identifiers accepted from peers.
const MaxAssetIDLength = 32

// AssetAmount is an integer count of a single asset. The amount is expressed
// in the asset's smallest unit.
type AssetAmount struct {
	Amount  int64
	AssetID string
}

// NewAssetAmount returns an AssetAmount, rejecting negative amounts and
// malformed asset ids.
func NewAssetAmount(amount int64, assetID string) (AssetAmount, error) {
	a := AssetAmount{Amount: amount, AssetID: assetID}
	if err := a.ValidateBasic(); err != nil {
		return AssetAmount{}, err
	}
	return a, nil
}

// ValidateBasic performs stateless checks on the amount.
func (a AssetAmount) ValidateBasic() error {
	if a.Amount < 0 {
		return newValidationError("amount", "%d is negative", a.Amount)
	}
	if a.AssetID == "" {
		return newValidationError("asset_id", "empty")
	}
	if len(a.AssetID) > MaxAssetIDLength {
		return newValidationError("asset_id", "longer than %d characters", MaxAssetIDLength)
	}
	return nil
}

// Add returns a + b.
func (a AssetAmount) Add(b AssetAmount) (AssetAmount, error) {
	if a.AssetID != b.AssetID {
		return AssetAmount{}, fmt.Errorf("%w: %s + %s", ErrAssetMismatch, a.AssetID, b.AssetID)
	}
	if b.Amount > 0 && a.Amount > math.MaxInt64-b.Amount {
		return AssetAmount{}, ErrAmountOverflow
	}
	return AssetAmount{Amount: a.Amount + b.Amount, AssetID: a.AssetID}, nil
}

// Sub returns a - b. The result may not be negative.
func (a AssetAmount) Sub(b AssetAmount) (AssetAmount, error) {
	if a.AssetID != b.AssetID {
		return AssetAmount{}, fmt.Errorf("%w: %s - %s", ErrAssetMismatch, a.AssetID, b.AssetID)
	}
	if b.Amount > a.Amount {
		return AssetAmount{}, fmt.Errorf("%w: %d - %d", ErrNegativeAmount, a.Amount, b.Amount)
	}
	return AssetAmount{Amount: a.Amount - b.Amount, AssetID: a.AssetID}, nil
}

// Cmp compares a and b and returns -1, 0 or +1.
func (a AssetAmount) Cmp(b AssetAmount) (int, error) {
	if a.AssetID != b.AssetID {
		return 0, fmt.Errorf("%w: %s <> %s", ErrAssetMismatch, a.AssetID, b.AssetID)
	}
	switch {
	case a.Amount < b.Amount:
		return -1, nil
	case a.Amount > b.Amount:
		return 1, nil
	default:
		return 0, nil
	}
}

// IsZero reports whether the amount is zero.
func (a AssetAmount) IsZero() bool { return a.Amount == 0 }

func (a AssetAmount) String() string {
	return fmt.Sprintf("%d %s", a.Amount, a.AssetID)
}

// AssetPair is the canonical ordered pair of amounts traded in an order. The
// first asset id always sorts before the second one so that both sides of a
// trade agree on which leg is "first". The implied price is
// Second.Amount / First.Amount.
type AssetPair struct {
	First  AssetAmount
	Second AssetAmount
}

// NewAssetPair builds a canonical pair from two amounts given in any order.
func NewAssetPair(a, b AssetAmount) (AssetPair, error) {
	if err := a.ValidateBasic(); err != nil {
		return AssetPair{}, err
	}
	if err := b.ValidateBasic(); err != nil {
		return AssetPair{}, err
	}
	if a.AssetID == b.AssetID {
		return AssetPair{}, ErrSameAsset
	}
	if a.AssetID > b.AssetID {
		a, b = b, a
	}
	return AssetPair{First: a, Second: b}, nil
}

// ValidateBasic checks the pair is canonical and both amounts are valid.
func (p AssetPair) ValidateBasic() error {
	if err := p.First.ValidateBasic(); err != nil {
		return err
	}
	if err := p.Second.ValidateBasic(); err != nil {
		return err
	}
	if p.First.AssetID == p.Second.AssetID {
		return ErrSameAsset
	}
	if p.First.AssetID > p.Second.AssetID {
		return newValidationError("assets", "pair %s/%s is not canonical", p.First.AssetID, p.Second.AssetID)
	}
	return nil
}

// ValidatePositive is ValidateBasic plus the requirement that both legs are
// non-zero, as needed for orders and trades.
func (p AssetPair) ValidatePositive() error {
	if err := p.ValidateBasic(); err != nil {
		return err
	}
	if p.First.Amount == 0 || p.Second.Amount == 0 {
		return newValidationError("assets", "%s has an empty leg", p)
	}
	return nil
}

// Market identifies the pair of assets regardless of amounts.
func (p AssetPair) Market() Market {
	return Market{First: p.First.AssetID, Second: p.Second.AssetID}
}

// Price returns the price implied by the pair.
func (p AssetPair) Price() Price {
	return Price{
		Num:        p.Second.Amount,
		Denom:      p.First.Amount,
		NumAsset:   p.Second.AssetID,
		DenomAsset: p.First.AssetID,
	}
}

// Proportional returns the pair scaled so that the first leg equals first.
// The second leg is rounded down.
func (p AssetPair) Proportional(first int64) (AssetPair, error) {
	return p.scale(first, false)
}

// ProportionalCeil is Proportional with the second leg rounded up, so the
// price of the result is never below the price of p.
func (p AssetPair) ProportionalCeil(first int64) (AssetPair, error) {
	return p.scale(first, true)
}

func (p AssetPair) scale(first int64, roundUp bool) (AssetPair, error) {
	if first < 0 {
		return AssetPair{}, ErrNegativeAmount
	}
	if p.First.Amount == 0 {
		return AssetPair{}, newValidationError("assets", "cannot scale %s", p)
	}
	second, err := mulDiv(first, p.Second.Amount, p.First.Amount)
	if err != nil {
		return AssetPair{}, err
	}
	if roundUp {
		rem, err := mulDivRem(first, p.Second.Amount, p.First.Amount)
		if err != nil {
			return AssetPair{}, err
		}
		if rem != 0 {
			if second == math.MaxInt64 {
				return AssetPair{}, ErrAmountOverflow
			}
			second++
		}
	}
	return AssetPair{
		First:  AssetAmount{Amount: first, AssetID: p.First.AssetID},
		Second: AssetAmount{Amount: second, AssetID: p.Second.AssetID},
	}, nil
}

// Add adds two pairs of the same market leg by leg.
func (p AssetPair) Add(o AssetPair) (AssetPair, error) {
	first, err := p.First.Add(o.First)
	if err != nil {
		return AssetPair{}, err
	}
	second, err := p.Second.Add(o.Second)
	if err != nil {
		return AssetPair{}, err
	}
	return AssetPair{First: first, Second: second}, nil
}

// Covers reports whether p is at least o on both legs.
func (p AssetPair) Covers(o AssetPair) bool {
	return p.Market() == o.Market() &&
		p.First.Amount >= o.First.Amount &&
		p.Second.Amount >= o.Second.Amount
}

// Zero returns a pair of the same market with both amounts zero.
func (p AssetPair) Zero() AssetPair {
	return AssetPair{
		First:  AssetAmount{AssetID: p.First.AssetID},
		Second: AssetAmount{AssetID: p.Second.AssetID},
	}
}

// Leg returns the amount of the pair denominated in assetID.
func (p AssetPair) Leg(assetID string) (AssetAmount, error) {
	switch assetID {
	case p.First.AssetID:
		return p.First, nil
	case p.Second.AssetID:
		return p.Second, nil
	default:
		return AssetAmount{}, fmt.Errorf("%w: %s not in %s", ErrAssetMismatch, assetID, p.Market())
	}
}

func (p AssetPair) String() string {
	return fmt.Sprintf("%s %s", p.First, p.Second)
}

// Market is an unordered-amount view of a pair: the two asset ids.
type Market struct {
	First  string
	Second string
}

func (m Market) String() string {
	return strings.Join([]string{m.First, m.Second}, "/")
}

// mulDiv computes floor(a*b/c) without intermediate overflow.
func mulDiv(a, b, c int64) (int64, error) {
	if a < 0 || b < 0 || c <= 0 {
		return 0, ErrNegativeAmount
	}
	hi, lo := bits.Mul64(uint64(a), uint64(b))
	if hi >= uint64(c) {
		return 0, ErrAmountOverflow
	}
	q, _ := bits.Div64(hi, lo, uint64(c))
	if q > math.MaxInt64 {
		return 0, ErrAmountOverflow
	}
	return int64(q), nil
}

// mulDivRem returns a*b mod c. Arguments must already be valid for mulDiv.
func mulDivRem(a, b, c int64) (uint64, error) {
	hi, lo := bits.Mul64(uint64(a), uint64(b))
	if hi >= uint64(c) {
		return 0, ErrAmountOverflow
	}
	_, rem := bits.Div64(hi, lo, uint64(c))
	return rem, nil
}
