// Package bloom implements the fixed-size bloom filter exchanged by peers to
// reconcile their order books.
package bloom

import (
	"errors"
	"math"

	"github.com/spaolacci/murmur3"
)

const (
	// MaxBits bounds the filter size accepted from the network.
	MaxBits = 8 * 64 * 1024

	maxHashes = 32
)

var ErrInvalidFilter = errors.New("invalid bloom filter")

// Filter is a bloom filter using double hashing over murmur3.
type Filter struct {
	bits []byte
	k    uint32
}

// New returns a filter sized for n elements at the given false positive rate.
func New(n int, fpRate float64) *Filter {
	if n < 1 {
		n = 1
	}
	if fpRate <= 0 || fpRate >= 1 {
		fpRate = 0.01
	}

	m := math.Ceil(-float64(n) * math.Log(fpRate) / (math.Ln2 * math.Ln2))
	if m > MaxBits {
		m = MaxBits
	}
	nbytes := int(math.Ceil(m / 8))
	if nbytes < 1 {
		nbytes = 1
	}

	k := uint32(math.Round(float64(nbytes*8) / float64(n) * math.Ln2))
	if k < 1 {
		k = 1
	}
	if k > maxHashes {
		k = maxHashes
	}

	return &Filter{bits: make([]byte, nbytes), k: k}
}

// FromBytes reconstructs a filter received from a peer.
func FromBytes(bits []byte, k uint32) (*Filter, error) {
	if len(bits) == 0 || len(bits)*8 > MaxBits || k == 0 || k > maxHashes {
		return nil, ErrInvalidFilter
	}
	cp := make([]byte, len(bits))
	copy(cp, bits)
	return &Filter{bits: cp, k: k}, nil
}

// Add inserts key into the filter.
func (f *Filter) Add(key []byte) {
	m := uint64(len(f.bits)) * 8
	h1, h2 := murmur3.Sum128(key)
	for i := uint64(0); i < uint64(f.k); i++ {
		idx := (h1 + i*h2) % m
		f.bits[idx/8] |= 1 << (idx % 8)
	}
}

// Has reports whether key may have been added. False positives are possible,
// false negatives are not.
func (f *Filter) Has(key []byte) bool {
	m := uint64(len(f.bits)) * 8
	h1, h2 := murmur3.Sum128(key)
	for i := uint64(0); i < uint64(f.k); i++ {
		idx := (h1 + i*h2) % m
		if f.bits[idx/8]&(1<<(idx%8)) == 0 {
			return false
		}
	}
	return true
}

// Bytes returns the raw bit set.
func (f *Filter) Bytes() []byte { return f.bits }

// NumHashes returns the number of hash functions.
func (f *Filter) NumHashes() uint32 { return f.k }
