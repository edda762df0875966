// Package wallet defines the capability the market uses to move assets, one
// Wallet per asset identifier.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrWalletLocked        = errors.New("wallet locked")
	ErrTransferFailed      = errors.New("transfer failed")
	ErrConfirmationTimeout = errors.New("payment confirmation timed out")
	ErrUnknownAsset        = errors.New("no wallet for asset")
	ErrUnknownPayment      = errors.New("unknown payment id")
)

// Balance of a wallet, in the asset's smallest unit.
type Balance struct {
	Available int64
	Pending   int64
}

// Wallet moves one asset. Calls may block on the underlying ledger and are
// made off the market's event loop; implementations serialise their own
// operations.
type Wallet interface {
	// ID is the asset identifier the wallet handles.
	ID() string
	// MinimumUnit is the smallest transferable amount. Transfers are
	// multiples of it, except for the final one of a transaction.
	MinimumUnit() int64
	Balance(ctx context.Context) (Balance, error)
	// Transfer initiates a payment and returns its payment id.
	Transfer(ctx context.Context, amount int64, address string) (string, error)
	// Monitor blocks until the payment is observed on the ledger or ctx is
	// done.
	Monitor(ctx context.Context, paymentID string) error
	// Address returns the address payments to this wallet are sent to.
	Address() string
}

// Registry maps asset identifiers to wallets.
type Registry struct {
	mtx     sync.RWMutex
	wallets map[string]Wallet
}

func NewRegistry(wallets ...Wallet) *Registry {
	r := &Registry{wallets: make(map[string]Wallet)}
	for _, w := range wallets {
		r.wallets[w.ID()] = w
	}
	return r
}

// Register adds w, replacing any wallet for the same asset.
func (r *Registry) Register(w Wallet) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.wallets[w.ID()] = w
}

// Get returns the wallet for assetID.
func (r *Registry) Get(assetID string) (Wallet, error) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	w, ok := r.wallets[assetID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAsset, assetID)
	}
	return w, nil
}

// Has reports whether a wallet handles assetID.
func (r *Registry) Has(assetID string) bool {
	_, err := r.Get(assetID)
	return err == nil
}

// Assets returns the registered asset ids, sorted.
func (r *Registry) Assets() []string {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	ids := make([]string, 0, len(r.wallets))
	for id := range r.wallets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
