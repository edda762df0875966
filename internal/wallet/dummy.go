package wallet

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// Bank is an in-memory ledger shared by dummy wallets. Transfers between
// addresses of the same bank settle atomically; confirmation is reported
// after the bank's confirmation delay.
type Bank struct {
	mtx      sync.Mutex
	clock    clock.Clock
	delay    time.Duration
	accounts map[string]*account
	payments map[string]bankPayment
}

type bankPayment struct {
	to          string
	confirmedAt time.Time
}

type account struct {
	assetID string
	balance int64
}

// NewBank returns an empty bank. Payments are confirmed delay after the
// transfer.
func NewBank(clk clock.Clock, delay time.Duration) *Bank {
	return &Bank{
		clock:    clk,
		delay:    delay,
		accounts: make(map[string]*account),
		payments: make(map[string]bankPayment),
	}
}

// NewWallet opens an account holding balance of assetID and returns a
// wallet spending from it.
func (b *Bank) NewWallet(assetID string, minimumUnit, balance int64) *DummyWallet {
	if minimumUnit <= 0 {
		minimumUnit = 1
	}
	address := fmt.Sprintf("%s-%s", strings.ToLower(assetID), strings.ReplaceAll(uuid.NewString(), "-", "")[:16])
	b.mtx.Lock()
	b.accounts[address] = &account{assetID: assetID, balance: balance}
	b.mtx.Unlock()
	return &DummyWallet{bank: b, assetID: assetID, minimumUnit: minimumUnit, address: address}
}

// BalanceOf returns the balance held at address.
func (b *Bank) BalanceOf(address string) int64 {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if acc, ok := b.accounts[address]; ok {
		return acc.balance
	}
	return 0
}

func (b *Bank) transfer(from, to, assetID string, amount int64) (string, error) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	src, ok := b.accounts[from]
	if !ok {
		return "", fmt.Errorf("%w: unknown source %s", ErrTransferFailed, from)
	}
	dst, ok := b.accounts[to]
	if !ok || dst.assetID != assetID {
		return "", fmt.Errorf("%w: unknown %s address %s", ErrTransferFailed, assetID, to)
	}
	if src.balance < amount {
		return "", fmt.Errorf("%w: have %d, want %d", ErrInsufficientFunds, src.balance, amount)
	}
	src.balance -= amount
	dst.balance += amount
	id := uuid.NewString()
	b.payments[id] = bankPayment{to: to, confirmedAt: b.clock.Now().Add(b.delay)}
	return id, nil
}

func (b *Bank) payment(paymentID string) (bankPayment, bool) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	p, ok := b.payments[paymentID]
	return p, ok
}

// DummyWallet is a Wallet backed by a Bank account. Failures can be
// injected for tests.
type DummyWallet struct {
	mtx         sync.Mutex
	bank        *Bank
	assetID     string
	minimumUnit int64
	address     string

	locked       bool
	failAfter    int // successful transfers left before failing; -1 disables
	failInjected bool
}

var _ Wallet = (*DummyWallet)(nil)

func (w *DummyWallet) ID() string         { return w.assetID }
func (w *DummyWallet) MinimumUnit() int64 { return w.minimumUnit }
func (w *DummyWallet) Address() string    { return w.address }

// SetLocked makes every call fail with ErrWalletLocked.
func (w *DummyWallet) SetLocked(locked bool) {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	w.locked = locked
}

// FailAfter lets n more transfers succeed and fails every later one with
// ErrTransferFailed.
func (w *DummyWallet) FailAfter(n int) {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	w.failAfter = n
	w.failInjected = true
}

func (w *DummyWallet) Balance(ctx context.Context) (Balance, error) {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	if w.locked {
		return Balance{}, ErrWalletLocked
	}
	return Balance{Available: w.bank.BalanceOf(w.address)}, ctx.Err()
}

func (w *DummyWallet) Transfer(ctx context.Context, amount int64, address string) (string, error) {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if w.locked {
		return "", ErrWalletLocked
	}
	if amount <= 0 {
		return "", fmt.Errorf("%w: amount %d", ErrTransferFailed, amount)
	}
	if w.failInjected {
		if w.failAfter <= 0 {
			return "", fmt.Errorf("%w: injected", ErrTransferFailed)
		}
		w.failAfter--
	}
	return w.bank.transfer(w.address, address, w.assetID, amount)
}

func (w *DummyWallet) Monitor(ctx context.Context, paymentID string) error {
	p, ok := w.bank.payment(paymentID)
	if !ok || p.to != w.address {
		return fmt.Errorf("%w: %s", ErrUnknownPayment, paymentID)
	}
	wait := p.confirmedAt.Sub(w.bank.clock.Now())
	if wait <= 0 {
		return nil
	}
	timer := w.bank.clock.Timer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrConfirmationTimeout, ctx.Err())
	}
}
