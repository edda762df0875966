package settlement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fortytw2/leaktest"
	"github.com/gogo/protobuf/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	dbm "github.com/tendermint/tm-db"

	"github.com/tendermint/market/internal/ledger"
	"github.com/tendermint/market/internal/store"
	"github.com/tendermint/market/internal/wallet"
	"github.com/tendermint/market/libs/log"
	marketproto "github.com/tendermint/market/proto/market"
	"github.com/tendermint/market/types"
)

const testDeadline = 30 * time.Second

type delivery struct {
	from, to types.TraderID
	msg      proto.Message
}

// harness runs the managers of several traders on one queued event loop.
type harness struct {
	t      *testing.T
	clock  *clock.Mock
	queue  chan func()
	bank   *wallet.Bank
	ledger ledger.Ledger
	nodes  map[types.TraderID]*testNode

	delivered []delivery
	drop      func(d delivery) bool
}

type testNode struct {
	id      types.TraderID
	isAsk   bool
	mgr     *Manager
	store   store.Store
	wallets map[string]*wallet.DummyWallet

	completed []*types.Transaction
	failed    []error
}

type testSender struct {
	h    *harness
	from types.TraderID
}

func (s testSender) SendTo(to types.TraderID, msg proto.Message) {
	d := delivery{from: s.from, to: to, msg: msg}
	s.h.queue <- func() { s.h.deliver(d) }
}

func newHarness(t *testing.T, l ledger.Ledger) *harness {
	clk := clock.NewMock()
	clk.Set(genesis)
	if l == nil {
		l = ledger.NewMemLedger()
	}
	return &harness{
		t:      t,
		clock:  clk,
		queue:  make(chan func(), 1024),
		bank:   wallet.NewBank(clk, 0),
		ledger: l,
		nodes:  make(map[types.TraderID]*testNode),
	}
}

func (h *harness) dispatch(fn func()) { h.queue <- fn }

func (h *harness) addNode(name string, isAsk bool, balances map[string]int64) *testNode {
	st, err := store.Open(dbm.NewMemDB())
	require.NoError(h.t, err)
	n := &testNode{
		id:      types.MakeTraderID(name),
		isAsk:   isAsk,
		store:   st,
		wallets: make(map[string]*wallet.DummyWallet),
	}
	registry := wallet.NewRegistry()
	for _, asset := range []string{"A", "B"} {
		w := h.bank.NewWallet(asset, 1, balances[asset])
		n.wallets[asset] = w
		registry.Register(w)
	}
	n.mgr = NewManager(
		log.TestingLogger().With("trader", name),
		h.clock, h.dispatch, n.id,
		Config{FirstPaymentSize: 1, Deadline: testDeadline},
		registry, st, h.ledger, testSender{h: h, from: n.id},
		WithHooks(Hooks{
			Completed: func(tx *types.Transaction) { n.completed = append(n.completed, tx) },
			Failed:    func(_ *types.Transaction, err error) { n.failed = append(n.failed, err) },
		}),
	)
	h.t.Cleanup(n.mgr.Stop)
	h.nodes[n.id] = n
	return n
}

func (h *harness) deliver(d delivery) {
	if h.drop != nil && h.drop(d) {
		return
	}
	h.handle(d)
}

func (h *harness) handle(d delivery) {
	n, ok := h.nodes[d.to]
	if !ok {
		return
	}
	h.delivered = append(h.delivered, d)
	var err error
	switch msg := d.msg.(type) {
	case *marketproto.StartTransaction:
		_, err = n.mgr.Accept(d.from, msg, n.isAsk)
	case *marketproto.WalletInfo:
		err = n.mgr.HandleWalletInfo(d.from, msg)
	case *marketproto.Payment:
		err = n.mgr.HandlePayment(d.from, msg)
	default:
		h.t.Fatalf("unexpected message %T", msg)
	}
	require.NoError(h.t, err)
}

// runUntil runs queued events until cond holds.
func (h *harness) runUntil(cond func() bool) {
	h.t.Helper()
	for !cond() {
		select {
		case fn := <-h.queue:
			fn()
		case <-time.After(5 * time.Second):
			h.t.Fatal("timed out waiting for condition")
		}
	}
}

// drain runs queued events until the queue stays empty for a moment.
func (h *harness) drain() {
	for {
		select {
		case fn := <-h.queue:
			fn()
		case <-time.After(50 * time.Millisecond):
			return
		}
	}
}

func (n *testNode) tx(t *testing.T, id types.TransactionID) *types.Transaction {
	tx, ok := n.mgr.Transaction(id)
	require.True(t, ok)
	return tx
}

func amounts(tx *types.Transaction) []types.AssetAmount {
	var out []types.AssetAmount
	for _, p := range tx.Payments {
		if p.Success {
			out = append(out, p.TransferredAsset)
		}
	}
	return out
}

func setupTrade(t *testing.T, l ledger.Ledger) (*harness, *testNode, *testNode, Proposal) {
	h := newHarness(t, l)
	alice := h.addNode("alice", true, map[string]int64{"A": 100})
	bob := h.addNode("bob", false, map[string]int64{"B": 100})
	p := Proposal{
		ProposalID:     42,
		MyOrderID:      types.OrderID{TraderID: alice.id, OrderNumber: 1},
		PartnerOrderID: types.OrderID{TraderID: bob.id, OrderNumber: 3},
		Assets:         types.MustAssetPair(4, "A", 8, "B"),
		IsAsk:          true,
	}
	return h, alice, bob, p
}

func TestIncrementalSettlement(t *testing.T) {
	defer leaktest.Check(t)()

	h, alice, bob, p := setupTrade(t, nil)
	started, err := alice.mgr.Initiate(p)
	require.NoError(t, err)
	require.True(t, started.Initiator)
	require.Equal(t, types.TxStateStarted, started.State)

	h.runUntil(func() bool { return len(alice.completed) == 1 && len(bob.completed) == 1 })

	a := alice.tx(t, started.ID)
	b := bob.tx(t, started.ID)
	want := []types.AssetAmount{{Amount: 1, AssetID: "A"}, {Amount: 2, AssetID: "B"}, {Amount: 3, AssetID: "A"}, {Amount: 6, AssetID: "B"}}
	assert.Equal(t, want, amounts(a))
	assert.Equal(t, want, amounts(b))
	for _, tx := range []*types.Transaction{a, b} {
		assert.Equal(t, types.TxStateCompleted, tx.State)
		assert.Equal(t, types.TxStatusCompleted, tx.Status())
		assert.Equal(t, tx.Assets, tx.Transferred)
		assert.False(t, tx.Unreceipted)
	}
	assert.Equal(t, p.PartnerOrderID, b.MyOrderID)
	assert.Equal(t, p.MyOrderID, b.PartnerOrderID)
	assert.False(t, b.Initiator)

	assert.EqualValues(t, 96, h.bank.BalanceOf(alice.wallets["A"].Address()))
	assert.EqualValues(t, 8, h.bank.BalanceOf(alice.wallets["B"].Address()))
	assert.EqualValues(t, 4, h.bank.BalanceOf(bob.wallets["A"].Address()))
	assert.EqualValues(t, 92, h.bank.BalanceOf(bob.wallets["B"].Address()))

	// both sides persisted the final state
	stored, err := bob.store.LoadTransaction(started.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TxStateCompleted, stored.State)
	assert.Len(t, stored.Payments, 4)

	mem := h.ledger.(*ledger.MemLedger)
	require.Eventually(t, func() bool { return len(mem.Records(ledger.KindTxPayment)) == 2 },
		time.Second, 10*time.Millisecond)
	assert.Len(t, mem.Records(ledger.KindTxInit), 1)
	assert.Empty(t, alice.failed)
	assert.Empty(t, bob.failed)
}

func TestRedeliveredConfirmedPaymentIsIgnored(t *testing.T) {
	h, alice, bob, p := setupTrade(t, nil)
	var first *marketproto.Payment
	h.drop = func(d delivery) bool {
		if msg, ok := d.msg.(*marketproto.Payment); ok && first == nil && d.to == bob.id {
			first = msg
		}
		return false
	}

	started, err := alice.mgr.Initiate(p)
	require.NoError(t, err)
	// bob has received and confirmed all of the A it is owed
	h.runUntil(func() bool {
		tx, ok := bob.mgr.Transaction(started.ID)
		return ok && len(amounts(tx)) == 3
	})
	require.NotNil(t, first)
	before := bob.tx(t, started.ID)
	require.Zero(t, before.PartnerOwed().Amount)

	require.NoError(t, bob.mgr.HandlePayment(alice.id, first))
	after := bob.tx(t, started.ID)
	assert.Equal(t, before.Transferred, after.Transferred)
	assert.Len(t, after.Payments, len(before.Payments))

	h.runUntil(func() bool { return len(alice.completed) == 1 && len(bob.completed) == 1 })
}

func TestWalletFailureMovesToError(t *testing.T) {
	h, alice, bob, p := setupTrade(t, nil)
	alice.wallets["A"].FailAfter(1)

	started, err := alice.mgr.Initiate(p)
	require.NoError(t, err)
	h.runUntil(func() bool { return len(alice.failed) == 1 && len(bob.failed) == 1 })
	h.drain()

	require.True(t, errors.Is(alice.failed[0], wallet.ErrTransferFailed))
	require.True(t, errors.Is(bob.failed[0], ErrPartnerPaymentFailed))

	for _, n := range []*testNode{alice, bob} {
		tx := n.tx(t, started.ID)
		assert.Equal(t, types.TxStateError, tx.State)
		assert.Equal(t, types.TxStatusError, tx.Status())
		assert.Equal(t, types.MustAssetPair(1, "A", 2, "B"), tx.Transferred)
		assert.Empty(t, n.completed)
	}

	var failedNotices, payments int
	for _, d := range h.delivered {
		if msg, ok := d.msg.(*marketproto.Payment); ok {
			payments++
			if !msg.Success {
				failedNotices++
				assert.Equal(t, alice.id, d.from)
			}
		}
	}
	assert.Equal(t, 1, failedNotices)
	assert.Equal(t, 3, payments, "no payment follows the failure")
}

func TestDeadline(t *testing.T) {
	h, alice, bob, p := setupTrade(t, nil)
	// bob never answers
	h.drop = func(d delivery) bool { return d.to == bob.id }

	started, err := alice.mgr.Initiate(p)
	require.NoError(t, err)
	h.drain()
	require.Empty(t, alice.failed)

	h.clock.Add(testDeadline - time.Second)
	h.drain()
	require.Empty(t, alice.failed)

	h.clock.Add(time.Second)
	h.runUntil(func() bool { return len(alice.failed) == 1 })
	require.True(t, errors.Is(alice.failed[0], ErrDeadlineExceeded))
	require.Equal(t, types.TxStateError, alice.tx(t, started.ID).State)
}

func TestDeadlineResetsOnActivity(t *testing.T) {
	h, alice, bob, p := setupTrade(t, nil)

	// hold bob's payments so alice keeps waiting on him
	var held []delivery
	h.drop = func(d delivery) bool {
		if msg, ok := d.msg.(*marketproto.Payment); ok && d.from == bob.id && msg.Success {
			held = append(held, d)
			return true
		}
		return false
	}
	started, err := alice.mgr.Initiate(p)
	require.NoError(t, err)
	h.runUntil(func() bool { return len(held) == 1 })
	h.drain()

	h.clock.Add(testDeadline - time.Second)
	h.drain()
	h.handle(held[0])
	h.runUntil(func() bool { return len(held) == 2 })
	h.drain()

	// without the reset alice would have failed at the original deadline
	h.clock.Add(2 * time.Second)
	h.drain()
	require.Empty(t, alice.failed)
	require.Empty(t, bob.failed)

	h.handle(held[1])
	h.runUntil(func() bool { return len(alice.completed) == 1 && len(bob.completed) == 1 })
	require.Equal(t, types.TxStateCompleted, alice.tx(t, started.ID).State)
}

func TestRejectsBadMessages(t *testing.T) {
	h, alice, bob, p := setupTrade(t, nil)
	h.drop = func(delivery) bool { return true }

	started, err := alice.mgr.Initiate(p)
	require.NoError(t, err)
	txID := started.ID.ToProto()

	err = alice.mgr.HandleWalletInfo(types.MakeTraderID("mallory"), &marketproto.WalletInfo{
		TransactionID: txID, IncomingAddress: "x", OutgoingAddress: "y",
	})
	require.True(t, errors.Is(err, ErrUnexpectedSender))

	err = alice.mgr.HandlePayment(bob.id, &marketproto.Payment{
		TransactionID: marketproto.OrderID{TraderID: string(alice.id), Number: 99},
	})
	require.True(t, errors.Is(err, ErrUnknownTransaction))

	err = alice.mgr.HandleWalletInfo(bob.id, &marketproto.WalletInfo{TransactionID: txID})
	require.True(t, types.IsValidationError(err))

	require.NoError(t, alice.mgr.HandleWalletInfo(bob.id, &marketproto.WalletInfo{
		TransactionID:   txID,
		IncomingAddress: bob.wallets["A"].Address(),
		OutgoingAddress: bob.wallets["B"].Address(),
	}))
	in := alice.wallets["B"].Address()

	testCases := []struct {
		name string
		msg  *marketproto.Payment
	}{
		{"wrong asset", &marketproto.Payment{TransferredAsset: marketproto.AssetAmount{Amount: 1, AssetID: "A"}, ToAddress: in, PaymentID: "p"}},
		{"zero amount", &marketproto.Payment{TransferredAsset: marketproto.AssetAmount{Amount: 0, AssetID: "B"}, ToAddress: in, PaymentID: "p"}},
		{"over payment", &marketproto.Payment{TransferredAsset: marketproto.AssetAmount{Amount: 9, AssetID: "B"}, ToAddress: in, PaymentID: "p"}},
		{"wrong address", &marketproto.Payment{TransferredAsset: marketproto.AssetAmount{Amount: 1, AssetID: "B"}, ToAddress: "elsewhere", PaymentID: "p"}},
		{"missing payment id", &marketproto.Payment{TransferredAsset: marketproto.AssetAmount{Amount: 1, AssetID: "B"}, ToAddress: in}},
	}
	for _, tc := range testCases {
		tc.msg.TransactionID = txID
		tc.msg.Success = true
		err := alice.mgr.HandlePayment(bob.id, tc.msg)
		assert.True(t, errors.Is(err, ErrInvalidPayment), tc.name)
	}

	_, err = bob.mgr.Accept(alice.id, &marketproto.StartTransaction{
		TransactionID:    marketproto.OrderID{TraderID: string(bob.id), Number: 1},
		RecipientOrderID: p.PartnerOrderID.ToProto(),
		Assets:           p.Assets.ToProto(),
	}, false)
	require.True(t, errors.Is(err, ErrUnexpectedSender))
}

type failingLedger struct{}

func (failingLedger) Append(context.Context, ledger.Record) (ledger.Receipt, error) {
	return ledger.Receipt{}, ledger.ErrWrite
}

func TestUnreceiptedOnLedgerFailure(t *testing.T) {
	h, alice, bob, p := setupTrade(t, failingLedger{})
	started, err := alice.mgr.Initiate(p)
	require.NoError(t, err)

	h.runUntil(func() bool {
		a, okA := alice.mgr.Transaction(started.ID)
		b, okB := bob.mgr.Transaction(started.ID)
		return okA && okB && a.Unreceipted && b.Unreceipted
	})
	for _, n := range []*testNode{alice, bob} {
		tx := n.tx(t, started.ID)
		assert.Equal(t, types.TxStateCompleted, tx.State, "stays completed")
		stored, err := n.store.LoadTransaction(started.ID)
		require.NoError(t, err)
		assert.True(t, stored.Unreceipted)
	}
}

func TestRestore(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.addNode("alice", true, map[string]int64{"A": 100})
	bob := types.OrderID{TraderID: types.MakeTraderID("bob"), OrderNumber: 1}
	mine := types.OrderID{TraderID: alice.id, OrderNumber: 1}

	overdue, err := types.NewTransaction(types.TransactionID{TraderID: alice.id, TransactionNumber: 1},
		types.MustAssetPair(4, "A", 8, "B"), mine, bob, 1, true, true, genesis.Add(-time.Hour))
	require.NoError(t, err)
	overdue.State = types.TxStateWalletExchange

	pending, err := types.NewTransaction(types.TransactionID{TraderID: alice.id, TransactionNumber: 2},
		types.MustAssetPair(4, "A", 8, "B"), mine, bob, 2, true, true, genesis)
	require.NoError(t, err)
	pending.State = types.TxStateWalletExchange

	unreceipted, err := types.NewTransaction(types.TransactionID{TraderID: alice.id, TransactionNumber: 3},
		types.MustAssetPair(4, "A", 8, "B"), mine, bob, 3, true, true, genesis)
	require.NoError(t, err)
	unreceipted.State = types.TxStateCompleted
	unreceipted.Transferred = unreceipted.Assets
	unreceipted.Unreceipted = true

	alice.mgr.Restore([]*types.Transaction{overdue, pending, unreceipted})
	require.Equal(t, 2, alice.mgr.Active())
	// overdue deadlines fire on the next clock tick
	h.clock.Add(0)

	h.runUntil(func() bool { return len(alice.failed) == 1 })
	require.True(t, errors.Is(alice.failed[0], ErrDeadlineExceeded))
	require.Equal(t, types.TxStateError, alice.tx(t, overdue.ID).State)

	// the pending one keeps its deadline
	h.drain()
	require.Equal(t, types.TxStateWalletExchange, alice.tx(t, pending.ID).State)
	h.clock.Add(testDeadline)
	h.runUntil(func() bool { return len(alice.failed) == 2 })

	h.runUntil(func() bool { return !alice.tx(t, unreceipted.ID).Unreceipted })
	mem := h.ledger.(*ledger.MemLedger)
	assert.Len(t, mem.Records(ledger.KindTxPayment), 1)

	txs := alice.mgr.Transactions()
	require.Len(t, txs, 3)
	assert.Equal(t, overdue.ID, txs[0].ID)
}

func TestRestoreManyOverdueDoesNotBlock(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.addNode("alice", true, map[string]int64{"A": 100})
	bob := types.OrderID{TraderID: types.MakeTraderID("bob"), OrderNumber: 1}
	mine := types.OrderID{TraderID: alice.id, OrderNumber: 1}

	count := cap(h.queue) + 10
	txs := make([]*types.Transaction, 0, count)
	for i := 1; i <= count; i++ {
		tx, err := types.NewTransaction(types.TransactionID{TraderID: alice.id, TransactionNumber: uint64(i)},
			types.MustAssetPair(4, "A", 8, "B"), mine, bob, uint32(i), true, true, genesis.Add(-time.Hour))
		require.NoError(t, err)
		tx.State = types.TxStateWalletExchange
		txs = append(txs, tx)
	}

	done := make(chan struct{})
	go func() {
		alice.mgr.Restore(txs)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("restore blocked on overdue deadlines")
	}
	assert.Equal(t, count, alice.mgr.Active())
}
