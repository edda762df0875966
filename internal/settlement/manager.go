// Package settlement runs the per-trade settlement state machine: wallet
// information exchange followed by alternating incremental payments until
// both legs of the trade are transferred.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gogo/protobuf/proto"

	"github.com/tendermint/market/internal/ledger"
	"github.com/tendermint/market/internal/store"
	"github.com/tendermint/market/internal/wallet"
	"github.com/tendermint/market/libs/log"
	marketproto "github.com/tendermint/market/proto/market"
	"github.com/tendermint/market/types"
)

var (
	ErrUnknownTransaction   = errors.New("unknown transaction")
	ErrDuplicateTransaction = errors.New("transaction already exists")
	ErrUnexpectedSender     = errors.New("message not sent by the transaction partner")
	ErrDeadlineExceeded     = errors.New("partner did not respond before the deadline")
	ErrPartnerPaymentFailed = errors.New("partner reported a failed payment")
	ErrInvalidPayment       = errors.New("invalid incoming payment")
)

// Sender delivers a message to a trader without blocking. Headers are
// stamped by the sender.
type Sender interface {
	SendTo(to types.TraderID, msg proto.Message)
}

// Hooks are called on the event loop when a transaction reaches a terminal
// state. Each is called at most once per transaction.
type Hooks struct {
	Completed func(tx *types.Transaction)
	Failed    func(tx *types.Transaction, err error)
}

// Config holds the settlement parameters.
type Config struct {
	// FirstPaymentSize is the smallest meaningful first payment, in units
	// of the pay asset.
	FirstPaymentSize int64
	// Deadline is how long a transaction may go without progress before it
	// fails. Zero disables deadlines.
	Deadline time.Duration
}

func DefaultConfig() Config {
	return Config{
		FirstPaymentSize: 1,
		Deadline:         30 * time.Second,
	}
}

// Proposal is the agreed trade a transaction is started for.
type Proposal struct {
	ProposalID     uint32
	MyOrderID      types.OrderID
	PartnerOrderID types.OrderID
	Assets         types.AssetPair
	IsAsk          bool
}

type txState struct {
	tx *types.Transaction

	deadline   *clock.Timer
	generation uint64

	transferring bool
	incoming     map[string]int64 // payment id -> amount awaiting confirmation
	seen         map[string]bool  // incoming payment ids already accepted
}

func newTxState(tx *types.Transaction) *txState {
	st := &txState{
		tx:       tx,
		incoming: make(map[string]int64),
		seen:     make(map[string]bool),
	}
	for _, p := range tx.Payments {
		if p.TransferredAsset.AssetID == tx.ReceiveAsset() && p.ExternalPaymentID != "" {
			st.seen[p.ExternalPaymentID] = true
		}
	}
	return st
}

func (st *txState) pendingIncoming() int64 {
	var sum int64
	for _, amount := range st.incoming {
		sum += amount
	}
	return sum
}

// Manager owns the transactions of one trader. All methods except Stop
// must be called from the event loop that dispatch feeds; wallet and
// ledger calls run on their own goroutines and their results re-enter the
// loop through dispatch.
type Manager struct {
	logger   log.Logger
	clock    clock.Clock
	dispatch func(func())
	self     types.TraderID
	cfg      Config
	wallets  *wallet.Registry
	store    store.Store
	ledger   ledger.Ledger
	sender   Sender
	hooks    Hooks
	metrics  *Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	txs map[types.TransactionID]*txState
}

// Option sets an optional parameter on the Manager.
type Option func(*Manager)

func WithHooks(h Hooks) Option { return func(m *Manager) { m.hooks = h } }

func WithMetrics(metrics *Metrics) Option { return func(m *Manager) { m.metrics = metrics } }

func NewManager(
	logger log.Logger,
	clk clock.Clock,
	dispatch func(func()),
	self types.TraderID,
	cfg Config,
	wallets *wallet.Registry,
	st store.Store,
	l ledger.Ledger,
	sender Sender,
	opts ...Option,
) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		logger:   logger,
		clock:    clk,
		dispatch: dispatch,
		self:     self,
		cfg:      cfg,
		wallets:  wallets,
		store:    st,
		ledger:   l,
		sender:   sender,
		metrics:  NopMetrics(),
		ctx:      ctx,
		cancel:   cancel,
		txs:      make(map[types.TransactionID]*txState),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Stop cancels deadlines and in-flight wallet and ledger calls, and waits
// for their goroutines to return.
func (m *Manager) Stop() {
	m.cancel()
	m.wg.Wait()
}

// StopTimers cancels all deadlines. It must be called from the event loop.
func (m *Manager) StopTimers() {
	for _, st := range m.txs {
		m.stopDeadline(st)
	}
}

// Initiate creates a transaction for an agreed proposal on the side that
// accepted the final terms and sends StartTransaction to the partner. The
// initiator makes the first payment.
func (m *Manager) Initiate(p Proposal) (*types.Transaction, error) {
	myIn, myOut, err := m.addresses(p.Assets, p.IsAsk)
	if err != nil {
		return nil, err
	}
	number, err := m.store.NextTransactionNumber()
	if err != nil {
		return nil, err
	}
	id := types.TransactionID{TraderID: m.self, TransactionNumber: number}
	tx, err := types.NewTransaction(id, p.Assets, p.MyOrderID, p.PartnerOrderID, p.ProposalID,
		p.IsAsk, true, m.clock.Now())
	if err != nil {
		return nil, err
	}
	tx.MyIncomingAddress, tx.MyOutgoingAddress = myIn, myOut

	st := m.register(tx)
	m.persist(st)
	m.sender.SendTo(p.PartnerOrderID.TraderID, &marketproto.StartTransaction{
		ProposalID:       p.ProposalID,
		TransactionID:    id.ToProto(),
		OrderNumber:      p.MyOrderID.OrderNumber,
		RecipientOrderID: p.PartnerOrderID.ToProto(),
		Assets:           p.Assets.ToProto(),
	})
	m.appendRecord(id, ledger.TxInitRecord(tx), nil)
	m.armDeadline(st)

	m.logger.Info("started transaction", "tx", tx, "partner", p.PartnerOrderID)
	return tx.Copy(), nil
}

// Accept creates the transaction announced by a StartTransaction message
// and replies with this side's wallet information.
func (m *Manager) Accept(from types.TraderID, msg *marketproto.StartTransaction, isAsk bool) (*types.Transaction, error) {
	id, err := types.TransactionIDFromProto(msg.TransactionID)
	if err != nil {
		return nil, err
	}
	if id.TraderID != from {
		return nil, fmt.Errorf("%w: transaction %s started by %s", ErrUnexpectedSender, id, from)
	}
	if _, ok := m.txs[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateTransaction, id)
	}
	myOrder, err := types.OrderIDFromProto(msg.RecipientOrderID)
	if err != nil {
		return nil, err
	}
	if myOrder.TraderID != m.self {
		return nil, fmt.Errorf("%w: order %s is not ours", ErrUnexpectedSender, myOrder)
	}
	assets, err := types.AssetPairFromProto(msg.Assets)
	if err != nil {
		return nil, err
	}
	myIn, myOut, err := m.addresses(assets, isAsk)
	if err != nil {
		return nil, err
	}
	partnerOrder := types.OrderID{TraderID: from, OrderNumber: msg.OrderNumber}
	tx, err := types.NewTransaction(id, assets, myOrder, partnerOrder, msg.ProposalID,
		isAsk, false, m.clock.Now())
	if err != nil {
		return nil, err
	}
	tx.MyIncomingAddress, tx.MyOutgoingAddress = myIn, myOut

	st := m.register(tx)
	m.sendWalletInfo(st)
	m.persist(st)
	m.armDeadline(st)

	m.logger.Info("accepted transaction", "tx", tx, "partner", partnerOrder)
	return tx.Copy(), nil
}

// HandleWalletInfo records the partner's addresses and starts paying once
// both sides know each other's addresses.
func (m *Manager) HandleWalletInfo(from types.TraderID, msg *marketproto.WalletInfo) error {
	st, err := m.lookup(msg.TransactionID, from)
	if err != nil {
		return err
	}
	tx := st.tx
	if tx.State.IsTerminal() || tx.WalletInfoReceived {
		return nil
	}
	if msg.IncomingAddress == "" || msg.OutgoingAddress == "" {
		return types.ValidationError{Field: "wallet_info", Reason: "empty address"}
	}
	tx.PartnerIncomingAddress = msg.IncomingAddress
	tx.PartnerOutgoingAddress = msg.OutgoingAddress
	tx.WalletInfoReceived = true
	if !tx.WalletInfoSent {
		m.sendWalletInfo(st)
	}
	tx.State = types.TxStatePaying
	m.touch(st)
	m.persist(st)
	m.maybePay(st)
	return nil
}

// HandlePayment processes a payment announced by the partner. Successful
// payments are confirmed on the receiving wallet before they are recorded.
func (m *Manager) HandlePayment(from types.TraderID, msg *marketproto.Payment) error {
	st, err := m.lookup(msg.TransactionID, from)
	if err != nil {
		return err
	}
	tx := st.tx
	if tx.State.IsTerminal() {
		return nil
	}
	// a redelivered payment may already be confirmed and counted
	if msg.PaymentID != "" && st.seen[msg.PaymentID] {
		return nil
	}
	asset, err := types.AssetAmountFromProto(msg.TransferredAsset)
	if err != nil {
		return err
	}
	p := &types.Payment{
		TransactionID:     tx.ID,
		TransferredAsset:  asset,
		FromAddress:       msg.FromAddress,
		ToAddress:         msg.ToAddress,
		ExternalPaymentID: msg.PaymentID,
		Timestamp:         m.clock.Now(),
		Success:           msg.Success,
	}

	if !msg.Success {
		p.TransferredAsset.Amount = 0
		if asset.AssetID != tx.PayAsset() && asset.AssetID != tx.ReceiveAsset() {
			p.TransferredAsset.AssetID = tx.ReceiveAsset()
		}
		if err := tx.AddPayment(p); err != nil {
			m.logger.Error("failed to record failed payment", "tx", tx, "err", err)
		}
		m.metrics.Payments.With("direction", "received", "success", "false").Add(1)
		m.fail(st, ErrPartnerPaymentFailed)
		return nil
	}

	switch {
	case tx.State != types.TxStatePaying:
		return fmt.Errorf("%w: transaction %s is %s", ErrInvalidPayment, tx.ID, tx.State)
	case asset.AssetID != tx.ReceiveAsset():
		return fmt.Errorf("%w: asset %s, expected %s", ErrInvalidPayment, asset.AssetID, tx.ReceiveAsset())
	case asset.Amount <= 0:
		return fmt.Errorf("%w: amount %d", ErrInvalidPayment, asset.Amount)
	case asset.Amount+st.pendingIncoming() > tx.PartnerOwed().Amount:
		return fmt.Errorf("%w: %s exceeds outstanding %s", ErrInvalidPayment, asset, tx.PartnerOwed())
	case msg.ToAddress != tx.MyIncomingAddress:
		return fmt.Errorf("%w: paid to %s, expected %s", ErrInvalidPayment, msg.ToAddress, tx.MyIncomingAddress)
	case msg.PaymentID == "":
		return fmt.Errorf("%w: missing payment id", ErrInvalidPayment)
	}

	w, err := m.wallets.Get(asset.AssetID)
	if err != nil {
		m.failWithNotice(st, err)
		return nil
	}
	st.seen[msg.PaymentID] = true
	st.incoming[msg.PaymentID] = asset.Amount
	m.touch(st)

	id, deadline := tx.ID, m.cfg.Deadline
	m.async(func(ctx context.Context) func() {
		if deadline > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, deadline)
			defer cancel()
		}
		err := w.Monitor(ctx, p.ExternalPaymentID)
		return func() { m.onIncoming(id, p, err) }
	})
	return nil
}

func (m *Manager) onIncoming(id types.TransactionID, p *types.Payment, err error) {
	st, ok := m.txs[id]
	if !ok {
		return
	}
	delete(st.incoming, p.ExternalPaymentID)
	tx := st.tx
	if tx.State.IsTerminal() {
		return
	}
	if err != nil {
		m.logger.Error("incoming payment not confirmed", "tx", tx, "payment_id", p.ExternalPaymentID, "err", err)
		m.failWithNotice(st, err)
		return
	}
	if err := tx.AddPayment(p); err != nil {
		m.logger.Error("failed to record incoming payment", "tx", tx, "err", err)
		m.failWithNotice(st, err)
		return
	}
	m.metrics.Payments.With("direction", "received", "success", "true").Add(1)
	m.logger.Debug("received payment", "tx", tx, "amount", p.TransferredAsset)
	m.touch(st)
	m.persist(st)
	m.progress(st)
}

func (m *Manager) maybePay(st *txState) {
	tx := st.tx
	if tx.State != types.TxStatePaying || st.transferring || !IsMyTurn(tx) {
		return
	}
	w, err := m.wallets.Get(tx.PayAsset())
	if err != nil {
		m.failWithNotice(st, err)
		return
	}
	amount := NextPayment(tx, w.MinimumUnit(), m.cfg.FirstPaymentSize)
	if amount <= 0 {
		return
	}
	st.transferring = true

	id, from, to := tx.ID, tx.MyOutgoingAddress, tx.PartnerIncomingAddress
	m.async(func(ctx context.Context) func() {
		paymentID, err := w.Transfer(ctx, amount, to)
		return func() { m.onTransfer(id, amount, from, to, paymentID, err) }
	})
}

func (m *Manager) onTransfer(id types.TransactionID, amount int64, from, to, paymentID string, err error) {
	st, ok := m.txs[id]
	if !ok {
		return
	}
	st.transferring = false
	tx := st.tx
	p := &types.Payment{
		TransactionID:     id,
		TransferredAsset:  types.AssetAmount{Amount: amount, AssetID: tx.PayAsset()},
		FromAddress:       from,
		ToAddress:         to,
		ExternalPaymentID: paymentID,
		Timestamp:         m.clock.Now(),
		Success:           err == nil,
	}
	if rerr := tx.AddPayment(p); rerr != nil {
		m.logger.Error("failed to record outgoing payment", "tx", tx, "err", rerr)
	}
	m.sender.SendTo(tx.PartnerOrderID.TraderID, paymentMessage(p))
	m.metrics.Payments.With("direction", "sent", "success", strconv.FormatBool(p.Success)).Add(1)

	if err != nil {
		m.logger.Error("transfer failed", "tx", tx, "amount", p.TransferredAsset, "err", err)
		m.fail(st, fmt.Errorf("transfer: %w", err))
		return
	}
	m.logger.Debug("sent payment", "tx", tx, "amount", p.TransferredAsset)
	m.touch(st)
	m.persist(st)
	m.progress(st)
}

func (m *Manager) progress(st *txState) {
	if st.tx.State.IsTerminal() {
		return
	}
	if st.tx.IsComplete() {
		m.complete(st)
		return
	}
	m.maybePay(st)
}

func (m *Manager) complete(st *txState) {
	tx := st.tx
	tx.State = types.TxStateCompleted
	m.stopDeadline(st)
	m.persist(st)
	m.metrics.Transactions.With("status", "completed").Add(1)
	m.updateActive()
	m.logger.Info("transaction completed", "tx", tx)

	if m.hooks.Completed != nil {
		m.hooks.Completed(tx.Copy())
	}
	m.writeReceipt(st)
}

func (m *Manager) writeReceipt(st *txState) {
	id := st.tx.ID
	m.appendRecord(id, ledger.TxPaymentRecord(m.self, st.tx), func(err error) {
		st, ok := m.txs[id]
		if !ok || st.tx.Unreceipted == (err != nil) {
			return
		}
		st.tx.Unreceipted = err != nil
		m.persist(st)
	})
}

// appendRecord writes r off the loop. Failures are logged; onDone, if set,
// runs on the loop with the result.
func (m *Manager) appendRecord(id types.TransactionID, r ledger.Record, onDone func(error)) {
	m.async(func(ctx context.Context) func() {
		_, err := m.ledger.Append(ctx, r)
		if err == nil && onDone == nil {
			return nil
		}
		return func() {
			if err != nil {
				m.metrics.LedgerWriteFailures.Add(1)
				m.logger.Error("failed to write ledger record", "tx_id", id, "type", r.Type, "err", err)
			}
			if onDone != nil {
				onDone(err)
			}
		}
	})
}

// failWithNotice moves the transaction to ERROR after telling the partner
// through a failed payment.
func (m *Manager) failWithNotice(st *txState, err error) {
	tx := st.tx
	if tx.State.IsTerminal() {
		return
	}
	p := &types.Payment{
		TransactionID:    tx.ID,
		TransferredAsset: types.AssetAmount{AssetID: tx.PayAsset()},
		FromAddress:      tx.MyOutgoingAddress,
		ToAddress:        tx.PartnerIncomingAddress,
		Timestamp:        m.clock.Now(),
	}
	if rerr := tx.AddPayment(p); rerr != nil {
		m.logger.Error("failed to record failed payment", "tx", tx, "err", rerr)
	}
	m.sender.SendTo(tx.PartnerOrderID.TraderID, paymentMessage(p))
	m.metrics.Payments.With("direction", "sent", "success", "false").Add(1)
	m.fail(st, err)
}

func (m *Manager) fail(st *txState, err error) {
	tx := st.tx
	if tx.State.IsTerminal() {
		return
	}
	tx.State = types.TxStateError
	m.stopDeadline(st)
	m.persist(st)
	m.metrics.Transactions.With("status", "error").Add(1)
	m.updateActive()
	m.logger.Error("transaction failed", "tx", tx, "err", err)

	if m.hooks.Failed != nil {
		m.hooks.Failed(tx.Copy(), err)
	}
}

// Restore registers transactions loaded from the store. Deadlines of
// unfinished transactions are re-armed from their last activity and
// overdue ones fail; payments resume where they stopped, and completion
// receipts that were never written are retried.
func (m *Manager) Restore(txs []*types.Transaction) {
	for _, tx := range txs {
		if _, ok := m.txs[tx.ID]; ok {
			continue
		}
		st := m.register(tx)
		switch {
		case tx.State == types.TxStateCompleted && tx.Unreceipted:
			m.writeReceipt(st)
		case !tx.State.IsTerminal():
			m.armDeadline(st)
			m.maybePay(st)
		}
	}
	m.updateActive()
}

// Transaction returns a copy of the transaction with the given id.
func (m *Manager) Transaction(id types.TransactionID) (*types.Transaction, bool) {
	st, ok := m.txs[id]
	if !ok {
		return nil, false
	}
	return st.tx.Copy(), true
}

// Transactions returns copies of all transactions, oldest first.
func (m *Manager) Transactions() []*types.Transaction {
	txs := make([]*types.Transaction, 0, len(m.txs))
	for _, st := range m.txs {
		txs = append(txs, st.tx.Copy())
	}
	sort.Slice(txs, func(i, j int) bool {
		if !txs[i].CreatedAt.Equal(txs[j].CreatedAt) {
			return txs[i].CreatedAt.Before(txs[j].CreatedAt)
		}
		if txs[i].ID.TraderID != txs[j].ID.TraderID {
			return txs[i].ID.TraderID < txs[j].ID.TraderID
		}
		return txs[i].ID.TransactionNumber < txs[j].ID.TransactionNumber
	})
	return txs
}

// Active returns the number of unfinished transactions.
func (m *Manager) Active() int {
	var n int
	for _, st := range m.txs {
		if !st.tx.State.IsTerminal() {
			n++
		}
	}
	return n
}

func (m *Manager) register(tx *types.Transaction) *txState {
	st := newTxState(tx)
	m.txs[tx.ID] = st
	if !tx.State.IsTerminal() && tx.State != types.TxStateProposed {
		m.metrics.Transactions.With("status", "started").Add(1)
	}
	m.updateActive()
	return st
}

func (m *Manager) lookup(pb marketproto.OrderID, from types.TraderID) (*txState, error) {
	id, err := types.TransactionIDFromProto(pb)
	if err != nil {
		return nil, err
	}
	st, ok := m.txs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTransaction, id)
	}
	if st.tx.PartnerOrderID.TraderID != from {
		return nil, fmt.Errorf("%w: %s for %s", ErrUnexpectedSender, from, id)
	}
	return st, nil
}

// addresses returns the incoming address, where this side receives the
// asset it buys, and the outgoing address it pays from.
func (m *Manager) addresses(assets types.AssetPair, isAsk bool) (incoming, outgoing string, err error) {
	pay, receive := assets.First.AssetID, assets.Second.AssetID
	if !isAsk {
		pay, receive = receive, pay
	}
	in, err := m.wallets.Get(receive)
	if err != nil {
		return "", "", err
	}
	out, err := m.wallets.Get(pay)
	if err != nil {
		return "", "", err
	}
	return in.Address(), out.Address(), nil
}

func (m *Manager) sendWalletInfo(st *txState) {
	tx := st.tx
	m.sender.SendTo(tx.PartnerOrderID.TraderID, &marketproto.WalletInfo{
		TransactionID:   tx.ID.ToProto(),
		IncomingAddress: tx.MyIncomingAddress,
		OutgoingAddress: tx.MyOutgoingAddress,
	})
	tx.WalletInfoSent = true
	if tx.State == types.TxStateStarted {
		tx.State = types.TxStateWalletExchange
	}
}

func (m *Manager) persist(st *txState) {
	if err := m.store.SaveTransaction(st.tx); err != nil {
		m.logger.Error("failed to persist transaction", "tx", st.tx, "err", err)
	}
}

func (m *Manager) updateActive() {
	m.metrics.ActiveTransactions.Set(float64(m.Active()))
}

// touch records activity on the transaction and pushes its deadline back.
func (m *Manager) touch(st *txState) {
	st.tx.LastActivity = m.clock.Now()
	m.armDeadline(st)
}

func (m *Manager) armDeadline(st *txState) {
	m.stopDeadline(st)
	if m.cfg.Deadline <= 0 || st.tx.State.IsTerminal() {
		return
	}
	st.generation++
	id, gen := st.tx.ID, st.generation
	fire := func() { m.onDeadline(id, gen) }

	wait := st.tx.LastActivity.Add(m.cfg.Deadline).Sub(m.clock.Now())
	if wait < 0 {
		// overdue, possibly while restoring before the event loop runs
		wait = 0
	}
	st.deadline = m.clock.AfterFunc(wait, func() { m.dispatch(fire) })
}

func (m *Manager) stopDeadline(st *txState) {
	if st.deadline != nil {
		st.deadline.Stop()
		st.deadline = nil
	}
	st.generation++
}

func (m *Manager) onDeadline(id types.TransactionID, gen uint64) {
	st, ok := m.txs[id]
	if !ok || st.generation != gen || st.tx.State.IsTerminal() {
		return
	}
	st.deadline = nil
	m.failWithNotice(st, ErrDeadlineExceeded)
}

// async runs fn off the loop. The continuation fn returns, if any, is
// dispatched back to the loop unless the manager is stopping.
func (m *Manager) async(fn func(ctx context.Context) func()) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		next := fn(m.ctx)
		if next != nil && m.ctx.Err() == nil {
			m.dispatch(next)
		}
	}()
}

func paymentMessage(p *types.Payment) *marketproto.Payment {
	return &marketproto.Payment{
		TransactionID:    p.TransactionID.ToProto(),
		TransferredAsset: p.TransferredAsset.ToProto(),
		FromAddress:      p.FromAddress,
		ToAddress:        p.ToAddress,
		PaymentID:        p.ExternalPaymentID,
		Success:          p.Success,
	}
}
