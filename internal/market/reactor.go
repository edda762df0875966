// Package market is the core of a trader node. Its Reactor owns the order
// book, the matching engine, the trader's orders, the trade negotiations and
// the settlement manager, and serialises every state change on one event
// loop. Peers are reached through a p2p Channel; wallet and ledger I/O run
// on their own goroutines and report back through the loop.
package market

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gogo/protobuf/proto"
	lru "github.com/hashicorp/golang-lru"

	"github.com/tendermint/market/internal/ledger"
	"github.com/tendermint/market/internal/matching"
	"github.com/tendermint/market/internal/orderbook"
	"github.com/tendermint/market/internal/p2p"
	"github.com/tendermint/market/internal/settlement"
	"github.com/tendermint/market/internal/store"
	"github.com/tendermint/market/internal/wallet"
	"github.com/tendermint/market/libs/log"
	tmrand "github.com/tendermint/market/libs/rand"
	"github.com/tendermint/market/libs/service"
	tmsync "github.com/tendermint/market/libs/sync"
	marketproto "github.com/tendermint/market/proto/market"
	"github.com/tendermint/market/types"
)

var _ service.Service = (*Reactor)(nil)

const eventQueueSize = 1024

var (
	ErrStopped             = errors.New("market reactor is not running")
	ErrOrderNotFound       = errors.New("order not found")
	ErrOrderNotOpen        = errors.New("order is not open")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrUnknownProposal     = errors.New("unknown proposal")
	ErrUnknownRequest      = errors.New("unknown order status request")
)

// Reactor is the market service of one trader. All fields below the event
// queue are owned by the event loop.
type Reactor struct {
	service.BaseService
	logger log.Logger

	cfg         Config
	clock       clock.Clock
	self        types.TraderID
	channel     *p2p.Channel
	peerUpdates *p2p.PeerUpdates
	store       store.Store
	ledger      ledger.Ledger
	wallets     *wallet.Registry
	metrics     *Metrics
	txMetrics   *settlement.Metrics

	events chan func()
	closer *tmsync.Closer
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	book       *orderbook.OrderBook
	engine     *matching.Engine
	settlement *settlement.Manager

	orders      map[types.OrderID]*types.Order
	cancelledAt map[types.OrderID]time.Time
	cancelled   *lru.Cache // remote order ids seen cancelled
	seen        *lru.Cache // message headers already processed
	peers       map[types.TraderID]*peer

	proposals map[uint32]*proposal     // sent by us, keyed by proposal id
	counters  map[counterKey]*proposal // countered by us, awaiting StartTransaction
	held      map[types.TransactionID]int64
	// traded quantity of the partner tick before each transaction, so a
	// tick refreshed by the partner's own gossip is not filled twice
	partnerBase map[types.TransactionID]int64

	statusRequests map[uint32]*statusRequest

	msgNumber uint64
	rng       interface{ Uint32() uint32 }
}

type peer struct {
	address    string
	matchmaker bool
	connected  bool
}

type seenKey struct {
	trader    string
	number    uint64
	timestamp int64
}

// Option sets an optional parameter on the Reactor.
type Option func(*Reactor)

// WithMetrics sets the market metrics.
func WithMetrics(metrics *Metrics) Option {
	return func(r *Reactor) { r.metrics = metrics }
}

// WithSettlementMetrics sets the metrics of the settlement manager.
func WithSettlementMetrics(metrics *settlement.Metrics) Option {
	return func(r *Reactor) { r.txMetrics = metrics }
}

// NewReactor returns a market reactor for the trader self. The channel and
// peer updates come from a p2p.MemoryNetwork or a p2p.WSTransport; the
// wallet registry must hold a wallet for every asset the trader trades.
func NewReactor(
	logger log.Logger,
	cfg Config,
	clk clock.Clock,
	self types.TraderID,
	channel *p2p.Channel,
	peerUpdates *p2p.PeerUpdates,
	st store.Store,
	l ledger.Ledger,
	wallets *wallet.Registry,
	options ...Option,
) (*Reactor, error) {
	if err := cfg.ValidateBasic(); err != nil {
		return nil, fmt.Errorf("invalid market config: %w", err)
	}
	if err := self.ValidateBasic(); err != nil {
		return nil, err
	}
	seen, err := lru.New(cfg.SeenCacheSize)
	if err != nil {
		return nil, err
	}
	cancelled, err := lru.New(cfg.SeenCacheSize)
	if err != nil {
		return nil, err
	}

	r := &Reactor{
		logger:         logger.With("module", "market"),
		cfg:            cfg,
		clock:          clk,
		self:           self,
		channel:        channel,
		peerUpdates:    peerUpdates,
		store:          st,
		ledger:         l,
		wallets:        wallets,
		metrics:        NopMetrics(),
		txMetrics:      settlement.NopMetrics(),
		events:         make(chan func(), eventQueueSize),
		closer:         tmsync.NewCloser(),
		orders:         make(map[types.OrderID]*types.Order),
		cancelledAt:    make(map[types.OrderID]time.Time),
		cancelled:      cancelled,
		seen:           seen,
		peers:          make(map[types.TraderID]*peer),
		proposals:      make(map[uint32]*proposal),
		counters:       make(map[counterKey]*proposal),
		held:           make(map[types.TransactionID]int64),
		partnerBase:    make(map[types.TransactionID]int64),
		statusRequests: make(map[uint32]*statusRequest),
		rng:            tmrand.NewRand(),
	}
	for _, opt := range options {
		opt(r)
	}

	r.book = orderbook.New(logger.With("module", "orderbook"), clk, r.dispatch,
		orderbook.WithExpiryCallback(r.onTickExpired))
	r.engine = matching.NewEngine(logger.With("module", "matching"), r.book, cfg.BlockWindow)
	r.settlement = settlement.NewManager(
		logger.With("module", "settlement"),
		clk,
		r.dispatch,
		self,
		cfg.Settlement,
		wallets,
		st,
		l,
		sender{r},
		settlement.WithHooks(settlement.Hooks{
			Completed: r.onTransactionCompleted,
			Failed:    r.onTransactionFailed,
		}),
		settlement.WithMetrics(r.txMetrics),
	)
	r.BaseService = *service.NewBaseService(logger, "Market", r)
	return r, nil
}

// OnStart restores the persisted state and starts the event loop, the
// channel and peer update readers, and the periodic sync.
func (r *Reactor) OnStart(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)
	if err := r.restore(); err != nil {
		r.cancel()
		return fmt.Errorf("restore market state: %w", err)
	}

	r.wg.Add(4)
	go r.run()
	go r.processCh(r.ctx)
	go r.processPeerUpdates(r.ctx)
	go r.runTicker(r.ctx, r.cfg.SyncInterval, r.onSyncTick)
	return nil
}

// OnStop stops the loop and waits for every goroutine the reactor started.
// Transactions in flight stay persisted and resume after a restart.
func (r *Reactor) OnStop() {
	r.cancel()
	r.closer.Close()
	r.wg.Wait()

	r.settlement.Stop()
	r.settlement.StopTimers()
	for _, p := range r.proposals {
		p.stop()
	}
	for _, p := range r.counters {
		p.stop()
	}
	r.book.Stop()
}

// dispatch queues fn for the event loop. Work queued after the reactor
// stopped is dropped.
func (r *Reactor) dispatch(fn func()) {
	select {
	case r.events <- fn:
	case <-r.closer.Done():
	}
}

// after runs fn on the event loop once d elapsed.
func (r *Reactor) after(d time.Duration, fn func()) *clock.Timer {
	return r.clock.AfterFunc(d, func() { r.dispatch(fn) })
}

// call runs fn on the event loop and waits for it to return.
func (r *Reactor) call(ctx context.Context, fn func()) error {
	if !r.IsRunning() {
		return ErrStopped
	}
	done := make(chan struct{})
	select {
	case r.events <- func() { defer close(done); fn() }:
	case <-r.closer.Done():
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-r.closer.Done():
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Reactor) run() {
	defer r.wg.Done()
	for {
		select {
		case fn := <-r.events:
			fn()
			r.updateGauges()
		case <-r.closer.Done():
			return
		}
	}
}

// processCh feeds inbound envelopes to the event loop.
func (r *Reactor) processCh(ctx context.Context) {
	defer r.wg.Done()
	iter := r.channel.Receive(ctx)
	for iter.Next(ctx) {
		envelope := *iter.Envelope()
		r.dispatch(func() { r.handleEnvelope(envelope) })
	}
}

// processPeerUpdates feeds peer status changes to the event loop.
func (r *Reactor) processPeerUpdates(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.peerUpdates.Done():
			return
		case update := <-r.peerUpdates.Updates():
			r.dispatch(func() { r.processPeerUpdate(update) })
		}
	}
}

func (r *Reactor) runTicker(ctx context.Context, d time.Duration, fn func()) {
	defer r.wg.Done()
	ticker := r.clock.Ticker(d)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.dispatch(fn)
		}
	}
}

func (r *Reactor) processPeerUpdate(update p2p.PeerUpdate) {
	r.logger.Debug("received peer update", "peer", update.NodeID, "status", update.Status)
	p := r.peer(update.NodeID)
	switch update.Status {
	case p2p.PeerStatusUp:
		p.connected = true
		r.send(update.NodeID, &marketproto.Info{Address: r.cfg.Address, IsMatchmaker: r.cfg.Matchmaker})
		r.sendSync(update.NodeID)
	case p2p.PeerStatusDown:
		p.connected = false
	}
}

func (r *Reactor) peer(id types.TraderID) *peer {
	p, ok := r.peers[id]
	if !ok {
		p = &peer{}
		r.peers[id] = p
	}
	return p
}

// handleEnvelope processes one inbound envelope. Malformed messages are
// dropped and their sender reported to the transport.
func (r *Reactor) handleEnvelope(envelope p2p.Envelope) {
	err := r.handleMessage(envelope)
	if err == nil {
		return
	}
	if !types.IsValidationError(err) {
		r.logger.Debug("ignored message", "peer", envelope.From, "message", fmt.Sprintf("%T", envelope.Message), "err", err)
		return
	}
	r.metrics.DroppedMessages.With("reason", "invalid").Add(1)
	r.logger.Error("failed to process message", "peer", envelope.From, "message", fmt.Sprintf("%T", envelope.Message), "err", err)
	if err := r.channel.SendError(r.ctx, p2p.PeerError{NodeID: envelope.From, Err: err}); err != nil {
		r.logger.Debug("failed to report peer error", "peer", envelope.From, "err", err)
	}
}

// handleMessage handles an Envelope sent from a peer. It recovers from
// panics in the handlers and returns them as errors.
func (r *Reactor) handleMessage(envelope p2p.Envelope) (err error) {
	defer func() {
		if e := recover(); e != nil {
			err = fmt.Errorf("panic in processing message: %v", e)
		}
	}()

	from := envelope.From
	hc, ok := envelope.Message.(marketproto.HeaderCarrier)
	if !ok {
		return types.ValidationError{Field: "message", Reason: fmt.Sprintf("unexpected message %T", envelope.Message)}
	}
	header := hc.GetHeader()
	if types.TraderID(header.TraderID) != from {
		return types.ValidationError{Field: "trader_id", Reason: fmt.Sprintf("header %q sent by %q", header.TraderID, from)}
	}
	key := seenKey{trader: header.TraderID, number: header.MessageNumber, timestamp: header.Timestamp}
	if ok, _ := r.seen.ContainsOrAdd(key, struct{}{}); ok {
		r.metrics.DroppedMessages.With("reason", "duplicate").Add(1)
		return nil
	}

	switch msg := envelope.Message.(type) {
	case *marketproto.Info:
		return r.handleInfo(from, msg)
	case *marketproto.Tick:
		return r.handleTick(from, msg)
	case *marketproto.CancelOrder:
		return r.handleCancelOrder(from, msg)
	case *marketproto.OrderbookSync:
		return r.handleOrderbookSync(from, msg)
	case *marketproto.Match:
		return r.handleMatch(from, msg)
	case *marketproto.AcceptMatch:
		return r.handleAcceptMatch(from, msg)
	case *marketproto.DeclineMatch:
		return r.handleDeclineMatch(from, msg)
	case *marketproto.ProposedTrade:
		return r.handleProposedTrade(from, msg)
	case *marketproto.CounterTrade:
		return r.handleCounterTrade(from, msg)
	case *marketproto.DeclinedTrade:
		return r.handleDeclinedTrade(from, msg)
	case *marketproto.StartTransaction:
		return r.handleStartTransaction(from, msg)
	case *marketproto.WalletInfo:
		return r.settlement.HandleWalletInfo(from, msg)
	case *marketproto.Payment:
		return r.settlement.HandlePayment(from, msg)
	case *marketproto.OrderStatusRequest:
		return r.handleOrderStatusRequest(from, msg)
	case *marketproto.OrderStatusResponse:
		return r.handleOrderStatusResponse(from, msg)
	default:
		return types.ValidationError{Field: "message", Reason: fmt.Sprintf("unexpected message %T", msg)}
	}
}

// stamp fills in the header of an outgoing message.
func (r *Reactor) stamp(msg proto.Message) {
	hc, ok := msg.(marketproto.HeaderCarrier)
	if !ok {
		return
	}
	r.msgNumber++
	*hc.GetHeader() = marketproto.Header{
		TraderID:      string(r.self),
		MessageNumber: r.msgNumber,
		Timestamp:     types.TimeToMillis(r.clock.Now()),
	}
}

func (r *Reactor) send(to types.TraderID, msg proto.Message) {
	r.stamp(msg)
	if err := r.channel.Send(r.ctx, p2p.Envelope{To: to, Message: msg}); err != nil {
		r.logger.Debug("failed to send message", "to", to, "message", fmt.Sprintf("%T", msg), "err", err)
	}
}

func (r *Reactor) broadcast(msg proto.Message) {
	r.stamp(msg)
	if err := r.channel.Send(r.ctx, p2p.Envelope{Broadcast: true, Message: msg}); err != nil {
		r.logger.Debug("failed to broadcast message", "message", fmt.Sprintf("%T", msg), "err", err)
	}
}

// sender lets the settlement manager send through the reactor, which stamps
// the headers.
type sender struct{ r *Reactor }

func (s sender) SendTo(to types.TraderID, msg proto.Message) { s.r.send(to, msg) }

// appendLedger writes a record off the loop.
func (r *Reactor) appendLedger(rec ledger.Record) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if _, err := r.ledger.Append(r.ctx, rec); err != nil {
			r.metrics.LedgerWriteFailures.Add(1)
			r.logger.Error("failed to write ledger record", "type", rec.Type, "err", err)
		}
	}()
}

func (r *Reactor) incident(op string, err error) {
	r.metrics.Incidents.Add(1)
	r.logger.Error("accounting incident", "op", op, "err", err)
}

func (r *Reactor) saveOrder(o *types.Order) {
	if err := r.store.SaveOrder(o); err != nil {
		r.logger.Error("failed to persist order", "order", o, "err", err)
	}
}

// persistTick stores the book's current tick of the order, or deletes the
// stored tick when the order left the book.
func (r *Reactor) persistTick(id types.OrderID) {
	var err error
	if t := r.book.Tick(id); t != nil {
		err = r.store.SaveTick(t)
	} else {
		err = r.store.DeleteTick(id)
	}
	if err != nil {
		r.logger.Error("failed to persist tick", "order_id", id, "err", err)
	}
}

// ownOrders returns the trader's orders, oldest first.
func (r *Reactor) ownOrders() []*types.Order {
	orders := make([]*types.Order, 0, len(r.orders))
	for _, o := range r.orders {
		orders = append(orders, o)
	}
	sort.Slice(orders, func(i, j int) bool {
		if !orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].CreatedAt.Before(orders[j].CreatedAt)
		}
		return orders[i].ID.Less(orders[j].ID)
	})
	return orders
}

func (r *Reactor) updateGauges() {
	now := r.clock.Now()
	var open int
	for _, o := range r.orders {
		if o.Status(now) == types.OrderStatusOpen {
			open++
		}
	}
	r.metrics.OpenOrders.Set(float64(open))
	for side, s := range map[string]*orderbook.Side{"ask": r.book.Asks(), "bid": r.book.Bids()} {
		var depth int64
		for _, m := range s.Markets() {
			s.Ascend(m, func(l *orderbook.PriceLevel) bool {
				depth += l.Depth()
				return true
			})
		}
		r.metrics.BookTicks.With("side", side).Set(float64(s.Len()))
		r.metrics.BookDepth.With("side", side).Set(float64(depth))
	}
}
