// Package node assembles a market node from its configuration: the trader
// key, the store, the ledger, the wallets, the websocket transport, the
// market reactor, the REST server and the Prometheus endpoint.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	dbm "github.com/tendermint/tm-db"

	"github.com/tendermint/market/config"
	"github.com/tendermint/market/internal/ledger"
	"github.com/tendermint/market/internal/market"
	"github.com/tendermint/market/internal/p2p"
	"github.com/tendermint/market/internal/rpc"
	"github.com/tendermint/market/internal/store"
	"github.com/tendermint/market/internal/wallet"
	"github.com/tendermint/market/libs/log"
	"github.com/tendermint/market/libs/service"
	"github.com/tendermint/market/types"
)

// Node is the highest level interface to a full market node.
// It includes all configuration information and running services.
type Node struct {
	service.BaseService
	logger log.Logger

	config  *config.Config
	nodeKey types.NodeKey
	clock   clock.Clock

	// network
	transport *p2p.WSTransport

	// services
	store     store.Store
	ledger    ledger.Ledger
	ledgerDB  dbm.DB
	wallets   *wallet.Registry
	reactor   *market.Reactor
	rpcServer *rpc.Server

	prometheusSrv      *http.Server
	prometheusListener net.Listener
	prometheusDone     chan error
}

// Option sets an optional parameter on the Node.
type Option func(*options)

type options struct {
	clock      clock.Clock
	dbProvider config.DBProvider
	bank       *wallet.Bank
	metrics    metricsProvider
}

// WithClock sets the clock of every time-driven component.
func WithClock(clk clock.Clock) Option {
	return func(o *options) { o.clock = clk }
}

// WithDBProvider overrides config.DefaultDBProvider.
func WithDBProvider(p config.DBProvider) Option {
	return func(o *options) { o.dbProvider = p }
}

// WithBank makes the dummy wallets of the node hold accounts in bank, so
// that several nodes of one process can pay each other.
func WithBank(bank *wallet.Bank) Option {
	return func(o *options) { o.bank = bank }
}

// New returns a market node for cfg. Nothing listens until the node is
// started.
func New(cfg *config.Config, logger log.Logger, opts ...Option) (*Node, error) {
	if err := cfg.ValidateBasic(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	o := &options{
		clock:      clock.New(),
		dbProvider: config.DefaultDBProvider,
		metrics:    defaultMetricsProvider(cfg.Instrumentation),
	}
	for _, opt := range opts {
		opt(o)
	}

	nodeKey, err := loadTraderKey(cfg)
	if err != nil {
		return nil, err
	}
	logger = logger.With("trader", nodeKey.TraderID.Short())

	var closers []closer
	fail := func(err error) (*Node, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			if cerr := closers[i].Close(); cerr != nil {
				logger.Error("failed to close", "err", cerr)
			}
		}
		return nil, err
	}

	st, err := createStore(cfg, o.dbProvider)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, st)

	l, ledgerDB, err := createLedger(logger, cfg, o.dbProvider)
	if err != nil {
		return fail(err)
	}
	if ledgerDB != nil {
		closers = append(closers, ledgerDB)
	}

	wallets, err := createWallets(cfg, o.clock, o.bank)
	if err != nil {
		return fail(err)
	}

	marketMetrics, txMetrics, p2pMetrics := o.metrics(nodeKey.TraderID)

	transport, err := createTransport(logger, cfg, nodeKey, p2pMetrics)
	if err != nil {
		return fail(err)
	}

	reactor, err := market.NewReactor(
		logger,
		marketConfig(cfg),
		o.clock,
		nodeKey.TraderID,
		transport.Channel(),
		transport.PeerUpdates(),
		st,
		l,
		wallets,
		market.WithMetrics(marketMetrics),
		market.WithSettlementMetrics(txMetrics),
	)
	if err != nil {
		return fail(err)
	}

	n := &Node{
		logger:    logger,
		config:    cfg,
		nodeKey:   nodeKey,
		clock:     o.clock,
		transport: transport,
		store:     st,
		ledger:    l,
		ledgerDB:  ledgerDB,
		wallets:   wallets,
		reactor:   reactor,
	}
	if cfg.RPC.ListenAddress != "" {
		n.rpcServer = rpc.NewServer(logger, rpcConfig(cfg), reactor, rpc.WithClock(o.clock))
	}
	if cfg.Instrumentation.Prometheus && cfg.Instrumentation.PrometheusListenAddr != "" {
		n.prometheusSrv = newPrometheusServer(cfg.Instrumentation)
	}
	n.BaseService = *service.NewBaseService(logger, "Node", n)
	return n, nil
}

// OnStart starts the Node. It implements service.Service.
func (n *Node) OnStart(ctx context.Context) error {
	now := n.clock.Now()
	if now.Before(time.Unix(0, 0)) {
		return errors.New("clock is before the unix epoch")
	}

	if n.prometheusSrv != nil {
		if err := n.startPrometheusServer(); err != nil {
			return err
		}
	}

	// Start the transport before the reactor so the reactor sees every
	// peer update.
	if err := n.transport.Start(ctx); err != nil {
		n.stopPrometheusServer()
		return err
	}
	if err := n.reactor.Start(ctx); err != nil {
		n.stopService(n.transport)
		n.stopPrometheusServer()
		return err
	}
	if n.rpcServer != nil {
		if err := n.rpcServer.Start(ctx); err != nil {
			n.stopService(n.reactor)
			n.stopService(n.transport)
			n.stopPrometheusServer()
			return err
		}
	}

	n.logger.Info("started market node",
		"moniker", n.config.Moniker,
		"p2p", n.transport.Addr(),
		"rpc", n.RPCAddr(),
		"matchmaker", n.config.Matchmaker,
	)
	return nil
}

// OnStop stops the Node. It implements service.Service.
func (n *Node) OnStop() {
	n.logger.Info("Stopping Node")

	if n.rpcServer != nil {
		n.stopService(n.rpcServer)
	}
	n.stopService(n.reactor)
	n.stopService(n.transport)
	n.stopPrometheusServer()

	if err := n.store.Close(); err != nil {
		n.logger.Error("problem closing store", "err", err)
	}
	if n.ledgerDB != nil {
		if err := n.ledgerDB.Close(); err != nil {
			n.logger.Error("problem closing ledger", "err", err)
		}
	}
}

func (n *Node) stopService(s service.Service) {
	if err := s.Stop(); err != nil && !errors.Is(err, service.ErrAlreadyStopped) {
		n.logger.Error("failed to stop service", "service", s.String(), "err", err)
	}
}

func (n *Node) startPrometheusServer() error {
	l, err := listen(n.prometheusSrv.Addr)
	if err != nil {
		return err
	}
	n.prometheusListener = l
	n.prometheusDone = make(chan error, 1)
	go func() {
		err := n.prometheusSrv.Serve(l)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		n.prometheusDone <- err
	}()
	return nil
}

func (n *Node) stopPrometheusServer() {
	if n.prometheusListener == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := n.prometheusSrv.Shutdown(ctx); err != nil {
		n.logger.Error("Prometheus HTTP server Shutdown", "err", err)
	}
	if err := <-n.prometheusDone; err != nil {
		n.logger.Error("Prometheus HTTP server stopped with error", "err", err)
	}
	n.prometheusListener = nil
}

// TraderID returns the id of the node's trader.
func (n *Node) TraderID() types.TraderID { return n.nodeKey.TraderID }

// Reactor returns the market reactor.
func (n *Node) Reactor() *market.Reactor { return n.reactor }

// Wallets returns the wallets the node trades with.
func (n *Node) Wallets() *wallet.Registry { return n.wallets }

// Config returns the node's configuration.
func (n *Node) Config() *config.Config { return n.config }

// P2PAddr returns the address the transport listens on, once started.
func (n *Node) P2PAddr() string { return n.transport.Addr() }

// RPCAddr returns the address of the REST server, or "" when it is
// disabled.
func (n *Node) RPCAddr() string {
	if n.rpcServer == nil {
		return ""
	}
	return n.rpcServer.Addr()
}

// PrometheusAddr returns the address of the metrics endpoint, or "" when it
// is disabled or not started.
func (n *Node) PrometheusAddr() string {
	if n.prometheusListener == nil {
		return ""
	}
	return n.prometheusListener.Addr().String()
}
