package node

import (
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dbm "github.com/tendermint/tm-db"

	"github.com/tendermint/market/config"
	"github.com/tendermint/market/internal/ledger"
	"github.com/tendermint/market/internal/market"
	"github.com/tendermint/market/internal/p2p"
	"github.com/tendermint/market/internal/rpc"
	"github.com/tendermint/market/internal/settlement"
	"github.com/tendermint/market/internal/store"
	"github.com/tendermint/market/internal/store/psql"
	"github.com/tendermint/market/internal/wallet"
	"github.com/tendermint/market/libs/log"
	tmos "github.com/tendermint/market/libs/os"
	"github.com/tendermint/market/types"
)

type closer interface {
	Close() error
}

func loadTraderKey(cfg *config.Config) (types.NodeKey, error) {
	keyFile := cfg.TraderKeyFile()
	if err := tmos.EnsureDir(filepath.Dir(keyFile), 0700); err != nil {
		return types.NodeKey{}, err
	}
	nodeKey, err := types.LoadOrGenNodeKey(keyFile)
	if err != nil {
		return types.NodeKey{}, fmt.Errorf("failed to load or generate trader key %s: %w", keyFile, err)
	}
	return nodeKey, nil
}

// createStore opens the market store. The psql backend keeps orders, ticks
// and transactions in PostgreSQL; every other backend uses tm-db.
func createStore(cfg *config.Config, dbProvider config.DBProvider) (store.Store, error) {
	if cfg.DBBackend == config.DBBackendPSQL {
		if cfg.Store.PSQLConn == "" {
			return nil, fmt.Errorf("db_backend is %s but [store] psql_conn is empty", config.DBBackendPSQL)
		}
		st, err := psql.Open(cfg.Store.PSQLConn)
		if err != nil {
			return nil, fmt.Errorf("opening psql store: %w", err)
		}
		return st, nil
	}

	db, err := dbProvider(&config.DBContext{ID: "market", Config: cfg})
	if err != nil {
		return nil, err
	}
	st, err := store.Open(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

// createLedger returns the ledger wrapped in a retrying writer, and the
// database backing it if any.
func createLedger(
	logger log.Logger,
	cfg *config.Config,
	dbProvider config.DBProvider,
) (ledger.Ledger, dbm.DB, error) {
	var (
		base ledger.Ledger
		db   dbm.DB
	)
	switch cfg.Ledger.Backend {
	case config.LedgerBackendMemory:
		base = ledger.NewMemLedger()
	default:
		var err error
		db, err = dbProvider(&config.DBContext{ID: "ledger", Config: cfg})
		if err != nil {
			return nil, nil, err
		}
		dbl := ledger.NewDBLedger(db)
		n, err := dbl.VerifyChain()
		if err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("ledger hash chain is broken: %w", err)
		}
		logger.Info("verified ledger", "entries", n)
		base = dbl
	}
	writer := ledger.NewRetryWriter(logger.With("module", "ledger"), base, cfg.Ledger.MaxRetries, cfg.Ledger.RetryInterval)
	return writer, db, nil
}

// createWallets registers an in-memory wallet for every configured dummy
// asset. All of them share one bank, so payments between traders of the
// same process settle.
func createWallets(cfg *config.Config, clk clock.Clock, bank *wallet.Bank) (*wallet.Registry, error) {
	assets, err := cfg.Wallet.Assets()
	if err != nil {
		return nil, err
	}
	if bank == nil {
		bank = wallet.NewBank(clk, cfg.Wallet.ConfirmationDelay)
	}
	registry := wallet.NewRegistry()
	for _, a := range assets {
		registry.Register(bank.NewWallet(a.ID, a.MinimumUnit, a.Balance))
	}
	return registry, nil
}

func createTransport(
	logger log.Logger,
	cfg *config.Config,
	nodeKey types.NodeKey,
	metrics *p2p.Metrics,
) (*p2p.WSTransport, error) {
	var peers []p2p.NodeAddress
	for _, raw := range cfg.P2P.PersistentPeerList() {
		addr, err := p2p.ParseNodeAddress(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid persistent peer %q: %w", raw, err)
		}
		peers = append(peers, addr)
	}
	return p2p.NewWSTransport(logger, nodeKey, p2p.WSTransportOptions{
		ListenAddress:    cfg.P2P.ListenAddress,
		PersistentPeers:  peers,
		BufferSize:       cfg.P2P.QueueSize,
		HandshakeTimeout: cfg.P2P.HandshakeTimeout,
		RedialInterval:   cfg.P2P.RedialInterval,
		MaxFrameSize:     cfg.P2P.MaxFrameSize,
		PingInterval:     cfg.P2P.PingInterval,
	}, p2p.WithTransportMetrics(metrics)), nil
}

// marketConfig translates the [market] section for the reactor.
func marketConfig(cfg *config.Config) market.Config {
	address := cfg.P2P.ExternalAddress
	if address == "" && cfg.P2P.ListenAddress != "" {
		address = "ws://" + cfg.P2P.ListenAddress
	}
	return market.Config{
		Matchmaker:      cfg.Matchmaker,
		Address:         address,
		BlockWindow:     cfg.Market.BlockWindow,
		ProposalTimeout: cfg.Market.ProposalTimeout,
		SyncInterval:    cfg.Market.SyncInterval,
		OrderRetention:  cfg.Market.OrderRetention,
		MaxSyncTicks:    cfg.Market.MaxSyncTicks,
		SeenCacheSize:   cfg.Market.SeenCacheSize,
		Settlement: settlement.Config{
			FirstPaymentSize: cfg.Market.FirstPaymentSize,
			Deadline:         cfg.Market.TransactionDeadline,
		},
	}
}

func rpcConfig(cfg *config.Config) rpc.Config {
	return rpc.Config{
		ListenAddress:      cfg.RPC.ListenAddress,
		CORSAllowedOrigins: cfg.RPC.CORSAllowedOrigins,
		CORSAllowedMethods: cfg.RPC.CORSAllowedMethods,
		CORSAllowedHeaders: cfg.RPC.CORSAllowedHeaders,
		MaxBodyBytes:       cfg.RPC.MaxBodyBytes,
		RequestTimeout:     cfg.RPC.TimeoutRequest,
	}
}

// metricsProvider returns the metrics of every instrumented component.
type metricsProvider func(trader types.TraderID) (*market.Metrics, *settlement.Metrics, *p2p.Metrics)

// defaultMetricsProvider returns Prometheus metrics if "Prometheus" is
// enabled. Otherwise, it returns no-op metrics.
func defaultMetricsProvider(cfg *config.InstrumentationConfig) metricsProvider {
	return func(trader types.TraderID) (*market.Metrics, *settlement.Metrics, *p2p.Metrics) {
		if cfg.Prometheus {
			return market.PrometheusMetrics(cfg.Namespace, "trader_id", string(trader)),
				settlement.PrometheusMetrics(cfg.Namespace, "trader_id", string(trader)),
				p2p.PrometheusMetrics(cfg.Namespace, "trader_id", string(trader))
		}
		return market.NopMetrics(), settlement.NopMetrics(), p2p.NopMetrics()
	}
}

// newPrometheusServer returns a server exposing the default registry under
// /metrics. At most cfg.MaxOpenConnections requests are served at once.
func newPrometheusServer(cfg *config.InstrumentationConfig) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.InstrumentMetricHandler(
		prometheus.DefaultRegisterer,
		promhttp.HandlerFor(
			prometheus.DefaultGatherer,
			promhttp.HandlerOpts{MaxRequestsInFlight: cfg.MaxOpenConnections},
		),
	))
	return &http.Server{
		Addr:              cfg.PrometheusListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func listen(addr string) (net.Listener, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	return l, nil
}
