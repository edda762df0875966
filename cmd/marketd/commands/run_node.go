package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tendermint/market/config"
	"github.com/tendermint/market/libs/log"
	"github.com/tendermint/market/node"
	"github.com/tendermint/market/version"
)

// AddNodeFlags exposes some common configuration options from conf in the flag
// set for cmd. This is a convenience for commands embedding a market node.
func AddNodeFlags(cmd *cobra.Command, conf *config.Config) {
	// bind flags
	cmd.Flags().String("moniker", conf.Moniker, "node name")
	cmd.Flags().Bool("matchmaker", conf.Matchmaker, "match the ticks of other traders")

	// p2p flags
	cmd.Flags().String(
		"p2p.laddr",
		conf.P2P.ListenAddress,
		"node listen address. (0.0.0.0:0 means any interface, any port)")
	cmd.Flags().String("p2p.external_address", conf.P2P.ExternalAddress, "address announced to peers")
	cmd.Flags().String("p2p.persistent_peers", conf.P2P.PersistentPeers,
		"comma-delimited ws://trader_id@host:port persistent peers")

	// rpc flags
	cmd.Flags().String("rpc.laddr", conf.RPC.ListenAddress, "REST listen address. Port required")

	// market flags
	cmd.Flags().Duration("market.proposal_timeout", conf.Market.ProposalTimeout,
		"how long a proposal waits for an answer")
	cmd.Flags().Duration("market.sync_interval", conf.Market.SyncInterval,
		"period of order book synchronisation")

	// db flags
	cmd.Flags().String(
		"db_backend",
		conf.DBBackend,
		"database backend: goleveldb | memdb | psql")
	cmd.Flags().String(
		"db_dir",
		conf.DBPath,
		"database directory")
	cmd.Flags().String("store.psql_conn", conf.Store.PSQLConn, "PostgreSQL connection string")

	// instrumentation flags
	cmd.Flags().Bool("instrumentation.prometheus", conf.Instrumentation.Prometheus, "serve Prometheus metrics")
	cmd.Flags().String("instrumentation.prometheus_listen_addr", conf.Instrumentation.PrometheusListenAddr,
		"Prometheus listen address")
}

// NewRunNodeCmd returns the command that allows the CLI to start a node.
func NewRunNodeCmd(conf *config.Config, logger log.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "start",
		Aliases: []string{"node", "run"},
		Short:   "Run the market node",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			n, err := node.New(conf, logger)
			if err != nil {
				return fmt.Errorf("failed to create node: %w", err)
			}

			if err := n.Start(ctx); err != nil {
				return fmt.Errorf("failed to start node: %w", err)
			}

			logger.Info("started node", "trader", n.TraderID(), "version", version.Version)

			// Stop upon receiving SIGTERM or CTRL-C.
			n.Wait()
			return nil
		},
	}

	AddNodeFlags(cmd, conf)
	return cmd
}
