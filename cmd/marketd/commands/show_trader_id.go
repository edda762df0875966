package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tendermint/market/config"
	"github.com/tendermint/market/libs/log"
	"github.com/tendermint/market/types"
)

// MakeShowTraderIDCommand constructs a command to dump the trader id to
// stdout.
func MakeShowTraderIDCommand(conf *config.Config, logger log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "show-trader-id",
		Short: "Show this node's trader id",
		RunE: func(cmd *cobra.Command, args []string) error {
			nodeKey, err := types.LoadNodeKey(conf.TraderKeyFile())
			if err != nil {
				logger.Error("Run 'marketd init' to create a trader key")
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), nodeKey.TraderID)
			return nil
		},
	}
}
