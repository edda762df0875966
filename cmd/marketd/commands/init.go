package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tendermint/market/config"
	"github.com/tendermint/market/libs/log"
	tmos "github.com/tendermint/market/libs/os"
	"github.com/tendermint/market/types"
)

// MakeInitFilesCommand returns the command to initialize a fresh market
// home: the config file and the trader key.
func MakeInitFilesCommand(conf *config.Config, logger log.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initializes a market node",
		RunE: func(cmd *cobra.Command, args []string) error {
			return initFilesWithConfig(conf, logger, cmd)
		},
	}
	return cmd
}

func initFilesWithConfig(conf *config.Config, logger log.Logger, cmd *cobra.Command) error {
	keyFile := conf.TraderKeyFile()
	if tmos.FileExists(keyFile) {
		logger.Info("Found trader key", "path", keyFile)
	} else {
		nodeKey := types.GenNodeKey()
		if err := nodeKey.SaveAs(keyFile); err != nil {
			return err
		}
		logger.Info("Generated trader key", "path", keyFile)
	}
	nodeKey, err := types.LoadNodeKey(keyFile)
	if err != nil {
		return err
	}

	// write config file
	if err := config.WriteConfigFile(conf.RootDir, conf); err != nil {
		return err
	}
	logger.Info("Generated config", "home", conf.RootDir)

	fmt.Fprintln(cmd.OutOrStdout(), nodeKey.TraderID)
	return nil
}
