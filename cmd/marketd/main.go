package main

import (
	"context"
	"os"
	"path/filepath"

	"github.com/tendermint/market/cmd/marketd/commands"
	"github.com/tendermint/market/config"
	"github.com/tendermint/market/libs/cli"
	"github.com/tendermint/market/libs/log"
)

func main() {
	ctx := context.Background()

	conf := config.DefaultConfig()
	logger, err := log.NewDefaultLogger(config.LogFormatPlain, config.DefaultLogLevel)
	if err != nil {
		panic(err)
	}

	rcmd := commands.RootCommand(conf, logger)
	rcmd.AddCommand(
		commands.MakeInitFilesCommand(conf, logger),
		commands.MakeShowTraderIDCommand(conf, logger),
		commands.NewRunNodeCmd(conf, logger),
		commands.VersionCmd,
	)

	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	cli.InitEnv("MARKET")
	rcmd.PersistentFlags().String(cli.HomeFlag, filepath.Join(home, config.DefaultMarketDir), "directory for config and data")
	rcmd.PersistentFlags().Bool(cli.TraceFlag, false, "print out full stack trace on errors")

	if err := rcmd.ExecuteContext(ctx); err != nil {
		logger.Error("command failed", "err", err)
		os.Exit(1)
	}
}
