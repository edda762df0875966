package commands

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendermint/market/config"
	"github.com/tendermint/market/libs/cli"
	"github.com/tendermint/market/libs/log"
	"github.com/tendermint/market/version"
)

// clearConfig clears env vars and resets viper.
func clearConfig(t *testing.T) *config.Config {
	t.Helper()
	require.NoError(t, os.Unsetenv("MARKETHOME"))
	require.NoError(t, os.Unsetenv("MARKET_HOME"))
	require.NoError(t, os.Unsetenv("MARKET_LOG_LEVEL"))
	viper.Reset()
	t.Cleanup(viper.Reset)
	return config.DefaultConfig()
}

// testRootCmd builds the root command with every subcommand, the way main
// does.
func testRootCmd(t *testing.T, conf *config.Config, home string) *cobra.Command {
	t.Helper()
	logger, err := log.NewLogger(io.Discard, config.LogFormatPlain, config.DefaultLogLevel)
	require.NoError(t, err)

	cmd := RootCommand(conf, logger)
	cmd.AddCommand(
		MakeInitFilesCommand(conf, logger),
		MakeShowTraderIDCommand(conf, logger),
		NewRunNodeCmd(conf, logger),
		VersionCmd,
	)
	cmd.PersistentFlags().String(cli.HomeFlag, home, "")
	cmd.PersistentFlags().Bool(cli.TraceFlag, false, "")
	return cmd
}

func run(t *testing.T, cmd *cobra.Command, env map[string]string, args ...string) (string, error) {
	t.Helper()
	for k, v := range env {
		t.Setenv(k, v)
	}
	cli.InitEnv("MARKET")

	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRootHome(t *testing.T) {
	defaultRoot := t.TempDir()
	newRoot := filepath.Join(defaultRoot, "something-else")
	cases := []struct {
		args []string
		env  map[string]string
		root string
	}{
		{nil, nil, defaultRoot},
		{[]string{"--home", newRoot}, nil, newRoot},
		{nil, map[string]string{"MARKETHOME": newRoot}, newRoot},
	}

	for i, tc := range cases {
		tc := tc
		// t.Setenv in run is undone when the subtest ends
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			conf := clearConfig(t)
			cmd := testRootCmd(t, conf, defaultRoot)

			args := append([]string{"init"}, tc.args...)
			_, err := run(t, cmd, tc.env, args...)
			require.NoError(t, err)

			assert.Equal(t, tc.root, conf.RootDir)
			assert.FileExists(t, filepath.Join(tc.root, "config", "config.toml"))
			assert.FileExists(t, conf.TraderKeyFile())
		})
	}
}

func TestRootFlagsEnv(t *testing.T) {
	cases := []struct {
		args     []string
		env      map[string]string
		logLevel string
	}{
		{[]string{"--log_level", "debug"}, nil, "debug"},
		{nil, map[string]string{"MARKET_LOG_LEVEL": "error"}, "error"},
		{nil, nil, config.DefaultLogLevel},
	}

	for i, tc := range cases {
		tc := tc
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			conf := clearConfig(t)
			cmd := testRootCmd(t, conf, t.TempDir())

			args := append([]string{"init"}, tc.args...)
			_, err := run(t, cmd, tc.env, args...)
			require.NoError(t, err)
			assert.Equal(t, tc.logLevel, conf.LogLevel)
		})
	}
}

func TestRootConfigFile(t *testing.T) {
	home := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(home, "config"), 0700))
	require.NoError(t, os.WriteFile(filepath.Join(home, "config", "config.toml"),
		[]byte("matchmaker = true\n[market]\nproposal_timeout = \"7s\"\n"), 0600))

	conf := clearConfig(t)
	cmd := testRootCmd(t, conf, home)
	_, err := run(t, cmd, nil, "show-trader-id")
	require.Error(t, err, "there is no trader key yet")

	assert.True(t, conf.Matchmaker)
	assert.Equal(t, "7s", conf.Market.ProposalTimeout.String())
}

func TestRootRejectsInvalidConfig(t *testing.T) {
	conf := clearConfig(t)
	cmd := testRootCmd(t, conf, t.TempDir())
	_, err := run(t, cmd, nil, "init", "--log_level", "loud")
	assert.Error(t, err)
}

func TestInitThenShowTraderID(t *testing.T) {
	home := t.TempDir()

	conf := clearConfig(t)
	out, err := run(t, testRootCmd(t, conf, home), nil, "init")
	require.NoError(t, err)
	id := strings.TrimSpace(out)
	require.Len(t, id, 40)

	// init keeps an existing key
	conf = clearConfig(t)
	out, err = run(t, testRootCmd(t, conf, home), nil, "init")
	require.NoError(t, err)
	assert.Equal(t, id, strings.TrimSpace(out))

	conf = clearConfig(t)
	out, err = run(t, testRootCmd(t, conf, home), nil, "show-trader-id")
	require.NoError(t, err)
	assert.Equal(t, id, strings.TrimSpace(out))
}

func TestVersion(t *testing.T) {
	conf := clearConfig(t)
	out, err := run(t, testRootCmd(t, conf, t.TempDir()), nil, "version")
	require.NoError(t, err)
	assert.Equal(t, version.Version, strings.TrimSpace(out))
}
