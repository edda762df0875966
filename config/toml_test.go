package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ensureFiles(t *testing.T, rootDir string, files ...string) {
	for _, f := range files {
		p := rootify(f, rootDir)
		_, err := os.Stat(p)
		assert.NoError(t, err, p)
	}
}

func TestEnsureRoot(t *testing.T) {
	// setup temp dir for test
	tmpDir := t.TempDir()

	// create root dir
	EnsureRoot(tmpDir)

	require.NoError(t, WriteConfigFile(tmpDir, DefaultConfig()))

	// make sure config is set properly
	data, err := os.ReadFile(filepath.Join(tmpDir, defaultConfigFilePath))
	require.NoError(t, err)

	checkConfig(t, string(data))

	ensureFiles(t, tmpDir, "data")
}

func TestEnsureTestRoot(t *testing.T) {
	testName := "ensureTestRoot"

	// create root dir
	cfg, err := ResetTestRoot(t.TempDir(), testName)
	require.NoError(t, err)
	rootDir := cfg.RootDir

	// make sure config is set properly
	data, err := os.ReadFile(filepath.Join(rootDir, defaultConfigFilePath))
	require.NoError(t, err)

	checkConfig(t, string(data))

	ensureFiles(t, rootDir, defaultDataDir, defaultConfigFilePath)
	assert.Equal(t, testName, cfg.Instrumentation.Namespace)
}

// TestTemplateRoundTrip reads a rendered config back through viper, the way
// the cli does, and checks that every section survives.
func TestTemplateRoundTrip(t *testing.T) {
	dir := t.TempDir()
	EnsureRoot(dir)

	want := DefaultConfig()
	want.Matchmaker = true
	want.Market.ProposalTimeout = 7 * time.Second
	want.P2P.PersistentPeers = "ws://127.0.0.1:26656"
	want.RPC.CORSAllowedOrigins = []string{"*"}
	want.Store.PSQLConn = "postgres://u:p@localhost/market"
	want.Wallet.DummyAssets = []string{"BTC:1:10"}
	want.Wallet.ConfirmationDelay = 250 * time.Millisecond
	require.NoError(t, WriteConfigFile(dir, want))

	v := viper.New()
	v.SetConfigFile(filepath.Join(dir, defaultConfigFilePath))
	require.NoError(t, v.ReadInConfig())

	got := &Config{}
	require.NoError(t, v.Unmarshal(got))

	assert.Equal(t, want, got)
	assert.NoError(t, got.ValidateBasic())
}

func checkConfig(t *testing.T, configFile string) {
	t.Helper()
	// list of words we expect in the config
	var elems = []string{
		"moniker",
		"trader_key_file",
		"db_backend",
		"db_dir",
		"log_level",
		"log_format",
		"matchmaker",
		"[market]",
		"proposal_timeout",
		"first_payment_size",
		"[p2p]",
		"persistent_peers",
		"[rpc]",
		"cors_allowed_origins",
		"[store]",
		"psql_conn",
		"[ledger]",
		"[wallet]",
		"dummy_assets",
		"[instrumentation]",
		"prometheus_listen_addr",
	}
	for _, e := range elems {
		if !strings.Contains(configFile, e) {
			t.Errorf("config file was expected to contain %s but did not", e)
		}
	}
}
