package node

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendermint/market/config"
	"github.com/tendermint/market/internal/wallet"
	"github.com/tendermint/market/libs/log"
	"github.com/tendermint/market/types"
)

var client = &http.Client{
	Timeout:   5 * time.Second,
	Transport: &http.Transport{DisableKeepAlives: true},
}

func testConfig(t *testing.T, name string) *config.Config {
	t.Helper()
	cfg, err := config.ResetTestRoot(t.TempDir(), name)
	require.NoError(t, err)
	return cfg
}

func startNode(ctx context.Context, t *testing.T, cfg *config.Config, opts ...Option) *Node {
	t.Helper()
	n, err := New(cfg, log.TestingLogger(), opts...)
	require.NoError(t, err)
	require.NoError(t, n.Start(ctx))
	t.Cleanup(func() {
		if n.IsRunning() {
			require.NoError(t, n.Stop())
		}
	})
	return n
}

func doJSON(t *testing.T, method, url string, body interface{}, out interface{}) int {
	t.Helper()
	var rd io.Reader
	if body != nil {
		bz, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(bz)
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestNodeStartStop(t *testing.T) {
	defer leaktest.CheckTimeout(t, 10*time.Second)()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := testConfig(t, "node_start_stop")
	n, err := New(cfg, log.TestingLogger())
	require.NoError(t, err)
	require.NoError(t, n.Start(ctx))
	assert.True(t, n.IsRunning())
	assert.NotEmpty(t, n.P2PAddr())
	assert.NotEmpty(t, n.RPCAddr())
	assert.Empty(t, n.PrometheusAddr(), "prometheus is disabled by default")

	base := fmt.Sprintf("http://%s", n.RPCAddr())
	body := map[string]interface{}{
		"assets": map[string]interface{}{
			"first":  map[string]interface{}{"amount": 10, "type": "DUM1"},
			"second": map[string]interface{}{"amount": 20, "type": "DUM2"},
		},
		"timeout": 3600,
	}
	var created struct {
		Order struct {
			TraderID    string `json:"trader_id"`
			OrderNumber uint64 `json:"order_number"`
			IsAsk       bool   `json:"is_ask"`
		} `json:"order"`
	}
	require.Equal(t, http.StatusCreated, doJSON(t, http.MethodPut, base+"/asks", body, &created))
	assert.Equal(t, string(n.TraderID()), created.Order.TraderID)
	assert.True(t, created.Order.IsAsk)

	var asks struct {
		Asks []struct {
			Depth int64 `json:"depth"`
		} `json:"asks"`
	}
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, base+"/asks", nil, &asks))
	require.Len(t, asks.Asks, 1)
	assert.EqualValues(t, 10, asks.Asks[0].Depth)

	require.NoError(t, n.Stop())
	assert.False(t, n.IsRunning())

	_, err = client.Get(base + "/asks")
	assert.Error(t, err, "the rpc server stops with the node")
}

func TestNodeStopsWithContext(t *testing.T) {
	defer leaktest.CheckTimeout(t, 10*time.Second)()

	ctx, cancel := context.WithCancel(context.Background())
	n := startNode(ctx, t, testConfig(t, "node_ctx"))
	cancel()
	n.Wait()
	assert.False(t, n.IsRunning())
}

func TestTraderKeyPersists(t *testing.T) {
	cfg := testConfig(t, "trader_key")

	first, err := New(cfg, log.NewNopLogger())
	require.NoError(t, err)
	second, err := New(cfg, log.NewNopLogger())
	require.NoError(t, err)

	assert.Equal(t, first.TraderID(), second.TraderID())
	assert.NoError(t, first.TraderID().ValidateBasic())
	assert.FileExists(t, cfg.TraderKeyFile())
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t, "invalid")
	cfg.Wallet.DummyAssets = []string{"DUM1"}
	_, err := New(cfg, log.NewNopLogger())
	assert.Error(t, err)

	cfg = testConfig(t, "psql_without_dsn")
	cfg.DBBackend = config.DBBackendPSQL
	_, err = New(cfg, log.NewNopLogger())
	assert.Error(t, err)

	cfg = testConfig(t, "bad_peer")
	cfg.P2P.PersistentPeers = "http://[::1"
	_, err = New(cfg, log.NewNopLogger())
	assert.Error(t, err)
}

func TestLedgerSurvivesRestart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := testConfig(t, "ledger_restart")
	cfg.DBBackend = "goleveldb"
	cfg.Ledger.Backend = config.LedgerBackendDB

	n := startNode(ctx, t, cfg)
	o, err := n.Reactor().CreateAsk(ctx, types.MustAssetPair(10, "DUM1", 20, "DUM2"), 3600)
	require.NoError(t, err)
	require.NoError(t, n.Stop())

	// the hash chain of the ledger is verified on open
	n = startNode(ctx, t, cfg)
	restored, err := n.Reactor().Order(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, o.Assets, restored.Assets)
}

func TestPrometheusEndpoint(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := testConfig(t, "prometheus_endpoint")
	cfg.Instrumentation.Prometheus = true
	cfg.Instrumentation.PrometheusListenAddr = "127.0.0.1:0"

	n := startNode(ctx, t, cfg)
	require.NotEmpty(t, n.PrometheusAddr())

	resp, err := client.Get(fmt.Sprintf("http://%s/metrics", n.PrometheusAddr()))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	bz, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(bz), "promhttp_metric_handler_requests_total")
}

// TestNodesTradeOverWebsockets runs an ask and a matching bid on two nodes
// connected by the websocket transport, and waits for the incremental
// settlement to complete on both sides.
func TestNodesTradeOverWebsockets(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bank := wallet.NewBank(clock.New(), 0)

	alice := startNode(ctx, t, testConfig(t, "alice"), WithBank(bank))

	bobCfg := testConfig(t, "bob")
	bobCfg.P2P.PersistentPeers = fmt.Sprintf("ws://%s@%s", alice.TraderID(), alice.P2PAddr())
	bob := startNode(ctx, t, bobCfg, WithBank(bank))

	require.Eventually(t, func() bool {
		peers, err := alice.Reactor().Peers(ctx)
		return err == nil && len(peers) == 1 && peers[0].Connected
	}, 10*time.Second, 20*time.Millisecond)

	assets := types.MustAssetPair(4, "DUM1", 8, "DUM2")
	_, err := alice.Reactor().CreateAsk(ctx, assets, 3600)
	require.NoError(t, err)
	_, err = bob.Reactor().CreateBid(ctx, assets, 3600)
	require.NoError(t, err)

	for _, n := range []*Node{alice, bob} {
		n := n
		require.Eventually(t, func() bool {
			txs, err := n.Reactor().Transactions(ctx)
			return err == nil && len(txs) == 1 && txs[0].State == types.TxStateCompleted
		}, 20*time.Second, 50*time.Millisecond)
	}

	balance := func(n *Node, asset string) int64 {
		w, err := n.Wallets().Get(asset)
		require.NoError(t, err)
		b, err := w.Balance(ctx)
		require.NoError(t, err)
		return b.Available
	}
	assert.EqualValues(t, 996, balance(alice, "DUM1"))
	assert.EqualValues(t, 1008, balance(alice, "DUM2"))
	assert.EqualValues(t, 1004, balance(bob, "DUM1"))
	assert.EqualValues(t, 992, balance(bob, "DUM2"))
}
