package cli

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func TestPortDefaultsPerNetwork(t *testing.T) {
	for _, tt := range []struct {
		network          string
		indexer, daemonP int
	}{
		{"mainnet", 50001, 8332},
		{"testnet", 60001, 18332},
		{"regtest", 60401, 18443},
	} {
		cfg := defaultConfig()
		cfg.Network = tt.network
		cfg.applyPortDefaults()
		require.Equal(t, tt.indexer, cfg.IndexerRPCPort, tt.network)
		require.Equal(t, tt.daemonP, cfg.DaemonRPCPort, tt.network)
	}

	// Explicit ports win over defaults.
	cfg := defaultConfig()
	cfg.IndexerRPCPort = 1234
	cfg.applyPortDefaults()
	require.Equal(t, 1234, cfg.IndexerRPCPort)
}

func TestNetworkPaths(t *testing.T) {
	cfg := defaultConfig()
	cfg.DaemonDir = "/data/bitcoin"
	cfg.DBDir = "/data/index"

	require.Equal(t, "/data/bitcoin/blocks", cfg.BlocksDir())
	require.Equal(t, "/data/index/mainnet", cfg.StoreDir())

	cfg.Network = "testnet"
	require.Equal(t, "/data/bitcoin/testnet3/blocks", cfg.BlocksDir())
	require.Equal(t, "/data/bitcoin/testnet3/.cookie", cfg.CookiePath())
}

func TestNetParams(t *testing.T) {
	cfg := defaultConfig()
	for _, network := range []string{"mainnet", "testnet", "regtest"} {
		cfg.Network = network
		_, err := cfg.NetParams()
		require.NoError(t, err)
	}
	cfg.Network = "signet"
	_, err := cfg.NetParams()
	require.Error(t, err)
}

// Files, environment and flags layer in that order.
func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Chdir(dir))
	require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "addrindexd.toml"),
		[]byte("network = \"testnet\"\nindex_batch_size = 25\nverbose = 1\n"), 0o644))

	os.Setenv("ADDRINDEXRS_INDEX_BATCH_SIZE", "50")
	defer os.Unsetenv("ADDRINDEXRS_INDEX_BATCH_SIZE")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(flags)
	require.NoError(t, flags.Parse([]string{"--network", "regtest"}))

	cfg, err := Load(flags)
	require.NoError(t, err)
	require.Equal(t, "regtest", cfg.Network, "flag beats file")
	require.Equal(t, 50, cfg.IndexBatchSize, "env beats file")
	require.Equal(t, 1, cfg.Verbose, "file beats default")
	require.Equal(t, 60401, cfg.IndexerRPCPort, "port default follows final network")
}

func TestApplyEnvRejectsGarbage(t *testing.T) {
	os.Setenv("ADDRINDEXRS_DAEMON_RPC_PORT", "not-a-number")
	defer os.Unsetenv("ADDRINDEXRS_DAEMON_RPC_PORT")
	cfg := defaultConfig()
	require.Error(t, applyEnv(&cfg))
}
