package cli

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strconv"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/pelletier/go-toml"
	"github.com/spf13/pflag"
)

const appName = "addrindexd"

// Config is the full option surface. Precedence, lowest to highest:
// /etc/addrindexd/config.toml, ~/.addrindexd/config.toml, ./addrindexd.toml,
// ADDRINDEXRS_-prefixed environment variables, command-line flags.
type Config struct {
	DBDir            string `toml:"db_dir"`
	DaemonDir        string `toml:"daemon_dir"`
	Cookie           string `toml:"cookie"`
	Network          string `toml:"network"`
	IndexerRPCHost   string `toml:"indexer_rpc_host"`
	IndexerRPCPort   int    `toml:"indexer_rpc_port"`
	DaemonRPCHost    string `toml:"daemon_rpc_host"`
	DaemonRPCPort    int    `toml:"daemon_rpc_port"`
	JSONRPCImport    bool   `toml:"jsonrpc_import"`
	IndexBatchSize   int    `toml:"index_batch_size"`
	BulkIndexThreads int    `toml:"bulk_index_threads"`
	CacheSizeMB      int    `toml:"blocktxids_cache_size_mb"`
	Verbose          int    `toml:"verbose"`
	Timestamp        bool   `toml:"timestamp"`
}

func defaultConfig() Config {
	home, _ := os.UserHomeDir()
	return Config{
		DBDir:          filepath.Join(home, ".addrindexd", "db"),
		DaemonDir:      filepath.Join(home, ".bitcoin"),
		Network:        "mainnet",
		IndexerRPCHost: "127.0.0.1",
		DaemonRPCHost:  "127.0.0.1",
		IndexBatchSize: 100,
		CacheSizeMB:    10,
	}
}

// NetParams maps the configured network name onto chain parameters.
func (c *Config) NetParams() (*chaincfg.Params, error) {
	switch c.Network {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("unknown network %q", c.Network)
	}
}

// applyPortDefaults fills in the per-network defaults for ports left unset.
func (c *Config) applyPortDefaults() {
	type ports struct{ indexer, daemon int }
	defaults := map[string]ports{
		"mainnet": {50001, 8332},
		"testnet": {60001, 18332},
		"regtest": {60401, 18443},
	}
	p, ok := defaults[c.Network]
	if !ok {
		return
	}
	if c.IndexerRPCPort == 0 {
		c.IndexerRPCPort = p.indexer
	}
	if c.DaemonRPCPort == 0 {
		c.DaemonRPCPort = p.daemon
	}
}

// netSubdir is how bitcoind lays out per-network data under its datadir.
func (c *Config) netSubdir() string {
	switch c.Network {
	case "testnet":
		return "testnet3"
	case "regtest":
		return "regtest"
	default:
		return ""
	}
}

// BlocksDir is where the node keeps its blk*.dat files.
func (c *Config) BlocksDir() string {
	return filepath.Join(c.DaemonDir, c.netSubdir(), "blocks")
}

// CookiePath is the node-written cookie file, used when no explicit
// credentials are configured.
func (c *Config) CookiePath() string {
	return filepath.Join(c.DaemonDir, c.netSubdir(), ".cookie")
}

// StoreDir roots the store under db_dir, one subdirectory per network.
func (c *Config) StoreDir() string {
	return filepath.Join(c.DBDir, c.Network)
}

// Load resolves the layered configuration. flags must already be parsed.
func Load(flags *pflag.FlagSet) (Config, error) {
	cfg := defaultConfig()

	home, _ := os.UserHomeDir()
	files := []string{
		filepath.Join("/etc", appName, "config.toml"),
		filepath.Join(home, "."+appName, "config.toml"),
		appName + ".toml",
	}
	for _, path := range files {
		raw, err := ioutil.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return cfg, err
		}
		if err := toml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	applyFlags(flags, &cfg)
	cfg.applyPortDefaults()
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	strs := map[string]*string{
		"ADDRINDEXRS_DB_DIR":           &cfg.DBDir,
		"ADDRINDEXRS_DAEMON_DIR":       &cfg.DaemonDir,
		"ADDRINDEXRS_COOKIE":           &cfg.Cookie,
		"ADDRINDEXRS_NETWORK":          &cfg.Network,
		"ADDRINDEXRS_INDEXER_RPC_HOST": &cfg.IndexerRPCHost,
		"ADDRINDEXRS_DAEMON_RPC_HOST":  &cfg.DaemonRPCHost,
	}
	for name, dst := range strs {
		if v, ok := os.LookupEnv(name); ok {
			*dst = v
		}
	}
	ints := map[string]*int{
		"ADDRINDEXRS_INDEXER_RPC_PORT":         &cfg.IndexerRPCPort,
		"ADDRINDEXRS_DAEMON_RPC_PORT":          &cfg.DaemonRPCPort,
		"ADDRINDEXRS_INDEX_BATCH_SIZE":         &cfg.IndexBatchSize,
		"ADDRINDEXRS_BULK_INDEX_THREADS":       &cfg.BulkIndexThreads,
		"ADDRINDEXRS_BLOCKTXIDS_CACHE_SIZE_MB": &cfg.CacheSizeMB,
		"ADDRINDEXRS_VERBOSE":                  &cfg.Verbose,
	}
	for name, dst := range ints {
		v, ok := os.LookupEnv(name)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = n
	}
	bools := map[string]*bool{
		"ADDRINDEXRS_JSONRPC_IMPORT": &cfg.JSONRPCImport,
		"ADDRINDEXRS_TIMESTAMP":      &cfg.Timestamp,
	}
	for name, dst := range bools {
		v, ok := os.LookupEnv(name)
		if !ok {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = b
	}
	return nil
}

// applyFlags copies only flags the user actually set, so files and env keep
// their values otherwise.
func applyFlags(flags *pflag.FlagSet, cfg *Config) {
	if flags == nil {
		return
	}
	flags.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "db-dir":
			cfg.DBDir, _ = flags.GetString(f.Name)
		case "daemon-dir":
			cfg.DaemonDir, _ = flags.GetString(f.Name)
		case "cookie":
			cfg.Cookie, _ = flags.GetString(f.Name)
		case "network":
			cfg.Network, _ = flags.GetString(f.Name)
		case "indexer-rpc-host":
			cfg.IndexerRPCHost, _ = flags.GetString(f.Name)
		case "indexer-rpc-port":
			cfg.IndexerRPCPort, _ = flags.GetInt(f.Name)
		case "daemon-rpc-host":
			cfg.DaemonRPCHost, _ = flags.GetString(f.Name)
		case "daemon-rpc-port":
			cfg.DaemonRPCPort, _ = flags.GetInt(f.Name)
		case "jsonrpc-import":
			cfg.JSONRPCImport, _ = flags.GetBool(f.Name)
		case "index-batch-size":
			cfg.IndexBatchSize, _ = flags.GetInt(f.Name)
		case "bulk-index-threads":
			cfg.BulkIndexThreads, _ = flags.GetInt(f.Name)
		case "blocktxids-cache-size-mb":
			cfg.CacheSizeMB, _ = flags.GetInt(f.Name)
		case "verbose":
			cfg.Verbose, _ = flags.GetCount(f.Name)
		case "timestamp":
			cfg.Timestamp, _ = flags.GetBool(f.Name)
		}
	})
}

// RegisterFlags declares the flag surface on cmd's flag set.
func RegisterFlags(flags *pflag.FlagSet) {
	def := defaultConfig()
	flags.String("db-dir", def.DBDir, "directory for the index store")
	flags.String("daemon-dir", def.DaemonDir, "data directory of the full node")
	flags.String("cookie", "", "USER:PASSWORD for the node's JSONRPC (cookie file otherwise)")
	flags.String("network", def.Network, "mainnet, testnet or regtest")
	flags.String("indexer-rpc-host", def.IndexerRPCHost, "bind host for the indexer RPC server")
	flags.Int("indexer-rpc-port", 0, "bind port for the indexer RPC server (default per network)")
	flags.String("daemon-rpc-host", def.DaemonRPCHost, "host of the node's JSONRPC endpoint")
	flags.Int("daemon-rpc-port", 0, "port of the node's JSONRPC endpoint (default per network)")
	flags.Bool("jsonrpc-import", false, "fetch blocks over JSONRPC instead of reading blk*.dat")
	flags.Int("index-batch-size", def.IndexBatchSize, "blocks per daemon request during indexing")
	flags.Int("bulk-index-threads", 0, "parallelism of bulk indexing (default: number of CPUs)")
	flags.Int("blocktxids-cache-size-mb", def.CacheSizeMB, "size of the block-to-txids cache")
	flags.CountP("verbose", "v", "increase logging verbosity")
	flags.Bool("timestamp", false, "prepend timestamps to log lines")
}
