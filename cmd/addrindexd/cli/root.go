package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/c2h5oh/datasize"
	"github.com/ethereum/go-ethereum/log"
	"github.com/spf13/cobra"

	"github.com/ledgerwatch/addrindex/blocksource"
	"github.com/ledgerwatch/addrindex/common"
	"github.com/ledgerwatch/addrindex/daemon"
	"github.com/ledgerwatch/addrindex/indexdb"
	"github.com/ledgerwatch/addrindex/indexer"
	"github.com/ledgerwatch/addrindex/query"
	"github.com/ledgerwatch/addrindex/server"
)

const tickEvery = 5 * time.Second

func RootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "addrindexd",
		Short:        "Bitcoin address index daemon",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := Load(cmd.Flags())
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}
	RegisterFlags(cmd.Flags())
	return cmd
}

func setupLogger(cfg Config) {
	lvl := log.LvlInfo + log.Lvl(cfg.Verbose)
	if lvl > log.LvlTrace {
		lvl = log.LvlTrace
	}
	var format log.Format
	if cfg.Timestamp {
		format = log.LogfmtFormat()
	} else {
		format = log.TerminalFormat(false)
	}
	log.Root().SetHandler(log.LvlFilterHandler(lvl, log.StreamHandler(os.Stderr, format)))
}

func run(cfg Config) error {
	setupLogger(cfg)
	params, err := cfg.NetParams()
	if err != nil {
		return err
	}

	quit := common.QuitOnSignal()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-quit
		cancel()
	}()

	client, err := daemon.New(daemon.Config{
		Host:       cfg.DaemonRPCHost,
		Port:       cfg.DaemonRPCPort,
		Auth:       cfg.Cookie,
		CookiePath: cfg.CookiePath(),
		BatchSize:  cfg.IndexBatchSize,
	})
	if err != nil {
		return err
	}

	chain, err := indexer.FetchChain(ctx, client)
	if err != nil {
		return err
	}

	dir := cfg.StoreDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	store, err := indexdb.Open(dir, indexdb.Options{Bulk: true})
	if err != nil {
		return err
	}
	compacted, err := store.Compacted()
	if err != nil {
		store.Close()
		return err
	}
	if !compacted {
		if err := runBulk(ctx, cfg, params, client, store, chain, quit); err != nil {
			store.Close()
			if errors.Is(err, common.ErrStopped) {
				log.Info("Interrupted, bulk indexing will resume on restart")
				return nil
			}
			return err
		}
	}
	if err := store.Close(); err != nil {
		return err
	}

	store, err = indexdb.Open(dir, indexdb.Options{})
	if err != nil {
		return err
	}
	defer store.Close()

	cache := query.NewTxidCache(datasize.ByteSize(cfg.CacheSizeMB) * datasize.MB)
	updater := indexer.NewUpdater(store, client, chain, cfg.IndexBatchSize)
	engine := query.NewEngine(store, client, cache, updater.Chain)

	srv, err := server.New(fmt.Sprintf("%s:%d", cfg.IndexerRPCHost, cfg.IndexerRPCPort), engine)
	if err != nil {
		return err
	}
	go srv.Run(ctx)

	ticker := time.NewTicker(tickEvery)
	defer ticker.Stop()
	halted := false
	for {
		select {
		case <-quit:
			log.Info("Shutting down")
			srv.Close()
			return nil
		case <-ticker.C:
			if halted {
				continue
			}
			if err := updater.Tick(ctx); err != nil {
				if errors.Is(err, indexer.ErrDeepReorg) {
					// Queries keep being served against the stale tip.
					log.Error("Incremental updater halted, restart once node state stabilizes")
					halted = true
					continue
				}
				if ctx.Err() == nil {
					log.Warn("Index update failed", "err", err)
				}
			}
		}
	}
}

func runBulk(ctx context.Context, cfg Config, params *chaincfg.Params, client *daemon.Client, store *indexdb.Store, chain *indexer.HeaderChain, quit <-chan struct{}) error {
	var src blocksource.Source
	var err error
	if cfg.JSONRPCImport {
		src = blocksource.NewRpcSource(ctx, client, chain.Hashes(), cfg.IndexBatchSize)
	} else {
		src, err = blocksource.NewFileSource(cfg.BlocksDir(), params.Net)
		if err != nil {
			return err
		}
	}
	defer src.Close()

	if err := indexer.IndexBulk(src, store, chain, cfg.BulkIndexThreads, quit); err != nil {
		return err
	}
	tip, _ := chain.Tip()
	return indexer.FinishBulk(store, &tip)
}
