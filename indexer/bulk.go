package indexer

import (
	"context"
	"errors"
	"io"
	"runtime"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/c2h5oh/datasize"
	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"golang.org/x/sync/errgroup"

	"github.com/ledgerwatch/addrindex/blocksource"
	"github.com/ledgerwatch/addrindex/common"
	"github.com/ledgerwatch/addrindex/common/dbutils"
	"github.com/ledgerwatch/addrindex/indexdb"
)

var (
	indexedBlocksMeter = metrics.NewRegisteredCounter("index/blocks", nil)
	indexedRowsMeter   = metrics.NewRegisteredCounter("index/rows", nil)
	indexedBytesMeter  = metrics.NewRegisteredCounter("index/bytes", nil)
)

const progressLogEvery = 30 * time.Second

// IndexBulk drains src into store: a skip filter in front of a parallel
// parse/extract stage in front of a single writer. Blocks already present as
// Block rows and blocks off the best chain are dropped before parsing.
// Returns common.ErrStopped if quit fires; whatever was committed by then
// stays, and a re-run resumes behind the Block-row markers.
func IndexBulk(src blocksource.Source, store *indexdb.Store, chain *HeaderChain, threads int, quit <-chan struct{}) error {
	if threads <= 0 {
		threads = runtime.GOMAXPROCS(-1)
	}
	indexed, err := indexedBlocks(store)
	if err != nil {
		return err
	}
	log.Info("Bulk indexing", "threads", threads, "alreadyIndexed", len(indexed))

	blocksCh := make(chan *blocksource.Block, threads)
	batchCh := make(chan *indexdb.Batch, threads)

	g, ctx := errgroup.WithContext(context.Background())
	g.Go(func() error {
		defer close(blocksCh)
		for {
			if err := common.Stopped(quit); err != nil {
				return err
			}
			b, err := src.Next()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
			if _, done := indexed[b.Hash]; done {
				continue
			}
			if !chain.Contains(&b.Hash) {
				continue
			}
			select {
			case blocksCh <- b:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})

	var workers errgroup.Group
	for i := 0; i < threads; i++ {
		workers.Go(func() error {
			for b := range blocksCh {
				batch, err := ExtractRows(&b.Hash, b.Raw)
				if err != nil {
					// Damaged on-disk copies are skipped and get no Block row;
					// this pass does not fetch them again over RPC.
					log.Warn("Unparseable block skipped", "hash", b.Hash, "err", err)
					continue
				}
				select {
				case batchCh <- batch:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		defer close(batchCh)
		return workers.Wait()
	})

	g.Go(func() error {
		var blocks, rows int64
		var bytes datasize.ByteSize
		lastLog := time.Now()
		for batch := range batchCh {
			if err := writeWithRetry(store, batch, quit); err != nil {
				return err
			}
			blocks++
			rows += int64(batch.Len())
			bytes += datasize.ByteSize(batch.Size())
			indexedBlocksMeter.Inc(1)
			indexedRowsMeter.Inc(int64(batch.Len()))
			indexedBytesMeter.Inc(int64(batch.Size()))
			if time.Since(lastLog) > progressLogEvery {
				var m runtime.MemStats
				runtime.ReadMemStats(&m)
				log.Info("Progress", "blocks", blocks, "rows", rows, "written", bytes.HR(), "alloc", datasize.ByteSize(m.Alloc).HR())
				lastLog = time.Now()
			}
		}
		log.Info("Bulk indexing finished", "blocks", blocks, "rows", rows, "written", bytes.HR())
		return nil
	})

	return g.Wait()
}

// writeWithRetry commits one block batch, retrying transient store errors
// with bounded backoff.
func writeWithRetry(store *indexdb.Store, batch *indexdb.Batch, quit <-chan struct{}) error {
	op := func() error {
		if err := common.Stopped(quit); err != nil {
			return backoff.Permanent(err)
		}
		if err := store.Write(batch); err != nil {
			log.Warn("Store write failed, will retry", "rows", batch.Len(), "err", err)
			return err
		}
		return nil
	}
	return backoff.Retry(op, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5))
}

// FinishBulk is the bulk→serve transition: one-shot full compaction, then
// the FullCompaction marker. Refuses to mark completion unless compaction
// succeeded; the caller then closes the store and reopens it in serve mode.
func FinishBulk(store *indexdb.Store, tip *chainhash.Hash) error {
	started := time.Now()
	log.Info("Compacting store")
	if err := store.Flatten(); err != nil {
		return err
	}
	if err := store.WriteCompactionMarker(tip); err != nil {
		return err
	}
	log.Info("Compaction finished", "took", time.Since(started))
	return nil
}

// indexedBlocks scans the Block family into the set of already-indexed
// hashes, which seeds the bulk skip filter.
func indexedBlocks(store *indexdb.Store) (map[chainhash.Hash]struct{}, error) {
	indexed := make(map[chainhash.Hash]struct{})
	err := store.Scan(dbutils.BlockPrefix, func(k, _ []byte) error {
		hash, err := dbutils.ParseBlockKey(k)
		if err != nil {
			return err
		}
		indexed[hash] = struct{}{}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return indexed, nil
}
