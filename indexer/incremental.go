package indexer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/ethereum/go-ethereum/log"

	"github.com/ledgerwatch/addrindex/blocksource"
	"github.com/ledgerwatch/addrindex/common/dbutils"
	"github.com/ledgerwatch/addrindex/daemon"
	"github.com/ledgerwatch/addrindex/indexdb"
)

// ErrDeepReorg means the walk back from the node's tip found no indexed
// ancestor within reorgLimit headers. The updater refuses to advance; the
// operator restarts once node state stabilizes.
var ErrDeepReorg = errors.New("indexer: no indexed ancestor within reorg limit")

// reorgLimit bounds the walk back from the node's tip.
const reorgLimit = 100

// Updater advances the index one tick at a time after the bulk phase. Each
// tick applies one atomic batch per new block, in height order, each block
// durably committed before the next is submitted.
type Updater struct {
	store     *indexdb.Store
	client    *daemon.Client
	batchSize int

	mu    sync.RWMutex
	chain *HeaderChain
}

func NewUpdater(store *indexdb.Store, client *daemon.Client, chain *HeaderChain, batchSize int) *Updater {
	return &Updater{store: store, client: client, chain: chain, batchSize: batchSize}
}

// Chain returns the current best-chain snapshot. The snapshot is immutable;
// Tick replaces it wholesale.
func (u *Updater) Chain() *HeaderChain {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.chain
}

func (u *Updater) swapChain(hc *HeaderChain) {
	u.mu.Lock()
	u.chain = hc
	u.mu.Unlock()
}

// Tick brings the index from its current tip to the node's best tip.
// Driven externally, by a periodic timer or a new-block notification.
func (u *Updater) Tick(ctx context.Context) error {
	info, err := u.client.BlockchainInfo(ctx)
	if err != nil {
		return err
	}
	best, err := chainhash.NewHashFromStr(info.BestBlockHash)
	if err != nil {
		return err
	}
	local := u.Chain()
	if tip, _ := local.Tip(); tip == *best {
		return nil
	}

	newHashes, forkHeight, err := u.walkBack(ctx, best)
	if err != nil {
		return err
	}
	if _, localHeight := local.Tip(); forkHeight < localHeight {
		// Blocks above the fork are now orphaned. Their rows stay in the
		// store; queries filter them through the daemon existence check.
		log.Warn("Chain reorganization", "forkHeight", forkHeight, "orphaned", localHeight-forkHeight, "new", len(newHashes))
	}

	if err := u.applyBlocks(ctx, newHashes); err != nil {
		return err
	}

	next, err := local.Extend(forkHeight, newHashes)
	if err != nil {
		// Fork above the in-memory chain's tip; rebuild from scratch.
		log.Warn("Rebuilding header chain", "reason", err)
		if next, err = FetchChain(ctx, u.client); err != nil {
			return err
		}
	}
	u.swapChain(next)
	tip, height := next.Tip()
	log.Info("Index advanced", "height", height, "tip", tip)
	return nil
}

// walkBack follows parent links from the node's tip until it meets a block
// already present as a Block row. Returns the missing hashes in height order
// and the height of the common ancestor.
func (u *Updater) walkBack(ctx context.Context, best *chainhash.Hash) ([]chainhash.Hash, int32, error) {
	var reversed []chainhash.Hash
	h := *best
	for depth := 0; ; depth++ {
		if depth > reorgLimit {
			log.Error("Reorg deeper than limit, refusing to advance", "limit", reorgLimit, "tip", best)
			return nil, 0, ErrDeepReorg
		}
		has, err := u.store.Has(dbutils.BlockKey(&h))
		if err != nil {
			return nil, 0, err
		}
		hdr, err := u.client.BlockHeader(ctx, &h)
		if err != nil {
			return nil, 0, err
		}
		if has {
			return reverse(reversed), hdr.Height, nil
		}
		reversed = append(reversed, h)
		if hdr.Height == 0 {
			// Genesis itself is unindexed; the whole chain is new.
			return reverse(reversed), -1, nil
		}
		prev, err := chainhash.NewHashFromStr(hdr.PreviousHash)
		if err != nil {
			return nil, 0, err
		}
		h = *prev
	}
}

func reverse(hashes []chainhash.Hash) []chainhash.Hash {
	for i, j := 0, len(hashes)-1; i < j; i, j = i+1, j-1 {
		hashes[i], hashes[j] = hashes[j], hashes[i]
	}
	return hashes
}

// applyBlocks runs the parse/extract pipeline over the new blocks in height
// order, committing block N before block N+1's batch is submitted.
func (u *Updater) applyBlocks(ctx context.Context, hashes []chainhash.Hash) error {
	src := blocksource.NewRpcSource(ctx, u.client, hashes, u.batchSize)
	defer src.Close()
	for {
		b, err := src.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		batch, err := ExtractRows(&b.Hash, b.Raw)
		if err != nil {
			return fmt.Errorf("incremental: %w", err)
		}
		if err := u.store.Write(batch); err != nil {
			return fmt.Errorf("incremental: committing block %s: %w", b.Hash, err)
		}
	}
}
