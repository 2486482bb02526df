package indexer

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/ethereum/go-ethereum/log"

	"github.com/ledgerwatch/addrindex/daemon"
)

// HeaderChain is the best chain as a height-ordered hash list, rebuilt from
// the daemon at startup and replaced atomically by the incremental updater.
// It answers "is this block on the best chain" and "at what height".
type HeaderChain struct {
	hashes  []chainhash.Hash
	heights map[chainhash.Hash]int32
}

func NewHeaderChain(hashes []chainhash.Hash) *HeaderChain {
	hc := &HeaderChain{
		hashes:  hashes,
		heights: make(map[chainhash.Hash]int32, len(hashes)),
	}
	for i := range hashes {
		hc.heights[hashes[i]] = int32(i)
	}
	return hc
}

// FetchChain pulls the full best-chain hash list from the daemon with
// batched getblockhash calls.
func FetchChain(ctx context.Context, client *daemon.Client) (*HeaderChain, error) {
	info, err := client.BlockchainInfo(ctx)
	if err != nil {
		return nil, err
	}
	hashes, err := client.BlockHashes(ctx, 0, int64(info.Blocks))
	if err != nil {
		return nil, err
	}
	log.Info("Loaded best chain", "height", info.Blocks, "tip", info.BestBlockHash)
	return NewHeaderChain(hashes), nil
}

func (hc *HeaderChain) Len() int { return len(hc.hashes) }

// Hashes exposes the height-ordered hash list. Callers must not mutate it.
func (hc *HeaderChain) Hashes() []chainhash.Hash { return hc.hashes }

func (hc *HeaderChain) Contains(h *chainhash.Hash) bool {
	_, ok := hc.heights[*h]
	return ok
}

func (hc *HeaderChain) Height(h *chainhash.Hash) (int32, bool) {
	height, ok := hc.heights[*h]
	return height, ok
}

func (hc *HeaderChain) HashAt(height int32) (chainhash.Hash, bool) {
	if height < 0 || int(height) >= len(hc.hashes) {
		return chainhash.Hash{}, false
	}
	return hc.hashes[height], true
}

// Tip returns the best hash and its height, or (zero, -1) for an empty chain.
func (hc *HeaderChain) Tip() (chainhash.Hash, int32) {
	if len(hc.hashes) == 0 {
		return chainhash.Hash{}, -1
	}
	return hc.hashes[len(hc.hashes)-1], int32(len(hc.hashes) - 1)
}

// Extend returns a new chain equal to hc truncated above forkHeight with
// newHashes appended. It fails if forkHeight does not fit hc, in which case
// the caller should rebuild the chain from the daemon instead.
func (hc *HeaderChain) Extend(forkHeight int32, newHashes []chainhash.Hash) (*HeaderChain, error) {
	if int(forkHeight)+1 > len(hc.hashes) {
		return nil, fmt.Errorf("fork height %d beyond local chain %d", forkHeight, len(hc.hashes)-1)
	}
	hashes := make([]chainhash.Hash, 0, int(forkHeight)+1+len(newHashes))
	hashes = append(hashes, hc.hashes[:forkHeight+1]...)
	hashes = append(hashes, newHashes...)
	return NewHeaderChain(hashes), nil
}
