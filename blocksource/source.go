// Package blocksource produces streams of raw blocks for the indexer, either
// from the node's blk*.dat files on disk or from the node over JSONRPC.
package blocksource

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Block is one raw block as pulled from a source. Raw is the canonical
// network encoding, header first.
type Block struct {
	Hash chainhash.Hash
	Raw  []byte
}

// Source is a finite, single-pass, lazy stream of blocks. Next returns
// io.EOF once the stream is exhausted. Sources may be abandoned early; Close
// releases whatever the source still holds.
type Source interface {
	Next() (*Block, error)
	Close() error
}
