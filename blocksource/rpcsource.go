package blocksource

import (
	"context"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/ledgerwatch/addrindex/daemon"
)

// RpcSource streams blocks from the daemon with batched getblock calls,
// walking the given best-chain hashes in height order.
type RpcSource struct {
	ctx       context.Context
	client    *daemon.Client
	pending   []chainhash.Hash
	batchSize int
	buf       []*Block
}

func NewRpcSource(ctx context.Context, client *daemon.Client, hashes []chainhash.Hash, batchSize int) *RpcSource {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &RpcSource{ctx: ctx, client: client, pending: hashes, batchSize: batchSize}
}

func (s *RpcSource) Next() (*Block, error) {
	if len(s.buf) == 0 {
		if len(s.pending) == 0 {
			return nil, io.EOF
		}
		n := s.batchSize
		if n > len(s.pending) {
			n = len(s.pending)
		}
		hashes := s.pending[:n]
		raws, err := s.client.RawBlocks(s.ctx, hashes)
		if err != nil {
			return nil, err
		}
		s.buf = make([]*Block, n)
		for i := range hashes {
			s.buf[i] = &Block{Hash: hashes[i], Raw: raws[i]}
		}
		s.pending = s.pending[n:]
	}
	b := s.buf[0]
	s.buf = s.buf[1:]
	return b, nil
}

func (s *RpcSource) Close() error {
	s.pending, s.buf = nil, nil
	return nil
}
