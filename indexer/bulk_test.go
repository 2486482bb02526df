package indexer

import (
	"bytes"
	"io"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/ledgerwatch/addrindex/blocksource"
	"github.com/ledgerwatch/addrindex/common"
	"github.com/ledgerwatch/addrindex/common/dbutils"
	"github.com/ledgerwatch/addrindex/daemon/daemontest"
	"github.com/ledgerwatch/addrindex/indexdb"
)

// sliceSource feeds pre-built blocks, in whatever order they were appended.
type sliceSource struct {
	blocks []*blocksource.Block
}

func (s *sliceSource) Next() (*blocksource.Block, error) {
	if len(s.blocks) == 0 {
		return nil, io.EOF
	}
	b := s.blocks[0]
	s.blocks = s.blocks[1:]
	return b, nil
}

func (s *sliceSource) Close() error { return nil }

func sourceOf(t *testing.T, blocks ...*wire.MsgBlock) *sliceSource {
	t.Helper()
	src := new(sliceSource)
	for _, b := range blocks {
		var buf bytes.Buffer
		require.NoError(t, b.Serialize(&buf))
		src.blocks = append(src.blocks, &blocksource.Block{Hash: b.BlockHash(), Raw: buf.Bytes()})
	}
	return src
}

func openMem(t *testing.T) *indexdb.Store {
	t.Helper()
	s, err := indexdb.Open("", indexdb.Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func scanCount(t *testing.T, store *indexdb.Store, prefix []byte) int {
	t.Helper()
	count := 0
	require.NoError(t, store.Scan(prefix, func(k, v []byte) error {
		count++
		return nil
	}))
	return count
}

func TestIndexBulkTwoBlocks(t *testing.T) {
	cb := daemontest.CoinbaseTx(0, scriptA)
	cbTxid := cb.TxHash()
	b0 := daemontest.MakeBlock(chainhash.Hash{}, cb)

	tx1 := daemontest.SpendTx(&cbTxid, 0, scriptB)
	tx1Txid := tx1.TxHash()
	b1 := daemontest.MakeBlock(b0.BlockHash(), tx1, daemontest.CoinbaseTx(1))

	// A block off the best chain must be filtered out before parsing.
	stale := daemontest.MakeBlock(b0.BlockHash(), daemontest.CoinbaseTx(99))

	chain := NewHeaderChain([]chainhash.Hash{b0.BlockHash(), b1.BlockHash()})
	store := openMem(t)

	err := IndexBulk(sourceOf(t, b0, b1, stale), store, chain, 2, nil)
	require.NoError(t, err)

	for _, b := range []*wire.MsgBlock{b0, b1} {
		hash := b.BlockHash()
		ok, err := store.Has(dbutils.BlockKey(&hash))
		require.NoError(t, err)
		require.True(t, ok, "missing block row for %s", hash)
	}
	staleHash := stale.BlockHash()
	ok, err := store.Has(dbutils.BlockKey(&staleHash))
	require.NoError(t, err)
	require.False(t, ok, "stale block must not be indexed")

	// Funding rows for both scripts, and the spend of the coinbase output.
	shA, shB := common.ScriptHash(scriptA), common.ScriptHash(scriptB)
	require.Equal(t, 1, scanCount(t, store, dbutils.FundingScanPrefix(&shA)))
	require.Equal(t, 1, scanCount(t, store, dbutils.FundingScanPrefix(&shB)))

	var spenders []dbutils.HashPrefix
	require.NoError(t, store.Scan(dbutils.SpendingScanPrefix(dbutils.ToPrefix(&cbTxid)), func(k, v []byte) error {
		p, err := dbutils.ParseSpendingKey(k)
		require.NoError(t, err)
		spenders = append(spenders, p)
		return nil
	}))
	require.Equal(t, []dbutils.HashPrefix{dbutils.ToPrefix(&tx1Txid)}, spenders)
}

// Running the bulk indexer twice over the same input leaves identical rows.
func TestIndexBulkIdempotent(t *testing.T) {
	b0 := daemontest.MakeBlock(chainhash.Hash{}, daemontest.CoinbaseTx(0, scriptA))
	chain := NewHeaderChain([]chainhash.Hash{b0.BlockHash()})
	store := openMem(t)

	require.NoError(t, IndexBulk(sourceOf(t, b0), store, chain, 1, nil))
	rows := scanCount(t, store, dbutils.TxIDPrefix)

	require.NoError(t, IndexBulk(sourceOf(t, b0), store, chain, 1, nil))
	require.Equal(t, rows, scanCount(t, store, dbutils.TxIDPrefix))
}

func TestIndexBulkStopped(t *testing.T) {
	b0 := daemontest.MakeBlock(chainhash.Hash{}, daemontest.CoinbaseTx(0, scriptA))
	chain := NewHeaderChain([]chainhash.Hash{b0.BlockHash()})
	store := openMem(t)

	quit := make(chan struct{})
	close(quit)
	err := IndexBulk(sourceOf(t, b0), store, chain, 1, quit)
	require.ErrorIs(t, err, common.ErrStopped)
}

func TestFinishBulkWritesMarker(t *testing.T) {
	store := openMem(t)
	tip := chainhash.Hash{0x07}
	require.NoError(t, FinishBulk(store, &tip))
	ok, err := store.Compacted()
	require.NoError(t, err)
	require.True(t, ok)
}
