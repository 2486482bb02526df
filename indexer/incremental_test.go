package indexer

import (
	"bytes"
	"context"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/ledgerwatch/addrindex/common/dbutils"
	"github.com/ledgerwatch/addrindex/daemon"
	"github.com/ledgerwatch/addrindex/daemon/daemontest"
	"github.com/ledgerwatch/addrindex/indexdb"
)

func newNodeClient(t *testing.T, n *daemontest.Node) *daemon.Client {
	t.Helper()
	c, err := daemon.New(daemon.Config{
		Host: n.Host(),
		Port: n.Port(),
		Auth: daemontest.User + ":" + daemontest.Password,
	})
	require.NoError(t, err)
	return c
}

func writeBlock(t *testing.T, store *indexdb.Store, b *wire.MsgBlock) {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, b.Serialize(&buf))
	hash := b.BlockHash()
	batch, err := ExtractRows(&hash, buf.Bytes())
	require.NoError(t, err)
	require.NoError(t, store.Write(batch))
}

// seedChain puts length linked blocks into the node, the store, and a
// HeaderChain, returning the blocks.
func seedChain(t *testing.T, n *daemontest.Node, store *indexdb.Store, length int) []*wire.MsgBlock {
	t.Helper()
	blocks := make([]*wire.MsgBlock, length)
	prev := chainhash.Hash{}
	for i := range blocks {
		blocks[i] = daemontest.MakeBlock(prev, daemontest.CoinbaseTx(int32(i), scriptA))
		n.AddBlock(blocks[i])
		writeBlock(t, store, blocks[i])
		prev = blocks[i].BlockHash()
	}
	return blocks
}

func chainFromBlocks(blocks []*wire.MsgBlock) *HeaderChain {
	hashes := make([]chainhash.Hash, len(blocks))
	for i, b := range blocks {
		hashes[i] = b.BlockHash()
	}
	return NewHeaderChain(hashes)
}

func TestTickNoNewBlocks(t *testing.T) {
	n := daemontest.New()
	defer n.Close()
	store := openMem(t)
	blocks := seedChain(t, n, store, 3)

	u := NewUpdater(store, newNodeClient(t, n), chainFromBlocks(blocks), 10)
	require.NoError(t, u.Tick(context.Background()))
	tip, height := u.Chain().Tip()
	require.Equal(t, blocks[2].BlockHash(), tip)
	require.Equal(t, int32(2), height)
}

// A new block spending an output three blocks back is applied in one tick.
func TestTickAppendsNewBlock(t *testing.T) {
	n := daemontest.New()
	defer n.Close()
	store := openMem(t)
	blocks := seedChain(t, n, store, 4)

	oldCb := blocks[1].Transactions[0]
	oldTxid := oldCb.TxHash()
	spend := daemontest.SpendTx(&oldTxid, 0, scriptB)
	spendTxid := spend.TxHash()
	b4 := daemontest.MakeBlock(blocks[3].BlockHash(), daemontest.CoinbaseTx(4), spend)
	n.AddBlock(b4)

	u := NewUpdater(store, newNodeClient(t, n), chainFromBlocks(blocks), 10)
	require.NoError(t, u.Tick(context.Background()))

	b4Hash := b4.BlockHash()
	ok, err := store.Has(dbutils.BlockKey(&b4Hash))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.Has(dbutils.SpendingKey(&oldTxid, 0, &spendTxid))
	require.NoError(t, err)
	require.True(t, ok)

	tip, height := u.Chain().Tip()
	require.Equal(t, b4Hash, tip)
	require.Equal(t, int32(4), height)
}

// A fork two blocks below the local tip: the new branch is applied, the
// orphaned rows stay behind.
func TestTickShallowReorg(t *testing.T) {
	n := daemontest.New()
	defer n.Close()
	store := openMem(t)
	blocks := seedChain(t, n, store, 5)

	fork := blocks[2].BlockHash()
	r3 := daemontest.MakeBlock(fork, daemontest.CoinbaseTx(103, scriptB))
	r4 := daemontest.MakeBlock(r3.BlockHash(), daemontest.CoinbaseTx(104))
	r5 := daemontest.MakeBlock(r4.BlockHash(), daemontest.CoinbaseTx(105))
	n.Reorg(2, r3, r4, r5)

	u := NewUpdater(store, newNodeClient(t, n), chainFromBlocks(blocks), 10)
	require.NoError(t, u.Tick(context.Background()))

	for _, b := range []*wire.MsgBlock{r3, r4, r5} {
		hash := b.BlockHash()
		ok, err := store.Has(dbutils.BlockKey(&hash))
		require.NoError(t, err)
		require.True(t, ok, "replacement block %s not indexed", hash)
	}

	// Orphaned block rows are not rewritten in this version.
	orphan := blocks[4].BlockHash()
	ok, err := store.Has(dbutils.BlockKey(&orphan))
	require.NoError(t, err)
	require.True(t, ok)

	tip, height := u.Chain().Tip()
	require.Equal(t, r5.BlockHash(), tip)
	require.Equal(t, int32(5), height)
	require.False(t, u.Chain().Contains(&orphan))
}

// With no indexed ancestor within the walk-back limit the updater refuses
// to advance.
func TestTickDeepReorg(t *testing.T) {
	n := daemontest.New()
	defer n.Close()
	store := openMem(t)

	prev := chainhash.Hash{}
	for i := 0; i < reorgLimit+2; i++ {
		b := daemontest.MakeBlock(prev, daemontest.CoinbaseTx(int32(i)))
		n.AddBlock(b)
		prev = b.BlockHash()
	}

	u := NewUpdater(store, newNodeClient(t, n), NewHeaderChain(nil), 10)
	require.ErrorIs(t, u.Tick(context.Background()), ErrDeepReorg)
}
