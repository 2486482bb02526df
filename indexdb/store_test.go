package indexdb

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"

	"github.com/ledgerwatch/addrindex/common/dbutils"
)

func openMem(t *testing.T) *Store {
	t.Helper()
	s, err := Open("", Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGetMissing(t *testing.T) {
	s := openMem(t)
	_, err := s.Get([]byte("nope"))
	require.ErrorIs(t, err, ErrNotFound)
	ok, err := s.Has([]byte("nope"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestBatchWriteAndScanOrder(t *testing.T) {
	s := openMem(t)
	b := new(Batch)
	b.Put([]byte("Ic"), nil)
	b.Put([]byte("Oa3"), []byte("v3"))
	b.Put([]byte("Oa1"), []byte("v1"))
	b.Put([]byte("Oa2"), []byte("v2"))
	b.Put([]byte("Ob1"), []byte("x"))
	require.Equal(t, 5, b.Len())
	require.NoError(t, s.Write(b))

	var keys []string
	err := s.Scan([]byte("Oa"), func(k, v []byte) error {
		keys = append(keys, string(k))
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"Oa1", "Oa2", "Oa3"}, keys)

	v, err := s.Get([]byte("Oa2"))
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), v)
}

// Rewriting the same batch must leave identical contents behind.
func TestWriteIdempotent(t *testing.T) {
	s := openMem(t)
	b := new(Batch)
	b.Put([]byte("Tabc"), nil)
	b.Put([]byte("Bdef"), []byte("header"))
	require.NoError(t, s.Write(b))
	require.NoError(t, s.Write(b))

	count := 0
	require.NoError(t, s.Scan([]byte("T"), func(k, v []byte) error {
		count++
		return nil
	}))
	require.Equal(t, 1, count)
}

func TestCompactionMarkerLifecycle(t *testing.T) {
	s := openMem(t)
	ok, err := s.Compacted()
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.Flatten())
	tip := chainhash.Hash{0x01}
	require.NoError(t, s.WriteCompactionMarker(&tip))

	ok, err = s.Compacted()
	require.NoError(t, err)
	require.True(t, ok)

	v, err := s.Get(dbutils.FullCompactionKey)
	require.NoError(t, err)
	_, gotTip, err := dbutils.DecodeCompactionMarker(v)
	require.NoError(t, err)
	require.Equal(t, tip, gotTip)
}

// Bulk-written rows must read back after compaction and a serve-mode reopen.
func TestBulkCompactServeReadback(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, Options{Bulk: true})
	require.NoError(t, err)
	b := new(Batch)
	b.Put([]byte("Okey"), nil)
	b.Put([]byte("Tkey"), nil)
	require.NoError(t, s.Write(b))
	require.NoError(t, s.Flatten())
	tip := chainhash.Hash{0x02}
	require.NoError(t, s.WriteCompactionMarker(&tip))
	require.NoError(t, s.Close())

	s, err = Open(dir, Options{})
	require.NoError(t, err)
	defer s.Close()
	ok, err := s.Has([]byte("Okey"))
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.Compacted()
	require.NoError(t, err)
	require.True(t, ok)
}
