package dbutils

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"
)

func hashOf(b byte) *chainhash.Hash {
	var h chainhash.Hash
	for i := range h {
		h[i] = b
	}
	return &h
}

func TestFundingKeyRoundTrip(t *testing.T) {
	sh, txid := hashOf(0xaa), hashOf(0xbb)
	k := FundingKey(sh, txid, 513)
	require.True(t, bytes.HasPrefix(k, FundingScanPrefix(sh)))

	gotTx, gotVout, err := ParseFundingKey(k)
	require.NoError(t, err)
	require.Equal(t, ToPrefix(txid), gotTx)
	require.Equal(t, uint16(513), gotVout)

	_, _, err = ParseFundingKey(k[:len(k)-1])
	require.Error(t, err)
}

func TestSpendingKeyRoundTrip(t *testing.T) {
	prev, spender := hashOf(0x11), hashOf(0x22)
	k := SpendingKey(prev, 7, spender)
	require.True(t, bytes.HasPrefix(k, SpendingScanPrefix(ToPrefix(prev))))

	got, err := ParseSpendingKey(k)
	require.NoError(t, err)
	require.Equal(t, ToPrefix(spender), got)
}

func TestTxIDAndBlockKeys(t *testing.T) {
	txid := hashOf(0x33)
	k := TxIDKey(txid)
	require.True(t, bytes.HasPrefix(k, TxIDScanPrefix(ToPrefix(txid))))
	got, err := ParseTxIDKey(k)
	require.NoError(t, err)
	require.Equal(t, *txid, got)

	blockHash := hashOf(0x44)
	gotBlock, err := ParseBlockKey(BlockKey(blockHash))
	require.NoError(t, err)
	require.Equal(t, *blockHash, gotBlock)
}

// Lexicographic key order must equal semantic scan order: for one script,
// funding keys sort by txid prefix then numerically by output index.
func TestFundingKeyOrdering(t *testing.T) {
	sh := hashOf(0x55)
	txLow, txHigh := hashOf(0x01), hashOf(0x02)
	keys := [][]byte{
		FundingKey(sh, txLow, 0),
		FundingKey(sh, txLow, 255),
		FundingKey(sh, txLow, 256),
		FundingKey(sh, txHigh, 1),
	}
	for i := 1; i < len(keys); i++ {
		if bytes.Compare(keys[i-1], keys[i]) >= 0 {
			t.Errorf("key %d does not sort before key %d", i-1, i)
		}
	}
}

func TestCompactionMarkerRoundTrip(t *testing.T) {
	tip := hashOf(0x66)
	sec, gotTip, err := DecodeCompactionMarker(EncodeCompactionMarker(1700000000, tip))
	require.NoError(t, err)
	require.Equal(t, uint64(1700000000), sec)
	require.Equal(t, *tip, gotTip)

	_, _, err = DecodeCompactionMarker([]byte("short"))
	require.Error(t, err)
}

// No family shares a first byte with another, and the marker key stays
// outside all of them.
func TestFamilyCodesDisjoint(t *testing.T) {
	codes := map[byte]string{}
	for _, p := range [][]byte{FundingPrefix, SpendingPrefix, TxIDPrefix, BlockPrefix, FullCompactionKey} {
		if name, dup := codes[p[0]]; dup {
			t.Fatalf("prefix %q collides with %s", p, name)
		}
		codes[p[0]] = string(p)
	}
}
