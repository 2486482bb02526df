package dbutils

import (
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Row families (use single byte to avoid mixing data types).
//
// All multi-byte integers are big-endian so that lexicographic key order
// equals numeric order, which makes prefix scans return rows in semantic
// order for the two range-scanned families (Funding, Spending).
var (
	// FundingPrefix + script_hash[:8] + txid[:8] + vout (uint16 big endian) -> empty
	// "output with this script exists in this transaction at this index"
	FundingPrefix = []byte("O")

	// SpendingPrefix + prev_txid[:8] + prev_vout (uint16 big endian) + spending_txid[:8] -> empty
	// "this previously created output was spent by this transaction"
	SpendingPrefix = []byte("I")

	// TxIDPrefix + txid (32 bytes) -> empty
	// resolves 8-byte txid prefixes back to full txids, collisions included
	TxIDPrefix = []byte("T")

	// BlockPrefix + block_hash (32 bytes) -> header (80 bytes)
	// presence of the row is the durable "this block has been indexed" signal
	BlockPrefix = []byte("B")

	// FullCompactionKey -> unix seconds (uint64 big endian) + tip block hash (32 bytes)
	// present iff the store has been fully compacted at least once
	FullCompactionKey = []byte("F")
)

// HashPrefixLen is how many leading bytes of a txid or script hash are kept
// in Funding and Spending keys. Truncation is a space/time tradeoff; the
// query layer resolves collisions through the TxID family plus the daemon.
const HashPrefixLen = 8

const (
	fundingKeyLen  = 1 + HashPrefixLen + HashPrefixLen + 2
	spendingKeyLen = 1 + HashPrefixLen + 2 + HashPrefixLen
)

// HashPrefix is a truncated txid or script hash as stored in index keys.
type HashPrefix [HashPrefixLen]byte

func ToPrefix(h *chainhash.Hash) HashPrefix {
	var p HashPrefix
	copy(p[:], h[:HashPrefixLen])
	return p
}

func FundingKey(scriptHash *chainhash.Hash, txid *chainhash.Hash, vout uint16) []byte {
	k := make([]byte, fundingKeyLen)
	k[0] = FundingPrefix[0]
	copy(k[1:], scriptHash[:HashPrefixLen])
	copy(k[1+HashPrefixLen:], txid[:HashPrefixLen])
	binary.BigEndian.PutUint16(k[1+2*HashPrefixLen:], vout)
	return k
}

func FundingScanPrefix(scriptHash *chainhash.Hash) []byte {
	k := make([]byte, 1+HashPrefixLen)
	k[0] = FundingPrefix[0]
	copy(k[1:], scriptHash[:HashPrefixLen])
	return k
}

func ParseFundingKey(k []byte) (txid HashPrefix, vout uint16, err error) {
	if len(k) != fundingKeyLen || k[0] != FundingPrefix[0] {
		return txid, 0, fmt.Errorf("malformed funding key %x", k)
	}
	copy(txid[:], k[1+HashPrefixLen:])
	vout = binary.BigEndian.Uint16(k[1+2*HashPrefixLen:])
	return txid, vout, nil
}

func SpendingKey(prevTxid *chainhash.Hash, prevVout uint16, spendingTxid *chainhash.Hash) []byte {
	k := make([]byte, spendingKeyLen)
	k[0] = SpendingPrefix[0]
	copy(k[1:], prevTxid[:HashPrefixLen])
	binary.BigEndian.PutUint16(k[1+HashPrefixLen:], prevVout)
	copy(k[1+HashPrefixLen+2:], spendingTxid[:HashPrefixLen])
	return k
}

func SpendingScanPrefix(fundingTxid HashPrefix) []byte {
	k := make([]byte, 1+HashPrefixLen)
	k[0] = SpendingPrefix[0]
	copy(k[1:], fundingTxid[:])
	return k
}

func ParseSpendingKey(k []byte) (spendingTxid HashPrefix, err error) {
	if len(k) != spendingKeyLen || k[0] != SpendingPrefix[0] {
		return spendingTxid, fmt.Errorf("malformed spending key %x", k)
	}
	copy(spendingTxid[:], k[1+HashPrefixLen+2:])
	return spendingTxid, nil
}

func TxIDKey(txid *chainhash.Hash) []byte {
	k := make([]byte, 1+chainhash.HashSize)
	k[0] = TxIDPrefix[0]
	copy(k[1:], txid[:])
	return k
}

func TxIDScanPrefix(p HashPrefix) []byte {
	k := make([]byte, 1+HashPrefixLen)
	k[0] = TxIDPrefix[0]
	copy(k[1:], p[:])
	return k
}

func ParseTxIDKey(k []byte) (chainhash.Hash, error) {
	var txid chainhash.Hash
	if len(k) != 1+chainhash.HashSize || k[0] != TxIDPrefix[0] {
		return txid, fmt.Errorf("malformed txid key %x", k)
	}
	copy(txid[:], k[1:])
	return txid, nil
}

func BlockKey(hash *chainhash.Hash) []byte {
	k := make([]byte, 1+chainhash.HashSize)
	k[0] = BlockPrefix[0]
	copy(k[1:], hash[:])
	return k
}

func ParseBlockKey(k []byte) (chainhash.Hash, error) {
	var hash chainhash.Hash
	if len(k) != 1+chainhash.HashSize || k[0] != BlockPrefix[0] {
		return hash, fmt.Errorf("malformed block key %x", k)
	}
	copy(hash[:], k[1:])
	return hash, nil
}

func EncodeCompactionMarker(unixSec uint64, tip *chainhash.Hash) []byte {
	v := make([]byte, 8+chainhash.HashSize)
	binary.BigEndian.PutUint64(v, unixSec)
	copy(v[8:], tip[:])
	return v
}

func DecodeCompactionMarker(v []byte) (unixSec uint64, tip chainhash.Hash, err error) {
	if len(v) != 8+chainhash.HashSize {
		return 0, tip, fmt.Errorf("malformed compaction marker %x", v)
	}
	unixSec = binary.BigEndian.Uint64(v)
	copy(tip[:], v[8:])
	return unixSec, tip, nil
}
