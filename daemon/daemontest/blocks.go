package daemontest

import (
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// CoinbaseTx builds a coinbase paying one output per script. The height goes
// into the signature script so every coinbase hashes uniquely.
func CoinbaseTx(height int32, scripts ...[]byte) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	sig := []byte{0x03, byte(height), byte(height >> 8), byte(height >> 16)}
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&chainhash.Hash{}, wire.MaxPrevOutIndex), sig, nil))
	for _, script := range scripts {
		tx.AddTxOut(wire.NewTxOut(50_0000_0000, script))
	}
	return tx
}

// SpendTx builds a transaction spending (prevTxid, prevVout) into one output
// per script.
func SpendTx(prevTxid *chainhash.Hash, prevVout uint32, scripts ...[]byte) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(prevTxid, prevVout), nil, nil))
	for _, script := range scripts {
		tx.AddTxOut(wire.NewTxOut(49_0000_0000, script))
	}
	return tx
}

// MakeBlock assembles a block on top of prev. The merkle root is a hash of
// the txids rather than a real merkle tree; nothing in the indexer checks
// it, and it keeps block hashes distinct.
func MakeBlock(prev chainhash.Hash, txs ...*wire.MsgTx) *wire.MsgBlock {
	var concat []byte
	for _, tx := range txs {
		h := tx.TxHash()
		concat = append(concat, h[:]...)
	}
	merkle := chainhash.DoubleHashH(concat)
	hdr := wire.NewBlockHeader(1, &prev, &merkle, 0x207fffff, 0)
	hdr.Timestamp = time.Unix(1_600_000_000, 0)
	block := wire.NewMsgBlock(hdr)
	for _, tx := range txs {
		block.AddTransaction(tx)
	}
	return block
}
