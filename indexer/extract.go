// Package indexer builds and advances the address index: a bulk pass over a
// block source and an incremental updater that follows the node's tip.
package indexer

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/ledgerwatch/addrindex/common"
	"github.com/ledgerwatch/addrindex/common/dbutils"
	"github.com/ledgerwatch/addrindex/indexdb"
)

// ExtractRows decodes one raw block and assembles the write batch for it:
// one TxID row per transaction, one Funding row per indexable output, one
// Spending row per non-coinbase input, and the Block row itself. The batch
// is self-contained; writing it atomically is what makes the Block row a
// valid durability marker for the whole block.
func ExtractRows(hash *chainhash.Hash, raw []byte) (*indexdb.Batch, error) {
	block := new(wire.MsgBlock)
	if err := block.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("decoding block %s: %w", hash, err)
	}

	b := new(indexdb.Batch)
	for _, tx := range block.Transactions {
		txid := tx.TxHash()
		b.Put(dbutils.TxIDKey(&txid), nil)

		for i, out := range tx.TxOut {
			if !indexableScript(out.PkScript) {
				continue
			}
			sh := common.ScriptHash(out.PkScript)
			b.Put(dbutils.FundingKey(&sh, &txid, uint16(i)), nil)
		}

		for _, in := range tx.TxIn {
			prev := &in.PreviousOutPoint
			if isCoinbaseInput(prev) {
				continue
			}
			b.Put(dbutils.SpendingKey(&prev.Hash, uint16(prev.Index), &txid), nil)
		}
	}

	var hdr bytes.Buffer
	if err := block.Header.Serialize(&hdr); err != nil {
		return nil, err
	}
	b.Put(dbutils.BlockKey(hash), hdr.Bytes())
	return b, nil
}

// indexableScript excludes empty scripts and provably unspendable OP_RETURN
// outputs. Everything else is indexed byte-for-byte; no standardness rules.
func indexableScript(script []byte) bool {
	return len(script) > 0 && script[0] != txscript.OP_RETURN
}

var zeroHash chainhash.Hash

func isCoinbaseInput(prev *wire.OutPoint) bool {
	return prev.Index == wire.MaxPrevOutIndex && prev.Hash == zeroHash
}
