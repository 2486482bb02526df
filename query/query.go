// Package query answers address-history lookups from the schema scans, the
// block→txids cache, and the daemon.
package query

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/ledgerwatch/addrindex/common"
	"github.com/ledgerwatch/addrindex/common/dbutils"
	"github.com/ledgerwatch/addrindex/daemon"
	"github.com/ledgerwatch/addrindex/indexdb"
	"github.com/ledgerwatch/addrindex/indexer"
)

// HistoryEntry is one transaction touching a script. Height 0 means the
// transaction is not confirmed on the current best chain.
type HistoryEntry struct {
	TxID   chainhash.Hash
	Height int32
}

// Engine serves point queries for address history. Store scans run against
// consistent snapshots, so concurrent use from many connections is safe.
type Engine struct {
	store  *indexdb.Store
	client *daemon.Client
	cache  *TxidCache
	chain  func() *indexer.HeaderChain
}

func NewEngine(store *indexdb.Store, client *daemon.Client, cache *TxidCache, chain func() *indexer.HeaderChain) *Engine {
	return &Engine{store: store, client: client, cache: cache, chain: chain}
}

// History returns every transaction that funds scriptHash plus every
// transaction spending one of those outputs, deduplicated, no ordering
// guarantee. Truncated-prefix collisions are resolved through the TxID
// family and reconciled against the daemon; transactions the daemon no
// longer knows (orphans) are dropped.
func (e *Engine) History(ctx context.Context, scriptHash *chainhash.Hash) ([]HistoryEntry, error) {
	type funding struct {
		prefix dbutils.HashPrefix
		vouts  []uint16
	}
	var fundings []funding
	byPrefix := make(map[dbutils.HashPrefix]int)
	err := e.store.Scan(dbutils.FundingScanPrefix(scriptHash), func(k, _ []byte) error {
		prefix, vout, err := dbutils.ParseFundingKey(k)
		if err != nil {
			return err
		}
		i, ok := byPrefix[prefix]
		if !ok {
			i = len(fundings)
			byPrefix[prefix] = i
			fundings = append(fundings, funding{prefix: prefix})
		}
		fundings[i].vouts = append(fundings[i].vouts, vout)
		return nil
	})
	if err != nil {
		return nil, err
	}

	seen := make(map[chainhash.Hash]struct{})
	var result []HistoryEntry
	add := func(txid chainhash.Hash) error {
		if _, dup := seen[txid]; dup {
			return nil
		}
		seen[txid] = struct{}{}
		entry, ok, err := e.confirm(ctx, &txid)
		if err != nil {
			return err
		}
		if ok {
			result = append(result, entry)
		}
		return nil
	}

	for _, f := range fundings {
		txids, err := e.resolveFunding(ctx, f.prefix, scriptHash)
		if err != nil {
			return nil, err
		}
		for i := range txids {
			if err := add(txids[i]); err != nil {
				return nil, err
			}
			spenders, err := e.resolveSpenders(ctx, &txids[i])
			if err != nil {
				return nil, err
			}
			for j := range spenders {
				if err := add(spenders[j]); err != nil {
					return nil, err
				}
			}
		}
	}
	return result, nil
}

// GetOldestTx returns the earliest-confirmed history entry at or below
// height, or nil when the script has none. Used by clients that need the
// funding-origin transaction.
func (e *Engine) GetOldestTx(ctx context.Context, scriptHash *chainhash.Hash, height int32) (*HistoryEntry, error) {
	entries, err := e.History(ctx, scriptHash)
	if err != nil {
		return nil, err
	}
	var oldest *HistoryEntry
	for i := range entries {
		en := &entries[i]
		if en.Height == 0 || en.Height > height {
			continue
		}
		if oldest == nil || en.Height < oldest.Height {
			oldest = en
		}
	}
	return oldest, nil
}

// expandPrefix materializes every full txid sharing an 8-byte prefix.
func (e *Engine) expandPrefix(p dbutils.HashPrefix) ([]chainhash.Hash, error) {
	var txids []chainhash.Hash
	err := e.store.Scan(dbutils.TxIDScanPrefix(p), func(k, _ []byte) error {
		txid, err := dbutils.ParseTxIDKey(k)
		if err != nil {
			return err
		}
		txids = append(txids, txid)
		return nil
	})
	return txids, err
}

// resolveFunding expands a funding prefix and, when the expansion is
// ambiguous, keeps only candidates the daemon confirms actually pay to
// scriptHash. The check must not be short-circuited: a lone candidate is
// unambiguous, but two sharing a prefix are indistinguishable in the index.
func (e *Engine) resolveFunding(ctx context.Context, p dbutils.HashPrefix, scriptHash *chainhash.Hash) ([]chainhash.Hash, error) {
	candidates, err := e.expandPrefix(p)
	if err != nil || len(candidates) <= 1 {
		return candidates, err
	}
	var kept []chainhash.Hash
	for i := range candidates {
		ok, err := e.paysTo(ctx, &candidates[i], scriptHash)
		if err != nil {
			return nil, err
		}
		if ok {
			kept = append(kept, candidates[i])
		}
	}
	return kept, nil
}

// resolveSpenders collects the spending transactions of fundingTxid's
// outputs, resolving prefixes and reconciling ambiguous expansions against
// the daemon.
func (e *Engine) resolveSpenders(ctx context.Context, fundingTxid *chainhash.Hash) ([]chainhash.Hash, error) {
	var prefixes []dbutils.HashPrefix
	err := e.store.Scan(dbutils.SpendingScanPrefix(dbutils.ToPrefix(fundingTxid)), func(k, _ []byte) error {
		p, err := dbutils.ParseSpendingKey(k)
		if err != nil {
			return err
		}
		prefixes = append(prefixes, p)
		return nil
	})
	if err != nil {
		return nil, err
	}

	var spenders []chainhash.Hash
	for _, p := range prefixes {
		candidates, err := e.expandPrefix(p)
		if err != nil {
			return nil, err
		}
		if len(candidates) <= 1 {
			spenders = append(spenders, candidates...)
			continue
		}
		for i := range candidates {
			ok, err := e.spends(ctx, &candidates[i], fundingTxid)
			if err != nil {
				return nil, err
			}
			if ok {
				spenders = append(spenders, candidates[i])
			}
		}
	}
	return spenders, nil
}

// paysTo asks the daemon whether any output of txid carries a script hashing
// to scriptHash.
func (e *Engine) paysTo(ctx context.Context, txid, scriptHash *chainhash.Hash) (bool, error) {
	tx, err := e.client.RawTransactionVerbose(ctx, txid)
	if err != nil {
		return false, nil // unknown to the daemon: orphan, not a match
	}
	for _, out := range tx.Vout {
		script, err := hex.DecodeString(out.ScriptPubKey.Hex)
		if err != nil {
			return false, fmt.Errorf("query: tx %s vout %d: %w", txid, out.N, err)
		}
		if sh := common.ScriptHash(script); sh == *scriptHash {
			return true, nil
		}
	}
	return false, nil
}

// spends asks the daemon whether txid has an input consuming an output of
// fundingTxid.
func (e *Engine) spends(ctx context.Context, txid, fundingTxid *chainhash.Hash) (bool, error) {
	tx, err := e.client.RawTransactionVerbose(ctx, txid)
	if err != nil {
		return false, nil
	}
	want := fundingTxid.String()
	for _, in := range tx.Vin {
		if in.Txid == want {
			return true, nil
		}
	}
	return false, nil
}

// confirm attaches the confirmed height to txid, consulting the block→txids
// cache. A transaction the daemon does not know is reported as gone
// (orphaned rows linger in the store and are filtered right here).
func (e *Engine) confirm(ctx context.Context, txid *chainhash.Hash) (HistoryEntry, bool, error) {
	tx, err := e.client.RawTransactionVerbose(ctx, txid)
	if err != nil {
		return HistoryEntry{}, false, nil
	}
	if tx.BlockHash == "" {
		return HistoryEntry{TxID: *txid}, true, nil // in mempool
	}
	blockHash, err := chainhash.NewHashFromStr(tx.BlockHash)
	if err != nil {
		return HistoryEntry{}, false, err
	}
	txids, err := e.blockTxids(ctx, blockHash)
	if err != nil {
		return HistoryEntry{}, false, err
	}
	found := false
	for i := range txids {
		if txids[i] == *txid {
			found = true
			break
		}
	}
	height, onChain := e.chain().Height(blockHash)
	if !found || !onChain {
		return HistoryEntry{TxID: *txid}, true, nil
	}
	return HistoryEntry{TxID: *txid, Height: height}, true, nil
}

// blockTxids returns the ordered txid list of a block, from the cache when
// possible, populating it from the daemon on miss.
func (e *Engine) blockTxids(ctx context.Context, blockHash *chainhash.Hash) ([]chainhash.Hash, error) {
	if txids, ok := e.cache.Get(blockHash); ok {
		return txids, nil
	}
	raws, err := e.client.RawBlocks(ctx, []chainhash.Hash{*blockHash})
	if err != nil {
		return nil, err
	}
	block := new(wire.MsgBlock)
	if err := block.Deserialize(bytes.NewReader(raws[0])); err != nil {
		return nil, fmt.Errorf("query: decoding block %s: %w", blockHash, err)
	}
	txids := make([]chainhash.Hash, len(block.Transactions))
	for i, tx := range block.Transactions {
		txids[i] = tx.TxHash()
	}
	e.cache.Add(blockHash, txids)
	return txids, nil
}
