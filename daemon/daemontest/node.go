// Package daemontest runs a fake Bitcoin Core JSONRPC node over
// net/http/httptest for tests of the daemon client and everything above it.
package daemontest

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

const (
	// Credentials the node accepts.
	User     = "user"
	Password = "hunter2"
)

type Node struct {
	mu      sync.Mutex
	srv     *httptest.Server
	chain   []*wire.MsgBlock
	hashes  []chainhash.Hash
	heights map[chainhash.Hash]int32
	txBlock map[chainhash.Hash]chainhash.Hash // txid -> containing block
	mempool map[chainhash.Hash]struct{}
}

func New() *Node {
	n := &Node{
		heights: make(map[chainhash.Hash]int32),
		txBlock: make(map[chainhash.Hash]chainhash.Hash),
		mempool: make(map[chainhash.Hash]struct{}),
	}
	n.srv = httptest.NewServer(http.HandlerFunc(n.serveHTTP))
	return n
}

func (n *Node) Close() { n.srv.Close() }

// Host and Port locate the node's JSONRPC endpoint.
func (n *Node) Host() string {
	host, _, _ := net.SplitHostPort(n.srv.Listener.Addr().String())
	return host
}

func (n *Node) Port() int {
	_, port, _ := net.SplitHostPort(n.srv.Listener.Addr().String())
	p, _ := strconv.Atoi(port)
	return p
}

// AddBlock appends a block to the chain tip and indexes its transactions.
func (n *Node) AddBlock(b *wire.MsgBlock) chainhash.Hash {
	n.mu.Lock()
	defer n.mu.Unlock()
	hash := b.BlockHash()
	n.heights[hash] = int32(len(n.chain))
	n.chain = append(n.chain, b)
	n.hashes = append(n.hashes, hash)
	for _, tx := range b.Transactions {
		n.txBlock[tx.TxHash()] = hash
	}
	return hash
}

// Reorg drops every block above keepHeight, forgetting their transactions,
// then appends blocks as the new best chain.
func (n *Node) Reorg(keepHeight int32, blocks ...*wire.MsgBlock) {
	n.mu.Lock()
	for _, b := range n.chain[keepHeight+1:] {
		hash := b.BlockHash()
		delete(n.heights, hash)
		for _, tx := range b.Transactions {
			delete(n.txBlock, tx.TxHash())
		}
	}
	n.chain = n.chain[:keepHeight+1]
	n.hashes = n.hashes[:keepHeight+1]
	n.mu.Unlock()
	for _, b := range blocks {
		n.AddBlock(b)
	}
}

// AddMempool marks txid as present in the node's mempool.
func (n *Node) AddMempool(txid chainhash.Hash) {
	n.mu.Lock()
	n.mempool[txid] = struct{}{}
	n.mu.Unlock()
}

type request struct {
	ID     uint64            `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

type response struct {
	ID     uint64      `json:"id"`
	Result interface{} `json:"result"`
	Error  interface{} `json:"error"`
}

func rpcErr(code int, msg string) map[string]interface{} {
	return map[string]interface{}{"code": code, "message": msg}
}

func (n *Node) serveHTTP(w http.ResponseWriter, r *http.Request) {
	want := "Basic " + base64.StdEncoding.EncodeToString([]byte(User+":"+Password))
	if r.Header.Get("Authorization") != want {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r.Body); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	body := bytes.TrimSpace(buf.Bytes())
	w.Header().Set("Content-Type", "application/json")
	if len(body) > 0 && body[0] == '[' {
		var reqs []request
		if err := json.Unmarshal(body, &reqs); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		resps := make([]response, len(reqs))
		for i := range reqs {
			resps[i] = n.handle(&reqs[i])
		}
		json.NewEncoder(w).Encode(resps)
		return
	}
	var req request
	if err := json.Unmarshal(body, &req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	json.NewEncoder(w).Encode(n.handle(&req))
}

func (n *Node) handle(req *request) response {
	n.mu.Lock()
	defer n.mu.Unlock()
	result, errObj := n.dispatch(req.Method, req.Params)
	return response{ID: req.ID, Result: result, Error: errObj}
}

func (n *Node) dispatch(method string, params []json.RawMessage) (interface{}, interface{}) {
	switch method {
	case "getnetworkinfo":
		return map[string]interface{}{"version": 210000, "subversion": "/Satoshi:0.21.0/"}, nil

	case "getblockchaininfo":
		tip := ""
		if len(n.hashes) > 0 {
			tip = n.hashes[len(n.hashes)-1].String()
		}
		return map[string]interface{}{
			"chain":         "regtest",
			"blocks":        len(n.chain) - 1,
			"headers":       len(n.chain) - 1,
			"bestblockhash": tip,
		}, nil

	case "getblockhash":
		var height int64
		json.Unmarshal(params[0], &height)
		if height < 0 || height >= int64(len(n.hashes)) {
			return nil, rpcErr(-8, "Block height out of range")
		}
		return n.hashes[height].String(), nil

	case "getblockheader":
		hash, err := hashParam(params[0])
		if err != nil {
			return nil, rpcErr(-5, "Block not found")
		}
		height, ok := n.heights[*hash]
		if !ok {
			return nil, rpcErr(-5, "Block not found")
		}
		hdr := map[string]interface{}{"hash": hash.String(), "height": height}
		if height > 0 {
			hdr["previousblockhash"] = n.hashes[height-1].String()
		}
		if int(height) < len(n.hashes)-1 {
			hdr["nextblockhash"] = n.hashes[height+1].String()
		}
		return hdr, nil

	case "getblock":
		hash, err := hashParam(params[0])
		if err != nil {
			return nil, rpcErr(-5, "Block not found")
		}
		height, ok := n.heights[*hash]
		if !ok {
			return nil, rpcErr(-5, "Block not found")
		}
		var buf bytes.Buffer
		n.chain[height].Serialize(&buf)
		return hex.EncodeToString(buf.Bytes()), nil

	case "getrawtransaction":
		txid, err := hashParam(params[0])
		if err != nil {
			return nil, rpcErr(-8, "parameter 1 must be hexadecimal")
		}
		blockHash, ok := n.txBlock[*txid]
		if !ok {
			if _, inPool := n.mempool[*txid]; inPool {
				return map[string]interface{}{"txid": txid.String()}, nil
			}
			return nil, rpcErr(-5, "No such mempool or blockchain transaction")
		}
		tx := n.findTx(&blockHash, txid)
		verbose := false
		if len(params) > 1 {
			var v int
			json.Unmarshal(params[1], &v)
			verbose = v != 0
		}
		if !verbose {
			var buf bytes.Buffer
			tx.Serialize(&buf)
			return hex.EncodeToString(buf.Bytes()), nil
		}
		return txToVerbose(tx, &blockHash), nil

	case "getmempoolentry":
		txid, err := hashParam(params[0])
		if err != nil {
			return nil, rpcErr(-8, "parameter 1 must be hexadecimal")
		}
		if _, ok := n.mempool[*txid]; !ok {
			return nil, rpcErr(-5, "Transaction not in mempool")
		}
		return map[string]interface{}{"vsize": 100}, nil

	default:
		return nil, rpcErr(-32601, fmt.Sprintf("Method not found: %s", method))
	}
}

func (n *Node) findTx(blockHash, txid *chainhash.Hash) *wire.MsgTx {
	for _, tx := range n.chain[n.heights[*blockHash]].Transactions {
		if tx.TxHash() == *txid {
			return tx
		}
	}
	return nil
}

func txToVerbose(tx *wire.MsgTx, blockHash *chainhash.Hash) map[string]interface{} {
	txid := tx.TxHash()
	vouts := make([]map[string]interface{}, len(tx.TxOut))
	for i, out := range tx.TxOut {
		vouts[i] = map[string]interface{}{
			"n":            i,
			"value":        float64(out.Value) / 1e8,
			"scriptPubKey": map[string]interface{}{"hex": hex.EncodeToString(out.PkScript)},
		}
	}
	vins := make([]map[string]interface{}, len(tx.TxIn))
	for i, in := range tx.TxIn {
		if in.PreviousOutPoint.Index == wire.MaxPrevOutIndex {
			vins[i] = map[string]interface{}{"coinbase": hex.EncodeToString(in.SignatureScript)}
			continue
		}
		vins[i] = map[string]interface{}{
			"txid": in.PreviousOutPoint.Hash.String(),
			"vout": in.PreviousOutPoint.Index,
		}
	}
	return map[string]interface{}{
		"txid":      txid.String(),
		"blockhash": blockHash.String(),
		"vout":      vouts,
		"vin":       vins,
	}
}

func hashParam(raw json.RawMessage) (*chainhash.Hash, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return chainhash.NewHashFromStr(s)
}
