// Package daemon is a JSONRPC client for a trusted Bitcoin Core node. It
// keeps a small pool of persistent HTTP/1.1 connections, batches calls, and
// reconnects with bounded backoff on transient failures.
package daemon

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/log"
)

// ErrAuthFailed means the node rejected our credentials. Fatal at startup.
var ErrAuthFailed = errors.New("daemon: authentication failed")

type Config struct {
	Host string
	Port int
	// Auth is "USER:PASSWORD". Takes precedence over CookiePath.
	Auth string
	// CookiePath points at the node's cookie file.
	CookiePath string
	// PoolSize bounds the number of concurrent connections. Default 4.
	PoolSize int
	// BatchSize is how many requests are packed into one JSONRPC array.
	// Default 100.
	BatchSize int
}

type Client struct {
	url       string
	authHdr   string
	http      *http.Client
	sem       chan struct{}
	batchSize int
	nextID    uint64
}

// New connects to the node and verifies credentials with getnetworkinfo.
func New(cfg Config) (*Client, error) {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 4
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	auth, err := resolveAuth(cfg)
	if err != nil {
		return nil, err
	}
	c := &Client{
		url:     fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port),
		authHdr: auth,
		http: &http.Client{
			Transport: &http.Transport{
				MaxConnsPerHost:     cfg.PoolSize,
				MaxIdleConnsPerHost: cfg.PoolSize,
				IdleConnTimeout:     5 * time.Minute,
			},
			Timeout: 5 * time.Minute,
		},
		sem:       make(chan struct{}, cfg.PoolSize),
		batchSize: cfg.BatchSize,
	}
	info, err := c.NetworkInfo(context.Background())
	if err != nil {
		return nil, err
	}
	log.Info("Connected to daemon", "url", c.url, "subversion", info.SubVersion)
	return c, nil
}

type rpcRequest struct {
	ID     uint64        `json:"id"`
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

type rpcResponse struct {
	ID     uint64             `json:"id"`
	Result json.RawMessage    `json:"result"`
	Error  *btcjson.RPCError  `json:"error"`
}

func (c *Client) newRequest(method string, params ...interface{}) rpcRequest {
	if params == nil {
		params = []interface{}{}
	}
	return rpcRequest{ID: atomic.AddUint64(&c.nextID, 1), Method: method, Params: params}
}

// post sends body and decodes the reply. net/http tracks the Content-Length
// and chunked framing for us, which is what lets the transport reuse the
// connection across requests.
func (c *Client) post(ctx context.Context, body []byte, out interface{}) error {
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", c.authHdr)
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			log.Warn("Daemon request failed, will retry", "err", err)
			return err // connection resets and timeouts are transient
		}
		defer resp.Body.Close()
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return backoff.Permanent(ErrAuthFailed)
		case http.StatusServiceUnavailable:
			log.Warn("Daemon overloaded, will retry", "status", resp.StatusCode)
			io.Copy(ioutil.Discard, resp.Body)
			return fmt.Errorf("daemon: status %d", resp.StatusCode)
		}
		raw, err := ioutil.ReadAll(resp.Body)
		if err != nil {
			log.Warn("Daemon reply truncated, will retry", "err", err)
			return err
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return backoff.Permanent(fmt.Errorf("daemon: malformed reply: %w", err))
		}
		return nil
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 8), ctx)
	return backoff.Retry(op, bo)
}

// call performs a single JSONRPC call.
func (c *Client) call(ctx context.Context, method string, result interface{}, params ...interface{}) error {
	c.sem <- struct{}{}
	defer func() { <-c.sem }()

	req := c.newRequest(method, params...)
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	var resp rpcResponse
	if err := c.post(ctx, body, &resp); err != nil {
		return err
	}
	if resp.Error != nil {
		return fmt.Errorf("daemon: %s: %w", method, resp.Error)
	}
	if result == nil {
		return nil
	}
	return json.Unmarshal(resp.Result, result)
}

// callBatch performs many calls of the same method as JSONRPC array
// requests, c.batchSize per round trip. Results come back in argument order
// regardless of how the node ordered the replies.
func (c *Client) callBatch(ctx context.Context, method string, paramSets [][]interface{}) ([]json.RawMessage, error) {
	results := make([]json.RawMessage, len(paramSets))
	for start := 0; start < len(paramSets); start += c.batchSize {
		end := start + c.batchSize
		if end > len(paramSets) {
			end = len(paramSets)
		}
		reqs := make([]rpcRequest, 0, end-start)
		byID := make(map[uint64]int, end-start)
		for i := start; i < end; i++ {
			req := c.newRequest(method, paramSets[i]...)
			byID[req.ID] = i
			reqs = append(reqs, req)
		}
		body, err := json.Marshal(reqs)
		if err != nil {
			return nil, err
		}

		c.sem <- struct{}{}
		var resps []rpcResponse
		err = c.post(ctx, body, &resps)
		<-c.sem
		if err != nil {
			return nil, err
		}
		if len(resps) != len(reqs) {
			return nil, fmt.Errorf("daemon: batch of %d got %d replies", len(reqs), len(resps))
		}
		for _, resp := range resps {
			i, ok := byID[resp.ID]
			if !ok {
				return nil, fmt.Errorf("daemon: reply for unknown id %d", resp.ID)
			}
			if resp.Error != nil {
				return nil, fmt.Errorf("daemon: %s: %w", method, resp.Error)
			}
			results[i] = resp.Result
		}
	}
	return results, nil
}

func (c *Client) NetworkInfo(ctx context.Context) (*btcjson.GetNetworkInfoResult, error) {
	var info btcjson.GetNetworkInfoResult
	if err := c.call(ctx, "getnetworkinfo", &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) BlockchainInfo(ctx context.Context) (*btcjson.GetBlockChainInfoResult, error) {
	var info btcjson.GetBlockChainInfoResult
	if err := c.call(ctx, "getblockchaininfo", &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) BlockHash(ctx context.Context, height int64) (*chainhash.Hash, error) {
	var s string
	if err := c.call(ctx, "getblockhash", &s, height); err != nil {
		return nil, err
	}
	return chainhash.NewHashFromStr(s)
}

// BlockHashes fetches the best-chain block hashes for a contiguous height
// range [from, to] in one batched call.
func (c *Client) BlockHashes(ctx context.Context, from, to int64) ([]chainhash.Hash, error) {
	params := make([][]interface{}, 0, to-from+1)
	for h := from; h <= to; h++ {
		params = append(params, []interface{}{h})
	}
	raws, err := c.callBatch(ctx, "getblockhash", params)
	if err != nil {
		return nil, err
	}
	hashes := make([]chainhash.Hash, len(raws))
	for i, raw := range raws {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		h, err := chainhash.NewHashFromStr(s)
		if err != nil {
			return nil, err
		}
		hashes[i] = *h
	}
	return hashes, nil
}

func (c *Client) BlockHeader(ctx context.Context, hash *chainhash.Hash) (*btcjson.GetBlockHeaderVerboseResult, error) {
	var hdr btcjson.GetBlockHeaderVerboseResult
	if err := c.call(ctx, "getblockheader", &hdr, hash.String(), true); err != nil {
		return nil, err
	}
	return &hdr, nil
}

// BlockHeaders fetches headers for the given hashes in one batched call,
// results in argument order.
func (c *Client) BlockHeaders(ctx context.Context, hashes []chainhash.Hash) ([]*btcjson.GetBlockHeaderVerboseResult, error) {
	params := make([][]interface{}, len(hashes))
	for i := range hashes {
		params[i] = []interface{}{hashes[i].String(), true}
	}
	raws, err := c.callBatch(ctx, "getblockheader", params)
	if err != nil {
		return nil, err
	}
	hdrs := make([]*btcjson.GetBlockHeaderVerboseResult, len(raws))
	for i, raw := range raws {
		hdrs[i] = new(btcjson.GetBlockHeaderVerboseResult)
		if err := json.Unmarshal(raw, hdrs[i]); err != nil {
			return nil, err
		}
	}
	return hdrs, nil
}

// RawBlocks fetches raw block bytes (getblock verbosity 0) for the given
// hashes in one batched call, results in argument order.
func (c *Client) RawBlocks(ctx context.Context, hashes []chainhash.Hash) ([][]byte, error) {
	params := make([][]interface{}, len(hashes))
	for i := range hashes {
		params[i] = []interface{}{hashes[i].String(), 0}
	}
	raws, err := c.callBatch(ctx, "getblock", params)
	if err != nil {
		return nil, err
	}
	blocks := make([][]byte, len(raws))
	for i, raw := range raws {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		if blocks[i], err = hex.DecodeString(s); err != nil {
			return nil, fmt.Errorf("daemon: block %s: %w", hashes[i], err)
		}
	}
	return blocks, nil
}

func (c *Client) RawTransactionVerbose(ctx context.Context, txid *chainhash.Hash) (*btcjson.TxRawResult, error) {
	var tx btcjson.TxRawResult
	if err := c.call(ctx, "getrawtransaction", &tx, txid.String(), 1); err != nil {
		return nil, err
	}
	return &tx, nil
}

// MempoolEntry probes for txid in the node's mempool. Only existence is
// reported; a missing entry is not an error.
func (c *Client) MempoolEntry(ctx context.Context, txid *chainhash.Hash) (bool, error) {
	err := c.call(ctx, "getmempoolentry", nil, txid.String())
	if err == nil {
		return true, nil
	}
	var rpcErr *btcjson.RPCError
	if errors.As(err, &rpcErr) {
		return false, nil
	}
	return false, err
}

// TxExists reports whether the node knows txid, confirmed or in mempool.
// Orphaned transactions fail this check, which is what filters them out of
// query results.
func (c *Client) TxExists(ctx context.Context, txid *chainhash.Hash) bool {
	err := c.call(ctx, "getrawtransaction", nil, txid.String(), 0)
	if err == nil {
		return true
	}
	ok, _ := c.MempoolEntry(ctx, txid)
	return ok
}
