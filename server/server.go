// Package server exposes the query engine over a line-delimited JSONRPC TCP
// protocol, the Electrum subset needed for address-history queries.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/ethereum/go-ethereum/log"

	"github.com/ledgerwatch/addrindex/query"
)

const (
	// Protocol and software versions reported by server.version.
	protocolVersion = "1.4"
	softwareVersion = "addrindex 0.1.0"

	maxLineBytes = 1 << 20
)

type request struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

type response struct {
	ID     json.RawMessage `json:"id"`
	Result interface{}     `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type historyItem struct {
	TxHash string `json:"tx_hash"`
	Height int32  `json:"height"`
}

type Server struct {
	engine *query.Engine
	ln     net.Listener
	wg     sync.WaitGroup
}

func New(addr string, engine *query.Engine) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}
	log.Info("RPC server listening", "addr", addr)
	return &Server{engine: engine, ln: ln}, nil
}

// Run accepts connections until Close. One goroutine per connection; the
// query engine's snapshot reads make concurrent handlers safe.
func (s *Server) Run(ctx context.Context) {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conn.Close()
			s.serveConn(ctx, conn)
		}()
	}
}

// Addr is the listener's address, useful when binding port 0.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

func (s *Server) Close() {
	s.ln.Close()
	s.wg.Wait()
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), maxLineBytes)
	enc := json.NewEncoder(conn)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req request
		if err := json.Unmarshal(line, &req); err != nil {
			enc.Encode(response{Error: &rpcError{Code: -32700, Message: "parse error"}})
			continue
		}
		resp := s.dispatch(ctx, &req)
		if err := enc.Encode(resp); err != nil {
			log.Debug("Dropping connection", "peer", conn.RemoteAddr(), "err", err)
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, req *request) response {
	result, err := s.handle(ctx, req)
	if err != nil {
		log.Debug("Request failed", "method", req.Method, "err", err)
		return response{ID: req.ID, Error: &rpcError{Code: -32603, Message: err.Error()}}
	}
	return response{ID: req.ID, Result: result}
}

func (s *Server) handle(ctx context.Context, req *request) (interface{}, error) {
	switch req.Method {
	case "server.version":
		return []string{softwareVersion, protocolVersion}, nil

	case "blockchain.scripthash.get_history":
		sh, err := scriptHashParam(req.Params, 0)
		if err != nil {
			return nil, err
		}
		entries, err := s.engine.History(ctx, sh)
		if err != nil {
			return nil, err
		}
		items := make([]historyItem, len(entries))
		for i, e := range entries {
			items[i] = historyItem{TxHash: e.TxID.String(), Height: e.Height}
		}
		return items, nil

	case "blockchain.scripthash.get_oldest_tx":
		sh, err := scriptHashParam(req.Params, 0)
		if err != nil {
			return nil, err
		}
		var height int32
		if len(req.Params) < 2 || json.Unmarshal(req.Params[1], &height) != nil {
			return nil, fmt.Errorf("invalid height parameter")
		}
		oldest, err := s.engine.GetOldestTx(ctx, sh, height)
		if err != nil {
			return nil, err
		}
		if oldest == nil {
			return nil, nil
		}
		return historyItem{TxHash: oldest.TxID.String(), Height: oldest.Height}, nil

	default:
		return nil, fmt.Errorf("unknown method %q", req.Method)
	}
}

func scriptHashParam(params []json.RawMessage, i int) (*chainhash.Hash, error) {
	if len(params) <= i {
		return nil, fmt.Errorf("missing scripthash parameter")
	}
	var s string
	if err := json.Unmarshal(params[i], &s); err != nil {
		return nil, fmt.Errorf("invalid scripthash parameter")
	}
	sh, err := chainhash.NewHashFromStr(s)
	if err != nil {
		return nil, fmt.Errorf("invalid scripthash parameter")
	}
	return sh, nil
}
