package query

import (
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/c2h5oh/datasize"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/hashicorp/golang-lru/simplelru"
)

var (
	cacheHitMeter  = metrics.NewRegisteredCounter("cache/blocktxids/hit", nil)
	cacheMissMeter = metrics.NewRegisteredCounter("cache/blocktxids/miss", nil)
)

// TxidCache maps block hashes to the block's ordered txid list, bounded by
// total byte size with LRU eviction. Safe for concurrent use.
type TxidCache struct {
	mu       sync.Mutex
	lru      *simplelru.LRU
	bytes    int
	capacity int
}

func NewTxidCache(capacity datasize.ByteSize) *TxidCache {
	c := &TxidCache{capacity: int(capacity)}
	// The entry bound is effectively unreachable; the byte budget is what
	// drives eviction.
	c.lru, _ = simplelru.NewLRU(1<<30, func(_, v interface{}) {
		c.bytes -= entrySize(v.([]chainhash.Hash))
	})
	return c
}

func entrySize(txids []chainhash.Hash) int {
	return chainhash.HashSize + chainhash.HashSize*len(txids)
}

func (c *TxidCache) Get(blockHash *chainhash.Hash) ([]chainhash.Hash, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.lru.Get(*blockHash)
	if !ok {
		cacheMissMeter.Inc(1)
		return nil, false
	}
	cacheHitMeter.Inc(1)
	return v.([]chainhash.Hash), true
}

func (c *TxidCache) Add(blockHash *chainhash.Hash, txids []chainhash.Hash) {
	size := entrySize(txids)
	if size > c.capacity {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lru.Contains(*blockHash) {
		return
	}
	c.lru.Add(*blockHash, txids)
	c.bytes += size
	for c.bytes > c.capacity {
		if _, _, ok := c.lru.RemoveOldest(); !ok {
			break
		}
	}
}

// Bytes reports the current cache footprint.
func (c *TxidCache) Bytes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}
