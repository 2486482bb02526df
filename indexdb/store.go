// Package indexdb is a thin adapter over badger: an ordered byte-keyed
// persistent map with prefix scans, atomic per-block write batches, manual
// full compaction and two opening modes (bulk and serve).
package indexdb

import (
	"bytes"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/dgraph-io/badger/v4"
	"github.com/ethereum/go-ethereum/log"

	"github.com/ledgerwatch/addrindex/common/dbutils"
)

// ErrNotFound is returned by Get for missing keys.
var ErrNotFound = errors.New("indexdb: not found")

type Store struct {
	db   *badger.DB
	bulk bool
}

type Options struct {
	// Bulk cuts background compaction to two workers, turns off synchronous
	// writes and raises write buffers, prioritizing sequential write
	// throughput over read latency. Background compaction is not switched off.
	Bulk bool
	// InMemory backs the store with memory instead of a directory. Tests only.
	InMemory bool
}

// Open opens (creating if necessary) the store rooted at dir.
// Corruption is surfaced as the returned error; callers treat it as fatal.
func Open(dir string, opts Options) (*Store, error) {
	bopts := badger.DefaultOptions(dir).
		WithLogger(&badgerLogger{}).
		WithCompactL0OnClose(!opts.Bulk)
	if opts.InMemory {
		bopts = bopts.WithDir("").WithValueDir("").WithInMemory(true)
	}
	if opts.Bulk {
		bopts = bopts.
			WithSyncWrites(false).
			WithNumCompactors(2). // badger's floor; keeps background work minimal
			WithMemTableSize(256 << 20).
			WithNumMemtables(8)
	} else {
		// Serve mode: every committed batch must be durable before the next
		// one is submitted.
		bopts = bopts.WithSyncWrites(!opts.InMemory)
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("opening store at %s: %w", dir, err)
	}
	return &Store{db: db, bulk: opts.Bulk}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the value for key, or ErrNotFound.
func (s *Store) Get(key []byte) ([]byte, error) {
	var val []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	return val, err
}

func (s *Store) Has(key []byte) (bool, error) {
	_, err := s.Get(key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Scan walks all keys starting with prefix in lexicographic order, calling fn
// for each (key, value) pair. The walk observes a consistent snapshot for its
// whole duration. fn returning an error stops the scan and propagates it.
func (s *Store) Scan(prefix []byte, fn func(k, v []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		iopts := badger.DefaultIteratorOptions
		iopts.Prefix = prefix
		it := txn.NewIterator(iopts)
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(item.KeyCopy(nil), v); err != nil {
				return err
			}
		}
		return nil
	})
}

// Batch collects writes to be applied atomically.
type Batch struct {
	keys [][]byte
	vals [][]byte
	size int
}

func (b *Batch) Put(key, val []byte) {
	b.keys = append(b.keys, key)
	b.vals = append(b.vals, val)
	b.size += len(key) + len(val)
}

func (b *Batch) Len() int  { return len(b.keys) }
func (b *Batch) Size() int { return b.size }

// Keys exposes the batch's keys in insertion order.
func (b *Batch) Keys() [][]byte { return b.keys }

// Value looks a key up inside the (uncommitted) batch.
func (b *Batch) Value(key []byte) ([]byte, bool) {
	for i := len(b.keys) - 1; i >= 0; i-- {
		if bytes.Equal(b.keys[i], key) {
			return b.vals[i], true
		}
	}
	return nil, false
}

// Write applies the batch in a single transaction. Either every row of the
// batch becomes durable or none does.
func (s *Store) Write(b *Batch) error {
	return s.db.Update(func(txn *badger.Txn) error {
		for i, k := range b.keys {
			if err := txn.Set(k, b.vals[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// Flatten runs a one-shot full compaction, folding every LSM level down.
func (s *Store) Flatten() error {
	return s.db.Flatten(runtime.GOMAXPROCS(-1))
}

// WriteCompactionMarker persists the FullCompaction marker for tip.
func (s *Store) WriteCompactionMarker(tip *chainhash.Hash) error {
	b := new(Batch)
	b.Put(dbutils.FullCompactionKey, dbutils.EncodeCompactionMarker(uint64(time.Now().Unix()), tip))
	return s.Write(b)
}

// Compacted reports whether the FullCompaction marker is present.
func (s *Store) Compacted() (bool, error) {
	return s.Has(dbutils.FullCompactionKey)
}

// badgerLogger routes badger's own messages into the process logger.
type badgerLogger struct{}

func (badgerLogger) Errorf(f string, a ...interface{})   { log.Error(fmt.Sprintf("badger: "+f, a...)) }
func (badgerLogger) Warningf(f string, a ...interface{}) { log.Warn(fmt.Sprintf("badger: "+f, a...)) }
func (badgerLogger) Infof(f string, a ...interface{})    { log.Debug(fmt.Sprintf("badger: "+f, a...)) }
func (badgerLogger) Debugf(f string, a ...interface{})   { log.Debug(fmt.Sprintf("badger: "+f, a...)) }
