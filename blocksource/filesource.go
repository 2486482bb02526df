package blocksource

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/edsrzf/mmap-go"
	"github.com/ethereum/go-ethereum/log"
)

const blockHeaderLen = 80

// FileSource walks the blk*.dat files under the node's blocks directory in
// lexicographic order, memory-mapping one file at a time. Bitcoin frames
// each block on disk as 4-byte network magic, 4-byte little-endian length,
// then the block body. Emission order is file-appearance order, which is not
// chain order; the indexer does not care because every block's batch is
// self-contained.
type FileSource struct {
	paths []string
	magic [4]byte

	file   *os.File
	mapped mmap.MMap
	off    int
}

// NewFileSource enumerates blk*.dat under blocksDir. The magic of net is
// validated on every frame; ill-formed gaps are skipped with a warning.
func NewFileSource(blocksDir string, net wire.BitcoinNet) (*FileSource, error) {
	paths, err := filepath.Glob(filepath.Join(blocksDir, "blk*.dat"))
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no blk*.dat files under %s", blocksDir)
	}
	sort.Strings(paths)
	s := &FileSource{paths: paths}
	binary.LittleEndian.PutUint32(s.magic[:], uint32(net))
	log.Info("Reading blocks from disk", "dir", blocksDir, "files", len(paths))
	return s, nil
}

func (s *FileSource) Next() (*Block, error) {
	for {
		if s.mapped == nil {
			if len(s.paths) == 0 {
				return nil, io.EOF
			}
			if err := s.openNext(); err != nil {
				return nil, err
			}
		}
		b, ok := s.nextInFile()
		if ok {
			return b, nil
		}
		if err := s.closeCurrent(); err != nil {
			return nil, err
		}
	}
}

func (s *FileSource) openNext() error {
	path := s.paths[0]
	s.paths = s.paths[1:]
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return fmt.Errorf("mmapping %s: %w", path, err)
	}
	s.file, s.mapped, s.off = f, m, 0
	return nil
}

// nextInFile walks frames until it produces a block or exhausts the file.
func (s *FileSource) nextInFile() (*Block, bool) {
	data := []byte(s.mapped)
	for {
		// Trailing zero padding and torn writes end the useful part of a file.
		if s.off+8 > len(data) {
			return nil, false
		}
		if !bytes.Equal(data[s.off:s.off+4], s.magic[:]) {
			skipped := s.skipToMagic(data)
			if skipped < 0 {
				return nil, false
			}
			if skipped > 0 {
				log.Warn("Skipped ill-formed gap in block file", "file", s.file.Name(), "offset", s.off, "bytes", skipped)
			}
			continue
		}
		length := int(binary.LittleEndian.Uint32(data[s.off+4 : s.off+8]))
		body := s.off + 8
		if length < blockHeaderLen || body+length > len(data) {
			log.Warn("Truncated block frame, abandoning rest of file", "file", s.file.Name(), "offset", s.off)
			return nil, false
		}
		s.off = body + length

		raw := make([]byte, length)
		copy(raw, data[body:body+length])
		var hash chainhash.Hash
		copy(hash[:], chainhash.DoubleHashB(raw[:blockHeaderLen]))
		return &Block{Hash: hash, Raw: raw}, true
	}
}

// skipToMagic advances past a gap to the next occurrence of the magic, or
// returns -1 when the rest of the file holds none. Zero padding at the tail
// of a preallocated file is the common case.
func (s *FileSource) skipToMagic(data []byte) int {
	i := bytes.Index(data[s.off:], s.magic[:])
	if i < 0 {
		s.off = len(data)
		return -1
	}
	if allZero(data[s.off : s.off+i]) {
		s.off += i
		return 0
	}
	s.off += i
	return i
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

func (s *FileSource) closeCurrent() error {
	if s.mapped == nil {
		return nil
	}
	err := s.mapped.Unmap()
	if cerr := s.file.Close(); err == nil {
		err = cerr
	}
	s.mapped, s.file = nil, nil
	return err
}

func (s *FileSource) Close() error {
	s.paths = nil
	return s.closeCurrent()
}
