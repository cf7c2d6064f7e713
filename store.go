// Package objheap implements an object heap with an external
// page-location index: a persistent store mapping opaque 64-bit object
// identifiers to variable-length blobs, laid out across append-only heap
// files, indexed by a small log-structured key-value index, and compacted
// online by a maintenance routine that rewrites fragmented files.
//
// It is the physical storage layer beneath a higher-level page cache or
// database engine: it exposes batch writes for crash-consistent
// multi-object updates, point reads, and a maintenance entry point, and
// nothing else. Secondary indexes, cross-batch transactions, per-record
// locking, in-place mutation of published files, an MVCC view, and
// replication are all out of scope.
package objheap

import (
	"path/filepath"
	"sync"

	"github.com/juju/errors"

	"github.com/zhukovaskychina/objheap/internal/pageindex"
	"github.com/zhukovaskychina/objheap/internal/xlog"
)

// ptLSNKey is the reserved page-index key holding, little-endian, the
// highest batch-base LSN that has been accepted into the index.
var ptLSNKey = [pageindex.KeySize]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

// Store is an open handle on one object heap rooted at Config.Path.
// Multiple Store handles open on the same path concurrently is undefined
// behavior; no file locking is performed at this layer.
type Store struct {
	config  Config
	heapDir string

	registry *heapRegistry
	pli      *pageindex.Index

	writerMu sync.Mutex // serializes LSN reservation and each batch's PLI update
	nextLSN  uint64     // protected by writerMu

	closeOnce sync.Once
}

// Open opens or creates the store rooted at path, using default options.
func Open(path string) (*Store, error) {
	return OpenWithConfig(Config{Path: path})
}

// OpenWithConfig opens or creates the store described by config.
// Subdirectories "heap" and "page_index" are created on demand.
func OpenWithConfig(config Config) (*Store, error) {
	config = config.withDefaults()
	if config.Path == "" {
		return nil, newOpError("Open", 0, errors.Trace(ErrInvalidArgument))
	}

	s := &Store{
		config:   config,
		heapDir:  filepath.Join(config.Path, heapDirName),
		registry: newHeapRegistry(),
	}

	if err := s.recover(); err != nil {
		return nil, newOpError("Open", 0, err)
	}

	return s, nil
}

// Close flushes the page-location index and closes every open heap file
// handle. The spec's lifecycle note implies this ("opened on startup and
// closed on shutdown") even though the programmatic surface in §6 never
// lists it explicitly.
func (s *Store) Close() error {
	var firstErr error
	s.closeOnce.Do(func() {
		if err := s.pli.Close(); err != nil {
			firstErr = errors.Trace(err)
		}
		for _, meta := range s.registry.all() {
			if err := meta.close(); err != nil && firstErr == nil {
				firstErr = errors.Trace(err)
			}
		}
	})
	if firstErr != nil {
		xlog.Log.Warnf("objheap: error closing store at %s: %v", s.config.Path, firstErr)
	}
	return firstErr
}
