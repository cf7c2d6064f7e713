// Package pageindex implements the page-location index (PLI): a durable,
// crash-atomic map from an 8-byte key to an 8-byte value, fixed-width in
// both directions, plus the reserved high-watermark key the owning store
// uses to bound recovery's orphan-file deletion (see the objheap package's
// §4.4/§4.7 handling).
//
// There is no embedded key-value store anywhere in the example pack this
// codebase was grown from, so this is a from-scratch, minimal
// log-structured index: an in-memory map backed by an append-only segment
// log, grounded the same way a bitcask-style keydir store works -- replay
// every segment in order, last write wins, and a torn tail frame from a
// crash mid-append is discarded rather than treated as fatal.
package pageindex

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/juju/errors"
	"github.com/sirupsen/logrus"
)

// KeySize and ValueSize are the fixed widths of every PLI key and value.
const (
	KeySize   = 8
	ValueSize = 8
)

// rolloverThreshold bounds how large a single segment file is allowed to
// grow before a fresh one is opened; purely an internal implementation
// detail, not part of the format contract callers rely on.
const rolloverThreshold = 32 << 20

const segPrefix = "seg-"

// Entry is one update within a write batch. A nil Value deletes Key.
type Entry struct {
	Key   [KeySize]byte
	Value *[ValueSize]byte
}

// Index is the durable id -> location map.
type Index struct {
	mu  sync.RWMutex
	dir string

	mem map[[KeySize]byte][ValueSize]byte

	active     *os.File
	activeSeq  uint64
	activeSize int64

	log *logrus.Logger
}

// Recover rebuilds in-memory state from dir, replaying every segment file
// in sequence order. It returns the index with an active segment ready to
// accept further writes.
func Recover(dir string) (*Index, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Trace(err)
	}

	idx := &Index{
		dir: dir,
		mem: make(map[[KeySize]byte][ValueSize]byte),
		log: logrus.StandardLogger(),
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Trace(err)
	}

	var seqs []uint64
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), segPrefix) {
			continue
		}
		seq, err := strconv.ParseUint(strings.TrimPrefix(e.Name(), segPrefix), 16, 64)
		if err != nil {
			idx.log.Warnf("pageindex: skipping unparseable segment file %q: %v", e.Name(), err)
			continue
		}
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	var lastSize int64
	for i, seq := range seqs {
		path := idx.segmentPath(seq)
		size, err := idx.replaySegment(path)
		if err != nil {
			return nil, errors.Annotatef(err, "objheap: replaying page-index segment %q", path)
		}
		if i == len(seqs)-1 {
			lastSize = size
		}
	}

	if len(seqs) == 0 {
		if err := idx.openNewSegment(1); err != nil {
			return nil, errors.Trace(err)
		}
		return idx, nil
	}

	lastSeq := seqs[len(seqs)-1]
	if lastSize >= rolloverThreshold {
		if err := idx.openNewSegment(lastSeq + 1); err != nil {
			return nil, errors.Trace(err)
		}
		return idx, nil
	}

	f, err := os.OpenFile(idx.segmentPath(lastSeq), os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Trace(err)
	}
	idx.active = f
	idx.activeSeq = lastSeq
	idx.activeSize = lastSize
	return idx, nil
}

func (idx *Index) segmentPath(seq uint64) string {
	return filepath.Join(idx.dir, fmt.Sprintf("%s%016x", segPrefix, seq))
}

func (idx *Index) openNewSegment(seq uint64) error {
	f, err := os.OpenFile(idx.segmentPath(seq), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Trace(err)
	}
	idx.active = f
	idx.activeSeq = seq
	idx.activeSize = 0
	return nil
}

// Get looks up key, returning ok=false if absent. It takes only a read
// lock and never touches disk, so it does not block a concurrent
// WriteBatch/Flush for longer than the map lookup itself.
func (idx *Index) Get(key [KeySize]byte) (value [ValueSize]byte, ok bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	v, ok := idx.mem[key]
	return v, ok
}

// WriteBatch atomically applies entries to the in-memory map and appends
// one compressed, checksummed frame recording them to the active segment.
// It does not itself fsync; call Flush to make the batch durable.
func (idx *Index) WriteBatch(entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	frame := encodeFrame(entries)

	idx.mu.Lock()
	defer idx.mu.Unlock()

	n, err := idx.active.Write(frame)
	if err != nil {
		return errors.Trace(err)
	}
	idx.activeSize += int64(n)

	for _, e := range entries {
		if e.Value == nil {
			delete(idx.mem, e.Key)
		} else {
			idx.mem[e.Key] = *e.Value
		}
	}

	if idx.activeSize >= rolloverThreshold {
		if err := idx.rollover(); err != nil {
			return errors.Trace(err)
		}
	}

	return nil
}

// rollover must be called with mu held.
func (idx *Index) rollover() error {
	if err := idx.active.Sync(); err != nil {
		return errors.Trace(err)
	}
	if err := idx.active.Close(); err != nil {
		return errors.Trace(err)
	}
	return idx.openNewSegment(idx.activeSeq + 1)
}

// Flush durably persists everything accepted so far.
func (idx *Index) Flush() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return errors.Trace(idx.active.Sync())
}

// Len returns the number of live keys, excluding none -- callers (the
// store) are responsible for excluding the watermark key when comparing
// against property P3.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.mem)
}

// Snapshot returns a copy of the full in-memory map, for maintenance's
// PLI-range scan (§4.8's "surviving iff" filter). Copying avoids holding
// the PLI lock across the heap-file I/O that follows.
func (idx *Index) Snapshot() map[[KeySize]byte][ValueSize]byte {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make(map[[KeySize]byte][ValueSize]byte, len(idx.mem))
	for k, v := range idx.mem {
		out[k] = v
	}
	return out
}

// Close flushes and closes the active segment.
func (idx *Index) Close() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.active == nil {
		return nil
	}
	if err := idx.active.Sync(); err != nil {
		idx.active.Close()
		return errors.Trace(err)
	}
	return errors.Trace(idx.active.Close())
}
