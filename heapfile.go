package objheap

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/juju/errors"
)

const heapDirName = "heap"
const pageIndexDirName = "page_index"
const tmpSuffix = "-tmp"

// FileMetadata is the in-memory handle for one immutable, published heap
// file. It is constructed by the Writer (or by recovery) and then only ever
// read from concurrently; the sole mutable field is live, which is an
// atomic counter decremented by every PLI update that supersedes one of
// this file's records.
type FileMetadata struct {
	Shard      uint8
	Generation uint8
	SizeClass  uint8
	Capacity   uint64
	Base       uint64 // base DiskLocation == base LSN
	Size       int64  // on-disk file size in bytes
	Path       string

	live atomic.Int64
	file *os.File
}

// heapFileName renders the SS-LLLL...-Z-G-CCCC... identity string for a
// heap file. shard is two hex digits, sizeClass and generation are single
// hex digits, and base and capacity are 16 hex digits.
func heapFileName(shard uint8, base uint64, sizeClass uint8, generation uint8, capacity uint64) string {
	return fmt.Sprintf("%02x-%016x-%01x-%01x-%016x", shard, base, sizeClass, generation, capacity)
}

// parseHeapFileName parses a heap file's base name back into its fields.
// It never panics: a malformed name returns an error so the caller (only
// recovery) can log and skip it.
func parseHeapFileName(name string) (shard uint8, base uint64, sizeClass uint8, generation uint8, capacity uint64, err error) {
	parts := strings.Split(name, "-")
	if len(parts) != 5 {
		return 0, 0, 0, 0, 0, errors.Errorf("objheap: malformed heap file name %q: expected 5 fields, got %d", name, len(parts))
	}

	shard64, err := strconv.ParseUint(parts[0], 16, 8)
	if err != nil {
		return 0, 0, 0, 0, 0, errors.Annotatef(err, "objheap: malformed shard in %q", name)
	}
	base, err = strconv.ParseUint(parts[1], 16, 64)
	if err != nil {
		return 0, 0, 0, 0, 0, errors.Annotatef(err, "objheap: malformed base lsn in %q", name)
	}
	sizeClass64, err := strconv.ParseUint(parts[2], 16, 8)
	if err != nil {
		return 0, 0, 0, 0, 0, errors.Annotatef(err, "objheap: malformed size class in %q", name)
	}
	generation64, err := strconv.ParseUint(parts[3], 16, 8)
	if err != nil {
		return 0, 0, 0, 0, 0, errors.Annotatef(err, "objheap: malformed generation in %q", name)
	}
	capacity, err = strconv.ParseUint(parts[4], 16, 64)
	if err != nil {
		return 0, 0, 0, 0, 0, errors.Annotatef(err, "objheap: malformed capacity in %q", name)
	}

	return uint8(shard64), base, uint8(sizeClass64), uint8(generation64), capacity, nil
}

// nextGeneration increments a generation, saturating at the single hex
// digit limit encoded in the file name (0xf).
func nextGeneration(g uint8) uint8 {
	if g >= 0xf {
		return 0xf
	}
	return g + 1
}

// openHeapFileReadOnly opens an already-published heap file for random
// reads. Used by both the Writer (right after publishing) and recovery.
func openHeapFileReadOnly(path string) (*os.File, int64, error) {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, 0, errors.Trace(err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, errors.Trace(err)
	}
	return f, info.Size(), nil
}

// ReadAt performs a positional, non-seeking read against the file, so many
// goroutines can read the same file concurrently without serializing on a
// shared cursor.
func (m *FileMetadata) ReadAt(buf []byte, off int64) (int, error) {
	n, err := m.file.ReadAt(buf, off)
	if err != nil {
		return n, errors.Trace(err)
	}
	return n, nil
}

// Live returns the current live-record count.
func (m *FileMetadata) Live() int64 { return m.live.Load() }

// decrementLive is called exactly once per id that a PLI update supersedes
// out of this file.
func (m *FileMetadata) decrementLive() { m.live.Add(-1) }

// incrementLive is used only during recovery's rebuild pass (§4.7 step 4),
// where live starts at zero and is counted up from the surviving PLI.
func (m *FileMetadata) incrementLive() { m.live.Add(1) }

// setLive forcibly sets the live counter; used by the Writer right after
// publication (live := capacity) and by recovery before its rebuild pass
// (live := 0).
func (m *FileMetadata) setLive(v int64) { m.live.Store(v) }

// Stat returns a read-only snapshot of the file's metadata, for
// diagnostics and tests.
func (m *FileMetadata) Stat() (shard, generation, sizeClass uint8, capacity, live, base uint64, path string) {
	return m.Shard, m.Generation, m.SizeClass, m.Capacity, uint64(m.live.Load()), m.Base, m.Path
}

func (m *FileMetadata) close() error {
	if m.file == nil {
		return nil
	}
	err := m.file.Close()
	m.file = nil
	return err
}
