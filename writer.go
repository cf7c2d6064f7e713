package objheap

import (
	"os"
	"path/filepath"

	"github.com/juju/errors"

	"github.com/zhukovaskychina/objheap/internal/pageindex"
)

// Record is one (id, payload) pair submitted to WriteBatch.
type Record struct {
	Id      uint64
	Payload []byte
}

// WriteBatch serializes records into a new heap file, publishes it
// atomically (fsync, rename, directory fsync), registers it, then updates
// the page-location index -- implementing §4.5's six steps. An empty batch
// is a no-op. Payload is copied; every Id must be nonzero.
func (s *Store) WriteBatch(records []Record) error {
	return s.writeBatchGen(records, 0)
}

// writeBatchGen is WriteBatch generalized with an explicit rewrite
// generation, so maintenance (§4.8 step 2) can stamp a consolidating batch
// with old_generation+1 instead of always starting over at generation 0.
func (s *Store) writeBatchGen(records []Record, generation uint8) error {
	if len(records) == 0 {
		return nil
	}

	records, err := dedupeLastWins(records)
	if err != nil {
		return newOpError("WriteBatch", 0, err)
	}

	buf := make([]byte, 0, len(records)*64)
	offsets := make([]int, len(records))
	for i, rec := range records {
		if len(rec.Payload) > maxPlausiblePayloadSize {
			return newOpError("WriteBatch", rec.Id, errors.Trace(ErrInvalidArgument))
		}
		offsets[i] = len(buf)
		buf = encodeRecord(buf, rec.Id, rec.Payload)
	}

	// Step 1: reserve a base LSN. Reservation -- not encoding -- is the
	// part that must be serialized, since the trailing +1 sentinel gap and
	// the buffer length are already known by the time we take the lock.
	s.writerMu.Lock()
	base := s.nextLSN
	s.nextLSN = base + uint64(len(buf)) + 1
	s.writerMu.Unlock()

	locations := make([]uint64, len(records))
	for i := range records {
		locations[i] = base + uint64(offsets[i])
	}

	shard := s.config.ShardFunc(records[0].Id, len(buf), generation)
	sizeClass := sizeClassFor(len(buf), s.config.TargetFileSize)
	capacity := uint64(len(records))

	name := heapFileName(shard, base, sizeClass, generation, capacity)
	finalPath := filepath.Join(s.heapDir, name)
	tmpPath := filepath.Join(s.heapDir, name+tmpSuffix)

	if err := writeAndPublish(tmpPath, finalPath, s.heapDir, buf); err != nil {
		return newOpError("WriteBatch", 0, err)
	}

	file, size, err := openHeapFileReadOnly(finalPath)
	if err != nil {
		return newOpError("WriteBatch", 0, err)
	}

	meta := &FileMetadata{
		Shard:      shard,
		Generation: generation,
		SizeClass:  sizeClass,
		Capacity:   capacity,
		Base:       base,
		Size:       size,
		Path:       finalPath,
		file:       file,
	}
	meta.setLive(int64(capacity))

	// Step 4 (corrected per §9's second Open Question): register before
	// touching the PLI, so a reader racing the PLI flush can still resolve
	// the file once it observes the new mapping.
	s.registry.insert(meta)

	// Record each id's previous location (if any) before overwriting it, so
	// we can decrement the previous owner's live count afterward (§4.5
	// step 6). writerMu is held from this read through the PLI flush, so no
	// other batch can change these ids' mappings in between: every
	// superseded location is observed, and decremented, by exactly one
	// writer. The same lock makes the watermark update below a
	// read-modify-write that never moves the watermark backwards when
	// batches reach the PLI out of base-LSN order.
	s.writerMu.Lock()
	prevLocations := make([]uint64, len(records))
	havePrev := make([]bool, len(records))
	for i, rec := range records {
		var key [pageindex.KeySize]byte
		putUint64BE(key[:], rec.Id)
		if v, ok := s.pli.Get(key); ok {
			prevLocations[i] = uint64BE(v[:])
			havePrev[i] = true
		}
	}

	entries := make([]pageindex.Entry, 0, len(records)+1)
	for i, rec := range records {
		var key [pageindex.KeySize]byte
		putUint64BE(key[:], rec.Id)
		var value [pageindex.ValueSize]byte
		putUint64BE(value[:], locations[i])
		entries = append(entries, pageindex.Entry{Key: key, Value: &value})
	}
	watermark := base
	if v, ok := s.pli.Get(ptLSNKey); ok && uint64LE(v[:]) > watermark {
		watermark = uint64LE(v[:])
	}
	var lsnValue [pageindex.ValueSize]byte
	putUint64LE(lsnValue[:], watermark)
	entries = append(entries, pageindex.Entry{Key: ptLSNKey, Value: &lsnValue})

	if err := s.pli.WriteBatch(entries); err != nil {
		s.writerMu.Unlock()
		s.rollbackPublication(meta)
		return newOpError("WriteBatch", 0, err)
	}
	if err := s.pli.Flush(); err != nil {
		s.writerMu.Unlock()
		s.rollbackPublication(meta)
		return newOpError("WriteBatch", 0, err)
	}
	s.writerMu.Unlock()

	// Step 6: decrement prior tenants now that the supersession is durable.
	// A previous location may lie above base when a batch with a higher
	// base reached the PLI first; that file is decremented like any other.
	for i := range records {
		if !havePrev[i] {
			continue
		}
		if prevLocations[i] >= base && prevLocations[i]-base < uint64(len(buf)) {
			// The previous value pointed into this very file; nothing
			// external to decrement.
			continue
		}
		prevMeta, err := s.registry.locate(prevLocations[i])
		if err != nil {
			continue
		}
		prevMeta.decrementLive()
	}

	return nil
}

// rollbackPublication undoes step 4's registration when the PLI update
// that was supposed to follow it fails. This keeps a live (non-crash)
// WriteBatch failure from leaving a phantom registry entry for the
// lifetime of the process; a crash at the equivalent point is instead
// cleaned up by recovery on the next Open, since the file's base LSN will
// exceed the PLI's last-flushed watermark.
func (s *Store) rollbackPublication(meta *FileMetadata) {
	s.registry.remove(meta.Base)
	meta.close()
	os.Remove(meta.Path)
}

// writeAndPublish writes buf to a temp file, fsyncs it, renames it into
// place, then fsyncs the containing directory -- the rename plus directory
// fsync is what makes the file durable and visible atomically (I5).
func writeAndPublish(tmpPath, finalPath, dir string, buf []byte) error {
	tmp, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Trace(err)
	}

	if _, err := tmp.Write(buf); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errors.Trace(err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errors.Trace(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return errors.Trace(err)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		return errors.Trace(err)
	}

	dirFile, err := os.Open(dir)
	if err != nil {
		return errors.Trace(err)
	}
	defer dirFile.Close()
	if err := dirFile.Sync(); err != nil {
		return errors.Trace(err)
	}

	return nil
}

// dedupeLastWins validates every record and collapses duplicate ids within
// a single batch, keeping each id's last occurrence (spec P1: "the most
// recently written payload" -- applied here within a batch too, so a
// caller that accidentally writes the same id twice in one call gets
// well-defined last-write-wins semantics instead of an unreachable first
// location wasting capacity).
func dedupeLastWins(records []Record) ([]Record, error) {
	lastIdx := make(map[uint64]int, len(records))
	for i, rec := range records {
		if rec.Id == 0 {
			return nil, errors.Trace(ErrInvalidArgument)
		}
		lastIdx[rec.Id] = i
	}
	if len(lastIdx) == len(records) {
		return records, nil
	}

	out := make([]Record, 0, len(lastIdx))
	seen := make(map[uint64]bool, len(lastIdx))
	for i, rec := range records {
		if lastIdx[rec.Id] != i {
			continue
		}
		if seen[rec.Id] {
			continue
		}
		seen[rec.Id] = true
		out = append(out, rec)
	}
	return out, nil
}

func putUint64BE(b []byte, v uint64) {
	b[0] = byte(v >> 56)
	b[1] = byte(v >> 48)
	b[2] = byte(v >> 40)
	b[3] = byte(v >> 32)
	b[4] = byte(v >> 24)
	b[5] = byte(v >> 16)
	b[6] = byte(v >> 8)
	b[7] = byte(v)
}

func uint64BE(b []byte) uint64 {
	return uint64(b[7]) | uint64(b[6])<<8 | uint64(b[5])<<16 | uint64(b[4])<<24 |
		uint64(b[3])<<32 | uint64(b[2])<<40 | uint64(b[1])<<48 | uint64(b[0])<<56
}
