package objheap

import (
	"os"

	"github.com/juju/errors"

	"github.com/zhukovaskychina/objheap/internal/xlog"
)

// Maintenance implements §4.8: it selects under-occupied heap files,
// rewrites their surviving records into a single consolidating batch via
// WriteBatch, and reclaims the originals once the new batch's PLI update
// has landed. It never deletes a file whose live count could still be
// non-zero, and a failure here leaves the store consistent: either the new
// file and its PLI update both land, or neither does, and the old files
// remain untouched either way.
func (s *Store) Maintenance() error {
	threshold := uint64(s.config.FileCompactionPercent)

	var toDelete []*FileMetadata
	var toDefrag []*FileMetadata

	// Step 1: select, under a single registry snapshot.
	for _, meta := range s.registry.all() {
		live := uint64(meta.Live())
		capacity := meta.Capacity
		if capacity == 0 {
			capacity = 1
		}

		if live == 0 {
			toDelete = append(toDelete, meta)
			continue
		}
		if live*100/capacity < threshold {
			toDefrag = append(toDefrag, meta)
		}
	}

	if len(toDefrag) > 0 {
		if err := s.rewriteLive(toDefrag); err != nil {
			return newOpError("Maintenance", 0, err)
		}
		toDelete = append(toDelete, toDefrag...)
	}

	// Step 3: reclaim. The registry entries are only removed -- and the
	// files only unlinked -- after the rewrite's PLI update (inside
	// rewriteLive) has already flushed, so any reader that resolved an old
	// location before this point completes its read before the handle is
	// dropped (readers hold the registry read lock across the read).
	for _, meta := range toDelete {
		s.registry.remove(meta.Base)
	}
	for _, meta := range toDelete {
		path := meta.Path
		if err := meta.close(); err != nil {
			xlog.Log.Warnf("objheap: error closing reclaimed heap file %s: %v", path, err)
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return newOpError("Maintenance", 0, errors.Trace(err))
		}
	}

	return nil
}

// rewriteLive reads every record still live in files, filtering the PLI by
// which entries currently fall within each file's [base, base+size) range
// (the "surviving iff" filter that resolves §9's first Open Question --
// the unimplemented page-rewrite iterator), and rewrites the survivors
// through WriteBatch at one generation past the highest generation among
// the files being replaced.
func (s *Store) rewriteLive(files []*FileMetadata) error {
	snapshot := s.pli.Snapshot()

	var generation uint8
	for _, meta := range files {
		if g := nextGeneration(meta.Generation); g > generation {
			generation = g
		}
	}

	var survivors []Record
	for key, value := range snapshot {
		if key == ptLSNKey {
			continue
		}
		loc := uint64BE(value[:])

		owner := ownerOf(files, loc)
		if owner == nil {
			continue
		}

		id := uint64BE(key[:])
		var payload []byte
		err := s.registry.withLocated(loc, func(meta *FileMetadata) error {
			p, err := s.readRecordAt(meta, loc, id)
			if err != nil {
				return err
			}
			payload = p
			return nil
		})
		if err != nil {
			if IsCorruption(err) {
				xlog.Log.Warnf("objheap: dropping corrupt record id=%d at location=%d during maintenance: %v", id, loc, err)
				continue
			}
			return errors.Trace(err)
		}

		survivors = append(survivors, Record{Id: id, Payload: payload})
	}

	if len(survivors) == 0 {
		return nil
	}

	return s.writeBatchGen(survivors, generation)
}

// ownerOf returns the file in files owning loc, or nil.
func ownerOf(files []*FileMetadata, loc uint64) *FileMetadata {
	for _, meta := range files {
		if loc >= meta.Base && loc-meta.Base < uint64(meta.Size) {
			return meta
		}
	}
	return nil
}
