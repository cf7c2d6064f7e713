package objheap

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/juju/errors"

	"github.com/zhukovaskychina/objheap/internal/pageindex"
	"github.com/zhukovaskychina/objheap/internal/xlog"
)

// recover implements §4.7: it ensures the heap directory exists, recovers
// the page-location index, scans the heap directory reconciling it with
// the recovered watermark, rebuilds every surviving file's live count from
// the PLI, and sets the next base-LSN counter so later writes never
// collide with a surviving file's range (invariant I6).
func (s *Store) recover() error {
	if err := os.MkdirAll(s.heapDir, 0o755); err != nil {
		return errors.Trace(err)
	}

	pli, err := pageindex.Recover(filepath.Join(s.config.Path, pageIndexDirName))
	if err != nil {
		return errors.Annotate(err, "objheap: recovering page-location index")
	}
	s.pli = pli

	watermark := uint64(0)
	if v, ok := pli.Get(ptLSNKey); ok {
		watermark = uint64LE(v[:])
	}

	entries, err := os.ReadDir(s.heapDir)
	if err != nil {
		return errors.Trace(err)
	}

	var maxFileLSN, maxFileEnd uint64
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		path := filepath.Join(s.heapDir, name)

		if strings.HasSuffix(name, tmpSuffix) {
			xlog.Log.Infof("objheap: removing unpublished heap file from a crashed writer: %s", name)
			if err := os.Remove(path); err != nil {
				return errors.Trace(err)
			}
			continue
		}

		shard, base, sizeClass, generation, capacity, err := parseHeapFileName(name)
		if err != nil {
			xlog.Log.Warnf("objheap: skipping unrecognized entry in heap directory: %v", err)
			continue
		}

		if base > watermark {
			xlog.Log.Infof("objheap: removing orphaned heap file %s (base lsn %d exceeds recovered watermark %d)", name, base, watermark)
			if err := os.Remove(path); err != nil {
				return errors.Trace(err)
			}
			continue
		}

		file, size, err := openHeapFileReadOnly(path)
		if err != nil {
			return errors.Annotatef(err, "objheap: opening surviving heap file %s", name)
		}

		meta := &FileMetadata{
			Shard:      shard,
			Generation: generation,
			SizeClass:  sizeClass,
			Capacity:   capacity,
			Base:       base,
			Size:       size,
			Path:       path,
			file:       file,
		}
		meta.setLive(0) // rebuilt below from the PLI

		s.registry.insert(meta)

		if base > maxFileLSN {
			maxFileLSN = base
		}
		if end := base + uint64(size); end > maxFileEnd {
			maxFileEnd = end
		}
	}

	// Rebuild live counts: a single pass over the PLI, locating the owning
	// file for each entry and incrementing its counter (§4.7 step 4,
	// invariant I4).
	for key, value := range pli.Snapshot() {
		if key == ptLSNKey {
			continue
		}
		loc := uint64BE(value[:])
		meta, err := s.registry.locate(loc)
		if err != nil {
			xlog.Log.Warnf("objheap: page-location index entry points at an unowned location %d: %v", loc, err)
			continue
		}
		meta.incrementLive()
	}

	if maxFileEnd > 0 || maxFileLSN > 0 {
		s.nextLSN = maxFileEnd + 1
	}

	return nil
}
