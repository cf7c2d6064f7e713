package objheap

import (
	"sort"
	"sync"

	"github.com/juju/errors"
)

// heapRegistry is the in-memory ordered mapping from a heap file's base
// location to its metadata. Locations are unique and monotonically
// increasing across all files (invariant I6), so a sorted slice of bases
// alongside a map gives an O(log n) range lookup without needing a
// balanced tree.
type heapRegistry struct {
	mu     sync.RWMutex
	bases  []uint64 // sorted ascending
	byBase map[uint64]*FileMetadata
}

func newHeapRegistry() *heapRegistry {
	return &heapRegistry{byBase: make(map[uint64]*FileMetadata)}
}

// insert registers a newly published (or recovered) file. Called with the
// registry's write lock from the Writer (step 4) and from recovery.
func (r *heapRegistry) insert(meta *FileMetadata) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byBase[meta.Base]; exists {
		// Re-insertion (e.g. recovery re-opening after a partial scan) is a
		// no-op overwrite; bases are unique by construction otherwise.
		r.byBase[meta.Base] = meta
		return
	}

	i := sort.Search(len(r.bases), func(i int) bool { return r.bases[i] >= meta.Base })
	r.bases = append(r.bases, 0)
	copy(r.bases[i+1:], r.bases[i:])
	r.bases[i] = meta.Base
	r.byBase[meta.Base] = meta
}

// remove drops a file from the registry after maintenance has rewritten
// every one of its live records elsewhere. It does not close the file
// handle; the caller does that once it is safe to (after the registry
// write lock is released, so no concurrent reader is mid-read).
func (r *heapRegistry) remove(base uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.byBase, base)
	i := sort.Search(len(r.bases), func(i int) bool { return r.bases[i] >= base })
	if i < len(r.bases) && r.bases[i] == base {
		r.bases = append(r.bases[:i], r.bases[i+1:]...)
	}
}

// locate returns the owning file for an absolute location: the file whose
// base is the largest base <= loc. A miss is an internal invariant
// violation (I3) -- the PLI should never point at a location with no
// owning file -- so it is reported as corruption rather than not-found.
func (r *heapRegistry) locate(loc uint64) (*FileMetadata, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.locateLocked(loc)
}

func (r *heapRegistry) locateLocked(loc uint64) (*FileMetadata, error) {
	i := sort.Search(len(r.bases), func(i int) bool { return r.bases[i] > loc })
	if i == 0 {
		return nil, errors.Annotatef(ErrCorruption, "objheap: no heap file owns location %d (registry invariant violated)", loc)
	}
	base := r.bases[i-1]
	meta := r.byBase[base]
	if loc-base >= uint64(meta.Size) {
		return nil, errors.Annotatef(ErrCorruption, "objheap: location %d falls past the end of file base=%d size=%d (registry invariant violated)", loc, base, meta.Size)
	}
	return meta, nil
}

// all returns a snapshot slice of every registered file, for maintenance's
// selection pass. The slice is a copy; it is safe to range over without
// holding the registry lock.
func (r *heapRegistry) all() []*FileMetadata {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*FileMetadata, 0, len(r.bases))
	for _, b := range r.bases {
		out = append(out, r.byBase[b])
	}
	return out
}

// withLocated resolves loc to its owning file and invokes fn while still
// holding the registry's read lock, so a concurrent maintenance reclaim
// cannot close and remove the file underneath an in-flight physical read
// (§5, §9's third Open Question: no seek-then-read under a write lock).
func (r *heapRegistry) withLocated(loc uint64, fn func(meta *FileMetadata) error) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	meta, err := r.locateLocked(loc)
	if err != nil {
		return err
	}
	return fn(meta)
}
