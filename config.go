package objheap

import (
	"github.com/OneOfOne/xxhash"
)

// ShardFunction partitions a record into a shard byte given its object id,
// its encoded on-disk size, and the rewrite generation of the batch that is
// about to produce it. It is a pure callback: the store never relies on its
// stability across runs, since shards are metadata, not identity.
type ShardFunction func(id uint64, encodedSize int, generation uint8) uint8

// DefaultShardFunction places every record in shard 0. It is the default
// used by Config when ShardFunc is left nil.
func DefaultShardFunction(_ uint64, _ int, _ uint8) uint8 { return 0 }

// ShardByHash returns a ShardFunction that distributes object ids across
// numShards shards using xxHash, ignoring size and generation. numShards
// must be in 1..=256; values outside that range are clamped.
func ShardByHash(numShards int) ShardFunction {
	if numShards < 1 {
		numShards = 1
	}
	if numShards > 256 {
		numShards = 256
	}
	n := uint64(numShards)
	return func(id uint64, _ int, _ uint8) uint8 {
		var idBuf [8]byte
		putUint64LE(idBuf[:], id)
		h := xxhash.Checksum64(idBuf[:])
		return uint8(h % n)
	}
}

const (
	defaultTargetFileSize    = 256 << 20 // 256 MiB
	defaultFileCompactionPct = 60
	minFileCompactionPercent = 1
	maxFileCompactionPercent = 100
	maxPlausiblePayloadSize  = 1 << 30 // sanity ceiling, see codec.go
)

// Config is the plain options record the store is opened with. Loading it
// from a file (TOML, INI, flags, environment) is an external concern left
// to the caller; objheap itself only ever sees the resolved struct.
type Config struct {
	// Path is the root directory for the store. Subdirectories "heap" and
	// "page_index" are created on demand.
	Path string

	// TargetFileSize is an advisory size used by callers composing batches;
	// objheap itself does not split a single write_batch across files.
	// Defaults to 256 MiB.
	TargetFileSize uint64

	// FileCompactionPercent is the fragmentation threshold maintenance uses
	// to select files for rewrite: a file is a candidate when
	// live*100/capacity is below this value. Must be in 1..=100. Defaults
	// to 60.
	FileCompactionPercent uint8

	// ShardFunc partitions records into heap-file shards. Defaults to
	// DefaultShardFunction (constant shard 0).
	ShardFunc ShardFunction
}

func (c Config) withDefaults() Config {
	if c.TargetFileSize == 0 {
		c.TargetFileSize = defaultTargetFileSize
	}
	if c.FileCompactionPercent == 0 {
		c.FileCompactionPercent = defaultFileCompactionPct
	}
	if c.FileCompactionPercent < minFileCompactionPercent {
		c.FileCompactionPercent = minFileCompactionPercent
	}
	if c.FileCompactionPercent > maxFileCompactionPercent {
		c.FileCompactionPercent = maxFileCompactionPercent
	}
	if c.ShardFunc == nil {
		c.ShardFunc = DefaultShardFunction
	}
	return c
}
