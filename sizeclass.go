package objheap

import "math/bits"

// sizeClassFor buckets an encoded batch size into one of 16 size classes
// (a single hex digit in the heap file name) relative to the configured
// target file size. The buckets are a coarse log2 scale of "how many
// doublings short of a full target file this batch is" -- batches at or
// above the target land in class 0 (the "full-size" class), and each
// halving below that increments the class, saturating at 15 for tiny
// batches. The exact bucketing is this implementation's own bookkeeping,
// not a format contract: shard_function callers only ever observe the
// encoded size they were already given.
func sizeClassFor(encodedSize int, targetFileSize uint64) uint8 {
	if encodedSize <= 0 || targetFileSize == 0 {
		return 0xf
	}
	ratio := targetFileSize / uint64(encodedSize)
	if ratio <= 1 {
		return 0
	}
	class := bits.Len64(ratio) - 1
	if class > 0xf {
		class = 0xf
	}
	return uint8(class)
}
