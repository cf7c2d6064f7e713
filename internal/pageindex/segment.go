package pageindex

import (
	"encoding/binary"
	"hash/crc32"
	"os"

	"github.com/golang/snappy"
	"github.com/juju/errors"
)

// frame on-disk layout: uint32 LE compressed-length, uint32 LE crc32(compressed
// bytes), then the snappy-compressed bytes themselves. The compressed
// payload decodes to: uint32 LE entry count, then per entry: an 8 byte key,
// a 1 byte tombstone flag (0 = delete, 1 = set), and -- only when the flag
// is 1 -- an 8 byte value.
const frameHeaderSize = 4 + 4

func encodeFrame(entries []Entry) []byte {
	raw := make([]byte, 4, 4+len(entries)*(KeySize+1+ValueSize))
	binary.LittleEndian.PutUint32(raw[0:4], uint32(len(entries)))
	for _, e := range entries {
		raw = append(raw, e.Key[:]...)
		if e.Value == nil {
			raw = append(raw, 0)
		} else {
			raw = append(raw, 1)
			raw = append(raw, e.Value[:]...)
		}
	}

	compressed := snappy.Encode(nil, raw)

	frame := make([]byte, frameHeaderSize+len(compressed))
	binary.LittleEndian.PutUint32(frame[0:4], uint32(len(compressed)))
	binary.LittleEndian.PutUint32(frame[4:8], crc32.ChecksumIEEE(compressed))
	copy(frame[frameHeaderSize:], compressed)
	return frame
}

func decodeFrame(compressed []byte) ([]Entry, error) {
	raw, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if len(raw) < 4 {
		return nil, errors.New("objheap: page-index frame too short")
	}
	count := binary.LittleEndian.Uint32(raw[0:4])
	entries := make([]Entry, 0, count)
	off := 4
	for i := uint32(0); i < count; i++ {
		if off+KeySize+1 > len(raw) {
			return nil, errors.New("objheap: page-index frame truncated mid-entry")
		}
		var e Entry
		copy(e.Key[:], raw[off:off+KeySize])
		off += KeySize
		flag := raw[off]
		off++
		if flag == 1 {
			if off+ValueSize > len(raw) {
				return nil, errors.New("objheap: page-index frame truncated mid-value")
			}
			var v [ValueSize]byte
			copy(v[:], raw[off:off+ValueSize])
			off += ValueSize
			e.Value = &v
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// replaySegment reads every complete frame in path, applying each to
// idx.mem in order, and returns the file's size in bytes after truncating
// away any torn tail frame left by a crash mid-append. It never returns an
// error for a torn tail; torn tails are expected and handled the same way
// the heap directory scan handles a "-tmp" file left by a crashed writer.
func (idx *Index) replaySegment(path string) (int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, errors.Trace(err)
	}

	var off int
	for off < len(data) {
		if off+frameHeaderSize > len(data) {
			idx.log.Warnf("pageindex: torn frame header at end of %q, truncating", path)
			break
		}
		compLen := int(binary.LittleEndian.Uint32(data[off : off+4]))
		wantCRC := binary.LittleEndian.Uint32(data[off+4 : off+8])

		bodyStart := off + frameHeaderSize
		bodyEnd := bodyStart + compLen
		if bodyEnd > len(data) {
			idx.log.Warnf("pageindex: torn frame body at end of %q, truncating", path)
			break
		}
		body := data[bodyStart:bodyEnd]
		if crc32.ChecksumIEEE(body) != wantCRC {
			idx.log.Warnf("pageindex: checksum mismatch in %q at offset %d, truncating from here", path, off)
			break
		}

		entries, err := decodeFrame(body)
		if err != nil {
			idx.log.Warnf("pageindex: undecodable frame in %q at offset %d (%v), truncating from here", path, off, err)
			break
		}

		for _, e := range entries {
			if e.Value == nil {
				delete(idx.mem, e.Key)
			} else {
				idx.mem[e.Key] = *e.Value
			}
		}

		off = bodyEnd
	}

	if off != len(data) {
		if err := os.Truncate(path, int64(off)); err != nil {
			return 0, errors.Trace(err)
		}
	}

	return int64(off), nil
}
