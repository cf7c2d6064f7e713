package objheap

import (
	"hash/crc32"
	"io"

	"github.com/juju/errors"
)

// headerSize is crc32(4) + object_id(8) + len(8), all little-endian.
const headerSize = 4 + 8 + 8

func putUint64LE(b []byte, v uint64) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
	b[4] = byte(v >> 32)
	b[5] = byte(v >> 40)
	b[6] = byte(v >> 48)
	b[7] = byte(v >> 56)
}

func uint64LE(b []byte) uint64 {
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56
}

func putUint32LE(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func uint32LE(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// encodedSize returns the on-disk size of a record with the given payload
// length: a fixed 20 byte header plus the payload itself.
func encodedSize(payloadLen int) int {
	return headerSize + payloadLen
}

// encodeRecord appends the encoded form of (id, payload) to dst and returns
// the extended slice. The CRC covers id, len, and payload, in that order --
// not just the payload -- so a corrupted header is caught exactly like a
// corrupted body.
func encodeRecord(dst []byte, id uint64, payload []byte) []byte {
	var idBuf, lenBuf [8]byte
	putUint64LE(idBuf[:], id)
	putUint64LE(lenBuf[:], uint64(len(payload)))

	crc := crc32.NewIEEE()
	crc.Write(idBuf[:])
	crc.Write(lenBuf[:])
	crc.Write(payload)

	var crcBuf [4]byte
	putUint32LE(crcBuf[:], crc.Sum32())

	dst = append(dst, crcBuf[:]...)
	dst = append(dst, idBuf[:]...)
	dst = append(dst, lenBuf[:]...)
	dst = append(dst, payload...)
	return dst
}

// decodeRecord reads one record from r, which must be positioned at the
// start of a header, and verifies its CRC. maxRemaining bounds the
// plausible payload length (the number of bytes left in the owning file);
// a declared length exceeding it is treated as corruption rather than an
// attempt to read past EOF.
func decodeRecord(r io.Reader, maxRemaining int64) (id uint64, payload []byte, err error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, errors.Trace(err)
	}

	crcExpected := uint32LE(header[0:4])
	id = uint64LE(header[4:12])
	length := uint64LE(header[12:20])

	maxPayload := maxRemaining - headerSize
	if maxPayload < 0 {
		maxPayload = 0
	}
	if length > uint64(maxPayload) || length > maxPlausiblePayloadSize {
		return 0, nil, errors.Trace(ErrCorruption)
	}

	payload = make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, errors.Trace(err)
	}

	crc := crc32.NewIEEE()
	crc.Write(header[4:20])
	crc.Write(payload)
	if crc.Sum32() != crcExpected {
		return 0, nil, errors.Trace(ErrCorruption)
	}

	return id, payload, nil
}
