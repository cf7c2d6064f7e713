package objheap

import (
	"io"

	"github.com/juju/errors"

	"github.com/zhukovaskychina/objheap/internal/pageindex"
)

// Read resolves id through the page-location index, finds its owning heap
// file via the registry's range lookup, and verifies the record's CRC and
// object id before returning its payload -- §4.6's five steps.
func (s *Store) Read(id uint64) ([]byte, error) {
	if id == 0 {
		return nil, newOpError("Read", id, errors.Trace(ErrInvalidArgument))
	}

	var key [pageindex.KeySize]byte
	putUint64BE(key[:], id)

	value, ok := s.pli.Get(key)
	if !ok {
		return nil, newOpError("Read", id, ErrNotFound)
	}
	loc := uint64BE(value[:])

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
		return nil, newOpError("Read", id, err)
	}
	return payload, nil
}

// readRecordAt decodes one record at absolute location loc within meta and
// verifies the decoded object id matches want.
func (s *Store) readRecordAt(meta *FileMetadata, loc uint64, want uint64) ([]byte, error) {
	off := int64(loc - meta.Base)
	remaining := meta.Size - off
	if remaining < headerSize {
		return nil, errors.Trace(ErrCorruption)
	}

	sr := io.NewSectionReader(meta, off, remaining)
	gotID, payload, err := decodeRecord(sr, remaining)
	if err != nil {
		return nil, err
	}
	if gotID != want {
		return nil, errors.Trace(ErrCorruption)
	}
	return payload, nil
}
