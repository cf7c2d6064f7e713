package objheap

import (
	stderrors "errors"
	"fmt"
)

// Sentinel errors. Callers should compare with errors.Is, never with ==,
// since I/O failures are wrapped before they reach the caller.
var (
	// ErrNotFound is returned by Read when the object id is absent from the
	// page-location index.
	ErrNotFound = stderrors.New("objheap: object id not found")

	// ErrCorruption is returned when a record's CRC does not match its
	// header, its decoded object id does not match the requested id, or its
	// declared length is implausible for the remaining file bytes.
	ErrCorruption = stderrors.New("objheap: record corruption detected")

	// ErrInvalidArgument is returned for a zero object id, an empty batch
	// where the implementation has chosen to reject rather than no-op, or a
	// payload exceeding the platform ceiling.
	ErrInvalidArgument = stderrors.New("objheap: invalid argument")
)

// OpError annotates a sentinel or I/O error with the operation and, where
// relevant, the object id involved. It unwraps to the underlying error so
// errors.Is(err, ErrNotFound) keeps working through the wrapper.
type OpError struct {
	Op  string
	Id  uint64
	Err error
}

func (e *OpError) Error() string {
	if e.Id != 0 {
		return fmt.Sprintf("objheap: %s(id=%d): %v", e.Op, e.Id, e.Err)
	}
	return fmt.Sprintf("objheap: %s: %v", e.Op, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

func newOpError(op string, id uint64, err error) error {
	if err == nil {
		return nil
	}
	return &OpError{Op: op, Id: id, Err: err}
}

// IsNotFound reports whether err is or wraps ErrNotFound.
func IsNotFound(err error) bool { return stderrors.Is(err, ErrNotFound) }

// IsCorruption reports whether err is or wraps ErrCorruption.
func IsCorruption(err error) bool { return stderrors.Is(err, ErrCorruption) }

// IsInvalidArgument reports whether err is or wraps ErrInvalidArgument.
func IsInvalidArgument(err error) bool { return stderrors.Is(err, ErrInvalidArgument) }
