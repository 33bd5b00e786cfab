package pipe

import "errors"

// Sentinel errors.
var (
	// ErrWouldBlock is returned by non-blocking sessions when a read finds
	// no data or a write finds no space.
	ErrWouldBlock = errors.New("pipe: operation would block")

	// ErrNoMemory is returned by Open when the ring storage could not be
	// allocated. The pipe stays unallocated; a later Open retries.
	ErrNoMemory = errors.New("pipe: storage allocation failed")

	// ErrFault is returned by CopyTo and CopyFrom when the caller-supplied
	// sink or source fails mid-copy. Nothing is committed.
	ErrFault = errors.New("pipe: copy fault")

	// ErrClosed is returned when a handle is used after Close.
	ErrClosed = errors.New("pipe: handle closed")

	// ErrNotReader is returned when reading through a write-only handle.
	ErrNotReader = errors.New("pipe: handle not open for reading")

	// ErrNotWriter is returned when writing through a read-only handle.
	ErrNotWriter = errors.New("pipe: handle not open for writing")

	// ErrInvalidMode is returned by Open when the mode names no direction.
	ErrInvalidMode = errors.New("pipe: invalid open mode")
)
