package memutils

import "github.com/pkg/errors"

var (
	// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
	PowerOfTwoError error = errors.New("number must be a power of two")

	// ErrOutOfMemory is returned when no free chunk can satisfy a request and the arena could not be extended
	ErrOutOfMemory error = errors.New("out of memory")
	// ErrInvalidPointer is returned when a payload handle does not name a live allocation of the allocator it was
	// passed to
	ErrInvalidPointer error = errors.New("pointer was not allocated by this allocator")
	// ErrDoubleFree is returned when a payload handle names a chunk that has already been released
	ErrDoubleFree error = errors.New("chunk has already been released")
	// ErrInvalidOptions is returned when an allocator is created with options that cannot produce a working heap
	ErrInvalidOptions error = errors.New("invalid allocator options")
)
