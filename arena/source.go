// Package arena provides the memory sources an allocator grows its heap from.
//
// A Source behaves like a program break: it hands out one contiguous region that can only be extended at
// its end. Memory returned by Bytes never moves, so offsets and slices taken before an Extend stay valid
// after it.
package arena

//go:generate mockgen -destination mocks/source.go github.com/vkngwrapper/heapmgr/arena Source

import (
	"math"

	"github.com/cockroachdb/errors"
)

type Source interface {
	// Bytes returns the region handed out so far. Its length is the current break.
	Bytes() []byte
	// Extend moves the break up by increment bytes and returns the previous break. The new bytes are
	// immediately adjacent to the old end of the region. On failure the region is left unchanged.
	Extend(increment int) (int, error)
	// Close releases the whole region. The source cannot be used afterward.
	Close() error
}

// HeapSource is a Source backed by a single Go allocation of fixed capacity. Extend reslices within that
// capacity, so growth never copies and fails once the capacity is used up.
type HeapSource struct {
	buf []byte
}

var _ Source = &HeapSource{}

// NewHeapSource reserves limit bytes for the source to hand out
func NewHeapSource(limit int) *HeapSource {
	if limit < 0 {
		limit = 0
	}

	return &HeapSource{
		buf: make([]byte, 0, limit),
	}
}

func (s *HeapSource) Bytes() []byte {
	return s.buf
}

func (s *HeapSource) Extend(increment int) (int, error) {
	prev := len(s.buf)
	if err := checkIncrement(prev, increment, cap(s.buf)); err != nil {
		return prev, err
	}

	s.buf = s.buf[:prev+increment]
	return prev, nil
}

func (s *HeapSource) Close() error {
	s.buf = nil
	return nil
}

func checkIncrement(current, increment, limit int) error {
	if increment < 0 {
		return errors.Wrapf(ErrExhausted, "cannot move the break by a negative increment %d", increment)
	}

	if increment > math.MaxInt-current || current+increment > limit {
		return errors.Wrapf(ErrExhausted, "requested %d bytes with %d of %d bytes remaining", increment, limit-current, limit)
	}

	return nil
}
