//go:build linux || darwin || freebsd

package arena

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/heapmgr/memutils"
	"golang.org/x/sys/unix"
)

// MmapSource is a Source backed by an anonymous private mapping. The whole limit is reserved up front
// as inaccessible address space and pages are made readable and writable as the break moves past them.
type MmapSource struct {
	reserved  []byte
	size      int
	committed int
	pageSize  int
}

var _ Source = &MmapSource{}

// NewMmapSource reserves limit bytes of address space, rounded up to a whole number of pages
func NewMmapSource(limit int) (Source, error) {
	pageSize := unix.Getpagesize()
	if err := memutils.CheckPow2(pageSize, "page size"); err != nil {
		return nil, err
	}

	if limit <= 0 {
		return nil, errors.Errorf("cannot reserve an arena of %d bytes", limit)
	}
	limit = memutils.AlignUp(limit, uint(pageSize))

	mem, err := unix.Mmap(-1, 0, limit, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to reserve %d bytes of address space", limit)
	}

	return &MmapSource{
		reserved: mem,
		pageSize: pageSize,
	}, nil
}

func (s *MmapSource) Bytes() []byte {
	return s.reserved[:s.size:s.size]
}

func (s *MmapSource) Extend(increment int) (int, error) {
	prev := s.size
	if err := checkIncrement(prev, increment, len(s.reserved)); err != nil {
		return prev, err
	}

	newSize := prev + increment
	if newSize > s.committed {
		commitTo := min(memutils.AlignUp(newSize, uint(s.pageSize)), len(s.reserved))
		err := unix.Mprotect(s.reserved[s.committed:commitTo], unix.PROT_READ|unix.PROT_WRITE)
		if err != nil {
			return prev, errors.Mark(errors.Wrapf(err, "failed to commit %d bytes", commitTo-s.committed), ErrExhausted)
		}
		s.committed = commitTo
	}

	s.size = newSize
	return prev, nil
}

func (s *MmapSource) Close() error {
	if s.reserved == nil {
		return nil
	}

	err := unix.Munmap(s.reserved)
	s.reserved = nil
	s.size = 0
	s.committed = 0
	return err
}
