//go:build !linux && !darwin && !freebsd

package arena

import "github.com/cockroachdb/errors"

// NewMmapSource falls back to a HeapSource on platforms without an anonymous mmap
func NewMmapSource(limit int) (Source, error) {
	if limit <= 0 {
		return nil, errors.Errorf("cannot reserve an arena of %d bytes", limit)
	}

	return NewHeapSource(limit), nil
}
