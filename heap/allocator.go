// Package heap implements a boundary-tag, segregated-fit allocator over a single contiguous arena.
//
// The arena is a sequence of chunks (see package chunk). Free chunks are threaded onto bins: bin i holds
// chunks of exactly i units for every i below NumBins-1, and the last bin holds every larger chunk sorted
// by ascending size. Allocation takes the first fitting chunk from the smallest suitable bin and splits
// off the remainder, release merges the chunk with free physical neighbors before binning it again, and
// the arena is extended through its arena.Source when no bin can satisfy a request. The arena never
// shrinks.
//
// Allocator is not safe for concurrent use unless it is created with CreateSynchronized.
package heap

import (
	"fmt"
	"math"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/heapmgr/arena"
	"github.com/vkngwrapper/heapmgr/chunk"
	"github.com/vkngwrapper/heapmgr/heap/internal/utils"
	"github.com/vkngwrapper/heapmgr/memutils"
	"golang.org/x/exp/slog"
)

// Ptr identifies an allocation. It is the byte offset of the allocation's payload within the memory
// source. The payload always follows a chunk header, so a valid Ptr is never zero.
type Ptr int

// NilPtr is the Ptr that identifies no allocation
const NilPtr Ptr = 0

// Allocator hands out variable-size regions of a single growable arena
type Allocator struct {
	logger      *slog.Logger
	mutex       utils.OptionalRWMutex
	createFlags CreateFlags

	source    arena.Source
	mem       *chunk.Arena
	heapStart chunk.Ref
	heapEnd   chunk.Ref

	growthUnits int
	bins        []chunk.Ref
	binMask     []uint64

	allocCount int
	freeCount  int
	freeUnits  int
	live       *swiss.Map[Ptr, struct{}]

	counters Counters
}

// Counters tallies the work an allocator has done over its lifetime
type Counters struct {
	AllocateCalls int
	ReleaseCalls  int
	ResizeCalls   int
	// GrowCalls is the number of times the arena was extended
	GrowCalls int
	// GrowUnits is the total number of units the arena was extended by
	GrowUnits int
	// Splits is the number of times a free chunk was divided to satisfy an allocation
	Splits int
	// Coalesces is the number of times two adjacent free chunks were merged
	Coalesces int
	// Shrinks is the number of resizes that were satisfied by releasing the tail of a chunk
	Shrinks int
}

func payloadPtr(c chunk.Ref) Ptr {
	return Ptr(chunk.Offset(c + 1))
}

func (a *Allocator) unitsFor(size int) (int, error) {
	if size < 0 {
		return 0, errors.Wrapf(memutils.ErrOutOfMemory, "invalid allocation size %d", size)
	}

	// Header and footer
	return memutils.DivideRoundingUp(size, chunk.UnitSize()) + 2, nil
}

// liveChunk finds the in-use chunk whose payload is p
func (a *Allocator) liveChunk(p Ptr) (chunk.Ref, error) {
	offset := int(p)
	unitSize := chunk.UnitSize()

	if offset%unitSize != 0 || offset <= chunk.Offset(a.heapStart) || offset >= chunk.Offset(a.heapEnd) {
		return chunk.Nil, errors.Wrapf(memutils.ErrInvalidPointer, "payload offset %d is outside the heap [%d, %d)",
			offset, chunk.Offset(a.heapStart), chunk.Offset(a.heapEnd))
	}

	c := chunk.Ref(offset/unitSize - 1)
	err := a.mem.Validate(c, a.heapStart, a.heapEnd)
	if err != nil {
		return chunk.Nil, errors.Mark(errors.Wrapf(err, "payload offset %d", offset), memutils.ErrInvalidPointer)
	}

	if a.mem.Status(c) == chunk.StatusFree {
		return chunk.Nil, errors.Wrapf(memutils.ErrDoubleFree, "payload offset %d", offset)
	}

	if a.live != nil {
		if _, ok := a.live.Get(p); !ok {
			return chunk.Nil, errors.Wrapf(memutils.ErrInvalidPointer, "payload offset %d is not a live allocation", offset)
		}
	}

	return c, nil
}

// Allocate reserves a region of at least size bytes and returns its handle. Allocating zero bytes returns
// NilPtr and no error. If no free chunk is large enough and the arena cannot be extended, Allocate returns
// an error wrapping memutils.ErrOutOfMemory and leaves the heap untouched.
//
// The contents of the new region are unspecified.
func (a *Allocator) Allocate(size int) (Ptr, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.logger.Debug("Allocator::Allocate", slog.Int("Size", size))

	p, err := a.allocate(size)
	memutils.DebugValidate(memutils.ValidateFunc(a.validate))
	return p, err
}

func (a *Allocator) allocate(size int) (Ptr, error) {
	if size == 0 {
		return NilPtr, nil
	}

	units, err := a.unitsFor(size)
	if err != nil {
		return NilPtr, err
	}

	a.counters.AllocateCalls++

	c := a.findFit(units)
	if c == chunk.Nil {
		c, err = a.extendArena(units)
		if err != nil {
			a.logger.Debug("    Allocator::Allocate FAILED", slog.Int("Units", units), slog.Any("error", err))
			return NilPtr, err
		}
	}

	c = a.useChunk(c, units)

	p := payloadPtr(c)
	a.allocCount++
	if a.live != nil {
		a.live.Put(p, struct{}{})
	}

	return p, nil
}

// useChunk takes c out of its bin and marks it in use, splitting off and binning whatever is left after
// the first units units, unless the leftover would be too small to be a chunk
func (a *Allocator) useChunk(c chunk.Ref, units int) chunk.Ref {
	a.removeFromList(c)

	total := a.mem.Units(c)
	if total < units {
		panic(fmt.Sprintf("chunk %d has %d units but %d were requested", c, total, units))
	}

	if total-units < chunk.MinUnitsPerChunk {
		a.mem.SetStatus(c, chunk.StatusInUse)
		return c
	}

	a.mem.SetUnits(c, units)
	a.mem.SetStatus(c, chunk.StatusInUse)

	remainder := c + chunk.Ref(units)
	a.mem.SetUnits(remainder, total-units)
	a.mem.SetStatus(remainder, chunk.StatusFree)
	a.insertInBin(remainder)

	a.counters.Splits++
	return c
}

// Release returns the region identified by p to the heap. Releasing NilPtr does nothing.
//
// An error wrapping memutils.ErrDoubleFree is returned if p was already released, and one wrapping
// memutils.ErrInvalidPointer if p was never returned by this allocator. Without CreateTrackAllocations
// the latter can only be detected when the memory at p does not look like a chunk.
func (a *Allocator) Release(p Ptr) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.logger.Debug("Allocator::Release", slog.Int("Ptr", int(p)))

	err := a.release(p)
	memutils.DebugValidate(memutils.ValidateFunc(a.validate))
	return err
}

func (a *Allocator) release(p Ptr) error {
	if p == NilPtr {
		return nil
	}

	c, err := a.liveChunk(p)
	if err != nil {
		return err
	}

	a.counters.ReleaseCalls++
	a.allocCount--
	if a.live != nil {
		a.live.Delete(p)
	}

	a.freeChunk(c)
	return nil
}

// freeChunk marks c free, merges it with its free physical neighbors and bins the result
func (a *Allocator) freeChunk(c chunk.Ref) {
	a.mem.SetStatus(c, chunk.StatusFree)

	prev := a.mem.PrevInMem(c, a.heapStart)
	if prev != chunk.Nil && a.mem.Status(prev) == chunk.StatusFree {
		a.removeFromList(prev)
		c = a.coalesce(prev, c)
	}

	next := a.mem.NextInMem(c, a.heapEnd)
	if next != chunk.Nil && a.mem.Status(next) == chunk.StatusFree {
		a.removeFromList(next)
		c = a.coalesce(c, next)
	}

	a.insertInBin(c)
}

// coalesce merges the free chunk next into the free chunk c that physically precedes it. Neither may be
// in a bin.
func (a *Allocator) coalesce(c chunk.Ref, next chunk.Ref) chunk.Ref {
	if err := a.mem.Validate(c, a.heapStart, a.heapEnd); err != nil {
		panic(fmt.Sprintf("cannot coalesce an invalid chunk: %+v", err))
	}
	if err := a.mem.Validate(next, a.heapStart, a.heapEnd); err != nil {
		panic(fmt.Sprintf("cannot coalesce an invalid chunk: %+v", err))
	}
	if a.mem.Status(c) != chunk.StatusFree || a.mem.Status(next) != chunk.StatusFree {
		panic(fmt.Sprintf("cannot coalesce chunks %d and %d unless both are free", c, next))
	}
	if a.mem.NextInMem(c, a.heapEnd) != next {
		panic(fmt.Sprintf("cannot coalesce chunks %d and %d, they are not adjacent", c, next))
	}

	a.mem.SetUnits(c, a.mem.Units(c)+a.mem.Units(next))
	a.counters.Coalesces++
	return c
}

// Resize changes the size of the region identified by p to size bytes and returns the handle of the
// resized region, which may differ from p. The contents are preserved up to the smaller of the old and new
// sizes.
//
// Shrinking by more than a minimal chunk releases the tail in place. Growing moves the region: if the new
// region cannot be allocated, Resize returns NilPtr and an error wrapping memutils.ErrOutOfMemory and p
// remains valid. Resizing NilPtr is the same as Allocate and resizing to zero bytes is the same as Release.
func (a *Allocator) Resize(p Ptr, size int) (Ptr, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.logger.Debug("Allocator::Resize", slog.Int("Ptr", int(p)), slog.Int("Size", size))

	p, err := a.resize(p, size)
	memutils.DebugValidate(memutils.ValidateFunc(a.validate))
	return p, err
}

func (a *Allocator) resize(p Ptr, size int) (Ptr, error) {
	if p == NilPtr {
		return a.allocate(size)
	}

	c, err := a.liveChunk(p)
	if err != nil {
		return NilPtr, err
	}

	if size == 0 {
		return NilPtr, a.release(p)
	}

	newUnits, err := a.unitsFor(size)
	if err != nil {
		return NilPtr, err
	}

	a.counters.ResizeCalls++
	oldUnits := a.mem.Units(c)

	if newUnits < oldUnits-chunk.MinUnitsPerChunk {
		a.mem.SetUnits(c, newUnits)

		tail := c + chunk.Ref(newUnits)
		a.mem.SetUnits(tail, oldUnits-newUnits)
		a.freeChunk(tail)

		a.counters.Shrinks++
		return p, nil
	}

	if newUnits <= oldUnits {
		return p, nil
	}

	newPtr, err := a.allocate(size)
	if err != nil {
		return NilPtr, err
	}

	newChunk := chunk.Ref(int(newPtr)/chunk.UnitSize() - 1)
	copy(a.mem.Payload(newChunk)[:size], a.mem.Payload(c))

	err = a.release(p)
	if err != nil {
		panic(fmt.Sprintf("failed to release chunk %d after moving it: %+v", c, err))
	}

	return newPtr, nil
}

// ZeroedAllocate reserves a zero-filled region large enough for count elements of elemSize bytes each
func (a *Allocator) ZeroedAllocate(count, elemSize int) (Ptr, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.logger.Debug("Allocator::ZeroedAllocate", slog.Int("Count", count), slog.Int("ElemSize", elemSize))

	if count < 0 || elemSize < 0 || (elemSize != 0 && count > math.MaxInt/elemSize) {
		return NilPtr, errors.Wrapf(memutils.ErrOutOfMemory, "cannot allocate %d elements of %d bytes", count, elemSize)
	}

	p, err := a.allocate(count * elemSize)
	if err != nil || p == NilPtr {
		return p, err
	}

	clear(a.mem.Payload(chunk.Ref(int(p)/chunk.UnitSize() - 1)))

	memutils.DebugValidate(memutils.ValidateFunc(a.validate))
	return p, nil
}

// Bytes returns the payload of the live allocation p. The slice is at least as long as the size the
// allocation was requested with and stays valid until p is released or resized. Bytes(NilPtr) is nil.
//
// Bytes panics if p is not a live allocation.
func (a *Allocator) Bytes(p Ptr) []byte {
	if p == NilPtr {
		return nil
	}

	a.mutex.RLock()
	defer a.mutex.RUnlock()

	c, err := a.liveChunk(p)
	if err != nil {
		panic(fmt.Sprintf("%+v", err))
	}

	return a.mem.Payload(c)
}

// UsableSize returns the number of payload bytes available in the live allocation p
func (a *Allocator) UsableSize(p Ptr) int {
	return len(a.Bytes(p))
}
