package heap

import (
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/heapmgr/chunk"
)

// Validate performs a full consistency check of the heap and returns an error describing the first
// problem found. It cross-checks every bin against the physical sequence of chunks, so it is expensive
// and intended for tests and diagnostics. Validate never repairs anything.
func (a *Allocator) Validate() error {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	return a.validate()
}

// IsHeapValid reports whether Validate finds no problems
func (a *Allocator) IsHeapValid() bool {
	return a.Validate() == nil
}

func (a *Allocator) validate() error {
	if a.heapEnd < a.heapStart {
		return errors.Errorf("heap end %d is below the heap start %d", a.heapEnd, a.heapStart)
	}

	if sourceLen := len(a.source.Bytes()); sourceLen != chunk.Offset(a.heapEnd) {
		return errors.Errorf("the memory source holds %d bytes but the heap ends at byte %d", sourceLen, chunk.Offset(a.heapEnd))
	}

	for bin := 0; bin < chunk.MinUnitsPerChunk; bin++ {
		if a.bins[bin] != chunk.Nil {
			return errors.Errorf("bin %d is below the minimum chunk size but holds chunk %d", bin, a.bins[bin])
		}
	}

	listed := swiss.NewMap[chunk.Ref, struct{}](uint32(a.freeCount + 1))

	for bin := 0; bin < a.numBins(); bin++ {
		err := a.validateBin(bin, listed)
		if err != nil {
			return err
		}
	}

	var allocCount, freeCount, freeUnits int
	prevFree := false

	c := a.heapStart
	for c != a.heapEnd {
		err := a.mem.Validate(c, a.heapStart, a.heapEnd)
		if err != nil {
			return errors.Wrap(err, "invalid chunk in the physical chunk sequence")
		}

		units := a.mem.Units(c)
		free := a.mem.Status(c) == chunk.StatusFree

		if free {
			if prevFree {
				return errors.Errorf("chunk %d is free and so is the chunk physically before it", c)
			}
			if !listed.Has(c) {
				return errors.Errorf("chunk %d is free but is not in any bin", c)
			}

			freeCount++
			freeUnits += units
		} else {
			allocCount++

			if a.live != nil && !a.live.Has(payloadPtr(c)) {
				return errors.Errorf("chunk %d is in use but its payload is not a tracked allocation", c)
			}
		}

		prevFree = free
		c += chunk.Ref(units)
	}

	if freeCount != listed.Count() {
		return errors.Errorf("the physical sequence has %d free chunks but the bins hold %d", freeCount, listed.Count())
	}

	if freeCount != a.freeCount || freeUnits != a.freeUnits {
		return errors.Errorf("the heap has %d free chunks with %d units but the allocator counted %d chunks with %d units",
			freeCount, freeUnits, a.freeCount, a.freeUnits)
	}

	if allocCount != a.allocCount {
		return errors.Errorf("the heap has %d chunks in use but the allocator counted %d allocations", allocCount, a.allocCount)
	}

	if a.live != nil && a.live.Count() != allocCount {
		return errors.Errorf("the heap has %d chunks in use but %d allocations are tracked", allocCount, a.live.Count())
	}

	return nil
}

// validateBin walks one bin forward and then backward, adding every chunk it finds to listed
func (a *Allocator) validateBin(bin int, listed *swiss.Map[chunk.Ref, struct{}]) error {
	head := a.bins[bin]
	bitSet := a.binMask[bin/64]&(1<<(bin%64)) != 0

	if (head != chunk.Nil) != bitSet {
		return errors.Errorf("bin %d has head %d but its bitmap bit is %t", bin, head, bitSet)
	}

	if head == chunk.Nil {
		return nil
	}

	if err := a.mem.Validate(head, a.heapStart, a.heapEnd); err != nil {
		return errors.Wrapf(err, "invalid head of bin %d", bin)
	}

	if prev := a.mem.PrevInList(head); prev != chunk.Nil {
		return errors.Errorf("chunk %d is the head of bin %d but has previous chunk %d", head, bin, prev)
	}

	steps := 0
	tail := head
	for c := head; c != chunk.Nil; c = a.mem.NextInList(c) {
		if listed.Has(c) {
			return errors.Errorf("chunk %d appears in bin %d more than once or in more than one bin", c, bin)
		}
		listed.Put(c, struct{}{})

		if err := a.mem.Validate(c, a.heapStart, a.heapEnd); err != nil {
			return errors.Wrapf(err, "invalid chunk in bin %d", bin)
		}

		if a.mem.Status(c) != chunk.StatusFree {
			return errors.Errorf("chunk %d is in bin %d but is %s", c, bin, a.mem.Status(c))
		}

		units := a.mem.Units(c)
		if bin < a.catchAllBin() && units != bin {
			return errors.Errorf("chunk %d has %d units but is in bin %d", c, units, bin)
		}
		if bin == a.catchAllBin() {
			if units < bin {
				return errors.Errorf("chunk %d has %d units but is in the catch-all bin %d", c, units, bin)
			}
			if c != head && a.mem.Units(a.mem.PrevInList(c)) > units {
				return errors.Errorf("chunk %d with %d units follows a larger chunk in the catch-all bin", c, units)
			}
		}

		next := a.mem.NextInList(c)
		if next != chunk.Nil {
			if err := a.mem.Validate(next, a.heapStart, a.heapEnd); err != nil {
				return errors.Wrapf(err, "chunk %d in bin %d links to an invalid chunk", c, bin)
			}
			if a.mem.PrevInList(next) != c {
				return errors.Errorf("chunk %d lists chunk %d as its next chunk in bin %d, but the reverse link is broken", c, next, bin)
			}
			steps++
		}

		tail = c
	}

	for c := tail; c != head; c = a.mem.PrevInList(c) {
		if c == chunk.Nil {
			return errors.Errorf("walking bin %d backward from chunk %d did not reach the head %d", bin, tail, head)
		}
		steps--
	}

	if steps != 0 {
		return errors.Errorf("walking bin %d forward and backward differs by %d steps", bin, steps)
	}

	return nil
}
