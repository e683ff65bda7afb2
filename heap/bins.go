package heap

import (
	"fmt"
	"math/bits"

	"github.com/vkngwrapper/heapmgr/chunk"
)

func (a *Allocator) numBins() int {
	return len(a.bins)
}

func (a *Allocator) catchAllBin() int {
	return len(a.bins) - 1
}

// findBin maps a chunk size to the bin that holds free chunks of that size
func (a *Allocator) findBin(units int) int {
	return min(units, a.catchAllBin())
}

func (a *Allocator) setBinBit(bin int) {
	a.binMask[bin/64] |= 1 << (bin % 64)
}

func (a *Allocator) clearBinBit(bin int) {
	a.binMask[bin/64] &^= 1 << (bin % 64)
}

// nextNonEmptyBin returns the index of the first bin at or after from that holds at least one chunk, or -1
func (a *Allocator) nextNonEmptyBin(from int) int {
	if from >= a.numBins() {
		return -1
	}

	word := from / 64
	mask := a.binMask[word] & (^uint64(0) << (from % 64))

	for mask == 0 {
		word++
		if word >= len(a.binMask) {
			return -1
		}
		mask = a.binMask[word]
	}

	return word*64 + bits.TrailingZeros64(mask)
}

// insertInBin threads the free chunk c onto the bin for its size. Exact-size bins are LIFO. The catch-all
// bin is kept in ascending size order so that the first fit found in it is also the smallest.
func (a *Allocator) insertInBin(c chunk.Ref) {
	if a.mem.Status(c) != chunk.StatusFree {
		panic(fmt.Sprintf("cannot bin chunk %d, it is %s", c, a.mem.Status(c)))
	}

	units := a.mem.Units(c)
	bin := a.findBin(units)

	a.freeCount++
	a.freeUnits += units
	a.setBinBit(bin)

	prev := chunk.Nil
	next := a.bins[bin]
	if bin == a.catchAllBin() {
		for next != chunk.Nil && a.mem.Units(next) < units {
			prev = next
			next = a.mem.NextInList(next)
		}
	}

	a.mem.SetPrevInList(c, prev)
	a.mem.SetNextInList(c, next)

	if next != chunk.Nil {
		a.mem.SetPrevInList(next, c)
	}

	if prev == chunk.Nil {
		a.bins[bin] = c
	} else {
		a.mem.SetNextInList(prev, c)
	}
}

// removeFromList unlinks the free chunk c from the bin it is threaded onto
func (a *Allocator) removeFromList(c chunk.Ref) {
	if a.mem.Status(c) != chunk.StatusFree {
		panic(fmt.Sprintf("cannot unlink chunk %d, it is %s", c, a.mem.Status(c)))
	}

	units := a.mem.Units(c)
	bin := a.findBin(units)
	prev := a.mem.PrevInList(c)
	next := a.mem.NextInList(c)

	if prev == chunk.Nil {
		if a.bins[bin] != c {
			panic(fmt.Sprintf("chunk %d has no previous link but is not the head of bin %d", c, bin))
		}
		a.bins[bin] = next
	} else {
		a.mem.SetNextInList(prev, next)
	}

	if next != chunk.Nil {
		a.mem.SetPrevInList(next, prev)
	}

	if a.bins[bin] == chunk.Nil {
		a.clearBinBit(bin)
	}

	a.mem.SetNextInList(c, chunk.Nil)
	a.mem.SetPrevInList(c, chunk.Nil)

	a.freeCount--
	a.freeUnits -= units
}

// findFit returns the first free chunk of at least units units, searching from the smallest bin that could
// hold one, or chunk.Nil if no bin can satisfy the request
func (a *Allocator) findFit(units int) chunk.Ref {
	for bin := a.nextNonEmptyBin(a.findBin(units)); bin >= 0; bin = a.nextNonEmptyBin(bin + 1) {
		for c := a.bins[bin]; c != chunk.Nil; c = a.mem.NextInList(c) {
			if a.mem.Units(c) >= units {
				return c
			}
		}
	}

	return chunk.Nil
}
