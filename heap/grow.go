package heap

import (
	"fmt"
	"math"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/heapmgr/chunk"
	"github.com/vkngwrapper/heapmgr/memutils"
	"golang.org/x/exp/slog"
)

// extendArena grows the arena by at least minUnits units and returns the free chunk that covers the new
// space, already binned. If the chunk that used to end the arena was free, the returned chunk starts there.
// On failure nothing about the allocator changes.
func (a *Allocator) extendArena(minUnits int) (chunk.Ref, error) {
	units := max(minUnits, a.growthUnits)
	oldEnd := chunk.Offset(a.heapEnd)

	if units > (math.MaxInt-oldEnd)/chunk.UnitSize() {
		err := errors.Wrapf(memutils.ErrOutOfMemory, "extending the arena by %d units overflows the heap end %d", units, oldEnd)
		a.logger.Debug("    Allocator::extendArena FAILED", slog.Int("Units", units), slog.Any("error", err))
		return chunk.Nil, err
	}

	prevEnd, err := a.source.Extend(units * chunk.UnitSize())
	if err != nil {
		err = errors.Mark(errors.Wrapf(err, "failed to extend the arena by %d units", units), memutils.ErrOutOfMemory)
		a.logger.Debug("    Allocator::extendArena FAILED", slog.Int("Units", units), slog.Any("error", err))
		return chunk.Nil, err
	}

	if prevEnd != oldEnd {
		panic(fmt.Sprintf("memory source grew from byte %d but the heap ends at byte %d", prevEnd, oldEnd))
	}

	a.mem.Remap(a.source.Bytes())

	c := a.heapEnd
	a.heapEnd += chunk.Ref(units)
	a.mem.SetUnits(c, units)
	a.mem.SetStatus(c, chunk.StatusFree)

	prev := a.mem.PrevInMem(c, a.heapStart)
	if prev != chunk.Nil && a.mem.Status(prev) == chunk.StatusFree {
		a.removeFromList(prev)
		c = a.coalesce(prev, c)
	}

	a.insertInBin(c)

	a.counters.GrowCalls++
	a.counters.GrowUnits += units

	a.logger.Debug("    Allocator::extendArena",
		slog.Int("Units", units),
		slog.Int("HeapEnd", chunk.Offset(a.heapEnd)),
		slog.Int("FreeChunk", chunk.Offset(c)),
		slog.Int("FreeUnits", a.mem.Units(c)),
	)

	return c, nil
}
