package heap

import (
	"strconv"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/heapmgr/chunk"
	"github.com/vkngwrapper/heapmgr/memutils"
)

// Counters returns the operation counters accumulated since the allocator was created
func (a *Allocator) Counters() Counters {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	return a.counters
}

// AddStatistics adds this allocator's totals to stats. It only reads bookkeeping counters and does not
// walk the arena.
func (a *Allocator) AddStatistics(stats *memutils.Statistics) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	arenaUnits := int(a.heapEnd - a.heapStart)

	stats.ChunkCount += a.allocCount + a.freeCount
	stats.AllocationCount += a.allocCount
	stats.ArenaBytes += arenaUnits * chunk.UnitSize()
	stats.AllocationBytes += (arenaUnits - a.freeUnits) * chunk.UnitSize()
}

// AddDetailedStatistics walks every chunk in the arena and adds the sizes it finds to stats
func (a *Allocator) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	a.addDetailedStatistics(stats)
}

func (a *Allocator) addDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.ArenaBytes += chunk.Offset(a.heapEnd - a.heapStart)
	_ = a.visitAllChunks(func(offset, units int, free bool) error {
		stats.ChunkCount++

		if free {
			stats.AddFreeRange(units * chunk.UnitSize())
		} else {
			stats.AddAllocation(units * chunk.UnitSize())
		}

		return nil
	})
}

// VisitAllChunks calls visit for every chunk in the arena in address order, with the byte offset and
// size in units of the chunk. The walk stops at the first error visit returns, and that error is returned.
func (a *Allocator) VisitAllChunks(visit func(offset, units int, free bool) error) error {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	return a.visitAllChunks(visit)
}

func (a *Allocator) visitAllChunks(visit func(offset, units int, free bool) error) error {
	for c := a.heapStart; c != a.heapEnd; c += chunk.Ref(a.mem.Units(c)) {
		err := visit(chunk.Offset(c), a.mem.Units(c), a.mem.Status(c) == chunk.StatusFree)
		if err != nil {
			return err
		}
	}

	return nil
}

// PrintDetailedMap writes a json object describing the heap to the provided writer: its totals, the
// population of every non-empty bin, and every chunk in address order
func (a *Allocator) PrintDetailedMap(writer *jwriter.Writer) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	a.printDetailedMap(writer)
}

func (a *Allocator) printDetailedMap(writer *jwriter.Writer) {
	objState := writer.Object()
	defer objState.End()

	objState.Name("TotalBytes").Int(chunk.Offset(a.heapEnd - a.heapStart))
	objState.Name("UnusedBytes").Int(a.freeUnits * chunk.UnitSize())
	objState.Name("Allocations").Int(a.allocCount)
	objState.Name("UnusedRanges").Int(a.freeCount)

	a.printBins(objState)
	a.printChunks(objState)
}

func (a *Allocator) printBins(json jwriter.ObjectState) {
	binsObj := json.Name("Bins").Object()
	defer binsObj.End()

	for bin := a.nextNonEmptyBin(0); bin >= 0; bin = a.nextNonEmptyBin(bin + 1) {
		count := 0
		for c := a.bins[bin]; c != chunk.Nil; c = a.mem.NextInList(c) {
			count++
		}

		binsObj.Name(strconv.Itoa(bin)).Int(count)
	}
}

func (a *Allocator) printChunks(json jwriter.ObjectState) {
	arrayState := json.Name("Chunks").Array()
	defer arrayState.End()

	_ = a.visitAllChunks(func(offset, units int, free bool) error {
		obj := arrayState.Object()
		defer obj.End()

		status := chunk.StatusInUse
		if free {
			status = chunk.StatusFree
		}

		obj.Name("Offset").Int(offset)
		obj.Name("Units").Int(units)
		obj.Name("Type").String(status.String())
		if !free {
			obj.Name("Payload").Int(offset + chunk.UnitSize())
		}

		return nil
	})
}

// BuildStatsString returns a json document with the allocator's totals and, if detailedMap is set, the
// full map produced by PrintDetailedMap
func (a *Allocator) BuildStatsString(detailedMap bool) string {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	writer := jwriter.NewWriter()

	objState := writer.Object()

	var stats memutils.DetailedStatistics
	stats.Clear()
	a.addDetailedStatistics(&stats)

	totalObj := objState.Name("Total").Object()
	printDetailedStatistics(totalObj, &stats)
	totalObj.End()

	countersObj := objState.Name("Counters").Object()
	a.counters.printJson(countersObj)
	countersObj.End()

	if detailedMap {
		a.printDetailedMap(objState.Name("DetailedMap"))
	}

	objState.End()

	return string(writer.Bytes())
}

func printDetailedStatistics(json jwriter.ObjectState, stats *memutils.DetailedStatistics) {
	json.Name("ChunkCount").Int(stats.ChunkCount)
	json.Name("ArenaBytes").Int(stats.ArenaBytes)
	json.Name("AllocationCount").Int(stats.AllocationCount)
	json.Name("AllocationBytes").Int(stats.AllocationBytes)
	json.Name("UnusedRangeCount").Int(stats.FreeRangeCount)

	if stats.AllocationCount > 0 {
		json.Name("AllocationSizeMin").Int(stats.AllocationSizeMin)
		json.Name("AllocationSizeMax").Int(stats.AllocationSizeMax)
	}

	if stats.FreeRangeCount > 0 {
		json.Name("UnusedRangeSizeMin").Int(stats.FreeRangeSizeMin)
		json.Name("UnusedRangeSizeMax").Int(stats.FreeRangeSizeMax)
	}
}

func (c Counters) printJson(json jwriter.ObjectState) {
	json.Name("AllocateCalls").Int(c.AllocateCalls)
	json.Name("ReleaseCalls").Int(c.ReleaseCalls)
	json.Name("ResizeCalls").Int(c.ResizeCalls)
	json.Name("GrowCalls").Int(c.GrowCalls)
	json.Name("GrowUnits").Int(c.GrowUnits)
	json.Name("Splits").Int(c.Splits)
	json.Name("Coalesces").Int(c.Coalesces)
	json.Name("Shrinks").Int(c.Shrinks)
}
