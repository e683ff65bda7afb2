package heap_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/heapmgr/arena"
	"github.com/vkngwrapper/heapmgr/chunk"
	"github.com/vkngwrapper/heapmgr/heap"
	"github.com/vkngwrapper/heapmgr/memutils"
	"golang.org/x/exp/slog"
)

type visitedChunk struct {
	Offset int
	Units  int
	Free   bool
}

func newAllocator(t *testing.T, options heap.CreateOptions) (*heap.Allocator, *arena.HeapSource) {
	source := arena.NewHeapSource(16 << 20)
	allocator, err := heap.New(nil, source, options)
	require.NoError(t, err)
	require.NoError(t, allocator.Validate())

	return allocator, source
}

func chunks(t *testing.T, allocator *heap.Allocator) []visitedChunk {
	var visited []visitedChunk
	err := allocator.VisitAllChunks(func(offset, units int, free bool) error {
		visited = append(visited, visitedChunk{Offset: offset, Units: units, Free: free})
		return nil
	})
	require.NoError(t, err)

	return visited
}

func detailedMap(allocator *heap.Allocator) string {
	writer := jwriter.NewWriter()
	allocator.PrintDetailedMap(&writer)
	return string(writer.Bytes())
}

func TestAllocateReleaseScenario(t *testing.T) {
	allocator, _ := newAllocator(t, heap.CreateOptions{})

	// Nothing is reserved before the first allocation
	require.Empty(t, chunks(t, allocator))

	p1, err := allocator.Allocate(64)
	require.NoError(t, err)
	require.Equal(t, heap.Ptr(16), p1)
	require.NoError(t, allocator.Validate())

	p2, err := allocator.Allocate(50)
	require.NoError(t, err)
	require.Equal(t, heap.Ptr(6*16+16), p2)
	require.NoError(t, allocator.Validate())

	require.NoError(t, allocator.Release(p1))
	require.NoError(t, allocator.Validate())

	p3, err := allocator.Allocate(160)
	require.NoError(t, err)
	require.Equal(t, heap.Ptr(12*16+16), p3)
	require.NoError(t, allocator.Validate())

	require.Equal(t, []visitedChunk{
		{Offset: 0, Units: 6, Free: true},
		{Offset: 96, Units: 6, Free: false},
		{Offset: 192, Units: 12, Free: false},
		{Offset: 384, Units: 1000, Free: true},
	}, chunks(t, allocator))

	require.NoError(t, allocator.Release(p3))
	require.NoError(t, allocator.Validate())

	p4, err := allocator.Allocate(0)
	require.NoError(t, err)
	require.Equal(t, heap.NilPtr, p4)
	require.NoError(t, allocator.Release(p4))

	require.Equal(t, []visitedChunk{
		{Offset: 0, Units: 6, Free: true},
		{Offset: 96, Units: 6, Free: false},
		{Offset: 192, Units: 1012, Free: true},
	}, chunks(t, allocator))

	require.NoError(t, allocator.Release(p2))
	require.NoError(t, allocator.Validate())

	// One free chunk covers the whole arena
	require.Equal(t, []visitedChunk{
		{Offset: 0, Units: 1024, Free: true},
	}, chunks(t, allocator))

	counters := allocator.Counters()
	require.Equal(t, 3, counters.AllocateCalls)
	require.Equal(t, 3, counters.ReleaseCalls)
	require.Equal(t, 1, counters.GrowCalls)
	require.Equal(t, 3, counters.Splits)
	require.Equal(t, 3, counters.Coalesces)
}

func TestAllocateZeroLeavesHeapUnchanged(t *testing.T) {
	allocator, _ := newAllocator(t, heap.CreateOptions{})

	p, err := allocator.Allocate(0)
	require.NoError(t, err)
	require.Equal(t, heap.NilPtr, p)
	require.Empty(t, chunks(t, allocator))
	require.Equal(t, heap.Counters{}, allocator.Counters())

	require.Nil(t, allocator.Bytes(heap.NilPtr))
}

func TestAllocateNegativeSize(t *testing.T) {
	allocator, _ := newAllocator(t, heap.CreateOptions{})

	p, err := allocator.Allocate(-1)
	require.True(t, errors.Is(err, memutils.ErrOutOfMemory))
	require.Equal(t, heap.NilPtr, p)
	require.NoError(t, allocator.Validate())
}

func TestAllocateRoundsUpToUnits(t *testing.T) {
	allocator, _ := newAllocator(t, heap.CreateOptions{})

	testCases := map[int]int{
		1:  16,
		16: 16,
		17: 32,
		50: 64,
		64: 64,
	}

	for size, usable := range testCases {
		p, err := allocator.Allocate(size)
		require.NoError(t, err)
		require.Equal(t, usable, allocator.UsableSize(p))
		require.Len(t, allocator.Bytes(p), usable)
	}

	require.NoError(t, allocator.Validate())
}

func TestAllocateDoesNotSplitOffTinyRemainders(t *testing.T) {
	allocator, _ := newAllocator(t, heap.CreateOptions{})

	// 10 units
	p, err := allocator.Allocate(8 * 16)
	require.NoError(t, err)
	fence, err := allocator.Allocate(16)
	require.NoError(t, err)
	require.NoError(t, allocator.Release(p))

	// 8 units requested from a 10 unit chunk leaves 2, which is too small to be a chunk
	p2, err := allocator.Allocate(6 * 16)
	require.NoError(t, err)
	require.Equal(t, p, p2)
	require.Equal(t, 8*16, allocator.UsableSize(p2))

	// 7 units requested from a 10 unit chunk leaves 3, which is split off
	require.NoError(t, allocator.Release(p2))
	p3, err := allocator.Allocate(5 * 16)
	require.NoError(t, err)
	require.Equal(t, p, p3)
	require.Equal(t, 5*16, allocator.UsableSize(p3))

	require.Equal(t, visitedChunk{Offset: 7 * 16, Units: 3, Free: true}, chunks(t, allocator)[1])
	require.NoError(t, allocator.Release(fence))
	require.NoError(t, allocator.Validate())
}

func TestCatchAllBinIsFirstFitAscending(t *testing.T) {
	allocator, _ := newAllocator(t, heap.CreateOptions{NumBins: 8})

	// Chunks of 20, 10 and 15 units, kept apart by 3 unit fences
	a, err := allocator.Allocate(18 * 16)
	require.NoError(t, err)
	_, err = allocator.Allocate(16)
	require.NoError(t, err)
	b, err := allocator.Allocate(8 * 16)
	require.NoError(t, err)
	_, err = allocator.Allocate(16)
	require.NoError(t, err)
	c, err := allocator.Allocate(13 * 16)
	require.NoError(t, err)
	_, err = allocator.Allocate(16)
	require.NoError(t, err)

	require.NoError(t, allocator.Release(a))
	require.NoError(t, allocator.Release(c))
	require.NoError(t, allocator.Release(b))
	require.NoError(t, allocator.Validate())

	// 9 units fits everywhere in the catch-all bin, the smallest candidate wins
	p, err := allocator.Allocate(7 * 16)
	require.NoError(t, err)
	require.Equal(t, b, p)

	p, err = allocator.Allocate(13 * 16)
	require.NoError(t, err)
	require.Equal(t, c, p)

	p, err = allocator.Allocate(16 * 16)
	require.NoError(t, err)
	require.Equal(t, a, p)

	require.NoError(t, allocator.Validate())
}

func TestReleaseCoalescesBothNeighbors(t *testing.T) {
	allocator, _ := newAllocator(t, heap.CreateOptions{})

	ptrs := make([]heap.Ptr, 4)
	for i := range ptrs {
		var err error
		ptrs[i], err = allocator.Allocate(32)
		require.NoError(t, err)
	}

	require.NoError(t, allocator.Release(ptrs[0]))
	require.NoError(t, allocator.Release(ptrs[2]))
	require.Equal(t, []visitedChunk{
		{Offset: 0, Units: 4, Free: true},
		{Offset: 64, Units: 4, Free: false},
		{Offset: 128, Units: 4, Free: true},
		{Offset: 192, Units: 4, Free: false},
		{Offset: 256, Units: 1008, Free: true},
	}, chunks(t, allocator))

	require.NoError(t, allocator.Release(ptrs[1]))
	require.Equal(t, []visitedChunk{
		{Offset: 0, Units: 12, Free: true},
		{Offset: 192, Units: 4, Free: false},
		{Offset: 256, Units: 1008, Free: true},
	}, chunks(t, allocator))

	require.NoError(t, allocator.Release(ptrs[3]))
	require.Equal(t, []visitedChunk{
		{Offset: 0, Units: 1024, Free: true},
	}, chunks(t, allocator))

	require.NoError(t, allocator.Validate())
}

func TestZeroedAllocate(t *testing.T) {
	allocator, _ := newAllocator(t, heap.CreateOptions{})

	dirty, err := allocator.Allocate(100)
	require.NoError(t, err)
	payload := allocator.Bytes(dirty)
	for i := range payload {
		payload[i] = 0xAB
	}
	require.NoError(t, allocator.Release(dirty))

	p, err := allocator.ZeroedAllocate(5, 20)
	require.NoError(t, err)
	require.Equal(t, dirty, p)
	require.GreaterOrEqual(t, allocator.UsableSize(p), 100)
	require.Equal(t, make([]byte, allocator.UsableSize(p)), allocator.Bytes(p))

	require.NoError(t, allocator.Validate())
}

func TestZeroedAllocateEdgeCases(t *testing.T) {
	allocator, _ := newAllocator(t, heap.CreateOptions{})

	p, err := allocator.ZeroedAllocate(0, 20)
	require.NoError(t, err)
	require.Equal(t, heap.NilPtr, p)

	_, err = allocator.ZeroedAllocate(1<<62, 16)
	require.True(t, errors.Is(err, memutils.ErrOutOfMemory))

	_, err = allocator.ZeroedAllocate(-1, 16)
	require.True(t, errors.Is(err, memutils.ErrOutOfMemory))

	require.NoError(t, allocator.Validate())
}

func TestResizeScenario(t *testing.T) {
	allocator, _ := newAllocator(t, heap.CreateOptions{})
	alphabet := []byte("abcdefghijklmnopqrstuvwxyz\x00")

	p, err := allocator.Allocate(28)
	require.NoError(t, err)
	copy(allocator.Bytes(p), alphabet)

	p, err = allocator.Resize(p, 150)
	require.NoError(t, err)
	require.GreaterOrEqual(t, allocator.UsableSize(p), 150)
	require.Equal(t, alphabet, allocator.Bytes(p)[:len(alphabet)])
	require.NoError(t, allocator.Validate())

	shrunk, err := allocator.Resize(p, 12)
	require.NoError(t, err)
	require.Equal(t, p, shrunk)
	require.Equal(t, 16, allocator.UsableSize(shrunk))
	require.Equal(t, alphabet[:12], allocator.Bytes(shrunk)[:12])
	require.NoError(t, allocator.Validate())

	p, err = allocator.Resize(shrunk, 20)
	require.NoError(t, err)
	require.NotEqual(t, shrunk, p)
	require.Equal(t, alphabet[:12], allocator.Bytes(p)[:12])
	require.NoError(t, allocator.Validate())

	require.Equal(t, 1, allocator.Counters().Shrinks)
}

func TestResizeWithinCapacityIsNoOp(t *testing.T) {
	allocator, _ := newAllocator(t, heap.CreateOptions{})

	p, err := allocator.Allocate(64)
	require.NoError(t, err)

	before := detailedMap(allocator)

	for _, size := range []int{60, 64, 30, 17} {
		resized, err := allocator.Resize(p, size)
		require.NoError(t, err)
		require.Equal(t, p, resized)
	}

	require.Equal(t, before, detailedMap(allocator))
	require.Equal(t, []visitedChunk{
		{Offset: 0, Units: 6, Free: false},
		{Offset: 96, Units: 1018, Free: true},
	}, chunks(t, allocator))
	require.NoError(t, allocator.Validate())
}

func TestResizeNilAndZero(t *testing.T) {
	allocator, _ := newAllocator(t, heap.CreateOptions{})

	p, err := allocator.Resize(heap.NilPtr, 40)
	require.NoError(t, err)
	require.NotEqual(t, heap.NilPtr, p)
	require.GreaterOrEqual(t, allocator.UsableSize(p), 40)

	p, err = allocator.Resize(p, 0)
	require.NoError(t, err)
	require.Equal(t, heap.NilPtr, p)

	require.Equal(t, []visitedChunk{
		{Offset: 0, Units: 1024, Free: true},
	}, chunks(t, allocator))
	require.NoError(t, allocator.Validate())
}

func TestResizeFailureKeepsOriginal(t *testing.T) {
	source := arena.NewHeapSource(64 * 16)
	allocator, err := heap.New(nil, source, heap.CreateOptions{GrowthUnits: 64})
	require.NoError(t, err)

	p, err := allocator.Allocate(100)
	require.NoError(t, err)
	copy(allocator.Bytes(p), "keep me")

	resized, err := allocator.Resize(p, 2000)
	require.True(t, errors.Is(err, memutils.ErrOutOfMemory))
	require.True(t, errors.Is(err, arena.ErrExhausted))
	require.Equal(t, heap.NilPtr, resized)

	require.Equal(t, []byte("keep me"), allocator.Bytes(p)[:7])
	require.NoError(t, allocator.Validate())
	require.NoError(t, allocator.Release(p))
	require.NoError(t, allocator.Validate())
}

func TestAllocateExhaustion(t *testing.T) {
	source := arena.NewHeapSource(64 * 16)
	allocator, err := heap.New(nil, source, heap.CreateOptions{GrowthUnits: 64})
	require.NoError(t, err)

	p, err := allocator.Allocate(62 * 16)
	require.NoError(t, err)

	before := chunks(t, allocator)

	_, err = allocator.Allocate(1)
	require.True(t, errors.Is(err, memutils.ErrOutOfMemory))
	require.Equal(t, before, chunks(t, allocator))
	require.NoError(t, allocator.Validate())

	require.NoError(t, allocator.Release(p))
	p, err = allocator.Allocate(1)
	require.NoError(t, err)
	require.NoError(t, allocator.Validate())
}

func TestGrowthCoalescesWithFreeTail(t *testing.T) {
	allocator, _ := newAllocator(t, heap.CreateOptions{GrowthUnits: 8})

	_, err := allocator.Allocate(16)
	require.NoError(t, err)
	require.Equal(t, []visitedChunk{
		{Offset: 0, Units: 3, Free: false},
		{Offset: 48, Units: 5, Free: true},
	}, chunks(t, allocator))

	p, err := allocator.Allocate(100)
	require.NoError(t, err)
	require.Equal(t, heap.Ptr(48+16), p)
	require.Equal(t, []visitedChunk{
		{Offset: 0, Units: 3, Free: false},
		{Offset: 48, Units: 9, Free: false},
		{Offset: 192, Units: 5, Free: true},
	}, chunks(t, allocator))

	counters := allocator.Counters()
	require.Equal(t, 2, counters.GrowCalls)
	require.Equal(t, 17, counters.GrowUnits)
	require.Equal(t, 1, counters.Coalesces)
	require.NoError(t, allocator.Validate())
}

func TestDoubleFreeAndInvalidPointers(t *testing.T) {
	allocator, _ := newAllocator(t, heap.CreateOptions{})

	p, err := allocator.Allocate(32)
	require.NoError(t, err)
	fence, err := allocator.Allocate(32)
	require.NoError(t, err)

	require.NoError(t, allocator.Release(p))
	require.True(t, errors.Is(allocator.Release(p), memutils.ErrDoubleFree))

	_, err = allocator.Resize(p, 64)
	require.True(t, errors.Is(err, memutils.ErrDoubleFree))

	require.True(t, errors.Is(allocator.Release(fence+8), memutils.ErrInvalidPointer))
	require.True(t, errors.Is(allocator.Release(heap.Ptr(1<<30)), memutils.ErrInvalidPointer))
	require.True(t, errors.Is(allocator.Release(heap.Ptr(-16)), memutils.ErrInvalidPointer))

	// A pointer into the middle of a payload finds zeroed memory where a header should be
	big, err := allocator.Allocate(256)
	require.NoError(t, err)
	require.True(t, errors.Is(allocator.Release(big+32), memutils.ErrInvalidPointer))

	require.Panics(t, func() {
		allocator.Bytes(p)
	})

	require.NoError(t, allocator.Validate())
}

func TestTrackAllocationsRejectsForgedHeaders(t *testing.T) {
	allocator, _ := newAllocator(t, heap.CreateOptions{Flags: heap.CreateTrackAllocations})

	p, err := allocator.Allocate(256)
	require.NoError(t, err)

	// Lay out something that looks like a 3 unit in-use chunk inside the payload
	payload := allocator.Bytes(p)
	binary.LittleEndian.PutUint64(payload[16:], 3<<1|1)
	binary.LittleEndian.PutUint64(payload[48:], 3)

	forged := p + 32
	require.True(t, errors.Is(allocator.Release(forged), memutils.ErrInvalidPointer))
	_, err = allocator.Resize(forged, 8)
	require.True(t, errors.Is(err, memutils.ErrInvalidPointer))

	require.NoError(t, allocator.Validate())
	require.NoError(t, allocator.Release(p))
	require.True(t, errors.Is(allocator.Release(p), memutils.ErrDoubleFree))
	require.NoError(t, allocator.Validate())
}

func TestCreateOptions(t *testing.T) {
	testCases := map[string]struct {
		Source  arena.Source
		Options heap.CreateOptions
		Error   error
	}{
		"Defaults": {
			Source: arena.NewHeapSource(1024),
		},
		"SmallestBinCount": {
			Source:  arena.NewHeapSource(1024),
			Options: heap.CreateOptions{NumBins: chunk.MinUnitsPerChunk + 1},
		},
		"TooFewBins": {
			Source:  arena.NewHeapSource(1024),
			Options: heap.CreateOptions{NumBins: chunk.MinUnitsPerChunk},
			Error:   memutils.ErrInvalidOptions,
		},
		"NegativeBins": {
			Source:  arena.NewHeapSource(1024),
			Options: heap.CreateOptions{NumBins: -4},
			Error:   memutils.ErrInvalidOptions,
		},
		"TinyGrowth": {
			Source:  arena.NewHeapSource(1024),
			Options: heap.CreateOptions{GrowthUnits: 2},
			Error:   memutils.ErrInvalidOptions,
		},
		"NegativeInitialUnits": {
			Source:  arena.NewHeapSource(1024),
			Options: heap.CreateOptions{InitialUnits: -1},
			Error:   memutils.ErrInvalidOptions,
		},
		"NoSource": {
			Error: memutils.ErrInvalidOptions,
		},
		"InitialUnitsTooLarge": {
			Source:  arena.NewHeapSource(1024),
			Options: heap.CreateOptions{InitialUnits: 65, GrowthUnits: 4},
			Error:   memutils.ErrOutOfMemory,
		},
	}

	for testName, testCase := range testCases {
		t.Run(testName, func(t *testing.T) {
			allocator, err := heap.New(nil, testCase.Source, testCase.Options)
			if testCase.Error != nil {
				require.True(t, errors.Is(err, testCase.Error))
				require.Nil(t, allocator)
				return
			}

			require.NoError(t, err)
			require.NoError(t, allocator.Validate())
		})
	}
}

func TestInitialUnits(t *testing.T) {
	allocator, _ := newAllocator(t, heap.CreateOptions{InitialUnits: 100, GrowthUnits: 64})

	require.Equal(t, []visitedChunk{
		{Offset: 0, Units: 100, Free: true},
	}, chunks(t, allocator))

	_, err := allocator.Allocate(1000)
	require.NoError(t, err)
	require.Equal(t, 1, allocator.Counters().GrowCalls)
}

func TestUnalignedSourceStart(t *testing.T) {
	source := arena.NewHeapSource(1 << 16)
	_, err := source.Extend(5)
	require.NoError(t, err)

	allocator, err := heap.New(nil, source, heap.CreateOptions{})
	require.NoError(t, err)

	p, err := allocator.Allocate(10)
	require.NoError(t, err)
	require.Equal(t, heap.Ptr(32), p)
	require.Equal(t, []visitedChunk{
		{Offset: 16, Units: 3, Free: false},
		{Offset: 64, Units: 1021, Free: true},
	}, chunks(t, allocator))
	require.NoError(t, allocator.Validate())
}

func TestCreateFlagsString(t *testing.T) {
	require.Equal(t, "None", heap.CreateFlags(0).String())
	require.Equal(t, "CreateSynchronized", heap.CreateSynchronized.String())
	require.Equal(t, "CreateSynchronized|CreateTrackAllocations", (heap.CreateSynchronized | heap.CreateTrackAllocations).String())
}

func TestLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	allocator, err := heap.New(logger, arena.NewHeapSource(1<<16), heap.CreateOptions{})
	require.NoError(t, err)

	p, err := allocator.Allocate(64)
	require.NoError(t, err)
	require.NoError(t, allocator.Release(p))

	output := buf.String()
	require.Contains(t, output, "Allocator::New")
	require.Contains(t, output, "Allocator::Allocate")
	require.Contains(t, output, "Allocator::extendArena")
	require.Contains(t, output, "Allocator::Release")
	require.Contains(t, output, "Size=64")
}
