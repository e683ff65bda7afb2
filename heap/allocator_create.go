package heap

import (
	"io"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/heapmgr/arena"
	"github.com/vkngwrapper/heapmgr/chunk"
	"github.com/vkngwrapper/heapmgr/memutils"
	"golang.org/x/exp/slog"
)

// CreateFlags indicate specific allocator behaviors to activate or deactivate
type CreateFlags int32

const (
	// CreateSynchronized guards every operation on the allocator with a single coarse lock. Without it the
	// allocator must only be used from one goroutine at a time.
	CreateSynchronized CreateFlags = 1 << iota
	// CreateTrackAllocations keeps an index of every live payload handle. Release and Resize then reject
	// stale and interior pointers even when the memory they point at happens to look like a chunk header.
	CreateTrackAllocations
)

var createFlagsMapping = map[CreateFlags]string{
	CreateSynchronized:     "CreateSynchronized",
	CreateTrackAllocations: "CreateTrackAllocations",
}

func (f CreateFlags) String() string {
	if f == 0 {
		return "None"
	}

	var names []string
	for flag := CreateSynchronized; flag <= CreateTrackAllocations; flag <<= 1 {
		if f&flag != 0 {
			names = append(names, createFlagsMapping[flag])
		}
	}
	return strings.Join(names, "|")
}

const (
	// DefaultNumBins is the number of bins used when CreateOptions.NumBins is zero. Bins 0 through 1022
	// hold chunks of exactly that many units and bin 1023 holds everything larger.
	DefaultNumBins int = 1024
	// DefaultGrowthUnits is the minimum number of units the arena is extended by when
	// CreateOptions.GrowthUnits is zero. It is equal to 16KiB.
	DefaultGrowthUnits int = 1024
)

// CreateOptions contains optional settings when creating an allocator
type CreateOptions struct {
	// Flags indicates specific allocator behaviors to activate or deactivate
	Flags CreateFlags
	// NumBins is the number of segregated free lists. It must be larger than chunk.MinUnitsPerChunk.
	NumBins int
	// GrowthUnits is the minimum number of units requested from the memory source each time the arena
	// runs out of free chunks
	GrowthUnits int
	// InitialUnits, if non-zero, extends the arena by at least this many units during New. Otherwise
	// the arena is empty until the first allocation.
	InitialUnits int
}

// New creates a new Allocator that manages memory obtained from source. The allocator's heap starts at the
// current end of source, rounded up to a whole unit.
//
// logger - Debug output for allocator operations. A nil logger discards everything.
//
// source - The memory the heap grows into. Nothing else should extend it while the allocator is in use.
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, source arena.Source, options CreateOptions) (*Allocator, error) {
	if source == nil {
		return nil, errors.Wrap(memutils.ErrInvalidOptions, "a memory source is required")
	}

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	numBins := options.NumBins
	if numBins == 0 {
		numBins = DefaultNumBins
	}
	if numBins <= chunk.MinUnitsPerChunk {
		return nil, errors.Wrapf(memutils.ErrInvalidOptions, "NumBins is %d but must be greater than %d", numBins, chunk.MinUnitsPerChunk)
	}

	growthUnits := options.GrowthUnits
	if growthUnits == 0 {
		growthUnits = DefaultGrowthUnits
	}
	if growthUnits < chunk.MinUnitsPerChunk {
		return nil, errors.Wrapf(memutils.ErrInvalidOptions, "GrowthUnits is %d but must be at least %d", growthUnits, chunk.MinUnitsPerChunk)
	}

	if options.InitialUnits < 0 {
		return nil, errors.Wrapf(memutils.ErrInvalidOptions, "InitialUnits is %d", options.InitialUnits)
	}

	allocator := &Allocator{
		logger:      logger,
		source:      source,
		createFlags: options.Flags,
		growthUnits: growthUnits,
		bins:        make([]chunk.Ref, numBins),
		binMask:     make([]uint64, memutils.DivideRoundingUp(numBins, 64)),
	}
	allocator.mutex.UseMutex = options.Flags&CreateSynchronized != 0

	for i := range allocator.bins {
		allocator.bins[i] = chunk.Nil
	}

	if options.Flags&CreateTrackAllocations != 0 {
		allocator.live = swiss.NewMap[Ptr, struct{}](42)
	}

	// The heap has to start on a unit boundary
	start := len(source.Bytes())
	if pad := memutils.AlignUp(start, uint(chunk.UnitSize())) - start; pad > 0 {
		_, err := source.Extend(pad)
		if err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "failed to align the heap start at byte %d", start), memutils.ErrOutOfMemory)
		}
	}

	mem := source.Bytes()
	allocator.mem = chunk.NewArena(mem)
	allocator.heapStart = chunk.Ref(len(mem) / chunk.UnitSize())
	allocator.heapEnd = allocator.heapStart

	logger.Debug("Allocator::New",
		slog.String("Flags", options.Flags.String()),
		slog.Int("NumBins", numBins),
		slog.Int("GrowthUnits", growthUnits),
		slog.Int("HeapStart", chunk.Offset(allocator.heapStart)),
	)

	if options.InitialUnits > 0 {
		_, err := allocator.extendArena(options.InitialUnits)
		if err != nil {
			return nil, err
		}
	}

	memutils.DebugValidate(memutils.ValidateFunc(allocator.validate))

	return allocator, nil
}
