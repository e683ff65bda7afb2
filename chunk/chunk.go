// Package chunk defines how a run of units inside an arena is interpreted as a boundary-tagged chunk.
//
// Every unit is 16 bytes: a size word followed by a link word. The first unit of a chunk is its header
// and the last unit is its footer:
//
//	header size word: units<<1 | status
//	header link word: next chunk in the free list
//	footer size word: units
//	footer link word: previous chunk in the free list
//
// The link words are only meaningful while the chunk is free. The footer size word is always kept
// current, which is what allows the chunk physically preceding any other chunk to be found in O(1).
//
// This package has no notion of bins or allocation policy.
package chunk

import (
	"encoding/binary"
	"fmt"

	"github.com/cockroachdb/errors"
)

const (
	// MinUnitsPerChunk is the smallest number of units a chunk can have: a header, a footer and one
	// unit of payload.
	MinUnitsPerChunk = 3

	unitSize = 16
	wordSize = 8
)

// Status indicates whether a chunk is available or handed out to a caller
type Status uint64

const (
	StatusFree Status = iota
	StatusInUse
)

var statusMapping = map[Status]string{
	StatusFree:  "FREE",
	StatusInUse: "IN_USE",
}

func (s Status) String() string {
	return statusMapping[s]
}

// Ref is the unit index of a chunk inside an Arena
type Ref int

// Nil is the Ref value that refers to no chunk
const Nil Ref = -1

// UnitSize returns the number of bytes in a unit
func UnitSize() int {
	return unitSize
}

// Arena gives unit-addressed access to a region of raw memory. It does not own the memory: the
// consumer calls Remap whenever the region is extended.
type Arena struct {
	mem []byte
}

// NewArena creates an Arena over the provided memory
func NewArena(mem []byte) *Arena {
	return &Arena{mem: mem}
}

// Remap points the Arena at a new view of its memory. Chunks already laid out in the previous view
// must be present at the same offsets in the new one.
func (a *Arena) Remap(mem []byte) {
	a.mem = mem
}

// Len returns the number of whole units in the Arena
func (a *Arena) Len() int {
	return len(a.mem) / unitSize
}

// Offset returns the byte offset of the first unit of c
func Offset(c Ref) int {
	return int(c) * unitSize
}

func (a *Arena) sizeWord(u Ref) uint64 {
	return binary.LittleEndian.Uint64(a.mem[Offset(u):])
}

func (a *Arena) setSizeWord(u Ref, value uint64) {
	binary.LittleEndian.PutUint64(a.mem[Offset(u):], value)
}

func (a *Arena) linkWord(u Ref) Ref {
	return Ref(int64(binary.LittleEndian.Uint64(a.mem[Offset(u)+wordSize:])) - 1)
}

func (a *Arena) setLinkWord(u Ref, link Ref) {
	binary.LittleEndian.PutUint64(a.mem[Offset(u)+wordSize:], uint64(int64(link)+1))
}

func checkRef(c Ref) {
	if c < 0 {
		panic(fmt.Sprintf("invalid chunk reference %d", c))
	}
}

// Status returns the status of c
func (a *Arena) Status(c Ref) Status {
	checkRef(c)
	return Status(a.sizeWord(c) & 1)
}

// SetStatus changes the status of c without touching its size
func (a *Arena) SetStatus(c Ref, status Status) {
	checkRef(c)
	if status != StatusFree && status != StatusInUse {
		panic(fmt.Sprintf("invalid chunk status %d", status))
	}

	a.setSizeWord(c, a.sizeWord(c)&^1|uint64(status))
}

// Units returns the number of units in c, as recorded in its header
func (a *Arena) Units(c Ref) int {
	checkRef(c)
	return int(a.sizeWord(c) >> 1)
}

// SetUnits records units as the size of c in both its header and its footer. The status bit in the header is
// preserved, so a freshly carved chunk needs SetStatus afterwards.
func (a *Arena) SetUnits(c Ref, units int) {
	checkRef(c)
	if units < MinUnitsPerChunk {
		panic(fmt.Sprintf("chunk %d cannot have %d units, the minimum is %d", c, units, MinUnitsPerChunk))
	}

	a.setSizeWord(c, a.sizeWord(c)&1|uint64(units)<<1)
	a.setSizeWord(c+Ref(units)-1, uint64(units))
}

// FooterUnits returns the number of units in c, as recorded in its footer
func (a *Arena) FooterUnits(c Ref) int {
	return int(a.sizeWord(c + Ref(a.Units(c)) - 1))
}

// NextInList returns the chunk that follows c in its free list, or Nil
func (a *Arena) NextInList(c Ref) Ref {
	checkRef(c)
	return a.linkWord(c)
}

func (a *Arena) SetNextInList(c Ref, next Ref) {
	checkRef(c)
	a.setLinkWord(c, next)
}

// PrevInList returns the chunk that precedes c in its free list, or Nil. The link lives in the footer, so
// the size of c must already be correct.
func (a *Arena) PrevInList(c Ref) Ref {
	checkRef(c)
	return a.linkWord(c + Ref(a.Units(c)) - 1)
}

func (a *Arena) SetPrevInList(c Ref, prev Ref) {
	checkRef(c)
	a.setLinkWord(c+Ref(a.Units(c))-1, prev)
}

// NextInMem returns the chunk physically following c, or Nil if c is the last chunk before heapEnd
func (a *Arena) NextInMem(c Ref, heapEnd Ref) Ref {
	checkRef(c)
	if c >= heapEnd {
		panic(fmt.Sprintf("chunk %d is not below the heap end %d", c, heapEnd))
	}

	next := c + Ref(a.Units(c))
	if next > heapEnd {
		panic(fmt.Sprintf("chunk %d extends to unit %d, past the heap end %d", c, next, heapEnd))
	}

	if next == heapEnd {
		return Nil
	}
	return next
}

// PrevInMem returns the chunk physically preceding c, found through the footer of the unit before c, or Nil
// if c is the first chunk of the heap
func (a *Arena) PrevInMem(c Ref, heapStart Ref) Ref {
	checkRef(c)
	if c < heapStart {
		panic(fmt.Sprintf("chunk %d is below the heap start %d", c, heapStart))
	}

	if c == heapStart {
		return Nil
	}

	prev := c - Ref(a.sizeWord(c-1))
	if prev < heapStart || prev >= c {
		panic(fmt.Sprintf("footer before chunk %d points at unit %d, outside the heap", c, prev))
	}

	return prev
}

// Validate returns an error describing the first reason c is not a well-formed chunk lying within
// [heapStart, heapEnd)
func (a *Arena) Validate(c Ref, heapStart Ref, heapEnd Ref) error {
	if c < heapStart {
		return errors.Errorf("chunk %d: bad heap start %d", c, heapStart)
	}
	if c >= heapEnd {
		return errors.Errorf("chunk %d: bad heap end %d", c, heapEnd)
	}

	units := a.Units(c)
	if units == 0 {
		return errors.Errorf("chunk %d: zero units", c)
	}
	if units < MinUnitsPerChunk {
		return errors.Errorf("chunk %d: bad size %d", c, units)
	}
	if units > int(heapEnd-c) {
		return errors.Errorf("chunk %d: bad chunk end, %d units run past the heap end %d", c, units, heapEnd)
	}
	if footer := a.FooterUnits(c); footer != units {
		return errors.Errorf("chunk %d: inconsistent sizes, header has %d units and footer has %d", c, units, footer)
	}

	return nil
}

// IsValid reports whether Validate finds no problem with c
func (a *Arena) IsValid(c Ref, heapStart Ref, heapEnd Ref) bool {
	return a.Validate(c, heapStart, heapEnd) == nil
}

// Payload returns the bytes between the header and the footer of c. The slice's capacity ends at the
// footer, so appending to it reallocates instead of overwriting the boundary tag.
func (a *Arena) Payload(c Ref) []byte {
	start := Offset(c + 1)
	end := Offset(c + Ref(a.Units(c)) - 1)
	return a.mem[start:end:end]
}
