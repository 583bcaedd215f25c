// Package bbt implements the basic-block table: guest address -> cached
// block descriptor (spec §2 item 3, §3 "Cached block descriptor"/(b)).
// Descriptors come from a pooled arena, mirroring wazero's reuse of
// *function/*code values without a malloc per translated unit.
package bbt

import "github.com/rv64dbi/dbi/api"

// Descriptor is immutable once materialized (spec §3 "Lifecycles").
type Descriptor struct {
	FirstAddr       uint64
	LastAddr        uint64
	CacheStart      int
	CacheEnd        int
	InstructionCount int
	Terminator      api.TerminatorKind

	FirstRaw uint32
	LastRaw  uint32

	// FirstMnemonic and FirstGroup classify the block's first instruction,
	// used to fire per-type/per-group RUNTIME callbacks at block boundaries
	// (spec §4.7; every forced segmentation cut lands its trigger
	// instruction at a new block's first position, see internal/allocator).
	FirstMnemonic string
	FirstGroup    uint32

	TakenTarget     uint64 // valid for branches/direct jumps
	HasTakenTarget  bool
	FallThroughAddr uint64
	ECallNext       uint64 // valid when Terminator == TerminatorSyscall

	EnteredViaTakenBranch bool

	// BasicBlockAddress is FirstAddr for a normal block, or the enclosing
	// logical block's start for a segmented block (spec §4.2
	// "Segmentation"), so per-BB callbacks still attribute correctly.
	BasicBlockAddress uint64
}

// Table maps a guest address to its descriptor (spec §3 invariant (b): O(1)
// expected lookup).
type Table struct {
	byAddr map[uint64]*Descriptor
	arena  []Descriptor
}

// New creates an empty table.
func New() *Table {
	return &Table{byAddr: make(map[uint64]*Descriptor)}
}

// Lookup returns the descriptor materialized for guestAddr, if any (spec
// §8 "Idempotent materialization").
func (t *Table) Lookup(guestAddr uint64) (*Descriptor, bool) {
	d, ok := t.byAddr[guestAddr]
	return d, ok
}

// Alloc returns a fresh zeroed Descriptor from the pooled arena (spec §3
// "Lifecycles": descriptors are allocated from a pooled arena to avoid
// per-block malloc) and indexes it by its FirstAddr once the caller fills
// it in and calls Insert.
func (t *Table) Alloc() *Descriptor {
	t.arena = append(t.arena, Descriptor{})
	return &t.arena[len(t.arena)-1]
}

// Insert indexes d by d.FirstAddr. d must have come from Alloc on this
// table (or survive a Flush) so its storage outlives the table's lifetime.
func (t *Table) Insert(d *Descriptor) {
	t.byAddr[d.FirstAddr] = d
}

// Len returns the number of materialized blocks.
func (t *Table) Len() int { return len(t.byAddr) }

// Flush drops every entry and empties the arena, keeping its storage for
// reuse by later Alloc calls (spec §4.1: BBT is reset
// on cache flush, since every descriptor's cache offsets are now invalid).
func (t *Table) Flush() {
	t.byAddr = make(map[uint64]*Descriptor)
	t.arena = t.arena[:0]
}
