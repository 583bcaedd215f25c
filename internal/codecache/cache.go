// Package codecache implements the code cache (spec §4.1): a single mmap'd
// RWX region of fixed capacity with a monotonically advancing, append-only
// write cursor. Grounded on wazero's internal/engine/compiler "code" type
// (a []byte codeSegment released via runtime.SetFinalizer) and its
// platform.MmapCodeSegment/MunmapCodeSegment pair, adapted here into an
// append-only arena rather than one mmap per function.
package codecache

import (
	"errors"
	"fmt"

	"github.com/rv64dbi/dbi/internal/platform"
)

// DefaultCapacity is the base design's fixed cache size (spec §2 item 2).
const DefaultCapacity = 4 * 1024 * 1024

// ErrExhausted marks an Append that did not fit; callers distinguish this
// from other failures to trigger the flush-and-retry path (spec §7 "Cache
// exhaustion").
var ErrExhausted = errors.New("codecache: exhausted")

// Cache owns a single RWX mapping. Only the allocator and the trace linker
// may write to it (spec §5 "Shared resources").
type Cache struct {
	mem    []byte
	cursor int

	// generation increments on every flush; code holding a stale
	// generation number knows its cache addresses are no longer valid
	// (spec §4.1 "any in-flight reference to a cached address is invalid
	// after flush").
	generation uint64
}

// New mmaps a capacity-byte RWX region.
func New(capacity int) (*Cache, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	mem, err := platform.MmapCodeSegment(capacity)
	if err != nil {
		return nil, fmt.Errorf("codecache: %w", err)
	}
	return &Cache{mem: mem}, nil
}

// Close releases the underlying mapping. Like wazero's releaseCode, this
// is safe to call once the cache is no longer referenced.
func (c *Cache) Close() error {
	if c.mem == nil {
		return nil
	}
	err := platform.MunmapCodeSegment(c.mem)
	c.mem = nil
	return err
}

// Capacity returns the fixed size of the mapping.
func (c *Cache) Capacity() int { return len(c.mem) }

// Cursor returns the offset of the next free byte (spec §3 invariant (a)).
func (c *Cache) Cursor() int { return c.cursor }

// Generation returns the current flush generation.
func (c *Cache) Generation() uint64 { return c.generation }

// Remaining reports how many bytes are left before the cursor reaches
// capacity.
func (c *Cache) Remaining() int { return len(c.mem) - c.cursor }

// Reserve reports whether n more bytes would fit, without advancing the
// cursor, letting the allocator decide whether to flush
// before starting a block it can't finish (spec §7 "Cache exhaustion").
func (c *Cache) Reserve(n int) bool { return c.Remaining() >= n }

// Append writes word-aligned bytes to the cache and returns their starting
// offset. b holds one or more whole instructions (2-byte RVC or 4-byte
// standard words) per spec §4.1 "Writes are 2- or 4-byte aligned per
// instruction size"; Append does not itself check lengths or alignment.
func (c *Cache) Append(b []byte) (offset int, err error) {
	if !c.Reserve(len(b)) {
		return 0, fmt.Errorf("%w: need %d bytes, have %d", ErrExhausted, len(b), c.Remaining())
	}
	offset = c.cursor
	copy(c.mem[offset:], b)
	c.cursor += len(b)
	return offset, nil
}

// PatchAt overwrites len(b) bytes starting at offset, used by the trace
// linker's backpatching (spec §4.4) and the allocator's stub-reachability
// rewrites. offset+len(b) must not exceed the current cursor: patching
// ahead of the write cursor would corrupt not-yet-written bytes.
func (c *Cache) PatchAt(offset int, b []byte) error {
	if offset < 0 || offset+len(b) > c.cursor {
		return fmt.Errorf("codecache: patch [%d,%d) out of written range [0,%d)", offset, offset+len(b), c.cursor)
	}
	copy(c.mem[offset:], b)
	return nil
}

// Bytes returns the live region [0, cursor) of the cache.
func (c *Cache) Bytes() []byte { return c.mem[:c.cursor] }

// SyncRange makes the freshly written byte range [offset, offset+length)
// visible to the instruction fetch unit (spec §4.1 "Instruction-cache
// coherence"). A no-op off linux/riscv64, where this code cache is never
// actually executed.
func (c *Cache) SyncRange(offset, length int) error {
	if length <= 0 {
		return nil
	}
	return platform.SyncInstructionCache(c.mem[offset : offset+length])
}

// Base returns the address of byte 0 of the mapping, for computing
// absolute cache addresses from offsets when emitting direct branches.
func (c *Cache) Base() uintptr { return platform.AddressOf(c.mem) }

// Flush resets the cache to empty and bumps the generation counter (spec
// §4.1 "On exhaustion, the engine flushes"). The caller is responsible for
// also resetting the BBT and ELT, since this package owns only the bytes
// (spec §3 "Ownership").
func (c *Cache) Flush() {
	c.cursor = 0
	c.generation++
}
