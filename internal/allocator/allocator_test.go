package allocator

import (
	"encoding/binary"
	"testing"

	"github.com/rv64dbi/dbi/api"
	"github.com/rv64dbi/dbi/internal/bbt"
	"github.com/rv64dbi/dbi/internal/callback"
	"github.com/rv64dbi/dbi/internal/codecache"
	"github.com/rv64dbi/dbi/internal/elf"
	"github.com/rv64dbi/dbi/internal/elt"
	"github.com/rv64dbi/dbi/internal/inline"
	"github.com/rv64dbi/dbi/internal/isa"
	"github.com/rv64dbi/dbi/internal/stub"
	"github.com/rv64dbi/dbi/internal/tracelink"
	"github.com/stretchr/testify/require"
)

const textBase = 0x1000

// newTestAllocator wires a fresh allocator over a synthetic .text built
// from the given instruction words, each word-aligned to 4 bytes.
func newTestAllocator(t *testing.T, words []uint32) (*Allocator, *bbt.Table) {
	t.Helper()
	b := make([]byte, 4*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint32(b[i*4:], w)
	}
	img := &elf.Image{TextBase: textBase, TextBytes: b}

	cache, err := codecache.New(64 * 1024)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, cache.Close()) })

	bbtbl := bbt.New()
	cb := callback.New()
	weaver := inline.New()
	linker := tracelink.New(elt.New(), cache)
	stubs := stub.New(cache)

	a := New(img, cache, bbtbl, cb, weaver, linker, stubs, 0)
	a.SetContextSwitchEntry(0x7fff0000)
	a.SetSyscallShimEntry(0x7fff1000)
	return a, bbtbl
}

func TestMaterializeDirectJump(t *testing.T) {
	words := []uint32{
		isa.Addi(1, 0, 5), // x1 = 5
		isa.Jal(0, 0),     // unconditional jump to self
	}
	a, bbtbl := newTestAllocator(t, words)

	d, err := a.Materialize(textBase)
	require.NoError(t, err)
	require.Equal(t, uint64(textBase), d.FirstAddr)
	require.Equal(t, uint64(textBase+4), d.LastAddr)
	require.Equal(t, api.TerminatorDirectJump, d.Terminator)
	require.True(t, d.HasTakenTarget)
	require.Equal(t, uint64(textBase+4), d.TakenTarget)
	require.Equal(t, 2, d.InstructionCount)
	require.Equal(t, words[0], d.FirstRaw)
	require.Equal(t, words[1], d.LastRaw)
	require.Equal(t, 0, d.CacheStart)

	wantLen := 4 /* addi pass-through */ + contextSwitchWordLen*4 /* planted stub */ + 4 /* jump to stub */
	require.Equal(t, wantLen, d.CacheEnd)

	d2, ok := bbtbl.Lookup(textBase)
	require.True(t, ok)
	require.Same(t, d, d2)
}

func TestMaterializeIsIdempotent(t *testing.T) {
	a, _ := newTestAllocator(t, []uint32{isa.Jal(0, 0)})
	d1, err := a.Materialize(textBase)
	require.NoError(t, err)
	cursorAfterFirst := a.cache.Cursor()

	d2, err := a.Materialize(textBase)
	require.NoError(t, err)
	require.Same(t, d1, d2)
	require.Equal(t, cursorAfterFirst, a.cache.Cursor())
}

func TestAUIPCFixupExpandsToLoadImmediate(t *testing.T) {
	words := []uint32{
		isa.Auipc(5, 0x1000), // x5 = pc + 0x1000
		isa.Jal(0, 0),
	}
	a, _ := newTestAllocator(t, words)
	d, err := a.Materialize(textBase)
	require.NoError(t, err)

	wantLen := isa.LoadImmediate64Words*4 /* auipc fixup */ + contextSwitchWordLen*4 /* planted stub */ + 4 /* jump to stub */
	require.Equal(t, wantLen, d.CacheEnd)
}

func TestIndirectJumpEmitsLinkWritebackAndIndirectExit(t *testing.T) {
	words := []uint32{
		isa.Jalr(1, 10, 0), // ra = pc+4; jump to address in x10
	}
	a, _ := newTestAllocator(t, words)
	d, err := a.Materialize(textBase)
	require.NoError(t, err)
	require.Equal(t, api.TerminatorIndirectJump, d.Terminator)
	require.False(t, d.HasTakenTarget)

	wantLen := isa.LoadImmediate64Words*4 /* link writeback */ + 4 /* sd of target reg */ +
		(isa.LoadImmediate64Words+1)*4 /* planted indirect-finish stub */ + 4 /* jump to stub */
	require.Equal(t, wantLen, d.CacheEnd)
}

func TestSyscallExitRecordsResumeAddress(t *testing.T) {
	words := []uint32{isa.Ecall()}
	a, _ := newTestAllocator(t, words)
	d, err := a.Materialize(textBase)
	require.NoError(t, err)
	require.Equal(t, api.TerminatorSyscall, d.Terminator)
	require.Equal(t, uint64(textBase+4), d.ECallNext)
}

func TestForcedSegmentationAtInstrumentedMnemonic(t *testing.T) {
	words := []uint32{
		isa.Addi(1, 0, 1),
		isa.Add(2, 1, 1), // instrumented: forces a cut before this instruction
		isa.Jal(0, 0),
	}
	a, _ := newTestAllocator(t, words)
	require.NoError(t, a.cb.RegisterType("ADD", api.PhasePOST, api.ModeAllocator, api.RuntimeOrAllocator{
		Allocator: func(uint64) {},
	}))

	d, err := a.Materialize(textBase)
	require.NoError(t, err)
	require.Equal(t, api.TerminatorSegmented, d.Terminator)
	require.Equal(t, uint64(textBase+4), d.FallThroughAddr)
	require.Equal(t, 1, d.InstructionCount)

	// The segmented remainder materializes as its own block once requested.
	d2, err := a.Materialize(textBase + 4)
	require.NoError(t, err)
	require.Equal(t, uint64(textBase+4), d2.FirstAddr)
	require.Equal(t, 2, d2.InstructionCount)
	require.Equal(t, uint64(textBase), d2.BasicBlockAddress, "segmented continuation attributes to the enclosing logical BB")
	require.Equal(t, "ADD", d2.FirstMnemonic)
}

func TestConditionalBranchEmitsBothArms(t *testing.T) {
	words := []uint32{
		isa.EncodeB(0x18, 0, 1, 2, 8), // BEQ x1, x2, +8
	}
	a, _ := newTestAllocator(t, words)
	d, err := a.Materialize(textBase)
	require.NoError(t, err)
	require.Equal(t, api.TerminatorConditionalBranch, d.Terminator)
	require.Equal(t, uint64(textBase+8), d.TakenTarget)
	require.Equal(t, uint64(textBase+4), d.FallThroughAddr)

	wantLen := 2 * (contextSwitchWordLen*4 + 4) // two freshly planted stubs, one per arm, plus their jumps
	require.Equal(t, wantLen, d.CacheEnd)
}

func TestExitsToTheSameTargetShareOneStub(t *testing.T) {
	// Two independent blocks both jump directly to the same address.
	words := []uint32{
		isa.Jal(0, 8),  // block A at textBase: jump to textBase+8
		isa.Nop(),      // block B starts here, at textBase+4
		isa.Jal(0, 0),  // block B's terminator at textBase+8: jump to itself (== textBase+8)
	}
	a, _ := newTestAllocator(t, words)

	_, err := a.Materialize(textBase)
	require.NoError(t, err)
	cursorAfterFirst := a.cache.Cursor()

	_, err = a.Materialize(textBase + 4)
	require.NoError(t, err)

	// The second block's jump (targeting textBase+8, like the first) must
	// reuse the already-planted stub rather than planting a second one.
	require.Equal(t, 1, a.stubs.Count(textBase+8))
	require.Less(t, a.cache.Cursor()-cursorAfterFirst, contextSwitchWordLen*4+8)
}
