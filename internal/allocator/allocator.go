// Package allocator is the JIT translation engine (spec §4.2): it fetches
// guest instructions from .text, classifies terminators, applies the two
// transparency fixups (AUIPC PC-rewrite, link-register writeback), forces
// segmentation at any instrumented instruction, and emits one of the four
// exit-sequence shapes at a block's end. Grounded on wazero's compiler
// frontend (internal/engine/compiler/compiler.go's per-opcode switch
// building a []byte of host instructions from a []wasm.Instruction
// stream), generalized from a single source ISA to translating RV64GC
// into itself with a different register and calling discipline.
package allocator

import (
	"fmt"

	"github.com/rv64dbi/dbi/api"
	"github.com/rv64dbi/dbi/internal/abi"
	"github.com/rv64dbi/dbi/internal/bbt"
	"github.com/rv64dbi/dbi/internal/callback"
	"github.com/rv64dbi/dbi/internal/codecache"
	"github.com/rv64dbi/dbi/internal/elf"
	"github.com/rv64dbi/dbi/internal/elt"
	"github.com/rv64dbi/dbi/internal/inline"
	"github.com/rv64dbi/dbi/internal/isa"
	"github.com/rv64dbi/dbi/internal/rsa"
	"github.com/rv64dbi/dbi/internal/stub"
	"github.com/rv64dbi/dbi/internal/tracelink"
)

// DefaultMaxBlockLen bounds how many instructions a single cached block may
// hold before the allocator forces a segmentation cut even absent a
// callback (spec §4.2 "Segmentation"; also keeps exit sites within easy
// stub-reachability range, see internal/stub).
const DefaultMaxBlockLen = 512

// contextSwitchWordLen is the fixed size, in 32-bit words, of the full
// context-switch sequence planted once per distinct stub key (two
// LoadImmediate64 sequences of isa.LoadImmediate64Words each, one store,
// one jalr). Call sites reference it with a single short jump rather than
// carrying their own copy (spec §4.5 "Shared stub regions").
const contextSwitchWordLen = 2*isa.LoadImmediate64Words + 2

// Sentinel stub keys for the two target-independent exit tails, chosen far
// outside any realistic guest address space.
const (
	indirectFinishKey = ^uint64(0)
	syscallFinishKey  = ^uint64(0) - 1
)

// Allocator translates guest basic blocks into the code cache on demand.
type Allocator struct {
	img    *elf.Image
	cache  *codecache.Cache
	bbt    *bbt.Table
	cb     *callback.Registry
	weaver *inline.Weaver
	linker *tracelink.Linker
	stubs  *stub.Manager

	contextSwitchAddr uintptr
	syscallShimAddr   uintptr
	maxBlockLen       int

	// stubRegionsDisabled, when true, makes every exit plant its own
	// private stub instead of sharing one via internal/stub (spec §6 "a
	// compile-time flag enables stub regions"). Defaults to enabled
	// (shared), matching every test in this package that predates the
	// toggle.
	stubRegionsDisabled bool

	// continuations maps a segmentation fall-through address to the
	// logical BB address it continues, so a chain of segmented blocks all
	// attribute to the same enclosing BB (spec §4.2 "Segmentation":
	// "basic_block_address records the enclosing logical block's start").
	continuations map[uint64]uint64
}

// New creates an Allocator over the engine's shared components. Call
// SetContextSwitchEntry and SetSyscallShimEntry before the first
// Materialize.
func New(img *elf.Image, cache *codecache.Cache, bbtbl *bbt.Table, cb *callback.Registry, weaver *inline.Weaver, linker *tracelink.Linker, stubs *stub.Manager, maxBlockLen int) *Allocator {
	if maxBlockLen <= 0 {
		maxBlockLen = DefaultMaxBlockLen
	}
	return &Allocator{
		img: img, cache: cache, bbt: bbtbl, cb: cb, weaver: weaver, linker: linker, stubs: stubs,
		maxBlockLen:   maxBlockLen,
		continuations: make(map[uint64]uint64),
	}
}

// FlushCache resets the code cache and every structure derived from cache
// offsets, after exhaustion forces a restart (spec §4.1, §7 "Cache
// exhaustion": "flush and retry"). Pending segmentation-continuation
// bookkeeping survives a flush: it tracks guest addresses, not cache
// offsets.
func (a *Allocator) FlushCache() {
	a.cache.Flush()
	a.bbt.Flush()
	a.stubs.Flush()
	a.linker.Reset()
}

// SetContextSwitchEntry records the host address of the dispatcher's
// context-switch trampoline (spec §4.3), jumped to by every exit sequence.
func (a *Allocator) SetContextSwitchEntry(addr uintptr) { a.contextSwitchAddr = addr }

// SetSyscallShimEntry records the host address of the syscall shim's entry
// trampoline (spec §4.8), jumped to by ECALL/EBREAK exit sequences.
func (a *Allocator) SetSyscallShimEntry(addr uintptr) { a.syscallShimAddr = addr }

// SetStubRegionsEnabled toggles shared stub regions (spec §6 "a
// compile-time flag enables stub regions"). Must be called before the
// first Materialize.
func (a *Allocator) SetStubRegionsEnabled(enabled bool) { a.stubRegionsDisabled = !enabled }

// Materialize translates the block starting at guestAddr if it has not
// already been cached, and returns its descriptor either way (spec §8
// "Idempotent materialization").
func (a *Allocator) Materialize(guestAddr uint64) (*bbt.Descriptor, error) {
	if d, ok := a.bbt.Lookup(guestAddr); ok {
		return d, nil
	}
	if a.contextSwitchAddr == 0 {
		return nil, fmt.Errorf("allocator: context-switch entry not configured")
	}

	d := a.bbt.Alloc()
	d.FirstAddr = guestAddr
	d.BasicBlockAddress = guestAddr
	if origin, ok := a.continuations[guestAddr]; ok {
		d.BasicBlockAddress = origin
		delete(a.continuations, guestAddr)
	}
	d.CacheStart = a.cache.Cursor()

	a.cb.RunAllocator(api.ScopeBB, api.PhasePRE, guestAddr)
	if err := a.emitInline(api.ScopeBB, api.PhasePRE); err != nil {
		return nil, err
	}

	pc := guestAddr
	count := 0
	for {
		word := a.img.TextAt(pc)
		if word == nil {
			return nil, fmt.Errorf("allocator: guest pc %#x is outside .text", pc)
		}
		in, err := isa.Decode(pc, word)
		if err != nil {
			return nil, fmt.Errorf("allocator: decoding block at %#x (pc %#x): %w", guestAddr, pc, err)
		}

		forcedCut := count > 0 && (a.cb.HasAnyTypeOrGroup(in.Mnemonic, uint32(in.Group)) || a.cb.HasAnyRuntimeInstruction())
		lengthCut := count > 0 && count >= a.maxBlockLen
		if forcedCut || lengthCut {
			if err := a.emitInline(api.ScopeBB, api.PhasePOST); err != nil {
				return nil, err
			}
			if err := a.closeSegmented(d, pc); err != nil {
				return nil, err
			}
			break
		}

		a.cb.RunAllocator(api.ScopeInstruction, api.PhasePRE, pc)
		a.cb.RunTypeOrGroupAllocator(in.Mnemonic, uint32(in.Group), api.PhasePRE, pc)
		if err := a.emitInline(api.ScopeInstruction, api.PhasePRE); err != nil {
			return nil, err
		}

		if count == 0 {
			d.FirstRaw = in.Raw
			d.FirstMnemonic = in.Mnemonic
			d.FirstGroup = uint32(in.Group)
		}

		if in.IsTerminator() {
			if err := a.emitInline(api.ScopeBB, api.PhasePOST); err != nil {
				return nil, err
			}
			if err := a.closeTerminator(d, pc, in); err != nil {
				return nil, err
			}
			count++
			a.cb.RunAllocator(api.ScopeInstruction, api.PhasePOST, pc)
			a.cb.RunTypeOrGroupAllocator(in.Mnemonic, uint32(in.Group), api.PhasePOST, pc)
			if err := a.emitInline(api.ScopeInstruction, api.PhasePOST); err != nil {
				return nil, err
			}
			break
		}

		if err := a.emitTransparent(pc, in); err != nil {
			return nil, err
		}
		a.cb.RunAllocator(api.ScopeInstruction, api.PhasePOST, pc)
		a.cb.RunTypeOrGroupAllocator(in.Mnemonic, uint32(in.Group), api.PhasePOST, pc)
		if err := a.emitInline(api.ScopeInstruction, api.PhasePOST); err != nil {
			return nil, err
		}

		count++
		pc += uint64(in.Size)
	}

	d.InstructionCount = count
	d.CacheEnd = a.cache.Cursor()

	a.cb.RunAllocator(api.ScopeBB, api.PhasePOST, d.BasicBlockAddress)

	a.bbt.Insert(d)
	if err := a.linker.OnMaterialized(guestAddr, d.CacheStart); err != nil {
		return nil, err
	}
	if err := a.cache.SyncRange(d.CacheStart, d.CacheEnd-d.CacheStart); err != nil {
		return nil, fmt.Errorf("allocator: syncing i-cache for block at %#x: %w", guestAddr, err)
	}
	return d, nil
}

// closeSegmented ends a block early for reasons other than control flow
// (spec §4.2 "Segmentation"): it falls straight through to the next
// sub-block, which trace-links exactly like an unconditional jump would.
func (a *Allocator) closeSegmented(d *bbt.Descriptor, fallThroughPC uint64) error {
	d.Terminator = api.TerminatorSegmented
	d.FallThroughAddr = fallThroughPC
	a.continuations[fallThroughPC] = d.BasicBlockAddress
	return a.emitExit(fallThroughPC, elt.SiteDirectJump)
}

func (a *Allocator) closeTerminator(d *bbt.Descriptor, pc uint64, in *isa.Instruction) error {
	d.LastAddr = pc
	d.LastRaw = in.Raw

	switch {
	case in.IsConditionalBranch():
		d.Terminator = api.TerminatorConditionalBranch
		taken := uint64(int64(pc) + in.Imm)
		fallThrough := pc + uint64(in.Size)
		d.TakenTarget = taken
		d.HasTakenTarget = true
		d.FallThroughAddr = fallThrough
		if err := a.emitExit(taken, elt.SiteBranchTaken); err != nil {
			return err
		}
		return a.emitExit(fallThrough, elt.SiteBranchFallThrough)

	case in.IsDirectJump():
		d.Terminator = api.TerminatorDirectJump
		target := uint64(int64(pc) + in.Imm)
		d.TakenTarget = target
		d.HasTakenTarget = true
		if reg, ok := in.WritesLink(); ok {
			if err := a.emitLinkWriteback(reg, pc+uint64(in.Size)); err != nil {
				return err
			}
		}
		return a.emitExit(target, elt.SiteDirectJump)

	case in.IsIndirectJump():
		d.Terminator = api.TerminatorIndirectJump
		// The jump-target register must be read before any writeback to rd
		// clobbers it (JALR's rd and rs1 may coincide).
		targetReg := in.Rs1
		if reg, ok := in.WritesLink(); ok {
			if err := a.emitLinkWriteback(reg, pc+uint64(in.Size)); err != nil {
				return err
			}
		}
		return a.emitIndirectExit(targetReg)

	case in.Mnemonic == "ECALL":
		d.Terminator = api.TerminatorSyscall
		resumeAt := pc + uint64(in.Size)
		d.ECallNext = resumeAt
		return a.emitSyscallExit(resumeAt)

	case in.Mnemonic == "EBREAK":
		// A breakpoint trap is handled like a syscall that resumes at the
		// following instruction (spec §4.2 names only ECALL explicitly; this
		// is a documented extension, see DESIGN.md).
		d.Terminator = api.TerminatorSyscall
		resumeAt := pc + uint64(in.Size)
		d.ECallNext = resumeAt
		return a.emitSyscallExit(resumeAt)

	default:
		return fmt.Errorf("allocator: %q classified as terminator but has no exit handling", in.Mnemonic)
	}
}

// emitTransparent copies a non-terminator instruction into the cache,
// applying the PC-relative transparency fixup for AUIPC (spec §4.2
// "Transparency fixups"). Every other instruction is bit-identical to its
// guest encoding, since register contents (besides the reserved abi
// registers) are otherwise unaffected by cache placement.
func (a *Allocator) emitTransparent(pc uint64, in *isa.Instruction) error {
	if in.Mnemonic != "AUIPC" {
		_, err := a.cache.Append(rawBytes(in))
		return err
	}
	target := uint64(int64(pc) + in.Imm)
	if in.Rd == abi.RegZero {
		_, err := a.cache.Append(rawBytes(&isa.Instruction{Raw: isa.Nop(), Size: 4}))
		return err
	}
	scratch := pickScratch(in.Rd)
	_, err := a.appendWords(isa.LoadImmediate64(in.Rd, scratch, target))
	return err
}

// emitLinkWriteback materializes the guest return address directly into
// reg, replacing JAL/JALR's implicit rd = pc + size write (spec §4.2
// "Link-register writeback").
func (a *Allocator) emitLinkWriteback(reg uint8, linkValue uint64) error {
	scratch := pickScratch(reg)
	_, err := a.appendWords(isa.LoadImmediate64(reg, scratch, linkValue))
	return err
}

// emitExit emits a short jump to the shared context-switch stub for target
// (planting one if none is within reach, spec §4.5), and asks the trace
// linker to either patch the jump immediately or queue it for when the
// target materializes (spec §4.3, §4.4).
func (a *Allocator) emitExit(target uint64, kind elt.SiteKind) error {
	off, err := a.emitStubJump(target, func() []uint32 { return a.contextSwitchWords(target) })
	if err != nil {
		return err
	}
	if a.cb.HasAnyRuntimeInterposition() {
		// A registered RUNTIME callback needs the dispatcher round-trip to
		// fire on every dynamic execution; linking this exit would skip it
		// silently (spec §4.4 "whenever the successor is already
		// materialized and no callback interposes").
		return nil
	}
	return a.linker.TryLinkOrRequest(elt.BackpatchSite{
		Target:      target,
		CacheOffset: off,
		Len:         4,
		Kind:        kind,
	})
}

// emitIndirectExit emits the exit sequence for an indirect jump, whose
// target is only known at runtime: it stores the jump-target register
// straight into RSA.PC (spec §4.3 step 1), then jumps to the shared
// indirect-finish stub. Indirect targets are never trace-linked; the
// dispatcher resolves them via the BBT/ELT on every exit.
func (a *Allocator) emitIndirectExit(targetReg uint8) error {
	if _, err := a.appendWords([]uint32{isa.Sd(abi.RSABaseReg, targetReg, rsa.OffsetPC)}); err != nil {
		return err
	}
	_, err := a.emitStubJump(indirectFinishKey, a.indirectFinishWords)
	return err
}

// emitSyscallExit emits the exit sequence that records resumeAt in
// RSA.ECallNext (spec §4.2 "Syscall") and jumps to the shared
// syscall-finish stub.
func (a *Allocator) emitSyscallExit(resumeAt uint64) error {
	words := isa.LoadImmediate64(abi.ScratchReg, abi.ScratchReg2, resumeAt)
	words = append(words, isa.Sd(abi.RSABaseReg, abi.ScratchReg, rsa.OffsetECallNext))
	if _, err := a.appendWords(words); err != nil {
		return err
	}
	_, err := a.emitStubJump(syscallFinishKey, a.syscallFinishWords)
	return err
}

// emitStubJump asks the stub manager for an in-reach instance of key
// (planting one via build if needed) and appends the short direct jump to
// it, returning the jump's own cache offset.
func (a *Allocator) emitStubJump(key uint64, build func() []uint32) (int, error) {
	var stubOff int
	var err error
	if a.stubRegionsDisabled {
		stubOff, err = a.cache.Append(inline.Bytes(build()))
	} else {
		searchFrom := a.cache.Cursor()
		stubOff, err = a.stubs.EntryFor(searchFrom, key, build)
	}
	if err != nil {
		return 0, err
	}
	jumpSite := a.cache.Cursor()
	return a.appendWords([]uint32{isa.Jal(0, int32(stubOff-jumpSite))})
}

// contextSwitchWords builds the fixed word sequence that stores target
// into RSA.PC and jumps to the context-switch trampoline. Shared by every
// exit site whose target is this value (spec §4.5).
func (a *Allocator) contextSwitchWords(target uint64) []uint32 {
	words := isa.LoadImmediate64(abi.ScratchReg, abi.ScratchReg2, target)
	words = append(words, isa.Sd(abi.RSABaseReg, abi.ScratchReg, rsa.OffsetPC))
	words = append(words, isa.LoadImmediate64(abi.ScratchReg, abi.ScratchReg2, uint64(a.contextSwitchAddr))...)
	words = append(words, isa.Jalr(abi.RegZero, abi.ScratchReg, 0))
	return words
}

// indirectFinishWords builds the shared tail jumped to by every indirect
// exit, once the call site has already stored its runtime target into
// RSA.PC.
func (a *Allocator) indirectFinishWords() []uint32 {
	words := isa.LoadImmediate64(abi.ScratchReg, abi.ScratchReg2, uint64(a.contextSwitchAddr))
	return append(words, isa.Jalr(abi.RegZero, abi.ScratchReg, 0))
}

// syscallFinishWords builds the shared tail jumped to by every syscall
// exit, once the call site has already stored RSA.ECallNext.
func (a *Allocator) syscallFinishWords() []uint32 {
	words := isa.LoadImmediate64(abi.ScratchReg, abi.ScratchReg2, uint64(a.syscallShimAddr))
	return append(words, isa.Jalr(abi.RegZero, abi.ScratchReg, 0))
}

func (a *Allocator) emitInline(scope api.Scope, phase api.Phase) error {
	words := a.weaver.Sequence(scope, phase)
	if len(words) == 0 {
		return nil
	}
	_, err := a.appendWords(words)
	return err
}

func (a *Allocator) appendWords(words []uint32) (int, error) {
	return a.cache.Append(inline.Bytes(words))
}

// pickScratch returns a reserved scratch register distinct from excl, so a
// materialized writeback never clobbers itself mid-sequence.
func pickScratch(excl uint8) uint8 {
	if excl == abi.ScratchReg2 {
		return abi.ScratchReg
	}
	return abi.ScratchReg2
}

// rawBytes returns in's original encoding, unmodified: 2 bytes for a
// compressed instruction, 4 for a standard one.
func rawBytes(in *isa.Instruction) []byte {
	if in.Size == 2 {
		w := uint16(in.Raw)
		return []byte{byte(w), byte(w >> 8)}
	}
	w := in.Raw
	return []byte{byte(w), byte(w >> 8), byte(w >> 16), byte(w >> 24)}
}
