// Package rsa is the register-save area: the single authoritative view of
// guest register state outside the code cache (spec §3 invariant (e)).
// Context-switch stubs emitted by the allocator read and write this struct
// by raw offset, the same way wazero's callEngine struct documents offsets
// consumed from assembly (see internal/engine/compiler/engine.go's
// "NOTE: The offset of many of the struct fields...").
package rsa

import "unsafe"

// NumGPR and NumFPR are fixed by the RV64GC register file.
const (
	NumGPR = 32
	NumFPR = 32
)

// Area is the process-wide, fixed-layout register-save buffer (spec §3
// "Guest register file"). There is exactly one Area per engine instance;
// nothing about it is safe for concurrent use, matching the
// single-threaded, non-reentrant dispatch model (spec §5).
type Area struct {
	// See note at top of file before reordering fields: the constants
	// below encode these offsets for code that reaches into the struct via
	// unsafe.Pointer arithmetic from emitted context-switch sequences.
	GPR [NumGPR]uint64
	FPR [NumFPR]uint64

	// PC is the guest's logical program counter, kept current only at
	// context-switch boundaries; while a block executes, the true PC is
	// implicit in the host CPU's PC and is reconstructed via transparency
	// fixups (spec §4.2).
	PC uint64

	// Scratch is a spare 64-bit slot that inline sequences may use as a
	// save/restore cell around a counter increment (spec §4.6). The
	// allocator's exit sequences do not use it: an indirect jump's target
	// is stored straight into PC.
	Scratch uint64

	// ECallNext holds the guest PC to resume at after the syscall shim
	// handles an ECALL (spec §4.2 "Syscall" terminator handling).
	ECallNext uint64

	// HostReturnPC holds nativeCall's own return address, stashed here by
	// the trampoline before it jumps into cached guest code and reloaded
	// by the shared exit stub before it jumps back (internal/engine's
	// nativeCall/returnToHost pair). It cannot live in a register across
	// that jump: cached guest code is free to clobber any register this
	// package does not withdraw from the guest file (internal/abi), and
	// RA/x1 is deliberately not one of them since the guest needs it for
	// its own calls.
	HostReturnPC uint64
}

// Byte offsets of Area's fields, derived the same way wazero derives its
// struct-offset constants (see TestOffsets).
const (
	OffsetGPR          = 0
	OffsetFPR          = NumGPR * 8
	OffsetPC           = OffsetFPR + NumFPR*8
	OffsetScratch      = OffsetPC + 8
	OffsetECallNext    = OffsetScratch + 8
	OffsetHostReturnPC = OffsetECallNext + 8
	Size               = OffsetHostReturnPC + 8
)

// New allocates a zeroed register-save area.
func New() *Area {
	return &Area{}
}

// BaseAddress returns the address of the first byte of a, which the
// dispatcher hands to NativeCall so that abi.RSABaseReg holds it while
// cached code runs (spec §4.3 step 1).
func BaseAddress(a *Area) uintptr {
	return uintptr(unsafe.Pointer(a))
}

// ResetScratch clears the scratch and ECallNext slots between dispatcher
// invocations, so a stale value from a previous exit can't be misread as a
// fresh syscall-resume address.
func (a *Area) ResetScratch() {
	a.Scratch = 0
	a.ECallNext = 0
}
