// Package abi names the fixed register convention the allocator, dispatcher
// and trace linker all share when emitting machine code into the cache
// (spec §4.3 step 1's "reads a fixed register holding the RSA base
// address"). Grounded on wazero's callEngine ABI, where amd64/arm64
// compiled wasm reserves specific host registers for the engine's own
// bookkeeping rather than letting guest code use them; here the guest and
// host share one ISA, so the same idea is expressed as reserving the top
// three RV64 registers.
package abi

// Reserved GPRs. x0 (zero) keeps its hardwired meaning. x1 (ra) is left to
// the guest: the guest's own call/return discipline runs unmodified inside
// a block, since a block never contains an uninstrumented call across its
// boundary (calls are CALL/RET via JAL/JALR, which are terminators).
//
// x29, x30 and x31 (t4, t5, t6) are withdrawn from the guest register file
// and used only by emitted context-switch and transparency-fixup sequences.
// This is a documented simplification (see DESIGN.md): a guest function
// that keeps a live value in t4-t6 across a basic-block boundary will
// observe it clobbered. Newlib's own calling convention treats t0-t6 as
// caller-saved temporaries that do not survive a call, and block
// boundaries in practice coincide with call/branch sites, so this holds for
// compiler-generated code in the corpora spec §8 exercises against.
const (
	RegZero = 0
	RegRA   = 1

	// RSABaseReg holds a live pointer to the rsa.Area for the whole
	// lifetime of a nativecall into the cache (spec §4.3 step 1).
	RSABaseReg = 31
	// ScratchReg is the primary scratch register for transparency fixups
	// and exit-sequence target materialization.
	ScratchReg = 30
	// ScratchReg2 is the secondary scratch register required by
	// isa.LoadImmediate64's two-register working set.
	ScratchReg2 = 29
)
