// Package api includes constants and interfaces used by both end-users and
// internal implementations of the dynamic binary instrumentation engine.
package api

// Scope identifies the granularity a callback or inline-injection request
// applies to.
type Scope byte

const (
	// ScopeExit applies to every context-switch exit from the code cache,
	// regardless of which block produced it.
	ScopeExit Scope = iota
	// ScopeBB applies to a basic block as a whole.
	ScopeBB
	// ScopeInstruction applies to a single guest instruction.
	ScopeInstruction
)

func (s Scope) String() string {
	switch s {
	case ScopeExit:
		return "exit"
	case ScopeBB:
		return "bb"
	case ScopeInstruction:
		return "instruction"
	default:
		return "unknown"
	}
}

// Phase identifies whether a callback or inline sequence runs before or
// after the scope it is attached to.
type Phase byte

const (
	PhasePRE Phase = iota
	PhasePOST
)

func (p Phase) String() string {
	if p == PhasePRE {
		return "pre"
	}
	return "post"
}

// Mode identifies when a registered callback runs: once per materialization
// (ALLOCATOR) or once per dynamic execution (RUNTIME).
type Mode byte

const (
	// ModeAllocator callbacks run exactly once per materialization of a
	// block or instruction, at translation time.
	ModeAllocator Mode = iota
	// ModeRuntime callbacks run on every dynamic execution, via the
	// dispatcher.
	ModeRuntime
)

func (m Mode) String() string {
	if m == ModeAllocator {
		return "allocator"
	}
	return "runtime"
}

// TerminatorKind classifies how a cached block ends.
type TerminatorKind byte

const (
	TerminatorConditionalBranch TerminatorKind = iota
	TerminatorDirectJump
	TerminatorIndirectJump
	TerminatorSyscall
	// TerminatorSegmented marks a block cut short for a reason other than
	// control flow, e.g. a registered per-instruction callback.
	TerminatorSegmented
)

func (k TerminatorKind) String() string {
	switch k {
	case TerminatorConditionalBranch:
		return "conditional-branch"
	case TerminatorDirectJump:
		return "direct-jump"
	case TerminatorIndirectJump:
		return "indirect-jump"
	case TerminatorSyscall:
		return "syscall"
	case TerminatorSegmented:
		return "segmented"
	default:
		return "unknown"
	}
}

// AllocatorCallback runs exactly once per materialization of the scope it
// is registered against. guestAddr is the first guest address of the
// block or instruction being translated.
type AllocatorCallback func(guestAddr uint64)

// RuntimeCallback runs on every dynamic execution of the scope it is
// registered against. guestAddr is the first guest address of the block or
// instruction that just executed (ScopeBB/ScopeInstruction POST), is about
// to execute (PRE), or, for ScopeExit, the address the engine is about to
// resume at.
type RuntimeCallback func(guestAddr uint64)

// InstructionPredicate selects instructions by mnemonic or by a
// user-assigned group tag (see internal/isa). No Engine method accepts
// one: the allocator segments only at instructions matched by a
// RegisterType or RegisterGroup registration, or at every instruction
// while a RUNTIME RegisterInstruction callback is registered (spec §4.2
// "Segmentation").
type InstructionPredicate func(mnemonic string, group uint32) bool

// Engine is the public, embedder-facing surface of the instrumentation
// engine (spec §6 "Public engine API").
type Engine interface {
	// Initialize loads the target ELF and prepares the engine to run it.
	// It must be called exactly once, before any Register* call.
	Initialize(targetPath string) error

	// SetArgs registers the guest's argv (argv[0] conventionally the
	// target path) and envp, used to build the Newlib-compatible initial
	// stack on Run.
	SetArgs(argv, envp []string)

	// Run executes the guest to completion and returns its exit code.
	// Run blocks; see spec §5 "Concurrency & Resource Model" — the guest
	// and engine cooperatively share a single OS thread.
	Run() (exitCode int32, err error)

	// RegisterExit registers the single callback for a given phase/mode at
	// ScopeExit. Only one callback may exist per (scope, phase, mode)
	// triple (spec §4.7); a second call for the same triple replaces the
	// first.
	RegisterExit(phase Phase, mode Mode, cb RuntimeOrAllocator) error
	// RegisterBB registers the single callback for a given phase/mode at
	// ScopeBB.
	RegisterBB(phase Phase, mode Mode, cb RuntimeOrAllocator) error
	// RegisterInstruction registers the single callback for a given
	// phase/mode at ScopeInstruction, for every instruction.
	RegisterInstruction(phase Phase, mode Mode, cb RuntimeOrAllocator) error
	// RegisterType registers a callback keyed by mnemonic (e.g. "ADD"),
	// forcing segmentation at matching instructions.
	RegisterType(mnemonic string, phase Phase, mode Mode, cb RuntimeOrAllocator) error
	// RegisterGroup registers a callback keyed by a user-assigned
	// instruction-group tag (internal/isa.Group), forcing segmentation.
	RegisterGroup(group uint32, phase Phase, mode Mode, cb RuntimeOrAllocator) error

	// InjectBB appends a raw instruction word to the BB-scope inline
	// sequence for the given phase. Inline bytes are never patched once
	// emitted (spec §4.6).
	InjectBB(phase Phase, word uint32) error
	// InjectInstruction appends a raw instruction word to the
	// instruction-scope inline sequence for the given phase.
	InjectInstruction(phase Phase, word uint32) error
	// InjectLoadImmediate appends the canonical multi-instruction
	// load-immediate sequence for value into register reg, to the active
	// scope/phase sequence named by (scope, phase).
	InjectLoadImmediate(scope Scope, phase Phase, reg uint8, value uint64) error

	// EnableTraceLinking flips the single process-wide trace-linking flag
	// (spec §6). It must be called before Run.
	EnableTraceLinking(enabled bool)
}

// RuntimeOrAllocator is the callback value passed to the Register* methods.
// Exactly one of Runtime or Allocator is read, selected by the Mode
// argument, matching spec §4.7's (scope, phase, mode) keying.
type RuntimeOrAllocator struct {
	Runtime   RuntimeCallback
	Allocator AllocatorCallback
}
