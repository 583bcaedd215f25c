// Package engine is the flat engine record (spec §9 "Cyclic control flow
// between components... becomes a flat engine record with methods"): it
// wires the allocator, dispatcher, trace linker, callback registry, inline
// weaver, syscall shim, and the ELF-backed guest image into the public
// api.Engine surface. Grounded on wazero's moduleInstance/callEngine split
// in internal/wasm and internal/engine/compiler/engine.go, where a single
// struct owns every subsystem a running module needs and exposes a small
// embedder-facing API in front of them.
package engine

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/rv64dbi/dbi/api"
	"github.com/rv64dbi/dbi/internal/abi"
	"github.com/rv64dbi/dbi/internal/allocator"
	"github.com/rv64dbi/dbi/internal/bbt"
	"github.com/rv64dbi/dbi/internal/callback"
	"github.com/rv64dbi/dbi/internal/codecache"
	"github.com/rv64dbi/dbi/internal/dispatcher"
	"github.com/rv64dbi/dbi/internal/elf"
	"github.com/rv64dbi/dbi/internal/elt"
	"github.com/rv64dbi/dbi/internal/engine/faultlog"
	"github.com/rv64dbi/dbi/internal/inline"
	"github.com/rv64dbi/dbi/internal/platform"
	"github.com/rv64dbi/dbi/internal/rsa"
	"github.com/rv64dbi/dbi/internal/stub"
	"github.com/rv64dbi/dbi/internal/syscallshim"
	"github.com/rv64dbi/dbi/internal/tracelink"
)

// pageSize is the RV64/Linux page granularity used to align ELF data
// regions before calling platform.MapGuestRegion, which requires its
// address and length to already be page-aligned.
const pageSize = 4096

// guestStackSize is the fixed size of the mapped region backing the
// guest's initial stack (spec §6 "Guest argv/envp layout", see
// SPEC_FULL.md's supplemented feature of the same name).
const guestStackSize = 8 * 1024 * 1024

// Engine implements api.Engine over the translation pipeline's components
// (spec §2, §9). Zero value is not usable; construct with New.
type Engine struct {
	log zerolog.Logger

	cacheSize          int
	maxBlockLen        int
	stubRegionsEnabled bool
	traceLinkEnabled   bool

	targetPath string
	argv       []string
	envp       []string

	// nativeCallOverride lets a test substitute a fake in place of the real
	// assembly trampoline (see dispatcher.NativeCall's own doc comment:
	// "tests supply a fake that simulates the cached code's effect on the
	// area directly"), so Engine.Run can be driven end to end without
	// linux/riscv64 hardware. Production callers never set this; New leaves
	// it nil and Initialize wires the real nativeCall in that case.
	nativeCallOverride dispatcher.NativeCall

	img    *elf.Image
	cache  *codecache.Cache
	bbtbl  *bbt.Table
	cb     *callback.Registry
	weaver *inline.Weaver
	linker *tracelink.Linker
	stubs  *stub.Manager
	alloc  *allocator.Allocator
	shim   *syscallshim.Shim
	area   *rsa.Area
	disp   *dispatcher.Dispatcher
}

// Option configures an Engine at construction time. These are construction
// knobs the CLI derives from flags (spec §6 "a compile-time flag enables
// stub regions"); they are distinct from api.Engine's own runtime
// registration methods.
type Option func(*Engine)

// WithLogger installs a zerolog logger (SPEC_FULL.md "Logging"); the
// default is a no-op logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) { e.log = logger }
}

// WithCacheSize overrides the code cache's fixed capacity (spec §2 item 2).
func WithCacheSize(bytes int) Option {
	return func(e *Engine) { e.cacheSize = bytes }
}

// WithMaxBlockLen overrides how many instructions a block may hold before
// a forced segmentation cut (spec §4.2 "Segmentation").
func WithMaxBlockLen(n int) Option {
	return func(e *Engine) { e.maxBlockLen = n }
}

// WithStubRegionsEnabled toggles shared stub regions (spec §6, §4.5);
// default true.
func WithStubRegionsEnabled(enabled bool) Option {
	return func(e *Engine) { e.stubRegionsEnabled = enabled }
}

// WithNativeCall substitutes call for the real assembly trampoline, the
// same fake-injection point dispatcher.NativeCall documents for its own
// package-level tests. Test-only: production callers (cmd/rvdbi) never use
// this, since it bypasses Run's linux/riscv64 availability check.
func WithNativeCall(call dispatcher.NativeCall) Option {
	return func(e *Engine) { e.nativeCallOverride = call }
}

// New creates an Engine with the given options applied over sensible
// defaults. Call Initialize before anything else.
func New(opts ...Option) *Engine {
	e := &Engine{
		log:                zerolog.Nop(),
		cacheSize:          codecache.DefaultCapacity,
		maxBlockLen:        allocator.DefaultMaxBlockLen,
		stubRegionsEnabled: true,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Initialize loads targetPath and wires every subsystem over it (spec §6
// "initialize with target path").
func (e *Engine) Initialize(targetPath string) error {
	img, err := elf.Load(targetPath)
	if err != nil {
		return err
	}
	e.targetPath = targetPath
	e.img = img

	cache, err := codecache.New(e.cacheSize)
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	e.cache = cache

	e.bbtbl = bbt.New()
	e.cb = callback.New()
	e.weaver = inline.New()
	e.linker = tracelink.New(elt.New(), cache)
	e.linker.SetEnabled(e.traceLinkEnabled)
	e.stubs = stub.New(cache)

	e.alloc = allocator.New(img, cache, e.bbtbl, e.cb, e.weaver, e.linker, e.stubs, e.maxBlockLen)
	e.alloc.SetStubRegionsEnabled(e.stubRegionsEnabled)

	contextAddr, syscallAddr := returnToHostAddr(), returnToHostAddr()
	if e.nativeCallOverride != nil && contextAddr == 0 {
		// Test-only: off linux/riscv64 there is no real trampoline address
		// (nativecall_unsupported.go), but a fake nativeCall never actually
		// jumps here, so any nonzero placeholder works, matching the
		// convention dispatcher_test.go's own harness uses.
		contextAddr, syscallAddr = 0x7fff0000, 0x7fff1000
	}
	e.alloc.SetContextSwitchEntry(contextAddr)
	e.alloc.SetSyscallShimEntry(syscallAddr)

	for _, region := range img.DataRegions {
		if err := e.mapDataRegion(region); err != nil {
			return err
		}
	}

	e.area = rsa.New()
	e.shim = syscallshim.New(os.Stdout)
	call := e.nativeCallOverride
	if call == nil {
		call = func(entry, rsaBase uintptr) { nativeCall(entry, rsaBase) }
	}
	e.disp = dispatcher.New(e.area, cache, e.alloc, e.cb, e.shim, call)

	e.log.Info().Str("target", targetPath).Uint64("entry", img.EntryPoint).
		Int("data_regions", len(img.DataRegions)).Msg("engine initialized")
	return nil
}

// mapDataRegion maps one ELF-declared initialized data section at its
// intended address (spec §6 "concatenated initialized data sections loaded
// at their intended addresses"), rounding out to whole pages since
// MapGuestRegion requires a page-aligned address and length.
func (e *Engine) mapDataRegion(r elf.DataRegion) error {
	pageBase := uintptr(r.Addr) &^ (pageSize - 1)
	pageEnd := (uintptr(r.Addr) + uintptr(len(r.Bytes)) + pageSize - 1) &^ (pageSize - 1)
	mem, err := platform.MapGuestRegion(pageBase, int(pageEnd-pageBase), true)
	if err != nil {
		return fmt.Errorf("engine: mapping data region at %#x: %w", r.Addr, err)
	}
	copy(mem[uintptr(r.Addr)-pageBase:], r.Bytes)
	return nil
}

// SetArgs registers the guest's argv/envp (spec §6 "register guest
// argv/envp"), consumed by Run when it builds the initial stack.
func (e *Engine) SetArgs(argv, envp []string) {
	e.argv = argv
	e.envp = envp
}

// EnableTraceLinking flips the single process-wide trace-linking flag
// (spec §6). Safe to call either before or after Initialize, as long as it
// precedes Run.
func (e *Engine) EnableTraceLinking(enabled bool) {
	e.traceLinkEnabled = enabled
	if e.linker != nil {
		e.linker.SetEnabled(enabled)
	}
}

// Run executes the guest to completion (spec §6 "run (blocks until guest
// exit)"), returning its exit code.
func (e *Engine) Run() (int32, error) {
	if e.nativeCallOverride == nil && !nativeCallAvailable {
		return 0, fmt.Errorf("engine: cannot execute guest code on this build (requires linux/riscv64)")
	}

	sp, err := e.buildInitialStack()
	if err != nil {
		return 0, err
	}
	e.area.GPR[2] = sp // x2 = sp, per the RISC-V calling convention.

	e.log.Info().Uint64("entry", e.img.EntryPoint).Uint64("sp", sp).Msg("starting guest")
	code, err := e.disp.Run(e.img.EntryPoint)
	if err != nil {
		return 0, faultlog.New().AddFrame("dispatcher", e.area.PC).Build(err)
	}
	e.log.Info().Int32("exit_code", code).Msg("guest exited")
	return code, nil
}

// buildInitialStack maps the guest's stack region and lays out a Newlib
// `_start`-compatible argc/argv/envp/auxv block at its top (SPEC_FULL.md
// "Guest argv/envp layout"), returning the stack pointer value to seed into
// RSA.GPR[2]. Guest loads/stores pass through untranslated (spec §4.2), so
// the host address this memory lands at doubles as the guest address the
// guest sees: there is no separate guest/host address space to reconcile.
func (e *Engine) buildInitialStack() (uint64, error) {
	argv := e.argv
	if len(argv) == 0 {
		argv = []string{e.targetPath}
	}
	envp := e.envp
	if envp == nil {
		envp = os.Environ()
	}

	mem, err := platform.MapAnonymousRW(guestStackSize)
	if err != nil {
		return 0, fmt.Errorf("engine: mapping guest stack: %w", err)
	}
	base := uint64(platform.AddressOf(mem))
	cursor := base + uint64(len(mem))

	writeStr := func(s string) uint64 {
		b := append([]byte(s), 0)
		cursor -= uint64(len(b))
		copy(mem[cursor-base:], b)
		return cursor
	}

	argvPtrs := make([]uint64, len(argv))
	for i, s := range argv {
		argvPtrs[i] = writeStr(s)
	}
	envpPtrs := make([]uint64, len(envp))
	for i, s := range envp {
		envpPtrs[i] = writeStr(s)
	}

	// AT_NULL/AT_PAGESZ: the minimum auxv Newlib's crt0 expects to find
	// terminated, plus the one entry it is likely to actually read.
	const (
		atNull   = 0
		atPagesz = 6
	)
	auxv := []uint64{atPagesz, pageSize, atNull, 0}

	words := 1 /* argc */ + len(argvPtrs) + 1 /* NULL */ + len(envpPtrs) + 1 /* NULL */ + len(auxv)
	cursor -= uint64(words) * 8
	cursor &^= 0xf // RISC-V psABI: SP must be 16-byte aligned at process entry.

	sp := cursor
	off := sp - base
	put := func(v uint64) {
		binary.LittleEndian.PutUint64(mem[off:], v)
		off += 8
	}
	put(uint64(len(argv)))
	for _, p := range argvPtrs {
		put(p)
	}
	put(0)
	for _, p := range envpPtrs {
		put(p)
	}
	put(0)
	for _, v := range auxv {
		put(v)
	}

	return sp, nil
}

// RegisterExit registers the single callback for (ScopeExit, phase, mode).
func (e *Engine) RegisterExit(phase api.Phase, mode api.Mode, cb api.RuntimeOrAllocator) error {
	return e.cb.Register(api.ScopeExit, phase, mode, cb)
}

// RegisterBB registers the single callback for (ScopeBB, phase, mode).
func (e *Engine) RegisterBB(phase api.Phase, mode api.Mode, cb api.RuntimeOrAllocator) error {
	return e.cb.Register(api.ScopeBB, phase, mode, cb)
}

// RegisterInstruction registers the single callback for
// (ScopeInstruction, phase, mode), applying to every instruction.
func (e *Engine) RegisterInstruction(phase api.Phase, mode api.Mode, cb api.RuntimeOrAllocator) error {
	return e.cb.Register(api.ScopeInstruction, phase, mode, cb)
}

// RegisterType registers a callback keyed by mnemonic.
func (e *Engine) RegisterType(mnemonic string, phase api.Phase, mode api.Mode, cb api.RuntimeOrAllocator) error {
	return e.cb.RegisterType(mnemonic, phase, mode, cb)
}

// RegisterGroup registers a callback keyed by a user-assigned group tag.
func (e *Engine) RegisterGroup(group uint32, phase api.Phase, mode api.Mode, cb api.RuntimeOrAllocator) error {
	return e.cb.RegisterGroup(group, phase, mode, cb)
}

// InjectBB appends a raw instruction word to the BB-scope inline sequence.
func (e *Engine) InjectBB(phase api.Phase, word uint32) error {
	e.weaver.Append(api.ScopeBB, phase, word)
	return nil
}

// InjectInstruction appends a raw instruction word to the
// instruction-scope inline sequence.
func (e *Engine) InjectInstruction(phase api.Phase, word uint32) error {
	e.weaver.Append(api.ScopeInstruction, phase, word)
	return nil
}

// InjectLoadImmediate appends the canonical load-immediate sequence for
// value into reg, to the (scope, phase) inline sequence. The weaver needs
// a second working register; this picks whichever reserved scratch
// register reg does not itself name, the same rule the allocator's own
// transparency fixups use (see allocator.pickScratch).
func (e *Engine) InjectLoadImmediate(scope api.Scope, phase api.Phase, reg uint8, value uint64) error {
	e.weaver.AppendLoadImmediate(scope, phase, reg, pickInlineScratch(reg), value)
	return nil
}

func pickInlineScratch(excl uint8) uint8 {
	if excl == abi.ScratchReg2 {
		return abi.ScratchReg
	}
	return abi.ScratchReg2
}

var _ api.Engine = (*Engine)(nil)
