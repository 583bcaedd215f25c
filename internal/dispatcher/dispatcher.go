// Package dispatcher drives the context-switch protocol (spec §4.3): for
// each guest address the engine is about to resume at, materialize its
// block if needed, hand control to the cached machine code, and react to
// however it exits. Grounded on wazero's moduleEngine.doCall/callEngine
// loop in internal/engine/compiler/engine.go, which performs the same
// "native code returns to Go, Go decides what happens next" handoff for a
// single OS thread (spec §5: cooperative, non-reentrant dispatch).
package dispatcher

import (
	"errors"
	"fmt"

	"github.com/rv64dbi/dbi/api"
	"github.com/rv64dbi/dbi/internal/allocator"
	"github.com/rv64dbi/dbi/internal/bbt"
	"github.com/rv64dbi/dbi/internal/callback"
	"github.com/rv64dbi/dbi/internal/codecache"
	"github.com/rv64dbi/dbi/internal/rsa"
	"github.com/rv64dbi/dbi/internal/syscallshim"
)

// NativeCall invokes the cached machine code at entry (a real host
// address inside the code cache) with rsaBase pointing at the live
// register-save area, and returns once that code reaches a context-switch
// or syscall exit stub (spec §4.3 steps 4-6). The engine supplies the real
// implementation, built from a small per-arch assembly trampoline; tests
// supply a fake that simulates the cached code's effect on the area
// directly.
type NativeCall func(entry uintptr, rsaBase uintptr)

// SyscallHandler resolves one ECALL exit. *syscallshim.Shim satisfies
// this; tests supply a fake to exercise the halt/resume paths without a
// real handler table.
type SyscallHandler interface {
	Handle(area *rsa.Area) (syscallshim.Disposition, error)
}

// Dispatcher owns the guest's register-save area and runs the
// materialize/execute/react loop until the guest halts.
type Dispatcher struct {
	area  *rsa.Area
	cache *codecache.Cache
	alloc *allocator.Allocator
	cb    *callback.Registry
	shim  SyscallHandler
	call  NativeCall
}

// New wires a Dispatcher. area is the single register-save area shared
// with the allocator's emitted exit sequences; alloc materializes blocks
// on demand; shim resolves ECALL exits; call performs the actual native
// handoff.
func New(area *rsa.Area, cache *codecache.Cache, alloc *allocator.Allocator, cb *callback.Registry, shim SyscallHandler, call NativeCall) *Dispatcher {
	return &Dispatcher{area: area, cache: cache, alloc: alloc, cb: cb, shim: shim, call: call}
}

// Run starts the guest at entryGuestAddr and drives it until a syscall
// handler halts it, returning the guest's exit code (spec §4.3, §6 "Run").
func (d *Dispatcher) Run(entryGuestAddr uint64) (int32, error) {
	d.area.PC = entryGuestAddr
	for {
		target := d.area.PC
		desc, err := d.alloc.Materialize(target)
		if errors.Is(err, codecache.ErrExhausted) {
			// spec §7 "Cache exhaustion": flush and retry once; a second
			// failure on a fresh cache is fatal.
			d.alloc.FlushCache()
			desc, err = d.alloc.Materialize(target)
		}
		if err != nil {
			return 0, fmt.Errorf("dispatcher: materializing %#x: %w", target, err)
		}

		d.cb.RunRuntime(api.ScopeExit, api.PhasePRE, target)
		d.fireBB(api.PhasePRE, desc)

		entry := d.cache.Base() + uintptr(desc.CacheStart)
		d.call(entry, rsa.BaseAddress(d.area))

		d.fireBB(api.PhasePOST, desc)

		if d.area.ECallNext != 0 {
			resumeAt := d.area.ECallNext
			disp, err := d.shim.Handle(d.area)
			d.area.ResetScratch()
			if err != nil {
				return 0, fmt.Errorf("dispatcher: syscall at %#x: %w", resumeAt, err)
			}
			if disp.Halt {
				return disp.ExitCode, nil
			}
			d.area.PC = resumeAt
		}

		d.cb.RunRuntime(api.ScopeExit, api.PhasePOST, d.area.PC)
	}
}

// fireBB runs every RUNTIME callback attributable to a whole-block
// boundary (spec §4.7, §5 "RUNTIME PRE before the cached block begins
// executing, RUNTIME POST after it finishes"): the BB-scope callback, the
// blanket per-instruction callback (fired once per dynamic block execution
// because a registered blanket instruction callback forces one-instruction
// blocks, see internal/allocator's forced-segmentation check), and any
// per-type/per-group callback matching the block's first instruction,
// attributed to the enclosing logical BB address (spec §8 "Segmentation
// correctness").
func (d *Dispatcher) fireBB(phase api.Phase, desc *bbt.Descriptor) {
	d.cb.RunRuntime(api.ScopeBB, phase, desc.BasicBlockAddress)
	d.cb.RunRuntime(api.ScopeInstruction, phase, desc.FirstAddr)
	d.cb.RunTypeOrGroupRuntime(desc.FirstMnemonic, desc.FirstGroup, phase, desc.BasicBlockAddress)
}
