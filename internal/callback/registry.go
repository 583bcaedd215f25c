// Package callback is the callback registry (spec §4.7, §9 "Dynamic
// dispatch over callbacks"): a handful of nullable slots for the
// (scope, phase, mode) keyed callbacks, plus two small maps for the
// per-type and per-group registrations. Grounded on wazero's
// experimental.FunctionListener field on `code` (one optional slot per
// function) generalized to the engine's twelve fixed slots.
package callback

import (
	"fmt"

	"github.com/rv64dbi/dbi/api"
)

type slot struct {
	set       bool
	allocator api.AllocatorCallback
	runtime   api.RuntimeCallback
}

// Registry holds exactly one callback per (scope, phase, mode) triple
// (spec §4.7), plus maps keyed by mnemonic or group tag.
type Registry struct {
	// [scope][phase][mode]
	fixed [3][2][2]slot

	byType  map[string][2][2]slot
	byGroup map[uint32][2][2]slot
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		byType:  make(map[string][2][2]slot),
		byGroup: make(map[uint32][2][2]slot),
	}
}

func validate(scope api.Scope, phase api.Phase, mode api.Mode, cb api.RuntimeOrAllocator) error {
	if mode == api.ModeAllocator && cb.Allocator == nil {
		return fmt.Errorf("callback: mode=allocator requires a non-nil Allocator callback")
	}
	if mode == api.ModeRuntime && cb.Runtime == nil {
		return fmt.Errorf("callback: mode=runtime requires a non-nil Runtime callback")
	}
	_ = scope
	_ = phase
	return nil
}

// Register installs cb for (scope, phase, mode), replacing whatever was
// there before (spec §4.7: "Exactly one callback may be registered per...
// triple").
func (r *Registry) Register(scope api.Scope, phase api.Phase, mode api.Mode, cb api.RuntimeOrAllocator) error {
	if err := validate(scope, phase, mode, cb); err != nil {
		return err
	}
	r.fixed[scope][phase][mode] = toSlot(mode, cb)
	return nil
}

// RegisterType installs cb keyed by mnemonic, forcing segmentation at
// matching instructions (spec §4.2 "any instruction targeted by a
// registered per-instruction callback or per-type/per-group callback").
func (r *Registry) RegisterType(mnemonic string, phase api.Phase, mode api.Mode, cb api.RuntimeOrAllocator) error {
	if err := validate(api.ScopeInstruction, phase, mode, cb); err != nil {
		return err
	}
	entry := r.byType[mnemonic]
	entry[phase][mode] = toSlot(mode, cb)
	r.byType[mnemonic] = entry
	return nil
}

// RegisterGroup installs cb keyed by a user-assigned instruction-group tag.
func (r *Registry) RegisterGroup(group uint32, phase api.Phase, mode api.Mode, cb api.RuntimeOrAllocator) error {
	if err := validate(api.ScopeInstruction, phase, mode, cb); err != nil {
		return err
	}
	entry := r.byGroup[group]
	entry[phase][mode] = toSlot(mode, cb)
	r.byGroup[group] = entry
	return nil
}

func toSlot(mode api.Mode, cb api.RuntimeOrAllocator) slot {
	s := slot{set: true}
	if mode == api.ModeAllocator {
		s.allocator = cb.Allocator
	} else {
		s.runtime = cb.Runtime
	}
	return s
}

// RunAllocator invokes the ALLOCATOR callback for (scope, phase), if any,
// exactly once per materialization (spec §4.7).
func (r *Registry) RunAllocator(scope api.Scope, phase api.Phase, guestAddr uint64) {
	s := r.fixed[scope][phase][api.ModeAllocator]
	if s.set && s.allocator != nil {
		s.allocator(guestAddr)
	}
}

// RunRuntime invokes the RUNTIME callback for (scope, phase), if any, on
// every dynamic execution (spec §4.7).
func (r *Registry) RunRuntime(scope api.Scope, phase api.Phase, guestAddr uint64) {
	s := r.fixed[scope][phase][api.ModeRuntime]
	if s.set && s.runtime != nil {
		s.runtime(guestAddr)
	}
}

// HasAnyTypeOrGroup reports whether mnemonic or group has any registration
// in either phase/mode, which forces the allocator to segment at that
// instruction (spec §4.2).
func (r *Registry) HasAnyTypeOrGroup(mnemonic string, group uint32) bool {
	if entry, ok := r.byType[mnemonic]; ok && hasAny(entry) {
		return true
	}
	if entry, ok := r.byGroup[group]; ok && hasAny(entry) {
		return true
	}
	return false
}

// HasAnyRuntimeInstruction reports whether a RUNTIME callback is
// registered at ScopeInstruction for either phase (the blanket
// "every instruction" registration, spec §6 "instruction routine"). Any
// such registration forces the allocator to segment at every instruction
// boundary, since a RUNTIME callback can only fire at a context switch
// (spec §4.2 "Segmentation").
func (r *Registry) HasAnyRuntimeInstruction() bool {
	return r.fixed[api.ScopeInstruction][api.PhasePRE][api.ModeRuntime].set ||
		r.fixed[api.ScopeInstruction][api.PhasePOST][api.ModeRuntime].set
}

// HasAnyRuntimeInterposition reports whether any registered RUNTIME
// callback — at any scope, phase, mnemonic, or group — requires every
// dynamic block exit to reach the dispatcher. When true, the trace linker
// must not replace any exit with a direct cache-to-cache branch (spec
// §4.4 "whenever... no callback interposes").
func (r *Registry) HasAnyRuntimeInterposition() bool {
	for _, byPhase := range r.fixed {
		for _, byMode := range byPhase {
			if byMode[api.ModeRuntime].set {
				return true
			}
		}
	}
	for _, entry := range r.byType {
		if entry[api.PhasePRE][api.ModeRuntime].set || entry[api.PhasePOST][api.ModeRuntime].set {
			return true
		}
	}
	for _, entry := range r.byGroup {
		if entry[api.PhasePRE][api.ModeRuntime].set || entry[api.PhasePOST][api.ModeRuntime].set {
			return true
		}
	}
	return false
}

func hasAny(entry [2][2]slot) bool {
	for _, phase := range entry {
		for _, m := range phase {
			if m.set {
				return true
			}
		}
	}
	return false
}

// RunTypeOrGroupAllocator invokes the per-type and per-group ALLOCATOR
// callbacks matching this instruction, at the given phase.
func (r *Registry) RunTypeOrGroupAllocator(mnemonic string, group uint32, phase api.Phase, guestAddr uint64) {
	if entry, ok := r.byType[mnemonic]; ok {
		if s := entry[phase][api.ModeAllocator]; s.set && s.allocator != nil {
			s.allocator(guestAddr)
		}
	}
	if entry, ok := r.byGroup[group]; ok {
		if s := entry[phase][api.ModeAllocator]; s.set && s.allocator != nil {
			s.allocator(guestAddr)
		}
	}
}

// RunTypeOrGroupRuntime invokes the per-type and per-group RUNTIME
// callbacks matching this instruction, at the given phase.
func (r *Registry) RunTypeOrGroupRuntime(mnemonic string, group uint32, phase api.Phase, guestAddr uint64) {
	if entry, ok := r.byType[mnemonic]; ok {
		if s := entry[phase][api.ModeRuntime]; s.set && s.runtime != nil {
			s.runtime(guestAddr)
		}
	}
	if entry, ok := r.byGroup[group]; ok {
		if s := entry[phase][api.ModeRuntime]; s.set && s.runtime != nil {
			s.runtime(guestAddr)
		}
	}
}
