//go:build linux && riscv64

package engine

import "reflect"

// nativeCall and returnToHost are implemented in nativecall_riscv64.s: the
// one point in the engine where control genuinely crosses from Go into
// cached guest machine code and back (spec §4.3).
//
//go:noescape
func nativeCall(entry, rsaBase uintptr)

func returnToHost()

// returnToHostAddr is the fixed host address the allocator wires up via
// SetContextSwitchEntry/SetSyscallShimEntry (spec §4.3, §4.8): both
// trampolines resolve to the same returnToHost entry point, since the
// dispatcher - not the jump target - is what distinguishes an ordinary
// context-switch exit from a syscall exit (rsa.Area.ECallNext != 0).
func returnToHostAddr() uintptr {
	return reflect.ValueOf(returnToHost).Pointer()
}

// nativeCallAvailable reports that this build can actually execute guest
// code, used by Engine.Run to fail clearly on a build where it can't (see
// nativecall_unsupported.go).
const nativeCallAvailable = true
