// Package syscallshim is the syscall shim (spec §4.8): a per-number
// handler table reached whenever a translated ECALL/EBREAK hands control
// back to the host. Each handler either emulates the call against host
// state, forwards it to the real kernel, or rejects it outright. Grounded
// on wazero's sys.Context/fsapi split between "the guest asked for this"
// and "here is how the host answers it" (internal/sys/sys.go), adapted
// from WASI function imports to a flat Linux/RISC-V syscall number table.
package syscallshim

import (
	"fmt"
	"io"
	"unsafe"

	"github.com/rv64dbi/dbi/internal/rsa"
)

// Newlib/Linux RISC-V syscall numbers the shim knows about (spec §4.8
// "write, exit are emulated directly").
const (
	SysWrite  = 64
	SysExit   = 93
	SysExitGr = 94 // exit_group: Newlib's _exit ultimately reaches this on some libc builds.
)

// Disposition records what a handler decided to do with a call, so the
// shim's own accounting (and tests) can distinguish an emulated return
// from a halt.
type Disposition struct {
	// Halt, when true, ends the guest program; ExitCode is then its exit
	// status (spec §6 "Run... returns the guest's exit code").
	Halt     bool
	ExitCode int32
}

// Handler emulates or forwards one syscall number. It reads arguments from
// area's GPRs using the standard RISC-V Linux ABI (a0-a5 = x10-x15, a7 =
// x17 already consumed by the shim to select the handler) and, for a
// non-halting call, writes its return value into a0 (x10) itself.
type Handler func(area *rsa.Area) (Disposition, error)

// Shim owns the handler table. Unregistered syscall numbers are rejected
// (spec §4.8 "reject semantics"), which the engine surfaces as a fatal
// error per spec §7.
type Shim struct {
	handlers map[uint64]Handler
	stdout   io.Writer
}

// New creates a Shim with the write/exit emulation handlers pre-registered
// (spec §9 "Syscall transparency for write"), writing guest stdout to
// stdout.
func New(stdout io.Writer) *Shim {
	s := &Shim{handlers: make(map[uint64]Handler), stdout: stdout}
	s.Register(SysWrite, s.handleWrite)
	s.Register(SysExit, handleExit)
	s.Register(SysExitGr, handleExit)
	return s
}

// Register installs or replaces the handler for syscall number nr.
// Embedders may call this to forward additional syscalls (spec §4.8
// "forward semantics") before Run.
func (s *Shim) Register(nr uint64, h Handler) {
	s.handlers[nr] = h
}

// Handle dispatches the syscall currently described by area's GPRs: a7
// (x17) selects the handler, a0-a5 (x10-x15) are its arguments. It is
// called by the dispatcher after a translated ECALL/EBREAK exits into the
// shim's trampoline (spec §4.3, §4.8).
func (s *Shim) Handle(area *rsa.Area) (Disposition, error) {
	nr := area.GPR[17]
	h, ok := s.handlers[nr]
	if !ok {
		return Disposition{}, fmt.Errorf("syscallshim: syscall number %d has no registered handler", nr)
	}
	return h(area)
}

// handleWrite emulates write(2) by copying the guest buffer — already
// addressable as a real host pointer, since the engine maps the guest's
// data regions at their ELF-declared addresses (spec §6 "ELF reader")
// — straight to the shim's stdout.
func (s *Shim) handleWrite(area *rsa.Area) (Disposition, error) {
	fd := area.GPR[10]
	bufAddr := uintptr(area.GPR[11])
	length := area.GPR[12]

	if fd != 1 && fd != 2 {
		area.GPR[10] = negErrno(9) // EBADF: only stdout/stderr are emulated.
		return Disposition{}, nil
	}
	if length == 0 {
		area.GPR[10] = 0
		return Disposition{}, nil
	}

	buf := unsafe.Slice((*byte)(unsafe.Pointer(bufAddr)), int(length))
	n, err := s.stdout.Write(buf)
	if err != nil {
		area.GPR[10] = negErrno(5) // EIO
		return Disposition{}, nil
	}
	area.GPR[10] = uint64(n)
	return Disposition{}, nil
}

// handleExit emulates exit(2)/exit_group(2): the guest's exit status is
// its first argument, sign-extended the way a real kernel treats it.
func handleExit(area *rsa.Area) (Disposition, error) {
	code := int32(int64(int32(area.GPR[10])))
	return Disposition{Halt: true, ExitCode: code}, nil
}

func negErrno(e int64) uint64 { return uint64(-e) }
