//go:build linux && riscv64

package platform

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// riscvFlushICache wraps the riscv_flush_icache(2) syscall, which the
// kernel reserves in the architecture-specific syscall range and which
// unix only defines for GOARCH=riscv64.
func riscvFlushICache(start, end uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_RISCV_FLUSH_ICACHE, start, end, 0 /* flags: all threads */)
	if errno != 0 {
		return errno
	}
	return nil
}

func syncInstructionCacheRange(b []byte) error {
	start := uintptr(unsafe.Pointer(&b[0]))
	end := start + uintptr(len(b))
	return riscvFlushICache(start, end)
}
