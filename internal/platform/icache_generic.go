//go:build !(linux && riscv64)

package platform

// syncInstructionCacheRange is a no-op off riscv64/linux: this build of the
// toolchain (e.g. running the engine's unit tests on amd64) never executes
// the code cache it writes, so there is nothing for the host CPU to
// re-fetch.
func syncInstructionCacheRange(b []byte) error {
	return nil
}
