package engine

import (
	"testing"
	"unsafe"

	"github.com/rv64dbi/dbi/api"
	"github.com/rv64dbi/dbi/internal/abi"
	"github.com/rv64dbi/dbi/internal/callback"
	"github.com/stretchr/testify/require"
)

func TestNewAppliesDefaultsAndOptions(t *testing.T) {
	e := New()
	require.Equal(t, 4*1024*1024, e.cacheSize)
	require.True(t, e.stubRegionsEnabled)

	e2 := New(WithCacheSize(1024), WithMaxBlockLen(8), WithStubRegionsEnabled(false))
	require.Equal(t, 1024, e2.cacheSize)
	require.Equal(t, 8, e2.maxBlockLen)
	require.False(t, e2.stubRegionsEnabled)
}

func TestPickInlineScratchAvoidsExcludedRegister(t *testing.T) {
	require.NotEqual(t, abi.ScratchReg2, pickInlineScratch(abi.ScratchReg2))
	require.NotEqual(t, abi.ScratchReg, pickInlineScratch(abi.ScratchReg))
}

// TestRegisterDelegatesToCallbackRegistry exercises the thin Register*
// wrappers without a full Initialize (no ELF file needed): a bare
// callback.Registry wired in directly is enough to prove delegation.
func TestRegisterDelegatesToCallbackRegistry(t *testing.T) {
	e := New()
	e.cb = callback.New()

	var fired []uint64
	require.NoError(t, e.RegisterBB(api.PhasePOST, api.ModeRuntime, api.RuntimeOrAllocator{
		Runtime: func(addr uint64) { fired = append(fired, addr) },
	}))
	e.cb.RunRuntime(api.ScopeBB, api.PhasePOST, 0x1000)
	require.Equal(t, []uint64{0x1000}, fired)

	require.NoError(t, e.RegisterType("ADD", api.PhasePOST, api.ModeAllocator, api.RuntimeOrAllocator{
		Allocator: func(uint64) {},
	}))
	require.True(t, e.cb.HasAnyTypeOrGroup("ADD", 0))
}

// TestBuildInitialStackLayout exercises the Newlib-compatible
// argc/argv/envp/auxv layout without any ELF image: buildInitialStack only
// reads e.argv/e.envp and maps its own scratch memory.
func TestBuildInitialStackLayout(t *testing.T) {
	e := New()
	e.targetPath = "/bin/guest"
	e.SetArgs([]string{"/bin/guest", "-x"}, []string{"HOME=/root"})

	sp, err := e.buildInitialStack()
	require.NoError(t, err)
	require.Zero(t, sp%16, "SP must be 16-byte aligned at process entry")

	read := func(addr uint64) uint64 {
		return *(*uint64)(unsafe.Pointer(uintptr(addr)))
	}
	readStr := func(addr uint64) string {
		var b []byte
		for {
			c := *(*byte)(unsafe.Pointer(uintptr(addr)))
			if c == 0 {
				break
			}
			b = append(b, c)
			addr++
		}
		return string(b)
	}

	argc := read(sp)
	require.Equal(t, uint64(2), argc)

	argv0 := read(sp + 8)
	argv1 := read(sp + 16)
	require.Equal(t, "/bin/guest", readStr(argv0))
	require.Equal(t, "-x", readStr(argv1))

	argvNull := read(sp + 24)
	require.Zero(t, argvNull)

	envp0 := read(sp + 32)
	require.Equal(t, "HOME=/root", readStr(envp0))

	envpNull := read(sp + 40)
	require.Zero(t, envpNull)

	// auxv: AT_PAGESZ, 4096, AT_NULL, 0.
	require.Equal(t, uint64(6), read(sp+48))
	require.Equal(t, uint64(4096), read(sp+56))
	require.Equal(t, uint64(0), read(sp+64))
	require.Equal(t, uint64(0), read(sp+72))
}

// TestBuildInitialStackDefaultsArgvToTargetPath covers the no-SetArgs path.
func TestBuildInitialStackDefaultsArgvToTargetPath(t *testing.T) {
	e := New()
	e.targetPath = "/bin/guest"

	sp, err := e.buildInitialStack()
	require.NoError(t, err)

	argc := *(*uint64)(unsafe.Pointer(uintptr(sp)))
	require.Equal(t, uint64(1), argc)
}

func TestEnableTraceLinkingBeforeInitializeIsRememberedForLater(t *testing.T) {
	e := New()
	e.EnableTraceLinking(true)
	require.True(t, e.traceLinkEnabled)
}
