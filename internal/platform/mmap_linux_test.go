package platform

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHugePageConfigs(t *testing.T) {
	if !hasHugePages() {
		t.Skip("hugepages are disabled")
	}
	dirents, err := os.ReadDir("/sys/kernel/mm/hugepages")
	require.NoError(t, err)
	require.Equal(t, len(dirents), len(hugePageConfigs))

	for _, cfg := range hugePageConfigs {
		require.NotEqual(t, 0, cfg.size)
		require.NotEqual(t, 0, cfg.flag)
	}

	for i := 1; i < len(hugePageConfigs); i++ {
		require.Greater(t, hugePageConfigs[i-1].size, hugePageConfigs[i].size)
	}
}

func TestMmapMunmapCodeSegment(t *testing.T) {
	code, err := MmapCodeSegment(4096)
	require.NoError(t, err)
	require.Len(t, code, 4096)

	// Writable and, on a real RWX mapping, executable: we can at least
	// write and read back without the mapping panicking.
	code[0] = 0x13 // NOP-equivalent ADDI x0,x0,0 low byte on RV64.
	require.Equal(t, byte(0x13), code[0])

	require.NoError(t, SyncInstructionCache(code))
	require.NoError(t, MunmapCodeSegment(code))
}

func TestMmapCodeSegmentInvalidSize(t *testing.T) {
	_, err := MmapCodeSegment(0)
	require.Error(t, err)
}

func TestMapGuestRegionAtFixedAddress(t *testing.T) {
	// Reserve an address the kernel picked for us, release it, then map
	// guest content back at that same address: safe to clobber since
	// nothing else can have reused it between the two calls.
	probe, err := MmapCodeSegment(4096)
	require.NoError(t, err)
	addr := AddressOf(probe)
	require.NoError(t, MunmapCodeSegment(probe))

	region, err := MapGuestRegion(addr, 4096, true)
	require.NoError(t, err)
	require.Equal(t, addr, AddressOf(region))

	region[0] = 0xab
	require.Equal(t, byte(0xab), region[0])
	require.NoError(t, MunmapCodeSegment(region))
}

func TestMapGuestRegionInvalidSize(t *testing.T) {
	_, err := MapGuestRegion(0x1000, 0, true)
	require.Error(t, err)
}
