// Package platform isolates the handful of OS primitives the code cache
// needs: an RWX mapping for translated guest code, and an instruction-cache
// sync after every write to a region about to execute.
package platform

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"
)

func init() {
	if !hasHugePages() {
		return
	}
	dirents, err := os.ReadDir("/sys/kernel/mm/hugepages")
	if err != nil {
		return
	}
	for _, d := range dirents {
		// Directory names look like "hugepages-2048kB".
		name := strings.TrimSuffix(strings.TrimPrefix(d.Name(), "hugepages-"), "kB")
		kb, err := strconv.Atoi(name)
		if err != nil || kb <= 0 {
			continue
		}
		sizeBytes := kb * 1024
		shift := 0
		for s := sizeBytes; s > 1; s >>= 1 {
			shift++
		}
		hugePageConfigs = append(hugePageConfigs, hugePageConfig{
			size: sizeBytes,
			flag: unix.MAP_HUGETLB | (shift << 26), // MAP_HUGE_SHIFT
		})
	}
	sort.Slice(hugePageConfigs, func(i, j int) bool { return hugePageConfigs[i].size > hugePageConfigs[j].size })
}

// MmapCodeSegment allocates a zeroed, read+write+execute mapping of the
// given size. The code cache (internal/codecache) is the only caller; no
// other component is allowed to request RWX memory.
func MmapCodeSegment(size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("platform: invalid code segment size %d", size)
	}
	flags := unix.MAP_ANON | unix.MAP_PRIVATE
	if cfg := pickHugePage(size); cfg != nil {
		flags |= cfg.flag
	}
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC, flags)
	if err != nil {
		return nil, fmt.Errorf("platform: mmap code segment: %w", err)
	}
	return b, nil
}

// MunmapCodeSegment releases a mapping obtained from MmapCodeSegment.
func MunmapCodeSegment(code []byte) error {
	if len(code) == 0 {
		return nil
	}
	if err := unix.Munmap(code); err != nil {
		return fmt.Errorf("platform: munmap code segment: %w", err)
	}
	return nil
}

// MapGuestRegion maps size bytes at the exact host address addr, so guest
// loads and stores (passed through untranslated by the allocator's
// transparency fixups, spec §4.2) land on real memory at the same address
// the guest ELF declares. unix.Mmap has no MAP_FIXED-with-explicit-address
// form, so this goes straight to the mmap(2) syscall the way
// riscvFlushICache reaches past x/sys/unix for the one syscall it doesn't
// wrap (see icache_riscv64.go).
func MapGuestRegion(addr uintptr, size int, writable bool) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("platform: invalid guest region size %d", size)
	}
	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}
	flags := unix.MAP_FIXED | unix.MAP_PRIVATE | unix.MAP_ANON
	r, _, errno := unix.Syscall6(unix.SYS_MMAP, addr, uintptr(size), uintptr(prot), uintptr(flags), ^uintptr(0), 0)
	if errno != 0 {
		return nil, fmt.Errorf("platform: mmap guest region at %#x: %w", addr, errno)
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(r)), size), nil
}

// MapAnonymousRW allocates a zeroed, read+write anonymous mapping wherever
// the kernel chooses, for engine-managed memory that has no ELF-declared
// load address to honor (e.g. the guest's initial stack, see
// internal/engine). Unlike MapGuestRegion this never requests a fixed
// address.
func MapAnonymousRW(size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("platform: invalid anonymous mapping size %d", size)
	}
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("platform: mmap anonymous region: %w", err)
	}
	return b, nil
}

type hugePageConfig struct {
	size int
	flag int
}

// hugePageConfigs is populated at package init from /sys/kernel/mm/hugepages, largest
// size first, mirroring how the kernel itself prefers the biggest page that
// still fits the mapping.
var hugePageConfigs []hugePageConfig

func hasHugePages() bool {
	_, err := os.Stat("/sys/kernel/mm/hugepages")
	return err == nil
}

// pickHugePage returns the huge-page config (if any) whose size the
// requested mapping is at least double, so a single huge page does not
// dwarf a small cache. Returns nil when hugepages are unavailable or the
// mapping is too small to benefit.
func pickHugePage(size int) *hugePageConfig {
	for i := range hugePageConfigs {
		cfg := &hugePageConfigs[i]
		if size >= cfg.size*2 {
			return cfg
		}
	}
	return nil
}
