package engine

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"testing"
	"unsafe"

	"github.com/rv64dbi/dbi/api"
	"github.com/rv64dbi/dbi/internal/bbt"
	"github.com/rv64dbi/dbi/internal/isa"
	"github.com/rv64dbi/dbi/internal/rsa"
	"github.com/rv64dbi/dbi/internal/syscallshim"
	"github.com/stretchr/testify/require"
)

const integrationTextBase = 0x10000

// buildMinimalGuestELF assembles a minimal but valid ELFCLASS64/EM_RISCV/
// ET_EXEC file with a single .text section holding words, the same layout
// internal/elf/loader_test.go's buildRISCVELF exercises, trimmed to what
// Engine.Initialize actually reads: no symtab/strtab/data needed here.
func buildMinimalGuestELF(t *testing.T, words []uint32) []byte {
	t.Helper()

	text := make([]byte, 4*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint32(text[i*4:], w)
	}

	const ehdrSize = 64
	textOff := uint64(ehdrSize)

	shstrtab := []byte{0}
	textName := uint32(len(shstrtab))
	shstrtab = append(shstrtab, ".text\x00"...)
	shstrtabName := uint32(len(shstrtab))
	shstrtab = append(shstrtab, ".shstrtab\x00"...)

	shstrtabOff := textOff + uint64(len(text))
	shoff := shstrtabOff + uint64(len(shstrtab))

	type shdr struct {
		name, typ              uint32
		flags, addr, off, size uint64
		link, info             uint32
		align, entsize         uint64
	}
	encode := func(h shdr) []byte {
		b := make([]byte, 64)
		binary.LittleEndian.PutUint32(b[0:], h.name)
		binary.LittleEndian.PutUint32(b[4:], h.typ)
		binary.LittleEndian.PutUint64(b[8:], h.flags)
		binary.LittleEndian.PutUint64(b[16:], h.addr)
		binary.LittleEndian.PutUint64(b[24:], h.off)
		binary.LittleEndian.PutUint64(b[32:], h.size)
		binary.LittleEndian.PutUint32(b[40:], h.link)
		binary.LittleEndian.PutUint32(b[44:], h.info)
		binary.LittleEndian.PutUint64(b[48:], h.align)
		binary.LittleEndian.PutUint64(b[56:], h.entsize)
		return b
	}

	sections := []shdr{
		{},
		{name: textName, typ: 1 /* SHT_PROGBITS */, flags: 0x2 | 0x4, /* ALLOC|EXECINSTR */
			addr: integrationTextBase, off: textOff, size: uint64(len(text)), align: 4},
		{name: shstrtabName, typ: 3 /* SHT_STRTAB */, off: shstrtabOff, size: uint64(len(shstrtab)), align: 1},
	}

	buf := make([]byte, shoff+uint64(len(sections))*64)
	copy(buf[textOff:], text)
	copy(buf[shstrtabOff:], shstrtab)
	for i, s := range sections {
		copy(buf[shoff+uint64(i)*64:], encode(s))
	}

	copy(buf[0:4], []byte{0x7f, 'E', 'L', 'F'})
	buf[4] = 2 // ELFCLASS64
	buf[5] = 1 // little-endian
	buf[6] = 1 // EI_VERSION

	h := buf[:ehdrSize]
	binary.LittleEndian.PutUint16(h[16:], 2)   // e_type = ET_EXEC
	binary.LittleEndian.PutUint16(h[18:], 243) // e_machine = EM_RISCV
	binary.LittleEndian.PutUint32(h[20:], 1)   // e_version
	binary.LittleEndian.PutUint64(h[24:], integrationTextBase)
	binary.LittleEndian.PutUint64(h[40:], shoff)
	binary.LittleEndian.PutUint16(h[52:], ehdrSize)
	binary.LittleEndian.PutUint16(h[58:], 64)
	binary.LittleEndian.PutUint16(h[60:], uint16(len(sections)))
	binary.LittleEndian.PutUint16(h[62:], 2) // e_shstrndx

	return buf
}

// TestEngineRunDrivesAllocatorDispatcherShimAndCacheTogether exercises spec
// §8 "Testable properties" scenarios 1 (BB-count callback) and 5 (syscall
// transparency) end to end through the public api.Engine surface
// (engine.New -> Initialize -> RegisterBB -> Run), the same way
// dispatcher_test.go's harness drives a single Dispatcher but one layer up:
// a fake NativeCall (injected via WithNativeCall) stands in for the
// assembly trampoline, while every other component — elf.Load, the
// allocator, code cache, callback registry and syscall shim — runs for
// real.
func TestEngineRunDrivesAllocatorDispatcherShimAndCacheTogether(t *testing.T) {
	msg := []byte("hi\n")

	words := []uint32{isa.Ecall(), isa.Ecall()} // block A: write; block B: exit
	raw := buildMinimalGuestELF(t, words)
	path := filepath.Join(t.TempDir(), "guest.elf")
	require.NoError(t, os.WriteFile(path, raw, 0o755))

	var entryA, entryB uintptr
	var descA, descB *bbt.Descriptor
	call := func(entry uintptr, rsaBase uintptr) {
		area := (*rsa.Area)(unsafe.Pointer(rsaBase))
		switch entry {
		case entryA:
			area.GPR[17] = syscallshim.SysWrite
			area.GPR[10] = 1 // fd
			area.GPR[11] = uint64(uintptr(unsafe.Pointer(&msg[0])))
			area.GPR[12] = uint64(len(msg))
			area.ECallNext = descA.ECallNext
		case entryB:
			area.GPR[17] = syscallshim.SysExit
			area.GPR[10] = 0
			area.ECallNext = descB.ECallNext
		default:
			t.Fatalf("unexpected native-call entry %#x", entry)
		}
	}

	// Initialize hardcodes syscallshim.New(os.Stdout), so the redirect must
	// be in place before it runs: the dispatcher captures that *Shim by
	// reference and there is no way to rewire it afterward.
	r, w, err := os.Pipe()
	require.NoError(t, err)
	origStdout := os.Stdout
	os.Stdout = w

	e := New(WithNativeCall(call))
	initErr := e.Initialize(path)
	os.Stdout = origStdout
	require.NoError(t, initErr)

	var bbAddrs []uint64
	require.NoError(t, e.RegisterBB(api.PhasePOST, api.ModeRuntime, api.RuntimeOrAllocator{
		Runtime: func(addr uint64) { bbAddrs = append(bbAddrs, addr) },
	}))

	descA, err = e.alloc.Materialize(integrationTextBase)
	require.NoError(t, err)
	entryA = e.cache.Base() + uintptr(descA.CacheStart)

	descB, err = e.alloc.Materialize(integrationTextBase + 4)
	require.NoError(t, err)
	entryB = e.cache.Base() + uintptr(descB.CacheStart)

	code, runErr := e.Run()
	w.Close()

	var out bytes.Buffer
	_, _ = io.Copy(&out, r)

	require.NoError(t, runErr)
	require.Equal(t, int32(0), code)
	require.Equal(t, "hi\n", out.String())
	require.Equal(t, []uint64{integrationTextBase, integrationTextBase + 4}, bbAddrs)
}
