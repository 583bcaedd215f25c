// Package elf is the ELF reader (spec §1/§6): an out-of-scope external
// collaborator specified only at its interface. The parse itself is
// mechanical, so it is built directly on the standard library's debug/elf
// rather than grounded on a pack example — none of the retrieved repos
// carry a third-party ELF parser, and this component's contract (§6) asks
// only for .text bytes, data sections, entry point, and symbol lookup.
package elf

import (
	"debug/elf"
	"fmt"
	"sort"
)

// Image is the loaded view of the guest binary (spec §6 "ELF reader
// (consumed)").
type Image struct {
	EntryPoint  uint64
	TextBase    uint64
	TextBytes   []byte
	DataRegions []DataRegion

	symByName map[string]uint64
	symByAddr []symEntry
}

// DataRegion is one initialized data section, loaded at its intended
// address.
type DataRegion struct {
	Addr  uint64
	Bytes []byte
}

type symEntry struct {
	addr uint64
	name string
}

// Load validates and parses a static rv64gc ELF binary.
func Load(path string) (*Image, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("elf: %s: %w", path, err)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 {
		return nil, fmt.Errorf("elf: %s: not a 64-bit ELF (class=%v)", path, f.Class)
	}
	if f.Machine != elf.EM_RISCV {
		return nil, fmt.Errorf("elf: %s: not a RISC-V binary (machine=%v)", path, f.Machine)
	}
	if f.Type != elf.ET_EXEC {
		// Dynamic/shared-library loading is a non-goal (spec §1).
		return nil, fmt.Errorf("elf: %s: not a static executable (type=%v)", path, f.Type)
	}

	img := &Image{
		EntryPoint: f.Entry,
		symByName:  make(map[string]uint64),
	}

	text := f.Section(".text")
	if text == nil {
		return nil, fmt.Errorf("elf: %s: missing .text section", path)
	}
	img.TextBase = text.Addr
	img.TextBytes, err = text.Data()
	if err != nil {
		return nil, fmt.Errorf("elf: %s: reading .text: %w", path, err)
	}

	for _, s := range f.Sections {
		if s.Type != elf.SHT_PROGBITS || s.Flags&elf.SHF_ALLOC == 0 || s.Name == ".text" {
			continue
		}
		if s.Size == 0 {
			continue
		}
		b, err := s.Data()
		if err != nil {
			return nil, fmt.Errorf("elf: %s: reading section %s: %w", path, s.Name, err)
		}
		img.DataRegions = append(img.DataRegions, DataRegion{Addr: s.Addr, Bytes: b})
	}

	syms, err := f.Symbols()
	if err != nil && err != elf.ErrNoSymbols {
		return nil, fmt.Errorf("elf: %s: reading symbols: %w", path, err)
	}
	for _, s := range syms {
		if s.Name == "" {
			continue
		}
		img.symByName[s.Name] = s.Value
		img.symByAddr = append(img.symByAddr, symEntry{addr: s.Value, name: s.Name})
	}
	sort.Slice(img.symByAddr, func(i, j int) bool { return img.symByAddr[i].addr < img.symByAddr[j].addr })

	return img, nil
}

// SymbolAddress looks up a symbol by name (spec §6 "symbol lookup by
// name (`main`)").
func (img *Image) SymbolAddress(name string) (uint64, bool) {
	addr, ok := img.symByName[name]
	return addr, ok
}

// SymbolAt returns the nearest symbol at or before addr, for diagnostics
// (spec §6 "address->name").
func (img *Image) SymbolAt(addr uint64) (name string, ok bool) {
	// Binary search for the last entry with addr <= target.
	lo, hi := 0, len(img.symByAddr)
	for lo < hi {
		mid := (lo + hi) / 2
		if img.symByAddr[mid].addr <= addr {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo == 0 {
		return "", false
	}
	return img.symByAddr[lo-1].name, true
}

// TextAt returns the instruction bytes starting at guest address addr, or
// nil if addr falls outside .text.
func (img *Image) TextAt(addr uint64) []byte {
	if addr < img.TextBase || addr >= img.TextBase+uint64(len(img.TextBytes)) {
		return nil
	}
	return img.TextBytes[addr-img.TextBase:]
}
