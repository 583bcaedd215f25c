package isa

// LoadImmediate64Words is the fixed word count LoadImmediate64 always
// returns, used by callers sizing fixed exit-sequence lengths without
// calling it first (e.g. allocator.contextSwitchWordLen).
const LoadImmediate64Words = 8

// opcodeField expands the 5-bit major-opcode value (bits [6:2], the same
// field decode.go's opXxx constants and Instruction.Opcode use) into the
// full 7-bit opcode byte a standard instruction word carries, whose bits
// [1:0] are always 0b11 (Decode's quadrant-3 marker distinguishing a
// 4-byte instruction from a 2-byte compressed one).
func opcodeField(opcode uint8) uint32 {
	return uint32(opcode&0x1f)<<2 | 0x3
}

// EncodeR assembles an R-type instruction word (spec §6 "Encoder").
func EncodeR(opcode, funct3, funct7, rd, rs1, rs2 uint8) uint32 {
	return opcodeField(opcode) | uint32(rd&0x1f)<<7 | uint32(funct3&0x7)<<12 |
		uint32(rs1&0x1f)<<15 | uint32(rs2&0x1f)<<20 | uint32(funct7&0x7f)<<25
}

// EncodeI assembles an I-type instruction word.
func EncodeI(opcode, funct3, rd, rs1 uint8, imm int32) uint32 {
	return opcodeField(opcode) | uint32(rd&0x1f)<<7 | uint32(funct3&0x7)<<12 |
		uint32(rs1&0x1f)<<15 | uint32(imm&0xfff)<<20
}

// EncodeS assembles an S-type instruction word.
func EncodeS(opcode, funct3, rs1, rs2 uint8, imm int32) uint32 {
	u := uint32(imm)
	return opcodeField(opcode) | (u&0x1f)<<7 | uint32(funct3&0x7)<<12 |
		uint32(rs1&0x1f)<<15 | uint32(rs2&0x1f)<<20 | (u&0xfe0)<<20
}

// EncodeB assembles a B-type instruction word.
func EncodeB(opcode, funct3, rs1, rs2 uint8, imm int32) uint32 {
	u := uint32(imm)
	return opcodeField(opcode) |
		(u>>11&0x1)<<7 | (u>>1&0xf)<<8 | uint32(funct3&0x7)<<12 |
		uint32(rs1&0x1f)<<15 | uint32(rs2&0x1f)<<20 |
		(u>>5&0x3f)<<25 | (u>>12&0x1)<<31
}

// EncodeU assembles a U-type instruction word. imm20 holds bits [31:12].
func EncodeU(opcode, rd uint8, imm20 int32) uint32 {
	return opcodeField(opcode) | uint32(rd&0x1f)<<7 | uint32(imm20)&0xFFFFF000
}

// EncodeJ assembles a J-type instruction word.
func EncodeJ(opcode, rd uint8, imm int32) uint32 {
	u := uint32(imm)
	return opcodeField(opcode) | uint32(rd&0x1f)<<7 |
		(u>>12&0xff)<<12 | (u>>11&0x1)<<20 | (u>>1&0x3ff)<<21 | (u>>20&0x1)<<31
}

// --- Per-mnemonic helpers, used by the allocator's transparency fixups and
// exit-sequence emission (spec §4.2/§4.3). ---

func Addi(rd, rs1 uint8, imm int32) uint32 { return EncodeI(opOpImm, 0, rd, rs1, imm) }
func Add(rd, rs1, rs2 uint8) uint32        { return EncodeR(opOp, 0, 0x00, rd, rs1, rs2) }
func Sub(rd, rs1, rs2 uint8) uint32        { return EncodeR(opOp, 0, 0x20, rd, rs1, rs2) }
func Slli(rd, rs1 uint8, shamt uint8) uint32 {
	return EncodeI(opOpImm, 1, rd, rs1, int32(shamt&0x3f))
}
func Lui(rd uint8, imm20 int32) uint32   { return EncodeU(opLUI, rd, imm20) }
func Auipc(rd uint8, imm20 int32) uint32 { return EncodeU(opAUIPC, rd, imm20) }
func Jal(rd uint8, imm int32) uint32     { return EncodeJ(opJAL, rd, imm) }
func Jalr(rd, rs1 uint8, imm int32) uint32 {
	return EncodeI(opJALR, 0, rd, rs1, imm)
}
func Ld(rd, rs1 uint8, imm int32) uint32 { return EncodeI(opLoad, 3, rd, rs1, imm) }
func Sd(rs1, rs2 uint8, imm int32) uint32 { return EncodeS(opStore, 3, rs1, rs2, imm) }
func Ecall() uint32                       { return EncodeI(opSystem, 0, 0, 0, 0) }
func Ebreak() uint32                      { return EncodeI(opSystem, 0, 0, 0, 1) }
func Nop() uint32                         { return Addi(0, 0, 0) }

// cycleCSR is the read-only "cycle" CSR's 12-bit address (RISC-V Zicsr).
const cycleCSR = 0xc00

// Rdcycle encodes the standard `rdcycle rd` pseudo-instruction (`csrrs rd,
// cycle, x0`), used by the inline weaver to timestamp a block's PRE/POST
// boundary (spec §8 scenario 3 "read the cycle CSR into two memory
// slots"). Decode classifies the resulting word as the generic "CSR"
// mnemonic alongside every other Zicsr instruction.
func Rdcycle(rd uint8) uint32 { return EncodeI(opSystem, 2, rd, 0, cycleCSR) }

// LoadImmediate64 returns the canonical multi-instruction sequence that
// materializes a 64-bit immediate into reg, the way the inline weaver's
// helper does for instrumentation counter addresses (spec §4.6): the upper
// and lower 32-bit halves are each built with a lui+addi pair (rounding the
// lui's 20-bit field up when the paired addi's 12-bit immediate would
// otherwise sign-extend negative), then combined with a shift and an or.
func LoadImmediate64(reg, scratch uint8, value uint64) []uint32 {
	hi32 := uint32(value >> 32)
	lo32 := uint32(value)

	loadHalf := func(dst uint8, half uint32) []uint32 {
		upper := int32(half >> 12)
		lower := int32(int16(half & 0xfff))
		if half&0x800 != 0 {
			upper++ // addi sign-extends bit 11; compensate the lui field.
		}
		return []uint32{Lui(dst, upper<<12), Addi(dst, dst, lower)}
	}

	var words []uint32
	words = append(words, loadHalf(reg, hi32)...)
	words = append(words, Slli(reg, reg, 32))
	words = append(words, loadHalf(scratch, lo32)...)
	// The lui+addi pair above may have sign-extended lower's bit 31 into
	// scratch's upper 32 bits; clear them before ORing the halves together.
	words = append(words, Slli(scratch, scratch, 32), Srli(scratch, scratch, 32))
	words = append(words, Or(reg, reg, scratch))
	return words
}

// Srli encodes a logical right shift immediate.
func Srli(rd, rs1 uint8, shamt uint8) uint32 {
	return EncodeI(opOpImm, 5, rd, rs1, int32(shamt&0x3f))
}

// Or encodes a bitwise OR.
func Or(rd, rs1, rs2 uint8) uint32 { return EncodeR(opOp, 6, 0x00, rd, rs1, rs2) }
