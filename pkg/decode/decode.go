// Package decode classifies a RISC-V instruction word and extracts the
// branch/jump immediates needed to compute basic-block boundaries. It knows
// nothing about source code, DWARF, or coverage — it is a pure function over
// a 32-bit memory word, mirroring the opcode tables in
// vp/src/core/rv32/instr.h of the original simulator.
package decode

// Op identifies the opcodes this package distinguishes. Every other opcode
// is treated as straight-line code and reported as OpOther.
type Op int

const (
	OpOther Op = iota
	OpBranch // B-type conditional branch family (BEQ, BNE, BLT, ...)
	OpJAL    // direct jump-and-link, J-type immediate
	OpJALR   // register-indirect jump-and-link, target unknown statically
)

const (
	opcodeBranch = 0x63
	opcodeJAL    = 0x6f
	opcodeJALR   = 0x67

	quadrantMask = 0x3
)

// Instruction is the result of decoding a single instruction word.
type Instruction struct {
	Op         Op
	Compressed bool // 16-bit encoding vs 32-bit
	Width      int  // 2 or 4, in bytes
	Imm        int64 // signed branch/jump displacement, valid when Op is OpBranch or OpJAL
}

// Decode classifies the 32-bit word loaded from addr. Only the low 16 bits
// are consulted to determine compression and, for a compressed instruction,
// only the low 16 bits are a valid instruction; the caller must not read
// past Width bytes from addr.
//
// Compressed (16-bit) branch/jump instructions (C.BEQZ, C.BNEZ, C.J, C.JAL)
// are not decoded into OpBranch/OpJAL/OpJALR here: the block-leader analyzer
// treats them as straight-line and relies on full-width re-encoding where
// the compiler expands them, which matches the original simulator's own
// compressed-instruction leader handling (compressed branches are rare in
// the function-entry/exit positions that matter for basic-block boundary
// accuracy). As a result, blockleader.Leaders adds no leaders for compressed
// branches or jumps.
func Decode(word uint32) Instruction {
	compressed := word&quadrantMask != 3
	if compressed {
		return Instruction{Op: OpOther, Compressed: true, Width: 2}
	}

	inst := Instruction{Compressed: false, Width: 4}

	opcode := word & 0x7f
	switch opcode {
	case opcodeBranch:
		inst.Op = OpBranch
		inst.Imm = bImm(word)
	case opcodeJAL:
		inst.Op = OpJAL
		inst.Imm = jImm(word)
	case opcodeJALR:
		inst.Op = OpJALR
	default:
		inst.Op = OpOther
	}

	return inst
}

// bImm extracts and sign-extends the B-type immediate (conditional branch
// displacement) from a 32-bit instruction word.
func bImm(word uint32) int64 {
	imm12 := (word >> 31) & 0x1
	imm10_5 := (word >> 25) & 0x3f
	imm4_1 := (word >> 8) & 0xf
	imm11 := (word >> 7) & 0x1

	raw := (imm12 << 12) | (imm11 << 11) | (imm10_5 << 5) | (imm4_1 << 1)
	return signExtend(raw, 13)
}

// jImm extracts and sign-extends the J-type immediate (JAL displacement)
// from a 32-bit instruction word.
func jImm(word uint32) int64 {
	imm20 := (word >> 31) & 0x1
	imm10_1 := (word >> 21) & 0x3ff
	imm11 := (word >> 20) & 0x1
	imm19_12 := (word >> 12) & 0xff

	raw := (imm20 << 20) | (imm19_12 << 12) | (imm11 << 11) | (imm10_1 << 1)
	return signExtend(raw, 21)
}

// signExtend treats the low `bits` bits of raw as a two's-complement value
// and sign-extends it to int64.
func signExtend(raw uint32, bits uint) int64 {
	shift := 32 - bits
	return int64(int32(raw<<shift) >> shift)
}
