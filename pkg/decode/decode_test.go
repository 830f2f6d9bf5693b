package decode

import "testing"

func TestDecodeCompressed(t *testing.T) {
	// low two bits != 11 marks a compressed (16-bit) instruction.
	for _, word := range []uint32{0x0001, 0xBEEF_0002, 0xFFFF_0001} {
		inst := Decode(word)
		if !inst.Compressed || inst.Width != 2 {
			t.Fatalf("word %#x: want compressed width 2, got %+v", word, inst)
		}
	}
}

func TestDecodeBranch(t *testing.T) {
	// BEQ x0, x0, +0: opcode 0x63 with funct3, registers and every immediate
	// bit zero. TestDecodeBranchImmediate covers a non-zero displacement.
	word := uint32(0x63) // opcode only, imm=0 baseline
	inst := Decode(word)
	if inst.Op != OpBranch {
		t.Fatalf("want OpBranch, got %v", inst.Op)
	}
	if inst.Compressed {
		t.Fatalf("branch opcode must not be classified as compressed")
	}
	if inst.Imm != 0 {
		t.Fatalf("zero-immediate branch: want Imm=0, got %d", inst.Imm)
	}
}

func TestDecodeBranchImmediate(t *testing.T) {
	// Encode BEQ x0, x0, +16 by hand: imm=16 = 0b10000
	// imm[4:1] = 1000 (8), all other imm bits zero.
	const imm = 16
	word := uint32(opcodeBranch)
	word |= ((imm >> 1) & 0xf) << 8 // imm[4:1]
	word |= ((imm >> 11) & 0x1) << 7
	word |= ((imm >> 5) & 0x3f) << 25
	word |= ((imm >> 12) & 0x1) << 31

	inst := Decode(word)
	if inst.Op != OpBranch {
		t.Fatalf("want OpBranch, got %v", inst.Op)
	}
	if inst.Imm != imm {
		t.Fatalf("want Imm=%d, got %d", imm, inst.Imm)
	}
}

func TestDecodeJAL(t *testing.T) {
	const imm = 256
	word := uint32(opcodeJAL)
	word |= ((imm >> 12) & 0xff) << 12
	word |= ((imm >> 11) & 0x1) << 20
	word |= ((imm >> 1) & 0x3ff) << 21
	word |= ((imm >> 20) & 0x1) << 31

	inst := Decode(word)
	if inst.Op != OpJAL {
		t.Fatalf("want OpJAL, got %v", inst.Op)
	}
	if inst.Imm != imm {
		t.Fatalf("want Imm=%d, got %d", imm, inst.Imm)
	}
}

func TestDecodeJALR(t *testing.T) {
	inst := Decode(uint32(opcodeJALR))
	if inst.Op != OpJALR {
		t.Fatalf("want OpJALR, got %v", inst.Op)
	}
	if inst.Width != 4 {
		t.Fatalf("want width 4, got %d", inst.Width)
	}
}

func TestDecodeNegativeBranchImmediate(t *testing.T) {
	imm := int64(-4)
	word := uint32(opcodeBranch)
	u := uint32(imm) & 0x1fff
	word |= ((u >> 1) & 0xf) << 8
	word |= ((u >> 11) & 0x1) << 7
	word |= ((u >> 5) & 0x3f) << 25
	word |= ((u >> 12) & 0x1) << 31

	inst := Decode(word)
	if inst.Imm != imm {
		t.Fatalf("want Imm=%d, got %d", imm, inst.Imm)
	}
}

// FuzzDecode: the decoder must never panic on arbitrary input, compressed
// or not.
func FuzzDecode(f *testing.F) {
	f.Add(uint32(0x00000063))
	f.Add(uint32(0x0000006f))
	f.Add(uint32(0x00000067))
	f.Add(uint32(0x00000001))

	f.Fuzz(func(t *testing.T, word uint32) {
		inst := Decode(word)
		if inst.Width != 2 && inst.Width != 4 {
			t.Fatalf("invalid width %d for word %#x", inst.Width, word)
		}
	})
}
