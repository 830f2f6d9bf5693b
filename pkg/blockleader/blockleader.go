// Package blockleader computes basic-block leader addresses within a single
// function's instruction range, following the classic "leader" construction:
// the entry instruction, every in-range conditional-branch or JAL target, and
// every instruction immediately following a conditional branch or JAL are
// leaders; JALR adds none. The shape of the scan —
// walk the instruction stream once, flag a new block at every branch target
// and at the instruction after every branch/JAL — mirrors coverbee's own
// ProgramBlocks scan (instrumentation.go), adapted from eBPF's single jump
// opcode to RISC-V's three (conditional branch, JAL, JALR).
package blockleader

import (
	"golang.org/x/exp/slices"

	"github.com/agra-uni-bremen/coverage-vp/pkg/decode"
	"github.com/agra-uni-bremen/coverage-vp/pkg/memif"
)

// Leaders returns the sorted set of basic-block leader addresses within the
// half-open range [funcStart, funcEnd). funcStart is always included.
//
// Targets of conditional branches and JAL that land within the function's
// own range become leaders; JALR targets are assumed to leave the function
// and contribute no leader. Targets outside [funcStart, funcEnd) are
// likewise not added — each function's leader set is self-contained.
func Leaders(mem memif.InstrMemory, funcStart, funcEnd uint64) []uint64 {
	leaderSet := map[uint64]struct{}{funcStart: {}}

	pc := funcStart
	for pc < funcEnd {
		word := mem.LoadInstr(pc)
		inst := decode.Decode(word)

		next := pc + uint64(inst.Width)

		switch inst.Op {
		case decode.OpBranch, decode.OpJAL:
			// The instruction after any conditional branch or direct jump
			// starts a new block, whether or not the branch is taken.
			if next < funcEnd {
				leaderSet[next] = struct{}{}
			}

			target := uint64(int64(pc) + inst.Imm)
			if target >= funcStart && target < funcEnd {
				leaderSet[target] = struct{}{}
			}
		case decode.OpJALR:
			// Target unknown at analysis time; assumed to leave the
			// function, so no intra-function leader is added.
		}

		pc = next
	}

	leaders := make([]uint64, 0, len(leaderSet))
	for addr := range leaderSet {
		leaders = append(leaders, addr)
	}
	slices.Sort(leaders)

	return leaders
}
