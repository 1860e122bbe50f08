// Package regalloc maps virtual registers to physical ones. It runs in
// two layers: a global pass (liveness, coalescing into bundles, bin-pack
// placement producing home hints) and a local per-instruction pass that
// materializes the final assignment, emitting loads, saves, moves and
// swaps as needed.
//
// The package is architecture-neutral; the per-arch encoder adapters
// provide the ArchInfo callbacks it drives.
package regalloc

import (
	"github.com/forgejit/forge/internal/asm"
	"github.com/forgejit/forge/internal/ir"
)

// ArchInfo is what the allocator needs to know about the target, supplied
// by the architecture adapter.
type ArchInfo interface {
	// Allocatable returns the physical ids the allocator may hand to
	// virtual registers. SP, FP and the pipeline scratch registers are
	// excluded here.
	Allocatable(g asm.RegGroup) asm.RegMask
	// Preferred returns the subset of Allocatable to try first: the
	// non-preserved registers, so leaf code avoids growing the frame.
	Preferred(g asm.RegGroup) asm.RegMask
	// Scratch returns the two reserved pipeline scratch ids of the group.
	Scratch(g asm.RegGroup) [2]int

	// IsMov reports whether the node is a plain register-to-register move
	// (mov-class including the vector mov family), the coalescing signal.
	IsMov(n *ir.Node) bool
	// BranchTarget returns the label a branch node targets. cond reports
	// a conditional branch (fallthrough possible), ok a branch at all.
	BranchTarget(n *ir.Node) (label asm.LabelID, cond, ok bool)
	// IsTerminator reports whether control never falls through the node
	// (unconditional jump, return).
	IsTerminator(n *ir.Node) bool
	// OperandActions returns how the instruction treats each operand.
	OperandActions(n *ir.Node) []OpAction
	// Clobbers returns the registers the instruction destroys beyond its
	// operands (e.g. caller-saved registers of a call).
	Clobbers(n *ir.Node) [asm.RegGroupCount]asm.RegMask

	// MoveInst returns the instruction id moving between two registers of
	// the type.
	MoveInst(t asm.RegType) asm.InstID
	// SwapInst returns the native register-swap instruction of the group,
	// or ok=false when the architecture has none.
	SwapInst(g asm.RegGroup) (asm.InstID, bool)
	// VecXor returns the three-operand vector xor used for the xor-swap
	// triangle on integer vector data.
	VecXor() (asm.InstID, bool)
	// SpillLoad and SpillStore build the instruction transferring between
	// a register and its spill slot.
	SpillLoad(dst asm.Reg, slot asm.Mem) (asm.InstID, []asm.Operand)
	SpillStore(slot asm.Mem, src asm.Reg) (asm.InstID, []asm.Operand)
	// SpillSlotMem returns the addressing of a spill slot given its frame
	// offset.
	SpillSlotMem(offset int32, size byte) asm.Mem
}

// OpAction describes one operand's role for liveness and allocation.
type OpAction byte

const (
	// OpNone: operand is not a register reference (imm, label).
	OpNone OpAction = iota
	// OpUse: read-only.
	OpUse
	// OpOut: write-only; the old value is dead (mov-class destinations).
	OpOut
	// OpUseOut: read-write (the x86 two-operand destination).
	OpUseOut
)

// TiedFlags qualify a tied operand in the local allocator.
type TiedFlags uint16

const (
	TiedUse TiedFlags = 1 << iota
	TiedOut
	TiedRW
	TiedUseFixed
	TiedOutFixed
	TiedUnique
	TiedLeadConsecutive
	TiedUseConsecutive
	TiedOutConsecutive
	TiedDuplicate
	TiedFirst
	TiedLast
	TiedKill
)

// TiedReg is one virtual operand of an instruction plus its allocation
// constraints, the unit the local allocator solves for.
type TiedReg struct {
	// VRegID indexes the builder's virtual register pool.
	VRegID int
	Flags  TiedFlags
	// UseMask and OutMask are the feasible physical sets; zero means any
	// allocatable register of the group.
	UseMask, OutMask asm.RegMask
	// UseID and OutID force a physical id; ir.PhysNone leaves the choice
	// to the allocator.
	UseID, OutID int
	// RefCount counts appearances of the virtual in this instruction.
	RefCount byte
	// ConsecutiveCount is the run length requested by a lead operand.
	ConsecutiveCount byte
	// opIndexes records which operand slots to rewrite on assignment.
	opIndexes []opRef
}

// opRef locates one register reference inside an operand list.
type opRef struct {
	op int
	// 0 = Operand.Reg, 1 = Mem.Base, 2 = Mem.Index.
	part byte
}
