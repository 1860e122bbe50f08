package compiler

import (
	"github.com/forgejit/forge/internal/abi"
	"github.com/forgejit/forge/internal/asm"
	"github.com/forgejit/forge/internal/asm/arm64"
	"github.com/forgejit/forge/internal/ir"
	"github.com/forgejit/forge/internal/regalloc"
)

// arm64Ops supplies the allocator's view of AArch64.
type arm64Ops struct {
	cc *abi.CallConv
}

func newARM64Ops(cc *abi.CallConv) *arm64Ops {
	return &arm64Ops{cc: cc}
}

func (o *arm64Ops) Allocatable(g asm.RegGroup) asm.RegMask {
	switch g {
	case asm.RegGroupGP:
		// x16/x17 are the pipeline scratch pair, x18 the platform
		// register, x29/x30 frame and link, x31 is SP.
		return asm.MaskUpTo(29).
			Remove(16).Remove(17).Remove(18)
	case asm.RegGroupVec:
		return asm.MaskUpTo(32)
	}
	return 0
}

func (o *arm64Ops) Preferred(g asm.RegGroup) asm.RegMask {
	return o.Allocatable(g) &^ o.cc.Preserved[g]
}

func (o *arm64Ops) Scratch(g asm.RegGroup) [2]int {
	if g == asm.RegGroupGP {
		return arm64.ScratchGP()
	}
	return [2]int{-1, -1}
}

func (o *arm64Ops) IsMov(n *ir.Node) bool {
	if n.Kind != ir.NodeInst || len(n.Ops) != 2 {
		return false
	}
	switch n.Inst {
	case arm64.InstMov, arm64.InstMovVec:
		return n.Ops[0].Kind == asm.OperandReg && n.Ops[1].Kind == asm.OperandReg
	}
	return false
}

func (o *arm64Ops) BranchTarget(n *ir.Node) (asm.LabelID, bool, bool) {
	if n.Kind != ir.NodeInst {
		return 0, false, false
	}
	switch n.Inst {
	case arm64.InstB:
		if len(n.Ops) == 1 && n.Ops[0].Kind == asm.OperandLabel {
			return n.Ops[0].Label, false, true
		}
	case arm64.InstBEq, arm64.InstBNe, arm64.InstBLt, arm64.InstBLe,
		arm64.InstBGt, arm64.InstBGe, arm64.InstBLo, arm64.InstBLs,
		arm64.InstBHi, arm64.InstBHs:
		if len(n.Ops) == 1 && n.Ops[0].Kind == asm.OperandLabel {
			return n.Ops[0].Label, true, true
		}
	case arm64.InstCbz, arm64.InstCbnz:
		if len(n.Ops) == 2 && n.Ops[1].Kind == asm.OperandLabel {
			return n.Ops[1].Label, true, true
		}
	}
	return 0, false, false
}

func (o *arm64Ops) IsTerminator(n *ir.Node) bool {
	if n.Kind != ir.NodeInst {
		return false
	}
	switch n.Inst {
	case arm64.InstB, arm64.InstBr, arm64.InstRet:
		return true
	}
	return false
}

func (o *arm64Ops) OperandActions(n *ir.Node) []regalloc.OpAction {
	switch n.Inst {
	case arm64.InstMov, arm64.InstMovVec, arm64.InstLdr, arm64.InstLdrb,
		arm64.InstLdrQ, arm64.InstAdr:
		return []regalloc.OpAction{regalloc.OpOut, regalloc.OpUse}
	case arm64.InstAdd, arm64.InstSub, arm64.InstMul, arm64.InstAnd,
		arm64.InstOrr, arm64.InstEor, arm64.InstLsl, arm64.InstLsr,
		arm64.InstAsr, arm64.InstEorVec, arm64.InstFadd4S:
		return []regalloc.OpAction{regalloc.OpOut, regalloc.OpUse, regalloc.OpUse}
	case arm64.InstCmp, arm64.InstStr, arm64.InstStrb, arm64.InstStrQ,
		arm64.InstCbz, arm64.InstCbnz:
		return []regalloc.OpAction{regalloc.OpUse, regalloc.OpUse}
	case arm64.InstStp:
		return []regalloc.OpAction{regalloc.OpUse, regalloc.OpUse, regalloc.OpUse}
	case arm64.InstLdp:
		return []regalloc.OpAction{regalloc.OpOut, regalloc.OpOut, regalloc.OpUse}
	default:
		return []regalloc.OpAction{regalloc.OpUse, regalloc.OpUse, regalloc.OpUse}
	}
}

func (o *arm64Ops) Clobbers(n *ir.Node) [asm.RegGroupCount]asm.RegMask {
	var c [asm.RegGroupCount]asm.RegMask
	if n.Kind != ir.NodeInst {
		return c
	}
	switch n.Inst {
	case arm64.InstBl, arm64.InstBlr:
		for g := asm.RegGroup(0); g < asm.RegGroupCount; g++ {
			c[g] = o.Allocatable(g) &^ o.cc.Preserved[g]
		}
	}
	return c
}

func (o *arm64Ops) MoveInst(t asm.RegType) asm.InstID {
	switch t.Group() {
	case asm.RegGroupVec:
		return arm64.InstMovVec
	default:
		return arm64.InstMov
	}
}

func (o *arm64Ops) SwapInst(asm.RegGroup) (asm.InstID, bool) {
	return 0, false
}

func (o *arm64Ops) VecXor() (asm.InstID, bool) {
	return arm64.InstEorVec, true
}

func (o *arm64Ops) SpillLoad(dst asm.Reg, slot asm.Mem) (asm.InstID, []asm.Operand) {
	inst := arm64.InstLdr
	if dst.Group() == asm.RegGroupVec {
		inst = arm64.InstLdrQ
	}
	return inst, []asm.Operand{asm.RegOperand(dst), asm.MemOperand(slot)}
}

func (o *arm64Ops) SpillStore(slot asm.Mem, src asm.Reg) (asm.InstID, []asm.Operand) {
	inst := arm64.InstStr
	if src.Group() == asm.RegGroupVec {
		inst = arm64.InstStrQ
	}
	return inst, []asm.Operand{asm.RegOperand(src), asm.MemOperand(slot)}
}

func (o *arm64Ops) SpillSlotMem(offset int32, size byte) asm.Mem {
	return asm.Mem{Base: asm.FrameSlotBase, Disp: offset, Size: size}
}
