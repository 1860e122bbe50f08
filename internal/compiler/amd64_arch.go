package compiler

import (
	"github.com/forgejit/forge/internal/abi"
	"github.com/forgejit/forge/internal/asm"
	"github.com/forgejit/forge/internal/asm/amd64"
	"github.com/forgejit/forge/internal/ir"
	"github.com/forgejit/forge/internal/regalloc"
)

// amd64Ops supplies the allocator's view of x86-64.
type amd64Ops struct {
	cc          *abi.CallConv
	preservedFP bool
}

func newAMD64Ops(cc *abi.CallConv, preservedFP bool) *amd64Ops {
	return &amd64Ops{cc: cc, preservedFP: preservedFP}
}

func (o *amd64Ops) Allocatable(g asm.RegGroup) asm.RegMask {
	switch g {
	case asm.RegGroupGP:
		m := asm.MaskUpTo(16).
			Remove(amd64.RegIDSp).
			Remove(amd64.RegIDR10).
			Remove(amd64.RegIDR11)
		if o.preservedFP {
			m = m.Remove(amd64.RegIDBp)
		}
		return m
	case asm.RegGroupVec:
		return asm.MaskUpTo(16)
	case asm.RegGroupMask:
		return asm.MaskUpTo(8).Remove(0)
	}
	return 0
}

func (o *amd64Ops) Preferred(g asm.RegGroup) asm.RegMask {
	return o.Allocatable(g) &^ o.cc.Preserved[g]
}

func (o *amd64Ops) Scratch(g asm.RegGroup) [2]int {
	if g == asm.RegGroupGP {
		return amd64.ScratchGP()
	}
	return [2]int{-1, -1}
}

func (o *amd64Ops) IsMov(n *ir.Node) bool {
	if n.Kind != ir.NodeInst || len(n.Ops) != 2 {
		return false
	}
	switch n.Inst {
	case amd64.InstMov, amd64.InstMovups, amd64.InstMovaps,
		amd64.InstMovdqu, amd64.InstMovdqa, amd64.InstMovss, amd64.InstMovsd,
		amd64.InstVmovups, amd64.InstVmovdqu:
		return n.Ops[0].Kind == asm.OperandReg && n.Ops[1].Kind == asm.OperandReg
	}
	return false
}

func (o *amd64Ops) BranchTarget(n *ir.Node) (asm.LabelID, bool, bool) {
	if n.Kind != ir.NodeInst || len(n.Ops) != 1 || n.Ops[0].Kind != asm.OperandLabel {
		return 0, false, false
	}
	switch n.Inst {
	case amd64.InstJmp:
		return n.Ops[0].Label, false, true
	case amd64.InstJe, amd64.InstJne, amd64.InstJl, amd64.InstJle,
		amd64.InstJg, amd64.InstJge, amd64.InstJb, amd64.InstJbe,
		amd64.InstJa, amd64.InstJae, amd64.InstJz, amd64.InstJnz:
		return n.Ops[0].Label, true, true
	}
	return 0, false, false
}

func (o *amd64Ops) IsTerminator(n *ir.Node) bool {
	if n.Kind != ir.NodeInst {
		return false
	}
	switch n.Inst {
	case amd64.InstJmp, amd64.InstRet, amd64.InstUd2:
		return true
	}
	return false
}

func (o *amd64Ops) OperandActions(n *ir.Node) []regalloc.OpAction {
	switch n.Inst {
	case amd64.InstMov, amd64.InstMovzx, amd64.InstLea, amd64.InstMovq,
		amd64.InstMovups, amd64.InstMovaps, amd64.InstMovdqu, amd64.InstMovdqa,
		amd64.InstMovss, amd64.InstMovsd, amd64.InstVmovups, amd64.InstVmovdqu,
		amd64.InstPop:
		return []regalloc.OpAction{regalloc.OpOut, regalloc.OpUse}
	case amd64.InstAdd, amd64.InstSub, amd64.InstAnd, amd64.InstOr,
		amd64.InstXor, amd64.InstImul, amd64.InstShl, amd64.InstShr,
		amd64.InstSar, amd64.InstAddps, amd64.InstAddss, amd64.InstAddsd,
		amd64.InstPxor:
		return []regalloc.OpAction{regalloc.OpUseOut, regalloc.OpUse}
	case amd64.InstCmp, amd64.InstTest:
		return []regalloc.OpAction{regalloc.OpUse, regalloc.OpUse}
	case amd64.InstInc, amd64.InstDec, amd64.InstNeg, amd64.InstNot:
		return []regalloc.OpAction{regalloc.OpUseOut}
	case amd64.InstXchg:
		return []regalloc.OpAction{regalloc.OpUseOut, regalloc.OpUseOut}
	case amd64.InstVaddps, amd64.InstVpxor:
		return []regalloc.OpAction{regalloc.OpOut, regalloc.OpUse, regalloc.OpUse}
	case amd64.InstVfmadd231sd:
		return []regalloc.OpAction{regalloc.OpUseOut, regalloc.OpUse, regalloc.OpUse}
	default:
		return []regalloc.OpAction{regalloc.OpUse, regalloc.OpUse, regalloc.OpUse, regalloc.OpUse}
	}
}

func (o *amd64Ops) Clobbers(n *ir.Node) [asm.RegGroupCount]asm.RegMask {
	var c [asm.RegGroupCount]asm.RegMask
	if n.Kind != ir.NodeInst {
		return c
	}
	switch n.Inst {
	case amd64.InstCall:
		for g := asm.RegGroup(0); g < asm.RegGroupCount; g++ {
			c[g] = o.Allocatable(g) &^ o.cc.Preserved[g]
		}
	case amd64.InstCqo:
		c[asm.RegGroupGP] = asm.RegMask(0).Add(amd64.RegIDDx)
	}
	return c
}

func (o *amd64Ops) MoveInst(t asm.RegType) asm.InstID {
	switch t {
	case asm.RegTypeVec128:
		return amd64.InstMovups
	case asm.RegTypeVec256:
		return amd64.InstVmovups
	default:
		return amd64.InstMov
	}
}

func (o *amd64Ops) SwapInst(g asm.RegGroup) (asm.InstID, bool) {
	if g == asm.RegGroupGP {
		return amd64.InstXchg, true
	}
	return 0, false
}

func (o *amd64Ops) VecXor() (asm.InstID, bool) {
	return amd64.InstVpxor, true
}

func (o *amd64Ops) SpillLoad(dst asm.Reg, slot asm.Mem) (asm.InstID, []asm.Operand) {
	return o.MoveInst(dst.Type()), []asm.Operand{asm.RegOperand(dst), asm.MemOperand(slot)}
}

func (o *amd64Ops) SpillStore(slot asm.Mem, src asm.Reg) (asm.InstID, []asm.Operand) {
	return o.MoveInst(src.Type()), []asm.Operand{asm.MemOperand(slot), asm.RegOperand(src)}
}

func (o *amd64Ops) SpillSlotMem(offset int32, size byte) asm.Mem {
	return asm.Mem{Base: asm.FrameSlotBase, Disp: offset, Size: size}
}
