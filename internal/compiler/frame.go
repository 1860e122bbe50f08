package compiler

import (
	"github.com/forgejit/forge/internal/asm"
	"github.com/forgejit/forge/internal/asm/amd64"
	"github.com/forgejit/forge/internal/asm/arm64"
	"github.com/forgejit/forge/internal/ir"
)

// emitFrame materializes the prologue after the function node and an
// epilogue at every return, then rewrites the frame pseudo bases now that
// the layout is final.
func (c *Compiler) emitFrame(fnNode ir.NodeID, fd *ir.FuncData) error {
	frame := fd.Frame
	if !frame.Finalized() {
		if err := frame.Finalize(); err != nil {
			return err
		}
	}
	if c.Arch == asm.ArchARM64 {
		c.emitPrologueARM64(fnNode, fd)
	} else {
		c.emitPrologueAMD64(fnNode, fd)
	}

	// Epilogues: every FuncRet becomes epilogue + ret.
	nodes := c.Builder.Nodes
	for id := nodes.Get(fnNode).Next(); id != fd.End; {
		n := nodes.Get(id)
		next := n.Next()
		if n.Kind == ir.NodeFuncRet {
			if c.Arch == asm.ArchARM64 {
				c.emitEpilogueARM64(id, fd)
			} else {
				c.emitEpilogueAMD64(id, fd)
			}
		}
		id = next
	}

	c.rewriteFrameBases(fnNode, fd)
	return nil
}

func (c *Compiler) insertAfter(ref ir.NodeID, inst asm.InstID, ops ...asm.Operand) ir.NodeID {
	id := c.Builder.Nodes.Alloc(ir.NodeInst)
	n := c.Builder.Nodes.Get(id)
	n.Inst = inst
	n.Ops = ops
	c.Builder.Nodes.InsertAfter(id, ref)
	return id
}

func (c *Compiler) insertBefore(ref ir.NodeID, inst asm.InstID, ops ...asm.Operand) ir.NodeID {
	id := c.Builder.Nodes.Alloc(ir.NodeInst)
	n := c.Builder.Nodes.Get(id)
	n.Inst = inst
	n.Ops = ops
	c.Builder.Nodes.InsertBefore(id, ref)
	return id
}

func (c *Compiler) emitPrologueAMD64(fnNode ir.NodeID, fd *ir.FuncData) {
	frame := fd.Frame
	cur := fnNode
	if frame.PreservedFP {
		cur = c.insertAfter(cur, amd64.InstPush, asm.RegOperand(amd64.RBP))
		cur = c.insertAfter(cur, amd64.InstMov, asm.RegOperand(amd64.RBP), asm.RegOperand(amd64.RSP))
	}
	frame.PreservedToSave(asm.RegGroupGP).Range(func(id int) {
		cur = c.insertAfter(cur, amd64.InstPush, asm.RegOperand(asm.NewReg(asm.RegTypeGP64, id)))
	})
	if adj := frame.StackAdjust(); adj > 0 {
		cur = c.insertAfter(cur, amd64.InstSub, asm.RegOperand(amd64.RSP), asm.ImmOperand(int64(adj)))
	}
	slot := int32(frame.VecSaveBase())
	frame.PreservedToSave(asm.RegGroupVec).Range(func(id int) {
		mem := asm.Mem{Base: amd64.RSP, Disp: slot, Size: 16}
		cur = c.insertAfter(cur, amd64.InstMovups, asm.MemOperand(mem),
			asm.RegOperand(asm.NewReg(asm.RegTypeVec128, id)))
		slot += 16
	})
}

// emitEpilogueAMD64 expands a FuncRet node in place: the exact reverse of
// the prologue followed by ret (or ret imm16 when the callee pops its
// stack arguments).
func (c *Compiler) emitEpilogueAMD64(retNode ir.NodeID, fd *ir.FuncData) {
	frame := fd.Frame
	slot := int32(frame.VecSaveBase())
	frame.PreservedToSave(asm.RegGroupVec).Range(func(id int) {
		mem := asm.Mem{Base: amd64.RSP, Disp: slot, Size: 16}
		c.insertBefore(retNode, amd64.InstMovups,
			asm.RegOperand(asm.NewReg(asm.RegTypeVec128, id)), asm.MemOperand(mem))
		slot += 16
	})
	if adj := frame.StackAdjust(); adj > 0 {
		c.insertBefore(retNode, amd64.InstAdd, asm.RegOperand(amd64.RSP), asm.ImmOperand(int64(adj)))
	}
	// Pops in descending id order, mirroring the pushes.
	var saved []int
	frame.PreservedToSave(asm.RegGroupGP).Range(func(id int) { saved = append(saved, id) })
	for i := len(saved) - 1; i >= 0; i-- {
		c.insertBefore(retNode, amd64.InstPop, asm.RegOperand(asm.NewReg(asm.RegTypeGP64, saved[i])))
	}
	if frame.PreservedFP {
		c.insertBefore(retNode, amd64.InstPop, asm.RegOperand(amd64.RBP))
	}

	n := c.Builder.Nodes.Get(retNode)
	n.Kind = ir.NodeInst
	n.Inst = amd64.InstRet
	if frame.CC.CalleePopsStack && fd.Detail.StackArgSize > 0 {
		n.Ops = []asm.Operand{asm.ImmOperand(int64(fd.Detail.StackArgSize))}
	} else {
		n.Ops = nil
	}
}

func (c *Compiler) emitPrologueARM64(fnNode ir.NodeID, fd *ir.FuncData) {
	frame := fd.Frame
	cur := fnNode
	if frame.PreservedFP {
		cur = c.insertAfter(cur, arm64.InstStp,
			asm.RegOperand(arm64.X29), asm.RegOperand(arm64.X30),
			asm.MemOperand(asm.Mem{Base: arm64.SP, Disp: -16}))
		cur = c.insertAfter(cur, arm64.InstMov, asm.RegOperand(arm64.X29), asm.RegOperand(arm64.SP))
	}
	for adj := frame.StackAdjust(); adj > 0; {
		chunk := adj
		if chunk > 0xfff {
			chunk = 0xff0
		}
		cur = c.insertAfter(cur, arm64.InstSub,
			asm.RegOperand(arm64.SP), asm.RegOperand(arm64.SP), asm.ImmOperand(int64(chunk)))
		adj -= chunk
	}
	slot := int32(frame.GPSaveBase())
	frame.PreservedToSave(asm.RegGroupGP).Range(func(id int) {
		mem := asm.Mem{Base: arm64.SP, Disp: slot, Size: 8}
		cur = c.insertAfter(cur, arm64.InstStr,
			asm.RegOperand(asm.NewReg(asm.RegTypeGP64, id)), asm.MemOperand(mem))
		slot += 8
	})
	slot = int32(frame.VecSaveBase())
	frame.PreservedToSave(asm.RegGroupVec).Range(func(id int) {
		mem := asm.Mem{Base: arm64.SP, Disp: slot, Size: 16}
		cur = c.insertAfter(cur, arm64.InstStrQ,
			asm.RegOperand(asm.NewReg(asm.RegTypeVec128, id)), asm.MemOperand(mem))
		slot += 16
	})
}

func (c *Compiler) emitEpilogueARM64(retNode ir.NodeID, fd *ir.FuncData) {
	frame := fd.Frame
	slot := int32(frame.VecSaveBase())
	frame.PreservedToSave(asm.RegGroupVec).Range(func(id int) {
		mem := asm.Mem{Base: arm64.SP, Disp: slot, Size: 16}
		c.insertBefore(retNode, arm64.InstLdrQ,
			asm.RegOperand(asm.NewReg(asm.RegTypeVec128, id)), asm.MemOperand(mem))
		slot += 16
	})
	slot = int32(frame.GPSaveBase())
	frame.PreservedToSave(asm.RegGroupGP).Range(func(id int) {
		mem := asm.Mem{Base: arm64.SP, Disp: slot, Size: 8}
		c.insertBefore(retNode, arm64.InstLdr,
			asm.RegOperand(asm.NewReg(asm.RegTypeGP64, id)), asm.MemOperand(mem))
		slot += 8
	})
	for adj := frame.StackAdjust(); adj > 0; {
		chunk := adj
		if chunk > 0xfff {
			chunk = 0xff0
		}
		c.insertBefore(retNode, arm64.InstAdd,
			asm.RegOperand(arm64.SP), asm.RegOperand(arm64.SP), asm.ImmOperand(int64(chunk)))
		adj -= chunk
	}
	if frame.PreservedFP {
		c.insertBefore(retNode, arm64.InstLdp,
			asm.RegOperand(arm64.X29), asm.RegOperand(arm64.X30),
			asm.MemOperand(asm.Mem{Base: arm64.SP, Disp: 16}))
	}
	n := c.Builder.Nodes.Get(retNode)
	n.Kind = ir.NodeInst
	n.Inst = arm64.InstRet
	n.Ops = nil
}

// rewriteFrameBases resolves the pseudo frame bases to SP-relative
// addresses using the finalized layout.
func (c *Compiler) rewriteFrameBases(fnNode ir.NodeID, fd *ir.FuncData) {
	frame := fd.Frame
	sp := amd64.RSP
	if c.Arch == asm.ArchARM64 {
		sp = arm64.SP
	}
	nodes := c.Builder.Nodes
	for id := nodes.Get(fnNode).Next(); id != fd.End; id = nodes.Get(id).Next() {
		n := nodes.Get(id)
		if n.Kind != ir.NodeInst {
			continue
		}
		for i := range n.Ops {
			op := &n.Ops[i]
			if op.Kind != asm.OperandMem || !asm.IsFramePseudo(op.Mem.Base) {
				continue
			}
			switch op.Mem.Base {
			case asm.FrameSlotBase:
				op.Mem.Disp += int32(frame.SpillBase())
			case asm.FrameArgBase:
				op.Mem.Disp += int32(frame.ArgBaseDepth())
			}
			op.Mem.Base = sp
		}
	}
}
