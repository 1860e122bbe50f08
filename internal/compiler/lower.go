package compiler

import (
	"fmt"

	"github.com/forgejit/forge/internal/abi"
	"github.com/forgejit/forge/internal/asm"
	"github.com/forgejit/forge/internal/asm/amd64"
	"github.com/forgejit/forge/internal/asm/arm64"
	"github.com/forgejit/forge/internal/coderr"
	"github.com/forgejit/forge/internal/ir"
)

// lowerer rewrites the ABI-level nodes of one function (argument intake,
// invokes, returns) into concrete instructions, leaving only virtual
// register references for the allocator to resolve.
type lowerer struct {
	c  *Compiler
	b  *ir.Builder
	fn *ir.FuncData
}

func (l *lowerer) nodes() *ir.List { return l.b.Nodes }

func (l *lowerer) insertAfter(ref ir.NodeID, inst asm.InstID, ops ...asm.Operand) ir.NodeID {
	id := l.nodes().Alloc(ir.NodeInst)
	n := l.nodes().Get(id)
	n.Inst = inst
	n.Ops = ops
	l.nodes().InsertAfter(id, ref)
	return id
}

func (l *lowerer) insertBefore(ref ir.NodeID, inst asm.InstID, ops ...asm.Operand) ir.NodeID {
	id := l.nodes().Alloc(ir.NodeInst)
	n := l.nodes().Get(id)
	n.Inst = inst
	n.Ops = ops
	l.nodes().InsertBefore(id, ref)
	return id
}

// run lowers the whole function body.
func (l *lowerer) run(fnNode ir.NodeID) error {
	l.lowerEntry(fnNode)
	for id := l.nodes().Get(fnNode).Next(); id != l.fn.End; {
		n := l.nodes().Get(id)
		next := n.Next()
		switch n.Kind {
		case ir.NodeInvoke:
			if err := l.lowerInvoke(id, n); err != nil {
				return err
			}
		case ir.NodeFuncRet:
			if err := l.lowerRet(id, n); err != nil {
				return err
			}
		}
		id = next
	}
	return nil
}

// lowerEntry emits the argument intake right after the function node:
// register arguments are copied into their virtual registers (the mov is
// a coalescing candidate, so in the common case it disappears), stack
// arguments are loaded relative to the frame-argument pseudo base.
func (l *lowerer) lowerEntry(fnNode ir.NodeID) {
	cursor := fnNode
	for i, vreg := range l.fn.Args {
		v := l.fn.Detail.Args[i]
		switch v.Kind {
		case abi.FuncValueReg:
			src := asm.NewReg(v.RegType, v.RegID)
			cursor = l.insertAfter(cursor, l.moveFor(vreg.Type()),
				asm.RegOperand(vreg), asm.RegOperand(src))
		case abi.FuncValueStack:
			mem := asm.Mem{
				Base: asm.FrameArgBase,
				Disp: int32(v.StackOffset),
				Size: byte(v.Type.Size()),
			}
			inst, ops := l.loadFor(vreg, mem)
			cursor = l.insertAfter(cursor, inst, ops...)
		}
	}
}

func (l *lowerer) moveFor(t asm.RegType) asm.InstID {
	if l.c.Arch == asm.ArchARM64 {
		if t.Group() == asm.RegGroupVec {
			return arm64.InstMovVec
		}
		return arm64.InstMov
	}
	switch t {
	case asm.RegTypeVec128:
		return amd64.InstMovups
	case asm.RegTypeVec256:
		return amd64.InstVmovups
	default:
		return amd64.InstMov
	}
}

func (l *lowerer) loadFor(dst asm.Reg, mem asm.Mem) (asm.InstID, []asm.Operand) {
	if l.c.Arch == asm.ArchARM64 {
		inst := arm64.InstLdr
		if dst.Group() == asm.RegGroupVec {
			inst = arm64.InstLdrQ
		}
		return inst, []asm.Operand{asm.RegOperand(dst), asm.MemOperand(mem)}
	}
	return l.moveFor(dst.Type()), []asm.Operand{asm.RegOperand(dst), asm.MemOperand(mem)}
}

func (l *lowerer) storeFor(mem asm.Mem, src asm.Reg) (asm.InstID, []asm.Operand) {
	if l.c.Arch == asm.ArchARM64 {
		inst := arm64.InstStr
		if src.Group() == asm.RegGroupVec {
			inst = arm64.InstStrQ
		}
		return inst, []asm.Operand{asm.RegOperand(src), asm.MemOperand(mem)}
	}
	return l.moveFor(src.Type()), []asm.Operand{asm.MemOperand(mem), asm.RegOperand(src)}
}

// scratchReg returns the second pipeline scratch register (r11 / x17) as
// a 64-bit handle.
func (l *lowerer) scratchReg() asm.Reg {
	if l.c.Arch == asm.ArchARM64 {
		return arm64.X17
	}
	return amd64.R11
}

func (l *lowerer) spReg() asm.Reg {
	if l.c.Arch == asm.ArchARM64 {
		return arm64.SP
	}
	return amd64.RSP
}

// lowerInvoke expands a call site: stack-argument stores, the pre-call
// register moves, the call itself, and the return-value move. Outgoing
// stack arguments live in the frame's reserved call-argument area, so the
// stack pointer never moves at the call site.
func (l *lowerer) lowerInvoke(id ir.NodeID, n *ir.Node) error {
	inv := n.Invoke
	d := &inv.Detail
	frame := l.fn.Frame
	frame.GrowCallArgsSize(d.StackArgSizeAligned())

	cursor := id // insert everything before the invoke node, in order
	emit := func(inst asm.InstID, ops ...asm.Operand) {
		l.insertBefore(cursor, inst, ops...)
	}

	// Stack-passed arguments first: they only read sources.
	for i, v := range d.Args {
		if v.Kind != abi.FuncValueStack {
			continue
		}
		off := int32(d.CC.ShadowSpaceSize + v.StackOffset)
		dst := asm.Mem{Base: l.spReg(), Disp: off, Size: byte(v.Type.Size())}
		if err := l.storeArg(emit, dst, inv.Args[i], v); err != nil {
			return err
		}
	}

	// Register arguments: physical-source moves form a parallel set and
	// go first; virtual sources rely on the allocator to keep their
	// values safe; immediates write last so nothing reads a clobbered
	// register after them.
	type pendingMove struct {
		dst asm.Reg
		src asm.Operand
	}
	var physMoves, virtMoves, immMoves []pendingMove
	for i, v := range d.Args {
		if v.Kind != abi.FuncValueReg {
			continue
		}
		dst := asm.NewReg(v.RegType, v.RegID)
		src := inv.Args[i]
		switch {
		case src.Kind == asm.OperandReg && !src.Reg.IsVirtual():
			physMoves = append(physMoves, pendingMove{dst, src})
		case src.Kind == asm.OperandImm:
			immMoves = append(immMoves, pendingMove{dst, src})
		default:
			virtMoves = append(virtMoves, pendingMove{dst, src})
		}
	}
	// Physical-source parallel set: emit any move whose destination no
	// pending source reads; break cycles through the scratch register.
	for len(physMoves) > 0 {
		progress := false
		for i := 0; i < len(physMoves); i++ {
			m := physMoves[i]
			hazard := false
			for j, o := range physMoves {
				if j != i && o.src.Reg.ID() == m.dst.ID() && o.src.Reg.Group() == m.dst.Group() {
					hazard = true
					break
				}
			}
			if hazard {
				continue
			}
			emit(l.moveFor(m.dst.Type()), asm.RegOperand(m.dst), m.src)
			physMoves = append(physMoves[:i], physMoves[i+1:]...)
			i--
			progress = true
		}
		if !progress && len(physMoves) > 0 {
			m := physMoves[0]
			sc := l.scratchReg().WithType(m.dst.Type())
			emit(l.moveFor(m.dst.Type()), asm.RegOperand(sc), asm.RegOperand(m.dst))
			for i := range physMoves {
				if physMoves[i].src.Reg.ID() == m.dst.ID() && physMoves[i].src.Reg.Group() == m.dst.Group() {
					physMoves[i].src = asm.RegOperand(sc)
				}
			}
		}
	}
	for _, m := range virtMoves {
		if m.src.Kind == asm.OperandReg || m.src.Kind == asm.OperandMem {
			emit(l.moveFor(m.dst.Type()), asm.RegOperand(m.dst), m.src)
			continue
		}
		return fmt.Errorf("argument operand %s: %w", m.src.Kind, coderr.ErrInvalidArgument)
	}
	for _, m := range immMoves {
		if m.dst.Group() == asm.RegGroupVec {
			if err := l.materializeVecImm(emit, m.dst, m.src.Imm); err != nil {
				return err
			}
			continue
		}
		if err := l.emitMovImm(emit, m.dst, m.src.Imm); err != nil {
			return err
		}
	}

	// The call.
	if err := l.emitCall(emit, inv.Target); err != nil {
		return err
	}

	// Return-value move.
	if inv.Ret.IsValid() {
		ret := d.Ret
		src := asm.NewReg(ret.RegType, ret.RegID)
		l.insertAfter(id, l.moveFor(inv.Ret.Type()), asm.RegOperand(inv.Ret), asm.RegOperand(src))
	}

	// The invoke node itself is replaced by the emitted sequence; turn it
	// into the nothing it now is.
	l.nodes().Remove(id)
	return nil
}

func (l *lowerer) storeArg(emit func(asm.InstID, ...asm.Operand), dst asm.Mem, src asm.Operand, v abi.FuncValue) error {
	switch src.Kind {
	case asm.OperandReg:
		inst, ops := l.storeFor(dst, src.Reg)
		emit(inst, ops...)
	case asm.OperandImm:
		sc := l.scratchReg()
		if err := l.emitMovImm(emit, sc, src.Imm); err != nil {
			return err
		}
		inst, ops := l.storeFor(dst, sc)
		emit(inst, ops...)
	case asm.OperandMem:
		sc := l.scratchReg()
		inst, ops := l.loadFor(sc, src.Mem)
		emit(inst, ops...)
		inst, ops = l.storeFor(dst, sc)
		emit(inst, ops...)
	default:
		return fmt.Errorf("stack argument operand %s: %w", src.Kind, coderr.ErrInvalidArgument)
	}
	return nil
}

func (l *lowerer) emitMovImm(emit func(asm.InstID, ...asm.Operand), dst asm.Reg, imm int64) error {
	if l.c.Arch == asm.ArchARM64 {
		emit(arm64.InstMov, asm.RegOperand(dst), asm.ImmOperand(imm))
		return nil
	}
	emit(amd64.InstMov, asm.RegOperand(dst), asm.ImmOperand(imm))
	return nil
}

// materializeVecImm routes a float immediate into a vector argument
// register through a 16-byte stack scratch slot filled qword by qword
// with the gp scratch register.
func (l *lowerer) materializeVecImm(emit func(asm.InstID, ...asm.Operand), dst asm.Reg, bits int64) error {
	slotOff := int32(l.fn.Frame.AllocSpillSlot(16, 16))
	slot := asm.Mem{Base: asm.FrameSlotBase, Disp: slotOff, Size: 16}
	sc := l.scratchReg()
	if err := l.emitMovImm(emit, sc, bits); err != nil {
		return err
	}
	inst, ops := l.storeFor(slot.WithSize(8), sc)
	emit(inst, ops...)
	if err := l.emitMovImm(emit, sc, 0); err != nil {
		return err
	}
	inst, ops = l.storeFor(slot.WithOffset(8).WithSize(8), sc)
	emit(inst, ops...)
	inst, ops = l.loadFor(dst, slot)
	emit(inst, ops...)
	return nil
}

func (l *lowerer) emitCall(emit func(asm.InstID, ...asm.Operand), target asm.Operand) error {
	if l.c.Arch == asm.ArchARM64 {
		switch target.Kind {
		case asm.OperandLabel:
			emit(arm64.InstBl, target)
		case asm.OperandReg:
			emit(arm64.InstBlr, target)
		case asm.OperandImm:
			sc := l.scratchReg()
			if err := l.emitMovImm(emit, sc, target.Imm); err != nil {
				return err
			}
			emit(arm64.InstBlr, asm.RegOperand(sc))
		default:
			return fmt.Errorf("call target %s: %w", target.Kind, coderr.ErrInvalidArgument)
		}
		return nil
	}
	switch target.Kind {
	case asm.OperandLabel, asm.OperandReg, asm.OperandImm, asm.OperandMem:
		emit(amd64.InstCall, target)
	default:
		return fmt.Errorf("call target %s: %w", target.Kind, coderr.ErrInvalidArgument)
	}
	return nil
}

// lowerRet moves the returned value into the ABI return register. The
// FuncRet node itself stays; the frame emitter replaces it with the
// epilogue once the final layout is known.
func (l *lowerer) lowerRet(id ir.NodeID, n *ir.Node) error {
	ret := l.fn.Detail.Ret
	if ret.Kind == abi.FuncValueNone {
		if len(n.Ops) != 0 {
			return fmt.Errorf("return value for void function: %w", coderr.ErrInvalidArgument)
		}
		return nil
	}
	if len(n.Ops) != 1 {
		return fmt.Errorf("%d return operands: %w", len(n.Ops), coderr.ErrInvalidArgument)
	}
	dst := asm.NewReg(ret.RegType, ret.RegID)
	src := n.Ops[0]
	switch src.Kind {
	case asm.OperandReg, asm.OperandMem:
		l.insertBefore(id, l.moveFor(dst.Type()), asm.RegOperand(dst), src)
	case asm.OperandImm:
		emit := func(inst asm.InstID, ops ...asm.Operand) { l.insertBefore(id, inst, ops...) }
		if err := l.emitMovImm(emit, dst, src.Imm); err != nil {
			return err
		}
	default:
		return fmt.Errorf("return operand %s: %w", src.Kind, coderr.ErrInvalidArgument)
	}
	n.Ops = nil
	return nil
}
