package amd64

import (
	"fmt"

	"github.com/forgejit/forge/internal/asm"
	"github.com/forgejit/forge/internal/coderr"
	"github.com/forgejit/forge/internal/ir"
)

// Encoder serializes instruction nodes into the .text section of a code
// holder. Operands must be fully physical; encountering a virtual register
// here means the allocator did not run and is an ErrInvalidState.
type Encoder struct {
	ch  *asm.CodeHolder
	sec *asm.Section
}

// NewEncoder returns an encoder targeting the holder's text section.
func NewEncoder(ch *asm.CodeHolder) *Encoder {
	return &Encoder{ch: ch, sec: ch.Text()}
}

func (e *Encoder) buf() *asm.Buffer { return &e.sec.Buf }

// Encode emits one instruction node.
func (e *Encoder) Encode(n *ir.Node) error {
	for _, op := range n.Ops {
		if op.Kind == asm.OperandReg && op.Reg.IsVirtual() {
			return fmt.Errorf("virtual operand %s reached encoder: %w", op.Reg, coderr.ErrInvalidState)
		}
		if op.Kind == asm.OperandMem && (op.Mem.Base.IsVirtual() || op.Mem.Index.IsVirtual()) {
			return fmt.Errorf("virtual memory operand %s reached encoder: %w", op.Mem, coderr.ErrInvalidState)
		}
	}
	switch n.Inst {
	case InstNop:
		e.buf().EmitByte(0x90)
	case InstUd2:
		e.buf().Emit([]byte{0x0f, 0x0b})
	case InstCqo:
		e.buf().Emit([]byte{0x48, 0x99})
	case InstRet:
		return e.encodeRet(n)
	case InstAdd, InstSub, InstAnd, InstOr, InstXor, InstCmp:
		return e.encodeArith(n)
	case InstTest:
		return e.encodeTest(n)
	case InstMov:
		return e.encodeMov(n)
	case InstMovzx:
		return e.encodeMovzx(n)
	case InstLea:
		return e.encodeLea(n)
	case InstImul:
		return e.encodeImul(n)
	case InstInc, InstDec, InstNeg, InstNot:
		return e.encodeUnary(n)
	case InstShl, InstShr, InstSar:
		return e.encodeShift(n)
	case InstPush, InstPop:
		return e.encodePushPop(n)
	case InstXchg:
		return e.encodeXchg(n)
	case InstJmp, InstJe, InstJne, InstJl, InstJle, InstJg, InstJge,
		InstJb, InstJbe, InstJa, InstJae, InstJz, InstJnz:
		return e.encodeBranch(n)
	case InstCall:
		return e.encodeCall(n)
	case InstMovups, InstMovaps, InstMovdqu, InstMovdqa, InstMovss, InstMovsd:
		return e.encodeVecMov(n)
	case InstMovq:
		return e.encodeMovq(n)
	case InstAddps, InstAddss, InstAddsd, InstPxor:
		return e.encodeVecArith(n)
	case InstVmovups, InstVmovdqu:
		return e.encodeVexMov(n)
	case InstVaddps, InstVpxor, InstVfmadd231sd:
		return e.encodeVex3(n)
	default:
		return fmt.Errorf("amd64 instruction %s: %w", InstName(n.Inst), coderr.ErrNotImplemented)
	}
	return nil
}

// Align pads the text section to a boundary with single-byte NOPs.
func (e *Encoder) Align(boundary uint32) {
	for uint32(e.buf().Len())%boundary != 0 {
		e.buf().EmitByte(0x90)
	}
}

// opWidth returns the operand byte width implied by a register or memory
// operand, defaulting to 8.
func opWidth(op asm.Operand) byte {
	switch op.Kind {
	case asm.OperandReg:
		return op.Reg.Type().Size()
	case asm.OperandMem:
		if op.Mem.Size != 0 {
			return op.Mem.Size
		}
	}
	return 8
}

// legacyPrefixes emits the 66 prefix for 16-bit operations.
func (e *Encoder) legacyPrefixes(width byte) {
	if width == 2 {
		e.buf().EmitByte(0x66)
	}
}

// rex emits a REX prefix when required. reg/index/base are full 4-bit ids
// (or -1 when absent); w selects 64-bit operand size; force emits REX even
// without high bits (needed by sil/dil/spl/bpl byte accesses).
func (e *Encoder) rex(w bool, reg, index, base int, force bool) {
	var v byte = 0x40
	if w {
		v |= 8
	}
	if reg > 7 {
		v |= 4
	}
	if index > 7 {
		v |= 2
	}
	if base > 7 {
		v |= 1
	}
	if v != 0x40 || force {
		e.buf().EmitByte(v)
	}
}

func needsRex8(r asm.Reg) bool {
	return r.Type() == asm.RegTypeGP8Lo && r.ID() >= 4 && r.ID() <= 7
}

// modRMReg emits ModRM with both operands in registers.
func (e *Encoder) modRMReg(reg, rm int) {
	e.buf().EmitByte(0xc0 | byte(reg&7)<<3 | byte(rm&7))
}

// modRMMem emits ModRM (+SIB, +disp) addressing m with reg in the reg
// field.
func (e *Encoder) modRMMem(reg int, m asm.Mem) error {
	b := e.buf()
	regBits := byte(reg&7) << 3
	hasBase := m.Base.IsValid()
	hasIndex := m.Index.IsValid()

	if hasIndex && m.Index.ID()&7 == RegIDSp && m.Index.ID() < 8 {
		return fmt.Errorf("rsp cannot be an index register: %w", coderr.ErrInvalidArgument)
	}

	scaleBits := func() byte {
		switch m.Scale {
		case 1, 0:
			return 0
		case 2:
			return 1 << 6
		case 4:
			return 2 << 6
		case 8:
			return 3 << 6
		}
		return 0
	}

	switch {
	case !hasBase && !hasIndex:
		// [disp32] needs SIB with base=101, index=100, mod=00.
		b.EmitByte(regBits | 0x04)
		b.EmitByte(0x25)
		b.Emit32(uint32(m.Disp))
	case !hasBase && hasIndex:
		// [index*scale + disp32], mod=00 base=101.
		b.EmitByte(regBits | 0x04)
		b.EmitByte(scaleBits() | byte(m.Index.ID()&7)<<3 | 0x05)
		b.Emit32(uint32(m.Disp))
	default:
		baseID := m.Base.ID()
		needSIB := hasIndex || baseID&7 == RegIDSp
		// rbp/r13 as base have no disp-less form.
		mod, dispLen := byte(0), 0
		switch {
		case m.Disp == 0 && baseID&7 != RegIDBp:
		case m.Disp >= -128 && m.Disp <= 127:
			mod, dispLen = 0x40, 1
		default:
			mod, dispLen = 0x80, 4
		}
		if needSIB {
			b.EmitByte(mod | regBits | 0x04)
			idxBits := byte(0x04) << 3 // none
			if hasIndex {
				idxBits = byte(m.Index.ID()&7) << 3
			}
			b.EmitByte(scaleBits() | idxBits | byte(baseID&7))
		} else {
			b.EmitByte(mod | regBits | byte(baseID&7))
		}
		switch dispLen {
		case 1:
			b.EmitByte(byte(int8(m.Disp)))
		case 4:
			b.Emit32(uint32(m.Disp))
		}
	}
	return nil
}

func memIndexBase(m asm.Mem) (index, base int) {
	index, base = -1, -1
	if m.Index.IsValid() {
		index = m.Index.ID()
	}
	if m.Base.IsValid() {
		base = m.Base.ID()
	}
	return
}

type arithInfo struct {
	rmr, rrm byte // opcode for r/m←r and r←r/m forms
	ext      byte // /digit for the 81/83 immediate forms
}

var arithTable = map[asm.InstID]arithInfo{
	InstAdd: {0x01, 0x03, 0},
	InstOr:  {0x09, 0x0b, 1},
	InstAnd: {0x21, 0x23, 4},
	InstSub: {0x29, 0x2b, 5},
	InstXor: {0x31, 0x33, 6},
	InstCmp: {0x39, 0x3b, 7},
}

func (e *Encoder) encodeArith(n *ir.Node) error {
	if len(n.Ops) != 2 {
		return e.badOperands(n)
	}
	info := arithTable[n.Inst]
	dst, src := n.Ops[0], n.Ops[1]
	w := opWidth(dst) == 8

	switch {
	case dst.Kind == asm.OperandReg && src.Kind == asm.OperandReg:
		e.legacyPrefixes(opWidth(dst))
		e.rex(w, src.Reg.ID(), -1, dst.Reg.ID(), false)
		e.buf().EmitByte(info.rmr)
		e.modRMReg(src.Reg.ID(), dst.Reg.ID())
	case dst.Kind == asm.OperandReg && src.Kind == asm.OperandMem:
		idx, base := memIndexBase(src.Mem)
		e.rex(w, dst.Reg.ID(), idx, base, false)
		e.buf().EmitByte(info.rrm)
		return e.modRMMem(dst.Reg.ID(), src.Mem)
	case dst.Kind == asm.OperandMem && src.Kind == asm.OperandReg:
		idx, base := memIndexBase(dst.Mem)
		e.rex(opWidth(src) == 8, src.Reg.ID(), idx, base, false)
		e.buf().EmitByte(info.rmr)
		return e.modRMMem(src.Reg.ID(), dst.Mem)
	case dst.Kind == asm.OperandReg && src.Kind == asm.OperandImm:
		e.rex(w, 0, -1, dst.Reg.ID(), false)
		if src.Imm >= -128 && src.Imm <= 127 && src.ImmWidth != 32 {
			e.buf().EmitByte(0x83)
			e.modRMReg(int(info.ext), dst.Reg.ID())
			e.buf().EmitByte(byte(int8(src.Imm)))
		} else {
			e.buf().EmitByte(0x81)
			e.modRMReg(int(info.ext), dst.Reg.ID())
			e.buf().Emit32(uint32(int32(src.Imm)))
		}
	default:
		return e.badOperands(n)
	}
	return nil
}

func (e *Encoder) encodeTest(n *ir.Node) error {
	if len(n.Ops) != 2 {
		return e.badOperands(n)
	}
	dst, src := n.Ops[0], n.Ops[1]
	w := opWidth(dst) == 8
	switch {
	case dst.Kind == asm.OperandReg && src.Kind == asm.OperandReg:
		e.rex(w, src.Reg.ID(), -1, dst.Reg.ID(), false)
		e.buf().EmitByte(0x85)
		e.modRMReg(src.Reg.ID(), dst.Reg.ID())
	case dst.Kind == asm.OperandReg && src.Kind == asm.OperandImm:
		e.rex(w, 0, -1, dst.Reg.ID(), false)
		e.buf().EmitByte(0xf7)
		e.modRMReg(0, dst.Reg.ID())
		e.buf().Emit32(uint32(int32(src.Imm)))
	default:
		return e.badOperands(n)
	}
	return nil
}

func (e *Encoder) encodeMov(n *ir.Node) error {
	if len(n.Ops) != 2 {
		return e.badOperands(n)
	}
	dst, src := n.Ops[0], n.Ops[1]
	width := opWidth(dst)
	w := width == 8

	switch {
	case dst.Kind == asm.OperandReg && src.Kind == asm.OperandReg:
		e.legacyPrefixes(width)
		if width == 1 {
			e.rex(false, src.Reg.ID(), -1, dst.Reg.ID(), needsRex8(src.Reg) || needsRex8(dst.Reg))
			e.buf().EmitByte(0x88)
		} else {
			e.rex(w, src.Reg.ID(), -1, dst.Reg.ID(), false)
			e.buf().EmitByte(0x89)
		}
		e.modRMReg(src.Reg.ID(), dst.Reg.ID())
	case dst.Kind == asm.OperandReg && src.Kind == asm.OperandMem:
		idx, base := memIndexBase(src.Mem)
		e.legacyPrefixes(width)
		if width == 1 {
			e.rex(false, dst.Reg.ID(), idx, base, needsRex8(dst.Reg))
			e.buf().EmitByte(0x8a)
		} else {
			e.rex(w, dst.Reg.ID(), idx, base, false)
			e.buf().EmitByte(0x8b)
		}
		return e.modRMMem(dst.Reg.ID(), src.Mem)
	case dst.Kind == asm.OperandMem && src.Kind == asm.OperandReg:
		idx, base := memIndexBase(dst.Mem)
		width = opWidth(src)
		if dst.Mem.Size != 0 {
			width = dst.Mem.Size
		}
		e.legacyPrefixes(width)
		if width == 1 {
			e.rex(false, src.Reg.ID(), idx, base, needsRex8(src.Reg))
			e.buf().EmitByte(0x88)
		} else {
			e.rex(width == 8, src.Reg.ID(), idx, base, false)
			e.buf().EmitByte(0x89)
		}
		return e.modRMMem(src.Reg.ID(), dst.Mem)
	case dst.Kind == asm.OperandReg && src.Kind == asm.OperandImm:
		id := dst.Reg.ID()
		if w && (src.Imm < -1<<31 || src.Imm >= 1<<31 || src.ImmWidth == 64) {
			// movabs.
			e.rex(true, 0, -1, id, false)
			e.buf().EmitByte(0xb8 + byte(id&7))
			e.buf().Emit64(uint64(src.Imm))
		} else {
			e.rex(w, 0, -1, id, false)
			e.buf().EmitByte(0xc7)
			e.modRMReg(0, id)
			e.buf().Emit32(uint32(int32(src.Imm)))
		}
	case dst.Kind == asm.OperandMem && src.Kind == asm.OperandImm:
		idx, base := memIndexBase(dst.Mem)
		width = dst.Mem.Size
		if width == 0 {
			width = 8
		}
		e.legacyPrefixes(width)
		if width == 1 {
			e.rex(false, 0, idx, base, false)
			e.buf().EmitByte(0xc6)
			if err := e.modRMMem(0, dst.Mem); err != nil {
				return err
			}
			e.buf().EmitByte(byte(src.Imm))
		} else {
			e.rex(width == 8, 0, idx, base, false)
			e.buf().EmitByte(0xc7)
			if err := e.modRMMem(0, dst.Mem); err != nil {
				return err
			}
			e.buf().Emit32(uint32(int32(src.Imm)))
		}
	default:
		return e.badOperands(n)
	}
	return nil
}

func (e *Encoder) encodeMovzx(n *ir.Node) error {
	if len(n.Ops) != 2 || n.Ops[0].Kind != asm.OperandReg {
		return e.badOperands(n)
	}
	dst, src := n.Ops[0], n.Ops[1]
	var op byte
	switch opWidth(src) {
	case 1:
		op = 0xb6
	case 2:
		op = 0xb7
	default:
		return e.badOperands(n)
	}
	switch src.Kind {
	case asm.OperandReg:
		e.rex(opWidth(dst) == 8, dst.Reg.ID(), -1, src.Reg.ID(), needsRex8(src.Reg))
		e.buf().Emit([]byte{0x0f, op})
		e.modRMReg(dst.Reg.ID(), src.Reg.ID())
	case asm.OperandMem:
		idx, base := memIndexBase(src.Mem)
		e.rex(opWidth(dst) == 8, dst.Reg.ID(), idx, base, false)
		e.buf().Emit([]byte{0x0f, op})
		return e.modRMMem(dst.Reg.ID(), src.Mem)
	default:
		return e.badOperands(n)
	}
	return nil
}

func (e *Encoder) encodeLea(n *ir.Node) error {
	if len(n.Ops) != 2 || n.Ops[0].Kind != asm.OperandReg {
		return e.badOperands(n)
	}
	dst := n.Ops[0]
	switch n.Ops[1].Kind {
	case asm.OperandMem:
		m := n.Ops[1].Mem
		idx, base := memIndexBase(m)
		e.rex(true, dst.Reg.ID(), idx, base, false)
		e.buf().EmitByte(0x8d)
		return e.modRMMem(dst.Reg.ID(), m)
	case asm.OperandLabel:
		// lea reg, [rip+label]: ModRM mod=00 rm=101, rel32 fixup.
		e.rex(true, dst.Reg.ID(), -1, -1, false)
		e.buf().EmitByte(0x8d)
		e.buf().EmitByte(byte(dst.Reg.ID()&7)<<3 | 0x05)
		return e.emitLabelField(n.Ops[1].Label, asm.RelocRIPRel32)
	default:
		return e.badOperands(n)
	}
}

func (e *Encoder) encodeImul(n *ir.Node) error {
	if len(n.Ops) != 2 || n.Ops[0].Kind != asm.OperandReg {
		return e.badOperands(n)
	}
	dst, src := n.Ops[0], n.Ops[1]
	switch src.Kind {
	case asm.OperandReg:
		e.rex(opWidth(dst) == 8, dst.Reg.ID(), -1, src.Reg.ID(), false)
		e.buf().Emit([]byte{0x0f, 0xaf})
		e.modRMReg(dst.Reg.ID(), src.Reg.ID())
	case asm.OperandMem:
		idx, base := memIndexBase(src.Mem)
		e.rex(opWidth(dst) == 8, dst.Reg.ID(), idx, base, false)
		e.buf().Emit([]byte{0x0f, 0xaf})
		return e.modRMMem(dst.Reg.ID(), src.Mem)
	default:
		return e.badOperands(n)
	}
	return nil
}

func (e *Encoder) encodeUnary(n *ir.Node) error {
	if len(n.Ops) != 1 {
		return e.badOperands(n)
	}
	var op byte = 0xff
	var ext int
	switch n.Inst {
	case InstInc:
		op, ext = 0xff, 0
	case InstDec:
		op, ext = 0xff, 1
	case InstNot:
		op, ext = 0xf7, 2
	case InstNeg:
		op, ext = 0xf7, 3
	}
	dst := n.Ops[0]
	switch dst.Kind {
	case asm.OperandReg:
		e.rex(opWidth(dst) == 8, 0, -1, dst.Reg.ID(), false)
		e.buf().EmitByte(op)
		e.modRMReg(ext, dst.Reg.ID())
	case asm.OperandMem:
		idx, base := memIndexBase(dst.Mem)
		e.rex(dst.Mem.Size == 8 || dst.Mem.Size == 0, 0, idx, base, false)
		e.buf().EmitByte(op)
		return e.modRMMem(ext, dst.Mem)
	default:
		return e.badOperands(n)
	}
	return nil
}

func (e *Encoder) encodeShift(n *ir.Node) error {
	if len(n.Ops) != 2 || n.Ops[0].Kind != asm.OperandReg {
		return e.badOperands(n)
	}
	var ext int
	switch n.Inst {
	case InstShl:
		ext = 4
	case InstShr:
		ext = 5
	case InstSar:
		ext = 7
	}
	dst, src := n.Ops[0], n.Ops[1]
	w := opWidth(dst) == 8
	switch {
	case src.Kind == asm.OperandImm:
		e.rex(w, 0, -1, dst.Reg.ID(), false)
		if src.Imm == 1 {
			e.buf().EmitByte(0xd1)
			e.modRMReg(ext, dst.Reg.ID())
		} else {
			e.buf().EmitByte(0xc1)
			e.modRMReg(ext, dst.Reg.ID())
			e.buf().EmitByte(byte(src.Imm))
		}
	case src.Kind == asm.OperandReg && src.Reg.ID() == RegIDCx:
		e.rex(w, 0, -1, dst.Reg.ID(), false)
		e.buf().EmitByte(0xd3)
		e.modRMReg(ext, dst.Reg.ID())
	default:
		return e.badOperands(n)
	}
	return nil
}

func (e *Encoder) encodePushPop(n *ir.Node) error {
	if len(n.Ops) != 1 {
		return e.badOperands(n)
	}
	dst := n.Ops[0]
	switch {
	case dst.Kind == asm.OperandReg:
		id := dst.Reg.ID()
		e.rex(false, 0, -1, id, false)
		if n.Inst == InstPush {
			e.buf().EmitByte(0x50 + byte(id&7))
		} else {
			e.buf().EmitByte(0x58 + byte(id&7))
		}
	case dst.Kind == asm.OperandImm && n.Inst == InstPush:
		e.buf().EmitByte(0x68)
		e.buf().Emit32(uint32(int32(dst.Imm)))
	case dst.Kind == asm.OperandMem:
		idx, base := memIndexBase(dst.Mem)
		e.rex(false, 0, idx, base, false)
		if n.Inst == InstPush {
			e.buf().EmitByte(0xff)
			return e.modRMMem(6, dst.Mem)
		}
		e.buf().EmitByte(0x8f)
		return e.modRMMem(0, dst.Mem)
	default:
		return e.badOperands(n)
	}
	return nil
}

func (e *Encoder) encodeXchg(n *ir.Node) error {
	if len(n.Ops) != 2 || n.Ops[0].Kind != asm.OperandReg || n.Ops[1].Kind != asm.OperandReg {
		return e.badOperands(n)
	}
	dst, src := n.Ops[0].Reg, n.Ops[1].Reg
	e.rex(opWidth(n.Ops[0]) == 8, src.ID(), -1, dst.ID(), false)
	e.buf().EmitByte(0x87)
	e.modRMReg(src.ID(), dst.ID())
	return nil
}

var ccOpcode = map[asm.InstID]byte{
	InstJe: 0x84, InstJz: 0x84, InstJne: 0x85, InstJnz: 0x85,
	InstJl: 0x8c, InstJle: 0x8e, InstJg: 0x8f, InstJge: 0x8d,
	InstJb: 0x82, InstJbe: 0x86, InstJa: 0x87, InstJae: 0x83,
}

func (e *Encoder) encodeBranch(n *ir.Node) error {
	if len(n.Ops) != 1 {
		return e.badOperands(n)
	}
	target := n.Ops[0]
	short := n.Options&asm.InstOptionShortJump != 0

	if n.Inst == InstJmp {
		switch target.Kind {
		case asm.OperandLabel:
			if short {
				e.buf().EmitByte(0xeb)
				return e.emitLabelField(target.Label, asm.RelocRel8)
			}
			e.buf().EmitByte(0xe9)
			return e.emitLabelField(target.Label, asm.RelocRel32)
		case asm.OperandReg:
			e.rex(false, 0, -1, target.Reg.ID(), false)
			e.buf().EmitByte(0xff)
			e.modRMReg(4, target.Reg.ID())
			return nil
		case asm.OperandMem:
			idx, base := memIndexBase(target.Mem)
			e.rex(false, 0, idx, base, false)
			e.buf().EmitByte(0xff)
			return e.modRMMem(4, target.Mem)
		}
		return e.badOperands(n)
	}

	cc, ok := ccOpcode[n.Inst]
	if !ok || target.Kind != asm.OperandLabel {
		return e.badOperands(n)
	}
	if short {
		e.buf().EmitByte(cc - 0x10) // 0x7x short form
		return e.emitLabelField(target.Label, asm.RelocRel8)
	}
	e.buf().Emit([]byte{0x0f, cc})
	return e.emitLabelField(target.Label, asm.RelocRel32)
}

func (e *Encoder) encodeCall(n *ir.Node) error {
	if len(n.Ops) != 1 {
		return e.badOperands(n)
	}
	target := n.Ops[0]
	switch target.Kind {
	case asm.OperandLabel:
		e.buf().EmitByte(0xe8)
		return e.emitLabelField(target.Label, asm.RelocRel32)
	case asm.OperandReg:
		e.rex(false, 0, -1, target.Reg.ID(), false)
		e.buf().EmitByte(0xff)
		e.modRMReg(2, target.Reg.ID())
		return nil
	case asm.OperandImm:
		// Absolute target: materialize through the r10 scratch register.
		e.rex(true, 0, -1, RegIDR10, false)
		e.buf().EmitByte(0xb8 + byte(RegIDR10&7))
		e.buf().Emit64(uint64(target.Imm))
		e.rex(false, 0, -1, RegIDR10, false)
		e.buf().EmitByte(0xff)
		e.modRMReg(2, RegIDR10)
		return nil
	case asm.OperandMem:
		idx, base := memIndexBase(target.Mem)
		e.rex(false, 0, idx, base, false)
		e.buf().EmitByte(0xff)
		return e.modRMMem(2, target.Mem)
	default:
		return e.badOperands(n)
	}
}

func (e *Encoder) encodeRet(n *ir.Node) error {
	if len(n.Ops) == 1 && n.Ops[0].Kind == asm.OperandImm {
		e.buf().EmitByte(0xc2)
		e.buf().Emit16(uint16(n.Ops[0].Imm))
		return nil
	}
	e.buf().EmitByte(0xc3)
	return nil
}

// sse describes a legacy SSE opcode with an optional mandatory prefix.
type sse struct {
	prefix byte // 0 means none
	load   byte // opcode for xmm ← xmm/m
	store  byte // opcode for m ← xmm; 0 when no store form
}

var sseMovTable = map[asm.InstID]sse{
	InstMovups: {0, 0x10, 0x11},
	InstMovaps: {0, 0x28, 0x29},
	InstMovdqu: {0xf3, 0x6f, 0x7f},
	InstMovdqa: {0x66, 0x6f, 0x7f},
	InstMovss:  {0xf3, 0x10, 0x11},
	InstMovsd:  {0xf2, 0x10, 0x11},
}

func (e *Encoder) encodeVecMov(n *ir.Node) error {
	if len(n.Ops) != 2 {
		return e.badOperands(n)
	}
	info := sseMovTable[n.Inst]
	dst, src := n.Ops[0], n.Ops[1]
	switch {
	case dst.Kind == asm.OperandReg && src.Kind == asm.OperandReg:
		return e.sseOp(info.prefix, info.load, dst.Reg, asm.RegOperand(src.Reg))
	case dst.Kind == asm.OperandReg && src.Kind == asm.OperandMem:
		return e.sseOp(info.prefix, info.load, dst.Reg, src)
	case dst.Kind == asm.OperandMem && src.Kind == asm.OperandReg:
		return e.sseOp(info.prefix, info.store, src.Reg, dst)
	default:
		return e.badOperands(n)
	}
}

var sseArithTable = map[asm.InstID]sse{
	InstAddps: {0, 0x58, 0},
	InstAddss: {0xf3, 0x58, 0},
	InstAddsd: {0xf2, 0x58, 0},
	InstPxor:  {0x66, 0xef, 0},
}

func (e *Encoder) encodeVecArith(n *ir.Node) error {
	if len(n.Ops) != 2 || n.Ops[0].Kind != asm.OperandReg {
		return e.badOperands(n)
	}
	info := sseArithTable[n.Inst]
	return e.sseOp(info.prefix, info.load, n.Ops[0].Reg, n.Ops[1])
}

// sseOp emits prefix? REX 0F op modrm for reg and an xmm/mem rm operand.
func (e *Encoder) sseOp(prefix, op byte, reg asm.Reg, rm asm.Operand) error {
	if prefix != 0 {
		e.buf().EmitByte(prefix)
	}
	switch rm.Kind {
	case asm.OperandReg:
		e.rex(false, reg.ID(), -1, rm.Reg.ID(), false)
		e.buf().Emit([]byte{0x0f, op})
		e.modRMReg(reg.ID(), rm.Reg.ID())
		return nil
	case asm.OperandMem:
		idx, base := memIndexBase(rm.Mem)
		e.rex(false, reg.ID(), idx, base, false)
		e.buf().Emit([]byte{0x0f, op})
		return e.modRMMem(reg.ID(), rm.Mem)
	default:
		return fmt.Errorf("sse operand %s: %w", rm.Kind, coderr.ErrInvalidArgument)
	}
}

func (e *Encoder) encodeMovq(n *ir.Node) error {
	if len(n.Ops) != 2 || n.Ops[0].Kind != asm.OperandReg || n.Ops[1].Kind != asm.OperandReg {
		return e.badOperands(n)
	}
	dst, src := n.Ops[0].Reg, n.Ops[1].Reg
	switch {
	case dst.Group() == asm.RegGroupVec && src.Group() == asm.RegGroupGP:
		e.buf().EmitByte(0x66)
		e.rex(true, dst.ID(), -1, src.ID(), false)
		e.buf().Emit([]byte{0x0f, 0x6e})
		e.modRMReg(dst.ID(), src.ID())
	case dst.Group() == asm.RegGroupGP && src.Group() == asm.RegGroupVec:
		e.buf().EmitByte(0x66)
		e.rex(true, src.ID(), -1, dst.ID(), false)
		e.buf().Emit([]byte{0x0f, 0x7e})
		e.modRMReg(src.ID(), dst.ID())
	default:
		return e.badOperands(n)
	}
	return nil
}

// vex emits a VEX prefix. pp: 0=none 1=66 2=F3 3=F2; mmmmm: 1=0F 2=0F38;
// l selects 256-bit; w is VEX.W; reg/vvvv/index/base are 4-bit ids.
func (e *Encoder) vex(reg, vvvv, index, base int, mmmmm byte, w bool, l bool, pp byte) {
	r := reg <= 7
	x := index <= 7
	bb := base <= 7
	if vvvv < 0 {
		vvvv = 0
	}
	var lBit byte
	if l {
		lBit = 4
	}
	if x && bb && mmmmm == 1 && !w {
		// 2-byte form.
		var rBit byte
		if r {
			rBit = 0x80
		}
		e.buf().EmitByte(0xc5)
		e.buf().EmitByte(rBit | byte(^vvvv&0xf)<<3 | lBit | pp)
		return
	}
	var b1 byte = mmmmm
	if r {
		b1 |= 0x80
	}
	if x {
		b1 |= 0x40
	}
	if bb {
		b1 |= 0x20
	}
	var b2 byte = byte(^vvvv&0xf)<<3 | lBit | pp
	if w {
		b2 |= 0x80
	}
	e.buf().Emit([]byte{0xc4, b1, b2})
}

func (e *Encoder) encodeVexMov(n *ir.Node) error {
	if len(n.Ops) != 2 {
		return e.badOperands(n)
	}
	var pp, load, store byte
	if n.Inst == InstVmovdqu {
		pp, load, store = 2, 0x6f, 0x7f // F3 prefix
	} else {
		pp, load, store = 0, 0x10, 0x11
	}
	dst, src := n.Ops[0], n.Ops[1]
	wide := func(op asm.Operand) bool {
		return op.Kind == asm.OperandReg && op.Reg.Type() == asm.RegTypeVec256
	}
	l := wide(dst) || wide(src)
	switch {
	case dst.Kind == asm.OperandReg && src.Kind == asm.OperandReg:
		e.vex(dst.Reg.ID(), -1, -1, src.Reg.ID(), 1, false, l, pp)
		e.buf().EmitByte(load)
		e.modRMReg(dst.Reg.ID(), src.Reg.ID())
	case dst.Kind == asm.OperandReg && src.Kind == asm.OperandMem:
		idx, base := memIndexBase(src.Mem)
		e.vex(dst.Reg.ID(), -1, idx, base, 1, false, l, pp)
		e.buf().EmitByte(load)
		return e.modRMMem(dst.Reg.ID(), src.Mem)
	case dst.Kind == asm.OperandMem && src.Kind == asm.OperandReg:
		idx, base := memIndexBase(dst.Mem)
		e.vex(src.Reg.ID(), -1, idx, base, 1, false, l, pp)
		e.buf().EmitByte(store)
		return e.modRMMem(src.Reg.ID(), dst.Mem)
	default:
		return e.badOperands(n)
	}
	return nil
}

func (e *Encoder) encodeVex3(n *ir.Node) error {
	if len(n.Ops) != 3 {
		return e.badOperands(n)
	}
	dst, src1, src2 := n.Ops[0], n.Ops[1], n.Ops[2]
	if dst.Kind != asm.OperandReg || src1.Kind != asm.OperandReg {
		return e.badOperands(n)
	}
	var (
		pp, op, mmmmm byte
		w             bool
	)
	switch n.Inst {
	case InstVaddps:
		pp, op, mmmmm = 0, 0x58, 1
	case InstVpxor:
		pp, op, mmmmm = 1, 0xef, 1
	case InstVfmadd231sd:
		pp, op, mmmmm, w = 1, 0xb9, 2, true
	}
	l := dst.Reg.Type() == asm.RegTypeVec256
	switch src2.Kind {
	case asm.OperandReg:
		e.vex(dst.Reg.ID(), src1.Reg.ID(), -1, src2.Reg.ID(), mmmmm, w, l, pp)
		e.buf().EmitByte(op)
		e.modRMReg(dst.Reg.ID(), src2.Reg.ID())
	case asm.OperandMem:
		idx, base := memIndexBase(src2.Mem)
		e.vex(dst.Reg.ID(), src1.Reg.ID(), idx, base, mmmmm, w, l, pp)
		e.buf().EmitByte(op)
		return e.modRMMem(dst.Reg.ID(), src2.Mem)
	default:
		return e.badOperands(n)
	}
	return nil
}

// emitLabelField records a fixup at the current offset and emits a
// zero-filled placeholder of the kind's width.
func (e *Encoder) emitLabelField(label asm.LabelID, kind asm.RelocKind) error {
	at := e.buf().Len()
	if err := e.ch.Labels.AddFixup(label, asm.Fixup{At: at, Kind: kind, Section: e.sec.ID}); err != nil {
		return err
	}
	e.buf().EmitZeros(kind.Width())
	return nil
}

func (e *Encoder) badOperands(n *ir.Node) error {
	return fmt.Errorf("%s with operands %v: %w", InstName(n.Inst), n.Ops, coderr.ErrInvalidArgument)
}
