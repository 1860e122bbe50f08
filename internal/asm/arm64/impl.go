package arm64

import (
	"fmt"

	"github.com/forgejit/forge/internal/asm"
	"github.com/forgejit/forge/internal/coderr"
	"github.com/forgejit/forge/internal/ir"
)

// Encoder serializes instruction nodes into the .text section of a code
// holder. Operands must be fully physical by the time they reach it.
type Encoder struct {
	ch  *asm.CodeHolder
	sec *asm.Section
}

// NewEncoder returns an encoder targeting the holder's text section.
func NewEncoder(ch *asm.CodeHolder) *Encoder {
	return &Encoder{ch: ch, sec: ch.Text()}
}

func (e *Encoder) buf() *asm.Buffer { return &e.sec.Buf }

func (e *Encoder) word(w uint32) { e.buf().Emit32(w) }

// Encode emits one instruction node.
func (e *Encoder) Encode(n *ir.Node) error {
	for _, op := range n.Ops {
		if op.Kind == asm.OperandReg && op.Reg.IsVirtual() {
			return fmt.Errorf("virtual operand %s reached encoder: %w", op.Reg, coderr.ErrInvalidState)
		}
	}
	switch n.Inst {
	case InstNop:
		e.word(0xd503201f)
	case InstMov:
		return e.encodeMov(n)
	case InstAdd, InstSub, InstCmp:
		return e.encodeAddSub(n)
	case InstMul:
		return e.encodeMul(n)
	case InstAnd, InstOrr, InstEor:
		return e.encodeLogical(n)
	case InstLsl, InstLsr, InstAsr:
		return e.encodeShift(n)
	case InstLdr, InstStr, InstLdrb, InstStrb, InstLdrQ, InstStrQ:
		return e.encodeLoadStore(n)
	case InstStp, InstLdp:
		return e.encodePair(n)
	case InstB, InstBl:
		return e.encodeBranch26(n)
	case InstBEq, InstBNe, InstBLt, InstBLe, InstBGt, InstBGe,
		InstBLo, InstBLs, InstBHi, InstBHs:
		return e.encodeCondBranch(n)
	case InstCbz, InstCbnz:
		return e.encodeCompareBranch(n)
	case InstBr, InstBlr, InstRet:
		return e.encodeBranchReg(n)
	case InstAdr:
		return e.encodeAdr(n)
	case InstMovVec, InstEorVec, InstFadd4S:
		return e.encodeVec(n)
	default:
		return fmt.Errorf("arm64 instruction %s: %w", InstName(n.Inst), coderr.ErrNotImplemented)
	}
	return nil
}

// Align pads the text section to a boundary with NOP words.
func (e *Encoder) Align(boundary uint32) {
	for uint32(e.buf().Len())%boundary != 0 {
		e.word(0xd503201f)
	}
}

func sfBit(t asm.RegType) uint32 {
	if t == asm.RegTypeGP64 {
		return 1 << 31
	}
	return 0
}

func (e *Encoder) encodeMov(n *ir.Node) error {
	if len(n.Ops) != 2 || n.Ops[0].Kind != asm.OperandReg {
		return e.badOperands(n)
	}
	dst := n.Ops[0].Reg
	src := n.Ops[1]
	switch src.Kind {
	case asm.OperandReg:
		if dst.ID() == RegIDZRSP || src.Reg.ID() == RegIDZRSP {
			// mov involving sp: add dst, src, #0.
			e.word(sfBit(dst.Type()) | 0x11000000 | uint32(src.Reg.ID())<<5 | uint32(dst.ID()))
			return nil
		}
		// orr dst, xzr, src.
		e.word(sfBit(dst.Type()) | 0x2a000000 | uint32(src.Reg.ID())<<16 | uint32(RegIDZRSP)<<5 | uint32(dst.ID()))
	case asm.OperandImm:
		return e.encodeMovImm(dst, uint64(src.Imm))
	default:
		return e.badOperands(n)
	}
	return nil
}

// encodeMovImm materializes a 64-bit constant with movz and up to three
// movk instructions, skipping zero halfwords.
func (e *Encoder) encodeMovImm(dst asm.Reg, v uint64) error {
	sf := sfBit(dst.Type())
	rd := uint32(dst.ID())
	if v == 0 {
		e.word(sf | 0x52800000 | rd)
		return nil
	}
	first := true
	for hw := uint32(0); hw < 4; hw++ {
		chunk := uint32(v>>(hw*16)) & 0xffff
		if chunk == 0 {
			continue
		}
		if first {
			e.word(sf | 0x52800000 | hw<<21 | chunk<<5 | rd) // movz
			first = false
		} else {
			e.word(sf | 0x72800000 | hw<<21 | chunk<<5 | rd) // movk
		}
		if sf == 0 && hw == 1 {
			break
		}
	}
	return nil
}

func (e *Encoder) encodeAddSub(n *ir.Node) error {
	var dst, src1 asm.Reg
	var src2 asm.Operand
	switch {
	case n.Inst == InstCmp && len(n.Ops) == 2:
		// cmp a, b = subs xzr, a, b.
		dst = asm.NewReg(n.Ops[0].Reg.Type(), RegIDZRSP)
		src1 = n.Ops[0].Reg
		src2 = n.Ops[1]
	case len(n.Ops) == 3 && n.Ops[0].Kind == asm.OperandReg && n.Ops[1].Kind == asm.OperandReg:
		dst, src1, src2 = n.Ops[0].Reg, n.Ops[1].Reg, n.Ops[2]
	default:
		return e.badOperands(n)
	}
	sf := sfBit(src1.Type())
	var base uint32
	switch src2.Kind {
	case asm.OperandImm:
		imm := src2.Imm
		if imm < 0 || imm > 0xfff {
			return fmt.Errorf("imm12 %d: %w", imm, coderr.ErrInvalidArgument)
		}
		switch n.Inst {
		case InstAdd:
			base = 0x11000000
		case InstSub:
			base = 0x51000000
		case InstCmp:
			base = 0x71000000
		}
		e.word(sf | base | uint32(imm)<<10 | uint32(src1.ID())<<5 | uint32(dst.ID()))
	case asm.OperandReg:
		switch n.Inst {
		case InstAdd:
			base = 0x0b000000
		case InstSub:
			base = 0x4b000000
		case InstCmp:
			base = 0x6b000000
		}
		e.word(sf | base | uint32(src2.Reg.ID())<<16 | uint32(src1.ID())<<5 | uint32(dst.ID()))
	default:
		return e.badOperands(n)
	}
	return nil
}

func (e *Encoder) encodeMul(n *ir.Node) error {
	if len(n.Ops) != 3 {
		return e.badOperands(n)
	}
	dst, src1, src2 := n.Ops[0].Reg, n.Ops[1].Reg, n.Ops[2].Reg
	// madd dst, src1, src2, xzr.
	e.word(sfBit(dst.Type()) | 0x1b000000 | uint32(src2.ID())<<16 | uint32(RegIDZRSP)<<10 |
		uint32(src1.ID())<<5 | uint32(dst.ID()))
	return nil
}

func (e *Encoder) encodeLogical(n *ir.Node) error {
	if len(n.Ops) != 3 || n.Ops[2].Kind != asm.OperandReg {
		return e.badOperands(n)
	}
	dst, src1, src2 := n.Ops[0].Reg, n.Ops[1].Reg, n.Ops[2].Reg
	var base uint32
	switch n.Inst {
	case InstAnd:
		base = 0x0a000000
	case InstOrr:
		base = 0x2a000000
	case InstEor:
		base = 0x4a000000
	}
	e.word(sfBit(dst.Type()) | base | uint32(src2.ID())<<16 | uint32(src1.ID())<<5 | uint32(dst.ID()))
	return nil
}

func (e *Encoder) encodeShift(n *ir.Node) error {
	if len(n.Ops) != 3 || n.Ops[2].Kind != asm.OperandImm {
		return e.badOperands(n)
	}
	dst, src := n.Ops[0].Reg, n.Ops[1].Reg
	sf := sfBit(dst.Type())
	bitsWidth := uint32(63)
	var nBit uint32 = 1 << 22
	if sf == 0 {
		bitsWidth = 31
		nBit = 0
	}
	s := uint32(n.Ops[2].Imm) & bitsWidth
	var immr, imms, base uint32
	switch n.Inst {
	case InstLsl:
		immr = (bitsWidth + 1 - s) & bitsWidth
		imms = bitsWidth - s
		base = 0x53000000 // ubfm
	case InstLsr:
		immr, imms = s, bitsWidth
		base = 0x53000000
	case InstAsr:
		immr, imms = s, bitsWidth
		base = 0x13000000 // sbfm
	}
	e.word(sf | base | nBit | immr<<16 | imms<<10 | uint32(src.ID())<<5 | uint32(dst.ID()))
	return nil
}

type loadStoreInfo struct {
	base  uint32
	scale uint32
}

var loadStoreTable = map[asm.InstID]loadStoreInfo{
	InstLdrb: {0x39400000, 1},
	InstStrb: {0x39000000, 1},
	InstLdrQ: {0x3dc00000, 16},
	InstStrQ: {0x3d800000, 16},
}

func (e *Encoder) encodeLoadStore(n *ir.Node) error {
	if len(n.Ops) != 2 || n.Ops[0].Kind != asm.OperandReg || n.Ops[1].Kind != asm.OperandMem {
		return e.badOperands(n)
	}
	rt := n.Ops[0].Reg
	m := n.Ops[1].Mem
	if m.Index.IsValid() {
		// Register-offset form: ldr rt, [base, index, lsl #0].
		var base uint32
		switch n.Inst {
		case InstLdr:
			base = 0xf8606800
			if rt.Type() == asm.RegTypeGP32 {
				base = 0xb8606800
			}
		case InstStr:
			base = 0xf8206800
			if rt.Type() == asm.RegTypeGP32 {
				base = 0xb8206800
			}
		case InstLdrb:
			base = 0x38606800
		case InstStrb:
			base = 0x38206800
		default:
			return e.badOperands(n)
		}
		e.word(base | uint32(m.Index.ID())<<16 | uint32(m.Base.ID())<<5 | uint32(rt.ID()))
		return nil
	}

	info, ok := loadStoreTable[n.Inst]
	if !ok {
		switch {
		case n.Inst == InstLdr && rt.Type() == asm.RegTypeGP32:
			info = loadStoreInfo{0xb9400000, 4}
		case n.Inst == InstLdr:
			info = loadStoreInfo{0xf9400000, 8}
		case n.Inst == InstStr && rt.Type() == asm.RegTypeGP32:
			info = loadStoreInfo{0xb9000000, 4}
		case n.Inst == InstStr:
			info = loadStoreInfo{0xf9000000, 8}
		}
	}
	disp := uint32(m.Disp)
	if m.Disp < 0 || disp%info.scale != 0 || disp/info.scale > 0xfff {
		return fmt.Errorf("unencodable offset %d: %w", m.Disp, coderr.ErrInvalidArgument)
	}
	e.word(info.base | (disp/info.scale)<<10 | uint32(m.Base.ID())<<5 | uint32(rt.ID()))
	return nil
}

// encodePair emits stp/ldp with the indexing chosen by the instruction:
// stp uses pre-index writeback (push), ldp post-index (pop), which is
// exactly the prologue/epilogue shape.
func (e *Encoder) encodePair(n *ir.Node) error {
	if len(n.Ops) != 3 || n.Ops[2].Kind != asm.OperandMem {
		return e.badOperands(n)
	}
	rt, rt2 := n.Ops[0].Reg, n.Ops[1].Reg
	m := n.Ops[2].Mem
	imm7 := m.Disp / 8
	if imm7 < -64 || imm7 > 63 || m.Disp%8 != 0 {
		return fmt.Errorf("pair offset %d: %w", m.Disp, coderr.ErrInvalidArgument)
	}
	var base uint32
	if n.Inst == InstStp {
		base = 0xa9800000 // pre-index, writeback
	} else {
		base = 0xa8c00000 // post-index, writeback
	}
	e.word(base | uint32(imm7&0x7f)<<15 | uint32(rt2.ID())<<10 | uint32(m.Base.ID())<<5 | uint32(rt.ID()))
	return nil
}

func (e *Encoder) encodeBranch26(n *ir.Node) error {
	if len(n.Ops) != 1 || n.Ops[0].Kind != asm.OperandLabel {
		return e.badOperands(n)
	}
	var base uint32 = 0x14000000
	if n.Inst == InstBl {
		base = 0x94000000
	}
	return e.emitBranchWord(base, n.Ops[0].Label, asm.RelocA64Branch26)
}

var condCode = map[asm.InstID]uint32{
	InstBEq: 0, InstBNe: 1, InstBHs: 2, InstBLo: 3,
	InstBHi: 8, InstBLs: 9, InstBGe: 10, InstBLt: 11,
	InstBGt: 12, InstBLe: 13,
}

func (e *Encoder) encodeCondBranch(n *ir.Node) error {
	if len(n.Ops) != 1 || n.Ops[0].Kind != asm.OperandLabel {
		return e.badOperands(n)
	}
	return e.emitBranchWord(0x54000000|condCode[n.Inst], n.Ops[0].Label, asm.RelocA64Branch19)
}

func (e *Encoder) encodeCompareBranch(n *ir.Node) error {
	if len(n.Ops) != 2 || n.Ops[0].Kind != asm.OperandReg || n.Ops[1].Kind != asm.OperandLabel {
		return e.badOperands(n)
	}
	rt := n.Ops[0].Reg
	base := uint32(0x34000000)
	if n.Inst == InstCbnz {
		base = 0x35000000
	}
	return e.emitBranchWord(sfBit(rt.Type())|base|uint32(rt.ID()), n.Ops[1].Label, asm.RelocA64Branch19)
}

func (e *Encoder) encodeBranchReg(n *ir.Node) error {
	rn := uint32(RegIDLR)
	if len(n.Ops) == 1 && n.Ops[0].Kind == asm.OperandReg {
		rn = uint32(n.Ops[0].Reg.ID())
	} else if n.Inst != InstRet && len(n.Ops) != 1 {
		return e.badOperands(n)
	}
	var base uint32
	switch n.Inst {
	case InstBr:
		base = 0xd61f0000
	case InstBlr:
		base = 0xd63f0000
	case InstRet:
		base = 0xd65f0000
	}
	e.word(base | rn<<5)
	return nil
}

func (e *Encoder) encodeAdr(n *ir.Node) error {
	if len(n.Ops) != 2 || n.Ops[0].Kind != asm.OperandReg || n.Ops[1].Kind != asm.OperandLabel {
		return e.badOperands(n)
	}
	return e.emitBranchWord(0x10000000|uint32(n.Ops[0].Reg.ID()), n.Ops[1].Label, asm.RelocA64ADR21)
}

func (e *Encoder) encodeVec(n *ir.Node) error {
	switch n.Inst {
	case InstMovVec:
		if len(n.Ops) != 2 {
			return e.badOperands(n)
		}
		dst, src := n.Ops[0].Reg, n.Ops[1].Reg
		// orr vd.16b, vn.16b, vn.16b.
		e.word(0x4ea01c00 | uint32(src.ID())<<16 | uint32(src.ID())<<5 | uint32(dst.ID()))
	case InstEorVec:
		if len(n.Ops) != 3 {
			return e.badOperands(n)
		}
		dst, src1, src2 := n.Ops[0].Reg, n.Ops[1].Reg, n.Ops[2].Reg
		e.word(0x6e201c00 | uint32(src2.ID())<<16 | uint32(src1.ID())<<5 | uint32(dst.ID()))
	case InstFadd4S:
		if len(n.Ops) != 3 {
			return e.badOperands(n)
		}
		dst, src1, src2 := n.Ops[0].Reg, n.Ops[1].Reg, n.Ops[2].Reg
		e.word(0x4e20d400 | uint32(src2.ID())<<16 | uint32(src1.ID())<<5 | uint32(dst.ID()))
	}
	return nil
}

// emitBranchWord emits the opcode word with a zero displacement field and
// records the fixup that merges the real displacement on finalize.
func (e *Encoder) emitBranchWord(word uint32, label asm.LabelID, kind asm.RelocKind) error {
	at := e.buf().Len()
	if err := e.ch.Labels.AddFixup(label, asm.Fixup{At: at, Kind: kind, Section: e.sec.ID}); err != nil {
		return err
	}
	e.word(word)
	return nil
}

func (e *Encoder) badOperands(n *ir.Node) error {
	return fmt.Errorf("%s with operands %v: %w", InstName(n.Inst), n.Ops, coderr.ErrInvalidArgument)
}
