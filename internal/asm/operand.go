package asm

import "fmt"

// OperandKind discriminates the Operand variant.
type OperandKind byte

const (
	OperandNone OperandKind = iota
	OperandReg
	OperandMem
	OperandImm
	OperandLabel
)

// String implements fmt.Stringer.
func (k OperandKind) String() string {
	switch k {
	case OperandNone:
		return "none"
	case OperandReg:
		return "reg"
	case OperandMem:
		return "mem"
	case OperandImm:
		return "imm"
	case OperandLabel:
		return "label"
	default:
		return "invalid"
	}
}

// Operand is the tagged variant over registers, memory references,
// immediates and labels that instructions carry. Operands are small values
// and are copied freely.
type Operand struct {
	Kind OperandKind

	Reg Reg
	Mem Mem
	// Imm is the immediate value when Kind == OperandImm.
	Imm int64
	// ImmWidth is an optional bit-width hint (8, 16, 32 or 64); zero lets
	// the encoder choose the narrowest encoding.
	ImmWidth byte
	// Label is valid when Kind == OperandLabel.
	Label LabelID
}

// Mem is a base+index*scale+disp memory reference of a given access size.
// Base and Index may be RegNone, and either may be virtual before register
// allocation.
type Mem struct {
	Base  Reg
	Index Reg
	// Scale is 1, 2, 4 or 8.
	Scale byte
	Disp  int32
	// Size is the access width in bytes; zero means unspecified.
	Size byte
}

// WithDisp returns a copy with the displacement replaced.
func (m Mem) WithDisp(d int32) Mem {
	m.Disp = d
	return m
}

// WithOffset returns a copy with the displacement adjusted by d.
func (m Mem) WithOffset(d int32) Mem {
	m.Disp += d
	return m
}

// WithSize returns a copy with the access size replaced.
func (m Mem) WithSize(size byte) Mem {
	m.Size = size
	return m
}

// String implements fmt.Stringer.
func (m Mem) String() string {
	s := "["
	if m.Base.IsValid() {
		s += m.Base.String()
	}
	if m.Index.IsValid() {
		s += fmt.Sprintf("+%s*%d", m.Index, m.Scale)
	}
	if m.Disp != 0 {
		s += fmt.Sprintf("%+#x", m.Disp)
	}
	return s + "]"
}

// RegOperand wraps a register handle into an operand.
func RegOperand(r Reg) Operand {
	return Operand{Kind: OperandReg, Reg: r}
}

// MemOperand wraps a memory reference into an operand.
func MemOperand(m Mem) Operand {
	if m.Scale == 0 {
		m.Scale = 1
	}
	return Operand{Kind: OperandMem, Mem: m}
}

// Ptr builds a memory operand from base, displacement and access size.
func Ptr(base Reg, disp int32, size byte) Operand {
	return MemOperand(Mem{Base: base, Disp: disp, Size: size})
}

// PtrIndex builds a scaled base+index memory operand.
func PtrIndex(base, index Reg, scale byte, disp int32, size byte) Operand {
	return MemOperand(Mem{Base: base, Index: index, Scale: scale, Disp: disp, Size: size})
}

// ImmOperand wraps an immediate into an operand.
func ImmOperand(v int64) Operand {
	return Operand{Kind: OperandImm, Imm: v}
}

// ImmOperandWidth wraps an immediate with an explicit width hint.
func ImmOperandWidth(v int64, width byte) Operand {
	return Operand{Kind: OperandImm, Imm: v, ImmWidth: width}
}

// LabelOperand wraps a label id into an operand.
func LabelOperand(id LabelID) Operand {
	return Operand{Kind: OperandLabel, Label: id}
}

// IsRegGroup reports whether the operand is a register of the given group.
func (o Operand) IsRegGroup(g RegGroup) bool {
	return o.Kind == OperandReg && o.Reg.Group() == g
}

// String implements fmt.Stringer.
func (o Operand) String() string {
	switch o.Kind {
	case OperandReg:
		return o.Reg.String()
	case OperandMem:
		return o.Mem.String()
	case OperandImm:
		return fmt.Sprintf("%#x", o.Imm)
	case OperandLabel:
		return fmt.Sprintf("L%d", o.Label)
	default:
		return "none"
	}
}
