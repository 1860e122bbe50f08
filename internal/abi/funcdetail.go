package abi

import (
	"fmt"

	"github.com/forgejit/forge/internal/asm"
	"github.com/forgejit/forge/internal/bitset"
	"github.com/forgejit/forge/internal/coderr"
)

// TypeID is the value type of an argument or return value.
type TypeID byte

const (
	TypeVoid TypeID = iota
	TypeI8
	TypeI16
	TypeI32
	TypeI64
	TypePtr
	TypeF32
	TypeF64
	TypeV128
	TypeV256
)

// Size returns the byte width of the type.
func (t TypeID) Size() uint32 {
	switch t {
	case TypeI8:
		return 1
	case TypeI16:
		return 2
	case TypeI32, TypeF32:
		return 4
	case TypeI64, TypePtr, TypeF64:
		return 8
	case TypeV128:
		return 16
	case TypeV256:
		return 32
	default:
		return 0
	}
}

// IsInt reports whether the type is passed in the integer register file.
func (t TypeID) IsInt() bool {
	switch t {
	case TypeI8, TypeI16, TypeI32, TypeI64, TypePtr:
		return true
	}
	return false
}

// IsFloat reports whether the type is passed in the vector register file.
func (t TypeID) IsFloat() bool {
	switch t {
	case TypeF32, TypeF64, TypeV128, TypeV256:
		return true
	}
	return false
}

// RegType returns the register type wide enough to hold the value.
func (t TypeID) RegType() asm.RegType {
	switch t {
	case TypeI8:
		return asm.RegTypeGP8Lo
	case TypeI16:
		return asm.RegTypeGP16
	case TypeI32:
		return asm.RegTypeGP32
	case TypeI64, TypePtr:
		return asm.RegTypeGP64
	case TypeF32, TypeF64, TypeV128:
		return asm.RegTypeVec128
	case TypeV256:
		return asm.RegTypeVec256
	default:
		return asm.RegTypeNone
	}
}

// String implements fmt.Stringer.
func (t TypeID) String() string {
	switch t {
	case TypeVoid:
		return "void"
	case TypeI8:
		return "i8"
	case TypeI16:
		return "i16"
	case TypeI32:
		return "i32"
	case TypeI64:
		return "i64"
	case TypePtr:
		return "ptr"
	case TypeF32:
		return "f32"
	case TypeF64:
		return "f64"
	case TypeV128:
		return "v128"
	case TypeV256:
		return "v256"
	default:
		return "invalid"
	}
}

// FuncSignature describes a callable: its convention, return type and
// ordered argument types. VarArgIndex is the index of the first variadic
// argument, or NoVarArgs.
type FuncSignature struct {
	CallConv    CallConvID
	Ret         TypeID
	Args        []TypeID
	VarArgIndex int
}

// NoVarArgs marks a non-variadic signature.
const NoVarArgs = -1

// NewSignature returns a non-variadic signature.
func NewSignature(cc CallConvID, ret TypeID, args ...TypeID) FuncSignature {
	return FuncSignature{CallConv: cc, Ret: ret, Args: args, VarArgIndex: NoVarArgs}
}

// String implements fmt.Stringer.
func (s FuncSignature) String() string {
	str := s.Ret.String() + "("
	for i, a := range s.Args {
		if i > 0 {
			str += ", "
		}
		str += a.String()
	}
	return str + ")"
}

// FuncValueKind discriminates where an expanded argument lives.
type FuncValueKind byte

const (
	FuncValueNone FuncValueKind = iota
	// FuncValueReg is an argument passed in a register.
	FuncValueReg
	// FuncValueStack is an argument passed at a stack offset relative to
	// the incoming stack pointer (past the return address and shadow
	// space).
	FuncValueStack
	// FuncValueIndirect is an argument passed by pointer in a register.
	FuncValueIndirect
)

// FuncValue is one expanded argument or return value.
type FuncValue struct {
	Kind FuncValueKind
	Type TypeID
	// RegType and RegID are valid for Reg and Indirect kinds.
	RegType asm.RegType
	RegID   int
	// StackOffset is valid for the Stack kind.
	StackOffset uint32
}

// IsReg reports whether the value is register-passed.
func (v FuncValue) IsReg() bool { return v.Kind == FuncValueReg || v.Kind == FuncValueIndirect }

// maxFuncArgs bounds the argument count of a signature.
const maxFuncArgs = 32

// FuncDetail is the expanded form of a signature: the concrete location of
// every argument and the return value, plus the register usage summary.
type FuncDetail struct {
	CC   *CallConv
	Sig  FuncSignature
	Args []FuncValue
	Ret  FuncValue
	// UsedRegs is the mask of argument registers per group.
	UsedRegs [asm.RegGroupCount]asm.RegMask
	// StackArgSize is the bytes of stack-passed arguments, unaligned.
	StackArgSize uint32
}

// Init expands the signature against the convention tables for the given
// architecture, classifying every argument as register- or stack-passed.
func (d *FuncDetail) Init(sig FuncSignature, arch asm.Arch) error {
	cc, err := LookupCallConv(sig.CallConv, arch)
	if err != nil {
		return err
	}
	if len(sig.Args) > maxFuncArgs {
		return fmt.Errorf("%d arguments exceed %d: %w", len(sig.Args), maxFuncArgs, coderr.ErrInvalidArgument)
	}
	d.CC = cc
	d.Sig = sig
	d.Args = make([]FuncValue, len(sig.Args))
	d.UsedRegs = [asm.RegGroupCount]asm.RegMask{}
	d.StackArgSize = 0

	// The MS x64 convention consumes one positional slot per argument in
	// both files; SysV and AAPCS64 advance the two files independently.
	positional := cc.ID == CallConvX64Windows || cc.ID == CallConvVectorCall

	gpIdx, vecIdx := 0, 0
	var stackOffset uint32
	for i, t := range sig.Args {
		v := &d.Args[i]
		v.Type = t
		variadic := sig.VarArgIndex != NoVarArgs && i >= sig.VarArgIndex

		useStack := false
		switch {
		case t.IsInt():
			if variadic && cc.VarArgsOnStack {
				useStack = true
			} else if gpIdx < len(cc.PassedGP) {
				v.Kind = FuncValueReg
				v.RegType = t.RegType()
				v.RegID = cc.PassedGP[gpIdx]
				if d.UsedRegs[asm.RegGroupGP].Has(v.RegID) {
					return fmt.Errorf("argument %d register gp%d taken: %w", i, v.RegID, coderr.ErrOverlappedRegs)
				}
				d.UsedRegs[asm.RegGroupGP] = d.UsedRegs[asm.RegGroupGP].Add(v.RegID)
				gpIdx++
				if positional {
					vecIdx++
				}
			} else {
				useStack = true
			}
		case t.IsFloat():
			// Variadic float args promote to the integer file on SysV-less
			// conventions is not modeled; MS passes them in both, we record
			// the vector slot.
			if variadic && cc.VarArgsOnStack {
				useStack = true
			} else if vecIdx < len(cc.PassedVec) {
				v.Kind = FuncValueReg
				v.RegType = t.RegType()
				v.RegID = cc.PassedVec[vecIdx]
				if d.UsedRegs[asm.RegGroupVec].Has(v.RegID) {
					return fmt.Errorf("argument %d register vec%d taken: %w", i, v.RegID, coderr.ErrOverlappedRegs)
				}
				d.UsedRegs[asm.RegGroupVec] = d.UsedRegs[asm.RegGroupVec].Add(v.RegID)
				vecIdx++
				if positional {
					gpIdx++
				}
			} else {
				useStack = true
			}
		default:
			return fmt.Errorf("argument %d has type %s: %w", i, t, coderr.ErrInvalidArgument)
		}

		if useStack {
			size := t.Size()
			align := uint32(8)
			if size > 8 {
				// Arguments wider than 8 bytes are 16-byte aligned on the
				// stack.
				align = 16
			}
			stackOffset = bitset.AlignUp(stackOffset, align)
			v.Kind = FuncValueStack
			v.StackOffset = stackOffset
			slot := bitset.AlignUp(size, 8)
			stackOffset += slot
		}
	}
	d.StackArgSize = stackOffset

	d.Ret = FuncValue{Type: sig.Ret}
	switch {
	case sig.Ret == TypeVoid:
		d.Ret.Kind = FuncValueNone
	case sig.Ret.IsInt():
		d.Ret.Kind = FuncValueReg
		d.Ret.RegType = sig.Ret.RegType()
		d.Ret.RegID = cc.RetGP
	default:
		d.Ret.Kind = FuncValueReg
		d.Ret.RegType = sig.Ret.RegType()
		d.Ret.RegID = cc.RetVec
	}
	return nil
}

// StackArgSizeAligned returns the stack-arg area rounded up to the
// convention's natural alignment, including the shadow space.
func (d *FuncDetail) StackArgSizeAligned() uint32 {
	return bitset.AlignUp(d.StackArgSize+d.CC.ShadowSpaceSize, d.CC.NaturalStackAlign)
}
