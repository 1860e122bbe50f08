// Package asm provides the architecture-neutral building blocks of the
// code generator: register handles, operands, labels, sections, the code
// buffer, and relocation records.
//
// Everything in this package is owned by a single compilation and is not
// safe for concurrent use; distinct compilations may proceed in parallel
// on distinct instances.
package asm

import (
	"fmt"

	"github.com/forgejit/forge/internal/coderr"
)

// Arch identifies the target instruction set of a compilation.
type Arch byte

const (
	ArchInvalid Arch = iota
	// ArchX64 is x86-64.
	ArchX64
	// ArchARM64 is AArch64.
	ArchARM64
)

// String implements fmt.Stringer.
func (a Arch) String() string {
	switch a {
	case ArchX64:
		return "x64"
	case ArchARM64:
		return "arm64"
	default:
		return "invalid"
	}
}

// RegType describes the architectural type of a register handle. For x86
// gp registers the same physical id denotes the low bits of the wider
// register, so conversions between gp types change only the type, never
// the id. Likewise Vec128(i) is the low lane of Vec256(i) and Vec512(i).
type RegType byte

const (
	RegTypeNone RegType = iota
	RegTypeGP8Lo
	RegTypeGP8Hi
	RegTypeGP16
	RegTypeGP32
	RegTypeGP64
	RegTypeVec128
	RegTypeVec256
	RegTypeVec512
	RegTypeMask
	RegTypeX86MM
	RegTypeX86ST
	RegTypeSegment
	RegTypeControl
	RegTypeDebug
	RegTypePC
	RegTypeBND
	RegTypeTile
	regTypeCount
)

var regTypeNames = [regTypeCount]string{
	RegTypeNone:    "none",
	RegTypeGP8Lo:   "gp8lo",
	RegTypeGP8Hi:   "gp8hi",
	RegTypeGP16:    "gp16",
	RegTypeGP32:    "gp32",
	RegTypeGP64:    "gp64",
	RegTypeVec128:  "vec128",
	RegTypeVec256:  "vec256",
	RegTypeVec512:  "vec512",
	RegTypeMask:    "mask",
	RegTypeX86MM:   "mm",
	RegTypeX86ST:   "st",
	RegTypeSegment: "seg",
	RegTypeControl: "cr",
	RegTypeDebug:   "dr",
	RegTypePC:      "pc",
	RegTypeBND:     "bnd",
	RegTypeTile:    "tmm",
}

// String implements fmt.Stringer.
func (t RegType) String() string {
	if int(t) < len(regTypeNames) {
		return regTypeNames[t]
	}
	return "invalid"
}

// Size returns the byte width of a register of this type; zero for types
// with no meaningful width.
func (t RegType) Size() byte {
	switch t {
	case RegTypeGP8Lo, RegTypeGP8Hi:
		return 1
	case RegTypeGP16:
		return 2
	case RegTypeGP32:
		return 4
	case RegTypeGP64, RegTypeX86MM, RegTypeMask, RegTypePC:
		return 8
	case RegTypeVec128, RegTypeBND:
		return 16
	case RegTypeVec256:
		return 32
	case RegTypeVec512:
		return 64
	default:
		return 0
	}
}

// Group returns the allocation group of this type.
func (t RegType) Group() RegGroup {
	switch t {
	case RegTypeGP8Lo, RegTypeGP8Hi, RegTypeGP16, RegTypeGP32, RegTypeGP64:
		return RegGroupGP
	case RegTypeVec128, RegTypeVec256, RegTypeVec512:
		return RegGroupVec
	case RegTypeMask:
		return RegGroupMask
	default:
		return RegGroupInvalid
	}
}

// RegGroup partitions registers into independent allocation spaces.
type RegGroup byte

const (
	RegGroupGP RegGroup = iota
	RegGroupVec
	RegGroupMask
	RegGroupCount
	RegGroupInvalid RegGroup = 0xff
)

// String implements fmt.Stringer.
func (g RegGroup) String() string {
	switch g {
	case RegGroupGP:
		return "gp"
	case RegGroupVec:
		return "vec"
	case RegGroupMask:
		return "mask"
	default:
		return "invalid"
	}
}

// PhysRegMax returns the highest valid physical id for the group on the
// given architecture, or -1 when the group does not exist there.
func PhysRegMax(arch Arch, g RegGroup) int {
	switch arch {
	case ArchX64:
		switch g {
		case RegGroupGP:
			return 15
		case RegGroupVec:
			return 31
		case RegGroupMask:
			return 7
		}
	case ArchARM64:
		switch g {
		case RegGroupGP:
			return 31
		case RegGroupVec:
			return 31
		}
	}
	return -1
}

// Reg is a compact register handle: the register type, a 16-bit id and a
// virtual bit packed into one word. The zero value is "no register".
type Reg uint32

const (
	regIDMask      = 0xffff
	regTypeShift   = 16
	regVirtualFlag = 1 << 24
)

// RegNone is the absent register, used for empty memory-operand bases and
// indexes.
const RegNone Reg = 0

// NewReg returns a physical register handle. It does not validate the id
// against any architecture; use CheckPhys for that.
func NewReg(t RegType, id int) Reg {
	return Reg(uint32(id)&regIDMask | uint32(t)<<regTypeShift)
}

// NewVirtReg returns a virtual register handle whose id is drawn from a
// builder's virtual-id pool.
func NewVirtReg(t RegType, id int) Reg {
	return NewReg(t, id) | regVirtualFlag
}

// ID returns the register id.
func (r Reg) ID() int { return int(r & regIDMask) }

// Type returns the register type.
func (r Reg) Type() RegType { return RegType(r >> regTypeShift & 0xff) }

// Group returns the allocation group of the register type.
func (r Reg) Group() RegGroup { return r.Type().Group() }

// IsVirtual reports whether the id belongs to the virtual pool.
func (r Reg) IsVirtual() bool { return r&regVirtualFlag != 0 }

// IsValid reports whether the handle denotes a register at all.
func (r Reg) IsValid() bool { return r.Type() != RegTypeNone }

// WithType returns the same register id viewed as another type. This is
// the aliasing rule of the spec: rax.WithType(RegTypeGP32) is eax, and
// xmm3.WithType(RegTypeVec256) is ymm3.
func (r Reg) WithType(t RegType) Reg {
	return r&^Reg(0xff<<regTypeShift) | Reg(t)<<regTypeShift
}

// CheckPhys validates a physical register handle against the target
// architecture's register file.
func CheckPhys(arch Arch, r Reg) error {
	if r.IsVirtual() {
		return fmt.Errorf("virtual register %s: %w", r, coderr.ErrInvalidPhysID)
	}
	g := r.Group()
	if g == RegGroupInvalid {
		return fmt.Errorf("%s: %w", r.Type(), coderr.ErrInvalidRegType)
	}
	max := PhysRegMax(arch, g)
	if max < 0 {
		return fmt.Errorf("%s on %s: %w", g, arch, coderr.ErrInvalidRegGroup)
	}
	if r.ID() > max {
		return fmt.Errorf("%s id %d exceeds %d: %w", g, r.ID(), max, coderr.ErrInvalidPhysID)
	}
	return nil
}

// String implements fmt.Stringer.
func (r Reg) String() string {
	if !r.IsValid() {
		return "none"
	}
	if r.IsVirtual() {
		return fmt.Sprintf("v%d.%s", r.ID(), r.Type())
	}
	return fmt.Sprintf("%s%d", r.Type(), r.ID())
}
