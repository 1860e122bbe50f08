// Package abi models calling conventions: per-ABI register orders and
// preservation masks, the expansion of function signatures into concrete
// argument locations, and the stack-frame layout of a compiled function.
package abi

import (
	"fmt"

	"github.com/forgejit/forge/internal/asm"
	"github.com/forgejit/forge/internal/coderr"
)

// CallConvID identifies a calling convention.
type CallConvID byte

const (
	CallConvNone CallConvID = iota
	// CallConvCDecl is the 32-bit x86 C convention: all args on stack,
	// caller cleans up.
	CallConvCDecl
	// CallConvStdCall is CDecl with callee stack cleanup.
	CallConvStdCall
	// CallConvFastCall passes the first two integer args in ecx, edx;
	// callee cleans up.
	CallConvFastCall
	// CallConvThisCall passes `this` in ecx; callee cleans up.
	CallConvThisCall
	// CallConvVectorCall is the MS convention extending fastcall with six
	// vector registers.
	CallConvVectorCall
	// CallConvX64SysV is the System V AMD64 ABI.
	CallConvX64SysV
	// CallConvX64Windows is the Microsoft x64 ABI.
	CallConvX64Windows
	// CallConvAAPCS is the 32-bit ARM procedure call standard.
	CallConvAAPCS
	// CallConvAAPCS64 is the 64-bit ARM procedure call standard.
	CallConvAAPCS64
	// CallConvAAPCS64Apple is AAPCS64 with Apple's vararg deviation: all
	// variadic arguments are passed on the stack.
	CallConvAAPCS64Apple
	// CallConvARMSoftFloat is AAPCS with float args in integer registers.
	CallConvARMSoftFloat
	// CallConvARMHardFloat is AAPCS with float args in VFP registers.
	CallConvARMHardFloat
)

// String implements fmt.Stringer.
func (id CallConvID) String() string {
	switch id {
	case CallConvCDecl:
		return "cdecl"
	case CallConvStdCall:
		return "stdcall"
	case CallConvFastCall:
		return "fastcall"
	case CallConvThisCall:
		return "thiscall"
	case CallConvVectorCall:
		return "vectorcall"
	case CallConvX64SysV:
		return "x64-sysv"
	case CallConvX64Windows:
		return "x64-windows"
	case CallConvAAPCS:
		return "aapcs"
	case CallConvAAPCS64:
		return "aapcs64"
	case CallConvAAPCS64Apple:
		return "aapcs64-apple"
	case CallConvARMSoftFloat:
		return "arm-softfloat"
	case CallConvARMHardFloat:
		return "arm-hardfloat"
	default:
		return "none"
	}
}

// CallConv is the resolved convention for one (ABI, arch) pair.
type CallConv struct {
	ID   CallConvID
	Arch asm.Arch

	// PassedGP and PassedVec are the physical ids used for passing
	// arguments, in order.
	PassedGP  []int
	PassedVec []int
	// RetGP and RetVec are the return registers per group.
	RetGP  int
	RetVec int
	// Preserved holds the callee-saved mask per register group.
	Preserved [asm.RegGroupCount]asm.RegMask
	// NaturalStackAlign is the stack alignment required at call sites.
	NaturalStackAlign uint32
	// RedZoneSize is the stack area below SP usable without allocation.
	RedZoneSize uint32
	// SpillZoneSize is the fixed scratch area some conventions define.
	SpillZoneSize uint32
	// ShadowSpaceSize is the area the caller reserves above the return
	// address for the callee (32 bytes on Windows x64).
	ShadowSpaceSize uint32
	// CalleePopsStack selects `ret imm` epilogues.
	CalleePopsStack bool
	// VarArgsOnStack forces every variadic argument to the stack.
	VarArgsOnStack bool
}

func mask(ids ...int) (m asm.RegMask) {
	for _, id := range ids {
		m = m.Add(id)
	}
	return
}

// x86-64 gp ids: rax=0 rcx=1 rdx=2 rbx=3 rsp=4 rbp=5 rsi=6 rdi=7 r8..r15.
var x64SysV = CallConv{
	ID:                CallConvX64SysV,
	Arch:              asm.ArchX64,
	PassedGP:          []int{7, 6, 2, 1, 8, 9}, // rdi rsi rdx rcx r8 r9
	PassedVec:         []int{0, 1, 2, 3, 4, 5, 6, 7},
	RetGP:             0, // rax
	RetVec:            0, // xmm0
	NaturalStackAlign: 16,
	RedZoneSize:       128,
}

var x64Windows = CallConv{
	ID:                CallConvX64Windows,
	Arch:              asm.ArchX64,
	PassedGP:          []int{1, 2, 8, 9}, // rcx rdx r8 r9
	PassedVec:         []int{0, 1, 2, 3},
	RetGP:             0,
	RetVec:            0,
	NaturalStackAlign: 16,
	ShadowSpaceSize:   32,
}

var aapcs64 = CallConv{
	ID:                CallConvAAPCS64,
	Arch:              asm.ArchARM64,
	PassedGP:          []int{0, 1, 2, 3, 4, 5, 6, 7},
	PassedVec:         []int{0, 1, 2, 3, 4, 5, 6, 7},
	RetGP:             0,
	RetVec:            0,
	NaturalStackAlign: 16,
}

func init() {
	x64SysV.Preserved[asm.RegGroupGP] = mask(3, 5, 12, 13, 14, 15) // rbx rbp r12-r15
	x64Windows.Preserved[asm.RegGroupGP] = mask(3, 5, 6, 7, 12, 13, 14, 15)
	x64Windows.Preserved[asm.RegGroupVec] = mask(6, 7, 8, 9, 10, 11, 12, 13, 14, 15)
	aapcs64.Preserved[asm.RegGroupGP] = mask(19, 20, 21, 22, 23, 24, 25, 26, 27, 28)
	aapcs64.Preserved[asm.RegGroupVec] = mask(8, 9, 10, 11, 12, 13, 14, 15)
}

// LookupCallConv resolves a convention id for the target architecture.
// The 32-bit x86 conventions resolve on ArchX64 hosts with their 32-bit
// argument semantics; the 32-bit ARM conventions have no host architecture
// in this implementation and fail with ErrInvalidArch.
func LookupCallConv(id CallConvID, arch asm.Arch) (*CallConv, error) {
	switch id {
	case CallConvX64SysV:
		if arch != asm.ArchX64 {
			return nil, fmt.Errorf("%s on %s: %w", id, arch, coderr.ErrInvalidArch)
		}
		return &x64SysV, nil
	case CallConvX64Windows:
		if arch != asm.ArchX64 {
			return nil, fmt.Errorf("%s on %s: %w", id, arch, coderr.ErrInvalidArch)
		}
		return &x64Windows, nil
	case CallConvAAPCS64, CallConvAAPCS64Apple:
		if arch != asm.ArchARM64 {
			return nil, fmt.Errorf("%s on %s: %w", id, arch, coderr.ErrInvalidArch)
		}
		if id == CallConvAAPCS64Apple {
			apple := aapcs64
			apple.ID = CallConvAAPCS64Apple
			apple.VarArgsOnStack = true
			return &apple, nil
		}
		return &aapcs64, nil
	case CallConvCDecl, CallConvStdCall, CallConvFastCall, CallConvThisCall, CallConvVectorCall:
		if arch != asm.ArchX64 {
			return nil, fmt.Errorf("%s on %s: %w", id, arch, coderr.ErrInvalidArch)
		}
		return lookupX86CallConv(id), nil
	case CallConvAAPCS, CallConvARMSoftFloat, CallConvARMHardFloat:
		return nil, fmt.Errorf("%s: 32-bit ARM target: %w", id, coderr.ErrInvalidArch)
	default:
		return nil, fmt.Errorf("calling convention %d: %w", id, coderr.ErrInvalidArgument)
	}
}

func lookupX86CallConv(id CallConvID) *CallConv {
	cc := &CallConv{
		ID:                id,
		Arch:              asm.ArchX64,
		RetGP:             0,
		RetVec:            0,
		NaturalStackAlign: 4,
	}
	cc.Preserved[asm.RegGroupGP] = mask(3, 5, 6, 7) // ebx ebp esi edi
	switch id {
	case CallConvStdCall:
		cc.CalleePopsStack = true
	case CallConvFastCall:
		cc.PassedGP = []int{1, 2} // ecx edx
		cc.CalleePopsStack = true
	case CallConvThisCall:
		cc.PassedGP = []int{1} // ecx
		cc.CalleePopsStack = true
	case CallConvVectorCall:
		cc.PassedGP = []int{1, 2}
		cc.PassedVec = []int{0, 1, 2, 3, 4, 5}
		cc.CalleePopsStack = true
	}
	return cc
}
