// Package amd64 bridges instruction nodes to x86-64 machine code. It
// exposes the instruction id space, the physical register handles, and an
// Encoder that serializes one instruction node at a time into a section,
// recording fixups for label operands.
package amd64

import "github.com/forgejit/forge/internal/asm"

// Instruction ids. The zero value is reserved.
const (
	InstNone asm.InstID = iota
	InstAdd
	InstSub
	InstAnd
	InstOr
	InstXor
	InstCmp
	InstTest
	InstMov
	InstMovzx
	InstLea
	InstImul
	InstInc
	InstDec
	InstNeg
	InstNot
	InstShl
	InstShr
	InstSar
	InstPush
	InstPop
	InstXchg
	InstJmp
	InstJe
	InstJne
	InstJl
	InstJle
	InstJg
	InstJge
	InstJb
	InstJbe
	InstJa
	InstJae
	InstJz
	InstJnz
	InstCall
	InstRet
	InstNop
	InstUd2
	InstCqo
	InstMovups
	InstMovaps
	InstMovdqu
	InstMovdqa
	InstMovss
	InstMovsd
	InstMovq
	InstAddps
	InstAddss
	InstAddsd
	InstPxor
	InstVmovups
	InstVmovdqu
	InstVaddps
	InstVpxor
	InstVfmadd231sd
	instCount
)

var instNames = [instCount]string{
	InstNone: "none", InstAdd: "add", InstSub: "sub", InstAnd: "and",
	InstOr: "or", InstXor: "xor", InstCmp: "cmp", InstTest: "test",
	InstMov: "mov", InstMovzx: "movzx", InstLea: "lea", InstImul: "imul",
	InstInc: "inc", InstDec: "dec", InstNeg: "neg", InstNot: "not",
	InstShl: "shl", InstShr: "shr", InstSar: "sar", InstPush: "push",
	InstPop: "pop", InstXchg: "xchg", InstJmp: "jmp", InstJe: "je",
	InstJne: "jne", InstJl: "jl", InstJle: "jle", InstJg: "jg",
	InstJge: "jge", InstJb: "jb", InstJbe: "jbe", InstJa: "ja",
	InstJae: "jae", InstJz: "jz", InstJnz: "jnz", InstCall: "call",
	InstRet: "ret", InstNop: "nop", InstUd2: "ud2", InstCqo: "cqo",
	InstMovups: "movups", InstMovaps: "movaps", InstMovdqu: "movdqu",
	InstMovdqa: "movdqa", InstMovss: "movss", InstMovsd: "movsd",
	InstMovq: "movq", InstAddps: "addps", InstAddss: "addss",
	InstAddsd: "addsd", InstPxor: "pxor", InstVmovups: "vmovups",
	InstVmovdqu: "vmovdqu", InstVaddps: "vaddps", InstVpxor: "vpxor",
	InstVfmadd231sd: "vfmadd231sd",
}

// InstName returns the mnemonic for an instruction id.
func InstName(id asm.InstID) string {
	if int(id) < len(instNames) {
		return instNames[id]
	}
	return "unknown"
}

// Physical gp ids in encoding order.
const (
	RegIDAx = iota
	RegIDCx
	RegIDDx
	RegIDBx
	RegIDSp
	RegIDBp
	RegIDSi
	RegIDDi
	RegIDR8
	RegIDR9
	RegIDR10
	RegIDR11
	RegIDR12
	RegIDR13
	RegIDR14
	RegIDR15
)

// 64-bit gp registers.
var (
	RAX = asm.NewReg(asm.RegTypeGP64, RegIDAx)
	RCX = asm.NewReg(asm.RegTypeGP64, RegIDCx)
	RDX = asm.NewReg(asm.RegTypeGP64, RegIDDx)
	RBX = asm.NewReg(asm.RegTypeGP64, RegIDBx)
	RSP = asm.NewReg(asm.RegTypeGP64, RegIDSp)
	RBP = asm.NewReg(asm.RegTypeGP64, RegIDBp)
	RSI = asm.NewReg(asm.RegTypeGP64, RegIDSi)
	RDI = asm.NewReg(asm.RegTypeGP64, RegIDDi)
	R8  = asm.NewReg(asm.RegTypeGP64, RegIDR8)
	R9  = asm.NewReg(asm.RegTypeGP64, RegIDR9)
	R10 = asm.NewReg(asm.RegTypeGP64, RegIDR10)
	R11 = asm.NewReg(asm.RegTypeGP64, RegIDR11)
	R12 = asm.NewReg(asm.RegTypeGP64, RegIDR12)
	R13 = asm.NewReg(asm.RegTypeGP64, RegIDR13)
	R14 = asm.NewReg(asm.RegTypeGP64, RegIDR14)
	R15 = asm.NewReg(asm.RegTypeGP64, RegIDR15)
)

// 32-bit views of the gp registers.
var (
	EAX = RAX.WithType(asm.RegTypeGP32)
	ECX = RCX.WithType(asm.RegTypeGP32)
	EDX = RDX.WithType(asm.RegTypeGP32)
	EBX = RBX.WithType(asm.RegTypeGP32)
	ESI = RSI.WithType(asm.RegTypeGP32)
	EDI = RDI.WithType(asm.RegTypeGP32)
	R8D = R8.WithType(asm.RegTypeGP32)
	R9D = R9.WithType(asm.RegTypeGP32)
)

// Vector registers.
var (
	XMM0  = asm.NewReg(asm.RegTypeVec128, 0)
	XMM1  = asm.NewReg(asm.RegTypeVec128, 1)
	XMM2  = asm.NewReg(asm.RegTypeVec128, 2)
	XMM3  = asm.NewReg(asm.RegTypeVec128, 3)
	XMM4  = asm.NewReg(asm.RegTypeVec128, 4)
	XMM5  = asm.NewReg(asm.RegTypeVec128, 5)
	XMM6  = asm.NewReg(asm.RegTypeVec128, 6)
	XMM7  = asm.NewReg(asm.RegTypeVec128, 7)
	XMM8  = asm.NewReg(asm.RegTypeVec128, 8)
	XMM15 = asm.NewReg(asm.RegTypeVec128, 15)
	YMM0  = XMM0.WithType(asm.RegTypeVec256)
	YMM1  = XMM1.WithType(asm.RegTypeVec256)
)

var gp64Names = [16]string{
	"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
}

// RegName returns the assembly name of a physical register handle.
func RegName(r asm.Reg) string {
	id := r.ID()
	switch r.Type() {
	case asm.RegTypeGP64:
		return gp64Names[id&15]
	case asm.RegTypeGP32:
		if id < 8 {
			return [8]string{"eax", "ecx", "edx", "ebx", "esp", "ebp", "esi", "edi"}[id]
		}
		return gp64Names[id&15] + "d"
	case asm.RegTypeVec128:
		return "xmm" + itoa(id)
	case asm.RegTypeVec256:
		return "ymm" + itoa(id)
	case asm.RegTypeVec512:
		return "zmm" + itoa(id)
	default:
		return r.String()
	}
}

func itoa(v int) string {
	if v < 10 {
		return string(rune('0' + v))
	}
	return string(rune('0'+v/10)) + string(rune('0'+v%10))
}

// ScratchGP returns the gp registers reserved for the pipeline's own
// moves; the allocator never hands them to a virtual register.
func ScratchGP() [2]int { return [2]int{RegIDR10, RegIDR11} }
