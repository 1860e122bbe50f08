// Package arm64 bridges instruction nodes to AArch64 machine code. Every
// instruction is one 32-bit little-endian word; label operands leave their
// displacement field zero and record a fixup merged in on finalize.
package arm64

import "github.com/forgejit/forge/internal/asm"

// Instruction ids. The zero value is reserved.
const (
	InstNone asm.InstID = iota
	InstMov
	InstAdd
	InstSub
	InstCmp
	InstMul
	InstAnd
	InstOrr
	InstEor
	InstLsl
	InstLsr
	InstAsr
	InstLdr
	InstStr
	InstLdrb
	InstStrb
	InstLdrQ
	InstStrQ
	InstStp
	InstLdp
	InstB
	InstBEq
	InstBNe
	InstBLt
	InstBLe
	InstBGt
	InstBGe
	InstBLo
	InstBLs
	InstBHi
	InstBHs
	InstCbz
	InstCbnz
	InstBl
	InstBlr
	InstBr
	InstRet
	InstAdr
	InstNop
	InstMovVec
	InstEorVec
	InstFadd4S
	instCount
)

var instNames = [instCount]string{
	InstNone: "none", InstMov: "mov", InstAdd: "add", InstSub: "sub",
	InstCmp: "cmp", InstMul: "mul", InstAnd: "and", InstOrr: "orr",
	InstEor: "eor", InstLsl: "lsl", InstLsr: "lsr", InstAsr: "asr",
	InstLdr: "ldr", InstStr: "str", InstLdrb: "ldrb", InstStrb: "strb",
	InstLdrQ: "ldr.q", InstStrQ: "str.q", InstStp: "stp", InstLdp: "ldp",
	InstB: "b", InstBEq: "b.eq", InstBNe: "b.ne", InstBLt: "b.lt",
	InstBLe: "b.le", InstBGt: "b.gt", InstBGe: "b.ge", InstBLo: "b.lo",
	InstBLs: "b.ls", InstBHi: "b.hi", InstBHs: "b.hs", InstCbz: "cbz",
	InstCbnz: "cbnz", InstBl: "bl", InstBlr: "blr", InstBr: "br",
	InstRet: "ret", InstAdr: "adr", InstNop: "nop", InstMovVec: "mov.16b",
	InstEorVec: "eor.16b", InstFadd4S: "fadd.4s",
}

// InstName returns the mnemonic for an instruction id.
func InstName(id asm.InstID) string {
	if int(id) < len(instNames) {
		return instNames[id]
	}
	return "unknown"
}

// Register handles. Id 31 encodes SP in address contexts and XZR in data
// contexts; this package exposes it as SP and uses XZR only internally.
var (
	X0  = asm.NewReg(asm.RegTypeGP64, 0)
	X1  = asm.NewReg(asm.RegTypeGP64, 1)
	X2  = asm.NewReg(asm.RegTypeGP64, 2)
	X3  = asm.NewReg(asm.RegTypeGP64, 3)
	X4  = asm.NewReg(asm.RegTypeGP64, 4)
	X5  = asm.NewReg(asm.RegTypeGP64, 5)
	X6  = asm.NewReg(asm.RegTypeGP64, 6)
	X7  = asm.NewReg(asm.RegTypeGP64, 7)
	X8  = asm.NewReg(asm.RegTypeGP64, 8)
	X16 = asm.NewReg(asm.RegTypeGP64, 16)
	X17 = asm.NewReg(asm.RegTypeGP64, 17)
	X19 = asm.NewReg(asm.RegTypeGP64, 19)
	X29 = asm.NewReg(asm.RegTypeGP64, 29) // frame pointer
	X30 = asm.NewReg(asm.RegTypeGP64, 30) // link register
	SP  = asm.NewReg(asm.RegTypeGP64, 31)

	V0 = asm.NewReg(asm.RegTypeVec128, 0)
	V1 = asm.NewReg(asm.RegTypeVec128, 1)
	V2 = asm.NewReg(asm.RegTypeVec128, 2)
	V8 = asm.NewReg(asm.RegTypeVec128, 8)
)

const (
	// RegIDFP and RegIDLR are the frame and link register ids.
	RegIDFP = 29
	RegIDLR = 30
	// RegIDZRSP is x31: SP or XZR depending on context.
	RegIDZRSP = 31
)

// ScratchGP returns the gp registers reserved for the pipeline's own
// moves (the AAPCS64 intra-procedure-call registers); the allocator never
// hands them to a virtual register.
func ScratchGP() [2]int { return [2]int{16, 17} }
