// Package amd64debug wraps the Go toolchain's assembler (via golang-asm)
// to cross-check the hand-written amd64 encoder in tests. It covers the
// register-to-register and immediate forms the encoder tests compare
// against; it is never linked into production code paths.
package amd64debug

import (
	"fmt"

	goasm "github.com/twitchyliquid64/golang-asm"
	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/x86"
)

// Assembler accumulates instructions and assembles them with the Go
// toolchain's encoder.
type Assembler struct {
	b *goasm.Builder
}

// New returns an empty cross-check assembler.
func New() (*Assembler, error) {
	b, err := goasm.NewBuilder("amd64", 128)
	if err != nil {
		return nil, fmt.Errorf("failed to create golang-asm builder: %w", err)
	}
	return &Assembler{b: b}, nil
}

// reg maps a physical gp id (rax=0 .. r15=15) to golang-asm's register
// numbering, which is consecutive from REG_AX.
func reg(id int) int16 {
	return x86.REG_AX + int16(id)
}

func (a *Assembler) prog(as obj.As) *obj.Prog {
	p := a.b.NewProg()
	p.As = as
	a.b.AddInstruction(p)
	return p
}

// MovRegReg appends movq src, dst (64-bit).
func (a *Assembler) MovRegReg(dstID, srcID int) {
	p := a.prog(x86.AMOVQ)
	p.From.Type = obj.TYPE_REG
	p.From.Reg = reg(srcID)
	p.To.Type = obj.TYPE_REG
	p.To.Reg = reg(dstID)
}

// AddRegReg appends addq src, dst (64-bit).
func (a *Assembler) AddRegReg(dstID, srcID int) {
	p := a.prog(x86.AADDQ)
	p.From.Type = obj.TYPE_REG
	p.From.Reg = reg(srcID)
	p.To.Type = obj.TYPE_REG
	p.To.Reg = reg(dstID)
}

// SubRegImm appends subq $imm, dst.
func (a *Assembler) SubRegImm(dstID int, imm int64) {
	p := a.prog(x86.ASUBQ)
	p.From.Type = obj.TYPE_CONST
	p.From.Offset = imm
	p.To.Type = obj.TYPE_REG
	p.To.Reg = reg(dstID)
}

// XchgRegReg appends xchgq.
func (a *Assembler) XchgRegReg(dstID, srcID int) {
	p := a.prog(x86.AXCHGQ)
	p.From.Type = obj.TYPE_REG
	p.From.Reg = reg(srcID)
	p.To.Type = obj.TYPE_REG
	p.To.Reg = reg(dstID)
}

// Ret appends ret.
func (a *Assembler) Ret() {
	a.prog(obj.ARET)
}

// Assemble returns the machine code for everything appended so far.
func (a *Assembler) Assemble() []byte {
	return a.b.Assemble()
}
