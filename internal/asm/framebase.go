package asm

// The compilation pipeline emits spill and stack-argument accesses before
// the final frame layout is known. Such memory operands use one of two
// pseudo base registers; once the frame is finalized every occurrence is
// rewritten to a real SP-relative access.

const regTypeFramePseudo = regTypeCount

var (
	// FrameSlotBase anchors a displacement relative to the spill area.
	FrameSlotBase = NewReg(regTypeFramePseudo, 0)
	// FrameArgBase anchors a displacement relative to the first incoming
	// stack argument.
	FrameArgBase = NewReg(regTypeFramePseudo, 1)
)

// IsFramePseudo reports whether r is one of the pseudo frame bases.
func IsFramePseudo(r Reg) bool {
	return r.Type() == regTypeFramePseudo
}
