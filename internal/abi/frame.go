package abi

import (
	"fmt"

	"github.com/forgejit/forge/internal/asm"
	"github.com/forgejit/forge/internal/bitset"
	"github.com/forgejit/forge/internal/coderr"
)

// FuncFrame accumulates everything that decides a function's stack layout:
// which registers the body dirties, how much local/spill space it needs,
// and whether it makes calls. Construct it from a FuncDetail, let the
// allocator feed it, then call Finalize to compute the layout the
// prologue and epilogue materialize.
type FuncFrame struct {
	Arch asm.Arch
	CC   *CallConv

	// PreservedFP selects an rbp/x29 frame chain.
	PreservedFP bool
	// HasCalls is set when the body contains call sites; Finalize then pads
	// the stack adjustment so SP is naturally aligned at each call.
	HasCalls bool

	// NaturalAlign is the stack alignment at function entry per the ABI;
	// FinalAlign may be raised by over-aligned spill slots.
	NaturalAlign uint32
	FinalAlign   uint32

	// Dirty is the per-group mask of physical registers the body writes.
	Dirty [asm.RegGroupCount]asm.RegMask

	// localSize is the caller-requested local area; spillSize grows as the
	// allocator reserves slots.
	localSize uint32
	spillSize uint32

	// CallArgsSize is the largest outgoing stack-argument area of any call
	// site in the body, already aligned.
	CallArgsSize uint32

	finalized bool
	// Computed by Finalize.
	gpSaveSize  uint32
	vecSaveSize uint32
	stackAdjust uint32
	spillBase   uint32
	vecSaveBase uint32
	gpSaveBase  uint32
}

// NewFuncFrame returns a frame for the function described by d.
func NewFuncFrame(d *FuncDetail, arch asm.Arch) *FuncFrame {
	return &FuncFrame{
		Arch:         arch,
		CC:           d.CC,
		NaturalAlign: d.CC.NaturalStackAlign,
		FinalAlign:   d.CC.NaturalStackAlign,
	}
}

// AddDirtyRegs widens the dirty mask of a group.
func (f *FuncFrame) AddDirtyRegs(g asm.RegGroup, m asm.RegMask) {
	f.Dirty[g] |= m
}

// PreservedToSave returns the registers that must be saved in the
// prologue: the dirty ∩ callee-saved set of the group.
func (f *FuncFrame) PreservedToSave(g asm.RegGroup) asm.RegMask {
	return f.Dirty[g] & f.CC.Preserved[g]
}

// SetLocalStackSize reserves caller-requested local stack space.
func (f *FuncFrame) SetLocalStackSize(n uint32) { f.localSize = n }

// AllocSpillSlot reserves a slot of the given size in the spill area and
// returns its offset relative to the spill base. Offsets are stable for
// the lifetime of the compilation.
func (f *FuncFrame) AllocSpillSlot(size, align uint32) uint32 {
	if align < size {
		align = size
	}
	if align > f.FinalAlign {
		f.FinalAlign = align
	}
	f.spillSize = bitset.AlignUp(f.spillSize, align)
	off := f.spillSize
	f.spillSize += size
	return off
}

// GrowCallArgsSize records the outgoing stack-argument area of a call
// site; the frame keeps the maximum.
func (f *FuncFrame) GrowCallArgsSize(n uint32) {
	if n > f.CallArgsSize {
		f.CallArgsSize = n
	}
}

// Finalize computes the final layout. It is an error to finalize twice or
// to have dirtied registers outside the architecture's register file.
func (f *FuncFrame) Finalize() error {
	if f.finalized {
		return fmt.Errorf("frame already finalized: %w", coderr.ErrInvalidState)
	}
	for g := asm.RegGroup(0); g < asm.RegGroupCount; g++ {
		max := asm.PhysRegMax(f.Arch, g)
		if max < 0 {
			if f.Dirty[g] != 0 {
				return fmt.Errorf("dirty %s registers on %s: %w", g, f.Arch, coderr.ErrInvalidRegGroup)
			}
			continue
		}
		if f.Dirty[g]&^asm.MaskUpTo(max+1) != 0 {
			return fmt.Errorf("dirty mask %#x exceeds %s file: %w", f.Dirty[g], g, coderr.ErrInvalidPhysID)
		}
	}

	f.gpSaveSize = uint32(f.PreservedToSave(asm.RegGroupGP).Count()) * 8
	f.vecSaveSize = uint32(f.PreservedToSave(asm.RegGroupVec).Count()) * 16

	// The adjusted area, from SP upward: outgoing call args, locals,
	// spill slots, preserved-vec saves. On AArch64 the preserved gp saves
	// live at the top of the same area; on x86-64 they are pushed above
	// it.
	adjust := f.vecSaveSize + f.spillSize + f.localSize + f.CallArgsSize
	var pushed uint32
	switch f.Arch {
	case asm.ArchARM64:
		adjust += f.gpSaveSize
		if f.PreservedFP {
			pushed = 16 // stp x29, x30, [sp, #-16]!
		}
	default:
		pushed = f.gpSaveSize + 8 // return address
		if f.PreservedFP {
			pushed += 8
		}
	}
	adjust = bitset.AlignUp(adjust, f.FinalAlign)
	// Call-site alignment: whatever the entry sequence pushed, SP must be
	// naturally aligned after the adjustment. Leaf functions have no call
	// sites and skip the padding.
	if f.HasCalls {
		if total := pushed + adjust; total%f.NaturalAlign != 0 {
			adjust += f.NaturalAlign - total%f.NaturalAlign
		}
	}

	f.stackAdjust = adjust
	top := adjust
	if f.Arch == asm.ArchARM64 {
		f.gpSaveBase = top - f.gpSaveSize
		top = f.gpSaveBase
	}
	f.vecSaveBase = top - f.vecSaveSize
	f.spillBase = f.vecSaveBase - f.spillSize
	f.finalized = true
	return nil
}

// GPSaveBase returns the SP-relative offset of the preserved-gp save area
// on architectures that save into the frame rather than pushing.
func (f *FuncFrame) GPSaveBase() uint32 { return f.gpSaveBase }

// ArgBaseDepth returns the distance from the post-prologue SP back up to
// the first incoming stack argument.
func (f *FuncFrame) ArgBaseDepth() uint32 {
	switch f.Arch {
	case asm.ArchARM64:
		depth := f.stackAdjust
		if f.PreservedFP {
			depth += 16
		}
		return depth
	default:
		depth := f.stackAdjust + f.gpSaveSize + 8
		if f.PreservedFP {
			depth += 8
		}
		return depth
	}
}

// Finalized reports whether Finalize ran.
func (f *FuncFrame) Finalized() bool { return f.finalized }

// StackAdjust returns the sub/add amount of the prologue and epilogue.
func (f *FuncFrame) StackAdjust() uint32 { return f.stackAdjust }

// GPSaveSize returns the bytes of push-saved gp registers.
func (f *FuncFrame) GPSaveSize() uint32 { return f.gpSaveSize }

// VecSaveBase returns the SP-relative offset of the preserved-vec save
// area after the prologue's stack adjustment.
func (f *FuncFrame) VecSaveBase() uint32 { return f.vecSaveBase }

// SpillBase returns the SP-relative offset of the spill area after the
// prologue's stack adjustment.
func (f *FuncFrame) SpillBase() uint32 { return f.spillBase }

// SpillSize returns the bytes reserved for spill slots.
func (f *FuncFrame) SpillSize() uint32 { return f.spillSize }

// LocalSize returns the caller-requested local area.
func (f *FuncFrame) LocalSize() uint32 { return f.localSize }
