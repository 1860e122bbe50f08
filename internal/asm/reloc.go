package asm

import (
	"fmt"

	"github.com/forgejit/forge/internal/coderr"
)

// RelocKind selects the formula and field width used to patch a fixup.
type RelocKind byte

const (
	RelocNone RelocKind = iota
	// RelocRel8 is an 8-bit displacement relative to the end of the field.
	RelocRel8
	// RelocRel32 is a 32-bit displacement relative to the end of the field.
	RelocRel32
	// RelocRIPRel32 is the x86-64 RIP-relative 32-bit displacement.
	RelocRIPRel32
	// RelocAbs32 writes the 32-bit absolute target offset plus addend.
	RelocAbs32
	// RelocAbs64 writes the 64-bit absolute target offset plus addend.
	RelocAbs64
	// RelocA64Branch26 merges a 26-bit word displacement into an AArch64
	// B/BL opcode.
	RelocA64Branch26
	// RelocA64Branch19 merges a 19-bit word displacement into an AArch64
	// conditional branch or CBZ/CBNZ opcode.
	RelocA64Branch19
	// RelocA64ADR21 merges a 21-bit byte displacement into an AArch64 ADR
	// opcode, split into the 2-bit immlo and 19-bit immhi fields.
	RelocA64ADR21
)

// Width returns the patched field width in bytes.
func (k RelocKind) Width() int {
	switch k {
	case RelocRel8:
		return 1
	case RelocAbs64:
		return 8
	default:
		return 4
	}
}

// String implements fmt.Stringer.
func (k RelocKind) String() string {
	switch k {
	case RelocRel8:
		return "rel8"
	case RelocRel32:
		return "rel32"
	case RelocRIPRel32:
		return "rip_rel32"
	case RelocAbs32:
		return "abs32"
	case RelocAbs64:
		return "abs64"
	case RelocA64Branch26:
		return "a64_branch26"
	case RelocA64Branch19:
		return "a64_branch19"
	case RelocA64ADR21:
		return "a64_adr21"
	default:
		return "none"
	}
}

// ResolveRelocs applies every fixup recorded against every label of the
// holder. It fails when a referenced label is unbound or a displacement
// does not fit its field. Resolution is idempotent: patching writes
// absolute results computed from bound offsets, so a second call produces
// identical bytes.
func ResolveRelocs(ch *CodeHolder) error {
	lm := &ch.Labels
	for id := LabelID(0); int(id) < lm.Count(); id++ {
		fixups := lm.Fixups(id)
		if len(fixups) == 0 {
			continue
		}
		target, err := lm.BoundOffset(id)
		if err != nil {
			return err
		}
		for _, f := range fixups {
			if err := applyFixup(ch.Section(f.Section), f, target); err != nil {
				return fmt.Errorf("label %d %s at %#x: %w", id, f.Kind, f.At, err)
			}
		}
	}
	return nil
}

func applyFixup(sec *Section, f Fixup, target int) error {
	buf := &sec.Buf
	switch f.Kind {
	case RelocRel8:
		disp := target - (f.At + 1)
		if disp < -128 || disp > 127 {
			return fmt.Errorf("rel8 displacement %d: %w", disp, coderr.ErrRelocOffsetOutOfRange)
		}
		buf.Patch8(f.At, byte(int8(disp)))
	case RelocRel32, RelocRIPRel32:
		disp := target - (f.At + 4)
		buf.Patch32(f.At, uint32(int32(disp)))
	case RelocAbs32:
		buf.Patch32(f.At, uint32(target+int(f.Addend)))
	case RelocAbs64:
		buf.Patch64(f.At, uint64(target+int(f.Addend)))
	case RelocA64Branch26:
		delta := target - f.At
		if delta&3 != 0 {
			return fmt.Errorf("unaligned branch target %#x: %w", target, coderr.ErrRelocOffsetOutOfRange)
		}
		words := delta >> 2
		if words < -(1<<25) || words >= 1<<25 {
			return fmt.Errorf("branch26 displacement %d: %w", delta, coderr.ErrRelocOffsetOutOfRange)
		}
		word := buf.Read32(f.At)
		word = word&^0x03ff_ffff | uint32(words)&0x03ff_ffff
		buf.Patch32(f.At, word)
	case RelocA64Branch19:
		delta := target - f.At
		if delta&3 != 0 {
			return fmt.Errorf("unaligned branch target %#x: %w", target, coderr.ErrRelocOffsetOutOfRange)
		}
		words := delta >> 2
		if words < -(1<<18) || words >= 1<<18 {
			return fmt.Errorf("branch19 displacement %d: %w", delta, coderr.ErrRelocOffsetOutOfRange)
		}
		word := buf.Read32(f.At)
		word = word&^(0x7ffff<<5) | (uint32(words)&0x7ffff)<<5
		buf.Patch32(f.At, word)
	case RelocA64ADR21:
		delta := target - f.At
		if delta < -(1<<20) || delta >= 1<<20 {
			return fmt.Errorf("adr21 displacement %d: %w", delta, coderr.ErrRelocOffsetOutOfRange)
		}
		word := buf.Read32(f.At)
		immlo := uint32(delta) & 3
		immhi := (uint32(delta) >> 2) & 0x7ffff
		word = word &^ (3<<29 | 0x7ffff<<5)
		word |= immlo<<29 | immhi<<5
		buf.Patch32(f.At, word)
	default:
		return fmt.Errorf("relocation kind %d: %w", f.Kind, coderr.ErrNotImplemented)
	}
	return nil
}
