package ir

import "github.com/forgejit/forge/internal/asm"

// PhysNone marks an unassigned physical register.
const PhysNone = -1

// SpillNone marks a virtual register with no spill slot.
const SpillNone = -1

// VirtReg is the allocation record of one virtual register. The builder
// creates them; liveness, the bin-packer and the local allocator fill in
// the rest. A virtual register is spilled iff it has a spill slot and no
// assigned physical id.
type VirtReg struct {
	ID   int
	Type asm.RegType
	// Size is the value width in bytes, which also sizes the spill slot.
	Size byte

	// HomeID is the preferred physical id derived from source hints such
	// as argument registers; PhysNone when absent.
	HomeID int
	// PhysID is the currently assigned physical id; PhysNone when the
	// value lives in its spill slot or is dead.
	PhysID int
	// SpillOffset is the frame-relative slot offset, assigned once on the
	// first spill and stable afterwards; SpillNone before that.
	SpillOffset int32

	// Spans are the half-open live intervals over instruction positions,
	// kept sorted and disjoint.
	Spans []LiveSpan
	// Weight accumulates use frequency scaled by loop nesting.
	Weight uint32
	// Bundle is the coalescing bundle this register belongs to, or -1.
	Bundle int
}

// LiveSpan is a half-open interval [From, To) of instruction positions.
type LiveSpan struct {
	From, To int
}

// Intersects reports whether two spans overlap.
func (s LiveSpan) Intersects(o LiveSpan) bool {
	return s.From < o.To && o.From < s.To
}

// Group returns the register's allocation group.
func (v *VirtReg) Group() asm.RegGroup { return v.Type.Group() }

// Spilled reports whether the value currently lives in memory only.
func (v *VirtReg) Spilled() bool {
	return v.SpillOffset != SpillNone && v.PhysID == PhysNone
}

// AddDef opens a live span at a definition position p (or extends the
// current one when the value is already live). Spans grow during the
// single forward sweep of liveness, so the last span is always the open
// one.
func (v *VirtReg) AddDef(p int, weight uint32) {
	v.Weight += weight
	if n := len(v.Spans); n > 0 && v.Spans[n-1].To >= p {
		if end := p + 2; end > v.Spans[n-1].To {
			v.Spans[n-1].To = end
		}
		return
	}
	v.Spans = append(v.Spans, LiveSpan{From: p, To: p + 2})
}

// AddUse extends the open span through a use at position p. Uses occupy
// position p and defs p+1, so a use-killed value's span closes at p+1:
// the source of a mov does not collide with its freshly-defined
// destination, which is what lets the coalescer merge the two.
func (v *VirtReg) AddUse(p int, weight uint32) {
	v.Weight += weight
	if n := len(v.Spans); n > 0 {
		if end := p + 1; end > v.Spans[n-1].To {
			v.Spans[n-1].To = end
		}
		return
	}
	// A use with no recorded definition (an argument or an upward-exposed
	// read) opens a span on the spot.
	v.Spans = append(v.Spans, LiveSpan{From: p, To: p + 1})
}

// SpansIntersect reports whether any span of v overlaps any span of o.
// Both span lists are sorted, so this is a linear merge.
func (v *VirtReg) SpansIntersect(o *VirtReg) bool {
	i, j := 0, 0
	for i < len(v.Spans) && j < len(o.Spans) {
		a, b := v.Spans[i], o.Spans[j]
		if a.Intersects(b) {
			return true
		}
		if a.To <= b.To {
			i++
		} else {
			j++
		}
	}
	return false
}
