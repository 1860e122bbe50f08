package regalloc

import (
	"fmt"

	"github.com/forgejit/forge/internal/asm"
	"github.com/forgejit/forge/internal/coderr"
	"github.com/forgejit/forge/internal/ir"
)

// physPerGroup bounds the physical register file of any group.
const physPerGroup = 32

// groupState is the running physical→virtual assignment of one group.
type groupState struct {
	physToVreg [physPerGroup]int
}

func (gs *groupState) reset() {
	for i := range gs.physToVreg {
		gs.physToVreg[i] = -1
	}
}

// localAlloc drives the per-instruction assignment within blocks.
type localAlloc struct {
	a      *Allocator
	vregs  []ir.VirtReg
	groups [asm.RegGroupCount]groupState
	// dirty marks virtual registers whose register value is newer than
	// their spill slot.
	dirty []bool
	// reserved holds physical registers the emitted code has written
	// directly and whose value is still pending consumption, the
	// pre-call argument registers being the main case. The allocator
	// must not place anything there until a call (or the block end)
	// consumes them.
	reserved [asm.RegGroupCount]asm.RegMask
	// written accumulates every physical register the emitted code
	// writes, per group, for the frame's dirty set.
	written [asm.RegGroupCount]asm.RegMask
}

func newLocalAlloc(a *Allocator) *localAlloc {
	la := &localAlloc{a: a, vregs: a.b.VirtRegs()}
	la.dirty = make([]bool, len(la.vregs))
	for g := range la.groups {
		la.groups[g].reset()
	}
	return la
}

// assign binds vreg v to phys without emitting code.
func (la *localAlloc) assign(v, phys int) {
	g := la.vregs[v].Group()
	la.groups[g].physToVreg[phys] = v
	la.vregs[v].PhysID = phys
}

// unassign frees v's register without emitting code.
func (la *localAlloc) unassign(v int) {
	vr := &la.vregs[v]
	if vr.PhysID != ir.PhysNone {
		la.groups[vr.Group()].physToVreg[vr.PhysID] = -1
		vr.PhysID = ir.PhysNone
	}
}

// occupant returns the virtual currently in phys of group g, or -1.
func (la *localAlloc) occupant(g asm.RegGroup, phys int) int {
	return la.groups[g].physToVreg[phys]
}

// freeMask returns the allocatable registers of g not currently assigned
// and not reserved by a pending direct write.
func (la *localAlloc) freeMask(g asm.RegGroup) asm.RegMask {
	m := la.a.arch.Allocatable(g) &^ la.reserved[g]
	for id := 0; id < physPerGroup; id++ {
		if la.groups[g].physToVreg[id] >= 0 {
			m = m.Remove(id)
		}
	}
	return m
}

// pickFree selects a register from mask, preferring the home hint, then
// non-preserved registers, then the lowest id. Returns -1 when empty.
func (la *localAlloc) pickFree(g asm.RegGroup, mask asm.RegMask, home int) int {
	if home != ir.PhysNone && mask.Has(home) {
		return home
	}
	if pref := mask & la.a.arch.Preferred(g); pref != 0 {
		return pref.Lowest()
	}
	return mask.Lowest()
}

// spillCost ranks eviction victims: frequency·2^20 plus 2^18 when dirty.
func (la *localAlloc) spillCost(v int) uint64 {
	cost := uint64(la.vregs[v].Weight) << 20
	if la.dirty[v] {
		cost += 1 << 18
	}
	return cost
}

// slotMem returns the spill-slot addressing of v, allocating the slot on
// first use. Slot offsets never move afterwards.
func (la *localAlloc) slotMem(v int) asm.Mem {
	vr := &la.vregs[v]
	if vr.SpillOffset == ir.SpillNone {
		size := uint32(vr.Size)
		if size == 0 {
			size = 8
		}
		vr.SpillOffset = int32(la.a.fn.Frame.AllocSpillSlot(size, size))
	}
	return la.a.arch.SpillSlotMem(vr.SpillOffset, la.vregs[v].Size)
}

// insertBefore emits a new instruction node ahead of ref.
func (la *localAlloc) insertBefore(ref ir.NodeID, inst asm.InstID, ops ...asm.Operand) ir.NodeID {
	id := la.a.b.Nodes.Alloc(ir.NodeInst)
	n := la.a.b.Nodes.Get(id)
	n.Inst = inst
	n.Ops = ops
	la.a.b.Nodes.InsertBefore(id, ref)
	return id
}

// spill saves v to its slot if dirty and releases its register.
func (la *localAlloc) spill(v int, before ir.NodeID) {
	vr := &la.vregs[v]
	if vr.PhysID == ir.PhysNone {
		return
	}
	if la.dirty[v] {
		src := asm.NewReg(vr.Type, vr.PhysID)
		inst, ops := la.a.arch.SpillStore(la.slotMem(v), src)
		la.insertBefore(before, inst, ops...)
		la.dirty[v] = false
	}
	la.unassign(v)
}

// reload loads v from its slot into phys.
func (la *localAlloc) reload(v, phys int, before ir.NodeID) {
	vr := &la.vregs[v]
	dst := asm.NewReg(vr.Type, phys)
	inst, ops := la.a.arch.SpillLoad(dst, la.slotMem(v))
	la.insertBefore(before, inst, ops...)
	la.assign(v, phys)
	la.dirty[v] = false
	la.written[vr.Group()] = la.written[vr.Group()].Add(phys)
}

// moveReg relocates v from its current register to phys.
func (la *localAlloc) moveReg(v, phys int, before ir.NodeID) {
	vr := &la.vregs[v]
	src := asm.NewReg(vr.Type, vr.PhysID)
	dst := asm.NewReg(vr.Type, phys)
	la.insertBefore(before, la.a.arch.MoveInst(vr.Type), asm.RegOperand(dst), asm.RegOperand(src))
	la.unassign(v)
	la.assign(v, phys)
	la.written[vr.Group()] = la.written[vr.Group()].Add(phys)
}

// vacate makes phys free, relocating or spilling its occupant. The avoid
// mask excludes relocation targets this instruction still needs.
func (la *localAlloc) vacate(g asm.RegGroup, phys int, avoid asm.RegMask, before ir.NodeID) {
	v := la.occupant(g, phys)
	if v < 0 {
		return
	}
	free := la.freeMask(g) &^ avoid
	if free != 0 {
		la.moveReg(v, la.pickFree(g, free, la.vregs[v].HomeID), before)
		return
	}
	la.spill(v, before)
}

// instConstraints is everything the phases below need to know about one
// instruction.
type instConstraints struct {
	tied []TiedReg
	// physUse/physOut are the registers the instruction reads/writes
	// directly (after invoke lowering, call sequences do this).
	physUse, physOut [asm.RegGroupCount]asm.RegMask
	clobbers         [asm.RegGroupCount]asm.RegMask
}

// collect builds the tied-operand list of an instruction.
func (la *localAlloc) collect(n *ir.Node, p int) instConstraints {
	var ic instConstraints
	ic.clobbers = la.a.arch.Clobbers(n)

	addTied := func(v int, flags TiedFlags, ref opRef) {
		for i := range ic.tied {
			if ic.tied[i].VRegID == v {
				ic.tied[i].Flags |= flags | TiedDuplicate
				ic.tied[i].RefCount++
				ic.tied[i].opIndexes = append(ic.tied[i].opIndexes, ref)
				return
			}
		}
		ic.tied = append(ic.tied, TiedReg{
			VRegID:    v,
			Flags:     flags,
			UseID:     ir.PhysNone,
			OutID:     ir.PhysNone,
			RefCount:  1,
			opIndexes: []opRef{ref},
		})
	}
	addPhys(n, &ic)

	var actions []OpAction
	if n.Kind == ir.NodeInst {
		actions = la.a.arch.OperandActions(n)
	}
	for i := range n.Ops {
		op := &n.Ops[i]
		act := OpUse
		if i < len(actions) {
			act = actions[i]
		}
		switch op.Kind {
		case asm.OperandReg:
			if !op.Reg.IsVirtual() {
				continue
			}
			var flags TiedFlags
			switch act {
			case OpUse:
				flags = TiedUse
			case OpOut:
				flags = TiedOut
			case OpUseOut:
				flags = TiedUse | TiedOut | TiedRW
			}
			addTied(op.Reg.ID(), flags, opRef{op: i, part: 0})
		case asm.OperandMem:
			if op.Mem.Base.IsVirtual() {
				addTied(op.Mem.Base.ID(), TiedUse, opRef{op: i, part: 1})
			}
			if op.Mem.Index.IsVirtual() {
				addTied(op.Mem.Index.ID(), TiedUse, opRef{op: i, part: 2})
			}
		}
	}

	// Kill flags for registers whose live span ends at this instruction.
	for i := range ic.tied {
		vr := &la.vregs[ic.tied[i].VRegID]
		if n := len(vr.Spans); n > 0 && vr.Spans[n-1].To <= p+2 {
			ic.tied[i].Flags |= TiedKill
		}
	}
	return ic
}

// addPhys records direct physical register reads and writes.
func addPhys(n *ir.Node, ic *instConstraints) {
	mark := func(r asm.Reg, out bool) {
		if !r.IsValid() || r.IsVirtual() {
			return
		}
		g := r.Group()
		if g == asm.RegGroupInvalid {
			return
		}
		if out {
			ic.physOut[g] = ic.physOut[g].Add(r.ID())
		} else {
			ic.physUse[g] = ic.physUse[g].Add(r.ID())
		}
	}
	// Without arch operand actions here, a conservative default: first
	// operand written, the rest read. Memory bases/indexes are reads.
	for i, op := range n.Ops {
		switch op.Kind {
		case asm.OperandReg:
			mark(op.Reg, i == 0)
		case asm.OperandMem:
			mark(op.Mem.Base, false)
			mark(op.Mem.Index, false)
		}
	}
}

// runInst performs the phase sequence of the local allocator for one
// instruction node at position p.
func (la *localAlloc) runInst(id ir.NodeID, n *ir.Node, p int) error {
	// Fast path: a move of a virtual into the physical register it
	// already occupies is a no-op; rewriting it would first evict the
	// value from its own destination.
	if la.a.arch.IsMov(n) && len(n.Ops) == 2 &&
		n.Ops[0].Kind == asm.OperandReg && !n.Ops[0].Reg.IsVirtual() &&
		n.Ops[1].Kind == asm.OperandReg && n.Ops[1].Reg.IsVirtual() {
		src := n.Ops[1].Reg
		if vr := &la.vregs[src.ID()]; vr.PhysID == n.Ops[0].Reg.ID() && vr.Group() == n.Ops[0].Reg.Group() {
			if sp := len(vr.Spans); sp > 0 && vr.Spans[sp-1].To <= p+2 {
				la.unassign(src.ID())
				la.dirty[src.ID()] = false
			}
			g := n.Ops[0].Reg.Group()
			la.reserved[g] = la.reserved[g].Add(n.Ops[0].Reg.ID())
			la.a.b.Nodes.Remove(id)
			return nil
		}
	}

	ic := la.collect(n, p)

	// Plan: registers this instruction will write directly or clobber
	// must not hold live virtuals when it executes.
	for g := asm.RegGroup(0); g < asm.RegGroupCount; g++ {
		willFree := ic.physOut[g] | ic.clobbers[g] | ic.physUse[g]
		avoid := ic.physOut[g] | ic.clobbers[g] | ic.physUse[g]
		willFree.Range(func(phys int) {
			v := la.occupant(g, phys)
			if v < 0 {
				return
			}
			// A use of this very virtual by the instruction keeps it; a
			// direct phys read never aliases a tracked virtual.
			if la.tiedFor(&ic, v) != nil && la.vregs[v].PhysID == phys && ic.clobbers[g].Has(phys) == false && ic.physOut[g].Has(phys) == false {
				return
			}
			la.vacate(g, phys, avoid, id)
		})
	}

	// Consecutive sequences.
	if err := la.allocConsecutive(&ic, id); err != nil {
		return err
	}

	// Allocate uses: every use-tied virtual must sit in a register.
	for i := range ic.tied {
		t := &ic.tied[i]
		if t.Flags&TiedUse == 0 {
			continue
		}
		vr := &la.vregs[t.VRegID]
		if vr.PhysID != ir.PhysNone {
			if t.UseID == ir.PhysNone || vr.PhysID == t.UseID {
				continue
			}
			// Fixed use elsewhere: shuffle.
			if err := la.shuffleTo(t.VRegID, t.UseID, id); err != nil {
				return err
			}
			continue
		}
		target := t.UseID
		if target == ir.PhysNone {
			g := vr.Group()
			mask := la.freeMask(g) &^ (ic.physOut[g] | ic.clobbers[g] | ic.physUse[g])
			if t.UseMask != 0 {
				mask &= t.UseMask
			}
			target = la.pickFree(g, mask, vr.HomeID)
			if target < 0 {
				victim := la.pickVictim(g, &ic)
				if victim < 0 {
					return fmt.Errorf("no register for v%d: %w", t.VRegID, coderr.ErrInvalidAssignment)
				}
				la.spill(victim, id)
				target = la.pickFree(g, la.freeMask(g)&^(ic.physOut[g]|ic.clobbers[g]|ic.physUse[g]), vr.HomeID)
				if target < 0 {
					return fmt.Errorf("no register for v%d after spill: %w", t.VRegID, coderr.ErrInvalidState)
				}
			}
		}
		la.reload(t.VRegID, target, id)
	}

	// Kill out-of-live uses after the instruction's read point.
	for i := range ic.tied {
		t := &ic.tied[i]
		if t.Flags&TiedKill != 0 && t.Flags&TiedOut == 0 {
			la.rewrite(n, t)
			la.unassign(t.VRegID)
			la.dirty[t.VRegID] = false
		}
	}

	// Spill anything still sitting in clobbered registers (live-across
	// values the plan phase kept because they are also uses).
	for g := asm.RegGroup(0); g < asm.RegGroupCount; g++ {
		ic.clobbers[g].Range(func(phys int) {
			if v := la.occupant(g, phys); v >= 0 {
				la.spill(v, id)
			}
		})
	}

	// Assign outs.
	var killOuts []int
	for i := range ic.tied {
		t := &ic.tied[i]
		if t.Flags&TiedOut == 0 {
			continue
		}
		vr := &la.vregs[t.VRegID]
		if vr.PhysID == ir.PhysNone {
			target := t.OutID
			if target == ir.PhysNone {
				g := vr.Group()
				mask := la.freeMask(g) &^ ic.clobbers[g]
				if t.OutMask != 0 {
					mask &= t.OutMask
				}
				target = la.pickFree(g, mask, vr.HomeID)
				if target < 0 {
					victim := la.pickVictim(g, &ic)
					if victim < 0 {
						return fmt.Errorf("no output register for v%d: %w", t.VRegID, coderr.ErrInvalidAssignment)
					}
					la.spill(victim, id)
					target = la.freeMask(g).Lowest()
				}
			}
			la.assign(t.VRegID, target)
		}
		la.dirty[t.VRegID] = true
		g := vr.Group()
		la.written[g] = la.written[g].Add(vr.PhysID)
		if t.Flags&TiedKill != 0 {
			// Defined and never used again; keep the write, drop the
			// tracking once the operand is rewritten.
			killOuts = append(killOuts, t.VRegID)
		}
	}

	// Rewrite every remaining virtual reference to its physical register.
	for i := range ic.tied {
		la.rewrite(n, &ic.tied[i])
	}
	for _, v := range killOuts {
		la.unassign(v)
		la.dirty[v] = false
	}

	// Update the reservation set: direct writes stay off-limits until a
	// clobbering instruction (a call) consumes them.
	for g := asm.RegGroup(0); g < asm.RegGroupCount; g++ {
		if ic.clobbers[g] != 0 {
			la.reserved[g] = 0
		}
		la.reserved[g] |= ic.physOut[g]
	}

	// Redundant-move elimination.
	if la.a.arch.IsMov(n) && len(n.Ops) == 2 &&
		n.Ops[0].Kind == asm.OperandReg && n.Ops[1].Kind == asm.OperandReg &&
		!n.Ops[0].Reg.IsVirtual() && !n.Ops[1].Reg.IsVirtual() &&
		n.Ops[0].Reg.ID() == n.Ops[1].Reg.ID() &&
		n.Ops[0].Reg.Group() == n.Ops[1].Reg.Group() {
		la.a.b.Nodes.Remove(id)
	}
	return nil
}

func (la *localAlloc) tiedFor(ic *instConstraints, v int) *TiedReg {
	for i := range ic.tied {
		if ic.tied[i].VRegID == v {
			return &ic.tied[i]
		}
	}
	return nil
}

// pickVictim selects the cheapest currently-assigned virtual not used by
// this instruction, or -1.
func (la *localAlloc) pickVictim(g asm.RegGroup, ic *instConstraints) int {
	best, bestCost := -1, ^uint64(0)
	alloc := la.a.arch.Allocatable(g)
	for phys := 0; phys < physPerGroup; phys++ {
		if !alloc.Has(phys) {
			continue
		}
		v := la.occupant(g, phys)
		if v < 0 || la.tiedFor(ic, v) != nil {
			continue
		}
		if c := la.spillCost(v); c < bestCost {
			best, bestCost = v, c
		}
	}
	return best
}

// shuffleTo forces v into phys, swapping or displacing the occupant. A
// swap is used when the occupant's preferred register is exactly v's
// current one; otherwise the occupant is moved away first.
func (la *localAlloc) shuffleTo(v, phys int, before ir.NodeID) error {
	vr := &la.vregs[v]
	g := vr.Group()
	for guard := 0; ; guard++ {
		if guard > physPerGroup {
			return fmt.Errorf("shuffle makes no progress: %w", coderr.ErrInvalidState)
		}
		if vr.PhysID == phys {
			return nil
		}
		occ := la.occupant(g, phys)
		if occ < 0 {
			la.moveReg(v, phys, before)
			return nil
		}
		if la.vregs[occ].HomeID == vr.PhysID && vr.PhysID != ir.PhysNone {
			la.swap(v, occ, before)
			return nil
		}
		avoid := asm.RegMask(0).Add(phys)
		if vr.PhysID != ir.PhysNone {
			avoid = avoid.Add(vr.PhysID)
		}
		la.vacate(g, phys, avoid, before)
	}
}

// swap exchanges the registers of two virtuals. On architectures with a
// native swap it is one instruction; vector groups use the xor triangle
// when the architecture has a vector xor; otherwise the pair rotates
// through v1's spill slot. Float vector data is not told apart from
// integer data, so it takes the xor triangle as well.
func (la *localAlloc) swap(v1, v2 int, before ir.NodeID) {
	a, b := &la.vregs[v1], &la.vregs[v2]
	g := a.Group()
	r1 := asm.NewReg(a.Type, a.PhysID)
	r2 := asm.NewReg(b.Type, b.PhysID)
	if inst, ok := la.a.arch.SwapInst(g); ok {
		la.insertBefore(before, inst, asm.RegOperand(r1), asm.RegOperand(r2))
	} else if xor, ok := la.a.arch.VecXor(); ok && g == asm.RegGroupVec && !isFloatData(a.Type) {
		la.insertBefore(before, xor, asm.RegOperand(r1), asm.RegOperand(r1), asm.RegOperand(r2))
		la.insertBefore(before, xor, asm.RegOperand(r2), asm.RegOperand(r2), asm.RegOperand(r1))
		la.insertBefore(before, xor, asm.RegOperand(r1), asm.RegOperand(r1), asm.RegOperand(r2))
	} else {
		// Stack-scratch rotation.
		inst, ops := la.a.arch.SpillStore(la.slotMem(v1), r1)
		la.insertBefore(before, inst, ops...)
		la.insertBefore(before, la.a.arch.MoveInst(a.Type), asm.RegOperand(r1), asm.RegOperand(r2))
		inst, ops = la.a.arch.SpillLoad(r2, la.slotMem(v1))
		la.insertBefore(before, inst, ops...)
	}
	p1, p2 := a.PhysID, b.PhysID
	la.unassign(v1)
	la.unassign(v2)
	la.assign(v1, p2)
	la.assign(v2, p1)
	la.written[g] = la.written[g].Add(p1).Add(p2)
}

func isFloatData(t asm.RegType) bool {
	// Register types do not distinguish float lanes, so every vector type
	// is treated as integer data.
	return false
}

// rewrite replaces v's references in the node with its physical register,
// keeping each reference's register type.
func (la *localAlloc) rewrite(n *ir.Node, t *TiedReg) {
	vr := &la.vregs[t.VRegID]
	if vr.PhysID == ir.PhysNone {
		return
	}
	for _, ref := range t.opIndexes {
		op := &n.Ops[ref.op]
		switch ref.part {
		case 0:
			op.Reg = asm.NewReg(op.Reg.Type(), vr.PhysID)
		case 1:
			op.Mem.Base = asm.NewReg(op.Mem.Base.Type(), vr.PhysID)
		case 2:
			op.Mem.Index = asm.NewReg(op.Mem.Index.Type(), vr.PhysID)
		}
	}
}

// allocConsecutive satisfies a lead operand requesting k consecutive
// registers. Candidate leads are scored by availability, home match and
// current-assignment match; the best scoring lead wins.
func (la *localAlloc) allocConsecutive(ic *instConstraints, before ir.NodeID) error {
	for i := range ic.tied {
		t := &ic.tied[i]
		if t.Flags&TiedLeadConsecutive == 0 || t.ConsecutiveCount < 2 {
			continue
		}
		vr := &la.vregs[t.VRegID]
		g := vr.Group()
		alloc := la.a.arch.Allocatable(g)
		k := int(t.ConsecutiveCount)

		bestLead, bestScore := -1, -1
		for lead := 0; lead+k <= physPerGroup; lead++ {
			score := 0
			ok := true
			for j := 0; j < k; j++ {
				id := lead + j
				if !alloc.Has(id) {
					ok = false
					break
				}
				if la.occupant(g, id) < 0 {
					score += 2
				}
			}
			if !ok {
				continue
			}
			if vr.HomeID == lead {
				score += 4
			}
			if vr.PhysID == lead {
				score += 3
			}
			if score > bestScore {
				bestLead, bestScore = lead, score
			}
		}
		if bestLead < 0 {
			return fmt.Errorf("%d consecutive %s registers: %w", k, g, coderr.ErrConsecutiveRegsAllocation)
		}
		// Vacate and claim the run for the lead; followers are fixed by
		// position.
		for j := 0; j < k; j++ {
			avoid := asm.RegMask(0)
			for x := 0; x < k; x++ {
				avoid = avoid.Add(bestLead + x)
			}
			la.vacate(g, bestLead+j, avoid, before)
		}
		t.UseID = bestLead
		t.OutID = bestLead
	}
	return nil
}
