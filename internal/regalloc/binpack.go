package regalloc

import (
	"sort"

	"github.com/forgejit/forge/internal/asm"
	"github.com/forgejit/forge/internal/ir"
)

// bundle is a set of virtual registers that must share one physical
// register: the unit the global bin-packer places. Members' live spans are
// pairwise disjoint by construction.
type bundle struct {
	id      int
	members []int
	group   asm.RegGroup
	// priority is the sum of member widths and frequencies.
	priority uint32
	// homeID is inherited from a fixed-register hint of any member.
	homeID int
	// assigned is the physical id placed by the bin-packer, or PhysNone
	// when placement failed and the local allocator must handle it.
	assigned int
	// consecutive is the run length for argument packs; 0 for ordinary
	// bundles.
	consecutive int
}

// intersects reports whether any member's live spans intersect other's
// (pairwise span tests).
func (bn *bundle) intersects(vregs []ir.VirtReg, other *ir.VirtReg) bool {
	for _, m := range bn.members {
		if vregs[m].SpansIntersect(other) {
			return true
		}
	}
	return false
}

func (bn *bundle) intersectsBundle(vregs []ir.VirtReg, o *bundle) bool {
	for _, m := range o.members {
		if bn.intersects(vregs, &vregs[m]) {
			return true
		}
	}
	return false
}

// buildBundles creates singleton bundles, records coalescing candidates
// from mov instructions and fixed-register hints, merges what it can, and
// bin-packs the result. On return every bundle is either assigned a
// physical id (propagated into the members' HomeID) or left for the local
// allocator.
func (a *Allocator) buildBundles() {
	vregs := a.b.VirtRegs()
	nodes := a.b.Nodes

	bundles := make([]*bundle, 0, len(vregs))
	for i := range vregs {
		vr := &vregs[i]
		if len(vr.Spans) == 0 {
			vr.Bundle = -1
			continue
		}
		bn := &bundle{
			id:       len(bundles),
			members:  []int{i},
			group:    vr.Group(),
			priority: vr.Weight + uint32(vr.Size),
			homeID:   vr.HomeID,
			assigned: ir.PhysNone,
		}
		vr.Bundle = bn.id
		bundles = append(bundles, bn)
	}

	// Coalescing candidates from the mov family; fixed hints from moves
	// with a physical side.
	type candidate struct{ dst, src int }
	var cands []candidate
	for id := a.first; id != a.end; id = nodes.Get(id).Next() {
		n := nodes.Get(id)
		if n.Kind != ir.NodeInst || !a.arch.IsMov(n) || len(n.Ops) != 2 {
			continue
		}
		d, s := n.Ops[0], n.Ops[1]
		if d.Kind != asm.OperandReg || s.Kind != asm.OperandReg {
			continue
		}
		switch {
		case d.Reg.IsVirtual() && s.Reg.IsVirtual():
			cands = append(cands, candidate{dst: d.Reg.ID(), src: s.Reg.ID()})
		case d.Reg.IsVirtual() && !s.Reg.IsVirtual():
			if vr := &vregs[d.Reg.ID()]; vr.HomeID == ir.PhysNone {
				vr.HomeID = s.Reg.ID()
			}
		case !d.Reg.IsVirtual() && s.Reg.IsVirtual():
			if vr := &vregs[s.Reg.ID()]; vr.HomeID == ir.PhysNone {
				vr.HomeID = d.Reg.ID()
			}
		}
	}

	// Singleton bundles inherit the fixed-register hints recorded above.
	for _, bn := range bundles {
		if bn.homeID == ir.PhysNone {
			bn.homeID = vregs[bn.members[0]].HomeID
		}
	}

	// Coalesce: merge bundles whose spans do not intersect and whose
	// members share a register class.
	find := func(v int) *bundle {
		if vregs[v].Bundle < 0 {
			return nil
		}
		return bundles[vregs[v].Bundle]
	}
	for _, c := range cands {
		bd, bs := find(c.dst), find(c.src)
		if bd == nil || bs == nil || bd == bs || bd.group != bs.group {
			continue
		}
		if bd.intersectsBundle(vregs, bs) {
			continue
		}
		// Merge bs into bd.
		bd.members = append(bd.members, bs.members...)
		bd.priority += bs.priority
		if bd.homeID == ir.PhysNone {
			bd.homeID = bs.homeID
		}
		for _, m := range bs.members {
			vregs[m].Bundle = bd.id
		}
		bs.members = nil
	}

	a.binPack(bundles)
}

// binPack places bundles onto physical registers per group: consecutive
// packs first, then by priority; pass 1 honors home hints, pass 2 takes
// the lowest feasible id preferring non-preserved registers. Unplaced
// bundles stay unassigned for the local allocator.
func (a *Allocator) binPack(bundles []*bundle) {
	vregs := a.b.VirtRegs()

	for g := asm.RegGroup(0); g < asm.RegGroupCount; g++ {
		var work []*bundle
		for _, bn := range bundles {
			if len(bn.members) > 0 && bn.group == g {
				work = append(work, bn)
			}
		}
		if len(work) == 0 {
			continue
		}
		// Consecutive-register requests first, then priority descending.
		sort.SliceStable(work, func(i, j int) bool {
			if (work[i].consecutive > 0) != (work[j].consecutive > 0) {
				return work[i].consecutive > 0
			}
			return work[i].priority > work[j].priority
		})

		allocatable := a.arch.Allocatable(g)
		preferred := a.arch.Preferred(g)
		// occupied tracks, per physical id, the bundles already placed.
		occupied := map[int][]*bundle{}

		fits := func(bn *bundle, phys int) bool {
			if !allocatable.Has(phys) {
				return false
			}
			for _, o := range occupied[phys] {
				if bn.intersectsBundle(vregs, o) {
					return false
				}
			}
			return true
		}
		place := func(bn *bundle, phys int) {
			bn.assigned = phys
			occupied[phys] = append(occupied[phys], bn)
			for _, m := range bn.members {
				vregs[m].HomeID = phys
			}
		}

		// Pass 1: home hints.
		for _, bn := range work {
			if bn.homeID != ir.PhysNone && fits(bn, bn.homeID) {
				place(bn, bn.homeID)
			}
		}
		// Pass 2: lowest feasible id, preferred mask first.
		for _, bn := range work {
			if bn.assigned != ir.PhysNone {
				continue
			}
			tryMask := func(m asm.RegMask) bool {
				done := false
				m.Range(func(id int) {
					if !done && fits(bn, id) {
						place(bn, id)
						done = true
					}
				})
				return done
			}
			if tryMask(allocatable & preferred) {
				continue
			}
			tryMask(allocatable &^ preferred)
			// Unplaced bundles fall through to the local allocator.
		}
	}
}
