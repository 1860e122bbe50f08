package regalloc

import (
	"fmt"
	"sort"

	"github.com/forgejit/forge/internal/asm"
	"github.com/forgejit/forge/internal/coderr"
	"github.com/forgejit/forge/internal/ir"
)

// spilledLoc marks "lives in its spill slot" in assignment maps.
const spilledLoc = -2

// captureState records where every live-out virtual of the block lives.
func (la *localAlloc) captureState(blk *block) map[int]int {
	state := map[int]int{}
	blk.liveOut.Scan(func(v uint) {
		vr := &la.vregs[v]
		switch {
		case vr.PhysID != ir.PhysNone:
			state[int(v)] = vr.PhysID
		case vr.SpillOffset != ir.SpillNone:
			state[int(v)] = spilledLoc
		}
	})
	return state
}

// setState primes the allocator for a block entry.
func (la *localAlloc) setState(state map[int]int) {
	for g := range la.groups {
		la.groups[g].reset()
		la.reserved[g] = 0
	}
	for i := range la.vregs {
		la.vregs[i].PhysID = ir.PhysNone
	}
	for v, loc := range state {
		if loc >= 0 {
			la.assign(v, loc)
			// Conservatively treat inherited register values as dirty.
			la.dirty[v] = true
		}
	}
}

// pMove is one element of a parallel register permutation.
type pMove struct {
	dst, src int
	typ      asm.RegType
}

// conformTo emits the moves, saves and loads that turn the current
// assignment into target, inserting before the given node. The allocator
// state is updated to match.
func (la *localAlloc) conformTo(target map[int]int, before ir.NodeID) error {
	// Saves first: values the target wants in memory.
	var vs []int
	for v := range target {
		vs = append(vs, v)
	}
	sort.Ints(vs)
	for _, v := range vs {
		if target[v] == spilledLoc && la.vregs[v].PhysID != ir.PhysNone {
			la.spill(v, before)
		}
	}

	// Register-to-register permutation.
	var moves []pMove
	var moved []int
	for _, v := range vs {
		loc := target[v]
		vr := &la.vregs[v]
		if loc >= 0 && vr.PhysID != ir.PhysNone && vr.PhysID != loc {
			moves = append(moves, pMove{dst: loc, src: vr.PhysID, typ: vr.Type})
			moved = append(moved, v)
		}
	}
	if err := la.resolveParallelMoves(moves, before); err != nil {
		return err
	}
	// Update tracking to the post-permutation layout.
	for _, v := range moved {
		la.unassign(v)
	}
	for _, v := range moved {
		la.assign(v, target[v])
	}

	// Loads last: values the target wants back in registers.
	for _, v := range vs {
		loc := target[v]
		vr := &la.vregs[v]
		if loc >= 0 && vr.PhysID == ir.PhysNone {
			if occ := la.occupant(vr.Group(), loc); occ >= 0 && occ != v {
				la.spill(occ, before)
			}
			la.reload(v, loc, before)
			la.dirty[v] = true
		}
	}
	return nil
}

// resolveParallelMoves emits a sequence realizing the permutation: any
// move whose destination no pending move still reads is emitted first;
// remaining cycles are broken with the native swap when the group has
// one, else through a scratch register.
func (la *localAlloc) resolveParallelMoves(moves []pMove, before ir.NodeID) error {
	pending := append([]pMove(nil), moves...)
	emit := func(dst, src int, t asm.RegType) {
		la.insertBefore(before, la.a.arch.MoveInst(t),
			asm.RegOperand(asm.NewReg(t, dst)), asm.RegOperand(asm.NewReg(t, src)))
		la.written[t.Group()] = la.written[t.Group()].Add(dst)
	}
	for len(pending) > 0 {
		progress := false
		for i := 0; i < len(pending); i++ {
			m := pending[i]
			read := false
			for j, o := range pending {
				if j != i && o.src == m.dst && o.typ.Group() == m.typ.Group() {
					read = true
					break
				}
			}
			if read {
				continue
			}
			emit(m.dst, m.src, m.typ)
			pending = append(pending[:i], pending[i+1:]...)
			i--
			progress = true
		}
		if progress || len(pending) == 0 {
			continue
		}
		// Only cycles remain; break the first one.
		m := pending[0]
		g := m.typ.Group()
		if swap, ok := la.a.arch.SwapInst(g); ok {
			la.insertBefore(before, swap,
				asm.RegOperand(asm.NewReg(m.typ, m.dst)), asm.RegOperand(asm.NewReg(m.typ, m.src)))
			la.written[g] = la.written[g].Add(m.dst).Add(m.src)
			pending = pending[1:]
			for i := range pending {
				if pending[i].src == m.dst && pending[i].typ.Group() == g {
					pending[i].src = m.src
				}
			}
			continue
		}
		scratch := la.a.arch.Scratch(g)
		if scratch[0] < 0 {
			return fmt.Errorf("register cycle without swap or scratch: %w", coderr.ErrInvalidState)
		}
		// Park the destination's current value in scratch, redirect its
		// readers, and let the normal pass continue.
		emit(scratch[0], m.dst, m.typ)
		for i := range pending {
			if pending[i].src == m.dst && pending[i].typ.Group() == g {
				pending[i].src = scratch[0]
			}
		}
	}
	return nil
}

// propagate copies or reconciles the exit state with every successor. On
// an edge whose target already has a different entry assignment,
// resolution code is inserted at the end of this block; such an edge is
// rejected when it is critical (multiple successors meeting a
// multi-predecessor target).
func (a *Allocator) propagate(la *localAlloc, blk *block, insertPoint ir.NodeID) error {
	exit := la.captureState(blk)
	blk.exitAssignments = exit
	for _, s := range blk.succs {
		succ := a.blocks[s]
		if succ.entryAssignments == nil {
			// First edge into the successor: adopt this exit for the
			// registers it actually needs.
			entry := map[int]int{}
			succ.liveIn.Scan(func(v uint) {
				if loc, ok := exit[int(v)]; ok {
					entry[int(v)] = loc
				}
			})
			succ.entryAssignments = entry
			continue
		}
		// Reconciliation needed?
		same := true
		succ.liveIn.Scan(func(v uint) {
			if exit[int(v)] != succ.entryAssignments[int(v)] {
				same = false
			}
		})
		if same {
			continue
		}
		if len(blk.succs) > 1 && len(succ.preds) > 1 {
			return fmt.Errorf("critical edge %d→%d needs resolution: %w", blk.id, succ.id, coderr.ErrInvalidState)
		}
		if err := la.conformTo(succ.entryAssignments, insertPoint); err != nil {
			return err
		}
		// The moves execute on every path leaving this block, so the
		// recorded exit must reflect them.
		exit = la.captureState(blk)
		blk.exitAssignments = exit
	}
	return nil
}
