package regalloc

import (
	"fmt"

	"github.com/forgejit/forge/internal/asm"
	"github.com/forgejit/forge/internal/expconfig"
	"github.com/forgejit/forge/internal/ir"
)

// Run performs the full allocation of one function: CFG construction,
// liveness, coalescing and bin-packing, then the local per-instruction
// pass block by block, resolving assignments across block transitions.
// On return every virtual register reference in the function's nodes has
// been rewritten to a physical register or routed through its spill slot,
// and the function frame knows every register the body dirties.
func (a *Allocator) Run() error {
	if err := a.buildBlocks(); err != nil {
		return err
	}
	a.computeLiveness()
	a.buildBundles()

	la := newLocalAlloc(a)
	nodes := a.b.Nodes

	for _, blk := range a.blocks {
		entry := blk.entryAssignments
		if entry == nil {
			entry = map[int]int{}
			blk.entryAssignments = entry
		}
		la.setState(entry)

		// insertPoint for transition resolution: the block's terminator
		// if it is a branch, else after the last node.
		for id := blk.first; ; {
			n := nodes.Get(id)
			next := n.Next()
			if n.Kind == ir.NodeInst && n.IsActive() {
				p := a.pos[id]
				if err := la.runInst(id, n, p); err != nil {
					return err
				}
			}
			if id == blk.last {
				break
			}
			id = next
		}

		// Drop values that are dead past the block.
		for v := range la.vregs {
			vr := &la.vregs[v]
			if vr.PhysID != ir.PhysNone && !blk.liveOut.Has(uint(v)) {
				la.unassign(v)
				la.dirty[v] = false
			}
		}

		insertPoint := a.resolutionPoint(blk)
		if err := a.propagate(la, blk, insertPoint); err != nil {
			return err
		}
		if expconfig.DebugRegAlloc {
			fmt.Printf("regalloc: block %d [%d,%d) exit=%v\n", blk.id, blk.start, blk.end, blk.exitAssignments)
		}
	}

	for g := asm.RegGroup(0); g < asm.RegGroupCount; g++ {
		a.fn.Frame.AddDirtyRegs(g, la.written[g])
	}
	return nil
}

// resolutionPoint returns the node transition moves are inserted before:
// the block's final branch when it has one, otherwise the node following
// the block (moves go at the very end of the block).
func (a *Allocator) resolutionPoint(blk *block) ir.NodeID {
	nodes := a.b.Nodes
	last := blk.last
	n := nodes.Get(last)
	if n.Kind == ir.NodeInst {
		if _, _, isBr := a.arch.BranchTarget(n); isBr {
			return last
		}
	}
	// Insert after the block's last node by targeting its successor node.
	if next := n.Next(); next != ir.NodeNone {
		return next
	}
	return last
}

// Positions exposes the instruction numbering for tests.
func (a *Allocator) Positions() map[ir.NodeID]int { return a.pos }

// BlockCount exposes the CFG size for tests.
func (a *Allocator) BlockCount() int { return len(a.blocks) }
