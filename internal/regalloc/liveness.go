package regalloc

import (
	"fmt"

	"github.com/forgejit/forge/internal/asm"
	"github.com/forgejit/forge/internal/bitset"
	"github.com/forgejit/forge/internal/coderr"
	"github.com/forgejit/forge/internal/ir"
)

// block is one straight-line region of the function.
type block struct {
	id          int
	first, last ir.NodeID
	// start and end are the instruction-position bounds [start, end).
	start, end int
	succs      []int
	preds      []int

	gen, kill        bitset.BitSet
	liveIn, liveOut  bitset.BitSet
	weight           uint32
	entryAssignments map[int]int // vreg id → phys id at block entry
	exitAssignments  map[int]int
}

// Allocator carries the state of one function's register allocation.
type Allocator struct {
	arch  ArchInfo
	b     *ir.Builder
	fn    *ir.FuncData
	first ir.NodeID // the NodeFunc
	end   ir.NodeID // the matching sentinel

	blocks       []*block
	labelToBlock map[asm.LabelID]int
	// pos assigns each instruction node its even position.
	pos map[ir.NodeID]int
}

// New returns an allocator for the function opened at fnNode.
func New(arch ArchInfo, b *ir.Builder, fnNode ir.NodeID) (*Allocator, error) {
	fd := b.Nodes.Get(fnNode).Func
	if fd == nil {
		return nil, fmt.Errorf("node %d is not a function: %w", fnNode, coderr.ErrInvalidArgument)
	}
	if fd.End == ir.NodeNone {
		return nil, fmt.Errorf("function not closed: %w", coderr.ErrInvalidState)
	}
	return &Allocator{
		arch:         arch,
		b:            b,
		fn:           fd,
		first:        fnNode,
		end:          fd.End,
		labelToBlock: map[asm.LabelID]int{},
		pos:          map[ir.NodeID]int{},
	}, nil
}

func isInstLike(n *ir.Node) bool {
	switch n.Kind {
	case ir.NodeInst, ir.NodeInvoke, ir.NodeFuncRet:
		return true
	}
	return false
}

// buildBlocks splits the function body into basic blocks and wires the
// CFG. A block begins at a label/block node or after a branch; it ends at
// a terminator, a conditional branch, or before the next label.
func (a *Allocator) buildBlocks() error {
	nodes := a.b.Nodes
	var cur *block
	newBlock := func(first ir.NodeID) *block {
		blk := &block{id: len(a.blocks), first: first, last: first}
		a.blocks = append(a.blocks, blk)
		return blk
	}

	pos := 0
	curHasInst := false
	for id := nodes.Get(a.first).Next(); id != a.end; id = nodes.Get(id).Next() {
		n := nodes.Get(id)
		switch {
		case n.Kind == ir.NodeLabel || n.Kind == ir.NodeBlock:
			// A label opens a new block unless the current one holds
			// nothing but labels yet.
			if cur == nil || curHasInst {
				cur = newBlock(id)
				curHasInst = false
			}
			a.labelToBlock[n.Label] = cur.id
			cur.last = id
			// The block takes the position of the first following
			// instruction.
			a.pos[id] = pos
		case isInstLike(n):
			if cur == nil {
				cur = newBlock(id)
				curHasInst = false
			}
			curHasInst = true
			a.pos[id] = pos
			pos += 2
			cur.last = id
			if _, _, isBr := a.arch.BranchTarget(n); isBr {
				cur = nil
			} else if a.arch.IsTerminator(n) || n.Kind == ir.NodeFuncRet {
				cur = nil
			}
		default:
			if cur != nil {
				cur.last = id
			}
		}
	}

	// Successor edges.
	for i, blk := range a.blocks {
		fallthru := true
		for id := blk.first; ; id = nodes.Get(id).Next() {
			n := nodes.Get(id)
			if isInstLike(n) {
				if label, cond, isBr := a.arch.BranchTarget(n); isBr {
					t, ok := a.labelToBlock[label]
					if !ok {
						return fmt.Errorf("branch to label %d outside function: %w", label, coderr.ErrInvalidLabel)
					}
					blk.succs = append(blk.succs, t)
					if !cond {
						fallthru = false
					}
				}
				if a.arch.IsTerminator(n) || n.Kind == ir.NodeFuncRet {
					fallthru = false
				}
			}
			if id == blk.last {
				break
			}
		}
		if fallthru && i+1 < len(a.blocks) {
			blk.succs = append(blk.succs, i+1)
		}
	}
	for _, blk := range a.blocks {
		for _, s := range blk.succs {
			a.blocks[s].preds = append(a.blocks[s].preds, blk.id)
		}
	}

	// Position bounds.
	for _, blk := range a.blocks {
		blk.start = a.pos[blk.first]
		last := blk.start
		for id := blk.first; ; id = nodes.Get(id).Next() {
			if p, ok := a.pos[id]; ok && isInstLike(nodes.Get(id)) {
				last = p + 2
			}
			if id == blk.last {
				break
			}
		}
		blk.end = last
	}

	a.computeWeights()
	return nil
}

// computeWeights multiplies the weight of all blocks enclosed by a
// backward branch by 10 per loop nest.
func (a *Allocator) computeWeights() {
	for _, blk := range a.blocks {
		blk.weight = 1
	}
	for _, blk := range a.blocks {
		for _, s := range blk.succs {
			if s <= blk.id {
				for i := s; i <= blk.id; i++ {
					if w := a.blocks[i].weight; w < 1<<20 {
						a.blocks[i].weight = w * 10
					}
				}
			}
		}
	}
}

// visitRefs calls use/def for every virtual register reference of an
// instruction-like node. Memory base/index registers are always reads.
func (a *Allocator) visitRefs(n *ir.Node, use func(v int, t asm.RegType), def func(v int, t asm.RegType)) {
	switch n.Kind {
	case ir.NodeInvoke:
		inv := n.Invoke
		for _, op := range inv.Args {
			visitOperandReads(op, use)
		}
		visitOperandReads(inv.Target, use)
		if inv.Ret.IsValid() && inv.Ret.IsVirtual() {
			def(inv.Ret.ID(), inv.Ret.Type())
		}
	case ir.NodeFuncRet:
		for _, op := range n.Ops {
			visitOperandReads(op, use)
		}
	case ir.NodeInst:
		actions := a.arch.OperandActions(n)
		for i, op := range n.Ops {
			act := OpUse
			if i < len(actions) {
				act = actions[i]
			}
			switch op.Kind {
			case asm.OperandReg:
				if !op.Reg.IsVirtual() {
					continue
				}
				v, t := op.Reg.ID(), op.Reg.Type()
				switch act {
				case OpUse:
					use(v, t)
				case OpOut:
					def(v, t)
				case OpUseOut:
					use(v, t)
					def(v, t)
				}
			case asm.OperandMem:
				visitOperandReads(op, use)
			}
		}
	}
}

func visitOperandReads(op asm.Operand, use func(v int, t asm.RegType)) {
	switch op.Kind {
	case asm.OperandReg:
		if op.Reg.IsVirtual() {
			use(op.Reg.ID(), op.Reg.Type())
		}
	case asm.OperandMem:
		if op.Mem.Base.IsVirtual() {
			use(op.Mem.Base.ID(), op.Mem.Base.Type())
		}
		if op.Mem.Index.IsVirtual() {
			use(op.Mem.Index.ID(), op.Mem.Index.Type())
		}
	}
}

// computeLiveness fills gen/kill per block, iterates the backward
// dataflow to fixpoint, and extracts live spans and weights into the
// virtual register records.
func (a *Allocator) computeLiveness() {
	nodes := a.b.Nodes

	// Per-block gen/kill: a read before any write in the block is gen; a
	// write is kill.
	for _, blk := range a.blocks {
		for id := blk.first; ; id = nodes.Get(id).Next() {
			n := nodes.Get(id)
			if isInstLike(n) {
				a.visitRefs(n,
					func(v int, _ asm.RegType) {
						if !blk.kill.Has(uint(v)) {
							blk.gen.Set(uint(v))
						}
					},
					func(v int, _ asm.RegType) {
						blk.kill.Set(uint(v))
					})
			}
			if id == blk.last {
				break
			}
		}
	}

	// Backward iterative dataflow:
	//   liveOut[B] = ∪ liveIn[S); liveIn[B] = (liveOut \ kill) ∪ gen.
	for changed := true; changed; {
		changed = false
		for i := len(a.blocks) - 1; i >= 0; i-- {
			blk := a.blocks[i]
			for _, s := range blk.succs {
				if blk.liveOut.UnionWith(&a.blocks[s].liveIn) {
					changed = true
				}
			}
			if blk.liveIn.DiffUnion(&blk.liveOut, &blk.kill, &blk.gen) {
				changed = true
			}
		}
	}

	// Span extraction: one forward sweep.
	vregs := a.b.VirtRegs()
	for _, blk := range a.blocks {
		blk.liveIn.Scan(func(v uint) {
			vr := &vregs[v]
			vr.Spans = append(vr.Spans, ir.LiveSpan{From: blk.start, To: blk.start + 2})
		})
		for id := blk.first; ; id = nodes.Get(id).Next() {
			n := nodes.Get(id)
			if isInstLike(n) {
				p := a.pos[id]
				a.visitRefs(n,
					func(v int, _ asm.RegType) { vregs[v].AddUse(p, blk.weight) },
					func(v int, _ asm.RegType) { vregs[v].AddDef(p+1, blk.weight) })
			}
			if id == blk.last {
				break
			}
		}
		blk.liveOut.Scan(func(v uint) {
			vr := &vregs[v]
			if n := len(vr.Spans); n > 0 && vr.Spans[n-1].To >= blk.start {
				if vr.Spans[n-1].To < blk.end {
					vr.Spans[n-1].To = blk.end
				}
			} else {
				vr.Spans = append(vr.Spans, ir.LiveSpan{From: blk.start, To: blk.end})
			}
		})
	}
}
