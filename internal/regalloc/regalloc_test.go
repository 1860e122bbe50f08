package regalloc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/forgejit/forge/internal/abi"
	"github.com/forgejit/forge/internal/asm"
	"github.com/forgejit/forge/internal/coderr"
	"github.com/forgejit/forge/internal/ir"
)

// A tiny mock machine with three allocatable gp registers (0..2) and one
// scratch (3), in the style the allocator is driven by the real adapters.
const (
	mockMov asm.InstID = iota + 1
	mockAdd
	mockUse
	mockSwap
	mockJmp
	mockJnz
	mockCall
	mockRet
)

type mockArch struct {
	regs    int
	hasSwap bool
}

func newMockArch() *mockArch { return &mockArch{regs: 3, hasSwap: true} }

func (m *mockArch) Allocatable(g asm.RegGroup) asm.RegMask {
	if g == asm.RegGroupGP {
		return asm.MaskUpTo(m.regs)
	}
	return 0
}

func (m *mockArch) Preferred(g asm.RegGroup) asm.RegMask {
	return m.Allocatable(g)
}

func (m *mockArch) Scratch(g asm.RegGroup) [2]int {
	if g == asm.RegGroupGP {
		return [2]int{3, -1}
	}
	return [2]int{-1, -1}
}

func (m *mockArch) IsMov(n *ir.Node) bool {
	return n.Kind == ir.NodeInst && n.Inst == mockMov && len(n.Ops) == 2 &&
		n.Ops[0].Kind == asm.OperandReg && n.Ops[1].Kind == asm.OperandReg
}

func (m *mockArch) BranchTarget(n *ir.Node) (asm.LabelID, bool, bool) {
	if n.Kind != ir.NodeInst || len(n.Ops) == 0 || n.Ops[len(n.Ops)-1].Kind != asm.OperandLabel {
		return 0, false, false
	}
	switch n.Inst {
	case mockJmp:
		return n.Ops[len(n.Ops)-1].Label, false, true
	case mockJnz:
		return n.Ops[len(n.Ops)-1].Label, true, true
	}
	return 0, false, false
}

func (m *mockArch) IsTerminator(n *ir.Node) bool {
	return n.Kind == ir.NodeInst && (n.Inst == mockJmp || n.Inst == mockRet)
}

func (m *mockArch) OperandActions(n *ir.Node) []OpAction {
	switch n.Inst {
	case mockMov:
		return []OpAction{OpOut, OpUse}
	case mockAdd:
		return []OpAction{OpUseOut, OpUse}
	default:
		return []OpAction{OpUse, OpUse, OpUse}
	}
}

func (m *mockArch) Clobbers(n *ir.Node) [asm.RegGroupCount]asm.RegMask {
	var c [asm.RegGroupCount]asm.RegMask
	if n.Kind == ir.NodeInst && n.Inst == mockCall {
		c[asm.RegGroupGP] = m.Allocatable(asm.RegGroupGP)
	}
	return c
}

func (m *mockArch) MoveInst(asm.RegType) asm.InstID { return mockMov }

func (m *mockArch) SwapInst(g asm.RegGroup) (asm.InstID, bool) {
	if m.hasSwap && g == asm.RegGroupGP {
		return mockSwap, true
	}
	return 0, false
}

func (m *mockArch) VecXor() (asm.InstID, bool) { return 0, false }

func (m *mockArch) SpillLoad(dst asm.Reg, slot asm.Mem) (asm.InstID, []asm.Operand) {
	return mockMov, []asm.Operand{asm.RegOperand(dst), asm.MemOperand(slot)}
}

func (m *mockArch) SpillStore(slot asm.Mem, src asm.Reg) (asm.InstID, []asm.Operand) {
	return mockMov, []asm.Operand{asm.MemOperand(slot), asm.RegOperand(src)}
}

func (m *mockArch) SpillSlotMem(offset int32, size byte) asm.Mem {
	return asm.Mem{Base: asm.FrameSlotBase, Disp: offset, Size: size}
}

func newFunc(t *testing.T) (*ir.Builder, ir.NodeID) {
	t.Helper()
	b := ir.NewBuilder(asm.NewCodeHolder(asm.ArchX64))
	fn, err := b.Func(abi.NewSignature(abi.CallConvX64SysV, abi.TypeVoid))
	require.NoError(t, err)
	return b, fn
}

func run(t *testing.T, b *ir.Builder, fn ir.NodeID) *Allocator {
	t.Helper()
	_, err := b.EndFunc()
	require.NoError(t, err)
	a, err := New(newMockArch(), b, fn)
	require.NoError(t, err)
	require.NoError(t, a.Run())
	return a
}

// physOf collects the physical ids of register operands after rewriting.
func physOps(t *testing.T, b *ir.Builder) [][]int {
	t.Helper()
	var out [][]int
	require.NoError(t, b.Nodes.Walk(func(id ir.NodeID, n *ir.Node) error {
		if n.Kind != ir.NodeInst {
			return nil
		}
		var regs []int
		for _, op := range n.Ops {
			if op.Kind == asm.OperandReg {
				require.False(t, op.Reg.IsVirtual(), "unrewritten virtual %s", op.Reg)
				regs = append(regs, op.Reg.ID())
			}
		}
		out = append(out, regs)
		return nil
	}))
	return out
}

func TestAllocator_StraightLine(t *testing.T) {
	b, fn := newFunc(t)
	v0 := b.NewVirtual(asm.RegTypeGP64)
	v1 := b.NewVirtual(asm.RegTypeGP64)
	b.Emit(mockMov, asm.RegOperand(v0), asm.ImmOperand(1))
	b.Emit(mockMov, asm.RegOperand(v1), asm.ImmOperand(2))
	b.Emit(mockAdd, asm.RegOperand(v0), asm.RegOperand(v1))
	b.Emit(mockUse, asm.RegOperand(v0))
	run(t, b, fn)

	ops := physOps(t, b)
	require.Len(t, ops, 4)
	// Distinct registers while both live.
	require.NotEqual(t, ops[0][0], ops[1][0])
	// The add reads both, the use sees the same register as the add dst.
	require.Equal(t, ops[0][0], ops[2][0])
	require.Equal(t, ops[2][0], ops[3][0])
}

func TestAllocator_NoDoubleAssignment(t *testing.T) {
	// More live values than registers: after every instruction no two
	// virtuals may share a physical register.
	b, fn := newFunc(t)
	var vs []asm.Reg
	for i := 0; i < 5; i++ {
		v := b.NewVirtual(asm.RegTypeGP64)
		vs = append(vs, v)
		b.Emit(mockMov, asm.RegOperand(v), asm.ImmOperand(int64(i)))
	}
	for _, v := range vs {
		b.Emit(mockUse, asm.RegOperand(v))
	}
	a := run(t, b, fn)
	_ = a

	// All virtual references were rewritten and the function finishes
	// without InvalidAssignment despite 5 values on 3 registers.
	physOps(t, b)
	vregs := b.VirtRegs()
	spilled := 0
	for i := range vregs {
		if vregs[i].SpillOffset != ir.SpillNone {
			spilled++
		}
	}
	require.GreaterOrEqual(t, spilled, 2)
}

func TestAllocator_SpillSlotStable(t *testing.T) {
	b, fn := newFunc(t)
	var vs []asm.Reg
	for i := 0; i < 4; i++ {
		v := b.NewVirtual(asm.RegTypeGP64)
		vs = append(vs, v)
		b.Emit(mockMov, asm.RegOperand(v), asm.ImmOperand(int64(i)))
	}
	// Force everything across a full clobber.
	b.Emit(mockCall)
	for _, v := range vs {
		b.Emit(mockUse, asm.RegOperand(v))
	}
	run(t, b, fn)

	vregs := b.VirtRegs()
	offsets := map[int32]bool{}
	for i := range vregs {
		if off := vregs[i].SpillOffset; off != ir.SpillNone {
			require.False(t, offsets[off], "spill slot %d reused", off)
			offsets[off] = true
		}
	}
	// Everything live across the call was spilled.
	require.Len(t, offsets, 4)
}

func TestAllocator_RedundantMoveEliminated(t *testing.T) {
	b, fn := newFunc(t)
	v0 := b.NewVirtual(asm.RegTypeGP64)
	// mov v0, r1 gives v0 the home hint r1; the mov becomes mov r1, r1
	// after assignment and is removed.
	b.Emit(mockMov, asm.RegOperand(v0), asm.RegOperand(asm.NewReg(asm.RegTypeGP64, 1)))
	b.Emit(mockUse, asm.RegOperand(v0))
	run(t, b, fn)

	var insts int
	require.NoError(t, b.Nodes.Walk(func(id ir.NodeID, n *ir.Node) error {
		if n.Kind == ir.NodeInst {
			insts++
		}
		return nil
	}))
	require.Equal(t, 1, insts) // only the use survives
}

func TestAllocator_Coalescing(t *testing.T) {
	b, fn := newFunc(t)
	v0 := b.NewVirtual(asm.RegTypeGP64)
	v1 := b.NewVirtual(asm.RegTypeGP64)
	b.Emit(mockMov, asm.RegOperand(v0), asm.ImmOperand(7))
	b.Emit(mockUse, asm.RegOperand(v0))
	// v1 := v0 at v0's last use: spans are disjoint, bundles merge.
	b.Emit(mockMov, asm.RegOperand(v1), asm.RegOperand(v0))
	b.Emit(mockUse, asm.RegOperand(v1))
	run(t, b, fn)

	vregs := b.VirtRegs()
	require.Equal(t, vregs[v0.ID()].Bundle, vregs[v1.ID()].Bundle)
	// Coalesced bundle members have pairwise disjoint spans.
	require.False(t, vregs[v0.ID()].SpansIntersect(&vregs[v1.ID()]))
}

func TestAllocator_Loop(t *testing.T) {
	b, fn := newFunc(t)
	v := b.NewVirtual(asm.RegTypeGP64)
	loop := b.NewLabel()
	b.Emit(mockMov, asm.RegOperand(v), asm.ImmOperand(10))
	b.Bind(loop)
	b.Emit(mockAdd, asm.RegOperand(v), asm.ImmOperand(-1))
	b.Emit(mockJnz, asm.RegOperand(v), asm.LabelOperand(loop))
	b.Emit(mockUse, asm.RegOperand(v))
	a := run(t, b, fn)
	require.Equal(t, 3, a.BlockCount())

	// Loop body weight boosts the vreg's weight past straight-line use.
	require.Greater(t, b.VirtRegs()[v.ID()].Weight, uint32(10))
}

func TestResolveParallelMoves_Permutation(t *testing.T) {
	// Property: the emitted sequence realizes the requested permutation
	// when interpreted on a machine model.
	tests := []struct {
		name  string
		moves []pMove
	}{
		{"chain", []pMove{{dst: 1, src: 0, typ: asm.RegTypeGP64}, {dst: 2, src: 1, typ: asm.RegTypeGP64}}},
		{"cycle2", []pMove{{dst: 0, src: 1, typ: asm.RegTypeGP64}, {dst: 1, src: 0, typ: asm.RegTypeGP64}}},
		{"cycle3", []pMove{
			{dst: 0, src: 1, typ: asm.RegTypeGP64},
			{dst: 1, src: 2, typ: asm.RegTypeGP64},
			{dst: 2, src: 0, typ: asm.RegTypeGP64},
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			b, fn := newFunc(t)
			anchor := b.Emit(mockRet)
			_, err := b.EndFunc()
			require.NoError(t, err)
			a, err := New(newMockArch(), b, fn)
			require.NoError(t, err)
			la := newLocalAlloc(a)
			require.NoError(t, la.resolveParallelMoves(tc.moves, anchor))

			// Interpret on a register file: regs[i] starts as value i.
			regs := map[int]int{0: 0, 1: 1, 2: 2, 3: 3}
			require.NoError(t, b.Nodes.Walk(func(id ir.NodeID, n *ir.Node) error {
				if n.Kind != ir.NodeInst {
					return nil
				}
				switch n.Inst {
				case mockMov:
					if len(n.Ops) == 2 && n.Ops[0].Kind == asm.OperandReg && n.Ops[1].Kind == asm.OperandReg {
						regs[n.Ops[0].Reg.ID()] = regs[n.Ops[1].Reg.ID()]
					}
				case mockSwap:
					a, b := n.Ops[0].Reg.ID(), n.Ops[1].Reg.ID()
					regs[a], regs[b] = regs[b], regs[a]
				}
				return nil
			}))
			for _, m := range tc.moves {
				require.Equal(t, m.src, regs[m.dst], "move %d←%d not realized", m.dst, m.src)
			}
		})
	}
}

func TestAllocator_InvariantNoSharedPhys(t *testing.T) {
	// Property: after allocation, no physical register holds two distinct
	// virtuals at any point; the assignment tables make this structural,
	// so it suffices that every rewritten operand matches its record.
	b, fn := newFunc(t)
	var vs []asm.Reg
	for i := 0; i < 6; i++ {
		v := b.NewVirtual(asm.RegTypeGP64)
		vs = append(vs, v)
		b.Emit(mockMov, asm.RegOperand(v), asm.ImmOperand(int64(i)))
	}
	for i := len(vs) - 1; i >= 0; i-- {
		b.Emit(mockUse, asm.RegOperand(vs[i]))
	}
	run(t, b, fn)
	physOps(t, b)
}

func TestAllocConsecutive(t *testing.T) {
	b, fn := newFunc(t)
	lead := b.NewVirtual(asm.RegTypeGP64)
	b.Emit(mockUse, asm.RegOperand(lead))
	_, err := b.EndFunc()
	require.NoError(t, err)
	a, err := New(newMockArch(), b, fn)
	require.NoError(t, err)
	la := newLocalAlloc(a)

	anchor := b.Nodes.Get(fn).Next()
	ic := instConstraints{tied: []TiedReg{{
		VRegID:           lead.ID(),
		Flags:            TiedUse | TiedOut | TiedLeadConsecutive,
		UseID:            ir.PhysNone,
		OutID:            ir.PhysNone,
		ConsecutiveCount: 2,
	}}}
	require.NoError(t, la.allocConsecutive(&ic, anchor))
	// Two consecutive allocatable registers exist, so a lead was fixed.
	require.Equal(t, 0, ic.tied[0].UseID)

	// Requesting more than the whole file fails.
	ic.tied[0].ConsecutiveCount = 4
	ic.tied[0].UseID = ir.PhysNone
	err = la.allocConsecutive(&ic, anchor)
	require.ErrorIs(t, err, coderr.ErrConsecutiveRegsAllocation)
}

func TestResolveParallelMoves_CycleWithoutSwap(t *testing.T) {
	// Without a native swap the cycle breaks through the scratch reg.
	b, fn := newFunc(t)
	anchor := b.Emit(mockRet)
	_, err := b.EndFunc()
	require.NoError(t, err)
	arch := newMockArch()
	arch.hasSwap = false
	a, err := New(arch, b, fn)
	require.NoError(t, err)
	la := newLocalAlloc(a)
	moves := []pMove{
		{dst: 0, src: 1, typ: asm.RegTypeGP64},
		{dst: 1, src: 0, typ: asm.RegTypeGP64},
	}
	require.NoError(t, la.resolveParallelMoves(moves, anchor))

	regs := map[int]int{0: 0, 1: 1, 2: 2, 3: 3}
	sawScratch := false
	require.NoError(t, b.Nodes.Walk(func(id ir.NodeID, n *ir.Node) error {
		if n.Kind == ir.NodeInst && n.Inst == mockMov && len(n.Ops) == 2 {
			if n.Ops[0].Reg.ID() == 3 || n.Ops[1].Reg.ID() == 3 {
				sawScratch = true
			}
			regs[n.Ops[0].Reg.ID()] = regs[n.Ops[1].Reg.ID()]
		}
		return nil
	}))
	require.True(t, sawScratch)
	require.Equal(t, 1, regs[0])
	require.Equal(t, 0, regs[1])
}
