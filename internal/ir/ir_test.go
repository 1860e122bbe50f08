package ir

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/forgejit/forge/internal/abi"
	"github.com/forgejit/forge/internal/asm"
	"github.com/forgejit/forge/internal/coderr"
)

func collect(t *testing.T, l *List) []NodeID {
	t.Helper()
	var ids []NodeID
	require.NoError(t, l.Walk(func(id NodeID, n *Node) error {
		ids = append(ids, id)
		return nil
	}))
	return ids
}

func TestList_AppendInsertRemove(t *testing.T) {
	l := NewList()
	a := l.Alloc(NodeComment)
	b := l.Alloc(NodeComment)
	c := l.Alloc(NodeComment)
	l.Append(a)
	l.Append(c)
	l.InsertAfter(b, a)
	require.Equal(t, []NodeID{a, b, c}, collect(t, l))

	d := l.Alloc(NodeComment)
	l.InsertBefore(d, a)
	require.Equal(t, []NodeID{d, a, b, c}, collect(t, l))
	require.Equal(t, d, l.First())
	require.Equal(t, c, l.Last())

	l.Remove(b)
	require.Equal(t, []NodeID{d, a, c}, collect(t, l))
	require.False(t, l.Get(b).IsActive())

	l.Remove(d)
	require.Equal(t, a, l.First())
	l.Remove(c)
	require.Equal(t, a, l.Last())
}

func TestList_Prepend(t *testing.T) {
	l := NewList()
	a := l.Alloc(NodeComment)
	b := l.Alloc(NodeComment)
	l.Prepend(a)
	l.Prepend(b)
	require.Equal(t, []NodeID{b, a}, collect(t, l))
}

func TestList_WalkRemoveCurrent(t *testing.T) {
	// Iteration stays stable when the callback removes the current node.
	l := NewList()
	var ids []NodeID
	for i := 0; i < 4; i++ {
		id := l.Alloc(NodeComment)
		l.Append(id)
		ids = append(ids, id)
	}
	var seen []NodeID
	require.NoError(t, l.Walk(func(id NodeID, n *Node) error {
		seen = append(seen, id)
		l.Remove(id)
		return nil
	}))
	require.Equal(t, ids, seen)
	require.Equal(t, NodeNone, l.First())
}

func TestList_WalkInsertAfterCurrent(t *testing.T) {
	// Nodes inserted after the current one are visited, which is how the
	// allocator sees its own spill code.
	l := NewList()
	a := l.Alloc(NodeComment)
	l.Append(a)
	inserted := false
	var count int
	require.NoError(t, l.Walk(func(id NodeID, n *Node) error {
		count++
		if !inserted {
			inserted = true
			b := l.Alloc(NodeComment)
			l.InsertAfter(b, id)
		}
		return nil
	}))
	require.Equal(t, 2, count)
}

func newTestBuilder(t *testing.T) *Builder {
	t.Helper()
	return NewBuilder(asm.NewCodeHolder(asm.ArchX64))
}

func TestBuilder_Labels(t *testing.T) {
	b := newTestBuilder(t)
	l := b.NewLabel()
	require.Equal(t, asm.LabelID(0), l)
	id := b.Bind(l)
	require.Equal(t, NodeLabel, b.Nodes.Get(id).Kind)

	named, err := b.NewNamedLabel("loop")
	require.NoError(t, err)
	_, err = b.NewNamedLabel("loop")
	require.ErrorIs(t, err, coderr.ErrLabelAlreadyDefined)
	require.NotEqual(t, l, named)
}

func TestBuilder_Virtuals(t *testing.T) {
	b := newTestBuilder(t)
	v0 := b.NewVirtual(asm.RegTypeGP64)
	v1 := b.NewVirtual(asm.RegTypeVec128)
	require.True(t, v0.IsVirtual())
	require.Equal(t, 0, v0.ID())
	require.Equal(t, 1, v1.ID())
	require.Equal(t, byte(8), b.VirtReg(v0).Size)
	require.Equal(t, PhysNone, b.VirtReg(v0).HomeID)
}

func TestBuilder_FuncArgs(t *testing.T) {
	b := newTestBuilder(t)
	sig := abi.NewSignature(abi.CallConvX64SysV, abi.TypeI64, abi.TypeI64, abi.TypeI64)

	_, err := b.GetArg(0)
	require.ErrorIs(t, err, coderr.ErrInvalidState)

	fn, err := b.Func(sig)
	require.NoError(t, err)
	fd := b.Nodes.Get(fn).Func
	require.NotNil(t, fd)

	a0, err := b.GetArg(0)
	require.NoError(t, err)
	require.Equal(t, 7, b.VirtReg(a0).HomeID) // rdi

	_, err = b.GetArg(2)
	require.ErrorIs(t, err, coderr.ErrInvalidArgument)

	// Nested functions are rejected.
	_, err = b.Func(sig)
	require.ErrorIs(t, err, coderr.ErrInvalidState)

	_, err = b.Ret(asm.RegOperand(a0))
	require.NoError(t, err)
	end, err := b.EndFunc()
	require.NoError(t, err)
	require.Equal(t, end, fd.End)
	require.Equal(t, NodeNone, b.CurrentFunc())
}

func TestBuilder_Invoke(t *testing.T) {
	b := newTestBuilder(t)
	sig := abi.NewSignature(abi.CallConvX64SysV, abi.TypeVoid, abi.TypeI64)
	fnSig := abi.NewSignature(abi.CallConvX64SysV, abi.TypeVoid)
	_, err := b.Func(fnSig)
	require.NoError(t, err)

	target := b.NewLabel()
	v := b.NewVirtual(asm.RegTypeGP64)
	_, err = b.Invoke(asm.LabelOperand(target), sig, []asm.Operand{asm.RegOperand(v)}, asm.RegNone)
	require.NoError(t, err)
	fd := b.Nodes.Get(b.CurrentFunc()).Func
	require.True(t, fd.Frame.HasCalls)

	// Arg count mismatch.
	_, err = b.Invoke(asm.LabelOperand(target), sig, nil, asm.RegNone)
	require.ErrorIs(t, err, coderr.ErrInvalidArgument)
}

func TestVirtReg_Spans(t *testing.T) {
	v := VirtReg{SpillOffset: SpillNone, PhysID: PhysNone}
	v.AddDef(4, 1)
	v.AddUse(6, 1)
	// A use after a gap extends the open span: the value stays live from
	// its definition to the last reference.
	v.AddUse(12, 1)
	v.AddDef(20, 1)
	require.Equal(t, []LiveSpan{{From: 4, To: 13}, {From: 20, To: 22}}, v.Spans)
	require.Equal(t, uint32(4), v.Weight)

	o := VirtReg{Spans: []LiveSpan{{From: 13, To: 20}}}
	require.False(t, v.SpansIntersect(&o))
	o2 := VirtReg{Spans: []LiveSpan{{From: 7, To: 9}}}
	require.True(t, v.SpansIntersect(&o2))
}

func TestVirtReg_Spilled(t *testing.T) {
	v := VirtReg{PhysID: PhysNone, SpillOffset: SpillNone}
	require.False(t, v.Spilled())
	v.SpillOffset = 16
	require.True(t, v.Spilled())
	v.PhysID = 3
	require.False(t, v.Spilled())
}
