package bitset

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBitSet_SetHasClear(t *testing.T) {
	var b BitSet
	require.False(t, b.Has(0))
	b.Set(3)
	b.Set(64)
	b.Set(319)
	require.True(t, b.Has(3))
	require.True(t, b.Has(64))
	require.True(t, b.Has(319))
	require.False(t, b.Has(4))
	b.Clear(64)
	require.False(t, b.Has(64))
	require.Equal(t, 2, b.Count())
}

func TestBitSet_Scan(t *testing.T) {
	var b BitSet
	for _, i := range []uint{1, 63, 64, 200} {
		b.Set(i)
	}
	var got []uint
	b.Scan(func(i uint) { got = append(got, i) })
	require.Equal(t, []uint{1, 63, 64, 200}, got)
}

func TestBitSet_UnionWith(t *testing.T) {
	var a, b BitSet
	b.Set(5)
	b.Set(100)
	require.True(t, a.UnionWith(&b))
	require.True(t, a.Has(5))
	require.True(t, a.Has(100))
	// Second union is a no-op.
	require.False(t, a.UnionWith(&b))
}

func TestBitSet_DiffUnion(t *testing.T) {
	var out, src, kill, gen BitSet
	src.Set(1)
	src.Set(2)
	src.Set(70)
	kill.Set(2)
	gen.Set(3)

	require.True(t, out.DiffUnion(&src, &kill, &gen))
	require.True(t, out.Has(1))
	require.False(t, out.Has(2))
	require.True(t, out.Has(3))
	require.True(t, out.Has(70))
	// Fixpoint: applying the same transfer again changes nothing.
	require.False(t, out.DiffUnion(&src, &kill, &gen))
}

func TestAlign(t *testing.T) {
	require.Equal(t, uint32(16), AlignUp(9, 16))
	require.Equal(t, uint32(16), AlignUp(16, 16))
	require.Equal(t, uint32(0), AlignUp(0, 16))
	require.Equal(t, uint32(8), AlignDown(15, 8))
	require.True(t, IsAligned(32, 16))
	require.False(t, IsAligned(24, 16))
}

func TestBitHelpers(t *testing.T) {
	require.Equal(t, 3, PopCount(0b1011))
	require.Equal(t, 2, TrailingZeros(0b100))
	require.Equal(t, 64, TrailingZeros(0))
	require.Equal(t, uint64(0b100), LowestSet(0b101100))
}
