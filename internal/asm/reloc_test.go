package asm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/forgejit/forge/internal/coderr"
)

func holderWithText(t *testing.T, n int) *CodeHolder {
	t.Helper()
	ch := NewCodeHolder(ArchX64)
	ch.Text().Buf.EmitZeros(n)
	return ch
}

func addFixup(t *testing.T, ch *CodeHolder, l LabelID, at int, kind RelocKind) {
	t.Helper()
	require.NoError(t, ch.Labels.AddFixup(l, Fixup{At: at, Kind: kind, Section: TextSection}))
}

func TestResolveRelocs_Rel8Boundary(t *testing.T) {
	// Displacement exactly 127 succeeds.
	ch := holderWithText(t, 130)
	l := ch.Labels.NewLabel()
	addFixup(t, ch, l, 1, RelocRel8)
	require.NoError(t, ch.Labels.Bind(l, TextSection, 129)) // 129-(1+1) = 127
	require.NoError(t, ResolveRelocs(ch))
	require.Equal(t, byte(127), ch.Text().Buf.Bytes()[1])

	// 128 fails hard; there is no relax pass.
	ch = holderWithText(t, 131)
	l = ch.Labels.NewLabel()
	addFixup(t, ch, l, 1, RelocRel8)
	require.NoError(t, ch.Labels.Bind(l, TextSection, 130))
	require.ErrorIs(t, ResolveRelocs(ch), coderr.ErrRelocOffsetOutOfRange)
}

func TestResolveRelocs_Rel32Zero(t *testing.T) {
	// A rel32 to a label at the same offset as the next IP yields 0.
	ch := holderWithText(t, 8)
	l := ch.Labels.NewLabel()
	addFixup(t, ch, l, 0, RelocRel32)
	require.NoError(t, ch.Labels.Bind(l, TextSection, 4))
	require.NoError(t, ResolveRelocs(ch))
	require.Equal(t, uint32(0), ch.Text().Buf.Read32(0))
}

func TestResolveRelocs_Unbound(t *testing.T) {
	ch := holderWithText(t, 8)
	l := ch.Labels.NewLabel()
	addFixup(t, ch, l, 0, RelocRel32)
	require.ErrorIs(t, ResolveRelocs(ch), coderr.ErrExpressionLabelNotBound)
}

func TestResolveRelocs_Abs(t *testing.T) {
	ch := holderWithText(t, 16)
	l := ch.Labels.NewLabel()
	addFixup(t, ch, l, 0, RelocAbs32)
	require.NoError(t, ch.Labels.AddFixup(l, Fixup{At: 4, Kind: RelocAbs64, Addend: 2, Section: TextSection}))
	require.NoError(t, ch.Labels.Bind(l, TextSection, 0x40))
	require.NoError(t, ResolveRelocs(ch))
	require.Equal(t, uint32(0x40), ch.Text().Buf.Read32(0))
	require.Equal(t, uint32(0x42), ch.Text().Buf.Read32(4))
}

func TestResolveRelocs_A64Branch26(t *testing.T) {
	ch := NewCodeHolder(ArchARM64)
	buf := &ch.Text().Buf
	buf.Emit32(0x14000000) // b with zero displacement
	buf.Emit32(0xd503201f)
	buf.Emit32(0xd503201f)
	l := ch.Labels.NewLabel()
	addFixup(t, ch, l, 0, RelocA64Branch26)
	require.NoError(t, ch.Labels.Bind(l, TextSection, 8))
	require.NoError(t, ResolveRelocs(ch))
	require.Equal(t, uint32(0x14000002), buf.Read32(0))
}

func TestResolveRelocs_A64Branch26Unaligned(t *testing.T) {
	ch := NewCodeHolder(ArchARM64)
	ch.Text().Buf.EmitZeros(8)
	l := ch.Labels.NewLabel()
	addFixup(t, ch, l, 0, RelocA64Branch26)
	require.NoError(t, ch.Labels.Bind(l, TextSection, 6))
	require.ErrorIs(t, ResolveRelocs(ch), coderr.ErrRelocOffsetOutOfRange)
}

func TestResolveRelocs_A64Branch19(t *testing.T) {
	ch := NewCodeHolder(ArchARM64)
	buf := &ch.Text().Buf
	buf.Emit32(0x54000000) // b.eq
	buf.Emit32(0xd503201f)
	l := ch.Labels.NewLabel()
	addFixup(t, ch, l, 0, RelocA64Branch19)
	require.NoError(t, ch.Labels.Bind(l, TextSection, 8))
	require.NoError(t, ResolveRelocs(ch))
	// imm19 = 2 at bits 5..23.
	require.Equal(t, uint32(0x54000000|2<<5), buf.Read32(0))
}

func TestResolveRelocs_A64ADR21(t *testing.T) {
	ch := NewCodeHolder(ArchARM64)
	buf := &ch.Text().Buf
	buf.Emit32(0x10000000) // adr x0
	buf.EmitZeros(8)
	l := ch.Labels.NewLabel()
	addFixup(t, ch, l, 0, RelocA64ADR21)
	require.NoError(t, ch.Labels.Bind(l, TextSection, 7))
	require.NoError(t, ResolveRelocs(ch))
	// delta 7 = immhi 1, immlo 3.
	require.Equal(t, uint32(0x10000000|3<<29|1<<5), buf.Read32(0))
}

func TestResolveRelocs_Idempotent(t *testing.T) {
	ch := holderWithText(t, 64)
	l := ch.Labels.NewLabel()
	addFixup(t, ch, l, 4, RelocRel32)
	addFixup(t, ch, l, 20, RelocRel8)
	require.NoError(t, ch.Labels.Bind(l, TextSection, 40))
	require.NoError(t, ResolveRelocs(ch))
	first := append([]byte(nil), ch.Text().Buf.Bytes()...)
	require.NoError(t, ResolveRelocs(ch))
	require.Equal(t, first, ch.Text().Buf.Bytes())
}

func TestRelocKind_Width(t *testing.T) {
	require.Equal(t, 1, RelocRel8.Width())
	require.Equal(t, 4, RelocRel32.Width())
	require.Equal(t, 4, RelocRIPRel32.Width())
	require.Equal(t, 8, RelocAbs64.Width())
	require.Equal(t, 4, RelocA64Branch26.Width())
}
