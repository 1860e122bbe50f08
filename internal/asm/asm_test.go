package asm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/forgejit/forge/internal/coderr"
)

func TestReg_Packing(t *testing.T) {
	r := NewReg(RegTypeGP64, 7)
	require.Equal(t, 7, r.ID())
	require.Equal(t, RegTypeGP64, r.Type())
	require.False(t, r.IsVirtual())
	require.True(t, r.IsValid())

	v := NewVirtReg(RegTypeVec128, 300)
	require.Equal(t, 300, v.ID())
	require.True(t, v.IsVirtual())
	require.Equal(t, RegGroupVec, v.Group())

	require.False(t, RegNone.IsValid())
}

func TestReg_Aliasing(t *testing.T) {
	rax := NewReg(RegTypeGP64, 0)
	eax := rax.WithType(RegTypeGP32)
	require.Equal(t, 0, eax.ID())
	require.Equal(t, RegTypeGP32, eax.Type())
	// Conversions never change the id.
	require.Equal(t, rax.ID(), eax.WithType(RegTypeGP8Lo).ID())

	xmm3 := NewReg(RegTypeVec128, 3)
	ymm3 := xmm3.WithType(RegTypeVec256)
	require.Equal(t, 3, ymm3.ID())
	require.Equal(t, RegGroupVec, ymm3.Group())
}

func TestCheckPhys(t *testing.T) {
	tests := []struct {
		name string
		arch Arch
		reg  Reg
		err  error
	}{
		{name: "gp ok", arch: ArchX64, reg: NewReg(RegTypeGP64, 15)},
		{name: "gp out of file", arch: ArchX64, reg: NewReg(RegTypeGP64, 16), err: coderr.ErrInvalidPhysID},
		{name: "arm64 gp 31 ok", arch: ArchARM64, reg: NewReg(RegTypeGP64, 31)},
		{name: "vec 31 ok", arch: ArchX64, reg: NewReg(RegTypeVec512, 31)},
		{name: "virtual rejected", arch: ArchX64, reg: NewVirtReg(RegTypeGP64, 1), err: coderr.ErrInvalidPhysID},
		{name: "mask on arm64", arch: ArchARM64, reg: NewReg(RegTypeMask, 0), err: coderr.ErrInvalidRegGroup},
		{name: "segment reg", arch: ArchX64, reg: NewReg(RegTypeSegment, 0), err: coderr.ErrInvalidRegType},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := CheckPhys(tc.arch, tc.reg)
			if tc.err == nil {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, tc.err)
			}
		})
	}
}

func TestRegType_Size(t *testing.T) {
	require.Equal(t, byte(1), RegTypeGP8Lo.Size())
	require.Equal(t, byte(4), RegTypeGP32.Size())
	require.Equal(t, byte(8), RegTypeGP64.Size())
	require.Equal(t, byte(16), RegTypeVec128.Size())
	require.Equal(t, byte(64), RegTypeVec512.Size())
}

func TestRegMask(t *testing.T) {
	m := MaskUpTo(4) // 0..3
	require.Equal(t, 4, m.Count())
	require.True(t, m.Has(0))
	require.False(t, m.Has(4))
	m = m.Remove(0).Add(10)
	require.Equal(t, 1, m.Lowest())
	var ids []int
	m.Range(func(id int) { ids = append(ids, id) })
	require.Equal(t, []int{1, 2, 3, 10}, ids)
}

func TestOperand_Views(t *testing.T) {
	m := Mem{Base: NewReg(RegTypeGP64, 5), Disp: 8, Size: 8}
	require.Equal(t, int32(24), m.WithDisp(24).Disp)
	require.Equal(t, int32(12), m.WithOffset(4).Disp)
	require.Equal(t, byte(4), m.WithSize(4).Size)
	// Views never mutate the original.
	require.Equal(t, int32(8), m.Disp)

	op := PtrIndex(NewReg(RegTypeGP64, 1), NewReg(RegTypeGP64, 2), 4, -16, 8)
	require.Equal(t, OperandMem, op.Kind)
	require.Equal(t, byte(4), op.Mem.Scale)

	imm := ImmOperandWidth(42, 8)
	require.Equal(t, int64(42), imm.Imm)
	require.Equal(t, byte(8), imm.ImmWidth)
}
