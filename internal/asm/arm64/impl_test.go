package arm64

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/forgejit/forge/internal/asm"
	"github.com/forgejit/forge/internal/coderr"
	"github.com/forgejit/forge/internal/ir"
)

func inst(id asm.InstID, ops ...asm.Operand) *ir.Node {
	return &ir.Node{Kind: ir.NodeInst, Inst: id, Ops: ops}
}

func encodeWords(t *testing.T, n *ir.Node) []uint32 {
	t.Helper()
	ch := asm.NewCodeHolder(asm.ArchARM64)
	e := NewEncoder(ch)
	require.NoError(t, e.Encode(n))
	buf := &ch.Text().Buf
	require.Zero(t, buf.Len()%4)
	var words []uint32
	for off := 0; off < buf.Len(); off += 4 {
		words = append(words, buf.Read32(off))
	}
	return words
}

func TestEncoder_Basic(t *testing.T) {
	tests := []struct {
		name string
		n    *ir.Node
		want []uint32
	}{
		{"mov x0, x1", inst(InstMov, asm.RegOperand(X0), asm.RegOperand(X1)), []uint32{0xaa0103e0}},
		{"mov sp involved", inst(InstMov, asm.RegOperand(X29), asm.RegOperand(SP)), []uint32{0x910003fd}},
		{"add x0, x1, x2", inst(InstAdd, asm.RegOperand(X0), asm.RegOperand(X1), asm.RegOperand(X2)), []uint32{0x8b020020}},
		{"add x0, x0, #16", inst(InstAdd, asm.RegOperand(X0), asm.RegOperand(X0), asm.ImmOperand(16)), []uint32{0x91004000}},
		{"sub sp, sp, #32", inst(InstSub, asm.RegOperand(SP), asm.RegOperand(SP), asm.ImmOperand(32)), []uint32{0xd10083ff}},
		{"cmp x0, x1", inst(InstCmp, asm.RegOperand(X0), asm.RegOperand(X1)), []uint32{0xeb01001f}},
		{"mul x0, x1, x2", inst(InstMul, asm.RegOperand(X0), asm.RegOperand(X1), asm.RegOperand(X2)), []uint32{0x9b027c20}},
		{"eor x0, x1, x2", inst(InstEor, asm.RegOperand(X0), asm.RegOperand(X1), asm.RegOperand(X2)), []uint32{0xca020020}},
		{"ret", inst(InstRet), []uint32{0xd65f03c0}},
		{"br x3", inst(InstBr, asm.RegOperand(X3)), []uint32{0xd61f0060}},
		{"nop", inst(InstNop), []uint32{0xd503201f}},
		{"movz x0, #42", inst(InstMov, asm.RegOperand(X0), asm.ImmOperand(42)), []uint32{0xd2800540}},
		{"mov x0, #0", inst(InstMov, asm.RegOperand(X0), asm.ImmOperand(0)), []uint32{0xd2800000}},
		{"lsl x0, x1, #4", inst(InstLsl, asm.RegOperand(X0), asm.RegOperand(X1), asm.ImmOperand(4)), []uint32{0xd37cec20}},
		{"lsr x0, x1, #4", inst(InstLsr, asm.RegOperand(X0), asm.RegOperand(X1), asm.ImmOperand(4)), []uint32{0xd344fc20}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, encodeWords(t, tc.n))
		})
	}
}

func TestEncoder_MovImmMultiChunk(t *testing.T) {
	// 0x1_0000_002a needs movz + movk.
	words := encodeWords(t, inst(InstMov, asm.RegOperand(X0), asm.ImmOperand(0x10000002a)))
	require.Equal(t, []uint32{
		0xd2800540,            // movz x0, #42
		0xf2c00020,            // movk x0, #1, lsl #32
	}, words)
}

func TestEncoder_LoadStore(t *testing.T) {
	tests := []struct {
		name string
		n    *ir.Node
		want []uint32
	}{
		{"ldr x0, [sp, #16]", inst(InstLdr, asm.RegOperand(X0), asm.Ptr(SP, 16, 8)), []uint32{0xf9400be0}},
		{"str x0, [sp, #16]", inst(InstStr, asm.RegOperand(X0), asm.Ptr(SP, 16, 8)), []uint32{0xf9000be0}},
		{"ldrb w1, [x0]", inst(InstLdrb, asm.RegOperand(X1.WithType(asm.RegTypeGP32)), asm.Ptr(X0, 0, 1)), []uint32{0x39400001}},
		{"strb w1, [x0, x2]", inst(InstStrb, asm.RegOperand(X1.WithType(asm.RegTypeGP32)), asm.PtrIndex(X0, X2, 1, 0, 1)), []uint32{0x38226801}},
		{"stp x29, x30, [sp, #-16]!", inst(InstStp, asm.RegOperand(X29), asm.RegOperand(X30), asm.MemOperand(asm.Mem{Base: SP, Disp: -16})), []uint32{0xa9bf7bfd}},
		{"ldp x29, x30, [sp], #16", inst(InstLdp, asm.RegOperand(X29), asm.RegOperand(X30), asm.MemOperand(asm.Mem{Base: SP, Disp: 16})), []uint32{0xa8c17bfd}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, encodeWords(t, tc.n))
		})
	}
}

func TestEncoder_UnencodableOffset(t *testing.T) {
	ch := asm.NewCodeHolder(asm.ArchARM64)
	e := NewEncoder(ch)
	err := e.Encode(inst(InstLdr, asm.RegOperand(X0), asm.Ptr(SP, 7, 8)))
	require.ErrorIs(t, err, coderr.ErrInvalidArgument)
}

func TestEncoder_Branches(t *testing.T) {
	ch := asm.NewCodeHolder(asm.ArchARM64)
	e := NewEncoder(ch)
	l := ch.Labels.NewLabel()
	require.NoError(t, e.Encode(inst(InstB, asm.LabelOperand(l))))
	require.NoError(t, e.Encode(inst(InstBEq, asm.LabelOperand(l))))
	require.NoError(t, e.Encode(inst(InstCbnz, asm.RegOperand(X0), asm.LabelOperand(l))))
	require.NoError(t, e.Encode(inst(InstNop)))
	require.NoError(t, ch.BindLabel(l, asm.TextSection))
	require.NoError(t, asm.ResolveRelocs(ch))

	buf := &ch.Text().Buf
	require.Equal(t, uint32(0x14000004), buf.Read32(0))          // b +16
	require.Equal(t, uint32(0x54000000|3<<5), buf.Read32(4))     // b.eq +12
	require.Equal(t, uint32(0xb5000000|2<<5), buf.Read32(8))     // cbnz x0, +8
}

func TestEncoder_BlAndAdr(t *testing.T) {
	ch := asm.NewCodeHolder(asm.ArchARM64)
	e := NewEncoder(ch)
	l := ch.Labels.NewLabel()
	require.NoError(t, ch.BindLabel(l, asm.TextSection))
	require.NoError(t, e.Encode(inst(InstBl, asm.LabelOperand(l))))
	require.NoError(t, e.Encode(inst(InstAdr, asm.RegOperand(X1), asm.LabelOperand(l))))
	require.NoError(t, asm.ResolveRelocs(ch))

	buf := &ch.Text().Buf
	// bl back to offset 0 from 0: displacement 0.
	require.Equal(t, uint32(0x94000000), buf.Read32(0))
	// adr x1, -4: immlo = 0, immhi = -1 (19 bits).
	require.Equal(t, uint32(0x10000000|uint32(0x7ffff)<<5|1), buf.Read32(4))
}

func TestEncoder_Vector(t *testing.T) {
	tests := []struct {
		name string
		n    *ir.Node
		want []uint32
	}{
		{"mov v0.16b, v1.16b", inst(InstMovVec, asm.RegOperand(V0), asm.RegOperand(V1)), []uint32{0x4ea11c20}},
		{"eor v0, v1, v2", inst(InstEorVec, asm.RegOperand(V0), asm.RegOperand(V1), asm.RegOperand(V2)), []uint32{0x6e221c20}},
		{"fadd v0.4s, v1.4s, v2.4s", inst(InstFadd4S, asm.RegOperand(V0), asm.RegOperand(V1), asm.RegOperand(V2)), []uint32{0x4e22d420}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, encodeWords(t, tc.n))
		})
	}
}

func TestEncoder_VirtualOperandRejected(t *testing.T) {
	ch := asm.NewCodeHolder(asm.ArchARM64)
	e := NewEncoder(ch)
	v := asm.NewVirtReg(asm.RegTypeGP64, 3)
	err := e.Encode(inst(InstMov, asm.RegOperand(X0), asm.RegOperand(v)))
	require.ErrorIs(t, err, coderr.ErrInvalidState)
}

func TestEncoder_Align(t *testing.T) {
	ch := asm.NewCodeHolder(asm.ArchARM64)
	e := NewEncoder(ch)
	require.NoError(t, e.Encode(inst(InstNop)))
	e.Align(16)
	require.Equal(t, 16, ch.Text().Buf.Len())
}
