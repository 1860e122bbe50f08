package amd64

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/forgejit/forge/internal/asm"
	"github.com/forgejit/forge/internal/asm/amd64debug"
	"github.com/forgejit/forge/internal/coderr"
	"github.com/forgejit/forge/internal/ir"
)

func inst(id asm.InstID, ops ...asm.Operand) *ir.Node {
	return &ir.Node{Kind: ir.NodeInst, Inst: id, Ops: ops}
}

func encodeOne(t *testing.T, n *ir.Node) []byte {
	t.Helper()
	ch := asm.NewCodeHolder(asm.ArchX64)
	e := NewEncoder(ch)
	require.NoError(t, e.Encode(n))
	return ch.Text().Buf.Bytes()
}

func TestEncoder_Basic(t *testing.T) {
	tests := []struct {
		name string
		n    *ir.Node
		want []byte
	}{
		{"add rdi, rsi", inst(InstAdd, asm.RegOperand(RDI), asm.RegOperand(RSI)), []byte{0x48, 0x01, 0xf7}},
		{"mov rax, rdi", inst(InstMov, asm.RegOperand(RAX), asm.RegOperand(RDI)), []byte{0x48, 0x89, 0xf8}},
		{"mov eax, ebx", inst(InstMov, asm.RegOperand(EAX), asm.RegOperand(EBX)), []byte{0x89, 0xd8}},
		{"sub rsp, 8", inst(InstSub, asm.RegOperand(RSP), asm.ImmOperand(8)), []byte{0x48, 0x83, 0xec, 0x08}},
		{"cmp rdi, 10", inst(InstCmp, asm.RegOperand(RDI), asm.ImmOperand(10)), []byte{0x48, 0x83, 0xff, 0x0a}},
		{"test rax, rax", inst(InstTest, asm.RegOperand(RAX), asm.RegOperand(RAX)), []byte{0x48, 0x85, 0xc0}},
		{"xchg rbx, rcx", inst(InstXchg, asm.RegOperand(RBX), asm.RegOperand(RCX)), []byte{0x48, 0x87, 0xcb}},
		{"push rbx", inst(InstPush, asm.RegOperand(RBX)), []byte{0x53}},
		{"push r12", inst(InstPush, asm.RegOperand(R12)), []byte{0x41, 0x54}},
		{"pop rbx", inst(InstPop, asm.RegOperand(RBX)), []byte{0x5b}},
		{"inc rax", inst(InstInc, asm.RegOperand(RAX)), []byte{0x48, 0xff, 0xc0}},
		{"dec r8", inst(InstDec, asm.RegOperand(R8)), []byte{0x49, 0xff, 0xc8}},
		{"shl rax, 3", inst(InstShl, asm.RegOperand(RAX), asm.ImmOperand(3)), []byte{0x48, 0xc1, 0xe0, 0x03}},
		{"shl rax, 1", inst(InstShl, asm.RegOperand(RAX), asm.ImmOperand(1)), []byte{0x48, 0xd1, 0xe0}},
		{"imul rax, rsi", inst(InstImul, asm.RegOperand(RAX), asm.RegOperand(RSI)), []byte{0x48, 0x0f, 0xaf, 0xc6}},
		{"ret", inst(InstRet), []byte{0xc3}},
		{"ret 16", inst(InstRet, asm.ImmOperand(16)), []byte{0xc2, 0x10, 0x00}},
		{"nop", inst(InstNop), []byte{0x90}},
		{"ud2", inst(InstUd2), []byte{0x0f, 0x0b}},
		{"cqo", inst(InstCqo), []byte{0x48, 0x99}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, encodeOne(t, tc.n))
		})
	}
}

func TestEncoder_MovImmediate(t *testing.T) {
	// 32-bit-representable immediates take the C7 form.
	got := encodeOne(t, inst(InstMov, asm.RegOperand(RCX), asm.ImmOperand(0x12345678)))
	require.Equal(t, []byte{0x48, 0xc7, 0xc1, 0x78, 0x56, 0x34, 0x12}, got)

	// Wider immediates fall back to movabs.
	got = encodeOne(t, inst(InstMov, asm.RegOperand(RDX), asm.ImmOperand(0x123456789)))
	require.Equal(t, []byte{0x48, 0xba, 0x89, 0x67, 0x45, 0x23, 0x01, 0x00, 0x00, 0x00}, got)
}

func TestEncoder_Memory(t *testing.T) {
	tests := []struct {
		name string
		n    *ir.Node
		want []byte
	}{
		{
			"mov [rsp+8], rax",
			inst(InstMov, asm.Ptr(RSP, 8, 8), asm.RegOperand(RAX)),
			[]byte{0x48, 0x89, 0x44, 0x24, 0x08},
		},
		{
			"mov rax, [rbp]",
			inst(InstMov, asm.RegOperand(RAX), asm.Ptr(RBP, 0, 8)),
			[]byte{0x48, 0x8b, 0x45, 0x00},
		},
		{
			"lea rax, [rcx+rdx*4+8]",
			inst(InstLea, asm.RegOperand(RAX), asm.PtrIndex(RCX, RDX, 4, 8, 8)),
			[]byte{0x48, 0x8d, 0x44, 0x91, 0x08},
		},
		{
			"mov byte [rcx], dl",
			inst(InstMov, asm.Ptr(RCX, 0, 1), asm.RegOperand(RDX.WithType(asm.RegTypeGP8Lo))),
			[]byte{0x88, 0x11},
		},
		{
			"mov rax, [rcx+0x1000]",
			inst(InstMov, asm.RegOperand(RAX), asm.Ptr(RCX, 0x1000, 8)),
			[]byte{0x48, 0x8b, 0x81, 0x00, 0x10, 0x00, 0x00},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, encodeOne(t, tc.n))
		})
	}
}

func TestEncoder_RspIndexRejected(t *testing.T) {
	ch := asm.NewCodeHolder(asm.ArchX64)
	e := NewEncoder(ch)
	err := e.Encode(inst(InstMov, asm.RegOperand(RAX), asm.PtrIndex(RCX, RSP, 1, 0, 8)))
	require.ErrorIs(t, err, coderr.ErrInvalidArgument)
}

func TestEncoder_Vector(t *testing.T) {
	tests := []struct {
		name string
		n    *ir.Node
		want []byte
	}{
		{"movups xmm0, [rax]", inst(InstMovups, asm.RegOperand(XMM0), asm.Ptr(RAX, 0, 16)), []byte{0x0f, 0x10, 0x00}},
		{"movups [rax], xmm1", inst(InstMovups, asm.Ptr(RAX, 0, 16), asm.RegOperand(XMM1)), []byte{0x0f, 0x11, 0x08}},
		{"movdqu xmm1, xmm2", inst(InstMovdqu, asm.RegOperand(XMM1), asm.RegOperand(XMM2)), []byte{0xf3, 0x0f, 0x6f, 0xca}},
		{"pxor xmm0, xmm1", inst(InstPxor, asm.RegOperand(XMM0), asm.RegOperand(XMM1)), []byte{0x66, 0x0f, 0xef, 0xc1}},
		{"addsd xmm0, xmm1", inst(InstAddsd, asm.RegOperand(XMM0), asm.RegOperand(XMM1)), []byte{0xf2, 0x0f, 0x58, 0xc1}},
		{"movq xmm0, rax", inst(InstMovq, asm.RegOperand(XMM0), asm.RegOperand(RAX)), []byte{0x66, 0x48, 0x0f, 0x6e, 0xc0}},
		{"vaddps ymm0, ymm1, ymm2", inst(InstVaddps, asm.RegOperand(YMM0), asm.RegOperand(YMM1), asm.RegOperand(XMM2.WithType(asm.RegTypeVec256))), []byte{0xc5, 0xf4, 0x58, 0xc2}},
		{"vpxor xmm0, xmm1, xmm2", inst(InstVpxor, asm.RegOperand(XMM0), asm.RegOperand(XMM1), asm.RegOperand(XMM2)), []byte{0xc5, 0xf1, 0xef, 0xc2}},
		{"vfmadd231sd xmm0, xmm1, xmm2", inst(InstVfmadd231sd, asm.RegOperand(XMM0), asm.RegOperand(XMM1), asm.RegOperand(XMM2)), []byte{0xc4, 0xe2, 0xf1, 0xb9, 0xc2}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, encodeOne(t, tc.n))
		})
	}
}

func TestEncoder_ForwardJumpPatched(t *testing.T) {
	// jmp L; nop*50; L:  →  E9 32 00 00 00 at the jump site.
	ch := asm.NewCodeHolder(asm.ArchX64)
	e := NewEncoder(ch)
	l := ch.Labels.NewLabel()
	require.NoError(t, e.Encode(inst(InstJmp, asm.LabelOperand(l))))
	for i := 0; i < 50; i++ {
		require.NoError(t, e.Encode(inst(InstNop)))
	}
	require.NoError(t, ch.BindLabel(l, asm.TextSection))
	require.NoError(t, asm.ResolveRelocs(ch))
	require.Equal(t, []byte{0xe9, 0x32, 0x00, 0x00, 0x00}, ch.Text().Buf.Bytes()[:5])
}

func TestEncoder_ShortJump(t *testing.T) {
	ch := asm.NewCodeHolder(asm.ArchX64)
	e := NewEncoder(ch)
	l := ch.Labels.NewLabel()
	n := inst(InstJnz, asm.LabelOperand(l))
	n.Options = asm.InstOptionShortJump
	require.NoError(t, e.Encode(n))
	require.NoError(t, e.Encode(inst(InstNop)))
	require.NoError(t, ch.BindLabel(l, asm.TextSection))
	require.NoError(t, asm.ResolveRelocs(ch))
	require.Equal(t, []byte{0x75, 0x01, 0x90}, ch.Text().Buf.Bytes())
}

func TestEncoder_BackwardShortJump(t *testing.T) {
	ch := asm.NewCodeHolder(asm.ArchX64)
	e := NewEncoder(ch)
	l := ch.Labels.NewLabel()
	require.NoError(t, ch.BindLabel(l, asm.TextSection))
	require.NoError(t, e.Encode(inst(InstNop)))
	n := inst(InstJmp, asm.LabelOperand(l))
	n.Options = asm.InstOptionShortJump
	require.NoError(t, e.Encode(n))
	require.NoError(t, asm.ResolveRelocs(ch))
	// jmp rel8 back over the nop and itself: -3.
	require.Equal(t, []byte{0x90, 0xeb, 0xfd}, ch.Text().Buf.Bytes())
}

func TestEncoder_CallLabel(t *testing.T) {
	ch := asm.NewCodeHolder(asm.ArchX64)
	e := NewEncoder(ch)
	l := ch.Labels.NewLabel()
	require.NoError(t, ch.BindLabel(l, asm.TextSection))
	require.NoError(t, e.Encode(inst(InstCall, asm.LabelOperand(l))))
	require.NoError(t, asm.ResolveRelocs(ch))
	require.Equal(t, []byte{0xe8, 0xfb, 0xff, 0xff, 0xff}, ch.Text().Buf.Bytes())
}

func TestEncoder_VirtualOperandRejected(t *testing.T) {
	ch := asm.NewCodeHolder(asm.ArchX64)
	e := NewEncoder(ch)
	v := asm.NewVirtReg(asm.RegTypeGP64, 0)
	err := e.Encode(inst(InstMov, asm.RegOperand(RAX), asm.RegOperand(v)))
	require.ErrorIs(t, err, coderr.ErrInvalidState)
}

func TestEncoder_Align(t *testing.T) {
	ch := asm.NewCodeHolder(asm.ArchX64)
	e := NewEncoder(ch)
	require.NoError(t, e.Encode(inst(InstRet)))
	e.Align(4)
	require.Equal(t, []byte{0xc3, 0x90, 0x90, 0x90}, ch.Text().Buf.Bytes())
}

// TestEncoder_CrossCheck compares a small instruction sequence against
// the Go toolchain's encoder.
func TestEncoder_CrossCheck(t *testing.T) {
	dbg, err := amd64debug.New()
	require.NoError(t, err)
	dbg.MovRegReg(RegIDBx, RegIDCx)
	dbg.AddRegReg(RegIDBx, RegIDCx)
	dbg.XchgRegReg(RegIDBx, RegIDCx)
	dbg.SubRegImm(RegIDBx, 8)
	dbg.Ret()
	want := dbg.Assemble()

	ch := asm.NewCodeHolder(asm.ArchX64)
	e := NewEncoder(ch)
	for _, n := range []*ir.Node{
		inst(InstMov, asm.RegOperand(RBX), asm.RegOperand(RCX)),
		inst(InstAdd, asm.RegOperand(RBX), asm.RegOperand(RCX)),
		inst(InstXchg, asm.RegOperand(RBX), asm.RegOperand(RCX)),
		inst(InstSub, asm.RegOperand(RBX), asm.ImmOperand(8)),
		inst(InstRet),
	} {
		require.NoError(t, e.Encode(n))
	}
	require.Equal(t, want, ch.Text().Buf.Bytes())
}
