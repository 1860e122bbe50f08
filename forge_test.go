package forge

import (
	"runtime"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/forgejit/forge/internal/abi"
	"github.com/forgejit/forge/internal/asm"
	"github.com/forgejit/forge/internal/asm/amd64"
	"github.com/forgejit/forge/internal/coderr"
)

func buildLeafAdd(t *testing.T) *FinalizedCode {
	t.Helper()
	c, err := NewCompiler(ArchX64)
	require.NoError(t, err)
	b := c.Builder
	_, err = b.Func(abi.NewSignature(abi.CallConvX64SysV, abi.TypeI64, abi.TypeI64, abi.TypeI64))
	require.NoError(t, err)
	v0, err := b.GetArg(0)
	require.NoError(t, err)
	v1, err := b.GetArg(1)
	require.NoError(t, err)
	b.Emit(amd64.InstAdd, asm.RegOperand(v0), asm.RegOperand(v1))
	_, err = b.Ret(asm.RegOperand(v0))
	require.NoError(t, err)
	_, err = b.EndFunc()
	require.NoError(t, err)
	fc, err := c.Finalize()
	require.NoError(t, err)
	return fc
}

func TestRuntime_MapDispose(t *testing.T) {
	if !CompilerSupported() {
		t.Skip("unsupported host")
	}
	fc := buildLeafAdd(t)
	rt := NewRuntime()
	fn, err := rt.Map(fc)
	require.NoError(t, err)
	require.NotZero(t, fn.Addr())
	require.Equal(t, len(fc.Text), fn.Size())
	require.NoError(t, fn.Dispose())
}

func TestRuntime_Close(t *testing.T) {
	if !CompilerSupported() {
		t.Skip("unsupported host")
	}
	fc := buildLeafAdd(t)
	rt := NewRuntime()
	_, err := rt.Map(fc)
	require.NoError(t, err)
	_, err = rt.Map(fc)
	require.NoError(t, err)
	require.NoError(t, rt.Close())
}

func TestRuntime_MapEmpty(t *testing.T) {
	rt := NewRuntime()
	_, err := rt.Map(&FinalizedCode{})
	require.ErrorIs(t, err, coderr.ErrInvalidArgument)
}

func TestLogrusHandler_Tap(t *testing.T) {
	logger, hook := test.NewNullLogger()
	tap := LogrusHandler(logger)

	c, err := NewCompiler(ArchX64)
	require.NoError(t, err)
	c.SetErrorTap(tap)
	l := c.Builder.NewLabel()
	c.Builder.Emit(amd64.InstJmp, asm.LabelOperand(l))
	_, err = c.Finalize()
	require.ErrorIs(t, err, coderr.ErrExpressionLabelNotBound)

	require.Len(t, hook.Entries, 1)
	entry := hook.LastEntry()
	require.Equal(t, logrus.ErrorLevel, entry.Level)
	require.Equal(t, "ExpressionLabelNotBound", entry.Data["kind"])
	require.Equal(t, "relocator", entry.Data["emitter"])
}

func TestErrorName(t *testing.T) {
	require.Equal(t, "Ok", ErrorName(nil))
	require.Equal(t, "InvalidAssignment", ErrorName(coderr.ErrInvalidAssignment))
	require.Equal(t, "NotImplemented", ErrorName(coderr.ErrNotImplemented))
}

func TestCompilerSupported(t *testing.T) {
	switch runtime.GOARCH {
	case "amd64", "arm64":
		require.True(t, CompilerSupported())
	default:
		require.False(t, CompilerSupported())
	}
}
