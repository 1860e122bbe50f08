package platform

import (
	"crypto/rand"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

var testCode, _ = io.ReadAll(io.LimitReader(rand.Reader, 8*1024))

func TestMapExec(t *testing.T) {
	if !CompilerSupported() {
		t.Skip("unsupported host")
	}
	mapped, err := MapExec(testCode)
	require.NoError(t, err)
	// The mapping is a faithful copy of the original.
	require.Equal(t, testCode, mapped)
	require.NotZero(t, Addr(mapped))
	require.NoError(t, Release(mapped))
}

func TestMapExec_PanicsOnEmpty(t *testing.T) {
	require.PanicsWithValue(t, "BUG: MapExec with zero length", func() {
		_, _ = MapExec(nil)
	})
}

func TestRelease_Unmapped(t *testing.T) {
	if !CompilerSupported() {
		t.Skip("unsupported host")
	}
	// Memory never mapped by us cannot be released.
	require.Error(t, Release(make([]byte, 4096)))
}
