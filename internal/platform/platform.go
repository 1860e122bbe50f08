// Package platform owns the executable-memory runtime: it maps finalized
// code into memory the CPU may execute and releases it on request.
// Mappings are not garbage collected; callers release them explicitly.
package platform

import (
	"fmt"
	"os"
	"runtime"

	"github.com/forgejit/forge/internal/expconfig"
)

// CompilerSupported reports whether this host can execute code produced
// for its architecture.
func CompilerSupported() bool {
	switch runtime.GOOS {
	case "linux", "darwin", "freebsd", "windows":
	default:
		return false
	}
	switch runtime.GOARCH {
	case "amd64", "arm64":
		return true
	default:
		return false
	}
}

// MapExec copies code into a fresh executable mapping and returns it.
func MapExec(code []byte) ([]byte, error) {
	if len(code) == 0 {
		panic("BUG: MapExec with zero length")
	}
	b, err := mmapCodeSegment(code)
	if err != nil {
		return nil, fmt.Errorf("failed to map executable memory: %w", err)
	}
	if expconfig.PerfMap {
		writePerfMapEntry(b)
	}
	return b, nil
}

// Addr returns the address of the first byte of a mapping.
func Addr(code []byte) uintptr { return segmentAddr(code) }

// Release unmaps memory returned by MapExec.
func Release(code []byte) error {
	return munmapCodeSegment(code)
}

// writePerfMapEntry appends a perf-map line so profilers can symbolize
// JIT frames. Best effort; failures are ignored.
func writePerfMapEntry(code []byte) {
	f, err := os.OpenFile(fmt.Sprintf("/tmp/perf-%d.map", os.Getpid()),
		os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "%x %x forge-jit\n", segmentAddr(code), len(code))
}
