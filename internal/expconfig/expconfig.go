// Package expconfig reads the environment-driven debug knobs. All knobs
// default to off and only ever gate additional diagnostics, never
// semantics.
package expconfig

import "github.com/xyproto/env/v2"

var (
	// DebugIR dumps the final node list after a successful finalize.
	DebugIR = env.Bool("FORGE_DEBUG_IR")
	// DebugRegAlloc enables allocator state tracing.
	DebugRegAlloc = env.Bool("FORGE_DEBUG_REGALLOC")
	// PerfMap writes /tmp/perf-<pid>.map entries for mapped functions so
	// profilers can symbolize JIT frames.
	PerfMap = env.Bool("FORGE_PERF_MAP")
)
