// Package forge is a just-in-time machine-code generator: clients build
// functions from virtual registers, labels and signatures, and receive
// ready-to-execute native code for x86-64 or AArch64 hosts.
//
// The package re-exports the pieces a client needs: a Compiler owning one
// compilation unit, and a Runtime owning the executable mappings the
// finalized code is placed into.
//
//	c, _ := forge.NewCompiler(forge.ArchX64)
//	fn, _ := c.Builder.Func(sig)
//	... emit ...
//	code, _ := c.Finalize()
//	exec, _ := rt.Map(code)
//	defer exec.Dispose()
package forge

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/forgejit/forge/internal/asm"
	"github.com/forgejit/forge/internal/coderr"
	"github.com/forgejit/forge/internal/compiler"
	"github.com/forgejit/forge/internal/platform"
)

// Arch selects the target instruction set.
type Arch = asm.Arch

const (
	ArchX64   = asm.ArchX64
	ArchARM64 = asm.ArchARM64
)

// Compiler is one compilation unit. See the compiler package for the
// builder surface.
type Compiler = compiler.Compiler

// FinalizedCode is the relocated output of Compiler.Finalize.
type FinalizedCode = compiler.FinalizedCode

// NewCompiler returns a compiler for the given architecture.
func NewCompiler(arch Arch) (*Compiler, error) {
	return compiler.New(arch)
}

// CompilerSupported reports whether this host can execute generated code.
func CompilerSupported() bool { return platform.CompilerSupported() }

// Runtime owns executable mappings. It is safe for concurrent use; each
// mapping is independent.
type Runtime struct {
	mu    sync.Mutex
	funcs map[*Function]struct{}
}

// NewRuntime returns an empty runtime.
func NewRuntime() *Runtime {
	return &Runtime{funcs: map[*Function]struct{}{}}
}

// Function is one executable mapping.
type Function struct {
	rt   *Runtime
	code []byte
}

// Map places finalized code into executable memory.
func (r *Runtime) Map(fc *FinalizedCode) (*Function, error) {
	if len(fc.Text) == 0 {
		return nil, fmt.Errorf("empty text section: %w", coderr.ErrInvalidArgument)
	}
	b, err := platform.MapExec(fc.Text)
	if err != nil {
		return nil, err
	}
	f := &Function{rt: r, code: b}
	r.mu.Lock()
	r.funcs[f] = struct{}{}
	r.mu.Unlock()
	return f, nil
}

// Addr returns the entry address of the mapped function.
func (f *Function) Addr() uintptr {
	return platform.Addr(f.code)
}

// Size returns the mapped length in bytes.
func (f *Function) Size() int { return len(f.code) }

// Dispose releases the mapping. The function must not be executing.
func (f *Function) Dispose() error {
	f.rt.mu.Lock()
	delete(f.rt.funcs, f)
	f.rt.mu.Unlock()
	return platform.Release(f.code)
}

// Close disposes every mapping the runtime still owns.
func (r *Runtime) Close() error {
	r.mu.Lock()
	funcs := make([]*Function, 0, len(r.funcs))
	for f := range r.funcs {
		funcs = append(funcs, f)
	}
	r.funcs = map[*Function]struct{}{}
	r.mu.Unlock()
	var firstErr error
	for _, f := range funcs {
		if err := platform.Release(f.code); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ErrorName maps an error returned anywhere in the pipeline to its
// taxonomy name ("InvalidAssignment", "RelocOffsetOutOfRange", ...).
func ErrorName(err error) string { return coderr.Name(err) }

// LogrusHandler adapts a logrus logger into a compiler error tap. The tap
// observes (kind, message, emitter) and never overrides the returned
// error.
func LogrusHandler(log *logrus.Logger) compiler.ErrorTap {
	return func(err error, emitter string) {
		log.WithFields(logrus.Fields{
			"kind":    coderr.Name(err),
			"emitter": emitter,
		}).Error(err.Error())
	}
}
