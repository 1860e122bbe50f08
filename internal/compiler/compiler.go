// Package compiler orchestrates the pipeline that turns the builder's
// instruction stream into executable bytes: ABI lowering, register
// allocation, frame materialization, serialization and relocation
// resolution.
//
// A Compiler is single-threaded and owns all of its state; distinct
// compilations may run concurrently on distinct instances.
package compiler

import (
	"fmt"

	"github.com/forgejit/forge/internal/asm"
	"github.com/forgejit/forge/internal/coderr"
	"github.com/forgejit/forge/internal/expconfig"
	"github.com/forgejit/forge/internal/ir"
	"github.com/forgejit/forge/internal/regalloc"
)

// ErrorTap observes every error the pipeline surfaces, for diagnostics.
// It never overrides the returned error.
type ErrorTap func(err error, emitter string)

// FinalizedCode is the serialized output of one compilation.
type FinalizedCode struct {
	Arch asm.Arch
	// Text is the executable section's bytes with relocations applied.
	Text []byte
	// Data holds the optional non-executable sections, concatenated.
	Data []byte
	// TotalSize is len(Text) + len(Data).
	TotalSize int
	// EntryOffset is the offset of the entry point within Text; 0 by
	// convention.
	EntryOffset int
}

// Compiler drives one compilation unit.
type Compiler struct {
	Arch    asm.Arch
	Holder  *asm.CodeHolder
	Builder *ir.Builder

	tap       ErrorTap
	finalized *FinalizedCode
}

// New returns a compiler targeting the given architecture.
func New(arch asm.Arch) (*Compiler, error) {
	switch arch {
	case asm.ArchX64, asm.ArchARM64:
	default:
		return nil, fmt.Errorf("architecture %d: %w", arch, coderr.ErrInvalidArch)
	}
	holder := asm.NewCodeHolder(arch)
	return &Compiler{
		Arch:    arch,
		Holder:  holder,
		Builder: ir.NewBuilder(holder),
	}, nil
}

// SetErrorTap installs the diagnostics tap.
func (c *Compiler) SetErrorTap(tap ErrorTap) { c.tap = tap }

func (c *Compiler) fail(err error, emitter string) error {
	if err != nil && c.tap != nil {
		c.tap(err, emitter)
	}
	return err
}

// Finalize runs the remaining pipeline over every function in the stream
// and resolves all relocations. It is idempotent on a fully-bound
// program: a second call returns the identical bytes.
func (c *Compiler) Finalize() (*FinalizedCode, error) {
	if c.finalized != nil {
		if err := asm.ResolveRelocs(c.Holder); err != nil {
			return nil, c.fail(err, "relocator")
		}
		return c.finalized, nil
	}
	if c.Builder.CurrentFunc() != ir.NodeNone {
		return nil, c.fail(fmt.Errorf("function still open: %w", coderr.ErrInvalidState), "compiler")
	}

	nodes := c.Builder.Nodes
	for id := nodes.First(); id != ir.NodeNone; id = nodes.Get(id).Next() {
		n := nodes.Get(id)
		if n.Kind != ir.NodeFunc {
			continue
		}
		if err := c.compileFunc(id, n.Func); err != nil {
			return nil, err
		}
	}

	if err := c.serialize(); err != nil {
		return nil, c.fail(err, "serializer")
	}
	if err := asm.ResolveRelocs(c.Holder); err != nil {
		return nil, c.fail(err, "relocator")
	}

	fc := &FinalizedCode{Arch: c.Arch, EntryOffset: 0}
	fc.Text = append(fc.Text, c.Holder.Text().Buf.Bytes()...)
	for _, sec := range c.Holder.Sections() {
		if sec.ID != asm.TextSection {
			fc.Data = append(fc.Data, sec.Buf.Bytes()...)
		}
	}
	fc.TotalSize = len(fc.Text) + len(fc.Data)
	c.finalized = fc

	if expconfig.DebugIR {
		c.dumpIR()
	}
	return fc, nil
}

// compileFunc lowers, allocates and frames a single function.
func (c *Compiler) compileFunc(fnNode ir.NodeID, fd *ir.FuncData) error {
	var ops regalloc.ArchInfo
	if c.Arch == asm.ArchARM64 {
		ops = newARM64Ops(fd.Detail.CC)
	} else {
		ops = newAMD64Ops(fd.Detail.CC, fd.Frame.PreservedFP)
	}

	low := &lowerer{c: c, b: c.Builder, fn: fd}
	if err := low.run(fnNode); err != nil {
		return c.fail(err, "lowerer")
	}

	ra, err := regalloc.New(ops, c.Builder, fnNode)
	if err != nil {
		return c.fail(err, "regalloc")
	}
	if err := ra.Run(); err != nil {
		return c.fail(err, "regalloc")
	}

	if err := c.emitFrame(fnNode, fd); err != nil {
		return c.fail(err, "frame")
	}
	return nil
}

// LabelOffset returns the resolved offset of a bound label, available
// after Finalize.
func (c *Compiler) LabelOffset(label asm.LabelID) (int, error) {
	return c.Holder.Labels.BoundOffset(label)
}

// Reset clears the compiler for a fresh compilation on the same holder.
func (c *Compiler) Reset() {
	c.Builder.Reset()
	c.finalized = nil
}

func (c *Compiler) dumpIR() {
	_ = c.Builder.Nodes.Walk(func(id ir.NodeID, n *ir.Node) error {
		fmt.Printf("%4d: %s\n", id, n)
		return nil
	})
}
