package ir

import (
	"fmt"

	"github.com/forgejit/forge/internal/abi"
	"github.com/forgejit/forge/internal/asm"
	"github.com/forgejit/forge/internal/coderr"
)

// Builder constructs the instruction stream. It owns the node list and
// the virtual register pool, and shares the label table with the code
// holder so label ids are meaningful to the encoder and the relocation
// resolver alike.
type Builder struct {
	Arch   asm.Arch
	Holder *asm.CodeHolder
	Nodes  *List

	vregs []VirtReg

	// cursor is the node new emissions append after; NodeNone appends at
	// the tail.
	cursor NodeID

	// fn is the currently open function.
	fn NodeID
}

// NewBuilder returns a builder emitting into the given holder.
func NewBuilder(holder *asm.CodeHolder) *Builder {
	return &Builder{
		Arch:   holder.Arch,
		Holder: holder,
		Nodes:  NewList(),
		cursor: NodeNone,
		fn:     NodeNone,
	}
}

// NewLabel allocates a fresh unbound label.
func (b *Builder) NewLabel() asm.LabelID {
	return b.Holder.Labels.NewLabel()
}

// NewNamedLabel allocates a named label, failing on duplicates.
func (b *Builder) NewNamedLabel(name string) (asm.LabelID, error) {
	return b.Holder.Labels.NewNamedLabel(name)
}

// Bind appends a label node binding the label at the current position of
// the stream.
func (b *Builder) Bind(label asm.LabelID) NodeID {
	id := b.Nodes.Alloc(NodeLabel)
	b.Nodes.Get(id).Label = label
	b.attach(id)
	return id
}

// Block appends a basic-block boundary carrying its entry label.
func (b *Builder) Block(label asm.LabelID) NodeID {
	id := b.Nodes.Alloc(NodeBlock)
	b.Nodes.Get(id).Label = label
	b.attach(id)
	return id
}

// NewVirtual allocates a virtual register of the given type.
func (b *Builder) NewVirtual(t asm.RegType) asm.Reg {
	id := len(b.vregs)
	b.vregs = append(b.vregs, VirtReg{
		ID:          id,
		Type:        t,
		Size:        t.Size(),
		HomeID:      PhysNone,
		PhysID:      PhysNone,
		SpillOffset: SpillNone,
		Bundle:      -1,
	})
	return asm.NewVirtReg(t, id)
}

// VirtRegs exposes the pool to the allocator.
func (b *Builder) VirtRegs() []VirtReg { return b.vregs }

// VirtReg resolves a virtual register handle to its record.
func (b *Builder) VirtReg(r asm.Reg) *VirtReg {
	return &b.vregs[r.ID()]
}

// Emit appends an instruction node.
func (b *Builder) Emit(inst asm.InstID, ops ...asm.Operand) NodeID {
	return b.EmitWithOptions(inst, 0, ops...)
}

// EmitWithOptions appends an instruction node with emission hints.
func (b *Builder) EmitWithOptions(inst asm.InstID, opt asm.InstOptions, ops ...asm.Operand) NodeID {
	id := b.Nodes.Alloc(NodeInst)
	n := b.Nodes.Get(id)
	n.Inst = inst
	n.Options = opt
	n.Ops = ops
	b.attach(id)
	return id
}

// Comment appends an informative node.
func (b *Builder) Comment(text string) NodeID {
	id := b.Nodes.Alloc(NodeComment)
	b.Nodes.Get(id).Text = text
	b.attach(id)
	return id
}

// Align appends an alignment directive.
func (b *Builder) Align(mode AlignMode, bytes uint32) NodeID {
	id := b.Nodes.Alloc(NodeAlign)
	n := b.Nodes.Get(id)
	n.AlignMode = mode
	n.AlignBytes = bytes
	b.attach(id)
	return id
}

// EmbedData appends raw bytes to be placed into the output.
func (b *Builder) EmbedData(data []byte, itemSize byte) NodeID {
	id := b.Nodes.Alloc(NodeEmbedData)
	n := b.Nodes.Get(id)
	n.Data = data
	n.ItemSize = itemSize
	b.attach(id)
	return id
}

// Func opens a function. The signature is expanded immediately so GetArg
// can hand out argument registers with their home hints in place.
func (b *Builder) Func(sig abi.FuncSignature) (NodeID, error) {
	if b.fn != NodeNone {
		return NodeNone, fmt.Errorf("function already open: %w", coderr.ErrInvalidState)
	}
	var detail abi.FuncDetail
	if err := detail.Init(sig, b.Arch); err != nil {
		return NodeNone, err
	}
	fd := &FuncData{Sig: sig, Detail: detail, End: NodeNone}
	fd.Frame = abi.NewFuncFrame(&fd.Detail, b.Arch)

	fd.Args = make([]asm.Reg, len(sig.Args))
	for i, t := range sig.Args {
		r := b.NewVirtual(t.RegType())
		if v := detail.Args[i]; v.Kind == abi.FuncValueReg {
			b.VirtReg(r).HomeID = v.RegID
		}
		fd.Args[i] = r
	}

	id := b.Nodes.Alloc(NodeFunc)
	b.Nodes.Get(id).Func = fd
	b.attach(id)
	b.fn = id
	return id, nil
}

// CurrentFunc returns the open function node, or NodeNone.
func (b *Builder) CurrentFunc() NodeID { return b.fn }

// GetArg returns the virtual register holding the i-th argument of the
// open function.
func (b *Builder) GetArg(i int) (asm.Reg, error) {
	if b.fn == NodeNone {
		return asm.RegNone, fmt.Errorf("no open function: %w", coderr.ErrInvalidState)
	}
	fd := b.Nodes.Get(b.fn).Func
	if i < 0 || i >= len(fd.Args) {
		return asm.RegNone, fmt.Errorf("argument %d of %d: %w", i, len(fd.Args), coderr.ErrInvalidArgument)
	}
	return fd.Args[i], nil
}

// Ret appends a function return carrying the returned values.
func (b *Builder) Ret(ops ...asm.Operand) (NodeID, error) {
	if b.fn == NodeNone {
		return NodeNone, fmt.Errorf("no open function: %w", coderr.ErrInvalidState)
	}
	id := b.Nodes.Alloc(NodeFuncRet)
	b.Nodes.Get(id).Ops = ops
	b.attach(id)
	return id, nil
}

// EndFunc closes the open function with a sentinel.
func (b *Builder) EndFunc() (NodeID, error) {
	if b.fn == NodeNone {
		return NodeNone, fmt.Errorf("no open function: %w", coderr.ErrInvalidState)
	}
	id := b.Nodes.Alloc(NodeSentinel)
	b.Nodes.Get(id).Sentinel = SentinelFuncEnd
	b.attach(id)
	b.Nodes.Get(b.fn).Func.End = id
	b.fn = NodeNone
	return id, nil
}

// Invoke appends a call site. Target may be a label, register or absolute
// immediate operand; args are translated to ABI locations during
// lowering; ret, when valid, receives the ABI return value.
func (b *Builder) Invoke(target asm.Operand, sig abi.FuncSignature, args []asm.Operand, ret asm.Reg) (NodeID, error) {
	if len(args) != len(sig.Args) {
		return NodeNone, fmt.Errorf("%d args for %s: %w", len(args), sig, coderr.ErrInvalidArgument)
	}
	var detail abi.FuncDetail
	if err := detail.Init(sig, b.Arch); err != nil {
		return NodeNone, err
	}
	id := b.Nodes.Alloc(NodeInvoke)
	b.Nodes.Get(id).Invoke = &InvokeData{
		Target: target,
		Sig:    sig,
		Detail: detail,
		Args:   args,
		Ret:    ret,
	}
	b.attach(id)
	if b.fn != NodeNone {
		b.Nodes.Get(b.fn).Func.Frame.HasCalls = true
	}
	return id, nil
}

// SetCursor makes subsequent emissions insert after the given node;
// NodeNone appends at the tail again.
func (b *Builder) SetCursor(id NodeID) { b.cursor = id }

func (b *Builder) attach(id NodeID) {
	if b.cursor == NodeNone {
		b.Nodes.Append(id)
	} else {
		b.Nodes.InsertAfter(id, b.cursor)
		b.cursor = id
	}
}

// Reset clears the node list, register pool and label table for reuse.
func (b *Builder) Reset() {
	b.Nodes.Clear()
	b.vregs = b.vregs[:0]
	b.cursor = NodeNone
	b.fn = NodeNone
	b.Holder.Reset()
}
