// Package ir holds the instruction stream a builder produces and the
// compilation pipeline consumes: a doubly-linked list of typed nodes
// stored in an arena with stable integer handles, plus the virtual
// register pool.
package ir

import (
	"fmt"
	"strings"

	"github.com/forgejit/forge/internal/abi"
	"github.com/forgejit/forge/internal/asm"
)

// NodeID is a stable handle into the node arena. Handles survive removal
// of other nodes; removal only unlinks, the arena frees on Reset.
type NodeID int32

// NodeNone is the null handle.
const NodeNone NodeID = -1

// NodeKind discriminates the node variant.
type NodeKind byte

const (
	NodeInvalid NodeKind = iota
	// NodeInst is a machine instruction with operands.
	NodeInst
	// NodeLabel binds a label at this point of the stream.
	NodeLabel
	// NodeAlign pads the output to an alignment boundary.
	NodeAlign
	// NodeEmbedData places raw bytes into the output.
	NodeEmbedData
	// NodeComment is informative only and emits nothing.
	NodeComment
	// NodeSentinel marks stream boundaries (e.g. function end).
	NodeSentinel
	// NodeFunc opens a function: signature, detail and frame.
	NodeFunc
	// NodeFuncRet returns from the current function.
	NodeFuncRet
	// NodeInvoke is a call site with abstract arguments.
	NodeInvoke
	// NodeBlock marks a basic-block boundary for the allocator.
	NodeBlock
)

// String implements fmt.Stringer.
func (k NodeKind) String() string {
	switch k {
	case NodeInst:
		return "inst"
	case NodeLabel:
		return "label"
	case NodeAlign:
		return "align"
	case NodeEmbedData:
		return "data"
	case NodeComment:
		return "comment"
	case NodeSentinel:
		return "sentinel"
	case NodeFunc:
		return "func"
	case NodeFuncRet:
		return "ret"
	case NodeInvoke:
		return "invoke"
	case NodeBlock:
		return "block"
	default:
		return "invalid"
	}
}

// NodeFlags describe how the serializer and allocator treat a node.
type NodeFlags uint16

const (
	FlagIsCode NodeFlags = 1 << iota
	FlagIsData
	FlagIsInformative
	FlagIsRemovable
	FlagHasNoEffect
	FlagActsAsInst
	FlagActsAsLabel
	FlagIsActive
)

// AlignMode selects the fill pattern of an Align node.
type AlignMode byte

const (
	// AlignCode pads with NOPs.
	AlignCode AlignMode = iota
	// AlignData pads with zeros.
	AlignData
)

// SentinelKind distinguishes sentinel nodes.
type SentinelKind byte

const (
	SentinelNone SentinelKind = iota
	// SentinelFuncEnd closes the node range of a function.
	SentinelFuncEnd
)

// FuncData is the payload of a NodeFunc.
type FuncData struct {
	Sig    abi.FuncSignature
	Detail abi.FuncDetail
	Frame  *abi.FuncFrame
	// Args are the virtual registers the builder handed out for the
	// function's arguments, in signature order.
	Args []asm.Reg
	// End is the matching sentinel node.
	End NodeID
}

// InvokeData is the payload of a NodeInvoke.
type InvokeData struct {
	// Target is a label, register or immediate (absolute address) operand.
	Target asm.Operand
	Sig    abi.FuncSignature
	Detail abi.FuncDetail
	Args   []asm.Operand
	// Ret receives the ABI return register's value; RegNone discards it.
	Ret asm.Reg
}

// Node is one element of the stream. The variant payload is inline for
// the common small cases; Func and Invoke payloads are pointers because
// they are rare and large.
type Node struct {
	Kind  NodeKind
	Flags NodeFlags

	prev, next NodeID

	// Inst fields.
	Inst    asm.InstID
	Options asm.InstOptions
	Ops     []asm.Operand

	// Label fields; also the block label of a NodeBlock.
	Label asm.LabelID

	// Align fields.
	AlignMode  AlignMode
	AlignBytes uint32

	// EmbedData fields.
	Data     []byte
	ItemSize byte

	// Comment text.
	Text string

	Sentinel SentinelKind

	Func   *FuncData
	Invoke *InvokeData
}

// Prev returns the previous node handle.
func (n *Node) Prev() NodeID { return n.prev }

// Next returns the next node handle.
func (n *Node) Next() NodeID { return n.next }

// IsActive reports whether the node is linked into the list.
func (n *Node) IsActive() bool { return n.Flags&FlagIsActive != 0 }

func (n *Node) String() string {
	switch n.Kind {
	case NodeInst:
		var ops []string
		for _, o := range n.Ops {
			ops = append(ops, o.String())
		}
		return fmt.Sprintf("inst#%d %s", n.Inst, strings.Join(ops, ", "))
	case NodeLabel, NodeBlock:
		return fmt.Sprintf("%s L%d", n.Kind, n.Label)
	case NodeComment:
		return "; " + n.Text
	default:
		return n.Kind.String()
	}
}

// List is the arena-backed doubly-linked node list. Create it with
// NewList; the zero value is not an empty list (its head and tail are
// handle 0, not NodeNone).
type List struct {
	arena       []Node
	first, last NodeID
}

// NewList returns an empty list.
func NewList() *List {
	return &List{first: NodeNone, last: NodeNone}
}

// Get resolves a handle. Handles are never reused within a compilation,
// so a stale handle still resolves to its (possibly unlinked) node.
func (l *List) Get(id NodeID) *Node {
	return &l.arena[id]
}

// First returns the head handle or NodeNone.
func (l *List) First() NodeID { return l.first }

// Last returns the tail handle or NodeNone.
func (l *List) Last() NodeID { return l.last }

// Alloc creates an unlinked node of the given kind.
func (l *List) Alloc(kind NodeKind) NodeID {
	id := NodeID(len(l.arena))
	l.arena = append(l.arena, Node{Kind: kind, prev: NodeNone, next: NodeNone})
	n := &l.arena[id]
	switch kind {
	case NodeInst, NodeFuncRet:
		n.Flags = FlagIsCode | FlagActsAsInst | FlagIsRemovable
	case NodeLabel, NodeBlock:
		n.Flags = FlagActsAsLabel
	case NodeAlign:
		n.Flags = FlagIsCode
	case NodeEmbedData:
		n.Flags = FlagIsData
	case NodeComment:
		n.Flags = FlagIsInformative | FlagHasNoEffect | FlagIsRemovable
	case NodeInvoke:
		n.Flags = FlagIsCode | FlagActsAsInst
	}
	return id
}

// Append links node id at the tail.
func (l *List) Append(id NodeID) {
	n := l.Get(id)
	n.prev, n.next = l.last, NodeNone
	n.Flags |= FlagIsActive
	if l.last != NodeNone {
		l.Get(l.last).next = id
	} else {
		l.first = id
	}
	l.last = id
}

// Prepend links node id at the head.
func (l *List) Prepend(id NodeID) {
	n := l.Get(id)
	n.prev, n.next = NodeNone, l.first
	n.Flags |= FlagIsActive
	if l.first != NodeNone {
		l.Get(l.first).prev = id
	} else {
		l.last = id
	}
	l.first = id
}

// InsertBefore links node id immediately before ref.
func (l *List) InsertBefore(id, ref NodeID) {
	r := l.Get(ref)
	n := l.Get(id)
	n.prev, n.next = r.prev, ref
	n.Flags |= FlagIsActive
	if r.prev != NodeNone {
		l.Get(r.prev).next = id
	} else {
		l.first = id
	}
	r.prev = id
}

// InsertAfter links node id immediately after ref.
func (l *List) InsertAfter(id, ref NodeID) {
	r := l.Get(ref)
	n := l.Get(id)
	n.prev, n.next = ref, r.next
	n.Flags |= FlagIsActive
	if r.next != NodeNone {
		l.Get(r.next).prev = id
	} else {
		l.last = id
	}
	r.next = id
}

// Remove unlinks the node. The node keeps its handle and payload; only
// the links are cleared. Iteration that already read the node's Next is
// unaffected, which lets passes remove the current node mid-walk.
func (l *List) Remove(id NodeID) {
	n := l.Get(id)
	if n.prev != NodeNone {
		l.Get(n.prev).next = n.next
	} else if l.first == id {
		l.first = n.next
	}
	if n.next != NodeNone {
		l.Get(n.next).prev = n.prev
	} else if l.last == id {
		l.last = n.prev
	}
	n.prev, n.next = NodeNone, NodeNone
	n.Flags &^= FlagIsActive
}

// Clear empties the list and releases the arena.
func (l *List) Clear() {
	l.arena = l.arena[:0]
	l.first, l.last = NodeNone, NodeNone
}

// Walk calls f for each linked node in order. f may remove the current
// node or insert after it; insertions after the current node are visited.
func (l *List) Walk(f func(id NodeID, n *Node) error) error {
	for id := l.first; id != NodeNone; {
		next := l.Get(id).next
		if err := f(id, l.Get(id)); err != nil {
			return err
		}
		// Re-read: f may have inserted nodes right after id.
		if cur := l.Get(id); cur.IsActive() {
			next = cur.next
		}
		id = next
	}
	return nil
}
