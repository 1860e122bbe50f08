package compiler

import (
	"fmt"

	"github.com/forgejit/forge/internal/asm"
	"github.com/forgejit/forge/internal/asm/amd64"
	"github.com/forgejit/forge/internal/asm/arm64"
	"github.com/forgejit/forge/internal/coderr"
	"github.com/forgejit/forge/internal/ir"
)

// archEncoder is the per-architecture serializer of instruction nodes.
// Both adapters satisfy it.
type archEncoder interface {
	Encode(n *ir.Node) error
	Align(boundary uint32)
}

func (c *Compiler) newEncoder() archEncoder {
	if c.Arch == asm.ArchARM64 {
		return arm64.NewEncoder(c.Holder)
	}
	return amd64.NewEncoder(c.Holder)
}

// serialize walks the node list and emits every node into the holder:
// instructions through the arch encoder, labels as bindings, alignment as
// padding, embedded data as raw bytes. ABI-level nodes must have been
// lowered away by now.
func (c *Compiler) serialize() error {
	enc := c.newEncoder()
	text := c.Holder.Text()
	return c.Builder.Nodes.Walk(func(id ir.NodeID, n *ir.Node) error {
		switch n.Kind {
		case ir.NodeInst:
			if err := enc.Encode(n); err != nil {
				return fmt.Errorf("node %d (%s): %w", id, n, err)
			}
		case ir.NodeLabel, ir.NodeBlock:
			if err := c.Holder.BindLabel(n.Label, asm.TextSection); err != nil {
				return err
			}
		case ir.NodeAlign:
			if n.AlignBytes > 1 {
				if n.AlignMode == ir.AlignCode {
					enc.Align(n.AlignBytes)
				} else {
					for uint32(text.Buf.Len())%n.AlignBytes != 0 {
						text.Buf.EmitByte(0)
					}
				}
			}
		case ir.NodeEmbedData:
			text.Buf.Emit(n.Data)
		case ir.NodeComment, ir.NodeSentinel, ir.NodeFunc:
			// Nothing to emit.
		default:
			return fmt.Errorf("unlowered %s node reached serializer: %w", n.Kind, coderr.ErrInvalidState)
		}
		return nil
	})
}
