// Package wire defines the job packet exchanged with remote
// submitters, encoded in protobuf wire format. Expressions travel as
// postfix opcode programs so the receiving node can materialize them
// straight into its arena.
package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/maxdeliso/typed-ski/kernel/arena"
)

// Packet field numbers.
const (
	fieldReqID      = 1
	fieldProgram    = 2
	fieldNode       = 3
	fieldMaxSteps   = 4
	fieldStatus     = 5
	fieldResult     = 6
	fieldResultNode = 7
	fieldError      = 8
)

// Status values for a reply packet.
const (
	StatusUnspecified uint32 = 0
	StatusOK          uint32 = 1
	StatusSuspended   uint32 = 2
	StatusError       uint32 = 3
)

// OpApply is the program opcode that pops two operands and applies
// them; any other byte is a terminal symbol.
const OpApply byte = 0

// Packet is one request or reply. A request carries either a Program
// (a fresh expression) or a Node (resuming a suspension the node
// handed back earlier). A reply carries Status plus Result and/or
// ResultNode.
type Packet struct {
	ReqID      uint32
	Program    []byte
	Node       uint32
	MaxSteps   uint32
	Status     uint32
	Result     []byte
	ResultNode uint32
	Error      string
}

// Marshal encodes the packet.
func (p *Packet) Marshal() []byte {
	var b []byte
	if p.ReqID != 0 {
		b = protowire.AppendTag(b, fieldReqID, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(p.ReqID))
	}
	if len(p.Program) > 0 {
		b = protowire.AppendTag(b, fieldProgram, protowire.BytesType)
		b = protowire.AppendBytes(b, p.Program)
	}
	if p.Node != 0 {
		b = protowire.AppendTag(b, fieldNode, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(p.Node))
	}
	if p.MaxSteps != 0 {
		b = protowire.AppendTag(b, fieldMaxSteps, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(p.MaxSteps))
	}
	if p.Status != 0 {
		b = protowire.AppendTag(b, fieldStatus, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(p.Status))
	}
	if len(p.Result) > 0 {
		b = protowire.AppendTag(b, fieldResult, protowire.BytesType)
		b = protowire.AppendBytes(b, p.Result)
	}
	if p.ResultNode != 0 {
		b = protowire.AppendTag(b, fieldResultNode, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(p.ResultNode))
	}
	if p.Error != "" {
		b = protowire.AppendTag(b, fieldError, protowire.BytesType)
		b = protowire.AppendString(b, p.Error)
	}
	return b
}

// Unmarshal decodes a packet, skipping unknown fields.
func Unmarshal(data []byte) (*Packet, error) {
	p := &Packet{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]

		switch num {
		case fieldReqID, fieldNode, fieldMaxSteps, fieldStatus, fieldResultNode:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
			switch num {
			case fieldReqID:
				p.ReqID = uint32(v)
			case fieldNode:
				p.Node = uint32(v)
			case fieldMaxSteps:
				p.MaxSteps = uint32(v)
			case fieldStatus:
				p.Status = uint32(v)
			case fieldResultNode:
				p.ResultNode = uint32(v)
			}
		case fieldProgram, fieldResult, fieldError:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
			switch num {
			case fieldProgram:
				p.Program = append([]byte(nil), v...)
			case fieldResult:
				p.Result = append([]byte(nil), v...)
			case fieldError:
				p.Error = string(v)
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	return p, nil
}

// EncodeProgram walks an expression into a postfix opcode program.
func EncodeProgram(a *arena.Arena, node uint32) ([]byte, error) {
	type frame struct {
		node  uint32
		apply bool
	}
	var out []byte
	stack := []frame{{node: node}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if f.apply {
			out = append(out, OpApply)
			continue
		}
		switch a.KindOf(f.node) {
		case arena.KindTerminal:
			out = append(out, a.SymOf(f.node))
		case arena.KindApplication:
			stack = append(stack,
				frame{node: f.node, apply: true},
				frame{node: a.RightOf(f.node)},
				frame{node: a.LeftOf(f.node)},
			)
		default:
			return nil, fmt.Errorf("wire: node %d is not an expression", f.node)
		}
	}
	return out, nil
}

// DecodeProgram materializes a postfix program into the arena and
// returns the root id.
func DecodeProgram(a *arena.Arena, prog []byte) (uint32, error) {
	var stack []uint32
	for i, op := range prog {
		if op == OpApply {
			if len(stack) < 2 {
				return 0, fmt.Errorf("wire: apply at offset %d with %d operands", i, len(stack))
			}
			r := stack[len(stack)-1]
			l := stack[len(stack)-2]
			stack = stack[:len(stack)-2]
			stack = append(stack, a.AllocApplication(l, r))
			continue
		}
		stack = append(stack, a.AllocTerminal(op))
	}
	if len(stack) != 1 {
		return 0, fmt.Errorf("wire: program left %d operands on the stack", len(stack))
	}
	return stack[0], nil
}
