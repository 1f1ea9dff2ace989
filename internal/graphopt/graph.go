// Package graphopt builds a data-flow graph over a spliced P-ISA
// instruction stream and rewrites it into a legal linear schedule:
// single-assignment variable renaming, MULI/MAC operand reordering,
// duplicate-input separation via COPY, and topological linearization.
//
// The graph is represented as an arena of parallel slices (operations,
// variables) with u32 indices for edges, per the design note that this
// eliminates lifetime tangles and makes the single-assignment rewrite a
// straightforward in-place swap. Back-edges are never needed: the BFS
// layering pass below builds a forward-only frontier once per rewrite.
package graphopt

import (
	"fmt"
	"io"

	"github.com/luxfi/pisa-lower/internal/instr"
	"github.com/luxfi/pisa-lower/internal/pisaerr"
)

// OpID indexes into Graph.Ops; VarID indexes into Graph.Vars.
type OpID uint32
type VarID uint32

// Variable is an arena-allocated node for one P-ISA register name.
type Variable struct {
	Name        string
	IsImmediate bool
	Producer    OpID // index into Ops; valid only if HasProducer
	HasProducer bool
	Consumers   []OpID
}

// Graph is the arena-and-indices instruction graph: Ops holds one entry
// per instruction, Vars holds one entry per distinct register name.
type Graph struct {
	Ops       []instr.Instruction
	OpOutputs [][]VarID
	OpInputs  [][]VarID

	Vars    []Variable
	nameIdx map[string]VarID
}

// NewGraph builds a graph over a flat instruction list, the concatenation
// of every spliced kernel's instantiated instructions. It rejects a
// variable written by more than one instruction: the graph is meant to be
// built over an already-SSA stream, and renameSingleAssignment operates
// on the graph this constructor returns rather than feeding it. SSA-ness
// is guaranteed by splicer's kernel namespacing (internal_{opname}_
// {kernel_id}_NS_ prefixing every kernel-local temporary by its unique
// kernel instance ID), which is on by default; running with
// splicer.Options.DisableNamespacing (the CLI's -ei/-n flags) reintroduces
// the possibility of a genuine cross-kernel name collision, and the
// resulting IRError here is the intended fail-fast for that case, not a
// bug in this check.
func NewGraph(instructions []instr.Instruction) (*Graph, error) {
	g := &Graph{
		nameIdx: make(map[string]VarID),
	}

	varOf := func(name string, isImmediate bool) VarID {
		if id, ok := g.nameIdx[name]; ok {
			return id
		}
		id := VarID(len(g.Vars))
		g.Vars = append(g.Vars, Variable{Name: name, IsImmediate: isImmediate})
		g.nameIdx[name] = id
		return id
	}

	for i, ins := range instructions {
		opID := OpID(i)
		g.Ops = append(g.Ops, ins)

		var outs []VarID
		for _, o := range ins.OutputsSlice() {
			vid := varOf(o.Name(), false)
			if g.Vars[vid].HasProducer {
				return nil, pisaerr.New(pisaerr.IRError,
					fmt.Sprintf("variable %q written by more than one instruction before rewrite", o.Name()))
			}
			g.Vars[vid].Producer = opID
			g.Vars[vid].HasProducer = true
			outs = append(outs, vid)
		}
		g.OpOutputs = append(g.OpOutputs, outs)

		var ins_ []VarID
		for _, o := range ins.InputsSlice() {
			vid := varOf(o.Name(), o.IsImmediate)
			g.Vars[vid].Consumers = append(g.Vars[vid].Consumers, opID)
			ins_ = append(ins_, vid)
		}
		g.OpInputs = append(g.OpInputs, ins_)
	}

	return g, nil
}

// IsInput reports whether a variable has in-degree 0 (no producing
// instruction in this graph): a program input.
func (g *Graph) IsInput(v VarID) bool {
	return !g.Vars[v].HasProducer && !g.Vars[v].IsImmediate
}

// IsOutput reports whether a variable has out-degree 0: a program output.
func (g *Graph) IsOutput(v VarID) bool {
	return len(g.Vars[v].Consumers) == 0
}

// VarName returns a variable's fully-qualified register name.
func (g *Graph) VarName(v VarID) string { return g.Vars[v].Name }

// WriteDot renders the instruction graph as Graphviz DOT, one node per
// instruction (labeled with its opcode and index) and one edge per
// variable from producer to consumer, for --export_dot debugging.
func (g *Graph) WriteDot(w io.Writer) error {
	if _, err := fmt.Fprintln(w, "digraph pisa {"); err != nil {
		return pisaerr.Wrap(pisaerr.IoError, "write dot header", err)
	}
	for i, ins := range g.Ops {
		if _, err := fmt.Fprintf(w, "  op%d [label=%q];\n", i, fmt.Sprintf("%s#%d", ins.Op, i)); err != nil {
			return pisaerr.Wrap(pisaerr.IoError, "write dot node", err)
		}
	}
	for vid, v := range g.Vars {
		if !v.HasProducer {
			continue
		}
		for _, consumer := range v.Consumers {
			if _, err := fmt.Fprintf(w, "  op%d -> op%d [label=%q];\n", v.Producer, consumer, g.VarName(VarID(vid))); err != nil {
				return pisaerr.Wrap(pisaerr.IoError, "write dot edge", err)
			}
		}
	}
	if _, err := fmt.Fprintln(w, "}"); err != nil {
		return pisaerr.Wrap(pisaerr.IoError, "write dot footer", err)
	}
	return nil
}
