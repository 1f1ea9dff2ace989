package graphopt

import (
	"fmt"

	"github.com/luxfi/pisa-lower/internal/instr"
	"github.com/luxfi/pisa-lower/internal/pisaerr"
)

// RunCounters holds the per-pipeline-run counters the rewrite needs. These
// live in the caller's pipeline record rather than as package-level state,
// so that two runs (even concurrent ones, in separate goroutines) never
// share mutable counter state and outputs stay byte-identical across runs
// over identical inputs.
type RunCounters struct {
	uid  int
	copy int
}

// NextUID returns the next single-assignment rename counter value.
func (c *RunCounters) NextUID() int {
	v := c.uid
	c.uid++
	return v
}

// NextCopy returns the next duplicate-input COPY counter value.
func (c *RunCounters) NextCopy() int {
	v := c.copy
	c.copy++
	return v
}

// Options controls optional rewrite behavior.
type Options struct {
	// FixedOrder, if non-nil, is a pre-specified instruction order to use
	// instead of BFS layering; only the operand rewrites are applied, no
	// reordering.
	FixedOrder []int
}

// Optimize builds the data-flow graph over the concatenation of all
// spliced kernels and rewrites it per §4.G: single-assignment variable
// isolation, MULI/MAC operand reordering, duplicate-input separation, and
// linearization to a legal schedule.
func Optimize(instructions []instr.Instruction, counters *RunCounters, opts Options) ([]instr.Instruction, error) {
	g, err := NewGraph(instructions)
	if err != nil {
		return nil, err
	}

	var order []int
	if opts.FixedOrder != nil {
		order = opts.FixedOrder
	} else {
		order, err = peelLayers(g)
		if err != nil {
			return nil, err
		}
	}

	locked := buildLockSet(g, instructions)
	renamed := renameSingleAssignment(g, locked, counters)

	out := make([]instr.Instruction, 0, len(order))
	for _, idx := range order {
		ins := applyRenames(instructions[idx], renamed)
		out = append(out, ins)
	}

	out, err = reorderOperands(out)
	if err != nil {
		return nil, err
	}

	out = separateDuplicateInputs(out, counters)

	return out, nil
}

// peelLayers performs the BFS-like layering pass: repeatedly peel
// instructions whose inputs are all already available (program inputs or
// produced by a previously peeled instruction), returning a topological
// instruction order. Instructions remaining unpeeled after no progress is
// made indicate a cycle.
func peelLayers(g *Graph) ([]int, error) {
	n := len(g.Ops)
	done := make([]bool, n)
	available := make([]bool, len(g.Vars))
	for v := range g.Vars {
		if g.IsInput(VarID(v)) || g.Vars[v].IsImmediate {
			available[v] = true
		}
	}

	order := make([]int, 0, n)
	remaining := n
	for remaining > 0 {
		progressed := false
		for i := 0; i < n; i++ {
			if done[i] {
				continue
			}
			ready := true
			for _, vid := range g.OpInputs[i] {
				if !available[vid] {
					ready = false
					break
				}
			}
			if !ready {
				continue
			}
			done[i] = true
			for _, vid := range g.OpOutputs[i] {
				available[vid] = true
			}
			order = append(order, i)
			remaining--
			progressed = true
		}
		if !progressed {
			return nil, pisaerr.New(pisaerr.IRError, "CyclicIR")
		}
	}
	return order, nil
}

// buildLockSet computes the set of variable names that must not be
// renamed by the single-assignment pass: every program output, and every
// variable consumed by a MAC instruction (which accumulates in place and
// whose output must equal one of its inputs by name).
func buildLockSet(g *Graph, instructions []instr.Instruction) map[string]bool {
	locked := make(map[string]bool)
	for v := range g.Vars {
		if g.IsOutput(VarID(v)) {
			locked[g.Vars[v].Name] = true
		}
	}
	for _, ins := range instructions {
		if ins.Op == instr.OpMac || ins.Op == instr.OpMaci {
			for _, o := range ins.InputsSlice() {
				locked[o.Name()] = true
			}
		}
	}
	return locked
}

// renameSingleAssignment renames every non-locked, non-input variable to
// uid_{counter}_{original}, returning the old-name -> new-name map.
func renameSingleAssignment(g *Graph, locked map[string]bool, counters *RunCounters) map[string]string {
	renamed := make(map[string]string)
	for v := range g.Vars {
		name := g.Vars[v].Name
		if g.IsInput(VarID(v)) || g.Vars[v].IsImmediate || locked[name] {
			continue
		}
		renamed[name] = fmt.Sprintf("uid_%d_%s", counters.NextUID(), name)
	}
	return renamed
}

func applyRenames(ins instr.Instruction, renamed map[string]string) instr.Instruction {
	out := ins
	for i := 0; i < ins.NumOut; i++ {
		if to, ok := renamed[ins.Outputs[i].Name()]; ok {
			out.Outputs[i].SymbolRoot = to
		}
	}
	for i := 0; i < ins.NumIn; i++ {
		if to, ok := renamed[ins.Inputs[i].Name()]; ok {
			out.Inputs[i].SymbolRoot = to
		}
	}
	return out
}

// reorderOperands applies the MULI/MAC operand-adjustment rules.
func reorderOperands(instructions []instr.Instruction) ([]instr.Instruction, error) {
	out := make([]instr.Instruction, len(instructions))
	for i, ins := range instructions {
		switch ins.Op {
		case instr.OpMuli, instr.OpMaci:
			if ins.NumIn >= 2 && ins.Inputs[0].IsImmediate && !ins.Inputs[1].IsImmediate {
				ins.Inputs[0], ins.Inputs[1] = ins.Inputs[1], ins.Inputs[0]
			}
		case instr.OpMac:
			if err := reorderMAC(&ins); err != nil {
				return nil, err
			}
		}
		out[i] = ins
	}
	return out, nil
}

// reorderMAC chooses the accumulator input (the one matching the output
// register) as operand 0; the remaining two fill operands 1 and 2 in their
// original relative order.
func reorderMAC(ins *instr.Instruction) error {
	if ins.NumOut == 0 || ins.NumIn < 3 {
		return pisaerr.New(pisaerr.IRError, "InvalidMacInstruction")
	}
	outName := ins.Output().Name()
	accIdx := -1
	for i := 0; i < ins.NumIn; i++ {
		if ins.Inputs[i].Name() == outName {
			accIdx = i
			break
		}
	}
	if accIdx == -1 {
		return pisaerr.New(pisaerr.IRError, "InvalidMacInstruction")
	}
	if accIdx == 0 {
		return nil
	}
	rest := make([]instr.Operand, 0, ins.NumIn-1)
	for i := 0; i < ins.NumIn; i++ {
		if i != accIdx {
			rest = append(rest, ins.Inputs[i])
		}
	}
	ins.Inputs[0] = ins.Inputs[accIdx]
	for i, o := range rest {
		ins.Inputs[i+1] = o
	}
	return nil
}

// separateDuplicateInputs inserts a preceding copy instruction whenever an
// instruction's two input operands reference the same register, rewriting
// the second occurrence to a fresh copyA{root}_{n} register, where n comes
// from the run's copy counter.
func separateDuplicateInputs(instructions []instr.Instruction, counters *RunCounters) []instr.Instruction {
	out := make([]instr.Instruction, 0, len(instructions))
	for _, ins := range instructions {
		if ins.NumIn < 2 {
			out = append(out, ins)
			continue
		}
		seen := make(map[string]bool)
		for i := 0; i < ins.NumIn; i++ {
			name := ins.Inputs[i].Name()
			if !seen[name] {
				seen[name] = true
				continue
			}
			fresh := fmt.Sprintf("copyA%s_%d", ins.Inputs[i].SymbolRoot, counters.NextCopy())
			copyIns := instr.Instruction{
				Op:       instr.OpCopy,
				PMD:      ins.PMD,
				Residual: ins.Residual,
				NumOut:   1,
				NumIn:    1,
			}
			copyIns.Outputs[0] = instr.Operand{SymbolRoot: fresh, Residual: ins.Inputs[i].Residual, Chunk: ins.Inputs[i].Chunk}
			copyIns.Inputs[0] = ins.Inputs[i]
			out = append(out, copyIns)
			ins.Inputs[i] = copyIns.Outputs[0]
		}
		out = append(out, ins)
	}
	return out
}
