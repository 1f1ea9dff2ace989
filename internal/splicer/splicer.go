// Package splicer names a template Kernel into the enclosing PolyProgram
// operation it implements: boundary renames from kernel-local symbol
// roots to program-wide operand names, optional internal namespacing, and
// the legacy-kerngen input sort order.
package splicer

import (
	"fmt"
	"sort"
	"strings"

	"github.com/luxfi/pisa-lower/internal/instr"
	"github.com/luxfi/pisa-lower/internal/polyprogram"
)

// Options controls namespacing behavior.
type Options struct {
	// DisableNamespacing ("-ei" disables intermediates, "-n" disables
	// kernel namespacing) skips the internal_{opname}_{kernel_id}_NS_
	// rewrite, leaving kernel-local temporaries as-is. graphopt.NewGraph
	// assumes the spliced stream is single-assignment; namespacing (on by
	// default) is what guarantees that by construction, since each
	// kernel's internal names are unique per kernel instance ID.
	// Disabling it can surface a genuine cross-kernel name collision as
	// graphopt.NewGraph's IRError.
	DisableNamespacing bool
}

// operandOrder returns kernel-local input names in the order they should
// be bound to the operation's operand list: the positional input{k}
// convention (new kerngen) sorts naturally by that numeric suffix already;
// names containing "input" are additionally forced ascending
// lexicographic, while all other names keep the kernel's own positional
// (first-seen) order, preserving c-vs-d operand ordering for
// key-switching variants.
func operandOrder(names []string) []string {
	var withInput, others []string
	for _, n := range names {
		if strings.Contains(n, "input") {
			withInput = append(withInput, n)
		} else {
			others = append(others, n)
		}
	}
	sort.Strings(withInput)

	out := make([]string, 0, len(names))
	wi, oi := 0, 0
	for _, n := range names {
		if strings.Contains(n, "input") {
			out = append(out, withInput[wi])
			wi++
		} else {
			out = append(out, others[oi])
			oi++
		}
	}
	return out
}

// Splice binds a template kernel into op's operand list: registers a
// naming_map entry from each kernel-local boundary name to the
// program-wide name, optionally namespaces internal temporaries, and
// returns the kernel's instantiated instruction list.
func Splice(k *instr.Kernel, op polyprogram.PolyOperation, opts Options) ([]instr.Instruction, error) {
	orderedInputs := operandOrder(k.InputNames)
	if len(orderedInputs) != len(op.Inputs) {
		return nil, fmt.Errorf("splicer: kernel %d for %q has %d input(s), operation supplies %d",
			k.ID, op.Name, len(orderedInputs), len(op.Inputs))
	}
	for i, local := range orderedInputs {
		k.Rename(local, op.Inputs[i].Name)
	}

	if len(k.OutputNames) != 1 {
		return nil, fmt.Errorf("splicer: kernel %d for %q has %d output(s), want 1", k.ID, op.Name, len(k.OutputNames))
	}
	k.Rename(k.OutputNames[0], op.Output.Name)

	if !opts.DisableNamespacing {
		boundary := make(map[string]bool, len(k.InputNames)+len(k.OutputNames)+len(k.ImmediateNames))
		for _, n := range k.InputNames {
			boundary[n] = true
		}
		for _, n := range k.OutputNames {
			boundary[n] = true
		}
		for _, n := range k.ImmediateNames {
			boundary[n] = true
		}
		for _, ins := range k.Instructions {
			for _, o := range ins.OutputsSlice() {
				namespaceIfInternal(k, o.SymbolRoot, op.Name, boundary)
			}
			for _, o := range ins.InputsSlice() {
				namespaceIfInternal(k, o.SymbolRoot, op.Name, boundary)
			}
		}
	}

	return k.Instantiate(), nil
}

func namespaceIfInternal(k *instr.Kernel, name, opname string, boundary map[string]bool) {
	if boundary[name] {
		return
	}
	k.Namespace(name, fmt.Sprintf("internal_%s_%d_NS_%s", opname, k.ID, name))
}
