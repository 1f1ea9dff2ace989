// Package emitter writes the final lowering artifacts: the P-ISA CSV
// instruction stream and its accompanying .tw.mem memory manifest.
package emitter

import (
	"fmt"
	"io"

	"github.com/luxfi/pisa-lower/internal/instr"
	"github.com/luxfi/pisa-lower/internal/pisaerr"
	"github.com/luxfi/pisa-lower/internal/polyprogram"
)

// Options controls emission.
type Options struct {
	// Banks emits the _bank0 memory-bank suffix on every operand (off by
	// default); it is applied uniformly by setting BankFlag on every
	// instruction before writing, not per-operand.
	Banks bool
}

// EmitPISA writes instructions as the final P-ISA CSV, one instruction
// per line, applying the bank-flag suffix uniformly when opts.Banks is
// set.
func EmitPISA(w io.Writer, instructions []instr.Instruction, opts Options) error {
	if opts.Banks {
		banked := make([]instr.Instruction, len(instructions))
		for i, ins := range instructions {
			ins.BankFlag = true
			banked[i] = ins
		}
		instructions = banked
	}
	return instr.WriteCSV(w, instructions)
}

const highRNSShardSize = 64

// EmitMemoryManifest writes the .tw.mem memory manifest: the four
// table-slot preamble lines, per-high-RNS-iteration twiddle/ones loads,
// one poly load per unique program-input symbol root, and one store per
// unique program-output symbol root. Slot numbers increase strictly and
// are never reused.
func EmitMemoryManifest(w io.Writer, instructions []instr.Instruction, pp *polyprogram.PolyProgram) error {
	slot := 0
	next := func() int { s := slot; slot++; return s }

	tables := []string{"ntt_auxiliary_table", "ntt_routing_table", "intt_auxiliary_table", "intt_routing_table"}
	for _, table := range tables {
		if _, err := fmt.Fprintf(w, "dload,%s,%d\n", table, next()); err != nil {
			return pisaerr.Wrap(pisaerr.IoError, "write memory manifest preamble", err)
		}
	}

	iterations := (int(pp.KeyRNS) + highRNSShardSize - 1) / highRNSShardSize
	if iterations == 0 {
		iterations = 1
	}
	for i := 0; i < iterations; i++ {
		for j := 0; j < 8; j++ {
			if _, err := fmt.Fprintf(w, "dload,twid,%d\n", next()); err != nil {
				return pisaerr.Wrap(pisaerr.IoError, "write twiddle load", err)
			}
		}
		if _, err := fmt.Fprintf(w, "dload,ones,%d\n", next()); err != nil {
			return pisaerr.Wrap(pisaerr.IoError, "write ones load", err)
		}
	}

	inputRoots, outputRoots := programBoundaryRoots(instructions)

	for _, name := range inputRoots {
		if _, err := fmt.Fprintf(w, "dload,poly,%d,%s\n", next(), name); err != nil {
			return pisaerr.Wrap(pisaerr.IoError, "write poly load", err)
		}
	}
	for _, name := range outputRoots {
		if _, err := fmt.Fprintf(w, "dstore,%s,%d\n", name, next()); err != nil {
			return pisaerr.Wrap(pisaerr.IoError, "write store", err)
		}
	}

	return nil
}

// programBoundaryRoots returns the symbol roots of program inputs (never
// produced by any instruction's output, not an immediate) and program
// outputs (produced, but never consumed as a non-immediate input
// elsewhere), each deduplicated and in first-seen order.
func programBoundaryRoots(instructions []instr.Instruction) (inputs, outputs []string) {
	produced := make(map[string]bool)
	consumed := make(map[string]bool)
	immediate := make(map[string]bool)

	var order []string
	seen := make(map[string]bool)
	record := func(root string) {
		if !seen[root] {
			seen[root] = true
			order = append(order, root)
		}
	}

	for _, ins := range instructions {
		for _, o := range ins.OutputsSlice() {
			produced[o.SymbolRoot] = true
			record(o.SymbolRoot)
		}
		for _, o := range ins.InputsSlice() {
			if o.IsImmediate {
				immediate[o.SymbolRoot] = true
			} else {
				consumed[o.SymbolRoot] = true
			}
			record(o.SymbolRoot)
		}
	}

	for _, root := range order {
		if immediate[root] {
			continue
		}
		if !produced[root] {
			inputs = append(inputs, root)
		}
	}
	for _, root := range order {
		if produced[root] && !consumed[root] {
			outputs = append(outputs, root)
		}
	}
	return inputs, outputs
}
