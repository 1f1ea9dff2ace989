package splicer

import (
	"strings"
	"testing"

	"github.com/luxfi/pisa-lower/internal/instr"
	"github.com/luxfi/pisa-lower/internal/polyprogram"
)

func TestOperandOrderSortsInputNames(t *testing.T) {
	got := operandOrder([]string{"c", "input1", "input0", "d"})
	want := []string{"c", "input0", "input1", "d"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("operandOrder = %v, want %v", got, want)
		}
	}
}

func TestSpliceRenamesBoundary(t *testing.T) {
	instructions := []instr.Instruction{
		{
			Op:     instr.OpAdd,
			NumOut: 1,
			NumIn:  2,
			Outputs: [2]instr.Operand{{SymbolRoot: "tmp"}},
			Inputs:  [3]instr.Operand{{SymbolRoot: "input0"}, {SymbolRoot: "input1"}},
		},
		{
			Op:     instr.OpCopy,
			NumOut: 1,
			NumIn:  1,
			Outputs: [2]instr.Operand{{SymbolRoot: "output0"}},
			Inputs:  [3]instr.Operand{{SymbolRoot: "tmp"}},
		},
	}
	k := instr.NewKernel(1, instructions)

	pp := polyprogram.PolyOperation{
		Name:   "add",
		Output: polyprogram.OperandRef{Name: "c"},
		Inputs: []polyprogram.OperandRef{{Name: "a"}, {Name: "b"}},
	}

	out, err := Splice(k, pp, Options{})
	if err != nil {
		t.Fatalf("Splice: %v", err)
	}

	if out[0].Inputs[0].SymbolRoot != "a" || out[0].Inputs[1].SymbolRoot != "b" {
		t.Errorf("inputs not renamed: %+v", out[0].Inputs)
	}
	if out[1].Outputs[0].SymbolRoot != "c" {
		t.Errorf("output not renamed: %+v", out[1].Outputs[0])
	}
	if !strings.HasPrefix(out[0].Outputs[0].SymbolRoot, "internal_add_1_NS_") {
		t.Errorf("internal temp not namespaced: %+v", out[0].Outputs[0])
	}
}

func TestSpliceDisabledNamespacing(t *testing.T) {
	instructions := []instr.Instruction{
		{
			Op:      instr.OpCopy,
			NumOut:  1,
			NumIn:   1,
			Outputs: [2]instr.Operand{{SymbolRoot: "output0"}},
			Inputs:  [3]instr.Operand{{SymbolRoot: "input0"}},
		},
	}
	k := instr.NewKernel(2, instructions)
	pp := polyprogram.PolyOperation{
		Name:   "ntt",
		Output: polyprogram.OperandRef{Name: "x"},
		Inputs: []polyprogram.OperandRef{{Name: "y"}},
	}
	out, err := Splice(k, pp, Options{DisableNamespacing: true})
	if err != nil {
		t.Fatalf("Splice: %v", err)
	}
	if out[0].Inputs[0].SymbolRoot != "y" || out[0].Outputs[0].SymbolRoot != "x" {
		t.Errorf("boundary rename failed: %+v", out[0])
	}
}

func TestSpliceInputCountMismatch(t *testing.T) {
	instructions := []instr.Instruction{
		{
			Op:      instr.OpCopy,
			NumOut:  1,
			NumIn:   1,
			Outputs: [2]instr.Operand{{SymbolRoot: "output0"}},
			Inputs:  [3]instr.Operand{{SymbolRoot: "input0"}},
		},
	}
	k := instr.NewKernel(3, instructions)
	pp := polyprogram.PolyOperation{
		Name:   "add",
		Output: polyprogram.OperandRef{Name: "c"},
		Inputs: []polyprogram.OperandRef{{Name: "a"}, {Name: "b"}},
	}
	if _, err := Splice(k, pp, Options{}); err == nil {
		t.Fatal("expected input count mismatch error")
	}
}
