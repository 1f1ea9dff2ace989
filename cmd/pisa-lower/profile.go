package main

import (
	"fmt"
	"io"
	"sort"

	"github.com/montanaflynn/stats"

	"github.com/luxfi/pisa-lower/internal/instr"
)

// printProfile writes a per-opcode instruction-count summary over the
// final emitted stream: how many instructions of each opcode, and the
// mean/median/standard-deviation of per-opcode counts, printed under -v.
func printProfile(w io.Writer, instructions []instr.Instruction) error {
	counts := make(map[instr.OpCode]int)
	for _, ins := range instructions {
		counts[ins.Op]++
	}

	values := make([]float64, 0, len(counts))
	for _, n := range counts {
		values = append(values, float64(n))
	}

	mean, _ := stats.Mean(values)
	median, _ := stats.Median(values)
	stddev, _ := stats.StandardDeviation(values)

	opcodes := make([]instr.OpCode, 0, len(counts))
	for op := range counts {
		opcodes = append(opcodes, op)
	}
	sort.Slice(opcodes, func(i, j int) bool { return opcodes[i] < opcodes[j] })

	fmt.Fprintf(w, "instruction profile: %d total\n", len(instructions))
	for _, op := range opcodes {
		fmt.Fprintf(w, "  %-6s %d\n", op, counts[op])
	}
	fmt.Fprintf(w, "  per-opcode mean=%.2f median=%.2f stddev=%.2f\n", mean, median, stddev)
	return nil
}
