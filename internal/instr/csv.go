package instr

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/luxfi/pisa-lower/internal/pisaerr"
)

// ParseCSV parses a P-ISA CSV instruction stream: one instruction per
// line, `opcode, operand, operand, ...`, where each operand is a register
// string `root_residual_chunk` optionally suffixed `_bank0`. NTT/INTT
// instructions carry a trailing twiddle-table identifier instead of a
// third operand.
func ParseCSV(r io.Reader) ([]Instruction, error) {
	scanner := bufio.NewScanner(r)
	var out []Instruction
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}

		opStr := fields[0]
		op, ok := ParseOpCode(opStr)
		if !ok {
			return nil, pisaerr.New(pisaerr.InputError, fmt.Sprintf("kernel line %d: unknown opcode %q", lineNo, opStr))
		}

		ins := Instruction{Op: op}
		rest := fields[1:]

		nOut := op.NumOutputs()
		nIn := op.NumInputs()

		if len(rest) < nOut {
			return nil, pisaerr.New(pisaerr.InputError, fmt.Sprintf("kernel line %d: %s needs %d output operand(s)", lineNo, opStr, nOut))
		}
		for i := 0; i < nOut; i++ {
			operand, residual, chunk, bank, err := parseOperandField(rest[i])
			if err != nil {
				return nil, pisaerr.Wrap(pisaerr.InputError, fmt.Sprintf("kernel line %d output %d", lineNo, i), err)
			}
			ins.Outputs[i] = Operand{SymbolRoot: operand, Residual: residual, Chunk: chunk}
			ins.BankFlag = ins.BankFlag || bank
		}
		ins.NumOut = nOut

		operandFields := rest[nOut:]

		if op == OpNTT || op == OpINTT {
			if len(operandFields) < nIn {
				return nil, pisaerr.New(pisaerr.InputError, fmt.Sprintf("kernel line %d: %s needs %d input operand(s)", lineNo, opStr, nIn))
			}
			var lastResidual uint16
			for i := 0; i < nIn; i++ {
				operand, residual, chunk, bank, err := parseOperandField(operandFields[i])
				if err != nil {
					return nil, pisaerr.Wrap(pisaerr.InputError, fmt.Sprintf("kernel line %d input %d", lineNo, i), err)
				}
				ins.Inputs[i] = Operand{SymbolRoot: operand, Residual: residual, Chunk: chunk}
				ins.BankFlag = ins.BankFlag || bank
				lastResidual = residual
			}
			ins.NumIn = nIn
			if len(operandFields) > nIn {
				ins.WParam = TwiddleID(operandFields[nIn])
				ins.HasW = true
			}
			ins.Residual = lastResidual
			out = append(out, ins)
			continue
		}

		if len(operandFields) < nIn {
			return nil, pisaerr.New(pisaerr.InputError, fmt.Sprintf("kernel line %d: %s needs %d input operand(s)", lineNo, opStr, nIn))
		}
		for i := 0; i < nIn; i++ {
			isImm := (op == OpMuli || op == OpMaci) && i == 1
			operand, residual, chunk, bank, err := parseOperandField(operandFields[i])
			if err != nil {
				return nil, pisaerr.Wrap(pisaerr.InputError, fmt.Sprintf("kernel line %d input %d", lineNo, i), err)
			}
			ins.Inputs[i] = Operand{SymbolRoot: operand, Residual: residual, Chunk: chunk, IsImmediate: isImm}
			ins.BankFlag = ins.BankFlag || bank
		}
		ins.NumIn = nIn
		if ins.NumOut > 0 {
			ins.Residual = ins.Outputs[0].Residual
		}

		out = append(out, ins)
	}
	if err := scanner.Err(); err != nil {
		return nil, pisaerr.Wrap(pisaerr.IoError, "read kernel CSV", err)
	}
	return out, nil
}

// parseOperandField splits a register field "root_residual_chunk" (with
// an optional trailing "_bank0") into its components.
func parseOperandField(field string) (root string, residual, chunk uint16, bank bool, err error) {
	bank = strings.HasSuffix(field, "_bank0")
	field = strings.TrimSuffix(field, "_bank0")

	parts := strings.Split(field, "_")
	if len(parts) < 3 {
		return "", 0, 0, false, fmt.Errorf("malformed operand %q", field)
	}
	chunkV, cerr := strconv.ParseUint(parts[len(parts)-1], 10, 16)
	residualV, rerr := strconv.ParseUint(parts[len(parts)-2], 10, 16)
	if cerr != nil || rerr != nil {
		return "", 0, 0, false, fmt.Errorf("malformed operand %q", field)
	}
	root = strings.Join(parts[:len(parts)-2], "_")
	return root, uint16(residualV), uint16(chunkV), bank, nil
}

// WriteCSV writes instructions as a P-ISA CSV stream, one instruction per
// line. Each operand is root_residual_chunk, suffixed _bank0 when the
// instruction's BankFlag is set.
func WriteCSV(w io.Writer, instructions []Instruction) error {
	bw := bufio.NewWriter(w)
	for _, ins := range instructions {
		var fields []string
		fields = append(fields, ins.Op.String())
		for i := 0; i < ins.NumOut; i++ {
			fields = append(fields, formatOperand(ins.Outputs[i], ins.BankFlag))
		}
		for i := 0; i < ins.NumIn; i++ {
			fields = append(fields, formatOperand(ins.Inputs[i], ins.BankFlag))
		}
		if ins.HasW {
			fields = append(fields, string(ins.WParam))
		}
		if _, err := fmt.Fprintln(bw, strings.Join(fields, ",")); err != nil {
			return pisaerr.Wrap(pisaerr.IoError, "write kernel CSV", err)
		}
	}
	if err := bw.Flush(); err != nil {
		return pisaerr.Wrap(pisaerr.IoError, "flush kernel CSV", err)
	}
	return nil
}

func formatOperand(o Operand, bank bool) string {
	s := o.Name()
	if bank {
		s += "_bank0"
	}
	return s
}
