// Package traceio reads and writes polynomial-program traces in CSV and
// binary wire form, and FHEContext/TestVector manifests in the
// line-oriented text format. It works on io.Reader/io.Writer values (the
// caller opens the files); everything downstream operates on in-memory
// PolyProgram and FHEContext values.
package traceio

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/luxfi/pisa-lower/internal/pisaerr"
	"github.com/luxfi/pisa-lower/internal/polyprogram"
)

var csvHeader = []string{"scheme", "poly_mod_log2", "rns", "cipher_degree", "op",
	"arg0", "arg1", "arg2", "arg3", "arg4", "arg5", "arg6", "arg7", "arg8", "arg9"}

// ReadCSV parses a polynomial-program CSV trace: a header row followed by
// one row per operation.
func ReadCSV(r io.Reader) (*polyprogram.PolyProgram, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	rows, err := cr.ReadAll()
	if err != nil {
		return nil, pisaerr.Wrap(pisaerr.IoError, "read CSV trace", err)
	}
	if len(rows) == 0 {
		return &polyprogram.PolyProgram{}, nil
	}

	pp := &polyprogram.PolyProgram{}
	first := true

	for _, row := range rows {
		if len(row) == 0 {
			continue
		}
		if row[0] == "scheme" {
			continue // header row
		}
		if len(row) < 5 {
			return nil, pisaerr.New(pisaerr.InputError, fmt.Sprintf("trace row has %d fields, want >= 5", len(row)))
		}

		scheme := row[0]
		log2n, err := strconv.ParseUint(row[1], 10, 32)
		if err != nil {
			return nil, pisaerr.Wrap(pisaerr.InputError, "poly_mod_log2", err)
		}
		rns, err := strconv.ParseUint(row[2], 10, 32)
		if err != nil {
			return nil, pisaerr.Wrap(pisaerr.InputError, "rns", err)
		}
		degree, err := strconv.ParseUint(row[3], 10, 32)
		if err != nil {
			return nil, pisaerr.Wrap(pisaerr.InputError, "cipher_degree", err)
		}
		opname := row[4]

		if first {
			pp.Scheme = scheme
			pp.N = uint32(1) << log2n
			pp.KeyRNS = uint32(rns)
			first = false
		}

		desc, err := polyprogram.LookupDescriptor(opname)
		if err != nil {
			return nil, err
		}

		args := row[5:]
		op, err := buildOperation(desc, degree, rns, args)
		if err != nil {
			return nil, err
		}
		pp.Ops = append(pp.Ops, op)
	}

	return pp, nil
}

func buildOperation(desc polyprogram.OperationDescriptor, degree, rns uint64, args []string) (polyprogram.PolyOperation, error) {
	op := polyprogram.PolyOperation{Name: desc.Name}
	argIdx := 0
	inputCount := 0
	for _, kind := range desc.Params {
		switch kind {
		case polyprogram.ParamOutputArgument:
			if argIdx >= len(args) {
				return op, pisaerr.New(pisaerr.InputError, fmt.Sprintf("operation %s missing output argument", desc.Name))
			}
			ref, err := polyprogram.ParseOperandString(args[argIdx])
			if err != nil {
				return op, err
			}
			op.Output = ref
			argIdx++
		case polyprogram.ParamInputArgument:
			if argIdx >= len(args) {
				return op, pisaerr.New(pisaerr.InputError, fmt.Sprintf("operation %s missing input argument %d", desc.Name, inputCount))
			}
			ref, err := polyprogram.ParseOperandString(args[argIdx])
			if err != nil {
				return op, err
			}
			op.Inputs = append(op.Inputs, ref)
			argIdx++
			inputCount++
		case polyprogram.ParamGaloisElt:
			v, err := parseUint32Arg(args, argIdx, "galois_elt")
			if err != nil {
				return op, err
			}
			op.GaloisElt = &v
			argIdx++
		case polyprogram.ParamFactor:
			v, err := parseUint32Arg(args, argIdx, "factor")
			if err != nil {
				return op, err
			}
			op.Factor = &v
			argIdx++
		case polyprogram.ParamAlpha:
			v, err := parseUint32Arg(args, argIdx, "alpha")
			if err != nil {
				return op, err
			}
			op.Alpha = &v
			argIdx++
		case polyprogram.ParamQSize:
			v, err := parseUint32Arg(args, argIdx, "q_size")
			if err != nil {
				return op, err
			}
			op.QSize = &v
			argIdx++
		case polyprogram.ParamDnum:
			v, err := parseUint32Arg(args, argIdx, "dnum")
			if err != nil {
				return op, err
			}
			op.Dnum = &v
			argIdx++
		}
	}
	return op, nil
}

func parseUint32Arg(args []string, idx int, field string) (uint32, error) {
	if idx >= len(args) {
		return 0, pisaerr.New(pisaerr.InputError, fmt.Sprintf("missing %s argument", field))
	}
	v, err := strconv.ParseUint(args[idx], 10, 32)
	if err != nil {
		return 0, pisaerr.Wrap(pisaerr.InputError, field, err)
	}
	return uint32(v), nil
}

// WriteCSV writes pp back to CSV form: a header row followed by one row
// per operation, in program order.
func WriteCSV(w io.Writer, pp *polyprogram.PolyProgram) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return pisaerr.Wrap(pisaerr.IoError, "write CSV header", err)
	}

	log2n := 0
	for n := pp.N; n > 1; n >>= 1 {
		log2n++
	}

	for _, op := range pp.Ops {
		row := make([]string, 5, 15)
		row[0] = pp.Scheme
		row[1] = strconv.Itoa(log2n)
		row[2] = strconv.FormatUint(uint64(pp.KeyRNS), 10)
		row[3] = strconv.FormatUint(uint64(op.Output.Order), 10)
		row[4] = op.Name

		args := operationArgs(op)
		row = append(row, args...)
		for len(row) < 15 {
			row = append(row, "")
		}

		if err := cw.Write(row); err != nil {
			return pisaerr.Wrap(pisaerr.IoError, "write CSV row", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return pisaerr.Wrap(pisaerr.IoError, "flush CSV", err)
	}
	return nil
}

func operationArgs(op polyprogram.PolyOperation) []string {
	desc, err := polyprogram.LookupDescriptor(op.Name)
	if err != nil {
		return nil
	}
	var args []string
	inputIdx := 0
	for _, kind := range desc.Params {
		switch kind {
		case polyprogram.ParamOutputArgument:
			args = append(args, op.Output.String())
		case polyprogram.ParamInputArgument:
			if inputIdx < len(op.Inputs) {
				args = append(args, op.Inputs[inputIdx].String())
				inputIdx++
			}
		case polyprogram.ParamGaloisElt:
			args = append(args, formatPtr(op.GaloisElt))
		case polyprogram.ParamFactor:
			args = append(args, formatPtr(op.Factor))
		case polyprogram.ParamAlpha:
			args = append(args, formatPtr(op.Alpha))
		case polyprogram.ParamQSize:
			args = append(args, formatPtr(op.QSize))
		case polyprogram.ParamDnum:
			args = append(args, formatPtr(op.Dnum))
		}
	}
	return args
}

func formatPtr(v *uint32) string {
	if v == nil {
		return ""
	}
	return strconv.FormatUint(uint64(*v), 10)
}
