// Package polyprogram models an FHE polynomial program: an ordered list of
// typed operations over RNS ciphertext operands, plus the operation
// descriptor table that drives both trace parsing (TraceIO) and kernel
// dispatch (KernelCache/KernelSplicer).
package polyprogram

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/luxfi/pisa-lower/internal/pisaerr"
)

// OperandRef names one operand of a PolyOperation: a symbol, its RNS term
// count, and its ciphertext order (polynomial count).
type OperandRef struct {
	Name   string
	NumRNS uint32
	Order  uint32
}

// ParseOperandString decomposes an operand string of the form
// "name-order-rns" as used in trace rows.
func ParseOperandString(s string) (OperandRef, error) {
	parts := strings.Split(s, "-")
	if len(parts) != 3 {
		return OperandRef{}, pisaerr.New(pisaerr.InputError, fmt.Sprintf("malformed operand %q", s))
	}
	order, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return OperandRef{}, pisaerr.Wrap(pisaerr.InputError, fmt.Sprintf("operand %q order", s), err)
	}
	rns, err := strconv.ParseUint(parts[2], 10, 32)
	if err != nil {
		return OperandRef{}, pisaerr.Wrap(pisaerr.InputError, fmt.Sprintf("operand %q rns", s), err)
	}
	return OperandRef{Name: parts[0], Order: uint32(order), NumRNS: uint32(rns)}, nil
}

// String renders an OperandRef back to "name-order-rns" form.
func (o OperandRef) String() string {
	return fmt.Sprintf("%s-%d-%d", o.Name, o.Order, o.NumRNS)
}

// PolyOperation is one row of a polynomial program: an opcode name, its
// output/input operands, and optional integer parameters.
type PolyOperation struct {
	Name   string
	Output OperandRef
	Inputs []OperandRef

	GaloisElt *uint32
	Factor    *uint32
	Scalar    *uint32
	Alpha     *uint32
	QSize     *uint32
	Dnum      *uint32
}

// PolyProgram is the ordered list of PolyOperations plus the scheme-level
// context every operation shares.
type PolyProgram struct {
	Scheme string
	N      uint32
	KeyRNS uint32
	Alpha  uint32
	QSize  uint32
	Dnum   uint32

	Ops []PolyOperation
}

// ParamKind tags one positional slot an OperationDescriptor dispatches,
// either to PolyProgram-wide fields or to a single PolyOperation's fields.
type ParamKind uint8

const (
	ParamOpName ParamKind = iota
	ParamFheScheme
	ParamPolymodDegLog2
	ParamKeyRNS
	ParamOutputArgument
	ParamInputArgument
	ParamGaloisElt
	ParamFactor
	ParamAlpha
	ParamQSize
	ParamDnum
)

// OperationDescriptor is a compile-time table entry keyed on opcode name,
// listing the positional parameter kinds that opcode's trace row carries.
type OperationDescriptor struct {
	Name   string
	Params []ParamKind
}

// numInputArguments reports how many ParamInputArgument slots this
// descriptor declares.
func (d OperationDescriptor) numInputArguments() int {
	n := 0
	for _, p := range d.Params {
		if p == ParamInputArgument {
			n++
		}
	}
	return n
}

// Descriptors is the built-in operation-descriptor table. Unknown opcodes
// are a first-class parse-time error, never a runtime lookup miss.
var Descriptors = map[string]OperationDescriptor{
	"add": {"add", []ParamKind{ParamOutputArgument, ParamInputArgument, ParamInputArgument}},
	"sub": {"sub", []ParamKind{ParamOutputArgument, ParamInputArgument, ParamInputArgument}},
	"mul": {"mul", []ParamKind{ParamOutputArgument, ParamInputArgument, ParamInputArgument}},

	"square":     {"square", []ParamKind{ParamOutputArgument, ParamInputArgument}},
	"ntt":        {"ntt", []ParamKind{ParamOutputArgument, ParamInputArgument}},
	"intt":       {"intt", []ParamKind{ParamOutputArgument, ParamInputArgument}},
	"mod_switch": {"mod_switch", []ParamKind{ParamOutputArgument, ParamInputArgument}},

	"relin": {"relin", []ParamKind{ParamOutputArgument, ParamInputArgument, ParamAlpha, ParamQSize, ParamDnum}},

	"rescale": {"rescale", []ParamKind{ParamOutputArgument, ParamInputArgument, ParamQSize}},

	"rotate": {"rotate", []ParamKind{ParamOutputArgument, ParamInputArgument, ParamGaloisElt, ParamAlpha, ParamQSize, ParamDnum}},
}

// LookupDescriptor returns the descriptor for opname, or UnknownOperation.
func LookupDescriptor(opname string) (OperationDescriptor, error) {
	d, ok := Descriptors[opname]
	if !ok {
		return OperationDescriptor{}, pisaerr.New(pisaerr.InputError, fmt.Sprintf("UnknownOperation: %s", opname))
	}
	return d, nil
}

// Validate checks the shape-coherence invariant within the operation:
// every input's num_rns equals the output's num_rns. It does not check
// order, and does not reject zero values (the cross-operation
// producer/consumer check happens at graph construction time in
// GraphOptimizer).
func (op *PolyOperation) Validate() error {
	for _, in := range op.Inputs {
		if in.NumRNS != op.Output.NumRNS {
			return pisaerr.New(pisaerr.InputError,
				fmt.Sprintf("operation %s: input %s num_rns %d != output num_rns %d", op.Name, in.Name, in.NumRNS, op.Output.NumRNS))
		}
	}
	return nil
}
