package traceio

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
	"strings"

	"github.com/luxfi/pisa-lower/internal/pisaerr"
	"github.com/luxfi/pisa-lower/internal/polyprogram"
)

// wireHeader is the Trace binary format's global header: scheme, n,
// key_rns_num, q_size, dnum, alpha.
type wireHeader struct {
	Scheme    string
	N         uint32
	KeyRNSNum uint32
	QSize     uint32
	Dnum      uint32
	Alpha     uint32
}

// wireOperand mirrors a trace Instruction's destination/source: a symbol
// name, its RNS term count, and its ciphertext order.
type wireOperand struct {
	Symbol string
	NumRNS uint32
	Order  uint32
}

// wireParam is a typed scalar trace parameter.
type wireParam struct {
	Kind string // "uint32", "uint64", "int32", "int64", "float", "double", "string"
	U32  uint32
	U64  uint64
	I32  int32
	I64  int64
	F32  float32
	F64  float64
	Str  string
}

// wireInstruction is one repeated Instruction message in a Trace.
type wireInstruction struct {
	Opcode       string
	Destinations []wireOperand
	Sources      []wireOperand
	Params       map[string]wireParam
}

// writeFrame writes a length-delimited frame: a little-endian uint32
// byte-length prefix followed by a gob-encoded payload.
func writeFrame(w io.Writer, v any) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	var lenPrefix [4]byte
	binary.LittleEndian.PutUint32(lenPrefix[:], uint32(buf.Len()))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// readFrame reads one length-delimited frame written by writeFrame.
func readFrame(r io.Reader, v any) error {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return err
	}
	n := binary.LittleEndian.Uint32(lenPrefix[:])
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return err
	}
	return gob.NewDecoder(bytes.NewReader(payload)).Decode(v)
}

// WriteBinary writes pp as a length-delimited binary trace: a header
// frame followed by one frame per operation.
func WriteBinary(w io.Writer, pp *polyprogram.PolyProgram) error {
	hdr := wireHeader{
		Scheme:    pp.Scheme,
		N:         pp.N,
		KeyRNSNum: pp.KeyRNS,
		QSize:     pp.QSize,
		Dnum:      pp.Dnum,
		Alpha:     pp.Alpha,
	}
	if err := writeFrame(w, hdr); err != nil {
		return pisaerr.Wrap(pisaerr.IoError, "write trace header", err)
	}

	for _, op := range pp.Ops {
		wi := wireInstruction{
			Opcode:       op.Name,
			Destinations: []wireOperand{{Symbol: op.Output.Name, NumRNS: op.Output.NumRNS, Order: op.Output.Order}},
			Params:       make(map[string]wireParam),
		}
		for _, in := range op.Inputs {
			wi.Sources = append(wi.Sources, wireOperand{Symbol: in.Name, NumRNS: in.NumRNS, Order: in.Order})
		}
		addUint32Param(wi.Params, "galois_elt", op.GaloisElt)
		addUint32Param(wi.Params, "factor", op.Factor)
		addUint32Param(wi.Params, "alpha", op.Alpha)
		addUint32Param(wi.Params, "q_size", op.QSize)
		addUint32Param(wi.Params, "dnum", op.Dnum)

		if err := writeFrame(w, wi); err != nil {
			return pisaerr.Wrap(pisaerr.IoError, "write trace instruction", err)
		}
	}
	return nil
}

func addUint32Param(m map[string]wireParam, key string, v *uint32) {
	if v == nil {
		return
	}
	m[key] = wireParam{Kind: "uint32", U32: *v}
}

func getUint32Param(m map[string]wireParam, key string) *uint32 {
	p, ok := m[key]
	if !ok {
		return nil
	}
	v := p.U32
	return &v
}

// ReadBinary reads a length-delimited binary trace. Instructions with
// opcode prefix "bk_" are bootstrap helpers and are skipped.
func ReadBinary(r io.Reader) (*polyprogram.PolyProgram, error) {
	var hdr wireHeader
	if err := readFrame(r, &hdr); err != nil {
		return nil, pisaerr.Wrap(pisaerr.IoError, "read trace header", err)
	}

	pp := &polyprogram.PolyProgram{
		Scheme: hdr.Scheme,
		N:      hdr.N,
		KeyRNS: hdr.KeyRNSNum,
		QSize:  hdr.QSize,
		Dnum:   hdr.Dnum,
		Alpha:  hdr.Alpha,
	}

	for {
		var wi wireInstruction
		err := readFrame(r, &wi)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, pisaerr.Wrap(pisaerr.IoError, "read trace instruction", err)
		}

		if strings.HasPrefix(wi.Opcode, "bk_") {
			continue
		}

		desc, lookupErr := polyprogram.LookupDescriptor(wi.Opcode)
		if lookupErr != nil {
			return nil, lookupErr
		}

		op := polyprogram.PolyOperation{Name: desc.Name}
		if len(wi.Destinations) > 0 {
			d := wi.Destinations[0]
			op.Output = polyprogram.OperandRef{Name: d.Symbol, NumRNS: d.NumRNS, Order: d.Order}
		}
		for _, s := range wi.Sources {
			op.Inputs = append(op.Inputs, polyprogram.OperandRef{Name: s.Symbol, NumRNS: s.NumRNS, Order: s.Order})
		}
		op.GaloisElt = getUint32Param(wi.Params, "galois_elt")
		op.Factor = getUint32Param(wi.Params, "factor")
		op.Alpha = getUint32Param(wi.Params, "alpha")
		op.QSize = getUint32Param(wi.Params, "q_size")
		op.Dnum = getUint32Param(wi.Params, "dnum")

		pp.Ops = append(pp.Ops, op)
	}

	return pp, nil
}
