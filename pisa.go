// Copyright (c) 2025, Lux Industries Inc
// SPDX-License-Identifier: BSD-3-Clause

// Package pisa lowers FHE polynomial-program traces into P-ISA instruction
// streams for a custom polynomial-arithmetic hardware target. It is the
// public façade over the internal/ pipeline stages: TraceIO reads a trace
// into a PolyProgram, KernelCache/KernelSplicer expand each operation into
// a kernel, GraphOptimizer rewrites the spliced stream into a legal
// single-assignment schedule, and Emitter writes the final CSV and memory
// manifest. Orthogonally, MetadataExtractor computes the named symbol
// table (precomputed polynomials, twiddle tables, scalar immediates) that
// the emitted program references by name.
package pisa

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/luxfi/pisa-lower/internal/graphopt"
	"github.com/luxfi/pisa-lower/internal/instr"
	"github.com/luxfi/pisa-lower/internal/kernelcache"
	"github.com/luxfi/pisa-lower/internal/polyprogram"
	"github.com/luxfi/pisa-lower/internal/splicer"
)

// Scheme tags which FHE scheme a context or program belongs to; this
// selects which metadata-extraction rules apply (§4.B) but otherwise the
// pipeline treats all three uniformly.
type Scheme uint8

const (
	SchemeBGV Scheme = iota
	SchemeBFV
	SchemeCKKS
)

func (s Scheme) String() string {
	switch s {
	case SchemeBGV:
		return "BGV"
	case SchemeBFV:
		return "BFV"
	case SchemeCKKS:
		return "CKKS"
	default:
		return "UNKNOWN"
	}
}

// ParseScheme parses a scheme name case-insensitively.
func ParseScheme(s string) (Scheme, bool) {
	switch strings.ToUpper(s) {
	case "BGV":
		return SchemeBGV, true
	case "BFV":
		return SchemeBFV, true
	case "CKKS":
		return SchemeCKKS, true
	default:
		return 0, false
	}
}

// RNSPolynomial is one residue-class component of a Polynomial: N
// coefficients reduced modulo a single RNS prime.
type RNSPolynomial struct {
	Coeffs  []uint32
	Modulus uint32
}

// Polynomial is an ordered sequence of RNSPolynomials, one per RNS prime
// in the owning context's q_i.
type Polynomial []RNSPolynomial

// Ciphertext is an ordered sequence of Polynomials: its "order" (length)
// is 2 for a fresh encryption, 3 after a multiplication before relin.
type Ciphertext []Polynomial

// KeySwitch is an ordered sequence of digits, each a Ciphertext, over the
// hybrid key-switching basis.
type KeySwitch struct {
	Digits []Ciphertext
}

// TestVector maps program-input symbol names to their ciphertext-like
// payload, feeding inputs to the lowered program.
type TestVector map[string]Ciphertext

// KeySwitchShape captures the hybrid key-switching dimensions that every
// FHEContext carries: invariant KeyRNSNum == QSize + sizeP, and
// Alpha*Dnum >= QSize.
type KeySwitchShape struct {
	QSize     uint32
	Alpha     uint32
	Dnum      uint32
	KeyRNSNum uint32
}

// FHEContext is immutable after construction: ring dimension, RNS primes,
// roots of unity, key-switching shape, and scheme-specific key material.
type FHEContext struct {
	Scheme Scheme
	N      uint32   // ring dimension, power of two
	QI     []uint32 // ordered RNS primes, length == KeyRNSNum
	Psi    []uint32 // 2N-th root of unity per prime, same length as QI

	KeySwitchShape

	// BGV/BFV fields.
	PlaintextModulus uint32
	RelinKey         *KeySwitch
	RotationKeys     map[uint32]*KeySwitch // Galois element -> key
	RecryptKey       *KeySwitch

	// CKKS fields.
	Keys         *KeySwitch
	MetadataExtra map[string]uint32

	// BGV bootstrapping keys, passed through opaquely per the
	// no-bootstrapping-algorithm-design non-goal.
	BootstrapKeys *KeySwitch
}

// Validate checks the invariants from §3: KeyRNSNum == QSize + sizeP (sizeP
// inferred as KeyRNSNum - QSize, so this reduces to QI length matching
// KeyRNSNum) and Alpha*Dnum >= QSize.
func (c *FHEContext) Validate() error {
	if uint32(len(c.QI)) != c.KeyRNSNum {
		return fmt.Errorf("q_i length %d != key_rns_num %d", len(c.QI), c.KeyRNSNum)
	}
	if uint32(len(c.Psi)) != c.KeyRNSNum {
		return fmt.Errorf("psi length %d != key_rns_num %d", len(c.Psi), c.KeyRNSNum)
	}
	if c.Alpha*c.Dnum < c.QSize {
		return fmt.Errorf("alpha*dnum (%d) < q_size (%d)", c.Alpha*c.Dnum, c.QSize)
	}
	if c.Scheme == SchemeCKKS && c.MetadataExtra == nil {
		return fmt.Errorf("CKKS context missing metadata_extra")
	}
	return nil
}

// LowerOptions controls the Lower orchestration pipeline, mirroring
// cmd/pisa-lower's flag surface: which cache directory and generator
// protocol to use, and which rewrite stages to skip.
type LowerOptions struct {
	CacheDir      string
	DisableCache  bool
	RemoveCache   bool // delete CacheDir once every kernel has been fetched
	GeneratorPath string
	Protocol      kernelcache.Protocol
	Timeout       time.Duration

	DisableNamespacing bool // splicer.Options.DisableNamespacing ("-ei"/"-n")
	DisableGraph       bool // skip GraphOptimizer, emit spliced kernels in op order
}

// KernelGenRecord is one entry of the --generated_json manifest: which
// program operation pulled which cache key.
type KernelGenRecord struct {
	OpIndex  int    `json:"op_index"`
	Op       string `json:"op"`
	CacheKey string `json:"cache_key"`
}

// LoweredProgram is Lower's result: the final legal P-ISA instruction
// stream ready for Emitter, plus the per-operation cache-key trail for
// --generated_json.
type LoweredProgram struct {
	Instructions []instr.Instruction
	Generated    []KernelGenRecord
}

// Lower runs the full pipeline over pp: for every operation, fetch (or
// generate) its kernel from the cache, splice it into the program, and
// finally rewrite the concatenated instruction stream into a legal
// single-assignment schedule via GraphOptimizer (unless
// opts.DisableGraph skips that stage, in which case the spliced kernels
// are returned in operation order). cmd/pisa-lower's run() calls Lower
// for this sequence, so it has one canonical, importable implementation
// instead of living only in the CLI's main function.
func Lower(ctx context.Context, pp *polyprogram.PolyProgram, opts LowerOptions) (*LoweredProgram, error) {
	cache := kernelcache.NewCache(opts.CacheDir, opts.DisableCache)
	if opts.RemoveCache {
		defer cache.RemoveAll()
	}

	var all []instr.Instruction
	var generated []KernelGenRecord
	spliceOpts := splicer.Options{DisableNamespacing: opts.DisableNamespacing}

	for opIdx, op := range pp.Ops {
		req := buildGenRequest(pp, op, opts)
		kernel, err := cache.Get(ctx, req)
		if err != nil {
			return nil, err
		}
		generated = append(generated, KernelGenRecord{OpIndex: opIdx, Op: op.Name, CacheKey: req.Key.Filename()})

		spliced, err := splicer.Splice(kernel, op, spliceOpts)
		if err != nil {
			return nil, err
		}
		all = append(all, spliced...)
	}

	final := all
	if !opts.DisableGraph {
		var err error
		final, err = graphopt.Optimize(all, &graphopt.RunCounters{}, graphopt.Options{})
		if err != nil {
			return nil, err
		}
	}

	return &LoweredProgram{Instructions: final, Generated: generated}, nil
}

// buildGenRequest derives the deterministic cache key and generator
// invocation for one program operation: the key carries the program-wide
// key RNS count and every op-specific extra parameter, in declaration
// order, so the filename stays stable across runs. The RNS count in
// effect for this op (which can shrink after mod_switch/rescale) goes to
// the generator only as CurrentRNS and is not part of the filename.
func buildGenRequest(pp *polyprogram.PolyProgram, op polyprogram.PolyOperation, opts LowerOptions) kernelcache.GenRequest {
	var extra []string
	appendIfSet := func(v *uint32) {
		if v != nil {
			extra = append(extra, strconv.FormatUint(uint64(*v), 10))
		}
	}
	appendIfSet(op.GaloisElt)
	appendIfSet(op.Factor)
	appendIfSet(op.Alpha)
	appendIfSet(op.QSize)
	appendIfSet(op.Dnum)

	key := kernelcache.Key{
		Scheme:      pp.Scheme,
		Op:          op.Name,
		N:           pp.N,
		NumRNS:      pp.KeyRNS,
		NumPolyPart: op.Output.Order,
		Extra:       extra,
	}
	return kernelcache.GenRequest{
		Key:           key,
		Protocol:      opts.Protocol,
		GeneratorPath: opts.GeneratorPath,
		CurrentRNS:    op.Output.NumRNS,
		Timeout:       opts.Timeout,
	}
}
