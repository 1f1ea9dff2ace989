// Package metadata implements the FHEContext extractor: given a context's
// ring dimension, RNS primes, roots of unity, and key-switching material,
// deterministically compute the named symbol table of precomputed
// polynomials, twiddle factors, and scalar immediates in Montgomery form
// that the emitted P-ISA program references by name. This is the only
// package besides internal/modarith that exercises mul_uint/Barrett/
// Montgomery/NTT-twiddle/modular-inverse routines directly.
package metadata

import (
	"fmt"
	"math/bits"

	"golang.org/x/exp/slices"

	"github.com/luxfi/pisa-lower/internal/modarith"
	"github.com/luxfi/pisa-lower/internal/pisaerr"
	"github.com/luxfi/pisa-lower"
)

// Bundle is the three-map output of extraction: named RNS polynomial
// tables, per-RNS-index twiddle tables, and scalar immediates.
type Bundle struct {
	Polys          map[string][]uint32
	NTT            map[int]map[string][]uint32
	INTT           map[int]map[string][]uint32
	OnlyPowerOfTwo bool
	Immediates     map[string]uint32
}

func newBundle() *Bundle {
	return &Bundle{
		Polys:      make(map[string][]uint32),
		NTT:        make(map[int]map[string][]uint32),
		INTT:       make(map[int]map[string][]uint32),
		Immediates: make(map[string]uint32),
	}
}

// Extract runs extract_polys, extract_twiddles, and extract_immediates
// over ctx, returning the combined MetadataBundle.
func Extract(ctx *pisa.FHEContext) (*Bundle, error) {
	if err := ctx.Validate(); err != nil {
		return nil, pisaerr.Wrap(pisaerr.ContextError, "invalid FHEContext", err)
	}

	b := newBundle()
	if err := extractPolys(ctx, b); err != nil {
		return nil, err
	}
	extractTwiddles(ctx, b)
	if err := extractImmediates(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

func log2Uint(n uint32) uint {
	return uint(bits.Len32(n) - 1)
}

// bitReversedPowers returns, for j in [0,n): toMont(base^rev(j) mod m),
// where rev reverses the low log2(n) bits of j — equivalently, compute
// the sequence toMont(base^j mod m) for j in [0,n) and then bit-reverse
// it by index (§4.B, confirmed against the N=16/q=97 concrete scenario).
// Delegates to modarith.PsiPowersBitReversed, the shared core also used
// by the psi_default_i/ipsi_default_i families.
func bitReversedPowers(base, m uint32, n int) []uint32 {
	return modarith.PsiPowersBitReversed(base, m, n)
}

// bitReversedScaledPowers is bitReversedPowers with the exponent scaled by
// s first (reduced mod order before exponentiation to keep the uint32
// exponent from overflowing): used for the Galois-rotated ipsi_g_i family
// and the per-Galois INTT twiddle family, both of the form base^{s*j}.
func bitReversedScaledPowers(base, m uint32, n int, s uint32, order uint32) []uint32 {
	logN := log2Uint(uint32(n))
	out := make([]uint32, n)
	modarith.ParallelFor(n, func(start, end int) {
		for j := start; j < end; j++ {
			rj := modarith.ReverseBits(uint32(j), logN)
			exp := uint32((uint64(s) * uint64(rj)) % uint64(order))
			out[j] = modarith.ToMontgomery32(modarith.PowMod32(base, exp, m), m)
		}
	})
	return out
}

// noBitReversePowers returns toMont(base^j mod m) for j in [0,n), no
// bit-reversal, per extract_twiddles. Delegates to
// modarith.TwiddlesNoBitReverse.
func noBitReversePowers(base, m uint32, n int) []uint32 {
	return modarith.TwiddlesNoBitReverse(base, m, n)
}

func noBitReverseScaledPowers(base, m uint32, n int, s uint32, order uint32) []uint32 {
	out := make([]uint32, n)
	modarith.ParallelFor(n, func(start, end int) {
		for j := start; j < end; j++ {
			exp := uint32((uint64(s) * uint64(j)) % uint64(order))
			out[j] = modarith.ToMontgomery32(modarith.PowMod32(base, exp, m), m)
		}
	})
	return out
}

func constVec(v uint32, n int) []uint32 {
	out := make([]uint32, n)
	for i := range out {
		out[i] = v
	}
	return out
}

// sortedGalois returns the rotation keys' Galois elements in ascending
// order, for deterministic output regardless of Go map iteration order.
func sortedGalois(rotationKeys map[uint32]*pisa.KeySwitch) []uint32 {
	out := make([]uint32, 0, len(rotationKeys))
	for g := range rotationKeys {
		out = append(out, g)
	}
	slices.Sort(out)
	return out
}

// extractPolys implements §4.B extract_polys: per-RNS-index psi/ipsi
// sequences, per-Galois-element ipsi variants, CKKS qlHalf constants, and
// flattened key-switching material.
func extractPolys(ctx *pisa.FHEContext, b *Bundle) error {
	n := int(ctx.N)
	twoN := uint32(2 * ctx.N)

	for i, q := range ctx.QI {
		psi := ctx.Psi[i]
		b.Polys[fmt.Sprintf("psi_default_%d", i)] = bitReversedPowers(psi, q, n)

		ipsi, ok := modarith.TryInvMod32(psi, q)
		if !ok {
			return pisaerr.New(pisaerr.ContextError, fmt.Sprintf("psi_%d not invertible mod q_%d", i, i))
		}
		b.Polys[fmt.Sprintf("ipsi_default_%d", i)] = bitReversedPowers(ipsi, q, n)

		for _, g := range sortedGalois(ctx.RotationKeys) {
			s, ok := modarith.TryInvMod32(g, twoN)
			if !ok {
				return pisaerr.New(pisaerr.ContextError, fmt.Sprintf("galois element %d not invertible mod 2N", g))
			}
			b.Polys[fmt.Sprintf("ipsi_%d_%d", g, i)] = bitReversedScaledPowers(ipsi, q, n, s, twoN)
		}

		if ctx.Scheme == pisa.SchemeCKKS && uint32(i) < ctx.QSize {
			qlHalf := (q - 1) / 2
			b.Polys[fmt.Sprintf("qlHalf_%d", i)] = constVec(qlHalf, n)

			jEnd := ctx.QSize
			if i > 1 {
				jEnd = uint32(i)
			}
			for j := uint32(0); j < jEnd; j++ {
				qj := ctx.QI[j]
				b.Polys[fmt.Sprintf("qlHalfModq_%d_%d", i, j)] = constVec(qlHalf%qj, n)
			}
		}
	}

	if err := flattenKeySwitchMaterial(ctx, b, n); err != nil {
		return err
	}

	if ctx.Scheme == pisa.SchemeCKKS {
		b.Polys["zero"] = make([]uint32, n)
	}

	return nil
}

// flattenKeySwitchMaterial turns KeySwitch{digits[d].polys[p].rns_polys[r]}
// into flat rlk_p_d_r / gk_*_p_d_r / bk_p_r entries, each stored in
// Montgomery bit-reversed form.
func flattenKeySwitchMaterial(ctx *pisa.FHEContext, b *Bundle, n int) error {
	flatten := func(prefix string, ks *pisa.KeySwitch) {
		for d, ciphertext := range ks.Digits {
			for p, poly := range ciphertext {
				for r, rnsPoly := range poly {
					name := fmt.Sprintf("%s_%d_%d_%d", prefix, p, d, r)
					b.Polys[name] = bitReversedMontCoeffs(rnsPoly)
				}
			}
		}
	}

	if ctx.RelinKey != nil {
		flatten("rlk", ctx.RelinKey)
	} else if ctx.Scheme == pisa.SchemeCKKS && ctx.Keys != nil {
		// CKKS carries a single combined keys bundle in place of a
		// separate RelinKey; treat it as the relinearization key, the
		// only key-switching role every CKKS context always needs.
		flatten("rlk", ctx.Keys)
	}

	for _, g := range sortedGalois(ctx.RotationKeys) {
		ks := ctx.RotationKeys[g]
		var prefix string
		if ctx.Scheme == pisa.SchemeCKKS {
			prefix = fmt.Sprintf("gk_%d", g)
		} else {
			prefix = fmt.Sprintf("gk_%d_%d", ctx.PlaintextModulus, g)
		}
		flatten(prefix, ks)
	}

	if ctx.BootstrapKeys != nil && len(ctx.BootstrapKeys.Digits) > 0 {
		// "bk_p_r" names carry no digit index; the bootstrap key is
		// flattened from its first (and, for this repo's purposes, only
		// meaningful) digit.
		ciphertext := ctx.BootstrapKeys.Digits[0]
		for p, poly := range ciphertext {
			for r, rnsPoly := range poly {
				b.Polys[fmt.Sprintf("bk_%d_%d", p, r)] = bitReversedMontCoeffs(rnsPoly)
			}
		}
	}

	return nil
}

// bitReversedMontCoeffs converts an RNSPolynomial's coefficients to
// Montgomery form and bit-reverses them by index, matching the encoding
// every other extract_polys entry uses.
func bitReversedMontCoeffs(poly pisa.RNSPolynomial) []uint32 {
	n := len(poly.Coeffs)
	if n == 0 {
		return nil
	}
	logN := log2Uint(uint32(n))
	out := make([]uint32, n)
	for j := 0; j < n; j++ {
		rj := modarith.ReverseBits(uint32(j), logN)
		out[j] = modarith.ToMontgomery32(poly.Coeffs[rj], poly.Modulus)
	}
	return out
}

// extractTwiddles implements §4.B extract_twiddles: per-RNS-index
// twiddles_ntt/["default"], twiddles_intt["default"], and per-Galois
// twiddles_intt[str(g)].
func extractTwiddles(ctx *pisa.FHEContext, b *Bundle) {
	b.OnlyPowerOfTwo = false
	half := int(ctx.N) / 2
	twoN := uint32(2 * ctx.N)
	n := uint32(ctx.N)

	for i, q := range ctx.QI {
		psi := ctx.Psi[i]
		omega := modarith.PowMod32(psi, 2, q)
		omegaInv, _ := modarith.TryInvMod32(omega, q)

		nttTable := map[string][]uint32{"default": noBitReversePowers(omega, q, half)}
		inttTable := map[string][]uint32{"default": noBitReversePowers(omegaInv, q, half)}

		for _, g := range sortedGalois(ctx.RotationKeys) {
			s, ok := modarith.TryInvMod32(g, twoN)
			if !ok {
				continue
			}
			inttTable[fmt.Sprintf("%d", g)] = noBitReverseScaledPowers(omegaInv, q, half, s, n)
		}

		b.NTT[i] = nttTable
		b.INTT[i] = inttTable
	}
}

// extractImmediates implements §4.B extract_immediates: the scalar
// constant table every P-ISA instruction's "imm" operand resolves
// against.
func extractImmediates(ctx *pisa.FHEContext, b *Bundle) error {
	n := ctx.N
	b.Immediates["one"] = 1
	b.Immediates["iN"] = uint32((uint64(1) << 32) / uint64(n))

	for i, q := range ctx.QI {
		r2 := uint32((modarith.MontR32 % uint64(q)) * (modarith.MontR32 % uint64(q)) % uint64(q))
		b.Immediates[fmt.Sprintf("R2_%d", i)] = r2

		nInv, ok := modarith.TryInvMod32(n%q, q)
		if !ok {
			return pisaerr.New(pisaerr.ContextError, fmt.Sprintf("N not invertible mod q_%d", i))
		}
		b.Immediates[fmt.Sprintf("iN_%d", i)] = modarith.ToMontgomery32(nInv, q)
	}

	switch ctx.Scheme {
	case pisa.SchemeBGV, pisa.SchemeBFV:
		if err := extractBGVImmediates(ctx, b); err != nil {
			return err
		}
	case pisa.SchemeCKKS:
		if err := extractCKKSImmediates(ctx, b); err != nil {
			return err
		}
	}

	return nil
}

// extractBGVImmediates follows the nested-loop order the reference tracer
// uses, preserving two of its quirks rather than silently correcting
// them: the inv_q_i_* family is only ever populated for j < i (the
// reference never fills the j >= i half of the table), and
// base_change_matrix_{i}_{j}_{k}'s k index is left at its final loop
// value (key_rns_num-1) rather than the per-iteration l it looks like it
// was meant to carry — reproducing the reference's own latent-bug
// behavior, since downstream kernels were generated against that exact
// naming (see the design notes for the alternative considered).
func extractBGVImmediates(ctx *pisa.FHEContext, b *Bundle) error {
	keyRNSNum := ctx.KeyRNSNum
	pt := ctx.PlaintextModulus

	for i := uint32(0); i < keyRNSNum; i++ {
		qi := ctx.QI[i]
		for j := uint32(0); j < i; j++ {
			qj := ctx.QI[j]
			v, ok := modarith.TryInvMod32(qi%qj, qj)
			if !ok {
				return pisaerr.New(pisaerr.ContextError, fmt.Sprintf("q_%d not invertible mod q_%d", i, j))
			}
			b.Immediates[fmt.Sprintf("inv_q_i_%d_mod_q_j_%d", i, j)] = modarith.ToMontgomery32(v, qj)
		}

		tInv, ok := modarith.TryInvMod32(pt%qi, qi)
		if ok {
			b.Immediates[fmt.Sprintf("neg_inv_t_%d_mod_q_i_%d", pt, i)] = modarith.ToMontgomery32(modarith.NegMod32(tInv, qi), qi)
		}
		b.Immediates[fmt.Sprintf("t_%d_mod_q_i_%d", pt, i)] = modarith.ToMontgomery32(pt%qi, qi)

		if keyRNSNum > ctx.QSize {
			pProd := uint32(1)
			for k := ctx.QSize; k < keyRNSNum; k++ {
				pProd, _ = modarith.MulMod32(pProd, ctx.QI[k]%qi, qi)
			}
			pInv, ok := modarith.TryInvMod32(pProd, qi)
			if ok {
				b.Immediates[fmt.Sprintf("inv_p_mod_q_i_%d", i)] = modarith.ToMontgomery32(pInv, qi)
			}
		}
	}

	for i := uint32(0); i < keyRNSNum; i++ {
		qi := ctx.QI[i]
		puncturedProd := uint32(1)
		for j := uint32(0); j < keyRNSNum; j++ {
			if j == i {
				continue
			}
			puncturedProd, _ = modarith.MulMod32(puncturedProd, ctx.QI[j]%qi, qi)
		}
		puncturedInv, ok := modarith.TryInvMod32(puncturedProd, qi)
		if ok {
			b.Immediates[fmt.Sprintf("inv_punctured_prod_%d_%d", i, i)] = modarith.ToMontgomery32(puncturedInv, qi)
		}

		for j := uint32(0); j < keyRNSNum; j++ {
			if j == i {
				continue
			}
			var lastK, lastV uint32
			for k := uint32(0); k < keyRNSNum; k++ {
				lastK = k
				qk := ctx.QI[k]
				v, _ := modarith.MulMod32(puncturedInv, ctx.QI[j]%qk, qk)
				lastV = modarith.ToMontgomery32(v, qk)
			}
			b.Immediates[fmt.Sprintf("base_change_matrix_%d_%d_%d", i, j, lastK)] = lastV
		}
	}

	return nil
}

// extractCKKSImmediates computes the two fixed mod-raise constants and
// copies the rest of the CKKS family through from MetadataExtra, which
// already carries those values precomputed by the tracing front end
// (partQHatInvModq_*, partQlHatInvModq_*, partQlHatModp_*, pInvModq_*,
// pModq_*, pHatInvModp_*, pHatModq_*, qlInvModq_*,
// QlQlInvModqlDivqlModq_*, qlModq_{i}_{j} for i in {0,1}, and
// bmu_{2^k}_{j}/bmu_{boot_correction}) unchanged: those values arrive
// already Montgomery-encoded and are not re-encoded here.
func extractCKKSImmediates(ctx *pisa.FHEContext, b *Bundle) error {
	if ctx.KeyRNSNum >= 2 {
		q0, q1 := ctx.QI[0], ctx.QI[1]
		v01, ok := modarith.TryInvMod32(q0%q1, q1)
		if !ok {
			return pisaerr.New(pisaerr.ContextError, "q_0 not invertible mod q_1")
		}
		b.Immediates["q0InvModq1"] = modarith.ToMontgomery32(v01, q1)

		v10, ok := modarith.TryInvMod32(q1%q0, q0)
		if !ok {
			return pisaerr.New(pisaerr.ContextError, "q_1 not invertible mod q_0")
		}
		b.Immediates["q1InvModq0"] = modarith.ToMontgomery32(v10, q0)
	}

	if ctx.MetadataExtra == nil {
		return pisaerr.New(pisaerr.ContextError, "CKKS context missing metadata_extra")
	}

	// boot_correction defaults to 0 when the tracer ran without
	// bootstrapping (the reference front end writes this placeholder
	// itself as a single scalar, not one per RNS index); toMont(0, q) == 0
	// regardless of q, so an absent key is simply a disabled correction
	// rather than an error.
	if _, ok := ctx.MetadataExtra["boot_correction"]; !ok {
		b.Immediates["bmu_boot_correction"] = 0
	}

	// Every other CKKS-family name (partQHatInvModq_*, partQlHatInvModq_*,
	// partQlHatModp_*, pInvModq_*, pModq_*, pHatInvModp_*, pHatModq_*,
	// qlInvModq_*, QlQlInvModqlDivqlModq_*, qlModq_{i}_{j}, bmu_{2^k}_{j},
	// bmu_boot_correction) is already Montgomery-encoded by the tracing
	// front end and carried opaquely in MetadataExtra; extraction is a
	// straight pass-through rather than a recomputation.
	for key, v := range ctx.MetadataExtra {
		if key == "boot_correction" {
			continue
		}
		b.Immediates[key] = v
	}

	return nil
}
