package modarith

import (
	"sync"
)

// maxNTTWorkers bounds the fan-out for embarrassingly-parallel per-index
// loops (bit reversal, Montgomery conversion, twiddle generation), mirroring
// the worker cap used for batched NTT evaluation elsewhere in the
// ecosystem.
const maxNTTWorkers = 16

// ParallelFor shards [0,n) into contiguous ranges across at most
// maxNTTWorkers goroutines and calls fn with each range. It is the fan-out
// primitive used by MetadataExtractor's bulk per-index loops: bit reversal,
// Montgomery conversion, and twiddle-table generation have no cross-shard
// dependencies within one loop body, so any range partition is correct.
func ParallelFor(n int, fn func(start, end int)) {
	if n <= 0 {
		return
	}
	workers := maxNTTWorkers
	if workers > n {
		workers = n
	}
	chunk := (n + workers - 1) / workers

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		start := w * chunk
		if start >= n {
			break
		}
		end := start + chunk
		if end > n {
			end = n
		}
		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			fn(s, e)
		}(start, end)
	}
	wg.Wait()
}

// FindPrimitiveRoot returns a primitive 2N-th root of unity modulo q, i.e.
// psi such that psi^N == q-1 (== -1 mod q) and psi^(2N) == 1. It requires
// (q-1) % (2N) == 0. Operates on uint32 to match FHEContext's QI/Psi
// representation (R=2^32 Montgomery arithmetic throughout metadata
// extraction).
func FindPrimitiveRoot(q, n uint32) (uint32, bool) {
	if (uint64(q)-1)%(2*uint64(n)) != 0 {
		return 0, false
	}
	exp := uint32((uint64(q) - 1) / (2 * uint64(n)))
	for g := uint32(2); g < q; g++ {
		psi := PowMod32(g, exp, q)
		if PowMod32(psi, n, q) == q-1 {
			return psi, true
		}
	}
	return 0, false
}

// PsiPowersBitReversed returns toMont(psi^reverse(j)) for j in [0,length),
// where reverse(j) reverses the low log2(length) bits of j. It is the
// shared core of extract_polys' psi_default_i and ipsi_default_i. The
// exponent sequence is always reverse(j); the Galois-indexed ipsi_g_i and
// twiddle families are built by other helpers.
func PsiPowersBitReversed(psi, q uint32, length int) []uint32 {
	logLen := bitLen32(uint32(length - 1))
	out := make([]uint32, length)
	ParallelFor(length, func(start, end int) {
		for j := start; j < end; j++ {
			rj := ReverseBits(uint32(j), uint(logLen))
			out[j] = ToMontgomery32(PowMod32(psi, rj, q), q)
		}
	})
	return out
}

// TwiddlesNoBitReverse returns toMont(omega^j) for j in [0, length), with
// no bit-reversal applied, matching extract_twiddles' twiddles_ntt/_intt
// layout.
func TwiddlesNoBitReverse(omega, q uint32, length int) []uint32 {
	out := make([]uint32, length)
	ParallelFor(length, func(start, end int) {
		for j := start; j < end; j++ {
			out[j] = ToMontgomery32(PowMod32(omega, uint32(j), q), q)
		}
	})
	return out
}
