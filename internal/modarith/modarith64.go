package modarith

import "math/bits"

// AddMod64 returns (a+b) mod m, assuming a,b < m.
func AddMod64(a, b, m uint64) uint64 {
	s, carry := bits.Add64(a, b, 0)
	if carry != 0 || s >= m {
		s -= m
	}
	return s
}

// SubMod64 returns (a-b) mod m, assuming a,b < m.
func SubMod64(a, b, m uint64) uint64 {
	if a >= b {
		return a - b
	}
	return m - b + a
}

// NegMod64 returns (-a) mod m, assuming a < m.
func NegMod64(a, m uint64) uint64 {
	if a == 0 {
		return 0
	}
	return m - a
}

// barrettMu64 precomputes floor(2^128/m) for a 64-bit modulus, per §4.A, by
// dividing the 192-bit representation of 2^128 (Limb192{0,0,1}) by m via
// DivideInplace192, returned as (hi, lo). For any m >= 2 the quotient fits
// in 128 bits, so the top limb of the result is always zero.
func barrettMu64(m uint64) (hi, lo uint64) {
	twoPow128 := Limb192{0, 0, 1}
	DivideInplace192(&twoPow128, Limb192{m, 0, 0})
	return twoPow128[1], twoPow128[0]
}

// MulMod64 computes (a*b) mod m via a full 128-bit multiply followed by
// Barrett reduction.
func MulMod64(a, b, m uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	return barrettReduce128(hi, lo, m)
}

// barrettReduce128 reduces the 128-bit value (xHi:xLo) modulo m using the
// precomputed Barrett constant mu = floor(2^128/m). For every 64-bit m the
// high limb of mu is at least 1, so the quotient estimate uses both limbs;
// it drops the low partial products and can fall a few short of the true
// quotient, so the remainder is kept in 128 bits and a short correction
// loop absorbs that slack instead of the traditional fixed
// two-subtraction bound.
func barrettReduce128(xHi, xLo, m uint64) uint64 {
	if m == 0 {
		return 0
	}
	muHi, muLo := barrettMu64(m)
	hi1, _ := bits.Mul64(xLo, muHi)
	hi2, _ := bits.Mul64(xHi, muLo)
	_, lo3 := bits.Mul64(xHi, muHi)
	qHat := hi1 + hi2 + lo3

	prodHi, prodLo := bits.Mul64(qHat, m)
	rLo, borrow := bits.Sub64(xLo, prodLo, 0)
	rHi, _ := bits.Sub64(xHi, prodHi, borrow)
	for rHi != 0 || rLo >= m {
		var b uint64
		rLo, b = bits.Sub64(rLo, m, 0)
		rHi -= b
	}
	return rLo
}

// PowMod64 computes base^exp mod m via square-and-multiply.
func PowMod64(base, exp, m uint64) uint64 {
	if m == 1 {
		return 0
	}
	result := uint64(1)
	b := base % m
	e := exp
	for e > 0 {
		if e&1 == 1 {
			result = MulMod64(result, b, m)
		}
		b = MulMod64(b, b, m)
		e >>= 1
	}
	return result
}

// TryInvMod64 returns (v^-1 mod m, true), or (0, false) if gcd(v,m) != 1 or
// v == 0.
func TryInvMod64(v, m uint64) (uint64, bool) {
	if v == 0 {
		return 0, false
	}
	gcd, s, _ := XGCD(int64(v), int64(m))
	if gcd != 1 {
		return 0, false
	}
	r := s % int64(m)
	if r < 0 {
		r += int64(m)
	}
	return uint64(r), true
}

// modPow2_64 computes 2^64 mod m via repeated doubling.
func modPow2_64(m uint64) uint64 {
	r := uint64(1) % m
	for i := 0; i < 64; i++ {
		doubled, carry := bits.Add64(r, r, 0)
		r = doubled
		if carry != 0 || r >= m {
			r -= m
		}
	}
	return r
}

// ToMontgomery64 computes (x * 2^64) mod m, R = 2^64.
func ToMontgomery64(x, m uint64) uint64 {
	rModM := modPow2_64(m)
	return MulMod64(x%m, rModM, m)
}

// FromMontgomery64 computes x * R^-1 mod m, R = 2^64.
func FromMontgomery64(x, m uint64) uint64 {
	rModM := modPow2_64(m)
	rInv, ok := TryInvMod64(rModM, m)
	if !ok {
		return 0
	}
	return MulMod64(x, rInv, m)
}

// MRedParams64 computes qInv = -m^-1 mod 2^64 via Newton's method, the
// constant CIOS-style Montgomery multiplication needs.
func MRedParams64(m uint64) uint64 {
	x := m
	for i := 0; i < 5; i++ {
		x *= 2 - m*x
	}
	return -x
}

// MontMul64 performs CIOS-style Montgomery multiplication for a 64-bit
// modulus given its precomputed qInv = MRedParams64(m).
func MontMul64(a, b, m, qInv uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	mLo := lo * qInv
	mHi, mLoProd := bits.Mul64(mLo, m)
	_, carry := bits.Add64(lo, mLoProd, 0)
	r, _ := bits.Add64(hi, mHi, carry)
	if r >= m {
		r -= m
	}
	return r
}
