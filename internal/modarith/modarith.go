// Package modarith implements 32- and 64-bit unsigned modular arithmetic:
// add/sub/negate/multiply/exponentiate modulo m, extended GCD, modular
// inverse, Barrett and Montgomery reduction, and bit reversal. It is the
// only package in this module that touches raw modular integer math; every
// other package consumes its results.
//
// Each width has its own concrete, monomorphic set of functions (the *32
// functions here, the *64 ones in modarith64.go) rather than a single
// generic implementation, matching how this kind of
// hot-loop arithmetic is usually hand-specialized per width rather than
// routed through a type-parameterized path.
package modarith

import "github.com/luxfi/pisa-lower/internal/pisaerr"

// MontR32 is the Montgomery radix R = 2^32 used by every 32-bit conversion
// in this package.
const MontR32 = uint64(1) << 32

// AddMod32 returns (a+b) mod m, assuming a,b < m.
func AddMod32(a, b, m uint32) uint32 {
	s := a + b
	if s >= m || s < a {
		s -= m
	}
	return s
}

// SubMod32 returns (a-b) mod m, assuming a,b < m.
func SubMod32(a, b, m uint32) uint32 {
	if a >= b {
		return a - b
	}
	return m - b + a
}

// NegMod32 returns (-a) mod m, assuming a < m.
func NegMod32(a, m uint32) uint32 {
	if a == 0 {
		return 0
	}
	return m - a
}

// MulMod32 computes (a*b) mod m via a full-width multiply followed by
// Barrett reduction. Returns InvalidModulus if m is zero.
func MulMod32(a, b, m uint32) (uint32, error) {
	if m == 0 {
		return 0, pisaerr.New(pisaerr.ArithError, "InvalidModulus")
	}
	mu := barrettMu32(m)
	return mulModBarrett32(a, b, m, mu), nil
}

// barrettMu32 precomputes floor(2^64/m) for a 32-bit modulus, per §4.A, by
// dividing the 96-bit representation of 2^64 (Limb96{0,0,1}) by m via
// DivideInplace96. The quotient always fits in 64 bits since m >= 2, so the
// top limb of the result is always zero.
func barrettMu32(m uint32) uint64 {
	if m == 0 {
		return 0
	}
	twoPow64 := Limb96{0, 0, 1}
	DivideInplace96(&twoPow64, Limb96{m, 0, 0})
	return uint64(twoPow64[0]) | uint64(twoPow64[1])<<32
}

func mulModBarrett32(a, b, m uint32, mu uint64) uint32 {
	x := uint64(a) * uint64(b)
	// q_hat = floor(x * mu / 2^64), approximated via the high word of x*mu.
	qHat := mulHi64(x, mu)
	r := x - qHat*uint64(m)
	for r >= uint64(m) {
		r -= uint64(m)
	}
	return uint32(r)
}

// mulHi64 returns the high 64 bits of a*b where a fits in up to 64 bits
// (possibly the product of two 32-bit values) and b is a 64-bit Barrett
// constant; a*b can exceed 128 bits only if a itself exceeds 64 bits, which
// never happens here.
func mulHi64(a, b uint64) uint64 {
	aLo, aHi := a&0xFFFFFFFF, a>>32
	bLo, bHi := b&0xFFFFFFFF, b>>32

	lolo := aLo * bLo
	lohi := aLo * bHi
	hilo := aHi * bLo
	hihi := aHi * bHi

	mid := (lolo >> 32) + (lohi & 0xFFFFFFFF) + (hilo & 0xFFFFFFFF)
	hi := hihi + (lohi >> 32) + (hilo >> 32) + (mid >> 32)
	return hi
}

// PowMod32 computes base^exp mod m via square-and-multiply. pow_mod(_,0,_)
// is always 1.
func PowMod32(base, exp, m uint32) uint32 {
	if m == 1 {
		return 0
	}
	result := uint32(1)
	b := base % m
	e := exp
	for e > 0 {
		if e&1 == 1 {
			result, _ = MulMod32(result, b, m)
		}
		b, _ = MulMod32(b, b, m)
		e >>= 1
	}
	return result
}

// XGCD returns (gcd, s, t) such that s*x + t*y = gcd, with s,t signed.
func XGCD(x, y int64) (gcd, s, t int64) {
	oldR, r := x, y
	oldS, sVal := int64(1), int64(0)
	oldT, tVal := int64(0), int64(1)
	for r != 0 {
		q := oldR / r
		oldR, r = r, oldR-q*r
		oldS, sVal = sVal, oldS-q*sVal
		oldT, tVal = tVal, oldT-q*tVal
	}
	return oldR, oldS, oldT
}

// TryInvMod32 returns (v^-1 mod m, true), or (0, false) if gcd(v,m) != 1 or
// v == 0.
func TryInvMod32(v, m uint32) (uint32, bool) {
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
	return uint32(r), true
}

// InvMod32 is the error-returning counterpart of TryInvMod32; it reports
// GcdNotOne as an ArithError instead of a false flag.
func InvMod32(v, m uint32) (uint32, error) {
	r, ok := TryInvMod32(v, m)
	if !ok {
		return 0, pisaerr.New(pisaerr.ArithError, "GcdNotOne")
	}
	return r, nil
}

// ReverseBits reverses the low bitCount bits of x. bitCount=0 yields 0.
func ReverseBits(x uint32, bitCount uint) uint32 {
	var r uint32
	for i := uint(0); i < bitCount; i++ {
		r = (r << 1) | ((x >> i) & 1)
	}
	return r
}

// ToMontgomery32 computes (x * 2^32) mod m.
func ToMontgomery32(x, m uint32) uint32 {
	return uint32((uint64(x) << 32) % uint64(m))
}

// FromMontgomery32 computes x * R^-1 mod m, R = 2^32.
func FromMontgomery32(x, m uint32) uint32 {
	rInv, err := InvMod32(uint32(MontR32%uint64(m)), m)
	if err != nil {
		// m is coprime to 2^32 for any odd prime modulus; a non-invertible
		// R only occurs for even m, which never legally reaches this path.
		return 0
	}
	v, _ := MulMod32(x, rInv, m)
	return v
}

// MontMul32 performs CIOS-style Montgomery multiplication, reproducing the
// reference bit-for-bit: u = a*b (64-bit); k = m-2; mlo = (u_lo*k) mod
// 2^32; z = mlo*m (64-bit); r = (u+z) >> 32; subtract m once more if
// r >= m.
func MontMul32(a, b, m uint32) uint32 {
	u := uint64(a) * uint64(b)
	k := uint64(m - 2)
	uLo := u & 0xFFFFFFFF
	mlo := (uLo * k) & 0xFFFFFFFF
	z := mlo * uint64(m)
	r := (u + z) >> 32
	if r >= uint64(m) {
		r -= uint64(m)
	}
	return uint32(r)
}
