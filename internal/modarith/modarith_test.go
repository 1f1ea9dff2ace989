package modarith

import "testing"

func TestConcreteScenarios(t *testing.T) {
	t.Run("add_uint_mod", func(t *testing.T) {
		got := AddMod32(652_921_500, 652_921_501, 1_305_843_001)
		if got != 0 {
			t.Errorf("AddMod32 = %d, want 0", got)
		}
	})

	t.Run("mul_uint_mod", func(t *testing.T) {
		got, err := MulMod32(652_921_501, 652_921_500, 1_305_843_001)
		if err != nil {
			t.Fatalf("MulMod32 error: %v", err)
		}
		if got != 326_460_750 {
			t.Errorf("MulMod32 = %d, want 326460750", got)
		}
	})

	t.Run("pow_uint_mod", func(t *testing.T) {
		if got := PowMod32(2, 59, 0x10000000); got != 0 {
			t.Errorf("PowMod32(2,59,..) = %d, want 0", got)
		}
		if got := PowMod32(2, 30, 0x10000000); got != 0 {
			t.Errorf("PowMod32(2,30,..) = %d, want 0", got)
		}
	})

	t.Run("try_inv_uint_mod", func(t *testing.T) {
		got, ok := TryInvMod32(331_975_426, 1_351_315_121)
		if !ok {
			t.Fatal("TryInvMod32 returned not-ok")
		}
		if got != 1_052_541_512 {
			t.Errorf("TryInvMod32 = %d, want 1052541512", got)
		}
	})

	t.Run("xgcd", func(t *testing.T) {
		gcd, s, tt := XGCD(13, 19)
		if gcd != 1 || s != 3 || tt != -2 {
			t.Errorf("XGCD(13,19) = (%d,%d,%d), want (1,3,-2)", gcd, s, tt)
		}
	})

	t.Run("reverse_bits", func(t *testing.T) {
		if got := ReverseBits(1, 32); got != 0x80000000 {
			t.Errorf("ReverseBits(1,32) = %#x, want 0x80000000", got)
		}
		if got := ReverseBits(1, 16); got != 0x00008000 {
			t.Errorf("ReverseBits(1,16) = %#x, want 0x8000", got)
		}
		if got := ReverseBits(0xFFFFFFFF, 16); got != 0x0000FFFF {
			t.Errorf("ReverseBits(0xFFFFFFFF,16) = %#x, want 0xFFFF", got)
		}
	})

	t.Run("mont_mul", func(t *testing.T) {
		got := MontMul32(166_645_782, 378_454_820, 1_070_727_169)
		if got != 514_071_123 {
			t.Errorf("MontMul32 = %d, want 514071123", got)
		}
	})
}

func TestMontgomeryRoundTrip(t *testing.T) {
	const m = uint32(1_305_843_001)
	for _, x := range []uint32{0, 1, 2, 1_234_567, m - 1} {
		mont := ToMontgomery32(x, m)
		back := FromMontgomery32(mont, m)
		if back != x {
			t.Errorf("round trip x=%d: got %d", x, back)
		}
	}
}

func TestInverseLaw(t *testing.T) {
	const m = uint32(1_351_315_121)
	vs := []uint32{1, 2, 5, 331_975_426, m - 1}
	for _, v := range vs {
		inv, ok := TryInvMod32(v, m)
		if !ok {
			t.Fatalf("TryInvMod32(%d) not invertible", v)
		}
		got, err := MulMod32(v, inv, m)
		if err != nil {
			t.Fatal(err)
		}
		if got != 1 {
			t.Errorf("v=%d: mul_mod(v, inv, m) = %d, want 1", v, got)
		}
	}
}

func TestBitReversalInvolution(t *testing.T) {
	xs := []uint32{0, 1, 12345, 0xABCDEF01}
	for _, x := range xs {
		for b := uint(1); b <= 32; b++ {
			got := ReverseBits(ReverseBits(x, b), b)
			mask := uint32((uint64(1) << b) - 1)
			want := x & mask
			if got != want {
				t.Errorf("x=%#x b=%d: got %#x, want %#x", x, b, got, want)
			}
		}
	}
}

func TestMulMod32InvalidModulus(t *testing.T) {
	if _, err := MulMod32(1, 2, 0); err == nil {
		t.Fatal("expected InvalidModulus error")
	}
}

func TestMulMod64(t *testing.T) {
	// A 61-bit NTT-friendly prime.
	const q = uint64(1 << 61) - uint64(26*(1<<20)) + 1
	a, b := uint64(123456789012345), uint64(987654321098765)
	got := MulMod64(a, b, q)
	want := mulModReference(a, b, q)
	if got != want {
		t.Errorf("MulMod64(%d,%d,%d) = %d, want %d", a, b, q, got, want)
	}
}

func mulModReference(a, b, m uint64) uint64 {
	// Reference via repeated doubling (schoolbook), independent of the
	// Barrett-based implementation under test.
	result := uint64(0)
	aa := a % m
	bb := b
	for bb > 0 {
		if bb&1 == 1 {
			result = AddMod64(result, aa, m)
		}
		aa = AddMod64(aa, aa, m)
		bb >>= 1
	}
	return result
}

func TestReverseBitsZero(t *testing.T) {
	if got := ReverseBits(0xFFFFFFFF, 0); got != 0 {
		t.Errorf("ReverseBits(x,0) = %d, want 0", got)
	}
}

// the64BitPrime is the same NTT-friendly modulus TestMulMod64 already
// exercises, reused so the u64 tests below share one concrete scenario.
const the64BitPrime = uint64(1<<61) - uint64(26*(1<<20)) + 1

func TestAddSubNegMod64(t *testing.T) {
	const m = the64BitPrime
	t.Run("add_wraps", func(t *testing.T) {
		if got := AddMod64(m-1, m-1, m); got != m-2 {
			t.Errorf("AddMod64(m-1,m-1,m) = %d, want %d", got, m-2)
		}
	})
	t.Run("sub_borrows", func(t *testing.T) {
		if got := SubMod64(1, 2, m); got != m-1 {
			t.Errorf("SubMod64(1,2,m) = %d, want %d", got, m-1)
		}
	})
	t.Run("neg_zero", func(t *testing.T) {
		if got := NegMod64(0, m); got != 0 {
			t.Errorf("NegMod64(0,m) = %d, want 0", got)
		}
	})
	t.Run("neg_nonzero", func(t *testing.T) {
		if got := NegMod64(1, m); got != m-1 {
			t.Errorf("NegMod64(1,m) = %d, want %d", got, m-1)
		}
	})
}

func TestPowMod64(t *testing.T) {
	const m = the64BitPrime
	if got := PowMod64(2, 0, m); got != 1 {
		t.Errorf("PowMod64(2,0,m) = %d, want 1", got)
	}
	// Fermat's little theorem: for this prime modulus, a^(m-1) == 1.
	if got := PowMod64(3, m-1, m); got != 1 {
		t.Errorf("PowMod64(3,m-1,m) = %d, want 1", got)
	}
}

func TestTryInvMod64(t *testing.T) {
	const m = the64BitPrime
	vs := []uint64{1, 2, 5, 123456789012345, m - 1}
	for _, v := range vs {
		inv, ok := TryInvMod64(v, m)
		if !ok {
			t.Fatalf("TryInvMod64(%d) not invertible", v)
		}
		if got := MulMod64(v, inv, m); got != 1 {
			t.Errorf("v=%d: MulMod64(v,inv,m) = %d, want 1", v, got)
		}
	}
}

func TestMontgomeryRoundTrip64(t *testing.T) {
	const m = the64BitPrime
	for _, x := range []uint64{0, 1, 2, 1_234_567_890_123, m - 1} {
		mont := ToMontgomery64(x, m)
		back := FromMontgomery64(mont, m)
		if back != x {
			t.Errorf("round trip x=%d: got %d", x, back)
		}
	}
}

func TestMontMul64(t *testing.T) {
	const m = the64BitPrime
	qInv := MRedParams64(m)

	// Cross-check MontMul64 against the plain ToMontgomery64/MulMod64/
	// FromMontgomery64 path: Montgomery-multiplying two Montgomery-encoded
	// values and converting back must equal the direct modular product.
	a, b := uint64(123456789012345), uint64(987654321098765)
	montA, montB := ToMontgomery64(a, m), ToMontgomery64(b, m)
	montProduct := MontMul64(montA, montB, m, qInv)
	got := FromMontgomery64(montProduct, m)
	want := MulMod64(a, b, m)
	if got != want {
		t.Errorf("MontMul64 round trip = %d, want %d", got, want)
	}
}
