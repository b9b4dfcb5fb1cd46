package valuation

import (
	"math/big"
	"math/rand"
	"testing"

	"nftlend/registry"
)

func mustBig(t *testing.T, value string) *big.Int {
	t.Helper()
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		t.Fatalf("invalid big integer fixture %q", value)
	}
	return v
}

func TestAdvanceAndRepaymentScenario(t *testing.T) {
	// 70% advance against a declared value of 10 ether, 1.2x repayment.
	terms := registry.CollateralTerms{
		AdvanceFractionBps:     7000,
		RepaymentMultiplierBps: 12000,
	}
	declared := mustBig(t, "10000000000000000000")
	minUnit := mustBig(t, "100000000000000000") // 0.1 ether

	advance := Advance(declared, terms, minUnit)
	if want := mustBig(t, "7000000000000000000"); advance.Cmp(want) != 0 {
		t.Fatalf("advance = %s, want %s", advance, want)
	}
	repayment := Repayment(advance, terms, minUnit)
	if want := mustBig(t, "8400000000000000000"); repayment.Cmp(want) != 0 {
		t.Fatalf("repayment = %s, want %s", repayment, want)
	}
}

func TestAdvanceFloorsToMinimumUnit(t *testing.T) {
	terms := registry.CollateralTerms{
		AdvanceFractionBps:     3333,
		RepaymentMultiplierBps: 10000,
	}
	declared := big.NewInt(1_000_003)
	minUnit := big.NewInt(1000)

	advance := Advance(declared, terms, minUnit)
	// 1000003 * 3333 / 10000 = 333300.99..., floored to the unit: 333000.
	if want := big.NewInt(333_000); advance.Cmp(want) != 0 {
		t.Fatalf("advance = %s, want %s", advance, want)
	}
	if rem := new(big.Int).Mod(advance, minUnit); rem.Sign() != 0 {
		t.Fatalf("advance %s not aligned to unit %s", advance, minUnit)
	}
}

func TestZeroAndNilDeclaredValue(t *testing.T) {
	terms := registry.CollateralTerms{AdvanceFractionBps: 7000, RepaymentMultiplierBps: 12000}
	if got := Advance(nil, terms, big.NewInt(1)); got.Sign() != 0 {
		t.Fatalf("nil declared value produced %s", got)
	}
	if got := Advance(big.NewInt(0), terms, big.NewInt(1)); got.Sign() != 0 {
		t.Fatalf("zero declared value produced %s", got)
	}
	if got := Repayment(nil, terms, big.NewInt(1)); got.Sign() != 0 {
		t.Fatalf("nil advance produced %s", got)
	}
}

// Repayment is never less than the advance while the multiplier is at least
// 1x, and the advance never exceeds the declared value.
func TestRepaymentDominatesAdvance(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	minUnit := big.NewInt(1000)
	for i := 0; i < 500; i++ {
		terms := registry.CollateralTerms{
			AdvanceFractionBps:     uint64(rng.Intn(10_000)) + 1,
			RepaymentMultiplierBps: 10_000 + uint64(rng.Intn(20_000)),
		}
		declared := new(big.Int).SetUint64(uint64(rng.Int63n(1_000_000_000_000)) + 1)

		advance := Advance(declared, terms, minUnit)
		repayment := Repayment(advance, terms, minUnit)

		if advance.Cmp(declared) > 0 {
			t.Fatalf("advance %s exceeds declared value %s (terms %+v)", advance, declared, terms)
		}
		if repayment.Cmp(advance) < 0 {
			t.Fatalf("repayment %s below advance %s (terms %+v)", repayment, advance, terms)
		}
	}
}
