// Package valuation computes advance and repayment amounts from declared
// collateral values. All functions are pure and deterministic; amounts are
// denominated in wei and floored to the ledger's minimum value unit so the
// coordinator never over-advances.
package valuation

import (
	"math/big"

	"nftlend/registry"
)

var basisPoints = big.NewInt(10_000)

// Advance returns declaredValue * advanceFraction floored to minUnit.
func Advance(declaredValue *big.Int, terms registry.CollateralTerms, minUnit *big.Int) *big.Int {
	if declaredValue == nil || declaredValue.Sign() <= 0 {
		return big.NewInt(0)
	}
	amount := new(big.Int).Mul(declaredValue, new(big.Int).SetUint64(terms.AdvanceFractionBps))
	amount.Quo(amount, basisPoints)
	return floorToUnit(amount, minUnit)
}

// Repayment returns advance * repaymentMultiplier floored to minUnit.
func Repayment(advance *big.Int, terms registry.CollateralTerms, minUnit *big.Int) *big.Int {
	if advance == nil || advance.Sign() <= 0 {
		return big.NewInt(0)
	}
	amount := new(big.Int).Mul(advance, new(big.Int).SetUint64(terms.RepaymentMultiplierBps))
	amount.Quo(amount, basisPoints)
	return floorToUnit(amount, minUnit)
}

// floorToUnit rounds amount down to the nearest multiple of unit. Rounding is
// always toward zero: a partial unit is dropped, never topped up.
func floorToUnit(amount, unit *big.Int) *big.Int {
	if unit == nil || unit.Sign() <= 0 {
		return amount
	}
	remainder := new(big.Int).Mod(amount, unit)
	return amount.Sub(amount, remainder)
}
