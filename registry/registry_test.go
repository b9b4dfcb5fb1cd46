package registry

import (
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func validTerms(addr byte) CollateralTerms {
	return CollateralTerms{
		Collection:             common.BytesToAddress([]byte{addr}),
		Name:                   "test",
		DeclaredValue:          big.NewInt(1_000_000),
		AdvanceFractionBps:     7000,
		RepaymentMultiplierBps: 12000,
	}
}

func TestTermsForUnregisteredReturnsNotFound(t *testing.T) {
	reg, err := New([]CollateralTerms{validTerms(0x01)})
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	_, err = reg.TermsFor(common.BytesToAddress([]byte{0x02}))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if reg.IsEligible(common.BytesToAddress([]byte{0x02})) {
		t.Fatal("unregistered collection reported eligible")
	}
}

func TestDuplicateCollectionRejected(t *testing.T) {
	if _, err := New([]CollateralTerms{validTerms(0x01), validTerms(0x01)}); err == nil {
		t.Fatal("expected duplicate collection to be rejected")
	}
}

func TestBasisPointBoundsEnforced(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*CollateralTerms)
	}{
		{"zero advance fraction", func(t *CollateralTerms) { t.AdvanceFractionBps = 0 }},
		{"advance fraction above 100%", func(t *CollateralTerms) { t.AdvanceFractionBps = 10_001 }},
		{"repayment multiplier below 1x", func(t *CollateralTerms) { t.RepaymentMultiplierBps = 9_999 }},
		{"non-positive declared value", func(t *CollateralTerms) { t.DeclaredValue = big.NewInt(0) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			terms := validTerms(0x01)
			tc.mutate(&terms)
			if _, err := New([]CollateralTerms{terms}); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestTermsForReturnsCopy(t *testing.T) {
	reg, err := New([]CollateralTerms{validTerms(0x01)})
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	terms, err := reg.TermsFor(common.BytesToAddress([]byte{0x01}))
	if err != nil {
		t.Fatalf("terms: %v", err)
	}
	terms.DeclaredValue.SetInt64(1)
	again, err := reg.TermsFor(common.BytesToAddress([]byte{0x01}))
	if err != nil {
		t.Fatalf("terms: %v", err)
	}
	if again.DeclaredValue.Cmp(big.NewInt(1_000_000)) != 0 {
		t.Fatalf("declared value mutated through returned copy: %s", again.DeclaredValue)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.yaml")
	doc := `collections:
  - address: "0xBC4CA0EdA7647A8aB7C2061c2E118A18a936f13D"
    name: "Bored Ape Yacht Club"
    declaredValue: "10000000000000000000"
    advanceFractionBps: 7000
    repaymentMultiplierBps: 12000
  - address: "0xb47e3cd837dDF8e4c57F05d70Ab865de6e193BBB"
    name: "CryptoPunks"
    declaredValue: "8000000000000000000"
    advanceFractionBps: 6000
    repaymentMultiplierBps: 12500
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	reg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load registry: %v", err)
	}
	if got := len(reg.Collections()); got != 2 {
		t.Fatalf("expected 2 collections, got %d", got)
	}
	terms, err := reg.TermsFor(common.HexToAddress("0xBC4CA0EdA7647A8aB7C2061c2E118A18a936f13D"))
	if err != nil {
		t.Fatalf("terms: %v", err)
	}
	if terms.AdvanceFractionBps != 7000 || terms.Name != "Bored Ape Yacht Club" {
		t.Fatalf("unexpected terms: %+v", terms)
	}
}

func TestLoadFileRejectsBadAddress(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.yaml")
	doc := `collections:
  - address: "not-an-address"
    declaredValue: "1"
    advanceFractionBps: 7000
    repaymentMultiplierBps: 12000
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Fatal("expected invalid address to be rejected")
	}
}
