package registry

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned when a collection has no registered terms. Callers
// must treat it as "this collateral type cannot be borrowed against", never as
// terms of zero value.
var ErrNotFound = errors.New("registry: collection not registered")

const basisPoints = 10_000

// CollateralTerms fixes the lending terms for a single NFT collection. Values
// are expressed in basis points so the valuation math stays integral.
type CollateralTerms struct {
	// Collection is the ERC-721 contract address the terms apply to.
	Collection common.Address
	// Name is a human readable label carried through to API responses.
	Name string
	// DeclaredValue is the administratively declared per-token value in wei
	// that advances are computed against.
	DeclaredValue *big.Int
	// AdvanceFractionBps is the fraction of the declared value advanced to
	// the borrower, in basis points (0 < bps <= 10000).
	AdvanceFractionBps uint64
	// RepaymentMultiplierBps is the multiplier applied to the advance to
	// obtain the total repayment amount, in basis points (>= 10000).
	RepaymentMultiplierBps uint64
}

// Registry holds the immutable collection -> terms mapping. Registration is an
// administrative configuration load, never a request-time operation.
type Registry struct {
	terms map[common.Address]CollateralTerms
	order []common.Address
}

// New constructs a registry from the provided terms. Duplicate collections and
// out-of-range basis point values are rejected.
func New(terms []CollateralTerms) (*Registry, error) {
	r := &Registry{terms: make(map[common.Address]CollateralTerms, len(terms))}
	for _, t := range terms {
		if (t.Collection == common.Address{}) {
			return nil, fmt.Errorf("registry: collection address required")
		}
		if _, exists := r.terms[t.Collection]; exists {
			return nil, fmt.Errorf("registry: duplicate collection %s", t.Collection.Hex())
		}
		if t.AdvanceFractionBps == 0 || t.AdvanceFractionBps > basisPoints {
			return nil, fmt.Errorf("registry: advance fraction for %s must be in (0, %d] bps", t.Collection.Hex(), basisPoints)
		}
		if t.RepaymentMultiplierBps < basisPoints {
			return nil, fmt.Errorf("registry: repayment multiplier for %s must be >= %d bps", t.Collection.Hex(), basisPoints)
		}
		if t.DeclaredValue == nil || t.DeclaredValue.Sign() <= 0 {
			return nil, fmt.Errorf("registry: declared value for %s must be positive", t.Collection.Hex())
		}
		t.DeclaredValue = new(big.Int).Set(t.DeclaredValue)
		r.terms[t.Collection] = t
		r.order = append(r.order, t.Collection)
	}
	return r, nil
}

// IsEligible reports whether the collection can be used as collateral.
func (r *Registry) IsEligible(collection common.Address) bool {
	if r == nil {
		return false
	}
	_, ok := r.terms[collection]
	return ok
}

// TermsFor returns the registered terms for a collection or ErrNotFound.
func (r *Registry) TermsFor(collection common.Address) (CollateralTerms, error) {
	if r == nil {
		return CollateralTerms{}, ErrNotFound
	}
	terms, ok := r.terms[collection]
	if !ok {
		return CollateralTerms{}, ErrNotFound
	}
	terms.DeclaredValue = new(big.Int).Set(terms.DeclaredValue)
	return terms, nil
}

// Collections returns the registered collection addresses in load order.
func (r *Registry) Collections() []common.Address {
	if r == nil {
		return nil
	}
	out := make([]common.Address, len(r.order))
	copy(out, r.order)
	return out
}

type registryFile struct {
	Collections []collectionEntry `yaml:"collections"`
}

type collectionEntry struct {
	Address                string `yaml:"address"`
	Name                   string `yaml:"name"`
	DeclaredValue          string `yaml:"declaredValue"`
	AdvanceFractionBps     uint64 `yaml:"advanceFractionBps"`
	RepaymentMultiplierBps uint64 `yaml:"repaymentMultiplierBps"`
}

// LoadFile reads a YAML registry definition from disk.
func LoadFile(path string) (*Registry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("registry: open %s: %w", path, err)
	}
	defer file.Close()

	var doc registryFile
	decoder := yaml.NewDecoder(file)
	if err := decoder.Decode(&doc); err != nil {
		return nil, fmt.Errorf("registry: decode %s: %w", path, err)
	}
	if len(doc.Collections) == 0 {
		return nil, fmt.Errorf("registry: %s defines no collections", path)
	}

	terms := make([]CollateralTerms, 0, len(doc.Collections))
	for _, entry := range doc.Collections {
		addr := strings.TrimSpace(entry.Address)
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("registry: invalid collection address %q", entry.Address)
		}
		value, ok := new(big.Int).SetString(strings.TrimSpace(entry.DeclaredValue), 10)
		if !ok {
			return nil, fmt.Errorf("registry: invalid declared value %q for %s", entry.DeclaredValue, addr)
		}
		terms = append(terms, CollateralTerms{
			Collection:             common.HexToAddress(addr),
			Name:                   strings.TrimSpace(entry.Name),
			DeclaredValue:          value,
			AdvanceFractionBps:     entry.AdvanceFractionBps,
			RepaymentMultiplierBps: entry.RepaymentMultiplierBps,
		})
	}
	return New(terms)
}
