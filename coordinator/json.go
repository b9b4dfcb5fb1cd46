package coordinator

import (
	"encoding/json"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Wire encoding. Amounts and identifiers are decimal strings on the wire: wei
// values exceed 2^53, so a raw JSON number would silently lose precision in
// any client that reads numbers as float64.

func bigToWire(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

type loanWire struct {
	ID                   string         `json:"loanId"`
	Collection           common.Address `json:"collection"`
	TokenID              string         `json:"tokenId"`
	Borrower             common.Address `json:"borrower"`
	AdvanceAmount        string         `json:"advanceAmount"`
	RepaymentAmount      string         `json:"repaymentAmount"`
	InterestAccrued      string         `json:"interestAccrued"`
	StartTime            time.Time      `json:"startTime"`
	LastInterestPaidTime time.Time      `json:"lastInterestPaidTime"`
	MissedPayments       uint64         `json:"missedPayments"`
	Status               Status         `json:"status"`
}

func (l Loan) MarshalJSON() ([]byte, error) {
	return json.Marshal(loanWire{
		ID:                   bigToWire(l.ID),
		Collection:           l.Collection,
		TokenID:              bigToWire(l.TokenID),
		Borrower:             l.Borrower,
		AdvanceAmount:        bigToWire(l.AdvanceAmount),
		RepaymentAmount:      bigToWire(l.RepaymentAmount),
		InterestAccrued:      bigToWire(l.InterestAccrued),
		StartTime:            l.StartTime,
		LastInterestPaidTime: l.LastInterestPaidTime,
		MissedPayments:       l.MissedPayments,
		Status:               l.Status,
	})
}

type assetWire struct {
	Collection common.Address `json:"collection"`
	TokenID    string         `json:"tokenId"`
	Owner      common.Address `json:"owner"`
	TokenURI   string         `json:"tokenUri,omitempty"`
}

type termsWire struct {
	Collection             common.Address `json:"collection"`
	Name                   string         `json:"name"`
	DeclaredValue          string         `json:"declaredValue"`
	AdvanceFractionBps     uint64         `json:"advanceFractionBps"`
	RepaymentMultiplierBps uint64         `json:"repaymentMultiplierBps"`
}

type collateralOptionWire struct {
	Asset           assetWire `json:"asset"`
	Terms           termsWire `json:"terms"`
	AdvanceAmount   string    `json:"advanceAmount"`
	RepaymentAmount string    `json:"repaymentAmount"`
}

func (o CollateralOption) MarshalJSON() ([]byte, error) {
	return json.Marshal(collateralOptionWire{
		Asset: assetWire{
			Collection: o.Asset.Collection,
			TokenID:    bigToWire(o.Asset.TokenID),
			Owner:      o.Asset.Owner,
			TokenURI:   o.Asset.TokenURI,
		},
		Terms: termsWire{
			Collection:             o.Terms.Collection,
			Name:                   o.Terms.Name,
			DeclaredValue:          bigToWire(o.Terms.DeclaredValue),
			AdvanceFractionBps:     o.Terms.AdvanceFractionBps,
			RepaymentMultiplierBps: o.Terms.RepaymentMultiplierBps,
		},
		AdvanceAmount:   bigToWire(o.AdvanceAmount),
		RepaymentAmount: bigToWire(o.RepaymentAmount),
	})
}
