package coordinator

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"nftlend/ledger"
)

// Status is the coordinator's view of a loan lifecycle state. Transitions are
// monotone: Active -> Repaid or Active -> Defaulted, both terminal.
type Status string

const (
	StatusActive    Status = "active"
	StatusRepaid    Status = "repaid"
	StatusDefaulted Status = "defaulted"
)

// Terminal reports whether no further transition is permitted.
func (s Status) Terminal() bool {
	return s == StatusRepaid || s == StatusDefaulted
}

// Loan is the coordinator's cached projection of an on-ledger loan. The
// ledger owns the record; the projection is refreshed on read and updated
// from finality results, never trusted over a fresh ledger read.
type Loan struct {
	ID                   *big.Int
	Collection           common.Address
	TokenID              *big.Int
	Borrower             common.Address
	AdvanceAmount        *big.Int
	RepaymentAmount      *big.Int
	InterestAccrued      *big.Int
	StartTime            time.Time
	LastInterestPaidTime time.Time
	MissedPayments       uint64
	Status               Status
}

func statusFromLedger(state ledger.LoanState) Status {
	switch state {
	case ledger.LoanStateRepaid:
		return StatusRepaid
	case ledger.LoanStateDefaulted:
		return StatusDefaulted
	default:
		return StatusActive
	}
}

func loanFromRecord(record ledger.LoanRecord) Loan {
	loan := Loan{
		ID:              cloneBig(record.ID),
		Collection:      record.Collection,
		TokenID:         cloneBig(record.TokenID),
		Borrower:        record.Borrower,
		AdvanceAmount:   cloneBig(record.AdvanceAmount),
		RepaymentAmount: cloneBig(record.RepaymentAmount),
		InterestAccrued: cloneBig(record.InterestAccrued),
		MissedPayments:  record.MissedPayments,
		Status:          statusFromLedger(record.State),
	}
	if record.StartTime > 0 {
		loan.StartTime = time.Unix(int64(record.StartTime), 0).UTC()
	}
	if record.LastInterestPaid > 0 {
		loan.LastInterestPaidTime = time.Unix(int64(record.LastInterestPaid), 0).UTC()
	}
	return loan
}

// clone returns a deep copy so callers cannot mutate the cached projection.
func (l Loan) clone() Loan {
	out := l
	out.ID = cloneBig(l.ID)
	out.TokenID = cloneBig(l.TokenID)
	out.AdvanceAmount = cloneBig(l.AdvanceAmount)
	out.RepaymentAmount = cloneBig(l.RepaymentAmount)
	out.InterestAccrued = cloneBig(l.InterestAccrued)
	return out
}

// outstandingRepayment is the amount still owed to close the loan: the fixed
// repayment amount less interest already paid, never negative.
func (l Loan) outstandingRepayment() *big.Int {
	if l.RepaymentAmount == nil {
		return big.NewInt(0)
	}
	outstanding := new(big.Int).Set(l.RepaymentAmount)
	if l.InterestAccrued != nil {
		outstanding.Sub(outstanding, l.InterestAccrued)
	}
	if outstanding.Sign() < 0 {
		outstanding.SetInt64(0)
	}
	return outstanding
}

// applyInterestPayment updates the informational missed-payment counter: a
// payment landing before the due window elapses resets it, a payment landing
// after an elapsed window increments it.
func (l *Loan) applyInterestPayment(paidAt time.Time, dueWindow time.Duration, amount *big.Int) {
	reference := l.LastInterestPaidTime
	if reference.IsZero() {
		reference = l.StartTime
	}
	if dueWindow > 0 && !reference.IsZero() && paidAt.Sub(reference) > dueWindow {
		l.MissedPayments++
	} else {
		l.MissedPayments = 0
	}
	l.LastInterestPaidTime = paidAt
	if amount != nil {
		if l.InterestAccrued == nil {
			l.InterestAccrued = big.NewInt(0)
		}
		l.InterestAccrued = new(big.Int).Add(l.InterestAccrued, amount)
	}
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
