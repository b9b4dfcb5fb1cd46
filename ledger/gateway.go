// Package ledger abstracts all interaction with the external EVM ledger that
// holds the authoritative lending contract state. The ledger is slow,
// fee-metered, and can reject operations after a delay; callers must treat
// reads as eventually consistent and never assume a read immediately after a
// finalized write reflects it.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// OpKind enumerates the state-changing operations the coordinator can submit.
type OpKind string

const (
	OpBorrow       OpKind = "borrow"
	OpRepay        OpKind = "repay"
	OpPayInterest  OpKind = "pay_interest"
	OpCheckDefault OpKind = "check_default"
	OpWithdraw     OpKind = "withdraw"
)

// Op describes a prospective ledger operation. LoanID is set for loan-scoped
// kinds, Collection/TokenID for borrows, Value for payable kinds.
type Op struct {
	Kind       OpKind
	From       common.Address
	Collection common.Address
	TokenID    *big.Int
	LoanID     *big.Int
	Value      *big.Int
}

// CostEstimate reports the resources a prospective operation would consume.
// Estimates are repeatable for unchanged ledger state; a divergent high
// estimate usually indicates the underlying state moved.
type CostEstimate struct {
	GasLimit uint64
	GasPrice *big.Int
}

// MaxFee returns the worst-case fee the operation can charge.
func (c CostEstimate) MaxFee() *big.Int {
	if c.GasPrice == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Mul(c.GasPrice, new(big.Int).SetUint64(c.GasLimit))
}

// PendingHandle tracks a submitted but not yet finalized operation.
type PendingHandle struct {
	ID     string
	TxHash common.Hash
	Kind   OpKind
}

// FinalResult reports a successfully finalized operation. LoanID is populated
// for borrows, decoded from the contract's LoanCreated event.
type FinalResult struct {
	TxHash      common.Hash
	BlockNumber uint64
	FinalizedAt time.Time
	LoanID      *big.Int
}

// LoanState mirrors the on-ledger loan status enum.
type LoanState uint8

const (
	LoanStateActive LoanState = iota
	LoanStateRepaid
	LoanStateDefaulted
)

// LoanRecord is the raw on-ledger loan row returned by the contract's loans()
// accessor. Times are unix seconds as the contract stores them.
type LoanRecord struct {
	ID               *big.Int
	Collection       common.Address
	TokenID          *big.Int
	Borrower         common.Address
	AdvanceAmount    *big.Int
	RepaymentAmount  *big.Int
	InterestAccrued  *big.Int
	StartTime        uint64
	LastInterestPaid uint64
	MissedPayments   uint64
	State            LoanState
}

// Asset is an on-ledger NFT observed during collateral enumeration.
type Asset struct {
	Collection common.Address
	TokenID    *big.Int
	Owner      common.Address
	TokenURI   string
}

var (
	// ErrUnreachable is returned once the gateway's internal retries against
	// the ledger node are exhausted.
	ErrUnreachable = errors.New("ledger: node unreachable")
	// ErrTimedOut is returned when a finality wait exceeds its bound. The
	// operation may still land; callers should poll, not resubmit.
	ErrTimedOut = errors.New("ledger: finality wait timed out")
	// ErrLoanNotFound is returned when the contract has no record for the
	// requested loan id.
	ErrLoanNotFound = errors.New("ledger: loan not found")
)

// RejectedError reports an operation the ledger included and reverted. The
// reason code is passed through from the contract verbatim.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	if e == nil || e.Reason == "" {
		return "ledger: operation reverted"
	}
	return fmt.Sprintf("ledger: operation reverted: %s", e.Reason)
}

// Gateway is the narrow interface the coordinator drives the ledger through.
// Submit never fails for business-logic reasons; those surface only via
// AwaitFinality as a RejectedError.
type Gateway interface {
	// EstimateCost queries the resource cost of op without committing it.
	EstimateCost(ctx context.Context, op Op) (CostEstimate, error)
	// Submit signs and broadcasts op, returning a tracking handle
	// immediately. A returned handle does not imply success.
	Submit(ctx context.Context, op Op) (PendingHandle, error)
	// AwaitFinality suspends the calling request (only) until the ledger
	// reports the operation included-and-successful, included-and-reverted
	// (RejectedError), or unresolved past the bound (ErrTimedOut).
	AwaitFinality(ctx context.Context, handle PendingHandle) (FinalResult, error)

	// LoanByID reads the current on-ledger loan record.
	LoanByID(ctx context.Context, loanID *big.Int) (LoanRecord, error)
	// ContractOwner reads the lending contract's current owner.
	ContractOwner(ctx context.Context) (common.Address, error)
	// AssetsOwnedBy enumerates the NFTs owner holds in collection.
	AssetsOwnedBy(ctx context.Context, owner, collection common.Address) ([]Asset, error)
	// TokenOwner reads the current owner of a single NFT.
	TokenOwner(ctx context.Context, collection common.Address, tokenID *big.Int) (common.Address, error)
	// BalanceOf reads the native balance of an account.
	BalanceOf(ctx context.Context, account common.Address) (*big.Int, error)
}
