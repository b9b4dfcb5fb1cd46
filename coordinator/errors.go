package coordinator

import (
	"errors"

	"nftlend/ledger"
)

// Domain error taxonomy. Validation errors are detected locally and never
// reach the ledger; ledger-originated failures (RejectedError, ErrUnreachable,
// ErrTimedOut) are surfaced verbatim with their reason codes.
var (
	// ErrNotEligible marks a collateral collection with no registered terms.
	ErrNotEligible = errors.New("coordinator: collateral collection not eligible")
	// ErrLoanClosed marks an operation against a terminal loan.
	ErrLoanClosed = errors.New("coordinator: loan already closed")
	// ErrBusy marks a conflicting in-flight operation on the same loan.
	ErrBusy = errors.New("coordinator: conflicting operation in flight")
	// ErrInsufficientFunds marks a pre-submission affordability failure.
	ErrInsufficientFunds = errors.New("coordinator: insufficient funds for operation")
	// ErrCostTooHigh marks an operation whose estimated fee exceeds the
	// configured ceiling.
	ErrCostTooHigh = errors.New("coordinator: estimated operation cost too high")
	// ErrUnauthorized marks an actor failing an ownership or permission check.
	ErrUnauthorized = errors.New("coordinator: actor not authorized")
	// ErrIndeterminate marks an operation whose finality wait exceeded its
	// bound. The caller must poll loan state rather than retry: the
	// submission may still land.
	ErrIndeterminate = errors.New("coordinator: operation outcome indeterminate, poll instead of retrying")
	// ErrLoanNotFound marks a loan id the ledger has no record of.
	ErrLoanNotFound = errors.New("coordinator: loan not found")
	// ErrInvalidRequest marks malformed request parameters.
	ErrInvalidRequest = errors.New("coordinator: invalid request")
)

// Code returns the stable domain error code for err, distinct from any
// transport status the API gateway chooses.
func Code(err error) string {
	var rejected *ledger.RejectedError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotEligible):
		return "NOT_ELIGIBLE"
	case errors.Is(err, ErrLoanClosed):
		return "LOAN_CLOSED"
	case errors.Is(err, ErrBusy):
		return "BUSY"
	case errors.Is(err, ErrInsufficientFunds):
		return "INSUFFICIENT_FUNDS"
	case errors.Is(err, ErrCostTooHigh):
		return "COST_TOO_HIGH"
	case errors.Is(err, ErrUnauthorized):
		return "UNAUTHORIZED"
	case errors.Is(err, ErrIndeterminate):
		return "INDETERMINATE"
	case errors.Is(err, ErrLoanNotFound), errors.Is(err, ledger.ErrLoanNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrInvalidRequest):
		return "INVALID_REQUEST"
	case errors.As(err, &rejected):
		return "REJECTED"
	case errors.Is(err, ledger.ErrUnreachable):
		return "UNREACHABLE"
	default:
		return "INTERNAL"
	}
}
