// Package coordinator drives the NFT loan lifecycle: eligibility, valuation,
// state transitions, time-based default detection, and idempotent submission
// against the ledger. The ledger is the authoritative source of truth; the
// coordinator reconciles caller intent against the freshest ledger state it
// can read and refuses work it can prove is doomed before spending fees.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"nftlend/ledger"
	"nftlend/observability"
	"nftlend/registry"
	"nftlend/valuation"
)

// Config carries the lifecycle policy knobs, all sourced from external
// configuration.
type Config struct {
	// LoanDuration is the window after which an active loan becomes
	// defaultable.
	LoanDuration time.Duration
	// InterestDueWindow is the interval the informational missed-payment
	// counter is evaluated against.
	InterestDueWindow time.Duration
	// MinValueUnit is the ledger's minimum value unit; valuation floors to it.
	MinValueUnit *big.Int
	// MaxOperationFee caps the estimated fee the coordinator will accept
	// before refusing with ErrCostTooHigh. Nil disables the ceiling.
	MaxOperationFee *big.Int
	// InFlightTTL bounds how long an in-flight guard entry can live before
	// the sweeper reclaims it.
	InFlightTTL time.Duration
}

// Coordinator owns the loan state machine and the reconciliation layer. It is
// safe for concurrent use; the in-flight guard serialises mutating operations
// per loan while reads run unrestricted.
type Coordinator struct {
	gateway  ledger.Gateway
	registry *registry.Registry
	cfg      Config
	logger   *slog.Logger
	metrics  *observability.CoordinatorMetrics
	guard    *inflightGuard
	now      func() time.Time

	mu    sync.RWMutex
	loans map[string]Loan
}

// New constructs a coordinator. The gateway and registry are required.
func New(gw ledger.Gateway, reg *registry.Registry, cfg Config, logger *slog.Logger) (*Coordinator, error) {
	if gw == nil {
		return nil, fmt.Errorf("coordinator: ledger gateway required")
	}
	if reg == nil {
		return nil, fmt.Errorf("coordinator: eligibility registry required")
	}
	if cfg.LoanDuration <= 0 {
		return nil, fmt.Errorf("coordinator: loan duration required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		gateway:  gw,
		registry: reg,
		cfg:      cfg,
		logger:   logger,
		metrics:  observability.Coordinator(),
		guard:    newInflightGuard(cfg.InFlightTTL),
		now:      time.Now,
		loans:    make(map[string]Loan),
	}, nil
}

// Run keeps the in-flight guard healthy until ctx is cancelled. Lost finality
// waits (e.g. after a restart) expire via TTL instead of wedging their loans.
func (c *Coordinator) Run(ctx context.Context) {
	c.guard.sweep(ctx, time.Minute)
}

// CollateralOption pairs an owned asset with its registered lending terms.
type CollateralOption struct {
	Asset           ledger.Asset
	Terms           registry.CollateralTerms
	AdvanceAmount   *big.Int
	RepaymentAmount *big.Int
}

// BorrowResult reports a finalized borrow.
type BorrowResult struct {
	Loan   Loan        `json:"loan"`
	TxHash common.Hash `json:"txHash"`
}

// SettleResult reports a finalized repay or interest payment.
type SettleResult struct {
	Loan   Loan        `json:"loan"`
	TxHash common.Hash `json:"txHash"`
}

// DefaultCheckResult reports a default evaluation. When the loan duration has
// not elapsed the check is a local no-op: Submitted is false and no ledger
// operation was attempted.
type DefaultCheckResult struct {
	Submitted bool        `json:"submitted"`
	Reason    string      `json:"reason"`
	Loan      Loan        `json:"loan"`
	TxHash    common.Hash `json:"txHash,omitempty"`
}

// WithdrawResult reports a finalized owner withdrawal.
type WithdrawResult struct {
	TxHash common.Hash `json:"txHash"`
}

// CollateralOptions enumerates the caller's ledger-owned assets across all
// registered collections and attaches their terms and computed amounts.
func (c *Coordinator) CollateralOptions(ctx context.Context, owner common.Address) ([]CollateralOption, error) {
	var options []CollateralOption
	for _, collection := range c.registry.Collections() {
		terms, err := c.registry.TermsFor(collection)
		if err != nil {
			return nil, err
		}
		assets, err := c.gateway.AssetsOwnedBy(ctx, owner, collection)
		if err != nil {
			return nil, err
		}
		advance := valuation.Advance(terms.DeclaredValue, terms, c.cfg.MinValueUnit)
		repayment := valuation.Repayment(advance, terms, c.cfg.MinValueUnit)
		for _, asset := range assets {
			options = append(options, CollateralOption{
				Asset:           asset,
				Terms:           terms,
				AdvanceAmount:   new(big.Int).Set(advance),
				RepaymentAmount: new(big.Int).Set(repayment),
			})
		}
	}
	return options, nil
}

// Borrow locks the NFT as collateral and advances funds to the borrower. The
// loan projection is created only once the ledger finalizes the operation.
func (c *Coordinator) Borrow(ctx context.Context, collection common.Address, tokenID *big.Int, actor common.Address) (BorrowResult, error) {
	kind := ledger.OpBorrow
	if tokenID == nil || (actor == common.Address{}) {
		return BorrowResult{}, c.fail(kind, fmt.Errorf("%w: token id and actor required", ErrInvalidRequest))
	}
	terms, err := c.registry.TermsFor(collection)
	if err != nil {
		return BorrowResult{}, c.fail(kind, fmt.Errorf("%w: %s", ErrNotEligible, collection.Hex()))
	}
	tokenOwner, err := c.gateway.TokenOwner(ctx, collection, tokenID)
	if err != nil {
		return BorrowResult{}, c.fail(kind, err)
	}
	if tokenOwner != actor {
		return BorrowResult{}, c.fail(kind, fmt.Errorf("%w: actor does not own token %s", ErrUnauthorized, tokenID))
	}

	advance := valuation.Advance(terms.DeclaredValue, terms, c.cfg.MinValueUnit)
	repayment := valuation.Repayment(advance, terms, c.cfg.MinValueUnit)

	key := borrowKey(collection, tokenID)
	if !c.acquire(key) {
		return BorrowResult{}, c.fail(kind, fmt.Errorf("%w: token %s/%s", ErrBusy, collection.Hex(), tokenID))
	}

	op := ledger.Op{Kind: kind, From: actor, Collection: collection, TokenID: tokenID}
	result, err := c.executeGuarded(ctx, key, op, nil)
	if err != nil {
		return BorrowResult{}, c.fail(kind, err)
	}

	loan := Loan{
		ID:                   cloneBig(result.LoanID),
		Collection:           collection,
		TokenID:              cloneBig(tokenID),
		Borrower:             actor,
		AdvanceAmount:        advance,
		RepaymentAmount:      repayment,
		InterestAccrued:      big.NewInt(0),
		StartTime:            result.FinalizedAt,
		LastInterestPaidTime: result.FinalizedAt,
		MissedPayments:       0,
		Status:               StatusActive,
	}
	if loan.ID != nil {
		c.storeLoan(loan)
	}
	c.metrics.ObserveOperation(string(kind), "ok")
	c.logger.Info("loan opened",
		"loan_id", bigString(loan.ID), "collection", collection.Hex(),
		"token_id", tokenID.String(), "advance", advance.String(), "tx", result.TxHash.Hex())
	return BorrowResult{Loan: loan.clone(), TxHash: result.TxHash}, nil
}

// Repay settles the loan's outstanding balance and releases the collateral.
func (c *Coordinator) Repay(ctx context.Context, loanID *big.Int, actor common.Address, supplied *big.Int) (SettleResult, error) {
	kind := ledger.OpRepay
	loan, err := c.refreshLoan(ctx, loanID)
	if err != nil {
		return SettleResult{}, c.fail(kind, err)
	}
	if loan.Status.Terminal() {
		return SettleResult{}, c.fail(kind, fmt.Errorf("%w: loan %s is %s", ErrLoanClosed, bigString(loanID), loan.Status))
	}
	if loan.Borrower != actor {
		return SettleResult{}, c.fail(kind, fmt.Errorf("%w: actor is not the borrower", ErrUnauthorized))
	}
	outstanding := loan.outstandingRepayment()
	if supplied == nil || supplied.Cmp(outstanding) < 0 {
		return SettleResult{}, c.fail(kind, fmt.Errorf("%w: supplied %s below outstanding %s",
			ErrInsufficientFunds, bigString(supplied), outstanding))
	}

	key := loanKey(loanID)
	if !c.acquire(key) {
		return SettleResult{}, c.fail(kind, fmt.Errorf("%w: loan %s", ErrBusy, bigString(loanID)))
	}

	op := ledger.Op{Kind: kind, From: actor, LoanID: loanID, Value: supplied}
	result, err := c.executeGuarded(ctx, key, op, func(res ledger.FinalResult) {
		c.mutateLoan(loanID, func(l *Loan) {
			l.Status = StatusRepaid
		})
	})
	if err != nil {
		return SettleResult{}, c.fail(kind, err)
	}

	updated, _ := c.cachedLoan(loanID)
	c.metrics.ObserveOperation(string(kind), "ok")
	c.logger.Info("loan repaid", "loan_id", bigString(loanID), "tx", result.TxHash.Hex())
	return SettleResult{Loan: updated, TxHash: result.TxHash}, nil
}

// PayInterest records an interest payment against an active loan.
func (c *Coordinator) PayInterest(ctx context.Context, loanID *big.Int, actor common.Address, supplied *big.Int) (SettleResult, error) {
	kind := ledger.OpPayInterest
	if supplied == nil || supplied.Sign() <= 0 {
		return SettleResult{}, c.fail(kind, fmt.Errorf("%w: positive interest payment required", ErrInvalidRequest))
	}
	loan, err := c.refreshLoan(ctx, loanID)
	if err != nil {
		return SettleResult{}, c.fail(kind, err)
	}
	if loan.Status.Terminal() {
		return SettleResult{}, c.fail(kind, fmt.Errorf("%w: loan %s is %s", ErrLoanClosed, bigString(loanID), loan.Status))
	}
	if loan.Borrower != actor {
		return SettleResult{}, c.fail(kind, fmt.Errorf("%w: actor is not the borrower", ErrUnauthorized))
	}

	key := loanKey(loanID)
	if !c.acquire(key) {
		return SettleResult{}, c.fail(kind, fmt.Errorf("%w: loan %s", ErrBusy, bigString(loanID)))
	}

	op := ledger.Op{Kind: kind, From: actor, LoanID: loanID, Value: supplied}
	result, err := c.executeGuarded(ctx, key, op, func(res ledger.FinalResult) {
		c.mutateLoan(loanID, func(l *Loan) {
			l.applyInterestPayment(res.FinalizedAt, c.cfg.InterestDueWindow, supplied)
		})
	})
	if err != nil {
		return SettleResult{}, c.fail(kind, err)
	}

	updated, _ := c.cachedLoan(loanID)
	c.metrics.ObserveOperation(string(kind), "ok")
	c.logger.Info("interest paid", "loan_id", bigString(loanID), "amount", supplied.String(), "tx", result.TxHash.Hex())
	return SettleResult{Loan: updated, TxHash: result.TxHash}, nil
}

// CheckDefault evaluates the loan's time window and, only if it has elapsed,
// submits the default claim. The time gate runs locally first so the
// coordinator never pays for a ledger operation the contract would reject.
func (c *Coordinator) CheckDefault(ctx context.Context, loanID *big.Int, actor common.Address) (DefaultCheckResult, error) {
	kind := ledger.OpCheckDefault
	loan, err := c.refreshLoan(ctx, loanID)
	if err != nil {
		return DefaultCheckResult{}, c.fail(kind, err)
	}
	if loan.Status.Terminal() {
		return DefaultCheckResult{}, c.fail(kind, fmt.Errorf("%w: loan %s is %s", ErrLoanClosed, bigString(loanID), loan.Status))
	}
	if elapsed := c.now().Sub(loan.StartTime); elapsed <= c.cfg.LoanDuration {
		c.metrics.ObserveOperation(string(kind), "not_expired")
		return DefaultCheckResult{
			Submitted: false,
			Reason:    "loan duration not yet elapsed",
			Loan:      loan,
		}, nil
	}

	key := loanKey(loanID)
	if !c.acquire(key) {
		return DefaultCheckResult{}, c.fail(kind, fmt.Errorf("%w: loan %s", ErrBusy, bigString(loanID)))
	}

	op := ledger.Op{Kind: kind, From: actor, LoanID: loanID}
	result, err := c.executeGuarded(ctx, key, op, func(res ledger.FinalResult) {
		c.mutateLoan(loanID, func(l *Loan) {
			l.Status = StatusDefaulted
		})
	})
	if err != nil {
		return DefaultCheckResult{}, c.fail(kind, err)
	}

	updated, _ := c.cachedLoan(loanID)
	c.metrics.ObserveOperation(string(kind), "ok")
	c.logger.Info("loan defaulted", "loan_id", bigString(loanID), "tx", result.TxHash.Hex())
	return DefaultCheckResult{
		Submitted: true,
		Reason:    "loan duration elapsed, collateral claimed",
		Loan:      updated,
		TxHash:    result.TxHash,
	}, nil
}

// Withdraw transfers accumulated funds to the contract owner. Ownership is
// re-verified against the ledger on every call, never cached.
func (c *Coordinator) Withdraw(ctx context.Context, actor common.Address) (WithdrawResult, error) {
	kind := ledger.OpWithdraw
	owner, err := c.gateway.ContractOwner(ctx)
	if err != nil {
		return WithdrawResult{}, c.fail(kind, err)
	}
	if owner != actor {
		return WithdrawResult{}, c.fail(kind, fmt.Errorf("%w: only the contract owner may withdraw", ErrUnauthorized))
	}

	const key = "withdraw"
	if !c.acquire(key) {
		return WithdrawResult{}, c.fail(kind, ErrBusy)
	}

	op := ledger.Op{Kind: kind, From: actor}
	result, err := c.executeGuarded(ctx, key, op, nil)
	if err != nil {
		return WithdrawResult{}, c.fail(kind, err)
	}
	c.metrics.ObserveOperation(string(kind), "ok")
	c.logger.Info("funds withdrawn", "owner", actor.Hex(), "tx", result.TxHash.Hex())
	return WithdrawResult{TxHash: result.TxHash}, nil
}

// Loan returns the freshest projection for a single loan.
func (c *Coordinator) Loan(ctx context.Context, loanID *big.Int) (Loan, error) {
	return c.refreshLoan(ctx, loanID)
}

// Loans returns the borrower's loan projections, each refreshed from the
// ledger before being returned. The borrower index only covers loans this
// process has observed (borrow finalizations and Loan lookups repopulate it),
// so after a restart a loan stays reachable by id via Loan even before it
// reappears here.
func (c *Coordinator) Loans(ctx context.Context, borrower common.Address) ([]Loan, error) {
	c.mu.RLock()
	ids := make([]*big.Int, 0, len(c.loans))
	for _, loan := range c.loans {
		if loan.Borrower == borrower {
			ids = append(ids, cloneBig(loan.ID))
		}
	}
	c.mu.RUnlock()

	loans := make([]Loan, 0, len(ids))
	for _, id := range ids {
		loan, err := c.refreshLoan(ctx, id)
		if err != nil {
			if errors.Is(err, ErrLoanNotFound) {
				continue
			}
			return nil, err
		}
		loans = append(loans, loan)
	}
	return loans, nil
}

// executeGuarded runs the estimate/afford/submit/await sequence for an
// operation whose in-flight key is already held. The guard is released when
// tracking completes, regardless of whether the caller is still waiting: a
// submitted ledger operation cannot be cancelled, so the coordinator follows
// it to its outcome even if the HTTP caller has gone away.
func (c *Coordinator) executeGuarded(ctx context.Context, key string, op ledger.Op, apply func(ledger.FinalResult)) (ledger.FinalResult, error) {
	if err := c.checkAffordability(ctx, op); err != nil {
		c.release(key)
		return ledger.FinalResult{}, err
	}

	handle, err := c.gateway.Submit(ctx, op)
	if err != nil {
		// Nothing reached the ledger; the guard must not stay stuck.
		c.release(key)
		return ledger.FinalResult{}, err
	}
	c.metrics.ObserveSubmission(string(op.Kind))

	type outcome struct {
		result ledger.FinalResult
		err    error
	}
	done := make(chan outcome, 1)
	started := c.now()

	go func() {
		defer c.release(key)
		trackCtx := context.WithoutCancel(ctx)
		result, err := c.gateway.AwaitFinality(trackCtx, handle)
		c.metrics.ObserveFinality(string(op.Kind), time.Since(started))
		if err == nil && apply != nil {
			apply(result)
		}
		if err != nil {
			var rejected *ledger.RejectedError
			if errors.As(err, &rejected) {
				c.metrics.ObserveRejection(string(op.Kind))
			}
			c.logger.Warn("operation did not finalize cleanly",
				"kind", op.Kind, "tx", handle.TxHash.Hex(), "error", err)
		}
		done <- outcome{result, err}
	}()

	select {
	case out := <-done:
		if errors.Is(out.err, ledger.ErrTimedOut) {
			return ledger.FinalResult{}, fmt.Errorf("%w: tx %s", ErrIndeterminate, handle.TxHash.Hex())
		}
		return out.result, out.err
	case <-ctx.Done():
		// The caller abandoned the request; tracking continues detached.
		return ledger.FinalResult{}, fmt.Errorf("%w: tx %s", ErrIndeterminate, handle.TxHash.Hex())
	}
}

// checkAffordability rejects an operation before submission when the actor's
// known balance cannot cover value plus worst-case fee, or when the fee
// exceeds the configured ceiling.
func (c *Coordinator) checkAffordability(ctx context.Context, op ledger.Op) error {
	estimate, err := c.gateway.EstimateCost(ctx, op)
	if err != nil {
		return err
	}
	fee := estimate.MaxFee()
	if c.cfg.MaxOperationFee != nil && fee.Cmp(c.cfg.MaxOperationFee) > 0 {
		return fmt.Errorf("%w: fee %s exceeds ceiling %s", ErrCostTooHigh, fee, c.cfg.MaxOperationFee)
	}
	balance, err := c.gateway.BalanceOf(ctx, op.From)
	if err != nil {
		// Balance unknown: do not block on an unreadable account, the
		// ledger will still enforce funds at execution.
		c.logger.Warn("balance read failed, skipping affordability check", "actor", op.From.Hex(), "error", err)
		return nil
	}
	need := new(big.Int).Set(fee)
	if op.Value != nil {
		need.Add(need, op.Value)
	}
	if balance.Cmp(need) < 0 {
		return fmt.Errorf("%w: balance %s below required %s", ErrInsufficientFunds, balance, need)
	}
	return nil
}

// refreshLoan reads the authoritative record and replaces the cached
// projection with it. The cache is only a projection: the ledger always wins.
func (c *Coordinator) refreshLoan(ctx context.Context, loanID *big.Int) (Loan, error) {
	if loanID == nil {
		return Loan{}, fmt.Errorf("%w: loan id required", ErrInvalidRequest)
	}
	record, err := c.gateway.LoanByID(ctx, loanID)
	if err != nil {
		if errors.Is(err, ledger.ErrLoanNotFound) {
			return Loan{}, fmt.Errorf("%w: id %s", ErrLoanNotFound, loanID)
		}
		return Loan{}, err
	}
	loan := loanFromRecord(record)
	c.storeLoan(loan)
	return loan.clone(), nil
}

func (c *Coordinator) storeLoan(loan Loan) {
	if loan.ID == nil {
		return
	}
	c.mu.Lock()
	c.loans[loan.ID.String()] = loan.clone()
	c.mu.Unlock()
}

func (c *Coordinator) cachedLoan(loanID *big.Int) (Loan, bool) {
	if loanID == nil {
		return Loan{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	loan, ok := c.loans[loanID.String()]
	if !ok {
		return Loan{}, false
	}
	return loan.clone(), true
}

// mutateLoan applies fn to the cached projection while preserving the
// monotone status invariant: a terminal loan never transitions again.
func (c *Coordinator) mutateLoan(loanID *big.Int, fn func(*Loan)) {
	if loanID == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	loan, ok := c.loans[loanID.String()]
	if !ok {
		return
	}
	if loan.Status.Terminal() {
		return
	}
	fn(&loan)
	c.loans[loanID.String()] = loan
}

func (c *Coordinator) acquire(key string) bool {
	ok := c.guard.tryAcquire(key)
	c.metrics.SetInflight(c.guard.size())
	return ok
}

func (c *Coordinator) release(key string) {
	c.guard.release(key)
	c.metrics.SetInflight(c.guard.size())
}

func (c *Coordinator) fail(kind ledger.OpKind, err error) error {
	c.metrics.ObserveOperation(string(kind), Code(err))
	return err
}

func loanKey(loanID *big.Int) string {
	return "loan:" + loanID.String()
}

func borrowKey(collection common.Address, tokenID *big.Int) string {
	return "borrow:" + collection.Hex() + "/" + tokenID.String()
}

func bigString(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}
