package coordinator

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"nftlend/ledger"
	"nftlend/registry"
)

var (
	collection = common.HexToAddress("0xBC4CA0EdA7647A8aB7C2061c2E118A18a936f13D")
	borrower   = common.HexToAddress("0x0000000000000000000000000000000000000001")
	stranger   = common.HexToAddress("0x0000000000000000000000000000000000000002")

	baseTime = time.Unix(1_700_000_000, 0).UTC()
)

func ether(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000_000_000_000))
}

func tenthEther() *big.Int {
	return big.NewInt(100_000_000_000_000_000)
}

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.New([]registry.CollateralTerms{{
		Collection:             collection,
		Name:                   "Bored Ape Yacht Club",
		DeclaredValue:          ether(10),
		AdvanceFractionBps:     7000,
		RepaymentMultiplierBps: 12000,
	}})
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	return reg
}

func newTestCoordinator(t *testing.T, gw ledger.Gateway) *Coordinator {
	t.Helper()
	c, err := New(gw, testRegistry(t), Config{
		LoanDuration:      100 * time.Second,
		InterestDueWindow: 30 * time.Second,
		MinValueUnit:      tenthEther(),
		InFlightTTL:       time.Minute,
	}, nil)
	if err != nil {
		t.Fatalf("construct coordinator: %v", err)
	}
	c.now = func() time.Time { return baseTime }
	return c
}

func activeLoanRecord(loanID int64) ledger.LoanRecord {
	return ledger.LoanRecord{
		ID:              big.NewInt(loanID),
		Collection:      collection,
		TokenID:         big.NewInt(12),
		Borrower:        borrower,
		AdvanceAmount:   ether(7),
		RepaymentAmount: new(big.Int).Add(ether(8), new(big.Int).Mul(big.NewInt(4), tenthEther())),
		InterestAccrued: big.NewInt(0),
		StartTime:       uint64(baseTime.Unix()),
		State:           ledger.LoanStateActive,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestBorrowComputesAmountsAndOpensLoan(t *testing.T) {
	fake := &fakeGateway{
		tokenFn: func(_ context.Context, _ common.Address, _ *big.Int) (common.Address, error) {
			return borrower, nil
		},
		finalityFn: func(_ context.Context, handle ledger.PendingHandle) (ledger.FinalResult, error) {
			return ledger.FinalResult{
				TxHash:      handle.TxHash,
				BlockNumber: 10,
				FinalizedAt: baseTime,
				LoanID:      big.NewInt(7),
			}, nil
		},
	}
	c := newTestCoordinator(t, fake)

	result, err := c.Borrow(context.Background(), collection, big.NewInt(12), borrower)
	if err != nil {
		t.Fatalf("borrow: %v", err)
	}
	// 70% of 10 ether advanced, 1.2x repayment.
	if result.Loan.AdvanceAmount.Cmp(ether(7)) != 0 {
		t.Fatalf("advance = %s, want %s", result.Loan.AdvanceAmount, ether(7))
	}
	wantRepayment := new(big.Int).Add(ether(8), new(big.Int).Mul(big.NewInt(4), tenthEther()))
	if result.Loan.RepaymentAmount.Cmp(wantRepayment) != 0 {
		t.Fatalf("repayment = %s, want %s", result.Loan.RepaymentAmount, wantRepayment)
	}
	if result.Loan.Status != StatusActive {
		t.Fatalf("status = %s, want active", result.Loan.Status)
	}
	if !result.Loan.StartTime.Equal(baseTime) {
		t.Fatalf("start time = %s, want finalization time %s", result.Loan.StartTime, baseTime)
	}
	if fake.submissionCount() != 1 {
		t.Fatalf("expected 1 submission, got %d", fake.submissionCount())
	}
	cached, ok := c.cachedLoan(big.NewInt(7))
	if !ok || cached.Status != StatusActive {
		t.Fatalf("projection not stored after finality: %+v ok=%v", cached, ok)
	}
}

func TestBorrowUnregisteredCollectionNotEligible(t *testing.T) {
	fake := &fakeGateway{}
	c := newTestCoordinator(t, fake)

	_, err := c.Borrow(context.Background(), stranger, big.NewInt(1), borrower)
	if !errors.Is(err, ErrNotEligible) {
		t.Fatalf("expected ErrNotEligible, got %v", err)
	}
	if fake.submissionCount() != 0 {
		t.Fatalf("ineligible borrow reached the ledger: %d submissions", fake.submissionCount())
	}
}

func TestBorrowByNonOwnerUnauthorized(t *testing.T) {
	fake := &fakeGateway{
		tokenFn: func(_ context.Context, _ common.Address, _ *big.Int) (common.Address, error) {
			return stranger, nil
		},
	}
	c := newTestCoordinator(t, fake)

	_, err := c.Borrow(context.Background(), collection, big.NewInt(12), borrower)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if fake.submissionCount() != 0 {
		t.Fatalf("unauthorized borrow reached the ledger: %d submissions", fake.submissionCount())
	}
}

func TestRepayConcurrentSecondCallerBusy(t *testing.T) {
	gate := make(chan struct{})
	started := make(chan struct{}, 1)
	fake := &fakeGateway{
		loanFn: func(_ context.Context, loanID *big.Int) (ledger.LoanRecord, error) {
			return activeLoanRecord(loanID.Int64()), nil
		},
		submitFn: func(_ context.Context, op ledger.Op) (ledger.PendingHandle, error) {
			started <- struct{}{}
			return ledger.PendingHandle{ID: "h", TxHash: common.HexToHash("0x01"), Kind: op.Kind}, nil
		},
		finalityFn: func(_ context.Context, handle ledger.PendingHandle) (ledger.FinalResult, error) {
			<-gate
			return ledger.FinalResult{TxHash: handle.TxHash, FinalizedAt: baseTime}, nil
		},
	}
	c := newTestCoordinator(t, fake)
	supplied := new(big.Int).Add(ether(8), new(big.Int).Mul(big.NewInt(4), tenthEther()))

	firstErr := make(chan error, 1)
	go func() {
		_, err := c.Repay(context.Background(), big.NewInt(5), borrower, supplied)
		firstErr <- err
	}()
	<-started

	_, err := c.Repay(context.Background(), big.NewInt(5), borrower, supplied)
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy for concurrent repay, got %v", err)
	}

	close(gate)
	if err := <-firstErr; err != nil {
		t.Fatalf("first repay failed: %v", err)
	}
	if fake.submissionCount() != 1 {
		t.Fatalf("expected exactly 1 ledger submission, got %d", fake.submissionCount())
	}
}

func TestTerminalLoanRejectsAllOperations(t *testing.T) {
	fake := &fakeGateway{
		loanFn: func(_ context.Context, loanID *big.Int) (ledger.LoanRecord, error) {
			record := activeLoanRecord(loanID.Int64())
			record.State = ledger.LoanStateRepaid
			return record, nil
		},
	}
	c := newTestCoordinator(t, fake)
	loanID := big.NewInt(5)

	if _, err := c.Repay(context.Background(), loanID, borrower, ether(9)); !errors.Is(err, ErrLoanClosed) {
		t.Fatalf("repay on terminal loan: expected ErrLoanClosed, got %v", err)
	}
	if _, err := c.PayInterest(context.Background(), loanID, borrower, ether(1)); !errors.Is(err, ErrLoanClosed) {
		t.Fatalf("pay interest on terminal loan: expected ErrLoanClosed, got %v", err)
	}
	if _, err := c.CheckDefault(context.Background(), loanID, borrower); !errors.Is(err, ErrLoanClosed) {
		t.Fatalf("check default on terminal loan: expected ErrLoanClosed, got %v", err)
	}
	if fake.submissionCount() != 0 {
		t.Fatalf("terminal loan operations reached the ledger: %d submissions", fake.submissionCount())
	}
}

func TestCheckDefaultTimeGate(t *testing.T) {
	fake := &fakeGateway{
		loanFn: func(_ context.Context, loanID *big.Int) (ledger.LoanRecord, error) {
			return activeLoanRecord(loanID.Int64()), nil
		},
	}
	c := newTestCoordinator(t, fake)
	loanID := big.NewInt(5)

	// Duration is 100s; at +50s the check must not touch the ledger.
	c.now = func() time.Time { return baseTime.Add(50 * time.Second) }
	result, err := c.CheckDefault(context.Background(), loanID, borrower)
	if err != nil {
		t.Fatalf("check default before expiry: %v", err)
	}
	if result.Submitted {
		t.Fatal("pre-expiry check reported a submission")
	}
	if fake.submissionCount() != 0 {
		t.Fatalf("pre-expiry check reached the ledger: %d submissions", fake.submissionCount())
	}
	if result.Loan.Status != StatusActive {
		t.Fatalf("pre-expiry check changed status to %s", result.Loan.Status)
	}

	// At +150s the window has elapsed: submit and transition.
	c.now = func() time.Time { return baseTime.Add(150 * time.Second) }
	result, err = c.CheckDefault(context.Background(), loanID, borrower)
	if err != nil {
		t.Fatalf("check default after expiry: %v", err)
	}
	if !result.Submitted {
		t.Fatal("post-expiry check did not submit")
	}
	if fake.submissionCount() != 1 {
		t.Fatalf("expected 1 submission, got %d", fake.submissionCount())
	}
	if result.Loan.Status != StatusDefaulted {
		t.Fatalf("status = %s, want defaulted", result.Loan.Status)
	}
}

func TestWithdrawByNonOwnerUnauthorized(t *testing.T) {
	fake := &fakeGateway{
		ownerFn: func(context.Context) (common.Address, error) {
			return stranger, nil
		},
	}
	c := newTestCoordinator(t, fake)

	_, err := c.Withdraw(context.Background(), borrower)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if fake.submissionCount() != 0 {
		t.Fatalf("unauthorized withdraw reached the ledger: %d submissions", fake.submissionCount())
	}
}

func TestWithdrawOwnershipReverifiedEachCall(t *testing.T) {
	current := borrower
	fake := &fakeGateway{
		ownerFn: func(context.Context) (common.Address, error) {
			return current, nil
		},
	}
	c := newTestCoordinator(t, fake)

	if _, err := c.Withdraw(context.Background(), borrower); err != nil {
		t.Fatalf("withdraw as owner: %v", err)
	}
	waitFor(t, "guard release", func() bool { return c.guard.size() == 0 })

	// Ownership moved between calls; a stale cached owner must not win.
	current = stranger
	if _, err := c.Withdraw(context.Background(), borrower); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized after ownership change, got %v", err)
	}
}

func TestUnreachableSubmitReleasesGuard(t *testing.T) {
	fake := &fakeGateway{
		loanFn: func(_ context.Context, loanID *big.Int) (ledger.LoanRecord, error) {
			return activeLoanRecord(loanID.Int64()), nil
		},
		submitFn: func(context.Context, ledger.Op) (ledger.PendingHandle, error) {
			return ledger.PendingHandle{}, ledger.ErrUnreachable
		},
	}
	c := newTestCoordinator(t, fake)
	supplied := ether(9)

	_, err := c.Repay(context.Background(), big.NewInt(5), borrower, supplied)
	if !errors.Is(err, ledger.ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}
	if c.guard.size() != 0 {
		t.Fatal("failed submit left a stuck in-flight guard")
	}
}

func TestFinalityTimeoutIsIndeterminate(t *testing.T) {
	fake := &fakeGateway{
		loanFn: func(_ context.Context, loanID *big.Int) (ledger.LoanRecord, error) {
			return activeLoanRecord(loanID.Int64()), nil
		},
		finalityFn: func(context.Context, ledger.PendingHandle) (ledger.FinalResult, error) {
			return ledger.FinalResult{}, ledger.ErrTimedOut
		},
	}
	c := newTestCoordinator(t, fake)

	_, err := c.Repay(context.Background(), big.NewInt(5), borrower, ether(9))
	if !errors.Is(err, ErrIndeterminate) {
		t.Fatalf("expected ErrIndeterminate, got %v", err)
	}
	waitFor(t, "guard release after timeout", func() bool { return c.guard.size() == 0 })
	// The projection must not have transitioned on an unresolved outcome.
	if cached, ok := c.cachedLoan(big.NewInt(5)); ok && cached.Status != StatusActive {
		t.Fatalf("indeterminate outcome mutated status to %s", cached.Status)
	}
}

func TestAbandonedCallerStillTrackedToOutcome(t *testing.T) {
	gate := make(chan struct{})
	submitted := make(chan struct{}, 1)
	fake := &fakeGateway{
		loanFn: func(_ context.Context, loanID *big.Int) (ledger.LoanRecord, error) {
			return activeLoanRecord(loanID.Int64()), nil
		},
		submitFn: func(_ context.Context, op ledger.Op) (ledger.PendingHandle, error) {
			submitted <- struct{}{}
			return ledger.PendingHandle{ID: "h", TxHash: common.HexToHash("0x01"), Kind: op.Kind}, nil
		},
		finalityFn: func(ctx context.Context, handle ledger.PendingHandle) (ledger.FinalResult, error) {
			select {
			case <-gate:
			case <-ctx.Done():
				return ledger.FinalResult{}, ctx.Err()
			}
			return ledger.FinalResult{TxHash: handle.TxHash, FinalizedAt: baseTime}, nil
		},
	}
	c := newTestCoordinator(t, fake)
	supplied := new(big.Int).Add(ether(8), new(big.Int).Mul(big.NewInt(4), tenthEther()))

	ctx, cancel := context.WithCancel(context.Background())
	repayErr := make(chan error, 1)
	go func() {
		_, err := c.Repay(ctx, big.NewInt(5), borrower, supplied)
		repayErr <- err
	}()
	<-submitted

	// The caller walks away mid-finality. The submitted operation cannot be
	// recalled, so the answer is indeterminate, not a silent drop.
	cancel()
	if err := <-repayErr; !errors.Is(err, ErrIndeterminate) {
		t.Fatalf("expected ErrIndeterminate for abandoned repay, got %v", err)
	}

	// Tracking continues detached: once the ledger finalizes, the projection
	// transitions and the guard is released.
	close(gate)
	waitFor(t, "detached tracking to finish", func() bool { return c.guard.size() == 0 })
	waitFor(t, "projection to settle", func() bool {
		cached, ok := c.cachedLoan(big.NewInt(5))
		return ok && cached.Status == StatusRepaid
	})
}

func TestRepaySuppliedBelowOutstandingRejectedLocally(t *testing.T) {
	fake := &fakeGateway{
		loanFn: func(_ context.Context, loanID *big.Int) (ledger.LoanRecord, error) {
			return activeLoanRecord(loanID.Int64()), nil
		},
	}
	c := newTestCoordinator(t, fake)

	_, err := c.Repay(context.Background(), big.NewInt(5), borrower, ether(1))
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if fake.submissionCount() != 0 {
		t.Fatalf("short repay reached the ledger: %d submissions", fake.submissionCount())
	}
}

func TestAffordabilityBlocksSubmission(t *testing.T) {
	fake := &fakeGateway{
		loanFn: func(_ context.Context, loanID *big.Int) (ledger.LoanRecord, error) {
			return activeLoanRecord(loanID.Int64()), nil
		},
		balanceFn: func(context.Context, common.Address) (*big.Int, error) {
			return big.NewInt(10), nil
		},
	}
	c := newTestCoordinator(t, fake)

	_, err := c.Repay(context.Background(), big.NewInt(5), borrower, ether(9))
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if fake.submissionCount() != 0 {
		t.Fatalf("unaffordable repay reached the ledger: %d submissions", fake.submissionCount())
	}
}

func TestCostCeilingEnforced(t *testing.T) {
	fake := &fakeGateway{
		loanFn: func(_ context.Context, loanID *big.Int) (ledger.LoanRecord, error) {
			return activeLoanRecord(loanID.Int64()), nil
		},
	}
	c := newTestCoordinator(t, fake)
	c.cfg.MaxOperationFee = big.NewInt(100) // default fake estimate is 21000

	_, err := c.Repay(context.Background(), big.NewInt(5), borrower, ether(9))
	if !errors.Is(err, ErrCostTooHigh) {
		t.Fatalf("expected ErrCostTooHigh, got %v", err)
	}
	if fake.submissionCount() != 0 {
		t.Fatalf("over-ceiling repay reached the ledger: %d submissions", fake.submissionCount())
	}
}

func TestLedgerRejectionSurfacedVerbatim(t *testing.T) {
	fake := &fakeGateway{
		loanFn: func(_ context.Context, loanID *big.Int) (ledger.LoanRecord, error) {
			return activeLoanRecord(loanID.Int64()), nil
		},
		finalityFn: func(context.Context, ledger.PendingHandle) (ledger.FinalResult, error) {
			return ledger.FinalResult{}, &ledger.RejectedError{Reason: "loan already settled"}
		},
	}
	c := newTestCoordinator(t, fake)

	_, err := c.Repay(context.Background(), big.NewInt(5), borrower, ether(9))
	var rejected *ledger.RejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("expected RejectedError, got %v", err)
	}
	if rejected.Reason != "loan already settled" {
		t.Fatalf("rejection reason %q not passed through", rejected.Reason)
	}
}

func TestPayInterestUpdatesMissedPaymentCounter(t *testing.T) {
	record := activeLoanRecord(5)
	record.LastInterestPaid = uint64(baseTime.Unix())
	fake := &fakeGateway{
		loanFn: func(context.Context, *big.Int) (ledger.LoanRecord, error) {
			return record, nil
		},
		finalityFn: func(_ context.Context, handle ledger.PendingHandle) (ledger.FinalResult, error) {
			return ledger.FinalResult{TxHash: handle.TxHash, FinalizedAt: baseTime.Add(10 * time.Second)}, nil
		},
	}
	c := newTestCoordinator(t, fake)

	// Payment lands within the 30s due window: counter resets.
	result, err := c.PayInterest(context.Background(), big.NewInt(5), borrower, ether(1))
	if err != nil {
		t.Fatalf("pay interest: %v", err)
	}
	if result.Loan.MissedPayments != 0 {
		t.Fatalf("missed payments = %d, want 0", result.Loan.MissedPayments)
	}
	if !result.Loan.LastInterestPaidTime.Equal(baseTime.Add(10 * time.Second)) {
		t.Fatalf("last interest paid = %s", result.Loan.LastInterestPaidTime)
	}
}

func TestApplyInterestPaymentPolicy(t *testing.T) {
	window := 30 * time.Second
	loan := Loan{
		StartTime:            baseTime,
		LastInterestPaidTime: baseTime,
		MissedPayments:       2,
		InterestAccrued:      big.NewInt(0),
	}

	// Within the window: reset.
	loan.applyInterestPayment(baseTime.Add(10*time.Second), window, big.NewInt(100))
	if loan.MissedPayments != 0 {
		t.Fatalf("missed payments after timely payment = %d, want 0", loan.MissedPayments)
	}
	if loan.InterestAccrued.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("interest accrued = %s, want 100", loan.InterestAccrued)
	}

	// Past the window: increment.
	loan.applyInterestPayment(loan.LastInterestPaidTime.Add(45*time.Second), window, big.NewInt(50))
	if loan.MissedPayments != 1 {
		t.Fatalf("missed payments after late payment = %d, want 1", loan.MissedPayments)
	}
	if loan.InterestAccrued.Cmp(big.NewInt(150)) != 0 {
		t.Fatalf("interest accrued = %s, want 150", loan.InterestAccrued)
	}
}

func TestCollateralOptionsAttachTerms(t *testing.T) {
	fake := &fakeGateway{
		assetsFn: func(_ context.Context, owner, coll common.Address) ([]ledger.Asset, error) {
			return []ledger.Asset{
				{Collection: coll, TokenID: big.NewInt(1), Owner: owner, TokenURI: "ipfs://1"},
				{Collection: coll, TokenID: big.NewInt(2), Owner: owner, TokenURI: "ipfs://2"},
			}, nil
		},
	}
	c := newTestCoordinator(t, fake)

	options, err := c.CollateralOptions(context.Background(), borrower)
	if err != nil {
		t.Fatalf("collateral options: %v", err)
	}
	if len(options) != 2 {
		t.Fatalf("expected 2 options, got %d", len(options))
	}
	for _, opt := range options {
		if opt.AdvanceAmount.Cmp(ether(7)) != 0 {
			t.Fatalf("option advance = %s, want %s", opt.AdvanceAmount, ether(7))
		}
		if opt.Terms.Name != "Bored Ape Yacht Club" {
			t.Fatalf("terms not attached: %+v", opt.Terms)
		}
	}
}

func TestLoansRefreshesProjections(t *testing.T) {
	state := ledger.LoanStateActive
	fake := &fakeGateway{
		tokenFn: func(context.Context, common.Address, *big.Int) (common.Address, error) {
			return borrower, nil
		},
		loanFn: func(_ context.Context, loanID *big.Int) (ledger.LoanRecord, error) {
			record := activeLoanRecord(loanID.Int64())
			record.State = state
			return record, nil
		},
		finalityFn: func(_ context.Context, handle ledger.PendingHandle) (ledger.FinalResult, error) {
			return ledger.FinalResult{TxHash: handle.TxHash, FinalizedAt: baseTime, LoanID: big.NewInt(5)}, nil
		},
	}
	c := newTestCoordinator(t, fake)

	if _, err := c.Borrow(context.Background(), collection, big.NewInt(12), borrower); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	loans, err := c.Loans(context.Background(), borrower)
	if err != nil {
		t.Fatalf("loans: %v", err)
	}
	if len(loans) != 1 || loans[0].Status != StatusActive {
		t.Fatalf("unexpected loans: %+v", loans)
	}

	// The ledger settles the loan out of band; the next read reflects it.
	state = ledger.LoanStateRepaid
	loans, err = c.Loans(context.Background(), borrower)
	if err != nil {
		t.Fatalf("loans after settle: %v", err)
	}
	if len(loans) != 1 || loans[0].Status != StatusRepaid {
		t.Fatalf("stale projection returned: %+v", loans)
	}
}
