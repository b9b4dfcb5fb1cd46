package coordinator

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"nftlend/ledger"
)

// fakeGateway is a programmable ledger.Gateway used by the coordinator tests.
// Every default is permissive: a zero-value fake estimates cheaply, reports a
// generous balance, submits instantly, and finalizes successfully.
type fakeGateway struct {
	mu          sync.Mutex
	submissions []ledger.Op

	estimateFn func(ctx context.Context, op ledger.Op) (ledger.CostEstimate, error)
	submitFn   func(ctx context.Context, op ledger.Op) (ledger.PendingHandle, error)
	finalityFn func(ctx context.Context, handle ledger.PendingHandle) (ledger.FinalResult, error)
	loanFn     func(ctx context.Context, loanID *big.Int) (ledger.LoanRecord, error)
	ownerFn    func(ctx context.Context) (common.Address, error)
	assetsFn   func(ctx context.Context, owner, collection common.Address) ([]ledger.Asset, error)
	tokenFn    func(ctx context.Context, collection common.Address, tokenID *big.Int) (common.Address, error)
	balanceFn  func(ctx context.Context, account common.Address) (*big.Int, error)
}

func (f *fakeGateway) submissionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submissions)
}

func (f *fakeGateway) EstimateCost(ctx context.Context, op ledger.Op) (ledger.CostEstimate, error) {
	if f.estimateFn != nil {
		return f.estimateFn(ctx, op)
	}
	return ledger.CostEstimate{GasLimit: 21_000, GasPrice: big.NewInt(1)}, nil
}

func (f *fakeGateway) Submit(ctx context.Context, op ledger.Op) (ledger.PendingHandle, error) {
	if f.submitFn != nil {
		handle, err := f.submitFn(ctx, op)
		if err == nil {
			f.mu.Lock()
			f.submissions = append(f.submissions, op)
			f.mu.Unlock()
		}
		return handle, err
	}
	f.mu.Lock()
	f.submissions = append(f.submissions, op)
	f.mu.Unlock()
	return ledger.PendingHandle{ID: "fake", TxHash: common.HexToHash("0xF00D"), Kind: op.Kind}, nil
}

func (f *fakeGateway) AwaitFinality(ctx context.Context, handle ledger.PendingHandle) (ledger.FinalResult, error) {
	if f.finalityFn != nil {
		return f.finalityFn(ctx, handle)
	}
	return ledger.FinalResult{TxHash: handle.TxHash, BlockNumber: 1}, nil
}

func (f *fakeGateway) LoanByID(ctx context.Context, loanID *big.Int) (ledger.LoanRecord, error) {
	if f.loanFn != nil {
		return f.loanFn(ctx, loanID)
	}
	return ledger.LoanRecord{}, ledger.ErrLoanNotFound
}

func (f *fakeGateway) ContractOwner(ctx context.Context) (common.Address, error) {
	if f.ownerFn != nil {
		return f.ownerFn(ctx)
	}
	return common.Address{}, nil
}

func (f *fakeGateway) AssetsOwnedBy(ctx context.Context, owner, collection common.Address) ([]ledger.Asset, error) {
	if f.assetsFn != nil {
		return f.assetsFn(ctx, owner, collection)
	}
	return nil, nil
}

func (f *fakeGateway) TokenOwner(ctx context.Context, collection common.Address, tokenID *big.Int) (common.Address, error) {
	if f.tokenFn != nil {
		return f.tokenFn(ctx, collection, tokenID)
	}
	return common.Address{}, nil
}

func (f *fakeGateway) BalanceOf(ctx context.Context, account common.Address) (*big.Int, error) {
	if f.balanceFn != nil {
		return f.balanceFn(ctx, account)
	}
	return new(big.Int).Lsh(big.NewInt(1), 128), nil
}
