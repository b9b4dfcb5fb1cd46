package ledger

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// ABI fragments for the lending contract and the ERC-721 views the gateway
// reads during collateral enumeration.
const lendingABIJSON = `[
	{"type":"function","name":"collateralizeNFT","stateMutability":"nonpayable","inputs":[{"name":"nftAddress","type":"address"},{"name":"tokenId","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"repayLoan","stateMutability":"payable","inputs":[{"name":"loanId","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"payInterest","stateMutability":"payable","inputs":[{"name":"loanId","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"checkDefault","stateMutability":"nonpayable","inputs":[{"name":"loanId","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"withdraw","stateMutability":"nonpayable","inputs":[],"outputs":[]},
	{"type":"function","name":"owner","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"loans","stateMutability":"view","inputs":[{"name":"loanId","type":"uint256"}],"outputs":[
		{"name":"nftAddress","type":"address"},
		{"name":"tokenId","type":"uint256"},
		{"name":"borrower","type":"address"},
		{"name":"loanAmount","type":"uint256"},
		{"name":"repaymentAmount","type":"uint256"},
		{"name":"interestAccrued","type":"uint256"},
		{"name":"startTime","type":"uint256"},
		{"name":"lastInterestPaid","type":"uint256"},
		{"name":"missedPayments","type":"uint256"},
		{"name":"state","type":"uint8"}]},
	{"type":"event","name":"LoanCreated","inputs":[
		{"name":"loanId","type":"uint256","indexed":true},
		{"name":"borrower","type":"address","indexed":true},
		{"name":"loanAmount","type":"uint256","indexed":false}]}
]`

const erc721ABIJSON = `[
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"ownerOf","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"tokenOfOwnerByIndex","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"index","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"tokenURI","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"","type":"string"}]}
]`

var (
	lendingABI = mustParseABI(lendingABIJSON)
	erc721ABI  = mustParseABI(erc721ABIJSON)

	loanCreatedTopic = lendingABI.Events["LoanCreated"].ID
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("ledger: parse abi: %v", err))
	}
	return parsed
}

// packOp encodes the calldata for a state-changing operation.
func packOp(op Op) ([]byte, error) {
	switch op.Kind {
	case OpBorrow:
		if op.TokenID == nil {
			return nil, fmt.Errorf("ledger: borrow requires a token id")
		}
		return lendingABI.Pack("collateralizeNFT", op.Collection, op.TokenID)
	case OpRepay:
		if op.LoanID == nil {
			return nil, fmt.Errorf("ledger: repay requires a loan id")
		}
		return lendingABI.Pack("repayLoan", op.LoanID)
	case OpPayInterest:
		if op.LoanID == nil {
			return nil, fmt.Errorf("ledger: pay interest requires a loan id")
		}
		return lendingABI.Pack("payInterest", op.LoanID)
	case OpCheckDefault:
		if op.LoanID == nil {
			return nil, fmt.Errorf("ledger: check default requires a loan id")
		}
		return lendingABI.Pack("checkDefault", op.LoanID)
	case OpWithdraw:
		return lendingABI.Pack("withdraw")
	default:
		return nil, fmt.Errorf("ledger: unknown operation kind %q", op.Kind)
	}
}

// unpackLoan decodes the tuple returned by the contract's loans() accessor.
func unpackLoan(loanID *big.Int, data []byte) (LoanRecord, error) {
	values, err := lendingABI.Methods["loans"].Outputs.Unpack(data)
	if err != nil {
		return LoanRecord{}, fmt.Errorf("ledger: unpack loan: %w", err)
	}
	if len(values) != 10 {
		return LoanRecord{}, fmt.Errorf("ledger: unpack loan: expected 10 fields, got %d", len(values))
	}
	record := LoanRecord{ID: new(big.Int).Set(loanID)}
	var ok bool
	if record.Collection, ok = values[0].(common.Address); !ok {
		return LoanRecord{}, fmt.Errorf("ledger: unpack loan: bad collection field")
	}
	if record.TokenID, ok = values[1].(*big.Int); !ok {
		return LoanRecord{}, fmt.Errorf("ledger: unpack loan: bad token id field")
	}
	if record.Borrower, ok = values[2].(common.Address); !ok {
		return LoanRecord{}, fmt.Errorf("ledger: unpack loan: bad borrower field")
	}
	if record.AdvanceAmount, ok = values[3].(*big.Int); !ok {
		return LoanRecord{}, fmt.Errorf("ledger: unpack loan: bad advance field")
	}
	if record.RepaymentAmount, ok = values[4].(*big.Int); !ok {
		return LoanRecord{}, fmt.Errorf("ledger: unpack loan: bad repayment field")
	}
	if record.InterestAccrued, ok = values[5].(*big.Int); !ok {
		return LoanRecord{}, fmt.Errorf("ledger: unpack loan: bad interest field")
	}
	start, ok := values[6].(*big.Int)
	if !ok {
		return LoanRecord{}, fmt.Errorf("ledger: unpack loan: bad start time field")
	}
	record.StartTime = start.Uint64()
	lastPaid, ok := values[7].(*big.Int)
	if !ok {
		return LoanRecord{}, fmt.Errorf("ledger: unpack loan: bad last interest paid field")
	}
	record.LastInterestPaid = lastPaid.Uint64()
	missed, ok := values[8].(*big.Int)
	if !ok {
		return LoanRecord{}, fmt.Errorf("ledger: unpack loan: bad missed payments field")
	}
	record.MissedPayments = missed.Uint64()
	state, ok := values[9].(uint8)
	if !ok {
		return LoanRecord{}, fmt.Errorf("ledger: unpack loan: bad state field")
	}
	record.State = LoanState(state)
	return record, nil
}
