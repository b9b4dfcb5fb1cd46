package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/google/uuid"
)

// Client is the subset of the Ethereum RPC surface the gateway depends on.
// *ethclient.Client satisfies it; tests substitute fakes.
type Client interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// Dial initialises an EVM RPC client for the provided endpoint.
func Dial(endpoint string) (*ethclient.Client, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("ledger: rpc endpoint required")
	}
	return ethclient.Dial(endpoint)
}

// Config carries the construction parameters for the EVM gateway. The signing
// credential and contract address arrive from configuration at process start;
// the gateway holds no module-load state.
type Config struct {
	Contract        common.Address
	ChainID         *big.Int
	SigningKey      *ecdsa.PrivateKey
	FinalityTimeout time.Duration
	PollInterval    time.Duration
	RetryAttempts   int
	RetryBaseDelay  time.Duration
}

const (
	defaultFinalityTimeout = 2 * time.Minute
	defaultPollInterval    = 3 * time.Second
	defaultRetryAttempts   = 3
	defaultRetryBaseDelay  = 500 * time.Millisecond
)

// EVMGateway implements Gateway against an Ethereum-compatible node.
type EVMGateway struct {
	client  Client
	cfg     Config
	sender  common.Address
	signer  gethtypes.Signer
	logger  *slog.Logger
	mu      sync.Mutex
	pending map[string]Op
}

// NewEVMGateway constructs a gateway bound to a single lending contract.
func NewEVMGateway(client Client, cfg Config, logger *slog.Logger) (*EVMGateway, error) {
	if client == nil {
		return nil, fmt.Errorf("ledger: client required")
	}
	if (cfg.Contract == common.Address{}) {
		return nil, fmt.Errorf("ledger: contract address required")
	}
	if cfg.SigningKey == nil {
		return nil, fmt.Errorf("ledger: signing key required")
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, fmt.Errorf("ledger: chain id required")
	}
	if cfg.FinalityTimeout <= 0 {
		cfg.FinalityTimeout = defaultFinalityTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = defaultRetryAttempts
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = defaultRetryBaseDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EVMGateway{
		client:  client,
		cfg:     cfg,
		sender:  gethcrypto.PubkeyToAddress(cfg.SigningKey.PublicKey),
		signer:  gethtypes.LatestSignerForChainID(cfg.ChainID),
		logger:  logger,
		pending: make(map[string]Op),
	}, nil
}

// Sender returns the address the gateway signs and submits from.
func (g *EVMGateway) Sender() common.Address {
	return g.sender
}

// withRetry runs fn with bounded exponential backoff. Only network-level
// failures reach here; business rejections surface via receipts.
func (g *EVMGateway) withRetry(ctx context.Context, label string, fn func() error) error {
	delay := g.cfg.RetryBaseDelay
	var lastErr error
	for attempt := 1; attempt <= g.cfg.RetryAttempts; attempt++ {
		if err := fn(); err == nil {
			return nil
		} else if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		} else {
			lastErr = err
		}
		if attempt == g.cfg.RetryAttempts {
			break
		}
		g.logger.Warn("ledger call failed, retrying", "call", label, "attempt", attempt, "error", lastErr)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return fmt.Errorf("%w: %s: %v", ErrUnreachable, label, lastErr)
}

func (g *EVMGateway) callMsg(op Op) (ethereum.CallMsg, error) {
	data, err := packOp(op)
	if err != nil {
		return ethereum.CallMsg{}, err
	}
	msg := ethereum.CallMsg{
		From:  op.From,
		To:    &g.cfg.Contract,
		Data:  data,
		Value: op.Value,
	}
	return msg, nil
}

// EstimateCost queries gas usage and price for the operation without
// committing it.
func (g *EVMGateway) EstimateCost(ctx context.Context, op Op) (CostEstimate, error) {
	msg, err := g.callMsg(op)
	if err != nil {
		return CostEstimate{}, err
	}
	var gas uint64
	if err := g.withRetry(ctx, "estimate_gas", func() error {
		var inner error
		gas, inner = g.client.EstimateGas(ctx, msg)
		return inner
	}); err != nil {
		return CostEstimate{}, err
	}
	var price *big.Int
	if err := g.withRetry(ctx, "suggest_gas_price", func() error {
		var inner error
		price, inner = g.client.SuggestGasPrice(ctx)
		return inner
	}); err != nil {
		return CostEstimate{}, err
	}
	return CostEstimate{GasLimit: gas, GasPrice: price}, nil
}

// Submit signs and broadcasts the operation. The returned handle tracks the
// transaction but does not imply success; rejections surface only through
// AwaitFinality.
func (g *EVMGateway) Submit(ctx context.Context, op Op) (PendingHandle, error) {
	data, err := packOp(op)
	if err != nil {
		return PendingHandle{}, err
	}
	estimate, err := g.EstimateCost(ctx, op)
	if err != nil {
		return PendingHandle{}, err
	}
	var nonce uint64
	if err := g.withRetry(ctx, "pending_nonce", func() error {
		var inner error
		nonce, inner = g.client.PendingNonceAt(ctx, g.sender)
		return inner
	}); err != nil {
		return PendingHandle{}, err
	}

	value := op.Value
	if value == nil {
		value = big.NewInt(0)
	}
	tx := gethtypes.NewTx(&gethtypes.LegacyTx{
		Nonce:    nonce,
		To:       &g.cfg.Contract,
		Value:    value,
		Gas:      estimate.GasLimit,
		GasPrice: estimate.GasPrice,
		Data:     data,
	})
	signed, err := gethtypes.SignTx(tx, g.signer, g.cfg.SigningKey)
	if err != nil {
		return PendingHandle{}, fmt.Errorf("ledger: sign transaction: %w", err)
	}
	if err := g.withRetry(ctx, "send_transaction", func() error {
		return g.client.SendTransaction(ctx, signed)
	}); err != nil {
		return PendingHandle{}, err
	}

	handle := PendingHandle{
		ID:     uuid.NewString(),
		TxHash: signed.Hash(),
		Kind:   op.Kind,
	}
	g.mu.Lock()
	g.pending[handle.ID] = op
	g.mu.Unlock()
	g.logger.Info("operation submitted", "kind", op.Kind, "tx", handle.TxHash.Hex(), "nonce", nonce)
	return handle, nil
}

// AwaitFinality polls for the operation's receipt until it resolves or the
// configured bound elapses. The wait suspends only the calling request.
func (g *EVMGateway) AwaitFinality(ctx context.Context, handle PendingHandle) (FinalResult, error) {
	deadline := time.NewTimer(g.cfg.FinalityTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(g.cfg.PollInterval)
	defer ticker.Stop()

	for {
		receipt, err := g.client.TransactionReceipt(ctx, handle.TxHash)
		switch {
		case err == nil && receipt != nil:
			return g.resolveReceipt(ctx, handle, receipt)
		case errors.Is(err, ethereum.NotFound):
			// Not mined yet, keep polling.
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			g.forgetPending(handle.ID)
			return FinalResult{}, err
		case err != nil:
			g.logger.Warn("receipt poll failed", "tx", handle.TxHash.Hex(), "error", err)
		}

		select {
		case <-ctx.Done():
			g.forgetPending(handle.ID)
			return FinalResult{}, ctx.Err()
		case <-deadline.C:
			g.forgetPending(handle.ID)
			return FinalResult{}, fmt.Errorf("%w: tx %s", ErrTimedOut, handle.TxHash.Hex())
		case <-ticker.C:
		}
	}
}

// forgetPending drops the replay info for a handle whose wait ended without a
// receipt. Every AwaitFinality exit clears its entry so an unresolved wait
// cannot grow the map forever.
func (g *EVMGateway) forgetPending(id string) {
	g.mu.Lock()
	delete(g.pending, id)
	g.mu.Unlock()
}

func (g *EVMGateway) resolveReceipt(ctx context.Context, handle PendingHandle, receipt *gethtypes.Receipt) (FinalResult, error) {
	g.mu.Lock()
	op, tracked := g.pending[handle.ID]
	delete(g.pending, handle.ID)
	g.mu.Unlock()

	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		reason := "execution reverted"
		if tracked {
			if decoded := g.revertReason(ctx, op, receipt.BlockNumber); decoded != "" {
				reason = decoded
			}
		}
		return FinalResult{}, &RejectedError{Reason: reason}
	}

	result := FinalResult{
		TxHash:      receipt.TxHash,
		BlockNumber: receipt.BlockNumber.Uint64(),
		FinalizedAt: time.Now().UTC(),
	}
	if header, err := g.client.HeaderByNumber(ctx, receipt.BlockNumber); err == nil && header != nil {
		result.FinalizedAt = time.Unix(int64(header.Time), 0).UTC()
	}
	if handle.Kind == OpBorrow {
		if loanID := decodeLoanCreated(receipt.Logs, g.cfg.Contract); loanID != nil {
			result.LoanID = loanID
		}
	}
	return result, nil
}

// revertReason replays the failed call at its inclusion block to recover the
// contract's revert string. Best effort: an empty string means undecodable.
func (g *EVMGateway) revertReason(ctx context.Context, op Op, block *big.Int) string {
	msg, err := g.callMsg(op)
	if err != nil {
		return ""
	}
	data, callErr := g.client.CallContract(ctx, msg, block)
	if callErr != nil {
		return callErr.Error()
	}
	if reason, unpackErr := abi.UnpackRevert(data); unpackErr == nil {
		return reason
	}
	return ""
}

func decodeLoanCreated(logs []*gethtypes.Log, contract common.Address) *big.Int {
	for _, entry := range logs {
		if entry == nil || entry.Address != contract {
			continue
		}
		if len(entry.Topics) < 2 || entry.Topics[0] != loanCreatedTopic {
			continue
		}
		return new(big.Int).SetBytes(entry.Topics[1].Bytes())
	}
	return nil
}

// LoanByID reads the on-ledger loan record. A record with a zero borrower is
// treated as absent.
func (g *EVMGateway) LoanByID(ctx context.Context, loanID *big.Int) (LoanRecord, error) {
	if loanID == nil {
		return LoanRecord{}, ErrLoanNotFound
	}
	data, err := lendingABI.Pack("loans", loanID)
	if err != nil {
		return LoanRecord{}, fmt.Errorf("ledger: pack loans call: %w", err)
	}
	var raw []byte
	if err := g.withRetry(ctx, "read_loan", func() error {
		var inner error
		raw, inner = g.client.CallContract(ctx, ethereum.CallMsg{To: &g.cfg.Contract, Data: data}, nil)
		return inner
	}); err != nil {
		return LoanRecord{}, err
	}
	record, err := unpackLoan(loanID, raw)
	if err != nil {
		return LoanRecord{}, err
	}
	if (record.Borrower == common.Address{}) {
		return LoanRecord{}, ErrLoanNotFound
	}
	return record, nil
}

// ContractOwner reads the lending contract's current owner. Never cached:
// ownership can change between calls.
func (g *EVMGateway) ContractOwner(ctx context.Context) (common.Address, error) {
	data, err := lendingABI.Pack("owner")
	if err != nil {
		return common.Address{}, fmt.Errorf("ledger: pack owner call: %w", err)
	}
	var raw []byte
	if err := g.withRetry(ctx, "read_owner", func() error {
		var inner error
		raw, inner = g.client.CallContract(ctx, ethereum.CallMsg{To: &g.cfg.Contract, Data: data}, nil)
		return inner
	}); err != nil {
		return common.Address{}, err
	}
	values, err := lendingABI.Methods["owner"].Outputs.Unpack(raw)
	if err != nil {
		return common.Address{}, fmt.Errorf("ledger: unpack owner: %w", err)
	}
	owner, ok := values[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("ledger: unpack owner: unexpected type")
	}
	return owner, nil
}

// BalanceOf reads the native balance of an account at the latest block.
func (g *EVMGateway) BalanceOf(ctx context.Context, account common.Address) (*big.Int, error) {
	var balance *big.Int
	if err := g.withRetry(ctx, "read_balance", func() error {
		var inner error
		balance, inner = g.client.BalanceAt(ctx, account, nil)
		return inner
	}); err != nil {
		return nil, err
	}
	return balance, nil
}
