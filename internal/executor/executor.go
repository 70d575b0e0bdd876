// Package executor validates balances and allowances and performs ERC-20
// approval ahead of value-moving escrow calls.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/tradewell/escrowd/internal/chains"
	"github.com/tradewell/escrowd/internal/wallet"
)

var ErrApproveFailed = errors.New("executor: approval transaction failed")

// Shortfall reasons surfaced to callers. The two cases are distinct on
// purpose: a balance failure needs a top-up, an allowance failure needs
// only an approval.
const (
	ReasonInsufficientBalance   = "insufficient balance"
	ReasonInsufficientAllowance = "insufficient allowance"
)

// ERC20 minimal ABI for balance, allowance, and approval.
const erc20ABI = `[
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"name":"allowance","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"spender","type":"address"},{"name":"value","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"type":"function"}
]`

// DefaultConfirmTimeout bounds the wait for the approval receipt.
const DefaultConfirmTimeout = 90 * time.Second

// ChainReader is the read-only client slice used for balance and
// allowance queries.
type ChainReader interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// Check is the outcome of a pre-flight balance/allowance validation.
type Check struct {
	Valid         bool   `json:"valid"`
	NeedsApproval bool   `json:"needsApproval"`
	Reason        string `json:"error,omitempty"`
}

// Executor performs pre-flight validation and approvals for one connection.
type Executor struct {
	reader         ChainReader
	submitter      wallet.Submitter
	erc20          abi.ABI
	confirmTimeout time.Duration
	logger         *slog.Logger
}

// Option configures the executor.
type Option func(*Executor)

// WithConfirmTimeout overrides the approval confirmation wait bound.
func WithConfirmTimeout(d time.Duration) Option {
	return func(e *Executor) {
		e.confirmTimeout = d
	}
}

// New creates an executor over a chain reader and a transaction submitter.
func New(reader ChainReader, submitter wallet.Submitter, logger *slog.Logger, opts ...Option) (*Executor, error) {
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("executor: parse ERC20 ABI: %w", err)
	}
	e := &Executor{
		reader:         reader,
		submitter:      submitter,
		erc20:          parsed,
		confirmTimeout: DefaultConfirmTimeout,
		logger:         logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// ValidateBalanceAndAllowance checks whether owner can move requiredAmount
// of token to spender.
//
// Native asset: allowance is always sufficient; only the balance is checked.
// Fungible token: balance is checked first, and an insufficient balance
// returns immediately without an allowance read; otherwise an insufficient
// allowance returns NeedsApproval=true.
func (e *Executor) ValidateBalanceAndAllowance(ctx context.Context, token, owner, spender common.Address, required *big.Int) (Check, error) {
	if required == nil || required.Sign() <= 0 {
		return Check{Valid: true}, nil
	}

	if token == chains.NativeSentinel {
		balance, err := e.reader.BalanceAt(ctx, owner, nil)
		if err != nil {
			return Check{}, fmt.Errorf("executor: read native balance: %w", err)
		}
		if balance.Cmp(required) < 0 {
			return Check{Reason: ReasonInsufficientBalance}, nil
		}
		return Check{Valid: true}, nil
	}

	balance, err := e.balanceOf(ctx, token, owner)
	if err != nil {
		return Check{}, fmt.Errorf("executor: read token balance: %w", err)
	}
	if balance.Cmp(required) < 0 {
		return Check{Reason: ReasonInsufficientBalance}, nil
	}

	allowance, err := e.allowance(ctx, token, owner, spender)
	if err != nil {
		return Check{}, fmt.Errorf("executor: read allowance: %w", err)
	}
	if allowance.Cmp(required) < 0 {
		return Check{NeedsApproval: true, Reason: ReasonInsufficientAllowance}, nil
	}

	return Check{Valid: true}, nil
}

// Approve submits an ERC-20 allowance transaction for spender and waits for
// one confirmation. It is a no-op for the native asset.
func (e *Executor) Approve(ctx context.Context, token, spender common.Address, amount *big.Int) error {
	if token == chains.NativeSentinel {
		return nil
	}

	data, err := e.erc20.Pack("approve", spender, amount)
	if err != nil {
		return fmt.Errorf("executor: pack approve: %w", err)
	}

	txHash, err := e.submitter.Submit(ctx, token, nil, data)
	if err != nil {
		return fmt.Errorf("executor: submit approve: %w", err)
	}

	e.logger.Info("approval submitted",
		"token", token.Hex(),
		"spender", spender.Hex(),
		"tx", txHash,
	)

	if _, err := e.submitter.WaitForConfirmation(ctx, txHash, e.confirmTimeout); err != nil {
		return fmt.Errorf("%w: %v", ErrApproveFailed, err)
	}
	return nil
}

func (e *Executor) balanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	return e.readUint(ctx, token, "balanceOf", owner)
}

func (e *Executor) allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	return e.readUint(ctx, token, "allowance", owner, spender)
}

func (e *Executor) readUint(ctx context.Context, token common.Address, method string, args ...interface{}) (*big.Int, error) {
	data, err := e.erc20.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	out, err := e.reader.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(out), nil
}
