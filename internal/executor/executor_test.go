package executor

import (
	"context"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"github.com/tradewell/escrowd/internal/chains"
	"github.com/tradewell/escrowd/internal/wallet"
)

var (
	testToken   = common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913")
	testOwner   = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testSpender = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

type mockReader struct {
	nativeBalance *big.Int
	balance       *big.Int
	allowance     *big.Int
	callErr       error
	balanceErr    error

	balanceCalls   int
	allowanceCalls int
}

func (m *mockReader) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	if m.balanceErr != nil {
		return nil, m.balanceErr
	}
	return m.nativeBalance, nil
}

func (m *mockReader) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if m.callErr != nil {
		return nil, m.callErr
	}
	selector := hex.EncodeToString(call.Data[:4])
	switch selector {
	case "70a08231": // balanceOf
		m.balanceCalls++
		return common.LeftPadBytes(m.balance.Bytes(), 32), nil
	case "dd62ed3e": // allowance
		m.allowanceCalls++
		return common.LeftPadBytes(m.allowance.Bytes(), 32), nil
	}
	return nil, errors.New("unexpected call")
}

type mockSubmitter struct {
	submitted [][]byte
	submitErr error
	waitErr   error
}

func (m *mockSubmitter) Address() common.Address { return testOwner }

func (m *mockSubmitter) Submit(ctx context.Context, to common.Address, value *big.Int, data []byte) (string, error) {
	if m.submitErr != nil {
		return "", m.submitErr
	}
	m.submitted = append(m.submitted, data)
	return "0xabc123", nil
}

func (m *mockSubmitter) WaitForConfirmation(ctx context.Context, txHash string, timeout time.Duration) (*wallet.Receipt, error) {
	if m.waitErr != nil {
		return nil, m.waitErr
	}
	return &wallet.Receipt{TxHash: txHash}, nil
}

func newTestExecutor(t *testing.T, reader *mockReader, sub *mockSubmitter) *Executor {
	t.Helper()
	e, err := New(reader, sub, slog.New(slog.NewTextHandler(io.Discard, nil)), WithConfirmTimeout(time.Second))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func TestValidateTokenSufficient(t *testing.T) {
	reader := &mockReader{balance: big.NewInt(1000), allowance: big.NewInt(1000)}
	e := newTestExecutor(t, reader, &mockSubmitter{})

	check, err := e.ValidateBalanceAndAllowance(context.Background(), testToken, testOwner, testSpender, big.NewInt(500))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !check.Valid || check.NeedsApproval {
		t.Errorf("expected valid without approval, got %+v", check)
	}
}

func TestValidateInsufficientBalanceSkipsAllowance(t *testing.T) {
	reader := &mockReader{balance: big.NewInt(100), allowance: big.NewInt(0)}
	e := newTestExecutor(t, reader, &mockSubmitter{})

	check, err := e.ValidateBalanceAndAllowance(context.Background(), testToken, testOwner, testSpender, big.NewInt(500))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if check.Valid || check.NeedsApproval {
		t.Errorf("expected invalid without approval flag, got %+v", check)
	}
	if check.Reason != ReasonInsufficientBalance {
		t.Errorf("reason = %q, want %q", check.Reason, ReasonInsufficientBalance)
	}
	if reader.allowanceCalls != 0 {
		t.Errorf("allowance read despite balance shortfall")
	}
}

func TestValidateNeedsApproval(t *testing.T) {
	reader := &mockReader{balance: big.NewInt(1000), allowance: big.NewInt(100)}
	e := newTestExecutor(t, reader, &mockSubmitter{})

	check, err := e.ValidateBalanceAndAllowance(context.Background(), testToken, testOwner, testSpender, big.NewInt(500))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if check.Valid {
		t.Errorf("expected invalid, got %+v", check)
	}
	if !check.NeedsApproval {
		t.Errorf("expected NeedsApproval")
	}
	if check.Reason != ReasonInsufficientAllowance {
		t.Errorf("reason = %q, want %q", check.Reason, ReasonInsufficientAllowance)
	}
}

func TestValidateNativeIgnoresAllowance(t *testing.T) {
	reader := &mockReader{nativeBalance: big.NewInt(1000)}
	e := newTestExecutor(t, reader, &mockSubmitter{})

	check, err := e.ValidateBalanceAndAllowance(context.Background(), chains.NativeSentinel, testOwner, testSpender, big.NewInt(500))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !check.Valid {
		t.Errorf("expected valid, got %+v", check)
	}
	if reader.allowanceCalls != 0 || reader.balanceCalls != 0 {
		t.Errorf("token reads issued for native asset")
	}
}

func TestValidateNativeInsufficient(t *testing.T) {
	reader := &mockReader{nativeBalance: big.NewInt(10)}
	e := newTestExecutor(t, reader, &mockSubmitter{})

	check, err := e.ValidateBalanceAndAllowance(context.Background(), chains.NativeSentinel, testOwner, testSpender, big.NewInt(500))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if check.Valid || check.NeedsApproval {
		t.Errorf("expected plain balance failure, got %+v", check)
	}
	if check.Reason != ReasonInsufficientBalance {
		t.Errorf("reason = %q, want %q", check.Reason, ReasonInsufficientBalance)
	}
}

func TestValidateZeroRequired(t *testing.T) {
	e := newTestExecutor(t, &mockReader{}, &mockSubmitter{})

	check, err := e.ValidateBalanceAndAllowance(context.Background(), testToken, testOwner, testSpender, big.NewInt(0))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !check.Valid {
		t.Errorf("zero requirement should validate, got %+v", check)
	}
}

func TestValidateReadError(t *testing.T) {
	reader := &mockReader{callErr: errors.New("rpc down")}
	e := newTestExecutor(t, reader, &mockSubmitter{})

	if _, err := e.ValidateBalanceAndAllowance(context.Background(), testToken, testOwner, testSpender, big.NewInt(1)); err == nil {
		t.Fatal("expected error")
	}
}

func TestApproveSubmitsAndWaits(t *testing.T) {
	sub := &mockSubmitter{}
	e := newTestExecutor(t, &mockReader{}, sub)

	if err := e.Approve(context.Background(), testToken, testSpender, big.NewInt(500)); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if len(sub.submitted) != 1 {
		t.Fatalf("submitted %d transactions, want 1", len(sub.submitted))
	}
	if got := hex.EncodeToString(sub.submitted[0][:4]); got != "095ea7b3" {
		t.Errorf("selector = %s, want approve", got)
	}
}

func TestApproveNativeNoop(t *testing.T) {
	sub := &mockSubmitter{}
	e := newTestExecutor(t, &mockReader{}, sub)

	if err := e.Approve(context.Background(), chains.NativeSentinel, testSpender, big.NewInt(500)); err != nil {
		t.Fatalf("approve native: %v", err)
	}
	if len(sub.submitted) != 0 {
		t.Errorf("native approval should not submit, got %d", len(sub.submitted))
	}
}

func TestApproveConfirmationFailure(t *testing.T) {
	sub := &mockSubmitter{waitErr: errors.New("reverted")}
	e := newTestExecutor(t, &mockReader{}, sub)

	err := e.Approve(context.Background(), testToken, testSpender, big.NewInt(500))
	if !errors.Is(err, ErrApproveFailed) {
		t.Errorf("err = %v, want ErrApproveFailed", err)
	}
}
