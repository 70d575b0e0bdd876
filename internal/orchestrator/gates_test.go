package orchestrator

import (
	"errors"
	"testing"
	"time"

	"github.com/tradewell/escrowd/internal/bindings"
	"github.com/tradewell/escrowd/internal/errclass"
	"github.com/tradewell/escrowd/internal/roles"
	"github.com/tradewell/escrowd/internal/tokenconfig"
	"github.com/tradewell/escrowd/internal/trade"
)

func gateTrade(status trade.Status) *trade.Trade {
	taken := time.Now().Add(-time.Minute)
	return &trade.Trade{
		ID:      "trd_gate",
		Status:  status,
		TakenAt: &taken,
	}
}

func gateOf(t *testing.T, err error) *GateError {
	t.Helper()
	if err == nil {
		t.Fatal("expected a gate error, got nil")
	}
	var gateErr *GateError
	if !errors.As(err, &gateErr) {
		t.Fatalf("expected *GateError, got %T: %v", err, err)
	}
	return gateErr
}

func TestCheckGates_PreconditionBeforeRole(t *testing.T) {
	// Wrong status and wrong role at once: the precondition must be the
	// gate that reports.
	err := checkGates(opSpecs[OpFund], gateTrade(trade.StatusCompleted), nil,
		tokenconfig.TokenConfig{}, roles.Capabilities{}, time.Now())

	gateErr := gateOf(t, err)
	if gateErr.Gate != "precondition" {
		t.Errorf("expected precondition gate, got %s", gateErr.Gate)
	}
}

func TestCheckGates_RoleGate(t *testing.T) {
	err := checkGates(opSpecs[OpFund], gateTrade(trade.StatusPending), nil,
		tokenconfig.TokenConfig{}, roles.Capabilities{Buyer: true}, time.Now())

	gateErr := gateOf(t, err)
	if gateErr.Gate != "role" {
		t.Errorf("expected role gate, got %s", gateErr.Gate)
	}
}

func TestCheckGates_ZeroWindowSkipsDeadline(t *testing.T) {
	taken := time.Now().Add(-1000 * time.Hour)
	rec := gateTrade(trade.StatusPending)
	rec.TakenAt = &taken

	err := checkGates(opSpecs[OpFund], rec, nil,
		tokenconfig.TokenConfig{}, roles.Capabilities{Seller: true}, time.Now())
	if err != nil {
		t.Errorf("zero window must never block: %v", err)
	}
}

func TestCheckGates_MissingAnchorSkipsDeadline(t *testing.T) {
	// Funded on chain but FundedAt unknown: confirmation has no anchor.
	rec := gateTrade(trade.StatusFunded)
	rec.PaymentEvidence = "pi_abc"
	st := &bindings.EscrowState{Status: codeFunded}
	cfg := tokenconfig.TokenConfig{BuyerConfirmWindow: time.Hour}

	err := checkGates(opSpecs[OpConfirmPayment], rec, st, cfg,
		roles.Capabilities{Buyer: true}, time.Now())
	if err != nil {
		t.Errorf("missing anchor must never block: %v", err)
	}
}

func TestCheckGates_ExpiredFundWindow(t *testing.T) {
	taken := time.Now().Add(-2 * time.Hour)
	rec := gateTrade(trade.StatusPending)
	rec.TakenAt = &taken
	cfg := tokenconfig.TokenConfig{SellerFundWindow: time.Hour}

	err := checkGates(opSpecs[OpFund], rec, nil, cfg,
		roles.Capabilities{Seller: true}, time.Now())

	gateErr := gateOf(t, err)
	if gateErr.Gate != "deadline" {
		t.Errorf("expected deadline gate, got %s", gateErr.Gate)
	}
	if gateErr.BondAtRisk != RiskSellerAdBond {
		t.Errorf("expected seller ad bond at risk, got %q", gateErr.BondAtRisk)
	}
}

func TestCheckGates_ExpiredConfirmWindowNamesBuyerBond(t *testing.T) {
	rec := gateTrade(trade.StatusFunded)
	rec.PaymentEvidence = "pi_abc"
	st := &bindings.EscrowState{Status: codeFunded, FundedAt: time.Now().Add(-3 * time.Hour)}
	cfg := tokenconfig.TokenConfig{BuyerConfirmWindow: time.Hour}

	err := checkGates(opSpecs[OpConfirmPayment], rec, st, cfg,
		roles.Capabilities{Buyer: true}, time.Now())

	gateErr := gateOf(t, err)
	if gateErr.Gate != "deadline" {
		t.Errorf("expected deadline gate, got %s", gateErr.Gate)
	}
	if gateErr.BondAtRisk != RiskBuyerDisputeBond {
		t.Errorf("expected buyer dispute bond at risk, got %q", gateErr.BondAtRisk)
	}
}

func TestCheckGates_EvidenceRequiredForConfirm(t *testing.T) {
	rec := gateTrade(trade.StatusFunded)
	st := &bindings.EscrowState{Status: codeFunded, FundedAt: time.Now()}
	cfg := tokenconfig.TokenConfig{BuyerConfirmWindow: time.Hour}

	err := checkGates(opSpecs[OpConfirmPayment], rec, st, cfg,
		roles.Capabilities{Buyer: true}, time.Now())

	gateErr := gateOf(t, err)
	if gateErr.Gate != "evidence" {
		t.Errorf("expected evidence gate, got %s", gateErr.Gate)
	}
}

func TestCheckGates_DisputeFromPendingRejected(t *testing.T) {
	err := checkGates(opSpecs[OpDispute], gateTrade(trade.StatusPending), nil,
		tokenconfig.TokenConfig{}, roles.Capabilities{Buyer: true}, time.Now())

	gateErr := gateOf(t, err)
	if gateErr.Gate != "precondition" {
		t.Errorf("expected precondition gate, got %s", gateErr.Gate)
	}
}

func TestCheckGates_DisputeFromEitherActiveStatus(t *testing.T) {
	for _, status := range []trade.Status{trade.StatusFunded, trade.StatusInProgress} {
		err := checkGates(opSpecs[OpDispute], gateTrade(status), nil,
			tokenconfig.TokenConfig{}, roles.Capabilities{Seller: true}, time.Now())
		if err != nil {
			t.Errorf("dispute from %s should pass: %v", status, err)
		}
	}
}

func TestCheckGates_ResolveRequiresArbiter(t *testing.T) {
	err := checkGates(opSpecs[OpResolveDispute], gateTrade(trade.StatusDisputed), nil,
		tokenconfig.TokenConfig{}, roles.Capabilities{Seller: true, Buyer: true}, time.Now())

	gateErr := gateOf(t, err)
	if gateErr.Gate != "role" {
		t.Errorf("expected role gate, got %s", gateErr.Gate)
	}
}

func TestGateError_ClassifiesAsValidation(t *testing.T) {
	err := checkGates(opSpecs[OpFund], gateTrade(trade.StatusCompleted), nil,
		tokenconfig.TokenConfig{}, roles.Capabilities{Seller: true}, time.Now())

	if !errors.Is(err, errclass.ErrValidation) {
		t.Error("gate errors must unwrap to the validation sentinel")
	}
}

func TestDeadlineRisk_PendingStep(t *testing.T) {
	taken := time.Now().Add(-30 * time.Minute)
	rec := gateTrade(trade.StatusPending)
	rec.TakenAt = &taken
	cfg := tokenconfig.TokenConfig{SellerFundWindow: time.Hour}

	d := deadlineRisk(trade.StatusPending, rec, nil, cfg, time.Now())
	if d == nil {
		t.Fatal("expected deadline risk for pending trade")
	}
	if d.Operation != OpFund || d.Expired {
		t.Errorf("unexpected risk: %+v", d)
	}
	if d.Risk != RiskSellerAdBond {
		t.Errorf("expected seller ad bond risk, got %q", d.Risk)
	}
}

func TestDeadlineRisk_Expired(t *testing.T) {
	st := &bindings.EscrowState{Status: codePaymentConfirmed, PaymentConfirmedAt: time.Now().Add(-5 * time.Hour)}
	cfg := tokenconfig.TokenConfig{SellerReleaseWindow: time.Hour}

	d := deadlineRisk(trade.StatusInProgress, gateTrade(trade.StatusInProgress), st, cfg, time.Now())
	if d == nil {
		t.Fatal("expected deadline risk")
	}
	if !d.Expired {
		t.Error("expected expired deadline")
	}
	if d.Risk != RiskSellerMissRelease {
		t.Errorf("expected release risk, got %q", d.Risk)
	}
}

func TestDeadlineRisk_NilWhenUnknowable(t *testing.T) {
	if d := deadlineRisk(trade.StatusCompleted, gateTrade(trade.StatusCompleted), nil, tokenconfig.TokenConfig{}, time.Now()); d != nil {
		t.Errorf("terminal status should carry no risk, got %+v", d)
	}
	// Funded but no on-chain FundedAt anchor.
	if d := deadlineRisk(trade.StatusFunded, gateTrade(trade.StatusFunded), nil, tokenconfig.TokenConfig{BuyerConfirmWindow: time.Hour}, time.Now()); d != nil {
		t.Errorf("missing anchor should yield nil, got %+v", d)
	}
}
