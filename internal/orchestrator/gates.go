package orchestrator

import (
	"fmt"
	"time"

	"github.com/tradewell/escrowd/internal/bindings"
	"github.com/tradewell/escrowd/internal/errclass"
	"github.com/tradewell/escrowd/internal/roles"
	"github.com/tradewell/escrowd/internal/tokenconfig"
	"github.com/tradewell/escrowd/internal/trade"
)

// Operation names the lifecycle transitions.
type Operation string

const (
	OpFund           Operation = "fund"
	OpConfirmPayment Operation = "confirm_payment"
	OpRelease        Operation = "release"
	OpDispute        Operation = "dispute"
	OpResolveDispute Operation = "resolve_dispute"
)

// Bond-at-risk descriptions surfaced on deadline expiry. Expiry never
// transitions state by itself; it only blocks the next forward action.
const (
	RiskSellerAdBond      = "seller ad bond at risk: funding window expired"
	RiskBuyerDisputeBond  = "buyer dispute bond at risk: confirmation window expired"
	RiskSellerMissRelease = "release window expired: buyer may escalate to dispute"
)

// GateError reports which gate failed and why. It classifies as a
// validation failure: no chain call was attempted.
type GateError struct {
	Op         Operation `json:"op"`
	Gate       string    `json:"gate"` // precondition, role, deadline, evidence, config
	Reason     string    `json:"reason"`
	BondAtRisk string    `json:"bondAtRisk,omitempty"`
}

func (e *GateError) Error() string { return fmt.Sprintf("%s: %s gate: %s", e.Op, e.Gate, e.Reason) }
func (e *GateError) Unwrap() error { return errclass.ErrValidation }

type roleReq int

const (
	roleSeller roleReq = iota
	roleBuyer
	roleAnyParty
	roleArbiter
)

// opSpec describes one operation's gating: the status it consumes, the
// party allowed to invoke it, and the deadline window and anchor, when any.
type opSpec struct {
	op       Operation
	required trade.Status
	role     roleReq

	window func(cfg tokenconfig.TokenConfig) time.Duration
	anchor func(t *trade.Trade, st *bindings.EscrowState) time.Time
	risk   string

	needsEvidence bool
}

var opSpecs = map[Operation]opSpec{
	OpFund: {
		op:       OpFund,
		required: trade.StatusPending,
		role:     roleSeller,
		window:   func(cfg tokenconfig.TokenConfig) time.Duration { return cfg.SellerFundWindow },
		anchor:   anchorTakenAt,
		risk:     RiskSellerAdBond,
	},
	OpConfirmPayment: {
		op:            OpConfirmPayment,
		required:      trade.StatusFunded,
		role:          roleBuyer,
		window:        func(cfg tokenconfig.TokenConfig) time.Duration { return cfg.BuyerConfirmWindow },
		anchor:        func(t *trade.Trade, st *bindings.EscrowState) time.Time { return chainTime(st, fundedAt) },
		risk:          RiskBuyerDisputeBond,
		needsEvidence: true,
	},
	OpRelease: {
		op:            OpRelease,
		required:      trade.StatusInProgress,
		role:          roleSeller,
		window:        func(cfg tokenconfig.TokenConfig) time.Duration { return cfg.SellerReleaseWindow },
		anchor:        func(t *trade.Trade, st *bindings.EscrowState) time.Time { return chainTime(st, confirmedAt) },
		risk:          RiskSellerMissRelease,
		needsEvidence: true,
	},
	// Disputes carry no deadline window of their own.
	OpDispute: {
		op:   OpDispute,
		role: roleAnyParty,
	},
	OpResolveDispute: {
		op:       OpResolveDispute,
		required: trade.StatusDisputed,
		role:     roleArbiter,
	},
}

type chainField int

const (
	takenAt chainField = iota
	fundedAt
	confirmedAt
)

func chainTime(st *bindings.EscrowState, f chainField) time.Time {
	if st == nil {
		return time.Time{}
	}
	switch f {
	case takenAt:
		return st.TakenAt
	case fundedAt:
		return st.FundedAt
	default:
		return st.PaymentConfirmedAt
	}
}

// anchorTakenAt prefers the on-chain takenAt and falls back to the record's
// own taken timestamp, since funding gates can run before the first read.
func anchorTakenAt(t *trade.Trade, st *bindings.EscrowState) time.Time {
	if ts := chainTime(st, takenAt); !ts.IsZero() {
		return ts
	}
	if t.TakenAt != nil {
		return *t.TakenAt
	}
	return time.Time{}
}

// checkGates runs the three ordered gates for an operation. The first
// failure aborts with zero side effects. A missing window or anchor skips
// the deadline gate entirely; it never blocks.
func checkGates(spec opSpec, t *trade.Trade, st *bindings.EscrowState, cfg tokenconfig.TokenConfig, caps roles.Capabilities, now time.Time) error {
	status, _ := resolveStatus(t, st)

	// Gate 1: precondition.
	if spec.required != "" && status != spec.required {
		return &GateError{
			Op:     spec.op,
			Gate:   "precondition",
			Reason: fmt.Sprintf("trade is %s, operation requires %s", status, spec.required),
		}
	}
	if spec.op == OpDispute && status != trade.StatusFunded && status != trade.StatusInProgress {
		return &GateError{
			Op:     spec.op,
			Gate:   "precondition",
			Reason: fmt.Sprintf("trade is %s, dispute requires funded or in_progress", status),
		}
	}

	// Gate 2: role.
	if err := checkRole(spec, caps); err != nil {
		return err
	}

	// Gate 3: deadline.
	if spec.window != nil && spec.anchor != nil {
		window := spec.window(cfg)
		anchor := spec.anchor(t, st)
		if window > 0 && !anchor.IsZero() && now.After(anchor.Add(window)) {
			return &GateError{
				Op:         spec.op,
				Gate:       "deadline",
				Reason:     fmt.Sprintf("window expired at %s", anchor.Add(window).UTC().Format(time.RFC3339)),
				BondAtRisk: spec.risk,
			}
		}
	}

	if spec.needsEvidence && t.PaymentEvidence == "" {
		return &GateError{
			Op:     spec.op,
			Gate:   "evidence",
			Reason: "payment evidence must be attached to the trade first",
		}
	}

	return nil
}

func checkRole(spec opSpec, caps roles.Capabilities) error {
	ok := false
	var expected string
	switch spec.role {
	case roleSeller:
		ok, expected = caps.Seller, "seller"
	case roleBuyer:
		ok, expected = caps.Buyer, "buyer"
	case roleAnyParty:
		ok, expected = caps.Party(), "a trade party"
	case roleArbiter:
		ok, expected = caps.Arbiter, "an arbiter"
	}
	if !ok {
		return &GateError{
			Op:     spec.op,
			Gate:   "role",
			Reason: fmt.Sprintf("caller is not %s for this trade", article(expected)),
		}
	}
	return nil
}

func article(role string) string {
	switch role {
	case "seller", "buyer":
		return "the " + role
	default:
		return role
	}
}

// DeadlineRisk describes the consequence of the currently pending step's
// window lapsing, for the status surface.
type DeadlineRisk struct {
	Operation Operation `json:"operation"`
	ExpiresAt time.Time `json:"expiresAt"`
	Expired   bool      `json:"expired"`
	Risk      string    `json:"risk"`
}

// deadlineRisk computes the pending step's deadline exposure, if the
// window and anchor are both known. Returns nil when nothing is pending
// or timing is unknowable.
func deadlineRisk(status trade.Status, t *trade.Trade, st *bindings.EscrowState, cfg tokenconfig.TokenConfig, now time.Time) *DeadlineRisk {
	var spec opSpec
	switch status {
	case trade.StatusPending:
		spec = opSpecs[OpFund]
	case trade.StatusFunded:
		spec = opSpecs[OpConfirmPayment]
	case trade.StatusInProgress:
		spec = opSpecs[OpRelease]
	default:
		return nil
	}

	window := spec.window(cfg)
	anchor := spec.anchor(t, st)
	if window <= 0 || anchor.IsZero() {
		return nil
	}
	expires := anchor.Add(window)
	return &DeadlineRisk{
		Operation: spec.op,
		ExpiresAt: expires.UTC(),
		Expired:   now.After(expires),
		Risk:      spec.risk,
	}
}
