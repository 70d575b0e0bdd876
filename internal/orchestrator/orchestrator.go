// Package orchestrator drives the escrow lifecycle: it reconciles the
// off-chain trade record with on-chain contract state, gates every
// transition behind precondition, role, and deadline checks, and executes
// the funding, confirmation, and release transactions.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/tradewell/escrowd/internal/amount"
	"github.com/tradewell/escrowd/internal/bindings"
	"github.com/tradewell/escrowd/internal/chains"
	"github.com/tradewell/escrowd/internal/errclass"
	"github.com/tradewell/escrowd/internal/executor"
	"github.com/tradewell/escrowd/internal/logging"
	"github.com/tradewell/escrowd/internal/metrics"
	"github.com/tradewell/escrowd/internal/roles"
	"github.com/tradewell/escrowd/internal/syncutil"
	"github.com/tradewell/escrowd/internal/tokenconfig"
	"github.com/tradewell/escrowd/internal/traces"
	"github.com/tradewell/escrowd/internal/trade"
	"github.com/tradewell/escrowd/internal/wallet"
)

// DefaultConfirmTimeout bounds the wait for a lifecycle transaction receipt.
const DefaultConfirmTimeout = 90 * time.Second

// EscrowReader is the contract slice the orchestrator reads state through.
type EscrowReader interface {
	Escrow(ctx context.Context, tradeID [32]byte) (*bindings.EscrowState, error)
	BondCredits(ctx context.Context, user, token common.Address) (*big.Int, error)
	Address() common.Address
	PackFundEscrow(tradeID [32]byte) ([]byte, error)
	PackConfirmPayment(tradeID [32]byte) ([]byte, error)
	PackReleaseFunds(tradeID [32]byte) ([]byte, error)
	PackInitiateDispute(tradeID [32]byte, reason string) ([]byte, error)
	PackResolveDispute(tradeID [32]byte, ruling uint8) ([]byte, error)
}

// Preflight validates balance/allowance and performs approvals.
type Preflight interface {
	ValidateBalanceAndAllowance(ctx context.Context, token, owner, spender common.Address, required *big.Int) (executor.Check, error)
	Approve(ctx context.Context, token, spender common.Address, amount *big.Int) error
}

// CapabilityResolver returns what a caller may do on a trade.
type CapabilityResolver interface {
	Resolve(ctx context.Context, t *trade.Trade, caller common.Address) roles.Capabilities
}

// Effects receives best-effort side effects after a confirmed transition.
// Implementations must not block; failures never fail the transition.
type Effects interface {
	TradeUpdated(t *trade.Trade)
	RecomputeReputation(addr string)
}

// Orchestrator executes lifecycle operations as the configured wallet's
// party. Each operation is a sequential pipeline; a per-trade lock plus a
// per-(trade, operation) in-flight guard prevent duplicate submission.
type Orchestrator struct {
	store     trade.Store
	contract  EscrowReader
	configs   *tokenconfig.Resolver
	preflight Preflight
	submitter wallet.Submitter
	network   chains.Network
	caps      CapabilityResolver
	effects   Effects
	logger    *slog.Logger

	confirmTimeout time.Duration
	now            func() time.Time

	locks    *syncutil.ContextShardedMutex
	inflight sync.Map // "tradeID|op" -> struct{}
}

// Option configures the orchestrator.
type Option func(*Orchestrator)

// WithEffects installs the side-effect sink.
func WithEffects(e Effects) Option {
	return func(o *Orchestrator) { o.effects = e }
}

// WithConfirmTimeout overrides the receipt wait bound.
func WithConfirmTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.confirmTimeout = d }
}

// WithClock overrides the time source for deadline gates in tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an orchestrator bound to one chain connection.
func New(
	store trade.Store,
	contract EscrowReader,
	configs *tokenconfig.Resolver,
	preflight Preflight,
	submitter wallet.Submitter,
	network chains.Network,
	caps CapabilityResolver,
	logger *slog.Logger,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		store:          store,
		contract:       contract,
		configs:        configs,
		preflight:      preflight,
		submitter:      submitter,
		network:        network,
		caps:           caps,
		logger:         logger,
		confirmTimeout: DefaultConfirmTimeout,
		now:            time.Now,
		locks:          syncutil.NewContextShardedMutex(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Fund executes the seller's funding step: lock principal, fees, and the
// seller bond in the contract.
func (o *Orchestrator) Fund(ctx context.Context, tradeRecordID string) (*trade.Trade, error) {
	return o.run(ctx, tradeRecordID, OpFund, func(ctx context.Context, env *opEnv) (*trade.Trade, error) {
		required, err := o.fundRequirement(env)
		if err != nil {
			return nil, err
		}

		token, err := o.tokenAddress(env.t.TokenSymbol)
		if err != nil {
			return nil, err
		}

		check, err := o.preflight.ValidateBalanceAndAllowance(ctx, token, o.submitter.Address(), o.contract.Address(), required)
		if err != nil {
			return nil, err
		}
		if !check.Valid && !check.NeedsApproval {
			return nil, fmt.Errorf("%w: %s (need %s %s)",
				errclass.ErrInsufficientFunds, check.Reason, amount.Format(required), env.t.TokenSymbol)
		}
		if check.NeedsApproval {
			if err := o.approve(ctx, env, token, required); err != nil {
				return nil, err
			}
		}

		// Freshest state wins: the allowance wait left room for a race.
		if err := o.recheck(ctx, env, OpFund); err != nil {
			return nil, err
		}

		data, err := o.contract.PackFundEscrow(env.tradeID)
		if err != nil {
			return nil, err
		}
		var value *big.Int
		if token == chains.NativeSentinel {
			value = required
		}

		txHash, err := o.submitAndWait(ctx, value, data)
		if err != nil {
			return nil, err
		}

		env.t.Status = trade.StatusFunded
		env.t.TxHash = txHash
		env.t.SellerSigned = true
		return o.persist(ctx, env.t)
	})
}

// ConfirmPayment executes the buyer's confirmation step. The contract also
// locks the buyer's dispute bond as part of this call, so the bond gets the
// same balance/allowance preflight the funding amount does.
func (o *Orchestrator) ConfirmPayment(ctx context.Context, tradeRecordID string) (*trade.Trade, error) {
	return o.run(ctx, tradeRecordID, OpConfirmPayment, func(ctx context.Context, env *opEnv) (*trade.Trade, error) {
		bond, err := o.buyerBondRequirement(env)
		if err != nil {
			return nil, err
		}

		token, err := o.tokenAddress(env.t.TokenSymbol)
		if err != nil {
			return nil, err
		}

		check, err := o.preflight.ValidateBalanceAndAllowance(ctx, token, o.submitter.Address(), o.contract.Address(), bond)
		if err != nil {
			return nil, err
		}
		if !check.Valid && !check.NeedsApproval {
			return nil, fmt.Errorf("%w: %s (need %s %s)",
				errclass.ErrInsufficientFunds, check.Reason, amount.Format(bond), env.t.TokenSymbol)
		}
		if check.NeedsApproval {
			if err := o.approve(ctx, env, token, bond); err != nil {
				return nil, err
			}
		}

		if err := o.recheck(ctx, env, OpConfirmPayment); err != nil {
			return nil, err
		}

		data, err := o.contract.PackConfirmPayment(env.tradeID)
		if err != nil {
			return nil, err
		}
		var value *big.Int
		if token == chains.NativeSentinel {
			value = bond
		}
		txHash, err := o.submitAndWait(ctx, value, data)
		if err != nil {
			return nil, err
		}

		env.t.Status = trade.StatusInProgress
		env.t.TxHash = txHash
		env.t.BuyerSigned = true
		return o.persist(ctx, env.t)
	})
}

// Release executes the seller's final step, settling funds to the buyer
// and returning bonds. Reputation recompute for both parties is enqueued
// best-effort and never fails the release.
func (o *Orchestrator) Release(ctx context.Context, tradeRecordID string) (*trade.Trade, error) {
	return o.run(ctx, tradeRecordID, OpRelease, func(ctx context.Context, env *opEnv) (*trade.Trade, error) {
		if err := o.recheck(ctx, env, OpRelease); err != nil {
			return nil, err
		}

		data, err := o.contract.PackReleaseFunds(env.tradeID)
		if err != nil {
			return nil, err
		}
		txHash, err := o.submitAndWait(ctx, nil, data)
		if err != nil {
			return nil, err
		}

		now := o.now().UTC()
		env.t.Status = trade.StatusCompleted
		env.t.TxHash = txHash
		env.t.CompletedAt = &now
		updated, err := o.persist(ctx, env.t)
		if err != nil {
			return nil, err
		}

		if o.effects != nil {
			o.effects.RecomputeReputation(updated.SellerAddr)
			o.effects.RecomputeReputation(updated.BuyerAddr)
		}
		return updated, nil
	})
}

// Dispute escalates a funded or in-progress trade. Either party may open
// one; resolution is the arbiter's job.
func (o *Orchestrator) Dispute(ctx context.Context, tradeRecordID, reason string) (*trade.Trade, error) {
	if reason == "" {
		return nil, fmt.Errorf("%w: dispute reason is required", errclass.ErrValidation)
	}
	return o.run(ctx, tradeRecordID, OpDispute, func(ctx context.Context, env *opEnv) (*trade.Trade, error) {
		if err := o.recheck(ctx, env, OpDispute); err != nil {
			return nil, err
		}

		data, err := o.contract.PackInitiateDispute(env.tradeID, reason)
		if err != nil {
			return nil, err
		}
		txHash, err := o.submitAndWait(ctx, nil, data)
		if err != nil {
			return nil, err
		}

		env.t.Status = trade.StatusDisputed
		env.t.TxHash = txHash
		return o.persist(ctx, env.t)
	})
}

// ResolveDispute records the arbiter's ruling on-chain, then mirrors
// whatever terminal state the contract lands in.
func (o *Orchestrator) ResolveDispute(ctx context.Context, tradeRecordID string, ruling uint8) (*trade.Trade, error) {
	return o.run(ctx, tradeRecordID, OpResolveDispute, func(ctx context.Context, env *opEnv) (*trade.Trade, error) {
		if err := o.recheck(ctx, env, OpResolveDispute); err != nil {
			return nil, err
		}

		data, err := o.contract.PackResolveDispute(env.tradeID, ruling)
		if err != nil {
			return nil, err
		}
		txHash, err := o.submitAndWait(ctx, nil, data)
		if err != nil {
			return nil, err
		}

		env.t.TxHash = txHash
		// The ruling's settlement split lives in the contract; read back the
		// resulting status rather than inferring it from the ruling code.
		if st, readErr := o.readChain(ctx, env.tradeID); readErr == nil {
			if mapped, ok := statusFromCode(st.Status); ok {
				env.t.Status = mapped
				if mapped == trade.StatusCompleted || mapped == trade.StatusCancelled {
					now := o.now().UTC()
					env.t.CompletedAt = &now
				}
			}
		}
		return o.persist(ctx, env.t)
	})
}

// Resync re-reads on-chain state and mirrors any resolvable status into the
// record. This is the recovery action for stale reads; it submits nothing.
func (o *Orchestrator) Resync(ctx context.Context, tradeRecordID string) (*trade.Trade, error) {
	unlock, err := o.locks.LockContext(ctx, tradeRecordID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	t, err := o.store.Get(ctx, tradeRecordID)
	if err != nil {
		return nil, err
	}
	tradeID, err := bindings.TradeIDFromHex(t.TradeKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errclass.ErrValidation, err)
	}

	st, err := o.readChain(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	o.configs.Flush()

	status, source := resolveStatus(t, st)
	if source == SourceChain && status != t.Status {
		o.logger.Info("resync corrected stored status",
			"trade", t.ID, "from", t.Status, "to", status)
		t.Status = status
		if status.IsTerminal() && t.CompletedAt == nil {
			now := o.now().UTC()
			t.CompletedAt = &now
		}
		return o.persist(ctx, t)
	}
	return t, nil
}

// Snapshot is the combined status surface for one trade.
type Snapshot struct {
	Trade         *trade.Trade             `json:"trade"`
	Authoritative trade.Status             `json:"authoritativeStatus"`
	Source        StatusSource             `json:"statusSource"`
	OnChain       *bindings.EscrowState    `json:"onChain,omitempty"`
	TokenConfig   *tokenconfig.TokenConfig `json:"tokenConfig,omitempty"`
	Deadline      *DeadlineRisk            `json:"deadline,omitempty"`
	BondCredits   string                   `json:"bondCredits,omitempty"`
}

// Status resolves the authoritative view of a trade without gating or
// submitting anything.
func (o *Orchestrator) Status(ctx context.Context, tradeRecordID string) (*Snapshot, error) {
	t, err := o.store.Get(ctx, tradeRecordID)
	if err != nil {
		return nil, err
	}
	tradeID, err := bindings.TradeIDFromHex(t.TradeKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errclass.ErrValidation, err)
	}

	st, readErr := o.readChain(ctx, tradeID)
	if readErr != nil {
		o.logger.Warn("on-chain read failed, serving stored status", "trade", t.ID, "error", readErr)
		st = nil
	}

	status, source := resolveStatus(t, st)
	cfg := o.configs.Get(ctx, t.ChainID, t.TokenSymbol)

	snap := &Snapshot{
		Trade:         t,
		Authoritative: status,
		Source:        source,
		OnChain:       st,
		TokenConfig:   &cfg,
		Deadline:      deadlineRisk(status, t, st, cfg, o.now()),
	}

	if token, err := o.tokenAddress(t.TokenSymbol); err == nil {
		if credits, err := o.contract.BondCredits(ctx, o.submitter.Address(), token); err == nil {
			snap.BondCredits = amount.Format(credits)
		}
	}
	return snap, nil
}

// -----------------------------------------------------------------------------
// Pipeline plumbing
// -----------------------------------------------------------------------------

// opEnv carries the per-operation working set through the pipeline.
type opEnv struct {
	t       *trade.Trade
	tradeID [32]byte
	st      *bindings.EscrowState
	cfg     tokenconfig.TokenConfig
	caps    roles.Capabilities
}

// run wraps an operation body with the in-flight guard, the per-trade
// lock, the load/read/gate preamble, and metrics.
func (o *Orchestrator) run(ctx context.Context, tradeRecordID string, op Operation, body func(ctx context.Context, env *opEnv) (*trade.Trade, error)) (*trade.Trade, error) {
	ctx, span := traces.StartSpan(ctx, "orchestrator."+string(op),
		traces.TradeID(tradeRecordID),
		traces.TradeOp(string(op)),
	)
	defer span.End()

	ctx = logging.EnsureLogger(ctx, o.logger)

	guard := tradeRecordID + "|" + string(op)
	if _, loaded := o.inflight.LoadOrStore(guard, struct{}{}); loaded {
		return nil, fmt.Errorf("%w: %s already in flight for this trade", errclass.ErrValidation, op)
	}
	defer o.inflight.Delete(guard)

	unlock, err := o.locks.LockContext(ctx, tradeRecordID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	env, err := o.prepare(ctx, tradeRecordID, op)
	if err != nil {
		o.observe(op, err)
		return nil, err
	}

	updated, err := body(ctx, env)
	o.observe(op, err)
	if err != nil {
		return nil, err
	}

	if o.effects != nil {
		o.effects.TradeUpdated(updated)
	}
	logging.ForTrade(ctx, updated.ID, string(op)).Info("lifecycle transition confirmed",
		"status", updated.Status, "tx", updated.TxHash)
	return updated, nil
}

// prepare loads the record, reads chain state, resolves config and
// capabilities, and runs the gates.
func (o *Orchestrator) prepare(ctx context.Context, tradeRecordID string, op Operation) (*opEnv, error) {
	t, err := o.store.Get(ctx, tradeRecordID)
	if err != nil {
		return nil, err
	}

	tradeID, err := bindings.TradeIDFromHex(t.TradeKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errclass.ErrValidation, err)
	}

	st, readErr := o.readChain(ctx, tradeID)
	if readErr != nil {
		// Gate on the stored status; the contract still arbitrates races.
		logging.ForTrade(ctx, t.ID, string(op)).Warn("on-chain read failed, gating on stored status", "error", readErr)
		st = nil
	}

	cfg := o.configs.Get(ctx, t.ChainID, t.TokenSymbol)
	if cfg.ConfigUnavailable {
		return nil, fmt.Errorf("%w: %s on chain %d: %s", errclass.ErrConfigUnavailable, t.TokenSymbol, t.ChainID, cfg.Err)
	}
	if !cfg.Enabled {
		return nil, fmt.Errorf("%w: token %s is not enabled for escrow", errclass.ErrValidation, t.TokenSymbol)
	}

	caps := o.caps.Resolve(ctx, t, o.submitter.Address())

	env := &opEnv{t: t, tradeID: tradeID, st: st, cfg: cfg, caps: caps}
	if err := checkGates(opSpecs[op], t, st, cfg, caps, o.now()); err != nil {
		var gateErr *GateError
		if errors.As(err, &gateErr) {
			metrics.GateRejections.WithLabelValues(gateErr.Gate).Inc()
		}
		return nil, err
	}
	return env, nil
}

// recheck re-reads the freshest on-chain state immediately before a
// submission and re-fails the precondition if anything moved.
func (o *Orchestrator) recheck(ctx context.Context, env *opEnv, op Operation) error {
	st, err := o.readChain(ctx, env.tradeID)
	if err != nil {
		return err
	}
	env.st = st
	return checkGates(opSpecs[op], env.t, st, env.cfg, env.caps, o.now())
}

func (o *Orchestrator) readChain(ctx context.Context, tradeID [32]byte) (*bindings.EscrowState, error) {
	st, err := o.contract.Escrow(ctx, tradeID)
	if err != nil {
		metrics.RPCErrors.Inc()
		return nil, err
	}
	return st, nil
}

// approve issues an allowance transaction and waits for its confirmation.
func (o *Orchestrator) approve(ctx context.Context, env *opEnv, token common.Address, required *big.Int) error {
	metrics.ApprovalsTotal.Inc()
	ctx, span := traces.StartSpan(ctx, "orchestrator.approve",
		traces.TradeID(env.t.ID),
		traces.TokenSymbol(env.t.TokenSymbol),
	)
	defer span.End()
	return o.preflight.Approve(ctx, token, o.contract.Address(), required)
}

func (o *Orchestrator) submitAndWait(ctx context.Context, value *big.Int, data []byte) (string, error) {
	start := o.now()
	txHash, err := o.submitter.Submit(ctx, o.contract.Address(), value, data)
	if err != nil {
		return "", err
	}
	if _, err := o.submitter.WaitForConfirmation(ctx, txHash, o.confirmTimeout); err != nil {
		return "", err
	}
	metrics.ConfirmationDuration.Observe(o.now().Sub(start).Seconds())
	return txHash, nil
}

func (o *Orchestrator) persist(ctx context.Context, t *trade.Trade) (*trade.Trade, error) {
	t.UpdatedAt = o.now().UTC()
	if err := o.store.Update(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// fundRequirement computes principal + fee + seller bond. On-chain amounts
// win when the escrow record already carries them; otherwise they derive
// from the token config's basis points.
func (o *Orchestrator) fundRequirement(env *opEnv) (*big.Int, error) {
	principal, ok := amount.Parse(env.t.Amount)
	if !ok || principal.Sign() <= 0 {
		return nil, fmt.Errorf("%w: trade amount %q is not a positive amount", errclass.ErrValidation, env.t.Amount)
	}

	fee := amount.Bond(principal, env.cfg.MakerFeeBps)
	sellerBond := amount.Bond(principal, env.cfg.DisputeBondBps)
	if env.st.Exists() {
		if env.st.Fee != nil && env.st.Fee.Sign() > 0 {
			fee = env.st.Fee
		}
		if env.st.SellerBond != nil && env.st.SellerBond.Sign() > 0 {
			sellerBond = env.st.SellerBond
		}
	}
	return amount.Sum(principal, fee, sellerBond), nil
}

// buyerBondRequirement computes the dispute bond confirmPayment locks.
// The on-chain figure wins when the escrow record carries it.
func (o *Orchestrator) buyerBondRequirement(env *opEnv) (*big.Int, error) {
	principal, ok := amount.Parse(env.t.Amount)
	if !ok || principal.Sign() <= 0 {
		return nil, fmt.Errorf("%w: trade amount %q is not a positive amount", errclass.ErrValidation, env.t.Amount)
	}

	bond := amount.Bond(principal, env.cfg.DisputeBondBps)
	if env.st.Exists() && env.st.BuyerBond != nil && env.st.BuyerBond.Sign() > 0 {
		bond = env.st.BuyerBond
	}
	return bond, nil
}

func (o *Orchestrator) tokenAddress(symbol string) (common.Address, error) {
	if o.network.IsNativeSymbol(symbol) {
		return chains.NativeSentinel, nil
	}
	addr, err := o.network.TokenAddress(symbol)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", errclass.ErrValidation, err)
	}
	return addr, nil
}

func (o *Orchestrator) observe(op Operation, err error) {
	result := "ok"
	if err != nil {
		result = string(errclass.Classify(err).Kind)
	}
	metrics.Transitions.WithLabelValues(string(op), result).Inc()
}
