// Package roles resolves what a caller may do on a trade.
//
// Seller and buyer follow from the trade record. Arbiter is an on-chain
// access-control role on the escrow contract and is looked up there, with
// a per-address cache so repeated gating does not hammer the RPC node.
package roles

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/tradewell/escrowd/internal/bindings"
	"github.com/tradewell/escrowd/internal/trade"
	"github.com/tradewell/escrowd/internal/wallet"
)

// DefaultCacheTTL bounds how long a positive or negative arbiter lookup
// is reused before re-reading the contract.
const DefaultCacheTTL = 5 * time.Minute

// Capabilities describes a caller's standing on one trade.
type Capabilities struct {
	Seller  bool `json:"seller"`
	Buyer   bool `json:"buyer"`
	Arbiter bool `json:"arbiter"`
}

// Party reports whether the caller is either trade counterparty.
func (c Capabilities) Party() bool { return c.Seller || c.Buyer }

// RoleChecker is the contract slice needed for arbiter lookups.
type RoleChecker interface {
	HasRole(ctx context.Context, role common.Hash, account common.Address) (bool, error)
}

type cacheEntry struct {
	arbiter bool
	at      time.Time
}

// Resolver computes capabilities for callers.
type Resolver struct {
	checker RoleChecker
	ttl     time.Duration

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// NewResolver creates a resolver backed by an on-chain role checker.
// A nil checker disables arbiter resolution entirely.
func NewResolver(checker RoleChecker) *Resolver {
	return &Resolver{
		checker: checker,
		ttl:     DefaultCacheTTL,
		cache:   make(map[string]cacheEntry),
	}
}

// WithTTL overrides the arbiter cache lifetime.
func (r *Resolver) WithTTL(ttl time.Duration) *Resolver {
	r.ttl = ttl
	return r
}

// Resolve returns the caller's capabilities on a trade. Arbiter lookup is
// best-effort: an RPC failure yields Arbiter=false rather than an error,
// so gating stays strict under partial outage.
func (r *Resolver) Resolve(ctx context.Context, t *trade.Trade, caller common.Address) Capabilities {
	seller, buyer := t.Party(strings.ToLower(caller.Hex()))
	caps := Capabilities{Seller: seller, Buyer: buyer}
	if r.checker == nil {
		return caps
	}
	caps.Arbiter = r.isArbiter(ctx, caller)
	return caps
}

// Invalidate drops any cached arbiter result for an address. Called after
// a grant or revoke so the change is visible immediately.
func (r *Resolver) Invalidate(addr common.Address) {
	r.mu.Lock()
	delete(r.cache, strings.ToLower(addr.Hex()))
	r.mu.Unlock()
}

func (r *Resolver) isArbiter(ctx context.Context, addr common.Address) bool {
	key := strings.ToLower(addr.Hex())

	r.mu.RLock()
	entry, ok := r.cache[key]
	r.mu.RUnlock()
	if ok && time.Since(entry.at) < r.ttl {
		return entry.arbiter
	}

	has, err := r.checker.HasRole(ctx, bindings.ArbiterRole, addr)
	if err != nil {
		if ok {
			return entry.arbiter // stale beats unknown
		}
		return false
	}

	r.mu.Lock()
	r.cache[key] = cacheEntry{arbiter: has, at: time.Now()}
	r.mu.Unlock()
	return has
}

// Admin grants and revokes the arbiter role through the configured signer.
// The signer must itself hold the contract's admin role or the transaction
// reverts.
type Admin struct {
	contract  *bindings.Contract
	submitter wallet.Submitter
	resolver  *Resolver
	timeout   time.Duration
}

// NewAdmin creates an arbiter-role admin.
func NewAdmin(contract *bindings.Contract, submitter wallet.Submitter, resolver *Resolver, confirmTimeout time.Duration) *Admin {
	return &Admin{contract: contract, submitter: submitter, resolver: resolver, timeout: confirmTimeout}
}

// GrantArbiter grants the arbiter role to an address.
func (a *Admin) GrantArbiter(ctx context.Context, addr common.Address) (string, error) {
	data, err := a.contract.PackGrantRole(bindings.ArbiterRole, addr)
	if err != nil {
		return "", fmt.Errorf("roles: pack grant: %w", err)
	}
	return a.submitRole(ctx, addr, data)
}

// RevokeArbiter revokes the arbiter role from an address.
func (a *Admin) RevokeArbiter(ctx context.Context, addr common.Address) (string, error) {
	data, err := a.contract.PackRevokeRole(bindings.ArbiterRole, addr)
	if err != nil {
		return "", fmt.Errorf("roles: pack revoke: %w", err)
	}
	return a.submitRole(ctx, addr, data)
}

func (a *Admin) submitRole(ctx context.Context, addr common.Address, data []byte) (string, error) {
	txHash, err := a.submitter.Submit(ctx, a.contract.Address(), nil, data)
	if err != nil {
		return "", err
	}
	if _, err := a.submitter.WaitForConfirmation(ctx, txHash, a.timeout); err != nil {
		return txHash, err
	}
	if a.resolver != nil {
		a.resolver.Invalidate(addr)
	}
	return txHash, nil
}
