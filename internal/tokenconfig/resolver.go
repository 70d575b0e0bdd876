// Package tokenconfig resolves per-(chain, token) fee, bond, and deadline
// configuration from the escrow contract over a read-only connection.
//
// The hard contract of this package: Get never fails. Any read problem
// (bad data, RPC failure, unlisted token) yields a well-formed config with
// Enabled=false and ConfigUnavailable=true, so callers can always branch
// on fields instead of error shapes.
package tokenconfig

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/tradewell/escrowd/internal/bindings"
	"github.com/tradewell/escrowd/internal/chains"
)

// ConfigReader is the contract slice this resolver needs. Satisfied by
// *bindings.Contract and by mocks in tests.
type ConfigReader interface {
	TokenConfig(ctx context.Context, token common.Address) (*bindings.TokenConfigData, error)
}

// TokenConfig is the resolved per-token configuration.
type TokenConfig struct {
	Enabled           bool   `json:"enabled"`
	ConfigUnavailable bool   `json:"configUnavailable,omitempty"`
	Err               string `json:"error,omitempty"`

	MakerFeeBps    int64 `json:"makerFeeBps"`
	TakerFeeBps    int64 `json:"takerFeeBps"`
	DisputeBondBps int64 `json:"disputeBondBps"`
	AdBondBps      int64 `json:"adBondBps"`

	AdBondFixed *big.Int `json:"adBondFixed,omitempty"`

	SellerFundWindow    time.Duration `json:"sellerFundWindow"`
	BuyerConfirmWindow  time.Duration `json:"buyerConfirmWindow"`
	SellerReleaseWindow time.Duration `json:"sellerReleaseWindow"`
}

// unavailable builds the degraded config returned on any read failure.
func unavailable(reason string) TokenConfig {
	return TokenConfig{
		Enabled:           false,
		ConfigUnavailable: true,
		Err:               reason,
		AdBondFixed:       big.NewInt(0),
	}
}

// readerFor maps a chain ID to a contract reader. The server installs one
// reader per supported chain at startup.
type readerFor func(chainID int64) (ConfigReader, bool)

// Resolver fetches token configs on demand and caches them for the session.
// The cache is read by many operations and written only here; writes are
// idempotent replacements, so a plain RWMutex suffices.
type Resolver struct {
	readers readerFor

	mu    sync.RWMutex
	cache map[string]TokenConfig
}

// New creates a resolver over a single contract reader on one chain.
func New(chainID int64, reader ConfigReader) *Resolver {
	return NewMulti(func(id int64) (ConfigReader, bool) {
		if id != chainID {
			return nil, false
		}
		return reader, true
	})
}

// NewMulti creates a resolver that picks a reader per chain ID.
func NewMulti(readers readerFor) *Resolver {
	return &Resolver{
		readers: readers,
		cache:   make(map[string]TokenConfig),
	}
}

func cacheKey(chainID int64, symbol string) string {
	return fmt.Sprintf("%d:%s", chainID, strings.ToUpper(symbol))
}

// Get resolves the configuration for a (chain, token symbol) pair.
// Native symbols resolve through the sentinel address. Never fails.
func (r *Resolver) Get(ctx context.Context, chainID int64, symbol string) TokenConfig {
	key := cacheKey(chainID, symbol)

	r.mu.RLock()
	cached, ok := r.cache[key]
	r.mu.RUnlock()
	if ok {
		return cached
	}

	cfg := r.fetch(ctx, chainID, symbol)

	// Unavailable results are not cached: the next call should re-probe
	// rather than pin a transient RPC failure for the whole session.
	if !cfg.ConfigUnavailable {
		r.mu.Lock()
		r.cache[key] = cfg
		r.mu.Unlock()
	}

	return cfg
}

func (r *Resolver) fetch(ctx context.Context, chainID int64, symbol string) TokenConfig {
	network, err := chains.Get(chainID)
	if err != nil {
		return unavailable(err.Error())
	}

	tokenAddr, err := network.TokenAddress(symbol)
	if err != nil {
		return unavailable(err.Error())
	}

	reader, ok := r.readers(chainID)
	if !ok {
		return unavailable(fmt.Sprintf("no contract reader for chain %d", chainID))
	}

	data, err := reader.TokenConfig(ctx, tokenAddr)
	if err != nil {
		return unavailable(err.Error())
	}

	adBondFixed := data.AdBondFixed
	if adBondFixed == nil {
		adBondFixed = big.NewInt(0)
	}

	return TokenConfig{
		Enabled:             data.Enabled,
		MakerFeeBps:         int64(data.MakerFeeBps),
		TakerFeeBps:         int64(data.TakerFeeBps),
		DisputeBondBps:      int64(data.DisputeBondBps),
		AdBondBps:           int64(data.AdBondBps),
		AdBondFixed:         adBondFixed,
		SellerFundWindow:    data.SellerFundWindow,
		BuyerConfirmWindow:  data.BuyerConfirmWindow,
		SellerReleaseWindow: data.SellerReleaseWindow,
	}
}

// Invalidate drops one cached entry so the next Get re-reads the chain.
func (r *Resolver) Invalidate(chainID int64, symbol string) {
	r.mu.Lock()
	delete(r.cache, cacheKey(chainID, symbol))
	r.mu.Unlock()
}

// Flush drops the whole session cache. Used by the resync recovery action.
func (r *Resolver) Flush() {
	r.mu.Lock()
	r.cache = make(map[string]TokenConfig)
	r.mu.Unlock()
}
