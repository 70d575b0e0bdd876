// Package bindings wraps the on-chain escrow contract ABI: typed read calls
// for escrow and token-config state, and calldata packing for the
// value-moving methods submitted through the wallet.
package bindings

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrBadTradeID = errors.New("bindings: trade id must be a 32-byte hex string")
	ErrBadData    = errors.New("bindings: malformed contract response")
)

// ArbiterRole is the role hash checked for dispute-resolution capability.
var ArbiterRole = crypto.Keccak256Hash([]byte("ARBITER_ROLE"))

// Escrow contract ABI. Monetary values are 18-decimal fixed point;
// percentage fields are basis points out of 10000.
const escrowABI = `[
	{"type":"function","name":"fundEscrow","stateMutability":"payable","inputs":[{"name":"tradeId","type":"bytes32"}],"outputs":[]},
	{"type":"function","name":"confirmPayment","stateMutability":"nonpayable","inputs":[{"name":"tradeId","type":"bytes32"}],"outputs":[]},
	{"type":"function","name":"releaseFunds","stateMutability":"nonpayable","inputs":[{"name":"tradeId","type":"bytes32"}],"outputs":[]},
	{"type":"function","name":"initiateDispute","stateMutability":"nonpayable","inputs":[{"name":"tradeId","type":"bytes32"},{"name":"reason","type":"string"}],"outputs":[]},
	{"type":"function","name":"resolveDispute","stateMutability":"nonpayable","inputs":[{"name":"tradeId","type":"bytes32"},{"name":"ruling","type":"uint8"}],"outputs":[]},
	{"type":"function","name":"escrows","stateMutability":"view","inputs":[{"name":"tradeId","type":"bytes32"}],"outputs":[
		{"name":"status","type":"uint8"},
		{"name":"amount","type":"uint256"},
		{"name":"fee","type":"uint256"},
		{"name":"sellerBond","type":"uint256"},
		{"name":"buyerBond","type":"uint256"},
		{"name":"seller","type":"address"},
		{"name":"buyer","type":"address"},
		{"name":"token","type":"address"},
		{"name":"takenAt","type":"uint64"},
		{"name":"fundedAt","type":"uint64"},
		{"name":"paymentConfirmedAt","type":"uint64"}]},
	{"type":"function","name":"tokenConfig","stateMutability":"view","inputs":[{"name":"token","type":"address"}],"outputs":[
		{"name":"enabled","type":"bool"},
		{"name":"makerFeeBps","type":"uint16"},
		{"name":"takerFeeBps","type":"uint16"},
		{"name":"disputeBondBps","type":"uint16"},
		{"name":"adBondBps","type":"uint16"},
		{"name":"adBondFixed","type":"uint256"},
		{"name":"sellerFundWindow","type":"uint32"},
		{"name":"buyerConfirmWindow","type":"uint32"},
		{"name":"sellerReleaseWindow","type":"uint32"}]},
	{"type":"function","name":"bondCredits","stateMutability":"view","inputs":[{"name":"user","type":"address"},{"name":"token","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"hasRole","stateMutability":"view","inputs":[{"name":"role","type":"bytes32"},{"name":"account","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"grantRole","stateMutability":"nonpayable","inputs":[{"name":"role","type":"bytes32"},{"name":"account","type":"address"}],"outputs":[]},
	{"type":"function","name":"revokeRole","stateMutability":"nonpayable","inputs":[{"name":"role","type":"bytes32"},{"name":"account","type":"address"}],"outputs":[]}
]`

// Caller is the read-only slice of an Ethereum client used for view calls.
// Satisfied by *ethclient.Client and by mocks in tests.
type Caller interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// EscrowState mirrors the on-chain escrows(tradeId) struct. Read-only from
// the orchestrator's perspective.
type EscrowState struct {
	Status             uint8
	Amount             *big.Int
	Fee                *big.Int
	SellerBond         *big.Int
	BuyerBond          *big.Int
	Seller             common.Address
	Buyer              common.Address
	Token              common.Address
	TakenAt            time.Time
	FundedAt           time.Time
	PaymentConfirmedAt time.Time
}

// Exists reports whether the contract holds a record for this trade.
// Status 0 means no escrow was ever created for the key.
func (s *EscrowState) Exists() bool {
	return s != nil && s.Status != 0
}

// TokenConfigData mirrors the on-chain tokenConfig(token) struct.
type TokenConfigData struct {
	Enabled             bool
	MakerFeeBps         uint16
	TakerFeeBps         uint16
	DisputeBondBps      uint16
	AdBondBps           uint16
	AdBondFixed         *big.Int
	SellerFundWindow    time.Duration
	BuyerConfirmWindow  time.Duration
	SellerReleaseWindow time.Duration
}

// Contract is a typed handle on one deployed escrow contract.
type Contract struct {
	addr   common.Address
	abi    abi.ABI
	caller Caller
}

// New creates a contract handle bound to a deployment address and a
// read-only caller.
func New(addr common.Address, caller Caller) (*Contract, error) {
	parsed, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		return nil, fmt.Errorf("bindings: parse escrow ABI: %w", err)
	}
	return &Contract{addr: addr, abi: parsed, caller: caller}, nil
}

// Address returns the bound deployment address.
func (c *Contract) Address() common.Address { return c.addr }

// TradeIDFromHex parses a 0x-prefixed 32-byte trade correlation key.
func TradeIDFromHex(s string) ([32]byte, error) {
	var id [32]byte
	raw := strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if len(raw) != 64 {
		return id, fmt.Errorf("%w: %q", ErrBadTradeID, s)
	}
	b := common.FromHex("0x" + raw)
	if len(b) != 32 {
		return id, fmt.Errorf("%w: %q", ErrBadTradeID, s)
	}
	copy(id[:], b)
	return id, nil
}

func (c *Contract) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("bindings: pack %s: %w", method, err)
	}
	out, err := c.caller.CallContract(ctx, ethereum.CallMsg{To: &c.addr, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("bindings: call %s: %w", method, err)
	}
	vals, err := c.abi.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("%w: unpack %s: %v", ErrBadData, method, err)
	}
	return vals, nil
}

// Escrow reads the full on-chain state for a trade.
func (c *Contract) Escrow(ctx context.Context, tradeID [32]byte) (*EscrowState, error) {
	vals, err := c.call(ctx, "escrows", tradeID)
	if err != nil {
		return nil, err
	}
	if len(vals) != 11 {
		return nil, fmt.Errorf("%w: escrows returned %d values", ErrBadData, len(vals))
	}
	st := &EscrowState{}
	var ok bool
	if st.Status, ok = vals[0].(uint8); !ok {
		return nil, ErrBadData
	}
	if st.Amount, ok = vals[1].(*big.Int); !ok {
		return nil, ErrBadData
	}
	if st.Fee, ok = vals[2].(*big.Int); !ok {
		return nil, ErrBadData
	}
	if st.SellerBond, ok = vals[3].(*big.Int); !ok {
		return nil, ErrBadData
	}
	if st.BuyerBond, ok = vals[4].(*big.Int); !ok {
		return nil, ErrBadData
	}
	if st.Seller, ok = vals[5].(common.Address); !ok {
		return nil, ErrBadData
	}
	if st.Buyer, ok = vals[6].(common.Address); !ok {
		return nil, ErrBadData
	}
	if st.Token, ok = vals[7].(common.Address); !ok {
		return nil, ErrBadData
	}
	st.TakenAt = unixTime(vals[8])
	st.FundedAt = unixTime(vals[9])
	st.PaymentConfirmedAt = unixTime(vals[10])
	return st, nil
}

// TokenConfig reads the per-token fee/bond/window configuration.
func (c *Contract) TokenConfig(ctx context.Context, token common.Address) (*TokenConfigData, error) {
	vals, err := c.call(ctx, "tokenConfig", token)
	if err != nil {
		return nil, err
	}
	if len(vals) != 9 {
		return nil, fmt.Errorf("%w: tokenConfig returned %d values", ErrBadData, len(vals))
	}
	cfg := &TokenConfigData{}
	var ok bool
	if cfg.Enabled, ok = vals[0].(bool); !ok {
		return nil, ErrBadData
	}
	if cfg.MakerFeeBps, ok = vals[1].(uint16); !ok {
		return nil, ErrBadData
	}
	if cfg.TakerFeeBps, ok = vals[2].(uint16); !ok {
		return nil, ErrBadData
	}
	if cfg.DisputeBondBps, ok = vals[3].(uint16); !ok {
		return nil, ErrBadData
	}
	if cfg.AdBondBps, ok = vals[4].(uint16); !ok {
		return nil, ErrBadData
	}
	if cfg.AdBondFixed, ok = vals[5].(*big.Int); !ok {
		return nil, ErrBadData
	}
	cfg.SellerFundWindow = seconds(vals[6])
	cfg.BuyerConfirmWindow = seconds(vals[7])
	cfg.SellerReleaseWindow = seconds(vals[8])
	return cfg, nil
}

// BondCredits reads a user's refundable bond balance for a token.
func (c *Contract) BondCredits(ctx context.Context, user, token common.Address) (*big.Int, error) {
	vals, err := c.call(ctx, "bondCredits", user, token)
	if err != nil {
		return nil, err
	}
	credits, ok := vals[0].(*big.Int)
	if !ok {
		return nil, ErrBadData
	}
	return credits, nil
}

// HasRole reports whether an account holds a contract role.
func (c *Contract) HasRole(ctx context.Context, role common.Hash, account common.Address) (bool, error) {
	vals, err := c.call(ctx, "hasRole", [32]byte(role), account)
	if err != nil {
		return false, err
	}
	has, ok := vals[0].(bool)
	if !ok {
		return false, ErrBadData
	}
	return has, nil
}

// Calldata packing for transactions submitted through the wallet.

func (c *Contract) PackFundEscrow(tradeID [32]byte) ([]byte, error) {
	return c.abi.Pack("fundEscrow", tradeID)
}

func (c *Contract) PackConfirmPayment(tradeID [32]byte) ([]byte, error) {
	return c.abi.Pack("confirmPayment", tradeID)
}

func (c *Contract) PackReleaseFunds(tradeID [32]byte) ([]byte, error) {
	return c.abi.Pack("releaseFunds", tradeID)
}

func (c *Contract) PackInitiateDispute(tradeID [32]byte, reason string) ([]byte, error) {
	return c.abi.Pack("initiateDispute", tradeID, reason)
}

func (c *Contract) PackResolveDispute(tradeID [32]byte, ruling uint8) ([]byte, error) {
	return c.abi.Pack("resolveDispute", tradeID, ruling)
}

func (c *Contract) PackGrantRole(role common.Hash, account common.Address) ([]byte, error) {
	return c.abi.Pack("grantRole", [32]byte(role), account)
}

func (c *Contract) PackRevokeRole(role common.Hash, account common.Address) ([]byte, error) {
	return c.abi.Pack("revokeRole", [32]byte(role), account)
}

// unixTime converts a uint64 epoch value to time.Time; zero stays zero.
func unixTime(v interface{}) time.Time {
	u, ok := v.(uint64)
	if !ok || u == 0 {
		return time.Time{}
	}
	return time.Unix(int64(u), 0).UTC()
}

// seconds converts a uint32 window to a duration; zero means "window unset".
func seconds(v interface{}) time.Duration {
	u, ok := v.(uint32)
	if !ok {
		return 0
	}
	return time.Duration(u) * time.Second
}
