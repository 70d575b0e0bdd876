// Package wallet owns the connected account, signer, and active chain.
//
// A Conn is an explicit connection handle (account + signer + chain) passed
// into the orchestrator as a dependency, so tests can substitute mock
// providers. The Manager adds chain switching over the network registry.
package wallet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/tradewell/escrowd/internal/chains"
)

// -----------------------------------------------------------------------------
// Errors - typed errors for programmatic handling
// -----------------------------------------------------------------------------

var (
	ErrInvalidPrivateKey = errors.New("wallet: invalid private key")
	ErrRPCConnection     = errors.New("wallet: RPC connection failed")
	ErrTransactionFailed = errors.New("wallet: transaction reverted")
	ErrTimeout           = errors.New("wallet: confirmation timed out")
	ErrSignerRefused     = errors.New("wallet: signer refused to sign")
)

// TxError wraps submission failures with the failed step and tx hash.
type TxError struct {
	Op     string // Operation that failed
	TxHash string // Transaction hash if available
	Err    error  // Underlying error
}

func (e *TxError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("wallet: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("wallet: %s failed: %v", e.Op, e.Err)
}

func (e *TxError) Unwrap() error { return e.Err }

// -----------------------------------------------------------------------------
// Interfaces - for testability and flexibility
// -----------------------------------------------------------------------------

// EthClient abstracts the go-ethereum client for testing.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	Close()
}

// Submitter signs and submits calldata-bearing transactions and waits for
// confirmation. The orchestrator depends on this slice of Conn.
type Submitter interface {
	Address() common.Address
	Submit(ctx context.Context, to common.Address, value *big.Int, data []byte) (string, error)
	WaitForConfirmation(ctx context.Context, txHash string, timeout time.Duration) (*Receipt, error)
}

// -----------------------------------------------------------------------------
// Constants
// -----------------------------------------------------------------------------

const (
	// DefaultGasLimit when estimation fails.
	DefaultGasLimit = uint64(300000)

	// ConfirmationPollInterval between receipt checks.
	ConfirmationPollInterval = 2 * time.Second
)

// -----------------------------------------------------------------------------
// Types
// -----------------------------------------------------------------------------

// Receipt summarizes a mined transaction.
type Receipt struct {
	TxHash      string
	BlockNumber uint64
	GasUsed     uint64
}

// Conn is a live connection handle: one account, one signer, one chain.
type Conn struct {
	client     EthClient
	privateKey *ecdsa.PrivateKey
	address    common.Address
	network    chains.Network
}

// Compile-time interface check
var _ Submitter = (*Conn)(nil)

// Option configures a Conn.
type Option func(*Conn)

// WithClient sets a custom Ethereum client (useful for testing).
func WithClient(client EthClient) Option {
	return func(c *Conn) {
		c.client = client
	}
}

// Connect creates a connection handle for a network using a hex private key.
func Connect(network chains.Network, privateKeyHex string, opts ...Option) (*Conn, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}

	pub, ok := key.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: failed to derive public key", ErrInvalidPrivateKey)
	}

	c := &Conn{
		privateKey: key,
		address:    crypto.PubkeyToAddress(*pub),
		network:    network,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.client == nil {
		client, err := ethclient.Dial(network.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		c.client = client
	}

	return c, nil
}

// Address returns the connected account.
func (c *Conn) Address() common.Address { return c.address }

// Network returns the active chain's registry entry.
func (c *Conn) Network() chains.Network { return c.network }

// Client exposes the underlying client for read-only collaborators.
func (c *Conn) Client() EthClient { return c.client }

// NativeBalance returns the account's native-asset balance.
func (c *Conn) NativeBalance(ctx context.Context) (*big.Int, error) {
	return c.client.BalanceAt(ctx, c.address, nil)
}

// Submit signs and broadcasts a transaction carrying calldata to a contract.
// value is the native amount attached (nil for token-path calls).
func (c *Conn) Submit(ctx context.Context, to common.Address, value *big.Int, data []byte) (string, error) {
	if value == nil {
		value = big.NewInt(0)
	}

	nonce, err := c.client.PendingNonceAt(ctx, c.address)
	if err != nil {
		return "", &TxError{Op: "nonce", Err: err}
	}

	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", &TxError{Op: "gas_price", Err: err}
	}

	gasLimit, err := c.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  c.address,
		To:    &to,
		Value: value,
		Data:  data,
	})
	if err != nil {
		// Use default if estimation fails; the revert surfaces on receipt.
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, to, value, gasLimit, gasPrice, data)

	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(big.NewInt(c.network.ChainID)), c.privateKey)
	if err != nil {
		return "", &TxError{Op: "sign", Err: fmt.Errorf("%w: %v", ErrSignerRefused, err)}
	}

	if err := c.client.SendTransaction(ctx, signedTx); err != nil {
		return "", &TxError{Op: "send", TxHash: signedTx.Hash().Hex(), Err: err}
	}

	return signedTx.Hash().Hex(), nil
}

// WaitForConfirmation polls until the transaction is mined or the timeout
// elapses. A mined-but-reverted transaction returns ErrTransactionFailed.
func (c *Conn) WaitForConfirmation(ctx context.Context, txHash string, timeout time.Duration) (*Receipt, error) {
	hash := common.HexToHash(txHash)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(ConfirmationPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: waiting for tx %s", ErrTimeout, txHash)
			}
			return nil, ctx.Err()

		case <-ticker.C:
			receipt, err := c.client.TransactionReceipt(ctx, hash)
			if err != nil {
				// Transaction not yet mined, continue waiting
				continue
			}

			if receipt.Status == 0 {
				return nil, &TxError{Op: "confirm", TxHash: txHash, Err: ErrTransactionFailed}
			}

			return &Receipt{
				TxHash:      txHash,
				BlockNumber: receipt.BlockNumber.Uint64(),
				GasUsed:     receipt.GasUsed,
			}, nil
		}
	}
}

// Close closes the client connection.
func (c *Conn) Close() error {
	if c.client != nil {
		c.client.Close()
	}
	return nil
}

// -----------------------------------------------------------------------------
// Manager - active-chain ownership with switching
// -----------------------------------------------------------------------------

// Manager owns the current connection and re-dials on chain switch.
// Reads of the active connection are cheap; switching replaces it atomically.
type Manager struct {
	mu         sync.RWMutex
	conn       *Conn
	privateKey string
	rpcDial    func(network chains.Network) (*Conn, error)
}

// NewManager creates a manager holding an initial connection.
func NewManager(initial *Conn, privateKeyHex string) *Manager {
	return &Manager{
		conn:       initial,
		privateKey: privateKeyHex,
		rpcDial: func(n chains.Network) (*Conn, error) {
			return Connect(n, privateKeyHex)
		},
	}
}

// WithDialer overrides connection construction (for tests).
func (m *Manager) WithDialer(dial func(chains.Network) (*Conn, error)) *Manager {
	m.rpcDial = dial
	return m
}

// Conn returns the active connection handle.
func (m *Manager) Conn() *Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conn
}

// SwitchChain re-dials against another registered network and swaps the
// active connection. The old connection is closed after the swap.
func (m *Manager) SwitchChain(ctx context.Context, chainID int64) error {
	network, err := chains.Get(chainID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn != nil && m.conn.network.ChainID == chainID {
		return nil // already on this chain
	}

	next, err := m.rpcDial(network)
	if err != nil {
		return fmt.Errorf("wallet: switch to chain %d: %w", chainID, err)
	}

	old := m.conn
	m.conn = next
	if old != nil {
		_ = old.Close()
	}
	return nil
}
