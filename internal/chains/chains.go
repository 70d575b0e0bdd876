// Package chains holds the fixed network registry: for each supported chain,
// the RPC endpoint, block explorer, deployed escrow contract, and the token
// address table used to resolve symbols for contract calls.
package chains

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

var ErrUnsupportedChain = errors.New("chains: unsupported chain")

// NativeSentinel is the conventional address used by the escrow contract to
// represent the chain's native asset in token-keyed mappings.
var NativeSentinel = common.HexToAddress("0xEeeeeEeeeEeEeeEeEeEeeEEEeeeeEeeeeeeeEEeE")

// Supported chain IDs. One chain family, mainnet and testnet.
const (
	BaseMainnet int64 = 8453
	BaseSepolia int64 = 84532
)

// Network describes a supported chain deployment.
type Network struct {
	ChainID      int64
	Name         string
	RPCURL       string
	ExplorerURL  string
	EscrowAddr   common.Address
	NativeSymbol string
	Tokens       map[string]common.Address // symbol -> ERC-20 address
}

// IsNativeSymbol reports whether symbol refers to the chain's native asset.
func (n Network) IsNativeSymbol(symbol string) bool {
	return strings.EqualFold(symbol, n.NativeSymbol)
}

// TokenAddress resolves a token symbol to its on-chain address.
// Native symbols resolve to the sentinel address.
func (n Network) TokenAddress(symbol string) (common.Address, error) {
	if n.IsNativeSymbol(symbol) {
		return NativeSentinel, nil
	}
	addr, ok := n.Tokens[strings.ToUpper(symbol)]
	if !ok {
		return common.Address{}, fmt.Errorf("chains: token %q not listed on %s", symbol, n.Name)
	}
	return addr, nil
}

// TxURL returns the explorer link for a transaction hash.
func (n Network) TxURL(txHash string) string {
	return n.ExplorerURL + "/tx/" + txHash
}

var networks = map[int64]Network{
	BaseMainnet: {
		ChainID:      BaseMainnet,
		Name:         "base",
		RPCURL:       "https://mainnet.base.org",
		ExplorerURL:  "https://basescan.org",
		EscrowAddr:   common.HexToAddress("0x9f3a618d0d4b458a62cfc0f97dc4d3c361e1dd81"),
		NativeSymbol: "ETH",
		Tokens: map[string]common.Address{
			"USDC": common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"),
			"USDT": common.HexToAddress("0xfde4C96c8593536E31F229EA8f37b2ADa2699bb2"),
			"DAI":  common.HexToAddress("0x50c5725949A6F0c72E6C4a641F24049A917DB0Cb"),
		},
	},
	BaseSepolia: {
		ChainID:      BaseSepolia,
		Name:         "base-sepolia",
		RPCURL:       "https://sepolia.base.org",
		ExplorerURL:  "https://sepolia.basescan.org",
		EscrowAddr:   common.HexToAddress("0x5c1f4e27cbd5d1ad069bcb847062eb10467a2a35"),
		NativeSymbol: "ETH",
		Tokens: map[string]common.Address{
			"USDC": common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e"),
		},
	},
}

// Get returns the registry entry for a chain ID.
func Get(chainID int64) (Network, error) {
	n, ok := networks[chainID]
	if !ok {
		return Network{}, fmt.Errorf("%w: %d", ErrUnsupportedChain, chainID)
	}
	return n, nil
}

// MustGet is Get for chain IDs known at compile time.
func MustGet(chainID int64) Network {
	n, err := Get(chainID)
	if err != nil {
		panic(err)
	}
	return n
}

// Supported returns all registered chain IDs.
func Supported() []int64 {
	ids := make([]int64, 0, len(networks))
	for id := range networks {
		ids = append(ids, id)
	}
	return ids
}

// WithRPCOverride returns a copy of the network using a custom RPC endpoint.
// Used when the operator runs their own node.
func WithRPCOverride(n Network, rpcURL string) Network {
	if rpcURL != "" {
		n.RPCURL = rpcURL
	}
	return n
}
