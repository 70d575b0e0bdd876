package chains

import "testing"

func TestGet_SupportedChains(t *testing.T) {
	for _, id := range []int64{BaseMainnet, BaseSepolia} {
		n, err := Get(id)
		if err != nil {
			t.Fatalf("Get(%d) failed: %v", id, err)
		}
		if n.RPCURL == "" || n.ExplorerURL == "" {
			t.Errorf("network %d missing endpoints", id)
		}
		if (n.EscrowAddr == [20]byte{}) {
			t.Errorf("network %d missing escrow contract address", id)
		}
	}
}

func TestGet_UnsupportedChain(t *testing.T) {
	if _, err := Get(1); err == nil {
		t.Error("expected error for unregistered chain")
	}
}

func TestTokenAddress_Native(t *testing.T) {
	n := MustGet(BaseSepolia)
	addr, err := n.TokenAddress("eth")
	if err != nil {
		t.Fatalf("TokenAddress(eth) failed: %v", err)
	}
	if addr != NativeSentinel {
		t.Errorf("expected native sentinel, got %s", addr.Hex())
	}
}

func TestTokenAddress_ListedToken(t *testing.T) {
	n := MustGet(BaseSepolia)
	if _, err := n.TokenAddress("usdc"); err != nil {
		t.Errorf("TokenAddress(usdc) failed: %v", err)
	}
	if _, err := n.TokenAddress("SHIB"); err == nil {
		t.Error("expected error for unlisted token")
	}
}

func TestWithRPCOverride(t *testing.T) {
	n := MustGet(BaseMainnet)
	over := WithRPCOverride(n, "http://localhost:8545")
	if over.RPCURL != "http://localhost:8545" {
		t.Errorf("override not applied: %s", over.RPCURL)
	}
	// Empty override keeps the registry default.
	same := WithRPCOverride(n, "")
	if same.RPCURL != n.RPCURL {
		t.Error("empty override should keep default RPC")
	}
}
