package orchestrator

import (
	"github.com/tradewell/escrowd/internal/bindings"
	"github.com/tradewell/escrowd/internal/trade"
)

// On-chain escrow status codes. Zero means no escrow exists for the key.
const (
	codeNone             uint8 = 0
	codeCreated          uint8 = 1
	codeFunded           uint8 = 2
	codePaymentConfirmed uint8 = 3
	codeDisputed         uint8 = 4
	codeCompleted        uint8 = 5
	codeCancelled        uint8 = 6
)

// statusFromCode maps an on-chain status code to the off-chain enum.
// The mapping is total: codes outside the defined range return
// trade.StatusUnknown with ok=false, never a silent fallback.
func statusFromCode(code uint8) (trade.Status, bool) {
	switch code {
	case codeCreated:
		return trade.StatusPending, true
	case codeFunded:
		return trade.StatusFunded, true
	case codePaymentConfirmed:
		return trade.StatusInProgress, true
	case codeDisputed:
		return trade.StatusDisputed, true
	case codeCompleted:
		return trade.StatusCompleted, true
	case codeCancelled:
		return trade.StatusCancelled, true
	default:
		return trade.StatusUnknown, false
	}
}

// StatusSource says which source of truth produced an authoritative status.
type StatusSource string

const (
	SourceChain    StatusSource = "chain"
	SourceOffchain StatusSource = "offchain"
)

// resolveStatus reconciles the stored record with on-chain state. The chain
// wins whenever its code is resolvable; the stored status is only a fallback
// for a missing escrow, a failed read (nil state), or an unmapped code.
func resolveStatus(t *trade.Trade, st *bindings.EscrowState) (trade.Status, StatusSource) {
	if !st.Exists() {
		return t.Status, SourceOffchain
	}
	mapped, ok := statusFromCode(st.Status)
	if !ok {
		return t.Status, SourceOffchain
	}
	return mapped, SourceChain
}
