package orchestrator

import (
	"testing"

	"github.com/tradewell/escrowd/internal/bindings"
	"github.com/tradewell/escrowd/internal/trade"
)

func TestStatusFromCode(t *testing.T) {
	cases := []struct {
		code uint8
		want trade.Status
		ok   bool
	}{
		{codeCreated, trade.StatusPending, true},
		{codeFunded, trade.StatusFunded, true},
		{codePaymentConfirmed, trade.StatusInProgress, true},
		{codeDisputed, trade.StatusDisputed, true},
		{codeCompleted, trade.StatusCompleted, true},
		{codeCancelled, trade.StatusCancelled, true},
		{codeNone, trade.StatusUnknown, false},
		{7, trade.StatusUnknown, false},
		{255, trade.StatusUnknown, false},
	}
	for _, tc := range cases {
		got, ok := statusFromCode(tc.code)
		if got != tc.want || ok != tc.ok {
			t.Errorf("statusFromCode(%d) = (%s, %v), want (%s, %v)", tc.code, got, ok, tc.want, tc.ok)
		}
	}
}

func TestResolveStatus_ChainWins(t *testing.T) {
	rec := &trade.Trade{Status: trade.StatusPending}
	st := &bindings.EscrowState{Status: codeFunded}

	status, source := resolveStatus(rec, st)
	if status != trade.StatusFunded {
		t.Errorf("expected funded, got %s", status)
	}
	if source != SourceChain {
		t.Errorf("expected chain source, got %s", source)
	}
}

func TestResolveStatus_NilStateFallsBack(t *testing.T) {
	rec := &trade.Trade{Status: trade.StatusInProgress}

	status, source := resolveStatus(rec, nil)
	if status != trade.StatusInProgress {
		t.Errorf("expected in_progress, got %s", status)
	}
	if source != SourceOffchain {
		t.Errorf("expected offchain source, got %s", source)
	}
}

func TestResolveStatus_MissingEscrowFallsBack(t *testing.T) {
	rec := &trade.Trade{Status: trade.StatusPending}
	st := &bindings.EscrowState{Status: codeNone}

	status, source := resolveStatus(rec, st)
	if status != trade.StatusPending || source != SourceOffchain {
		t.Errorf("got (%s, %s), want (pending, offchain)", status, source)
	}
}

func TestResolveStatus_UnmappedCodeFallsBack(t *testing.T) {
	rec := &trade.Trade{Status: trade.StatusFunded}
	st := &bindings.EscrowState{Status: 9}

	status, source := resolveStatus(rec, st)
	if status != trade.StatusFunded || source != SourceOffchain {
		t.Errorf("got (%s, %s), want (funded, offchain)", status, source)
	}
}
