// Package errclass maps failures from the wallet, RPC node, and contract
// into a small taxonomy the API and operators can act on.
//
// Classification is deterministic and side-effect free. Recovery guidance
// is advisory only: nothing here retries anything, a human or an explicit
// client call does.
package errclass

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/tradewell/escrowd/internal/wallet"
)

// Sentinels wrapped by callers so operation failures classify cleanly.
var (
	ErrValidation        = errors.New("validation failed")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrConfigUnavailable = errors.New("token configuration unavailable")
)

// Kind is the failure category.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindInsufficientFunds Kind = "insufficient_funds"
	KindRejected          Kind = "rejected"
	KindRevert            Kind = "contract_revert"
	KindConfigUnavailable Kind = "config_unavailable"
	KindNetwork           Kind = "network"
	KindUnknown           Kind = "unknown"
)

// Recovery is the suggested next step after a failure.
type Recovery string

const (
	RecoveryNone   Recovery = "none"   // fix the request, retrying as-is cannot help
	RecoveryRetry  Recovery = "retry"  // re-invoke the same operation
	RecoveryResync Recovery = "resync" // re-read chain state, then reassess
)

// Classified is a categorized failure.
type Classified struct {
	Kind         Kind     `json:"kind"`
	Message      string   `json:"message"`
	RevertReason string   `json:"revertReason,omitempty"`
	Recovery     Recovery `json:"recovery"`

	cause error
}

func (c *Classified) Error() string { return c.Message }
func (c *Classified) Unwrap() error { return c.cause }

// Classify categorizes err. A nil error returns nil.
func Classify(err error) *Classified {
	if err == nil {
		return nil
	}
	var already *Classified
	if errors.As(err, &already) {
		return already
	}

	c := &Classified{Message: err.Error(), cause: err}

	switch {
	case errors.Is(err, ErrValidation):
		c.Kind = KindValidation
		c.Recovery = RecoveryNone

	case errors.Is(err, ErrInsufficientFunds):
		c.Kind = KindInsufficientFunds
		c.Recovery = RecoveryRetry

	case errors.Is(err, ErrConfigUnavailable):
		c.Kind = KindConfigUnavailable
		c.Recovery = RecoveryRetry

	case errors.Is(err, wallet.ErrSignerRefused):
		c.Kind = KindRejected
		c.Recovery = RecoveryRetry

	case isRevert(err):
		c.Kind = KindRevert
		c.RevertReason = revertReason(err)
		// A revert usually means the submit raced a state change, so the
		// local view is stale until re-read.
		c.Recovery = RecoveryResync

	case errors.Is(err, wallet.ErrTimeout):
		// The transaction may still land; re-read before acting again.
		c.Kind = KindNetwork
		c.Recovery = RecoveryResync

	case isNetwork(err):
		c.Kind = KindNetwork
		c.Recovery = RecoveryRetry

	default:
		c.Kind = KindUnknown
		c.Recovery = RecoveryResync
	}
	return c
}

// HTTPStatus maps a failure kind to an HTTP status code.
func HTTPStatus(k Kind) int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindInsufficientFunds:
		return http.StatusPaymentRequired
	case KindRejected:
		return http.StatusConflict
	case KindRevert:
		return http.StatusConflict
	case KindConfigUnavailable:
		return http.StatusServiceUnavailable
	case KindNetwork:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func isRevert(err error) bool {
	if errors.Is(err, wallet.ErrTransactionFailed) {
		return true
	}
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		return true
	}
	return strings.Contains(err.Error(), "execution reverted")
}

// revertReason extracts the human-readable reason from a revert, if the
// node surfaced one. Tries the structured RPC error data first, then the
// conventional "execution reverted: ..." message suffix.
func revertReason(err error) string {
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if hexData, ok := dataErr.ErrorData().(string); ok {
			if raw, decodeErr := hexutil.Decode(hexData); decodeErr == nil {
				if reason, unpackErr := abi.UnpackRevert(raw); unpackErr == nil {
					return reason
				}
			}
		}
	}

	msg := err.Error()
	if idx := strings.Index(msg, "execution reverted:"); idx >= 0 {
		return strings.TrimSpace(msg[idx+len("execution reverted:"):])
	}
	return ""
}

func isNetwork(err error) bool {
	if errors.Is(err, wallet.ErrRPCConnection) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection refused") || strings.Contains(msg, "i/o timeout")
}
