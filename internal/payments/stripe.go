// Package payments verifies fiat payment evidence against Stripe.
//
// The escrow contract never sees fiat. Evidence verification exists so the
// seller has some signal before releasing: it annotates the trade record
// and is strictly advisory, a Stripe outage or an unknown reference never
// blocks the lifecycle.
package payments

import (
	"context"
	"log/slog"
	"strings"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
)

// StripeVerifier resolves payment-intent references through the Stripe API.
type StripeVerifier struct {
	api    *client.API
	logger *slog.Logger
}

// NewStripeVerifier creates a verifier with its own Stripe client.
func NewStripeVerifier(apiKey string, logger *slog.Logger) *StripeVerifier {
	api := &client.API{}
	api.Init(apiKey, nil)
	return &StripeVerifier{api: api, logger: logger}
}

// Verify checks whether reference is a succeeded Stripe payment intent.
// Non-Stripe references and API failures report unverified with a detail
// string, never an error.
func (v *StripeVerifier) Verify(ctx context.Context, reference string) (bool, string) {
	if !strings.HasPrefix(reference, "pi_") {
		return false, "not a Stripe payment intent reference"
	}

	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := v.api.PaymentIntents.Get(reference, params)
	if err != nil {
		v.logger.Warn("stripe lookup failed", "reference", reference, "error", err)
		return false, "payment provider lookup failed"
	}

	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		return true, ""
	case stripe.PaymentIntentStatusProcessing:
		return false, "payment still processing"
	default:
		return false, "payment intent status: " + string(pi.Status)
	}
}
