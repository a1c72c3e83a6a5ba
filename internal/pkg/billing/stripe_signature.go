package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

const (
	// StripeSignatureHeader is the header Stripe signs deliveries with.
	StripeSignatureHeader = "Stripe-Signature"

	defaultVerifyTimeout = 5 * time.Second
)

// SignatureVerifier authenticates raw webhook bytes and returns the parsed event.
type SignatureVerifier interface {
	Verify(ctx context.Context, payload []byte, signatureHeader string) (stripe.Event, error)
}

// StripeVerifier checks the Stripe-Signature header against the endpoint secret.
type StripeVerifier struct {
	Secret    string
	Tolerance time.Duration
	Timeout   time.Duration

	construct func(payload []byte, header, secret string, opts webhook.ConstructEventOptions) (stripe.Event, error)
}

// NewStripeVerifier creates a verifier for the given endpoint secret.
func NewStripeVerifier(secret string, tolerance, timeout time.Duration) *StripeVerifier {
	return &StripeVerifier{
		Secret:    strings.TrimSpace(secret),
		Tolerance: tolerance,
		Timeout:   timeout,
		construct: webhook.ConstructEventWithOptions,
	}
}

type verifyResult struct {
	event stripe.Event
	err   error
}

// Verify runs the signature check under a timeout. Anything short of a
// positive answer, including a timeout, is an authenticity failure.
func (v *StripeVerifier) Verify(ctx context.Context, payload []byte, signatureHeader string) (stripe.Event, error) {
	if strings.TrimSpace(signatureHeader) == "" {
		return stripe.Event{}, ErrMissingSignature
	}
	if v.Secret == "" {
		return stripe.Event{}, fmt.Errorf("%w: webhook secret is not configured", ErrInvalidSignature)
	}

	timeout := v.Timeout
	if timeout <= 0 {
		timeout = defaultVerifyTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	construct := v.construct
	if construct == nil {
		construct = webhook.ConstructEventWithOptions
	}

	done := make(chan verifyResult, 1)
	go func() {
		event, err := construct(payload, signatureHeader, v.Secret, webhook.ConstructEventOptions{
			Tolerance:                v.Tolerance,
			IgnoreAPIVersionMismatch: true,
		})
		done <- verifyResult{event: event, err: err}
	}()

	select {
	case <-ctx.Done():
		return stripe.Event{}, fmt.Errorf("%w: %v", ErrVerificationTimeout, ctx.Err())
	case res := <-done:
		if res.err != nil {
			return stripe.Event{}, fmt.Errorf("%w: %w", ErrInvalidSignature, res.err)
		}
		if strings.TrimSpace(res.event.ID) == "" || res.event.Data == nil {
			return stripe.Event{}, fmt.Errorf("%w: event id or data missing", ErrMalformedEvent)
		}
		return res.event, nil
	}
}

// VerificationFailureReason maps a verifier error to a short metrics label.
func VerificationFailureReason(err error) string {
	switch {
	case errors.Is(err, ErrMissingSignature):
		return "missing"
	case errors.Is(err, ErrVerificationTimeout):
		return "timeout"
	case errors.Is(err, webhook.ErrTooOld):
		return "too_old"
	case errors.Is(err, ErrMalformedEvent):
		return "malformed"
	default:
		return "invalid"
	}
}
