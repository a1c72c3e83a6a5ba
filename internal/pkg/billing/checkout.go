package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	stripe "github.com/stripe/stripe-go/v82"

	"github.com/corates/stripehook/internal/pkg/entitlements"
)

// Checkout metadata keys set by the app when it creates the checkout session.
const (
	MetadataOrgID     = "orgId"
	MetadataGrantType = "grantType"
	MetadataUserID    = "userId"
)

var metadataValidator = validator.New()

// expandableID decodes a Stripe reference that is either an id string or an
// expanded object carrying an "id" field.
type expandableID string

func (e *expandableID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*e = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*e = expandableID(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*e = expandableID(obj.ID)
	return nil
}

type checkoutSession struct {
	ID              string            `json:"id"`
	Mode            string            `json:"mode"`
	PaymentStatus   string            `json:"payment_status"`
	Customer        expandableID      `json:"customer"`
	Subscription    expandableID      `json:"subscription"`
	PaymentIntent   expandableID      `json:"payment_intent"`
	CustomerEmail   string            `json:"customer_email"`
	ClientReference string            `json:"client_reference_id"`
	Metadata        map[string]string `json:"metadata"`
	CustomerDetails struct {
		Email string `json:"email"`
	} `json:"customer_details"`
}

// CheckoutMetadata is the correlation data the app attaches to a checkout.
type CheckoutMetadata struct {
	OrgID     string `validate:"required,max=191"`
	GrantType string `validate:"required,max=50"`
	UserID    string `validate:"max=191"`
}

func decodeCheckoutSession(raw json.RawMessage) (*checkoutSession, error) {
	var s checkoutSession
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if strings.TrimSpace(s.ID) == "" {
		return nil, fmt.Errorf("%w: checkout session id missing", ErrMalformedEvent)
	}
	return &s, nil
}

func (s *checkoutSession) metadata() (CheckoutMetadata, error) {
	m := CheckoutMetadata{
		OrgID:     strings.TrimSpace(s.Metadata[MetadataOrgID]),
		GrantType: strings.TrimSpace(s.Metadata[MetadataGrantType]),
		UserID:    strings.TrimSpace(s.Metadata[MetadataUserID]),
	}
	if err := metadataValidator.Struct(m); err != nil {
		return m, fmt.Errorf("%w: %v", ErrMissingMetadata, err)
	}
	return m, nil
}

func (s *checkoutSession) purchaserEmail() string {
	if email := strings.TrimSpace(s.CustomerDetails.Email); email != "" {
		return strings.ToLower(email)
	}
	return strings.ToLower(strings.TrimSpace(s.CustomerEmail))
}

// CheckoutCompletedHandler turns paid one-time checkouts into grant mutations.
type CheckoutCompletedHandler struct {
	grants *GrantService
}

// NewCheckoutCompletedHandler creates the checkout.session.completed handler.
func NewCheckoutCompletedHandler(grants *GrantService) *CheckoutCompletedHandler {
	return &CheckoutCompletedHandler{grants: grants}
}

func (h *CheckoutCompletedHandler) Handle(ctx context.Context, event stripe.Event, summary EventSummary) (Outcome, error) {
	session, err := decodeCheckoutSession(event.Data.Raw)
	if err != nil {
		return failedOutcome(err), nil
	}

	verified := VerifiedFields{
		StripeEventID:           summary.ID,
		EventType:               summary.Type,
		Livemode:                summary.Livemode,
		APIVersion:              summary.APIVersion,
		EventCreatedAt:          summary.Created,
		StripeCustomerID:        string(session.Customer),
		StripeSubscriptionID:    string(session.Subscription),
		StripeCheckoutSessionID: session.ID,
	}

	// Subscription checkouts belong to the processor's recurring lifecycle.
	if session.Mode != string(stripe.CheckoutSessionModePayment) {
		out := processedOutcome(TagIgnoredMode)
		out.Verified = verified
		return out, nil
	}

	meta, err := session.metadata()
	if err != nil {
		return failedOutcome(err), nil
	}
	grantType, ok := entitlements.ParseGrantType(meta.GrantType)
	if !ok {
		return failedOutcome(fmt.Errorf("%w: %q", ErrUnknownGrantType, meta.GrantType)), nil
	}

	if session.PaymentStatus != string(stripe.CheckoutSessionPaymentStatusPaid) {
		return failedOutcome(fmt.Errorf("%w: %q", ErrPaymentNotPaid, session.PaymentStatus)), nil
	}

	grantMeta := map[string]string{
		"stripe_event_id":            summary.ID,
		"stripe_customer_id":         string(session.Customer),
		"stripe_payment_intent_id":   string(session.PaymentIntent),
		"stripe_checkout_session_id": session.ID,
		"purchaser_email":            session.purchaserEmail(),
		"purchaser_user_id":          meta.UserID,
		"client_reference_id":        strings.TrimSpace(session.ClientReference),
	}
	for k, v := range grantMeta {
		if v == "" {
			delete(grantMeta, k)
		}
	}

	res, err := h.grants.ApplyCheckout(ctx, Purchase{
		OrgID:             meta.OrgID,
		GrantType:         grantType,
		CheckoutSessionID: session.ID,
		StripeEventID:     summary.ID,
		Metadata:          grantMeta,
	})
	if err != nil {
		return Outcome{}, err
	}

	verified.OrgID = meta.OrgID
	var out Outcome
	switch res.Kind {
	case GrantResultCreated:
		out = processedOutcome(TagGrantCreated)
	case GrantResultExtended:
		out = processedOutcome(TagGrantExtended)
	case GrantResultTrialAlreadyGranted:
		out = duplicateOutcome(TagTrialAlreadyGranted)
	case GrantResultNotExtendable:
		out = duplicateOutcome(TagGrantNotExtendable)
	default:
		out = duplicateOutcome(TagDuplicate)
	}
	out.Verified = verified
	out.GrantType = string(grantType)
	return out, nil
}
