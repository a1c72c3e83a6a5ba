package billing

import "errors"

var (
	ErrUnreadableBody      = errors.New("webhook body could not be read")
	ErrMissingSignature    = errors.New("missing Stripe-Signature header")
	ErrInvalidSignature    = errors.New("invalid webhook signature")
	ErrVerificationTimeout = errors.New("webhook signature verification timed out")
	ErrMissingMetadata     = errors.New("checkout session is missing orgId/grantType metadata")
	ErrUnknownGrantType    = errors.New("checkout session references an unknown grant type")
	ErrPaymentNotPaid      = errors.New("checkout session payment status is not paid")
	ErrMalformedEvent      = errors.New("verified event payload could not be decoded")
	ErrDuplicatePayload    = errors.New("webhook payload hash already recorded")
	ErrLedgerTransition    = errors.New("ledger row is not in a state that allows this update")
	ErrStaleGrant          = errors.New("grant changed concurrently")
)

var (
	ErrDuplicateCheckoutSession = errors.New("checkout session already applied to a grant")
	ErrGrantConflict            = errors.New("a live grant for this org and type already exists")
)
