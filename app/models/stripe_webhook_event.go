package models

import "time"

// Ledger statuses for StripeWebhookEvent.Status.
const (
	WebhookStatusReceived          = "received"
	WebhookStatusProcessed         = "processed"
	WebhookStatusSkippedDuplicate  = "skipped_duplicate"
	WebhookStatusFailed            = "failed"
	WebhookStatusIgnoredUnverified = "ignored_unverified"
	WebhookStatusIgnoredTestMode   = "ignored_test_mode"
)

// MaxWebhookErrorLength caps the stored diagnostic message.
const MaxWebhookErrorLength = 1000

// StripeWebhookEvent is one row per physical webhook delivery. The first block of
// fields is written at receipt, before the signature is checked. The verified
// block stays NULL until the row moves to processed or skipped_duplicate.
type StripeWebhookEvent struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	PayloadHash      string    `gorm:"type:varchar(191);not null;uniqueIndex:ux_stripe_webhook_events_payload_hash" json:"payload_hash"`
	SignaturePresent bool      `gorm:"default:false" json:"signature_present"`
	ReceivedAt       time.Time `gorm:"not null;index" json:"received_at"`
	Route            string    `gorm:"type:varchar(191);not null;default:''" json:"route"`
	RequestID        string    `gorm:"type:varchar(64);not null;default:'';index" json:"request_id"`
	Status           string    `gorm:"type:varchar(32);not null;default:'received';index" json:"status"`
	Error            *string   `gorm:"type:text" json:"error,omitempty"`
	HTTPStatus       *int      `json:"http_status,omitempty"`

	StripeEventID           *string    `gorm:"type:varchar(191);index" json:"stripe_event_id,omitempty"`
	EventType               *string    `gorm:"type:varchar(100);index" json:"type,omitempty"`
	Livemode                *bool      `json:"livemode,omitempty"`
	APIVersion              *string    `gorm:"type:varchar(32)" json:"api_version,omitempty"`
	EventCreatedAt          *time.Time `json:"created,omitempty"`
	ProcessedAt             *time.Time `json:"processed_at,omitempty"`
	OrgID                   *string    `gorm:"type:varchar(191);index" json:"org_id,omitempty"`
	StripeCustomerID        *string    `gorm:"type:varchar(191)" json:"stripe_customer_id,omitempty"`
	StripeSubscriptionID    *string    `gorm:"type:varchar(191)" json:"stripe_subscription_id,omitempty"`
	StripeCheckoutSessionID *string    `gorm:"type:varchar(191);index" json:"stripe_checkout_session_id,omitempty"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// HasVerifiedFields reports whether any field of the verified block is set.
func (e *StripeWebhookEvent) HasVerifiedFields() bool {
	return e.StripeEventID != nil ||
		e.EventType != nil ||
		e.Livemode != nil ||
		e.APIVersion != nil ||
		e.EventCreatedAt != nil ||
		e.ProcessedAt != nil ||
		e.OrgID != nil ||
		e.StripeCustomerID != nil ||
		e.StripeSubscriptionID != nil ||
		e.StripeCheckoutSessionID != nil
}

// TruncateWebhookError shortens msg to MaxWebhookErrorLength bytes without
// splitting a UTF-8 sequence.
func TruncateWebhookError(msg string) string {
	if len(msg) <= MaxWebhookErrorLength {
		return msg
	}
	cut := MaxWebhookErrorLength
	for cut > 0 && msg[cut]&0xC0 == 0x80 {
		cut--
	}
	return msg[:cut]
}
