package models

import (
	"fmt"
	"time"
)

const (
	GrantPurchaseKindCreated  = "created"
	GrantPurchaseKindExtended = "extended"
)

// AccessGrant is a time-bounded entitlement of an organization, independent of
// recurring subscription billing. ActiveKey holds "org:type" while the grant is
// not revoked so the unique index allows only one live grant per pair.
type AccessGrant struct {
	ID                      uint              `gorm:"primaryKey" json:"id"`
	OrgID                   string            `gorm:"type:varchar(191);not null;index:idx_access_grants_org_type,priority:1" json:"org_id"`
	Type                    string            `gorm:"type:varchar(50);not null;index:idx_access_grants_org_type,priority:2" json:"type"`
	StartsAt                time.Time         `gorm:"not null" json:"starts_at"`
	ExpiresAt               time.Time         `gorm:"not null;index" json:"expires_at"`
	RevokedAt               *time.Time        `json:"revoked_at,omitempty"`
	StripeCheckoutSessionID *string           `gorm:"type:varchar(191);uniqueIndex:ux_access_grants_checkout_session" json:"stripe_checkout_session_id,omitempty"`
	Metadata                map[string]string `gorm:"type:text;serializer:json" json:"metadata,omitempty"`
	ActiveKey               *string           `gorm:"type:varchar(191);uniqueIndex:ux_access_grants_active_key" json:"-"`
	Version                 int               `gorm:"not null;default:1" json:"-"`
	CreatedAt               time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt               time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

// GrantActiveKey builds the value stored in AccessGrant.ActiveKey.
func GrantActiveKey(orgID, grantType string) string {
	return fmt.Sprintf("%s:%s", orgID, grantType)
}

// IsActiveAt reports whether the grant is not revoked and not expired at t.
func (g *AccessGrant) IsActiveAt(t time.Time) bool {
	return g.RevokedAt == nil && t.Before(g.ExpiresAt)
}

// AccessGrantPurchase records every checkout session applied to a grant. Its
// unique checkout session column is the idempotency key for both creation and
// extension.
type AccessGrantPurchase struct {
	ID                      uint       `gorm:"primaryKey" json:"id"`
	GrantID                 uint       `gorm:"not null;index" json:"grant_id"`
	OrgID                   string     `gorm:"type:varchar(191);not null;index" json:"org_id"`
	GrantType               string     `gorm:"type:varchar(50);not null" json:"grant_type"`
	StripeCheckoutSessionID string     `gorm:"type:varchar(191);not null;uniqueIndex:ux_access_grant_purchases_checkout_session" json:"stripe_checkout_session_id"`
	StripeEventID           string     `gorm:"type:varchar(191);not null;default:''" json:"stripe_event_id"`
	Kind                    string     `gorm:"type:varchar(16);not null" json:"kind"`
	PreviousExpiresAt       *time.Time `json:"previous_expires_at,omitempty"`
	NewExpiresAt            time.Time  `gorm:"not null" json:"new_expires_at"`
	CreatedAt               time.Time  `gorm:"autoCreateTime" json:"created_at"`
}
