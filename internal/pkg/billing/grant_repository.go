package billing

import (
	"context"
	"errors"
	"time"

	"github.com/corates/stripehook/app/models"
	"gorm.io/gorm"
)

// GrantStore persists access grants and the purchases applied to them.
type GrantStore interface {
	// WithinTx runs fn against a store bound to a single transaction.
	WithinTx(ctx context.Context, fn func(tx GrantStore) error) error

	PurchaseExists(ctx context.Context, checkoutSessionID string) (bool, error)
	FindActive(ctx context.Context, orgID, grantType string) (*models.AccessGrant, error)
	HasAnyGrant(ctx context.Context, orgID, grantType string) (bool, error)
	CreateGrant(ctx context.Context, grant *models.AccessGrant) error
	ExtendExpiry(ctx context.Context, grant *models.AccessGrant, newExpiry time.Time) error
	RecordPurchase(ctx context.Context, purchase *models.AccessGrantPurchase) error

	ListByOrg(ctx context.Context, orgID string) ([]models.AccessGrant, error)
	ListPurchasesByGrant(ctx context.Context, grantID uint) ([]models.AccessGrantPurchase, error)
}

type gormGrantStore struct {
	db *gorm.DB
}

// NewGrantStore creates a grant store backed by GORM.
func NewGrantStore(db *gorm.DB) GrantStore {
	return &gormGrantStore{db: db}
}

func (s *gormGrantStore) WithinTx(ctx context.Context, fn func(tx GrantStore) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormGrantStore{db: tx})
	})
}

func (s *gormGrantStore) PurchaseExists(ctx context.Context, checkoutSessionID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.AccessGrantPurchase{}).
		Where("stripe_checkout_session_id = ?", checkoutSessionID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	if count > 0 {
		return true, nil
	}

	// Grants created before purchases were recorded only carry the session on the grant row.
	err = s.db.WithContext(ctx).
		Model(&models.AccessGrant{}).
		Where("stripe_checkout_session_id = ?", checkoutSessionID).
		Count(&count).Error
	return count > 0, err
}

func (s *gormGrantStore) FindActive(ctx context.Context, orgID, grantType string) (*models.AccessGrant, error) {
	var grant models.AccessGrant
	err := s.db.WithContext(ctx).
		Where("org_id = ? AND type = ? AND revoked_at IS NULL", orgID, grantType).
		Order("id ASC").
		First(&grant).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &grant, nil
}

func (s *gormGrantStore) HasAnyGrant(ctx context.Context, orgID, grantType string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.AccessGrant{}).
		Where("org_id = ? AND type = ?", orgID, grantType).
		Count(&count).Error
	return count > 0, err
}

func (s *gormGrantStore) CreateGrant(ctx context.Context, grant *models.AccessGrant) error {
	if grant.RevokedAt == nil {
		key := models.GrantActiveKey(grant.OrgID, grant.Type)
		grant.ActiveKey = &key
	}
	if grant.Version == 0 {
		grant.Version = 1
	}
	if err := s.db.WithContext(ctx).Create(grant).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrGrantConflict
		}
		return err
	}
	return nil
}

// ExtendExpiry moves the expiry forward with a compare-and-swap on Version.
// Expiry never moves backwards; a stale version yields ErrStaleGrant.
func (s *gormGrantStore) ExtendExpiry(ctx context.Context, grant *models.AccessGrant, newExpiry time.Time) error {
	if newExpiry.Before(grant.ExpiresAt) {
		return errors.New("grant expiry may only move forward")
	}
	tx := s.db.WithContext(ctx).
		Model(&models.AccessGrant{}).
		Where("id = ? AND version = ? AND revoked_at IS NULL", grant.ID, grant.Version).
		Updates(map[string]interface{}{
			"expires_at": newExpiry,
			"version":    grant.Version + 1,
			"updated_at": time.Now().UTC(),
		})
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return ErrStaleGrant
	}
	grant.ExpiresAt = newExpiry
	grant.Version++
	return nil
}

func (s *gormGrantStore) RecordPurchase(ctx context.Context, purchase *models.AccessGrantPurchase) error {
	if err := s.db.WithContext(ctx).Create(purchase).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicateCheckoutSession
		}
		return err
	}
	return nil
}

func (s *gormGrantStore) ListByOrg(ctx context.Context, orgID string) ([]models.AccessGrant, error) {
	var grants []models.AccessGrant
	err := s.db.WithContext(ctx).
		Where("org_id = ?", orgID).
		Order("id ASC").
		Find(&grants).Error
	return grants, err
}

func (s *gormGrantStore) ListPurchasesByGrant(ctx context.Context, grantID uint) ([]models.AccessGrantPurchase, error) {
	var purchases []models.AccessGrantPurchase
	err := s.db.WithContext(ctx).
		Where("grant_id = ?", grantID).
		Order("id ASC").
		Find(&purchases).Error
	return purchases, err
}
