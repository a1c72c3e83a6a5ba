package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/corates/stripehook/app/models"
	"gorm.io/gorm"
)

// VerifiedFields are the ledger columns that may only be written after the
// signature check succeeded.
type VerifiedFields struct {
	StripeEventID           string
	EventType               string
	Livemode                bool
	APIVersion              string
	EventCreatedAt          time.Time
	ProcessedAt             time.Time
	OrgID                   string
	StripeCustomerID        string
	StripeSubscriptionID    string
	StripeCheckoutSessionID string
}

// LedgerStore is the durable audit log of webhook deliveries.
type LedgerStore interface {
	Insert(ctx context.Context, event *models.StripeWebhookEvent) (uint, error)
	FindByPayloadHash(ctx context.Context, hash string) (*models.StripeWebhookEvent, error)
	UpdateVerified(ctx context.Context, id uint, fields VerifiedFields, status string, httpStatus int) error
	UpdateStatus(ctx context.Context, id uint, status, errMsg string, httpStatus int) error

	GetByID(ctx context.Context, id uint) (*models.StripeWebhookEvent, error)
	ListByOrg(ctx context.Context, orgID string, limit int) ([]models.StripeWebhookEvent, error)
	ListByEventType(ctx context.Context, eventType string, limit int) ([]models.StripeWebhookEvent, error)
	ListByStatus(ctx context.Context, status string, limit int) ([]models.StripeWebhookEvent, error)
	ListStuck(ctx context.Context, olderThan time.Time, limit int) ([]models.StripeWebhookEvent, error)
}

const defaultLedgerListLimit = 100

type gormLedgerStore struct {
	db *gorm.DB
}

// NewLedgerStore creates a ledger store backed by GORM. The DB handle must be
// opened with TranslateError so unique violations surface as gorm.ErrDuplicatedKey.
func NewLedgerStore(db *gorm.DB) LedgerStore {
	return &gormLedgerStore{db: db}
}

func (s *gormLedgerStore) Insert(ctx context.Context, event *models.StripeWebhookEvent) (uint, error) {
	if event == nil || event.PayloadHash == "" {
		return 0, errors.New("ledger insert requires a payload hash")
	}
	if models.LedgerTransition(models.StatusNew, event.Status) != models.WriteTrustMinimal {
		return 0, fmt.Errorf("%w: insert with status %q", ErrLedgerTransition, event.Status)
	}
	if event.HasVerifiedFields() {
		return 0, fmt.Errorf("%w: insert must not carry verified fields", ErrLedgerTransition)
	}
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = time.Now().UTC()
	}
	if event.Error != nil {
		msg := models.TruncateWebhookError(*event.Error)
		event.Error = &msg
	}

	if err := s.db.WithContext(ctx).Create(event).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return 0, ErrDuplicatePayload
		}
		return 0, err
	}
	return event.ID, nil
}

func (s *gormLedgerStore) FindByPayloadHash(ctx context.Context, hash string) (*models.StripeWebhookEvent, error) {
	var event models.StripeWebhookEvent
	err := s.db.WithContext(ctx).Where("payload_hash = ?", hash).First(&event).Error
	if err != nil {
		return nil, err
	}
	return &event, nil
}

func (s *gormLedgerStore) UpdateVerified(ctx context.Context, id uint, fields VerifiedFields, status string, httpStatus int) error {
	if models.LedgerTransition(models.WebhookStatusReceived, status) != models.WriteVerified {
		return fmt.Errorf("%w: %q does not carry verified fields", ErrLedgerTransition, status)
	}
	processedAt := fields.ProcessedAt
	if processedAt.IsZero() {
		processedAt = time.Now().UTC()
	}

	updates := map[string]interface{}{
		"status":                     status,
		"http_status":                httpStatus,
		"error":                      nil,
		"stripe_event_id":            nullableString(fields.StripeEventID),
		"event_type":                 nullableString(fields.EventType),
		"livemode":                   fields.Livemode,
		"api_version":                nullableString(fields.APIVersion),
		"event_created_at":           nullableTime(fields.EventCreatedAt),
		"processed_at":               processedAt,
		"org_id":                     nullableString(fields.OrgID),
		"stripe_customer_id":         nullableString(fields.StripeCustomerID),
		"stripe_subscription_id":     nullableString(fields.StripeSubscriptionID),
		"stripe_checkout_session_id": nullableString(fields.StripeCheckoutSessionID),
	}
	return s.updateReceived(ctx, id, updates)
}

func (s *gormLedgerStore) UpdateStatus(ctx context.Context, id uint, status, errMsg string, httpStatus int) error {
	if models.LedgerTransition(models.WebhookStatusReceived, status) != models.WriteStatusOnly {
		return fmt.Errorf("%w: %q is not a status-only transition", ErrLedgerTransition, status)
	}
	updates := map[string]interface{}{
		"status":      status,
		"http_status": httpStatus,
		"error":       nullableString(models.TruncateWebhookError(errMsg)),
	}
	return s.updateReceived(ctx, id, updates)
}

// updateReceived applies updates only while the row is still in the received
// state, which caps every row at one insert plus one update.
func (s *gormLedgerStore) updateReceived(ctx context.Context, id uint, updates map[string]interface{}) error {
	tx := s.db.WithContext(ctx).
		Model(&models.StripeWebhookEvent{}).
		Where("id = ? AND status = ?", id, models.WebhookStatusReceived).
		Updates(updates)
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return fmt.Errorf("%w: ledger row %d", ErrLedgerTransition, id)
	}
	return nil
}

func (s *gormLedgerStore) GetByID(ctx context.Context, id uint) (*models.StripeWebhookEvent, error) {
	var event models.StripeWebhookEvent
	if err := s.db.WithContext(ctx).First(&event, id).Error; err != nil {
		return nil, err
	}
	return &event, nil
}

func (s *gormLedgerStore) ListByOrg(ctx context.Context, orgID string, limit int) ([]models.StripeWebhookEvent, error) {
	return s.list(ctx, limit, "org_id = ?", orgID)
}

func (s *gormLedgerStore) ListByEventType(ctx context.Context, eventType string, limit int) ([]models.StripeWebhookEvent, error) {
	return s.list(ctx, limit, "event_type = ?", eventType)
}

func (s *gormLedgerStore) ListByStatus(ctx context.Context, status string, limit int) ([]models.StripeWebhookEvent, error) {
	return s.list(ctx, limit, "status = ?", status)
}

// ListStuck returns deliveries that need a human look: rows still in received
// after the cutoff (the handler died mid-flight), and processed checkout
// completions that carry an org but never produced a purchase.
func (s *gormLedgerStore) ListStuck(ctx context.Context, olderThan time.Time, limit int) ([]models.StripeWebhookEvent, error) {
	var events []models.StripeWebhookEvent
	purchases := s.db.Model(&models.AccessGrantPurchase{}).
		Select("1").
		Where("access_grant_purchases.stripe_checkout_session_id = stripe_webhook_events.stripe_checkout_session_id")

	err := s.db.WithContext(ctx).
		Where("received_at < ?", olderThan).
		Where(
			s.db.Where("status = ?", models.WebhookStatusReceived).
				Or(s.db.Where("status = ? AND event_type = ? AND org_id IS NOT NULL AND stripe_checkout_session_id IS NOT NULL AND NOT EXISTS (?)",
					models.WebhookStatusProcessed, EventTypeCheckoutSessionCompleted, purchases)),
		).
		Order("received_at ASC").
		Limit(normalizeLimit(limit)).
		Find(&events).Error
	return events, err
}

func (s *gormLedgerStore) list(ctx context.Context, limit int, query string, args ...interface{}) ([]models.StripeWebhookEvent, error) {
	var events []models.StripeWebhookEvent
	err := s.db.WithContext(ctx).
		Where(query, args...).
		Order("received_at DESC").
		Limit(normalizeLimit(limit)).
		Find(&events).Error
	return events, err
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return defaultLedgerListLimit
	}
	return limit
}

func nullableString(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
