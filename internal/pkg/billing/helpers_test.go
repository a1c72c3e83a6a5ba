package billing

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82/webhook"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/corates/stripehook/app/models"
)

const testWebhookSecret = "whsec_test_secret"

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	// a single connection keeps every query on the same in-memory database
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(
		&models.StripeWebhookEvent{},
		&models.AccessGrant{},
		&models.AccessGrantPurchase{},
	))
	return db
}

type fixedClock struct {
	now time.Time
}

func (c *fixedClock) Now() time.Time { return c.now }

func (c *fixedClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type checkoutFixture struct {
	EventID       string
	SessionID     string
	OrgID         string
	GrantType     string
	Mode          string
	PaymentStatus string
	Livemode      bool
	Email         string
}

func defaultCheckout(n int) checkoutFixture {
	return checkoutFixture{
		EventID:       fmt.Sprintf("evt_%d", n),
		SessionID:     fmt.Sprintf("cs_%d", n),
		OrgID:         "org_1",
		GrantType:     "single_project",
		Mode:          "payment",
		PaymentStatus: "paid",
		Livemode:      true,
		Email:         "Buyer@Example.com",
	}
}

func (f checkoutFixture) payload(t *testing.T) []byte {
	t.Helper()

	metadata := map[string]string{}
	if f.OrgID != "" {
		metadata[MetadataOrgID] = f.OrgID
	}
	if f.GrantType != "" {
		metadata[MetadataGrantType] = f.GrantType
	}
	body := map[string]interface{}{
		"id":          f.EventID,
		"object":      "event",
		"type":        EventTypeCheckoutSessionCompleted,
		"livemode":    f.Livemode,
		"api_version": "2025-07-30.basil",
		"created":     time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC).Unix(),
		"data": map[string]interface{}{
			"object": map[string]interface{}{
				"id":             f.SessionID,
				"object":         "checkout.session",
				"mode":           f.Mode,
				"payment_status": f.PaymentStatus,
				"customer":       "cus_123",
				"payment_intent": map[string]interface{}{"id": "pi_123"},
				"metadata":       metadata,
				"customer_details": map[string]interface{}{
					"email": f.Email,
				},
			},
		},
	}
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	return raw
}

func genericEvent(t *testing.T, id, eventType string, livemode bool) []byte {
	t.Helper()

	raw, err := json.Marshal(map[string]interface{}{
		"id":          id,
		"object":      "event",
		"type":        eventType,
		"livemode":    livemode,
		"api_version": "2025-07-30.basil",
		"created":     time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC).Unix(),
		"data": map[string]interface{}{
			"object": map[string]interface{}{"id": "obj_1"},
		},
	})
	require.NoError(t, err)
	return raw
}

func sign(payload []byte, secret string) string {
	return webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
	}).Header
}
