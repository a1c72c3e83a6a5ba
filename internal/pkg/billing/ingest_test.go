package billing

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
	"gorm.io/gorm"

	"github.com/corates/stripehook/app/models"
)

type recordingRecorder struct {
	mu       sync.Mutex
	reports  []DeliveryReport
	failures []string
}

func (r *recordingRecorder) RecordDelivery(_ context.Context, report DeliveryReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, report)
}

func (r *recordingRecorder) RecordVerificationFailure(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, reason)
}

type memoryArchive struct {
	mu      sync.Mutex
	objects map[string][]byte
	err     error
}

func (a *memoryArchive) Archive(_ context.Context, hash string, payload []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	if a.objects == nil {
		a.objects = map[string][]byte{}
	}
	a.objects[hash] = append([]byte(nil), payload...)
	return nil
}

type harness struct {
	db       *gorm.DB
	ledger   LedgerStore
	grants   GrantStore
	router   *EventRouter
	ingestor *Ingestor
	clock    *fixedClock
	recorder *recordingRecorder
	archive  *memoryArchive
}

func newHarness(t *testing.T, production bool) *harness {
	t.Helper()

	db := newTestDB(t)
	h := &harness{
		db:       db,
		ledger:   NewLedgerStore(db),
		grants:   NewGrantStore(db),
		router:   NewEventRouter(production),
		clock:    &fixedClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		recorder: &recordingRecorder{},
		archive:  &memoryArchive{},
	}
	service := NewGrantService(h.grants).WithClock(h.clock.Now)
	h.router.Register(EventTypeCheckoutSessionCompleted, NewCheckoutCompletedHandler(service))

	verifier := NewStripeVerifier(testWebhookSecret, 5*time.Minute, time.Second)
	h.ingestor = NewIngestor(h.ledger, verifier, h.router, 64*1024).
		WithClock(h.clock.Now).
		WithArchiver(h.archive).
		WithRecorders(h.recorder)
	return h
}

func (h *harness) deliver(t *testing.T, payload []byte, signature string) Result {
	t.Helper()
	return h.ingestor.Ingest(context.Background(), Delivery{
		Body:      bytes.NewReader(payload),
		Signature: signature,
		Route:     "/api/webhooks/stripe",
		RequestID: "req-" + t.Name(),
	})
}

func (h *harness) deliverSigned(t *testing.T, payload []byte) Result {
	t.Helper()
	return h.deliver(t, payload, sign(payload, testWebhookSecret))
}

func (h *harness) ledgerRows(t *testing.T) []models.StripeWebhookEvent {
	t.Helper()
	var rows []models.StripeWebhookEvent
	require.NoError(t, h.db.Order("id ASC").Find(&rows).Error)
	return rows
}

func (h *harness) grantRows(t *testing.T) []models.AccessGrant {
	t.Helper()
	var rows []models.AccessGrant
	require.NoError(t, h.db.Order("id ASC").Find(&rows).Error)
	return rows
}

func (h *harness) purchaseRows(t *testing.T) []models.AccessGrantPurchase {
	t.Helper()
	var rows []models.AccessGrantPurchase
	require.NoError(t, h.db.Order("id ASC").Find(&rows).Error)
	return rows
}

func TestIngest_FreshPurchaseCreatesGrant(t *testing.T) {
	h := newHarness(t, true)
	fx := defaultCheckout(1)
	payload := fx.payload(t)

	res := h.deliverSigned(t, payload)

	assert.Equal(t, http.StatusOK, res.HTTPStatus)
	assert.Equal(t, true, res.Body["received"])
	assert.Equal(t, TagGrantCreated, res.Body["status"])

	grants := h.grantRows(t)
	require.Len(t, grants, 1)
	assert.Equal(t, "org_1", grants[0].OrgID)
	assert.Equal(t, "single_project", grants[0].Type)
	assert.True(t, grants[0].StartsAt.Equal(h.clock.now))
	assert.True(t, grants[0].ExpiresAt.Equal(h.clock.now.AddDate(0, 6, 0)), "expiry %s", grants[0].ExpiresAt)
	require.NotNil(t, grants[0].StripeCheckoutSessionID)
	assert.Equal(t, fx.SessionID, *grants[0].StripeCheckoutSessionID)
	assert.Equal(t, "buyer@example.com", grants[0].Metadata["purchaser_email"])
	assert.Equal(t, "pi_123", grants[0].Metadata["stripe_payment_intent_id"])
	assert.Equal(t, fx.EventID, grants[0].Metadata["stripe_event_id"])

	rows := h.ledgerRows(t)
	require.Len(t, rows, 1)
	row := rows[0]
	assert.Equal(t, models.WebhookStatusProcessed, row.Status)
	assert.Equal(t, Fingerprint(payload), row.PayloadHash)
	assert.True(t, row.SignaturePresent)
	require.NotNil(t, row.HTTPStatus)
	assert.Equal(t, http.StatusOK, *row.HTTPStatus)
	require.NotNil(t, row.StripeEventID)
	assert.Equal(t, fx.EventID, *row.StripeEventID)
	require.NotNil(t, row.OrgID)
	assert.Equal(t, "org_1", *row.OrgID)
	require.NotNil(t, row.StripeCheckoutSessionID)
	assert.Equal(t, fx.SessionID, *row.StripeCheckoutSessionID)
	require.NotNil(t, row.StripeCustomerID)
	assert.Equal(t, "cus_123", *row.StripeCustomerID)
	require.NotNil(t, row.Livemode)
	assert.True(t, *row.Livemode)
	require.NotNil(t, row.ProcessedAt)
	assert.Nil(t, row.Error)

	purchases := h.purchaseRows(t)
	require.Len(t, purchases, 1)
	assert.Equal(t, models.GrantPurchaseKindCreated, purchases[0].Kind)
	assert.Equal(t, grants[0].ID, purchases[0].GrantID)

	assert.Contains(t, h.archive.objects, Fingerprint(payload))
	require.Len(t, h.recorder.reports, 1)
	assert.Equal(t, models.WebhookStatusProcessed, h.recorder.reports[0].Status)
	assert.Equal(t, TagGrantCreated, h.recorder.reports[0].Tag)
	assert.Equal(t, "single_project", h.recorder.reports[0].GrantType)
}

func TestIngest_IdenticalBytesAreDeduplicated(t *testing.T) {
	h := newHarness(t, true)
	payload := defaultCheckout(1).payload(t)

	first := h.deliverSigned(t, payload)
	require.Equal(t, TagGrantCreated, first.Body["status"])

	for i := 0; i < 3; i++ {
		res := h.deliverSigned(t, payload)
		assert.Equal(t, http.StatusOK, res.HTTPStatus)
		assert.Equal(t, TagDuplicate, res.Body["status"])
	}

	rows := h.ledgerRows(t)
	require.Len(t, rows, 1)
	assert.Equal(t, models.WebhookStatusProcessed, rows[0].Status)
	assert.Len(t, h.grantRows(t), 1)
	assert.Len(t, h.purchaseRows(t), 1)
}

func TestIngest_DuplicateBeforeVerification(t *testing.T) {
	h := newHarness(t, true)
	payload := defaultCheckout(1).payload(t)

	require.Equal(t, http.StatusOK, h.deliverSigned(t, payload).HTTPStatus)

	// The stored hash short-circuits before the signature is looked at.
	res := h.deliver(t, payload, "t=1,v1=deadbeef")
	assert.Equal(t, http.StatusOK, res.HTTPStatus)
	assert.Equal(t, TagDuplicate, res.Body["status"])
	assert.Empty(t, h.recorder.failures)
	assert.Len(t, h.ledgerRows(t), 1)
}

func TestIngest_ConcurrentIdenticalDeliveries(t *testing.T) {
	h := newHarness(t, true)
	payload := defaultCheckout(1).payload(t)

	var wg sync.WaitGroup
	results := make([]Result, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = h.deliverSigned(t, payload)
		}(i)
	}
	wg.Wait()

	created := 0
	for _, res := range results {
		assert.Equal(t, http.StatusOK, res.HTTPStatus)
		if res.Body["status"] == TagGrantCreated {
			created++
		} else {
			assert.Equal(t, TagDuplicate, res.Body["status"])
		}
	}
	assert.Equal(t, 1, created)
	assert.Len(t, h.ledgerRows(t), 1)
	assert.Len(t, h.grantRows(t), 1)
}

func TestIngest_RepeatPurchaseExtendsExistingGrant(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	oldSession := "cs_old"
	existing := &models.AccessGrant{
		OrgID:                   "org_1",
		Type:                    "single_project",
		StartsAt:                h.clock.now.AddDate(0, -4, 0),
		ExpiresAt:               h.clock.now.AddDate(0, 2, 0),
		StripeCheckoutSessionID: &oldSession,
	}
	require.NoError(t, h.grants.CreateGrant(ctx, existing))

	res := h.deliverSigned(t, defaultCheckout(2).payload(t))
	assert.Equal(t, http.StatusOK, res.HTTPStatus)
	assert.Equal(t, TagGrantExtended, res.Body["status"])

	grants := h.grantRows(t)
	require.Len(t, grants, 1)
	assert.Equal(t, existing.ID, grants[0].ID)
	want := h.clock.now.AddDate(0, 2, 0).AddDate(0, 6, 0)
	assert.True(t, grants[0].ExpiresAt.Equal(want), "expiry %s, want %s", grants[0].ExpiresAt, want)
	assert.Equal(t, 2, grants[0].Version)

	purchases := h.purchaseRows(t)
	require.Len(t, purchases, 1)
	assert.Equal(t, models.GrantPurchaseKindExtended, purchases[0].Kind)
	require.NotNil(t, purchases[0].PreviousExpiresAt)
	assert.True(t, purchases[0].PreviousExpiresAt.Equal(h.clock.now.AddDate(0, 2, 0)))
}

func TestIngest_ExtensionOfLapsedGrantStartsFromNow(t *testing.T) {
	h := newHarness(t, true)

	require.Equal(t, TagGrantCreated, h.deliverSigned(t, defaultCheckout(1).payload(t)).Body["status"])
	first := h.grantRows(t)[0]

	h.clock.Advance(365 * 24 * time.Hour)
	require.Equal(t, TagGrantExtended, h.deliverSigned(t, defaultCheckout(2).payload(t)).Body["status"])

	grants := h.grantRows(t)
	require.Len(t, grants, 1)
	assert.Equal(t, first.ID, grants[0].ID)
	assert.True(t, grants[0].ExpiresAt.Equal(h.clock.now.AddDate(0, 6, 0)))
	assert.False(t, grants[0].ExpiresAt.Before(first.ExpiresAt))
}

func TestIngest_SameCheckoutSessionAppliedOnce(t *testing.T) {
	h := newHarness(t, true)

	first := defaultCheckout(1)
	second := defaultCheckout(2)
	second.SessionID = first.SessionID

	require.Equal(t, TagGrantCreated, h.deliverSigned(t, first.payload(t)).Body["status"])
	expiry := h.grantRows(t)[0].ExpiresAt

	res := h.deliverSigned(t, second.payload(t))
	assert.Equal(t, http.StatusOK, res.HTTPStatus)
	assert.Equal(t, TagDuplicate, res.Body["status"])

	grants := h.grantRows(t)
	require.Len(t, grants, 1)
	assert.True(t, grants[0].ExpiresAt.Equal(expiry))
	assert.Len(t, h.purchaseRows(t), 1)

	rows := h.ledgerRows(t)
	require.Len(t, rows, 2)
	assert.Equal(t, models.WebhookStatusSkippedDuplicate, rows[1].Status)
	require.NotNil(t, rows[1].StripeEventID)
	assert.Equal(t, second.EventID, *rows[1].StripeEventID)
}

func TestIngest_InvalidSignatureRejected(t *testing.T) {
	h := newHarness(t, true)
	payload := defaultCheckout(1).payload(t)

	res := h.deliver(t, payload, sign(payload, "whsec_wrong"))

	assert.Equal(t, http.StatusForbidden, res.HTTPStatus)
	assert.Equal(t, false, res.Body["received"])
	assert.Empty(t, h.grantRows(t))

	rows := h.ledgerRows(t)
	require.Len(t, rows, 1)
	assert.Equal(t, models.WebhookStatusIgnoredUnverified, rows[0].Status)
	assert.False(t, rows[0].HasVerifiedFields())
	require.NotNil(t, rows[0].HTTPStatus)
	assert.Equal(t, http.StatusForbidden, *rows[0].HTTPStatus)
	require.NotNil(t, rows[0].Error)
	assert.Equal(t, []string{"invalid"}, h.recorder.failures)
}

func TestIngest_MissingSignatureRejected(t *testing.T) {
	h := newHarness(t, true)
	payload := defaultCheckout(1).payload(t)

	res := h.deliver(t, payload, "  ")
	assert.Equal(t, http.StatusForbidden, res.HTTPStatus)

	rows := h.ledgerRows(t)
	require.Len(t, rows, 1)
	assert.Equal(t, models.WebhookStatusIgnoredUnverified, rows[0].Status)
	assert.False(t, rows[0].SignaturePresent)
	assert.False(t, rows[0].HasVerifiedFields())
	assert.Empty(t, h.archive.objects)
	assert.Empty(t, h.grantRows(t))
	assert.Equal(t, []string{"missing"}, h.recorder.failures)

	// A repeat writes nothing new.
	res = h.deliver(t, payload, "")
	assert.Equal(t, http.StatusForbidden, res.HTTPStatus)
	assert.Len(t, h.ledgerRows(t), 1)
}

func TestIngest_VerificationTimeoutFailsClosed(t *testing.T) {
	h := newHarness(t, true)
	release := make(chan struct{})
	defer close(release)

	verifier := NewStripeVerifier(testWebhookSecret, time.Minute, 20*time.Millisecond)
	verifier.construct = func([]byte, string, string, webhook.ConstructEventOptions) (stripe.Event, error) {
		<-release
		return stripe.Event{ID: "evt_late"}, nil
	}
	h.ingestor.verifier = verifier

	payload := defaultCheckout(1).payload(t)
	res := h.deliverSigned(t, payload)

	assert.Equal(t, http.StatusForbidden, res.HTTPStatus)
	assert.Empty(t, h.grantRows(t))
	rows := h.ledgerRows(t)
	require.Len(t, rows, 1)
	assert.Equal(t, models.WebhookStatusIgnoredUnverified, rows[0].Status)
	assert.Equal(t, []string{"timeout"}, h.recorder.failures)
}

func TestIngest_SubscriptionCheckoutIgnored(t *testing.T) {
	h := newHarness(t, true)
	fx := defaultCheckout(1)
	fx.Mode = "subscription"

	res := h.deliverSigned(t, fx.payload(t))

	assert.Equal(t, http.StatusOK, res.HTTPStatus)
	assert.Equal(t, TagIgnoredMode, res.Body["status"])
	assert.Empty(t, h.grantRows(t))

	rows := h.ledgerRows(t)
	require.Len(t, rows, 1)
	assert.Equal(t, models.WebhookStatusProcessed, rows[0].Status)
	assert.Nil(t, rows[0].OrgID)
	require.NotNil(t, rows[0].StripeEventID)
}

func TestIngest_TestModeEventInProduction(t *testing.T) {
	h := newHarness(t, true)
	fx := defaultCheckout(1)
	fx.Livemode = false

	res := h.deliverSigned(t, fx.payload(t))

	assert.Equal(t, http.StatusOK, res.HTTPStatus)
	assert.Equal(t, TagTestMode, res.Body["status"])
	assert.Empty(t, h.grantRows(t))

	rows := h.ledgerRows(t)
	require.Len(t, rows, 1)
	assert.Equal(t, models.WebhookStatusIgnoredTestMode, rows[0].Status)
	assert.False(t, rows[0].HasVerifiedFields())
}

func TestIngest_TestModeEventOutsideProduction(t *testing.T) {
	h := newHarness(t, false)
	fx := defaultCheckout(1)
	fx.Livemode = false

	res := h.deliverSigned(t, fx.payload(t))

	assert.Equal(t, TagGrantCreated, res.Body["status"])
	assert.Len(t, h.grantRows(t), 1)
}

func TestIngest_ValidationFailures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*checkoutFixture)
		code   string
	}{
		{name: "missing org", mutate: func(f *checkoutFixture) { f.OrgID = "" }, code: "missing_metadata"},
		{name: "missing grant type", mutate: func(f *checkoutFixture) { f.GrantType = "" }, code: "missing_metadata"},
		{name: "unknown grant type", mutate: func(f *checkoutFixture) { f.GrantType = "lifetime" }, code: "unknown_grant_type"},
		{name: "unpaid", mutate: func(f *checkoutFixture) { f.PaymentStatus = "unpaid" }, code: "payment_not_paid"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, true)
			fx := defaultCheckout(1)
			tt.mutate(&fx)

			res := h.deliverSigned(t, fx.payload(t))

			assert.Equal(t, http.StatusBadRequest, res.HTTPStatus)
			assert.Equal(t, tt.code, res.Body["error"])
			assert.Empty(t, h.grantRows(t))

			rows := h.ledgerRows(t)
			require.Len(t, rows, 1)
			assert.Equal(t, models.WebhookStatusFailed, rows[0].Status)
			assert.False(t, rows[0].HasVerifiedFields())
			require.NotNil(t, rows[0].Error)
			assert.NotEmpty(t, *rows[0].Error)
		})
	}
}

func TestIngest_UnhandledEventType(t *testing.T) {
	h := newHarness(t, true)

	res := h.deliverSigned(t, genericEvent(t, "evt_inv", "invoice.paid", true))

	assert.Equal(t, http.StatusOK, res.HTTPStatus)
	assert.Equal(t, TagUnhandled, res.Body["status"])
	rows := h.ledgerRows(t)
	require.Len(t, rows, 1)
	assert.Equal(t, models.WebhookStatusProcessed, rows[0].Status)
	require.NotNil(t, rows[0].EventType)
	assert.Equal(t, "invoice.paid", *rows[0].EventType)
	require.NotNil(t, rows[0].StripeEventID)
	assert.Equal(t, "evt_inv", *rows[0].StripeEventID)
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, errors.New("connection reset") }

func TestIngest_UnreadableBody(t *testing.T) {
	h := newHarness(t, true)

	res := h.ingestor.Ingest(context.Background(), Delivery{
		Body:      errReader{},
		Signature: "t=1,v1=abc",
		RequestID: "req-unreadable",
	})

	assert.Equal(t, http.StatusBadRequest, res.HTTPStatus)
	rows := h.ledgerRows(t)
	require.Len(t, rows, 1)
	assert.Equal(t, "unreadable:req-unreadable", rows[0].PayloadHash)
	assert.Equal(t, models.WebhookStatusIgnoredUnverified, rows[0].Status)
	assert.True(t, rows[0].SignaturePresent)
}

func TestIngest_OversizeBodyIsUnreadable(t *testing.T) {
	h := newHarness(t, true)
	payload := []byte(strings.Repeat("x", 64*1024+1))

	res := h.deliverSigned(t, payload)

	assert.Equal(t, http.StatusBadRequest, res.HTTPStatus)
	rows := h.ledgerRows(t)
	require.Len(t, rows, 1)
	assert.True(t, strings.HasPrefix(rows[0].PayloadHash, "unreadable:"))
	require.NotNil(t, rows[0].Error)
	assert.Contains(t, *rows[0].Error, "exceeds")
}

func TestIngest_TrialGrantedOncePerOrg(t *testing.T) {
	h := newHarness(t, true)

	first := defaultCheckout(1)
	first.GrantType = "trial"
	res := h.deliverSigned(t, first.payload(t))
	require.Equal(t, TagGrantCreated, res.Body["status"])

	grants := h.grantRows(t)
	require.Len(t, grants, 1)
	assert.True(t, grants[0].ExpiresAt.Equal(h.clock.now.AddDate(0, 0, 14)))

	second := defaultCheckout(2)
	second.GrantType = "trial"
	res = h.deliverSigned(t, second.payload(t))
	assert.Equal(t, http.StatusOK, res.HTTPStatus)
	assert.Equal(t, TagTrialAlreadyGranted, res.Body["status"])

	grants = h.grantRows(t)
	require.Len(t, grants, 1)
	assert.True(t, grants[0].ExpiresAt.Equal(h.clock.now.AddDate(0, 0, 14)))
	assert.Len(t, h.purchaseRows(t), 1)

	rows := h.ledgerRows(t)
	require.Len(t, rows, 2)
	assert.Equal(t, models.WebhookStatusSkippedDuplicate, rows[1].Status)
}

func TestIngest_GrantTypesAreIndependent(t *testing.T) {
	h := newHarness(t, true)

	trial := defaultCheckout(1)
	trial.GrantType = "trial"
	require.Equal(t, TagGrantCreated, h.deliverSigned(t, trial.payload(t)).Body["status"])
	require.Equal(t, TagGrantCreated, h.deliverSigned(t, defaultCheckout(2).payload(t)).Body["status"])

	assert.Len(t, h.grantRows(t), 2)
}

func TestIngest_HandlerErrorMarksFailed(t *testing.T) {
	h := newHarness(t, true)
	h.router.Register("customer.created", EventHandlerFunc(func(context.Context, stripe.Event, EventSummary) (Outcome, error) {
		return Outcome{}, errors.New("store unavailable")
	}))

	res := h.deliverSigned(t, genericEvent(t, "evt_c", "customer.created", true))

	assert.Equal(t, http.StatusInternalServerError, res.HTTPStatus)
	rows := h.ledgerRows(t)
	require.Len(t, rows, 1)
	assert.Equal(t, models.WebhookStatusFailed, rows[0].Status)
	require.NotNil(t, rows[0].Error)
	assert.Contains(t, *rows[0].Error, "store unavailable")
}

func TestIngest_HandlerPanicMarksFailed(t *testing.T) {
	h := newHarness(t, true)
	h.router.Register("customer.created", EventHandlerFunc(func(context.Context, stripe.Event, EventSummary) (Outcome, error) {
		panic("boom")
	}))

	res := h.deliverSigned(t, genericEvent(t, "evt_p", "customer.created", true))

	assert.Equal(t, http.StatusInternalServerError, res.HTTPStatus)
	rows := h.ledgerRows(t)
	require.Len(t, rows, 1)
	assert.Equal(t, models.WebhookStatusFailed, rows[0].Status)
	require.NotNil(t, rows[0].Error)
	assert.Contains(t, *rows[0].Error, "boom")
	require.Len(t, h.recorder.reports, 1)
	assert.Equal(t, http.StatusInternalServerError, h.recorder.reports[0].HTTPStatus)
}

func TestIngest_InvalidHandlerStatusMarksFailed(t *testing.T) {
	h := newHarness(t, true)
	h.router.Register("customer.created", EventHandlerFunc(func(context.Context, stripe.Event, EventSummary) (Outcome, error) {
		return Outcome{Status: models.WebhookStatusReceived, HTTPStatus: http.StatusOK}, nil
	}))

	res := h.deliverSigned(t, genericEvent(t, "evt_r", "customer.created", true))

	assert.Equal(t, http.StatusInternalServerError, res.HTTPStatus)
	assert.Equal(t, models.WebhookStatusFailed, h.ledgerRows(t)[0].Status)
}

type failingUpdateLedger struct {
	LedgerStore
}

func (failingUpdateLedger) UpdateVerified(context.Context, uint, VerifiedFields, string, int) error {
	return errors.New("disk full")
}

func TestIngest_LedgerUpdateFailureIsSwallowed(t *testing.T) {
	h := newHarness(t, true)
	h.ingestor.ledger = failingUpdateLedger{LedgerStore: h.ledger}

	res := h.deliverSigned(t, defaultCheckout(1).payload(t))

	assert.Equal(t, http.StatusOK, res.HTTPStatus)
	assert.Equal(t, TagGrantCreated, res.Body["status"])
	assert.Len(t, h.grantRows(t), 1)
	assert.Equal(t, models.WebhookStatusReceived, h.ledgerRows(t)[0].Status)
}

func TestIngest_ArchiveFailureDoesNotAffectOutcome(t *testing.T) {
	h := newHarness(t, true)
	h.archive.err = errors.New("bucket unavailable")

	res := h.deliverSigned(t, defaultCheckout(1).payload(t))

	assert.Equal(t, http.StatusOK, res.HTTPStatus)
	assert.Len(t, h.grantRows(t), 1)
}

func TestIngest_AuthenticityGateNeverMutatesGrants(t *testing.T) {
	h := newHarness(t, true)

	signatures := []string{
		"",
		"garbage",
		"t=1,v1=0000",
	}
	for i, sig := range signatures {
		payload := defaultCheckout(i + 1).payload(t)
		res := h.deliver(t, payload, sig)
		assert.Equal(t, http.StatusForbidden, res.HTTPStatus, "signature %q", sig)
	}
	payload := defaultCheckout(10).payload(t)
	assert.Equal(t, http.StatusForbidden, h.deliver(t, payload, sign(payload, "whsec_other")).HTTPStatus)

	assert.Empty(t, h.grantRows(t))
	assert.Empty(t, h.purchaseRows(t))
	assert.Empty(t, h.archive.objects)
	for _, row := range h.ledgerRows(t) {
		assert.Equal(t, models.WebhookStatusIgnoredUnverified, row.Status)
		assert.False(t, row.HasVerifiedFields())
	}
}

func TestIngest_UnverifiedPayloadIsNotArchived(t *testing.T) {
	h := newHarness(t, true)
	forged := []byte(`{"attacker":"controlled bytes"}`)

	res := h.deliver(t, forged, "t=1,v1=deadbeef")
	assert.Equal(t, http.StatusForbidden, res.HTTPStatus)
	assert.Empty(t, h.archive.objects)

	res = h.deliver(t, defaultCheckout(2).payload(t), "")
	assert.Equal(t, http.StatusForbidden, res.HTTPStatus)
	assert.Empty(t, h.archive.objects)

	payload := defaultCheckout(3).payload(t)
	res = h.deliverSigned(t, payload)
	assert.Equal(t, http.StatusOK, res.HTTPStatus)
	assert.Len(t, h.archive.objects, 1)
	assert.Contains(t, h.archive.objects, Fingerprint(payload))
}
