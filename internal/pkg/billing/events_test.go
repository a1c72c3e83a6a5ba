package billing

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripe "github.com/stripe/stripe-go/v82"

	"github.com/corates/stripehook/app/models"
)

func TestFingerprint(t *testing.T) {
	a := Fingerprint([]byte(`{"id":"evt_1"}`))
	b := Fingerprint([]byte(`{"id":"evt_1"} `))

	assert.Len(t, a, 64)
	assert.Equal(t, a, Fingerprint([]byte(`{"id":"evt_1"}`)))
	assert.NotEqual(t, a, b, "fingerprint is over raw bytes, not parsed content")
	assert.Equal(t, "unreadable:req-1", UnreadablePayloadHash("req-1"))
}

func TestSummarizeEvent(t *testing.T) {
	s := SummarizeEvent(stripe.Event{
		ID:         "evt_1",
		Type:       "invoice.paid",
		Livemode:   true,
		APIVersion: "2025-07-30.basil",
		Created:    1700000000,
	})
	assert.Equal(t, "evt_1", s.ID)
	assert.Equal(t, "invoice.paid", s.Type)
	assert.True(t, s.Livemode)
	assert.True(t, s.Created.Equal(time.Unix(1700000000, 0)))

	assert.True(t, SummarizeEvent(stripe.Event{}).Created.IsZero())
}

func TestEventRouter(t *testing.T) {
	called := 0
	handler := EventHandlerFunc(func(context.Context, stripe.Event, EventSummary) (Outcome, error) {
		called++
		return processedOutcome(TagProcessed), nil
	})

	tests := []struct {
		name       string
		production bool
		event      stripe.Event
		status     string
		tag        string
		calls      int
	}{
		{name: "dispatch", production: true, event: stripe.Event{ID: "e", Type: "customer.created", Livemode: true}, status: models.WebhookStatusProcessed, tag: TagProcessed, calls: 1},
		{name: "test mode in production", production: true, event: stripe.Event{ID: "e", Type: "customer.created"}, status: models.WebhookStatusIgnoredTestMode, tag: TagTestMode},
		{name: "test mode outside production", production: false, event: stripe.Event{ID: "e", Type: "customer.created"}, status: models.WebhookStatusProcessed, tag: TagProcessed, calls: 1},
		{name: "unhandled type", production: true, event: stripe.Event{ID: "e", Type: "invoice.paid", Livemode: true}, status: models.WebhookStatusProcessed, tag: TagUnhandled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called = 0
			r := NewEventRouter(tt.production)
			r.Register("customer.created", handler)

			out, err := r.Route(context.Background(), tt.event)
			require.NoError(t, err)
			assert.Equal(t, tt.status, out.Status)
			assert.Equal(t, tt.tag, out.Tag)
			assert.Equal(t, http.StatusOK, out.HTTPStatus)
			assert.Equal(t, tt.calls, called)
		})
	}
}

func TestExpandableID(t *testing.T) {
	var s checkoutSession
	raw := `{"id":"cs_1","customer":{"id":"cus_9","object":"customer"},"subscription":null,"payment_intent":"pi_1"}`
	require.NoError(t, json.Unmarshal([]byte(raw), &s))

	assert.Equal(t, expandableID("cus_9"), s.Customer)
	assert.Equal(t, expandableID(""), s.Subscription)
	assert.Equal(t, expandableID("pi_1"), s.PaymentIntent)
}

func TestCheckoutMetadata(t *testing.T) {
	s := checkoutSession{Metadata: map[string]string{
		MetadataOrgID:     " org_1 ",
		MetadataGrantType: "Single_Project",
	}}
	meta, err := s.metadata()
	require.NoError(t, err)
	assert.Equal(t, "org_1", meta.OrgID)
	assert.Equal(t, "Single_Project", meta.GrantType)

	_, err = (&checkoutSession{Metadata: map[string]string{MetadataOrgID: "org_1"}}).metadata()
	assert.ErrorIs(t, err, ErrMissingMetadata)

	_, err = (&checkoutSession{}).metadata()
	assert.ErrorIs(t, err, ErrMissingMetadata)
}

func TestCheckoutHandler_MalformedSession(t *testing.T) {
	h := NewCheckoutCompletedHandler(NewGrantService(NewGrantStore(newTestDB(t))))

	out, err := h.Handle(context.Background(), stripe.Event{
		ID:   "evt_1",
		Type: stripe.EventTypeCheckoutSessionCompleted,
		Data: &stripe.EventData{Raw: json.RawMessage(`{"mode":"payment"}`)},
	}, EventSummary{ID: "evt_1"})
	require.NoError(t, err)
	assert.Equal(t, models.WebhookStatusFailed, out.Status)
	assert.ErrorIs(t, out.Err, ErrMalformedEvent)
}
