package billing

import (
	"context"
	"net/http"
	"time"

	"github.com/corates/stripehook/app/models"
	stripe "github.com/stripe/stripe-go/v82"
)

const EventTypeCheckoutSessionCompleted = string(stripe.EventTypeCheckoutSessionCompleted)

// Response tags returned to the sender in the "status" field.
const (
	TagProcessed           = "processed"
	TagDuplicate           = "duplicate"
	TagTestMode            = "test_mode"
	TagUnhandled           = "unhandled"
	TagIgnoredMode         = "ignored_mode"
	TagGrantCreated        = "grant_created"
	TagGrantExtended       = "grant_extended"
	TagTrialAlreadyGranted = "trial_already_granted"
	TagGrantNotExtendable  = "grant_not_extendable"
)

// EventSummary holds the envelope fields of a verified event.
type EventSummary struct {
	ID         string
	Type       string
	Livemode   bool
	APIVersion string
	Created    time.Time
}

// SummarizeEvent extracts the envelope of a verified event.
func SummarizeEvent(event stripe.Event) EventSummary {
	s := EventSummary{
		ID:         event.ID,
		Type:       string(event.Type),
		Livemode:   event.Livemode,
		APIVersion: event.APIVersion,
	}
	if event.Created > 0 {
		s.Created = time.Unix(event.Created, 0).UTC()
	}
	return s
}

// Outcome is the terminal result of handling one verified delivery. Status is
// a ledger status; Verified carries the handler-specific correlation fields
// and is only persisted for processed and skipped_duplicate.
type Outcome struct {
	Status     string
	HTTPStatus int
	Tag        string
	Err        error
	Verified   VerifiedFields
	// GrantType is set when the outcome concerns a grant purchase.
	GrantType string
}

func processedOutcome(tag string) Outcome {
	return Outcome{Status: models.WebhookStatusProcessed, HTTPStatus: http.StatusOK, Tag: tag}
}

func duplicateOutcome(tag string) Outcome {
	return Outcome{Status: models.WebhookStatusSkippedDuplicate, HTTPStatus: http.StatusOK, Tag: tag}
}

func failedOutcome(err error) Outcome {
	return Outcome{Status: models.WebhookStatusFailed, HTTPStatus: http.StatusBadRequest, Err: err}
}

// EventHandler handles one verified event type. A returned error is an
// internal failure (store unavailable and the like); domain rejections are
// expressed as a failed Outcome.
type EventHandler interface {
	Handle(ctx context.Context, event stripe.Event, summary EventSummary) (Outcome, error)
}

// EventHandlerFunc adapts a function to EventHandler.
type EventHandlerFunc func(ctx context.Context, event stripe.Event, summary EventSummary) (Outcome, error)

func (f EventHandlerFunc) Handle(ctx context.Context, event stripe.Event, summary EventSummary) (Outcome, error) {
	return f(ctx, event, summary)
}

// EventRouter dispatches verified events by type, after the environment guard.
type EventRouter struct {
	production bool
	handlers   map[string]EventHandler
}

// NewEventRouter creates a router. In production, test-mode events are never dispatched.
func NewEventRouter(production bool) *EventRouter {
	return &EventRouter{
		production: production,
		handlers:   make(map[string]EventHandler),
	}
}

// Register binds a handler to an event type, replacing any previous one.
func (r *EventRouter) Register(eventType string, h EventHandler) {
	r.handlers[eventType] = h
}

// Route applies the environment guard and dispatches the event. Event types
// without a handler are acknowledged as processed with no side effects.
func (r *EventRouter) Route(ctx context.Context, event stripe.Event) (Outcome, error) {
	summary := SummarizeEvent(event)

	if r.production && !summary.Livemode {
		return Outcome{
			Status:     models.WebhookStatusIgnoredTestMode,
			HTTPStatus: http.StatusOK,
			Tag:        TagTestMode,
		}, nil
	}

	h, ok := r.handlers[summary.Type]
	if !ok {
		return processedOutcome(TagUnhandled), nil
	}
	return h.Handle(ctx, event, summary)
}
