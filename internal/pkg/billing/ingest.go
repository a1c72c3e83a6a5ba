package billing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/corates/stripehook/app/models"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

const defaultMaxBodyBytes = 512 * 1024

// Delivery is one inbound webhook request as seen by the ingestion core.
type Delivery struct {
	Body      io.Reader
	Signature string
	Route     string
	RequestID string
}

// Result is what the endpoint answers to the sender.
type Result struct {
	HTTPStatus int
	Body       map[string]interface{}
	LedgerID   uint
}

// DeliveryReport is passed to recorders once a delivery is finished.
type DeliveryReport struct {
	Status     string
	Tag        string
	GrantType  string
	HTTPStatus int
	Duration   time.Duration
}

// OutcomeRecorder observes finished deliveries. Recorders are best-effort
// and never influence the response.
type OutcomeRecorder interface {
	RecordDelivery(ctx context.Context, report DeliveryReport)
	RecordVerificationFailure(reason string)
}

// PayloadArchiver keeps a copy of raw delivery bytes outside the database.
type PayloadArchiver interface {
	Archive(ctx context.Context, payloadHash string, payload []byte) error
}

// Ingestor orchestrates one delivery in strict phase order: fingerprint,
// dedupe, phase-1 insert, verification, routing, phase-2 update.
type Ingestor struct {
	ledger       LedgerStore
	verifier     SignatureVerifier
	router       *EventRouter
	archiver     PayloadArchiver
	recorders    []OutcomeRecorder
	maxBodyBytes int64
	now          func() time.Time
}

// NewIngestor wires the ingestion core.
func NewIngestor(ledger LedgerStore, verifier SignatureVerifier, router *EventRouter, maxBodyBytes int64) *Ingestor {
	if maxBodyBytes <= 0 {
		maxBodyBytes = defaultMaxBodyBytes
	}
	return &Ingestor{
		ledger:       ledger,
		verifier:     verifier,
		router:       router,
		maxBodyBytes: maxBodyBytes,
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// WithArchiver enables raw payload archiving.
func (in *Ingestor) WithArchiver(a PayloadArchiver) *Ingestor {
	in.archiver = a
	return in
}

// WithClock replaces the time source.
func (in *Ingestor) WithClock(now func() time.Time) *Ingestor {
	in.now = now
	return in
}

// WithRecorders adds outcome recorders.
func (in *Ingestor) WithRecorders(r ...OutcomeRecorder) *Ingestor {
	in.recorders = append(in.recorders, r...)
	return in
}

// Ingest handles one delivery. It never returns an error: every path ends in
// a response for the sender and a best-effort ledger write.
func (in *Ingestor) Ingest(ctx context.Context, d Delivery) (res Result) {
	started := in.now()
	ledgerID := uint(0)
	report := DeliveryReport{}

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic during webhook ingestion: %v", r)
			log.Error().Err(err).Str("request_id", d.RequestID).Uint("ledger_id", ledgerID).Msg("Stripe webhook ingestion panicked")
			if ledgerID != 0 {
				in.markStatus(ctx, ledgerID, models.WebhookStatusFailed, err.Error(), http.StatusInternalServerError)
			}
			report.Status = models.WebhookStatusFailed
			res = errorResult(http.StatusInternalServerError, "internal_error", ledgerID)
		}
		report.HTTPStatus = res.HTTPStatus
		report.Duration = in.now().Sub(started)
		for _, r := range in.recorders {
			r.RecordDelivery(ctx, report)
		}
	}()

	logger := log.With().Str("request_id", d.RequestID).Str("route", d.Route).Logger()
	signature := strings.TrimSpace(d.Signature)

	payload, err := in.readBody(d.Body)
	if err != nil {
		logger.Warn().Err(err).Msg("Stripe webhook body unreadable")
		msg := err.Error()
		status := http.StatusBadRequest
		id, insErr := in.ledger.Insert(ctx, &models.StripeWebhookEvent{
			PayloadHash:      UnreadablePayloadHash(d.RequestID),
			SignaturePresent: signature != "",
			Route:            d.Route,
			RequestID:        d.RequestID,
			Status:           models.WebhookStatusIgnoredUnverified,
			Error:            &msg,
			HTTPStatus:       &status,
		})
		if insErr != nil {
			logger.Error().Err(insErr).Msg("failed to record unreadable webhook delivery")
		}
		report.Status = models.WebhookStatusIgnoredUnverified
		return errorResult(http.StatusBadRequest, "unreadable_body", id)
	}

	hash := Fingerprint(payload)
	logger = logger.With().Str("payload_hash", hash).Logger()

	if signature == "" {
		msg := ErrMissingSignature.Error()
		status := http.StatusForbidden
		id, insErr := in.ledger.Insert(ctx, &models.StripeWebhookEvent{
			PayloadHash: hash,
			Route:       d.Route,
			RequestID:   d.RequestID,
			Status:      models.WebhookStatusIgnoredUnverified,
			Error:       &msg,
			HTTPStatus:  &status,
		})
		if insErr != nil && !errors.Is(insErr, ErrDuplicatePayload) {
			logger.Error().Err(insErr).Msg("failed to record unsigned webhook delivery")
		}
		for _, r := range in.recorders {
			r.RecordVerificationFailure(VerificationFailureReason(ErrMissingSignature))
		}
		logger.Warn().Msg("Stripe webhook rejected: missing signature")
		report.Status = models.WebhookStatusIgnoredUnverified
		return errorResult(http.StatusForbidden, "missing_signature", id)
	}

	existing, err := in.ledger.FindByPayloadHash(ctx, hash)
	switch {
	case err == nil:
		logger.Info().Uint("ledger_id", existing.ID).Str("status", existing.Status).Msg("Stripe webhook duplicate payload, skipping")
		report.Status = models.WebhookStatusSkippedDuplicate
		report.Tag = TagDuplicate
		return okResult(TagDuplicate, existing.ID)
	case !errors.Is(err, gorm.ErrRecordNotFound):
		logger.Error().Err(err).Msg("ledger lookup failed")
		report.Status = models.WebhookStatusFailed
		return errorResult(http.StatusInternalServerError, "ledger_unavailable", 0)
	}

	ledgerID, err = in.ledger.Insert(ctx, &models.StripeWebhookEvent{
		PayloadHash:      hash,
		SignaturePresent: true,
		ReceivedAt:       started,
		Route:            d.Route,
		RequestID:        d.RequestID,
		Status:           models.WebhookStatusReceived,
	})
	if err != nil {
		if errors.Is(err, ErrDuplicatePayload) {
			logger.Info().Msg("Stripe webhook duplicate payload lost insert race, skipping")
			report.Status = models.WebhookStatusSkippedDuplicate
			report.Tag = TagDuplicate
			return okResult(TagDuplicate, 0)
		}
		logger.Error().Err(err).Msg("ledger insert failed")
		report.Status = models.WebhookStatusFailed
		return errorResult(http.StatusInternalServerError, "ledger_unavailable", 0)
	}
	logger = logger.With().Uint("ledger_id", ledgerID).Logger()

	event, err := in.verifier.Verify(ctx, payload, signature)
	if err != nil {
		reason := VerificationFailureReason(err)
		logger.Warn().Err(err).Str("reason", reason).Msg("Stripe webhook rejected: signature verification failed")
		in.markStatus(ctx, ledgerID, models.WebhookStatusIgnoredUnverified, err.Error(), http.StatusForbidden)
		for _, r := range in.recorders {
			r.RecordVerificationFailure(reason)
		}
		report.Status = models.WebhookStatusIgnoredUnverified
		return errorResult(http.StatusForbidden, "invalid_signature", ledgerID)
	}

	summary := SummarizeEvent(event)
	logger = logger.With().Str("event_id", summary.ID).Str("type", summary.Type).Logger()

	// only authenticated bytes leave the process
	if in.archiver != nil {
		if err := in.archiver.Archive(ctx, hash, payload); err != nil {
			logger.Warn().Err(err).Msg("failed to archive raw webhook payload")
		}
	}

	outcome, err := in.router.Route(ctx, event)
	if err != nil {
		logger.Error().Err(err).Msg("Stripe webhook handler failed")
		in.markStatus(ctx, ledgerID, models.WebhookStatusFailed, err.Error(), http.StatusInternalServerError)
		report.Status = models.WebhookStatusFailed
		return errorResult(http.StatusInternalServerError, "processing_failed", ledgerID)
	}

	report.Status = outcome.Status
	report.Tag = outcome.Tag
	report.GrantType = outcome.GrantType

	switch models.LedgerTransition(models.WebhookStatusReceived, outcome.Status) {
	case models.WriteVerified:
		fields := mergeSummary(outcome.Verified, summary)
		fields.ProcessedAt = in.now()
		if err := in.ledger.UpdateVerified(ctx, ledgerID, fields, outcome.Status, outcome.HTTPStatus); err != nil {
			logger.Error().Err(err).Msg("failed to finalize ledger row")
		}
		logger.Info().Str("status", outcome.Status).Str("tag", outcome.Tag).Msg("Stripe webhook handled")
		return okResult(outcome.Tag, ledgerID)

	case models.WriteStatusOnly:
		msg := ""
		if outcome.Err != nil {
			msg = outcome.Err.Error()
		}
		in.markStatus(ctx, ledgerID, outcome.Status, msg, outcome.HTTPStatus)
		if outcome.HTTPStatus >= http.StatusBadRequest {
			logger.Warn().Err(outcome.Err).Str("status", outcome.Status).Msg("Stripe webhook rejected")
			return errorResult(outcome.HTTPStatus, errorCode(outcome.Err), ledgerID)
		}
		logger.Info().Str("status", outcome.Status).Str("tag", outcome.Tag).Msg("Stripe webhook skipped")
		return okResult(outcome.Tag, ledgerID)

	default:
		err := fmt.Errorf("%w: handler produced status %q", ErrLedgerTransition, outcome.Status)
		logger.Error().Err(err).Msg("Stripe webhook handler returned an invalid outcome")
		in.markStatus(ctx, ledgerID, models.WebhookStatusFailed, err.Error(), http.StatusInternalServerError)
		report.Status = models.WebhookStatusFailed
		return errorResult(http.StatusInternalServerError, "processing_failed", ledgerID)
	}
}

func (in *Ingestor) readBody(body io.Reader) ([]byte, error) {
	if body == nil {
		return nil, ErrUnreadableBody
	}
	payload, err := io.ReadAll(io.LimitReader(body, in.maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadableBody, err)
	}
	if int64(len(payload)) > in.maxBodyBytes {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", ErrUnreadableBody, in.maxBodyBytes)
	}
	return payload, nil
}

// markStatus is the best-effort status-only ledger write. Its own failure is
// logged and swallowed.
func (in *Ingestor) markStatus(ctx context.Context, id uint, status, errMsg string, httpStatus int) {
	if err := in.ledger.UpdateStatus(ctx, id, status, errMsg, httpStatus); err != nil {
		log.Error().Err(err).Uint("ledger_id", id).Str("status", status).Msg("failed to update ledger row")
	}
}

func mergeSummary(f VerifiedFields, s EventSummary) VerifiedFields {
	if f.StripeEventID == "" {
		f.StripeEventID = s.ID
	}
	if f.EventType == "" {
		f.EventType = s.Type
	}
	if f.APIVersion == "" {
		f.APIVersion = s.APIVersion
	}
	if f.EventCreatedAt.IsZero() {
		f.EventCreatedAt = s.Created
	}
	f.Livemode = s.Livemode
	return f
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrMissingMetadata):
		return "missing_metadata"
	case errors.Is(err, ErrUnknownGrantType):
		return "unknown_grant_type"
	case errors.Is(err, ErrPaymentNotPaid):
		return "payment_not_paid"
	case errors.Is(err, ErrMalformedEvent):
		return "invalid_payload"
	default:
		return "rejected"
	}
}

func okResult(tag string, ledgerID uint) Result {
	body := map[string]interface{}{"received": true}
	if tag != "" {
		body["status"] = tag
	}
	return Result{HTTPStatus: http.StatusOK, Body: body, LedgerID: ledgerID}
}

func errorResult(status int, code string, ledgerID uint) Result {
	return Result{
		HTTPStatus: status,
		Body:       map[string]interface{}{"received": false, "error": code},
		LedgerID:   ledgerID,
	}
}
