package controllers

import (
	"bytes"
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/corates/stripehook/internal/pkg/billing"
)

const webhookRequestTimeout = 15 * time.Second

// StripeWebhookController adapts the ingestion core to Fiber.
type StripeWebhookController struct {
	ingestor *billing.Ingestor
}

func NewStripeWebhookController(ingestor *billing.Ingestor) *StripeWebhookController {
	return &StripeWebhookController{ingestor: ingestor}
}

// HandleStripeWebhook handles POST /api/webhooks/stripe. The body is taken
// raw; no body parser may run before it.
func (h *StripeWebhookController) HandleStripeWebhook(c *fiber.Ctx) error {
	rawBody := append([]byte(nil), c.BodyRaw()...)

	ctx, cancel := context.WithTimeout(c.UserContext(), webhookRequestTimeout)
	defer cancel()

	res := h.ingestor.Ingest(ctx, billing.Delivery{
		Body:      bytes.NewReader(rawBody),
		Signature: c.Get(billing.StripeSignatureHeader),
		Route:     c.Route().Path,
		RequestID: requestID(c),
	})
	return c.Status(res.HTTPStatus).JSON(res.Body)
}

// HandleOversizedBody answers a webhook request whose body fiber refused to
// read. The delivery is ledgered as unreadable like any other.
func (h *StripeWebhookController) HandleOversizedBody(c *fiber.Ctx) error {
	res := h.ingestor.Ingest(c.UserContext(), billing.Delivery{
		Body:      failingReader{err: fiber.ErrRequestEntityTooLarge},
		Signature: c.Get(billing.StripeSignatureHeader),
		Route:     c.Path(),
		RequestID: requestID(c),
	})
	return c.Status(res.HTTPStatus).JSON(res.Body)
}

type failingReader struct {
	err error
}

func (r failingReader) Read([]byte) (int, error) { return 0, r.err }

// requestID prefers the id set by the requestid middleware.
func requestID(c *fiber.Ctx) string {
	if v, ok := c.Locals("requestid").(string); ok && v != "" {
		return v
	}
	if v := c.Get(fiber.HeaderXRequestID); v != "" {
		return v
	}
	return uuid.NewString()
}
